// Package config loads the coordinator's JSON configuration. Fields are
// pointers so a partial file overrides only what it names; everything else
// falls back to the Get* defaults.
package config

import (
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"time"
)

// DefaultConfigPath is the conventional location of the locker config file.
const DefaultConfigPath = "config/locker.json"

// LockerConfig is the root configuration for one coordinator node. Durations
// are strings like "5s" so the file stays hand-editable.
type LockerConfig struct {
	// Identity and link
	DeviceID   *string `json:"device_id,omitempty"`
	SerialPort *string `json:"serial_port,omitempty"`
	BaudRate   *int    `json:"baud_rate,omitempty"`
	AckTimeout *string `json:"ack_timeout,omitempty"`
	Retries    *int    `json:"retries,omitempty"`

	// Session machine
	ScanDebounce   *string `json:"scan_debounce,omitempty"`
	DenyCooldown   *string `json:"deny_cooldown,omitempty"`
	LookbackWindow *string `json:"lookback_window,omitempty"`

	// Validation
	LookupTimeout   *string `json:"lookup_timeout,omitempty"`
	OfflineFallback *bool   `json:"offline_fallback,omitempty"`
	MinCodeLength   *int    `json:"min_code_length,omitempty"`

	// Connectivity
	PollInterval  *string `json:"poll_interval,omitempty"`
	ReconnectBase *string `json:"reconnect_base,omitempty"`
	ReconnectMax  *string `json:"reconnect_max,omitempty"`

	// Status publication
	StatusInterval *string `json:"status_interval,omitempty"`

	// Audit trail
	AuditDBPath        *string `json:"audit_db_path,omitempty"`
	AuditFlushInterval *string `json:"audit_flush_interval,omitempty"`
	AuditQueueSize     *int    `json:"audit_queue_size,omitempty"`

	// Alerting
	AlertChannel   *string `json:"alert_channel,omitempty"`
	NotifyCooldown *string `json:"notify_cooldown,omitempty"`
}

func ptrString(v string) *string { return &v }
func ptrInt(v int) *int          { return &v }
func ptrBool(v bool) *bool       { return &v }

// Empty returns a LockerConfig with every field unset.
func Empty() *LockerConfig {
	return &LockerConfig{}
}

// Load reads a LockerConfig from a JSON file. The path must end in .json and
// the file must be under 1MB. Fields omitted from the file keep their
// defaults, so partial configs are safe.
func Load(path string) (*LockerConfig, error) {
	cleanPath := filepath.Clean(path)
	if ext := filepath.Ext(cleanPath); ext != ".json" {
		return nil, fmt.Errorf("config file must have .json extension, got %q", ext)
	}

	fileInfo, err := os.Stat(cleanPath)
	if err != nil {
		return nil, fmt.Errorf("failed to stat config file: %w", err)
	}
	const maxFileSize = 1 * 1024 * 1024
	if fileInfo.Size() > maxFileSize {
		return nil, fmt.Errorf("config file too large: %d bytes (max %d)", fileInfo.Size(), maxFileSize)
	}

	data, err := os.ReadFile(cleanPath)
	if err != nil {
		return nil, fmt.Errorf("failed to read config file: %w", err)
	}

	cfg := Empty()
	if err := json.Unmarshal(data, cfg); err != nil {
		return nil, fmt.Errorf("failed to parse config JSON: %w", err)
	}

	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("invalid configuration: %w", err)
	}
	return cfg, nil
}

// Validate checks the configuration values that can be wrong in ways a
// duration getter would silently paper over.
func (c *LockerConfig) Validate() error {
	durations := map[string]*string{
		"ack_timeout":          c.AckTimeout,
		"scan_debounce":        c.ScanDebounce,
		"deny_cooldown":        c.DenyCooldown,
		"lookback_window":      c.LookbackWindow,
		"lookup_timeout":       c.LookupTimeout,
		"poll_interval":        c.PollInterval,
		"reconnect_base":       c.ReconnectBase,
		"reconnect_max":        c.ReconnectMax,
		"status_interval":      c.StatusInterval,
		"audit_flush_interval": c.AuditFlushInterval,
		"notify_cooldown":      c.NotifyCooldown,
	}
	for name, v := range durations {
		if v == nil || *v == "" {
			continue
		}
		if _, err := time.ParseDuration(*v); err != nil {
			return fmt.Errorf("invalid %s '%s': %w", name, *v, err)
		}
	}

	if c.BaudRate != nil && *c.BaudRate <= 0 {
		return fmt.Errorf("baud_rate must be positive, got %d", *c.BaudRate)
	}
	if c.Retries != nil && *c.Retries < 0 {
		return fmt.Errorf("retries must be non-negative, got %d", *c.Retries)
	}
	if c.MinCodeLength != nil && *c.MinCodeLength < 1 {
		return fmt.Errorf("min_code_length must be at least 1, got %d", *c.MinCodeLength)
	}
	if c.AuditQueueSize != nil && *c.AuditQueueSize < 1 {
		return fmt.Errorf("audit_queue_size must be at least 1, got %d", *c.AuditQueueSize)
	}
	return nil
}

func (c *LockerConfig) duration(v *string, def time.Duration) time.Duration {
	if v == nil || *v == "" {
		return def
	}
	d, err := time.ParseDuration(*v)
	if err != nil {
		return def
	}
	return d
}

// GetDeviceID returns the device identifier or the default.
func (c *LockerConfig) GetDeviceID() string {
	if c.DeviceID == nil || *c.DeviceID == "" {
		return "locker-01"
	}
	return *c.DeviceID
}

// GetSerialPort returns the serial device path or the default.
func (c *LockerConfig) GetSerialPort() string {
	if c.SerialPort == nil || *c.SerialPort == "" {
		return "/dev/ttyUSB0"
	}
	return *c.SerialPort
}

// GetBaudRate returns the serial baud rate or the default.
func (c *LockerConfig) GetBaudRate() int {
	if c.BaudRate == nil {
		return 115200
	}
	return *c.BaudRate
}

// GetAckTimeout returns the per-command acknowledgement timeout.
func (c *LockerConfig) GetAckTimeout() time.Duration {
	return c.duration(c.AckTimeout, 5*time.Second)
}

// GetRetries returns the per-command retry count.
func (c *LockerConfig) GetRetries() int {
	if c.Retries == nil {
		return 1
	}
	return *c.Retries
}

// GetScanDebounce returns the duplicate-scan suppression window.
func (c *LockerConfig) GetScanDebounce() time.Duration {
	return c.duration(c.ScanDebounce, 500*time.Millisecond)
}

// GetDenyCooldown returns how long a denial message stays up.
func (c *LockerConfig) GetDenyCooldown() time.Duration {
	return c.duration(c.DenyCooldown, 3*time.Second)
}

// GetLookbackWindow returns the post-grant door-open tolerance window.
func (c *LockerConfig) GetLookbackWindow() time.Duration {
	return c.duration(c.LookbackWindow, 5*time.Minute)
}

// GetLookupTimeout returns the remote parcel lookup bound.
func (c *LockerConfig) GetLookupTimeout() time.Duration {
	return c.duration(c.LookupTimeout, 3*time.Second)
}

// GetOfflineFallback reports whether the offline validation heuristic is
// enabled. Off by default: online-only deployments fail closed.
func (c *LockerConfig) GetOfflineFallback() bool {
	if c.OfflineFallback == nil {
		return false
	}
	return *c.OfflineFallback
}

// GetMinCodeLength returns the offline heuristic's minimum code length.
func (c *LockerConfig) GetMinCodeLength() int {
	if c.MinCodeLength == nil {
		return 8
	}
	return *c.MinCodeLength
}

// GetPollInterval returns the connectivity probe interval.
func (c *LockerConfig) GetPollInterval() time.Duration {
	return c.duration(c.PollInterval, 10*time.Second)
}

// GetReconnectBase returns the initial reconnect backoff.
func (c *LockerConfig) GetReconnectBase() time.Duration {
	return c.duration(c.ReconnectBase, 5*time.Second)
}

// GetReconnectMax returns the reconnect backoff cap.
func (c *LockerConfig) GetReconnectMax() time.Duration {
	return c.duration(c.ReconnectMax, 60*time.Second)
}

// GetStatusInterval returns the device status publication interval.
func (c *LockerConfig) GetStatusInterval() time.Duration {
	return c.duration(c.StatusInterval, 30*time.Second)
}

// GetAuditDBPath returns the local audit buffer path.
func (c *LockerConfig) GetAuditDBPath() string {
	if c.AuditDBPath == nil || *c.AuditDBPath == "" {
		return "locker-audit.db"
	}
	return *c.AuditDBPath
}

// GetAuditFlushInterval returns the remote history flush interval.
func (c *LockerConfig) GetAuditFlushInterval() time.Duration {
	return c.duration(c.AuditFlushInterval, 15*time.Second)
}

// GetAuditQueueSize returns the in-process audit queue capacity.
func (c *LockerConfig) GetAuditQueueSize() int {
	if c.AuditQueueSize == nil {
		return 64
	}
	return *c.AuditQueueSize
}

// GetAlertChannel returns the lockdown notification channel.
func (c *LockerConfig) GetAlertChannel() string {
	if c.AlertChannel == nil || *c.AlertChannel == "" {
		return "admin"
	}
	return *c.AlertChannel
}

// GetNotifyCooldown returns the per-channel alert suppression window.
func (c *LockerConfig) GetNotifyCooldown() time.Duration {
	return c.duration(c.NotifyCooldown, time.Minute)
}
