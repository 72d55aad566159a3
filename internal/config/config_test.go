package config

import (
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/google/go-cmp/cmp"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func writeConfig(t *testing.T, contents string) string {
	t.Helper()
	path := filepath.Join(t.TempDir(), "locker.json")
	require.NoError(t, os.WriteFile(path, []byte(contents), 0o644))
	return path
}

func TestLoadPartialConfig(t *testing.T) {
	path := writeConfig(t, `{
		"device_id": "locker-kiosk-7",
		"serial_port": "/dev/ttyACM0",
		"ack_timeout": "2s",
		"offline_fallback": true
	}`)

	cfg, err := Load(path)
	require.NoError(t, err)

	want := &LockerConfig{
		DeviceID:        ptrString("locker-kiosk-7"),
		SerialPort:      ptrString("/dev/ttyACM0"),
		AckTimeout:      ptrString("2s"),
		OfflineFallback: ptrBool(true),
	}
	if diff := cmp.Diff(want, cfg); diff != "" {
		t.Errorf("config mismatch (-want +got):\n%s", diff)
	}

	// Named fields override, everything else keeps its default.
	assert.Equal(t, "locker-kiosk-7", cfg.GetDeviceID())
	assert.Equal(t, 2*time.Second, cfg.GetAckTimeout())
	assert.True(t, cfg.GetOfflineFallback())
	assert.Equal(t, 115200, cfg.GetBaudRate())
	assert.Equal(t, 10*time.Second, cfg.GetPollInterval())
}

func TestDefaultsFromEmptyConfig(t *testing.T) {
	cfg := Empty()

	assert.Equal(t, "locker-01", cfg.GetDeviceID())
	assert.Equal(t, "/dev/ttyUSB0", cfg.GetSerialPort())
	assert.Equal(t, 115200, cfg.GetBaudRate())
	assert.Equal(t, 5*time.Second, cfg.GetAckTimeout())
	assert.Equal(t, 1, cfg.GetRetries())
	assert.Equal(t, 500*time.Millisecond, cfg.GetScanDebounce())
	assert.Equal(t, 3*time.Second, cfg.GetDenyCooldown())
	assert.Equal(t, 5*time.Minute, cfg.GetLookbackWindow())
	assert.Equal(t, 3*time.Second, cfg.GetLookupTimeout())
	assert.False(t, cfg.GetOfflineFallback())
	assert.Equal(t, 8, cfg.GetMinCodeLength())
	assert.Equal(t, 5*time.Second, cfg.GetReconnectBase())
	assert.Equal(t, 60*time.Second, cfg.GetReconnectMax())
	assert.Equal(t, 30*time.Second, cfg.GetStatusInterval())
	assert.Equal(t, "locker-audit.db", cfg.GetAuditDBPath())
	assert.Equal(t, 15*time.Second, cfg.GetAuditFlushInterval())
	assert.Equal(t, 64, cfg.GetAuditQueueSize())
	assert.Equal(t, "admin", cfg.GetAlertChannel())
	assert.Equal(t, time.Minute, cfg.GetNotifyCooldown())
}

func TestLoadRejectsNonJSONExtension(t *testing.T) {
	_, err := Load("locker.yaml")
	require.Error(t, err)
	assert.Contains(t, err.Error(), ".json extension")
}

func TestLoadRejectsMissingFile(t *testing.T) {
	_, err := Load(filepath.Join(t.TempDir(), "absent.json"))
	require.Error(t, err)
}

func TestLoadRejectsMalformedJSON(t *testing.T) {
	path := writeConfig(t, `{"device_id": `)
	_, err := Load(path)
	require.Error(t, err)
	assert.Contains(t, err.Error(), "parse config JSON")
}

func TestValidateRejectsBadDuration(t *testing.T) {
	path := writeConfig(t, `{"ack_timeout": "soon"}`)
	_, err := Load(path)
	require.Error(t, err)
	assert.Contains(t, err.Error(), "ack_timeout")
}

func TestValidateRejectsBadValues(t *testing.T) {
	cases := map[string]string{
		"negative retries": `{"retries": -1}`,
		"zero baud":        `{"baud_rate": 0}`,
		"zero code length": `{"min_code_length": 0}`,
		"zero queue":       `{"audit_queue_size": 0}`,
	}
	for name, contents := range cases {
		t.Run(name, func(t *testing.T) {
			path := writeConfig(t, contents)
			_, err := Load(path)
			assert.Error(t, err)
		})
	}
}

func TestExplicitZeroRetriesAllowed(t *testing.T) {
	path := writeConfig(t, `{"retries": 0}`)
	cfg, err := Load(path)
	require.NoError(t, err)
	assert.Equal(t, 0, cfg.GetRetries())
}
