// The coordinator runs the locker's delivery lifecycle: scanner input,
// validation, actuator commands over the serial link, audit trail, and
// status publication. SIGUSR1 clears a lockdown.
package main

import (
	"bufio"
	"context"
	"encoding/json"
	"flag"
	"io"
	"log"
	"net"
	"os"
	"os/signal"
	"strings"
	"sync"
	"syscall"
	"time"

	"github.com/qppd/parcel-box/internal/actuator"
	"github.com/qppd/parcel-box/internal/audit"
	"github.com/qppd/parcel-box/internal/backend"
	"github.com/qppd/parcel-box/internal/config"
	"github.com/qppd/parcel-box/internal/connectivity"
	"github.com/qppd/parcel-box/internal/display"
	"github.com/qppd/parcel-box/internal/link"
	"github.com/qppd/parcel-box/internal/notify"
	"github.com/qppd/parcel-box/internal/serialmux"
	"github.com/qppd/parcel-box/internal/session"
	"github.com/qppd/parcel-box/internal/status"
	"github.com/qppd/parcel-box/internal/timeutil"
	"github.com/qppd/parcel-box/internal/validation"
	"github.com/qppd/parcel-box/internal/version"
)

var (
	devMode     = flag.Bool("dev", false, "Run with an in-process simulated actuator instead of a serial port")
	configPath  = flag.String("config", "", "Path to the locker config JSON")
	portPath    = flag.String("port", "", "Serial port override")
	probeAddr   = flag.String("probe", "1.1.1.1:53", "TCP address dialled for connectivity probes")
	parcelsPath = flag.String("parcels", "", "JSON fixture of parcel records for the in-memory registry")
)

// loopPort is one end of an in-process serial link for dev mode.
type loopPort struct {
	r *io.PipeReader
	w *io.PipeWriter
}

func (p *loopPort) Read(b []byte) (int, error)  { return p.r.Read(b) }
func (p *loopPort) Write(b []byte) (int, error) { return p.w.Write(b) }

func (p *loopPort) Close() error {
	p.r.Close()
	return p.w.Close()
}

// loopbackPair returns two cross-connected ports, one per node.
func loopbackPair() (coordEnd, actEnd serialmux.SerialPorter) {
	actRead, coordWrite := io.Pipe()
	coordRead, actWrite := io.Pipe()
	return &loopPort{r: coordRead, w: coordWrite}, &loopPort{r: actRead, w: actWrite}
}

// dialNetwork probes connectivity by dialling a well-known TCP endpoint.
type dialNetwork struct {
	addr string
}

func (n dialNetwork) Connect(ctx context.Context) error { return n.Probe(ctx) }

func (n dialNetwork) Probe(ctx context.Context) error {
	d := net.Dialer{Timeout: 5 * time.Second}
	conn, err := d.DialContext(ctx, "tcp", n.addr)
	if err != nil {
		return err
	}
	return conn.Close()
}

// staticNetwork is always up; dev mode only.
type staticNetwork struct{}

func (staticNetwork) Connect(ctx context.Context) error { return nil }
func (staticNetwork) Probe(ctx context.Context) error   { return nil }

func loadParcels(registry *backend.Memory, path string) error {
	data, err := os.ReadFile(path)
	if err != nil {
		return err
	}
	var records []backend.ParcelRecord
	if err := json.Unmarshal(data, &records); err != nil {
		return err
	}
	for _, rec := range records {
		registry.AddParcel(rec)
	}
	log.Printf("loaded %d parcel records from %s", len(records), path)
	return nil
}

func main() {
	flag.Parse()

	cfg := config.Empty()
	if *configPath != "" {
		var err error
		cfg, err = config.Load(*configPath)
		if err != nil {
			log.Fatalf("failed to load config: %v", err)
		}
	}

	clock := timeutil.RealClock{}
	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	var wg sync.WaitGroup

	// Serial link to the actuator node. Dev mode wires a simulated actuator
	// over an in-process pipe so the whole stack runs without hardware.
	var coordPort serialmux.SerialPorter
	if *devMode {
		var actPort serialmux.SerialPorter
		coordPort, actPort = loopbackPair()

		actMux := serialmux.New(actPort)
		actMachine := actuator.NewMachine(actuator.NewSimHardware(), actMux, clock, actuator.Config{})

		wg.Add(2)
		go func() {
			defer wg.Done()
			if err := actMux.Monitor(ctx); err != nil && err != context.Canceled {
				log.Printf("sim actuator monitor terminated: %v", err)
			}
		}()
		go func() {
			defer wg.Done()
			if err := actMachine.Run(ctx); err != nil && err != context.Canceled {
				log.Printf("sim actuator terminated: %v", err)
			}
		}()
	} else {
		path := *portPath
		if path == "" {
			path = cfg.GetSerialPort()
		}
		var err error
		coordPort, err = serialmux.Open(path, serialmux.PortOptions{BaudRate: cfg.GetBaudRate()})
		if err != nil {
			log.Fatalf("failed to open serial port %s: %v", path, err)
		}
	}

	mux := serialmux.New(coordPort)
	defer mux.Close()

	retries := cfg.GetRetries()
	if retries == 0 {
		retries = -1 // explicit no-retry
	}
	framer := link.NewFramer(mux, clock, link.Config{
		AckTimeout: cfg.GetAckTimeout(),
		Retries:    retries,
	})

	// Remote collaborators. The concrete cloud store attaches outside this
	// binary; the in-memory registry serves dev and fixture-driven setups.
	registry := backend.NewMemory()
	if *parcelsPath != "" {
		if err := loadParcels(registry, *parcelsPath); err != nil {
			log.Fatalf("failed to load parcels fixture: %v", err)
		}
	}

	var network connectivity.Network = dialNetwork{addr: *probeAddr}
	if *devMode {
		network = staticNetwork{}
	}
	conn := connectivity.NewManager(network, clock, connectivity.Config{
		PollInterval:  cfg.GetPollInterval(),
		ReconnectBase: cfg.GetReconnectBase(),
		ReconnectMax:  cfg.GetReconnectMax(),
	})

	gateway := validation.NewGateway(registry, conn, validation.Config{
		LookupTimeout:   cfg.GetLookupTimeout(),
		OfflineFallback: cfg.GetOfflineFallback(),
		MinCodeLength:   cfg.GetMinCodeLength(),
	})

	store, err := audit.OpenStore(cfg.GetAuditDBPath())
	if err != nil {
		log.Fatalf("failed to open audit store: %v", err)
	}
	defer store.Close()

	deviceID := cfg.GetDeviceID()
	auditLog := audit.NewLogger(store, registry, clock, deviceID, audit.Config{
		QueueSize:     cfg.GetAuditQueueSize(),
		FlushInterval: cfg.GetAuditFlushInterval(),
	})

	notifier := notify.NewCooldown(notify.LogNotifier{}, clock, cfg.GetNotifyCooldown())

	machine := session.NewMachine(framer, gateway, display.LogSink{}, auditLog, notifier, clock, session.Config{
		DenyCooldown:   cfg.GetDenyCooldown(),
		LookbackWindow: cfg.GetLookbackWindow(),
		ScanDebounce:   cfg.GetScanDebounce(),
		AlertChannel:   cfg.GetAlertChannel(),
	})

	pub := status.NewPublisher(status.SourceFunc(func() backend.StatusSnapshot {
		snap := backend.StatusSnapshot{
			DeviceID:     deviceID,
			Connectivity: conn.Phase().String(),
			SessionState: machine.State().String(),
		}
		if sess := machine.Session(); sess != nil {
			snap.Lock1Open = sess.Lock1Open
			snap.Lock2Open = sess.Lock2Open
		}
		return snap
	}), registry, clock, status.Config{Interval: cfg.GetStatusInterval()})

	machine.SetDeliveredHook(func(ctx context.Context) { pub.PublishNow() })

	// Scanner codes arrive on stdin, one per line (keyboard-wedge QR reader).
	scans := make(chan string)
	go func() {
		defer close(scans)
		scanner := bufio.NewScanner(os.Stdin)
		for scanner.Scan() {
			code := strings.TrimSpace(scanner.Text())
			if code == "" {
				continue
			}
			select {
			case scans <- code:
			case <-ctx.Done():
				return
			}
		}
	}()

	// SIGUSR1 is the administrative lockdown reset.
	resets := make(chan os.Signal, 1)
	signal.Notify(resets, syscall.SIGUSR1)
	wg.Add(1)
	go func() {
		defer wg.Done()
		for {
			select {
			case <-resets:
				if machine.AdminReset(ctx) {
					log.Printf("lockdown cleared via SIGUSR1")
					if st, err := framer.QueryStatus(ctx); err != nil {
						log.Printf("post-reset status query failed: %v", err)
					} else {
						log.Printf("actuator state after reset: %s", st.Frame())
					}
				}
			case <-ctx.Done():
				return
			}
		}
	}()

	runs := []struct {
		name string
		fn   func(context.Context) error
	}{
		{"serial monitor", mux.Monitor},
		{"link framer", framer.Run},
		{"connectivity", conn.Run},
		{"audit", auditLog.Run},
		{"status publisher", pub.Run},
	}
	for _, r := range runs {
		r := r
		wg.Add(1)
		go func() {
			defer wg.Done()
			if err := r.fn(ctx); err != nil && err != context.Canceled {
				log.Printf("%s terminated: %v", r.name, err)
			}
		}()
	}

	wg.Add(1)
	go func() {
		defer wg.Done()
		if err := machine.Run(ctx, scans, framer.Events()); err != nil && err != context.Canceled {
			log.Printf("session machine terminated: %v", err)
		}
	}()

	log.Printf("coordinator %s up: device=%s dev=%v", version.String(), deviceID, *devMode)
	wg.Wait()
	log.Printf("graceful shutdown complete")
}
