// The actuator node drives the locks, door sensors, and buzzer over a serial
// line to the coordinator. Hardware attaches through the actuator.Hardware
// interface; without a GPIO bridge it runs the simulated hardware, which is
// enough for bench testing the protocol end to end.
package main

import (
	"context"
	"flag"
	"log"
	"os/signal"
	"sync"
	"syscall"
	"time"

	"github.com/qppd/parcel-box/internal/actuator"
	"github.com/qppd/parcel-box/internal/serialmux"
	"github.com/qppd/parcel-box/internal/timeutil"
	"github.com/qppd/parcel-box/internal/version"
)

var (
	portPath = flag.String("port", "/dev/ttyUSB0", "Serial port to the coordinator")
	baudRate = flag.Int("baud", 115200, "Serial baud rate")
	cycle    = flag.Duration("cycle", 50*time.Millisecond, "Control cycle interval")
)

func main() {
	flag.Parse()

	port, err := serialmux.Open(*portPath, serialmux.PortOptions{BaudRate: *baudRate})
	if err != nil {
		log.Fatalf("failed to open serial port %s: %v", *portPath, err)
	}

	mux := serialmux.New(port)
	defer mux.Close()

	clock := timeutil.RealClock{}
	machine := actuator.NewMachine(actuator.NewSimHardware(), mux, clock, actuator.Config{
		CycleInterval: *cycle,
	})

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	var wg sync.WaitGroup

	wg.Add(1)
	go func() {
		defer wg.Done()
		if err := mux.Monitor(ctx); err != nil && err != context.Canceled {
			log.Printf("serial monitor terminated: %v", err)
		}
	}()

	wg.Add(1)
	go func() {
		defer wg.Done()
		if err := machine.Run(ctx); err != nil && err != context.Canceled {
			log.Printf("actuator terminated: %v", err)
		}
	}()

	log.Printf("actuator %s up on %s @ %d baud", version.String(), *portPath, *baudRate)
	wg.Wait()
	log.Printf("graceful shutdown complete")
}
