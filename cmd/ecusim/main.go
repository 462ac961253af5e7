package main

import (
	"context"
	"flag"
	"fmt"
	"log"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/shaunagostinho/ecusim/internal/bus"
	"github.com/shaunagostinho/ecusim/internal/cluster"
	"github.com/shaunagostinho/ecusim/internal/control"
	"github.com/shaunagostinho/ecusim/internal/ecu"
	"github.com/shaunagostinho/ecusim/internal/isotp"
	"github.com/shaunagostinho/ecusim/internal/logger"
	"github.com/shaunagostinho/ecusim/internal/server"
	"github.com/shaunagostinho/ecusim/internal/uds"
	"github.com/shaunagostinho/ecusim/web"
)

func main() {
	os.Exit(run())
}

func run() int {
	fs := flag.NewFlagSet("ecusim", flag.ContinueOnError)
	configPath := fs.String("config", "/etc/ecusim/config.yaml", "Path to config file")
	listenAddr := fs.String("listen", "", "Override listen address (e.g. :8080)")
	busType := fs.String("bus", "", "Override bus binding: virtual, socketcan, slcan or redis")
	demo := fs.Bool("demo", false, "Drive the vehicle through a simulated cycle")
	dumpConfig := fs.Bool("dump-config", false, "Print the effective config as YAML and exit")
	if err := fs.Parse(os.Args[1:]); err != nil {
		return 2
	}

	log.SetFlags(log.Ldate | log.Ltime | log.Lshortfile)

	// Load config
	cfg := server.LoadConfig(*configPath)
	if *listenAddr != "" {
		cfg.Server.ListenAddr = *listenAddr
	}
	if *busType != "" {
		cfg.Bus.Type = *busType
	}

	if *dumpConfig {
		data, err := cfg.ToYAML()
		if err != nil {
			log.Printf("[main] %v", err)
			return 1
		}
		os.Stdout.Write(data)
		return 0
	}

	log.Println("[main] ecusim starting")

	ecuCfg, err := cfg.ECUSettings()
	if err != nil {
		log.Printf("[main] invalid config: %v", err)
		return 1
	}

	b, native, err := openBus(cfg)
	if err != nil {
		log.Printf("[main] %v", err)
		return 1
	}
	defer b.Close()

	// Create context with signal handling
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, syscall.SIGINT, syscall.SIGTERM)
	defer signal.Stop(sigCh)
	go func() {
		select {
		case sig := <-sigCh:
			log.Printf("[main] received %v, shutting down", sig)
			cancel()
		case <-ctx.Done():
		}
	}()

	// Native bindings connect in the background; the local bus works
	// regardless.
	if native != nil {
		go connectWithRetry(ctx, native.Name(), native, 10)
	}

	// Recorder sees every frame; it writes only while enabled.
	rec := logger.New(cfg.RecorderSettings(), cfg.Bus.Channel)
	defer rec.Close()
	go rec.Run(ctx, b.Subscribe())

	vehicle := ecu.New(b, ecuCfg)
	ecuDone := vehicle.Start(ctx)

	diag := isotp.Address{TxID: ecuCfg.RequestID, RxID: ecuCfg.ResponseID}
	tester := uds.NewClient(isotp.NewTransport(b, diag, ecuCfg.ISOTP), uds.DefaultRequestTimeout)
	tester.Start(ctx)

	cl := cluster.New(b, diag.TxID, diag.RxID)
	cl.Start(ctx)

	dispatcher := &control.Dispatcher{Vehicle: vehicle, Tester: tester}
	if *demo {
		go ecu.NewDemoDriver(time.Now().UnixNano()).Run(ctx, 100*time.Millisecond, dispatcher.Submit)
	}

	srv := server.New(cfg, vehicle, cl, dispatcher, rec, web.FS)
	code := 0
	if err := srv.Run(ctx); err != nil {
		log.Printf("[main] server exited: %v", err)
		code = 1
	}
	cancel()
	<-ecuDone
	log.Println("[main] stopped")
	return code
}

// binding is a bus that bridges to something outside the process.
type binding interface {
	bus.Bus
	Name() string
	Connect() error
}

// openBus builds the configured bus. Native bindings are returned as the
// second value so the caller can connect them.
func openBus(cfg *server.Config) (bus.Bus, binding, error) {
	opts := cfg.BusOptions()
	switch cfg.Bus.Type {
	case "", "virtual":
		return bus.NewVirtual(opts...), nil, nil
	case "socketcan":
		b := bus.NewSocketCAN(cfg.Bus.Channel, opts...)
		return b, b, nil
	case "slcan":
		b := bus.NewSLCAN(cfg.SLCANSettings(), opts...)
		return b, b, nil
	case "redis":
		b := bus.NewRedis(cfg.RedisSettings(), opts...)
		return b, b, nil
	}
	return nil, nil, fmt.Errorf("unknown bus type %q", cfg.Bus.Type)
}

// connectable is satisfied by every native bus binding.
type connectable interface {
	Connect() error
	Close() error
}

// connectWithRetry attempts to connect with exponential backoff.
// Starts at 1s, doubles each attempt up to 60s, retries up to maxAttempts
// then continues at max interval indefinitely.
func connectWithRetry(ctx context.Context, name string, c connectable, maxAttempts int) {
	delay := 1 * time.Second
	maxDelay := 60 * time.Second
	attempt := 0

	for {
		select {
		case <-ctx.Done():
			return
		default:
		}

		err := c.Connect()
		if err == nil {
			log.Printf("[%s] connected (attempt %d)", name, attempt+1)
			return
		}

		attempt++
		if attempt <= maxAttempts {
			log.Printf("[%s] connect attempt %d/%d failed: %v (retry in %v)",
				name, attempt, maxAttempts, err, delay)
		} else {
			log.Printf("[%s] connect attempt %d failed: %v (retry in %v)",
				name, attempt, err, delay)
		}

		select {
		case <-ctx.Done():
			return
		case <-time.After(delay):
		}

		delay *= 2
		if delay > maxDelay {
			delay = maxDelay
		}
	}
}
