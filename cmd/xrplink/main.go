package main

import (
	"context"
	"errors"
	"flag"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/shaunagostinho/xrplink/internal/connmgr"
	"github.com/shaunagostinho/xrplink/internal/events"
	"github.com/shaunagostinho/xrplink/internal/server"
	"github.com/shaunagostinho/xrplink/internal/sim"
	"github.com/shaunagostinho/xrplink/internal/transport"
	"github.com/shaunagostinho/xrplink/web"
	"go.uber.org/zap"
	"go.uber.org/zap/zapcore"
)

func main() {
	configPath := flag.String("config", "/etc/xrplink/config.yaml", "Path to config file")
	demo := flag.Bool("demo", false, "Run against a simulated XRP")
	listenAddr := flag.String("listen", "", "Override listen address (e.g. :8080)")
	transportName := flag.String("transport", "", "Override transport: usb, ble or demo")
	flag.Parse()

	level := zap.NewAtomicLevelAt(zapcore.InfoLevel)
	zcfg := zap.NewProductionConfig()
	zcfg.Level = level
	zcfg.Encoding = "console"
	zcfg.EncoderConfig.EncodeTime = zapcore.ISO8601TimeEncoder
	log, err := zcfg.Build()
	if err != nil {
		panic(err)
	}
	defer log.Sync()
	log.Info("xrplink starting")

	cfg := server.LoadConfig(*configPath, log)
	level.SetLevel(cfg.LogLevel())

	if *demo {
		cfg.Device.Transport = transport.KindSimulated.String()
	} else if *transportName != "" {
		cfg.Device.Transport = *transportName
	}
	if *listenAddr != "" {
		cfg.Server.ListenAddr = *listenAddr
	}
	kind, err := cfg.TransportKind()
	if err != nil {
		log.Fatal("bad transport", zap.Error(err))
	}

	ctx, cancel := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer cancel()

	// USB is always available; demo mode swaps it for the simulator.
	var primary transport.Transport
	if kind == transport.KindSimulated {
		primary = sim.New(sim.DefaultConfig())
	} else {
		primary = transport.NewSerial(cfg.Device.Serial, log)
	}
	tr := connmgr.Transports{
		Primary: primary,
		Bluetooth: func() transport.Transport {
			return transport.NewBluetooth(cfg.Device.Bluetooth, transport.NewTinyGoCentral(), log)
		},
	}

	bus := events.NewBus()
	mgr := connmgr.New(cfg.ManagerConfig(), tr, bus, log)
	defer mgr.Close()

	// Connect in the background; the dashboard starts regardless
	if kind == transport.KindUSB && cfg.Device.AutoConnect {
		go mgr.AutoConnect(ctx)
	} else {
		attempts := 10
		if kind == transport.KindBluetooth {
			// each attempt already scans for up to a minute
			attempts = 3
		}
		go connectWithRetry(ctx, log, mgr, kind, attempts, time.Second)
	}

	srv := server.New(cfg, mgr, bus, web.FS, log)
	if err := srv.Run(ctx); err != nil {
		log.Error("server exited", zap.Error(err))
		os.Exit(1)
	}
	log.Info("shut down")
}

type connector interface {
	Connect(ctx context.Context, kind transport.Kind) error
}

// connectWithRetry attempts to connect with exponential backoff.
// Starts at delay, doubles each attempt up to 60s, and gives up after
// maxAttempts failures.
func connectWithRetry(ctx context.Context, log *zap.Logger, mgr connector, kind transport.Kind, maxAttempts int, delay time.Duration) error {
	maxDelay := 60 * time.Second
	log = log.With(zap.Stringer("transport", kind))

	for attempt := 1; ; attempt++ {
		if err := ctx.Err(); err != nil {
			return err
		}

		err := mgr.Connect(ctx, kind)
		if err == nil || errors.Is(err, connmgr.ErrConnecting) {
			log.Info("connected", zap.Int("attempt", attempt))
			return nil
		}
		if attempt >= maxAttempts {
			log.Error("giving up on connect, use the dashboard to retry",
				zap.Int("attempts", attempt), zap.Error(err))
			return err
		}
		log.Warn("connect failed", zap.Int("attempt", attempt), zap.Int("max_attempts", maxAttempts),
			zap.Duration("retry_in", delay), zap.Error(err))

		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-time.After(delay):
		}

		delay *= 2
		if delay > maxDelay {
			delay = maxDelay
		}
	}
}
