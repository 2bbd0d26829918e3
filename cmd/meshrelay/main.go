package main

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"os"
	"os/signal"
	"strings"
	"syscall"
	"time"

	mqtt "github.com/mochi-mqtt/server/v2"
	"github.com/mochi-mqtt/server/v2/listeners"
	"github.com/spf13/pflag"
	"golang.org/x/sync/errgroup"

	"github.com/kabili207/meshrelay/pkg/bridge"
	"github.com/kabili207/meshrelay/pkg/config"
	"github.com/kabili207/meshrelay/pkg/hooks"
	"github.com/kabili207/meshrelay/pkg/lifecycle"
	"github.com/kabili207/meshrelay/pkg/logging"
	"github.com/kabili207/meshrelay/pkg/queue"
	"github.com/kabili207/meshrelay/pkg/radio"
	_ "github.com/kabili207/meshrelay/pkg/radio/meshtastic"
	"github.com/kabili207/meshrelay/pkg/relay"
	"github.com/kabili207/meshrelay/pkg/routes"
	"github.com/kabili207/meshrelay/pkg/store"
)

const shutdownTimeout = 10 * time.Second

func main() {
	configPath := pflag.StringP("config", "c", "", "Path to the YAML config file")
	pflag.String("log-level", "info", "Log level (debug, info, warn, error)")
	pflag.String("db", "", "Path to the SQLite database")
	pflag.String("http-listen", "", "Status API listen address, empty disables it")
	pflag.String("gateway-listen", "", "Gateway MQTT listen address")
	pflag.String("radio-backend", "", "Radio backend ("+strings.Join(radio.FactoryNames(), ", ")+")")
	pflag.String("radio-host", "", "Radio host for TCP connections")
	pflag.Parse()

	boot := slog.New(slog.NewTextHandler(os.Stderr, nil))
	cfg, err := config.Load(*configPath, pflag.CommandLine, boot)
	if err != nil {
		boot.Error("unable to load configuration", "error", err)
		os.Exit(1)
	}

	log, closer, err := logging.New(cfg.Log, os.Stderr)
	if err != nil {
		boot.Error("unable to set up logging", "error", err)
		os.Exit(1)
	}
	slog.SetDefault(log)

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	err = run(ctx, cfg, log)
	stop()
	_ = closer.Close()
	if err != nil {
		log.Error("relay exited", "error", err)
		os.Exit(1)
	}
}

// backendName picks the backend for the configured connection type, so
// "connection_type: mqtt" works without also naming the mqtt backend.
func backendName(rc radio.Config) string {
	if rc.ConnectionType == radio.ConnectionMQTT && rc.Backend == "meshtastic" {
		return radio.ConnectionMQTT
	}
	return rc.Backend
}

func run(ctx context.Context, cfg *config.Config, log *slog.Logger) error {
	db, err := store.Open(ctx, cfg.Database.Config, log)
	if err != nil {
		return fmt.Errorf("open database: %w", err)
	}
	defer db.Close()

	backend, err := radio.NewBackend(backendName(cfg.Radio), log)
	if err != nil {
		return err
	}
	registry := radio.NewRegistry()
	registry.Register(backend, true)
	registry.SetActive(backend.Name())

	manager := lifecycle.NewManager(cfg.Lifecycle(), registry, log)
	manager.SetProgressReporter(func(attempt int, delay time.Duration) {
		log.Info("reconnecting to radio", "attempt", attempt, "delay", delay)
	})

	q := queue.New(cfg.Queue, cfg.Radio, registry, log)
	loop := bridge.NewLoop(log)
	rl := relay.New(cfg.RelayConfig(), loop, db, q, log)
	rl.Attach(backend)

	server := mqtt.New(&mqtt.Options{InlineClient: true, Logger: log.With("component", "gateway")})
	gateway := new(hooks.GatewayHook)
	err = server.AddHook(gateway, &hooks.GatewayHookOptions{
		Server: server,
		Config: cfg.Gateway,
		Relay:  rl,
	})
	if err != nil {
		return fmt.Errorf("add gateway hook: %w", err)
	}
	tcp := listeners.NewTCP(listeners.Config{ID: "gateway", Address: cfg.Gateway.ListenAddr})
	if err := server.AddListener(tcp); err != nil {
		return fmt.Errorf("gateway listener: %w", err)
	}
	rl.SetPublisher(gateway)

	status := routes.NewStatusRouter(log)
	status.Lifecycle = manager
	status.Radio = registry
	status.Queue = q
	status.Nodes = rl
	status.Clients = gateway

	manager.OnStateChange(func(lifecycle.State) {
		status.Notifier.Notify()
		bridge.Go(ctx, log, "publish-status", func(ctx context.Context) error {
			return gateway.PublishStatus(status.Snapshot(ctx))
		})
	})

	g, gctx := errgroup.WithContext(ctx)
	g.Go(func() error { return loop.Run(gctx) })
	g.Go(func() error { return rl.Run(gctx) })
	g.Go(func() error { return q.Run(gctx) })
	g.Go(func() error {
		if err := server.Serve(); err != nil {
			return fmt.Errorf("gateway: %w", err)
		}
		<-gctx.Done()
		return server.Close()
	})
	if cfg.HTTP.ListenAddr != "" {
		g.Go(func() error { return status.Serve(gctx, cfg.HTTP.ListenAddr) })
	}

	if err := manager.Connect(gctx); err != nil {
		log.Warn("initial radio connection failed, retrying in the background", "error", err)
		manager.TriggerReconnect(err)
	}
	g.Go(func() error { return manager.Run(gctx) })

	<-gctx.Done()
	log.Info("shutting down")
	sctx, cancel := context.WithTimeout(context.Background(), shutdownTimeout)
	defer cancel()
	shutdownErr := manager.Shutdown(sctx)

	err = g.Wait()
	if errors.Is(err, context.Canceled) {
		err = nil
	}
	return errors.Join(err, shutdownErr)
}
