package main

import (
	"context"
	"errors"
	"fmt"
	"os"
	"os/signal"
	"syscall"

	"github.com/nats-io/nats.go"
	"github.com/nats-io/nats.go/jetstream"
	"github.com/rs/zerolog"

	"github.com/Tyrowin/gochat-relay/internal/bus"
	"github.com/Tyrowin/gochat-relay/internal/config"
	"github.com/Tyrowin/gochat-relay/internal/directory"
	"github.com/Tyrowin/gochat-relay/internal/logging"
	"github.com/Tyrowin/gochat-relay/internal/registry"
	"github.com/Tyrowin/gochat-relay/internal/relay"
	"github.com/Tyrowin/gochat-relay/internal/server"
	"github.com/Tyrowin/gochat-relay/internal/store"
	"github.com/Tyrowin/gochat-relay/internal/telemetry"
)

type healthReporter interface {
	Healthy() bool
}

func main() {
	cfg, err := config.Load()
	if err != nil {
		fmt.Fprintf(os.Stderr, "config: %v\n", err)
		os.Exit(1)
	}

	log := logging.New(cfg.LogLevel, cfg.LogFormat, cfg.NodeID, os.Stderr)
	logging.SetGlobal(log)

	if err := run(cfg, log); err != nil {
		log.Fatal().Err(err).Msg("relay node stopped")
	}
}

func run(cfg *config.Config, log zerolog.Logger) error {
	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	log.Info().Str("port", cfg.Port).Msg("starting GoChat relay node")

	shutdownTelemetry, err := telemetry.Init(ctx, cfg.Telemetry, cfg.NodeID, log)
	if err != nil {
		return fmt.Errorf("telemetry: %w", err)
	}
	defer func() {
		if err := shutdownTelemetry(context.Background()); err != nil {
			log.Warn().Err(err).Msg("telemetry shutdown")
		}
	}()
	metrics := telemetry.NewMetrics(nil)

	st, err := store.Open(ctx, cfg.Database)
	if err != nil {
		return fmt.Errorf("store: %w", err)
	}
	defer st.Close()

	eventBus, dir, closeInfra, err := openInfra(ctx, cfg, log, metrics)
	if err != nil {
		return err
	}
	defer closeInfra()

	hub := server.NewHub(logging.Component(log, "hub"), metrics)
	go hub.Run()

	node := relay.New(relay.Deps{
		NodeID:      cfg.NodeID,
		Registry:    registry.New(),
		Directory:   directory.NewSoft(dir, cfg.DirectoryTimeout, logging.Component(log, "directory")),
		Bus:         eventBus,
		Messages:    st,
		Users:       st,
		Emitter:     hub,
		Log:         log,
		Metrics:     metrics,
		CallTimeout: cfg.CallAnswerTimeout,
	})
	if err := node.Start(); err != nil {
		return fmt.Errorf("relay: %w", err)
	}
	defer node.Stop()

	if online, err := node.Presence.Warm(ctx); err != nil {
		log.Warn().Err(err).Msg("presence cache not warmed")
	} else {
		log.Info().Int("online", online).Msg("presence cache warmed from directory")
	}

	checks := map[string]server.Check{
		"store": st.Ping,
		"bus": func(context.Context) error {
			if hr, ok := eventBus.(healthReporter); ok && !hr.Healthy() {
				return bus.ErrUnavailable
			}
			return nil
		},
		"directory": func(ctx context.Context) error {
			_, _, err := dir.Get(ctx, "healthz")
			return err
		},
	}
	srv := server.New(cfg, hub, node, checks, logging.Component(log, "http"))
	httpServer := server.CreateServer(cfg.Port, srv.Routes())

	errCh := make(chan error, 1)
	go func() {
		errCh <- server.StartServer(httpServer, log)
	}()

	select {
	case err := <-errCh:
		if err != nil {
			return fmt.Errorf("http server: %w", err)
		}
	case <-ctx.Done():
		log.Info().Msg("shutdown signal received")
	}

	var errs []error
	if err := server.ShutdownServer(httpServer, cfg.ShutdownTimeout, log); err != nil {
		errs = append(errs, err)
	}
	if err := hub.Shutdown(cfg.ShutdownTimeout); err != nil {
		errs = append(errs, fmt.Errorf("hub shutdown: %w", err))
	}
	return errors.Join(errs...)
}

// openInfra connects the bus and directory. Without a NATS URL the node runs
// alone on an in-process bus and directory.
func openInfra(ctx context.Context, cfg *config.Config, log zerolog.Logger, metrics *telemetry.Metrics) (bus.Bus, directory.Directory, func(), error) {
	if cfg.NATS.URL == "" {
		log.Warn().Msg("NATS_URL not set; running as a single node")
		b := bus.NewMemory()
		return b, directory.NewMemory(), func() { _ = b.Close() }, nil
	}

	nc, err := bus.Connect(cfg.NATS, "gochat-relay-"+cfg.NodeID, logging.Component(log, "nats"))
	if err != nil {
		return nil, nil, nil, err
	}
	js, err := jetstream.New(nc)
	if err != nil {
		nc.Close()
		return nil, nil, nil, fmt.Errorf("jetstream: %w", err)
	}
	dir, err := directory.NewKV(ctx, js, cfg.NATS.Bucket)
	if err != nil {
		nc.Close()
		return nil, nil, nil, err
	}

	b := bus.NewNATS(nc, cfg.NATS.SubjectPrefix, logging.Component(log, "bus"), metrics)
	closeFn := func() {
		_ = b.Close()
		drain(nc, log)
	}
	return b, dir, closeFn, nil
}

func drain(nc *nats.Conn, log zerolog.Logger) {
	if err := nc.Drain(); err != nil {
		log.Warn().Err(err).Msg("NATS drain")
		nc.Close()
	}
}
