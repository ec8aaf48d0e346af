// Package app wires the database, event bus, engine and realtime layer into
// one runnable instance.
package app

import (
	"context"
	"database/sql"
	"fmt"
	"log/slog"
	"net/http"

	"golang.org/x/sync/errgroup"

	"loadline/internal/config"
	"loadline/internal/db"
	"loadline/internal/engine"
	"loadline/internal/events"
	"loadline/internal/migrate"
	"loadline/internal/realtime"
	"loadline/internal/server"
)

type Options struct {
	Workspace string
	// DBPath overrides the workspace database, e.g. a file shared by several instances.
	DBPath string
	Config *config.Config
	Logger *slog.Logger
	// Webhooks attaches the configured webhook dispatcher. Only processes that
	// call Run deliver queued events, so one-shot commands leave it off.
	Webhooks bool
}

// App is a fully wired loadline instance.
type App struct {
	Config *config.Config
	DB     *sql.DB
	Bus    *events.Bus
	Engine engine.Engine
	Hub    *realtime.Hub
	Broker realtime.Broker
	Logger *slog.Logger

	relay    *realtime.SQLBroker
	webhooks *server.WebhookDispatcher
}

// Open opens and migrates the database and registers every bus listener.
// Listener order matters: persistence listeners run before the realtime fanout.
func Open(ctx context.Context, opts Options) (*App, error) {
	cfg := opts.Config
	if cfg == nil {
		cfg = config.Default()
	}
	logger := opts.Logger
	if logger == nil {
		logger = slog.Default()
	}
	conn, err := db.Open(db.Config{Workspace: opts.Workspace, Path: opts.DBPath})
	if err != nil {
		return nil, fmt.Errorf("open db: %w", err)
	}
	if err := migrate.MigrateContext(ctx, conn); err != nil {
		conn.Close()
		return nil, fmt.Errorf("migrate: %w", err)
	}

	a := &App{
		Config: cfg,
		DB:     conn,
		Bus:    events.NewBus(logger),
		Hub:    realtime.NewHub(),
		Logger: logger,
	}
	a.Engine = engine.New(conn, cfg, a.Bus, logger)
	a.Engine.Subscribe(a.Bus)

	switch cfg.Realtime.Broker {
	case "sql":
		a.relay = realtime.NewSQLBroker(conn, a.Hub, realtime.SQLBrokerOptions{
			PollInterval: cfg.Realtime.PollInterval,
			Retention:    cfg.Realtime.Retention,
			Logger:       logger,
		})
		a.Broker = a.relay
	default:
		a.Broker = realtime.LocalBroker{Hub: a.Hub}
	}
	realtime.Fanout{Broker: a.Broker, Logger: logger}.Attach(a.Bus)

	if opts.Webhooks {
		if d := server.NewWebhookDispatcher(cfg.Webhooks, logger); d != nil {
			d.Attach(a.Bus)
			a.webhooks = d
		}
	}
	return a, nil
}

// Handler builds the HTTP API bound to this instance.
func (a *App) Handler() (http.Handler, error) {
	return server.New(server.Config{
		Engine:   a.Engine,
		BasePath: a.Config.Server.BasePath,
		Auth: server.AuthConfig{
			JWTSecret:     a.Config.Auth.JWTSecret,
			AllowDevLogin: a.Config.Auth.AllowDevLogin,
			Logger:        a.Logger,
		},
		Hub:    a.Hub,
		Logger: a.Logger,
	})
}

// Run drives the background workers until ctx is cancelled.
func (a *App) Run(ctx context.Context) error {
	g, ctx := errgroup.WithContext(ctx)
	if a.relay != nil {
		g.Go(func() error { return a.relay.Run(ctx) })
	}
	if a.webhooks != nil {
		g.Go(func() error { return a.webhooks.Run(ctx) })
	}
	return g.Wait()
}

func (a *App) Close() error {
	return a.DB.Close()
}
