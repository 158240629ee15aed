package main

import (
	"context"
	"fmt"
	"os"

	"github.com/surelaces/posync/internal/api"
	"github.com/surelaces/posync/internal/config"
	"github.com/surelaces/posync/internal/logging"
	"github.com/surelaces/posync/internal/session"
	"github.com/surelaces/posync/internal/store/db"
	"github.com/surelaces/posync/internal/store/repo"
	"github.com/surelaces/posync/internal/sync"
)

// app holds the wired components for one command invocation.
type app struct {
	loader *config.Loader
	cfg    *config.Config
	sink   *logging.Sink

	engine   *db.Engine
	products *repo.Products
	cart     *repo.Cart
	invoices *repo.Invoices
	syncLog  *repo.SyncLog

	client   *api.Client
	sessions *session.Manager
	orch     *sync.Orchestrator
}

// openApp loads configuration, initializes the store and wires the
// network side. Nothing here touches the network.
func openApp(ctx context.Context) (*app, error) {
	loader := config.NewLoader(configFile, dataDir)
	cfg, err := loader.Load()
	if err != nil {
		return nil, err
	}
	if err := os.MkdirAll(cfg.DataDir, 0700); err != nil {
		return nil, fmt.Errorf("failed to create data dir: %w", err)
	}

	sink, err := logging.NewSink(logging.Options{
		File:      cfg.Log.File,
		MaxSizeMB: cfg.Log.MaxSizeMB,
		Stderr:    verbose,
	})
	if err != nil {
		return nil, fmt.Errorf("failed to open log: %w", err)
	}

	engine := db.New(cfg.DB.Path, db.WithLogger(sink.Logger("store")))
	if err := engine.Initialize(ctx); err != nil {
		sink.Close()
		return nil, err
	}

	client, err := api.New(api.Config{
		BaseURL: cfg.API.BaseURL,
		Timeout: cfg.API.Timeout,
		Logger:  sink.Logger("api"),
	})
	if err != nil {
		engine.Close()
		sink.Close()
		return nil, err
	}

	creds, err := session.NewFileStore(cfg.Session.CredentialsFile, cfg.Session.KeyFile)
	if err != nil {
		engine.Close()
		sink.Close()
		return nil, err
	}
	sessions := session.NewManager(creds, client, session.WithLogger(sink.Logger("session")))
	client.SetTokenSource(sessions)

	a := &app{
		loader:   loader,
		cfg:      cfg,
		sink:     sink,
		engine:   engine,
		products: repo.NewProducts(engine),
		cart:     repo.NewCart(engine),
		invoices: repo.NewInvoices(engine),
		syncLog:  repo.NewSyncLog(engine),
		client:   client,
		sessions: sessions,
	}
	a.orch = sync.New(sync.Deps{
		Products: a.products,
		Invoices: a.invoices,
		Log:      a.syncLog,
		API:      client,
		Session:  sessions,
	}, sync.WithLogger(sink.Logger("sync")), sync.WithMaxAttempts(cfg.Sync.MaxAttempts))

	return a, nil
}

// mustOpenApp opens the app or exits.
func mustOpenApp(ctx context.Context) *app {
	a, err := openApp(ctx)
	if err != nil {
		fatal("%v", err)
	}
	return a
}

func (a *app) Close() {
	if err := a.engine.Close(); err != nil {
		fmt.Fprintf(os.Stderr, "Warning: closing database: %v\n", err)
	}
	_ = a.sink.Close()
}

// requireUser returns the logged-in user or exits.
func (a *app) requireUser(ctx context.Context) *session.User {
	if err := a.sessions.EnsureSession(ctx); err != nil {
		a.Close()
		fatal("%v (run 'pos login')", err)
	}
	u := a.sessions.User()
	if u == nil {
		a.Close()
		fatal("not logged in (run 'pos login')")
	}
	return u
}
