// Package daemon keeps the local store in sync in the background.
//
// The daemon:
// 1. Probes backend connectivity and reports it to the orchestrator
// 2. Syncs after reconnecting, once the link has settled, if sales are pending
// 3. Runs an incremental sync on a fixed interval while online
// 4. Reacts to login and logout by watching the credentials file
// 5. Handles graceful shutdown
package daemon

import (
	"context"
	"fmt"
	"log"
	"os"
	"sync"
	"time"
)

// Syncer is the orchestrator surface the daemon drives.
type Syncer interface {
	InitialSync(ctx context.Context) error
	StartSync(ctx context.Context) error
	SetOnline(online bool)
}

// PendingCounter reports how many invoices await upload.
type PendingCounter interface {
	PendingCount(ctx context.Context) int
}

// SessionLoader reloads credentials written by another process.
type SessionLoader interface {
	Load(ctx context.Context) error
	IsAuthenticated(ctx context.Context) bool
}

// Config holds configuration for the daemon.
type Config struct {
	// SyncInterval is how often to run an incremental sync while online
	SyncInterval time.Duration

	// SettleDelay is how long the link must stay up after a reconnect
	// before a sync is attempted
	SettleDelay time.Duration

	// ProbeInterval is how often connectivity is checked
	ProbeInterval time.Duration

	// CredentialsPath is the session file to watch; empty disables watching
	CredentialsPath string

	// OnNetworkChange is called on every connectivity transition
	OnNetworkChange func(online bool)

	// OnSyncDone is called after every daemon-triggered sync
	OnSyncDone func(trigger string, err error)

	// Logger for daemon activity
	Logger *log.Logger
}

// DefaultConfig returns sensible defaults.
func DefaultConfig() *Config {
	return &Config{
		SyncInterval:  5 * time.Minute,
		SettleDelay:   2 * time.Second,
		ProbeInterval: 10 * time.Second,
		Logger:        log.New(os.Stderr, "[daemon] ", log.LstdFlags),
	}
}

// Daemon runs background sync.
type Daemon struct {
	syncer  Syncer
	pending PendingCounter
	session SessionLoader
	config  *Config

	network  *NetworkWatcher
	creds    *CredentialWatcher
	interval chan time.Duration

	mu      sync.Mutex
	online  bool
	authed  bool
	closing bool
	settle  *time.Timer

	ctx     context.Context
	cancel  context.CancelFunc
	wg      sync.WaitGroup
	stopped sync.Once
}

// New creates a daemon.
func New(syncer Syncer, pending PendingCounter, session SessionLoader, prober Prober, config *Config) (*Daemon, error) {
	if syncer == nil {
		return nil, fmt.Errorf("syncer cannot be nil")
	}
	if pending == nil {
		return nil, fmt.Errorf("pending counter cannot be nil")
	}
	if session == nil {
		return nil, fmt.Errorf("session cannot be nil")
	}
	if prober == nil {
		return nil, fmt.Errorf("prober cannot be nil")
	}
	if config == nil {
		config = DefaultConfig()
	}
	defaults := DefaultConfig()
	if config.SyncInterval <= 0 {
		config.SyncInterval = defaults.SyncInterval
	}
	if config.SettleDelay <= 0 {
		config.SettleDelay = defaults.SettleDelay
	}
	if config.ProbeInterval <= 0 {
		config.ProbeInterval = defaults.ProbeInterval
	}
	if config.Logger == nil {
		config.Logger = defaults.Logger
	}

	d := &Daemon{
		syncer:   syncer,
		pending:  pending,
		session:  session,
		config:   config,
		network:  NewNetworkWatcher(prober, config.ProbeInterval),
		interval: make(chan time.Duration, 1),
	}
	if config.CredentialsPath != "" {
		cw, err := NewCredentialWatcher()
		if err != nil {
			return nil, err
		}
		d.creds = cw
	}
	return d, nil
}

// Start runs the daemon until ctx is cancelled or Stop is called.
func (d *Daemon) Start(ctx context.Context) error {
	d.config.Logger.Println("Starting daemon")

	d.ctx, d.cancel = context.WithCancel(ctx)

	d.mu.Lock()
	d.authed = d.session.IsAuthenticated(d.ctx)
	d.mu.Unlock()
	if !d.isAuthed() {
		d.config.Logger.Println("No session; waiting for login")
	}

	if err := d.network.Start(d.ctx); err != nil {
		return err
	}

	var credEvents <-chan CredentialEvent
	var credErrors <-chan error
	if d.creds != nil {
		if err := d.creds.Start(d.config.CredentialsPath); err != nil {
			d.network.Stop()
			return err
		}
		credEvents = d.creds.Events()
		credErrors = d.creds.Errors()
		d.config.Logger.Printf("Watching credentials: %s", d.config.CredentialsPath)
	}

	ticker := time.NewTicker(d.config.SyncInterval)
	defer ticker.Stop()

	netEvents := d.network.Events()
	for {
		select {
		case <-d.ctx.Done():
			d.config.Logger.Println("Shutdown signal received")
			return d.Stop()

		case ev, ok := <-netEvents:
			if !ok {
				netEvents = nil
				continue
			}
			d.handleNetwork(ev)

		case ev, ok := <-credEvents:
			if !ok {
				credEvents = nil
				continue
			}
			d.handleCredentials(ev)

		case err, ok := <-credErrors:
			if !ok {
				credErrors = nil
				continue
			}
			d.config.Logger.Printf("Watcher error: %v", err)

		case iv := <-d.interval:
			d.config.Logger.Printf("Sync interval set to %v", iv)
			ticker.Reset(iv)

		case <-ticker.C:
			if d.isOnline() && d.isAuthed() {
				d.runSync("interval", d.syncer.StartSync)
			}
		}
	}
}

// Stop gracefully shuts down the daemon. It is safe to call more than once.
func (d *Daemon) Stop() error {
	d.stopped.Do(func() {
		d.config.Logger.Println("Stopping daemon")
		if d.cancel != nil {
			d.cancel()
		}

		d.mu.Lock()
		d.closing = true
		if d.settle != nil {
			d.settle.Stop()
		}
		d.mu.Unlock()

		d.network.Stop()
		if d.creds != nil {
			if err := d.creds.Stop(); err != nil {
				d.config.Logger.Printf("Error closing watcher: %v", err)
			}
		}
		d.wg.Wait()
		d.config.Logger.Println("Daemon stopped")
	})
	return nil
}

// SetSyncInterval changes the periodic sync interval of a running daemon.
// Only the latest value is kept when several arrive before the loop reads
// them.
func (d *Daemon) SetSyncInterval(iv time.Duration) {
	if iv <= 0 {
		return
	}
	for {
		select {
		case d.interval <- iv:
			return
		default:
		}
		select {
		case <-d.interval:
		default:
		}
	}
}

func (d *Daemon) isOnline() bool {
	d.mu.Lock()
	defer d.mu.Unlock()
	return d.online
}

func (d *Daemon) isAuthed() bool {
	d.mu.Lock()
	defer d.mu.Unlock()
	return d.authed
}

// handleNetwork records a transition. Coming online arms the settle timer;
// going offline disarms it.
func (d *Daemon) handleNetwork(ev NetworkEvent) {
	d.mu.Lock()
	wasOnline := d.online
	d.online = ev.Online
	if d.settle != nil {
		d.settle.Stop()
		d.settle = nil
	}
	if ev.Online && !wasOnline {
		d.settle = time.AfterFunc(d.config.SettleDelay, d.settled)
	}
	d.mu.Unlock()

	d.config.Logger.Printf("Network %s", onlineLabel(ev.Online))
	d.syncer.SetOnline(ev.Online)
	if d.config.OnNetworkChange != nil {
		d.config.OnNetworkChange(ev.Online)
	}
}

func onlineLabel(online bool) string {
	if online {
		return "online"
	}
	return "offline"
}

// settled fires once the link has stayed up for SettleDelay.
func (d *Daemon) settled() {
	if d.ctx.Err() != nil || !d.isOnline() || !d.isAuthed() {
		return
	}
	n := d.pending.PendingCount(d.ctx)
	if n == 0 {
		d.config.Logger.Println("Reconnected; nothing pending")
		return
	}
	d.config.Logger.Printf("Reconnected with %d pending invoice(s)", n)
	d.runSync("reconnect", d.syncer.StartSync)
}

func (d *Daemon) handleCredentials(ev CredentialEvent) {
	switch ev.Op {
	case OpCreate, OpModify:
		if err := d.session.Load(d.ctx); err != nil {
			d.config.Logger.Printf("WARNING: failed to load session: %v", err)
			return
		}
		d.mu.Lock()
		wasAuthed := d.authed
		d.authed = true
		d.mu.Unlock()
		if !wasAuthed {
			d.config.Logger.Println("Session loaded; queuing initial sync")
			d.runSync("login", d.syncer.InitialSync)
		}

	case OpDelete:
		d.mu.Lock()
		d.authed = false
		d.mu.Unlock()
		d.config.Logger.Println("Session removed; idling")
	}
}

// runSync runs fn in the background; the orchestrator drops overlapping
// calls, so the loop never waits on a cycle.
func (d *Daemon) runSync(trigger string, fn func(context.Context) error) {
	d.mu.Lock()
	if d.closing {
		d.mu.Unlock()
		return
	}
	d.wg.Add(1)
	d.mu.Unlock()

	go func() {
		defer d.wg.Done()
		err := fn(d.ctx)
		if err != nil {
			d.config.Logger.Printf("WARNING: %s sync: %v", trigger, err)
		}
		if d.config.OnSyncDone != nil {
			d.config.OnSyncDone(trigger, err)
		}
	}()
}
