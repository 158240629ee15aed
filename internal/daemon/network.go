package daemon

import (
	"context"
	"fmt"
	"net"
	"sync"
	"time"
)

// Prober checks whether the backend is reachable.
type Prober interface {
	Probe(ctx context.Context) error
}

// TCPProber dials Addr (host:port).
type TCPProber struct {
	Addr    string
	Timeout time.Duration
}

// Probe implements Prober.
func (p TCPProber) Probe(ctx context.Context) error {
	timeout := p.Timeout
	if timeout <= 0 {
		timeout = 3 * time.Second
	}
	d := net.Dialer{Timeout: timeout}
	conn, err := d.DialContext(ctx, "tcp", p.Addr)
	if err != nil {
		return fmt.Errorf("probe %s: %w", p.Addr, err)
	}
	return conn.Close()
}

// NetworkEvent is a connectivity transition.
type NetworkEvent struct {
	Online bool
	At     time.Time
}

// NetworkWatcher probes on an interval and emits an event whenever the
// result flips. The first probe always emits.
type NetworkWatcher struct {
	prober   Prober
	interval time.Duration

	events chan NetworkEvent
	done   chan struct{}
	wg     sync.WaitGroup

	mu      sync.Mutex
	running bool
	known   bool
	online  bool
}

// NewNetworkWatcher creates a watcher. Start must be called to begin probing.
func NewNetworkWatcher(prober Prober, interval time.Duration) *NetworkWatcher {
	if interval <= 0 {
		interval = 10 * time.Second
	}
	return &NetworkWatcher{
		prober:   prober,
		interval: interval,
		events:   make(chan NetworkEvent, 16),
		done:     make(chan struct{}),
	}
}

// Start begins probing.
func (nw *NetworkWatcher) Start(ctx context.Context) error {
	nw.mu.Lock()
	defer nw.mu.Unlock()
	if nw.running {
		return fmt.Errorf("network watcher already running")
	}
	nw.running = true
	nw.wg.Add(1)
	go nw.loop(ctx)
	return nil
}

// Stop halts probing and closes Events.
func (nw *NetworkWatcher) Stop() {
	nw.mu.Lock()
	if !nw.running {
		nw.mu.Unlock()
		return
	}
	nw.running = false
	nw.mu.Unlock()

	close(nw.done)
	nw.wg.Wait()
	close(nw.events)
}

// Events returns transitions. Closed by Stop.
func (nw *NetworkWatcher) Events() <-chan NetworkEvent {
	return nw.events
}

// Online reports the last probe result.
func (nw *NetworkWatcher) Online() bool {
	nw.mu.Lock()
	defer nw.mu.Unlock()
	return nw.online
}

func (nw *NetworkWatcher) loop(ctx context.Context) {
	defer nw.wg.Done()

	ticker := time.NewTicker(nw.interval)
	defer ticker.Stop()

	nw.check(ctx)
	for {
		select {
		case <-ctx.Done():
			return
		case <-nw.done:
			return
		case <-ticker.C:
			nw.check(ctx)
		}
	}
}

func (nw *NetworkWatcher) check(ctx context.Context) {
	online := nw.prober.Probe(ctx) == nil

	nw.mu.Lock()
	changed := !nw.known || nw.online != online
	nw.known = true
	nw.online = online
	nw.mu.Unlock()

	if !changed {
		return
	}
	select {
	case nw.events <- NetworkEvent{Online: online, At: time.Now()}:
	case <-nw.done:
	case <-ctx.Done():
	}
}
