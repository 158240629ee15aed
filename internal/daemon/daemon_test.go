package daemon

import (
	"context"
	"errors"
	"io"
	"log"
	"os"
	"path/filepath"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type fakeSyncer struct {
	initial     int32
	incremental int32
	online      atomic.Bool
}

func (f *fakeSyncer) InitialSync(ctx context.Context) error {
	atomic.AddInt32(&f.initial, 1)
	return nil
}

func (f *fakeSyncer) StartSync(ctx context.Context) error {
	atomic.AddInt32(&f.incremental, 1)
	return nil
}

func (f *fakeSyncer) SetOnline(online bool) { f.online.Store(online) }

type fakePending struct{ n atomic.Int32 }

func (f *fakePending) PendingCount(ctx context.Context) int { return int(f.n.Load()) }

type fakeSession struct {
	authed  atomic.Bool
	loadErr error
	loads   int32
}

func (f *fakeSession) Load(ctx context.Context) error {
	atomic.AddInt32(&f.loads, 1)
	if f.loadErr != nil {
		return f.loadErr
	}
	f.authed.Store(true)
	return nil
}

func (f *fakeSession) IsAuthenticated(ctx context.Context) bool { return f.authed.Load() }

type fakeProber struct{ up atomic.Bool }

func (f *fakeProber) Probe(ctx context.Context) error {
	if f.up.Load() {
		return nil
	}
	return errors.New("unreachable")
}

type testDaemon struct {
	d       *Daemon
	syncer  *fakeSyncer
	pending *fakePending
	session *fakeSession
	prober  *fakeProber
}

func setupTestDaemon(t *testing.T, cfg *Config) *testDaemon {
	t.Helper()
	if cfg == nil {
		cfg = &Config{}
	}
	if cfg.SettleDelay == 0 {
		cfg.SettleDelay = 50 * time.Millisecond
	}
	if cfg.ProbeInterval == 0 {
		cfg.ProbeInterval = 10 * time.Millisecond
	}
	if cfg.SyncInterval == 0 {
		cfg.SyncInterval = time.Hour
	}
	cfg.Logger = log.New(io.Discard, "", 0)

	td := &testDaemon{
		syncer:  &fakeSyncer{},
		pending: &fakePending{},
		session: &fakeSession{},
		prober:  &fakeProber{},
	}
	td.session.authed.Store(true)

	d, err := New(td.syncer, td.pending, td.session, td.prober, cfg)
	require.NoError(t, err)
	td.d = d
	return td
}

// run starts the daemon in the background and stops it on cleanup.
func (td *testDaemon) run(t *testing.T) {
	t.Helper()
	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan error, 1)
	go func() { done <- td.d.Start(ctx) }()
	t.Cleanup(func() {
		cancel()
		select {
		case <-done:
		case <-time.After(5 * time.Second):
			t.Error("daemon did not stop")
		}
	})
}

func TestNewValidatesArguments(t *testing.T) {
	_, err := New(nil, &fakePending{}, &fakeSession{}, &fakeProber{}, nil)
	assert.Error(t, err)
	_, err = New(&fakeSyncer{}, &fakePending{}, &fakeSession{}, nil, nil)
	assert.Error(t, err)

	d, err := New(&fakeSyncer{}, &fakePending{}, &fakeSession{}, &fakeProber{}, &Config{})
	require.NoError(t, err)
	assert.Equal(t, 2*time.Second, d.config.SettleDelay)
	assert.NoError(t, d.Stop())
}

func TestReconnectSyncsWhenInvoicesPending(t *testing.T) {
	td := setupTestDaemon(t, nil)
	td.pending.n.Store(3)
	td.prober.up.Store(true)
	td.run(t)

	require.Eventually(t, func() bool {
		return atomic.LoadInt32(&td.syncer.incremental) == 1
	}, 2*time.Second, 10*time.Millisecond)
	assert.True(t, td.syncer.online.Load())

	time.Sleep(150 * time.Millisecond)
	assert.Equal(t, int32(1), atomic.LoadInt32(&td.syncer.incremental))
}

func TestReconnectWithNothingPendingDoesNotSync(t *testing.T) {
	td := setupTestDaemon(t, nil)
	td.prober.up.Store(true)
	td.run(t)

	require.Eventually(t, td.syncer.online.Load, 2*time.Second, 10*time.Millisecond)
	time.Sleep(200 * time.Millisecond)
	assert.Zero(t, atomic.LoadInt32(&td.syncer.incremental))
}

func TestFlapCancelsSettleSync(t *testing.T) {
	td := setupTestDaemon(t, nil)
	td.pending.n.Store(1)
	td.d.ctx, td.d.cancel = context.WithCancel(context.Background())
	td.d.authed = true
	defer td.d.Stop()

	td.d.handleNetwork(NetworkEvent{Online: true})
	td.d.handleNetwork(NetworkEvent{Online: false})
	assert.False(t, td.syncer.online.Load())

	time.Sleep(150 * time.Millisecond)
	assert.Zero(t, atomic.LoadInt32(&td.syncer.incremental))

	// A second reconnect that holds does sync.
	td.d.handleNetwork(NetworkEvent{Online: true})
	require.Eventually(t, func() bool {
		return atomic.LoadInt32(&td.syncer.incremental) == 1
	}, 2*time.Second, 10*time.Millisecond)
}

func TestReconnectWithoutSessionDoesNotSync(t *testing.T) {
	td := setupTestDaemon(t, nil)
	td.session.authed.Store(false)
	td.pending.n.Store(2)
	td.prober.up.Store(true)
	td.run(t)

	require.Eventually(t, td.syncer.online.Load, 2*time.Second, 10*time.Millisecond)
	time.Sleep(150 * time.Millisecond)
	assert.Zero(t, atomic.LoadInt32(&td.syncer.incremental))
}

func TestIntervalSyncRunsWhileOnline(t *testing.T) {
	td := setupTestDaemon(t, &Config{SyncInterval: 30 * time.Millisecond})
	td.prober.up.Store(true)
	td.run(t)

	require.Eventually(t, func() bool {
		return atomic.LoadInt32(&td.syncer.incremental) >= 2
	}, 2*time.Second, 10*time.Millisecond)
}

func TestIntervalSyncSkippedOffline(t *testing.T) {
	td := setupTestDaemon(t, &Config{SyncInterval: 20 * time.Millisecond})
	td.run(t)

	time.Sleep(150 * time.Millisecond)
	assert.Zero(t, atomic.LoadInt32(&td.syncer.incremental))
	assert.False(t, td.syncer.online.Load())
}

func TestLoginAndLogoutFollowCredentialsFile(t *testing.T) {
	credPath := filepath.Join(t.TempDir(), "credentials.enc")
	var done int32
	td := setupTestDaemon(t, &Config{
		CredentialsPath: credPath,
		OnSyncDone: func(trigger string, err error) {
			if trigger == "login" {
				atomic.AddInt32(&done, 1)
			}
		},
	})
	td.session.authed.Store(false)
	td.run(t)

	require.Eventually(t, td.d.creds.IsRunning, 2*time.Second, 10*time.Millisecond)
	require.NoError(t, os.WriteFile(credPath, []byte("x"), 0600))

	require.Eventually(t, func() bool {
		return atomic.LoadInt32(&td.syncer.initial) == 1
	}, 2*time.Second, 10*time.Millisecond)
	require.Eventually(t, func() bool { return atomic.LoadInt32(&done) == 1 }, 2*time.Second, 10*time.Millisecond)
	assert.True(t, td.d.isAuthed())

	require.NoError(t, os.Remove(credPath))
	require.Eventually(t, func() bool { return !td.d.isAuthed() }, 2*time.Second, 10*time.Millisecond)
}

func TestStopIsIdempotent(t *testing.T) {
	td := setupTestDaemon(t, nil)
	assert.NoError(t, td.d.Stop())
	assert.NoError(t, td.d.Stop())
}

func TestSetSyncIntervalTakesEffect(t *testing.T) {
	td := setupTestDaemon(t, nil)
	td.prober.up.Store(true)
	td.run(t)

	require.Eventually(t, td.syncer.online.Load, 2*time.Second, 10*time.Millisecond)
	assert.Zero(t, atomic.LoadInt32(&td.syncer.incremental))

	td.d.SetSyncInterval(time.Minute)
	td.d.SetSyncInterval(20 * time.Millisecond)
	require.Eventually(t, func() bool {
		return atomic.LoadInt32(&td.syncer.incremental) >= 2
	}, 2*time.Second, 10*time.Millisecond)
}
