package daemon

import (
	"fmt"
	"path/filepath"
	"sync"

	"github.com/fsnotify/fsnotify"
)

// EventOp represents the type of file system operation.
type EventOp int

const (
	// OpCreate indicates the credentials file was created.
	OpCreate EventOp = iota
	// OpModify indicates the credentials file was rewritten.
	OpModify
	// OpDelete indicates the credentials file was removed.
	OpDelete
)

// String returns a human-readable representation of the operation.
func (op EventOp) String() string {
	switch op {
	case OpCreate:
		return "create"
	case OpModify:
		return "modify"
	case OpDelete:
		return "delete"
	default:
		return "unknown"
	}
}

// CredentialEvent is a change to the credentials file.
type CredentialEvent struct {
	Path string
	Op   EventOp
}

// CredentialWatcher watches the directory holding the credentials file.
// The file is replaced atomically by rename, so the directory is watched
// rather than the file itself.
type CredentialWatcher struct {
	watcher *fsnotify.Watcher
	events  chan CredentialEvent
	errors  chan error
	done    chan struct{}
	wg      sync.WaitGroup
	mu      sync.Mutex
	running bool
	path    string
}

// NewCredentialWatcher creates a watcher. It emits nothing until Start.
func NewCredentialWatcher() (*CredentialWatcher, error) {
	watcher, err := fsnotify.NewWatcher()
	if err != nil {
		return nil, fmt.Errorf("failed to create fsnotify watcher: %w", err)
	}

	return &CredentialWatcher{
		watcher: watcher,
		events:  make(chan CredentialEvent, 16),
		errors:  make(chan error, 4),
		done:    make(chan struct{}),
	}, nil
}

// Start begins watching credentialsPath.
func (cw *CredentialWatcher) Start(credentialsPath string) error {
	cw.mu.Lock()
	defer cw.mu.Unlock()

	if cw.running {
		return fmt.Errorf("watcher already running")
	}

	abs, err := filepath.Abs(credentialsPath)
	if err != nil {
		return fmt.Errorf("failed to resolve %s: %w", credentialsPath, err)
	}
	cw.path = abs

	if err := cw.watcher.Add(filepath.Dir(abs)); err != nil {
		return fmt.Errorf("failed to watch %s: %w", filepath.Dir(abs), err)
	}

	cw.running = true
	cw.wg.Add(1)
	go cw.processEvents()
	return nil
}

// Stop closes the watcher and its channels. It blocks until the event
// loop has exited.
func (cw *CredentialWatcher) Stop() error {
	cw.mu.Lock()
	if !cw.running {
		cw.mu.Unlock()
		return cw.watcher.Close()
	}
	cw.running = false
	cw.mu.Unlock()

	close(cw.done)
	if err := cw.watcher.Close(); err != nil {
		return fmt.Errorf("failed to close watcher: %w", err)
	}
	cw.wg.Wait()

	close(cw.events)
	close(cw.errors)
	return nil
}

// Events returns credential changes. Closed by Stop.
func (cw *CredentialWatcher) Events() <-chan CredentialEvent {
	return cw.events
}

// Errors returns watcher errors. Closed by Stop.
func (cw *CredentialWatcher) Errors() <-chan error {
	return cw.errors
}

// IsRunning returns true if the watcher is currently running.
func (cw *CredentialWatcher) IsRunning() bool {
	cw.mu.Lock()
	defer cw.mu.Unlock()
	return cw.running
}

func (cw *CredentialWatcher) processEvents() {
	defer cw.wg.Done()

	for {
		select {
		case <-cw.done:
			return

		case event, ok := <-cw.watcher.Events:
			if !ok {
				return
			}
			ce, ok := cw.convertEvent(event)
			if !ok {
				continue
			}
			select {
			case cw.events <- ce:
			case <-cw.done:
				return
			}

		case err, ok := <-cw.watcher.Errors:
			if !ok {
				return
			}
			select {
			case cw.errors <- err:
			case <-cw.done:
				return
			}
		}
	}
}

// convertEvent filters events down to the credentials file.
func (cw *CredentialWatcher) convertEvent(event fsnotify.Event) (CredentialEvent, bool) {
	abs, err := filepath.Abs(event.Name)
	if err != nil || abs != cw.path {
		return CredentialEvent{}, false
	}

	var op EventOp
	switch {
	case event.Has(fsnotify.Create):
		op = OpCreate
	case event.Has(fsnotify.Write):
		op = OpModify
	case event.Has(fsnotify.Remove), event.Has(fsnotify.Rename):
		op = OpDelete
	default:
		return CredentialEvent{}, false
	}
	return CredentialEvent{Path: abs, Op: op}, true
}
