package sync

import (
	"context"
	"errors"
	"fmt"
	"log"
	"os"
	gosync "sync"
	"sync/atomic"
	"time"

	"github.com/surelaces/posync/internal/api"
	"github.com/surelaces/posync/internal/session"
	"github.com/surelaces/posync/internal/store/repo"
	"github.com/surelaces/posync/internal/store/schema"
)

// DefaultMaxAttempts is how many server rejections an invoice may collect
// before automatic pushes leave it alone.
const DefaultMaxAttempts = 5

// Sync log entity names.
const (
	entityProducts     = "products"
	entityInvoicePush  = "invoices:push"
	entityInvoicePull  = "invoices:pull"
	entityProductEdit  = "products:edit"
	statusSuccess      = "success"
	statusError        = "error"
	statusPartial      = "partial"
	statusNothingToRun = "skipped"
)

// API is the part of the backend the orchestrator calls.
type API interface {
	GetAllProducts(ctx context.Context) ([]schema.Product, error)
	BulkSyncInvoices(ctx context.Context, invoices []schema.Invoice) (*api.BulkSyncResult, error)
	GetInvoices(ctx context.Context) ([]schema.Invoice, error)
	UpdateProduct(ctx context.Context, p schema.Product) (*schema.Product, error)
}

// SessionGate validates the session before network work.
type SessionGate interface {
	EnsureSession(ctx context.Context) error
	User() *session.User
}

// Deps are the orchestrator's collaborators.
type Deps struct {
	Products *repo.Products
	Invoices *repo.Invoices
	Log      *repo.SyncLog
	API      API
	Session  SessionGate
}

// Option configures an Orchestrator.
type Option func(*Orchestrator)

// WithLogger sets the logger.
func WithLogger(l *log.Logger) Option {
	return func(o *Orchestrator) {
		if l != nil {
			o.logger = l
		}
	}
}

// WithMaxAttempts sets the automatic retry cap for rejected invoices.
func WithMaxAttempts(n int) Option {
	return func(o *Orchestrator) {
		if n > 0 {
			o.maxAttempts = n
		}
	}
}

// WithClock overrides time.Now.
func WithClock(now func() time.Time) Option {
	return func(o *Orchestrator) { o.now = now }
}

// Orchestrator runs sync cycles.
type Orchestrator struct {
	deps        Deps
	logger      *log.Logger
	maxAttempts int
	now         func() time.Time

	syncing atomic.Bool

	mu    gosync.Mutex
	state State
	subs  []Subscriber
}

// New creates an orchestrator. It starts idle and online.
func New(deps Deps, opts ...Option) *Orchestrator {
	o := &Orchestrator{
		deps:        deps,
		logger:      log.New(os.Stderr, "[sync] ", log.LstdFlags),
		maxAttempts: DefaultMaxAttempts,
		now:         time.Now,
		state:       State{Stage: StageIdle, Online: true},
	}
	for _, opt := range opts {
		opt(o)
	}
	return o
}

// Subscribe registers fn for state changes.
func (o *Orchestrator) Subscribe(fn Subscriber) {
	o.mu.Lock()
	o.subs = append(o.subs, fn)
	o.mu.Unlock()
}

// State returns a snapshot.
func (o *Orchestrator) State() State {
	o.mu.Lock()
	defer o.mu.Unlock()
	return o.state
}

// IsSyncing reports whether a cycle is running.
func (o *Orchestrator) IsSyncing() bool {
	return o.syncing.Load()
}

// SetOnline records connectivity.
func (o *Orchestrator) SetOnline(online bool) {
	o.update(func(s *State) {
		s.Online = online
		if !s.IsSyncing {
			s.Stage = restingStage(online)
		}
	})
}

func restingStage(online bool) Stage {
	if online {
		return StageIdle
	}
	return StageOffline
}

func (o *Orchestrator) update(fn func(*State)) {
	o.mu.Lock()
	fn(&o.state)
	snapshot := o.state
	subs := append([]Subscriber(nil), o.subs...)
	o.mu.Unlock()

	for _, sub := range subs {
		sub(snapshot)
	}
}

func (o *Orchestrator) progress(stage Stage, msg string) {
	o.update(func(s *State) {
		s.Stage = stage
		s.Progress.Stage = stage
		s.Progress.Message = msg
	})
}

// run executes cycle under the reentrancy guard. It reports false when
// another cycle already holds the guard.
func (o *Orchestrator) run(ctx context.Context, name string, cycle func(context.Context) error) (bool, error) {
	if !o.syncing.CompareAndSwap(false, true) {
		o.logger.Printf("%s skipped: sync already in progress", name)
		return false, nil
	}

	o.update(func(s *State) {
		s.IsSyncing = true
		s.LastError = ""
		s.Progress = Progress{}
	})

	var err error
	defer func() {
		if r := recover(); r != nil {
			err = fmt.Errorf("%s panicked: %v", name, r)
			o.finish(err)
			panic(r)
		}
		o.finish(err)
	}()

	if o.deps.Session != nil {
		if err = o.deps.Session.EnsureSession(ctx); err != nil {
			o.logger.Printf("WARNING: %s aborted: %v", name, err)
			return true, err
		}
	}

	err = cycle(ctx)
	return true, err
}

func (o *Orchestrator) finish(err error) {
	now := o.now()
	o.update(func(s *State) {
		s.IsSyncing = false
		s.Stage = restingStage(s.Online)
		s.Progress.Stage = s.Stage
		if err != nil {
			s.LastError = err.Error()
		} else {
			s.LastSyncAt = &now
		}
	})
	o.syncing.Store(false)
}

// InitialSync runs after login: full catalog replacement, pending invoice
// push, then an invoice merge. Step failures are joined into the result.
func (o *Orchestrator) InitialSync(ctx context.Context) error {
	_, err := o.run(ctx, "initial sync", func(ctx context.Context) error {
		o.logger.Printf("Starting initial sync")
		var errs []error
		if _, err := o.pullProducts(ctx); err != nil {
			errs = append(errs, err)
		}
		if _, err := o.push(ctx); err != nil {
			errs = append(errs, err)
		}
		if _, err := o.pullInvoices(ctx); err != nil {
			errs = append(errs, err)
		}
		return errors.Join(errs...)
	})
	return err
}

// StartSync runs an incremental cycle: push first so sales reach the
// server before anything else, then refresh products and invoices.
func (o *Orchestrator) StartSync(ctx context.Context) error {
	_, err := o.run(ctx, "sync", func(ctx context.Context) error {
		var errs []error
		if _, err := o.push(ctx); err != nil {
			errs = append(errs, err)
		}
		if _, err := o.pullProducts(ctx); err != nil {
			errs = append(errs, err)
		}
		if _, err := o.pullInvoices(ctx); err != nil {
			errs = append(errs, err)
		}
		return errors.Join(errs...)
	})
	return err
}

// PushPendingInvoices pushes pending invoices as a cycle of its own.
func (o *Orchestrator) PushPendingInvoices(ctx context.Context) error {
	_, err := o.run(ctx, "push", func(ctx context.Context) error {
		_, err := o.push(ctx)
		return err
	})
	return err
}

// PullProducts replaces the catalog with the server's. It returns the
// number of products stored.
func (o *Orchestrator) PullProducts(ctx context.Context) (int, error) {
	var n int
	_, err := o.run(ctx, "product pull", func(ctx context.Context) error {
		var err error
		n, err = o.pullProducts(ctx)
		return err
	})
	return n, err
}

// PullInvoices merges the server's invoice list into the local store.
func (o *Orchestrator) PullInvoices(ctx context.Context) (repo.MergeResult, error) {
	var res repo.MergeResult
	_, err := o.run(ctx, "invoice pull", func(ctx context.Context) error {
		var err error
		res, err = o.pullInvoices(ctx)
		return err
	})
	return res, err
}

func (o *Orchestrator) record(ctx context.Context, entity, status string, count int, err error) {
	if o.deps.Log == nil {
		return
	}
	m := schema.SyncMetadata{
		EntityType:    entity,
		LastSyncTime:  o.now(),
		SyncStatus:    status,
		RecordsSynced: count,
	}
	if err != nil {
		m.ErrorMessage = err.Error()
	}
	o.deps.Log.Record(ctx, m)
}

func (o *Orchestrator) pullProducts(ctx context.Context) (int, error) {
	o.progress(StageProducts, "Downloading products")

	products, err := o.deps.API.GetAllProducts(ctx)
	if err != nil {
		err = fmt.Errorf("failed to fetch products: %w", err)
		o.logger.Printf("WARNING: %v", err)
		o.record(ctx, entityProducts, statusError, 0, err)
		return 0, err
	}

	o.update(func(s *State) {
		s.Progress.Message = fmt.Sprintf("Saving %d products", len(products))
		s.Progress.ProductsTotal = len(products)
	})

	n, err := o.deps.Products.ReplaceAll(ctx, products)
	if err != nil {
		err = fmt.Errorf("failed to store products: %w", err)
		o.logger.Printf("WARNING: %v", err)
		o.record(ctx, entityProducts, statusError, 0, err)
		return 0, err
	}

	o.update(func(s *State) {
		s.Progress.ProductsDone = n
		s.Progress.Message = fmt.Sprintf("Saved %d products", n)
	})
	o.logger.Printf("Synced %d products", n)
	o.record(ctx, entityProducts, statusSuccess, n, nil)
	return n, nil
}

// push sends eligible pending invoices and returns how many were synced.
func (o *Orchestrator) push(ctx context.Context) (int, error) {
	o.progress(StagePush, "Uploading invoices")

	pending := o.deps.Invoices.GetPending(ctx)
	if len(pending) == 0 {
		o.record(ctx, entityInvoicePush, statusNothingToRun, 0, nil)
		return 0, nil
	}

	valid := make([]schema.Invoice, 0, len(pending))
	var invalid, held int
	for _, inv := range pending {
		if inv.SyncAttempts >= o.maxAttempts {
			held++
			o.logger.Printf("WARNING: holding invoice %s after %d rejected attempts: %s",
				inv.InvoiceNumber, inv.SyncAttempts, inv.LastSyncError)
			continue
		}
		if err := inv.Validate(); err != nil {
			invalid++
			o.logger.Printf("WARNING: skipping invoice: %v", err)
			continue
		}
		valid = append(valid, inv)
	}

	if len(valid) == 0 {
		err := fmt.Errorf("%w: %d pending (%d invalid, %d held after %d attempts)",
			ErrNoValidInvoices, len(pending), invalid, held, o.maxAttempts)
		o.record(ctx, entityInvoicePush, statusError, 0, err)
		return 0, err
	}

	res, err := o.deps.API.BulkSyncInvoices(ctx, valid)
	if err != nil {
		err = fmt.Errorf("failed to push invoices: %w", err)
		o.logger.Printf("WARNING: %v", err)
		o.record(ctx, entityInvoicePush, statusError, 0, err)
		return 0, err
	}

	failed := make(map[string]api.FailedInvoice, len(res.FailedInvoices))
	for _, f := range res.FailedInvoices {
		failed[f.InvoiceNumber] = f
	}

	synced := make([]string, 0, len(valid))
	var failures []InvoiceFailure
	for _, inv := range valid {
		f, rejected := failed[inv.InvoiceNumber]
		if !rejected {
			synced = append(synced, inv.InvoiceNumber)
			continue
		}
		failures = append(failures, InvoiceFailure{
			InvoiceNumber: f.InvoiceNumber,
			Errors:        f.Errors,
			Permanent:     f.Permanent,
		})
	}

	if err := o.deps.Invoices.BulkUpdateSyncStatus(ctx, synced); err != nil {
		err = fmt.Errorf("failed to mark invoices synced: %w", err)
		o.logger.Printf("WARNING: %v", err)
		o.record(ctx, entityInvoicePush, statusError, 0, err)
		return 0, err
	}

	for _, f := range failures {
		if err := o.deps.Invoices.RecordSyncFailure(ctx, f.InvoiceNumber, f.Message(), f.Permanent); err != nil {
			o.logger.Printf("WARNING: %v", err)
		}
	}

	o.logger.Printf("Pushed invoices: synced=%d rejected=%d invalid=%d held=%d",
		len(synced), len(failures), invalid, held)

	if len(failures) > 0 {
		perr := &PartialSyncError{Synced: len(synced), Failures: failures}
		o.record(ctx, entityInvoicePush, statusPartial, len(synced), perr)
		return len(synced), perr
	}
	o.record(ctx, entityInvoicePush, statusSuccess, len(synced), nil)
	return len(synced), nil
}

func (o *Orchestrator) pullInvoices(ctx context.Context) (repo.MergeResult, error) {
	o.progress(StagePull, "Downloading invoices")

	server, err := o.deps.API.GetInvoices(ctx)
	if err != nil {
		err = fmt.Errorf("failed to fetch invoices: %w", err)
		o.logger.Printf("WARNING: %v", err)
		o.record(ctx, entityInvoicePull, statusError, 0, err)
		return repo.MergeResult{}, err
	}

	res, err := o.deps.Invoices.MergeFromServer(ctx, server)
	if err != nil {
		err = fmt.Errorf("failed to merge invoices: %w", err)
		o.logger.Printf("WARNING: %v", err)
		o.record(ctx, entityInvoicePull, statusError, 0, err)
		return repo.MergeResult{}, err
	}

	o.logger.Printf("Merged invoices: added=%d confirmed=%d kept_pending=%d skipped=%d",
		res.Added, res.Confirmed, res.KeptPending, res.Skipped)
	o.record(ctx, entityInvoicePull, statusSuccess, res.Added+res.Confirmed, nil)
	return res, nil
}

// EditProduct pushes an owner's product edit and stores the server's copy.
func (o *Orchestrator) EditProduct(ctx context.Context, p schema.Product) (*schema.Product, error) {
	if o.deps.Session != nil {
		if err := o.deps.Session.EnsureSession(ctx); err != nil {
			return nil, err
		}
		if u := o.deps.Session.User(); u == nil || !u.IsOwner() {
			return nil, ErrNotOwner
		}
	}

	p.Normalize()
	if err := p.Validate(); err != nil {
		return nil, err
	}

	updated, err := o.deps.API.UpdateProduct(ctx, p)
	if err != nil {
		err = fmt.Errorf("failed to update product %s: %w", p.ID, err)
		o.record(ctx, entityProductEdit, statusError, 0, err)
		return nil, err
	}
	if err := o.deps.Products.Upsert(ctx, *updated); err != nil {
		return nil, fmt.Errorf("failed to store product %s: %w", p.ID, err)
	}
	o.record(ctx, entityProductEdit, statusSuccess, 1, nil)
	return updated, nil
}
