package dashboard

import (
	"context"
	"encoding/json"
	"log"
	"sync"
	"time"

	"github.com/surelaces/posync/internal/store/db"
	"github.com/surelaces/posync/internal/store/schema"
	possync "github.com/surelaces/posync/internal/sync"
)

// StatsSource supplies store counters.
type StatsSource interface {
	Stats(ctx context.Context) db.Stats
}

// SyncProgressData is the payload of sync_progress.
type SyncProgressData struct {
	Stage         possync.Stage `json:"stage"`
	Message       string        `json:"message"`
	ProductsDone  int           `json:"products_done"`
	ProductsTotal int           `json:"products_total"`
}

// SyncCompleteData is the payload of sync_complete.
type SyncCompleteData struct {
	Success    bool          `json:"success"`
	Error      string        `json:"error,omitempty"`
	Duration   time.Duration `json:"duration"`
	LastSyncAt *time.Time    `json:"last_sync_at,omitempty"`
	Pending    int           `json:"pending"`
}

// NetworkStatusData is the payload of network_status.
type NetworkStatusData struct {
	Online bool `json:"online"`
}

// InvoiceCreatedData is the payload of invoice_created.
type InvoiceCreatedData struct {
	ID            string `json:"id"`
	InvoiceNumber string `json:"invoice_number"`
	Total         string `json:"total"`
	Items         int    `json:"items"`
	Salesperson   string `json:"salesperson_name"`
}

// Handler turns orchestrator and daemon events into dashboard messages.
type Handler struct {
	server *Server
	stats  StatsSource
	logger *log.Logger

	mu          sync.Mutex
	syncing     bool
	syncStarted time.Time
	lastStage   possync.Stage
}

// NewHandler creates a handler publishing to server. stats may be nil.
func NewHandler(server *Server, stats StatsSource, logger *log.Logger) *Handler {
	if logger == nil {
		logger = log.Default()
	}
	h := &Handler{server: server, stats: stats, logger: logger}
	server.SetWelcome(h.statsMessage)
	return h
}

// OnState consumes orchestrator snapshots; pass it to Orchestrator.Subscribe.
func (h *Handler) OnState(s possync.State) {
	h.mu.Lock()
	started := !h.syncing && s.IsSyncing
	finished := h.syncing && !s.IsSyncing
	stageChanged := s.Stage != h.lastStage
	h.syncing = s.IsSyncing
	h.lastStage = s.Stage
	if started {
		h.syncStarted = time.Now()
	}
	began := h.syncStarted
	h.mu.Unlock()

	if s.IsSyncing && (started || stageChanged || s.Progress.Message != "") {
		h.server.Publish(MessageTypeSyncProgress, SyncProgressData{
			Stage:         s.Progress.Stage,
			Message:       s.Progress.Message,
			ProductsDone:  s.Progress.ProductsDone,
			ProductsTotal: s.Progress.ProductsTotal,
		})
	}

	if finished {
		stats := h.currentStats()
		h.logger.Printf("Sync complete in %v (error: %q)", time.Since(began), s.LastError)
		h.server.Publish(MessageTypeSyncComplete, SyncCompleteData{
			Success:    s.LastError == "",
			Error:      s.LastError,
			Duration:   time.Since(began),
			LastSyncAt: s.LastSyncAt,
			Pending:    stats.PendingInvoices,
		})
		h.server.Publish(MessageTypeStats, stats)
	}
}

// OnNetwork publishes a connectivity transition.
func (h *Handler) OnNetwork(online bool) {
	h.server.Publish(MessageTypeNetworkStatus, NetworkStatusData{Online: online})
}

// OnInvoiceCreated publishes a new sale and refreshed counters.
func (h *Handler) OnInvoiceCreated(inv *schema.Invoice) {
	h.logger.Printf("Invoice created: %s (%s)", inv.InvoiceNumber, inv.Total)
	h.server.Publish(MessageTypeInvoiceCreated, InvoiceCreatedData{
		ID:            inv.ID,
		InvoiceNumber: inv.InvoiceNumber,
		Total:         inv.Total,
		Items:         len(inv.Items),
		Salesperson:   inv.SalespersonName,
	})
	h.BroadcastStats()
}

// BroadcastStats publishes current store counters.
func (h *Handler) BroadcastStats() {
	h.server.Publish(MessageTypeStats, h.currentStats())
}

func (h *Handler) currentStats() db.Stats {
	if h.stats == nil {
		return db.Stats{}
	}
	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()
	return h.stats.Stats(ctx)
}

func (h *Handler) statsMessage() Message {
	msg := Message{Type: MessageTypeStats, Timestamp: time.Now()}
	if raw, err := json.Marshal(h.currentStats()); err == nil {
		msg.Data = raw
	}
	return msg
}

// InvoiceSource lists invoices created since a point in time, newest first.
type InvoiceSource interface {
	GetSince(ctx context.Context, t time.Time) []schema.Invoice
}

// WatchInvoices polls src and publishes invoice_created for every invoice
// that appears after the watch began. Sales are recorded by other processes,
// so polling the store is the only way to observe them. It returns when ctx
// is done.
func (h *Handler) WatchInvoices(ctx context.Context, src InvoiceSource, interval time.Duration) {
	if interval <= 0 {
		interval = 2 * time.Second
	}
	since := time.Now()
	seen := make(map[string]bool)

	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			since, seen = h.publishNew(ctx, src, since, seen)
		}
	}
}

// publishNew emits unseen invoices oldest first and returns the advanced
// watermark with the ids sitting exactly on it.
func (h *Handler) publishNew(ctx context.Context, src InvoiceSource, since time.Time, seen map[string]bool) (time.Time, map[string]bool) {
	invoices := src.GetSince(ctx, since)
	for i := len(invoices) - 1; i >= 0; i-- {
		inv := invoices[i]
		if seen[inv.ID] {
			continue
		}
		h.OnInvoiceCreated(&inv)
		if inv.CreatedAt.After(since) {
			since = inv.CreatedAt
		}
		seen[inv.ID] = true
	}

	boundary := make(map[string]bool)
	for _, inv := range invoices {
		if !inv.CreatedAt.Before(since) {
			boundary[inv.ID] = true
		}
	}
	return since, boundary
}
