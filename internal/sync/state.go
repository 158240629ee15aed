package sync

import "time"

// Stage is the orchestrator's current activity.
type Stage string

const (
	StageIdle     Stage = "idle"
	StageProducts Stage = "products"
	StagePush     Stage = "invoices:push"
	StagePull     Stage = "invoices:pull"
	StageOffline  Stage = "offline"
)

// Progress is the UI-facing progress of the running cycle.
type Progress struct {
	Stage         Stage  `json:"stage"`
	Message       string `json:"message"`
	ProductsDone  int    `json:"products_done"`
	ProductsTotal int    `json:"products_total"`
}

// State is a snapshot of the orchestrator.
type State struct {
	Stage      Stage      `json:"stage"`
	Online     bool       `json:"online"`
	IsSyncing  bool       `json:"is_syncing"`
	LastSyncAt *time.Time `json:"last_sync_at,omitempty"`
	LastError  string     `json:"last_error,omitempty"`
	Progress   Progress   `json:"progress"`
}

// Subscriber is notified on every state change. It must not block.
type Subscriber func(State)
