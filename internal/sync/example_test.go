package sync_test

import (
	"context"
	"fmt"
	"log"
	"os"
	"time"

	"github.com/surelaces/posync/internal/api"
	"github.com/surelaces/posync/internal/session"
	"github.com/surelaces/posync/internal/store/db"
	"github.com/surelaces/posync/internal/store/repo"
	"github.com/surelaces/posync/internal/sync"
)

// This example wires an orchestrator against a live backend.
// Note: This is for documentation only and won't run as a test.
func ExampleNew() {
	ctx := context.Background()

	engine := db.New(".pos/pos.db")
	if err := engine.Initialize(ctx); err != nil {
		log.Fatal(err)
	}
	defer engine.Close()

	client, err := api.New(api.Config{BaseURL: "https://pos.example.com/api", Timeout: 30 * time.Second})
	if err != nil {
		log.Fatal(err)
	}

	store, err := session.NewFileStore(".pos/credentials.enc", ".pos/session.key")
	if err != nil {
		log.Fatal(err)
	}
	sessions := session.NewManager(store, client)
	client.SetTokenSource(sessions)

	orch := sync.New(sync.Deps{
		Products: repo.NewProducts(engine),
		Invoices: repo.NewInvoices(engine),
		Log:      repo.NewSyncLog(engine),
		API:      client,
		Session:  sessions,
	}, sync.WithLogger(log.New(os.Stderr, "[sync] ", log.LstdFlags)))

	orch.Subscribe(func(s sync.State) {
		fmt.Printf("%s: %s\n", s.Stage, s.Progress.Message)
	})

	if err := orch.StartSync(ctx); err != nil {
		log.Printf("sync finished with errors: %v", err)
	}
}
