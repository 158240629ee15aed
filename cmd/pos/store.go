package main

import (
	"context"
	"fmt"
	"os"
	"time"

	"github.com/spf13/cobra"
	"gopkg.in/yaml.v3"

	"github.com/surelaces/posync/internal/store/db"
	"github.com/surelaces/posync/internal/store/schema"
	"github.com/surelaces/posync/internal/ui"
)

var initCmd = &cobra.Command{
	Use:     "init",
	GroupID: "maint",
	Short:   "Create the local database and apply migrations",
	Run: func(cmd *cobra.Command, args []string) {
		ctx := cmd.Context()
		a := mustOpenApp(ctx)
		defer a.Close()

		version, err := a.engine.SchemaVersion(ctx)
		if err != nil {
			fatal("reading schema version: %v", err)
		}
		if jsonOutput {
			outputJSON(map[string]interface{}{"path": a.engine.Path(), "schema_version": version})
			return
		}
		fmt.Printf("%s Database ready\n", ui.RenderPass("✓"))
		fmt.Printf("   Path: %s\n", a.engine.Path())
		fmt.Printf("   Schema version: %d\n", version)
	},
}

// statusReport is what 'pos status' prints.
type statusReport struct {
	Database   string                `json:"database" yaml:"database"`
	ConfigFile string                `json:"config_file,omitempty" yaml:"config_file,omitempty"`
	APIBaseURL string                `json:"api_base_url" yaml:"api_base_url"`
	User       string                `json:"user,omitempty" yaml:"user,omitempty"`
	Session    string                `json:"session" yaml:"session"`
	ExpiresAt  *time.Time            `json:"session_expires_at,omitempty" yaml:"session_expires_at,omitempty"`
	Stats      db.Stats              `json:"stats" yaml:"stats"`
	RecentSync []schema.SyncMetadata `json:"recent_sync" yaml:"recent_sync"`
}

var statusCmd = &cobra.Command{
	Use:     "status",
	GroupID: "maint",
	Short:   "Show store counters, session and recent sync activity",
	Run: func(cmd *cobra.Command, args []string) {
		ctx := cmd.Context()
		a := mustOpenApp(ctx)
		defer a.Close()

		report := buildStatus(ctx, a)

		asYAML, _ := cmd.Flags().GetBool("yaml")
		switch {
		case jsonOutput:
			outputJSON(report)
		case asYAML:
			enc := yaml.NewEncoder(os.Stdout)
			enc.SetIndent(2)
			if err := enc.Encode(report); err != nil {
				fatal("encoding YAML: %v", err)
			}
			_ = enc.Close()
		default:
			printStatus(report)
		}
	},
}

func buildStatus(ctx context.Context, a *app) statusReport {
	report := statusReport{
		Database:   a.engine.Path(),
		ConfigFile: a.loader.ConfigFile(),
		APIBaseURL: a.cfg.API.BaseURL,
		Session:    "logged out",
		Stats:      a.engine.Stats(ctx),
	}
	switch err := a.sessions.EnsureSession(ctx); err {
	case nil:
		report.Session = "active"
		if u := a.sessions.User(); u != nil {
			report.User = fmt.Sprintf("%s <%s> (%s)", u.DisplayName(), u.Email, u.Role)
		}
		if exp := a.sessions.ExpiresAt(); !exp.IsZero() {
			report.ExpiresAt = &exp
		}
	default:
		report.Session = err.Error()
	}
	recent, err := a.syncLog.Recent(ctx, 5)
	if err == nil {
		report.RecentSync = recent
	}
	return report
}

func printStatus(r statusReport) {
	fmt.Printf("\n%s POS Status\n\n", ui.RenderAccent("📊"))
	pairs := [][2]string{
		{"Database", r.Database},
		{"API", r.APIBaseURL},
		{"Session", r.Session},
	}
	if r.ConfigFile != "" {
		pairs = append(pairs, [2]string{"Config", r.ConfigFile})
	}
	if r.User != "" {
		pairs = append(pairs, [2]string{"User", r.User})
	}
	if r.ExpiresAt != nil {
		pairs = append(pairs, [2]string{"Session ends", r.ExpiresAt.Local().Format("2006-01-02 15:04")})
	}
	pairs = append(pairs,
		[2]string{"Products", fmt.Sprint(r.Stats.Products)},
		[2]string{"Cart lines", fmt.Sprint(r.Stats.CartItems)},
		[2]string{"Invoices", fmt.Sprint(r.Stats.Invoices)},
		[2]string{"Pending", fmt.Sprint(r.Stats.PendingInvoices)},
		[2]string{"Schema", fmt.Sprint(r.Stats.SchemaVersion)},
	)
	fmt.Println(ui.KeyValues(pairs))

	if len(r.RecentSync) > 0 {
		fmt.Printf("\nRecent sync activity:\n")
		rows := make([][]string, 0, len(r.RecentSync))
		for _, m := range r.RecentSync {
			rows = append(rows, []string{
				m.LastSyncTime.Local().Format("01-02 15:04:05"),
				m.EntityType,
				m.SyncStatus,
				fmt.Sprint(m.RecordsSynced),
				m.ErrorMessage,
			})
		}
		fmt.Println(ui.Table([]string{"When", "Step", "Status", "Records", "Error"}, rows))
	}
	fmt.Println()
}

var resetCmd = &cobra.Command{
	Use:     "reset",
	GroupID: "maint",
	Short:   "Delete all local data (keeps the schema)",
	Long: `Delete every product, cart line, invoice and sync log entry.

Pending invoices that have not been uploaded are lost. Use --force to confirm.
With --delete the database file itself is removed.`,
	Run: func(cmd *cobra.Command, args []string) {
		force, _ := cmd.Flags().GetBool("force")
		deleteFile, _ := cmd.Flags().GetBool("delete")
		ctx := cmd.Context()
		a := mustOpenApp(ctx)
		defer a.Close()

		pending := a.invoices.PendingCount(ctx)
		if !force {
			fmt.Fprintf(os.Stderr, "%s This deletes all local data", ui.RenderWarn("⚠"))
			if pending > 0 {
				fmt.Fprintf(os.Stderr, ", including %d unsynced invoice(s)", pending)
			}
			fmt.Fprintf(os.Stderr, ".\nRe-run with --force to continue.\n")
			os.Exit(1)
		}

		if deleteFile {
			if err := a.engine.DeleteDatabase(); err != nil {
				fatal("deleting database: %v", err)
			}
			fmt.Printf("%s Deleted %s\n", ui.RenderPass("✓"), a.engine.Path())
			return
		}
		if err := a.engine.ClearAllData(ctx); err != nil {
			fatal("clearing data: %v", err)
		}
		fmt.Printf("%s Local data cleared\n", ui.RenderPass("✓"))
	},
}

func init() {
	statusCmd.Flags().Bool("yaml", false, "Output YAML")
	resetCmd.Flags().Bool("force", false, "Confirm deletion")
	resetCmd.Flags().Bool("delete", false, "Remove the database file instead of clearing tables")

	rootCmd.AddCommand(initCmd)
	rootCmd.AddCommand(statusCmd)
	rootCmd.AddCommand(resetCmd)
}
