package main

import (
	"bufio"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"strings"
	"time"

	"github.com/spf13/cobra"

	"github.com/sipeed/wabridge/pkg/storage"
	"github.com/sipeed/wabridge/pkg/storage/repository"
)

// maxMigratedTransitions bounds the journal copied by migrate; backends trim
// well below it.
const maxMigratedTransitions = 100000

var (
	diagLimit int
	diagJSON  bool

	migrateTo  string
	migrateYes bool
)

var diagnosticsCmd = &cobra.Command{
	Use:   "diagnostics",
	Short: "Show persisted session diagnostics and recent transitions",
	RunE: func(cmd *cobra.Command, _ []string) error {
		cfg, err := loadConfig()
		if err != nil {
			return err
		}
		ctx := cmd.Context()

		store, err := openStorage(ctx, storageConfig(cfg, cfg.Storage.Type))
		if err != nil {
			return err
		}
		defer store.Close()

		diag, err := store.Diagnostics().Load(ctx)
		if err != nil {
			return fmt.Errorf("failed to load diagnostics: %w", err)
		}
		transitions, err := store.Diagnostics().RecentTransitions(ctx, diagLimit)
		if err != nil {
			return fmt.Errorf("failed to load transitions: %w", err)
		}

		out := cmd.OutOrStdout()
		if diagJSON {
			enc := json.NewEncoder(out)
			enc.SetIndent("", "  ")
			return enc.Encode(map[string]interface{}{
				"diagnostics": diag,
				"transitions": transitions,
			})
		}
		printDiagnostics(out, cfg.Storage.Type, diag, transitions)
		return nil
	},
}

var migrateCmd = &cobra.Command{
	Use:   "migrate",
	Short: "Copy diagnostics and the transition journal to another backend",
	RunE: func(cmd *cobra.Command, _ []string) error {
		cfg, err := loadConfig()
		if err != nil {
			return err
		}
		out := cmd.OutOrStdout()
		sourceType := cfg.Storage.Type
		destType := migrateTo

		switch {
		case sourceType == "" || sourceType == "none":
			return fmt.Errorf("no storage backend configured to migrate from")
		case destType == sourceType:
			return fmt.Errorf("source and destination are both %q", destType)
		}

		fmt.Fprintln(out, "🔄 wabridge diagnostics migration")
		fmt.Fprintln(out, "==================================")
		fmt.Fprintf(out, "📁 Source: %s\n", sourceType)
		fmt.Fprintf(out, "📁 Destination: %s\n\n", destType)

		if !migrateYes && !confirm(cmd.InOrStdin(), out, "⚠️  This will overwrite destination diagnostics. Continue? (yes/no): ") {
			fmt.Fprintln(out, "❌ Migration cancelled")
			return nil
		}

		ctx := cmd.Context()
		fmt.Fprintf(out, "🔌 Connecting to source (%s)...\n", sourceType)
		source, err := openStorage(ctx, storageConfig(cfg, sourceType))
		if err != nil {
			return err
		}
		defer source.Close()

		fmt.Fprintf(out, "🔌 Connecting to destination (%s)...\n", destType)
		dest, err := openStorage(ctx, storageConfig(cfg, destType))
		if err != nil {
			return err
		}
		defer dest.Close()

		n, err := migrateDiagnostics(ctx, source.Diagnostics(), dest.Diagnostics())
		if err != nil {
			return err
		}

		fmt.Fprintf(out, "\n✅ Migrated diagnostics and %d transition(s)\n\n", n)
		fmt.Fprintln(out, "⚠️  Remember to:")
		fmt.Fprintf(out, "   1. Update storage.type to '%s' in config.json\n", destType)
		fmt.Fprintln(out, "   2. Restart wabridge for changes to take effect")
		return nil
	},
}

func init() {
	diagnosticsCmd.Flags().IntVarP(&diagLimit, "limit", "n", 20, "number of transitions to show")
	diagnosticsCmd.Flags().BoolVar(&diagJSON, "json", false, "print as JSON")

	migrateCmd.Flags().StringVar(&migrateTo, "to", "", "destination backend (file, sqlite, postgres)")
	migrateCmd.Flags().BoolVarP(&migrateYes, "yes", "y", false, "skip the confirmation prompt")
	_ = migrateCmd.MarkFlagRequired("to")

	diagnosticsCmd.AddCommand(migrateCmd)
}

// migrateDiagnostics copies the snapshot and replays the journal oldest
// first so the destination keeps the same ordering.
func migrateDiagnostics(ctx context.Context, source, dest repository.DiagnosticsRepository) (int, error) {
	diag, err := source.Load(ctx)
	if err != nil {
		return 0, fmt.Errorf("failed to load diagnostics: %w", err)
	}
	if diag != nil {
		if err := dest.Save(ctx, *diag); err != nil {
			return 0, fmt.Errorf("failed to save diagnostics: %w", err)
		}
	}

	transitions, err := source.RecentTransitions(ctx, maxMigratedTransitions)
	if err != nil {
		return 0, fmt.Errorf("failed to list transitions: %w", err)
	}
	for i := len(transitions) - 1; i >= 0; i-- {
		if err := dest.AppendTransition(ctx, transitions[i]); err != nil {
			return 0, fmt.Errorf("failed to append transition: %w", err)
		}
	}
	return len(transitions), nil
}

func openStorage(ctx context.Context, sc storage.Config) (storage.Storage, error) {
	store, err := storage.NewStorage(sc)
	if err != nil {
		return nil, fmt.Errorf("error creating %s storage: %w", sc.Type, err)
	}
	if store == nil {
		return nil, fmt.Errorf("storage type %q keeps diagnostics in memory only", sc.Type)
	}
	if err := store.Connect(ctx); err != nil {
		return nil, fmt.Errorf("error connecting to %s storage: %w", sc.Type, err)
	}
	return store, nil
}

func confirm(in io.Reader, out io.Writer, prompt string) bool {
	fmt.Fprint(out, prompt)
	line, _ := bufio.NewReader(in).ReadString('\n')
	return strings.TrimSpace(strings.ToLower(line)) == "yes"
}

func printDiagnostics(out io.Writer, backend string, d *repository.Diagnostics, transitions []repository.Transition) {
	fmt.Fprintf(out, "Diagnostics (%s)\n", backend)
	if d == nil {
		fmt.Fprintln(out, "  nothing recorded yet")
	} else {
		fmt.Fprintf(out, "  QR events:        %d\n", d.QREventCount)
		fmt.Fprintf(out, "  Last QR:          %s\n", stampOrDash(d.LastQRAt))
		fmt.Fprintf(out, "  Last ready:       %s\n", stampOrDash(d.LastReadyAt))
		fmt.Fprintf(out, "  Last auth fail:   %s\n", incidentOrDash(d.LastAuthFailure))
		fmt.Fprintf(out, "  Last disconnect:  %s\n", incidentOrDash(d.LastDisconnected))
		fmt.Fprintf(out, "  Last client err:  %s\n", incidentOrDash(d.LastClientError))
		fmt.Fprintf(out, "  Restarts:         %d (%d forced)\n", d.Restarts, d.ForcedRestarts)
	}

	fmt.Fprintf(out, "\nRecent transitions (%d)\n", len(transitions))
	for _, t := range transitions {
		fmt.Fprintf(out, "  %s  %-13s -> %-13s %s\n", t.At.Local().Format("2006-01-02 15:04:05"), t.From, t.To, t.Reason)
	}
}

func stampOrDash(t *time.Time) string {
	if t == nil {
		return "-"
	}
	return t.Local().Format("2006-01-02 15:04:05")
}

func incidentOrDash(i *repository.Incident) string {
	if i == nil {
		return "-"
	}
	return fmt.Sprintf("%s (%s)", i.Reason, i.At.Local().Format("2006-01-02 15:04:05"))
}
