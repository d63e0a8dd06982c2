package main

import (
	"fmt"

	"github.com/spf13/cobra"

	"github.com/sipeed/wabridge/pkg/reclaim"
)

var reclaimCmd = &cobra.Command{
	Use:   "reclaim",
	Short: "Remove stale session locks and orphaned client processes",
	Long: `Runs one reclamation pass over the session profile directories. Markers
still held by a live bridge are left alone. Safe to run at any time.`,
	RunE: func(cmd *cobra.Command, _ []string) error {
		cfg, err := loadConfig()
		if err != nil {
			return err
		}

		r := reclaim.New(reclaim.Options{
			Dirs:           cfg.ReclaimDirs(),
			ProcessPattern: cfg.Reclaim.ProcessPattern,
		})
		rep := r.Run()

		out := cmd.OutOrStdout()
		for _, p := range rep.Removed {
			fmt.Fprintf(out, "  ✓ removed %s\n", p)
		}
		for _, p := range rep.Held {
			fmt.Fprintf(out, "  • in use  %s\n", p)
		}
		for _, pid := range rep.Terminated {
			fmt.Fprintf(out, "  ✓ terminated pid %d\n", pid)
		}
		for _, e := range rep.Errors {
			fmt.Fprintf(out, "  ⚠️  %s\n", e)
		}
		fmt.Fprintf(out, "Reclaimed %d marker(s), %d process(es)\n", len(rep.Removed), len(rep.Terminated))
		return nil
	},
}
