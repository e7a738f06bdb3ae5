package cli

import (
	"context"
	"fmt"
	"os"
	"time"

	"github.com/spf13/cobra"

	"github.com/neboloop/conductor/internal/db"
	"github.com/neboloop/conductor/internal/logging"
)

// RunsCmd creates the run history command.
func RunsCmd() *cobra.Command {
	var limit int

	cmd := &cobra.Command{
		Use:   "runs",
		Short: "Inspect the browser run history",
	}

	list := &cobra.Command{
		Use:   "list",
		Short: "List recent runs, newest first",
		Run: func(cmd *cobra.Command, args []string) {
			listRuns(limit)
		},
	}
	list.Flags().IntVarP(&limit, "limit", "n", 20, "maximum number of runs to show")
	cmd.AddCommand(list)

	return cmd
}

func listRuns(limit int) {
	logging.Disable()
	c, err := loadConfig()
	if err != nil {
		fmt.Fprintf(os.Stderr, "Error: %v\n", err)
		os.Exit(1)
	}

	store, err := db.NewSQLite(c.DBPath())
	if err != nil {
		fmt.Fprintf(os.Stderr, "Error opening database: %v\n", err)
		os.Exit(1)
	}
	defer store.Close()

	runs, err := store.RecentRuns(context.Background(), limit)
	if err != nil {
		fmt.Fprintf(os.Stderr, "Error reading runs: %v\n", err)
		os.Exit(1)
	}
	if len(runs) == 0 {
		fmt.Println("No runs recorded yet.")
		return
	}

	for _, run := range runs {
		when := run.StartedAt.Local().Format(time.DateTime)
		status := run.EndReason
		if status == "" {
			status = "active"
		}
		fmt.Printf("  %s  %-12s %-10s %s\n", when, status, run.Source, run.Goal)
	}
}
