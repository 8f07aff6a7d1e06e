package cli

import (
	"fmt"
	"os"
	"sort"
	"text/tabwriter"
	"time"

	"github.com/spf13/cobra"

	"github.com/npasecink/chatling/internal/types"
)

var lsStatus string

var lsCmd = &cobra.Command{
	Use:   "ls",
	Short: "List queued tasks",
	Long:  `List all tasks in the queue directory, optionally filtered by status.`,
	RunE: func(cmd *cobra.Command, args []string) error {
		cfg, err := loadConfig()
		if err != nil {
			return err
		}
		s, err := openStore(cfg)
		if err != nil {
			return err
		}
		defer s.Close()

		tasks, err := s.List()
		if err != nil {
			return fmt.Errorf("list tasks: %w", err)
		}

		if lsStatus != "" {
			want := types.TaskStatus(lsStatus)
			filtered := tasks[:0]
			for _, t := range tasks {
				if t.State.Status == want {
					filtered = append(filtered, t)
				}
			}
			tasks = filtered
		}

		sort.Slice(tasks, func(i, j int) bool {
			if tasks[i].Meta.Priority != tasks[j].Meta.Priority {
				return tasks[i].Meta.Priority > tasks[j].Meta.Priority
			}
			return tasks[i].Meta.CreatedAt.Before(tasks[j].Meta.CreatedAt)
		})

		w := tabwriter.NewWriter(os.Stdout, 0, 8, 2, ' ', 0)
		fmt.Fprintln(w, "ID\tSTATUS\tPRIORITY\tTARGET\tATTEMPTS\tAGE\tLAST ERROR")
		for _, t := range tasks {
			fmt.Fprintf(w, "%s\t%s\t%d\t%s\t%d/%d\t%s\t%s\n",
				t.ID,
				t.State.Status,
				t.Meta.Priority,
				t.Spec.Target,
				t.State.Attempts,
				t.Policy.MaxAttempts,
				age(t.Meta.CreatedAt),
				truncate(t.State.LastError, 60),
			)
		}
		return w.Flush()
	},
}

func init() {
	lsCmd.Flags().StringVar(&lsStatus, "status", "", "filter by status (PENDING, RUNNING, DONE, FAILED, ...)")
	rootCmd.AddCommand(lsCmd)
}

func age(t time.Time) string {
	if t.IsZero() {
		return "-"
	}
	return time.Since(t).Round(time.Second).String()
}

func truncate(s string, n int) string {
	if len(s) <= n {
		return s
	}
	return s[:n-3] + "..."
}
