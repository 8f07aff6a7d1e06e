package cli

import (
	"fmt"
	"time"

	"github.com/spf13/cobra"
)

var showCmd = &cobra.Command{
	Use:   "show <task-id>",
	Short: "Show a task's details and history",
	Args:  cobra.ExactArgs(1),
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

		task, err := s.Get(args[0])
		if err != nil {
			return fmt.Errorf("get task: %w", err)
		}

		fmt.Println("Task Details:")
		fmt.Printf("  ID:         %s\n", task.ID)
		fmt.Printf("  Status:     %s\n", task.State.Status)
		fmt.Printf("  Target:     %s\n", task.Spec.Target)
		if task.Spec.Model != "" {
			fmt.Printf("  Model:      %s\n", task.Spec.Model)
		}
		fmt.Printf("  Priority:   %d\n", task.Meta.Priority)
		fmt.Printf("  Attempts:   %d/%d\n", task.State.Attempts, task.Policy.MaxAttempts)
		fmt.Printf("  Created:    %s\n", task.Meta.CreatedAt.Format(time.RFC3339))
		if task.State.StartedAt != nil {
			fmt.Printf("  Started:    %s\n", task.State.StartedAt.Format(time.RFC3339))
		}
		if task.State.CompletedAt != nil {
			fmt.Printf("  Completed:  %s\n", task.State.CompletedAt.Format(time.RFC3339))
		}
		if len(task.Policy.DependsOn) > 0 {
			fmt.Printf("  Depends on: %v\n", task.Policy.DependsOn)
		}
		if task.State.LastError != "" {
			fmt.Printf("  Last error: %s\n", task.State.LastError)
		}
		if task.Result.OutputPath != "" {
			fmt.Printf("  Output:     %s\n", task.Result.OutputPath)
		}
		if task.Result.FinishReason != "" {
			fmt.Printf("  Finish:     %s\n", task.Result.FinishReason)
		}
		if m := task.State.Metrics; m.DurationMS > 0 {
			fmt.Printf("  Duration:   %dms (first chunk %dms, %d continuations, %d bytes)\n",
				m.DurationMS, m.FirstChunkMS, m.Continuations, m.ResponseLength)
		}

		if len(task.State.History) > 0 {
			fmt.Println("\nHistory:")
			for _, ev := range task.State.History {
				line := fmt.Sprintf("  %s  %s", ev.At.Format(time.RFC3339), ev.Event)
				if ev.Message != "" {
					line += "  " + ev.Message
				}
				fmt.Println(line)
			}
		}
		return nil
	},
}

func init() {
	rootCmd.AddCommand(showCmd)
}
