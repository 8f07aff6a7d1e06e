package cli

import (
	"fmt"

	"github.com/spf13/cobra"
)

var resetCmd = &cobra.Command{
	Use:   "reset <task-id>",
	Short: "Reset a failed or skipped task to PENDING",
	Long:  `Reset transitions a FAILED or SKIPPED task back to PENDING and clears its attempt counter so it is retried.`,
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

		if err := s.Reset(args[0]); err != nil {
			return fmt.Errorf("reset task: %w", err)
		}
		fmt.Printf("Task %s reset to PENDING\n", args[0])
		return nil
	},
}

func init() {
	rootCmd.AddCommand(resetCmd)
}
