package cli

import (
	"fmt"

	"github.com/spf13/cobra"

	"github.com/npasecink/chatling/internal/engine"
)

var pauseCmd = &cobra.Command{
	Use:   "pause",
	Short: "Pause task pickup",
	Long:  `Pause writes the control file so a running engine finishes its current task and then stops picking up new ones.`,
	RunE: func(cmd *cobra.Command, args []string) error {
		cfg, err := loadConfig()
		if err != nil {
			return err
		}
		if err := engine.WriteControl(cfg.ControlFile, engine.StatePaused); err != nil {
			return err
		}
		fmt.Println("Paused: the engine will finish its current task and idle")
		return nil
	},
}

var resumeCmd = &cobra.Command{
	Use:   "resume",
	Short: "Resume task pickup",
	RunE: func(cmd *cobra.Command, args []string) error {
		cfg, err := loadConfig()
		if err != nil {
			return err
		}
		if err := engine.WriteControl(cfg.ControlFile, engine.StateRun); err != nil {
			return err
		}
		fmt.Println("Resumed")
		return nil
	},
}

func init() {
	rootCmd.AddCommand(pauseCmd)
	rootCmd.AddCommand(resumeCmd)
}
