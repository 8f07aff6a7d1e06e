package cli

import (
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/spf13/cobra"

	"github.com/npasecink/chatling/internal/store"
	"github.com/npasecink/chatling/internal/types"
)

var (
	addID          string
	addTarget      string
	addSystem      string
	addPriority    int
	addMaxAttempts int
	addDependsOn   []string
	addTags        []string
)

var addCmd = &cobra.Command{
	Use:   "add <prompt>",
	Short: "Enqueue a new task",
	Long: `Add writes a new PENDING task into the queue directory. The prompt argument
becomes the user message; target, priority, and retry policy come from flags.
When --id is omitted a random id is generated.`,
	Args: cobra.ExactArgs(1),
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

		id := addID
		if id == "" {
			id = uuid.NewString()
		}
		if !types.IDPattern.MatchString(id) {
			return fmt.Errorf("invalid task id %q", id)
		}
		if _, err := s.Get(id); err == nil {
			return fmt.Errorf("task %s already exists", id)
		} else if !errors.Is(err, store.ErrTaskNotFound) {
			return fmt.Errorf("check task id: %w", err)
		}

		task := types.Task{
			ID: id,
			Meta: types.Meta{
				Priority:  addPriority,
				CreatedAt: time.Now().UTC(),
				Source:    "cli",
				Tags:      addTags,
			},
			Spec: types.Spec{
				Target: addTarget,
				Payload: types.Payload{
					System: addSystem,
					User:   args[0],
				},
			},
			Policy: types.Policy{
				MaxAttempts: addMaxAttempts,
				Timeout:     types.Timeout{Auto: true},
				DependsOn:   addDependsOn,
			},
			State: types.State{Status: types.TaskPending},
		}
		task.AppendHistory("created", "enqueued via cli")

		if err := s.Save(task); err != nil {
			return fmt.Errorf("save task: %w", err)
		}
		fmt.Println(id)
		return nil
	},
}

func init() {
	addCmd.Flags().StringVar(&addID, "id", "", "Task id (generated when empty)")
	addCmd.Flags().StringVar(&addTarget, "target", "chatgpt", "Chat target the task runs against")
	addCmd.Flags().StringVar(&addSystem, "system", "", "System message sent before the prompt")
	addCmd.Flags().IntVar(&addPriority, "priority", 50, "Scheduling priority (higher runs first)")
	addCmd.Flags().IntVar(&addMaxAttempts, "max-attempts", 3, "Attempts before the task stays FAILED")
	addCmd.Flags().StringSliceVar(&addDependsOn, "depends-on", nil, "Task ids that must be DONE first")
	addCmd.Flags().StringSliceVar(&addTags, "tags", nil, "Free-form tags recorded in task metadata")
	rootCmd.AddCommand(addCmd)
}
