package engine

import (
	"errors"
	"fmt"
	"os"
	"regexp"

	"github.com/npasecink/chatling/internal/store"
	"github.com/npasecink/chatling/internal/types"
)

// refPattern matches {{task:<id>}} placeholders in a prompt.
var refPattern = regexp.MustCompile(`\{\{task:([A-Za-z0-9._-]+)\}\}`)

// ErrUnresolvedReference is returned when a referenced task has no usable
// output yet.
var ErrUnresolvedReference = errors.New("unresolved task reference")

// resolveReferences substitutes {{task:<id>}} placeholders with the output of
// the referenced tasks. A reference to a task that is not DONE, or whose
// output artifact is unreadable, is a content failure for this task: the
// scheduler's dependency gating should have prevented pickup, so reaching
// here means the task referenced something it never declared a dependency on.
func resolveReferences(prompt string, s *store.Store) (string, error) {
	var resolveErr error
	out := refPattern.ReplaceAllStringFunc(prompt, func(match string) string {
		if resolveErr != nil {
			return match
		}
		id := refPattern.FindStringSubmatch(match)[1]

		ref, err := s.Get(id)
		if err != nil {
			resolveErr = fmt.Errorf("%w: task %s: %v", ErrUnresolvedReference, id, err)
			return match
		}
		if ref.State.Status != types.TaskDone || ref.Result.OutputPath == "" {
			resolveErr = fmt.Errorf("%w: task %s is %s with no output", ErrUnresolvedReference, id, ref.State.Status)
			return match
		}
		content, err := os.ReadFile(ref.Result.OutputPath)
		if err != nil {
			resolveErr = fmt.Errorf("%w: task %s output: %v", ErrUnresolvedReference, id, err)
			return match
		}
		return string(content)
	})
	if resolveErr != nil {
		return "", resolveErr
	}
	return out, nil
}
