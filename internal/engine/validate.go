package engine

import (
	"encoding/json"
	"fmt"
	"regexp"
	"strings"

	"github.com/npasecink/chatling/internal/types"
)

// validateOutput checks collected text against the task's validation rules.
// The returned error is a task-content failure, not an infrastructure one.
func validateOutput(v types.Validation, text string) error {
	if v.MinLength > 0 && len(text) < v.MinLength {
		return fmt.Errorf("output length %d below minimum %d", len(text), v.MinLength)
	}

	lower := strings.ToLower(text)
	for _, term := range v.ForbiddenTerms {
		if term != "" && strings.Contains(lower, strings.ToLower(term)) {
			return fmt.Errorf("output contains forbidden term %q", term)
		}
	}

	if v.RequiredPattern != "" {
		re, err := regexp.Compile(v.RequiredPattern)
		if err != nil {
			return fmt.Errorf("bad required pattern %q: %w", v.RequiredPattern, err)
		}
		if !re.MatchString(text) {
			return fmt.Errorf("output does not match required pattern %q", v.RequiredPattern)
		}
	}

	switch v.Format {
	case "", "text":
	case "json":
		if !json.Valid([]byte(extractJSON(text))) {
			return fmt.Errorf("output is not valid JSON")
		}
	default:
		return fmt.Errorf("unknown output format %q", v.Format)
	}
	return nil
}

// extractJSON strips a markdown code fence around a JSON body, the common way
// chat UIs render structured answers.
func extractJSON(text string) string {
	trimmed := strings.TrimSpace(text)
	if !strings.HasPrefix(trimmed, "```") {
		return trimmed
	}
	trimmed = strings.TrimPrefix(trimmed, "```json")
	trimmed = strings.TrimPrefix(trimmed, "```")
	if idx := strings.LastIndex(trimmed, "```"); idx >= 0 {
		trimmed = trimmed[:idx]
	}
	return strings.TrimSpace(trimmed)
}
