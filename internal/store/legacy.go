package store

import (
	"encoding/json"
	"strings"
)

// UpgradeLegacy structurally upgrades a flat v0 task record into the nested
// shape. Records that already carry a "spec" object pass through unchanged, so
// the adaptation is idempotent. Recognized legacy fields are relocated
// losslessly; unrecognized keys are preserved under "extra".
func UpgradeLegacy(data []byte) (out []byte, upgraded bool, err error) {
	var raw map[string]json.RawMessage
	if err := json.Unmarshal(data, &raw); err != nil {
		return nil, false, err
	}

	if _, hasSpec := raw["spec"]; hasSpec {
		return data, false, nil
	}
	// Only treat a record as legacy if it carries the v0 payload field;
	// anything else is simply malformed.
	if _, hasPrompt := raw["prompt"]; !hasPrompt {
		return data, false, nil
	}

	meta := map[string]any{}
	spec := map[string]any{"payload": map[string]any{}}
	policy := map[string]any{}
	state := map[string]any{}
	result := map[string]any{}
	upgradedTask := map[string]any{
		"meta": meta, "spec": spec, "policy": policy, "state": state,
	}

	payload := spec["payload"].(map[string]any)
	config := map[string]any{}

	setStr := func(dst map[string]any, key string, msg json.RawMessage) {
		var s string
		if json.Unmarshal(msg, &s) == nil {
			dst[key] = s
		}
	}

	extra := map[string]json.RawMessage{}
	for key, val := range raw {
		switch key {
		case "id":
			setStr(upgradedTask, "id", val)
		case "prompt":
			setStr(payload, "user", val)
		case "system":
			setStr(payload, "system", val)
		case "target":
			setStr(spec, "target", val)
		case "model":
			setStr(spec, "model", val)
		case "priority":
			var n int
			if json.Unmarshal(val, &n) == nil {
				meta["priority"] = n
			}
		case "created_at":
			meta["createdAt"] = json.RawMessage(val)
		case "status":
			var s string
			if json.Unmarshal(val, &s) == nil {
				state["status"] = strings.ToUpper(s)
			}
		case "attempts":
			var n int
			if json.Unmarshal(val, &n) == nil {
				state["attempts"] = n
			}
		case "max_attempts":
			var n int
			if json.Unmarshal(val, &n) == nil {
				policy["maxAttempts"] = n
			}
		case "depends_on":
			policy["dependsOn"] = json.RawMessage(val)
		case "error":
			setStr(state, "lastError", val)
		case "output_path":
			setStr(result, "outputPath", val)
		case "session_id":
			setStr(config, "sessionId", val)
		case "tags":
			meta["tags"] = json.RawMessage(val)
		case "source":
			setStr(meta, "source", val)
		default:
			extra[key] = val
		}
	}

	if len(config) > 0 {
		spec["config"] = config
	}
	if len(result) > 0 {
		upgradedTask["result"] = result
	}
	if len(extra) > 0 {
		upgradedTask["extra"] = extra
	}

	out, err = json.Marshal(upgradedTask)
	if err != nil {
		return nil, false, err
	}
	return out, true, nil
}
