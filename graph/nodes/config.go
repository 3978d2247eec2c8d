package nodes

// Standard partial-update keys written by the builtin executors.
const (
	// KeyBranch is the routing decision key branching nodes must set.
	KeyBranch = "branch"

	KeyTransformOutput = "transform_output"
	KeyFinalOutput     = "final_output"
	KeyConditionOutput = "condition_output"
	KeyLLMOutput       = "llm_output"
	KeyToolOutput      = "tool_output"
	KeyHumanOutput     = "human_output"
	KeyApprovalOutput  = "approval_output"
)

// Branch handles used by the approval executor.
const (
	HandleApprove = "approve"
	HandleReject  = "reject"
)

func configString(config map[string]any, key, fallback string) string {
	if v, ok := config[key].(string); ok && v != "" {
		return v
	}
	return fallback
}

func configMap(config map[string]any, key string) map[string]any {
	m, _ := config[key].(map[string]any)
	return m
}

func configInt(config map[string]any, key string, fallback int) int {
	switch v := config[key].(type) {
	case int:
		return v
	case float64:
		return int(v)
	}
	return fallback
}

func configFloat(config map[string]any, key string, fallback float64) float64 {
	switch v := config[key].(type) {
	case float64:
		return v
	case int:
		return float64(v)
	}
	return fallback
}

func configStrings(config map[string]any, key string) []string {
	switch v := config[key].(type) {
	case []string:
		return v
	case []any:
		out := make([]string, 0, len(v))
		for _, item := range v {
			if s, ok := item.(string); ok {
				out = append(out, s)
			}
		}
		return out
	}
	return nil
}
