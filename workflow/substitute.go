package workflow

import (
	"fmt"
	"strings"
)

// substituteString replaces {{key}} placeholders with the string form
// of the matching top-level context value. Unresolved placeholders are
// left verbatim so a miss is visible downstream rather than silently
// dropped.
func substituteString(text string, runContext map[string]interface{}) string {
	if !strings.Contains(text, "{{") {
		return text
	}
	for key, value := range runContext {
		placeholder := "{{" + key + "}}"
		if strings.Contains(text, placeholder) {
			text = strings.ReplaceAll(text, placeholder, fmt.Sprintf("%v", value))
		}
	}
	return text
}

// substituteValue recurses through strings, maps, and slices.
func substituteValue(value interface{}, runContext map[string]interface{}) interface{} {
	switch v := value.(type) {
	case string:
		return substituteString(v, runContext)
	case map[string]interface{}:
		return substituteMap(v, runContext)
	case []interface{}:
		out := make([]interface{}, len(v))
		for i, item := range v {
			out[i] = substituteValue(item, runContext)
		}
		return out
	default:
		return value
	}
}

// substituteMap returns a copy of params with placeholders resolved.
// The input map is never mutated; step params stay immutable across runs.
func substituteMap(params map[string]interface{}, runContext map[string]interface{}) map[string]interface{} {
	out := make(map[string]interface{}, len(params))
	for key, value := range params {
		out[key] = substituteValue(value, runContext)
	}
	return out
}
