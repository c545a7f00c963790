package runtime

import (
	"encoding/json"
	"fmt"
	"os"
	"sort"
	"strings"
)

// overlayEnv applies agent env overrides on top of a base environment.
// A nil base means the current process environment. Override semantics:
// nil removes the variable, strings pass through, other scalars are
// stringified and composite values are JSON-encoded.
func overlayEnv(base []string, overrides map[string]any) []string {
	if base == nil {
		base = os.Environ()
	}

	merged := make(map[string]string, len(base)+len(overrides))
	for _, kv := range base {
		if i := strings.IndexByte(kv, '='); i >= 0 {
			merged[kv[:i]] = kv[i+1:]
		}
	}

	for key, value := range overrides {
		if value == nil {
			delete(merged, key)
			continue
		}
		merged[key] = envValue(value)
	}

	keys := make([]string, 0, len(merged))
	for key := range merged {
		keys = append(keys, key)
	}
	sort.Strings(keys)

	env := make([]string, 0, len(keys))
	for _, key := range keys {
		env = append(env, key+"="+merged[key])
	}
	return env
}

func envValue(value any) string {
	switch v := value.(type) {
	case string:
		return v
	case bool:
		return fmt.Sprintf("%t", v)
	case float64:
		// JSON numbers decode as float64; keep integers clean.
		if v == float64(int64(v)) {
			return fmt.Sprintf("%d", int64(v))
		}
		return fmt.Sprintf("%g", v)
	case int:
		return fmt.Sprintf("%d", v)
	default:
		data, err := json.Marshal(v)
		if err != nil {
			return fmt.Sprintf("%v", v)
		}
		return string(data)
	}
}
