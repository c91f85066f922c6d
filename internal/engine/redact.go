package engine

import (
	"encoding/json"

	"github.com/tidwall/gjson"
	"github.com/tidwall/sjson"
)

// secretKeys are field names masked before an action result is persisted.
var secretKeys = []string{
	"token", "access_token", "refresh_token", "api_key", "apikey",
	"password", "secret", "client_secret", "authorization",
}

const redactedValue = "[REDACTED]"

// redactSecrets masks credential-looking fields at the top level of the
// result envelope and one level inside its "data" mapping. The input is not
// mutated.
func redactSecrets(result map[string]any) map[string]any {
	if len(result) == 0 {
		return result
	}
	raw, err := json.Marshal(result)
	if err != nil {
		return result
	}

	doc := string(raw)
	changed := false
	for _, key := range secretKeys {
		for _, path := range []string{key, "data." + key} {
			if gjson.Get(doc, path).Exists() {
				if updated, err := sjson.Set(doc, path, redactedValue); err == nil {
					doc = updated
					changed = true
				}
			}
		}
	}
	if !changed {
		return result
	}

	var out map[string]any
	if err := json.Unmarshal([]byte(doc), &out); err != nil {
		return result
	}
	return out
}
