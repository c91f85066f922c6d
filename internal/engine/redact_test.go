package engine

import (
	"testing"

	"github.com/stretchr/testify/assert"
)

func TestRedactSecrets(t *testing.T) {
	result := map[string]any{
		"success": true,
		"token":   "sk-live-12345",
		"data": map[string]any{
			"api_key": "abc",
			"body":    "kept",
		},
	}

	redacted := redactSecrets(result)
	assert.Equal(t, "[REDACTED]", redacted["token"])
	data := redacted["data"].(map[string]any)
	assert.Equal(t, "[REDACTED]", data["api_key"])
	assert.Equal(t, "kept", data["body"])
	assert.Equal(t, true, redacted["success"])

	// Input is not mutated.
	assert.Equal(t, "sk-live-12345", result["token"])
}

func TestRedactSecretsNoSecrets(t *testing.T) {
	result := map[string]any{"success": true, "data": map[string]any{"x": 1.0}}
	assert.Equal(t, result, redactSecrets(result))
	assert.Nil(t, redactSecrets(nil))
}
