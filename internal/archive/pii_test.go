package archive

import (
	"testing"

	"github.com/stretchr/testify/assert"
)

func TestHashPhone(t *testing.T) {
	h1 := HashPhone("+4915112345678")
	h2 := HashPhone("+4915112345678")
	h3 := HashPhone("+4917098765432")

	assert.Equal(t, h1, h2, "same input should produce same hash")
	assert.NotEqual(t, h1, h3, "different input should produce different hash")
	assert.Len(t, h1, 64, "SHA-256 hex should be 64 chars")
	assert.Empty(t, HashPhone(""))
}

func TestScrubPII(t *testing.T) {
	tests := []struct {
		name   string
		input  string
		expect string
	}{
		{"email", "contact me at max@example.com please", "contact me at [EMAIL] please"},
		{"international", "Ruf mich an: +49 151 1234567", "Ruf mich an: [PHONE]"},
		{"compact", "+4915112345678", "[PHONE]"},
		{"national", "Tel 0151/1234567 bitte", "Tel [PHONE] bitte"},
		{"both", "mail: a@b.de tel: +4915112345678", "mail: [EMAIL] tel: [PHONE]"},
		{"no pii", "Deal 4711 won", "Deal 4711 won"},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			assert.Equal(t, tt.expect, ScrubPII(tt.input))
		})
	}
}

func TestScrubPayloadIsDeepCopy(t *testing.T) {
	payload := map[string]any{
		"current": map[string]any{
			"name":  "Max Mustermann",
			"phone": []any{map[string]any{"value": "+4915112345678"}},
		},
		"id": float64(42),
	}
	scrubbed := ScrubPayload(payload)

	current := scrubbed["current"].(map[string]any)
	assert.Equal(t, "Max Mustermann", current["name"])
	assert.Equal(t, "[PHONE]", current["phone"].([]any)[0].(map[string]any)["value"])
	assert.Equal(t, float64(42), scrubbed["id"])

	original := payload["current"].(map[string]any)["phone"].([]any)[0].(map[string]any)
	assert.Equal(t, "+4915112345678", original["value"])
}
