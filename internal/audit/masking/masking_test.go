package masking

import (
	"testing"

	"github.com/stretchr/testify/assert"
)

func TestMaskSecret(t *testing.T) {
	assert.Equal(t, "sk_live_****wxyz", MaskSecret("sk_live_abcdefwxyz"))
	assert.Equal(t, "****", MaskSecret("abc"))
	assert.Equal(t, "", MaskSecret("  "))
}

func TestMaskMetadata(t *testing.T) {
	in := map[string]any{
		"reason":        "manual grant",
		"api_key":       "key_1234567890",
		"Authorization": "Bearer abcdefgh",
		"nested": map[string]any{
			"webhook_secret": "whsec_abcdefgh",
			"count":          3,
		},
		" ": "dropped",
	}

	out := MaskMetadata(in)
	assert.Equal(t, "manual grant", out["reason"])
	assert.Equal(t, "key_****7890", out["api_key"])
	assert.Equal(t, "****efgh", out["Authorization"])
	nested := out["nested"].(map[string]any)
	assert.Equal(t, "whsec_****efgh", nested["webhook_secret"])
	assert.Equal(t, 3, nested["count"])
	_, ok := out[""]
	assert.False(t, ok)
	assert.Nil(t, MaskMetadata(nil))
}
