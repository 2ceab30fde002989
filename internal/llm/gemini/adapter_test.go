package gemini

import (
	"encoding/base64"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/promptgate/promptgate/internal/keyring"
	"github.com/promptgate/promptgate/internal/llm"
)

func testAdapter(t *testing.T) *Adapter {
	t.Helper()
	rot, err := keyring.NewRotator([]string{"k1"})
	require.NoError(t, err)
	return New(llm.Config{Provider: llm.ProviderGemini, ModelName: "gemini-2.0-flash"}, rot)
}

func TestPayloadTextOnlySinglePart(t *testing.T) {
	a := testAdapter(t)
	p := a.payload([]llm.Message{{Role: "user", Content: "hello"}}, "", llm.Params{})

	contents := p["contents"].([]map[string]any)
	require.Len(t, contents, 1)
	parts := contents[0]["parts"].([]map[string]any)
	require.Len(t, parts, 1)
	assert.Equal(t, "hello", parts[0]["text"])
}

func TestPayloadEncodesInlineImage(t *testing.T) {
	a := testAdapter(t)
	raw := []byte{0x89, 'P', 'N', 'G'}
	msg := llm.Message{Role: "user", Content: "caption this", ImageData: raw, MediaType: "image/png"}
	p := a.payload([]llm.Message{msg}, "", llm.Params{})

	contents := p["contents"].([]map[string]any)
	require.Len(t, contents, 1)
	parts := contents[0]["parts"].([]map[string]any)
	require.Len(t, parts, 2)

	inline := parts[1]["inlineData"].(map[string]string)
	assert.Equal(t, "image/png", inline["mimeType"])
	assert.Equal(t, base64.StdEncoding.EncodeToString(raw), inline["data"])
}
