package logger

import (
	"bytes"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestRedactor(t *testing.T) {
	r := NewRedactor()

	t.Run("should redact openai api keys", func(t *testing.T) {
		out := r.Redact("using key sk-proj-abcdefghijklmnopqrstuvwx for provider")
		assert.NotContains(t, out, "sk-proj-abcdefghijklmnopqrstuvwx")
		assert.Contains(t, out, "[REDACTED]")
	})

	t.Run("should redact google client secrets", func(t *testing.T) {
		out := r.Redact("oauth config 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 loaded")
		assert.NotContains(t, out, "GOCSPX-")
	})

	t.Run("should redact authorization codes in pasted urls", func(t *testing.T) {
		out := r.Redact("http://localhost:8000/callback?state=x&code=4%2F0AdQt8qh-longcodevalue&scope=email")
		assert.NotContains(t, out, "4%2F0AdQt8qh-longcodevalue")
	})

	t.Run("should redact access tokens", func(t *testing.T) {
		out := r.Redact("got token ya29.a0AfB_byDEADBEEFtoken")
		assert.NotContains(t, out, "ya29.a0AfB_byDEADBEEFtoken")
	})

	t.Run("should redact bearer headers", func(t *testing.T) {
		out := r.Redact("Authorization: Bearer abc.def-ghi_jkl")
		assert.NotContains(t, out, "abc.def-ghi_jkl")
	})

	t.Run("should leave ordinary text alone", func(t *testing.T) {
		msg := "listing calendar events for primary"
		assert.Equal(t, msg, r.Redact(msg))
	})

	t.Run("should support custom patterns", func(t *testing.T) {
		require.NoError(t, r.AddPattern(`session-[0-9]+`))
		out := r.Redact("bound to session-12345")
		assert.NotContains(t, out, "session-12345")
	})

	t.Run("should reject invalid custom patterns", func(t *testing.T) {
		assert.Error(t, r.AddPattern("("))
	})
}

func TestRedactingWriter(t *testing.T) {
	var buf bytes.Buffer
	r := NewRedactor()
	w := r.Wrap(&buf)

	_, err := w.Write([]byte(`{"level":"info","client_secret":"GOCSPX-topsecretvalue","msg":"auth configured"}`))
	require.NoError(t, err)

	assert.NotContains(t, buf.String(), "GOCSPX-topsecretvalue")
	assert.Contains(t, buf.String(), "auth configured")
}
