package cli

import (
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

const gmailSpecFixture = `
openapi: 3.0.0
info:
  title: Gmail API
  version: v1
servers:
  - url: https://gmail.googleapis.com
paths:
  /gmail/v1/users/{userId}/messages:
    get:
      operationId: gmail_users_messages_list
      summary: List messages
      parameters:
        - name: userId
          in: path
          required: true
          schema:
            type: string
  /gmail/v1/users/{userId}/profile:
    get:
      operationId: gmail_users_get_profile
      summary: Get profile
      parameters:
        - name: userId
          in: path
          required: true
          schema:
            type: string
`

func TestToolsCommand(t *testing.T) {
	configPath, _ := writeTestConfig(t)

	specDir := filepath.Join(filepath.Dir(configPath), "api_specs")
	require.NoError(t, os.MkdirAll(specDir, 0o755))
	require.NoError(t, os.WriteFile(filepath.Join(specDir, "gmail.yaml"), []byte(gmailSpecFixture), 0o644))

	output, err := runCommand(t, "tools", "--config", configPath)
	require.NoError(t, err)

	assert.Contains(t, output, "gmail_users_messages_list")
	assert.Contains(t, output, "gmail_users_get_profile")
	// Allow-listed operations the fixture spec does not declare.
	assert.Contains(t, output, "gmail_users_messages_send")
	assert.Contains(t, output, "(missing from spec)")
	// The calendar spec is absent entirely.
	assert.Contains(t, output, "calendar: failed to load")
}
