package config

import (
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestParseAppliesDefaults(t *testing.T) {
	c, err := Parse([]byte("logging:\n  json: true\n"))
	require.NoError(t, err)

	assert.Equal(t, "0.0.0.0", c.HTTP.Bind)
	assert.Equal(t, 3000, c.HTTP.Port)
	assert.Equal(t, "info", c.Logging.Level)
	assert.True(t, c.Logging.JSON)
	assert.Equal(t, 1024, c.Events.LogCapacity)
	assert.Equal(t, 32, c.Events.MaxDepth)
	assert.Equal(t, 4, c.Plugins.Concurrency)
	assert.Contains(t, c.Plugins.Builtin, "articles")
}

func TestLoadFile(t *testing.T) {
	path := filepath.Join(t.TempDir(), "kernel.yaml")
	doc := `
http:
  port: 9090
plugins:
  dir: /opt/plugins
  manifest: /opt/plugins/plugins.json
  watch: true
  builtin: []
  config:
    push-notifications:
      channel: fcm
events:
  log_capacity: 10
  max_depth: 4
  audit_db: /var/lib/echopbx/audit.db
`
	require.NoError(t, os.WriteFile(path, []byte(doc), 0o644))

	c, err := Load(path)
	require.NoError(t, err)
	assert.Equal(t, 9090, c.HTTP.Port)
	assert.Equal(t, "/opt/plugins", c.Plugins.Dir)
	assert.True(t, c.Plugins.Watch)
	assert.Empty(t, c.Plugins.Builtin)
	assert.Equal(t, "fcm", c.PluginConfig("push-notifications")["channel"])
	assert.NotNil(t, c.PluginConfig("unknown"))
	assert.Equal(t, 10, c.Events.LogCapacity)
	assert.Equal(t, 4, c.Events.MaxDepth)
	assert.Equal(t, "/var/lib/echopbx/audit.db", c.Events.AuditDB)
}

func TestLoadMissingFile(t *testing.T) {
	_, err := Load(filepath.Join(t.TempDir(), "nope.yaml"))
	require.Error(t, err)
}

func TestParseInvalidYAML(t *testing.T) {
	_, err := Parse([]byte("http: [unterminated"))
	require.Error(t, err)
}

func TestNegativeLogCapacityIsKept(t *testing.T) {
	c, err := Parse([]byte("events:\n  log_capacity: -1\n"))
	require.NoError(t, err)
	assert.Equal(t, -1, c.Events.LogCapacity)
}
