package config

import (
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestParse_Defaults(t *testing.T) {
	cfg, err := Parse([]byte(`
relay:
  url: ws://localhost:8080/ws
surface:
  url: https://surface.example/chat
`))
	require.NoError(t, err)

	assert.Equal(t, "agent", cfg.Agent.ID)
	assert.Equal(t, DefaultReconnectDelay, cfg.Relay.ReconnectDelay)
	assert.Equal(t, DefaultInputSelector, cfg.Surface.InputSelector)
	assert.Equal(t, DefaultSubmitDelay, cfg.Surface.SubmitDelay)
	assert.Equal(t, DefaultSettleDelay, cfg.Collect.SettleDelay)
	assert.Equal(t, DefaultGraceDelay, cfg.Collect.GraceDelay)
	assert.Equal(t, DefaultStorageSegment, cfg.Collect.StorageSegment)
	assert.Equal(t, DefaultFilenameSuffix, cfg.Collect.FilenameSuffix)
	assert.False(t, cfg.Collect.AutoReload)
	assert.Empty(t, cfg.AuthToken())
}

func TestParse_Overrides(t *testing.T) {
	cfg, err := Parse([]byte(`
agent:
  id: studio-1
  signature: c2lnbmF0dXJl
relay:
  url: ws://relay:8080/ws
  reconnect_delay: 2s
surface:
  remote_url: ws://127.0.0.1:9222/devtools/browser/abc
  input_selector: "#prompt"
collect:
  settle_delay: 800ms
  auto_reload: true
  clear_state_on_complete: true
`))
	require.NoError(t, err)

	assert.Equal(t, 2*time.Second, cfg.Relay.ReconnectDelay)
	assert.Equal(t, "#prompt", cfg.Surface.InputSelector)
	assert.Equal(t, 800*time.Millisecond, cfg.Collect.SettleDelay)
	assert.True(t, cfg.Collect.AutoReload)
	assert.True(t, cfg.Collect.ClearStateOnComplete)
	assert.Equal(t, "studio-1:c2lnbmF0dXJl", cfg.AuthToken())
}

func TestParse_Required(t *testing.T) {
	_, err := Parse([]byte(`surface: {url: "https://x"}`))
	assert.ErrorContains(t, err, "relay.url")

	_, err = Parse([]byte(`relay: {url: "ws://x"}`))
	assert.ErrorContains(t, err, "surface.url")

	_, err = Parse([]byte("relay: [oops"))
	assert.ErrorContains(t, err, "parse config file")
}

func TestLoad(t *testing.T) {
	path := filepath.Join(t.TempDir(), "config.yaml")
	require.NoError(t, os.WriteFile(path, []byte("relay: {url: ws://x}\nsurface: {url: https://y}\n"), 0o600))

	cfg, err := Load(path)
	require.NoError(t, err)
	assert.Equal(t, "ws://x", cfg.Relay.URL)

	_, err = Load(filepath.Join(t.TempDir(), "missing.yaml"))
	assert.ErrorContains(t, err, "read config file")
}
