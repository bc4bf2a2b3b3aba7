package app

import (
	"flag"
	"log/slog"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func writeConfig(t *testing.T, body string) string {
	t.Helper()
	p := filepath.Join(t.TempDir(), "config.yaml")
	require.NoError(t, os.WriteFile(p, []byte(body), 0o600))
	return p
}

func TestConfig_Defaults(t *testing.T) {
	var cfg Config
	cfg.RegisterFlagsAndApplyDefaults("", flag.NewFlagSet(t.Name(), flag.PanicOnError))

	assert.Equal(t, All, cfg.Target)
	assert.Equal(t, "info", cfg.LogLevel)
	assert.Equal(t, 8765, cfg.Server.HTTPListenPort)
	assert.Equal(t, "/", cfg.Relay.Path)
	assert.Equal(t, "ffmpeg", cfg.Relay.FFmpegPath)
	assert.Equal(t, 4096, cfg.Relay.FrameSize)
	assert.NoError(t, cfg.Relay.Validate())
}

func TestConfig_FlagOverride(t *testing.T) {
	var cfg Config
	fs := flag.NewFlagSet(t.Name(), flag.ContinueOnError)
	cfg.RegisterFlagsAndApplyDefaults("", fs)

	require.NoError(t, fs.Parse([]string{
		"-relay.max-sessions=3",
		"-relay.site-hosts=example.org,media.example",
		"-relay.first-byte-timeout=5s",
	}))

	assert.Equal(t, 3, cfg.Relay.MaxSessions)
	assert.Equal(t, []string{"example.org", "media.example"}, []string(cfg.Relay.SiteHosts))
	assert.Equal(t, 5*time.Second, cfg.Relay.FirstByteTimeout)
}

func TestLoadConfig(t *testing.T) {
	p := writeConfig(t, `
target: relay
log-level: debug
relay:
  path: /radio
  extract-mode: pipe
  link-mode: copy
  max-sessions: 4
  site-hosts: youtube.com,soundcloud.com
`)

	cfg, err := LoadConfig(p)
	require.NoError(t, err)
	assert.Equal(t, Relay, cfg.Target)
	assert.Equal(t, "debug", cfg.LogLevel)
	assert.Equal(t, "/radio", cfg.Relay.Path)
	assert.Equal(t, "pipe", cfg.Relay.ExtractMode)
	assert.Equal(t, "copy", cfg.Relay.LinkMode)
	assert.Equal(t, 4, cfg.Relay.MaxSessions)
	assert.Equal(t, []string{"youtube.com", "soundcloud.com"}, []string(cfg.Relay.SiteHosts))
}

func TestLoadConfig_UnknownField(t *testing.T) {
	p := writeConfig(t, "relay:\n  sample-rate: 22050\n")

	_, err := LoadConfig(p)
	assert.Error(t, err)
}

func TestLoadConfig_Missing(t *testing.T) {
	_, err := LoadConfig(filepath.Join(t.TempDir(), "nope.yaml"))
	assert.Error(t, err)
}

func TestNew(t *testing.T) {
	var cfg Config
	cfg.RegisterFlagsAndApplyDefaults("", flag.NewFlagSet(t.Name(), flag.PanicOnError))
	cfg.Target = ""

	a, err := New(cfg, *slog.Default())
	require.NoError(t, err)
	assert.Equal(t, All, a.cfg.Target)
	assert.NotNil(t, a.ModuleManager)
}
