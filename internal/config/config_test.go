package config

import (
	"bytes"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/spf13/pflag"
	"github.com/stretchr/testify/require"
	"gopkg.in/yaml.v3"
)

func writeConfig(t *testing.T, body string) string {
	t.Helper()
	path := filepath.Join(t.TempDir(), "conduit.yaml")
	require.NoError(t, os.WriteFile(path, []byte(body), 0o644))
	return path
}

func TestLoadDefaults(t *testing.T) {
	t.Chdir(t.TempDir())
	t.Setenv("HOME", t.TempDir())

	loaded, err := Load("", nil)
	require.NoError(t, err)
	require.Empty(t, loaded.File)

	cfg := loaded.Config
	require.Equal(t, "info", cfg.Log.Level)
	require.Equal(t, "structured", cfg.Log.Format)
	require.Equal(t, "127.0.0.1:8800", cfg.Server.Addr())
	require.Equal(t, filepath.Join(cfg.StateDir, "conduit.db"), cfg.Database.Path)
	require.Equal(t, 5*time.Second, cfg.Process.StopGrace)
	require.Equal(t, 50*time.Millisecond, cfg.Process.ExitGrace)
	require.Equal(t, 100*1024, cfg.Process.ReplayBytes)
	require.True(t, cfg.Shepherd.Enabled)
	require.Equal(t, 443, cfg.Gateway.Port)
}

func TestLoadFileEnvAndFlags(t *testing.T) {
	path := writeConfig(t, `
log:
  level: debug
state_dir: /var/lib/conduit
server:
  port: 9000
process:
  stop_grace: 2s
  replay_bytes: 4096
shepherd:
  enabled: false
`)
	t.Setenv("CONDUIT_SERVER_PORT", "9100")
	t.Setenv("CONDUIT_PROCESS_EXIT_GRACE", "10ms")

	flags := pflag.NewFlagSet("test", pflag.ContinueOnError)
	flags.String("log-level", "", "")
	flags.String("log-format", "", "")
	flags.Int("port", 0, "")
	require.NoError(t, flags.Parse([]string{"--log-format", "console"}))

	loaded, err := Load(path, flags)
	require.NoError(t, err)
	require.Equal(t, path, loaded.File)

	cfg := loaded.Config
	require.Equal(t, "debug", cfg.Log.Level, "file value")
	require.Equal(t, "console", cfg.Log.Format, "flag value")
	require.Equal(t, 9100, cfg.Server.Port, "env beats file")
	require.Equal(t, 2*time.Second, cfg.Process.StopGrace)
	require.Equal(t, 10*time.Millisecond, cfg.Process.ExitGrace)
	require.Equal(t, 4096, cfg.Process.ReplayBytes)
	require.False(t, cfg.Shepherd.Enabled)
	require.Equal(t, "/var/lib/conduit/conduit.db", cfg.Database.Path)
}

func TestLoadExpandsHome(t *testing.T) {
	home := t.TempDir()
	t.Setenv("HOME", home)
	path := writeConfig(t, "state_dir: ~/state\n")

	loaded, err := Load(path, nil)
	require.NoError(t, err)
	require.Equal(t, filepath.Join(home, "state"), loaded.StateDir)
}

func TestLoadErrors(t *testing.T) {
	for _, tc := range []struct {
		name string
		body string
		want string
	}{
		{"bad level", "log:\n  level: loud\n", "unsupported log level"},
		{"bad format", "log:\n  format: xml\n", "unsupported log format"},
		{"bad port", "server:\n  port: 70000\n", "server.port"},
		{"negative grace", "process:\n  stop_grace: -1s\n", "durations"},
		{"tunnel without secret", "tunnel:\n  url: wss://example.com/tunnel\n", "tunnel.secret"},
		{"half tls pair", "gateway:\n  tls_cert: cert.pem\n", "tls_key"},
		{"malformed yaml", "log: [\n", "read configuration"},
		{"bad duration", "process:\n  stop_grace: soon\n", "parse configuration"},
	} {
		t.Run(tc.name, func(t *testing.T) {
			_, err := Load(writeConfig(t, tc.body), nil)
			require.ErrorContains(t, err, tc.want)
		})
	}

	_, err := Load(filepath.Join(t.TempDir(), "missing.yaml"), nil)
	require.Error(t, err)
}

func TestWriteYAMLRedactsSecrets(t *testing.T) {
	cfg := Config{
		Log:     LogConfig{Level: "info", Format: "console"},
		Process: ProcessConfig{StopGrace: 3 * time.Second},
		Gateway: GatewayConfig{Token: "tok", Secret: "sec"},
		Tunnel:  TunnelConfig{URL: "wss://gw/tunnel", Secret: "sec"},
	}

	var buf bytes.Buffer
	require.NoError(t, cfg.WriteYAML(&buf))
	require.NotContains(t, buf.String(), "tok\n")

	var out struct {
		Gateway map[string]any `yaml:"gateway"`
		Tunnel  map[string]any `yaml:"tunnel"`
		Process map[string]any `yaml:"process"`
	}
	require.NoError(t, yaml.Unmarshal(buf.Bytes(), &out))
	require.Equal(t, redacted, out.Gateway["token"])
	require.Equal(t, redacted, out.Tunnel["secret"])
	require.Equal(t, "wss://gw/tunnel", out.Tunnel["url"])
	require.Equal(t, "3s", out.Process["stop_grace"])

	require.Equal(t, "tok", cfg.Gateway.Token, "original untouched")
}
