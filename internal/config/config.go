// Package config loads conduit's configuration from defaults, an optional
// YAML file, CONDUIT_* environment variables and command-line flags.
package config

import (
	"errors"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/go-viper/mapstructure/v2"
	"github.com/spf13/pflag"
	"github.com/spf13/viper"
	"gopkg.in/yaml.v3"

	"github.com/peterje/conduit/internal/logging"
)

const (
	EnvPrefix  = "CONDUIT"
	configName = "config"
	configType = "yaml"
	redacted   = "<redacted>"
)

type Config struct {
	Log      LogConfig      `mapstructure:"log" yaml:"log"`
	StateDir string         `mapstructure:"state_dir" yaml:"state_dir"`
	Server   ServerConfig   `mapstructure:"server" yaml:"server"`
	Database DatabaseConfig `mapstructure:"database" yaml:"database"`
	Process  ProcessConfig  `mapstructure:"process" yaml:"process"`
	Shepherd ShepherdConfig `mapstructure:"shepherd" yaml:"shepherd"`
	Gateway  GatewayConfig  `mapstructure:"gateway" yaml:"gateway"`
	Tunnel   TunnelConfig   `mapstructure:"tunnel" yaml:"tunnel"`
}

type LogConfig struct {
	Level  string `mapstructure:"level" yaml:"level"`
	Format string `mapstructure:"format" yaml:"format"`
}

type ServerConfig struct {
	Host string `mapstructure:"host" yaml:"host"`
	Port int    `mapstructure:"port" yaml:"port"`
}

// Addr returns the listen address of the HTTP server.
func (s ServerConfig) Addr() string {
	return fmt.Sprintf("%s:%d", s.Host, s.Port)
}

type DatabaseConfig struct {
	Path string `mapstructure:"path" yaml:"path"`
}

// ProcessConfig tunes process supervision. Zero values select the built-in
// defaults of the process and session packages.
type ProcessConfig struct {
	ChunkSize   int           `mapstructure:"chunk_size" yaml:"chunk_size"`
	QueueDepth  int           `mapstructure:"queue_depth" yaml:"queue_depth"`
	StopGrace   time.Duration `mapstructure:"stop_grace" yaml:"stop_grace"`
	ReplayBytes int           `mapstructure:"replay_bytes" yaml:"replay_bytes"`
	ExitGrace   time.Duration `mapstructure:"exit_grace" yaml:"exit_grace"`
}

// MarshalYAML renders durations in their string form.
func (p ProcessConfig) MarshalYAML() (any, error) {
	return struct {
		ChunkSize   int    `yaml:"chunk_size"`
		QueueDepth  int    `yaml:"queue_depth"`
		StopGrace   string `yaml:"stop_grace"`
		ReplayBytes int    `yaml:"replay_bytes"`
		ExitGrace   string `yaml:"exit_grace"`
	}{p.ChunkSize, p.QueueDepth, p.StopGrace.String(), p.ReplayBytes, p.ExitGrace.String()}, nil
}

type ShepherdConfig struct {
	Enabled   bool   `mapstructure:"enabled" yaml:"enabled"`
	Autostart bool   `mapstructure:"autostart" yaml:"autostart"`
	Socket    string `mapstructure:"socket" yaml:"socket"`
}

type GatewayConfig struct {
	Port    int    `mapstructure:"port" yaml:"port"`
	TLSCert string `mapstructure:"tls_cert" yaml:"tls_cert"`
	TLSKey  string `mapstructure:"tls_key" yaml:"tls_key"`
	Token   string `mapstructure:"token" yaml:"token"`
	Secret  string `mapstructure:"secret" yaml:"secret"`
}

type TunnelConfig struct {
	URL       string `mapstructure:"url" yaml:"url"`
	Secret    string `mapstructure:"secret" yaml:"secret"`
	VerifyTLS bool   `mapstructure:"verify_tls" yaml:"verify_tls"`
}

// Defaults returns the built-in configuration values keyed by viper key.
// Every key is listed so environment overrides apply to all of them.
func Defaults() map[string]any {
	return map[string]any{
		"log.level":            string(logging.LevelInfo),
		"log.format":           string(logging.FormatStructured),
		"state_dir":            defaultStateDir(),
		"server.host":          "127.0.0.1",
		"server.port":          8800,
		"database.path":        "",
		"process.chunk_size":   32 * 1024,
		"process.queue_depth":  64,
		"process.stop_grace":   "5s",
		"process.replay_bytes": 100 * 1024,
		"process.exit_grace":   "50ms",
		"shepherd.enabled":     true,
		"shepherd.autostart":   true,
		"shepherd.socket":      "",
		"gateway.port":         443,
		"gateway.tls_cert":     "",
		"gateway.tls_key":      "",
		"gateway.token":        "",
		"gateway.secret":       "",
		"tunnel.url":           "",
		"tunnel.secret":        "",
		"tunnel.verify_tls":    false,
	}
}

// flagKeys maps command-line flags onto configuration keys.
var flagKeys = map[string]string{
	"log-level":    "log.level",
	"log-format":   "log.format",
	"state-dir":    "state_dir",
	"port":         "server.port",
	"host":         "server.host",
	"gateway-port": "gateway.port",
	"tunnel-url":   "tunnel.url",
}

// Loaded is a resolved configuration and the file it came from, if any.
type Loaded struct {
	Config
	File string
}

// Load resolves the configuration. An explicit file must exist; otherwise
// config.yaml is searched in the working directory and the state directory.
// Flags that were set on the command line take precedence over everything.
func Load(file string, flags *pflag.FlagSet) (Loaded, error) {
	v := viper.New()
	v.SetConfigName(configName)
	v.SetConfigType(configType)
	v.SetEnvPrefix(EnvPrefix)
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()

	for key, value := range Defaults() {
		v.SetDefault(key, value)
	}

	if file != "" {
		v.SetConfigFile(file)
	} else {
		v.AddConfigPath(".")
		v.AddConfigPath(defaultStateDir())
	}

	if err := v.ReadInConfig(); err != nil {
		var notFound viper.ConfigFileNotFoundError
		if file != "" || !errors.As(err, &notFound) {
			return Loaded{}, fmt.Errorf("read configuration: %w", err)
		}
	}

	if flags != nil {
		for name, key := range flagKeys {
			if f := flags.Lookup(name); f != nil && f.Changed {
				if err := v.BindPFlag(key, f); err != nil {
					return Loaded{}, fmt.Errorf("bind flag %s: %w", name, err)
				}
			}
		}
	}

	var cfg Config
	hook := viper.DecodeHook(mapstructure.ComposeDecodeHookFunc(
		mapstructure.StringToTimeDurationHookFunc(),
		mapstructure.StringToSliceHookFunc(","),
	))
	if err := v.Unmarshal(&cfg, hook); err != nil {
		return Loaded{}, fmt.Errorf("parse configuration: %w", err)
	}

	cfg.resolve()
	if err := cfg.Validate(); err != nil {
		return Loaded{}, err
	}
	return Loaded{Config: cfg, File: v.ConfigFileUsed()}, nil
}

// resolve expands ~ and fills the paths that derive from the state directory.
func (c *Config) resolve() {
	c.StateDir = expandHome(c.StateDir)
	if c.Database.Path == "" {
		c.Database.Path = filepath.Join(c.StateDir, "conduit.db")
	}
	c.Database.Path = expandHome(c.Database.Path)
	c.Shepherd.Socket = expandHome(c.Shepherd.Socket)
	c.Gateway.TLSCert = expandHome(c.Gateway.TLSCert)
	c.Gateway.TLSKey = expandHome(c.Gateway.TLSKey)
}

func (c Config) Validate() error {
	if err := logging.Validate(logging.Level(c.Log.Level), logging.Format(c.Log.Format)); err != nil {
		return err
	}
	if c.StateDir == "" {
		return errors.New("state_dir must be set")
	}
	if c.Server.Port < 0 || c.Server.Port > 65535 {
		return fmt.Errorf("server.port out of range: %d", c.Server.Port)
	}
	if c.Gateway.Port < 0 || c.Gateway.Port > 65535 {
		return fmt.Errorf("gateway.port out of range: %d", c.Gateway.Port)
	}
	if c.Process.ChunkSize < 0 || c.Process.QueueDepth < 0 || c.Process.ReplayBytes < 0 {
		return errors.New("process sizes must not be negative")
	}
	if c.Process.StopGrace < 0 || c.Process.ExitGrace < 0 {
		return errors.New("process durations must not be negative")
	}
	if c.Tunnel.URL != "" && c.Tunnel.Secret == "" {
		return errors.New("tunnel.secret is required when tunnel.url is set")
	}
	if (c.Gateway.TLSCert == "") != (c.Gateway.TLSKey == "") {
		return errors.New("gateway.tls_cert and gateway.tls_key must be set together")
	}
	return nil
}

// Redacted returns a copy with secrets masked.
func (c Config) Redacted() Config {
	mask := func(s *string) {
		if *s != "" {
			*s = redacted
		}
	}
	mask(&c.Gateway.Token)
	mask(&c.Gateway.Secret)
	mask(&c.Tunnel.Secret)
	return c
}

// WriteYAML writes the configuration with secrets masked.
func (c Config) WriteYAML(w io.Writer) error {
	enc := yaml.NewEncoder(w)
	enc.SetIndent(2)
	if err := enc.Encode(c.Redacted()); err != nil {
		return fmt.Errorf("encode configuration: %w", err)
	}
	return enc.Close()
}

func defaultStateDir() string {
	home, err := os.UserHomeDir()
	if err != nil {
		return filepath.Join(os.TempDir(), "conduit")
	}
	return filepath.Join(home, ".conduit")
}

func expandHome(path string) string {
	if path != "~" && !strings.HasPrefix(path, "~/") {
		return path
	}
	home, err := os.UserHomeDir()
	if err != nil {
		return path
	}
	return filepath.Join(home, strings.TrimPrefix(path, "~"))
}
