package main

import (
	"fmt"
	"os"
	"path/filepath"
	"strconv"
	"strings"
	"time"

	toml "github.com/pelletier/go-toml/v2"
	"github.com/spf13/cobra"

	"github.com/relink-io/relink"
)

// ============================================================================
// Config types
// ============================================================================

// Config represents the CLI configuration stored in ~/.relink/config.toml.
type Config struct {
	Connection ConfigConnection `toml:"connection"`
}

// ConfigConnection holds the default connection settings.
type ConfigConnection struct {
	URI           string `toml:"uri"`
	Transport     string `toml:"transport"`
	RetryInterval string `toml:"retry_interval"`
	AutoConnect   bool   `toml:"auto_connect"`
}

// ============================================================================
// Config helpers
// ============================================================================

// configDir returns the path to ~/.relink, creating it if needed.
func configDir() (string, error) {
	home, err := os.UserHomeDir()
	if err != nil {
		return "", fmt.Errorf("cannot determine home directory: %w", err)
	}
	dir := filepath.Join(home, ".relink")
	if err := os.MkdirAll(dir, 0o700); err != nil {
		return "", fmt.Errorf("cannot create config directory: %w", err)
	}
	return dir, nil
}

// configPath returns the full path to the config file.
func configPath() (string, error) {
	dir, err := configDir()
	if err != nil {
		return "", err
	}
	return filepath.Join(dir, "config.toml"), nil
}

// loadConfig reads and parses the config file.
// If the file does not exist, it returns a zero-value Config.
func loadConfig() (*Config, error) {
	path, err := configPath()
	if err != nil {
		return nil, err
	}
	data, err := os.ReadFile(path)
	if err != nil {
		if os.IsNotExist(err) {
			return &Config{}, nil
		}
		return nil, fmt.Errorf("cannot read config: %w", err)
	}
	var cfg Config
	if err := toml.Unmarshal(data, &cfg); err != nil {
		return nil, fmt.Errorf("cannot parse config: %w", err)
	}
	return &cfg, nil
}

// saveConfig writes the config struct back to disk as TOML.
func saveConfig(cfg *Config) error {
	path, err := configPath()
	if err != nil {
		return err
	}
	data, err := toml.Marshal(cfg)
	if err != nil {
		return fmt.Errorf("cannot marshal config: %w", err)
	}
	if err := os.WriteFile(path, data, 0o600); err != nil {
		return fmt.Errorf("cannot write config: %w", err)
	}
	return nil
}

// setConfigValue sets a config field using dot notation (e.g. "connection.uri").
func setConfigValue(cfg *Config, key, value string) error {
	parts := strings.SplitN(key, ".", 2)
	if len(parts) != 2 {
		return fmt.Errorf("key must use dot notation: section.field (e.g. connection.uri)")
	}
	section, field := parts[0], parts[1]

	switch section {
	case "connection":
		switch field {
		case "uri":
			cfg.Connection.URI = value
		case "transport":
			cfg.Connection.Transport = value
		case "retry_interval":
			if _, err := time.ParseDuration(value); err != nil {
				return fmt.Errorf("retry_interval must be a duration (e.g. 2s): %w", err)
			}
			cfg.Connection.RetryInterval = value
		case "auto_connect":
			b, err := strconv.ParseBool(value)
			if err != nil {
				return fmt.Errorf("auto_connect must be true or false: %w", err)
			}
			cfg.Connection.AutoConnect = b
		default:
			return fmt.Errorf("unknown field %q in section [connection]", field)
		}
	default:
		return fmt.Errorf("unknown config section %q (valid: connection)", section)
	}
	return nil
}

// ============================================================================
// Session helpers
// ============================================================================

// sessionOptions assembles session options from config plus flag overrides.
func sessionOptions(cfg *Config, transport string, retry time.Duration) []relink.Option {
	var opts []relink.Option

	name := transport
	if name == "" {
		name = cfg.Connection.Transport
	}
	if name != "" {
		opts = append(opts, relink.WithTransports(name))
	}

	if retry == 0 && cfg.Connection.RetryInterval != "" {
		retry, _ = time.ParseDuration(cfg.Connection.RetryInterval)
	}
	if retry > 0 {
		opts = append(opts, relink.WithRetryInterval(retry))
	}

	opts = append(opts, relink.WithAutoConnect(true))
	return opts
}

// resolveURI picks the URI from the flag, falling back to the config file.
func resolveURI(flagURI string, cfg *Config) (string, error) {
	if flagURI != "" {
		return flagURI, nil
	}
	if cfg.Connection.URI != "" {
		return cfg.Connection.URI, nil
	}
	return "", fmt.Errorf("no URI: pass --uri or run 'relink config set connection.uri <uri>'")
}

// ============================================================================
// Root command
// ============================================================================

var rootCmd = &cobra.Command{
	Use:   "relink",
	Short: "Resilient realtime-messaging client",
	Long: "Command-line interface for the relink connection-resilience shim.\n" +
		"Listen for events and emit messages over a websocket, nats, or redis transport;\n" +
		"anything issued while disconnected is queued and replayed on reconnect.",
}

var (
	flagURI       string
	flagTransport string
	flagRetry     time.Duration
)

func init() {
	rootCmd.PersistentFlags().StringVar(&flagURI, "uri", "", "transport address (overrides config)")
	rootCmd.PersistentFlags().StringVar(&flagTransport, "transport", "", "transport name: websocket, nats, redis")
	rootCmd.PersistentFlags().DurationVar(&flagRetry, "retry-interval", 0, "drain scheduler tick interval")
}

func main() {
	if err := rootCmd.Execute(); err != nil {
		os.Exit(1)
	}
}
