package main

import (
	"fmt"
	"os"
	"path/filepath"
	"strconv"
	"strings"
	"time"

	"github.com/chao-eng1/msgcenter"
	toml "github.com/pelletier/go-toml/v2"
	"github.com/spf13/cobra"
)

// ============================================================================
// Config types
// ============================================================================

// Config represents the CLI configuration stored in ~/.msgcenter/config.toml.
type Config struct {
	Center msgcenter.Config `toml:"center"`
	Log    ConfigLog        `toml:"log"`
	Push   ConfigPush       `toml:"push"`
	NATS   ConfigNATS       `toml:"nats"`
}

// ConfigLog holds logger settings.
type ConfigLog struct {
	Level string `toml:"level"`
}

// ConfigPush holds the push receiver used by "watch".
type ConfigPush struct {
	Addr   string `toml:"addr"`
	Secret string `toml:"secret"`
}

// ConfigNATS holds the optional cross-process signal relay.
type ConfigNATS struct {
	URL     string `toml:"url"`
	Subject string `toml:"subject"`
}

// ============================================================================
// Config helpers
// ============================================================================

// configDir returns the path to ~/.msgcenter, creating it if needed.
func configDir() (string, error) {
	home, err := os.UserHomeDir()
	if err != nil {
		return "", fmt.Errorf("cannot determine home directory: %w", err)
	}
	dir := filepath.Join(home, ".msgcenter")
	if err := os.MkdirAll(dir, 0o700); err != nil {
		return "", fmt.Errorf("cannot create config directory: %w", err)
	}
	return dir, nil
}

func configPath() (string, error) {
	dir, err := configDir()
	if err != nil {
		return "", err
	}
	return filepath.Join(dir, "config.toml"), nil
}

// loadConfig reads the config file and applies environment overrides.
// A missing file yields a zero Config.
func loadConfig() (*Config, error) {
	cfg, err := readConfigFile()
	if err != nil {
		return nil, err
	}
	applyEnv(cfg)
	return cfg, nil
}

func readConfigFile() (*Config, error) {
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

// applyEnv lets MSGCENTER_* variables (possibly from .env) override the file.
func applyEnv(cfg *Config) {
	if v := os.Getenv("MSGCENTER_TOKEN"); v != "" {
		cfg.Center.Token = v
	}
	if v := os.Getenv("MSGCENTER_BASE_URL"); v != "" {
		cfg.Center.BaseURL = v
	}
	if v := os.Getenv("MSGCENTER_LOG_LEVEL"); v != "" {
		cfg.Log.Level = v
	}
	if v := os.Getenv("MSGCENTER_NATS_URL"); v != "" {
		cfg.NATS.URL = v
	}
	if v := os.Getenv("MSGCENTER_PUSH_SECRET"); v != "" {
		cfg.Push.Secret = v
	}
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

// setConfigValue sets a config field using dot notation (e.g. "center.token").
func setConfigValue(cfg *Config, key, value string) error {
	parts := strings.SplitN(key, ".", 2)
	if len(parts) != 2 {
		return fmt.Errorf("key must use dot notation: section.field (e.g. center.base_url)")
	}
	section, field := parts[0], parts[1]

	switch section {
	case "center":
		switch field {
		case "base_url":
			cfg.Center.BaseURL = value
		case "token":
			cfg.Center.Token = value
		case "user_id":
			cfg.Center.UserID = value
		default:
			return fmt.Errorf("unknown field %q in section [center]", field)
		}
	case "transport":
		switch field {
		case "path":
			cfg.Center.Transport.Path = value
		case "auto_reconnect":
			b, err := strconv.ParseBool(value)
			if err != nil {
				return fmt.Errorf("transport.auto_reconnect: %w", err)
			}
			cfg.Center.Transport.AutoReconnect = &b
		case "reconnect_attempts":
			n, err := strconv.Atoi(value)
			if err != nil {
				return fmt.Errorf("transport.reconnect_attempts: %w", err)
			}
			cfg.Center.Transport.ReconnectAttempts = n
		case "reconnect_delay":
			d, err := time.ParseDuration(value)
			if err != nil {
				return fmt.Errorf("transport.reconnect_delay: %w", err)
			}
			cfg.Center.Transport.ReconnectDelay = msgcenter.Duration(d)
		default:
			return fmt.Errorf("unknown field %q in section [transport]", field)
		}
	case "log":
		if field != "level" {
			return fmt.Errorf("unknown field %q in section [log]", field)
		}
		cfg.Log.Level = value
	case "push":
		switch field {
		case "addr":
			cfg.Push.Addr = value
		case "secret":
			cfg.Push.Secret = value
		default:
			return fmt.Errorf("unknown field %q in section [push]", field)
		}
	case "nats":
		switch field {
		case "url":
			cfg.NATS.URL = value
		case "subject":
			cfg.NATS.Subject = value
		default:
			return fmt.Errorf("unknown field %q in section [nats]", field)
		}
	default:
		return fmt.Errorf("unknown config section %q (valid: center, transport, log, push, nats)", section)
	}
	return nil
}

// ============================================================================
// config commands
// ============================================================================

func init() {
	rootCmd.AddCommand(configCmd)
	configCmd.AddCommand(configShowCmd)
	configCmd.AddCommand(configSetCmd)
}

var configCmd = &cobra.Command{
	Use:   "config",
	Short: "Manage msgcenter configuration",
	Long:  "View or modify the CLI configuration stored in ~/.msgcenter/config.toml.",
}

var configShowCmd = &cobra.Command{
	Use:   "show",
	Short: "Print the effective configuration",
	RunE: func(cmd *cobra.Command, args []string) error {
		cfg, err := loadConfig()
		if err != nil {
			return err
		}
		shown := *cfg
		if shown.Center.Token != "" {
			shown.Center.Token = maskKey(shown.Center.Token)
		}
		if shown.Push.Secret != "" {
			shown.Push.Secret = maskKey(shown.Push.Secret)
		}
		data, err := toml.Marshal(&shown)
		if err != nil {
			return fmt.Errorf("cannot marshal config: %w", err)
		}
		fmt.Fprint(cmd.OutOrStdout(), string(data))
		return nil
	},
}

var configSetCmd = &cobra.Command{
	Use:   "set <key> <value>",
	Short: "Set a configuration value",
	Long:  "Set a configuration value using dot notation.\nExample: msgcenter config set center.base_url https://chat.example.com",
	Args:  cobra.ExactArgs(2),
	RunE: func(cmd *cobra.Command, args []string) error {
		key, value := args[0], args[1]

		// Environment overrides are not persisted.
		cfg, err := readConfigFile()
		if err != nil {
			return fmt.Errorf("failed to load config: %w", err)
		}
		if err := setConfigValue(cfg, key, value); err != nil {
			return err
		}
		if err := saveConfig(cfg); err != nil {
			return fmt.Errorf("failed to save config: %w", err)
		}

		fmt.Fprintf(cmd.OutOrStdout(), "Set %s\n", key)
		return nil
	},
}
