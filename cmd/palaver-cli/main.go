package main

import (
	"fmt"
	"os"
	"path/filepath"
	"strconv"
	"strings"

	toml "github.com/pelletier/go-toml/v2"
	"github.com/spf13/cobra"
)

// Config is the CLI configuration stored in ~/.palaver.toml.
type Config struct {
	Server ConfigServer `toml:"server"`
	Auth   ConfigAuth   `toml:"auth"`
	Chat   ConfigChat   `toml:"chat"`
}

type ConfigServer struct {
	URL string `toml:"url"`
}

// ConfigAuth is the state of the last login.
type ConfigAuth struct {
	Token       string `toml:"token"`
	UserID      string `toml:"user_id"`
	Username    string `toml:"username"`
	DisplayName string `toml:"display_name"`
	AvatarURL   string `toml:"avatar_url,omitempty"`
}

// ConfigChat overrides the chat settings taken from the environment.
type ConfigChat struct {
	TypingIdle   string `toml:"typing_idle,omitempty"`
	DeletePolicy string `toml:"delete_policy,omitempty"`
	UniqueGroups *bool  `toml:"unique_groups,omitempty"`
}

const defaultServerURL = "http://localhost:8080"

var configFile string

func configPath() (string, error) {
	if configFile != "" {
		return configFile, nil
	}
	home, err := os.UserHomeDir()
	if err != nil {
		return "", fmt.Errorf("cannot determine home directory: %w", err)
	}
	return filepath.Join(home, ".palaver.toml"), nil
}

// loadConfig reads the config file. A missing file yields the defaults.
func loadConfig() (*Config, error) {
	cfg := &Config{Server: ConfigServer{URL: defaultServerURL}}
	path, err := configPath()
	if err != nil {
		return nil, err
	}
	data, err := os.ReadFile(path)
	if err != nil {
		if os.IsNotExist(err) {
			return cfg, nil
		}
		return nil, fmt.Errorf("cannot read config: %w", err)
	}
	if err := toml.Unmarshal(data, cfg); err != nil {
		return nil, fmt.Errorf("cannot parse config: %w", err)
	}
	return cfg, nil
}

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

// setConfigValue sets a field using dot notation, e.g. server.url.
func setConfigValue(cfg *Config, key, value string) error {
	section, field, ok := strings.Cut(key, ".")
	if !ok {
		return fmt.Errorf("key must use dot notation: section.field (e.g. server.url)")
	}

	switch section {
	case "server":
		switch field {
		case "url":
			cfg.Server.URL = value
		default:
			return fmt.Errorf("unknown field %q in section [server]", field)
		}
	case "chat":
		switch field {
		case "typing_idle":
			cfg.Chat.TypingIdle = value
		case "delete_policy":
			cfg.Chat.DeletePolicy = value
		case "unique_groups":
			b, err := strconv.ParseBool(value)
			if err != nil {
				return fmt.Errorf("unique_groups: %w", err)
			}
			cfg.Chat.UniqueGroups = &b
		default:
			return fmt.Errorf("unknown field %q in section [chat]", field)
		}
	default:
		return fmt.Errorf("unknown config section %q (valid: server, chat)", section)
	}
	return nil
}

var rootCmd = &cobra.Command{
	Use:           "palaver-cli",
	Short:         "Terminal client for a palaver server",
	Long:          "Command-line chat client for palaver.\nSign in with 'palaver-cli login', then chat with users and groups.",
	SilenceUsage:  true,
	SilenceErrors: true,
}

func init() {
	rootCmd.PersistentFlags().StringVar(&configFile, "config", "", "config file (default ~/.palaver.toml)")
	rootCmd.AddCommand(configCmd)
	configCmd.AddCommand(configShowCmd)
	configCmd.AddCommand(configSetCmd)
}

var configCmd = &cobra.Command{
	Use:   "config",
	Short: "Manage the CLI configuration",
}

var configShowCmd = &cobra.Command{
	Use:   "show",
	Short: "Print the configuration",
	RunE: func(cmd *cobra.Command, args []string) error {
		cfg, err := loadConfig()
		if err != nil {
			return err
		}
		shown := *cfg
		if shown.Auth.Token != "" {
			shown.Auth.Token = "********"
		}
		data, err := toml.Marshal(shown)
		if err != nil {
			return err
		}
		fmt.Fprint(cmd.OutOrStdout(), string(data))
		return nil
	},
}

var configSetCmd = &cobra.Command{
	Use:   "set <key> <value>",
	Short: "Set a configuration value",
	Long:  "Set a configuration value using dot notation.\nExample: palaver-cli config set server.url https://chat.example.com",
	Args:  cobra.ExactArgs(2),
	RunE: func(cmd *cobra.Command, args []string) error {
		cfg, err := loadConfig()
		if err != nil {
			return fmt.Errorf("failed to load config: %w", err)
		}
		if err := setConfigValue(cfg, args[0], args[1]); err != nil {
			return err
		}
		if err := saveConfig(cfg); err != nil {
			return fmt.Errorf("failed to save config: %w", err)
		}
		fmt.Fprintf(cmd.OutOrStdout(), "Set %s = %s\n", args[0], args[1])
		return nil
	},
}

func main() {
	if err := rootCmd.Execute(); err != nil {
		fmt.Fprintln(os.Stderr, "Error:", err)
		os.Exit(1)
	}
}
