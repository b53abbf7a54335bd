package config

import (
	"fmt"
	"os"
	"path/filepath"
	"strings"

	"github.com/spf13/viper"

	"github.com/zai-kun/regpt/internal/store"
)

type Config struct {
	Model   string        `mapstructure:"model"`
	Auth    AuthConfig    `mapstructure:"auth"`
	Arkose  ArkoseConfig  `mapstructure:"arkose"`
	Browser BrowserConfig `mapstructure:"browser"`
	Socket  SocketConfig  `mapstructure:"socket"`
	Storage store.Config  `mapstructure:"storage"`
	Log     LogConfig     `mapstructure:"log"`

	// TimezoneOffsetMin is sent with continuation requests, matching the web
	// frontend's behavior.
	TimezoneOffsetMin int `mapstructure:"timezone_offset_min"`
}

// AuthConfig holds the session credential. Leave both tokens empty for
// anonymous free mode.
type AuthConfig struct {
	SessionToken string `mapstructure:"session_token"` // __Secure-next-auth.session-token cookie value
	AccessToken  string `mapstructure:"access_token"`  // skip the exchange when already known
}

// ArkoseConfig configures evasion-token acquisition.
type ArkoseConfig struct {
	Force     bool   `mapstructure:"force"`      // attach a token on every turn
	BinaryDir string `mapstructure:"binary_dir"` // cache dir for the native captcha library
}

// BrowserConfig configures challenge escalation.
// Engine can be "chrome", "chromium" or "edge"; empty disables escalation.
type BrowserConfig struct {
	Engine string `mapstructure:"engine"`
}

// SocketConfig configures the duplex transport.
type SocketConfig struct {
	Force bool `mapstructure:"force"` // use duplex mode even if the feature probe is negative
}

type LogConfig struct {
	Level string `mapstructure:"level"` // trace, debug, info, warn, error
}

func Load() (*Config, error) {
	configPath, err := GetConfigDir()
	if err != nil {
		return nil, fmt.Errorf("failed to get config dir: %w", err)
	}

	viper.SetConfigName("config")
	viper.SetConfigType("yaml")
	viper.AddConfigPath(configPath)
	viper.AddConfigPath(".")

	// Set defaults
	viper.SetDefault("model", "gpt-3.5")
	viper.SetDefault("browser.engine", "")
	viper.SetDefault("storage.enabled", true)
	viper.SetDefault("log.level", "info")

	// Read config file (optional - won't error if missing)
	if err := viper.ReadInConfig(); err != nil {
		if _, ok := err.(viper.ConfigFileNotFoundError); !ok {
			return nil, fmt.Errorf("failed to read config: %w", err)
		}
	}

	var cfg Config
	if err := viper.Unmarshal(&cfg); err != nil {
		return nil, fmt.Errorf("failed to unmarshal config: %w", err)
	}

	resolveCredentials(&cfg.Auth)
	cfg.Arkose.BinaryDir = expandEnv(cfg.Arkose.BinaryDir)
	cfg.Storage.DataDir = expandEnv(cfg.Storage.DataDir)
	cfg.Storage.ExportDir = expandEnv(cfg.Storage.ExportDir)

	return &cfg, nil
}

// resolveCredentials fills tokens from the environment when the config file
// leaves them empty.
func resolveCredentials(cfg *AuthConfig) {
	cfg.SessionToken = expandEnv(cfg.SessionToken)
	if cfg.SessionToken == "" {
		cfg.SessionToken = os.Getenv("REGPT_SESSION_TOKEN")
	}
	cfg.AccessToken = expandEnv(cfg.AccessToken)
	if cfg.AccessToken == "" {
		cfg.AccessToken = os.Getenv("REGPT_ACCESS_TOKEN")
	}
}

// expandEnv expands ${VAR} or $VAR in a string
func expandEnv(s string) string {
	if strings.HasPrefix(s, "${") && strings.HasSuffix(s, "}") {
		varName := s[2 : len(s)-1]
		return os.Getenv(varName)
	}
	if strings.HasPrefix(s, "$") {
		return os.Getenv(s[1:])
	}
	return s
}

// GetConfigDir returns the XDG config directory for regpt.
// Uses $XDG_CONFIG_HOME if set, otherwise ~/.config
func GetConfigDir() (string, error) {
	if xdgHome := os.Getenv("XDG_CONFIG_HOME"); xdgHome != "" {
		return filepath.Join(xdgHome, "regpt"), nil
	}
	homeDir, err := os.UserHomeDir()
	if err != nil {
		return "", err
	}
	return filepath.Join(homeDir, ".config", "regpt"), nil
}

// GetConfigPath returns the path where the config file should be located
func GetConfigPath() (string, error) {
	configDir, err := GetConfigDir()
	if err != nil {
		return "", err
	}
	return filepath.Join(configDir, "config.yaml"), nil
}

// Exists returns true if a config file exists
func Exists() bool {
	path, err := GetConfigPath()
	if err != nil {
		return false
	}
	_, err = os.Stat(path)
	return err == nil
}

// Save writes the config to disk
func Save(cfg *Config) error {
	path, err := GetConfigPath()
	if err != nil {
		return err
	}

	dir := filepath.Dir(path)
	if err := os.MkdirAll(dir, 0755); err != nil {
		return fmt.Errorf("failed to create config directory: %w", err)
	}

	content := fmt.Sprintf(`model: %s

auth:
  # session_token: value of the __Secure-next-auth.session-token cookie
  # Leave empty (and REGPT_SESSION_TOKEN unset) for anonymous free mode.

browser:
  # engine: chrome | chromium | edge - enables Cloudflare challenge escalation
  engine: %q

socket:
  # force: true uses the shared websocket even when the account probe says no
  force: %v

storage:
  enabled: %v

log:
  level: %s
`, cfg.Model, cfg.Browser.Engine, cfg.Socket.Force, cfg.Storage.Enabled, cfg.Log.Level)

	return os.WriteFile(path, []byte(content), 0600)
}
