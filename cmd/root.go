package cmd

import (
	"fmt"
	"os"

	"github.com/sirupsen/logrus"
	"github.com/spf13/cobra"

	"github.com/zai-kun/regpt/internal/chatgpt"
	"github.com/zai-kun/regpt/internal/config"
	"github.com/zai-kun/regpt/internal/store"
)

// Version is set at build time via -ldflags.
var Version = "dev"

var (
	flagModel    string
	flagBrowser  string
	flagSocket   bool
	flagLogLevel string
)

func init() {
	rootCmd.PersistentFlags().StringVarP(&flagModel, "model", "m", "", "Model to chat with (gpt-3.5, gpt-4, gpt-4o)")
	rootCmd.PersistentFlags().StringVar(&flagBrowser, "browser", "", "Browser engine for challenge escalation (chrome, chromium, edge)")
	rootCmd.PersistentFlags().BoolVar(&flagSocket, "websocket", false, "Force websocket streaming mode")
	rootCmd.PersistentFlags().StringVar(&flagLogLevel, "log-level", "", "Log level (trace, debug, info, warn, error)")
}

var rootCmd = &cobra.Command{
	Use:   "regpt",
	Short: "Chat with the chatgpt.com backend from your terminal",
	Long: `regpt talks to the chatgpt.com conversation backend the way a browser
does: session-cookie auth, streamed replies, automatic continuation of
truncated answers, and Cloudflare challenge escalation via a real browser.

Examples:
  regpt chat                          # new conversation, default model
  regpt chat -m gpt-4                 # needs an arkose-capable setup
  regpt chat --conversation <id>      # resume an existing thread

  regpt conversations list            # catalog your conversations
  regpt conversations fetch <id>      # archive one locally, assets included
  regpt download "file-service://file-..." -c <id>`,
	Version:           Version,
	CompletionOptions: cobra.CompletionOptions{DisableDefaultCmd: true},
}

func Execute() {
	if err := rootCmd.Execute(); err != nil {
		os.Exit(1)
	}
}

// loadConfig loads the config file and applies CLI flag overrides.
func loadConfig() (*config.Config, error) {
	cfg, err := config.Load()
	if err != nil {
		return nil, err
	}
	if flagModel != "" {
		cfg.Model = flagModel
	}
	if flagBrowser != "" {
		cfg.Browser.Engine = flagBrowser
	}
	if flagSocket {
		cfg.Socket.Force = true
	}
	if flagLogLevel != "" {
		cfg.Log.Level = flagLogLevel
	}
	return cfg, nil
}

func newLogger(cfg *config.Config) *logrus.Logger {
	log := logrus.New()
	log.SetOutput(os.Stderr)
	level, err := logrus.ParseLevel(cfg.Log.Level)
	if err != nil {
		level = logrus.InfoLevel
	}
	log.SetLevel(level)
	return log
}

// newClient builds and opens a backend client from the resolved config.
func newClient(cmd *cobra.Command, cfg *config.Config) (*chatgpt.Client, error) {
	client, err := chatgpt.NewClient(chatgpt.Options{
		SessionToken:      cfg.Auth.SessionToken,
		AccessToken:       cfg.Auth.AccessToken,
		Model:             cfg.Model,
		WebsocketMode:     cfg.Socket.Force,
		ForceArkose:       cfg.Arkose.Force,
		BrowserEngine:     cfg.Browser.Engine,
		TimezoneOffsetMin: cfg.TimezoneOffsetMin,
		BinaryDir:         cfg.Arkose.BinaryDir,
		Logger:            newLogger(cfg),
	})
	if err != nil {
		return nil, err
	}
	if err := client.Open(cmd.Context()); err != nil {
		return nil, fmt.Errorf("open session: %w", err)
	}
	return client, nil
}

func openStore(cfg *config.Config) (store.Store, error) {
	return store.NewStore(cfg.Storage)
}
