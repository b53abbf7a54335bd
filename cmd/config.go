package cmd

import (
	"fmt"

	"github.com/spf13/cobra"

	"github.com/zai-kun/regpt/internal/config"
)

func init() {
	rootCmd.AddCommand(configCmd)
}

var configCmd = &cobra.Command{
	Use:   "config",
	Short: "Show the resolved configuration",
	RunE: func(cmd *cobra.Command, args []string) error {
		cfg, err := loadConfig()
		if err != nil {
			return err
		}
		path, _ := config.GetConfigPath()

		out := cmd.OutOrStdout()
		fmt.Fprintf(out, "config file:    %s", path)
		if !config.Exists() {
			fmt.Fprint(out, " (not present, using defaults)")
		}
		fmt.Fprintln(out)
		fmt.Fprintf(out, "model:          %s\n", cfg.Model)
		fmt.Fprintf(out, "auth:           %s\n", describeAuth(cfg))
		fmt.Fprintf(out, "browser engine: %s\n", orNone(cfg.Browser.Engine))
		fmt.Fprintf(out, "websocket:      forced=%v\n", cfg.Socket.Force)
		fmt.Fprintf(out, "storage:        enabled=%v\n", cfg.Storage.Enabled)
		fmt.Fprintf(out, "log level:      %s\n", cfg.Log.Level)
		return nil
	},
}

func describeAuth(cfg *config.Config) string {
	switch {
	case cfg.Auth.AccessToken != "":
		return "access token (provided)"
	case cfg.Auth.SessionToken != "":
		return "session token (provided)"
	default:
		return "none (free mode)"
	}
}

func orNone(value string) string {
	if value == "" {
		return "(none)"
	}
	return value
}
