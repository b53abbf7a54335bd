package cmd

import (
	"fmt"

	"github.com/spf13/cobra"
)

var (
	flagAboutUser       string
	flagAboutModel      string
	flagDisableNewChats bool
)

func init() {
	instructionsCmd.Flags().StringVar(&flagAboutUser, "about-user", "", "What the assistant should know about you")
	instructionsCmd.Flags().StringVar(&flagAboutModel, "about-model", "", "How the assistant should respond")
	instructionsCmd.Flags().BoolVar(&flagDisableNewChats, "disable-new-chats", false, "Do not apply the instructions to new chats")
	rootCmd.AddCommand(instructionsCmd)
}

var instructionsCmd = &cobra.Command{
	Use:   "instructions",
	Short: "Set the account's custom instructions",
	RunE: func(cmd *cobra.Command, args []string) error {
		cfg, err := loadConfig()
		if err != nil {
			return err
		}
		client, err := newClient(cmd, cfg)
		if err != nil {
			return err
		}
		defer client.Close()

		err = client.SetCustomInstructions(cmd.Context(),
			flagAboutUser, flagAboutModel, !flagDisableNewChats)
		if err != nil {
			return err
		}
		fmt.Fprintln(cmd.OutOrStdout(), "custom instructions updated")
		return nil
	},
}
