package cmd

import (
	"bufio"
	"errors"
	"fmt"
	"io"
	"os"
	"strings"
	"time"

	"github.com/spf13/cobra"

	"github.com/zai-kun/regpt/internal/chatgpt"
	"github.com/zai-kun/regpt/internal/config"
	"github.com/zai-kun/regpt/internal/store"
)

var flagConversationID string

func init() {
	chatCmd.Flags().StringVar(&flagConversationID, "conversation", "", "Resume an existing conversation by id")
	rootCmd.AddCommand(chatCmd)
}

var chatCmd = &cobra.Command{
	Use:   "chat [prompt]",
	Short: "Chat interactively, or send a single prompt",
	Long: `Without arguments, starts an interactive loop: type a message, watch the
reply stream in, repeat. Ctrl-D or /quit exits. With a prompt argument the
reply is streamed once and the command exits.`,
	RunE: func(cmd *cobra.Command, args []string) error {
		cfg, err := loadConfig()
		if err != nil {
			return err
		}

		client, err := newClient(cmd, cfg)
		if err != nil {
			return err
		}

		db, err := openStore(cfg)
		if err != nil {
			client.Close()
			return err
		}
		defer db.Close()

		var conv *chatgpt.Conversation
		if flagConversationID != "" {
			conv = client.GetConversation(flagConversationID)
		} else {
			conv, err = client.NewConversation(cfg.Model)
			if err != nil {
				client.Close()
				return err
			}
		}

		if len(args) > 0 {
			defer client.Close()
			return runTurn(cmd, conv, db, strings.Join(args, " "))
		}
		return chatLoop(cmd, cfg, client, conv, db)
	},
}

// chatLoop reads prompts from stdin until EOF. A single failed turn is
// reported and the loop continues. A rejected session token gets one chance
// at a replacement pasted at the prompt; session-level failures after that
// abort the loop.
func chatLoop(cmd *cobra.Command, cfg *config.Config, client *chatgpt.Client, conv *chatgpt.Conversation, db store.Store) error {
	defer func() { client.Close() }()

	scanner := bufio.NewScanner(os.Stdin)
	scanner.Buffer(make([]byte, 0, 64*1024), 1024*1024)
	reprompted := false

	for {
		fmt.Fprint(cmd.OutOrStdout(), "> ")
		if !scanner.Scan() {
			fmt.Fprintln(cmd.OutOrStdout())
			return scanner.Err()
		}
		prompt := strings.TrimSpace(scanner.Text())
		if prompt == "" {
			continue
		}
		if prompt == "/quit" || prompt == "/exit" {
			return nil
		}

		err := runTurn(cmd, conv, db, prompt)
		if err == nil {
			continue
		}
		if errors.Is(err, chatgpt.ErrTokenNotProvided) {
			return err
		}
		if errors.Is(err, chatgpt.ErrInvalidSessionToken) {
			if reprompted {
				return err
			}
			reprompted = true
			fmt.Fprint(cmd.OutOrStdout(), "session token rejected; paste a fresh one (empty to quit): ")
			if !scanner.Scan() {
				return err
			}
			token := strings.TrimSpace(scanner.Text())
			if token == "" {
				return err
			}
			cfg.Auth.SessionToken = token
			cfg.Auth.AccessToken = ""
			replacement, openErr := newClient(cmd, cfg)
			if openErr != nil {
				return openErr
			}
			client.Close()
			client = replacement
			if conv.ID != "" {
				conv = client.GetConversation(conv.ID)
			} else if conv, openErr = client.NewConversation(cfg.Model); openErr != nil {
				return openErr
			}
			continue
		}
		fmt.Fprintf(cmd.ErrOrStderr(), "error: %v\n", err)
	}
}

// runTurn streams one reply to stdout and records both sides of the exchange.
func runTurn(cmd *cobra.Command, conv *chatgpt.Conversation, db store.Store, prompt string) error {
	ctx := cmd.Context()
	out := cmd.OutOrStdout()

	stream, err := conv.Chat(ctx, prompt)
	if err != nil {
		return err
	}
	defer stream.Close()

	var reply strings.Builder
	for {
		delta, err := stream.Recv()
		if err == io.EOF {
			break
		}
		if err != nil {
			fmt.Fprintln(out)
			return err
		}
		fmt.Fprint(out, delta.Content)
		reply.WriteString(delta.Content)
	}
	fmt.Fprintln(out)

	if conv.ID != "" {
		now := time.Now()
		if err := db.Append(ctx, conv.ID, "user", prompt, now); err != nil {
			fmt.Fprintf(cmd.ErrOrStderr(), "warning: failed to record prompt: %v\n", err)
		}
		if err := db.Append(ctx, conv.ID, "assistant", reply.String(), now); err != nil {
			fmt.Fprintf(cmd.ErrOrStderr(), "warning: failed to record reply: %v\n", err)
		}
	}
	return nil
}
