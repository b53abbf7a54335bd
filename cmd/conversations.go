package cmd

import (
	"context"
	"fmt"
	"strconv"
	"time"

	"github.com/spf13/cobra"

	"github.com/zai-kun/regpt/internal/store"
)

func init() {
	conversationsCmd.AddCommand(conversationsListCmd)
	conversationsCmd.AddCommand(conversationsFetchCmd)
	conversationsCmd.AddCommand(conversationsDeleteCmd)
	rootCmd.AddCommand(conversationsCmd)
}

var conversationsCmd = &cobra.Command{
	Use:     "conversations",
	Aliases: []string{"conv"},
	Short:   "List, archive and delete conversations",
}

var conversationsListCmd = &cobra.Command{
	Use:   "list",
	Short: "List all conversations and refresh the local catalog",
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

		db, err := openStore(cfg)
		if err != nil {
			return err
		}
		defer db.Close()

		summaries, err := client.ListAllConversations(cmd.Context(), 0)
		if err != nil {
			return err
		}

		headers := make([]store.ConversationHeader, 0, len(summaries))
		for _, s := range summaries {
			headers = append(headers, store.ConversationHeader{
				ID:          s.ID,
				Title:       s.Title,
				LastUpdated: parseUpdateTime(s.LastUpdated),
			})
		}
		stats, err := db.Record(cmd.Context(), headers)
		if err != nil {
			return err
		}

		out := cmd.OutOrStdout()
		for _, s := range summaries {
			title := s.Title
			if title == "" {
				title = "(untitled)"
			}
			fmt.Fprintf(out, "%s  %s\n", s.ID, title)
		}
		fmt.Fprintf(out, "\n%d conversations (%d new, %d refreshed)\n",
			len(summaries), stats.Added, stats.Updated)
		return nil
	},
}

var conversationsFetchCmd = &cobra.Command{
	Use:   "fetch <conversation-id>",
	Short: "Archive a conversation locally, downloading its image assets",
	Args:  cobra.ExactArgs(1),
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

		db, err := openStore(cfg)
		if err != nil {
			return err
		}
		defer db.Close()

		conv := client.GetConversation(args[0])
		raw, err := conv.FetchChat(cmd.Context())
		if err != nil {
			return err
		}

		fetcher := func(ctx context.Context, pointer string) ([]byte, string, error) {
			asset, err := client.DownloadAsset(ctx, pointer, conv.ID)
			if err != nil {
				return nil, "", err
			}
			return asset.Content, asset.ContentType, nil
		}

		result, err := db.Persist(cmd.Context(), conv.ID, raw, nil, fetcher)
		if err != nil {
			return err
		}

		out := cmd.OutOrStdout()
		fmt.Fprintf(out, "saved %s (%d messages, %d new)\n",
			result.JSONPath, result.TotalMessages, result.NewMessages)
		for _, path := range result.AssetPaths {
			fmt.Fprintf(out, "asset %s\n", path)
		}
		for _, msg := range result.AssetErrors {
			fmt.Fprintf(cmd.ErrOrStderr(), "asset error: %s\n", msg)
		}
		return nil
	},
}

var conversationsDeleteCmd = &cobra.Command{
	Use:   "delete <conversation-id>",
	Short: "Delete (hide) a conversation on the backend",
	Args:  cobra.ExactArgs(1),
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

		if err := client.DeleteConversation(cmd.Context(), args[0]); err != nil {
			return err
		}
		fmt.Fprintf(cmd.OutOrStdout(), "deleted %s\n", args[0])
		return nil
	},
}

// parseUpdateTime accepts either unix seconds or RFC3339, which is what the
// listing endpoint has been seen returning across versions.
func parseUpdateTime(value string) float64 {
	if value == "" {
		return 0
	}
	if f, err := strconv.ParseFloat(value, 64); err == nil {
		return f
	}
	if t, err := time.Parse(time.RFC3339, value); err == nil {
		return float64(t.Unix())
	}
	if t, err := time.Parse(time.RFC3339Nano, value); err == nil {
		return float64(t.Unix())
	}
	return 0
}
