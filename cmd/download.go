package cmd

import (
	"fmt"
	"os"
	"strings"

	"github.com/spf13/cobra"
)

var (
	flagDownloadConversation string
	flagDownloadOutput       string
)

func init() {
	downloadCmd.Flags().StringVarP(&flagDownloadConversation, "conversation", "c", "", "Conversation id owning the asset (enables page-scan fallback)")
	downloadCmd.Flags().StringVarP(&flagDownloadOutput, "output", "o", "", "Output file (default: derived from the pointer)")
	rootCmd.AddCommand(downloadCmd)
}

var downloadCmd = &cobra.Command{
	Use:   "download <asset-pointer>",
	Short: "Resolve an asset pointer and download its bytes",
	Long: `Resolves a file-service:// or sediment:// asset pointer through the
metadata endpoints (falling back to scanning the owning conversation's page)
and writes the payload to disk.`,
	Args: cobra.ExactArgs(1),
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

		asset, err := client.DownloadAsset(cmd.Context(), args[0], flagDownloadConversation)
		if err != nil {
			return err
		}

		output := flagDownloadOutput
		if output == "" {
			output = defaultAssetFilename(args[0], asset.ContentType)
		}
		if err := os.WriteFile(output, asset.Content, 0644); err != nil {
			return err
		}
		fmt.Fprintf(cmd.OutOrStdout(), "wrote %s (%d bytes, %s)\n",
			output, len(asset.Content), asset.ContentType)
		return nil
	},
}

func defaultAssetFilename(pointer, contentType string) string {
	name := pointer
	if idx := strings.Index(name, "://"); idx >= 0 {
		name = name[idx+3:]
	}
	name = strings.Trim(strings.ReplaceAll(name, "/", "_"), "_")
	if name == "" {
		name = "asset"
	}

	ext := "bin"
	switch {
	case strings.Contains(contentType, "png"):
		ext = "png"
	case strings.Contains(contentType, "jpeg"), strings.Contains(contentType, "jpg"):
		ext = "jpg"
	case strings.Contains(contentType, "gif"):
		ext = "gif"
	case strings.Contains(contentType, "webp"):
		ext = "webp"
	}
	return name + "." + ext
}
