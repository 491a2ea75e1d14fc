package cmd

import (
	"context"
	"fmt"
	"strings"

	"github.com/andresmejia3/lookout/internal/upload"
	"github.com/andresmejia3/lookout/internal/utils"
	"github.com/spf13/cobra"
)

var (
	uploadTitle       string
	uploadDescription string
	uploadTags        string
	uploadPrivacy     string
)

var uploadCmd = &cobra.Command{
	Use:   "upload <video_file>",
	Short: "Upload a recording to YouTube",
	Long: `Uploads a video using the OAuth client in upload.client_secrets.
The first run opens a consent URL; the token is cached in upload.token_file afterwards.`,
	Args: cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		cmd.SilenceUsage = true
		return runUpload(cmd.Context(), args[0])
	},
}

func init() {
	uploadCmd.Flags().StringVar(&uploadTitle, "title", "", "Video title (default: file name)")
	uploadCmd.Flags().StringVar(&uploadDescription, "description", "Recorded with lookout", "Video description")
	uploadCmd.Flags().StringVar(&uploadTags, "tags", "", "Comma-separated tags")
	uploadCmd.Flags().StringVar(&uploadPrivacy, "privacy", "", "private, unlisted or public (default from config: private)")
	rootCmd.AddCommand(uploadCmd)
}

func runUpload(ctx context.Context, path string) error {
	privacy := Cfg.Upload.Privacy
	if uploadPrivacy != "" {
		privacy = uploadPrivacy
	}
	switch privacy {
	case "private", "unlisted", "public":
	default:
		err := fmt.Errorf("invalid privacy '%s'. Must be one of: private, unlisted, public", privacy)
		utils.ShowError("Configuration Error", err, nil)
		return err
	}

	var tags []string
	for _, t := range strings.Split(uploadTags, ",") {
		if t = strings.TrimSpace(t); t != "" {
			tags = append(tags, t)
		}
	}

	u := upload.New(Cfg.Upload.ClientSecrets, Cfg.Upload.TokenFile)
	if err := u.Authenticate(ctx); err != nil {
		utils.ShowError("YouTube authentication failed", err, nil)
		return err
	}

	id, err := u.Upload(ctx, upload.Video{
		Path:        path,
		Title:       uploadTitle,
		Description: uploadDescription,
		Tags:        tags,
		Privacy:     privacy,
		Category:    Cfg.Upload.Category,
	})
	if err != nil {
		utils.ShowError("Upload failed", err, nil)
		return err
	}

	fmt.Printf("Upload successful! Video ID: %s\n", id)
	fmt.Printf("Video URL: %s\n", upload.URL(id))
	return nil
}
