package main

import (
	"context"
	"fmt"
	"os"
	"strings"
	"time"

	"github.com/spf13/cobra"

	"ripple/cmd/internal/app"
	"ripple/cmd/internal/chat"
)

var (
	sendReplyTo string
	sendImage   string
	sendWait    time.Duration
)

func init() {
	sendCmd.Flags().StringVar(&sendReplyTo, "reply-to", "", "message id this send replies to")
	sendCmd.Flags().StringVar(&sendImage, "image", "", "path of an image to send instead of text")
	sendCmd.Flags().DurationVar(&sendWait, "wait", 20*time.Second, "how long to wait for the send to confirm")
	rootCmd.AddCommand(sendCmd)
}

var sendCmd = &cobra.Command{
	Use:   "send <conversation-id> [text...]",
	Short: "Send a message and wait for its confirmation",
	Args:  cobra.MinimumNArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		conversationID := args[0]

		draft := chat.Draft{Kind: chat.MessageText, Text: strings.Join(args[1:], " "), ReplyToID: sendReplyTo}
		if sendImage != "" {
			data, err := os.ReadFile(sendImage)
			if err != nil {
				return fmt.Errorf("read image: %w", err)
			}
			draft.Kind = chat.MessageImage
			draft.Media = &chat.MediaBlob{ContentType: sniffContentType(sendImage, data), Data: data}
		}

		return withApp(func(ctx context.Context, a *app.App) error {
			view, err := a.Engine().OpenConversation(conversationID)
			if err != nil {
				return err
			}
			defer view.Close()

			msg, err := a.Engine().Send(conversationID, draft)
			if err != nil {
				return err
			}
			fmt.Println("queued", msg.ID)

			waitCtx, cancel := context.WithTimeout(ctx, sendWait)
			defer cancel()
			updates := view.Observe(waitCtx)
			for {
				select {
				case <-waitCtx.Done():
					fmt.Println("still pending; it will keep retrying from the outbox")
					return nil
				case msgs, ok := <-updates:
					if !ok {
						return nil
					}
					for _, m := range msgs {
						switch {
						case m.Nonce == msg.Nonce && m.Delivery == chat.DeliverySent:
							fmt.Println("sent", m.ID)
							return nil
						case m.ID == msg.ID && m.Delivery == chat.DeliveryFailed:
							return fmt.Errorf("send failed; retry with the same id to avoid duplicates")
						}
					}
				}
			}
		})
	},
}

func sniffContentType(path string, data []byte) string {
	switch {
	case strings.HasSuffix(path, ".png"):
		return "image/png"
	case strings.HasSuffix(path, ".jpg"), strings.HasSuffix(path, ".jpeg"):
		return "image/jpeg"
	case strings.HasSuffix(path, ".gif"):
		return "image/gif"
	default:
		return "application/octet-stream"
	}
}
