package main

import (
	"context"
	"fmt"

	"github.com/spf13/cobra"

	"ripple/cmd/internal/app"
	"ripple/cmd/internal/chat"
)

var tailMarkRead bool

func init() {
	tailCmd.Flags().BoolVar(&tailMarkRead, "mark-read", false, "advance the read cursor while tailing")
	rootCmd.AddCommand(tailCmd)
}

var tailCmd = &cobra.Command{
	Use:   "tail <conversation-id>",
	Short: "Stream a conversation's merged message log until interrupted",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		conversationID := args[0]

		return withApp(func(ctx context.Context, a *app.App) error {
			view, err := a.Engine().OpenConversation(conversationID)
			if err != nil {
				return err
			}
			defer view.Close()

			printed := make(map[string]chat.DeliveryState)
			updates := view.Observe(ctx)
			for {
				select {
				case <-ctx.Done():
					return nil
				case msgs, ok := <-updates:
					if !ok {
						return nil
					}
					for _, m := range msgs {
						if prev, seen := printed[m.ID]; seen && prev == m.Delivery {
							continue
						}
						printed[m.ID] = m.Delivery
						printMessage(view, m)
					}
					if tailMarkRead {
						if err := view.MarkRead(); err != nil {
							fmt.Println("mark-read:", err)
						}
					}
				}
			}
		})
	},
}

func printMessage(view *chat.ConversationView, m chat.Message) {
	state := ""
	if m.Delivery != chat.DeliverySent {
		state = " [" + m.Delivery.String() + "]"
	}
	body := m.Text
	if m.Kind != chat.MessageText {
		body = fmt.Sprintf("<%s> %s", m.Kind, m.MediaURL)
	}
	if m.ReplyToID != "" {
		if ref, ok := view.Lookup(m.ReplyToID); ok {
			fmt.Printf("  ↪ %s: %.40s\n", ref.SenderID, ref.Text)
		} else {
			fmt.Printf("  ↪ (message unavailable)\n")
		}
	}
	fmt.Printf("%s  %s%s: %s\n", m.SentAt.Local().Format("15:04:05"), m.SenderID, state, body)
}
