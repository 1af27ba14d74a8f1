package main

import (
	"context"
	"fmt"
	"time"

	"github.com/spf13/cobra"

	"ripple/cmd/internal/app"
)

var sessionsWait time.Duration

func init() {
	sessionsCmd.Flags().DurationVar(&sessionsWait, "wait", 2*time.Second, "how long to wait for the initial sync")
	rootCmd.AddCommand(sessionsCmd)
}

var sessionsCmd = &cobra.Command{
	Use:   "sessions",
	Short: "List conversations, most recent first, with unread counts",
	RunE: func(cmd *cobra.Command, args []string) error {
		return withApp(func(ctx context.Context, a *app.App) error {
			// Give the session index a moment to land.
			select {
			case <-ctx.Done():
				return ctx.Err()
			case <-time.After(sessionsWait):
			}

			sessions := a.Engine().Sessions()
			unread := a.Engine().Unread()

			if len(sessions) == 0 {
				fmt.Println("no conversations")
				return nil
			}
			for _, s := range sessions {
				badge := ""
				if n := unread.PerConversation[s.ID]; n > 0 {
					badge = fmt.Sprintf(" (%d unread)", n)
				}
				last := "never"
				if !s.LastMessageAt.IsZero() {
					last = s.LastMessageAt.Local().Format("2006-01-02 15:04")
				}
				fmt.Printf("%-28s  %-8s  %-24s  last: %s%s\n", s.ID, s.Kind, s.DisplayName, last, badge)
				if s.LastMessagePreview != "" {
					fmt.Printf("%-28s  %s\n", "", s.LastMessagePreview)
				}
			}
			if unread.Total > 0 {
				fmt.Printf("\n%d unread in total\n", unread.Total)
			}
			return nil
		})
	},
}
