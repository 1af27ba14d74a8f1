package main

import (
	"context"
	"fmt"

	"github.com/spf13/cobra"

	"ripple/cmd/internal/app"
)

func init() {
	rootCmd.AddCommand(presenceCmd)
}

var presenceCmd = &cobra.Command{
	Use:   "presence <user-id>",
	Short: "Stream a user's online/offline state until interrupted",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		userID := args[0]

		return withApp(func(ctx context.Context, a *app.App) error {
			ch, err := a.Engine().ObservePresence(ctx, userID)
			if err != nil {
				return err
			}
			for {
				select {
				case <-ctx.Done():
					return nil
				case p, ok := <-ch:
					if !ok {
						return nil
					}
					state := "offline"
					if p.Online {
						state = "online"
					}
					if p.LastSeenAt.IsZero() {
						fmt.Printf("%s is %s\n", p.UserID, state)
					} else {
						fmt.Printf("%s is %s (last seen %s)\n", p.UserID, state, p.LastSeenAt.Local().Format("15:04:05"))
					}
				}
			}
		})
	},
}
