package main

import (
	"context"
	"fmt"
	"os"
	"os/signal"
	"syscall"

	"github.com/joho/godotenv"
	"github.com/spf13/cobra"

	"ripple/cmd/internal/app"
)

var rootCmd = &cobra.Command{
	Use:   "ripple",
	Short: "Ripple chat sync engine",
	Long:  "Ripple keeps a local, ordered view of your conversations in sync with the remote store: optimistic sends, unread counts, presence.",
	SilenceUsage: true,
}

func init() {
	rootCmd.AddCommand(runCmd)
}

var runCmd = &cobra.Command{
	Use:   "run",
	Short: "Run the sync engine headless until interrupted",
	RunE: func(cmd *cobra.Command, args []string) error {
		return app.Run()
	},
}

// withApp builds a started App from the environment, runs fn, and tears
// the runtime down afterwards.
func withApp(fn func(ctx context.Context, a *app.App) error) error {
	_ = godotenv.Load()

	cfg := app.LoadConfig()
	log := app.NewLogger(cfg.LogLevel, cfg.LogFormat)

	ctx, cancel := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer cancel()

	a, err := app.New(ctx, cfg, log)
	if err != nil {
		return err
	}
	defer a.Close()

	if err := a.Start(ctx); err != nil {
		return err
	}
	return fn(ctx, a)
}

func main() {
	if err := rootCmd.Execute(); err != nil {
		fmt.Fprintln(os.Stderr, "error:", err)
		os.Exit(1)
	}
}
