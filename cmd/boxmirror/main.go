package main

import (
	"context"
	"log/slog"
	"os"
	"os/signal"
	"syscall"

	"github.com/spf13/cobra"
)

func main() {
	slog.SetDefault(slog.New(newConsoleHandler(os.Stderr, slog.LevelInfo)))

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	if err := newRootCmd().ExecuteContext(ctx); err != nil {
		os.Exit(1)
	}
}

func newRootCmd() *cobra.Command {
	rootCmd := &cobra.Command{
		Use:   "boxmirror [folder]",
		Short: "Mirror a remote folder tree into a local directory",
		Long: `Runs one reconciliation pass: fetches every remote change since the last
saved checkpoint and applies it to the managed folder.`,
		Args: cobra.MaximumNArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := loadConfig(cmd, args)
			if err != nil {
				return err
			}
			if err := cfg.Validate(); err != nil {
				return err
			}

			cmd.SilenceUsage = true
			return runMirror(cmd, cfg)
		},
	}

	flags := rootCmd.PersistentFlags()
	flags.SortFlags = false
	flags.StringP("config", "c", "", "config file (default <folder>/.boxmirror/config.json)")
	flags.String("token", "", "remote access token")
	flags.String("api-url", "", "remote API base URL")
	flags.String("content-url", "", "remote content base URL")
	flags.Duration("timeout", 0, "how long to wait for a response, or for more data during a download")
	flags.IntP("workers", "w", 0, "concurrent downloads")
	flags.BoolP("yes", "y", false, "answer yes to every confirmation")
	flags.Bool("debug", false, "log debug output to the console")

	rootCmd.AddCommand(newStatusCmd())
	rootCmd.AddCommand(newResetCmd())
	rootCmd.AddCommand(newVersionCmd())

	return rootCmd
}
