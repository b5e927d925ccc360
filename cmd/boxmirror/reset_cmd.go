package main

import (
	"fmt"
	"log/slog"

	"github.com/openmined/boxmirror/internal/mirror"
	"github.com/spf13/cobra"
)

func newResetCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "reset [folder]",
		Short: "Forget the index and checkpoints so the next run starts from a fresh listing",
		Long: `Clears the local index and every saved checkpoint. Mirrored files are left
in place; the next run asks before replacing them with a fresh listing.`,
		Args: cobra.MaximumNArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, ws, err := openManaged(cmd, args)
			if err != nil {
				return err
			}

			if err := ws.Lock(); err != nil {
				return err
			}
			defer func() {
				if err := ws.Unlock(); err != nil {
					slog.Warn("failed to unlock workspace", "error", err)
				}
			}()

			index, err := mirror.OpenIndex(ws.Root)
			if err != nil {
				return err
			}
			defer index.Close()

			count, err := index.Count()
			if err != nil {
				return err
			}

			confirm := newConfirm(cmd, cfg.Yes)
			if !confirm(fmt.Sprintf("Forget %d records and all checkpoints for %s?", count, ws.Root)) {
				return mirror.ErrResetDeclined
			}
			if err := index.Reset(); err != nil {
				return err
			}

			fmt.Fprintf(cmd.OutOrStdout(), "%s %s\n", green.Render("Index cleared."), "The next run lists the remote from the beginning.")
			return nil
		},
	}
}
