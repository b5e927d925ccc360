package main

import (
	"fmt"

	"github.com/openmined/boxmirror/internal/config"
	"github.com/openmined/boxmirror/internal/mirror"
	"github.com/openmined/boxmirror/internal/utils"
	"github.com/spf13/cobra"
)

func newStatusCmd() *cobra.Command {
	var history int

	cmd := &cobra.Command{
		Use:   "status [folder]",
		Short: "Show the index and checkpoint state of a managed folder",
		Args:  cobra.MaximumNArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, ws, err := openManaged(cmd, args)
			if err != nil {
				return err
			}

			index, err := mirror.OpenIndex(ws.Root)
			if err != nil {
				return err
			}
			defer index.Close()

			count, err := index.Count()
			if err != nil {
				return err
			}
			checkpoints, err := index.Checkpoints().History(history)
			if err != nil {
				return err
			}

			token := gray.Render("not set")
			if cfg.AccessToken != "" {
				token = utils.MaskSecret(cfg.AccessToken)
			}
			cursor := gray.Render("none, next run lists everything")
			if len(checkpoints) > 0 {
				cursor = checkpoints[0].Cursor
			}

			out := cmd.OutOrStdout()
			fmt.Fprintf(out, "%s %s\n", bold.Render("boxmirror"), lightGray.Render(ws.Root))
			fmt.Fprintf(out, "  %s %s\n", gray.Render("config   "), cfg.Path)
			fmt.Fprintf(out, "  %s %s\n", gray.Render("token    "), token)
			fmt.Fprintf(out, "  %s %d\n", gray.Render("records  "), count)
			fmt.Fprintf(out, "  %s %s\n", gray.Render("cursor   "), cursor)

			if len(checkpoints) > 1 {
				fmt.Fprintf(out, "\n%s\n", bold.Render("checkpoints"))
				for _, cp := range checkpoints {
					fmt.Fprintf(out, "  %s %s %s\n",
						cyan.Render(fmt.Sprintf("#%d", cp.ID)),
						lightGray.Render(cp.CreatedAt.Local().Format("2006-01-02 15:04:05")),
						cp.Cursor)
				}
			}
			return nil
		},
	}

	cmd.Flags().IntVar(&history, "history", 5, "checkpoints to list, 0 for all")
	return cmd
}

// openManaged resolves the folder a local-only command works on. It fails
// when the folder was never mirrored into.
func openManaged(cmd *cobra.Command, args []string) (*config.Config, *mirror.Workspace, error) {
	cfg, err := loadConfig(cmd, args)
	if err != nil {
		return nil, nil, err
	}
	if err := cfg.ValidateLocal(); err != nil {
		return nil, nil, err
	}
	cmd.SilenceUsage = true

	ws, err := mirror.NewWorkspace(cfg.Root)
	if err != nil {
		return nil, nil, err
	}
	if !utils.DirExists(ws.StateDir) {
		return nil, nil, fmt.Errorf("%s is not a managed folder: %s not found", ws.Root, mirror.StateDirName)
	}
	return cfg, ws, nil
}
