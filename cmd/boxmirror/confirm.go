package main

import (
	"log/slog"
	"os"

	"github.com/charmbracelet/huh"
	"github.com/openmined/boxmirror/internal/mirror"
	"github.com/spf13/cobra"
)

// newConfirm picks how destructive steps are confirmed: --yes skips the
// question, a terminal gets an interactive prompt, anything else declines.
func newConfirm(cmd *cobra.Command, yes bool) mirror.ConfirmFunc {
	if yes {
		return mirror.AlwaysConfirm
	}

	in, isFile := cmd.InOrStdin().(*os.File)
	if !isFile || !stdinIsTerminal(in.Fd()) {
		return func(prompt string) bool {
			slog.Warn("confirmation required but stdin is not a terminal, rerun with --yes", "prompt", prompt)
			return false
		}
	}

	return func(prompt string) bool {
		var confirmed bool
		err := huh.NewConfirm().
			Title(prompt).
			Affirmative("Yes").
			Negative("No").
			Value(&confirmed).
			Run()
		if err != nil {
			slog.Warn("confirmation aborted", "error", err)
			return false
		}
		return confirmed
	}
}
