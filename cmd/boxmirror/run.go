package main

import (
	"fmt"
	"io"
	"log/slog"
	"time"

	"github.com/openmined/boxmirror/internal/config"
	"github.com/openmined/boxmirror/internal/mirror"
	"github.com/openmined/boxmirror/internal/remote"
	"github.com/spf13/cobra"
)

func runMirror(cmd *cobra.Command, cfg *config.Config) error {
	level := slog.LevelInfo
	if cfg.Debug {
		level = slog.LevelDebug
	}
	console := newConsoleHandler(cmd.ErrOrStderr(), level)

	ws, err := mirror.NewWorkspace(cfg.Root)
	if err != nil {
		return err
	}
	if err := ws.Setup(); err != nil {
		return err
	}

	// held for the whole run, so a second invocation changes nothing on disk
	if err := ws.Lock(); err != nil {
		return fmt.Errorf("%s: %w", ws.Root, err)
	}
	defer func() {
		if err := ws.Unlock(); err != nil {
			slog.Warn("failed to unlock workspace", "error", err)
		}
	}()

	logger, logFile := attachFileLog(console, ws.LogsDir)
	defer logFile.Close()

	index, err := mirror.OpenIndex(ws.Root)
	if err != nil {
		return err
	}
	defer index.Close()

	if err := cfg.Save(ws.ConfigPath); err != nil {
		logger.Warn("failed to save config", "path", ws.ConfigPath, "error", err)
	}

	client, err := remote.New(cfg.AccessToken,
		remote.WithAPIURL(cfg.APIURL),
		remote.WithContentURL(cfg.ContentURL),
		remote.WithTimeout(cfg.Timeout),
		remote.WithLogger(logger),
	)
	if err != nil {
		return err
	}

	ignore := mirror.NewIgnoreList(ws.IgnorePath)
	ignore.Load()

	engine, err := mirror.NewEngine(&mirror.EngineOpts{
		Workspace: ws,
		Index:     index,
		Feed:      client,
		Content:   client,
		Confirm:   newConfirm(cmd, cfg.Yes),
		Ignore:    ignore,
		Workers:   cfg.Workers,
		Logger:    logger,
	})
	if err != nil {
		return err
	}

	result, err := engine.Run(cmd.Context())
	if result != nil {
		printSummary(cmd.OutOrStdout(), ws.Root, result)
	}
	return err
}

func printSummary(w io.Writer, root string, res *mirror.RunResult) {
	row := func(label string, value any) {
		fmt.Fprintf(w, "  %s %v\n", gray.Render(fmt.Sprintf("%-10s", label)), value)
	}

	fmt.Fprintf(w, "\n%s %s\n", bold.Render("boxmirror"), lightGray.Render(root))
	row("status", statusStyle(res.Status).Render(string(res.Status)))
	if res.Reset {
		row("reset", cyan.Render("full resync"))
	}
	row("entries", res.Entries)
	row("applied", len(res.Applied))
	row("unchanged", res.Unchanged)
	row("skipped", len(res.Skipped))
	row("failed", len(res.Failed))
	if res.Cursor != "" {
		row("cursor", lightGray.Render(res.Cursor))
	}
	row("took", res.Duration.Round(time.Millisecond))

	for _, id := range res.SkippedIDs() {
		fmt.Fprintf(w, "  %s %s %s\n", yellow.Render("skipped"), id, gray.Render(res.Skipped[id]))
	}
	for _, id := range res.FailedIDs() {
		fmt.Fprintf(w, "  %s %s %s\n", red.Render("failed "), id, gray.Render(res.Failed[id].Error()))
	}
}
