package main

import (
	"io"
	"log/slog"
	"os"
	"path/filepath"

	"github.com/lmittmann/tint"
	"github.com/mattn/go-isatty"
	"github.com/openmined/boxmirror/internal/utils"
	"gopkg.in/natefinch/lumberjack.v2"
)

const logFileName = "boxmirror.log"

func newConsoleHandler(w io.Writer, level slog.Level) slog.Handler {
	noColor := true
	if f, ok := w.(*os.File); ok {
		noColor = !isatty.IsTerminal(f.Fd())
	}
	return tint.NewHandler(w, &tint.Options{
		Level:      level,
		TimeFormat: "15:04:05.000",
		NoColor:    noColor,
	})
}

// attachFileLog tees every record into a rotating log file under logsDir and
// installs the result as the default logger. Close the returned writer when done.
func attachFileLog(console slog.Handler, logsDir string) (*slog.Logger, io.Closer) {
	file := &lumberjack.Logger{
		Filename:   filepath.Join(logsDir, logFileName),
		MaxSize:    10, // MB
		MaxBackups: 5,
		MaxAge:     30,
		Compress:   true,
	}
	fileHandler := slog.NewTextHandler(file, &slog.HandlerOptions{Level: slog.LevelDebug})

	logger := slog.New(utils.NewMultiLogHandler(console, fileHandler))
	slog.SetDefault(logger)
	return logger, file
}
