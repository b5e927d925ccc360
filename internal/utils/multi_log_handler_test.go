package utils

import (
	"bytes"
	"log/slog"
	"testing"

	"github.com/stretchr/testify/assert"
)

func TestMultiLogHandler_RespectsLevels(t *testing.T) {
	var debugBuf, warnBuf bytes.Buffer
	debugH := slog.NewTextHandler(&debugBuf, &slog.HandlerOptions{Level: slog.LevelDebug})
	warnH := slog.NewTextHandler(&warnBuf, &slog.HandlerOptions{Level: slog.LevelWarn})

	logger := slog.New(NewMultiLogHandler(debugH, warnH)).With("run", "r1")
	logger.Debug("fetching", "page", 1)
	logger.Warn("refused", "path", "/etc")

	assert.Contains(t, debugBuf.String(), "fetching")
	assert.Contains(t, debugBuf.String(), "refused")
	assert.Contains(t, debugBuf.String(), "run=r1")
	assert.NotContains(t, warnBuf.String(), "fetching")
	assert.Contains(t, warnBuf.String(), "refused")
	assert.Contains(t, warnBuf.String(), "run=r1")
}

func TestMultiLogHandler_Enabled(t *testing.T) {
	warnH := slog.NewTextHandler(&bytes.Buffer{}, &slog.HandlerOptions{Level: slog.LevelWarn})
	h := NewMultiLogHandler(warnH)

	assert.False(t, h.Enabled(t.Context(), slog.LevelInfo))
	assert.True(t, h.Enabled(t.Context(), slog.LevelError))
}
