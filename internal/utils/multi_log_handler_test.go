package utils

import (
	"bytes"
	"log/slog"
	"testing"

	"github.com/stretchr/testify/assert"
)

func TestMultiLogHandler_FansOutByLevel(t *testing.T) {
	var debugBuf, warnBuf bytes.Buffer
	debugHandler := slog.NewTextHandler(&debugBuf, &slog.HandlerOptions{Level: slog.LevelDebug})
	warnHandler := slog.NewTextHandler(&warnBuf, &slog.HandlerOptions{Level: slog.LevelWarn})

	logger := slog.New(NewMultiLogHandler(debugHandler, warnHandler)).With("run", "r1")
	logger.Info("upload", "path", "a.txt")
	logger.Warn("archive failed", "path", "b.txt")

	assert.Contains(t, debugBuf.String(), "path=a.txt")
	assert.Contains(t, debugBuf.String(), "path=b.txt")
	assert.NotContains(t, warnBuf.String(), "path=a.txt")
	assert.Contains(t, warnBuf.String(), "run=r1")
	assert.Contains(t, warnBuf.String(), "path=b.txt")
}
