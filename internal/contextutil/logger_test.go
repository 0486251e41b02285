package contextutil

import (
	"bytes"
	"context"
	"log/slog"
	"testing"

	"github.com/stretchr/testify/assert"
)

func TestLoggerRoundTrip(t *testing.T) {
	var buf bytes.Buffer
	logger := slog.New(slog.NewTextHandler(&buf, nil))

	ctx := WithLogger(context.Background(), logger)
	LoggerFromContext(ctx).Info("attached")
	assert.Contains(t, buf.String(), "attached")
}

func TestLoggerFromContextDefault(t *testing.T) {
	assert.Equal(t, slog.Default(), LoggerFromContext(context.Background()))
}
