package common

import (
	"context"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"
)

func TestInitLogger(t *testing.T) {
	require.NoError(t, InitLogger(true))
	defer Sync()

	assert.NotNil(t, GetLogger())
}

func TestComponentLogger(t *testing.T) {
	l := ComponentLogger("topology")
	assert.NotNil(t, l)
	assert.NotSame(t, GetLogger(), l)
}

func TestLoggerContextRoundTrip(t *testing.T) {
	scoped := GetLogger().With(zap.String("request_id", "r1"))

	ctx := ContextWithLogger(context.Background(), scoped)
	assert.Same(t, scoped, LoggerFromContext(ctx))
}

func TestLoggerFromContextFallsBackToGlobal(t *testing.T) {
	assert.Same(t, GetLogger(), LoggerFromContext(context.Background()))
}
