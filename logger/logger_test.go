package logger

import (
	"context"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"
	"go.uber.org/zap/zapcore"
	"go.uber.org/zap/zaptest/observer"
)

func TestVerbosityToLevel(t *testing.T) {
	assert.Equal(t, zapcore.WarnLevel, VerbosityToLevel(0))
	assert.Equal(t, zapcore.InfoLevel, VerbosityToLevel(1))
	assert.Equal(t, zapcore.DebugLevel, VerbosityToLevel(2))
	assert.Equal(t, zapcore.DebugLevel, VerbosityToLevel(7))
}

func TestInitialize(t *testing.T) {
	prev := Logger
	t.Cleanup(func() { Logger = prev; JSONOutput = false })

	require.NoError(t, Initialize(true))
	assert.True(t, JSONOutput)
	assert.NotNil(t, Logger)

	require.NoError(t, InitializeWithVerbosity(false, VerbosityDebug))
	assert.False(t, JSONOutput)
	assert.True(t, Logger.Desugar().Core().Enabled(zapcore.DebugLevel))
}

func TestFieldsFromContext(t *testing.T) {
	ctx := WithJobID(context.Background(), "job-1")
	ctx = WithRequestID(ctx, "req-9")
	ctx = WithComponent(ctx, "engine")

	fields := FieldsFromContext(ctx)
	assert.Equal(t, []interface{}{
		FieldJobID, "job-1",
		FieldRequestID, "req-9",
		FieldComponent, "engine",
	}, fields)

	assert.Empty(t, FieldsFromContext(context.Background()))
}

func TestFromContextAddsFields(t *testing.T) {
	core, logs := observer.New(zapcore.InfoLevel)
	base := zap.New(core).Sugar()

	FromContext(WithJobID(context.Background(), "job-7"), base).Infow("locked")

	require.Equal(t, 1, logs.Len())
	entry := logs.All()[0]
	assert.Equal(t, "locked", entry.Message)
	assert.Equal(t, "job-7", entry.ContextMap()[FieldJobID])
}

func TestOrNop(t *testing.T) {
	assert.NotNil(t, OrNop(nil))
	l := zap.NewExample().Sugar()
	assert.Same(t, l, OrNop(l))
}
