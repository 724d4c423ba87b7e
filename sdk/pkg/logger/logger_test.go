package logger

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"go.uber.org/zap"
	"go.uber.org/zap/zapcore"
	"go.uber.org/zap/zaptest/observer"
)

func TestReplaceGlobals(t *testing.T) {
	prev := Logger
	t.Cleanup(func() { ReplaceGlobals(prev) })

	core, logs := observer.New(zapcore.InfoLevel)
	ReplaceGlobals(zap.New(core))

	OrGlobal(nil).Info("event handled", EventFields("e-1", "user.registered")...)
	entries := logs.All()
	if assert.Len(t, entries, 1) {
		assert.Equal(t, "e-1", entries[0].ContextMap()["event_id"])
		assert.Equal(t, "user.registered", entries[0].ContextMap()["event_type"])
	}

	injected := zap.NewNop()
	assert.Same(t, injected, OrGlobal(injected))

	ReplaceGlobals(nil)
	assert.NotNil(t, Logger)
	assert.NotPanics(t, func() { OrGlobal(nil).Info("discarded") })
}
