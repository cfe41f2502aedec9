package logger

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"go.uber.org/zap"
	"go.uber.org/zap/zaptest/observer"
)

func TestInit(t *testing.T) {
	prev := L()
	defer Set(prev)

	assert.NoError(t, Init("debug", "console"))
	assert.NoError(t, Init("WARN", "json"))
	assert.Error(t, Init("loud", "json"))
}

func TestObserved(t *testing.T) {
	prev := L()
	defer Set(prev)

	core, logs := observer.New(zap.InfoLevel)
	Set(zap.New(core))

	Debug("hidden")
	Info("task created", zap.String("node", "review"))
	Error("commit failed", zap.Uint64("instance", 7))

	entries := logs.All()
	if assert.Len(t, entries, 2) {
		assert.Equal(t, "task created", entries[0].Message)
		assert.Equal(t, "review", entries[0].ContextMap()["node"])
		assert.Equal(t, zap.ErrorLevel, entries[1].Level)
	}
}
