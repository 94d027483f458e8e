package logger

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"
	"go.uber.org/zap/zaptest/observer"
)

func TestSingletonCapture(t *testing.T) {
	core, observed := observer.New(zap.InfoLevel)
	old := Get()
	Set(zap.New(core))
	t.Cleanup(func() { Set(old) })

	Infow("token issued", "client_id", "abc")
	Debugw("should be filtered", "client_id", "abc")

	entries := observed.All()
	require.Len(t, entries, 1)
	assert.Equal(t, "token issued", entries[0].Message)
	assert.Equal(t, "abc", entries[0].ContextMap()["client_id"])
}

func TestInitializeDoesNotPanic(t *testing.T) {
	t.Setenv("UNSTRUCTURED_LOGS", "true")
	t.Setenv("LOG_LEVEL", "debug")
	Initialize()
	Debug("initialized")
}
