package logger

import (
	"testing"

	"github.com/stretchr/testify/require"
)

func TestInitAcceptsKnownLevels(t *testing.T) {
	for _, level := range []string{"debug", "info", "warn", "error"} {
		require.NoError(t, Init(level))
		require.NotNil(t, Logger())
	}
}

func TestInitFallsBackToInfoOnGarbage(t *testing.T) {
	require.NoError(t, Init("not-a-level"))
	require.NotNil(t, Logger())
}

func TestWithSessionAnnotatesLogger(t *testing.T) {
	require.NoError(t, Init("info"))
	child := WithSession("billing", "sess-1")
	require.NotNil(t, child)
	require.NotSame(t, Logger(), child)
}
