package gwlog

import (
	"errors"
	"testing"

	"github.com/stretchr/testify/require"
	"go.uber.org/zap"
)

func TestNewNopDoesNotPanic(t *testing.T) {
	l := NewNop()
	l.Info("hello", zap.Uint64("file_id", 1))
	require.NoError(t, l.Sync())
}

func TestOpLogsCompletion(t *testing.T) {
	l := NewNop()
	done := l.Op("write_block", zap.Uint64("file_id", 1))
	done(nil)

	done2 := l.Op("write_block", zap.Uint64("file_id", 2))
	done2(errors.New("boom"))
}

func TestWithAttachesFields(t *testing.T) {
	l := NewNop().With(zap.Uint64("gateway_id", 100))
	l.Debug("scoped")
}

func TestNewBuildsDebugAndProductionLoggers(t *testing.T) {
	l0, err := New(0)
	require.NoError(t, err)
	require.NotNil(t, l0)

	l1, err := New(1)
	require.NoError(t, err)
	require.NotNil(t, l1)
}
