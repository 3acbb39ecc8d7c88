package dbsession

import (
	"testing"

	"github.com/stretchr/testify/require"
)

// These tests exercise the state machine's guard conditions without a
// live database: every failure path here is reached before any pool
// method is ever called, so a nil pool is safe.

func TestCommitWhileIdleFails(t *testing.T) {
	s := New(nil)
	require.Equal(t, Idle, s.State())
	err := s.CommitTransaction(nil) //nolint:staticcheck
	require.Error(t, err)
}

func TestRevertWhileIdleFails(t *testing.T) {
	s := New(nil)
	err := s.RevertTransaction(nil) //nolint:staticcheck
	require.Error(t, err)
}

func TestPutObjectOutsideTxFails(t *testing.T) {
	s := New(nil)
	err := s.PutObject(nil, "INSERT INTO x", nil) //nolint:staticcheck
	require.Error(t, err)
}

func TestGetObjectOutsideTxFails(t *testing.T) {
	s := New(nil)
	_, ok, err := s.GetObject(nil, "SELECT object FROM x") //nolint:staticcheck
	require.Error(t, err)
	require.False(t, ok)
}

func TestReleaseWhileInTxFails(t *testing.T) {
	s := &Session{state: InTx}
	err := s.Release()
	require.Error(t, err)
}

func TestStateString(t *testing.T) {
	require.Equal(t, "idle", Idle.String())
	require.Equal(t, "in_tx", InTx.String())
}
