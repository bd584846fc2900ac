package store_test

import (
	"context"
	"encoding/json"
	"path/filepath"
	"testing"
	"time"

	"github.com/ChuLiYu/lattice-dispatch/internal/store"
	"github.com/ChuLiYu/lattice-dispatch/internal/store/storetest"
	"github.com/ChuLiYu/lattice-dispatch/pkg/types"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestMemoryStore(t *testing.T) {
	storetest.Run(t, func(t *testing.T) store.Store {
		return store.NewMemory()
	})
}

func TestJournaledMemoryStore(t *testing.T) {
	storetest.Run(t, func(t *testing.T) store.Store {
		dir := t.TempDir()
		s, err := store.OpenMemory(store.MemoryOptions{
			WALPath:      filepath.Join(dir, "dispatch.wal"),
			SnapshotPath: filepath.Join(dir, "dispatch.snapshot"),
		})
		require.NoError(t, err)
		t.Cleanup(func() { s.Close() })
		return s
	})
}

func openJournaled(t *testing.T, dir string) *store.Memory {
	t.Helper()
	s, err := store.OpenMemory(store.MemoryOptions{
		WALPath:      filepath.Join(dir, "dispatch.wal"),
		SnapshotPath: filepath.Join(dir, "dispatch.snapshot"),
	})
	require.NoError(t, err)
	return s
}

func TestRecoverFromWALOnly(t *testing.T) {
	ctx := context.Background()
	dir := t.TempDir()

	s := openJournaled(t, dir)
	require.NoError(t, s.CreateDispatch(ctx, storetest.DiamondRecord("d1")))
	require.NoError(t, s.UpdateNodeResult(ctx, "d1", types.NodeResult{NodeID: 0, Status: types.StatusCompleted, Output: json.RawMessage(`3`)}))
	require.NoError(t, s.Close())

	s2 := openJournaled(t, dir)
	defer s2.Close()

	n, err := s2.GetNode(ctx, "d1", 0)
	require.NoError(t, err)
	assert.Equal(t, types.StatusCompleted, n.Status)
	d, err := s2.GetDispatch(ctx, "d1")
	require.NoError(t, err)
	assert.Equal(t, 1, d.CompletedElectronNum)
}

func TestRecoverFromSnapshotAndWAL(t *testing.T) {
	ctx := context.Background()
	dir := t.TempDir()

	s := openJournaled(t, dir)
	require.NoError(t, s.CreateDispatch(ctx, storetest.DiamondRecord("d1")))
	require.NoError(t, s.UpdateNodeResult(ctx, "d1", types.NodeResult{NodeID: 0, Status: types.StatusCompleted}))
	require.NoError(t, s.PersistResult(ctx, "d1"))

	// 快照之後的寫入只存在於 WAL
	now := time.Now().UTC()
	require.NoError(t, s.UpdateNodeResult(ctx, "d1", types.NodeResult{NodeID: 1, Status: types.StatusCompleted, EndTime: &now}))
	require.NoError(t, s.Close())

	s2 := openJournaled(t, dir)
	defer s2.Close()

	d, err := s2.GetDispatch(ctx, "d1")
	require.NoError(t, err)
	assert.Equal(t, 2, d.CompletedElectronNum, "snapshot events must not be replayed twice")

	n, err := s2.GetNode(ctx, "d1", 1)
	require.NoError(t, err)
	assert.Equal(t, types.StatusCompleted, n.Status)
}

func TestRejectedWriteIsNotJournaled(t *testing.T) {
	ctx := context.Background()
	dir := t.TempDir()

	s := openJournaled(t, dir)
	require.NoError(t, s.CreateDispatch(ctx, storetest.DiamondRecord("d1")))
	require.NoError(t, s.UpdateNodeResult(ctx, "d1", types.NodeResult{NodeID: 1, Status: types.StatusFailed}))
	err := s.UpdateNodeResult(ctx, "d1", types.NodeResult{NodeID: 1, Status: types.StatusCompleted})
	require.ErrorIs(t, err, store.ErrInvalidTransition)
	require.NoError(t, s.Close())

	s2 := openJournaled(t, dir)
	defer s2.Close()
	d, err := s2.GetDispatch(ctx, "d1")
	require.NoError(t, err)
	assert.Equal(t, 0, d.CompletedElectronNum)
}
