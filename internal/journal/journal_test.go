package journal

import (
	"context"
	"database/sql"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap/zaptest"
)

func openTestStore(t *testing.T, path string) *Store {
	t.Helper()
	s, err := Open(zaptest.NewLogger(t), path)
	require.NoError(t, err)
	return s
}

func TestRecordAndDeliver(t *testing.T) {
	ctx := context.Background()
	s := openTestStore(t, filepath.Join(t.TempDir(), "journal.db"))
	defer s.Close()

	id1, err := s.Record(ctx, Solution{Device: "cpu0", Offset: "42", Mnemonic: "abandon about"})
	require.NoError(t, err)
	id2, err := s.Record(ctx, Solution{Device: "cpu1", Offset: "43", Mnemonic: "zoo wrong"})
	require.NoError(t, err)

	pending, err := s.Pending(ctx)
	require.NoError(t, err)
	require.Len(t, pending, 2)
	assert.Equal(t, id1, pending[0].ID)
	assert.Equal(t, "abandon about", pending[0].Mnemonic)
	assert.Equal(t, "42", pending[0].Offset)
	assert.False(t, pending[0].FoundAt.IsZero())

	require.NoError(t, s.MarkDelivered(ctx, id1))
	require.NoError(t, s.MarkDelivered(ctx, id1))

	pending, err = s.Pending(ctx)
	require.NoError(t, err)
	require.Len(t, pending, 1)
	assert.Equal(t, id2, pending[0].ID)

	sol, err := s.Get(ctx, id1)
	require.NoError(t, err)
	assert.True(t, sol.Delivered())
}

func TestPendingSurvivesReopen(t *testing.T) {
	ctx := context.Background()
	path := filepath.Join(t.TempDir(), "nested", "journal.db")

	s := openTestStore(t, path)
	_, err := s.Record(ctx, Solution{Device: "cpu0", Offset: "7", Mnemonic: "legal winner"})
	require.NoError(t, err)
	require.NoError(t, s.Close())

	s = openTestStore(t, path)
	defer s.Close()
	pending, err := s.Pending(ctx)
	require.NoError(t, err)
	require.Len(t, pending, 1)
	assert.Equal(t, "legal winner", pending[0].Mnemonic)
}

func TestOpenEmptyPath(t *testing.T) {
	_, err := Open(zaptest.NewLogger(t), "")
	assert.Error(t, err)
}

func TestListIncludesDelivered(t *testing.T) {
	ctx := context.Background()
	s := openTestStore(t, filepath.Join(t.TempDir(), "journal.db"))
	defer s.Close()

	id1, err := s.Record(ctx, Solution{Device: "cpu0", Offset: "1", Mnemonic: "first"})
	require.NoError(t, err)
	_, err = s.Record(ctx, Solution{Device: "cpu0", Offset: "2", Mnemonic: "second"})
	require.NoError(t, err)
	require.NoError(t, s.MarkDelivered(ctx, id1))

	all, err := s.List(ctx)
	require.NoError(t, err)
	require.Len(t, all, 2)
	assert.True(t, all[0].Delivered())
	assert.False(t, all[1].Delivered())
	assert.Equal(t, "second", all[1].Mnemonic)
}

func TestGetUnknown(t *testing.T) {
	s := openTestStore(t, filepath.Join(t.TempDir(), "journal.db"))
	defer s.Close()

	_, err := s.Get(context.Background(), 99)
	assert.ErrorIs(t, err, sql.ErrNoRows)
}
