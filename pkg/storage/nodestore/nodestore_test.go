package nodestore

import (
	"context"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/require"
)

func TestLoadBeforeSave(t *testing.T) {
	s, err := Open(":memory:")
	require.NoError(t, err)
	defer s.Close()

	_, ok, err := s.Load(context.Background())
	require.NoError(t, err)
	require.False(t, ok)
}

func TestSaveOverwritesSingleRow(t *testing.T) {
	ctx := context.Background()
	s, err := Open(":memory:")
	require.NoError(t, err)
	defer s.Close()
	s.now = func() time.Time { return time.Unix(1700000000, 0) }

	require.NoError(t, s.SaveLocation(ctx, 0.25, 0.1))
	require.NoError(t, s.SaveLocation(ctx, 0.75, -0.4))

	st, ok, err := s.Load(ctx)
	require.NoError(t, err)
	require.True(t, ok)
	require.Equal(t, 0.75, st.Location)
	require.Equal(t, -0.4, st.LocChangeSession)
	require.Equal(t, time.Unix(1700000000, 0), st.UpdatedAt)

	var n int
	require.NoError(t, s.db.Get(&n, `SELECT COUNT(*) FROM node_state`))
	require.Equal(t, 1, n)
}

func TestStateSurvivesReopen(t *testing.T) {
	ctx := context.Background()
	path := filepath.Join(t.TempDir(), "node.db")

	s, err := Open(path)
	require.NoError(t, err)
	require.NoError(t, s.SaveLocation(ctx, 0.5, 0.2))
	require.NoError(t, s.Close())

	s, err = Open(path)
	require.NoError(t, err)
	defer s.Close()
	st, ok, err := s.Load(ctx)
	require.NoError(t, err)
	require.True(t, ok)
	require.Equal(t, 0.5, st.Location)
}

func TestNilStore(t *testing.T) {
	var s *Store
	require.ErrorIs(t, s.SaveLocation(context.Background(), 0.1, 0), ErrClosed)
	require.NoError(t, s.Close())
}
