package storage

import (
	"context"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	logx "schd/pkg/logx"
)

func openStores(t *testing.T) map[string]Store {
	t.Helper()
	mem, err := Open(Config{}, logx.Nop())
	require.NoError(t, err)
	sq, err := Open(Config{Driver: "sqlite", Path: filepath.Join(t.TempDir(), "state", "schd.db")}, logx.Nop())
	require.NoError(t, err)
	t.Cleanup(func() {
		_ = mem.Close()
		_ = sq.Close()
	})
	return map[string]Store{"memory": mem, "sqlite": sq}
}

func TestMarkSeen(t *testing.T) {
	for name, st := range openStores(t) {
		st := st
		t.Run(name, func(t *testing.T) {
			ctx := context.Background()
			until := time.Now().Add(time.Hour)

			fresh, err := st.MarkSeen(ctx, "job_a/1", until)
			require.NoError(t, err)
			assert.True(t, fresh)

			fresh, err = st.MarkSeen(ctx, "job_a/1", until)
			require.NoError(t, err)
			assert.False(t, fresh, "duplicate within window")

			fresh, err = st.MarkSeen(ctx, "job_a/2", until)
			require.NoError(t, err)
			assert.True(t, fresh)
		})
	}
}

func TestMarkSeenAfterExpiry(t *testing.T) {
	for name, st := range openStores(t) {
		st := st
		t.Run(name, func(t *testing.T) {
			ctx := context.Background()
			fresh, err := st.MarkSeen(ctx, "k", time.Now().Add(-time.Minute))
			require.NoError(t, err)
			assert.True(t, fresh)

			fresh, err = st.MarkSeen(ctx, "k", time.Now().Add(time.Hour))
			require.NoError(t, err)
			assert.True(t, fresh, "expired mark is replaced")
		})
	}
}

func TestSQLiteSurvivesReopen(t *testing.T) {
	path := filepath.Join(t.TempDir(), "schd.db")
	ctx := context.Background()

	st, err := Open(Config{Driver: "sqlite", Path: path}, logx.Nop())
	require.NoError(t, err)
	fresh, err := st.MarkSeen(ctx, "job_a/9", time.Now().Add(time.Hour))
	require.NoError(t, err)
	require.True(t, fresh)
	require.NoError(t, st.Close())

	st, err = Open(Config{Driver: "sqlite", Path: path}, logx.Nop())
	require.NoError(t, err)
	defer st.Close()
	fresh, err = st.MarkSeen(ctx, "job_a/9", time.Now().Add(time.Hour))
	require.NoError(t, err)
	assert.False(t, fresh)
}

func TestOpenUnknownDriver(t *testing.T) {
	_, err := Open(Config{Driver: "redis"}, logx.Nop())
	require.Error(t, err)
	_, err = Open(Config{Driver: "sqlite"}, logx.Nop())
	require.Error(t, err, "sqlite needs a path")
}

func TestMemoryClosed(t *testing.T) {
	st := NewMemory()
	require.NoError(t, st.Close())
	_, err := st.MarkSeen(context.Background(), "k", time.Now())
	assert.ErrorIs(t, err, ErrClosed)
}
