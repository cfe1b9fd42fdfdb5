package registry

import (
	"context"
	"errors"
	"testing"
	"time"

	"possync/internal/store"
	"possync/internal/store/memstore"
	"possync/internal/types"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func newTestRegistry(repo store.RegistryRepository) *Registry {
	r := New(repo)
	base := time.Date(2026, 1, 5, 14, 30, 0, 0, time.UTC)
	n := 0
	r.nowFn = func() time.Time {
		n++
		return base.Add(time.Duration(n) * time.Second)
	}
	return r
}

func TestAddActiveIdempotent(t *testing.T) {
	ctx := context.Background()
	r := newTestRegistry(memstore.NewRegistry())
	var changes []Change
	r.Subscribe(func(c Change) { changes = append(changes, c) })

	c := types.Contract{ID: "1001", Symbol: "SPY"}
	_, err := r.AddActive(ctx, c, "ic-1")
	require.NoError(t, err)
	_, err = r.AddActive(ctx, c, "ic-1")
	require.NoError(t, err)

	assert.True(t, r.IsActive("1001"))
	assert.Equal(t, int64(1), r.Version())
	assert.Len(t, changes, 1)
	assert.Len(t, r.ListActive(), 1)
}

func TestListActiveStableOrder(t *testing.T) {
	ctx := context.Background()
	r := newTestRegistry(memstore.NewRegistry())
	for _, id := range []string{"30", "10", "20"} {
		_, err := r.AddActive(ctx, types.Contract{ID: id, Symbol: "QQQ"}, "s")
		require.NoError(t, err)
	}
	got := r.ListActive()
	require.Len(t, got, 3)
	assert.Equal(t, []string{"30", "10", "20"}, []string{got[0].ID, got[1].ID, got[2].ID})
}

func TestRemoveActive(t *testing.T) {
	ctx := context.Background()
	repo := memstore.NewRegistry()
	r := newTestRegistry(repo)
	_, err := r.AddActive(ctx, types.Contract{ID: "1"}, "s")
	require.NoError(t, err)

	require.NoError(t, r.RemoveActive(ctx, "1"))
	assert.False(t, r.IsActive("1"))
	assert.Equal(t, int64(2), r.Version())
	assert.ErrorIs(t, r.RemoveActive(ctx, "1"), ErrNotFound)

	changes, err := r.Changes(ctx, 0)
	require.NoError(t, err)
	require.Len(t, changes, 2)
	assert.Equal(t, store.OpRemove, changes[0].Op)
}

func TestPersistFailureLeavesViewUntouched(t *testing.T) {
	ctx := context.Background()
	repo := memstore.NewRegistry()
	repo.FailWith = errors.New("disk full")
	r := newTestRegistry(repo)
	notified := false
	r.Subscribe(func(Change) { notified = true })

	_, err := r.AddActive(ctx, types.Contract{ID: "1"}, "s")
	assert.Error(t, err)
	assert.False(t, r.IsActive("1"))
	assert.Equal(t, int64(0), r.Version())
	assert.False(t, notified)
}

func TestLoadRebuildsFromRepository(t *testing.T) {
	ctx := context.Background()
	repo := memstore.NewRegistry()
	r1 := newTestRegistry(repo)
	_, err := r1.AddActive(ctx, types.Contract{ID: "1"}, "a")
	require.NoError(t, err)
	_, err = r1.AddActive(ctx, types.Contract{ID: "2"}, "b")
	require.NoError(t, err)

	r2 := New(repo)
	require.NoError(t, r2.Load(ctx))
	assert.True(t, r2.IsActive("1"))
	assert.True(t, r2.IsActive("2"))
	assert.Equal(t, int64(2), r2.Version())
}
