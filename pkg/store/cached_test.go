package store_test

import (
	"context"
	"testing"

	"github.com/arnavsurve/mendstep/pkg/store"
	"github.com/arnavsurve/mendstep/pkg/types"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// countingStore counts reads that reach the wrapped store.
type countingStore struct {
	store.Store
	latestCalls int
	getCalls    int
}

func (c *countingStore) GetLatest(ctx context.Context, id string) (types.ScriptVersion, bool, error) {
	c.latestCalls++
	return c.Store.GetLatest(ctx, id)
}

func (c *countingStore) Get(ctx context.Context, id string, v int) (types.ScriptVersion, error) {
	c.getCalls++
	return c.Store.Get(ctx, id, v)
}

func TestCachedStore_Contract(t *testing.T) {
	runStoreContract(t, func(t *testing.T) store.Store {
		c, err := store.NewCachedStore(newFSStore(t), 8)
		require.NoError(t, err)
		return c
	})
}

func TestCachedStore_ReadThrough(t *testing.T) {
	ctx := context.Background()
	inner := &countingStore{Store: newFSStore(t)}
	c, err := store.NewCachedStore(inner, 8)
	require.NoError(t, err)

	_, err = c.SaveNew(ctx, "wf", "one", "")
	require.NoError(t, err)

	for i := 0; i < 3; i++ {
		v, ok, err := c.GetLatest(ctx, "wf")
		require.NoError(t, err)
		require.True(t, ok)
		assert.Equal(t, 1, v.Version)
	}
	assert.Equal(t, 1, inner.latestCalls)

	_, err = c.SaveNew(ctx, "wf", "two", "")
	require.NoError(t, err)
	v, _, err := c.GetLatest(ctx, "wf")
	require.NoError(t, err)
	assert.Equal(t, 2, v.Version)
	assert.Equal(t, 2, inner.latestCalls)

	// Saved versions are served from the version cache.
	_, err = c.Get(ctx, "wf", 2)
	require.NoError(t, err)
	assert.Equal(t, 0, inner.getCalls)
}
