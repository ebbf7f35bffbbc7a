package store_test

import (
	"context"
	"fmt"
	"sync"
	"testing"

	"github.com/arnavsurve/mendstep/pkg/store"
	"github.com/arnavsurve/mendstep/pkg/types"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// runStoreContract exercises behaviour every Store implementation must share.
func runStoreContract(t *testing.T, newStore func(t *testing.T) store.Store) {
	ctx := context.Background()

	t.Run("empty workflow", func(t *testing.T) {
		s := newStore(t)
		_, ok, err := s.GetLatest(ctx, "nothing")
		require.NoError(t, err)
		assert.False(t, ok)

		versions, err := s.ListVersions(ctx, "nothing")
		require.NoError(t, err)
		assert.Empty(t, versions)

		_, err = s.Get(ctx, "nothing", 1)
		assert.ErrorIs(t, err, store.ErrNotFound)
	})

	t.Run("save and read back", func(t *testing.T) {
		s := newStore(t)
		v1, err := s.SaveNew(ctx, "wf", "function run(spec) end", "planned")
		require.NoError(t, err)
		assert.Equal(t, 1, v1.Version)
		assert.False(t, v1.CreatedAt.IsZero())

		v2, err := s.SaveNew(ctx, "wf", "function run(spec) return {} end", "repair 1")
		require.NoError(t, err)
		assert.Equal(t, 2, v2.Version)

		latest, ok, err := s.GetLatest(ctx, "wf")
		require.NoError(t, err)
		require.True(t, ok)
		assert.Equal(t, 2, latest.Version)
		assert.Equal(t, "function run(spec) return {} end", latest.Code)
		assert.Equal(t, "repair 1", latest.Notes)

		got, err := s.Get(ctx, "wf", 1)
		require.NoError(t, err)
		assert.Equal(t, "function run(spec) end", got.Code)

		versions, err := s.ListVersions(ctx, "wf")
		require.NoError(t, err)
		require.Len(t, versions, 2)
		assert.Equal(t, 1, versions[0].Version)
		assert.Equal(t, 2, versions[1].Version)
	})

	t.Run("workflows are independent", func(t *testing.T) {
		s := newStore(t)
		_, err := s.SaveNew(ctx, "a", "a1", "")
		require.NoError(t, err)
		b1, err := s.SaveNew(ctx, "b", "b1", "")
		require.NoError(t, err)
		assert.Equal(t, 1, b1.Version)
	})

	t.Run("invalidate hides latest until next save", func(t *testing.T) {
		s := newStore(t)
		_, err := s.SaveNew(ctx, "wf", "one", "")
		require.NoError(t, err)
		_, ok, err := s.GetLatest(ctx, "wf")
		require.NoError(t, err)
		require.True(t, ok)

		require.NoError(t, s.Invalidate(ctx, "wf"))
		_, ok, err = s.GetLatest(ctx, "wf")
		require.NoError(t, err)
		assert.False(t, ok)

		// Old versions stay listed and numbers are never reused.
		versions, err := s.ListVersions(ctx, "wf")
		require.NoError(t, err)
		assert.Len(t, versions, 1)

		v2, err := s.SaveNew(ctx, "wf", "two", "")
		require.NoError(t, err)
		assert.Equal(t, 2, v2.Version)
		latest, ok, err := s.GetLatest(ctx, "wf")
		require.NoError(t, err)
		require.True(t, ok)
		assert.Equal(t, "two", latest.Code)
	})

	t.Run("concurrent saves are gap free", func(t *testing.T) {
		s := newStore(t)
		const writers = 16

		var wg sync.WaitGroup
		seen := make(chan int, writers*2)
		for i := 0; i < writers; i++ {
			wg.Add(1)
			go func(i int) {
				defer wg.Done()
				for _, id := range []string{"shared", fmt.Sprintf("own-%d", i%2)} {
					v, err := s.SaveNew(ctx, id, fmt.Sprintf("code %d", i), "")
					if !assert.NoError(t, err) {
						return
					}
					if id == "shared" {
						seen <- v.Version
					}
				}
			}(i)
		}
		wg.Wait()
		close(seen)

		unique := map[int]bool{}
		for v := range seen {
			assert.False(t, unique[v], "version %d assigned twice", v)
			unique[v] = true
		}

		versions, err := s.ListVersions(ctx, "shared")
		require.NoError(t, err)
		require.Len(t, versions, writers)
		for i, v := range versions {
			assert.Equal(t, i+1, v.Version)
		}
	})

	t.Run("cancelled save is not visible", func(t *testing.T) {
		s := newStore(t)
		cctx, cancel := context.WithCancel(ctx)
		cancel()
		_, err := s.SaveNew(cctx, "wf", "never", "")
		require.Error(t, err)
		var swe *types.StoreWriteError
		assert.ErrorAs(t, err, &swe)

		versions, err := s.ListVersions(ctx, "wf")
		require.NoError(t, err)
		assert.Empty(t, versions)
	})

	t.Run("invalid workflow id", func(t *testing.T) {
		s := newStore(t)
		_, err := s.SaveNew(ctx, "../escape", "x", "")
		require.Error(t, err)
		var swe *types.StoreWriteError
		assert.ErrorAs(t, err, &swe)
	})
}

func runRecorderContract(t *testing.T, rec store.RunRecorder) {
	ctx := context.Background()

	_, err := rec.GetRun(ctx, "missing")
	assert.ErrorIs(t, err, store.ErrNotFound)

	result := types.RunResult{
		RunID:             "run-1",
		WorkflowID:        "wf",
		Status:            types.StatusRepairedSuccess,
		ScriptVersionUsed: 2,
		Logs:              []string{"INFO step 1 ok"},
		Attempts:          2,
	}
	require.NoError(t, rec.RecordRun(ctx, result))

	got, err := rec.GetRun(ctx, "run-1")
	require.NoError(t, err)
	assert.Equal(t, types.StatusRepairedSuccess, got.Status)
	assert.Equal(t, 2, got.ScriptVersionUsed)
	assert.Equal(t, []string{"INFO step 1 ok"}, got.Logs)
}
