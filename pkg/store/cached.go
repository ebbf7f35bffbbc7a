package store

import (
	"context"
	"fmt"
	"sync"

	"github.com/arnavsurve/mendstep/pkg/types"
	lru "github.com/hashicorp/golang-lru/v2"
)

const defaultCacheSize = 256

type versionKey struct {
	workflowID string
	version    int
}

// CachedStore is a read-through cache in front of another Store. Versions are
// immutable, so Get results are cached indefinitely; the latest-version entry
// is dropped on every write to the workflow.
type CachedStore struct {
	Store

	latest   *lru.Cache[string, types.ScriptVersion]
	versions *lru.Cache[versionKey, types.ScriptVersion]

	// gen counts writes per workflow so a read that raced a write does not
	// repopulate the cache with the old latest version.
	mu  sync.Mutex
	gen map[string]uint64
}

func NewCachedStore(inner Store, size int) (*CachedStore, error) {
	if size <= 0 {
		size = defaultCacheSize
	}
	latest, err := lru.New[string, types.ScriptVersion](size)
	if err != nil {
		return nil, fmt.Errorf("creating latest cache: %w", err)
	}
	versions, err := lru.New[versionKey, types.ScriptVersion](size)
	if err != nil {
		return nil, fmt.Errorf("creating version cache: %w", err)
	}
	return &CachedStore{Store: inner, latest: latest, versions: versions, gen: make(map[string]uint64)}, nil
}

func (c *CachedStore) generation(workflowID string) uint64 {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.gen[workflowID]
}

func (c *CachedStore) bump(workflowID string) {
	c.mu.Lock()
	c.gen[workflowID]++
	c.mu.Unlock()
	c.latest.Remove(workflowID)
}

func (c *CachedStore) SaveNew(ctx context.Context, workflowID, code, notes string) (types.ScriptVersion, error) {
	defer c.bump(workflowID)
	v, err := c.Store.SaveNew(ctx, workflowID, code, notes)
	if err != nil {
		return v, err
	}
	c.versions.Add(versionKey{workflowID, v.Version}, v)
	return v, nil
}

func (c *CachedStore) Invalidate(ctx context.Context, workflowID string) error {
	defer c.bump(workflowID)
	return c.Store.Invalidate(ctx, workflowID)
}

func (c *CachedStore) GetLatest(ctx context.Context, workflowID string) (types.ScriptVersion, bool, error) {
	if v, ok := c.latest.Get(workflowID); ok {
		return v, true, nil
	}
	gen := c.generation(workflowID)
	v, ok, err := c.Store.GetLatest(ctx, workflowID)
	if err != nil || !ok {
		return v, ok, err
	}

	c.mu.Lock()
	if c.gen[workflowID] == gen {
		c.latest.Add(workflowID, v)
	}
	c.mu.Unlock()
	c.versions.Add(versionKey{workflowID, v.Version}, v)
	return v, true, nil
}

func (c *CachedStore) Get(ctx context.Context, workflowID string, version int) (types.ScriptVersion, error) {
	key := versionKey{workflowID, version}
	if v, ok := c.versions.Get(key); ok {
		return v, nil
	}
	v, err := c.Store.Get(ctx, workflowID, version)
	if err != nil {
		return v, err
	}
	c.versions.Add(key, v)
	return v, nil
}
