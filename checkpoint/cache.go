package checkpoint

import (
	"bytes"
	"sync"

	"github.com/dshills/contentflow/content"
)

// stateCache keeps the decoded state for tasks this worker recently
// checkpointed, so a same-worker reload skips the snapshot decode. It is
// strictly a read accelerator: an entry is used only when its snapshot bytes
// match the row's snapshot exactly, so the stored state_snapshot stays
// authoritative and a stale entry is just a miss.
type stateCache struct {
	mu      sync.Mutex
	entries map[string]cacheEntry
}

type cacheEntry struct {
	snapshot []byte
	state    content.State
}

func newStateCache() *stateCache {
	return &stateCache{entries: make(map[string]cacheEntry)}
}

func (c *stateCache) put(taskID string, snapshot []byte, state content.State) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.entries[taskID] = cacheEntry{snapshot: snapshot, state: state}
}

func (c *stateCache) get(taskID string, snapshot []byte) (content.State, bool) {
	c.mu.Lock()
	defer c.mu.Unlock()
	e, ok := c.entries[taskID]
	if !ok || !bytes.Equal(e.snapshot, snapshot) {
		return content.State{}, false
	}
	return e.state, true
}

func (c *stateCache) drop(taskID string) {
	c.mu.Lock()
	defer c.mu.Unlock()
	delete(c.entries, taskID)
}
