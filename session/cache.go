package session

import (
	"sync"

	"github.com/dgraph-io/ristretto/v2"
	"github.com/sirupsen/logrus"
)

// handleCacheCapacity bounds the number of open Table handles a
// Connection keeps resident at once. Unlike the page cache, eviction
// here carries no correctness constraint (closing an idle table and
// reopening it later is cheap and safe), so a generic sampled-LFU
// cache is a good fit for deciding which handle to let go.
const handleCacheCapacity = 64

// HandleCache bounds Connection's open Table handles, using ristretto
// purely as the "which handle is least valuable right now" policy; the
// set of actually-open handles is tracked separately in open, since
// ristretto has no API to enumerate its contents and checkpointAll
// needs to walk every resident table.
type HandleCache struct {
	mu    sync.Mutex
	open  map[string]*Table
	cache *ristretto.Cache[string, *Table]
	log   *logrus.Entry
}

func newHandleCache() (*HandleCache, error) {
	hc := &HandleCache{
		open: make(map[string]*Table),
		log:  logrus.WithField("component", "handle_cache"),
	}
	cache, err := ristretto.NewCache(&ristretto.Config[string, *Table]{
		NumCounters: handleCacheCapacity * 10,
		MaxCost:     handleCacheCapacity,
		BufferItems: 64,
		OnEvict: func(item *ristretto.Item[*Table]) {
			hc.evict(item.Value)
		},
	})
	if err != nil {
		return nil, err
	}
	hc.cache = cache
	return hc, nil
}

func (h *HandleCache) evict(t *Table) {
	if t == nil {
		return
	}
	h.mu.Lock()
	delete(h.open, t.name)
	h.mu.Unlock()
	if err := t.Checkpoint(); err != nil {
		h.log.WithError(err).WithField("table", t.name).Warn("checkpoint on handle eviction failed")
	}
	if err := t.Close(); err != nil {
		h.log.WithError(err).WithField("table", t.name).Warn("close on handle eviction failed")
	}
}

// getOrOpen returns the resident handle for uri, opening and admitting
// a fresh one via open if nothing is resident yet (mirroring the
// original implementation's DataHandleCache::get_or_open_primary).
func (h *HandleCache) getOrOpen(uri string, open func() (*Table, error)) (*Table, error) {
	h.mu.Lock()
	if t, ok := h.open[uri]; ok {
		h.mu.Unlock()
		h.cache.Get(uri)
		return t, nil
	}
	h.mu.Unlock()

	t, err := open()
	if err != nil {
		return nil, err
	}

	h.mu.Lock()
	if existing, ok := h.open[uri]; ok {
		h.mu.Unlock()
		t.Close()
		return existing, nil
	}
	h.open[uri] = t
	h.mu.Unlock()

	h.cache.Set(uri, t, 1)
	h.cache.Wait()
	return t, nil
}

// allTables returns every currently resident handle, for checkpointAll
// and Connection.Stats.
func (h *HandleCache) allTables() []*Table {
	h.mu.Lock()
	defer h.mu.Unlock()
	out := make([]*Table, 0, len(h.open))
	for _, t := range h.open {
		out = append(out, t)
	}
	return out
}

// closeAll closes every resident handle and the cache itself, for
// Connection.Close.
func (h *HandleCache) closeAll() error {
	h.mu.Lock()
	tables := make([]*Table, 0, len(h.open))
	for _, t := range h.open {
		tables = append(tables, t)
	}
	h.open = make(map[string]*Table)
	h.mu.Unlock()

	h.cache.Close()

	var firstErr error
	for _, t := range tables {
		if err := t.Close(); err != nil && firstErr == nil {
			firstErr = err
		}
	}
	return firstErr
}
