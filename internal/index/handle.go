package index

import (
	"sync/atomic"

	"github.com/seanblong/docrag/internal/errs"
)

type snapshot struct {
	index   *Index
	version uint64
}

// Handle is the swappable reference to the serving index. A new index is
// built off to the side and published with one atomic store, so readers see
// either the previous or the new index in full.
type Handle struct {
	cur atomic.Pointer[snapshot]
}

// Publish makes ix the serving index and returns its version number.
func (h *Handle) Publish(ix *Index) uint64 {
	for {
		old := h.cur.Load()
		next := &snapshot{index: ix, version: 1}
		if old != nil {
			next.version = old.version + 1
		}
		if h.cur.CompareAndSwap(old, next) {
			return next.version
		}
	}
}

// Current returns the serving index and its version, or nil and 0 before
// the first publish.
func (h *Handle) Current() (*Index, uint64) {
	s := h.cur.Load()
	if s == nil {
		return nil, 0
	}
	return s.index, s.version
}

// Ready returns the serving index or ErrNotReady.
func (h *Handle) Ready() (*Index, error) {
	ix, _ := h.Current()
	if ix == nil {
		return nil, errs.ErrNotReady
	}
	return ix, nil
}
