package flow

import (
	"strconv"

	"github.com/cespare/xxhash/v2"
)

// Tracker owns every live Flow, indexed both by canonical ID (for
// resolution from a fresh IP/transport tuple) and by a numeric handle (the
// weak, non-owning reference a Packet carries once its Flow has been
// resolved — see Design Notes §9 on cyclic/back-references).
type Tracker struct {
	numFacets int
	byKey     map[uint64]*Flow
	handles   []*Flow
}

// NewTracker returns an empty Tracker whose flows are given tag containers
// sized for numFacets.
func NewTracker(numFacets int) *Tracker {
	return &Tracker{
		numFacets: numFacets,
		byKey:     make(map[uint64]*Flow),
	}
}

func idKey(id ID) uint64 {
	s := id.Lower.String() + "|" + id.Higher.String() + "|" + strconv.Itoa(int(id.Protocol))
	return xxhash.Sum64String(s)
}

// Resolve returns the Flow for id, creating one on first sight, along with
// the weak handle a caller can stash on a Packet via SetFlowRef.
func (t *Tracker) Resolve(id ID) (*Flow, uint64) {
	key := idKey(id)
	if f, ok := t.byKey[key]; ok {
		return f, f.handle
	}
	f := New(id, t.numFacets)
	t.handles = append(t.handles, f)
	f.handle = uint64(len(t.handles))
	t.byKey[key] = f
	return f, f.handle
}

// ByHandle dereferences a weak flow handle previously returned by Resolve.
func (t *Tracker) ByHandle(handle uint64) (*Flow, bool) {
	if handle == 0 || int(handle) > len(t.handles) {
		return nil, false
	}
	return t.handles[handle-1], true
}

// Count reports the number of distinct flows currently tracked.
func (t *Tracker) Count() int { return len(t.byKey) }
