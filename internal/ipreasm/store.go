// Package ipreasm implements the IP Fragment Store: RFC 815 holes-based
// reassembly of fragmented IPv4 datagrams, bounded by a group count and
// evicted by age. See SPEC_FULL.md §1, spec.md §4.F.
package ipreasm

import (
	"net/netip"
	"time"
)

// GroupID identifies one fragmented datagram. Equality uses all four
// fields, but lookups bucket by ID alone — the IP identifier field already
// separates concurrent fragment sets between most host pairs, so a
// collision between two distinct (src,dst,proto) triples sharing an ID just
// costs a short linear scan within the bucket, never a wrong match.
type GroupID struct {
	Src, Dst netip.Addr
	ID       uint16
	Protocol uint8
}

// Outcome is the result of Ingest.
type Outcome int

const (
	// Incomplete means the fragment was accepted but the datagram still
	// has holes.
	Incomplete Outcome = iota
	// Assembled means this fragment completed the datagram; the group has
	// been evicted and its bytes are returned.
	Assembled
	// Dropped means the fragment was refused outright: either a new group
	// would exceed max_groups, or the copy itself failed.
	Dropped
)

// Store tracks every in-flight fragmented datagram.
type Store struct {
	maxGroups int
	timeout   time.Duration
	// buckets maps a GroupID's ID field to every group currently sharing
	// it; almost always a single-element slice.
	buckets map[uint16][]*Group
	count   int
}

// NewStore returns an empty Store bounding itself to maxGroups concurrently
// tracked datagrams, evicting any older than timeout.
func NewStore(maxGroups int, timeout time.Duration) *Store {
	return &Store{
		maxGroups: maxGroups,
		timeout:   timeout,
		buckets:   make(map[uint16][]*Group),
	}
}

func (s *Store) find(id GroupID) *Group {
	for _, g := range s.buckets[id.ID] {
		if g.id == id {
			return g
		}
	}
	return nil
}

// Ingest adds one fragment's bytes to the group identified by id, creating
// the group on first sight. first is the fragment's offset within the
// reassembled datagram.
func (s *Store) Ingest(id GroupID, payload []byte, first uint32, moreFrags bool, timestamp time.Time) (Outcome, []byte) {
	g := s.find(id)
	if g == nil {
		if s.count >= s.maxGroups {
			return Dropped, nil
		}
		g = newGroup(id, timestamp)
		s.buckets[id.ID] = append(s.buckets[id.ID], g)
		s.count++
	}

	if !g.AddFragment(payload, first, moreFrags) {
		return Dropped, nil
	}
	if !g.IsCompleted() {
		return Incomplete, nil
	}

	assembled := g.AssembledPayload()
	s.evict(id)
	return Assembled, assembled
}

func (s *Store) evict(id GroupID) {
	bucket := s.buckets[id.ID]
	for i, g := range bucket {
		if g.id == id {
			s.buckets[id.ID] = append(bucket[:i:i], bucket[i+1:]...)
			s.count--
			return
		}
	}
}

// Cleanup evicts every group whose first fragment arrived more than timeout
// ago, relative to now. It returns the number of groups evicted.
func (s *Store) Cleanup(now time.Time) int {
	evicted := 0
	for key, bucket := range s.buckets {
		kept := bucket[:0]
		for _, g := range bucket {
			if g.firstTimestamp.Add(s.timeout).Before(now) {
				evicted++
				s.count--
				continue
			}
			kept = append(kept, g)
		}
		if len(kept) == 0 {
			delete(s.buckets, key)
		} else {
			s.buckets[key] = kept
		}
	}
	return evicted
}

// Len reports how many groups are currently tracked.
func (s *Store) Len() int { return s.count }
