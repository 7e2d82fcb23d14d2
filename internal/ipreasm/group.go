package ipreasm

import (
	"time"

	"firestige.xyz/captool/internal/buffer"
)

// allocLength is the initial backing size given to every fragment group's
// payload buffer, matching IP_FRAGMENTS_ALLOC_LENGTH in the original.
const allocLength = 65536

// Group is one in-flight fragmented IPv4 datagram: the bytes received so
// far, and the RFC 815 holes list tracking what's still missing.
type Group struct {
	id             GroupID
	firstTimestamp time.Time
	totalLength    uint32
	hasTotalLength bool
	payload        *buffer.Buffer
	holes          []hole
}

func newGroup(id GroupID, timestamp time.Time) *Group {
	return &Group{
		id:             id,
		firstTimestamp: timestamp,
		payload:        buffer.New(allocLength),
		holes:          []hole{{first: 0, last: maxHoleEnd}},
	}
}

// AddFragment copies payload into its position and updates the holes list.
// It returns false only when the copy itself fails (allocator exhaustion);
// the group is left exactly as it was before the call in that case.
func (g *Group) AddFragment(payload []byte, first uint32, moreFrags bool) bool {
	if !g.payload.CopyAt(payload, int(first)) {
		return false
	}

	last := first + uint32(len(payload))
	if !moreFrags {
		g.totalLength = last
		g.hasTotalLength = true
	}

	kept := g.holes[:0]
	var added []hole
	for _, h := range g.holes {
		if first > h.last || last < h.first {
			kept = append(kept, h)
			continue
		}
		if first > h.first {
			added = append(added, hole{first: h.first, last: first})
		}
		if last < h.last && moreFrags {
			added = append(added, hole{first: last, last: h.last})
		}
		// h itself is consumed: neither re-added to kept nor carried forward.
	}
	g.holes = append(kept, added...)
	return true
}

// IsCompleted reports whether every byte of the datagram has been received.
func (g *Group) IsCompleted() bool {
	return len(g.holes) == 0
}

// AssembledPayload returns the reassembled bytes. Only meaningful once
// IsCompleted reports true.
func (g *Group) AssembledPayload() []byte {
	data, length := g.payload.Get()
	if uint32(length) > g.totalLength {
		return data[:g.totalLength]
	}
	return data
}
