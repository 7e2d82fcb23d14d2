// Package flow implements the canonical, bidirectional Flow record the core
// tags with classification outcomes. See SPEC_FULL.md §1, spec.md §4.H.
package flow

import (
	"net/netip"

	"firestige.xyz/captool/internal/classification"
)

// ID is a flow's canonical five-tuple: endpoints ordered (lower, higher) so
// the two directions of a connection share one record.
type ID struct {
	Lower, Higher netip.AddrPort
	Protocol      uint8
}

// canonicalize orders two endpoints so the same conversation always
// produces the same ID regardless of which side was seen first.
func canonicalize(a, b netip.AddrPort, protocol uint8) (ID, bool) {
	if a == b {
		return ID{Lower: a, Higher: b, Protocol: protocol}, true
	}
	if compareAddrPort(a, b) <= 0 {
		return ID{Lower: a, Higher: b, Protocol: protocol}, true
	}
	return ID{Lower: b, Higher: a, Protocol: protocol}, false
}

func compareAddrPort(a, b netip.AddrPort) int {
	if c := a.Addr().Compare(b.Addr()); c != 0 {
		return c
	}
	if a.Port() < b.Port() {
		return -1
	}
	if a.Port() > b.Port() {
		return 1
	}
	return 0
}

// NewID canonicalizes src/dst into an ID plus whether src was the
// lexicographically lower endpoint (i.e. this observation is upload).
func NewID(src, dst netip.AddrPort, protocol uint8) (ID, bool) {
	return canonicalize(src, dst, protocol)
}

// Flow is the bidirectional record identified by a canonical five-tuple:
// packet/byte counters in both directions, a tag container, and the hint and
// classification transition bookkeeping the core observes.
type Flow struct {
	id     ID
	handle uint64

	uploadPackets, downloadPackets uint64
	uploadBytes, downloadBytes     uint64

	tags *classification.TagContainer

	hintSet map[uint64]struct{} // key: blockID<<32 | hintID

	userID      string
	hasUserID   bool
	equipmentID string
	hasEquipID  bool

	lastHintedPacket          uint64
	hasLastHintedPacket       bool
	firstFinalClassifiedIndex uint64
	wasFinal                  bool
}

// New returns a Flow identified by id, with a tag container sized for
// numFacets.
func New(id ID, numFacets int) *Flow {
	return &Flow{
		id:      id,
		tags:    classification.NewTagContainer(numFacets),
		hintSet: make(map[uint64]struct{}),
	}
}

func (f *Flow) ID() ID { return f.id }

// Observe records one packet's worth of bytes in the given direction. It is
// the core's only way of advancing the upload/download counters the rest of
// Flow's bookkeeping (hint/final packet indices) is expressed in terms of.
func (f *Flow) Observe(upload bool, bytes int) {
	if upload {
		f.uploadPackets++
		f.uploadBytes += uint64(bytes)
	} else {
		f.downloadPackets++
		f.downloadBytes += uint64(bytes)
	}
}

func (f *Flow) UploadPackets() uint64   { return f.uploadPackets }
func (f *Flow) DownloadPackets() uint64 { return f.downloadPackets }
func (f *Flow) UploadBytes() uint64     { return f.uploadBytes }
func (f *Flow) DownloadBytes() uint64   { return f.downloadBytes }

func (f *Flow) packetIndex() uint64 { return f.uploadPackets + f.downloadPackets }

func hintKey(blockID, hintID uint32) uint64 {
	return uint64(blockID)<<32 | uint64(hintID)
}

// SetHint records a signature-match hint. It returns true only the first
// time this (blockID, hintID) pair is seen for this flow, at which point it
// also remembers the packet index that first produced it.
func (f *Flow) SetHint(blockID, hintID uint32) bool {
	key := hintKey(blockID, hintID)
	if _, seen := f.hintSet[key]; seen {
		return false
	}
	f.hintSet[key] = struct{}{}
	f.lastHintedPacket = f.packetIndex()
	f.hasLastHintedPacket = true
	return true
}

func (f *Flow) LastHintedPacket() (uint64, bool) {
	return f.lastHintedPacket, f.hasLastHintedPacket
}

// SetTags merges tags into the flow's container, attributed to blockID. If
// this merge transitions IsFinal from false to true, the current packet
// index is recorded as the first-final-classified index.
func (f *Flow) SetTags(mask classification.FinalMask, tags *classification.TagContainer, blockID int, final bool) {
	before := f.tags.IsFinal(mask)
	f.tags.Merge(tags, blockID, final)
	after := f.tags.IsFinal(mask)
	if !before && after && !f.wasFinal {
		f.firstFinalClassifiedIndex = f.packetIndex()
		f.wasFinal = true
	}
}

func (f *Flow) IsFinal(mask classification.FinalMask) bool {
	return f.tags.IsFinal(mask)
}

func (f *Flow) FirstFinalClassifiedPacket() (uint64, bool) {
	return f.firstFinalClassifiedIndex, f.wasFinal
}

func (f *Flow) Tags() *classification.TagContainer { return f.tags }

// SetUserID, SetEquipmentID are one-shot: the first caller wins.
func (f *Flow) SetUserID(id string) {
	if !f.hasUserID {
		f.userID = id
		f.hasUserID = true
	}
}

func (f *Flow) UserID() (string, bool) { return f.userID, f.hasUserID }

func (f *Flow) SetEquipmentID(id string) {
	if !f.hasEquipID {
		f.equipmentID = id
		f.hasEquipID = true
	}
}

func (f *Flow) EquipmentID() (string, bool) { return f.equipmentID, f.hasEquipID }
