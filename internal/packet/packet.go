// Package packet implements the mutable, reusable packet record that flows
// through a Driver pipeline: a capture-header, an ordered list of
// SegmentRecords recording which module consumed which prefix, and an
// unconsumed payload suffix. See SPEC_FULL.md §1 / spec.md §3, §4.C.
package packet

import (
	"net/netip"
	"time"

	"firestige.xyz/captool/internal/buffer"
)

// State is one of the three storage modes a Packet can be in.
type State int

const (
	// StateRaw means the packet still points into the reader's own buffer;
	// nothing has been copied out of it yet.
	StateRaw State = iota
	// StateShallowCopy means the packet owns a buffer holding every
	// consumed header byte, but the payload suffix has been dropped.
	StateShallowCopy
	// StateDeepCopy means the owned buffer also holds the payload.
	StateDeepCopy
)

func (s State) String() string {
	switch s {
	case StateRaw:
		return "RAW"
	case StateShallowCopy:
		return "SHALLOW_COPY"
	case StateDeepCopy:
		return "DEEP_COPY"
	default:
		return "UNKNOWN"
	}
}

// Direction classifies a packet relative to a Flow's canonical endpoint
// ordering, once one has been assigned.
type Direction int

const (
	DirectionUndefined Direction = iota
	DirectionUpload
	DirectionDownload
)

// CaptureHeader is the metadata a pcap reader attaches to every frame.
type CaptureHeader struct {
	Timestamp  time.Time
	WireLen    uint32
	CaptureLen uint32
}

// Owner is the capability a decoder module must expose to the packet it has
// saved a segment in: enough identity to find the segment again, and enough
// behavior to re-fix its header when a later mutation invalidates it. A
// module package satisfies this structurally; packet never imports it, which
// is what keeps module -> packet from becoming a cycle.
type Owner interface {
	Name() string
	FixHeader(p *Packet)
}

// SegmentRecord records the byte range one decoder consumed as its header.
// Offset is relative to the packet's current backing slice (raw or owned),
// never a raw pointer — see SPEC_FULL.md's note on Design Notes §9's
// pointer-translation concern, which a Go offset sidesteps entirely.
type SegmentRecord struct {
	Owner                Owner
	Offset               int
	HeaderLength         int
	PayloadLengthAtEntry int
	Valid                bool
}

// Identity is the flow-identifying triple a packet carries before a Flow has
// been resolved: network addresses and protocol number from the network
// layer, plus transport ports filled in by a later leaf decoder.
type Identity struct {
	Src, Dst netip.Addr
	Protocol uint8
	SrcPort  uint16
	DstPort  uint16
	HasPorts bool
}

// Packet is a reusable, mutable record representing one captured frame as it
// is walked through a pipeline. It is never safe for concurrent use: a
// Driver processes one packet to completion before reusing it for the next
// arrival (spec.md §5).
type Packet struct {
	header CaptureHeader
	number uint64
	state  State

	raw   []byte
	owned *buffer.Buffer

	segments []SegmentRecord

	payloadOffset int
	payloadLength int

	identity  Identity
	direction Direction

	flowRef    uint64
	hasFlowRef bool

	userID      string
	hasUserID   bool
	equipmentID string
	hasEquipID  bool
}

// New returns a Packet ready for its first Bind/Initialize.
func New() *Packet {
	return &Packet{}
}

// Bind attaches the externally-owned raw frame bytes and its capture header.
// Call before Initialize; the caller retains ownership of raw until a
// subsequent MakeCopy promotes the packet off of it.
func (p *Packet) Bind(raw []byte, header CaptureHeader) {
	p.raw = raw
	p.header = header
}

// Initialize resets the packet for reuse and assigns it the next arrival
// index. The payload cursor is set to cover the entire bound frame; each
// decoder narrows it via SaveSegment as it consumes its header.
func (p *Packet) Initialize(packetNumber uint64) {
	p.segments = p.segments[:0]
	p.identity = Identity{}
	p.direction = DirectionUndefined
	p.hasFlowRef = false
	p.flowRef = 0
	p.hasUserID = false
	p.hasEquipID = false
	p.owned = nil
	p.state = StateRaw

	p.number = packetNumber
	p.payloadOffset = 0
	p.payloadLength = int(p.header.CaptureLen)
}

func (p *Packet) PacketNumber() uint64      { return p.number }
func (p *Packet) CaptureHeader() CaptureHeader { return p.header }
func (p *Packet) State() State              { return p.state }

func (p *Packet) Direction() Direction         { return p.direction }
func (p *Packet) SetDirection(d Direction)     { p.direction = d }

func (p *Packet) Identity() Identity    { return p.identity }
func (p *Packet) SetIdentity(id Identity) { p.identity = id }

// SetPorts fills in the transport ports once a leaf decoder has parsed them.
func (p *Packet) SetPorts(src, dst uint16) {
	p.identity.SrcPort = src
	p.identity.DstPort = dst
	p.identity.HasPorts = true
}

// FlowRef returns the weak, non-owning handle into a Flow Tracker's table,
// if one has been assigned yet.
func (p *Packet) FlowRef() (uint64, bool) { return p.flowRef, p.hasFlowRef }

// SetFlowRef assigns the weak flow handle; called once, lazily, by the
// first decoder that resolves this packet's Flow.
func (p *Packet) SetFlowRef(ref uint64) {
	p.flowRef = ref
	p.hasFlowRef = true
}

func (p *Packet) UserID() (string, bool) { return p.userID, p.hasUserID }
func (p *Packet) SetUserID(id string) {
	if p.hasUserID {
		return
	}
	p.userID = id
	p.hasUserID = true
}

func (p *Packet) EquipmentID() (string, bool) { return p.equipmentID, p.hasEquipID }
func (p *Packet) SetEquipmentID(id string) {
	if p.hasEquipID {
		return
	}
	p.equipmentID = id
	p.hasEquipID = true
}

// backing returns the slice currently holding the packet's bytes, whether
// that is the reader's raw buffer or this packet's own owned copy.
func (p *Packet) backing() []byte {
	if p.state == StateRaw {
		return p.raw
	}
	data, _ := p.owned.Get()
	return data
}

// Payload returns the unconsumed suffix: the bytes no decoder has yet
// claimed as its own header.
func (p *Packet) Payload() []byte {
	full := p.backing()
	if p.payloadLength == 0 || p.payloadOffset+p.payloadLength > len(full) {
		return nil
	}
	return full[p.payloadOffset : p.payloadOffset+p.payloadLength]
}

func (p *Packet) PayloadLength() int { return p.payloadLength }

// SaveSegment records headerLength bytes, starting at the current payload
// cursor, as belonging to owner, then advances the cursor past them.
func (p *Packet) SaveSegment(owner Owner, headerLength int) bool {
	if headerLength < 0 || headerLength > p.payloadLength {
		return false
	}
	rec := SegmentRecord{
		Owner:        owner,
		Offset:       p.payloadOffset,
		HeaderLength: headerLength,
	}
	p.payloadOffset += headerLength
	p.payloadLength -= headerLength
	rec.PayloadLengthAtEntry = p.payloadLength
	rec.Valid = true
	p.segments = append(p.segments, rec)
	return true
}

// GetSegment returns the raw bytes owner recorded via SaveSegment, if any.
func (p *Packet) GetSegment(owner Owner) ([]byte, bool) {
	idx := p.indexOf(owner)
	if idx < 0 {
		return nil, false
	}
	rec := p.segments[idx]
	full := p.backing()
	return full[rec.Offset : rec.Offset+rec.HeaderLength], true
}

// Invalidate marks owner's segment as needing a FixHeader pass before the
// next serialization; ChangePayload does this to every segment at once.
func (p *Packet) Invalidate(owner Owner) {
	if idx := p.indexOf(owner); idx >= 0 {
		p.segments[idx].Valid = false
	}
}

func (p *Packet) indexOf(owner Owner) int {
	for i := range p.segments {
		if p.segments[i].Owner == owner {
			return i
		}
	}
	return -1
}

// SegmentsTotalLength sums owner's own header length plus every segment
// recorded after it, plus the current payload — the value an IP-style
// module needs to recompute its own total_length field in FixHeader.
func (p *Packet) SegmentsTotalLength(owner Owner) int {
	idx := p.indexOf(owner)
	if idx < 0 {
		return 0
	}
	total := p.payloadLength
	for i := idx; i < len(p.segments); i++ {
		total += p.segments[i].HeaderLength
	}
	return total
}

// MakeCopy promotes the packet off of the reader's raw buffer and onto one
// it owns. Calling it again once already promoted is a no-op returning true,
// regardless of copyPayload — matching the original's idempotence contract.
func (p *Packet) MakeCopy(copyPayload bool) bool {
	if p.state != StateRaw {
		return true
	}
	full := p.backing()
	capLen := int(p.header.CaptureLen)
	if capLen > len(full) {
		capLen = len(full)
	}

	toCopy := capLen
	if !copyPayload {
		toCopy = capLen - p.payloadLength
	}
	if toCopy < 0 {
		toCopy = 0
	}

	owned := buffer.New(toCopy)
	if !owned.Copy(full[:toCopy]) {
		return false
	}
	p.raw = nil
	p.owned = owned

	if copyPayload {
		p.state = StateDeepCopy
		return true
	}

	dropped := p.payloadLength
	for i := range p.segments {
		p.segments[i].PayloadLengthAtEntry -= dropped
	}
	p.header.CaptureLen -= uint32(dropped)
	p.payloadOffset = 0
	p.payloadLength = 0
	p.state = StateShallowCopy
	return true
}

// ChangePayload replaces the unconsumed payload suffix with a new one. It
// first strips any existing payload via MakeCopy(false), then appends the
// replacement after the last recorded segment, growing captured/wire length
// to match and marking every segment invalid since their header fields may
// reference lengths that no longer hold.
func (p *Packet) ChangePayload(payload []byte) bool {
	if !p.MakeCopy(false) {
		return false
	}

	newOffset := 0
	if n := len(p.segments); n > 0 {
		last := p.segments[n-1]
		newOffset = last.Offset + last.HeaderLength
	}

	if !p.owned.CopyAt(payload, newOffset) {
		return false
	}

	delta := len(payload) - p.payloadLength
	for i := range p.segments {
		p.segments[i].PayloadLengthAtEntry += delta
		p.segments[i].Valid = false
	}

	p.payloadOffset = newOffset
	p.payloadLength = len(payload)
	p.header.CaptureLen = uint32(newOffset + len(payload))
	p.header.WireLen = p.header.CaptureLen
	return true
}

// ToByteArray renders the packet (or the portion of it at and below base,
// if base is non-nil) as a {header, bytes} pair suitable for a PCAP writer.
// If fixHeaders is true, every invalid segment from base through the
// innermost one is given a chance to recompute itself first — base's own
// segment is included, since the rendered output starts at base. snapLength,
// if non-zero, caps the reported capture length without touching the
// underlying bytes — callers slice using the returned header's CaptureLen.
func (p *Packet) ToByteArray(base Owner, snapLength int, fixHeaders bool) (CaptureHeader, []byte) {
	if fixHeaders {
		start := 0
		if base != nil {
			start = p.indexOf(base)
			if start < 0 {
				start = len(p.segments)
			}
		}
		for i := start; i < len(p.segments); i++ {
			if !p.segments[i].Valid {
				p.segments[i].Owner.FixHeader(p)
				p.segments[i].Valid = true
			}
		}
	}

	full := p.backing()

	if base == nil {
		hdr := p.header
		if snapLength != 0 && uint32(snapLength) < hdr.CaptureLen {
			hdr.CaptureLen = uint32(snapLength)
		}
		return hdr, full
	}

	idx := p.indexOf(base)
	if idx < 0 {
		return CaptureHeader{}, nil
	}
	rec := p.segments[idx]

	hdr := p.header
	for i := 0; i < idx; i++ {
		hdr.CaptureLen -= uint32(p.segments[i].HeaderLength)
		hdr.WireLen -= uint32(p.segments[i].HeaderLength)
	}
	if snapLength != 0 && uint32(snapLength) < hdr.CaptureLen {
		hdr.CaptureLen = uint32(snapLength)
	}
	return hdr, full[rec.Offset:]
}
