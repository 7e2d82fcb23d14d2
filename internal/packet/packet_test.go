package packet

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type fakeOwner struct {
	name       string
	fixHeaders int
}

func (f *fakeOwner) Name() string { return f.name }
func (f *fakeOwner) FixHeader(p *Packet) {
	f.fixHeaders++
}

func newBoundPacket(raw []byte) *Packet {
	p := New()
	p.Bind(raw, CaptureHeader{Timestamp: time.Unix(0, 0), WireLen: uint32(len(raw)), CaptureLen: uint32(len(raw))})
	p.Initialize(1)
	return p
}

func TestSaveSegmentAdvancesPayloadCursor(t *testing.T) {
	raw := []byte("HEAD1234PAYLOAD!")
	p := newBoundPacket(raw)
	ip := &fakeOwner{name: "ip"}

	require.True(t, p.SaveSegment(ip, 4))
	assert.Equal(t, len(raw)-4, p.PayloadLength())
	assert.Equal(t, raw[4:], p.Payload())
}

func TestSaveSegmentRejectsOversizedHeader(t *testing.T) {
	p := newBoundPacket([]byte("short"))
	ip := &fakeOwner{name: "ip"}
	assert.False(t, p.SaveSegment(ip, 100))
}

func TestSegmentsTotalLengthIncludesPayload(t *testing.T) {
	raw := []byte("IIIITTTTPAYLOAD!")
	p := newBoundPacket(raw)
	ipOwner := &fakeOwner{name: "ip"}
	tcpOwner := &fakeOwner{name: "tcp"}

	require.True(t, p.SaveSegment(ipOwner, 4))
	require.True(t, p.SaveSegment(tcpOwner, 4))

	assert.Equal(t, len(raw), p.SegmentsTotalLength(ipOwner))
	assert.Equal(t, len(raw)-4, p.SegmentsTotalLength(tcpOwner))
}

func TestMakeCopyShallowDropsPayload(t *testing.T) {
	raw := []byte("HEAD1234PAYLOAD!")
	p := newBoundPacket(raw)
	ip := &fakeOwner{name: "ip"}
	require.True(t, p.SaveSegment(ip, 8))

	require.True(t, p.MakeCopy(false))
	assert.Equal(t, StateShallowCopy, p.State())
	assert.Equal(t, 0, p.PayloadLength())
	assert.Equal(t, uint32(8), p.CaptureHeader().CaptureLen)

	seg, ok := p.GetSegment(ip)
	require.True(t, ok)
	assert.Equal(t, raw[:8], seg)
}

func TestMakeCopyIsIdempotent(t *testing.T) {
	raw := []byte("HEAD1234PAYLOAD!")
	p := newBoundPacket(raw)
	require.True(t, p.MakeCopy(true))
	require.Equal(t, StateDeepCopy, p.State())

	// A second call, even with a different copyPayload argument, must be a
	// no-op: the original leaves state untouched once promoted.
	require.True(t, p.MakeCopy(false))
	assert.Equal(t, StateDeepCopy, p.State())
	assert.Equal(t, raw, p.Payload())
}

func TestMakeCopyDeepRetainsPayload(t *testing.T) {
	raw := []byte("HEAD1234PAYLOAD!")
	p := newBoundPacket(raw)
	ip := &fakeOwner{name: "ip"}
	require.True(t, p.SaveSegment(ip, 8))

	require.True(t, p.MakeCopy(true))
	assert.Equal(t, StateDeepCopy, p.State())
	assert.Equal(t, raw[8:], p.Payload())
	assert.Equal(t, uint32(len(raw)), p.CaptureHeader().CaptureLen)
}

func TestChangePayloadAppendsAndInvalidatesSegments(t *testing.T) {
	raw := []byte("HEAD1234OLDPAYLOAD")
	p := newBoundPacket(raw)
	ip := &fakeOwner{name: "ip"}
	tcp := &fakeOwner{name: "tcp"}
	require.True(t, p.SaveSegment(ip, 4))
	require.True(t, p.SaveSegment(tcp, 4))

	require.True(t, p.ChangePayload([]byte("NEW")))

	assert.Equal(t, StateShallowCopy, p.State())
	assert.Equal(t, []byte("NEW"), p.Payload())
	assert.Equal(t, uint32(8+3), p.CaptureHeader().CaptureLen)
	assert.Equal(t, uint32(8+3), p.CaptureHeader().WireLen)

	// both prior segments must be marked invalid: their header fields may
	// reference a total_length that no longer matches the new payload.
	require.Len(t, p.segments, 2)
	assert.False(t, p.segments[0].Valid)
	assert.False(t, p.segments[1].Valid)
}

func TestToByteArrayWholePacketHonorsSnapLength(t *testing.T) {
	raw := []byte("HEAD1234PAYLOAD!")
	p := newBoundPacket(raw)

	hdr, data := p.ToByteArray(nil, 4, false)
	assert.Equal(t, uint32(4), hdr.CaptureLen)
	assert.Equal(t, raw, data, "the slice itself is never truncated, only the header's length field")
}

func TestToByteArrayFromBaseStripsOuterSegments(t *testing.T) {
	raw := []byte("IIIITTTTPAYLOAD!")
	p := newBoundPacket(raw)
	ipOwner := &fakeOwner{name: "ip"}
	tcpOwner := &fakeOwner{name: "tcp"}
	require.True(t, p.SaveSegment(ipOwner, 4))
	require.True(t, p.SaveSegment(tcpOwner, 4))

	hdr, data := p.ToByteArray(tcpOwner, 0, false)
	assert.Equal(t, uint32(len(raw)-4), hdr.CaptureLen)
	assert.Equal(t, raw[4:], data)
}

func TestToByteArrayRunsFixHeaderForInvalidSegments(t *testing.T) {
	raw := []byte("HEAD1234OLDPAYLOAD")
	p := newBoundPacket(raw)
	ip := &fakeOwner{name: "ip"}
	require.True(t, p.SaveSegment(ip, 8))
	require.True(t, p.ChangePayload([]byte("NEW")))

	assert.Equal(t, 0, ip.fixHeaders)
	_, _ = p.ToByteArray(nil, 0, true)
	assert.Equal(t, 1, ip.fixHeaders, "fixHeaders must drive FixHeader for every invalidated segment")

	// a second render with fixHeaders should not re-invoke an already-valid segment.
	_, _ = p.ToByteArray(nil, 0, true)
	assert.Equal(t, 1, ip.fixHeaders)
}

// TestToByteArrayFromBaseFixesBaseThroughInnermost matches spec.md §8's
// Testable Scenario #4: in an ETH->IP->UDP chain, to_byte_array(ETH, 0, true)
// must invoke fix_header on all three modules, not just the ones strictly
// outside of base.
func TestToByteArrayFromBaseFixesBaseThroughInnermost(t *testing.T) {
	raw := []byte("ETHHIIIIUUUUPAYLOAD!")
	p := newBoundPacket(raw)
	eth := &fakeOwner{name: "eth"}
	ip := &fakeOwner{name: "ip"}
	udp := &fakeOwner{name: "udp"}
	require.True(t, p.SaveSegment(eth, 4))
	require.True(t, p.SaveSegment(ip, 4))
	require.True(t, p.SaveSegment(udp, 4))

	p.Invalidate(eth)
	p.Invalidate(ip)
	p.Invalidate(udp)

	hdr, data := p.ToByteArray(eth, 0, true)

	assert.Equal(t, 1, eth.fixHeaders, "base's own segment must be fixed")
	assert.Equal(t, 1, ip.fixHeaders, "segments downstream of base must be fixed")
	assert.Equal(t, 1, udp.fixHeaders, "the innermost segment must be fixed")

	assert.Equal(t, raw, data, "base=eth is the outermost segment, so nothing is stripped")
	assert.Equal(t, uint32(len(raw)), hdr.CaptureLen)
}

// TestToByteArrayFromInnerBaseOnlyFixesFromBaseOnward confirms a base deeper
// in the chain does not re-fix segments strictly above it.
func TestToByteArrayFromInnerBaseOnlyFixesFromBaseOnward(t *testing.T) {
	raw := []byte("ETHHIIIIUUUUPAYLOAD!")
	p := newBoundPacket(raw)
	eth := &fakeOwner{name: "eth"}
	ip := &fakeOwner{name: "ip"}
	udp := &fakeOwner{name: "udp"}
	require.True(t, p.SaveSegment(eth, 4))
	require.True(t, p.SaveSegment(ip, 4))
	require.True(t, p.SaveSegment(udp, 4))

	p.Invalidate(eth)
	p.Invalidate(ip)
	p.Invalidate(udp)

	hdr, data := p.ToByteArray(ip, 0, true)

	assert.Equal(t, 0, eth.fixHeaders, "segments above base are never touched")
	assert.Equal(t, 1, ip.fixHeaders, "base's own segment must be fixed")
	assert.Equal(t, 1, udp.fixHeaders, "segments downstream of base must be fixed")

	assert.Equal(t, raw[4:], data)
	assert.Equal(t, uint32(len(raw)-4), hdr.CaptureLen)
}

func TestDirectionAndIdentityRoundTrip(t *testing.T) {
	p := newBoundPacket([]byte("PAYLOAD!"))
	p.SetDirection(DirectionUpload)
	assert.Equal(t, DirectionUpload, p.Direction())

	p.SetPorts(1234, 80)
	id := p.Identity()
	assert.True(t, id.HasPorts)
	assert.Equal(t, uint16(1234), id.SrcPort)
}

func TestUserAndEquipmentIDAreOneShot(t *testing.T) {
	p := newBoundPacket([]byte("PAYLOAD!"))
	p.SetUserID("alice")
	p.SetUserID("bob")

	got, ok := p.UserID()
	require.True(t, ok)
	assert.Equal(t, "alice", got, "set_user_id is a one-shot setter")

	p.SetEquipmentID("phone-1")
	p.SetEquipmentID("phone-2")

	equip, ok := p.EquipmentID()
	require.True(t, ok)
	assert.Equal(t, "phone-1", equip, "set_equipment_id is a one-shot setter")
}

func TestInitializeResetsStateBetweenArrivals(t *testing.T) {
	raw1 := []byte("HEAD1234PAYLOAD!")
	p := newBoundPacket(raw1)
	ip := &fakeOwner{name: "ip"}
	require.True(t, p.SaveSegment(ip, 8))
	p.SetUserID("alice")
	require.True(t, p.MakeCopy(false))

	raw2 := []byte("NEWFRAME")
	p.Bind(raw2, CaptureHeader{WireLen: uint32(len(raw2)), CaptureLen: uint32(len(raw2))})
	p.Initialize(2)

	assert.Equal(t, StateRaw, p.State())
	assert.Equal(t, uint64(2), p.PacketNumber())
	assert.Equal(t, len(raw2), p.PayloadLength())
	_, ok := p.UserID()
	assert.False(t, ok)
	_, ok = p.GetSegment(ip)
	assert.False(t, ok)
}
