package udp

import (
	"context"
	"encoding/binary"
	"io"
	"testing"

	"firestige.xyz/captool/internal/module"
	"firestige.xyz/captool/internal/packet"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type stubModule struct{ name string }

func (s *stubModule) Name() string                                    { return s.name }
func (s *stubModule) Initialize(context.Context, module.Config) error { return nil }
func (s *stubModule) Process(p *packet.Packet) (module.Module, error) { return nil, nil }
func (s *stubModule) FixHeader(p *packet.Packet)                      {}
func (s *stubModule) Describe(p *packet.Packet, w io.Writer)          {}
func (s *stubModule) GetStatus(w io.Writer, runtime, period float64)  {}
func (s *stubModule) GetDatalinkType() int                            { return 1 }

func buildUDP(srcPort, dstPort uint16, payload []byte) []byte {
	hdr := make([]byte, 8)
	binary.BigEndian.PutUint16(hdr[0:2], srcPort)
	binary.BigEndian.PutUint16(hdr[2:4], dstPort)
	binary.BigEndian.PutUint16(hdr[4:6], uint16(8+len(payload)))
	return append(hdr, payload...)
}

func newTestPacket(raw []byte) *packet.Packet {
	p := packet.New()
	p.Bind(raw, packet.CaptureHeader{WireLen: uint32(len(raw)), CaptureLen: uint32(len(raw))})
	p.Initialize(1)
	return p
}

func TestProcessSavesSegmentAndRecordsPorts(t *testing.T) {
	out := &stubModule{name: "dump"}
	d := New("udp")
	require.NoError(t, d.Initialize(context.Background(), module.Config{
		Settings: Settings{OutDefault: "dump"},
		Resolve:  func(name string) (module.Module, bool) { return out, name == "dump" },
	}))

	raw := buildUDP(53, 33445, []byte("query"))
	p := newTestPacket(raw)

	next, err := d.Process(p)
	require.NoError(t, err)
	assert.Same(t, module.Module(out), next)

	seg, ok := p.GetSegment(d)
	require.True(t, ok)
	assert.Len(t, seg, 8)

	id := p.Identity()
	assert.Equal(t, uint16(53), id.SrcPort)
	assert.Equal(t, uint16(33445), id.DstPort)
	assert.Equal(t, "query", string(p.Payload()))
}

func TestProcessDropsTooShortHeader(t *testing.T) {
	d := New("udp")
	require.NoError(t, d.Initialize(context.Background(), module.Config{Settings: Settings{}}))

	p := newTestPacket([]byte{1, 2})
	next, err := d.Process(p)
	require.NoError(t, err)
	assert.Nil(t, next)
}
