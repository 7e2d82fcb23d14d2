// Package udp implements the UDP leaf decoder: parses a UDP header via
// gopacket, records the transport ports on the packet's Identity, and
// forwards to a single configured out_default. See SPEC_FULL.md §1.
package udp

import (
	"context"
	"fmt"
	"io"

	"firestige.xyz/captool/internal/module"
	"firestige.xyz/captool/internal/packet"
	"github.com/google/gopacket"
	"github.com/google/gopacket/layers"
)

// Settings is this decoder's slice of modules.<name> configuration.
type Settings struct {
	OutDefault string
}

// Decoder is the UDP leaf decoder module.
type Decoder struct {
	name string
	out  module.Module

	datagramsSeen uint64
	bytesSeen     uint64
}

// New returns an unconfigured Decoder named name.
func New(name string) *Decoder {
	return &Decoder{name: name}
}

func (d *Decoder) Name() string { return d.name }

func (d *Decoder) Initialize(_ context.Context, cfg module.Config) error {
	settings, _ := cfg.Settings.(Settings)
	if settings.OutDefault == "" {
		return nil
	}
	m, ok := cfg.Resolve(settings.OutDefault)
	if !ok {
		return fmt.Errorf("udp decoder %q: unknown out_default %q", d.name, settings.OutDefault)
	}
	d.out = m
	return nil
}

func (d *Decoder) Process(p *packet.Packet) (module.Module, error) {
	data := p.Payload()

	var hdr layers.UDP
	if err := hdr.DecodeFromBytes(data, gopacket.NilDecodeFeedback); err != nil {
		return nil, nil
	}

	const udpHeaderLen = 8
	if !p.SaveSegment(d, udpHeaderLen) {
		return nil, nil
	}

	p.SetPorts(uint16(hdr.SrcPort), uint16(hdr.DstPort))

	d.datagramsSeen++
	d.bytesSeen += uint64(len(data))

	return d.out, nil
}

// FixHeader is a no-op: this decoder never mutates anything upstream of
// its own header.
func (d *Decoder) FixHeader(p *packet.Packet) {}

func (d *Decoder) Describe(p *packet.Packet, w io.Writer) {
	seg, ok := p.GetSegment(d)
	if !ok {
		return
	}
	if len(seg) < 4 {
		return
	}
	fmt.Fprintf(w, "UDP %d -> %d\n", uint16(seg[0])<<8|uint16(seg[1]), uint16(seg[2])<<8|uint16(seg[3]))
}

func (d *Decoder) GetStatus(w io.Writer, runtime, period float64) {
	fmt.Fprintf(w, "udp datagrams: %d, bytes: %d\n", d.datagramsSeen, d.bytesSeen)
	d.datagramsSeen = 0
	d.bytesSeen = 0
}

func (d *Decoder) GetDatalinkType() int { return 101 }
