// Package ip implements the IP Decoder module: IPv4 header validation,
// optional defragmentation via the Fragment Store, flow identity tagging,
// per-protocol traffic accounting, and protocol-based forwarding. See
// SPEC_FULL.md §1, spec.md §4.G.
package ip

import (
	"context"
	"encoding/binary"
	"fmt"
	"io"
	"net/netip"
	"time"

	"firestige.xyz/captool/internal/flow"
	"firestige.xyz/captool/internal/ipreasm"
	"firestige.xyz/captool/internal/log"
	"firestige.xyz/captool/internal/metrics"
	"firestige.xyz/captool/internal/module"
	"firestige.xyz/captool/internal/packet"
)

// fragmentCleanupInterval is the packet-count period between Fragment Store
// sweeps, matching the original's FRAGMENT_CLEANUP_INTERVAL.
const fragmentCleanupInterval = 10000

// fragmentTimeout is how long an incomplete fragment group is kept before a
// cleanup tick evicts it, matching the original's FRAGMENT_TIMEOUT.
const fragmentTimeout = 1 * time.Second

const ipv4HeaderMinLen = 20

// Connection binds a transport protocol number to the name of the module
// that should receive it.
type Connection struct {
	Protocol uint8
	Module   string
}

// Settings is this decoder's slice of modules.<name> configuration.
type Settings struct {
	Connections     []Connection
	OutDefault      string
	IDFlows         bool
	Defrag          bool
	FilterFragments bool
	IPv6Module      string
	MaxFragmented   int
	Anonymize       bool
	Tracker         *flow.Tracker
}

// Decoder is the IP Decoder module.
type Decoder struct {
	name string
	log  log.Logger

	idFlows         bool
	defrag          bool
	filterFragments bool
	anonymize       bool
	tracker         *flow.Tracker

	connections map[uint8]module.Module
	outDefault  module.Module
	ipv6Module  module.Module

	store           *ipreasm.Store
	nextCleanupAt   uint64
	packetsSeen     uint64

	protocolBytes [256]uint64
	totalBytes    uint64
}

// New returns an unconfigured Decoder named name.
func New(name string, logger log.Logger) *Decoder {
	return &Decoder{name: name, log: logger}
}

func (d *Decoder) Name() string { return d.name }

func (d *Decoder) Initialize(_ context.Context, cfg module.Config) error {
	settings, ok := cfg.Settings.(Settings)
	if !ok {
		return fmt.Errorf("ip decoder %q: missing or malformed settings", d.name)
	}

	d.idFlows = settings.IDFlows
	d.defrag = settings.Defrag
	d.filterFragments = settings.FilterFragments
	d.anonymize = settings.Anonymize
	d.tracker = settings.Tracker

	if d.idFlows && d.tracker == nil {
		return fmt.Errorf("ip decoder %q: idFlows is set but no flow tracker was configured", d.name)
	}

	maxFragmented := settings.MaxFragmented
	if maxFragmented <= 0 {
		maxFragmented = 10000
	}
	d.store = ipreasm.NewStore(maxFragmented, fragmentTimeout)

	d.connections = make(map[uint8]module.Module, len(settings.Connections))
	for _, c := range settings.Connections {
		m, ok := cfg.Resolve(c.Module)
		if !ok {
			return fmt.Errorf("ip decoder %q: unknown connection module %q", d.name, c.Module)
		}
		d.connections[c.Protocol] = m
	}

	if settings.OutDefault != "" {
		m, ok := cfg.Resolve(settings.OutDefault)
		if !ok {
			return fmt.Errorf("ip decoder %q: unknown out_default %q", d.name, settings.OutDefault)
		}
		d.outDefault = m
	}

	if settings.IPv6Module != "" {
		m, ok := cfg.Resolve(settings.IPv6Module)
		if !ok {
			return fmt.Errorf("ip decoder %q: unknown ipv6Module %q", d.name, settings.IPv6Module)
		}
		d.ipv6Module = m
	}

	return nil
}

// header is the subset of IPv4 header fields process needs, copied out of
// the bytes at the packet's payload cursor.
type header struct {
	version      uint8
	headerLength int
	totalLength  uint16
	src, dst     uint32
	protocol     uint8
	identifier   uint16
	moreFrags    bool
	fragOffset   uint16
}

func parseHeader(data []byte) (header, bool) {
	if len(data) < 1 {
		return header{}, false
	}
	h := header{version: data[0] >> 4}
	if h.version != 4 {
		return h, true
	}
	if len(data) < ipv4HeaderMinLen {
		return header{}, false
	}
	h.headerLength = int(data[0]&0x0f) * 4
	h.totalLength = binary.BigEndian.Uint16(data[2:4])
	h.identifier = binary.BigEndian.Uint16(data[4:6])
	flagsOffset := binary.BigEndian.Uint16(data[6:8])
	h.moreFrags = flagsOffset&0x2000 != 0
	h.fragOffset = (flagsOffset & 0x1fff) * 8
	h.protocol = data[9]
	h.src = binary.BigEndian.Uint32(data[12:16])
	h.dst = binary.BigEndian.Uint32(data[16:20])
	return h, true
}

func addrFromUint32(v uint32) netip.Addr {
	var b [4]byte
	binary.BigEndian.PutUint32(b[:], v)
	return netip.AddrFrom4(b)
}

// truncateToClassB zeroes the lower two octets, matching the original's
// "show only upper half of IP addresses on output" anonymization.
func truncateToClassB(a netip.Addr) netip.Addr {
	b := a.As4()
	b[2], b[3] = 0, 0
	return netip.AddrFrom4(b)
}

func (d *Decoder) Process(p *packet.Packet) (module.Module, error) {
	d.packetsSeen++

	data := p.Payload()
	hdr, ok := parseHeader(data)
	if !ok {
		d.log.WithField("packet", p.PacketNumber()).Warn("ip: payload shorter than minimal header")
		metrics.PacketsDroppedTotal.WithLabelValues(d.name, "short_header").Inc()
		return nil, nil
	}

	if hdr.version == 6 {
		if d.ipv6Module == nil {
			return nil, nil
		}
		p.SaveSegment(d, len(data))
		return d.ipv6Module, nil
	}
	if hdr.version != 4 {
		d.log.WithField("packet", p.PacketNumber()).Info("ip: not IPv4/IPv6, dropping")
		metrics.PacketsDroppedTotal.WithLabelValues(d.name, "unsupported_version").Inc()
		return nil, nil
	}

	if len(data) < hdr.headerLength {
		d.log.WithField("packet", p.PacketNumber()).Info("ip: payload shorter than header, dropping")
		metrics.PacketsDroppedTotal.WithLabelValues(d.name, "short_header").Inc()
		return nil, nil
	}
	if hdr.headerLength < ipv4HeaderMinLen {
		d.log.WithField("packet", p.PacketNumber()).Warn("ip: header length below 20, dropping")
		metrics.PacketsDroppedTotal.WithLabelValues(d.name, "bad_ihl").Inc()
		return nil, nil
	}
	if hdr.totalLength < uint16(hdr.headerLength) {
		d.log.WithField("packet", p.PacketNumber()).Warn("ip: total_length shorter than header, dropping")
		metrics.PacketsDroppedTotal.WithLabelValues(d.name, "bad_total_length").Inc()
		return nil, nil
	}
	if hdr.src == 0 {
		d.log.WithField("packet", p.PacketNumber()).Warn("ip: src address is 0, dropping")
		metrics.PacketsDroppedTotal.WithLabelValues(d.name, "zero_src").Inc()
		return nil, nil
	}
	if hdr.dst == 0 {
		d.log.WithField("packet", p.PacketNumber()).Warn("ip: dst address is 0, dropping")
		metrics.PacketsDroppedTotal.WithLabelValues(d.name, "zero_dst").Inc()
		return nil, nil
	}

	if !p.SaveSegment(d, hdr.headerLength) {
		return nil, nil
	}

	if hdr.protocol == 0 {
		d.log.WithField("packet", p.PacketNumber()).Warn("ip: protocol is 0, dropping")
		metrics.PacketsDroppedTotal.WithLabelValues(d.name, "zero_protocol").Inc()
		return nil, nil
	}

	if hdr.moreFrags || hdr.fragOffset != 0 {
		if d.defrag {
			next, stop := d.handleFragment(p, hdr)
			if stop {
				return next, nil
			}
		} else if d.filterFragments && hdr.fragOffset != 0 {
			return nil, nil
		}
	}

	if d.idFlows {
		src := addrFromUint32(hdr.src)
		if d.anonymize {
			src = truncateToClassB(src)
		}
		dst := addrFromUint32(hdr.dst)
		p.SetIdentity(packet.Identity{
			Src:      src,
			Dst:      dst,
			Protocol: hdr.protocol,
		})

		// Resolved here from the network-layer identity alone: transport
		// ports are filled in later by a leaf decoder's SetPorts and aren't
		// part of this key, so every port pair between one address pair
		// shares a flow.
		id, upload := flow.NewID(netip.AddrPortFrom(src, 0), netip.AddrPortFrom(dst, 0), hdr.protocol)
		f, handle := d.tracker.Resolve(id)
		if upload {
			p.SetDirection(packet.DirectionUpload)
		} else {
			p.SetDirection(packet.DirectionDownload)
		}
		f.Observe(upload, len(data))
		p.SetFlowRef(handle)
		metrics.FlowsActive.Set(float64(d.tracker.Count()))
	}

	d.totalBytes += uint64(hdr.totalLength)
	d.protocolBytes[hdr.protocol] += uint64(hdr.totalLength)
	metrics.ProtocolBytesTotal.WithLabelValues(fmt.Sprintf("%d", hdr.protocol)).Add(float64(hdr.totalLength))
	metrics.PacketsProcessedTotal.WithLabelValues(d.name).Inc()

	if m, ok := d.connections[hdr.protocol]; ok {
		return m, nil
	}
	return d.outDefault, nil
}

// handleFragment runs the Fragment Store ingest path. stop reports whether
// process() should return immediately with next (true when the packet was
// dropped or is still incomplete; false when reassembly handed back a whole
// datagram and the walk should continue on this same packet).
func (d *Decoder) handleFragment(p *packet.Packet, hdr header) (next module.Module, stop bool) {
	if d.packetsSeen >= d.nextCleanupAt {
		evicted := d.store.Cleanup(time.Now())
		metrics.FragmentGroupsActive.Set(float64(d.store.Len()))
		if evicted > 0 {
			d.log.WithField("evicted", evicted).Debug("ip: fragment store cleanup")
		}
		d.nextCleanupAt = d.packetsSeen + fragmentCleanupInterval
	}

	id := ipreasm.GroupID{
		Src:      addrFromUint32(hdr.src),
		Dst:      addrFromUint32(hdr.dst),
		ID:       hdr.identifier,
		Protocol: hdr.protocol,
	}

	fragPayload := p.Payload()
	if int(hdr.totalLength) > hdr.headerLength {
		fragPayload = fragPayload[:int(hdr.totalLength)-hdr.headerLength]
	} else {
		fragPayload = nil
	}

	outcome, assembled := d.store.Ingest(id, fragPayload, uint32(hdr.fragOffset), hdr.moreFrags, time.Now())
	metrics.FragmentGroupsActive.Set(float64(d.store.Len()))

	switch outcome {
	case ipreasm.Dropped:
		metrics.FragmentsDroppedTotal.WithLabelValues("capacity_or_allocator").Inc()
		return nil, true
	case ipreasm.Incomplete:
		return nil, true
	case ipreasm.Assembled:
		if !p.ChangePayload(assembled) {
			d.log.WithField("packet", p.PacketNumber()).Warn("ip: cannot assemble fragments, out of memory")
			return nil, true
		}
		return nil, false
	default:
		return nil, true
	}
}

// FixHeader clears the fragment fields, recomputes total_length from the
// packet's current segment lengths, and recalculates the header checksum.
// GetSegment returns a slice into the packet's own backing storage, so
// writes here land directly in the bytes ToByteArray will later emit.
func (d *Decoder) FixHeader(p *packet.Packet) {
	seg, ok := p.GetSegment(d)
	if !ok {
		return
	}

	totalLength := p.SegmentsTotalLength(d)

	binary.BigEndian.PutUint16(seg[6:8], 0) // clear flags + fragment offset
	binary.BigEndian.PutUint16(seg[2:4], uint16(totalLength))
	binary.BigEndian.PutUint16(seg[10:12], 0)
	sum := checksum(seg[:hdrLenOf(seg)])
	binary.BigEndian.PutUint16(seg[10:12], sum)
}

func hdrLenOf(buf []byte) int {
	return int(buf[0]&0x0f) * 4
}

// checksum computes the IPv4 header one's-complement checksum. An
// odd-length header (out-of-spec input) has its final byte included as
// the high byte of a zero-padded word; the original's word-at-a-time loop
// drops that byte instead.
func checksum(header []byte) uint16 {
	var sum uint32
	for i := 0; i+1 < len(header); i += 2 {
		sum += uint32(binary.BigEndian.Uint16(header[i : i+2]))
		if sum&0x80000000 != 0 {
			sum = (sum & 0xffff) + (sum >> 16)
		}
	}
	if len(header)%2 == 1 {
		sum += uint32(header[len(header)-1]) << 8
	}
	for sum>>16 != 0 {
		sum = (sum & 0xffff) + (sum >> 16)
	}
	return ^uint16(sum)
}

func (d *Decoder) Describe(p *packet.Packet, w io.Writer) {
	seg, ok := p.GetSegment(d)
	if !ok {
		return
	}
	if len(seg) < ipv4HeaderMinLen {
		return
	}
	src := addrFromUint32(binary.BigEndian.Uint32(seg[12:16]))
	dst := addrFromUint32(binary.BigEndian.Uint32(seg[16:20]))
	fmt.Fprintf(w, "IP %s -> %s proto=%d\n", src, dst, seg[9])
}

func (d *Decoder) GetStatus(w io.Writer, runtime, period float64) {
	fmt.Fprintf(w, "active fragments: %d. Traffic mix: ", d.store.Len())
	first := true
	for proto := 0; proto < 256; proto++ {
		if d.protocolBytes[proto] == 0 {
			continue
		}
		if !first {
			fmt.Fprint(w, ", ")
		}
		first = false
		pct := 0.0
		if d.totalBytes > 0 {
			pct = float64(d.protocolBytes[proto]) * 100.0 / float64(d.totalBytes)
		}
		fmt.Fprintf(w, "proto(%d)=%.2f%%", proto, pct)
	}
	fmt.Fprintln(w)

	d.totalBytes = 0
	for i := range d.protocolBytes {
		d.protocolBytes[i] = 0
	}
}

func (d *Decoder) GetDatalinkType() int {
	// DLT_RAW
	return 101
}
