// Package dump implements the PCAP sink: a terminal pipeline module that
// serializes each packet it receives via Packet.ToByteArray and writes it
// to a (optionally gzip-compressed) pcap file. See SPEC_FULL.md §1,
// spec.md §6 ("any module may emit via to_byte_array(...)").
package dump

import (
	"context"
	"fmt"
	"io"
	"os"

	"firestige.xyz/captool/internal/module"
	"firestige.xyz/captool/internal/packet"
	"github.com/google/gopacket"
	"github.com/google/gopacket/layers"
	"github.com/google/gopacket/pcapgo"
	"github.com/klauspost/compress/gzip"
)

// Settings is this decoder's slice of modules.<name> configuration.
type Settings struct {
	Path       string
	Compress   bool
	SnapLength int
}

// Decoder is the PCAP sink module.
type Decoder struct {
	name string

	file *os.File
	gz   *gzip.Writer
	w    *pcapgo.Writer

	snapLength int
	written    uint64
}

// New returns an unconfigured Decoder named name.
func New(name string) *Decoder {
	return &Decoder{name: name}
}

func (d *Decoder) Name() string { return d.name }

func (d *Decoder) Initialize(_ context.Context, cfg module.Config) error {
	settings, ok := cfg.Settings.(Settings)
	if !ok || settings.Path == "" {
		return fmt.Errorf("dump decoder %q: path is required", d.name)
	}

	f, err := os.Create(settings.Path)
	if err != nil {
		return fmt.Errorf("dump decoder %q: create %s: %w", d.name, settings.Path, err)
	}
	d.file = f

	var out io.Writer = f
	if settings.Compress {
		d.gz = gzip.NewWriter(f)
		out = d.gz
	}

	d.snapLength = settings.SnapLength
	if d.snapLength <= 0 {
		d.snapLength = 65535
	}

	w := pcapgo.NewWriter(out)
	if err := w.WriteFileHeader(uint32(d.snapLength), layers.LinkTypeRaw); err != nil {
		return fmt.Errorf("dump decoder %q: write pcap header: %w", d.name, err)
	}
	d.w = w
	return nil
}

func (d *Decoder) Process(p *packet.Packet) (module.Module, error) {
	hdr, data := p.ToByteArray(nil, d.snapLength, true)
	if int(hdr.CaptureLen) < len(data) {
		data = data[:hdr.CaptureLen]
	}

	ci := gopacket.CaptureInfo{
		Timestamp:     hdr.Timestamp,
		CaptureLength: len(data),
		Length:        int(hdr.WireLen),
	}
	if err := d.w.WritePacket(ci, data); err != nil {
		return nil, fmt.Errorf("dump decoder %q: write packet: %w", d.name, err)
	}
	d.written++
	return nil, nil
}

// FixHeader is a no-op: nothing downstream of a sink ever records it as a
// segment owner, so this is never called; it exists only to satisfy
// module.Module.
func (d *Decoder) FixHeader(p *packet.Packet) {}

func (d *Decoder) Describe(p *packet.Packet, w io.Writer) {
	fmt.Fprintf(w, "dumped to %s\n", d.name)
}

func (d *Decoder) GetStatus(w io.Writer, runtime, period float64) {
	fmt.Fprintf(w, "packets written: %d\n", d.written)
	d.written = 0
}

func (d *Decoder) GetDatalinkType() int { return int(layers.LinkTypeRaw) }

// Close flushes and closes the underlying file, and the gzip writer if
// compression is enabled. Call once after the pipeline has stopped
// running packets through this module.
func (d *Decoder) Close() error {
	if d.gz != nil {
		if err := d.gz.Close(); err != nil {
			d.file.Close()
			return err
		}
	}
	return d.file.Close()
}
