package module

import (
	"firestige.xyz/captool/internal/packet"
)

// Driver walks one packet at a time through the pipeline, starting at Entry,
// following each module's returned next-hop until one returns nil. It holds
// no per-packet state of its own beyond the arrival counter — see spec.md
// §4.D/E, "strictly synchronous and single-threaded per arrival".
type Driver struct {
	Entry Module

	packetNumber uint64
}

// NewDriver returns a Driver that starts every packet at entry.
func NewDriver(entry Module) *Driver {
	return &Driver{Entry: entry}
}

// Run initializes p for the next arrival and walks it through the pipeline
// until a module returns nil, or one returns an error, which aborts the walk
// for this packet only.
func (d *Driver) Run(p *packet.Packet) error {
	d.packetNumber++
	p.Initialize(d.packetNumber)

	current := d.Entry
	for current != nil {
		next, err := current.Process(p)
		if err != nil {
			return err
		}
		current = next
	}
	return nil
}
