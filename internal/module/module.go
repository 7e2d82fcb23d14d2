// Package module defines the uniform decoder contract every protocol stage
// implements, and the process-wide Registry that resolves out-links by name.
// See SPEC_FULL.md §1, spec.md §4.D/E.
package module

import (
	"context"
	"io"

	"firestige.xyz/captool/internal/packet"
)

// Config is the subset of configuration a Module needs to bind itself: its
// own keyed settings plus a Resolver for looking up downstream modules by
// name, since wiring happens at Initialize time, not construction time.
type Config struct {
	// Settings is whatever configuration value the caller registered for
	// this module's name; each Module type-asserts it to its own settings
	// struct.
	Settings any
	Resolve  func(name string) (Module, bool)
}

// Module is one decoder stage in the pipeline. Every method runs on the
// single goroutine driving a given packet through the pipeline; only
// Initialize may run concurrently with other modules' Initialize (see
// Registry.Boot).
type Module interface {
	packet.Owner // Name() string; FixHeader(p *packet.Packet)

	// Initialize binds configuration and resolves this module's
	// out_default (and any other named links) via cfg.Resolve.
	Initialize(ctx context.Context, cfg Config) error

	// Process consumes one or more bytes at p's payload cursor, saves a
	// segment recording what it consumed, and returns the next module to
	// run, or nil to terminate the walk for this packet.
	Process(p *packet.Packet) (Module, error)

	// Describe writes diagnostic output for p to w.
	Describe(p *packet.Packet, w io.Writer)

	// GetStatus writes periodic metrics covering the last period (seconds)
	// of runtime (seconds since boot) to w.
	GetStatus(w io.Writer, runtime, period float64)

	// GetDatalinkType reports the link-layer code this module's emitted
	// output belongs to (e.g. for a PCAP sink header).
	GetDatalinkType() int
}
