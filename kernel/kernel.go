// Package kernel abstracts the kernel tracing facility: a
// black box that can compile a templated text program, export/accept
// LPM-trie and fixed-array maps by name, and deliver events through a
// ring buffer with an optional dropped-event callback. The probe runtime
// only depends on these interfaces; kernel/cilium supplies the default
// implementation.
package kernel

import "context"

// LPMMap is a longest-prefix-match trie map, keyed by (prefix length, data).
type LPMMap interface {
	// Update writes or overwrites the value for key.
	Update(key [8]byte, value []byte) error
	// Delete removes key. Returns nil if the key was absent.
	Delete(key [8]byte) error
	// Iterate returns all (key, value) pairs currently in the map.
	Iterate() (map[[8]byte][]byte, error)
	Close() error
}

// ArrayMap is a fixed-length array map of single-byte elements, indexed by
// position.
type ArrayMap interface {
	Set(index uint32, value byte) error
	Get(index uint32) (byte, error)
	Len() uint32
	Close() error
}

// Event is one raw record delivered through a ring buffer, the undecoded
// bytes the probe's codec unmarshals into its own raw-event struct.
type Event struct {
	Raw []byte
}

// RingBuffer delivers kernel events to userland.
type RingBuffer interface {
	// Read blocks until an event is available, ctx is done, or the ring
	// buffer is closed.
	Read(ctx context.Context) (Event, error)
	// DroppedSinceLastRead returns the number of events the kernel dropped
	// (ring buffer full) since the previous call.
	DroppedSinceLastRead() uint64
	Close() error
}

// Program is a single compiled-and-loaded kernel tracing program.
type Program interface {
	// LPMMap returns the named longest-prefix-match map, or an error if the
	// program does not export a map with that name.
	LPMMap(name string) (LPMMap, error)
	// ArrayMap returns the named fixed-size array map.
	ArrayMap(name string) (ArrayMap, error)
	// OpenRingBuffer opens the named ring buffer for event delivery.
	OpenRingBuffer(name string) (RingBuffer, error)
	Close() error
}

// Facility compiles templated program text into the kernel. It is the
// runtime's sole dependency on the underlying tracing technology.
type Facility interface {
	Compile(probeName string, programText string) (Program, error)
}
