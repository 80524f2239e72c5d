// Package image holds the published, reader-visible copy of the process
// image. The live process image itself belongs entirely to the cyclic
// engine (pkg/engine); everyone else -- the CiA 402 driver, the RPC
// server -- only ever sees a [Snapshot], never the live buffer.
package image

import (
	"time"

	"github.com/pollen-robotics/ethercat-master/pkg/fieldbus"
)

// Snapshot is a whole-image copy published once per cycle, plus the time
// it was published. Readers see either a complete previous snapshot or a
// complete new one, never a torn mix -- this holds because Snapshot is
// only ever constructed once, fully, by [New], and handed out as an
// immutable value from then on.
type Snapshot struct {
	data       []byte
	layout     fieldbus.Layout
	publishTS  time.Time
	responding map[int]bool
	alStates   map[int]fieldbus.ALState
}

// New copies src in full and stamps it with publishTS. The caller retains
// ownership of src; New never aliases it.
func New(src []byte, layout fieldbus.Layout, responding map[int]bool, alStates map[int]fieldbus.ALState, publishTS time.Time) Snapshot {
	data := make([]byte, len(src))
	copy(data, src)
	return Snapshot{data: data, layout: layout, publishTS: publishTS, responding: responding, alStates: alStates}
}

// PublishedAt returns the publish time passed to New.
func (s Snapshot) PublishedAt() time.Time { return s.publishTS }

// Responding reports whether the given slave was composite-responding
// (AL OP, mailbox fresh, watchdog fresh) as of this snapshot.
func (s Snapshot) Responding(slavePosition int) bool {
	return s.responding[slavePosition]
}

// ALState returns the slave's AL-state as of this snapshot.
func (s Snapshot) ALState(slavePosition int) fieldbus.ALState {
	if s.alStates == nil {
		return fieldbus.ALStateUnknown
	}
	return s.alStates[slavePosition]
}

// Uint16 reads a little-endian uint16 at the given entry/replica.
func (s Snapshot) Uint16(slavePosition int, name string, replica int) (uint16, bool) {
	b, ok := s.bytes(slavePosition, name, replica)
	if !ok || len(b) < 2 {
		return 0, false
	}
	return uint16(b[0]) | uint16(b[1])<<8, true
}

// Int32 reads a little-endian int32 at the given entry/replica.
func (s Snapshot) Int32(slavePosition int, name string, replica int) (int32, bool) {
	b, ok := s.bytes(slavePosition, name, replica)
	if !ok || len(b) < 4 {
		return 0, false
	}
	v := uint32(b[0]) | uint32(b[1])<<8 | uint32(b[2])<<16 | uint32(b[3])<<24
	return int32(v), true
}

// Float32 reads an IEEE-754 little-endian float32.
func (s Snapshot) Float32(slavePosition int, name string, replica int) (float32, bool) {
	v, ok := s.Int32(slavePosition, name, replica)
	if !ok {
		return 0, false
	}
	return int32ToFloat32(v), true
}

// Uint8 reads a single byte.
func (s Snapshot) Uint8(slavePosition int, name string, replica int) (uint8, bool) {
	b, ok := s.bytes(slavePosition, name, replica)
	if !ok || len(b) < 1 {
		return 0, false
	}
	return b[0], true
}

func (s Snapshot) bytes(slavePosition int, name string, replica int) ([]byte, bool) {
	rng, ok := s.layout.Lookup(slavePosition, name, replica)
	if !ok || rng.End > len(s.data) {
		return nil, false
	}
	return s.data[rng.Start:rng.End], true
}

// ReplicaCount returns how many replicas of name exist for the slave (0 if
// unmapped).
func (s Snapshot) ReplicaCount(slavePosition int, name string) int {
	return len(s.layout.Offsets[fieldbus.EntryKey{SlavePosition: slavePosition, Name: name}])
}
