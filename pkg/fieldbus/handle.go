// Package fieldbus defines the contract between the cyclic engine and the
// underlying EtherCAT master stack. The real implementation (SOEM, IgH
// EtherCAT master, or a vendor ioctl surface) lives outside this module;
// callers plug in whatever satisfies [Handle]. See pkg/fieldbus/simulated
// for a software-only backend used in tests and examples.
package fieldbus

import (
	"errors"
	"fmt"
)

// ALState is the fieldbus-level application-layer state of a slave.
type ALState uint8

const (
	ALStateUnknown ALState = iota
	ALStateInit
	ALStatePreOp
	ALStateSafeOp
	ALStateOp
)

var alStateNames = map[ALState]string{
	ALStateUnknown: "UNKNOWN",
	ALStateInit:    "INIT",
	ALStatePreOp:   "PRE-OP",
	ALStateSafeOp:  "SAFE-OP",
	ALStateOp:      "OP",
}

func (s ALState) String() string {
	if name, ok := alStateNames[s]; ok {
		return name
	}
	return fmt.Sprintf("ALState(%d)", uint8(s))
}

// SyncManagerDirection describes which way data flows through a sync manager.
type SyncManagerDirection uint8

const (
	DirectionInput  SyncManagerDirection = iota // slave -> master
	DirectionOutput                             // master -> slave
)

// SyncManagerMode distinguishes cyclically-overwritten buffered PDOs from
// mailbox-style PDOs that only change when the slave chooses to write them.
type SyncManagerMode uint8

const (
	ModeBuffered SyncManagerMode = iota
	ModeMailbox
)

// SyncManager is one hardware channel grouping PDOs by direction and mode.
// Classified from control-register bits 1 (mailbox vs buffered) and 2
// (input vs output) during scan.
type SyncManager struct {
	Index     int
	Direction SyncManagerDirection
	Mode      SyncManagerMode
	Entries   []EntryDescriptor
}

// EntryDescriptor names one register inside a sync manager, before byte
// offsets are known (those are assigned by Configure).
type EntryDescriptor struct {
	Name        string
	BitLength   int
	ReplicaHint int // 0 means "not replicated"; >0 is the axis/replica count
}

// CapabilityCiA402 flags that a slave implements the CiA 402 drive profile.
type Capability uint8

const (
	CapabilityCiA402 Capability = 1 << iota
	CapabilityHallSensor
	CapabilityAbsoluteEncoder
)

// SlaveDescriptor is the static topology information discovered at Scan
// time. Position is assigned by topological order on the bus; it never
// changes afterwards, topology being fixed at activation.
type SlaveDescriptor struct {
	Position     int
	Name         string
	VendorID     uint32
	ProductCode  uint32
	AxisCount    int
	SyncManagers []SyncManager
	Capabilities Capability
}

func (d SlaveDescriptor) HasCiA402() bool {
	return d.Capabilities&CapabilityCiA402 != 0
}

// MailboxInputEntries lists, per slave position, the entry names that live
// in mailbox-mode input sync managers. Used by the liveness subsystem to
// know which byte ranges go stale rather than simply "last cyclic value".
type MailboxInputEntries map[int][]string

// Errors returned by a Handle implementation.
var (
	// ErrTopology is fatal at startup: no slaves were found, or a
	// configure step was rejected by the slave or the underlying stack.
	ErrTopology = errors.New("fieldbus: topology error")
	// ErrNotActivated is returned by cycle operations invoked before Activate.
	ErrNotActivated = errors.New("fieldbus: not activated")
	// ErrBusError is a transient, potentially recoverable bus condition
	// (link flap, frame not exchanged in time).
	ErrBusError = errors.New("fieldbus: transient bus error")
)

// TopologyError wraps ErrTopology with the underlying reason.
type TopologyError struct {
	Reason string
}

func (e *TopologyError) Error() string { return "fieldbus: topology error: " + e.Reason }
func (e *TopologyError) Unwrap() error { return ErrTopology }

// ALStates is one scan's worth of liveness information at the AL level.
type ALStates struct {
	PerSlave         map[int]ALState
	LinkUp           bool
	SlavesResponding int
}

// Handle is the opaque fieldbus surface this module depends on. It is
// intentionally narrow: scan, configure from the scan result, activate,
// and per-cycle send/receive. Everything else (ioctl details, FoE firmware
// upload, ESI parsing) is the caller's concern.
type Handle interface {
	// Scan enumerates slaves in topological order. Must be called before
	// Configure.
	Scan() ([]SlaveDescriptor, error)

	// Configure builds sync-manager/PDO mapping for the given topology and
	// returns the resulting process-image layout plus the set of mailbox
	// input entries per slave. Must be called exactly once, before Activate.
	Configure(descriptors []SlaveDescriptor) (Layout, MailboxInputEntries, error)

	// Activate transitions the bus to an OP-capable state. After this call
	// the process image is live and CycleRx/CycleTx may be used.
	Activate() error

	// CycleRx pulls the inbound frame into the process image buffer
	// returned by Configure's Layout (the same backing array, mutated
	// in place).
	CycleRx() error

	// CycleTx pushes the process image buffer out as the outbound frame.
	CycleTx() error

	// ALStates reports current per-slave AL-state, link status, and the
	// count of slaves in OP. Cheap to call every tick.
	ALStates() ALStates

	// Close releases any underlying resources (sockets, file descriptors).
	Close() error
}

// Layout is produced by Configure and is immutable for the lifetime of
// the handle.
type Layout struct {
	// Image is the contiguous process image buffer. Handle implementations
	// mutate it in place on CycleRx/CycleTx; everyone else must treat it as
	// read-only except via the cyclic engine's command-drain step.
	Image []byte
	// Offsets maps (slave position, entry name) to one byte range per
	// replica. Index 0 is always present; index >0 exists only for
	// multi-axis entries.
	Offsets map[EntryKey][]ByteRange
}

// EntryKey identifies a named register on a given slave.
type EntryKey struct {
	SlavePosition int
	Name          string
}

// ByteRange is a half-open [Start, End) span into Layout.Image.
type ByteRange struct {
	Start, End int
}

func (r ByteRange) Len() int { return r.End - r.Start }

// Lookup returns the byte range for the given replica index (0-based) of an
// entry on a slave, or false if it doesn't exist.
func (l Layout) Lookup(slavePosition int, name string, replica int) (ByteRange, bool) {
	ranges, ok := l.Offsets[EntryKey{SlavePosition: slavePosition, Name: name}]
	if !ok || replica < 0 || replica >= len(ranges) {
		return ByteRange{}, false
	}
	return ranges[replica], true
}
