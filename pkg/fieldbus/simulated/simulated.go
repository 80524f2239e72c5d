// Package simulated provides a software-only [fieldbus.Handle] used for
// tests and examples: no network, no hardware, just enough behaviour for
// the rest of the stack to exercise against.
//
// Each simulated slave runs a minimal CiA 402 responder so that turn-on
// sequences driven by pkg/cia402 actually converge, and optionally echoes
// the watchdog counter and fills its mailbox inputs with non-zero bytes so
// pkg/liveness has something real to watch.
package simulated

import (
	"encoding/binary"
	"log/slog"
	"sync"

	"github.com/pollen-robotics/ethercat-master/pkg/cia402"
	"github.com/pollen-robotics/ethercat-master/pkg/fieldbus"
)

func init() {
	fieldbus.Register("simulated", New)
}

// SlaveBehavior customizes how a simulated slave responds each cycle.
// The zero value is a plain CiA 402 drive that follows control-word
// transitions immediately.
type SlaveBehavior struct {
	// RespondMailbox, when true, makes the slave fill its mailbox input
	// entries (if any) with non-zero bytes every cycle so mailbox-freshness
	// checks see non-zero data. When false the slave never writes them, simulating
	// a disconnected mailbox producer.
	RespondMailbox bool
	// RespondWatchdog mirrors the outgoing watchdog counter back, the way
	// a healthy drive firmware would.
	RespondWatchdog bool
	// Frozen, when set, stops the slave from advancing its status word at
	// all -- used to simulate a wedged/disconnected drive.
	Frozen bool
}

type slaveState struct {
	desc      fieldbus.SlaveDescriptor
	behavior  SlaveBehavior
	status    uint16
	modeDisp  int8
	actualPos int32
}

// Handle is a simulated fieldbus handle. Create with [New], register
// slaves with [Handle.AddSlave] before the first Scan.
type Handle struct {
	logger *slog.Logger
	mu     sync.Mutex

	pending []fieldbus.SlaveDescriptor
	layout  fieldbus.Layout
	mailbox fieldbus.MailboxInputEntries
	slaves  map[int]*slaveState

	activated bool
	linkUp    bool
}

// New constructs an empty simulated handle. Matches the registry-callback
// shape expected by [fieldbus.Register] (channel is unused but kept for
// symmetry with real backends that take a device path/channel name).
func New(channel string) (fieldbus.Handle, error) {
	return &Handle{logger: slog.Default().With("service", "[SIM]"), linkUp: true, slaves: map[int]*slaveState{}}, nil
}

// AddSlave registers a slave topology entry plus its simulated behavior.
// Must be called before Scan.
func (h *Handle) AddSlave(desc fieldbus.SlaveDescriptor, behavior SlaveBehavior) {
	h.mu.Lock()
	defer h.mu.Unlock()
	h.pending = append(h.pending, desc)
	h.slaves[desc.Position] = &slaveState{desc: desc, behavior: behavior, status: statusSwitchOnDisabled}
}

// SetFrozen toggles whether a slave stops advancing, simulating a
// disconnected or crashed drive for liveness-subsystem tests.
func (h *Handle) SetFrozen(position int, frozen bool) {
	h.mu.Lock()
	defer h.mu.Unlock()
	if s, ok := h.slaves[position]; ok {
		s.behavior.Frozen = frozen
	}
}

// SetLinkUp simulates a link flap.
func (h *Handle) SetLinkUp(up bool) {
	h.mu.Lock()
	defer h.mu.Unlock()
	h.linkUp = up
}

func (h *Handle) Scan() ([]fieldbus.SlaveDescriptor, error) {
	h.mu.Lock()
	defer h.mu.Unlock()
	if len(h.pending) == 0 {
		return nil, &fieldbus.TopologyError{Reason: "no slaves registered with simulated handle"}
	}
	out := make([]fieldbus.SlaveDescriptor, len(h.pending))
	copy(out, h.pending)
	return out, nil
}

func (h *Handle) Configure(descriptors []fieldbus.SlaveDescriptor) (fieldbus.Layout, fieldbus.MailboxInputEntries, error) {
	h.mu.Lock()
	defer h.mu.Unlock()
	layout, mailbox, err := fieldbus.NewLayoutBuilder().Build(descriptors)
	if err != nil {
		return fieldbus.Layout{}, nil, err
	}
	h.layout = layout
	h.mailbox = mailbox
	return layout, mailbox, nil
}

func (h *Handle) Activate() error {
	h.mu.Lock()
	defer h.mu.Unlock()
	h.activated = true
	return nil
}

// statusSwitchOnDisabled is the initial statusword value for a freshly
// "booted" simulated slave, per the CiA 402 bit pattern in pkg/cia402.
const statusSwitchOnDisabled uint16 = 0b0100_0000

func (h *Handle) CycleRx() error {
	h.mu.Lock()
	defer h.mu.Unlock()
	if !h.activated {
		return fieldbus.ErrNotActivated
	}
	for _, s := range h.slaves {
		h.stepSlave(s)
	}
	return nil
}

func (h *Handle) CycleTx() error {
	h.mu.Lock()
	defer h.mu.Unlock()
	if !h.activated {
		return fieldbus.ErrNotActivated
	}
	return nil
}

// stepSlave reads the slave's control word out of the image, applies the
// trivial CiA 402 transition table, and writes status/mailbox/watchdog
// bytes back. This intentionally duplicates only as much of pkg/cia402's
// encoding as needed to drive the simulation; it is not a substitute for
// that package's decode/encode, which the engine and drivers use for real.
func (h *Handle) stepSlave(s *slaveState) {
	if s.behavior.Frozen {
		return
	}
	ctrlRange, ok := h.layout.Lookup(s.desc.Position, cia402.EntryControlWord, 0)
	if !ok || ctrlRange.Len() < 2 {
		return
	}
	control := binary.LittleEndian.Uint16(h.layout.Image[ctrlRange.Start:ctrlRange.End])

	// Bit 9 ("remote") is held high unconditionally, the way a drive under
	// active master control reports it; pkg/cia402's setup sequence waits
	// on this bit before issuing any transition, so it must be observable
	// before the master ever writes a control word.
	const remote uint16 = 1 << 9

	switch control & 0x8F {
	case 0x06:
		s.status = 0b0010_0001 // ReadyToSwitchOn
	case 0x07:
		s.status = 0b0010_0011 // SwitchedOn
	case 0x0F:
		s.status = 0b0011_0111 // OperationEnabled
	case 0x02:
		s.status = 0b0000_0111 // QuickStopActive
	}
	if control&0x80 != 0 {
		s.status = 0b0100_0000 // SwitchOnDisabled, fault cleared
	}
	s.status |= remote

	// statusStateMask bits are the only ones fixed above; watchdog bits
	// 8/14/15 are cleared then re-set from the outgoing counter riding
	// control bits 11-15, mirroring a healthy drive's firmware per
	// pkg/liveness's bit layout.
	s.status &^= 1<<8 | 1<<14 | 1<<15
	if s.behavior.RespondWatchdog {
		counter := uint8((control >> 11) & 0x07)
		if counter&0b001 != 0 {
			s.status |= 1 << 8
		}
		if counter&0b010 != 0 {
			s.status |= 1 << 14
		}
		if counter&0b100 != 0 {
			s.status |= 1 << 15
		}
	}

	if statusRange, ok := h.layout.Lookup(s.desc.Position, cia402.EntryStatusWord, 0); ok && statusRange.Len() >= 2 {
		binary.LittleEndian.PutUint16(h.layout.Image[statusRange.Start:statusRange.End], s.status)
	}
	if posActual, ok := h.layout.Lookup(s.desc.Position, cia402.EntryActualPosition, 0); ok && posActual.Len() >= 4 {
		if posTarget, ok := h.layout.Lookup(s.desc.Position, cia402.EntryTargetPosition, 0); ok && posTarget.Len() >= 4 {
			target := int32(binary.LittleEndian.Uint32(h.layout.Image[posTarget.Start:posTarget.End]))
			s.actualPos = target
		}
		binary.LittleEndian.PutUint32(h.layout.Image[posActual.Start:posActual.End], uint32(s.actualPos))
	}

	if s.behavior.RespondMailbox {
		for _, name := range h.mailbox[s.desc.Position] {
			if rng, ok := h.layout.Lookup(s.desc.Position, name, 0); ok {
				for i := rng.Start; i < rng.End; i++ {
					h.layout.Image[i] = 1
				}
			}
		}
	}
}

func (h *Handle) ALStates() fieldbus.ALStates {
	h.mu.Lock()
	defer h.mu.Unlock()
	states := fieldbus.ALStates{PerSlave: map[int]fieldbus.ALState{}, LinkUp: h.linkUp}
	for pos, s := range h.slaves {
		if !h.linkUp || s.behavior.Frozen {
			states.PerSlave[pos] = fieldbus.ALStateSafeOp
			continue
		}
		states.PerSlave[pos] = fieldbus.ALStateOp
		states.SlavesResponding++
	}
	return states
}

func (h *Handle) Close() error { return nil }
