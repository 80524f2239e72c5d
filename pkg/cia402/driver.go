package cia402

import (
	"errors"
	"sync"
	"time"
)

// ErrTimeout is returned when a cooperative wait exceeds its bound
// (every wait is capped at 1s unless stated otherwise).
var ErrTimeout = errors.New("cia402: timeout waiting for state")

// ErrFault is returned when a sequence is attempted while the slave is in
// Fault and has not been explicitly cleared.
var ErrFault = errors.New("cia402: slave is in fault, explicit FaultReset required")

// Phase is the cooperative sequence a [Driver] is currently running. Each
// call to Tick advances the phase by at most one step -- retried across
// cycles, never a tight spin.
type Phase uint8

const (
	PhaseIdle Phase = iota
	PhaseAwaitingRemote
	PhaseClearingFault
	PhaseSettingMode
	PhaseAwaitingModeConfirm
	PhaseTurnOnShutdown
	PhaseTurnOnAwaitReady
	PhaseTurnOnSwitchOn
	PhaseTurnOnAwaitSwitched
	PhaseTurnOnEnable
	PhaseTurnOnAwaitEnabled
	PhaseDone
	PhaseFailed
)

// Input is what the driver reads from the snapshot each tick.
type Input struct {
	StatusWord     uint16
	ModeDisplay    ModeOfOperation
	ActualPosition int32
	Now            time.Time
}

// Output is what the driver wants written back into the process image this
// tick. A zero value with Write=false means "nothing to write".
type Output struct {
	WriteControlWord bool
	ControlWord      uint16
	WriteMode        bool
	Mode             ModeOfOperation
	WriteTargetPos   bool
	TargetPosition   int32
}

// Driver runs one slave's cooperative setup/turn-on/turn-off sequence. It
// holds no reference to the process image; the caller (pkg/engine) reads
// [Input] from the snapshot/image and applies [Output] to the image.
// Tick runs on the engine goroutine while StartSetup/StartTurnOn/Phase may
// be called from a supervisor goroutine, so the phase state is
// mutex-protected.
type Driver struct {
	mu          sync.Mutex
	phase       Phase
	deadline    time.Time
	defaultMode ModeOfOperation
	captureZero bool
	zeroOffset  int32
	err         error
	waitTimeout time.Duration
}

// NewDriver creates a driver that will, once started, set the slave to
// defaultMode and optionally capture the current actual position as a
// zero-offset so subsequent targets are relative.
func NewDriver(defaultMode ModeOfOperation, captureZero bool) *Driver {
	return &Driver{phase: PhaseIdle, defaultMode: defaultMode, captureZero: captureZero, waitTimeout: time.Second}
}

func (d *Driver) Phase() Phase {
	d.mu.Lock()
	defer d.mu.Unlock()
	return d.phase
}

func (d *Driver) Err() error {
	d.mu.Lock()
	defer d.mu.Unlock()
	return d.err
}

// StartSetup begins the setup sequence: await the Remote bit, clear any
// fault, set the default mode, wait for the display to agree.
func (d *Driver) StartSetup() {
	d.mu.Lock()
	defer d.mu.Unlock()
	d.phase = PhaseAwaitingRemote
	d.deadline = time.Time{}
	d.err = nil
}

// StartTurnOn begins the turn-on sequence (Shutdown -> ... -> OperationEnabled).
// A safety rule applies before the final EnableOperation: the current
// actual position is written into the target-position register to avoid a
// jump.
func (d *Driver) StartTurnOn() {
	d.mu.Lock()
	defer d.mu.Unlock()
	d.phase = PhaseTurnOnShutdown
	d.deadline = time.Time{}
	d.err = nil
}

// RequestFaultReset interrupts whatever sequence is running to clear a
// fault.
func (d *Driver) RequestFaultReset() {
	d.mu.Lock()
	defer d.mu.Unlock()
	d.phase = PhaseClearingFault
	d.deadline = time.Time{}
	d.err = nil
}

// TurnOffControlWord is the Shutdown command word: it keeps voltage and
// leaves the drive at ReadyToSwitchOn, and is idempotent. Callers that
// only want "turn off" use this directly instead of the full turn-on
// sequence.
func TurnOffControlWord() uint16 { return uint16(ControlShutdown) }

// Tick advances the driver's current phase by at most one step and returns
// what should be written to the image this cycle.
func (d *Driver) Tick(in Input) Output {
	d.mu.Lock()
	defer d.mu.Unlock()

	state, _, remote := Decode(in.StatusWord)

	switch d.phase {
	case PhaseIdle, PhaseDone, PhaseFailed:
		return Output{}

	case PhaseClearingFault:
		if state != Fault && state != FaultReactionActive {
			d.phase = PhaseDone
			return Output{}
		}
		return d.timeoutCheck(in.Now, PhaseClearingFault, Output{WriteControlWord: true, ControlWord: uint16(ControlFaultReset)})

	case PhaseAwaitingRemote:
		if !remote {
			return d.timeoutCheck(in.Now, PhaseAwaitingRemote, Output{})
		}
		if state == Fault {
			// Reset the fault and stay in this phase, so setup goes on to
			// set the default mode once the fault has cleared.
			return d.timeoutCheck(in.Now, PhaseAwaitingRemote, Output{WriteControlWord: true, ControlWord: uint16(ControlFaultReset)})
		}
		d.phase = PhaseSettingMode
		d.armDeadline(in.Now)
		return Output{WriteMode: true, Mode: d.defaultMode}

	case PhaseSettingMode:
		d.phase = PhaseAwaitingModeConfirm
		d.armDeadline(in.Now)
		return Output{WriteMode: true, Mode: d.defaultMode}

	case PhaseAwaitingModeConfirm:
		if ModeChangeComplete(d.defaultMode, in.ModeDisplay) {
			if d.captureZero {
				d.zeroOffset = in.ActualPosition
				d.phase = PhaseDone
				return Output{}
			}
			d.phase = PhaseDone
			return Output{}
		}
		return d.timeoutCheck(in.Now, PhaseAwaitingModeConfirm, Output{WriteMode: true, Mode: d.defaultMode})

	case PhaseTurnOnShutdown:
		if state == Fault {
			d.phase = PhaseFailed
			d.err = ErrFault
			return Output{}
		}
		d.phase = PhaseTurnOnAwaitReady
		d.armDeadline(in.Now)
		return Output{WriteControlWord: true, ControlWord: uint16(ControlShutdown)}

	case PhaseTurnOnAwaitReady:
		if state == ReadyToSwitchOn || state == SwitchedOn || state == OperationEnabled {
			d.phase = PhaseTurnOnSwitchOn
			d.armDeadline(in.Now)
			return Output{WriteControlWord: true, ControlWord: uint16(ControlSwitchOn)}
		}
		return d.timeoutCheck(in.Now, PhaseTurnOnAwaitReady, Output{WriteControlWord: true, ControlWord: uint16(ControlShutdown)})

	case PhaseTurnOnSwitchOn:
		d.phase = PhaseTurnOnAwaitSwitched
		d.armDeadline(in.Now)
		return Output{WriteControlWord: true, ControlWord: uint16(ControlSwitchOn)}

	case PhaseTurnOnAwaitSwitched:
		if state == SwitchedOn || state == OperationEnabled {
			d.phase = PhaseTurnOnEnable
			d.armDeadline(in.Now)
			return Output{
				WriteTargetPos: true, TargetPosition: in.ActualPosition,
			}
		}
		return d.timeoutCheck(in.Now, PhaseTurnOnAwaitSwitched, Output{WriteControlWord: true, ControlWord: uint16(ControlSwitchOn)})

	case PhaseTurnOnEnable:
		d.phase = PhaseTurnOnAwaitEnabled
		d.armDeadline(in.Now)
		return Output{WriteControlWord: true, ControlWord: uint16(ControlEnableOperation), WriteTargetPos: true, TargetPosition: in.ActualPosition}

	case PhaseTurnOnAwaitEnabled:
		if state == OperationEnabled {
			d.phase = PhaseDone
			return Output{}
		}
		return d.timeoutCheck(in.Now, PhaseTurnOnAwaitEnabled, Output{WriteControlWord: true, ControlWord: uint16(ControlEnableOperation)})
	}

	return Output{}
}

func (d *Driver) armDeadline(now time.Time) {
	if d.deadline.IsZero() || now.After(d.deadline) {
		d.deadline = now.Add(d.waitTimeout)
	}
}

func (d *Driver) timeoutCheck(now time.Time, phase Phase, retry Output) Output {
	if d.deadline.IsZero() {
		d.deadline = now.Add(d.waitTimeout)
	}
	if now.After(d.deadline) {
		d.phase = PhaseFailed
		d.err = ErrTimeout
		return Output{}
	}
	return retry
}

// ZeroOffset returns the position captured during setup, if captureZero was
// requested and setup has completed.
func (d *Driver) ZeroOffset() int32 {
	d.mu.Lock()
	defer d.mu.Unlock()
	return d.zeroOffset
}
