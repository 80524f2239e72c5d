// Package cia402 decodes and encodes the CiA 402 control-word/status-word
// state machine used by every drive on the bus (EPOS4 servos and the
// multi-axis Poulpe controllers alike). It is pure: no I/O beyond the byte
// slices handed to it.
package cia402

import "fmt"

// State is one of the eight canonical CiA 402 states, derived purely from
// status-word bits.
type State uint8

const (
	StateUnknown State = iota
	NotReadyToSwitchOn
	SwitchOnDisabled
	ReadyToSwitchOn
	SwitchedOn
	OperationEnabled
	QuickStopActive
	FaultReactionActive
	Fault
)

var stateNames = map[State]string{
	StateUnknown:        "UNKNOWN",
	NotReadyToSwitchOn:  "NOT-READY-TO-SWITCH-ON",
	SwitchOnDisabled:    "SWITCH-ON-DISABLED",
	ReadyToSwitchOn:     "READY-TO-SWITCH-ON",
	SwitchedOn:          "SWITCHED-ON",
	OperationEnabled:    "OPERATION-ENABLED",
	QuickStopActive:     "QUICK-STOP-ACTIVE",
	FaultReactionActive: "FAULT-REACTION-ACTIVE",
	Fault:               "FAULT",
}

func (s State) String() string {
	if name, ok := stateNames[s]; ok {
		return name
	}
	return fmt.Sprintf("State(%d)", uint8(s))
}

// statusword bit patterns, masked to exclude warning (bit 7) and the
// manufacturer/watchdog bits (8, 14, 15) before matching.
const (
	statusMaskWarning      uint16 = 1 << 7
	statusMaskManufacturer uint16 = 1<<8 | 1<<14 | 1<<15
	statusMaskRemote       uint16 = 1 << 9
	statusStateMask        uint16 = ^(statusMaskWarning | statusMaskManufacturer)
)

var statusPatterns = map[uint16]State{
	0b0000_0000_0000_0000: NotReadyToSwitchOn,
	0b0000_0000_0100_0000: SwitchOnDisabled,
	0b0000_0000_0010_0001: ReadyToSwitchOn,
	0b0000_0000_0010_0011: SwitchedOn,
	0b0000_0000_0011_0111: OperationEnabled,
	0b0000_0000_0000_0111: QuickStopActive,
	0b0000_0000_0001_1111: FaultReactionActive,
	0b0000_0000_0000_1000: Fault,
}

// Decode extracts the CiA 402 state, warning flag and remote flag from a
// raw status word. Decode never errors: an unrecognized bit pattern decodes
// to StateUnknown rather than failing, so a single malformed tick never
// halts the driver.
func Decode(statusWord uint16) (state State, warning bool, remote bool) {
	masked := statusWord & statusStateMask &^ statusMaskRemote
	st, ok := statusPatterns[masked]
	if !ok {
		st = StateUnknown
	}
	return st, statusWord&statusMaskWarning != 0, statusWord&statusMaskRemote != 0
}

// ControlWord is the low-byte value written to request a state transition.
type ControlWord uint16

const (
	ControlShutdown        ControlWord = 0x06
	ControlSwitchOn        ControlWord = 0x07 // also DisableOperation -> SwitchedOn
	ControlEnableOperation ControlWord = 0x0F
	ControlQuickStop       ControlWord = 0x02
	ControlFaultReset      ControlWord = 0x80
)

// ControlWordFor returns the control word to issue to reach target from any
// state, or false if target has no direct single-word transition (e.g.
// Fault, which can only be left via FaultReset).
func ControlWordFor(target State) (ControlWord, bool) {
	switch target {
	case ReadyToSwitchOn:
		return ControlShutdown, true
	case SwitchedOn:
		return ControlSwitchOn, true
	case OperationEnabled:
		return ControlEnableOperation, true
	case QuickStopActive:
		return ControlQuickStop, true
	}
	return 0, false
}
