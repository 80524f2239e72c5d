package cia402

// ModeOfOperation is the canonical CiA 402 8-bit mode value.
type ModeOfOperation int8

const (
	ModeNone               ModeOfOperation = 0 // sentinel: "no change requested"
	ModeProfilePosition    ModeOfOperation = 1
	ModeProfileTorque      ModeOfOperation = 4
	ModeCyclicSyncPosition ModeOfOperation = 8
	ModeCyclicSyncVelocity ModeOfOperation = 9
	ModeCyclicSyncTorque   ModeOfOperation = 10
)

var modeNames = map[ModeOfOperation]string{
	ModeNone:               "NONE",
	ModeProfilePosition:    "PROFILE-POSITION",
	ModeProfileTorque:      "PROFILE-TORQUE",
	ModeCyclicSyncPosition: "CYCLIC-SYNC-POSITION",
	ModeCyclicSyncVelocity: "CYCLIC-SYNC-VELOCITY",
	ModeCyclicSyncTorque:   "CYCLIC-SYNC-TORQUE",
}

func (m ModeOfOperation) String() string {
	if name, ok := modeNames[m]; ok {
		return name
	}
	return "UNKNOWN-MODE"
}

// ModeChangeAllowed reports whether a mode-of-operation change may be
// issued: changes are rejected while the slave is in OperationEnabled.
func ModeChangeAllowed(current State) bool {
	return current != OperationEnabled
}

// ModeChangeComplete compares the requested mode against the slave's
// reported ModeOfOperationDisplay; the change is done once they agree.
func ModeChangeComplete(requested, display ModeOfOperation) bool {
	return requested == display
}
