package rpc

import (
	"github.com/pollen-robotics/ethercat-master/pkg/cia402"
	"github.com/pollen-robotics/ethercat-master/pkg/fieldbus"
	"github.com/pollen-robotics/ethercat-master/pkg/image"
)

// projectState reads one slave's wire State out of a snapshot. It reports
// ok=false when the snapshot has nothing usable for this slave (e.g. the
// status word entry isn't mapped), the signal for the caller to fall back
// to the last-known state.
func projectState(snap image.Snapshot, desc fieldbus.SlaveDescriptor) (State, bool) {
	pos := desc.Position
	sw, ok := snap.Uint16(pos, cia402.EntryStatusWord, 0)
	if !ok {
		return State{}, false
	}
	state, _, _ := cia402.Decode(sw)
	// A slave that has lost composite liveness (AL below OP, mailbox or
	// watchdog lapse) is reported with the invalid-status sentinel rather
	// than a possibly-frozen last status word, per the propagation policy
	// for per-slave liveness errors.
	if !snap.Responding(pos) {
		state = cia402.StateUnknown
	}

	modeDisplay, _ := snap.Uint8(pos, cia402.EntryModeOfOperationDisplay, 0)
	compliant, _ := snap.Uint8(pos, cia402.EntryCompliant, 0)

	axisCount := desc.AxisCount
	if axisCount <= 0 {
		axisCount = 1
	}

	st := State{
		ID:                int32(pos),
		ModeOfOperation:   int32(modeDisplay),
		Compliant:         compliant != 0,
		AxisCount:         int32(axisCount),
		ActualPosition:    readVector(snap, pos, cia402.EntryActualPosition, axisCount),
		ActualVelocity:    readVector(snap, pos, cia402.EntryActualVelocity, axisCount),
		ActualTorque:      readVector(snap, pos, cia402.EntryActualTorque, axisCount),
		BoardTemps:        readVector(snap, pos, cia402.EntryBoardTemperature, axisCount),
		MotorTemps:        readVector(snap, pos, cia402.EntryMotorTemperature, axisCount),
		RequestedPosition: readVector(snap, pos, cia402.EntryTargetPosition, axisCount),
		RequestedVelocity: readVector(snap, pos, cia402.EntryTargetVelocity, axisCount),
		RequestedTorque:   readVector(snap, pos, cia402.EntryTargetTorque, axisCount),
		CiA402State:       uint32(state),
		ErrorCodes:        readErrorCodes(snap, pos),
		PublishTS:         snap.PublishedAt(),
	}
	return st, true
}

func readVector(snap image.Snapshot, pos int, name string, axisCount int) []float32 {
	out := make([]float32, 0, axisCount)
	for i := 0; i < axisCount; i++ {
		v, ok := snap.Float32(pos, name, i)
		if !ok {
			continue
		}
		out = append(out, v)
	}
	return out
}

func readErrorCodes(snap image.Snapshot, pos int) []int32 {
	n := snap.ReplicaCount(pos, cia402.EntryErrorWord)
	if n == 0 {
		return nil
	}
	out := make([]int32, 0, n)
	for i := 0; i < n; i++ {
		v, ok := snap.Uint16(pos, cia402.EntryErrorWord, i)
		if !ok {
			continue
		}
		out = append(out, int32(v))
	}
	return out
}
