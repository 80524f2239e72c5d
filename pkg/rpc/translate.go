package rpc

import (
	"time"

	"github.com/pollen-robotics/ethercat-master/pkg/cia402"
	"github.com/pollen-robotics/ethercat-master/pkg/engine"
	"github.com/pollen-robotics/ethercat-master/pkg/fieldbus"
	"github.com/pollen-robotics/ethercat-master/pkg/image"
)

// translateCommand turns one wire Command into the byte-range writes the
// cyclic engine should apply, enforcing the safety and freshness policy
// before touching anything. It never partially applies a rejected
// command: on a safety or staleness rejection it returns no writes at
// all, so the image and status word stay untouched.
func translateCommand(cmd Command, snap image.Snapshot, layout fieldbus.Layout, pos int, axisCount int, dropTime time.Duration, now time.Time) ([]engine.ByteRangeWrite, error) {
	if dropTime > 0 && now.Sub(cmd.PublishTS) > dropTime {
		return nil, ErrStaleCommand
	}

	sw, _ := snap.Uint16(pos, cia402.EntryStatusWord, 0)
	state, _, _ := cia402.Decode(sw)

	if cmd.ModeOfOperation != 0 && !cia402.ModeChangeAllowed(state) {
		return nil, ErrSafetyReject
	}

	// A vector shorter than the axis count cannot be coalesced: some axes
	// would be left without a value.
	for _, v := range [][]float32{cmd.TargetPosition, cmd.TargetVelocity, cmd.TargetTorque, cmd.VelocityLimit, cmd.TorqueLimit} {
		if len(v) > 0 && len(v) < axisCount {
			return nil, ErrSafetyReject
		}
	}

	var writes []engine.ByteRangeWrite

	appendWrite := func(name string, replica int, data []byte) {
		rng, ok := layout.Lookup(pos, name, replica)
		if !ok || rng.Len() != len(data) {
			return
		}
		writes = append(writes, engine.ByteRangeWrite{SlavePosition: pos, Range: rng, Data: data, PublishedAt: cmd.PublishTS})
	}

	appendFloat32Vector := func(name string, values []float32) {
		values = coalesce(values, axisCount)
		for i, v := range values {
			appendWrite(name, i, float32Bytes(v))
		}
	}

	var controlWord uint16
	writeControl := false

	if cmd.EmergencyStopSet && cmd.EmergencyStop {
		controlWord = uint16(cia402.ControlQuickStop)
		writeControl = true
	} else if cw, ok := cia402.ControlWordFor(nextDesiredState(cmd, state)); ok {
		controlWord = uint16(cw)
		writeControl = true
	}
	if writeControl {
		appendWrite(cia402.EntryControlWord, 0, uint16Bytes(controlWord))
	}

	if cmd.CompliancySet {
		var v uint8
		if cmd.Compliancy {
			v = 1
		}
		appendWrite(cia402.EntryCompliant, 0, []byte{v})
	}

	if cmd.ModeOfOperation != 0 {
		appendWrite(cia402.EntryModeOfOperation, 0, []byte{byte(cmd.ModeOfOperation)})
	}

	appendFloat32Vector(cia402.EntryTargetPosition, cmd.TargetPosition)
	appendFloat32Vector(cia402.EntryTargetVelocity, cmd.TargetVelocity)
	appendFloat32Vector(cia402.EntryTargetTorque, cmd.TargetTorque)
	appendFloat32Vector(cia402.EntryVelocityLimit, cmd.VelocityLimit)
	appendFloat32Vector(cia402.EntryTorqueLimit, cmd.TorqueLimit)

	return writes, nil
}

// nextDesiredState maps a Command's compliancy flag onto a CiA 402 target
// state when no explicit emergency-stop is requested: compliant ask for
// OperationEnabled (free-running / torque-off equivalent lives in the
// Compliant register itself, not the state machine), non-compliant targets
// SwitchedOn. A Command that sets neither leaves the control word alone.
func nextDesiredState(cmd Command, current cia402.State) cia402.State {
	if !cmd.CompliancySet {
		return cia402.StateUnknown
	}
	if cmd.Compliancy {
		return cia402.OperationEnabled
	}
	return cia402.SwitchedOn
}

func uint16Bytes(v uint16) []byte {
	return []byte{byte(v), byte(v >> 8)}
}

func float32Bytes(f float32) []byte {
	v := uint32(image.Float32Bits(f))
	return []byte{byte(v), byte(v >> 8), byte(v >> 16), byte(v >> 24)}
}
