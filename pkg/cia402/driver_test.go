package cia402

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// simDrive is a minimal CiA 402 responder used only to exercise Driver.Tick
// against a sequence of control words, independent of any fieldbus backend.
type simDrive struct {
	status uint16
}

func (d *simDrive) apply(cw uint16) {
	const remote = 1 << 9
	switch cw & 0x8F {
	case uint16(ControlShutdown):
		d.status = 0b0010_0001
	case uint16(ControlSwitchOn):
		d.status = 0b0010_0011
	case uint16(ControlEnableOperation):
		d.status = 0b0011_0111
	case uint16(ControlQuickStop):
		d.status = 0b0000_0111
	}
	if cw&uint16(ControlFaultReset) != 0 {
		d.status = 0b0100_0000
	}
	d.status |= remote
}

func TestDriverTurnOnSequenceReachesOperationEnabled(t *testing.T) {
	d := NewDriver(ModeCyclicSyncPosition, true)
	d.StartSetup()

	sim := &simDrive{status: 0b0100_0000} // SwitchOnDisabled, no remote yet

	now := time.Now()
	var modeDisplay ModeOfOperation
	var actualPos int32 = 12345

	// drive setup to completion
	for i := 0; i < 10 && d.Phase() != PhaseDone; i++ {
		sim.status |= 1 << 9 // remote comes up once the master is attached
		out := d.Tick(Input{StatusWord: sim.status, ModeDisplay: modeDisplay, ActualPosition: actualPos, Now: now})
		if out.WriteMode {
			modeDisplay = out.Mode
		}
		now = now.Add(time.Millisecond)
	}
	require.Equal(t, PhaseDone, d.Phase())
	assert.Equal(t, int32(12345), d.ZeroOffset())

	d.StartTurnOn()
	for i := 0; i < 10 && d.Phase() != PhaseDone; i++ {
		out := d.Tick(Input{StatusWord: sim.status, ModeDisplay: modeDisplay, ActualPosition: actualPos, Now: now})
		if out.WriteControlWord {
			sim.apply(out.ControlWord)
		}
		now = now.Add(time.Millisecond)
	}

	require.Equal(t, PhaseDone, d.Phase())
	state, _, _ := Decode(sim.status)
	assert.Equal(t, OperationEnabled, state)
}

func TestDriverTimesOutWhenSlaveNeverResponds(t *testing.T) {
	d := NewDriver(ModeCyclicSyncPosition, false)
	d.waitTimeout = 10 * time.Millisecond
	d.StartSetup()

	now := time.Now()
	for i := 0; i < 5; i++ {
		d.Tick(Input{StatusWord: 0, Now: now}) // remote never set
		now = now.Add(5 * time.Millisecond)
	}
	assert.Equal(t, PhaseFailed, d.Phase())
	assert.ErrorIs(t, d.Err(), ErrTimeout)
}
