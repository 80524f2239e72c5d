package rpc

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/pollen-robotics/ethercat-master/pkg/cia402"
	"github.com/pollen-robotics/ethercat-master/pkg/fieldbus"
	"github.com/pollen-robotics/ethercat-master/pkg/image"
)

// buildLayout lays out a single slave with ControlWord/StatusWord plus one
// axis worth of target/actual registers, mirroring what pkg/config's
// topology builder produces for a one-axis EPOS slave.
func buildLayout(t *testing.T, statusWord uint16) (fieldbus.Layout, image.Snapshot) {
	t.Helper()
	desc := fieldbus.SlaveDescriptor{
		Position:  1,
		AxisCount: 1,
		SyncManagers: []fieldbus.SyncManager{
			{
				Direction: fieldbus.DirectionOutput, Mode: fieldbus.ModeBuffered,
				Entries: []fieldbus.EntryDescriptor{
					{Name: cia402.EntryControlWord, BitLength: 16},
					{Name: cia402.EntryModeOfOperation, BitLength: 8},
					{Name: cia402.EntryCompliant, BitLength: 8},
					{Name: cia402.EntryTargetPosition, BitLength: 32},
				},
			},
			{
				Direction: fieldbus.DirectionInput, Mode: fieldbus.ModeBuffered,
				Entries: []fieldbus.EntryDescriptor{
					{Name: cia402.EntryStatusWord, BitLength: 16},
					{Name: cia402.EntryActualPosition, BitLength: 32},
				},
			},
		},
	}
	layout, _, err := fieldbus.NewLayoutBuilder().Build([]fieldbus.SlaveDescriptor{desc})
	require.NoError(t, err)

	if swRange, ok := layout.Lookup(1, cia402.EntryStatusWord, 0); ok {
		layout.Image[swRange.Start] = byte(statusWord)
		layout.Image[swRange.Start+1] = byte(statusWord >> 8)
	}

	snap := image.New(layout.Image, layout, map[int]bool{1: true}, nil, time.Now())
	return layout, snap
}

func TestTranslateCommandRejectsStaleCommand(t *testing.T) {
	// A command whose PublishTS is older than the drop window must be
	// rejected wholesale, with no byte modified.
	layout, snap := buildLayout(t, 0b0000_0000_0010_0001) // ReadyToSwitchOn
	now := time.Now()
	cmd := Command{ID: 1, CompliancySet: true, Compliancy: true, PublishTS: now.Add(-time.Second)}

	writes, err := translateCommand(cmd, snap, layout, 1, 1, 50*time.Millisecond, now)
	assert.Nil(t, writes)
	assert.ErrorIs(t, err, ErrStaleCommand)
}

func TestTranslateCommandAcceptsFreshCommand(t *testing.T) {
	layout, snap := buildLayout(t, 0b0000_0000_0010_0001) // ReadyToSwitchOn
	now := time.Now()
	cmd := Command{ID: 1, CompliancySet: true, Compliancy: true, PublishTS: now}

	writes, err := translateCommand(cmd, snap, layout, 1, 1, 50*time.Millisecond, now)
	require.NoError(t, err)
	assert.NotEmpty(t, writes)
}

func TestTranslateCommandRejectsModeChangeWhileOperationEnabled(t *testing.T) {
	// A mode-of-operation change requested while OperationEnabled must be
	// rejected and must not alter the control word or any other register.
	layout, snap := buildLayout(t, 0b0000_0000_0011_0111) // OperationEnabled
	now := time.Now()
	cmd := Command{ID: 1, ModeOfOperation: int32(cia402.ModeCyclicSyncPosition), PublishTS: now}

	writes, err := translateCommand(cmd, snap, layout, 1, 1, 0, now)
	assert.Nil(t, writes)
	assert.ErrorIs(t, err, ErrSafetyReject)
}

func TestTranslateCommandAllowsModeChangeOutsideOperationEnabled(t *testing.T) {
	layout, snap := buildLayout(t, 0b0000_0000_0010_0011) // SwitchedOn
	now := time.Now()
	cmd := Command{ID: 1, ModeOfOperation: int32(cia402.ModeCyclicSyncPosition), PublishTS: now}

	writes, err := translateCommand(cmd, snap, layout, 1, 1, 0, now)
	require.NoError(t, err)
	require.NotEmpty(t, writes)

	var sawMode bool
	for _, w := range writes {
		modeRange, _ := layout.Lookup(1, cia402.EntryModeOfOperation, 0)
		if w.Range == modeRange {
			sawMode = true
			assert.Equal(t, []byte{byte(cia402.ModeCyclicSyncPosition)}, w.Data)
		}
	}
	assert.True(t, sawMode, "mode-of-operation write must be present")
}

func TestTranslateCommandEmergencyStopOverridesDesiredState(t *testing.T) {
	layout, snap := buildLayout(t, 0b0000_0000_0010_0011) // SwitchedOn
	now := time.Now()
	cmd := Command{ID: 1, EmergencyStopSet: true, EmergencyStop: true, CompliancySet: true, Compliancy: true, PublishTS: now}

	writes, err := translateCommand(cmd, snap, layout, 1, 1, 0, now)
	require.NoError(t, err)

	ctrlRange, _ := layout.Lookup(1, cia402.EntryControlWord, 0)
	var found bool
	for _, w := range writes {
		if w.Range == ctrlRange {
			found = true
			assert.Equal(t, []byte{byte(cia402.ControlQuickStop), 0}, w.Data)
		}
	}
	assert.True(t, found, "emergency stop must issue the quick-stop control word")
}

func TestTranslateCommandCoalescesOversizedTargetVector(t *testing.T) {
	layout, snap := buildLayout(t, 0b0000_0000_0010_0011) // SwitchedOn
	now := time.Now()
	// axisCount is 1 but three positions are supplied; only the last must
	// survive the coalescing policy.
	cmd := Command{ID: 1, TargetPosition: []float32{10, 20, 30}, PublishTS: now}

	writes, err := translateCommand(cmd, snap, layout, 1, 1, 0, now)
	require.NoError(t, err)

	posRange, _ := layout.Lookup(1, cia402.EntryTargetPosition, 0)
	var got []byte
	for _, w := range writes {
		if w.Range == posRange {
			got = w.Data
		}
	}
	require.NotNil(t, got)
	assert.Equal(t, float32Bytes(30), got, "only the last axisCount elements survive coalescing")
}
