package config

import (
	"github.com/pollen-robotics/ethercat-master/pkg/cia402"
	"github.com/pollen-robotics/ethercat-master/pkg/fieldbus"
)

// BuildDescriptors resolves the tagged {Poulpe|Epos} slave list into
// concrete [fieldbus.SlaveDescriptor] values with sync-manager/PDO
// layouts: the slave kinds are resolved once, here, into per-slave
// descriptors rather than carried as a type hierarchy. Position is
// assigned by list order, which for a config-driven topology is the scan
// order.
func BuildDescriptors(slaves []SlaveConfig) []fieldbus.SlaveDescriptor {
	out := make([]fieldbus.SlaveDescriptor, 0, len(slaves))
	for i, s := range slaves {
		switch s.Kind {
		case KindEpos:
			out = append(out, eposDescriptor(i, s))
		default:
			out = append(out, poulpeDescriptor(i, s))
		}
	}
	return out
}

func commonAxisEntries(axisCount int) ([]fieldbus.EntryDescriptor, []fieldbus.EntryDescriptor) {
	output := []fieldbus.EntryDescriptor{
		{Name: cia402.EntryControlWord, BitLength: 16, ReplicaHint: axisCount},
		{Name: cia402.EntryModeOfOperation, BitLength: 8, ReplicaHint: axisCount},
		{Name: cia402.EntryTargetPosition, BitLength: 32, ReplicaHint: axisCount},
		{Name: cia402.EntryTargetVelocity, BitLength: 32, ReplicaHint: axisCount},
		{Name: cia402.EntryTargetTorque, BitLength: 32, ReplicaHint: axisCount},
		{Name: cia402.EntryVelocityLimit, BitLength: 32, ReplicaHint: axisCount},
		{Name: cia402.EntryTorqueLimit, BitLength: 32, ReplicaHint: axisCount},
		{Name: cia402.EntryCompliant, BitLength: 8, ReplicaHint: 1},
	}
	input := []fieldbus.EntryDescriptor{
		{Name: cia402.EntryStatusWord, BitLength: 16, ReplicaHint: axisCount},
		{Name: cia402.EntryModeOfOperationDisplay, BitLength: 8, ReplicaHint: axisCount},
		{Name: cia402.EntryActualPosition, BitLength: 32, ReplicaHint: axisCount},
		{Name: cia402.EntryActualVelocity, BitLength: 32, ReplicaHint: axisCount},
		{Name: cia402.EntryActualTorque, BitLength: 32, ReplicaHint: axisCount},
		{Name: cia402.EntryBoardTemperature, BitLength: 32, ReplicaHint: axisCount},
		{Name: cia402.EntryMotorTemperature, BitLength: 32, ReplicaHint: axisCount},
		{Name: cia402.EntryErrorWord, BitLength: 16, ReplicaHint: axisCount + 1},
	}
	return output, input
}

func poulpeDescriptor(position int, s SlaveConfig) fieldbus.SlaveDescriptor {
	axisCount := s.ResolvedAxisCount()
	output, input := commonAxisEntries(axisCount)
	return fieldbus.SlaveDescriptor{
		Position:     position,
		Name:         s.Name,
		AxisCount:    axisCount,
		Capabilities: fieldbus.CapabilityCiA402,
		SyncManagers: []fieldbus.SyncManager{
			{Index: 0, Direction: fieldbus.DirectionOutput, Mode: fieldbus.ModeBuffered, Entries: output},
			{Index: 1, Direction: fieldbus.DirectionInput, Mode: fieldbus.ModeBuffered, Entries: input},
			{Index: 2, Direction: fieldbus.DirectionInput, Mode: fieldbus.ModeMailbox, Entries: []fieldbus.EntryDescriptor{
				{Name: "HeartbeatPayload", BitLength: 32},
			}},
		},
	}
}

func eposDescriptor(position int, s SlaveConfig) fieldbus.SlaveDescriptor {
	output, input := commonAxisEntries(1)
	return fieldbus.SlaveDescriptor{
		Position:     position,
		Name:         s.Name,
		AxisCount:    1,
		Capabilities: fieldbus.CapabilityCiA402 | fieldbus.CapabilityHallSensor | fieldbus.CapabilityAbsoluteEncoder,
		SyncManagers: []fieldbus.SyncManager{
			{Index: 0, Direction: fieldbus.DirectionOutput, Mode: fieldbus.ModeBuffered, Entries: output},
			{Index: 1, Direction: fieldbus.DirectionInput, Mode: fieldbus.ModeBuffered, Entries: input},
			{Index: 2, Direction: fieldbus.DirectionInput, Mode: fieldbus.ModeMailbox, Entries: []fieldbus.EntryDescriptor{
				{Name: "HeartbeatPayload", BitLength: 32},
			}},
		},
	}
}
