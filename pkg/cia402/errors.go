package cia402

// HomingErrorFlag is decoded from the first entry of a slave's error-code
// vector: a 16-bit homing-error bitmask.
type HomingErrorFlag uint16

const (
	AxisSensorReadFail      HomingErrorFlag = 1 << 0
	MotorMovementCheckFail  HomingErrorFlag = 1 << 1
	AxisSensorAlignFail     HomingErrorFlag = 1 << 2
	ZeroingFail             HomingErrorFlag = 1 << 3
	IndexSearchFail         HomingErrorFlag = 1 << 4
	HomingCommunicationFail HomingErrorFlag = 1 << 5
)

var homingErrorNames = []struct {
	bit  HomingErrorFlag
	name string
}{
	{AxisSensorReadFail, "axis-sensor-read-fail"},
	{MotorMovementCheckFail, "motor-movement-check-fail"},
	{AxisSensorAlignFail, "axis-sensor-align-fail"},
	{ZeroingFail, "zeroing-fail"},
	{IndexSearchFail, "index-search-fail"},
	{HomingCommunicationFail, "communication-fail"},
}

// DecodeHomingErrors returns the set bits of a homing-error bitmask as
// human-readable names, in bit order.
func DecodeHomingErrors(mask HomingErrorFlag) []string {
	var out []string
	for _, e := range homingErrorNames {
		if mask&e.bit != 0 {
			out = append(out, e.name)
		}
	}
	return out
}

// MotorErrorFlag is decoded from each remaining entry of a slave's
// error-code vector: one per-motor fault bitmask.
type MotorErrorFlag uint16

const (
	ConfigFail             MotorErrorFlag = 1 << 0
	MotorAlignFail         MotorErrorFlag = 1 << 1
	HighTemperatureWarning MotorErrorFlag = 1 << 2
	OverTemperatureMotor   MotorErrorFlag = 1 << 3
	OverTemperatureBoard   MotorErrorFlag = 1 << 4
	OverCurrent            MotorErrorFlag = 1 << 5
	LowBusVoltage          MotorErrorFlag = 1 << 6
	DriverFault            MotorErrorFlag = 1 << 7
)

var motorErrorNames = []struct {
	bit  MotorErrorFlag
	name string
}{
	{ConfigFail, "config-fail"},
	{MotorAlignFail, "motor-align-fail"},
	{HighTemperatureWarning, "high-temperature-warning"},
	{OverTemperatureMotor, "over-temperature-motor"},
	{OverTemperatureBoard, "over-temperature-board"},
	{OverCurrent, "over-current"},
	{LowBusVoltage, "low-bus-voltage"},
	{DriverFault, "driver-fault"},
}

// DecodeMotorErrors returns the set bits of a per-motor fault bitmask as
// human-readable names, in bit order.
func DecodeMotorErrors(mask MotorErrorFlag) []string {
	var out []string
	for _, e := range motorErrorNames {
		if mask&e.bit != 0 {
			out = append(out, e.name)
		}
	}
	return out
}

// ErrorFlags is the full decoded error-code vector for one slave: one
// homing-error bitmask plus one motor-error bitmask per axis.
type ErrorFlags struct {
	Homing HomingErrorFlag
	Motors []MotorErrorFlag // one per axis
}

// DecodeErrorVector takes the raw per-slave error-code vector (first
// element is the homing mask, the rest are per-motor masks) and decodes it.
func DecodeErrorVector(raw []uint16) ErrorFlags {
	if len(raw) == 0 {
		return ErrorFlags{}
	}
	flags := ErrorFlags{Homing: HomingErrorFlag(raw[0])}
	for _, v := range raw[1:] {
		flags.Motors = append(flags.Motors, MotorErrorFlag(v))
	}
	return flags
}
