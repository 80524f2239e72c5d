package cia402

// Canonical PDO entry names the cyclic engine looks up by in the process
// image layout for any slave descriptor with CapabilityCiA402 set. A config
// loader (pkg/config) is responsible for mapping a slave's real object
// dictionary indices onto these names when it builds the
// []fieldbus.SlaveDescriptor passed to Configure, so the engine never has
// to know CiA 402 object indices itself.
const (
	EntryControlWord            = "ControlWord"
	EntryStatusWord             = "StatusWord"
	EntryModeOfOperation        = "ModeOfOperation"
	EntryModeOfOperationDisplay = "ModeOfOperationDisplay"
	EntryTargetPosition         = "TargetPosition"
	EntryActualPosition         = "ActualPosition"
	EntryTargetVelocity         = "TargetVelocity"
	EntryActualVelocity         = "ActualVelocity"
	EntryTargetTorque           = "TargetTorque"
	EntryActualTorque           = "ActualTorque"
	EntryErrorWord              = "ErrorWord"
	EntryVelocityLimit          = "VelocityLimit"
	EntryTorqueLimit            = "TorqueLimit"
	EntryCompliant              = "Compliant"
	EntryBoardTemperature       = "BoardTemperature"
	EntryMotorTemperature       = "MotorTemperature"
)
