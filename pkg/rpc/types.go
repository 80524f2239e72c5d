// Package rpc implements the streaming multiplexer: a gRPC server
// exposing EnumerateSlaves (unary), SubscribeStates (server-stream), and
// SendCommands (client-stream) over the real google.golang.org/grpc
// transport and stream plumbing. The build has no protoc step, so the
// wire messages below are plain Go structs carried by a hand-registered
// gRPC codec (see codec.go) instead of generated protobuf types; the
// [grpc.ServiceDesc] in service.go is hand-authored in the same shape
// protoc-gen-go-grpc would emit.
package rpc

import "time"

// SlaveInventory answers EnumerateSlaves: the ordered slave ids and names
// discovered at activation.
type SlaveInventory struct {
	IDs   []int32
	Names []string
}

// StateSubscribe is the single request that opens a SubscribeStates stream.
type StateSubscribe struct {
	IDs           []int32
	UpdatePeriodS float32
}

// State is one slave's observed state as of PublishTS. AxisCount governs
// the vector-length coalescing policy applied to every []float32 field.
type State struct {
	ID                int32
	ModeOfOperation   int32
	Compliant         bool
	AxisCount         int32
	ActualPosition    []float32
	ActualVelocity    []float32
	ActualTorque      []float32
	BoardTemps        []float32
	MotorTemps        []float32
	RequestedPosition []float32
	RequestedVelocity []float32
	RequestedTorque   []float32
	CiA402State       uint32
	ErrorCodes        []int32
	PublishTS         time.Time
}

// StateBatch is what SubscribeStates pushes each tick.
type StateBatch struct {
	States []State
}

// Command is one slave's requested change. ModeOfOperation == 0 means "no
// change requested" (cia402.ModeNone).
type Command struct {
	ID               int32
	EmergencyStop    bool
	EmergencyStopSet bool
	Compliancy       bool
	CompliancySet    bool
	ModeOfOperation  int32
	TargetPosition   []float32
	TargetVelocity   []float32
	TargetTorque     []float32
	VelocityLimit    []float32
	TorqueLimit      []float32
	PublishTS        time.Time
}

// CommandBatch is what SendCommands receives per inbound stream message.
type CommandBatch struct {
	Commands []Command
}

// Empty is the request message for EnumerateSlaves, which takes no
// parameters.
type Empty struct{}

// Ack closes a SendCommands client-stream with simple accounting; grpc's
// client-streaming shape requires exactly one final message.
type Ack struct {
	Received int32
	Dropped  int32
}

// coalesce handles vector fields whose length differs from the axis
// count by taking the last axis-count elements, applied uniformly
// wherever a float32 vector crosses the wire. Multi-axis clients depend
// on this exact policy; do not change it silently.
func coalesce(v []float32, axisCount int) []float32 {
	if axisCount <= 0 || len(v) <= axisCount {
		return v
	}
	return v[len(v)-axisCount:]
}
