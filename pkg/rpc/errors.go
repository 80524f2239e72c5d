package rpc

import "errors"

// Error kinds the RPC layer itself is responsible for. Bus and slave
// trouble (topology, AL drops, liveness, faults) surfaces through
// State.CiA402State and State.ErrorCodes instead of as Go errors: the
// server never raises slave-level trouble as a stream error.
var (
	// ErrStaleCommand is returned when a Command's PublishTS is older than
	// the configured command_drop_time.
	ErrStaleCommand = errors.New("rpc: stale command dropped")
	// ErrSafetyReject covers a mode-of-operation change requested while the
	// slave is OperationEnabled, or a target vector whose length cannot be
	// safely coalesced to the slave's axis count.
	ErrSafetyReject = errors.New("rpc: command rejected by safety policy")
	// ErrUnknownSlave names a slave id outside the activated topology. No
	// RPC returns it: SendCommands counts such a Command as dropped and
	// SubscribeStates skips such an id.
	ErrUnknownSlave = errors.New("rpc: unknown slave id")
)
