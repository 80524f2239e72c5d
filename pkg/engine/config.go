package engine

import "time"

// Config bundles the engine tunables from the `ethercat` configuration
// block. Callers normally populate this from pkg/config, not by hand.
type Config struct {
	CyclePeriod time.Duration

	// CommandDropTime bounds how stale an applied command's publish
	// timestamp may be; older commands are dropped, never applied.
	CommandDropTime time.Duration

	// WatchdogTimeout and MailboxTimeout are the per-slave liveness
	// windows, 1s each by default.
	WatchdogTimeout time.Duration
	MailboxTimeout  time.Duration

	// EnableWatchdog / EnableMailboxVerification toggle the two liveness
	// subsystems independently.
	EnableWatchdog            bool
	EnableMailboxVerification bool

	// RecoverFromError makes an otherwise-fatal fieldbus error
	// non-fatal: the engine logs, drops readiness, and keeps cycling
	// instead of exiting with code 10.
	RecoverFromError bool

	// JitterLogInterval controls how often observed vs. target cycle
	// frequency is logged. Default 10s.
	JitterLogInterval time.Duration
}

// DefaultConfig returns the defaults for a 500 Hz loop with both
// liveness subsystems armed.
func DefaultConfig() Config {
	return Config{
		CyclePeriod:               2 * time.Millisecond,
		CommandDropTime:           5 * time.Millisecond,
		WatchdogTimeout:           time.Second,
		MailboxTimeout:            time.Second,
		EnableWatchdog:            true,
		EnableMailboxVerification: true,
		JitterLogInterval:         10 * time.Second,
	}
}
