package fieldbus

// NewHandleFunc constructs a Handle for a given channel/device identifier
// (e.g. a network interface name for a real master, or an arbitrary label
// for the simulated backend).
type NewHandleFunc func(channel string) (Handle, error)

var availableBackends = make(map[string]NewHandleFunc)

// Register makes a backend constructor available under a name, to be
// called from a backend package's init(), mirroring how real CAN/EtherCAT
// transport plugins self-register rather than being imported directly by
// the engine.
func Register(backendType string, newHandle NewHandleFunc) {
	availableBackends[backendType] = newHandle
}

// Open looks up a previously registered backend and constructs a Handle.
func Open(backendType, channel string) (Handle, error) {
	ctor, ok := availableBackends[backendType]
	if !ok {
		return nil, &TopologyError{Reason: "unknown fieldbus backend: " + backendType}
	}
	return ctor(channel)
}
