package device

// State is the lifecycle state of a Device.
type State int

const (
	// StateInitialized means the device is assembled but not started.
	StateInitialized State = iota

	// StateRunning means the OTA server is receiving.
	StateRunning

	// StateStopped means the device has been shut down.
	StateStopped
)

// String returns a human-readable name for the state.
func (s State) String() string {
	switch s {
	case StateInitialized:
		return "Initialized"
	case StateRunning:
		return "Running"
	case StateStopped:
		return "Stopped"
	default:
		return "Unknown"
	}
}

// IsValid returns true if s is a defined state.
func (s State) IsValid() bool {
	return s >= StateInitialized && s <= StateStopped
}
