package ota

// State is the handshake state of a Session.
type State int

const (
	// StateIdle waits for an invitation.
	StateIdle State = iota
	// StateWaitingAuth has issued a challenge and waits for the response.
	StateWaitingAuth
	// StateRunningUpdate is armed for the bulk transfer.
	StateRunningUpdate
)

// String returns the string representation of the state.
func (s State) String() string {
	switch s {
	case StateIdle:
		return "Idle"
	case StateWaitingAuth:
		return "WaitingAuth"
	case StateRunningUpdate:
		return "RunningUpdate"
	default:
		return "Unknown"
	}
}

// IsValid returns true if s is a defined state.
func (s State) IsValid() bool {
	return s >= StateIdle && s <= StateRunningUpdate
}

// ErrorKind classifies session failures.
type ErrorKind int

const (
	// AuthError is a rejected challenge response.
	AuthError ErrorKind = iota
	// BeginError is a failure to start the flash transaction.
	BeginError
	// ConnectError is a failure to reach the uploader's bulk port.
	ConnectError
	// ReceiveError is a stalled, broken or unwritable transfer.
	ReceiveError
	// EndError is a failed commit.
	EndError
)

// String returns the string representation of the kind.
func (k ErrorKind) String() string {
	switch k {
	case AuthError:
		return "Auth Failed"
	case BeginError:
		return "Begin Failed"
	case ConnectError:
		return "Connect Failed"
	case ReceiveError:
		return "Receive Failed"
	case EndError:
		return "End Failed"
	default:
		return "Unknown"
	}
}

// IsValid returns true if k is a defined kind.
func (k ErrorKind) IsValid() bool {
	return k >= AuthError && k <= EndError
}

// label is the metric label value of k.
func (k ErrorKind) label() string {
	switch k {
	case AuthError:
		return "auth"
	case BeginError:
		return "begin"
	case ConnectError:
		return "connect"
	case ReceiveError:
		return "receive"
	case EndError:
		return "end"
	default:
		return "unknown"
	}
}
