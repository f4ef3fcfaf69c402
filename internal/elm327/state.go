package elm327

import "fmt"

// ConnectionState is the connectivity health of a client as seen by observers.
type ConnectionState int

const (
	StateDisconnected ConnectionState = iota
	StateConnected
	StateError
)

func (s ConnectionState) String() string {
	switch s {
	case StateDisconnected:
		return "disconnected"
	case StateConnected:
		return "connected"
	case StateError:
		return "error"
	default:
		return fmt.Sprintf("state(%d)", int(s))
	}
}

// MarshalText renders the state as its lowercase name for JSON and YAML.
func (s ConnectionState) MarshalText() ([]byte, error) {
	return []byte(s.String()), nil
}

// UnmarshalText is the inverse of MarshalText.
func (s *ConnectionState) UnmarshalText(b []byte) error {
	switch string(b) {
	case "disconnected":
		*s = StateDisconnected
	case "connected":
		*s = StateConnected
	case "error":
		*s = StateError
	default:
		return fmt.Errorf("elm327: unknown connection state %q", string(b))
	}
	return nil
}
