package sift

import "fmt"

// Mode selects the handshake direction of a [Filter].
type Mode int

const (
	// ModeServer accepts Connect handshakes,
	// usually from many concurrent endpoints.
	ModeServer Mode = iota

	// ModeClient initiates the handshake,
	// usually toward a single server endpoint.
	ModeClient
)

func (m Mode) String() string {
	switch m {
	case ModeServer:
		return "server"
	case ModeClient:
		return "client"
	default:
		return fmt.Sprintf("Mode(%d)", int(m))
	}
}
