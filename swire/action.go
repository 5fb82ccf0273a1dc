package swire

// RequestAction is the application-level payload of a [Request].
//
// It is a closed set; the filter engine dispatches on the
// concrete type exhaustively.
type RequestAction interface {
	isRequestAction()
}

// None is a request that carries no action.
type None struct{}

func (None) isRequestAction() {}

// Connect initiates the handshake with a server.
type Connect struct {
	Name          string
	ClientVersion string
}

func (Connect) isRequestAction() {}

// KeepAlive keeps a session alive and acknowledges responses
// without carrying a new application request.
type KeepAlive struct {
	// Highest response sequence the client has fully processed.
	LatestResponseAck uint64
}

func (KeepAlive) isRequestAction() {}

// ChatMessage carries a chat line to the server.
type ChatMessage struct {
	Message string
}

func (ChatMessage) isRequestAction() {}

// Disconnect ends the session from the peer's side.
type Disconnect struct{}

func (Disconnect) isRequestAction() {}
