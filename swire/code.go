package swire

// ResponseCode is the application-level payload of a [Response].
//
// It is a closed set; the filter engine dispatches on the
// concrete type exhaustively.
type ResponseCode interface {
	isResponseCode()
}

// OK acknowledges a request that needs no further data.
type OK struct{}

func (OK) isResponseCode() {}

// LoggedIn completes the handshake, assigning the session cookie
// the client must present on all subsequent requests.
type LoggedIn struct {
	Cookie        string
	ServerVersion string
}

func (LoggedIn) isResponseCode() {}

// Unauthorized rejects a request whose cookie was missing or wrong.
type Unauthorized struct {
	Message string
}

func (Unauthorized) isResponseCode() {}

// BadRequest rejects a request that is invalid in the session's
// current phase.
type BadRequest struct {
	Message string
}

func (BadRequest) isResponseCode() {}

// IncompatibleVersion rejects a Connect whose client version
// failed the server's compatibility policy.
type IncompatibleVersion struct {
	ServerVersion string
}

func (IncompatibleVersion) isResponseCode() {}
