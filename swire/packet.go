// Package swire defines the wire-level data contract shared by the
// sift filter engine and the transport layer: the packet envelopes
// and the closed sets of request actions and response codes.
//
// Everything in this package is a pure value.
// Interpreting these values is the filter engine's job;
// moving them between machines is the transport's.
package swire

// Packet is the wire envelope for one datagram.
//
// It is a closed set: the only implementations are
// [Request] and [Response].
type Packet interface {
	isPacket()
}

// Request is the envelope for requester-role traffic.
//
// Sequence increases by exactly one per new request within a session;
// a retransmission reuses the original sequence.
type Request struct {
	Sequence uint64

	// Highest response sequence the sender has fully processed,
	// or nil if it has not processed any.
	ResponseAck *uint64

	// Session cookie assigned at login.
	// Required on every post-handshake request.
	Cookie *string

	Action RequestAction
}

func (Request) isPacket() {}

// Response is the envelope for responder-role traffic,
// with its own independent sequence counter.
type Response struct {
	Sequence uint64

	// Highest request sequence the sender has fully processed,
	// or nil if it has not processed any.
	RequestAck *uint64

	Code ResponseCode
}

func (Response) isPacket() {}
