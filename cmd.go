package sift

import (
	"github.com/gordian-engine/sift/saddr"
	"github.com/gordian-engine/sift/swire"
)

// Cmd is a command from the application layer to the filter engine.
//
// It is a closed set: the only implementations are
// [SendRequestAction], [SendResponseCode], and [Shutdown].
// The engine answers every command with one [Rsp].
type Cmd interface {
	isCmd()
}

// SendRequestAction sends an application request to one endpoint.
// The engine assigns the sequence number and tracks the packet
// for retransmission until the peer acknowledges it.
//
// If the endpoint has not been seen before, a session is created
// for it, so a server can fan out requests to new endpoints.
type SendRequestAction struct {
	Endpoint saddr.Endpoint
	Action   swire.RequestAction
}

func (SendRequestAction) isCmd() {}

// SendResponseCode sends an application response to one endpoint.
// The endpoint must already have a session; responding to a peer
// the engine has never heard from is a caller bug, answered with
// [UnknownEndpoint].
type SendResponseCode struct {
	Endpoint saddr.Endpoint
	Code     swire.ResponseCode
}

func (SendResponseCode) isCmd() {}

// Shutdown stops the engine.
//
// A graceful shutdown first processes the application commands
// that were already accepted onto the command channel.
// A non-graceful shutdown stops immediately, without waiting
// on pending retries or queued commands.
type Shutdown struct {
	Graceful bool
}

func (Shutdown) isCmd() {}

// Rsp is the engine's response to one [Cmd].
type Rsp interface {
	isRsp()
}

// Accepted reports that a command was processed.
type Accepted struct{}

func (Accepted) isRsp() {}

// UnknownEndpoint rejects a command targeting an endpoint
// the engine has no session for.
type UnknownEndpoint struct {
	Endpoint saddr.Endpoint
}

func (UnknownEndpoint) isRsp() {}

// ShuttingDown rejects a command that arrived after a shutdown
// was already in progress.
type ShuttingDown struct{}

func (ShuttingDown) isRsp() {}

// Notice is an unsolicited message from the filter engine
// to the application layer.
type Notice interface {
	isNotice()
}

// NewRequestAction surfaces a new inbound request from a peer.
// Duplicates never produce a second notice for the same sequence.
type NewRequestAction struct {
	Endpoint saddr.Endpoint
	Action   swire.RequestAction
}

func (NewRequestAction) isNotice() {}

// NewResponseCode surfaces a new inbound response from a peer.
type NewResponseCode struct {
	Endpoint saddr.Endpoint
	Code     swire.ResponseCode
}

func (NewResponseCode) isNotice() {}

// EndpointFailed reports that an endpoint's session was closed
// because delivery to it gave up. It is emitted at most once
// per session.
type EndpointFailed struct {
	Endpoint saddr.Endpoint
	Reason   error
}

func (EndpointFailed) isNotice() {}

// PeerDisconnected reports that the peer ended its session.
type PeerDisconnected struct {
	Endpoint saddr.Endpoint
}

func (PeerDisconnected) isNotice() {}
