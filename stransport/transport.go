// Package stransport defines the boundary between the sift filter engine
// and the datagram transport, plus a minimal UDP implementation of it.
//
// The filter engine issues [Cmd] values, receives [Rsp] values for them,
// and receives [Notice] values for inbound traffic. A transport retains
// every packet it was told to send, keyed by tracking id, until the
// filter engine tells it to drop the packet.
package stransport

import (
	"github.com/google/uuid"

	"github.com/gordian-engine/sift/saddr"
	"github.com/gordian-engine/sift/swire"
)

// Tid identifies one physical send attempt.
//
// Every packet handed to the transport gets a fresh Tid;
// a retransmission of the same sequence gets a new one.
type Tid = uuid.UUID

// NewTid returns a fresh tracking id.
func NewTid() Tid {
	return uuid.New()
}

// Cmd is a command from the filter engine to the transport.
//
// It is a closed set: the only implementations are
// [SendPackets] and [DropPacket].
type Cmd interface {
	isCmd()
}

// SendPackets instructs the transport to send the given packets
// to one endpoint.
//
// PacketInfos carries exactly one entry per packet, in the same order.
type SendPackets struct {
	Endpoint saddr.Endpoint

	Packets     []swire.Packet
	PacketInfos []PacketInfo
}

func (SendPackets) isCmd() {}

// PacketInfo is the per-packet send metadata accompanying [SendPackets].
type PacketInfo struct {
	Tid Tid
}

// DropPacket instructs the transport to forget the packet
// it sent under the given tracking id.
type DropPacket struct {
	Endpoint saddr.Endpoint
	Tid      Tid
}

func (DropPacket) isCmd() {}

// Rsp is the transport's response to one [Cmd].
type Rsp interface {
	isRsp()
}

// Accepted reports that a command was processed.
type Accepted struct{}

func (Accepted) isRsp() {}

// SendError reports that a [SendPackets] command failed.
// The command it answers is identified by the tracking ids.
type SendError struct {
	Endpoint saddr.Endpoint
	Tids     []Tid
	Err      error
}

func (SendError) isRsp() {}

// Notice is an unsolicited message from the transport
// to the filter engine.
type Notice interface {
	isNotice()
}

// PacketDelivery reports one decoded inbound packet.
type PacketDelivery struct {
	Endpoint saddr.Endpoint
	Packet   swire.Packet
}

func (PacketDelivery) isNotice() {}
