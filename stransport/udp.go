package stransport

import (
	"context"
	"errors"
	"log/slog"
	"net"
	"net/netip"

	"github.com/gordian-engine/sift/saddr"
)

// maxDatagramSize is the largest inbound datagram the adapter accepts.
const maxDatagramSize = 64 * 1024

// UDPConfig is the configuration for [NewUDP].
type UDPConfig struct {
	// The already-bound socket. The adapter owns it and
	// closes it when the context is canceled.
	Conn *net.UDPConn

	// Capacity of the command, response, and notice channels.
	// Zero means a reasonable default.
	ChannelLen int
}

// DefaultUDPChannelLen is used when [UDPConfig.ChannelLen] is zero.
const DefaultUDPChannelLen = 64

// UDP is a datagram transport for the filter engine.
//
// It sends packets handed to it via [SendPackets],
// retaining each one under its tracking id until a matching
// [DropPacket] arrives, and it surfaces every decodable inbound
// datagram as a [PacketDelivery] notice.
// Malformed datagrams are logged and discarded.
type UDP struct {
	log *slog.Logger

	conn *net.UDPConn

	cmds    chan Cmd
	rsps    chan Rsp
	notices chan Notice

	mainLoopDone chan struct{}
	readLoopDone chan struct{}
}

// NewUDP returns a running UDP transport.
// It panics if cfg.Conn is nil.
func NewUDP(ctx context.Context, log *slog.Logger, cfg UDPConfig) *UDP {
	if cfg.Conn == nil {
		panic(errors.New("BUG: UDPConfig.Conn may not be nil"))
	}

	chLen := cfg.ChannelLen
	if chLen == 0 {
		chLen = DefaultUDPChannelLen
	}

	u := &UDP{
		log: log,

		conn: cfg.Conn,

		cmds:    make(chan Cmd, chLen),
		rsps:    make(chan Rsp, chLen),
		notices: make(chan Notice, chLen),

		mainLoopDone: make(chan struct{}),
		readLoopDone: make(chan struct{}),
	}

	go u.readLoop(ctx)
	go u.mainLoop(ctx)

	return u
}

// Cmds returns the channel for filter engine commands.
// Sends block when the channel is full.
func (u *UDP) Cmds() chan<- Cmd {
	return u.cmds
}

// Rsps returns the channel of command responses.
func (u *UDP) Rsps() <-chan Rsp {
	return u.rsps
}

// Notices returns the channel of inbound packet deliveries.
func (u *UDP) Notices() <-chan Notice {
	return u.notices
}

// LocalEndpoint returns the endpoint the socket is bound to.
func (u *UDP) LocalEndpoint() saddr.Endpoint {
	ap := u.conn.LocalAddr().(*net.UDPAddr).AddrPort()
	return saddr.EndpointFromAddrPort(ap)
}

// Wait blocks until both the command loop and the read loop have stopped,
// which happens on context cancellation.
func (u *UDP) Wait() {
	<-u.mainLoopDone
	<-u.readLoopDone
}

func (u *UDP) mainLoop(ctx context.Context) {
	defer close(u.mainLoopDone)

	// Every packet sent and not yet dropped, keyed by tracking id.
	sent := make(map[Tid][]byte)

	for {
		select {
		case <-ctx.Done():
			u.log.Info(
				"Stopping due to context cancellation",
				"cause", context.Cause(ctx),
			)
			// Closing the socket unblocks the read loop.
			if err := u.conn.Close(); err != nil {
				u.log.Warn("Failed to close socket", "err", err)
			}
			return

		case cmd := <-u.cmds:
			u.handleCmd(ctx, cmd, sent)
		}
	}
}

func (u *UDP) handleCmd(ctx context.Context, cmd Cmd, sent map[Tid][]byte) {
	switch cmd := cmd.(type) {
	case SendPackets:
		if len(cmd.Packets) != len(cmd.PacketInfos) {
			u.sendRsp(ctx, SendError{
				Endpoint: cmd.Endpoint,
				Err: errors.New(
					"SendPackets packet and info counts differ",
				),
			})
			return
		}

		for i, p := range cmd.Packets {
			data, err := EncodePacket(p)
			if err != nil {
				u.sendRsp(ctx, SendError{
					Endpoint: cmd.Endpoint,
					Tids:     []Tid{cmd.PacketInfos[i].Tid},
					Err:      err,
				})
				continue
			}

			if _, err := u.conn.WriteToUDPAddrPort(
				data, cmd.Endpoint.AddrPort,
			); err != nil {
				u.sendRsp(ctx, SendError{
					Endpoint: cmd.Endpoint,
					Tids:     []Tid{cmd.PacketInfos[i].Tid},
					Err:      err,
				})
				continue
			}

			sent[cmd.PacketInfos[i].Tid] = data
		}
		u.sendRsp(ctx, Accepted{})

	case DropPacket:
		delete(sent, cmd.Tid)
		u.sendRsp(ctx, Accepted{})

	default:
		u.log.Warn("Ignoring unknown transport command", "type", cmd)
	}
}

func (u *UDP) readLoop(ctx context.Context) {
	defer close(u.readLoopDone)

	buf := make([]byte, maxDatagramSize)
	for {
		n, ap, err := u.conn.ReadFromUDPAddrPort(buf)
		if err != nil {
			if ctx.Err() != nil || errors.Is(err, net.ErrClosed) {
				return
			}
			u.log.Warn("Failed to read datagram", "err", err)
			continue
		}

		pkt, err := DecodePacket(buf[:n])
		if err != nil {
			// A malformed datagram never takes down the transport.
			u.log.Warn(
				"Discarding malformed datagram",
				"remote", ap,
				"err", err,
			)
			continue
		}

		// Unmap so a v4-mapped source compares equal to the plain
		// IPv4 endpoint the filter engine keys its sessions by.
		src := netip.AddrPortFrom(ap.Addr().Unmap(), ap.Port())
		delivery := PacketDelivery{
			Endpoint: saddr.EndpointFromAddrPort(src),
			Packet:   pkt,
		}
		select {
		case <-ctx.Done():
			return
		case u.notices <- delivery:
		}
	}
}

func (u *UDP) sendRsp(ctx context.Context, rsp Rsp) {
	select {
	case <-ctx.Done():
	case u.rsps <- rsp:
	}
}
