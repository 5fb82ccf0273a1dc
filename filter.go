package sift

import (
	"context"
	"crypto/rand"
	"encoding/hex"
	"fmt"
	"log/slog"
	"time"

	"github.com/gordian-engine/sift/saddr"
	"github.com/gordian-engine/sift/stransport"
	"github.com/gordian-engine/sift/swire"
)

// Filter is the reliability and session engine sitting between the
// application layer and a datagram transport.
//
// A Filter owns all per-endpoint session state on the single goroutine
// running [*Filter.Run]. External collaborators only touch it through
// the channels exposed by [*Filter.Cmds], [*Filter.Rsps],
// [*Filter.Notices], and the transport channels given in [Config].
type Filter struct {
	log *slog.Logger

	cfg Config

	cmds    chan Cmd
	rsps    chan Rsp
	notices chan Notice

	// The session arena. Mutated only by the Run goroutine.
	sessions map[saddr.Endpoint]*session

	// Separate from any wait group so that Done can be obtained
	// before Run is called.
	mainLoopDone chan struct{}
}

// New returns a Filter ready to run.
// The engine does not process anything until [*Filter.Run] is called.
func New(log *slog.Logger, cfg Config) (*Filter, error) {
	if err := cfg.validate(); err != nil {
		return nil, fmt.Errorf("invalid filter configuration: %w", err)
	}
	cfg = cfg.withDefaults()

	return &Filter{
		log: log,

		cfg: cfg,

		cmds:    make(chan Cmd, cfg.ChannelLen),
		rsps:    make(chan Rsp, cfg.ChannelLen),
		notices: make(chan Notice, cfg.ChannelLen),

		sessions: make(map[saddr.Endpoint]*session),

		mainLoopDone: make(chan struct{}),
	}, nil
}

// Cmds returns the channel for application commands.
// Sends block when the channel is full.
//
// Once [*Filter.Done] is closed the engine no longer reads commands,
// so callers racing a shutdown should select against Done.
func (f *Filter) Cmds() chan<- Cmd {
	return f.cmds
}

// Rsps returns the channel of command responses.
// The engine answers every accepted command with exactly one [Rsp],
// in command order.
func (f *Filter) Rsps() <-chan Rsp {
	return f.rsps
}

// Notices returns the channel of engine notices to the application.
func (f *Filter) Notices() <-chan Notice {
	return f.notices
}

// Done returns a channel that is closed once the engine has fully
// stopped. It may be obtained before [*Filter.Run] is called and
// waited on any number of times.
func (f *Filter) Done() <-chan struct{} {
	return f.mainLoopDone
}

// Run drives the engine until a [Shutdown] command arrives or the
// context is canceled. It must be called at most once.
func (f *Filter) Run(ctx context.Context) {
	defer close(f.mainLoopDone)

	f.log.Info("Filter running", "mode", f.cfg.Mode)

	ticker := time.NewTicker(f.cfg.RetryInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			f.log.Info(
				"Stopping due to context cancellation",
				"cause", context.Cause(ctx),
			)
			return

		case cmd := <-f.cmds:
			if sd, ok := cmd.(Shutdown); ok {
				f.handleShutdown(ctx, sd)
				return
			}
			f.handleCmd(ctx, cmd)

		case rsp := <-f.cfg.TransportRsps:
			f.handleTransportRsp(rsp)

		case n := <-f.cfg.TransportNotices:
			f.handleTransportNotice(ctx, n)

		case <-ticker.C:
			f.scanRetries(ctx, time.Now())
		}
	}
}

func (f *Filter) handleCmd(ctx context.Context, cmd Cmd) {
	switch cmd := cmd.(type) {
	case SendRequestAction:
		f.handleSendRequestAction(ctx, cmd)
	case SendResponseCode:
		f.handleSendResponseCode(ctx, cmd)
	default:
		f.log.Warn(
			"Ignoring unknown application command",
			"type", fmt.Sprintf("%T", cmd),
		)
	}
}

func (f *Filter) handleSendRequestAction(ctx context.Context, cmd SendRequestAction) {
	s, ok := f.sessions[cmd.Endpoint]
	if !ok {
		// Outbound-created sessions start in the connecting phase;
		// a received LoggedIn establishes them.
		s = newSession(phaseConnecting)
		f.sessions[cmd.Endpoint] = s
		f.log.Info("Session created", "endpoint", cmd.Endpoint)
	}
	if _, isConnect := cmd.Action.(swire.Connect); isConnect {
		s.phase = phaseConnecting
	}

	seq := s.nextSeq(kindRequest)
	req := swire.Request{
		Sequence:    seq,
		ResponseAck: s.recvAck(kindResponse),
		Cookie:      s.cookiePtr(),
		Action:      cmd.Action,
	}
	tid := s.track(req, kindRequest, seq, time.Now())

	f.sendPacket(ctx, cmd.Endpoint, req, tid)
	f.sendRsp(ctx, Accepted{})
}

func (f *Filter) handleSendResponseCode(ctx context.Context, cmd SendResponseCode) {
	s, ok := f.sessions[cmd.Endpoint]
	if !ok {
		f.log.Warn(
			"Rejecting response for unknown endpoint",
			"endpoint", cmd.Endpoint,
		)
		f.sendRsp(ctx, UnknownEndpoint{Endpoint: cmd.Endpoint})
		return
	}

	if li, ok := cmd.Code.(swire.LoggedIn); ok {
		// The application's login response is authoritative
		// for the session cookie.
		s.cookie = li.Cookie
		if s.phase != phaseEstablished {
			s.phase = phaseEstablished
			f.log.Info("Session established", "endpoint", cmd.Endpoint)
		}
	}

	seq := s.nextSeq(kindResponse)
	resp := swire.Response{
		Sequence:   seq,
		RequestAck: s.recvAck(kindRequest),
		Code:       cmd.Code,
	}
	tid := s.track(resp, kindResponse, seq, time.Now())

	f.sendPacket(ctx, cmd.Endpoint, resp, tid)
	f.sendRsp(ctx, Accepted{})
}

func (f *Filter) handleShutdown(ctx context.Context, sd Shutdown) {
	f.log.Info("Shutting down", "graceful", sd.Graceful)
	f.sendRsp(ctx, Accepted{})

	if sd.Graceful {
		// Process the commands that were already accepted onto the
		// channel before the shutdown. The channel stays open, so
		// stop at the first empty read rather than on close.
	DRAIN:
		for {
			select {
			case cmd := <-f.cmds:
				if _, ok := cmd.(Shutdown); ok {
					f.sendRsp(ctx, ShuttingDown{})
					continue
				}
				f.handleCmd(ctx, cmd)
			default:
				break DRAIN
			}
		}
	}

	for ep, s := range f.sessions {
		f.closeSession(ctx, ep, s)
	}
}

func (f *Filter) handleTransportRsp(rsp stransport.Rsp) {
	switch rsp := rsp.(type) {
	case stransport.Accepted:
		// Routine.
	case stransport.SendError:
		// A failed send is recovered by the retry scan,
		// not by reacting here.
		f.log.Warn(
			"Transport failed to send",
			"endpoint", rsp.Endpoint,
			"err", rsp.Err,
		)
	default:
		f.log.Warn(
			"Ignoring unknown transport response",
			"type", fmt.Sprintf("%T", rsp),
		)
	}
}

func (f *Filter) handleTransportNotice(ctx context.Context, n stransport.Notice) {
	switch n := n.(type) {
	case stransport.PacketDelivery:
		switch pkt := n.Packet.(type) {
		case swire.Request:
			f.handleInboundRequest(ctx, n.Endpoint, pkt)
		case swire.Response:
			f.handleInboundResponse(ctx, n.Endpoint, pkt)
		default:
			f.log.Warn(
				"Discarding packet of unknown type",
				"endpoint", n.Endpoint,
				"type", fmt.Sprintf("%T", pkt),
			)
		}
	default:
		f.log.Warn(
			"Ignoring unknown transport notice",
			"type", fmt.Sprintf("%T", n),
		)
	}
}

func (f *Filter) handleInboundRequest(ctx context.Context, ep saddr.Endpoint, req swire.Request) {
	if f.cfg.Mode != ModeServer {
		f.log.Warn("Discarding request packet in client mode", "endpoint", ep)
		return
	}

	s, ok := f.sessions[ep]
	if !ok {
		if _, isConnect := req.Action.(swire.Connect); !isConnect {
			f.log.Warn(
				"Discarding non-connect request from unknown endpoint",
				"endpoint", ep,
				"seq", req.Sequence,
			)
			return
		}
		s = newSession(phaseUnauthenticated)
		f.sessions[ep] = s
		f.log.Info("Session created", "endpoint", ep)
	}

	// Duplicates are classified first so that a benign retransmission
	// of an already-delivered request (a late Connect, say) is
	// silently discarded instead of tripping the cookie gate.
	// A retransmission carries the same acknowledgment it did the
	// first time, so skipping the ack here loses nothing.
	switch s.observeInbound(kindRequest, req.Sequence) {
	case inboundDuplicate:
		f.log.Debug(
			"Discarding duplicate request",
			"endpoint", ep,
			"seq", req.Sequence,
		)
		return
	case inboundOutOfOrder:
		// Delivered immediately; the gap below is never
		// retroactively reconciled.
		f.log.Debug(
			"Delivering out-of-order request",
			"endpoint", ep,
			"seq", req.Sequence,
			"contiguous", s.recvReq.highest,
		)
	case inboundNew:
		// Keep going.
	}

	// Post-handshake requests must prove the session cookie before
	// their acknowledgments or payload are trusted.
	if s.phase == phaseEstablished {
		if req.Cookie == nil || *req.Cookie != s.cookie {
			f.log.Warn(
				"Rejecting request with bad cookie",
				"endpoint", ep,
				"seq", req.Sequence,
			)
			f.sendRejection(ctx, ep, s, swire.Unauthorized{
				Message: "invalid session cookie",
			})
			return
		}
	}

	// A request acknowledges our responses, never our requests.
	if ack, ok := requestAck(req); ok {
		f.evictAcknowledged(ctx, ep, s, kindResponse, ack)
	}

	f.dispatchRequestAction(ctx, ep, s, req.Action)
}

func (f *Filter) dispatchRequestAction(
	ctx context.Context,
	ep saddr.Endpoint,
	s *session,
	action swire.RequestAction,
) {
	if s.phase == phaseUnauthenticated || s.phase == phaseConnecting {
		if c, ok := action.(swire.Connect); ok {
			f.handleConnect(ctx, ep, s, c)
			return
		}
		f.log.Warn(
			"Rejecting request before handshake completed",
			"endpoint", ep,
			"phase", s.phase,
			"type", fmt.Sprintf("%T", action),
		)
		f.sendRejection(ctx, ep, s, swire.BadRequest{
			Message: "handshake not completed",
		})
		return
	}

	switch action := action.(type) {
	case swire.Connect:
		f.log.Warn("Rejecting connect on established session", "endpoint", ep)
		f.sendRejection(ctx, ep, s, swire.BadRequest{
			Message: "session already established",
		})
	case swire.KeepAlive:
		// Acknowledgment already applied; carries no new action.
	case swire.None:
		// Nothing to surface.
	case swire.Disconnect:
		f.log.Info("Peer disconnected", "endpoint", ep)
		f.sendNotice(ctx, PeerDisconnected{Endpoint: ep})
		f.closeSession(ctx, ep, s)
	default:
		f.sendNotice(ctx, NewRequestAction{Endpoint: ep, Action: action})
	}
}

func (f *Filter) handleConnect(ctx context.Context, ep saddr.Endpoint, s *session, c swire.Connect) {
	if !f.cfg.CompatibleVersion(c.ClientVersion) {
		f.log.Warn(
			"Rejecting connect with incompatible client version",
			"endpoint", ep,
			"name", c.Name,
			"client_version", c.ClientVersion,
		)
		f.sendRejection(ctx, ep, s, swire.IncompatibleVersion{
			ServerVersion: f.cfg.ServerVersion,
		})
		f.closeSession(ctx, ep, s)
		return
	}

	// Provisional cookie; the application's LoggedIn response
	// overwrites it.
	s.cookie = mintCookie()
	s.phase = phaseConnecting
	f.log.Info(
		"Handshake accepted",
		"endpoint", ep,
		"name", c.Name,
		"client_version", c.ClientVersion,
	)

	f.sendNotice(ctx, NewRequestAction{Endpoint: ep, Action: c})
}

// handleInboundResponse applies to both modes: a client receives
// responses to everything it sends, and a server receives them for
// the requests it fans out to established endpoints.
func (f *Filter) handleInboundResponse(ctx context.Context, ep saddr.Endpoint, resp swire.Response) {
	s, ok := f.sessions[ep]
	if !ok {
		f.log.Warn(
			"Discarding response from unknown endpoint",
			"endpoint", ep,
			"seq", resp.Sequence,
		)
		return
	}

	switch s.observeInbound(kindResponse, resp.Sequence) {
	case inboundDuplicate:
		f.log.Debug(
			"Discarding duplicate response",
			"endpoint", ep,
			"seq", resp.Sequence,
		)
		return
	case inboundOutOfOrder:
		f.log.Debug(
			"Delivering out-of-order response",
			"endpoint", ep,
			"seq", resp.Sequence,
			"contiguous", s.recvResp.highest,
		)
	case inboundNew:
		// Keep going.
	}

	// A response acknowledges our requests, never our responses.
	if resp.RequestAck != nil {
		f.evictAcknowledged(ctx, ep, s, kindRequest, *resp.RequestAck)
	}

	// Only a client takes its session cookie from the peer;
	// a server's cookie comes from its own application's login.
	if li, ok := resp.Code.(swire.LoggedIn); ok && f.cfg.Mode == ModeClient {
		s.cookie = li.Cookie
		if s.phase != phaseEstablished {
			s.phase = phaseEstablished
			f.log.Info("Session established", "endpoint", ep)
		}
	}

	f.sendNotice(ctx, NewResponseCode{Endpoint: ep, Code: resp.Code})
}

// scanRetries resends every inflight packet whose age reached the
// retry interval. A packet that already used up its retries closes
// the whole session instead, with a single [EndpointFailed] notice.
func (f *Filter) scanRetries(ctx context.Context, now time.Time) {
	for ep, s := range f.sessions {
		for _, tid := range s.dueForRetry(now, f.cfg.RetryInterval) {
			e := s.inflight[tid]

			if e.retries >= f.cfg.MaxRetries {
				f.log.Warn(
					"Endpoint exceeded retry limit",
					"endpoint", ep,
					"seq", e.seq,
					"retries", e.retries,
				)
				f.sendNotice(ctx, EndpointFailed{
					Endpoint: ep,
					Reason: RetryExhaustedError{
						Sequence: e.seq,
						Retries:  e.retries,
					},
				})
				f.closeSession(ctx, ep, s)
				break
			}

			newTid, pkt := s.retransmit(tid, now)
			f.log.Debug(
				"Retransmitting",
				"endpoint", ep,
				"seq", e.seq,
				"attempt", e.retries,
			)
			f.sendPacket(ctx, ep, pkt, newTid)
			f.sendTransportCmd(ctx, stransport.DropPacket{Endpoint: ep, Tid: tid})
		}
	}
}

// evictAcknowledged removes every inflight entry of the given kind
// covered by ack and emits exactly one DropPacket per removed entry.
func (f *Filter) evictAcknowledged(
	ctx context.Context,
	ep saddr.Endpoint,
	s *session,
	kind packetKind,
	ack uint64,
) {
	for _, tid := range s.acknowledge(kind, ack) {
		f.sendTransportCmd(ctx, stransport.DropPacket{Endpoint: ep, Tid: tid})
	}
}

// closeSession removes the session from the arena, telling the
// transport to forget everything still held for the endpoint.
func (f *Filter) closeSession(ctx context.Context, ep saddr.Endpoint, s *session) {
	s.phase = phaseClosing
	for _, tid := range s.drainInflight() {
		f.sendTransportCmd(ctx, stransport.DropPacket{Endpoint: ep, Tid: tid})
	}
	delete(f.sessions, ep)
	f.log.Info("Session closed", "endpoint", ep)
}

// sendRejection sends a response that is not tracked for
// retransmission: the transport is told to drop it right after the
// send, so rejections are fire-and-forget.
func (f *Filter) sendRejection(ctx context.Context, ep saddr.Endpoint, s *session, code swire.ResponseCode) {
	seq := s.nextSeq(kindResponse)
	resp := swire.Response{
		Sequence:   seq,
		RequestAck: s.recvAck(kindRequest),
		Code:       code,
	}
	tid := stransport.NewTid()
	f.sendPacket(ctx, ep, resp, tid)
	f.sendTransportCmd(ctx, stransport.DropPacket{Endpoint: ep, Tid: tid})
}

func (f *Filter) sendPacket(ctx context.Context, ep saddr.Endpoint, pkt swire.Packet, tid stransport.Tid) {
	f.sendTransportCmd(ctx, stransport.SendPackets{
		Endpoint:    ep,
		Packets:     []swire.Packet{pkt},
		PacketInfos: []stransport.PacketInfo{{Tid: tid}},
	})
}

// sendTransportCmd blocks until the transport accepts the command,
// draining transport responses in the meantime so a full response
// channel cannot deadlock the two loops against each other.
func (f *Filter) sendTransportCmd(ctx context.Context, cmd stransport.Cmd) {
	for {
		select {
		case <-ctx.Done():
			return
		case f.cfg.TransportCmds <- cmd:
			return
		case rsp := <-f.cfg.TransportRsps:
			f.handleTransportRsp(rsp)
		}
	}
}

func (f *Filter) sendRsp(ctx context.Context, rsp Rsp) {
	select {
	case <-ctx.Done():
	case f.rsps <- rsp:
	}
}

func (f *Filter) sendNotice(ctx context.Context, n Notice) {
	select {
	case <-ctx.Done():
	case f.notices <- n:
	}
}

func requestAck(req swire.Request) (uint64, bool) {
	ack, ok := uint64(0), false
	if req.ResponseAck != nil {
		ack, ok = *req.ResponseAck, true
	}
	if ka, isKeepAlive := req.Action.(swire.KeepAlive); isKeepAlive {
		if !ok || ka.LatestResponseAck > ack {
			ack, ok = ka.LatestResponseAck, true
		}
	}
	return ack, ok
}

func (s *session) cookiePtr() *string {
	if s.cookie == "" {
		return nil
	}
	c := s.cookie
	return &c
}

// mintCookie returns a fresh opaque session token.
func mintCookie() string {
	var b [16]byte
	if _, err := rand.Read(b[:]); err != nil {
		// crypto/rand does not fail on supported platforms.
		panic(err)
	}
	return hex.EncodeToString(b[:])
}
