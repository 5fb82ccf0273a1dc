package sift_test

import (
	"context"
	"testing"
	"time"

	"github.com/neilotoole/slogt"
	"github.com/stretchr/testify/require"

	"github.com/gordian-engine/sift"
	"github.com/gordian-engine/sift/internal/stest"
	"github.com/gordian-engine/sift/saddr"
	"github.com/gordian-engine/sift/sifttest"
	"github.com/gordian-engine/sift/swire"
)

// A retry interval long enough that no retry scan interferes with
// tests that are not about retransmission.
const quietRetryInterval = time.Minute

var clientEndpoint = saddr.MustParseEndpoint("1.2.3.4:5678")

func TestFilter_serverHandshakeAndAck(t *testing.T) {
	t.Parallel()

	ctx := context.Background()
	fx := sifttest.NewFixture(t, ctx, sifttest.FixtureConfig{
		Mode:          sift.ModeServer,
		RetryInterval: quietRetryInterval,
	})

	loggedInTid := fx.Login(t, clientEndpoint, "Sheeana", "fakecookie")

	// The client acknowledges the LoggedIn response (sequence 1),
	// both in the envelope and in the keep-alive payload.
	cookie := "fakecookie"
	respAck := uint64(1)
	fx.Deliver(t, clientEndpoint, swire.Request{
		Sequence:    2,
		ResponseAck: &respAck,
		Cookie:      &cookie,
		Action:      swire.KeepAlive{LatestResponseAck: 1},
	})

	// Exactly one DropPacket, for the LoggedIn send.
	dp := fx.ExpectDropPacket(t)
	require.Equal(t, clientEndpoint, dp.Endpoint)
	require.Equal(t, loggedInTid, dp.Tid)

	// A keep-alive carries no new action.
	stest.NotReceiving(t, fx.Filter.Notices(), 50*time.Millisecond)

	// Shut down without waiting on anything.
	stest.SendSoon[sift.Cmd](t, fx.Filter.Cmds(), sift.Shutdown{Graceful: false})
	stest.ReceiveSoon(t, fx.Filter.Done())

	// Waiting again is fine.
	stest.ReceiveSoon(t, fx.Filter.Done())
}

func TestFilter_duplicateRequestDeliveredOnce(t *testing.T) {
	t.Parallel()

	ctx := context.Background()
	fx := sifttest.NewFixture(t, ctx, sifttest.FixtureConfig{
		Mode:          sift.ModeServer,
		RetryInterval: quietRetryInterval,
	})

	cookie := "fakecookie"
	fx.Login(t, clientEndpoint, "Sheeana", cookie)

	chat := swire.Request{
		Sequence: 2,
		Cookie:   &cookie,
		Action:   swire.ChatMessage{Message: "hello"},
	}
	fx.Deliver(t, clientEndpoint, chat)

	n := stest.ReceiveSoon(t, fx.Filter.Notices())
	nra, ok := n.(sift.NewRequestAction)
	require.True(t, ok, "expected NewRequestAction, got %T", n)
	require.Equal(t, clientEndpoint, nra.Endpoint)
	require.Equal(t, swire.ChatMessage{Message: "hello"}, nra.Action)

	// The retransmission must not reach the application again.
	fx.Deliver(t, clientEndpoint, chat)
	stest.NotReceiving(t, fx.Filter.Notices(), 50*time.Millisecond)
}

func TestFilter_outOfOrderDeliveredImmediately(t *testing.T) {
	t.Parallel()

	ctx := context.Background()
	fx := sifttest.NewFixture(t, ctx, sifttest.FixtureConfig{
		Mode:          sift.ModeServer,
		RetryInterval: quietRetryInterval,
	})

	cookie := "fakecookie"
	fx.Login(t, clientEndpoint, "Sheeana", cookie)

	// Sequence 3 arrives while 2 is still missing:
	// delivered immediately, exactly once.
	later := swire.Request{
		Sequence: 3,
		Cookie:   &cookie,
		Action:   swire.ChatMessage{Message: "later"},
	}
	fx.Deliver(t, clientEndpoint, later)

	n := stest.ReceiveSoon(t, fx.Filter.Notices())
	require.Equal(t,
		sift.NewRequestAction{
			Endpoint: clientEndpoint,
			Action:   swire.ChatMessage{Message: "later"},
		},
		n,
	)

	fx.Deliver(t, clientEndpoint, later)
	stest.NotReceiving(t, fx.Filter.Notices(), 50*time.Millisecond)

	// The gap filling in is delivered normally; nothing is replayed.
	fx.Deliver(t, clientEndpoint, swire.Request{
		Sequence: 2,
		Cookie:   &cookie,
		Action:   swire.ChatMessage{Message: "earlier"},
	})

	n = stest.ReceiveSoon(t, fx.Filter.Notices())
	require.Equal(t,
		sift.NewRequestAction{
			Endpoint: clientEndpoint,
			Action:   swire.ChatMessage{Message: "earlier"},
		},
		n,
	)
	stest.NotReceiving(t, fx.Filter.Notices(), 50*time.Millisecond)
}

func TestFilter_retryExhaustionFailsEndpointOnce(t *testing.T) {
	t.Parallel()

	ctx := context.Background()
	fx := sifttest.NewFixture(t, ctx, sifttest.FixtureConfig{
		Mode:          sift.ModeServer,
		RetryInterval: 25 * time.Millisecond,
		MaxRetries:    2,
	})

	// The LoggedIn response is never acknowledged.
	tid0 := fx.Login(t, clientEndpoint, "Sheeana", "fakecookie")

	// First retransmission: same packet and sequence, new tracking id,
	// and the superseded id is dropped.
	sp := fx.ExpectSendPackets(t)
	require.Equal(t, clientEndpoint, sp.Endpoint)
	require.Len(t, sp.Packets, 1)
	resp, ok := sp.Packets[0].(swire.Response)
	require.True(t, ok, "expected a Response, got %T", sp.Packets[0])
	require.Equal(t, uint64(1), resp.Sequence)
	require.IsType(t, swire.LoggedIn{}, resp.Code)

	tid1 := sp.PacketInfos[0].Tid
	require.NotEqual(t, tid0, tid1)
	require.Equal(t, tid0, fx.ExpectDropPacket(t).Tid)

	// Second retransmission.
	sp = fx.ExpectSendPackets(t)
	tid2 := sp.PacketInfos[0].Tid
	require.NotEqual(t, tid1, tid2)
	require.Equal(t, tid1, fx.ExpectDropPacket(t).Tid)

	// Retries exhausted: exactly one EndpointFailed,
	// and the abandoned packet is dropped from the transport.
	n := stest.ReceiveSoon(t, fx.Filter.Notices())
	ef, ok := n.(sift.EndpointFailed)
	require.True(t, ok, "expected EndpointFailed, got %T", n)
	require.Equal(t, clientEndpoint, ef.Endpoint)

	var exhausted sift.RetryExhaustedError
	require.ErrorAs(t, ef.Reason, &exhausted)
	require.Equal(t, uint64(1), exhausted.Sequence)
	require.Equal(t, 2, exhausted.Retries)

	require.Equal(t, tid2, fx.ExpectDropPacket(t).Tid)

	stest.NotReceiving(t, fx.Filter.Notices(), 100*time.Millisecond)
}

func TestFilter_badCookieRejected(t *testing.T) {
	t.Parallel()

	ctx := context.Background()
	fx := sifttest.NewFixture(t, ctx, sifttest.FixtureConfig{
		Mode:          sift.ModeServer,
		RetryInterval: quietRetryInterval,
	})

	fx.Login(t, clientEndpoint, "Sheeana", "realcookie")

	wrong := "wrongcookie"
	fx.Deliver(t, clientEndpoint, swire.Request{
		Sequence: 2,
		Cookie:   &wrong,
		Action:   swire.ChatMessage{Message: "hello"},
	})

	// Rejected with an authentication failure, not silently dropped.
	sp := fx.ExpectSendPackets(t)
	resp, ok := sp.Packets[0].(swire.Response)
	require.True(t, ok, "expected a Response, got %T", sp.Packets[0])
	require.Equal(t, swire.Unauthorized{Message: "invalid session cookie"}, resp.Code)

	// Rejections are fire-and-forget: the transport is told to
	// forget the packet right away.
	require.Equal(t, sp.PacketInfos[0].Tid, fx.ExpectDropPacket(t).Tid)

	// The request never reaches the application.
	stest.NotReceiving(t, fx.Filter.Notices(), 50*time.Millisecond)
}

func TestFilter_incompatibleVersionRejected(t *testing.T) {
	t.Parallel()

	ctx := context.Background()
	fx := sifttest.NewFixture(t, ctx, sifttest.FixtureConfig{
		Mode:          sift.ModeServer,
		RetryInterval: quietRetryInterval,
		ServerVersion: "9.9.9",
		CompatibleVersion: func(string) bool {
			return false
		},
	})

	fx.Deliver(t, clientEndpoint, swire.Request{
		Sequence: 1,
		Action:   swire.Connect{Name: "Sheeana", ClientVersion: "0.0.1"},
	})

	sp := fx.ExpectSendPackets(t)
	resp, ok := sp.Packets[0].(swire.Response)
	require.True(t, ok, "expected a Response, got %T", sp.Packets[0])
	require.Equal(t, swire.IncompatibleVersion{ServerVersion: "9.9.9"}, resp.Code)
	require.Equal(t, sp.PacketInfos[0].Tid, fx.ExpectDropPacket(t).Tid)

	// The handshake never reaches the application.
	stest.NotReceiving(t, fx.Filter.Notices(), 50*time.Millisecond)
}

func TestFilter_unknownEndpointResponseRejected(t *testing.T) {
	t.Parallel()

	ctx := context.Background()
	fx := sifttest.NewFixture(t, ctx, sifttest.FixtureConfig{
		Mode:          sift.ModeServer,
		RetryInterval: quietRetryInterval,
	})

	stest.SendSoon[sift.Cmd](t, fx.Filter.Cmds(), sift.SendResponseCode{
		Endpoint: clientEndpoint,
		Code:     swire.OK{},
	})

	rsp := stest.ReceiveSoon(t, fx.Filter.Rsps())
	require.Equal(t, sift.UnknownEndpoint{Endpoint: clientEndpoint}, rsp)
}

func TestFilter_peerDisconnectClosesSession(t *testing.T) {
	t.Parallel()

	ctx := context.Background()
	fx := sifttest.NewFixture(t, ctx, sifttest.FixtureConfig{
		Mode:          sift.ModeServer,
		RetryInterval: quietRetryInterval,
	})

	cookie := "fakecookie"
	loggedInTid := fx.Login(t, clientEndpoint, "Sheeana", cookie)

	fx.Deliver(t, clientEndpoint, swire.Request{
		Sequence: 2,
		Cookie:   &cookie,
		Action:   swire.Disconnect{},
	})

	n := stest.ReceiveSoon(t, fx.Filter.Notices())
	require.Equal(t, sift.PeerDisconnected{Endpoint: clientEndpoint}, n)

	// Closing the session abandons the unacknowledged LoggedIn packet.
	require.Equal(t, loggedInTid, fx.ExpectDropPacket(t).Tid)
}

func TestFilter_gracefulShutdownProcessesAcceptedCommands(t *testing.T) {
	t.Parallel()

	ctx := context.Background()
	fx := sifttest.NewFixture(t, ctx, sifttest.FixtureConfig{
		Mode:          sift.ModeServer,
		RetryInterval: quietRetryInterval,
	})

	loggedInTid := fx.Login(t, clientEndpoint, "Sheeana", "fakecookie")

	// The response is queued before the shutdown, so a graceful
	// shutdown must still send it.
	stest.SendSoon[sift.Cmd](t, fx.Filter.Cmds(), sift.SendResponseCode{
		Endpoint: clientEndpoint,
		Code:     swire.OK{},
	})
	stest.SendSoon[sift.Cmd](t, fx.Filter.Cmds(), sift.Shutdown{Graceful: true})

	sp := fx.ExpectSendPackets(t)
	resp, ok := sp.Packets[0].(swire.Response)
	require.True(t, ok, "expected a Response, got %T", sp.Packets[0])
	require.Equal(t, uint64(2), resp.Sequence)
	require.Equal(t, swire.ResponseCode(swire.OK{}), resp.Code)

	// Session teardown abandons both unacknowledged packets,
	// in sequence order.
	require.Equal(t, loggedInTid, fx.ExpectDropPacket(t).Tid)
	require.Equal(t, sp.PacketInfos[0].Tid, fx.ExpectDropPacket(t).Tid)

	stest.ReceiveSoon(t, fx.Filter.Done())
}

func TestFilter_clientHandshake(t *testing.T) {
	t.Parallel()

	ctx := context.Background()
	fx := sifttest.NewFixture(t, ctx, sifttest.FixtureConfig{
		Mode:          sift.ModeClient,
		RetryInterval: quietRetryInterval,
	})

	server := saddr.MustParseEndpoint("5.6.7.8:9999")

	stest.SendSoon[sift.Cmd](t, fx.Filter.Cmds(), sift.SendRequestAction{
		Endpoint: server,
		Action:   swire.Connect{Name: "Sheeana", ClientVersion: "0.3.2"},
	})

	sp := fx.ExpectSendPackets(t)
	require.Equal(t, server, sp.Endpoint)
	req, ok := sp.Packets[0].(swire.Request)
	require.True(t, ok, "expected a Request, got %T", sp.Packets[0])
	require.Equal(t, uint64(1), req.Sequence)
	require.Nil(t, req.ResponseAck)
	require.Nil(t, req.Cookie)
	connectTid := sp.PacketInfos[0].Tid

	// The server's login response acknowledges the Connect request.
	reqAck := uint64(1)
	fx.Deliver(t, server, swire.Response{
		Sequence:   1,
		RequestAck: &reqAck,
		Code:       swire.LoggedIn{Cookie: "c00kie", ServerVersion: "1.2.3"},
	})

	require.Equal(t, connectTid, fx.ExpectDropPacket(t).Tid)

	n := stest.ReceiveSoon(t, fx.Filter.Notices())
	require.Equal(t,
		sift.NewResponseCode{
			Endpoint: server,
			Code:     swire.LoggedIn{Cookie: "c00kie", ServerVersion: "1.2.3"},
		},
		n,
	)

	// Established: subsequent requests carry the assigned cookie
	// and acknowledge the response.
	stest.SendSoon[sift.Cmd](t, fx.Filter.Cmds(), sift.SendRequestAction{
		Endpoint: server,
		Action:   swire.KeepAlive{LatestResponseAck: 1},
	})

	sp = fx.ExpectSendPackets(t)
	req, ok = sp.Packets[0].(swire.Request)
	require.True(t, ok, "expected a Request, got %T", sp.Packets[0])
	require.Equal(t, uint64(2), req.Sequence)
	require.NotNil(t, req.Cookie)
	require.Equal(t, "c00kie", *req.Cookie)
	require.NotNil(t, req.ResponseAck)
	require.Equal(t, uint64(1), *req.ResponseAck)
}

func TestFilter_serverFanOutUsesRequestSequenceSpace(t *testing.T) {
	t.Parallel()

	ctx := context.Background()
	fx := sifttest.NewFixture(t, ctx, sifttest.FixtureConfig{
		Mode:          sift.ModeServer,
		RetryInterval: quietRetryInterval,
	})

	cookie := "fakecookie"
	loggedInTid := fx.Login(t, clientEndpoint, "Sheeana", cookie)

	// A server-initiated request counts in its own sequence space:
	// even though the LoggedIn response already used sequence 1,
	// the first request still goes out as sequence 1.
	stest.SendSoon[sift.Cmd](t, fx.Filter.Cmds(), sift.SendRequestAction{
		Endpoint: clientEndpoint,
		Action:   swire.ChatMessage{Message: "who goes there"},
	})

	sp := fx.ExpectSendPackets(t)
	req, ok := sp.Packets[0].(swire.Request)
	require.True(t, ok, "expected a Request, got %T", sp.Packets[0])
	require.Equal(t, uint64(1), req.Sequence)
	reqTid := sp.PacketInfos[0].Tid

	// A response-space ack, however high, only evicts responses:
	// the LoggedIn packet is dropped, the request stays inflight.
	fx.Deliver(t, clientEndpoint, swire.Request{
		Sequence: 2,
		Cookie:   &cookie,
		Action:   swire.KeepAlive{LatestResponseAck: 2},
	})

	dp := fx.ExpectDropPacket(t)
	require.Equal(t, loggedInTid, dp.Tid)
	require.NotEqual(t, reqTid, dp.Tid)
	stest.NotReceiving(t, fx.TransportCmds, 50*time.Millisecond)
}

func TestFilter_serverFanOutAcknowledgedByResponse(t *testing.T) {
	t.Parallel()

	ctx := context.Background()
	fx := sifttest.NewFixture(t, ctx, sifttest.FixtureConfig{
		Mode:          sift.ModeServer,
		RetryInterval: quietRetryInterval,
	})

	fx.Login(t, clientEndpoint, "Sheeana", "fakecookie")

	stest.SendSoon[sift.Cmd](t, fx.Filter.Cmds(), sift.SendRequestAction{
		Endpoint: clientEndpoint,
		Action:   swire.ChatMessage{Message: "who goes there"},
	})
	sp := fx.ExpectSendPackets(t)
	reqTid := sp.PacketInfos[0].Tid

	// The peer answers the fan-out request; its RequestAck evicts the
	// tracked request and the code surfaces to the application.
	reqAck := uint64(1)
	fx.Deliver(t, clientEndpoint, swire.Response{
		Sequence:   1,
		RequestAck: &reqAck,
		Code:       swire.OK{},
	})

	require.Equal(t, reqTid, fx.ExpectDropPacket(t).Tid)

	n := stest.ReceiveSoon(t, fx.Filter.Notices())
	require.Equal(t,
		sift.NewResponseCode{
			Endpoint: clientEndpoint,
			Code:     swire.OK{},
		},
		n,
	)
}

func TestFilter_lateConnectRetransmissionDiscarded(t *testing.T) {
	t.Parallel()

	ctx := context.Background()
	fx := sifttest.NewFixture(t, ctx, sifttest.FixtureConfig{
		Mode:          sift.ModeServer,
		RetryInterval: quietRetryInterval,
	})

	fx.Login(t, clientEndpoint, "Sheeana", "fakecookie")

	// The original Connect, retransmitted after the session is already
	// established. It carries no cookie, but it is a duplicate and is
	// discarded silently rather than answered with a rejection.
	fx.Deliver(t, clientEndpoint, swire.Request{
		Sequence: 1,
		Action:   swire.Connect{Name: "Sheeana", ClientVersion: "0.3.2"},
	})

	stest.NotReceiving(t, fx.Filter.Notices(), 50*time.Millisecond)
	stest.NotReceiving(t, fx.TransportCmds, 50*time.Millisecond)
}

func TestNew_configValidation(t *testing.T) {
	t.Parallel()

	_, err := sift.New(slogt.New(t), sift.Config{})
	require.Error(t, err)
}
