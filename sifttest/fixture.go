// Package sifttest provides a fixture for driving a [sift.Filter]
// against mock transport channels in tests.
package sifttest

import (
	"context"
	"testing"
	"time"

	"github.com/neilotoole/slogt"
	"github.com/stretchr/testify/require"

	"github.com/gordian-engine/sift"
	"github.com/gordian-engine/sift/internal/stest"
	"github.com/gordian-engine/sift/saddr"
	"github.com/gordian-engine/sift/stransport"
	"github.com/gordian-engine/sift/swire"
)

// fixtureChannelLen leaves plenty of room so that a test never
// deadlocks against its own unread responses.
const fixtureChannelLen = 64

// FixtureConfig is the configuration for [NewFixture].
// Zero fields fall back to the engine defaults.
type FixtureConfig struct {
	Mode sift.Mode

	RetryInterval time.Duration
	MaxRetries    int

	ServerVersion     string
	CompatibleVersion func(clientVersion string) bool
}

// Fixture is a running [sift.Filter] whose transport side is a set of
// plain channels owned by the test.
type Fixture struct {
	Filter *sift.Filter

	// The transport side, from the test's point of view:
	// commands are read, responses and notices are written.
	TransportCmds    chan stransport.Cmd
	TransportRsps    chan stransport.Rsp
	TransportNotices chan stransport.Notice
}

// NewFixture returns a Fixture whose engine is already running.
// The engine is stopped and awaited in a test cleanup.
func NewFixture(t *testing.T, ctx context.Context, cfg FixtureConfig) *Fixture {
	t.Helper()

	ctx, cancel := context.WithCancel(ctx)

	fx := &Fixture{
		TransportCmds:    make(chan stransport.Cmd, fixtureChannelLen),
		TransportRsps:    make(chan stransport.Rsp, fixtureChannelLen),
		TransportNotices: make(chan stransport.Notice, fixtureChannelLen),
	}

	f, err := sift.New(slogt.New(t), sift.Config{
		Mode: cfg.Mode,

		TransportCmds:    fx.TransportCmds,
		TransportRsps:    fx.TransportRsps,
		TransportNotices: fx.TransportNotices,

		RetryInterval: cfg.RetryInterval,
		MaxRetries:    cfg.MaxRetries,

		ServerVersion:     cfg.ServerVersion,
		CompatibleVersion: cfg.CompatibleVersion,
	})
	require.NoError(t, err)
	fx.Filter = f

	go f.Run(ctx)

	t.Cleanup(func() {
		cancel()
		<-f.Done()
	})

	return fx
}

// Deliver injects one inbound packet as a transport delivery notice.
func (fx *Fixture) Deliver(t *testing.T, ep saddr.Endpoint, pkt swire.Packet) {
	t.Helper()

	stest.SendSoon[stransport.Notice](t, fx.TransportNotices, stransport.PacketDelivery{
		Endpoint: ep,
		Packet:   pkt,
	})
}

// ExpectSendPackets returns the next transport command,
// requiring it to be a [stransport.SendPackets].
func (fx *Fixture) ExpectSendPackets(t *testing.T) stransport.SendPackets {
	t.Helper()

	cmd := stest.ReceiveSoon(t, fx.TransportCmds)
	sp, ok := cmd.(stransport.SendPackets)
	require.True(t, ok, "expected SendPackets, got %T", cmd)
	return sp
}

// ExpectDropPacket returns the next transport command,
// requiring it to be a [stransport.DropPacket].
func (fx *Fixture) ExpectDropPacket(t *testing.T) stransport.DropPacket {
	t.Helper()

	cmd := stest.ReceiveSoon(t, fx.TransportCmds)
	dp, ok := cmd.(stransport.DropPacket)
	require.True(t, ok, "expected DropPacket, got %T", cmd)
	return dp
}

// Login drives the server-side handshake for one endpoint:
// the client's Connect request, the resulting NewRequestAction notice,
// and the application's LoggedIn response.
//
// It returns the tracking id of the LoggedIn packet handed to the
// transport, which a subsequent acknowledgment should evict.
func (fx *Fixture) Login(t *testing.T, ep saddr.Endpoint, name, cookie string) stransport.Tid {
	t.Helper()

	connect := swire.Connect{Name: name, ClientVersion: "0.3.2"}
	fx.Deliver(t, ep, swire.Request{
		Sequence: 1,
		Action:   connect,
	})

	notice := stest.ReceiveSoon(t, fx.Filter.Notices())
	nra, ok := notice.(sift.NewRequestAction)
	require.True(t, ok, "expected NewRequestAction, got %T", notice)
	require.Equal(t, ep, nra.Endpoint)
	require.Equal(t, connect, nra.Action)

	loggedIn := swire.LoggedIn{Cookie: cookie, ServerVersion: "1.2.3.4.5"}
	stest.SendSoon[sift.Cmd](t, fx.Filter.Cmds(), sift.SendResponseCode{
		Endpoint: ep,
		Code:     loggedIn,
	})

	sp := fx.ExpectSendPackets(t)
	require.Equal(t, ep, sp.Endpoint)
	require.Len(t, sp.Packets, 1)
	require.Len(t, sp.PacketInfos, 1)

	resp, ok := sp.Packets[0].(swire.Response)
	require.True(t, ok, "expected a Response, got %T", sp.Packets[0])
	require.Equal(t, uint64(1), resp.Sequence)
	require.NotNil(t, resp.RequestAck)
	require.Equal(t, uint64(1), *resp.RequestAck)
	require.Equal(t, loggedIn, resp.Code)

	return sp.PacketInfos[0].Tid
}
