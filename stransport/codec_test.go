package stransport_test

import (
	"testing"

	"github.com/stretchr/testify/require"

	"github.com/gordian-engine/sift/stransport"
	"github.com/gordian-engine/sift/swire"
)

func TestCodec_requestRoundTrip(t *testing.T) {
	t.Parallel()

	ack := uint64(7)
	cookie := "c00kie"
	req := swire.Request{
		Sequence:    12,
		ResponseAck: &ack,
		Cookie:      &cookie,
		Action:      swire.Connect{Name: "Sheeana", ClientVersion: "0.3.2"},
	}

	data, err := stransport.EncodePacket(req)
	require.NoError(t, err)

	got, err := stransport.DecodePacket(data)
	require.NoError(t, err)
	require.Equal(t, swire.Packet(req), got)
}

func TestCodec_responseRoundTrip(t *testing.T) {
	t.Parallel()

	ack := uint64(3)
	resp := swire.Response{
		Sequence:   4,
		RequestAck: &ack,
		Code:       swire.LoggedIn{Cookie: "c00kie", ServerVersion: "1.2.3"},
	}

	data, err := stransport.EncodePacket(resp)
	require.NoError(t, err)

	got, err := stransport.DecodePacket(data)
	require.NoError(t, err)
	require.Equal(t, swire.Packet(resp), got)
}

func TestCodec_optionalFieldsOmitted(t *testing.T) {
	t.Parallel()

	req := swire.Request{
		Sequence: 1,
		Action:   swire.KeepAlive{LatestResponseAck: 9},
	}

	data, err := stransport.EncodePacket(req)
	require.NoError(t, err)

	got, err := stransport.DecodePacket(data)
	require.NoError(t, err)

	gotReq, ok := got.(swire.Request)
	require.True(t, ok, "expected a Request, got %T", got)
	require.Nil(t, gotReq.ResponseAck)
	require.Nil(t, gotReq.Cookie)
	require.Equal(t, swire.KeepAlive{LatestResponseAck: 9}, gotReq.Action)
}

func TestCodec_decodeRejectsGarbage(t *testing.T) {
	t.Parallel()

	_, err := stransport.DecodePacket([]byte("not json at all"))
	require.Error(t, err)
}

func TestCodec_decodeRejectsEmptyEnvelope(t *testing.T) {
	t.Parallel()

	_, err := stransport.DecodePacket([]byte(`{}`))
	require.Error(t, err)
}

func TestCodec_decodeRejectsUnknownActionKind(t *testing.T) {
	t.Parallel()

	payload := []byte(`{"request":{"seq":1,"action":{"kind":"teleport"}}}`)
	_, err := stransport.DecodePacket(payload)
	require.Error(t, err)
	require.Contains(t, err.Error(), "teleport")
}
