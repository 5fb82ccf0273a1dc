package stransport

import (
	"encoding/json"
	"fmt"

	"github.com/gordian-engine/sift/swire"
)

// The wire encoding is a small self-describing JSON envelope.
// The protocol treats the codec as an externally defined contract,
// so the transport only needs something both sides of this module agree on.

type wireEnvelope struct {
	Request  *wireRequest  `json:"request,omitempty"`
	Response *wireResponse `json:"response,omitempty"`
}

type wireRequest struct {
	Sequence    uint64     `json:"seq"`
	ResponseAck *uint64    `json:"response_ack,omitempty"`
	Cookie      *string    `json:"cookie,omitempty"`
	Action      wireAction `json:"action"`
}

type wireResponse struct {
	Sequence   uint64   `json:"seq"`
	RequestAck *uint64  `json:"request_ack,omitempty"`
	Code       wireCode `json:"code"`
}

type wireAction struct {
	Kind string `json:"kind"`

	Name              string `json:"name,omitempty"`
	ClientVersion     string `json:"client_version,omitempty"`
	LatestResponseAck uint64 `json:"latest_response_ack,omitempty"`
	Message           string `json:"message,omitempty"`
}

type wireCode struct {
	Kind string `json:"kind"`

	Cookie        string `json:"cookie,omitempty"`
	ServerVersion string `json:"server_version,omitempty"`
	Message       string `json:"message,omitempty"`
}

// EncodePacket serializes one packet into a datagram payload.
func EncodePacket(p swire.Packet) ([]byte, error) {
	var env wireEnvelope

	switch p := p.(type) {
	case swire.Request:
		a, err := encodeAction(p.Action)
		if err != nil {
			return nil, err
		}
		env.Request = &wireRequest{
			Sequence:    p.Sequence,
			ResponseAck: p.ResponseAck,
			Cookie:      p.Cookie,
			Action:      a,
		}
	case swire.Response:
		c, err := encodeCode(p.Code)
		if err != nil {
			return nil, err
		}
		env.Response = &wireResponse{
			Sequence:   p.Sequence,
			RequestAck: p.RequestAck,
			Code:       c,
		}
	default:
		return nil, fmt.Errorf("unknown packet type %T", p)
	}

	return json.Marshal(env)
}

// DecodePacket parses one datagram payload back into a packet.
func DecodePacket(data []byte) (swire.Packet, error) {
	var env wireEnvelope
	if err := json.Unmarshal(data, &env); err != nil {
		return nil, fmt.Errorf("unmarshal packet envelope: %w", err)
	}

	switch {
	case env.Request != nil:
		a, err := decodeAction(env.Request.Action)
		if err != nil {
			return nil, err
		}
		return swire.Request{
			Sequence:    env.Request.Sequence,
			ResponseAck: env.Request.ResponseAck,
			Cookie:      env.Request.Cookie,
			Action:      a,
		}, nil
	case env.Response != nil:
		c, err := decodeCode(env.Response.Code)
		if err != nil {
			return nil, err
		}
		return swire.Response{
			Sequence:   env.Response.Sequence,
			RequestAck: env.Response.RequestAck,
			Code:       c,
		}, nil
	default:
		return nil, fmt.Errorf("packet envelope carries neither request nor response")
	}
}

func encodeAction(a swire.RequestAction) (wireAction, error) {
	switch a := a.(type) {
	case swire.None:
		return wireAction{Kind: "none"}, nil
	case swire.Connect:
		return wireAction{
			Kind:          "connect",
			Name:          a.Name,
			ClientVersion: a.ClientVersion,
		}, nil
	case swire.KeepAlive:
		return wireAction{
			Kind:              "keep_alive",
			LatestResponseAck: a.LatestResponseAck,
		}, nil
	case swire.ChatMessage:
		return wireAction{Kind: "chat_message", Message: a.Message}, nil
	case swire.Disconnect:
		return wireAction{Kind: "disconnect"}, nil
	default:
		return wireAction{}, fmt.Errorf("unknown request action type %T", a)
	}
}

func decodeAction(a wireAction) (swire.RequestAction, error) {
	switch a.Kind {
	case "none":
		return swire.None{}, nil
	case "connect":
		return swire.Connect{Name: a.Name, ClientVersion: a.ClientVersion}, nil
	case "keep_alive":
		return swire.KeepAlive{LatestResponseAck: a.LatestResponseAck}, nil
	case "chat_message":
		return swire.ChatMessage{Message: a.Message}, nil
	case "disconnect":
		return swire.Disconnect{}, nil
	default:
		return nil, fmt.Errorf("unknown request action kind %q", a.Kind)
	}
}

func encodeCode(c swire.ResponseCode) (wireCode, error) {
	switch c := c.(type) {
	case swire.OK:
		return wireCode{Kind: "ok"}, nil
	case swire.LoggedIn:
		return wireCode{
			Kind:          "logged_in",
			Cookie:        c.Cookie,
			ServerVersion: c.ServerVersion,
		}, nil
	case swire.Unauthorized:
		return wireCode{Kind: "unauthorized", Message: c.Message}, nil
	case swire.BadRequest:
		return wireCode{Kind: "bad_request", Message: c.Message}, nil
	case swire.IncompatibleVersion:
		return wireCode{
			Kind:          "incompatible_version",
			ServerVersion: c.ServerVersion,
		}, nil
	default:
		return wireCode{}, fmt.Errorf("unknown response code type %T", c)
	}
}

func decodeCode(c wireCode) (swire.ResponseCode, error) {
	switch c.Kind {
	case "ok":
		return swire.OK{}, nil
	case "logged_in":
		return swire.LoggedIn{Cookie: c.Cookie, ServerVersion: c.ServerVersion}, nil
	case "unauthorized":
		return swire.Unauthorized{Message: c.Message}, nil
	case "bad_request":
		return swire.BadRequest{Message: c.Message}, nil
	case "incompatible_version":
		return swire.IncompatibleVersion{ServerVersion: c.ServerVersion}, nil
	default:
		return nil, fmt.Errorf("unknown response code kind %q", c.Kind)
	}
}
