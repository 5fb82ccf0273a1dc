package sift

import (
	"slices"
	"time"

	"github.com/bits-and-blooms/bitset"

	"github.com/gordian-engine/sift/stransport"
	"github.com/gordian-engine/sift/swire"
)

// phase is where a session is in its lifecycle.
type phase int

const (
	// First packet seen, handshake not yet validated.
	phaseUnauthenticated phase = iota

	// Handshake accepted, login response not yet issued
	// (server) or not yet received (client).
	phaseConnecting

	// Steady state.
	phaseEstablished

	// Terminal; the session is about to be removed.
	phaseClosing
)

func (p phase) String() string {
	switch p {
	case phaseUnauthenticated:
		return "unauthenticated"
	case phaseConnecting:
		return "connecting"
	case phaseEstablished:
		return "established"
	case phaseClosing:
		return "closing"
	default:
		return "unknown"
	}
}

// packetKind is the role of one packet: requester or responder traffic.
// The two roles have fully independent sequence and acknowledgment
// spaces in each direction.
type packetKind int

const (
	kindRequest packetKind = iota
	kindResponse
)

func (k packetKind) String() string {
	switch k {
	case kindRequest:
		return "request"
	case kindResponse:
		return "response"
	default:
		return "unknown"
	}
}

// inboundClass is the classification of one inbound sequence number.
type inboundClass int

const (
	// The next sequence in order, or the first ever seen.
	inboundNew inboundClass = iota

	// Already delivered; must not be delivered again.
	inboundDuplicate

	// Ahead of the contiguous point. Delivered immediately;
	// the gap below it is never retroactively reconciled.
	inboundOutOfOrder
)

// seenAheadLimit bounds how far above the contiguous point a receive
// window records out-of-order deliveries. A sequence further ahead
// than this is still delivered, but a later duplicate of it cannot
// be suppressed. Keeps a hostile sequence number from allocating
// an arbitrarily large window.
const seenAheadLimit = 1 << 16

// recvWindow is the receive-side history for one inbound packet
// stream. Each session holds one per packet kind, since the peer's
// requester and responder roles count sequences independently.
type recvWindow struct {
	// Highest contiguous sequence received.
	// Zero means nothing received yet.
	highest uint64

	// Out-of-order sequences already delivered above the contiguous
	// point: bit i set means sequence highest+2+i was delivered.
	seenAhead *bitset.BitSet
}

func newRecvWindow() recvWindow {
	return recvWindow{seenAhead: bitset.New(64)}
}

// observe classifies one inbound sequence number and updates the
// history accordingly.
func (w *recvWindow) observe(seq uint64) inboundClass {
	if seq <= w.highest {
		return inboundDuplicate
	}

	if seq == w.highest+1 {
		w.highest++

		// Collapse any out-of-order deliveries that the advance
		// made contiguous. Each iteration rebases the window by
		// one sequence.
		for {
			delivered := w.seenAhead.Test(0)
			w.seenAhead.DeleteAt(0)
			if !delivered {
				break
			}
			w.highest++
		}

		return inboundNew
	}

	// Ahead of the contiguous point.
	gap := seq - w.highest - 2
	if gap >= seenAheadLimit {
		return inboundOutOfOrder
	}
	if w.seenAhead.Test(uint(gap)) {
		return inboundDuplicate
	}
	w.seenAhead.Set(uint(gap))
	return inboundOutOfOrder
}

// ack is the acknowledgment value to piggy-back on outbound packets:
// the highest contiguous sequence received on this stream, or nil if
// nothing has been received yet.
func (w *recvWindow) ack() *uint64 {
	if w.highest == 0 {
		return nil
	}
	ack := w.highest
	return &ack
}

// inflightEntry is one sent packet awaiting acknowledgment.
type inflightEntry struct {
	kind packetKind
	seq  uint64

	packet swire.Packet

	sentAt  time.Time
	retries int
}

// session is the per-endpoint reliability and authentication state.
//
// Sessions are created and mutated exclusively by the engine goroutine;
// nothing here is safe for concurrent use.
type session struct {
	phase phase

	// Session token assigned at login. Empty until the handshake
	// has progressed far enough to mint one.
	cookie string

	// Outbound sequence counters, one per role. Each role's first
	// packet goes out with sequence 1; an acknowledgment for one
	// role never covers the other.
	nextReqSeq  uint64
	nextRespSeq uint64

	// Receive histories for the peer's two streams.
	recvReq  recvWindow
	recvResp recvWindow

	// Sent packets awaiting acknowledgment, keyed by the tracking id
	// of their most recent send attempt.
	inflight map[stransport.Tid]*inflightEntry
}

func newSession(p phase) *session {
	return &session{
		phase:    p,
		recvReq:  newRecvWindow(),
		recvResp: newRecvWindow(),
		inflight: make(map[stransport.Tid]*inflightEntry),
	}
}

// observeInbound classifies one inbound sequence number against the
// receive window for the given stream.
func (s *session) observeInbound(kind packetKind, seq uint64) inboundClass {
	return s.window(kind).observe(seq)
}

// recvAck is the acknowledgment to piggy-back for the peer's stream
// of the given kind.
func (s *session) recvAck(kind packetKind) *uint64 {
	return s.window(kind).ack()
}

func (s *session) window(kind packetKind) *recvWindow {
	if kind == kindRequest {
		return &s.recvReq
	}
	return &s.recvResp
}

// nextSeq assigns the sequence number for the next outbound packet
// of the given kind.
func (s *session) nextSeq(kind packetKind) uint64 {
	if kind == kindRequest {
		s.nextReqSeq++
		return s.nextReqSeq
	}
	s.nextRespSeq++
	return s.nextRespSeq
}

// track stores one sent packet in the inflight set under a fresh
// tracking id, which is returned for the transport send command.
func (s *session) track(p swire.Packet, kind packetKind, seq uint64, now time.Time) stransport.Tid {
	tid := stransport.NewTid()
	s.inflight[tid] = &inflightEntry{
		kind:   kind,
		seq:    seq,
		packet: p,
		sentAt: now,
	}
	return tid
}

// acknowledge evicts every inflight entry of the given kind with
// sequence <= ack, returning the evicted tracking ids in sequence
// order so the caller can emit exactly one drop command per entry.
// Entries of the other kind are never touched.
func (s *session) acknowledge(kind packetKind, ack uint64) []stransport.Tid {
	type evicted struct {
		tid stransport.Tid
		seq uint64
	}
	var evs []evicted
	for tid, e := range s.inflight {
		if e.kind == kind && e.seq <= ack {
			evs = append(evs, evicted{tid: tid, seq: e.seq})
		}
	}
	if len(evs) == 0 {
		return nil
	}

	slices.SortFunc(evs, func(a, b evicted) int {
		if a.seq < b.seq {
			return -1
		}
		if a.seq > b.seq {
			return 1
		}
		return 0
	})

	tids := make([]stransport.Tid, len(evs))
	for i, ev := range evs {
		delete(s.inflight, ev.tid)
		tids[i] = ev.tid
	}
	return tids
}

// dueForRetry returns the tracking ids of every inflight entry whose
// age has reached the retry interval, in sequence order.
func (s *session) dueForRetry(now time.Time, interval time.Duration) []stransport.Tid {
	type due struct {
		tid stransport.Tid
		seq uint64
	}
	var dues []due
	for tid, e := range s.inflight {
		if now.Sub(e.sentAt) >= interval {
			dues = append(dues, due{tid: tid, seq: e.seq})
		}
	}
	if len(dues) == 0 {
		return nil
	}

	slices.SortFunc(dues, func(a, b due) int {
		if a.seq < b.seq {
			return -1
		}
		if a.seq > b.seq {
			return 1
		}
		return 0
	})

	tids := make([]stransport.Tid, len(dues))
	for i, d := range dues {
		tids[i] = d.tid
	}
	return tids
}

// retransmit rekeys one inflight entry under a fresh tracking id,
// bumping its retry count and send time. The packet keeps its
// original sequence. Returns the new tracking id and the packet
// to resend.
func (s *session) retransmit(tid stransport.Tid, now time.Time) (stransport.Tid, swire.Packet) {
	e := s.inflight[tid]
	delete(s.inflight, tid)

	newTid := stransport.NewTid()
	e.sentAt = now
	e.retries++
	s.inflight[newTid] = e

	return newTid, e.packet
}

// drainInflight empties the inflight set, returning the abandoned
// tracking ids ordered by sequence (requests before responses on a
// tie). Used when the session closes so the transport can be told to
// forget everything it still holds.
func (s *session) drainInflight() []stransport.Tid {
	type abandoned struct {
		tid  stransport.Tid
		kind packetKind
		seq  uint64
	}
	var abs []abandoned
	for tid, e := range s.inflight {
		abs = append(abs, abandoned{tid: tid, kind: e.kind, seq: e.seq})
	}
	if len(abs) == 0 {
		return nil
	}

	slices.SortFunc(abs, func(a, b abandoned) int {
		if a.seq != b.seq {
			if a.seq < b.seq {
				return -1
			}
			return 1
		}
		return int(a.kind) - int(b.kind)
	})

	tids := make([]stransport.Tid, len(abs))
	for i, ab := range abs {
		delete(s.inflight, ab.tid)
		tids[i] = ab.tid
	}
	return tids
}
