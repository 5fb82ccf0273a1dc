// Package stest contains helpers for channel-driven test assertions.
package stest

import (
	"testing"
	"time"
)

// How long ReceiveSoon and SendSoon wait before failing the test.
// Generous so that a loaded CI machine does not flake.
const soon = time.Second

// ReceiveSoon returns the next value from ch,
// failing t if nothing arrives within a second.
func ReceiveSoon[T any](t *testing.T, ch <-chan T) T {
	t.Helper()

	select {
	case v := <-ch:
		return v
	case <-time.After(soon):
		t.Fatalf("timed out waiting to receive")
		panic("unreachable")
	}
}

// SendSoon sends v on ch,
// failing t if the send does not complete within a second.
func SendSoon[T any](t *testing.T, ch chan<- T, v T) {
	t.Helper()

	select {
	case ch <- v:
	case <-time.After(soon):
		t.Fatalf("timed out waiting to send")
	}
}

// NotReceiving asserts that nothing arrives on ch within d.
func NotReceiving[T any](t *testing.T, ch <-chan T, d time.Duration) {
	t.Helper()

	select {
	case v := <-ch:
		t.Fatalf("expected channel to stay quiet, received %v", v)
	case <-time.After(d):
	}
}
