// Package sift is the reliability and session layer of a client/server
// real-time protocol running over unreliable datagrams.
//
// A [Filter] turns the unordered, lossy, duplicate-prone channel
// offered by a transport into a session-oriented exchange:
// application requests and responses are delivered effectively once,
// ordered per endpoint, with automatic retransmission and
// bounded retry bookkeeping.
//
// The filter engine owns all per-endpoint session state exclusively
// on a single goroutine. It talks to the transport and the application
// only through bounded channels; see [Config] for how the two sides
// are wired together.
package sift
