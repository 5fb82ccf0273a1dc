package sift

import "fmt"

// RetryExhaustedError is the failure reason carried by an
// [EndpointFailed] notice when a packet for the endpoint exceeded
// the configured retry limit.
type RetryExhaustedError struct {
	// Sequence of the packet that exhausted its retries.
	Sequence uint64

	// How many times the packet was retransmitted.
	Retries int
}

func (e RetryExhaustedError) Error() string {
	return fmt.Sprintf(
		"packet with sequence %d unacknowledged after %d retries",
		e.Sequence, e.Retries,
	)
}
