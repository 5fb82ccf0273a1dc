// Package saddr contains the address identity types
// shared between the sift filter engine and the transport layer.
package saddr

import "net/netip"

// Endpoint identifies one remote peer by its datagram address.
//
// Endpoint is comparable, so it can be used directly as a map key;
// the filter engine keys its session arena by Endpoint.
type Endpoint struct {
	netip.AddrPort
}

// EndpointFromAddrPort wraps an already-parsed address.
func EndpointFromAddrPort(ap netip.AddrPort) Endpoint {
	return Endpoint{AddrPort: ap}
}

// ParseEndpoint parses an address in "host:port" form.
func ParseEndpoint(s string) (Endpoint, error) {
	ap, err := netip.ParseAddrPort(s)
	if err != nil {
		return Endpoint{}, err
	}
	return Endpoint{AddrPort: ap}, nil
}

// MustParseEndpoint is [ParseEndpoint] for statically known inputs,
// panicking on error. Intended for tests.
func MustParseEndpoint(s string) Endpoint {
	return Endpoint{AddrPort: netip.MustParseAddrPort(s)}
}
