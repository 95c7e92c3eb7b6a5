// Package config holds the closed set of plugin configuration keys as
// an explicit record with documented defaults, instead of a free-form
// string-keyed lookup.
package config

import (
	"fmt"
	"time"
)

// Configuration is the full set of recognized plugin configuration
// keys. Every field corresponds to exactly one key from the closed set
// {PORT, BINDTO, BINDTO6, EXTERNAL_HOSTNAME, USE_IPv4, USE_IPv6,
// MAX_CONNECTIONS, FILTER, EMAIL, MTU, RATELIMIT, SERVER, PIPE, TIMEOUT}.
type Configuration struct {
	// PORT is the local TCP/UDP port to bind, 0 selects an ephemeral
	// port.
	Port uint16

	// BindTo is the IPv4 bind address ("" means all interfaces).
	BindTo string

	// BindTo6 is the IPv6 bind address ("" means disabled).
	BindTo6 string

	// ExternalHostname is advertised to peers instead of the bind
	// address, for NAT/port-forwarding setups.
	ExternalHostname string

	// UseIPv4 / UseIPv6 enable each address family.
	UseIPv4 bool
	UseIPv6 bool

	// MaxConnections caps concurrently open sessions for this plugin.
	MaxConnections int

	// Filter restricts which CIDR ranges this plugin will dial or
	// accept from; empty means unrestricted.
	Filter []string

	// Email is an operator contact string advertised alongside HELLOs,
	// purely informational.
	Email string

	// MTU bounds the largest single payload this plugin will hand the
	// core in one RECV.
	MTU int

	// RateLimit is the per-session inbound quota in bytes per
	// RateLimitWindow, used to seed every plugin/tcp session. A daemon
	// SET_QUOTA frame changes only the outbound quota, not this limit.
	RateLimit uint64

	// RateLimitWindow is the accrual window RateLimit applies over.
	RateLimitWindow time.Duration

	// Server, if true, accepts inbound connections; if false, the
	// plugin only ever dials out.
	Server bool

	// Pipe is the path to the daemon's local control socket, used by
	// daemonlink.Dialer implementations that connect over a Unix
	// domain socket instead of TCP.
	Pipe string

	// Timeout bounds how long a single connect/handshake attempt may
	// take before it is treated as a failure.
	Timeout time.Duration
}

// Default returns a Configuration with the defaults this module ships:
// IPv4 only, ephemeral port, a 64KiB/s default rate limit over a
// one-second window, and a 10s connect timeout.
func Default() Configuration {
	return Configuration{
		Port:            0,
		BindTo:          "0.0.0.0",
		UseIPv4:         true,
		UseIPv6:         false,
		MaxConnections:  128,
		MTU:             65536,
		RateLimit:       65536,
		RateLimitWindow: time.Second,
		Server:          true,
		Timeout:         10 * time.Second,
	}
}

// Validate rejects a Configuration that cannot be used to start a
// plugin: no address family enabled, a non-positive MTU, a connect
// timeout of zero, or a rate-limit window of zero when a non-zero rate
// limit is set.
func (c Configuration) Validate() error {
	if !c.UseIPv4 && !c.UseIPv6 {
		return fmt.Errorf("config: at least one of USE_IPv4/USE_IPv6 must be enabled")
	}
	if c.MTU <= 0 {
		return fmt.Errorf("config: MTU must be positive, got %d", c.MTU)
	}
	if c.MaxConnections < 0 {
		return fmt.Errorf("config: MAX_CONNECTIONS must not be negative, got %d", c.MaxConnections)
	}
	if c.RateLimit > 0 && c.RateLimitWindow <= 0 {
		return fmt.Errorf("config: RATELIMIT set without a positive window")
	}
	if c.Timeout <= 0 {
		return fmt.Errorf("config: TIMEOUT must be positive, got %s", c.Timeout)
	}
	return nil
}
