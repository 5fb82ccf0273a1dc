package sift

import (
	"errors"
	"time"

	"github.com/gordian-engine/sift/stransport"
)

// Defaults used when the corresponding [Config] field is zero.
const (
	DefaultRetryInterval = 500 * time.Millisecond
	DefaultMaxRetries    = 5
	DefaultChannelLen    = 64
)

// Config is the configuration for [New].
type Config struct {
	Mode Mode

	// The transport side of the engine.
	// All three channels are required.
	TransportCmds    chan<- stransport.Cmd
	TransportRsps    <-chan stransport.Rsp
	TransportNotices <-chan stransport.Notice

	// How long a sent packet may wait unacknowledged before it is
	// retransmitted. Also the cadence of the retry scan.
	// Zero means [DefaultRetryInterval].
	RetryInterval time.Duration

	// How many retransmissions a packet gets before the engine
	// gives up on the endpoint. Zero means [DefaultMaxRetries].
	MaxRetries int

	// Capacity of the application-facing channels.
	// Zero means [DefaultChannelLen].
	ChannelLen int

	// Stamped into handshake rejections so the peer can tell
	// what it failed to talk to.
	ServerVersion string

	// CompatibleVersion reports whether a connecting client's
	// version is acceptable. Only consulted in [ModeServer].
	// Nil accepts any non-empty version.
	CompatibleVersion func(clientVersion string) bool
}

// validate collects every configuration problem in one error,
// so the caller gets a maximally helpful message.
func (c Config) validate() error {
	var errs error

	if c.Mode != ModeServer && c.Mode != ModeClient {
		errs = errors.Join(errs, errors.New("Config.Mode is not a valid mode"))
	}

	if c.TransportCmds == nil {
		errs = errors.Join(errs, errors.New("Config.TransportCmds may not be nil"))
	}
	if c.TransportRsps == nil {
		errs = errors.Join(errs, errors.New("Config.TransportRsps may not be nil"))
	}
	if c.TransportNotices == nil {
		errs = errors.Join(errs, errors.New("Config.TransportNotices may not be nil"))
	}

	if c.RetryInterval < 0 {
		errs = errors.Join(errs, errors.New("Config.RetryInterval may not be negative"))
	}
	if c.MaxRetries < 0 {
		errs = errors.Join(errs, errors.New("Config.MaxRetries may not be negative"))
	}
	if c.ChannelLen < 0 {
		errs = errors.Join(errs, errors.New("Config.ChannelLen may not be negative"))
	}

	return errs
}

func (c Config) withDefaults() Config {
	if c.RetryInterval == 0 {
		c.RetryInterval = DefaultRetryInterval
	}
	if c.MaxRetries == 0 {
		c.MaxRetries = DefaultMaxRetries
	}
	if c.ChannelLen == 0 {
		c.ChannelLen = DefaultChannelLen
	}
	if c.CompatibleVersion == nil {
		c.CompatibleVersion = func(clientVersion string) bool {
			return clientVersion != ""
		}
	}
	return c
}
