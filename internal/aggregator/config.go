package aggregator

import "time"

const (
	// DefaultPreQuorumTimeout bounds a round until a quorum is heard.
	DefaultPreQuorumTimeout = 60 * time.Second

	// DefaultPostQuorumTimeout bounds the best-effort tail after a certificate quorum.
	DefaultPostQuorumTimeout = 7 * time.Second

	// DefaultSerialAuthorityRequestInterval staggers requests in QuorumOnce.
	DefaultSerialAuthorityRequestInterval = 1000 * time.Millisecond

	// DefaultSampleSize is the number of authorities asked for extended data.
	DefaultSampleSize = 10
)

// TimeoutConfig bounds the rounds of the aggregator.
type TimeoutConfig struct {
	// PreQuorumTimeout bounds the whole fan-out of ProcessTransaction and
	// ProcessCertificate.
	PreQuorumTimeout time.Duration

	// PostQuorumTimeout bounds how long requests to the remaining
	// authorities keep running once a round is decided: certificate
	// executions after quorum, and lock holders after a double spend.
	PostQuorumTimeout time.Duration

	// SerialAuthorityRequestInterval is the stagger between requests of QuorumOnce.
	SerialAuthorityRequestInterval time.Duration
}

// DefaultTimeoutConfig returns 60s / 7s / 1000ms.
func DefaultTimeoutConfig() TimeoutConfig {
	return TimeoutConfig{
		PreQuorumTimeout:               DefaultPreQuorumTimeout,
		PostQuorumTimeout:              DefaultPostQuorumTimeout,
		SerialAuthorityRequestInterval: DefaultSerialAuthorityRequestInterval,
	}
}

// withDefaults fills zero fields with the defaults.
func (c TimeoutConfig) withDefaults() TimeoutConfig {
	d := DefaultTimeoutConfig()

	if c.PreQuorumTimeout <= 0 {
		c.PreQuorumTimeout = d.PreQuorumTimeout
	}
	if c.PostQuorumTimeout <= 0 {
		c.PostQuorumTimeout = d.PostQuorumTimeout
	}
	if c.SerialAuthorityRequestInterval <= 0 {
		c.SerialAuthorityRequestInterval = d.SerialAuthorityRequestInterval
	}

	return c
}
