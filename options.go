package ep

import (
	"time"

	"github.com/rs/zerolog"
)

// DefaultListenPort is the protocol's default listen port.
const DefaultListenPort uint16 = 56540

// Option defines a functional option for NewNode.
type Option func(*Config)

// Config holds runtime settings for a Node. Zero value is not usable
// directly; build one with NewNode(identity, opts...), which applies
// defaults via defaultConfig() first.
type Config struct {
	Identity SessionParameters

	listenPort *uint16
	dialer     Dialer
	acceptor   Acceptor

	frameOpts FrameDecodeOptions
	parseOpts MessageParseOptions

	defaultTickRate time.Duration

	logger  zerolog.Logger
	metrics Metrics
}

// defaultConfig returns config with library defaults.
func defaultConfig(identity SessionParameters) *Config {
	return &Config{
		Identity:        identity,
		frameOpts:       FrameDecodeOptions{MaxBytes: DefaultMaxFrameBytes},
		parseOpts:       MessageParseOptions{Strict: false},
		defaultTickRate: DefaultTickRate,
		logger:          zerolog.Nop(),
		metrics:         NewDefaultMetrics(),
	}
}

// applyOptions builds a runtime config by applying the given options on top
// of defaults.
func applyOptions(identity SessionParameters, opts []Option) *Config {
	cfg := defaultConfig(identity)
	for _, o := range opts {
		o(cfg)
	}
	return cfg
}

// WithListenPort configures the node to accept inbound connections on port.
// Without this option the node only makes outbound connections.
func WithListenPort(port uint16) Option {
	return func(c *Config) {
		p := port
		c.listenPort = &p
	}
}

// WithDialer overrides the outbound-connection dialer. Defaults to a plain
// TCP dialer.
func WithDialer(d Dialer) Option {
	return func(c *Config) {
		if d != nil {
			c.dialer = d
		}
	}
}

// WithAcceptor overrides the inbound-connection acceptor. Defaults to a
// plain TCP listener.
func WithAcceptor(a Acceptor) Option {
	return func(c *Config) {
		if a != nil {
			c.acceptor = a
		}
	}
}

// WithMaxFrameBytes caps the size of any single decoded frame.
func WithMaxFrameBytes(n int) Option {
	return func(c *Config) {
		if n > 0 {
			c.frameOpts.MaxBytes = n
		}
	}
}

// WithStrictParsing forces every decode warning to be treated as a failure.
func WithStrictParsing(strict bool) Option {
	return func(c *Config) {
		c.frameOpts.Strict = strict
		c.parseOpts.Strict = strict
	}
}

// WithDefaultTickRate sets the tick rate used by StartTransfer when called
// with tickRate <= 0.
func WithDefaultTickRate(d time.Duration) Option {
	return func(c *Config) {
		if d > 0 {
			c.defaultTickRate = d
		}
	}
}

// WithLogger installs a structured logger. Defaults to a no-op logger.
func WithLogger(l zerolog.Logger) Option {
	return func(c *Config) {
		c.logger = l
	}
}

// WithMetrics installs a custom metrics sink. Defaults to an in-process
// atomic-counter implementation.
func WithMetrics(m Metrics) Option {
	return func(c *Config) {
		if m != nil {
			c.metrics = m
		}
	}
}
