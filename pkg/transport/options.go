package transport

import (
	"time"

	"github.com/dd0wney/cluso-graphsync/pkg/logging"
	"github.com/dd0wney/cluso-graphsync/pkg/metrics"
)

const (
	DefaultTimeout = 30 * time.Second
	DefaultWorkers = 4

	// pollInterval bounds how long a server worker blocks before checking
	// for shutdown
	pollInterval = time.Second

	sideClient = "client"
	sideServer = "server"
)

type options struct {
	logger  logging.Logger
	metrics *metrics.Registry
	timeout time.Duration
	workers int
}

// Option configures a Client, Server or Peer
type Option func(*options)

// WithLogger sets the logger
func WithLogger(l logging.Logger) Option {
	return func(o *options) { o.logger = logging.OrNop(l) }
}

// WithMetrics records transport metrics into reg
func WithMetrics(reg *metrics.Registry) Option {
	return func(o *options) { o.metrics = reg }
}

// WithTimeout bounds one request/reply exchange on a client, or one handler
// call on a server
func WithTimeout(d time.Duration) Option {
	return func(o *options) {
		if d > 0 {
			o.timeout = d
		}
	}
}

// WithWorkers sets how many requests a server handles at once
func WithWorkers(n int) Option {
	return func(o *options) {
		if n > 0 {
			o.workers = n
		}
	}
}

func buildOptions(opts []Option) options {
	o := options{
		logger:  logging.NewNopLogger(),
		timeout: DefaultTimeout,
		workers: DefaultWorkers,
	}
	for _, opt := range opts {
		opt(&o)
	}
	return o
}
