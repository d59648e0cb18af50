package btscan

// DefaultLeftHopLimit bounds how many right hops a backward scan spends
// verifying one left-sibling candidate before it rereads the starting
// page and retries. Splits move pages a handful of links at a time, so a
// small bound converges in practice.
const DefaultLeftHopLimit = 4

// Options configures index behavior.
type Options struct {
	logger       Logger
	metrics      *Metrics
	leftHopLimit int
	dropPin      bool
	split        SplitCompleter
	predLock     PredicateLocker
}

// DefaultOptions returns safe default configuration.
func DefaultOptions() Options {
	return Options{
		logger:       DiscardLogger{},
		leftHopLimit: DefaultLeftHopLimit,
	}
}

// Option configures index options using the functional options pattern.
type Option func(*Options)

// WithLogger routes engine diagnostics to l instead of discarding them.
func WithLogger(l Logger) Option {
	return func(opts *Options) {
		opts.logger = l
	}
}

// WithMetrics wires scan counters into m.
func WithMetrics(m *Metrics) Option {
	return func(opts *Options) {
		opts.metrics = m
	}
}

// WithLeftHopLimit overrides DefaultLeftHopLimit.
func WithLeftHopLimit(n int) Option {
	return func(opts *Options) {
		if n > 0 {
			opts.leftHopLimit = n
		}
	}
}

// WithDropPin makes scans drop the pin along with the lock when they
// finish reading a page. Stores that garbage-collect aggressively want
// this; the scan revalidates the page by LSN before using killed-tuple
// hints.
func WithDropPin() Option {
	return func(opts *Options) {
		opts.dropPin = true
	}
}

// WithSplitCompleter lets write-mode descents finish splits they find
// half done. Without one, descents treat such pages as ordinary.
func WithSplitCompleter(s SplitCompleter) Option {
	return func(opts *Options) {
		opts.split = s
	}
}

// WithPredicateLocker registers serializable-isolation hooks.
func WithPredicateLocker(p PredicateLocker) Option {
	return func(opts *Options) {
		opts.predLock = p
	}
}
