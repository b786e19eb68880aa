package chatsync

import (
	"time"

	"go.uber.org/zap"
)

type options struct {
	log     *zap.Logger
	metrics *Metrics
	now     func() time.Time
	cache   MessageCache
}

// Option configures a component.
type Option func(*options)

// WithLogger sets the structured logger. The default discards everything.
func WithLogger(log *zap.Logger) Option {
	return func(o *options) {
		if log != nil {
			o.log = log
		}
	}
}

// WithMetrics records activity into m.
func WithMetrics(m *Metrics) Option {
	return func(o *options) { o.metrics = m }
}

// WithClock overrides time.Now, mostly for tests.
func WithClock(now func() time.Time) Option {
	return func(o *options) {
		if now != nil {
			o.now = now
		}
	}
}

// WithCache persists confirmed history between runs.
func WithCache(c MessageCache) Option {
	return func(o *options) {
		if c != nil {
			o.cache = c
		}
	}
}

func buildOptions(opts []Option) options {
	o := options{
		log: zap.NewNop(),
		now: time.Now,
	}
	for _, opt := range opts {
		opt(&o)
	}
	if o.cache == nil {
		o.cache = NewMemoryCache()
	}
	return o
}
