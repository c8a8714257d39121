package storage

import "time"

// Option configures a store.
type Option func(*options)

type options struct {
	lease time.Duration
	now   func() time.Time
}

func defaultOptions() options {
	return options{
		lease: DefaultLeaseDuration,
		now:   time.Now,
	}
}

func applyOptions(opts []Option) options {
	o := defaultOptions()
	for _, opt := range opts {
		opt(&o)
	}
	return o
}

// WithLeaseDuration sets how long claims are held.
func WithLeaseDuration(d time.Duration) Option {
	return func(o *options) {
		if d > 0 {
			o.lease = d
		}
	}
}

// WithClock replaces the wall clock, mostly for tests.
func WithClock(now func() time.Time) Option {
	return func(o *options) {
		if now != nil {
			o.now = now
		}
	}
}
