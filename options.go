package framegraph

import "time"

// Option configures a Graph during creation.
//
// Example:
//
//	g := framegraph.New(dev,
//	    framegraph.WithLabel("main"),
//	    framegraph.WithTimingQueries(256),
//	    framegraph.WithResourcePool(64))
type Option func(*options)

// options holds optional configuration for Graph creation.
type options struct {
	label        string
	fenceTimeout time.Duration
	queryBudget  uint32
	poolLimit    int
}

func defaultOptions() options {
	return options{
		label:        "framegraph",
		fenceTimeout: 5 * time.Second,
	}
}

// WithLabel sets the prefix used for command buffer and batch labels.
func WithLabel(label string) Option {
	return func(o *options) {
		if label != "" {
			o.label = label
		}
	}
}

// WithFenceTimeout bounds how long Reset waits for the previous frame.
// Zero waits until the context passed to Reset is done.
func WithFenceTimeout(d time.Duration) Option {
	return func(o *options) {
		o.fenceTimeout = d
	}
}

// WithTimingQueries enables per-pass GPU timing with at most budget
// timestamp slots per frame. Each pass uses two. Timing stays off when the
// Device does not implement Profiler.
func WithTimingQueries(budget uint32) Option {
	return func(o *options) {
		o.queryBudget = budget
	}
}

// WithResourcePool keeps up to limit transient images and buffers alive
// across Reset and reuses them when a later frame asks for an identical
// allocation.
//
// Example:
//
//	g := framegraph.New(dev, framegraph.WithResourcePool(32))
func WithResourcePool(limit int) Option {
	return func(o *options) {
		o.poolLimit = limit
	}
}
