package mq

// Capabilities is a static descriptor of what a broker backend supports.
// The consuming side consults it to degrade gracefully when a capability
// is absent rather than failing.
type Capabilities struct {
	// MaxPrefetch is the largest batch a single Receive may request.
	// Zero means the adapter imposes no limit of its own.
	MaxPrefetch int

	// ExplicitNack reports whether the broker supports negative
	// acknowledgment. Without it, redelivery relies on ack-deadline expiry.
	ExplicitNack bool

	// DelayedRedelivery reports whether the broker can defer redelivery
	// of a nacked message.
	DelayedRedelivery bool

	// ConcurrentOps reports whether Publish and Receive are safe to call
	// from multiple goroutines, either natively or because the adapter
	// serializes them.
	ConcurrentOps bool
}
