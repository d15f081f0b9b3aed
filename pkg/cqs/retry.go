package cqs

// RetryDecision is what a retry policy wants done with a failed attempt.
// The session enforces a hard attempt ceiling on top of whatever the
// policy decides.
type RetryDecision int

const (
	// Rethrow surfaces the failure to the caller.
	Rethrow RetryDecision = iota

	// RetrySameHost repeats the request on the same host with a fresh
	// stream id.
	RetrySameHost

	// RetryNextHost moves on to the next candidate in the query plan.
	RetryNextHost

	// Ignore treats the failure as success with an empty result.
	Ignore
)

func (d RetryDecision) String() string {
	switch d {
	case Rethrow:
		return "rethrow"
	case RetrySameHost:
		return "retry-same-host"
	case RetryNextHost:
		return "retry-next-host"
	case Ignore:
		return "ignore"
	default:
		return "unknown"
	}
}

// RetryContext is the execution context handed to retry policies.
type RetryContext struct {
	Request     *Request
	Attempt     int
	TriedHosts  []string
	Consistency Consistency
	Err         error
}

// RetryPolicy decides what to do with each class of request failure.
type RetryPolicy interface {
	OnReadTimeout(ctx *RetryContext) RetryDecision
	OnWriteTimeout(ctx *RetryContext) RetryDecision
	OnUnavailable(ctx *RetryContext) RetryDecision
	OnConnectionError(ctx *RetryContext) RetryDecision
}

// DefaultRetryPolicy retries once per class on failures that are safe to
// repeat and rethrows everything else: connection errors and read
// timeouts move to the next host, write timeouts rethrow (the write may
// have landed), unavailable retries the same host once in case the node's
// view was stale.
type DefaultRetryPolicy struct{}

func (DefaultRetryPolicy) OnReadTimeout(ctx *RetryContext) RetryDecision {
	if ctx.Attempt == 0 {
		return RetryNextHost
	}
	return Rethrow
}

func (DefaultRetryPolicy) OnWriteTimeout(_ *RetryContext) RetryDecision {
	return Rethrow
}

func (DefaultRetryPolicy) OnUnavailable(ctx *RetryContext) RetryDecision {
	if ctx.Attempt == 0 {
		return RetrySameHost
	}
	return Rethrow
}

func (DefaultRetryPolicy) OnConnectionError(ctx *RetryContext) RetryDecision {
	return RetryNextHost
}

// FallthroughRetryPolicy never retries anything.
type FallthroughRetryPolicy struct{}

func (FallthroughRetryPolicy) OnReadTimeout(_ *RetryContext) RetryDecision  { return Rethrow }
func (FallthroughRetryPolicy) OnWriteTimeout(_ *RetryContext) RetryDecision { return Rethrow }
func (FallthroughRetryPolicy) OnUnavailable(_ *RetryContext) RetryDecision  { return Rethrow }
func (FallthroughRetryPolicy) OnConnectionError(_ *RetryContext) RetryDecision {
	return Rethrow
}
