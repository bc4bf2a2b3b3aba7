package pipeline

// Reason is why a forwarding loop ended.
type Reason int32

const (
	ReasonNone Reason = iota

	// ReasonUpstreamExhausted is a clean end of the final stage's output.
	ReasonUpstreamExhausted

	// ReasonSinkClosed means the peer went away.
	ReasonSinkClosed

	// ReasonSinkError means a frame could not be written.
	ReasonSinkError

	// ReasonAborted means the run was cancelled from outside.
	ReasonAborted

	// ReasonStartTimeout means no output arrived within the first byte timeout.
	ReasonStartTimeout

	// ReasonReadError is a read failure other than end of output.
	ReasonReadError
)

func (r Reason) String() string {
	switch r {
	case ReasonUpstreamExhausted:
		return "upstream_exhausted"
	case ReasonSinkClosed:
		return "sink_closed"
	case ReasonSinkError:
		return "sink_error"
	case ReasonAborted:
		return "aborted"
	case ReasonStartTimeout:
		return "start_timeout"
	case ReasonReadError:
		return "read_error"
	default:
		return "none"
	}
}

// Failure reports whether the reason is an error rather than an expected end
// of the session.
func (r Reason) Failure() bool {
	switch r {
	case ReasonSinkError, ReasonStartTimeout, ReasonReadError:
		return true
	default:
		return false
	}
}
