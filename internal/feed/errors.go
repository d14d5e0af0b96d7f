package feed

import "errors"

// Error taxonomy of the upstream session. Callers match with errors.Is; the
// hub converts anything non-fatal into an `error` SSE event on the affected
// group.
var (
	// ErrConnectFailed: the connect attempt or handshake did not complete
	// within the connect timeout, or the handshake was rejected.
	ErrConnectFailed = errors.New("feed: connect failed")

	// ErrRequestTimeout: a correlated request hit its deadline. The
	// correlation entry has been dropped; a late reply is discarded.
	ErrRequestTimeout = errors.New("feed: request timeout")

	// ErrUpstreamGone: the connection closed before the reply arrived.
	ErrUpstreamGone = errors.New("feed: upstream gone")

	// ErrRejected: the reply to a correlated request carried a non-zero
	// code. Any command can be rejected; Subscribe translates rejections
	// into ErrSubscribeFailed.
	ErrRejected = errors.New("feed: request rejected")

	// ErrSubscribeFailed: upstream rejected a subscribe, or the reply
	// carried no subscription id. Groups fall back to polling where
	// applicable.
	ErrSubscribeFailed = errors.New("feed: subscribe failed")
)
