package ports

import (
	"context"
	"io"
	"time"

	"github.com/ternhq/tern/internal/core/domain"
)

// Resolver is the injected DNS collaborator. The library never resolves
// names itself.
type Resolver interface {
	LookupHost(ctx context.Context, host string) ([]string, error)
}

// Exchange is one request/response in flight on a connection: a stream
// on H2/H3, the whole connection on H1.
type Exchange interface {
	// Head returns the status line and headers. Valid once Conn.Do has
	// returned without error.
	Head() *domain.ResponseHead
	// Body streams the response payload. The dispatcher owns it; fully
	// reading or closing it settles the exchange.
	Body() io.ReadCloser
	// Trailers returns trailer headers after the body is fully consumed,
	// nil before that.
	Trailers() *domain.Headers
	// Cancel aborts the exchange: RST_STREAM on multiplexed protocols,
	// connection close on H1.
	Cancel(reason error)
	// RequestSent reports whether any request byte reached the wire,
	// which decides the retry class of a subsequent failure.
	RequestSent() bool
	// TakeOver detaches the underlying byte stream for a protocol
	// switch. Only legal on a 101 response (H1) or an extended-CONNECT
	// stream (H2). The exchange stops owning the stream afterwards.
	TakeOver() (io.ReadWriteCloser, error)
}

// Conn is the pool-facing surface of one transport connection. Stream
// accounting lives in the pool's bookkeeping region; the connection
// reports its negotiated limits and lifecycle state.
type Conn interface {
	ID() string
	Origin() domain.Origin
	Protocol() domain.Protocol
	State() domain.ConnState
	// MaxConcurrentStreams is 1 for H1 and the negotiated limit for
	// H2/H3.
	MaxConcurrentStreams() int
	// LastActivity is updated on every byte read or written.
	LastActivity() time.Time

	// Do writes the request and blocks until the response head arrives.
	Do(ctx context.Context, req *domain.Request) (Exchange, error)
	// Ping verifies liveness on multiplexed protocols.
	Ping(ctx context.Context) error
	// Drain stops new streams and lets in-flight ones finish.
	Drain()
	Close(reason error) error

	// OnClose registers the pool's non-owning back-reference; invoked
	// once when the connection reaches Closed.
	OnClose(fn func(Conn, error))

	// SetPoolState drives the Idle<->Active half of the state machine
	// from the pool's bookkeeping region; no-op once draining or closed.
	SetPoolState(s domain.ConnState)
}

// ConnDialer opens a connection to an origin, negotiating the protocol
// via ALPN.
type ConnDialer interface {
	Dial(ctx context.Context, origin domain.Origin) (Conn, error)
}

// Extension is a post-upgrade protocol handler borrowed a connection or
// stream after a successful switch.
type Extension interface {
	NextPayload(ctx context.Context) ([]byte, error)
	SendPayload(ctx context.Context, payload []byte) error
	Ping(ctx context.Context) error
	Close() error
}
