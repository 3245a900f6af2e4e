package tern

import "github.com/ternhq/tern/internal/core/domain"

// Error taxonomy, aliased from the domain so callers can match with
// errors.Is / errors.As.
type (
	ConnectError           = domain.ConnectError
	SSLError               = domain.SSLError
	ReadError              = domain.ReadError
	WriteError             = domain.WriteError
	ProtocolViolationError = domain.ProtocolViolationError
	PoolError              = domain.PoolError
	TimeoutError           = domain.TimeoutError
	MaxRetryError          = domain.MaxRetryError
	DecodeError            = domain.DecodeError
)

var (
	// ErrPoolFull is wrapped by PoolError when a non-blocking pool is
	// at capacity.
	ErrPoolFull = domain.ErrPoolFull
	// ErrPoolClosed is wrapped by PoolError after Close.
	ErrPoolClosed = domain.ErrPoolClosed
	// ErrTooManyRedirects is the MaxRetryError reason when the hop
	// budget runs out.
	ErrTooManyRedirects = domain.ErrTooManyRedirects
	// ErrBodyNotRewindable surfaces when a 307/308 redirect or retry
	// needs to replay a streaming body.
	ErrBodyNotRewindable = domain.ErrBodyNotRewindable
)
