package domain

import (
	"bytes"
	"io"
	"net/url"
	"time"
)

// BodySource produces the request body. Finite byte bodies are
// rewindable and can be replayed across retries and 307/308 redirects;
// streaming producers generally are not.
type BodySource interface {
	// Open returns a fresh reader over the body. Rewindable sources may
	// be opened any number of times; non-rewindable sources exactly once.
	Open() (io.ReadCloser, error)
	// Len returns the body size in bytes, or -1 when unknown (streamed).
	Len() int64
	// Rewindable reports whether Open may be called again after a
	// partial or complete send.
	Rewindable() bool
}

type bytesBody struct {
	data []byte
}

func (b *bytesBody) Open() (io.ReadCloser, error) {
	return io.NopCloser(bytes.NewReader(b.data)), nil
}
func (b *bytesBody) Len() int64       { return int64(len(b.data)) }
func (b *bytesBody) Rewindable() bool { return true }

// NewBytesBody wraps finite bytes as a rewindable body source.
func NewBytesBody(data []byte) BodySource {
	return &bytesBody{data: data}
}

type readerBody struct {
	r      io.Reader
	n      int64
	opened bool
}

func (b *readerBody) Open() (io.ReadCloser, error) {
	if b.opened {
		return nil, ErrBodyNotRewindable
	}
	b.opened = true
	if rc, ok := b.r.(io.ReadCloser); ok {
		return rc, nil
	}
	return io.NopCloser(b.r), nil
}
func (b *readerBody) Len() int64       { return b.n }
func (b *readerBody) Rewindable() bool { return false }

// NewReaderBody wraps a streaming producer. Pass size -1 when unknown;
// the H1 path then applies chunked transfer encoding.
func NewReaderBody(r io.Reader, size int64) BodySource {
	return &readerBody{r: r, n: size}
}

// TimeoutPolicy carries the per-attempt deadlines plus an optional
// total wall-clock budget that overrides them.
type TimeoutPolicy struct {
	Connect  time.Duration
	Read     time.Duration
	Write    time.Duration
	Continue time.Duration // Expect: 100-continue wait
	Total    time.Duration // absolute budget across all attempts, 0 = none
}

// Request is one dispatch invocation's worth of intent. It lives for a
// single call; retries and redirects derive new requests from it.
type Request struct {
	Method  string
	URL     *url.URL
	Headers *Headers
	Body    BodySource

	// IdempotentHint overrides the method-derived idempotency when set.
	IdempotentHint *bool

	Timeouts    TimeoutPolicy
	Retries     RetryPolicy
	Multiplexed bool // caller preference; protocol choice is left to ALPN

	// ExtensionHint names the post-upgrade protocol the caller wants
	// ("websocket" for ws* schemes).
	ExtensionHint string
}

var idempotentMethods = map[string]struct{}{
	"GET": {}, "HEAD": {}, "OPTIONS": {}, "PUT": {}, "DELETE": {}, "TRACE": {},
}

// Idempotent resolves the request's idempotency: the explicit caller
// hint wins, else it is derived from the method.
func (r *Request) Idempotent() bool {
	if r.IdempotentHint != nil {
		return *r.IdempotentHint
	}
	_, ok := idempotentMethods[r.Method]
	return ok
}

// ResponseHead is the status line plus headers, available as soon as
// the first HEADERS frame or status line arrives.
type ResponseHead struct {
	Status   int
	Protocol Protocol
	Headers  *Headers
}

// IsRedirect reports whether the head is a 3xx with a Location to follow.
func (h *ResponseHead) IsRedirect() bool {
	switch h.Status {
	case 301, 302, 303, 307, 308:
		return h.Headers.Has("Location")
	default:
		return false
	}
}
