package transport

import (
	"context"
	"errors"
	"net/http"
	"time"

	"github.com/quic-go/quic-go"
	"github.com/quic-go/quic-go/http3"

	"github.com/ternhq/tern/internal/core/domain"
	"github.com/ternhq/tern/internal/core/ports"
	"github.com/ternhq/tern/internal/logger"
)

const defaultH3MaxStreams = 100

// h3Conn layers the shared lifecycle over a quic-go HTTP/3 client
// connection. QPACK, stream ids and flow control belong to the engine.
type h3Conn struct {
	baseConn
	qconn quic.Connection
	cc    *http3.ClientConn
}

func newH3Conn(origin domain.Origin, qconn quic.Connection, t *http3.Transport, log *logger.StyledLogger) *h3Conn {
	c := &h3Conn{baseConn: newBaseConn(origin, domain.ProtocolH3, log)}
	c.qconn = qconn
	c.cc = t.NewClientConn(qconn)
	c.markReady()

	// quic-go owns the socket, so byte-level activity is invisible to
	// us; response heads and body reads feed the idle clock instead.
	go func() {
		<-qconn.Context().Done()
		_ = c.Close(context.Cause(qconn.Context()))
	}()
	return c
}

func (c *h3Conn) MaxConcurrentStreams() int { return defaultH3MaxStreams }

func (c *h3Conn) State() domain.ConnState {
	if c.qconn.Context().Err() != nil {
		return domain.StateClosed
	}
	return c.baseConn.State()
}

// Ping on HTTP/3 rides on QUIC's own liveness machinery: the engine
// keeps the path alive, so this only verifies the connection has not
// been torn down since last use.
func (c *h3Conn) Ping(ctx context.Context) error {
	select {
	case <-c.qconn.Context().Done():
		return domain.ErrConnClosed
	case <-ctx.Done():
		return ctx.Err()
	default:
		c.lastPing.Store(time.Now().UnixNano())
		return nil
	}
}

func (c *h3Conn) Drain() {
	c.markDraining()
}

func (c *h3Conn) Close(reason error) error {
	fn, won := c.markClosed(reason)
	if !won {
		return nil
	}
	err := c.qconn.CloseWithError(quic.ApplicationErrorCode(http3.ErrCodeNoError), "")
	if fn != nil {
		fn(c, reason)
	}
	return err
}

func (c *h3Conn) Do(ctx context.Context, req *domain.Request) (ports.Exchange, error) {
	if !c.State().Acquirable() {
		return nil, &domain.ReadError{Err: domain.ErrConnDraining, Origin: c.origin.String()}
	}
	if req.ExtensionHint != "" {
		// WebSocket over HTTP/3 has no finalized equivalent of RFC 8441;
		// the dialer never routes upgrade schemes here.
		return nil, &domain.ProtocolViolationError{Reason: "extended connect is not supported on http/3"}
	}

	httpReq := &http.Request{
		Method: req.Method,
		URL:    stripWSScheme(req.URL),
		Host:   req.URL.Host,
		Header: make(http.Header),
	}
	req.Headers.Range(func(name, value string) bool {
		httpReq.Header.Add(name, value)
		return true
	})
	if req.Body != nil {
		body, err := req.Body.Open()
		if err != nil {
			return nil, &domain.WriteError{Err: err, Origin: c.origin.String()}
		}
		httpReq.Body = body
		httpReq.ContentLength = req.Body.Len()
	}

	resp, err := c.cc.RoundTrip(httpReq.WithContext(ctx))
	if err != nil {
		return nil, c.classifyError(err)
	}
	c.touch()

	ex := &h2Exchange{
		conn: c,
		head: headFromResponse(resp, domain.ProtocolH3),
		resp: resp,
		sent: true,
	}
	ex.body = &h3Body{inner: engineBody{ex: ex, r: resp.Body}, owner: c}
	return ex, nil
}

func (c *h3Conn) classifyError(err error) error {
	var streamErr *quic.StreamError
	if errors.As(err, &streamErr) {
		return &domain.ReadError{Err: err, Origin: c.origin.String(), RequestSent: true}
	}
	var appErr *quic.ApplicationError
	if errors.As(err, &appErr) {
		// Connection-level close; no stream was accepted.
		return &domain.ReadError{Err: err, Origin: c.origin.String(), RequestSent: false}
	}
	if errors.Is(err, context.Canceled) || errors.Is(err, context.DeadlineExceeded) {
		return err
	}
	return &domain.ReadError{Err: err, Origin: c.origin.String(), RequestSent: true}
}

// h3Body refreshes the idle clock on reads, since the QUIC socket is
// not ours to wrap.
type h3Body struct {
	inner engineBody
	owner *h3Conn
}

func (b *h3Body) Read(p []byte) (int, error) {
	n, err := b.inner.Read(p)
	if n > 0 {
		b.owner.touch()
	}
	return n, err
}

func (b *h3Body) Close() error { return b.inner.Close() }
