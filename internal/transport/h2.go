package transport

import (
	"context"
	"errors"
	"io"
	"net"
	"net/http"
	"net/url"
	"sort"
	"strings"
	"sync/atomic"

	"golang.org/x/net/http2"

	"github.com/ternhq/tern/internal/core/domain"
	"github.com/ternhq/tern/internal/core/ports"
	"github.com/ternhq/tern/internal/logger"
)

const defaultH2MaxStreams = 100

// hop-by-hop headers never cross onto a multiplexed connection
var hopByHopHeaders = map[string]struct{}{
	"connection": {}, "upgrade": {}, "keep-alive": {}, "transfer-encoding": {},
	"te": {}, "proxy-connection": {},
}

// h2Conn layers the shared lifecycle over an x/net/http2 ClientConn.
// Frame-level work (HPACK, flow control, stream ids) belongs to the
// engine; this type owns pool-visible state and request translation.
type h2Conn struct {
	baseConn
	nc net.Conn
	cc *http2.ClientConn
}

func newH2Conn(origin domain.Origin, nc net.Conn, t *http2.Transport, log *logger.StyledLogger) (*h2Conn, error) {
	c := &h2Conn{baseConn: newBaseConn(origin, domain.ProtocolH2, log)}
	wrapped := &activityConn{Conn: nc, owner: &c.baseConn}
	c.nc = wrapped

	cc, err := t.NewClientConn(wrapped)
	if err != nil {
		_ = nc.Close()
		return nil, &domain.ConnectError{Err: err, Origin: origin.String(), Op: "h2-preface"}
	}
	c.cc = cc
	c.markReady()
	return c, nil
}

func (c *h2Conn) MaxConcurrentStreams() int {
	if n := c.cc.State().MaxConcurrentStreams; n > 0 {
		return int(n)
	}
	return defaultH2MaxStreams
}

// State overlays the engine's view: a GOAWAY observed by the engine
// shows up here as Draining without any frame-level plumbing of ours.
func (c *h2Conn) State() domain.ConnState {
	st := c.cc.State()
	if st.Closed {
		return domain.StateClosed
	}
	if st.Closing {
		base := c.baseConn.State()
		if base != domain.StateClosed {
			return domain.StateDraining
		}
		return base
	}
	return c.baseConn.State()
}

func (c *h2Conn) Ping(ctx context.Context) error {
	err := c.cc.Ping(ctx)
	if err == nil {
		c.lastPing.Store(c.lastActivity.Load())
	}
	return err
}

func (c *h2Conn) Drain() {
	c.markDraining()
	go func() {
		_ = c.cc.Shutdown(context.Background())
	}()
}

func (c *h2Conn) Close(reason error) error {
	fn, won := c.markClosed(reason)
	if !won {
		return nil
	}
	err := c.cc.Close()
	_ = c.nc.Close()
	if fn != nil {
		fn(c, reason)
	}
	return err
}

func (c *h2Conn) Do(ctx context.Context, req *domain.Request) (ports.Exchange, error) {
	if !c.State().Acquirable() {
		return nil, &domain.ReadError{Err: domain.ErrConnDraining, Origin: c.origin.String()}
	}

	if req.ExtensionHint != "" {
		return c.doExtendedConnect(ctx, req)
	}

	httpReq, sentinel, err := c.buildRequest(ctx, req)
	if err != nil {
		return nil, err
	}

	resp, err := c.cc.RoundTrip(httpReq)
	if err != nil {
		return nil, c.classifyError(err, sentinel.Load())
	}

	ex := &h2Exchange{
		conn: c,
		head: headFromResponse(resp, domain.ProtocolH2),
		resp: resp,
		sent: true,
	}
	ex.body = &engineBody{ex: ex, r: resp.Body}
	return ex, nil
}

// doExtendedConnect maps a WebSocket upgrade onto RFC 8441 extended
// CONNECT: ":protocol" carries the upgrade token, the request body pipe
// is the client-to-server half of the tunnel.
func (c *h2Conn) doExtendedConnect(ctx context.Context, req *domain.Request) (ports.Exchange, error) {
	pr, pw := io.Pipe()

	httpReq := &http.Request{
		Method: http.MethodConnect,
		URL:    stripWSScheme(req.URL),
		Host:   req.URL.Host,
		Header: make(http.Header),
		Proto:  req.ExtensionHint, // becomes the :protocol pseudo-header
		Body:   pr,
	}
	req.Headers.Range(func(name, value string) bool {
		lower := strings.ToLower(name)
		if _, hop := hopByHopHeaders[lower]; hop {
			return true
		}
		// The handshake key is an H1 artifact; RFC 8441 drops it.
		if lower == "sec-websocket-key" {
			return true
		}
		httpReq.Header.Add(name, value)
		return true
	})

	resp, err := c.cc.RoundTrip(httpReq.WithContext(ctx))
	if err != nil {
		pw.CloseWithError(err)
		return nil, c.classifyError(err, true)
	}

	ex := &h2Exchange{
		conn:       c,
		head:       headFromResponse(resp, domain.ProtocolH2),
		resp:       resp,
		sent:       true,
		tunnelSend: pw,
	}
	ex.body = &engineBody{ex: ex, r: resp.Body}
	return ex, nil
}

func (c *h2Conn) buildRequest(ctx context.Context, req *domain.Request) (*http.Request, *atomic.Bool, error) {
	sentinel := &atomic.Bool{}
	sentinel.Store(true) // headers go out before RoundTrip can fail mid-stream

	httpReq := &http.Request{
		Method: req.Method,
		URL:    stripWSScheme(req.URL),
		Host:   req.URL.Host,
		Header: make(http.Header),
	}
	req.Headers.Range(func(name, value string) bool {
		if _, hop := hopByHopHeaders[strings.ToLower(name)]; hop {
			return true
		}
		httpReq.Header.Add(name, value)
		return true
	})

	if req.Body != nil {
		body, err := req.Body.Open()
		if err != nil {
			return nil, nil, &domain.WriteError{Err: err, Origin: c.origin.String()}
		}
		httpReq.Body = body
		httpReq.ContentLength = req.Body.Len()
	}

	return httpReq.WithContext(ctx), sentinel, nil
}

// classifyError maps engine failures onto the retry taxonomy. A GOAWAY
// that refused the stream means no request byte was accepted, which the
// retry controller treats as safely reschedulable.
func (c *h2Conn) classifyError(err error, sent bool) error {
	var goAway http2.GoAwayError
	if errors.As(err, &goAway) {
		c.markDraining()
		return &domain.ReadError{Err: err, Origin: c.origin.String(), RequestSent: false}
	}
	var connErr http2.ConnectionError
	if errors.As(err, &connErr) {
		return &domain.ReadError{Err: err, Origin: c.origin.String(), RequestSent: false}
	}
	var streamErr http2.StreamError
	if errors.As(err, &streamErr) {
		return &domain.ReadError{Err: err, Origin: c.origin.String(), RequestSent: true}
	}
	if errors.Is(err, context.Canceled) || errors.Is(err, context.DeadlineExceeded) {
		return err
	}
	return &domain.ReadError{Err: err, Origin: c.origin.String(), RequestSent: sent}
}

func stripWSScheme(u *url.URL) *url.URL {
	out := *u
	switch domain.Scheme(out.Scheme) {
	case domain.SchemeWS, domain.SchemeWSRFC8441:
		out.Scheme = string(domain.SchemeHTTP)
	case domain.SchemeWSS, domain.SchemeWSSRFC8441:
		out.Scheme = string(domain.SchemeHTTPS)
	}
	return &out
}

func headFromResponse(resp *http.Response, protocol domain.Protocol) *domain.ResponseHead {
	headers := domain.NewHeaders()
	// http.Header is unordered; iterate canonical keys deterministically
	names := make([]string, 0, len(resp.Header))
	for name := range resp.Header {
		names = append(names, name)
	}
	sort.Strings(names)
	for _, name := range names {
		for _, v := range resp.Header[name] {
			headers.Add(name, v)
		}
	}
	return &domain.ResponseHead{Status: resp.StatusCode, Protocol: protocol, Headers: headers}
}

// h2Exchange is one stream on a multiplexed connection.
type h2Exchange struct {
	conn       ports.Conn
	head       *domain.ResponseHead
	resp       *http.Response
	body       io.ReadCloser
	trailers   *domain.Headers
	sent       bool
	tunnelSend *io.PipeWriter
	settled    atomic.Bool
}

func (ex *h2Exchange) Head() *domain.ResponseHead { return ex.head }
func (ex *h2Exchange) Body() io.ReadCloser        { return ex.body }
func (ex *h2Exchange) Trailers() *domain.Headers  { return ex.trailers }
func (ex *h2Exchange) RequestSent() bool          { return ex.sent }

func (ex *h2Exchange) Cancel(reason error) {
	if ex.settled.CompareAndSwap(false, true) {
		// Closing the engine body sends RST_STREAM for the stream; the
		// connection itself stays healthy.
		_ = ex.resp.Body.Close()
		if ex.tunnelSend != nil {
			_ = ex.tunnelSend.CloseWithError(reason)
		}
	}
}

func (ex *h2Exchange) TakeOver() (io.ReadWriteCloser, error) {
	if ex.tunnelSend == nil {
		return nil, &domain.ProtocolViolationError{Reason: "stream is not an extended connect tunnel"}
	}
	ex.settled.Store(true)
	return &tunnelStream{r: ex.resp.Body, w: ex.tunnelSend}, nil
}

// tunnelStream glues the response body (server->client) and the request
// pipe (client->server) into one bidirectional stream.
type tunnelStream struct {
	r io.ReadCloser
	w *io.PipeWriter
}

func (t *tunnelStream) Read(p []byte) (int, error)  { return t.r.Read(p) }
func (t *tunnelStream) Write(p []byte) (int, error) { return t.w.Write(p) }

func (t *tunnelStream) Close() error {
	_ = t.w.Close()
	return t.r.Close()
}

// engineBody finalises the exchange on EOF or close and captures
// trailers the engine parsed.
type engineBody struct {
	ex *h2Exchange
	r  io.ReadCloser
}

func (b *engineBody) Read(p []byte) (int, error) {
	n, err := b.r.Read(p)
	if err != nil && errors.Is(err, io.EOF) {
		if len(b.ex.resp.Trailer) > 0 {
			trailers := domain.NewHeaders()
			for name, values := range b.ex.resp.Trailer {
				for _, v := range values {
					trailers.Add(name, v)
				}
			}
			b.ex.trailers = trailers
		}
		b.ex.settled.Store(true)
	}
	return n, err
}

func (b *engineBody) Close() error {
	b.ex.settled.Store(true)
	return b.r.Close()
}
