package transport

import (
	"bufio"
	"context"
	"errors"
	"fmt"
	"io"
	"net"
	"net/textproto"
	"strconv"
	"strings"
	"sync/atomic"
	"time"

	"github.com/ternhq/tern/internal/core/domain"
	"github.com/ternhq/tern/internal/core/ports"
	"github.com/ternhq/tern/internal/logger"
)

// h1Conn speaks HTTP/1.1 over a single transport. It owns its framing
// rather than delegating to http.Transport because a successful upgrade
// must hand the raw byte stream to the extension, and http.Transport
// never surfaces it. At most one request is in flight at a time.
type h1Conn struct {
	baseConn
	nc net.Conn
	br *bufio.Reader
	bw *bufio.Writer

	busy            atomic.Bool
	closeAfterReply atomic.Bool

	// absoluteForm targets requests at a forward proxy (RFC 7230 §5.3.2)
	absoluteForm bool

	continueTimeout time.Duration
}

func newH1Conn(origin domain.Origin, nc net.Conn, continueTimeout time.Duration, log *logger.StyledLogger) *h1Conn {
	c := &h1Conn{
		baseConn:        newBaseConn(origin, domain.ProtocolH1, log),
		continueTimeout: continueTimeout,
	}
	wrapped := &activityConn{Conn: nc, owner: &c.baseConn}
	c.nc = wrapped
	c.br = bufio.NewReaderSize(wrapped, 16<<10)
	c.bw = bufio.NewWriterSize(wrapped, 16<<10)
	c.markReady()
	return c
}

func (c *h1Conn) MaxConcurrentStreams() int { return 1 }

func (c *h1Conn) Ping(ctx context.Context) error {
	// No protocol-level ping on HTTP/1.1; liveness is only observable
	// through requests.
	return nil
}

func (c *h1Conn) Drain() {
	c.markDraining()
	if !c.busy.Load() {
		_ = c.Close(domain.ErrConnDraining)
	}
}

func (c *h1Conn) Close(reason error) error {
	fn, won := c.markClosed(reason)
	if !won {
		return nil
	}
	err := c.nc.Close()
	if fn != nil {
		fn(c, reason)
	}
	return err
}

func (c *h1Conn) Do(ctx context.Context, req *domain.Request) (ports.Exchange, error) {
	if !c.State().Acquirable() {
		return nil, &domain.ReadError{Err: domain.ErrConnClosed, Origin: c.origin.String(), RequestSent: false}
	}
	if !c.busy.CompareAndSwap(false, true) {
		return nil, &domain.ProtocolViolationError{Reason: "http/1.1 connection already carrying a request"}
	}

	stop := context.AfterFunc(ctx, func() {
		// Unblocks any read or write; H1 has no clean cancel.
		_ = c.nc.SetDeadline(time.Unix(1, 0))
	})

	ex := &h1Exchange{conn: c, stopCancel: stop}

	if d, ok := ctx.Deadline(); ok {
		_ = c.nc.SetDeadline(d)
	} else {
		_ = c.nc.SetDeadline(time.Time{})
	}

	head, err := c.roundTrip(req, ex)
	if err != nil {
		stop()
		c.busy.Store(false)
		_ = c.Close(err)
		return nil, err
	}

	ex.head = head
	c.prepareBody(req, ex)
	return ex, nil
}

// roundTrip writes the request and reads the response head, handling
// Expect: 100-continue and informational responses.
func (c *h1Conn) roundTrip(req *domain.Request, ex *h1Exchange) (*domain.ResponseHead, error) {
	expectContinue := strings.EqualFold(req.Headers.Get("Expect"), "100-continue") && req.Body != nil

	if err := c.writeRequestHead(req); err != nil {
		return nil, &domain.WriteError{Err: err, Origin: c.origin.String()}
	}
	if err := c.bw.Flush(); err != nil {
		return nil, &domain.WriteError{Err: err, Origin: c.origin.String()}
	}
	ex.sent = true

	if expectContinue {
		// Wait for 100 up to the continue timeout; on timeout send the
		// body anyway.
		_ = c.nc.SetReadDeadline(time.Now().Add(c.continueTimeout))
		head, err := c.readResponseHead()
		switch {
		case err != nil && isTimeout(err):
			// fallthrough to body send
		case err != nil:
			return nil, &domain.ReadError{Err: err, Origin: c.origin.String(), RequestSent: true}
		case head.Status == 100:
			// proceed with the body
		default:
			// Final status before the body went out; the server
			// declined the payload.
			c.closeAfterReply.Store(true)
			return head, nil
		}
		_ = c.nc.SetReadDeadline(time.Time{})
	}

	if req.Body != nil {
		if err := c.writeBody(req); err != nil {
			return nil, err
		}
	}

	for {
		head, err := c.readResponseHead()
		if err != nil {
			return nil, &domain.ReadError{Err: err, Origin: c.origin.String(), RequestSent: true}
		}
		// 101 is the upgrade handoff, delivered as final; other 1xx are
		// interim and skipped.
		if head.Status >= 100 && head.Status < 200 && head.Status != 101 {
			continue
		}
		return head, nil
	}
}

func (c *h1Conn) writeRequestHead(req *domain.Request) error {
	target := req.URL.RequestURI()
	if c.absoluteForm {
		target = req.URL.String()
	}
	if _, err := fmt.Fprintf(c.bw, "%s %s HTTP/1.1\r\n", req.Method, target); err != nil {
		return err
	}

	if !req.Headers.Has("Host") {
		if _, err := fmt.Fprintf(c.bw, "Host: %s\r\n", req.URL.Host); err != nil {
			return err
		}
	}

	if req.Body != nil {
		if n := req.Body.Len(); n >= 0 {
			if !req.Headers.Has("Content-Length") {
				fmt.Fprintf(c.bw, "Content-Length: %d\r\n", n)
			}
		} else if !req.Headers.Has("Transfer-Encoding") {
			fmt.Fprintf(c.bw, "Transfer-Encoding: chunked\r\n")
		}
	}

	var werr error
	req.Headers.Range(func(name, value string) bool {
		if _, err := fmt.Fprintf(c.bw, "%s: %s\r\n", name, value); err != nil {
			werr = err
			return false
		}
		return true
	})
	if werr != nil {
		return werr
	}

	_, err := c.bw.WriteString("\r\n")
	return err
}

func (c *h1Conn) writeBody(req *domain.Request) error {
	body, err := req.Body.Open()
	if err != nil {
		return &domain.WriteError{Err: err, Origin: c.origin.String()}
	}
	defer body.Close()

	if req.Body.Len() >= 0 {
		if _, err := io.Copy(c.bw, body); err != nil {
			return &domain.WriteError{Err: err, Origin: c.origin.String()}
		}
	} else {
		cw := &chunkedWriter{w: c.bw}
		if _, err := io.Copy(cw, body); err != nil {
			return &domain.WriteError{Err: err, Origin: c.origin.String()}
		}
		if err := cw.Close(); err != nil {
			return &domain.WriteError{Err: err, Origin: c.origin.String()}
		}
	}
	if err := c.bw.Flush(); err != nil {
		return &domain.WriteError{Err: err, Origin: c.origin.String()}
	}
	return nil
}

func (c *h1Conn) readResponseHead() (*domain.ResponseHead, error) {
	tp := textproto.NewReader(c.br)
	line, err := tp.ReadLine()
	if err != nil {
		return nil, err
	}

	proto, rest, ok := strings.Cut(line, " ")
	if !ok || !strings.HasPrefix(proto, "HTTP/1.") {
		return nil, &domain.ProtocolViolationError{Reason: fmt.Sprintf("malformed status line %q", line)}
	}
	statusText, _, _ := strings.Cut(rest, " ")
	status, err := strconv.Atoi(statusText)
	if err != nil || status < 100 || status > 599 {
		return nil, &domain.ProtocolViolationError{Reason: fmt.Sprintf("malformed status %q", rest)}
	}

	headers, err := readHeaderBlock(tp)
	if err != nil {
		return nil, err
	}

	if strings.EqualFold(headers.Get("Connection"), "close") {
		c.closeAfterReply.Store(true)
	}

	return &domain.ResponseHead{Status: status, Protocol: domain.ProtocolH1, Headers: headers}, nil
}

// readHeaderBlock reads header lines into the ordered multimap;
// textproto.ReadMIMEHeader would canonicalise and lose ordering.
func readHeaderBlock(tp *textproto.Reader) (*domain.Headers, error) {
	headers := domain.NewHeaders()
	for {
		line, err := tp.ReadLine()
		if err != nil {
			return nil, err
		}
		if line == "" {
			return headers, nil
		}
		name, value, ok := strings.Cut(line, ":")
		if !ok {
			return nil, &domain.ProtocolViolationError{Reason: fmt.Sprintf("malformed header line %q", line)}
		}
		headers.Add(strings.TrimSpace(name), strings.TrimSpace(value))
	}
}

// prepareBody wires the response body reader per RFC 7230 message
// length rules.
func (c *h1Conn) prepareBody(req *domain.Request, ex *h1Exchange) {
	head := ex.head

	noBody := req.Method == "HEAD" || head.Status == 204 || head.Status == 304 || head.Status == 101
	if noBody {
		ex.body = &h1Body{conn: c, ex: ex, r: strings.NewReader("")}
		return
	}

	if strings.EqualFold(head.Headers.Get("Transfer-Encoding"), "chunked") {
		ex.body = &h1Body{conn: c, ex: ex, r: &chunkedReader{br: c.br, ex: ex}}
		return
	}

	if cl := head.Headers.Get("Content-Length"); cl != "" {
		if n, err := strconv.ParseInt(cl, 10, 64); err == nil && n >= 0 {
			ex.body = &h1Body{conn: c, ex: ex, r: io.LimitReader(c.br, n)}
			return
		}
	}

	// Length delimited by EOF; the connection cannot be reused.
	c.closeAfterReply.Store(true)
	ex.body = &h1Body{conn: c, ex: ex, r: c.br}
}

// h1Exchange is the single in-flight request/response on an H1 conn.
type h1Exchange struct {
	conn       *h1Conn
	head       *domain.ResponseHead
	body       io.ReadCloser
	trailers   *domain.Headers
	sent       bool
	settled    atomic.Bool
	takenOver  atomic.Bool
	stopCancel func() bool
}

func (ex *h1Exchange) Head() *domain.ResponseHead { return ex.head }
func (ex *h1Exchange) Body() io.ReadCloser        { return ex.body }
func (ex *h1Exchange) Trailers() *domain.Headers  { return ex.trailers }
func (ex *h1Exchange) RequestSent() bool          { return ex.sent }

func (ex *h1Exchange) Cancel(reason error) {
	if ex.settled.CompareAndSwap(false, true) {
		ex.stopCancel()
		ex.conn.busy.Store(false)
		_ = ex.conn.Close(reason)
	}
}

// settle ends the exchange. clean means the body was fully consumed and
// the connection may carry another request.
func (ex *h1Exchange) settle(clean bool, cause error) {
	if !ex.settled.CompareAndSwap(false, true) {
		return
	}
	ex.stopCancel()
	_ = ex.conn.nc.SetDeadline(time.Time{})
	ex.conn.busy.Store(false)

	if !clean || ex.conn.closeAfterReply.Load() {
		if cause == nil {
			cause = domain.ErrConnClosed
		}
		_ = ex.conn.Close(cause)
		return
	}
	if ex.conn.State() == domain.StateDraining {
		_ = ex.conn.Close(domain.ErrConnDraining)
	}
}

func (ex *h1Exchange) TakeOver() (io.ReadWriteCloser, error) {
	if !ex.takenOver.CompareAndSwap(false, true) {
		return nil, &domain.ProtocolViolationError{Reason: "stream already taken over"}
	}
	ex.settled.Store(true)
	ex.stopCancel()
	_ = ex.conn.nc.SetDeadline(time.Time{})
	return &takenConn{r: ex.conn.br, c: ex.conn}, nil
}

// takenConn is the detached byte stream after an upgrade: reads drain
// the buffered reader first, writes go straight to the transport.
type takenConn struct {
	r *bufio.Reader
	c *h1Conn
}

func (t *takenConn) Read(p []byte) (int, error)  { return t.r.Read(p) }
func (t *takenConn) Write(p []byte) (int, error) { return t.c.nc.Write(p) }
func (t *takenConn) Close() error                { return t.c.Close(nil) }

// h1Body tracks full consumption so the connection can be reused, and
// parses trailers after a chunked body.
type h1Body struct {
	conn   *h1Conn
	ex     *h1Exchange
	r      io.Reader
	closed atomic.Bool
}

func (b *h1Body) Read(p []byte) (int, error) {
	n, err := b.r.Read(p)
	if lr, ok := b.r.(*io.LimitedReader); ok && err == io.EOF && lr.N > 0 {
		// The peer closed before Content-Length bytes arrived.
		err = io.ErrUnexpectedEOF
	}
	if err != nil {
		if errors.Is(err, io.EOF) {
			b.ex.settle(true, nil)
		} else {
			b.ex.settle(false, err)
			err = &domain.ReadError{Err: err, Origin: b.conn.origin.String(), RequestSent: true}
		}
	}
	return n, err
}

func (b *h1Body) Close() error {
	if !b.closed.CompareAndSwap(false, true) {
		return nil
	}
	// Closing without draining leaves unread bytes on the wire; the
	// connection cannot be reused.
	if !b.ex.settled.Load() {
		// Small bodies get drained so warm connections survive an
		// unread close.
		if _, err := io.CopyN(io.Discard, b.r, 32<<10); errors.Is(err, io.EOF) {
			b.ex.settle(true, nil)
			return nil
		}
		b.ex.settle(false, domain.ErrConnClosed)
	}
	return nil
}

type chunkedWriter struct {
	w *bufio.Writer
}

func (cw *chunkedWriter) Write(p []byte) (int, error) {
	if len(p) == 0 {
		return 0, nil
	}
	if _, err := fmt.Fprintf(cw.w, "%x\r\n", len(p)); err != nil {
		return 0, err
	}
	if _, err := cw.w.Write(p); err != nil {
		return 0, err
	}
	if _, err := cw.w.WriteString("\r\n"); err != nil {
		return 0, err
	}
	return len(p), nil
}

func (cw *chunkedWriter) Close() error {
	_, err := cw.w.WriteString("0\r\n\r\n")
	return err
}

// chunkedReader decodes a chunked body and captures trailers into the
// exchange after the terminal chunk.
type chunkedReader struct {
	br   *bufio.Reader
	ex   *h1Exchange
	n    int64 // bytes left in current chunk
	done bool
}

func (cr *chunkedReader) Read(p []byte) (int, error) {
	if cr.done {
		return 0, io.EOF
	}
	if cr.n == 0 {
		if err := cr.nextChunk(); err != nil {
			return 0, err
		}
		if cr.done {
			return 0, io.EOF
		}
	}
	if int64(len(p)) > cr.n {
		p = p[:cr.n]
	}
	n, err := cr.br.Read(p)
	cr.n -= int64(n)
	if cr.n == 0 && err == nil {
		err = cr.discardCRLF()
	}
	return n, err
}

func (cr *chunkedReader) nextChunk() error {
	tp := textproto.NewReader(cr.br)
	line, err := tp.ReadLine()
	if err != nil {
		return err
	}
	sizeText, _, _ := strings.Cut(line, ";") // chunk extensions ignored
	size, err := strconv.ParseInt(strings.TrimSpace(sizeText), 16, 64)
	if err != nil || size < 0 {
		return &domain.ProtocolViolationError{Reason: fmt.Sprintf("malformed chunk size %q", line)}
	}
	if size == 0 {
		trailers, err := readHeaderBlock(tp)
		if err != nil {
			return err
		}
		if trailers.Len() > 0 {
			cr.ex.trailers = trailers
		}
		cr.done = true
		return nil
	}
	cr.n = size
	return nil
}

func (cr *chunkedReader) discardCRLF() error {
	var crlf [2]byte
	if _, err := io.ReadFull(cr.br, crlf[:]); err != nil {
		return err
	}
	if crlf[0] != '\r' || crlf[1] != '\n' {
		return &domain.ProtocolViolationError{Reason: "missing chunk terminator"}
	}
	return nil
}

func isTimeout(err error) bool {
	var ne net.Error
	return errors.As(err, &ne) && ne.Timeout()
}
