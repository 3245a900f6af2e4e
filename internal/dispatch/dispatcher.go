package dispatch

import (
	"context"
	"io"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/ternhq/tern/internal/core/domain"
	"github.com/ternhq/tern/internal/core/ports"
	"github.com/ternhq/tern/internal/logger"
	"github.com/ternhq/tern/internal/pool"
	"github.com/ternhq/tern/internal/upgrade"
	"github.com/ternhq/tern/internal/util"
)

// Dispatcher is the top-level orchestrator: resolve origin, acquire a
// connection, send, read the head, release, and loop through the
// retry/redirect controllers until a response surfaces.
type Dispatcher struct {
	manager *pool.Manager
	stats   ports.StatsCollector
	logger  *logger.StyledLogger

	// sleep waits out a retry backoff, returning early when ctx ends
	sleep func(ctx context.Context, d time.Duration) error
}

func NewDispatcher(manager *pool.Manager, stats ports.StatsCollector, log *logger.StyledLogger) *Dispatcher {
	if stats == nil {
		stats = ports.NopStats
	}
	if log == nil {
		log = logger.Discard()
	}
	return &Dispatcher{
		manager: manager,
		stats:   stats,
		logger:  log,
		sleep:   sleepCtx,
	}
}

func sleepCtx(ctx context.Context, d time.Duration) error {
	if d <= 0 {
		return ctx.Err()
	}
	timer := time.NewTimer(d)
	defer timer.Stop()
	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-timer.C:
		return nil
	}
}

// Result is a dispatched response: the head, the body owned by the
// caller, and the release hook that returns the connection when the
// body is fully read or explicitly dropped.
type Result struct {
	Head      *domain.ResponseHead
	Body      io.ReadCloser
	Extension ports.Extension

	exchange ports.Exchange
	release  func(broken bool)
	once     sync.Once
}

// Trailers exposes trailer headers once the body is consumed.
func (r *Result) Trailers() *domain.Headers {
	if r.exchange == nil {
		return nil
	}
	return r.exchange.Trailers()
}

// ReleaseConn returns the connection to its pool without reading the
// rest of the body.
func (r *Result) ReleaseConn() {
	if r.Body != nil {
		_ = r.Body.Close()
	}
	r.settle(false)
}

func (r *Result) settle(broken bool) {
	r.once.Do(func() {
		if r.release != nil {
			r.release(broken)
		}
	})
}

// Do runs the dispatch loop for one request.
func (d *Dispatcher) Do(ctx context.Context, req *domain.Request) (*Result, error) {
	start := time.Now()
	if err := ctx.Err(); err != nil {
		return nil, &domain.TimeoutError{Err: err, Phase: "total"}
	}

	rlog := d.logger.With("request_id", uuid.NewString()[:8])

	cur, handshakeKey, err := d.prepare(req)
	if err != nil {
		return nil, err
	}

	var totalCancel context.CancelFunc = func() {}
	if req.Timeouts.Total > 0 {
		ctx, totalCancel = context.WithTimeoutCause(ctx, req.Timeouts.Total,
			&domain.TimeoutError{Phase: "total", Elapsed: req.Timeouts.Total})
	}

	policy := req.Retries
	attempt := 0

	for {
		attempt++

		origin, err := d.manager.OriginFor(cur.URL)
		if err != nil {
			totalCancel()
			return nil, err
		}

		rlog.Debug("dispatching attempt",
			"method", cur.Method,
			"url", cur.URL.String(),
			"origin", origin.String(),
			"attempt", attempt)

		result, dec, err := d.attempt(ctx, cur, origin, policy, attempt, handshakeKey, totalCancel, rlog)
		if result != nil {
			d.stats.RecordRequest(origin.Key(), result.Head.Status, time.Since(start))
			return result, nil
		}
		if err != nil {
			totalCancel()
			if ctxErr := ctx.Err(); ctxErr != nil {
				if cause, ok := context.Cause(ctx).(*domain.TimeoutError); ok {
					return nil, cause
				}
			}
			return nil, err
		}

		// dec demands another lap: retry or redirect.
		policy = dec.policy
		switch dec.action {
		case actionRedirect:
			next, redirErr := applyRedirect(cur, dec.head, policy)
			if redirErr != nil {
				totalCancel()
				return nil, redirErr
			}
			d.stats.RecordRedirect(origin.Key())
			rlog.Debug("following redirect", "status", dec.head.Status, "location", next.URL.String())
			cur = next

		case actionRetry:
			d.stats.RecordRetry(origin.Key(), dec.class)
			rlog.Debug("retrying request", "class", dec.class, "backoff", dec.backoff)
			if err := d.sleep(ctx, dec.backoff); err != nil {
				totalCancel()
				return nil, &domain.TimeoutError{Err: err, Phase: "total", Elapsed: time.Since(start)}
			}
		}
	}
}

// attempt runs exactly one acquire/send/read cycle. It returns either a
// final Result, a decision demanding another lap (as err == nil &&
// result == nil), or a terminal error.
func (d *Dispatcher) attempt(ctx context.Context, cur *domain.Request, origin domain.Origin, policy domain.RetryPolicy, attempt int, handshakeKey string, totalCancel context.CancelFunc, rlog *logger.StyledLogger) (*Result, decision, error) {
	acquireCtx := ctx
	var acquireCancel context.CancelFunc = func() {}
	if cur.Timeouts.Connect > 0 {
		acquireCtx, acquireCancel = context.WithTimeout(ctx, cur.Timeouts.Connect)
	}
	conn, pl, err := d.manager.Acquire(acquireCtx, origin)
	acquireCancel()
	if err != nil {
		dec := decide(cur, policy, attempt, err, nil, time.Now())
		if dec.action == actionRetry {
			return nil, dec, nil
		}
		return nil, dec, dec.err
	}

	attemptCtx := ctx
	var attemptCancel context.CancelFunc = func() {}
	if cur.Timeouts.Read > 0 {
		attemptCtx, attemptCancel = context.WithTimeout(ctx, cur.Timeouts.Read)
	}

	ex, err := conn.Do(attemptCtx, cur)
	if err != nil {
		attemptCancel()
		pl.Release(conn, connBroken(conn))
		dec := decide(cur, policy, attempt, err, nil, time.Now())
		if dec.action == actionRetry {
			return nil, dec, nil
		}
		return nil, dec, dec.err
	}

	head := ex.Head()

	if cur.ExtensionHint != "" && upgradeAccepted(head, conn) {
		result, err := d.finishUpgrade(conn, pl, ex, head, handshakeKey, attemptCancel, totalCancel)
		if err != nil {
			return nil, decision{}, err
		}
		rlog.InfoWithProtocol("protocol switch complete", conn.Protocol().String(), "status", head.Status)
		return result, decision{}, nil
	}

	dec := decide(cur, policy, attempt, nil, head, time.Now())
	dec.head = head

	switch dec.action {
	case actionReturn:
		result := &Result{
			Head:     head,
			exchange: ex,
		}
		release := func(broken bool) {
			pl.Release(conn, broken || connBroken(conn))
			attemptCancel()
			totalCancel()
		}
		result.release = release
		result.Body = &releaseBody{inner: ex.Body(), result: result}
		return result, dec, nil

	case actionSurface:
		d.drainAndRelease(ex, conn, pl)
		attemptCancel()
		return nil, dec, dec.err

	default: // another lap
		d.drainAndRelease(ex, conn, pl)
		attemptCancel()
		return nil, dec, nil
	}
}

func (d *Dispatcher) finishUpgrade(conn ports.Conn, pl *pool.PerOriginPool, ex ports.Exchange, head *domain.ResponseHead, handshakeKey string, cancels ...context.CancelFunc) (*Result, error) {
	if err := upgrade.VerifyHandshake(head, handshakeKey); err != nil {
		pl.Release(conn, true)
		return nil, err
	}

	rw, err := ex.TakeOver()
	if err != nil {
		pl.Release(conn, true)
		return nil, err
	}

	pl.Dedicate(conn)
	multiplexed := conn.Protocol().Multiplexed()
	ext := upgrade.NewWebSocket(rw, func() {
		for _, cancel := range cancels {
			cancel()
		}
		if multiplexed {
			// Closing the stream frees the connection for pooling again.
			pl.Undedicate(conn)
		} else {
			_ = conn.Close(nil)
		}
	})

	return &Result{
		Head:      head,
		Body:      io.NopCloser(&emptyReader{}),
		Extension: ext,
		release:   func(bool) {},
	}, nil
}

// upgradeAccepted matches the switch contract: 101 on H1, a 200 on an
// extended-CONNECT stream for multiplexed protocols.
func upgradeAccepted(head *domain.ResponseHead, conn ports.Conn) bool {
	if conn.Protocol().Multiplexed() {
		return head.Status == 200
	}
	return head.Status == 101
}

func connBroken(conn ports.Conn) bool {
	return !conn.State().Acquirable()
}

// drainAndRelease disposes of a response we will not surface, keeping
// the connection reusable when the protocol allows.
func (d *Dispatcher) drainAndRelease(ex ports.Exchange, conn ports.Conn, pl *pool.PerOriginPool) {
	body := ex.Body()
	if body != nil {
		_, _ = io.CopyN(io.Discard, body, 64<<10)
		_ = body.Close()
	}
	pl.Release(conn, connBroken(conn))
}

// prepare normalizes the URL and decorates upgrade requests.
func (d *Dispatcher) prepare(req *domain.Request) (*domain.Request, string, error) {
	scheme, err := domain.ParseScheme(req.URL.Scheme)
	if err != nil {
		return nil, "", err
	}

	cur := *req
	cur.URL = util.NormalizeURL(req.URL)
	if cur.Headers == nil {
		cur.Headers = domain.NewHeaders()
	} else {
		cur.Headers = req.Headers.Clone()
	}

	if !scheme.Upgrade() {
		return &cur, "", nil
	}

	if scheme == domain.SchemeWSRFC8441 {
		return nil, "", &domain.ProtocolViolationError{Reason: "ws+rfc8441 requires tls; extended connect is negotiated via alpn"}
	}

	cur.Method = "GET"
	cur.ExtensionHint = "websocket"

	if scheme.RequiresMultiplexed() {
		// RFC 8441 extended CONNECT has no key/accept exchange; the
		// transport layer rewrites the request onto a CONNECT stream.
		cur.Headers.Set("Sec-WebSocket-Version", "13")
		return &cur, "", nil
	}

	key, err := upgrade.ApplyHandshakeHeaders(cur.Headers, nil)
	if err != nil {
		return nil, "", err
	}
	return &cur, key, nil
}

type emptyReader struct{}

func (emptyReader) Read([]byte) (int, error) { return 0, io.EOF }

// releaseBody hands the connection back the moment the body is fully
// read; a failed read discards the connection instead.
type releaseBody struct {
	inner  io.ReadCloser
	result *Result
}

func (b *releaseBody) Read(p []byte) (int, error) {
	n, err := b.inner.Read(p)
	switch {
	case err == io.EOF:
		b.result.settle(false)
	case err != nil:
		b.result.settle(true)
	}
	return n, err
}

func (b *releaseBody) Close() error {
	err := b.inner.Close()
	b.result.settle(false)
	return err
}
