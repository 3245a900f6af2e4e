// Package pool implements the per-origin connection pools and the
// manager that maps origins onto them. Pool state mutates under short
// critical sections covering bookkeeping only; connection I/O always
// happens outside them.
package pool

import (
	"context"
	"sync"
	"sync/atomic"
	"time"

	"golang.org/x/sync/semaphore"

	"github.com/ternhq/tern/internal/core/domain"
	"github.com/ternhq/tern/internal/core/ports"
	"github.com/ternhq/tern/internal/logger"
)

const (
	DefaultMaxConnsPerOrigin = 10
	DefaultMaxIdlePerOrigin  = 4
)

// Options tunes one per-origin pool.
type Options struct {
	MaxSize     int
	MaxIdle     int // H1 idle overflow cap
	BlockIfFull bool
}

func (o Options) withDefaults() Options {
	if o.MaxSize == 0 {
		o.MaxSize = DefaultMaxConnsPerOrigin
	}
	if o.MaxIdle == 0 {
		o.MaxIdle = DefaultMaxIdlePerOrigin
	}
	return o
}

// PerOriginPool is a bounded set of connections for one origin.
// Invariants: a connection is in at most one of {idle, active};
// idle+active never exceeds MaxSize; waiters queue FIFO and form when
// the pool is saturated or while its first connection is being dialed.
type PerOriginPool struct {
	origin    domain.Origin
	opts      Options
	dialer    ports.ConnDialer
	keepalive *KeepaliveScheduler
	globalSem *semaphore.Weighted
	stats     ports.StatsCollector
	logger    *logger.StyledLogger

	lastUsed atomic.Int64

	mu        sync.Mutex
	idle      []ports.Conn // LIFO; end of slice is the warmest
	active    map[ports.Conn]struct{}
	streams   map[ports.Conn]int
	dedicated map[ports.Conn]struct{}
	waiters   []chan struct{}
	pending   int // dials in flight, reserved against MaxSize
	closed    bool
}

func NewPerOriginPool(origin domain.Origin, dialer ports.ConnDialer, opts Options, ka *KeepaliveScheduler, sem *semaphore.Weighted, stats ports.StatsCollector, log *logger.StyledLogger) *PerOriginPool {
	if stats == nil {
		stats = ports.NopStats
	}
	if log == nil {
		log = logger.Discard()
	}
	p := &PerOriginPool{
		origin:    origin,
		opts:      opts.withDefaults(),
		dialer:    dialer,
		keepalive: ka,
		globalSem: sem,
		stats:     stats,
		logger:    log,
		active:    make(map[ports.Conn]struct{}),
		streams:   make(map[ports.Conn]int),
		dedicated: make(map[ports.Conn]struct{}),
	}
	p.touch()
	return p
}

func (p *PerOriginPool) Origin() domain.Origin { return p.origin }

func (p *PerOriginPool) touch() { p.lastUsed.Store(time.Now().UnixNano()) }

// LastUsed supports the manager's LRU eviction of empty pools.
func (p *PerOriginPool) LastUsed() time.Time { return time.Unix(0, p.lastUsed.Load()) }

// Acquire hands out a connection with free stream capacity, opening a
// new one when allowed, or queueing on the waiter list in blocking mode.
func (p *PerOriginPool) Acquire(ctx context.Context) (ports.Conn, error) {
	start := time.Now()
	p.touch()

	for {
		conn, action, waiter := p.tryAcquire()
		switch action {
		case acquired:
			p.stats.RecordAcquire(p.origin.Key(), true, time.Since(start))
			return conn, nil

		case dial:
			newConn, err := p.openConn(ctx)
			if err != nil {
				return nil, err
			}
			p.stats.RecordAcquire(p.origin.Key(), false, time.Since(start))
			return newConn, nil

		case full:
			return nil, &domain.PoolError{Err: domain.ErrPoolFull, Origin: p.origin.String()}

		case closed:
			return nil, &domain.PoolError{Err: domain.ErrPoolClosed, Origin: p.origin.String()}

		case wait:
			select {
			case <-waiter:
				// turn granted; loop and retry
			case <-ctx.Done():
				p.abandonWaiter(waiter)
				p.stats.RecordAcquireTimeout(p.origin.Key())
				return nil, &domain.TimeoutError{Err: ctx.Err(), Phase: "pool-wait", Elapsed: time.Since(start)}
			}
		}
	}
}

type acquireAction int

const (
	acquired acquireAction = iota
	dial
	full
	wait
	closed
)

// tryAcquire is the bookkeeping-only core of Acquire; it never blocks
// and never performs I/O.
func (p *PerOriginPool) tryAcquire() (ports.Conn, acquireAction, chan struct{}) {
	p.mu.Lock()
	defer p.mu.Unlock()

	if p.closed {
		return nil, closed, nil
	}

	// Multiplexed connections with spare streams are shared in place;
	// they only migrate to active when the last stream slot goes.
	if conn := p.bestMultiplexedLocked(); conn != nil {
		p.streams[conn]++
		if p.freeStreamsLocked(conn) == 0 {
			p.promoteLocked(conn)
		} else {
			// Capacity remains; pass the turn down the waiter queue.
			p.wakeOneLocked()
		}
		p.keepalive.Disarm(conn)
		conn.SetPoolState(domain.StateActive)
		return conn, acquired, nil
	}

	// Warmest H1 connection next (LIFO keeps TCP/TLS hot).
	for i := len(p.idle) - 1; i >= 0; i-- {
		conn := p.idle[i]
		if conn.Protocol().Multiplexed() {
			continue
		}
		p.idle = append(p.idle[:i], p.idle[i+1:]...)
		if !conn.State().Acquirable() {
			delete(p.streams, conn)
			go conn.Close(domain.ErrConnClosed)
			continue
		}
		p.active[conn] = struct{}{}
		p.streams[conn] = 1
		conn.SetPoolState(domain.StateActive)
		return conn, acquired, nil
	}

	// A dial already in flight may come back multiplexed with room for
	// everyone; piggyback on it instead of stampeding the origin.
	if p.sizeLocked() == 0 && p.pending > 0 {
		waiter := make(chan struct{}, 1)
		p.waiters = append(p.waiters, waiter)
		return nil, wait, waiter
	}

	if p.sizeLocked()+p.pending < p.opts.MaxSize {
		p.pending++
		return nil, dial, nil
	}

	if !p.opts.BlockIfFull {
		return nil, full, nil
	}

	waiter := make(chan struct{}, 1)
	p.waiters = append(p.waiters, waiter)
	return nil, wait, waiter
}

func (p *PerOriginPool) bestMultiplexedLocked() ports.Conn {
	var best ports.Conn
	bestFree := 0
	var bestActivity time.Time
	for _, conn := range p.idle {
		if !conn.Protocol().Multiplexed() || !conn.State().Acquirable() {
			continue
		}
		free := p.freeStreamsLocked(conn)
		if free <= 0 {
			continue
		}
		// Most free streams wins; freshest activity breaks ties.
		if free > bestFree || (free == bestFree && conn.LastActivity().After(bestActivity)) {
			best, bestFree, bestActivity = conn, free, conn.LastActivity()
		}
	}
	return best
}

func (p *PerOriginPool) freeStreamsLocked(conn ports.Conn) int {
	return conn.MaxConcurrentStreams() - p.streams[conn]
}

func (p *PerOriginPool) sizeLocked() int {
	return len(p.idle) + len(p.active)
}

func (p *PerOriginPool) promoteLocked(conn ports.Conn) {
	for i, c := range p.idle {
		if c == conn {
			p.idle = append(p.idle[:i], p.idle[i+1:]...)
			break
		}
	}
	p.active[conn] = struct{}{}
}

func (p *PerOriginPool) demoteLocked(conn ports.Conn) {
	if _, ok := p.active[conn]; ok {
		delete(p.active, conn)
		p.idle = append(p.idle, conn)
	}
}

func (p *PerOriginPool) openConn(ctx context.Context) (ports.Conn, error) {
	release := func() {}
	if p.globalSem != nil {
		if err := p.globalSem.Acquire(ctx, 1); err != nil {
			p.undoPending()
			return nil, &domain.TimeoutError{Err: err, Phase: "pool-wait"}
		}
		release = func() { p.globalSem.Release(1) }
	}

	conn, err := p.dialer.Dial(ctx, p.origin)
	if err != nil {
		release()
		p.undoPending()
		return nil, err
	}

	sem := release
	conn.OnClose(func(c ports.Conn, reason error) {
		p.handleClose(c, reason)
		sem()
	})

	p.mu.Lock()
	p.pending--
	if p.closed {
		p.mu.Unlock()
		_ = conn.Close(domain.ErrPoolClosed)
		return nil, &domain.PoolError{Err: domain.ErrPoolClosed, Origin: p.origin.String()}
	}
	p.streams[conn] = 1
	if conn.Protocol().Multiplexed() && p.freeStreamsLocked(conn) > 0 {
		p.idle = append(p.idle, conn)
	} else {
		p.active[conn] = struct{}{}
	}
	conn.SetPoolState(domain.StateActive)
	// Piggybacking waiters either share this connection or are now free
	// to dial their own.
	p.wakeOneLocked()
	p.mu.Unlock()

	p.stats.RecordConnOpened(p.origin.Key(), conn.Protocol().String())
	p.logger.DebugWithConn("connection opened", conn.ID(), "origin", p.origin.String(), "protocol", conn.Protocol().String())
	return conn, nil
}

func (p *PerOriginPool) undoPending() {
	p.mu.Lock()
	p.pending--
	p.wakeOneLocked()
	p.mu.Unlock()
}

// Release returns a borrowed connection. broken discards it and lets a
// waiter open a replacement.
func (p *PerOriginPool) Release(conn ports.Conn, broken bool) {
	p.touch()

	if broken {
		// handleClose does the bookkeeping via the close callback.
		_ = conn.Close(domain.ErrConnClosed)
		return
	}

	var closeOverflow []ports.Conn

	p.mu.Lock()
	if p.streams[conn] > 0 {
		p.streams[conn]--
	}

	if _, isDedicated := p.dedicated[conn]; isDedicated {
		p.mu.Unlock()
		return
	}

	healthy := conn.State().Acquirable()
	switch {
	case !healthy:
		p.mu.Unlock()
		_ = conn.Close(domain.ErrConnClosed)
		return

	case conn.Protocol().Multiplexed():
		if p.streams[conn] == 0 {
			p.demoteLocked(conn)
			conn.SetPoolState(domain.StateIdle)
			p.keepalive.Arm(conn)
		} else if p.freeStreamsLocked(conn) > 0 {
			p.demoteLocked(conn)
		}

	default: // H1
		delete(p.active, conn)
		delete(p.streams, conn)
		p.idle = append(p.idle, conn)
		conn.SetPoolState(domain.StateIdle)
		closeOverflow = p.trimIdleH1Locked()
	}

	p.wakeOneLocked()
	p.mu.Unlock()

	for _, c := range closeOverflow {
		_ = c.Close(domain.ErrConnClosed)
	}
}

// trimIdleH1Locked enforces MaxIdle over H1 connections, returning the
// oldest for closing outside the lock.
func (p *PerOriginPool) trimIdleH1Locked() []ports.Conn {
	h1 := 0
	for _, c := range p.idle {
		if !c.Protocol().Multiplexed() {
			h1++
		}
	}
	var out []ports.Conn
	for i := 0; i < len(p.idle) && h1 > p.opts.MaxIdle; {
		c := p.idle[i]
		if c.Protocol().Multiplexed() {
			i++
			continue
		}
		p.idle = append(p.idle[:i], p.idle[i+1:]...)
		delete(p.streams, c)
		out = append(out, c)
		h1--
	}
	return out
}

// Dedicate pins a connection to an extension after a protocol switch;
// it stops being acquirable until the extension lets go.
func (p *PerOriginPool) Dedicate(conn ports.Conn) {
	p.mu.Lock()
	p.dedicated[conn] = struct{}{}
	p.promoteLocked(conn)
	p.keepalive.Disarm(conn)
	p.mu.Unlock()
}

// Undedicate returns a multiplexed connection to circulation after the
// extension closed its stream.
func (p *PerOriginPool) Undedicate(conn ports.Conn) {
	p.mu.Lock()
	delete(p.dedicated, conn)
	p.mu.Unlock()
	p.Release(conn, !conn.State().Acquirable())
}

// DiscardBroken removes a faulted connection; the keepalive scheduler
// and error paths call this.
func (p *PerOriginPool) DiscardBroken(conn ports.Conn, reason error) {
	_ = conn.Close(reason)
}

// handleClose is the connection's non-owning back-reference into the
// pool, invoked exactly once per connection close.
func (p *PerOriginPool) handleClose(conn ports.Conn, reason error) {
	p.keepalive.Disarm(conn)

	p.mu.Lock()
	for i, c := range p.idle {
		if c == conn {
			p.idle = append(p.idle[:i], p.idle[i+1:]...)
			break
		}
	}
	delete(p.active, conn)
	delete(p.streams, conn)
	delete(p.dedicated, conn)
	p.wakeOneLocked()
	p.mu.Unlock()

	reasonText := "closed"
	if reason != nil {
		reasonText = reason.Error()
	}
	p.stats.RecordConnClosed(p.origin.Key(), reasonText)
}

func (p *PerOriginPool) wakeOneLocked() {
	for len(p.waiters) > 0 {
		w := p.waiters[0]
		p.waiters = p.waiters[1:]
		select {
		case w <- struct{}{}:
			return
		default:
			// waiter already abandoned its turn
		}
	}
}

func (p *PerOriginPool) abandonWaiter(waiter chan struct{}) {
	p.mu.Lock()
	for i, w := range p.waiters {
		if w == waiter {
			p.waiters = append(p.waiters[:i], p.waiters[i+1:]...)
			break
		}
	}
	p.mu.Unlock()

	// A turn may have landed concurrently with the deadline; pass it on.
	select {
	case <-waiter:
		p.mu.Lock()
		p.wakeOneLocked()
		p.mu.Unlock()
	default:
	}
}

// Empty reports whether the pool holds no connections at all; only
// empty pools are LRU-evictable.
func (p *PerOriginPool) Empty() bool {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.sizeLocked() == 0 && p.pending == 0
}

// Snapshot returns a point-in-time view for stats surfaces.
func (p *PerOriginPool) Snapshot() ports.PoolSnapshot {
	p.mu.Lock()
	defer p.mu.Unlock()
	inFlight := 0
	for _, n := range p.streams {
		inFlight += n
	}
	return ports.PoolSnapshot{
		Origin:    p.origin.String(),
		Idle:      len(p.idle),
		Active:    len(p.active),
		InFlight:  inFlight,
		Waiters:   len(p.waiters),
		MaxSize:   p.opts.MaxSize,
		Dedicated: len(p.dedicated),
	}
}

// Shutdown drains every connection and fails all waiters. In-flight
// streams finish; idle connections close immediately.
func (p *PerOriginPool) Shutdown() {
	p.mu.Lock()
	p.closed = true
	idle := make([]ports.Conn, len(p.idle))
	copy(idle, p.idle)
	active := make([]ports.Conn, 0, len(p.active))
	for c := range p.active {
		active = append(active, c)
	}
	waiters := p.waiters
	p.waiters = nil
	p.mu.Unlock()

	for _, w := range waiters {
		close(w)
	}
	for _, c := range idle {
		if p.streamCount(c) == 0 {
			_ = c.Close(domain.ErrPoolClosed)
		} else {
			c.Drain()
		}
	}
	for _, c := range active {
		c.Drain()
	}
}

func (p *PerOriginPool) streamCount(conn ports.Conn) int {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.streams[conn]
}
