package transport

import (
	"net"
	"sync"
	"sync/atomic"
	"time"

	"github.com/google/uuid"

	"github.com/ternhq/tern/internal/core/domain"
	"github.com/ternhq/tern/internal/core/ports"
	"github.com/ternhq/tern/internal/logger"
)

// baseConn carries the lifecycle state machine and activity bookkeeping
// shared by all protocol variants.
type baseConn struct {
	id        string
	origin    domain.Origin
	protocol  domain.Protocol
	createdAt time.Time

	lastActivity atomic.Int64 // unix nanos
	lastPing     atomic.Int64

	mu          sync.Mutex
	state       domain.ConnState
	closeReason error
	onClose     func(ports.Conn, error)

	logger *logger.StyledLogger
}

func newBaseConn(origin domain.Origin, protocol domain.Protocol, log *logger.StyledLogger) baseConn {
	if log == nil {
		log = logger.Discard()
	}
	b := baseConn{
		id:        uuid.NewString()[:8],
		origin:    origin,
		protocol:  protocol,
		createdAt: time.Now(),
		state:     domain.StateConnecting,
		logger:    log,
	}
	b.touch()
	return b
}

func (b *baseConn) ID() string                { return b.id }
func (b *baseConn) Origin() domain.Origin     { return b.origin }
func (b *baseConn) Protocol() domain.Protocol { return b.protocol }

func (b *baseConn) State() domain.ConnState {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.state
}

func (b *baseConn) LastActivity() time.Time {
	return time.Unix(0, b.lastActivity.Load())
}

func (b *baseConn) touch() {
	b.lastActivity.Store(time.Now().UnixNano())
}

func (b *baseConn) OnClose(fn func(ports.Conn, error)) {
	b.mu.Lock()
	b.onClose = fn
	b.mu.Unlock()
}

// markReady transitions Connecting -> Idle after a successful handshake.
func (b *baseConn) markReady() {
	b.mu.Lock()
	if b.state == domain.StateConnecting {
		b.state = domain.StateIdle
	}
	b.mu.Unlock()
}

// SetPoolState moves between Idle and Active as the pool lends the
// connection out; no-op once draining or closed.
func (b *baseConn) SetPoolState(s domain.ConnState) {
	b.mu.Lock()
	if b.state == domain.StateIdle || b.state == domain.StateActive {
		b.state = s
	}
	b.mu.Unlock()
}

func (b *baseConn) markDraining() {
	b.mu.Lock()
	if b.state != domain.StateClosed {
		b.state = domain.StateDraining
	}
	b.mu.Unlock()
}

// markClosed flips to Closed exactly once and returns whether this call
// won; the winner runs transport teardown and the close callback.
func (b *baseConn) markClosed(reason error) (func(ports.Conn, error), bool) {
	b.mu.Lock()
	defer b.mu.Unlock()
	if b.state == domain.StateClosed {
		return nil, false
	}
	b.state = domain.StateClosed
	b.closeReason = reason
	return b.onClose, true
}

// activityConn wraps a net.Conn so every byte in either direction
// refreshes the owning connection's lastActivity.
type activityConn struct {
	net.Conn
	owner *baseConn
}

func (a *activityConn) Read(p []byte) (int, error) {
	n, err := a.Conn.Read(p)
	if n > 0 {
		a.owner.touch()
	}
	return n, err
}

func (a *activityConn) Write(p []byte) (int, error) {
	n, err := a.Conn.Write(p)
	if n > 0 {
		a.owner.touch()
	}
	return n, err
}
