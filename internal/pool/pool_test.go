package pool

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/ternhq/tern/internal/core/domain"
	"github.com/ternhq/tern/internal/core/ports"
)

// fakeConn implements ports.Conn without any transport underneath.
type fakeConn struct {
	id         string
	origin     domain.Origin
	protocol   domain.Protocol
	maxStreams int

	mu       sync.Mutex
	state    domain.ConnState
	onClose  func(ports.Conn, error)
	closed   bool
	activity time.Time

	pingErr   error
	pingCount int
}

func newFakeConn(id string, protocol domain.Protocol, maxStreams int) *fakeConn {
	return &fakeConn{
		id:         id,
		protocol:   protocol,
		maxStreams: maxStreams,
		state:      domain.StateIdle,
		activity:   time.Now(),
	}
}

func (f *fakeConn) ID() string                { return f.id }
func (f *fakeConn) Origin() domain.Origin     { return f.origin }
func (f *fakeConn) Protocol() domain.Protocol { return f.protocol }

func (f *fakeConn) State() domain.ConnState {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.state
}

func (f *fakeConn) MaxConcurrentStreams() int { return f.maxStreams }

func (f *fakeConn) LastActivity() time.Time {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.activity
}

func (f *fakeConn) Do(context.Context, *domain.Request) (ports.Exchange, error) {
	return nil, errors.New("fakeConn does not dispatch")
}

func (f *fakeConn) Ping(context.Context) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.pingCount++
	return f.pingErr
}

func (f *fakeConn) Drain() {
	f.mu.Lock()
	if f.state != domain.StateClosed {
		f.state = domain.StateDraining
	}
	f.mu.Unlock()
}

func (f *fakeConn) Close(reason error) error {
	f.mu.Lock()
	if f.closed {
		f.mu.Unlock()
		return nil
	}
	f.closed = true
	f.state = domain.StateClosed
	fn := f.onClose
	f.mu.Unlock()
	if fn != nil {
		fn(f, reason)
	}
	return nil
}

func (f *fakeConn) OnClose(fn func(ports.Conn, error)) {
	f.mu.Lock()
	f.onClose = fn
	f.mu.Unlock()
}

func (f *fakeConn) SetPoolState(s domain.ConnState) {
	f.mu.Lock()
	if f.state == domain.StateIdle || f.state == domain.StateActive {
		f.state = s
	}
	f.mu.Unlock()
}

// fakeDialer vends fakeConns in order.
type fakeDialer struct {
	mu       sync.Mutex
	protocol domain.Protocol
	maxConc  int
	dialed   int
	dialErr  error
}

func (d *fakeDialer) Dial(ctx context.Context, origin domain.Origin) (ports.Conn, error) {
	d.mu.Lock()
	defer d.mu.Unlock()
	if d.dialErr != nil {
		return nil, d.dialErr
	}
	d.dialed++
	conn := newFakeConn(fmt.Sprintf("conn-%d", d.dialed), d.protocol, d.maxConc)
	conn.origin = origin
	return conn, nil
}

func (d *fakeDialer) count() int {
	d.mu.Lock()
	defer d.mu.Unlock()
	return d.dialed
}

func testOrigin() domain.Origin {
	return domain.Origin{Scheme: domain.SchemeHTTP, Host: "example.org", Port: 80}
}

func newTestPool(t *testing.T, dialer ports.ConnDialer, opts Options) *PerOriginPool {
	t.Helper()
	ka := NewKeepaliveScheduler(domain.DefaultKeepalivePolicy(), nil, nil)
	p := NewPerOriginPool(testOrigin(), dialer, opts, ka, nil, nil, nil)
	t.Cleanup(p.Shutdown)
	return p
}

func TestAcquireOpensAndReusesH1Connection(t *testing.T) {
	dialer := &fakeDialer{protocol: domain.ProtocolH1, maxConc: 1}
	p := newTestPool(t, dialer, Options{MaxSize: 2})

	conn, err := p.Acquire(context.Background())
	require.NoError(t, err)
	assert.Equal(t, 1, dialer.count())

	p.Release(conn, false)

	again, err := p.Acquire(context.Background())
	require.NoError(t, err)
	assert.Same(t, conn, again, "warm connection should be reused")
	assert.Equal(t, 1, dialer.count())
}

func TestH1NeverCarriesTwoStreams(t *testing.T) {
	dialer := &fakeDialer{protocol: domain.ProtocolH1, maxConc: 1}
	p := newTestPool(t, dialer, Options{MaxSize: 4})

	first, err := p.Acquire(context.Background())
	require.NoError(t, err)
	second, err := p.Acquire(context.Background())
	require.NoError(t, err)

	assert.NotSame(t, first, second)
	assert.Equal(t, 2, dialer.count())
}

func TestMultiplexedConnectionSharedUntilSaturated(t *testing.T) {
	dialer := &fakeDialer{protocol: domain.ProtocolH2, maxConc: 3}
	p := newTestPool(t, dialer, Options{MaxSize: 4})

	conns := make([]ports.Conn, 0, 3)
	for i := 0; i < 3; i++ {
		c, err := p.Acquire(context.Background())
		require.NoError(t, err)
		conns = append(conns, c)
	}

	assert.Equal(t, 1, dialer.count(), "three streams fit one connection")
	assert.Same(t, conns[0], conns[1])
	assert.Same(t, conns[1], conns[2])

	// Saturated: the fourth borrower forces a second connection.
	c4, err := p.Acquire(context.Background())
	require.NoError(t, err)
	assert.NotSame(t, conns[0], c4)
	assert.Equal(t, 2, dialer.count())
}

func TestPoolSizeBoundHolds(t *testing.T) {
	dialer := &fakeDialer{protocol: domain.ProtocolH1, maxConc: 1}
	p := newTestPool(t, dialer, Options{MaxSize: 2, BlockIfFull: false})

	c1, err := p.Acquire(context.Background())
	require.NoError(t, err)
	_, err = p.Acquire(context.Background())
	require.NoError(t, err)

	_, err = p.Acquire(context.Background())
	var poolErr *domain.PoolError
	require.ErrorAs(t, err, &poolErr)
	assert.ErrorIs(t, err, domain.ErrPoolFull)

	snap := p.Snapshot()
	assert.LessOrEqual(t, snap.Idle+snap.Active, snap.MaxSize)

	p.Release(c1, false)
	_, err = p.Acquire(context.Background())
	assert.NoError(t, err)
}

func TestBlockingAcquireWaitsForRelease(t *testing.T) {
	dialer := &fakeDialer{protocol: domain.ProtocolH1, maxConc: 1}
	p := newTestPool(t, dialer, Options{MaxSize: 1, BlockIfFull: true})

	conn, err := p.Acquire(context.Background())
	require.NoError(t, err)

	got := make(chan ports.Conn, 1)
	go func() {
		c, err := p.Acquire(context.Background())
		if err == nil {
			got <- c
		}
	}()

	select {
	case <-got:
		t.Fatal("acquire should block while the pool is saturated")
	case <-time.After(50 * time.Millisecond):
	}

	p.Release(conn, false)

	select {
	case c := <-got:
		assert.Same(t, conn, c)
	case <-time.After(time.Second):
		t.Fatal("waiter never woke")
	}
}

func TestBlockingAcquireHonoursDeadline(t *testing.T) {
	dialer := &fakeDialer{protocol: domain.ProtocolH1, maxConc: 1}
	p := newTestPool(t, dialer, Options{MaxSize: 1, BlockIfFull: true})

	_, err := p.Acquire(context.Background())
	require.NoError(t, err)

	ctx, cancel := context.WithTimeout(context.Background(), 30*time.Millisecond)
	defer cancel()

	_, err = p.Acquire(ctx)
	var timeoutErr *domain.TimeoutError
	require.ErrorAs(t, err, &timeoutErr)
	assert.Equal(t, "pool-wait", timeoutErr.Phase)
}

func TestBrokenReleaseDiscardsConnection(t *testing.T) {
	dialer := &fakeDialer{protocol: domain.ProtocolH1, maxConc: 1}
	p := newTestPool(t, dialer, Options{MaxSize: 2})

	conn, err := p.Acquire(context.Background())
	require.NoError(t, err)

	p.Release(conn, true)
	assert.Equal(t, domain.StateClosed, conn.State())

	snap := p.Snapshot()
	assert.Equal(t, 0, snap.Idle+snap.Active)

	// The replacement is a fresh dial, never the faulted connection.
	again, err := p.Acquire(context.Background())
	require.NoError(t, err)
	assert.NotSame(t, conn, again)
}

func TestClosedConnectionNeverReacquired(t *testing.T) {
	dialer := &fakeDialer{protocol: domain.ProtocolH1, maxConc: 1}
	p := newTestPool(t, dialer, Options{MaxSize: 2})

	conn, err := p.Acquire(context.Background())
	require.NoError(t, err)
	p.Release(conn, false)

	// Dies while idle (peer reset, keepalive failure).
	_ = conn.Close(domain.ErrPingTimeout)

	again, err := p.Acquire(context.Background())
	require.NoError(t, err)
	assert.NotSame(t, conn, again)
}

func TestBrokenReleaseWakesWaiter(t *testing.T) {
	dialer := &fakeDialer{protocol: domain.ProtocolH1, maxConc: 1}
	p := newTestPool(t, dialer, Options{MaxSize: 1, BlockIfFull: true})

	conn, err := p.Acquire(context.Background())
	require.NoError(t, err)

	got := make(chan ports.Conn, 1)
	errCh := make(chan error, 1)
	go func() {
		c, err := p.Acquire(context.Background())
		if err != nil {
			errCh <- err
			return
		}
		got <- c
	}()

	time.Sleep(20 * time.Millisecond)
	p.Release(conn, true)

	select {
	case c := <-got:
		assert.NotSame(t, conn, c, "waiter must get a fresh dial after a broken release")
	case err := <-errCh:
		t.Fatalf("waiter failed: %v", err)
	case <-time.After(time.Second):
		t.Fatal("waiter never woke after broken release")
	}
}

func TestIdleH1OverflowClosed(t *testing.T) {
	dialer := &fakeDialer{protocol: domain.ProtocolH1, maxConc: 1}
	p := newTestPool(t, dialer, Options{MaxSize: 8, MaxIdle: 2})

	conns := make([]ports.Conn, 0, 4)
	for i := 0; i < 4; i++ {
		c, err := p.Acquire(context.Background())
		require.NoError(t, err)
		conns = append(conns, c)
	}
	for _, c := range conns {
		p.Release(c, false)
	}

	snap := p.Snapshot()
	assert.Equal(t, 2, snap.Idle)
	// The oldest two went away.
	assert.Equal(t, domain.StateClosed, conns[0].State())
	assert.Equal(t, domain.StateClosed, conns[1].State())
	assert.NotEqual(t, domain.StateClosed, conns[3].State())
}

func TestShutdownFailsWaitersAndNewAcquires(t *testing.T) {
	dialer := &fakeDialer{protocol: domain.ProtocolH1, maxConc: 1}
	ka := NewKeepaliveScheduler(domain.DefaultKeepalivePolicy(), nil, nil)
	p := NewPerOriginPool(testOrigin(), dialer, Options{MaxSize: 1, BlockIfFull: true}, ka, nil, nil, nil)

	_, err := p.Acquire(context.Background())
	require.NoError(t, err)

	errCh := make(chan error, 1)
	go func() {
		_, err := p.Acquire(context.Background())
		errCh <- err
	}()
	time.Sleep(20 * time.Millisecond)

	p.Shutdown()

	select {
	case err := <-errCh:
		require.Error(t, err)
		assert.ErrorIs(t, err, domain.ErrPoolClosed)
	case <-time.After(time.Second):
		t.Fatal("waiter not released on shutdown")
	}

	_, err = p.Acquire(context.Background())
	assert.ErrorIs(t, err, domain.ErrPoolClosed)
}

func TestConcurrentAcquireReleaseKeepsInvariants(t *testing.T) {
	dialer := &fakeDialer{protocol: domain.ProtocolH1, maxConc: 1}
	p := newTestPool(t, dialer, Options{MaxSize: 4, BlockIfFull: true})

	var wg sync.WaitGroup
	for i := 0; i < 32; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
			defer cancel()
			conn, err := p.Acquire(ctx)
			if err != nil {
				return
			}
			time.Sleep(time.Millisecond)
			p.Release(conn, false)
		}()
	}
	wg.Wait()

	snap := p.Snapshot()
	assert.LessOrEqual(t, snap.Idle+snap.Active, 4)
	assert.Equal(t, 0, snap.Waiters)
	assert.LessOrEqual(t, dialer.count(), 4)
}
