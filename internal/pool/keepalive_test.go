package pool

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"

	"github.com/ternhq/tern/internal/core/domain"
)

func kaPolicy() domain.KeepalivePolicy {
	return domain.KeepalivePolicy{
		IdleWindow: 30 * time.Second,
		Delay:      10 * time.Minute,
	}
}

// driveTo fast-forwards the scheduler clock and runs everything due.
func driveTo(s *KeepaliveScheduler, at time.Time) {
	s.now = func() time.Time { return at }
	s.runDue()
}

func TestKeepalivePingsAfterIdleWindow(t *testing.T) {
	s := NewKeepaliveScheduler(kaPolicy(), nil, nil)
	start := time.Now()
	s.now = func() time.Time { return start }

	conn := newFakeConn("c1", domain.ProtocolH2, 100)
	conn.activity = start.Add(-time.Minute)
	s.Arm(conn)

	// Before the window elapses nothing fires.
	driveTo(s, start.Add(10*time.Second))
	assert.Equal(t, 0, conn.pingCount)

	driveTo(s, start.Add(31*time.Second))
	assert.Equal(t, 1, conn.pingCount, "exactly one ping after the idle window")
	assert.NotEqual(t, domain.StateClosed, conn.State())
}

func TestKeepaliveTrafficResetsIdleTimer(t *testing.T) {
	s := NewKeepaliveScheduler(kaPolicy(), nil, nil)
	start := time.Now()
	s.now = func() time.Time { return start }

	conn := newFakeConn("c1", domain.ProtocolH2, 100)
	s.Arm(conn)

	// Traffic lands just before the ping is due.
	conn.mu.Lock()
	conn.activity = start.Add(29 * time.Second)
	conn.mu.Unlock()

	driveTo(s, start.Add(31*time.Second))
	assert.Equal(t, 0, conn.pingCount, "observed traffic defers the ping")

	driveTo(s, start.Add(60*time.Second))
	assert.Equal(t, 1, conn.pingCount)
}

func TestKeepalivePingFailureClosesConnection(t *testing.T) {
	s := NewKeepaliveScheduler(kaPolicy(), nil, nil)
	start := time.Now()
	s.now = func() time.Time { return start }

	conn := newFakeConn("c1", domain.ProtocolH2, 100)
	conn.activity = start.Add(-time.Minute)
	conn.pingErr = domain.ErrPingTimeout
	s.Arm(conn)

	driveTo(s, start.Add(31*time.Second))
	assert.Equal(t, domain.StateClosed, conn.State())
}

func TestKeepaliveIgnoresH1Connections(t *testing.T) {
	s := NewKeepaliveScheduler(kaPolicy(), nil, nil)
	conn := newFakeConn("c1", domain.ProtocolH1, 1)
	s.Arm(conn)

	s.mu.Lock()
	entries := len(s.entries)
	s.mu.Unlock()
	assert.Equal(t, 0, entries)
}

func TestKeepaliveDisarmStopsPinging(t *testing.T) {
	s := NewKeepaliveScheduler(kaPolicy(), nil, nil)
	start := time.Now()
	s.now = func() time.Time { return start }

	conn := newFakeConn("c1", domain.ProtocolH2, 100)
	conn.activity = start.Add(-time.Minute)
	s.Arm(conn)
	s.Disarm(conn)

	driveTo(s, start.Add(time.Minute))
	assert.Equal(t, 0, conn.pingCount)
}

func TestKeepaliveAcquiredConnectionSkipped(t *testing.T) {
	s := NewKeepaliveScheduler(kaPolicy(), nil, nil)
	start := time.Now()
	s.now = func() time.Time { return start }

	conn := newFakeConn("c1", domain.ProtocolH2, 100)
	conn.activity = start.Add(-time.Minute)
	s.Arm(conn)
	conn.SetPoolState(domain.StateActive)

	driveTo(s, start.Add(time.Minute))
	assert.Equal(t, 0, conn.pingCount, "active connections are never pinged")
}

func TestKeepaliveBestEffortPhaseAfterDelay(t *testing.T) {
	policy := kaPolicy()
	policy.Delay = time.Minute
	s := NewKeepaliveScheduler(policy, nil, nil)
	start := time.Now()
	s.now = func() time.Time { return start }

	conn := newFakeConn("c1", domain.ProtocolH2, 100)
	conn.activity = start.Add(-time.Hour)
	s.Arm(conn)

	// First window: a normal ping.
	driveTo(s, start.Add(31*time.Second))
	assert.Equal(t, 1, conn.pingCount)

	// Past the delay budget: pinging stops but the connection lives.
	driveTo(s, start.Add(2*time.Minute))
	assert.Equal(t, 1, conn.pingCount)
	assert.NotEqual(t, domain.StateClosed, conn.State())
}

func TestKeepaliveCloseWhenUnverified(t *testing.T) {
	policy := kaPolicy()
	policy.Delay = time.Minute
	policy.CloseWhenUnverified = true
	s := NewKeepaliveScheduler(policy, nil, nil)
	start := time.Now()
	s.now = func() time.Time { return start }

	conn := newFakeConn("c1", domain.ProtocolH2, 100)
	conn.activity = start.Add(-time.Hour)
	s.Arm(conn)

	driveTo(s, start.Add(31*time.Second))
	driveTo(s, start.Add(2*time.Minute))
	assert.Equal(t, domain.StateClosed, conn.State())
}
