package pool

import (
	"container/heap"
	"context"
	"sync"
	"time"

	"github.com/ternhq/tern/internal/core/domain"
	"github.com/ternhq/tern/internal/core/ports"
	"github.com/ternhq/tern/internal/logger"
)

// Heap-ordered schedule of pending liveness checks
type scheduledPing struct {
	conn      ports.Conn
	dueTime   time.Time
	idleSince time.Time
	disarmed  bool
	index     int
}

type pingHeap []*scheduledPing

func (h pingHeap) Len() int           { return len(h) }
func (h pingHeap) Less(i, j int) bool { return h[i].dueTime.Before(h[j].dueTime) }
func (h pingHeap) Swap(i, j int) {
	h[i], h[j] = h[j], h[i]
	h[i].index = i
	h[j].index = j
}

func (h *pingHeap) Push(x interface{}) {
	entry := x.(*scheduledPing)
	entry.index = len(*h)
	*h = append(*h, entry)
}

func (h *pingHeap) Pop() interface{} {
	old := *h
	n := len(old)
	item := old[n-1]
	*h = old[0 : n-1]
	return item
}

// KeepaliveScheduler sends liveness pings on idle multiplexed
// connections. One schedule entry exists per idle connection, armed
// when the connection goes idle and disarmed on acquisition. Observed
// traffic pushes the ping out; a missed ACK closes the connection.
type KeepaliveScheduler struct {
	policy domain.KeepalivePolicy
	stats  ports.StatsCollector
	logger *logger.StyledLogger

	mu      sync.Mutex
	entries map[ports.Conn]*scheduledPing
	heap    pingHeap
	running bool

	wakeCh chan struct{}
	stopCh chan struct{}

	// swapped out by tests
	now func() time.Time
}

func NewKeepaliveScheduler(policy domain.KeepalivePolicy, stats ports.StatsCollector, log *logger.StyledLogger) *KeepaliveScheduler {
	if stats == nil {
		stats = ports.NopStats
	}
	if log == nil {
		log = logger.Discard()
	}
	s := &KeepaliveScheduler{
		policy:  policy.Normalized(),
		stats:   stats,
		logger:  log,
		entries: make(map[ports.Conn]*scheduledPing),
		wakeCh:  make(chan struct{}, 1),
		stopCh:  make(chan struct{}),
		now:     time.Now,
	}
	heap.Init(&s.heap)
	return s
}

// Start launches the scheduler loop. Safe to call once.
func (s *KeepaliveScheduler) Start() {
	s.mu.Lock()
	if s.running {
		s.mu.Unlock()
		return
	}
	s.running = true
	s.mu.Unlock()
	go s.loop()
}

func (s *KeepaliveScheduler) Stop() {
	s.mu.Lock()
	if !s.running {
		s.mu.Unlock()
		return
	}
	s.running = false
	s.mu.Unlock()
	close(s.stopCh)
}

// Arm schedules pings for a connection entering idle. Pings only make
// sense on multiplexed protocols; H1 connections are ignored.
func (s *KeepaliveScheduler) Arm(conn ports.Conn) {
	if conn == nil || !conn.Protocol().Multiplexed() {
		return
	}

	now := s.now()
	s.mu.Lock()
	if old, ok := s.entries[conn]; ok {
		old.disarmed = true
	}
	entry := &scheduledPing{
		conn:      conn,
		dueTime:   now.Add(s.policy.IdleWindow),
		idleSince: now,
	}
	s.entries[conn] = entry
	heap.Push(&s.heap, entry)
	s.mu.Unlock()

	s.wake()
}

// Disarm cancels the scheduled ping when the connection is acquired or
// closed. Removal from the heap is lazy.
func (s *KeepaliveScheduler) Disarm(conn ports.Conn) {
	s.mu.Lock()
	if entry, ok := s.entries[conn]; ok {
		entry.disarmed = true
		delete(s.entries, conn)
	}
	s.mu.Unlock()
}

func (s *KeepaliveScheduler) wake() {
	select {
	case s.wakeCh <- struct{}{}:
	default:
	}
}

func (s *KeepaliveScheduler) loop() {
	timer := time.NewTimer(time.Hour)
	defer timer.Stop()

	for {
		next := s.nextDue()

		if next.IsZero() {
			timer.Reset(time.Hour)
		} else if wait := next.Sub(s.now()); wait > 0 {
			timer.Reset(wait)
		} else {
			timer.Reset(0)
		}

		select {
		case <-s.stopCh:
			return
		case <-s.wakeCh:
			continue
		case <-timer.C:
			s.runDue()
		}
	}
}

func (s *KeepaliveScheduler) nextDue() time.Time {
	s.mu.Lock()
	defer s.mu.Unlock()
	for len(s.heap) > 0 && s.heap[0].disarmed {
		heap.Pop(&s.heap)
	}
	if len(s.heap) == 0 {
		return time.Time{}
	}
	return s.heap[0].dueTime
}

func (s *KeepaliveScheduler) runDue() {
	now := s.now()

	var due []*scheduledPing
	s.mu.Lock()
	for len(s.heap) > 0 {
		entry := s.heap[0]
		if entry.disarmed {
			heap.Pop(&s.heap)
			continue
		}
		if entry.dueTime.After(now) {
			break
		}
		heap.Pop(&s.heap)
		due = append(due, entry)
	}
	s.mu.Unlock()

	for _, entry := range due {
		s.check(entry, now)
	}
}

func (s *KeepaliveScheduler) check(entry *scheduledPing, now time.Time) {
	conn := entry.conn

	if conn.State() != domain.StateIdle {
		s.Disarm(conn)
		return
	}

	// Traffic since the entry was scheduled pushes the ping out.
	if silence := now.Sub(conn.LastActivity()); silence < s.policy.IdleWindow {
		s.reschedule(entry, conn.LastActivity().Add(s.policy.IdleWindow))
		return
	}

	// Ping budget spent: the connection enters the best-effort phase.
	// It stays acquirable unless the policy says otherwise; liveness is
	// no longer verified.
	if s.policy.Delay > 0 && now.Sub(entry.idleSince) > s.policy.Delay {
		s.Disarm(conn)
		if s.policy.CloseWhenUnverified {
			s.logger.DebugWithConn("closing unverifiable idle connection", conn.ID())
			_ = conn.Close(domain.ErrPingTimeout)
		}
		return
	}

	ctx, cancel := context.WithTimeout(context.Background(), s.policy.IdleWindow)
	err := conn.Ping(ctx)
	cancel()

	if err != nil {
		s.stats.RecordKeepalivePing(conn.Origin().Key(), false)
		s.logger.DebugWithConn("keepalive ping failed, closing connection", conn.ID(), "error", err)
		s.Disarm(conn)
		_ = conn.Close(domain.ErrPingTimeout)
		return
	}

	s.stats.RecordKeepalivePing(conn.Origin().Key(), true)
	s.reschedule(entry, s.now().Add(s.policy.IdleWindow))
}

func (s *KeepaliveScheduler) reschedule(old *scheduledPing, due time.Time) {
	conn := old.conn
	s.mu.Lock()
	if existing, ok := s.entries[conn]; ok && existing != old {
		// rearmed concurrently; the newer schedule wins
		s.mu.Unlock()
		return
	}
	entry := &scheduledPing{conn: conn, dueTime: due, idleSince: old.idleSince}
	s.entries[conn] = entry
	heap.Push(&s.heap, entry)
	s.mu.Unlock()
	s.wake()
}
