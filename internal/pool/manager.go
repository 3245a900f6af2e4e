package pool

import (
	"context"
	"net/url"
	"os"
	"strings"
	"time"

	"github.com/puzpuzpuz/xsync/v4"
	"golang.org/x/net/http/httpproxy"
	"golang.org/x/sync/semaphore"

	"github.com/ternhq/tern/internal/core/domain"
	"github.com/ternhq/tern/internal/core/ports"
	"github.com/ternhq/tern/internal/logger"
	"github.com/ternhq/tern/internal/util"
)

const (
	DefaultNumPools = 10

	EnvAllProxy = "ALL_PROXY"
)

// TLSIdentity supplies the profile hash folded into origin keys.
type TLSIdentity interface {
	Hash() string
}

// ManagerConfig tunes the pool manager.
type ManagerConfig struct {
	// NumPools caps live per-origin pools; beyond it the least-recently
	// used empty pool is evicted. Pools with connections never are.
	NumPools int

	PoolOptions    Options
	GlobalMaxConns int64 // across all origins, 0 = unbounded
	Keepalive      domain.KeepalivePolicy

	// ProxyURL routes every origin through one proxy. When empty the
	// standard HTTP_PROXY/HTTPS_PROXY/ALL_PROXY/NO_PROXY variables apply.
	ProxyURL string
}

func (c ManagerConfig) withDefaults() ManagerConfig {
	if c.NumPools == 0 {
		c.NumPools = DefaultNumPools
	}
	if c.Keepalive.IdleWindow == 0 {
		c.Keepalive = domain.DefaultKeepalivePolicy()
	}
	return c
}

// Manager maps origins onto per-origin pools and owns the global
// connection budget, proxy routing and the keepalive scheduler.
type Manager struct {
	cfg       ManagerConfig
	dialer    ports.ConnDialer
	tls       TLSIdentity
	proxyFunc func(*url.URL) (*url.URL, error)
	pools     *xsync.Map[string, *PerOriginPool]
	sem       *semaphore.Weighted
	keepalive *KeepaliveScheduler
	stats     ports.StatsCollector
	logger    *logger.StyledLogger
	closed    chan struct{}
}

func NewManager(dialer ports.ConnDialer, tls TLSIdentity, cfg ManagerConfig, stats ports.StatsCollector, log *logger.StyledLogger) *Manager {
	if stats == nil {
		stats = ports.NopStats
	}
	if log == nil {
		log = logger.Discard()
	}
	cfg = cfg.withDefaults()

	m := &Manager{
		cfg:       cfg,
		dialer:    dialer,
		tls:       tls,
		pools:     xsync.NewMap[string, *PerOriginPool](),
		keepalive: NewKeepaliveScheduler(cfg.Keepalive, stats, log),
		stats:     stats,
		logger:    log,
		closed:    make(chan struct{}),
	}
	if cfg.GlobalMaxConns > 0 {
		m.sem = semaphore.NewWeighted(cfg.GlobalMaxConns)
	}
	m.proxyFunc = buildProxyFunc(cfg.ProxyURL)
	m.keepalive.Start()
	return m
}

// buildProxyFunc resolves the proxy for a URL: the explicit override
// when configured, otherwise the standard environment variables.
// ALL_PROXY backfills the scheme-specific slots httpproxy knows about.
func buildProxyFunc(explicit string) func(*url.URL) (*url.URL, error) {
	if explicit != "" {
		fixed, err := url.Parse(explicit)
		return func(*url.URL) (*url.URL, error) { return fixed, err }
	}

	envCfg := httpproxy.FromEnvironment()
	if all := os.Getenv(EnvAllProxy); all != "" {
		if envCfg.HTTPProxy == "" {
			envCfg.HTTPProxy = all
		}
		if envCfg.HTTPSProxy == "" {
			envCfg.HTTPSProxy = all
		}
	}
	return envCfg.ProxyFunc()
}

// OriginFor computes the pool bucket identity for a request URL.
func (m *Manager) OriginFor(u *url.URL) (domain.Origin, error) {
	scheme, err := domain.ParseScheme(u.Scheme)
	if err != nil {
		return domain.Origin{}, err
	}

	origin := domain.Origin{
		Scheme: scheme,
		Host:   strings.ToLower(u.Hostname()),
		Port:   util.PortOf(u),
	}
	if scheme.Secure() && m.tls != nil {
		origin.TLSProfile = m.tls.Hash()
	}

	// Proxy selection happens on the http-equivalent URL so ws schemes
	// follow the same rules as their transport.
	probe := *u
	probe.Scheme = string(scheme.HTTPEquivalent())
	proxyURL, err := m.proxyFunc(&probe)
	if err != nil {
		return domain.Origin{}, err
	}
	if proxyURL != nil {
		origin.Proxy = proxyURL.String()
	}
	return origin, nil
}

// PoolFor returns the pool for an origin, creating it under a short
// critical section when absent.
func (m *Manager) PoolFor(origin domain.Origin) (*PerOriginPool, error) {
	select {
	case <-m.closed:
		return nil, &domain.PoolError{Err: domain.ErrPoolClosed, Origin: origin.String()}
	default:
	}

	key := origin.Key()
	if p, ok := m.pools.Load(key); ok {
		return p, nil
	}

	fresh := NewPerOriginPool(origin, m.dialer, m.cfg.PoolOptions, m.keepalive, m.sem, m.stats, m.logger)
	actual, loaded := m.pools.LoadOrStore(key, fresh)
	if !loaded {
		m.logger.InfoWithOrigin("pool created", origin.String())
		m.evictIfOverCap(key)
	}
	return actual, nil
}

// Acquire resolves origin and pool in one step for the dispatcher.
func (m *Manager) Acquire(ctx context.Context, origin domain.Origin) (ports.Conn, *PerOriginPool, error) {
	p, err := m.PoolFor(origin)
	if err != nil {
		return nil, nil, err
	}
	conn, err := p.Acquire(ctx)
	if err != nil {
		return nil, nil, err
	}
	return conn, p, nil
}

// evictIfOverCap drops least-recently-used empty pools until the pool
// count fits the cap again.
func (m *Manager) evictIfOverCap(justCreated string) {
	for m.pools.Size() > m.cfg.NumPools {
		var (
			victimKey string
			victim    *PerOriginPool
			oldest    time.Time
		)
		m.pools.Range(func(key string, p *PerOriginPool) bool {
			if key == justCreated || !p.Empty() {
				return true
			}
			if victim == nil || p.LastUsed().Before(oldest) {
				victimKey, victim, oldest = key, p, p.LastUsed()
			}
			return true
		})
		if victim == nil {
			return // every other pool has connections; the cap is soft
		}
		m.pools.Delete(victimKey)
		victim.Shutdown()
		m.logger.Debug("evicted idle pool", "origin", victim.Origin().String())
	}
}

// Snapshot captures every pool's current occupancy.
func (m *Manager) Snapshot() []ports.PoolSnapshot {
	var out []ports.PoolSnapshot
	m.pools.Range(func(_ string, p *PerOriginPool) bool {
		out = append(out, p.Snapshot())
		return true
	})
	return out
}

// Close shuts every pool down and stops the keepalive scheduler.
func (m *Manager) Close() {
	select {
	case <-m.closed:
		return
	default:
		close(m.closed)
	}

	m.keepalive.Stop()
	m.pools.Range(func(key string, p *PerOriginPool) bool {
		m.pools.Delete(key)
		p.Shutdown()
		return true
	})
}
