package tern

import (
	"context"
	"fmt"
	"log/slog"
	"net/url"
	"sync"

	"github.com/prometheus/client_golang/prometheus"

	"github.com/ternhq/tern/internal/config"
	"github.com/ternhq/tern/internal/core/domain"
	"github.com/ternhq/tern/internal/core/ports"
	"github.com/ternhq/tern/internal/dispatch"
	"github.com/ternhq/tern/internal/logger"
	"github.com/ternhq/tern/internal/metrics"
	"github.com/ternhq/tern/internal/pool"
	"github.com/ternhq/tern/internal/transport"
	"github.com/ternhq/tern/theme"
)

// Aliased so callers can name these without reaching into internal
// packages.
type (
	Headers        = domain.Headers
	RetryPolicy    = domain.RetryPolicy
	Resolver       = ports.Resolver
	StatsCollector = ports.StatsCollector
	Extension      = ports.Extension
	PoolSnapshot   = ports.PoolSnapshot
	Config         = config.Config
	TLSConfig      = config.TLSConfig
)

// DefaultConfig returns the stock configuration tree for mutation
// before WithConfig.
func DefaultConfig() *Config { return config.DefaultConfig() }

// LoadConfig reads configuration from a YAML file plus TERN_*
// environment overrides.
func LoadConfig(path string) (*Config, error) { return config.Load(path) }

// NewHeaders creates an empty ordered header multimap.
func NewHeaders() *Headers { return domain.NewHeaders() }

// DefaultRetryPolicy returns the library's stock retry budget.
func DefaultRetryPolicy() RetryPolicy { return domain.DefaultRetryPolicy() }

// Client is a pool manager plus the dispatch machinery above it. It is
// safe for concurrent use and should be shared and long-lived.
type Client struct {
	cfg        *config.Config
	logger     *logger.StyledLogger
	profiles   *transport.ProfileSource
	manager    *pool.Manager
	dispatcher *dispatch.Dispatcher
	stats      ports.StatsCollector

	closeOnce sync.Once
}

// New assembles a client from options layered over the default
// configuration.
func New(opts ...Option) (*Client, error) {
	b := &builder{
		cfg:   config.DefaultConfig(),
		stats: ports.NopStats,
	}
	for _, opt := range opts {
		if err := opt(b); err != nil {
			return nil, err
		}
	}

	styled := b.styled
	if styled == nil {
		if b.slogger != nil {
			styled = logger.NewStyledLogger(b.slogger, theme.GetTheme(b.cfg.Logging.Theme))
		} else {
			styled = logger.Discard()
		}
	}

	stats := b.stats
	if b.promRegistry != nil {
		collector, err := metrics.NewCollector(b.promRegistry)
		if err != nil {
			return nil, fmt.Errorf("failed to register metrics: %w", err)
		}
		stats = collector
	}

	profiles, err := transport.NewProfileSource(transport.TLSOptions{
		CAFile:             b.cfg.TLS.CAFile,
		CADir:              b.cfg.TLS.CADir,
		InsecureSkipVerify: b.cfg.TLS.InsecureSkipVerify,
		ClientCertFile:     b.cfg.TLS.ClientCertFile,
		ClientKeyFile:      b.cfg.TLS.ClientKeyFile,
		ServerName:         b.cfg.TLS.ServerName,
	}, styled)
	if err != nil {
		return nil, err
	}

	dialer := transport.NewDialer(b.resolver, profiles, transport.DialConfig{
		ConnectTimeout:  b.cfg.Timeouts.Connect,
		ContinueTimeout: b.cfg.Timeouts.Continue,
		KeepAlivePeriod: b.cfg.Transport.KeepAlivePeriod,
		PreferH3:        b.cfg.Transport.PreferH3,
	}, styled)

	manager := pool.NewManager(dialer, profiles, pool.ManagerConfig{
		NumPools: b.cfg.Pool.NumPools,
		PoolOptions: pool.Options{
			MaxSize:     b.cfg.Pool.MaxConnsPerOrigin,
			MaxIdle:     b.cfg.Pool.MaxIdlePerOrigin,
			BlockIfFull: b.cfg.Pool.BlockIfFull,
		},
		GlobalMaxConns: b.cfg.Pool.GlobalMaxConns,
		Keepalive: domain.KeepalivePolicy{
			IdleWindow:          b.cfg.Keepalive.IdleWindow,
			Delay:               b.cfg.Keepalive.Delay,
			CloseWhenUnverified: b.cfg.Keepalive.CloseWhenUnverified,
		},
		ProxyURL: b.cfg.Proxy.URL,
	}, stats, styled)

	return &Client{
		cfg:        b.cfg,
		logger:     styled,
		profiles:   profiles,
		manager:    manager,
		dispatcher: dispatch.NewDispatcher(manager, stats, styled),
		stats:      stats,
	}, nil
}

// Request performs a request and preloads the body, releasing the
// connection before returning.
func (c *Client) Request(ctx context.Context, method, rawURL string, opts ...RequestOption) (*Response, error) {
	resp, err := c.Open(ctx, method, rawURL, opts...)
	if err != nil {
		return nil, err
	}
	if resp.Extension() == nil {
		if err := resp.preload(); err != nil {
			resp.Close()
			return nil, err
		}
	}
	return resp, nil
}

// Open performs a request and leaves the body streaming; the caller
// must read it fully or Close it to return the connection to the pool.
func (c *Client) Open(ctx context.Context, method, rawURL string, opts ...RequestOption) (*Response, error) {
	req, spec, err := c.buildRequest(method, rawURL, opts)
	if err != nil {
		return nil, err
	}

	result, err := c.dispatcher.Do(ctx, req)
	if err != nil {
		return nil, err
	}
	return newResponse(result, spec.decodeContent), nil
}

// Get is shorthand for Request with GET.
func (c *Client) Get(ctx context.Context, rawURL string, opts ...RequestOption) (*Response, error) {
	return c.Request(ctx, "GET", rawURL, opts...)
}

// Head is shorthand for Request with HEAD.
func (c *Client) Head(ctx context.Context, rawURL string, opts ...RequestOption) (*Response, error) {
	return c.Request(ctx, "HEAD", rawURL, opts...)
}

// Post is shorthand for Request with POST.
func (c *Client) Post(ctx context.Context, rawURL string, opts ...RequestOption) (*Response, error) {
	return c.Request(ctx, "POST", rawURL, opts...)
}

func (c *Client) buildRequest(method, rawURL string, opts []RequestOption) (*domain.Request, *requestSpec, error) {
	u, err := url.Parse(rawURL)
	if err != nil {
		return nil, nil, fmt.Errorf("failed to parse url: %w", err)
	}

	spec := &requestSpec{
		headers:       domain.NewHeaders(),
		timeouts:      c.defaultTimeouts(),
		retries:       c.defaultRetries(),
		decodeContent: true,
		multiplexed:   true,
	}
	for _, opt := range opts {
		if err := opt(spec); err != nil {
			return nil, nil, err
		}
	}

	if !spec.headers.Has("User-Agent") {
		spec.headers.Set("User-Agent", userAgent)
	}
	if !spec.headers.Has("Accept-Encoding") && spec.decodeContent {
		spec.headers.Set("Accept-Encoding", "gzip, deflate")
	}

	req := &domain.Request{
		Method:         method,
		URL:            u,
		Headers:        spec.headers,
		Body:           spec.body,
		IdempotentHint: spec.idempotent,
		Timeouts:       spec.timeouts,
		Retries:        spec.retries,
		Multiplexed:    spec.multiplexed,
		ExtensionHint:  spec.extensionHint,
	}
	return req, spec, nil
}

func (c *Client) defaultTimeouts() domain.TimeoutPolicy {
	return domain.TimeoutPolicy{
		Connect:  c.cfg.Timeouts.Connect,
		Read:     c.cfg.Timeouts.Read,
		Write:    c.cfg.Timeouts.Write,
		Total:    c.cfg.Timeouts.Total,
		Continue: c.cfg.Timeouts.Continue,
	}
}

func (c *Client) defaultRetries() domain.RetryPolicy {
	p := domain.DefaultRetryPolicy()
	p.Total = c.cfg.Retries.Total
	if c.cfg.Retries.Redirect > 0 {
		p.Redirect = c.cfg.Retries.Redirect
	}
	if c.cfg.Retries.BackoffFactor > 0 {
		p.BackoffFactor = c.cfg.Retries.BackoffFactor
	}
	if c.cfg.Retries.BackoffMax > 0 {
		p.BackoffMax = c.cfg.Retries.BackoffMax
	}
	p.RespectRetryAfter = c.cfg.Retries.RespectRetryAfter
	if len(c.cfg.Retries.StatusForcelist) > 0 {
		p.StatusForcelist = make(map[int]struct{}, len(c.cfg.Retries.StatusForcelist))
		for _, s := range c.cfg.Retries.StatusForcelist {
			p.StatusForcelist[s] = struct{}{}
		}
	}
	return p
}

// Pools reports current per-origin pool occupancy.
func (c *Client) Pools() []PoolSnapshot {
	return c.manager.Snapshot()
}

// Close shuts down every pool, draining in-flight streams.
func (c *Client) Close() {
	c.closeOnce.Do(func() {
		c.manager.Close()
		_ = c.profiles.Close()
	})
}

// -- module-level convenience client ---------------------------------

var (
	defaultMu     sync.Mutex
	defaultClient *Client
)

func getDefault() (*Client, error) {
	defaultMu.Lock()
	defer defaultMu.Unlock()
	if defaultClient == nil {
		c, err := New()
		if err != nil {
			return nil, err
		}
		defaultClient = c
	}
	return defaultClient, nil
}

// Request performs a request on the lazily-initialized process-wide
// client.
func Request(ctx context.Context, method, rawURL string, opts ...RequestOption) (*Response, error) {
	c, err := getDefault()
	if err != nil {
		return nil, err
	}
	return c.Request(ctx, method, rawURL, opts...)
}

// Open performs a streaming request on the process-wide client.
func Open(ctx context.Context, method, rawURL string, opts ...RequestOption) (*Response, error) {
	c, err := getDefault()
	if err != nil {
		return nil, err
	}
	return c.Open(ctx, method, rawURL, opts...)
}

// Reset tears down the process-wide client; the next call rebuilds it.
// Intended for tests.
func Reset() {
	defaultMu.Lock()
	defer defaultMu.Unlock()
	if defaultClient != nil {
		defaultClient.Close()
		defaultClient = nil
	}
}

// builder accumulates option state before assembly.
type builder struct {
	cfg          *config.Config
	slogger      *slog.Logger
	styled       *logger.StyledLogger
	resolver     ports.Resolver
	stats        ports.StatsCollector
	promRegistry prometheus.Registerer
}
