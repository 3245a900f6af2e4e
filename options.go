package tern

import (
	"encoding/json"
	"fmt"
	"io"
	"log/slog"
	"net/url"
	"time"

	"github.com/prometheus/client_golang/prometheus"

	"github.com/ternhq/tern/internal/config"
	"github.com/ternhq/tern/internal/core/domain"
	"github.com/ternhq/tern/internal/logger"
	"github.com/ternhq/tern/internal/version"
	"github.com/ternhq/tern/theme"
)

var userAgent = version.UserAgent()

// Option configures a Client at construction.
type Option func(*builder) error

// WithConfig replaces the default configuration wholesale.
func WithConfig(cfg *config.Config) Option {
	return func(b *builder) error {
		if err := cfg.Validate(); err != nil {
			return err
		}
		b.cfg = cfg
		return nil
	}
}

// WithConfigFile loads configuration from a YAML file plus TERN_*
// environment overrides.
func WithConfigFile(path string) Option {
	return func(b *builder) error {
		cfg, err := config.Load(path)
		if err != nil {
			return err
		}
		b.cfg = cfg
		return nil
	}
}

// WithLogger attaches a structured logger; the client is silent
// without one.
func WithLogger(l *slog.Logger) Option {
	return func(b *builder) error {
		b.slogger = l
		return nil
	}
}

// WithStyledLogger attaches the batteries-included styled logger built
// by internal wiring (used by cmd/tern).
func WithStyledLogger(l *logger.StyledLogger) Option {
	return func(b *builder) error {
		b.styled = l
		return nil
	}
}

// WithPrettyLogging builds a themed terminal logger from the logging
// configuration.
func WithPrettyLogging() Option {
	return func(b *builder) error {
		slogger, _, err := logger.New(&logger.Config{
			Level:      b.cfg.Logging.Level,
			Theme:      b.cfg.Logging.Theme,
			PrettyLogs: true,
		})
		if err != nil {
			return err
		}
		b.styled = logger.NewStyledLogger(slogger, theme.GetTheme(b.cfg.Logging.Theme))
		return nil
	}
}

// WithResolver injects the DNS collaborator; defaults to the system
// resolver.
func WithResolver(r Resolver) Option {
	return func(b *builder) error {
		b.resolver = r
		return nil
	}
}

// WithStats injects a telemetry sink.
func WithStats(s StatsCollector) Option {
	return func(b *builder) error {
		b.stats = s
		return nil
	}
}

// WithPrometheus registers pool and dispatch metrics on a registry.
func WithPrometheus(reg prometheus.Registerer) Option {
	return func(b *builder) error {
		b.promRegistry = reg
		return nil
	}
}

// WithProxy routes all traffic through one proxy URL, overriding the
// environment.
func WithProxy(proxyURL string) Option {
	return func(b *builder) error {
		if _, err := url.Parse(proxyURL); err != nil {
			return fmt.Errorf("invalid proxy url: %w", err)
		}
		b.cfg.Proxy.URL = proxyURL
		return nil
	}
}

// WithTLS sets the verification inputs that participate in origin keys.
func WithTLS(tls config.TLSConfig) Option {
	return func(b *builder) error {
		b.cfg.TLS = tls
		return nil
	}
}

// WithMaxPools caps the number of live per-origin pools.
func WithMaxPools(n int) Option {
	return func(b *builder) error {
		b.cfg.Pool.NumPools = n
		return nil
	}
}

// WithMaxConnsPerOrigin bounds each origin's pool.
func WithMaxConnsPerOrigin(n int) Option {
	return func(b *builder) error {
		b.cfg.Pool.MaxConnsPerOrigin = n
		return nil
	}
}

// WithHTTP3 dials QUIC first for https origins.
func WithHTTP3() Option {
	return func(b *builder) error {
		b.cfg.Transport.PreferH3 = true
		return nil
	}
}

// requestSpec accumulates per-request options.
type requestSpec struct {
	headers       *domain.Headers
	body          domain.BodySource
	timeouts      domain.TimeoutPolicy
	retries       domain.RetryPolicy
	idempotent    *bool
	multiplexed   bool
	decodeContent bool
	preload       bool
	extensionHint string
}

// RequestOption configures one request.
type RequestOption func(*requestSpec) error

// WithHeader adds a header value (repeatable; values accumulate).
func WithHeader(name, value string) RequestOption {
	return func(s *requestSpec) error {
		s.headers.Add(name, value)
		return nil
	}
}

// WithHeaders merges a header map into the request.
func WithHeaders(h *Headers) RequestOption {
	return func(s *requestSpec) error {
		h.Range(func(name, value string) bool {
			s.headers.Add(name, value)
			return true
		})
		return nil
	}
}

// WithBody sends finite bytes; replayable across retries and redirects.
func WithBody(data []byte) RequestOption {
	return func(s *requestSpec) error {
		s.body = domain.NewBytesBody(data)
		return nil
	}
}

// WithBodyReader streams a body of the given size (-1 when unknown);
// not replayable, so read failures after the send surface immediately
// for non-idempotent methods.
func WithBodyReader(r io.Reader, size int64) RequestOption {
	return func(s *requestSpec) error {
		s.body = domain.NewReaderBody(r, size)
		return nil
	}
}

// WithJSON marshals a value as the request body.
func WithJSON(v any) RequestOption {
	return func(s *requestSpec) error {
		data, err := json.Marshal(v)
		if err != nil {
			return fmt.Errorf("failed to encode json body: %w", err)
		}
		s.body = domain.NewBytesBody(data)
		if !s.headers.Has("Content-Type") {
			s.headers.Set("Content-Type", "application/json")
		}
		return nil
	}
}

// WithFields URL-encodes a form as the request body.
func WithFields(fields map[string]string) RequestOption {
	return func(s *requestSpec) error {
		values := url.Values{}
		for k, v := range fields {
			values.Set(k, v)
		}
		s.body = domain.NewBytesBody([]byte(values.Encode()))
		if !s.headers.Has("Content-Type") {
			s.headers.Set("Content-Type", "application/x-www-form-urlencoded")
		}
		return nil
	}
}

// WithTimeout bounds the whole dispatch, retries included. Zero fails
// immediately.
func WithTimeout(d time.Duration) RequestOption {
	return func(s *requestSpec) error {
		if d == 0 {
			return &domain.TimeoutError{Phase: "total"}
		}
		s.timeouts.Total = d
		return nil
	}
}

// WithReadTimeout bounds each attempt's response read.
func WithReadTimeout(d time.Duration) RequestOption {
	return func(s *requestSpec) error {
		s.timeouts.Read = d
		return nil
	}
}

// WithRetries overrides the retry budget for this request.
func WithRetries(p RetryPolicy) RequestOption {
	return func(s *requestSpec) error {
		s.retries = p
		return nil
	}
}

// WithNoRetries surfaces the first failure.
func WithNoRetries() RequestOption {
	return func(s *requestSpec) error {
		s.retries = domain.RetryPolicy{RaiseOnStatus: true, RaiseOnRedirect: true}
		return nil
	}
}

// WithRedirects overrides the hop budget.
func WithRedirects(n int) RequestOption {
	return func(s *requestSpec) error {
		s.retries.Redirect = n
		return nil
	}
}

// WithIdempotent overrides the method-derived idempotency hint.
func WithIdempotent(idempotent bool) RequestOption {
	return func(s *requestSpec) error {
		s.idempotent = &idempotent
		return nil
	}
}

// WithoutMultiplexing records on the request that the caller prefers not
// to multiplex. The protocol is still chosen by ALPN when the connection
// is dialed: the request goes over HTTP/2 or HTTP/3 when the origin
// negotiates it.
func WithoutMultiplexing() RequestOption {
	return func(s *requestSpec) error {
		s.multiplexed = false
		return nil
	}
}

// WithoutDecoding leaves Content-Encoding untouched on the body.
func WithoutDecoding() RequestOption {
	return func(s *requestSpec) error {
		s.decodeContent = false
		return nil
	}
}

// WithExtensionHint names the post-upgrade protocol for CONNECT-style
// switches.
func WithExtensionHint(hint string) RequestOption {
	return func(s *requestSpec) error {
		s.extensionHint = hint
		return nil
	}
}
