// Package transport owns connection opening and the per-protocol state
// machines layered over one transport: HTTP/1.1 with its own framing,
// HTTP/2 via golang.org/x/net/http2 and HTTP/3 via quic-go.
package transport

import (
	"bufio"
	"context"
	"crypto/tls"
	"crypto/x509"
	"encoding/base64"
	"errors"
	"fmt"
	"net"
	"net/textproto"
	"net/url"
	"strings"
	"time"

	"github.com/quic-go/quic-go"
	"github.com/quic-go/quic-go/http3"
	"golang.org/x/net/http2"

	"github.com/ternhq/tern/internal/core/domain"
	"github.com/ternhq/tern/internal/core/ports"
	"github.com/ternhq/tern/internal/logger"
)

const (
	DefaultConnectTimeout      = 30 * time.Second
	DefaultTLSHandshakeTimeout = 10 * time.Second
	DefaultContinueTimeout     = 1 * time.Second
	DefaultKeepAlivePeriod     = 30 * time.Second
	DefaultSetNoDelay          = true

	alpnH1 = "http/1.1"
	alpnH2 = "h2"
	alpnH3 = "h3"
)

// DialConfig tunes connection opening. Zero values fall back to the
// defaults above.
type DialConfig struct {
	ConnectTimeout      time.Duration
	TLSHandshakeTimeout time.Duration
	ContinueTimeout     time.Duration
	KeepAlivePeriod     time.Duration
	SetNoDelay          bool

	// PreferH3 dials QUIC for https origins, falling back to TCP when
	// the UDP handshake fails.
	PreferH3 bool
}

func (c DialConfig) withDefaults() DialConfig {
	if c.ConnectTimeout == 0 {
		c.ConnectTimeout = DefaultConnectTimeout
	}
	if c.TLSHandshakeTimeout == 0 {
		c.TLSHandshakeTimeout = DefaultTLSHandshakeTimeout
	}
	if c.ContinueTimeout == 0 {
		c.ContinueTimeout = DefaultContinueTimeout
	}
	if c.KeepAlivePeriod == 0 {
		c.KeepAlivePeriod = DefaultKeepAlivePeriod
	}
	return c
}

// Dialer opens connections to origins, negotiating the protocol via
// ALPN. It implements ports.ConnDialer.
type Dialer struct {
	resolver ports.Resolver
	profiles *ProfileSource
	cfg      DialConfig
	h2t      *http2.Transport
	h3t      *http3.Transport
	logger   *logger.StyledLogger
}

func NewDialer(resolver ports.Resolver, profiles *ProfileSource, cfg DialConfig, log *logger.StyledLogger) *Dialer {
	if resolver == nil {
		resolver = net.DefaultResolver
	}
	if log == nil {
		log = logger.Discard()
	}
	return &Dialer{
		resolver: resolver,
		profiles: profiles,
		cfg:      cfg.withDefaults(),
		h2t:      &http2.Transport{},
		h3t:      &http3.Transport{},
		logger:   log,
	}
}

// Profiles exposes the TLS profile source so the pool manager can fold
// the profile hash into origin keys.
func (d *Dialer) Profiles() *ProfileSource { return d.profiles }

// alpnOffer picks the protocols advertised in the handshake. Plain
// RFC 6455 upgrades need the H1 request/upgrade dance, so those origins
// never offer h2; RFC 8441 origins require it.
func alpnOffer(scheme domain.Scheme) []string {
	switch scheme {
	case domain.SchemeWSS:
		return []string{alpnH1}
	case domain.SchemeWSSRFC8441:
		return []string{alpnH2}
	default:
		return []string{alpnH2, alpnH1}
	}
}

func (d *Dialer) Dial(ctx context.Context, origin domain.Origin) (ports.Conn, error) {
	ctx, cancel := context.WithTimeout(ctx, d.cfg.ConnectTimeout)
	defer cancel()

	if d.cfg.PreferH3 && origin.Scheme == domain.SchemeHTTPS && origin.Proxy == "" {
		if conn, err := d.dialQUIC(ctx, origin); err == nil {
			return conn, nil
		}
		// fall through to TCP
	}

	nc, err := d.dialTCP(ctx, origin)
	if err != nil {
		return nil, err
	}

	if !origin.Scheme.Secure() {
		c := newH1Conn(origin, nc, d.cfg.ContinueTimeout, d.logger)
		c.absoluteForm = origin.Proxy != ""
		return c, nil
	}

	tlsConn, err := d.handshake(ctx, origin, nc)
	if err != nil {
		_ = nc.Close()
		return nil, err
	}

	switch tlsConn.ConnectionState().NegotiatedProtocol {
	case alpnH2:
		return newH2Conn(origin, tlsConn, d.h2t, d.logger)
	default:
		// Unknown or absent ALPN falls back to HTTP/1.1.
		return newH1Conn(origin, tlsConn, d.cfg.ContinueTimeout, d.logger), nil
	}
}

func (d *Dialer) dialTCP(ctx context.Context, origin domain.Origin) (net.Conn, error) {
	if origin.Proxy != "" {
		return d.dialViaProxy(ctx, origin)
	}

	addrs, err := d.resolveAddrs(ctx, origin.Host)
	if err != nil {
		return nil, &domain.ConnectError{Err: err, Origin: origin.String(), Op: "resolve"}
	}

	var lastErr error
	for _, addr := range addrs {
		nc, err := d.connect(ctx, net.JoinHostPort(addr, fmt.Sprintf("%d", origin.Port)))
		if err == nil {
			return nc, nil
		}
		lastErr = err
	}
	return nil, &domain.ConnectError{Err: lastErr, Origin: origin.String(), Op: "dial"}
}

func (d *Dialer) resolveAddrs(ctx context.Context, host string) ([]string, error) {
	if ip := net.ParseIP(host); ip != nil {
		return []string{host}, nil
	}
	return d.resolver.LookupHost(ctx, host)
}

func (d *Dialer) connect(ctx context.Context, addr string) (net.Conn, error) {
	dialer := &net.Dialer{
		Timeout:   d.cfg.ConnectTimeout,
		KeepAlive: d.cfg.KeepAlivePeriod,
	}
	nc, err := dialer.DialContext(ctx, "tcp", addr)
	if err != nil {
		return nil, err
	}
	if tcpConn, ok := nc.(*net.TCPConn); ok {
		// Errors from socket tuning are ignored on purpose
		_ = tcpConn.SetNoDelay(d.cfg.SetNoDelay || DefaultSetNoDelay)
		_ = tcpConn.SetKeepAlive(true)
		_ = tcpConn.SetKeepAlivePeriod(d.cfg.KeepAlivePeriod)
	}
	return nc, nil
}

// dialViaProxy connects to the proxy and, for TLS targets, establishes
// a CONNECT tunnel before the origin handshake. Plain http targets are
// spoken to the proxy in absolute form without a tunnel.
func (d *Dialer) dialViaProxy(ctx context.Context, origin domain.Origin) (net.Conn, error) {
	proxyURL, err := url.Parse(origin.Proxy)
	if err != nil {
		return nil, &domain.ConnectError{Err: err, Origin: origin.String(), Op: "tunnel"}
	}
	proxyPort := proxyURL.Port()
	if proxyPort == "" {
		proxyPort = "3128"
	}

	nc, err := d.connect(ctx, net.JoinHostPort(proxyURL.Hostname(), proxyPort))
	if err != nil {
		return nil, &domain.ConnectError{Err: err, Origin: origin.String(), Op: "tunnel"}
	}

	if !origin.Scheme.Secure() {
		return nc, nil
	}

	if err := d.establishTunnel(ctx, nc, origin, proxyURL); err != nil {
		_ = nc.Close()
		return nil, err
	}
	return nc, nil
}

func (d *Dialer) establishTunnel(ctx context.Context, nc net.Conn, origin domain.Origin, proxyURL *url.URL) error {
	if deadline, ok := ctx.Deadline(); ok {
		_ = nc.SetDeadline(deadline)
		defer nc.SetDeadline(time.Time{})
	}

	target := origin.Addr()
	var b strings.Builder
	fmt.Fprintf(&b, "CONNECT %s HTTP/1.1\r\nHost: %s\r\n", target, target)
	if auth := proxyAuthorization(proxyURL); auth != "" {
		fmt.Fprintf(&b, "Proxy-Authorization: %s\r\n", auth)
	}
	b.WriteString("\r\n")

	if _, err := nc.Write([]byte(b.String())); err != nil {
		return &domain.ConnectError{Err: err, Origin: origin.String(), Op: "tunnel"}
	}

	tp := textproto.NewReader(bufio.NewReader(nc))
	line, err := tp.ReadLine()
	if err != nil {
		return &domain.ConnectError{Err: err, Origin: origin.String(), Op: "tunnel"}
	}
	if _, err := readHeaderBlock(tp); err != nil {
		return &domain.ConnectError{Err: err, Origin: origin.String(), Op: "tunnel"}
	}
	if !strings.Contains(line, " 200") {
		return &domain.ConnectError{
			Err:    fmt.Errorf("proxy refused tunnel: %s", line),
			Origin: origin.String(), Op: "tunnel",
		}
	}
	return nil
}

// proxyAuthorization renders the configured proxy credentials: user and
// password become Basic, a bare token becomes Bearer.
func proxyAuthorization(proxyURL *url.URL) string {
	if proxyURL.User == nil {
		return ""
	}
	user := proxyURL.User.Username()
	if pass, ok := proxyURL.User.Password(); ok {
		creds := base64.StdEncoding.EncodeToString([]byte(user + ":" + pass))
		return "Basic " + creds
	}
	return "Bearer " + user
}

func (d *Dialer) handshake(ctx context.Context, origin domain.Origin, nc net.Conn) (*tls.Conn, error) {
	cfg := d.profiles.ClientConfig(origin.Host, alpnOffer(origin.Scheme))
	tlsConn := tls.Client(nc, cfg)

	hsCtx, cancel := context.WithTimeout(ctx, d.cfg.TLSHandshakeTimeout)
	defer cancel()

	if err := tlsConn.HandshakeContext(hsCtx); err != nil {
		return nil, classifyTLSError(err, origin)
	}
	return tlsConn, nil
}

func classifyTLSError(err error, origin domain.Origin) error {
	var hostnameErr x509.HostnameError
	if errors.As(err, &hostnameErr) {
		return &domain.SSLError{Err: err, Origin: origin.String(), HostnameMismatch: true}
	}
	var unknownAuth x509.UnknownAuthorityError
	var certInvalid x509.CertificateInvalidError
	var tlsCertErr *tls.CertificateVerificationError
	if errors.As(err, &unknownAuth) || errors.As(err, &certInvalid) || errors.As(err, &tlsCertErr) {
		return &domain.SSLError{Err: err, Origin: origin.String()}
	}
	return &domain.ConnectError{Err: err, Origin: origin.String(), Op: "tls"}
}

func (d *Dialer) dialQUIC(ctx context.Context, origin domain.Origin) (ports.Conn, error) {
	cfg := d.profiles.ClientConfig(origin.Host, []string{alpnH3})

	addrs, err := d.resolveAddrs(ctx, origin.Host)
	if err != nil {
		return nil, &domain.ConnectError{Err: err, Origin: origin.String(), Op: "resolve"}
	}

	quicCfg := &quic.Config{
		KeepAlivePeriod: d.cfg.KeepAlivePeriod,
	}

	var lastErr error
	for _, addr := range addrs {
		qconn, err := quic.DialAddr(ctx, net.JoinHostPort(addr, fmt.Sprintf("%d", origin.Port)), cfg, quicCfg)
		if err == nil {
			return newH3Conn(origin, qconn, d.h3t, d.logger), nil
		}
		lastErr = err
	}
	return nil, &domain.ConnectError{Err: lastErr, Origin: origin.String(), Op: "dial"}
}
