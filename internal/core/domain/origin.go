package domain

import (
	"fmt"
	"strings"
)

const (
	SchemeStringHTTP       = "http"
	SchemeStringHTTPS      = "https"
	SchemeStringWS         = "ws"
	SchemeStringWSS        = "wss"
	SchemeStringWSRFC8441  = "ws+rfc8441"
	SchemeStringWSSRFC8441 = "wss+rfc8441"
)

type Scheme string

const (
	SchemeHTTP       Scheme = SchemeStringHTTP
	SchemeHTTPS      Scheme = SchemeStringHTTPS
	SchemeWS         Scheme = SchemeStringWS
	SchemeWSS        Scheme = SchemeStringWSS
	SchemeWSRFC8441  Scheme = SchemeStringWSRFC8441
	SchemeWSSRFC8441 Scheme = SchemeStringWSSRFC8441
)

// ParseScheme validates and canonicalises a URL scheme.
func ParseScheme(s string) (Scheme, error) {
	switch Scheme(strings.ToLower(s)) {
	case SchemeHTTP:
		return SchemeHTTP, nil
	case SchemeHTTPS:
		return SchemeHTTPS, nil
	case SchemeWS:
		return SchemeWS, nil
	case SchemeWSS:
		return SchemeWSS, nil
	case SchemeWSRFC8441:
		return SchemeWSRFC8441, nil
	case SchemeWSSRFC8441:
		return SchemeWSSRFC8441, nil
	default:
		return "", &ProtocolViolationError{Reason: fmt.Sprintf("unsupported scheme %q", s)}
	}
}

// Secure reports whether the scheme carries TLS.
func (s Scheme) Secure() bool {
	switch s {
	case SchemeHTTPS, SchemeWSS, SchemeWSSRFC8441:
		return true
	default:
		return false
	}
}

// Upgrade reports whether the scheme requests a protocol switch after
// the handshake.
func (s Scheme) Upgrade() bool {
	switch s {
	case SchemeWS, SchemeWSS, SchemeWSRFC8441, SchemeWSSRFC8441:
		return true
	default:
		return false
	}
}

// RequiresMultiplexed reports whether the scheme only makes sense on a
// multiplexed connection (RFC 8441 extended CONNECT).
func (s Scheme) RequiresMultiplexed() bool {
	return s == SchemeWSRFC8441 || s == SchemeWSSRFC8441
}

// HTTPEquivalent maps ws* schemes onto the http* scheme used on the wire.
func (s Scheme) HTTPEquivalent() Scheme {
	if s.Secure() {
		return SchemeHTTPS
	}
	return SchemeHTTP
}

// Origin is the canonical identity a connection pool is keyed on:
// (scheme, host, port, tls profile), plus the proxy tuple when requests
// are routed through one. Two requests with equal Origins are poolable
// together; nothing else about the request participates in pooling.
type Origin struct {
	Scheme     Scheme
	Host       string // lowercased
	Port       int    // explicit after normalization
	TLSProfile string // hash over (ca bundle, verify mode, client cert, sni, alpn)
	Proxy      string // canonical proxy tuple, empty for direct
}

// Key returns the pool bucket key. Origins are comparable values; Key
// exists for maps keyed on strings and for logs.
func (o Origin) Key() string {
	if o.Proxy == "" {
		return fmt.Sprintf("%s://%s:%d|%s", o.Scheme, o.Host, o.Port, o.TLSProfile)
	}
	return fmt.Sprintf("%s://%s:%d|%s|via=%s", o.Scheme, o.Host, o.Port, o.TLSProfile, o.Proxy)
}

func (o Origin) String() string {
	return fmt.Sprintf("%s://%s:%d", o.Scheme, o.Host, o.Port)
}

// Addr returns the host:port dial target.
func (o Origin) Addr() string {
	return fmt.Sprintf("%s:%d", o.Host, o.Port)
}

// SameSite reports whether two origins share scheme, host and port.
// Redirect header scrubbing keys off this, not off the full pool key:
// a TLS profile change alone does not cross a trust boundary.
func (o Origin) SameSite(other Origin) bool {
	return o.Scheme.HTTPEquivalent() == other.Scheme.HTTPEquivalent() &&
		o.Host == other.Host && o.Port == other.Port
}
