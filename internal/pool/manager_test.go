package pool

import (
	"context"
	"net/url"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/ternhq/tern/internal/core/domain"
)

type fixedTLS string

func (f fixedTLS) Hash() string { return string(f) }

func newTestManager(t *testing.T, cfg ManagerConfig) *Manager {
	t.Helper()
	dialer := &fakeDialer{protocol: domain.ProtocolH1, maxConc: 1}
	m := NewManager(dialer, fixedTLS("profile-1"), cfg, nil, nil)
	t.Cleanup(m.Close)
	return m
}

func mustParse(t *testing.T, raw string) *url.URL {
	t.Helper()
	u, err := url.Parse(raw)
	require.NoError(t, err)
	return u
}

func TestOriginForNormalizesAndKeys(t *testing.T) {
	m := newTestManager(t, ManagerConfig{})

	a, err := m.OriginFor(mustParse(t, "https://Example.ORG/path"))
	require.NoError(t, err)
	b, err := m.OriginFor(mustParse(t, "https://example.org:443/other"))
	require.NoError(t, err)

	assert.Equal(t, a, b, "equal origins must share a pool bucket")
	assert.Equal(t, "example.org", a.Host)
	assert.Equal(t, 443, a.Port)
	assert.Equal(t, "profile-1", a.TLSProfile)
}

func TestOriginForPlainHTTPHasNoTLSProfile(t *testing.T) {
	m := newTestManager(t, ManagerConfig{})
	o, err := m.OriginFor(mustParse(t, "http://example.org/"))
	require.NoError(t, err)
	assert.Empty(t, o.TLSProfile)
}

func TestOriginForRejectsUnknownScheme(t *testing.T) {
	m := newTestManager(t, ManagerConfig{})
	_, err := m.OriginFor(mustParse(t, "ftp://example.org/"))
	var protoErr *domain.ProtocolViolationError
	assert.ErrorAs(t, err, &protoErr)
}

func TestOriginForWebSocketSchemes(t *testing.T) {
	m := newTestManager(t, ManagerConfig{})

	o, err := m.OriginFor(mustParse(t, "wss://echo.example/socket"))
	require.NoError(t, err)
	assert.Equal(t, domain.SchemeWSS, o.Scheme)
	assert.Equal(t, 443, o.Port)
	assert.Equal(t, "profile-1", o.TLSProfile)
}

func TestPoolForSameOriginReturnsSamePool(t *testing.T) {
	m := newTestManager(t, ManagerConfig{})
	origin, err := m.OriginFor(mustParse(t, "http://example.org/"))
	require.NoError(t, err)

	p1, err := m.PoolFor(origin)
	require.NoError(t, err)
	p2, err := m.PoolFor(origin)
	require.NoError(t, err)
	assert.Same(t, p1, p2)
}

func TestNumPoolsEvictsOnlyEmptyPools(t *testing.T) {
	m := newTestManager(t, ManagerConfig{NumPools: 2})

	// Occupy pool one with a live connection.
	busyOrigin, err := m.OriginFor(mustParse(t, "http://busy.example/"))
	require.NoError(t, err)
	_, busyPool, err := m.Acquire(context.Background(), busyOrigin)
	require.NoError(t, err)
	require.False(t, busyPool.Empty())

	for _, host := range []string{"http://a.example/", "http://b.example/", "http://c.example/"} {
		o, err := m.OriginFor(mustParse(t, host))
		require.NoError(t, err)
		_, err = m.PoolFor(o)
		require.NoError(t, err)
	}

	// The busy pool must have survived every eviction round.
	p, err := m.PoolFor(busyOrigin)
	require.NoError(t, err)
	assert.Same(t, busyPool, p)
}

func TestManagerCloseShutsPoolsDown(t *testing.T) {
	dialer := &fakeDialer{protocol: domain.ProtocolH1, maxConc: 1}
	m := NewManager(dialer, fixedTLS("x"), ManagerConfig{}, nil, nil)

	origin, err := m.OriginFor(mustParse(t, "http://example.org/"))
	require.NoError(t, err)
	conn, _, err := m.Acquire(context.Background(), origin)
	require.NoError(t, err)

	m.Close()

	assert.Equal(t, domain.StateDraining, conn.State())
	_, err = m.PoolFor(origin)
	assert.ErrorIs(t, err, domain.ErrPoolClosed)
}

func TestExplicitProxyFoldedIntoOrigin(t *testing.T) {
	m := newTestManager(t, ManagerConfig{ProxyURL: "http://proxy.local:3128"})

	o, err := m.OriginFor(mustParse(t, "http://example.org/"))
	require.NoError(t, err)
	assert.Equal(t, "http://proxy.local:3128", o.Proxy)

	direct := newTestManager(t, ManagerConfig{})
	d, err := direct.OriginFor(mustParse(t, "http://example.org/"))
	require.NoError(t, err)
	assert.NotEqual(t, o.Key(), d.Key(), "proxied and direct traffic never pool together")
}
