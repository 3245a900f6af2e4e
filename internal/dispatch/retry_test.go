package dispatch

import (
	"errors"
	"net/url"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/ternhq/tern/internal/core/domain"
)

func testRequest(t *testing.T, method string) *domain.Request {
	t.Helper()
	u, err := url.Parse("https://example.org/resource")
	require.NoError(t, err)
	return &domain.Request{Method: method, URL: u, Headers: domain.NewHeaders()}
}

func headWithStatus(status int, headers map[string]string) *domain.ResponseHead {
	h := domain.NewHeaders()
	for k, v := range headers {
		h.Set(k, v)
	}
	return &domain.ResponseHead{Status: status, Protocol: domain.ProtocolH1, Headers: h}
}

func TestDecideConnectErrorRetriesUntilExhausted(t *testing.T) {
	req := testRequest(t, "POST") // idempotency is irrelevant pre-send
	policy := domain.RetryPolicy{Total: 2, Connect: domain.UnsetCounter}
	connectErr := &domain.ConnectError{Err: errors.New("refused"), Origin: "https://example.org:443", Op: "dial"}

	dec := decide(req, policy, 1, connectErr, nil, time.Now())
	assert.Equal(t, actionRetry, dec.action)
	assert.Equal(t, 1, dec.policy.Total)

	dec = decide(req, dec.policy, 2, connectErr, nil, time.Now())
	assert.Equal(t, actionRetry, dec.action)

	dec = decide(req, dec.policy, 3, connectErr, nil, time.Now())
	assert.Equal(t, actionSurface, dec.action)

	var maxErr *domain.MaxRetryError
	require.ErrorAs(t, dec.err, &maxErr)
	assert.ErrorIs(t, maxErr, connectErr)
}

func TestDecideReadBeforeSentRetriesAnyMethod(t *testing.T) {
	req := testRequest(t, "POST")
	policy := domain.RetryPolicy{Total: 1}
	err := &domain.ReadError{Err: errors.New("goaway"), Origin: "o", RequestSent: false}

	dec := decide(req, policy, 1, err, nil, time.Now())
	assert.Equal(t, actionRetry, dec.action)
	assert.Equal(t, "read-before-sent", dec.class)
}

func TestDecideReadAfterSentSurfacesForNonIdempotent(t *testing.T) {
	req := testRequest(t, "POST")
	policy := domain.RetryPolicy{Total: 5, Read: 5}
	readErr := &domain.ReadError{Err: errors.New("eof"), Origin: "o", RequestSent: true}

	dec := decide(req, policy, 1, readErr, nil, time.Now())
	assert.Equal(t, actionSurface, dec.action)
	assert.Equal(t, readErr, dec.err)
}

func TestDecideReadAfterSentRetriesForIdempotent(t *testing.T) {
	req := testRequest(t, "GET")
	policy := domain.RetryPolicy{Total: 5, Read: 1}
	readErr := &domain.ReadError{Err: errors.New("eof"), Origin: "o", RequestSent: true}

	dec := decide(req, policy, 1, readErr, nil, time.Now())
	assert.Equal(t, actionRetry, dec.action)
	assert.Equal(t, 0, dec.policy.Read)

	dec = decide(req, dec.policy, 2, readErr, nil, time.Now())
	assert.Equal(t, actionSurface, dec.action)
}

func TestDecideIdempotencyHintAllowsPostRetry(t *testing.T) {
	req := testRequest(t, "POST")
	yes := true
	req.IdempotentHint = &yes
	policy := domain.RetryPolicy{Total: 2, Read: domain.UnsetCounter}
	readErr := &domain.ReadError{Err: errors.New("eof"), Origin: "o", RequestSent: true}

	dec := decide(req, policy, 1, readErr, nil, time.Now())
	assert.Equal(t, actionRetry, dec.action)
}

func TestDecideTimeoutNeverRetried(t *testing.T) {
	req := testRequest(t, "GET")
	policy := domain.RetryPolicy{Total: 5}
	timeout := &domain.TimeoutError{Phase: "total", Elapsed: time.Second}

	dec := decide(req, policy, 1, timeout, nil, time.Now())
	assert.Equal(t, actionSurface, dec.action)
	assert.Equal(t, timeout, dec.err)
}

func TestDecideRedirectConsumesRedirectBudget(t *testing.T) {
	req := testRequest(t, "GET")
	policy := domain.RetryPolicy{Total: 10, Redirect: 1, RaiseOnRedirect: true}
	head := headWithStatus(302, map[string]string{"Location": "https://b.example/"})

	dec := decide(req, policy, 1, nil, head, time.Now())
	assert.Equal(t, actionRedirect, dec.action)
	assert.Equal(t, 0, dec.policy.Redirect)

	dec = decide(req, dec.policy, 2, nil, head, time.Now())
	assert.Equal(t, actionSurface, dec.action)

	var maxErr *domain.MaxRetryError
	require.ErrorAs(t, dec.err, &maxErr)
	assert.ErrorIs(t, maxErr, domain.ErrTooManyRedirects)
}

func TestDecideRedirectExhaustedReturnsWhenNotRaising(t *testing.T) {
	req := testRequest(t, "GET")
	policy := domain.RetryPolicy{Total: 10, Redirect: 0, RaiseOnRedirect: false}
	head := headWithStatus(301, map[string]string{"Location": "/next"})

	dec := decide(req, policy, 1, nil, head, time.Now())
	assert.Equal(t, actionReturn, dec.action)
}

func TestDecideForcelistStatusRetries(t *testing.T) {
	req := testRequest(t, "GET")
	policy := domain.RetryPolicy{
		Total:           3,
		Status:          domain.UnsetCounter,
		StatusForcelist: map[int]struct{}{503: {}},
		BackoffFactor:   0.001,
		BackoffMax:      time.Second,
		RaiseOnStatus:   true,
	}
	head := headWithStatus(503, nil)

	dec := decide(req, policy, 1, nil, head, time.Now())
	assert.Equal(t, actionRetry, dec.action)
	assert.Equal(t, "status", dec.class)
}

func TestDecideForcelistStatusNotRetriedForPost(t *testing.T) {
	req := testRequest(t, "POST")
	policy := domain.RetryPolicy{
		Total:           3,
		StatusForcelist: map[int]struct{}{503: {}},
	}
	head := headWithStatus(503, nil)

	dec := decide(req, policy, 1, nil, head, time.Now())
	assert.Equal(t, actionReturn, dec.action)
}

func TestDecideRetryAfterWinsWhenLarger(t *testing.T) {
	req := testRequest(t, "GET")
	policy := domain.RetryPolicy{
		Total:             3,
		Status:            domain.UnsetCounter,
		StatusForcelist:   map[int]struct{}{503: {}},
		BackoffFactor:     0.001,
		BackoffMax:        time.Minute,
		RespectRetryAfter: true,
	}
	head := headWithStatus(503, map[string]string{"Retry-After": "2"})

	dec := decide(req, policy, 1, nil, head, time.Now())
	assert.Equal(t, actionRetry, dec.action)
	assert.GreaterOrEqual(t, dec.backoff, 2*time.Second)
}

func TestDecideSuccessReturns(t *testing.T) {
	req := testRequest(t, "GET")
	dec := decide(req, domain.DefaultRetryPolicy(), 1, nil, headWithStatus(200, nil), time.Now())
	assert.Equal(t, actionReturn, dec.action)
}
