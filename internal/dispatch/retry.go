// Package dispatch orchestrates one request through acquire, send,
// read, release and the retry/redirect state machine above the pools.
package dispatch

import (
	"context"
	"errors"
	"time"

	"github.com/ternhq/tern/internal/core/domain"
	"github.com/ternhq/tern/internal/util"
)

type action int

const (
	actionReturn action = iota
	actionRetry
	actionRedirect
	actionSurface
)

// decision is the retry controller's verdict on one attempt outcome.
type decision struct {
	action  action
	policy  domain.RetryPolicy
	backoff time.Duration
	err     error
	class   string // retry class for telemetry
	head    *domain.ResponseHead
}

// decide applies the decision table to the outcome of one attempt:
// first matching row wins. err and head are mutually exclusive.
func decide(req *domain.Request, policy domain.RetryPolicy, attempt int, err error, head *domain.ResponseHead, now time.Time) decision {
	if err != nil {
		return decideError(req, policy, attempt, err)
	}

	if head.IsRedirect() {
		if policy.RedirectLeft() {
			return decision{action: actionRedirect, policy: policy.ConsumeRedirect()}
		}
		if policy.RaiseOnRedirect {
			return decision{action: actionSurface, policy: policy, err: &domain.MaxRetryError{
				Reason: domain.ErrTooManyRedirects,
				URL:    req.URL.String(),
				Status: head.Status,
			}}
		}
		return decision{action: actionReturn, policy: policy}
	}

	if policy.InForcelist(head.Status) {
		if !policy.MethodRetryableOnStatus(req.Method) {
			return decision{action: actionReturn, policy: policy}
		}
		if policy.StatusLeft() {
			return decision{
				action:  actionRetry,
				policy:  policy.ConsumeStatus(),
				backoff: statusBackoff(policy, attempt, head, now),
				class:   "status",
			}
		}
		if policy.RaiseOnStatus {
			return decision{action: actionSurface, policy: policy, err: &domain.MaxRetryError{
				Reason: errors.New("status retries exhausted"),
				URL:    req.URL.String(),
				Status: head.Status,
			}}
		}
		return decision{action: actionReturn, policy: policy}
	}

	return decision{action: actionReturn, policy: policy}
}

func decideError(req *domain.Request, policy domain.RetryPolicy, attempt int, err error) decision {
	// Deadlines and cancellations are never retried; the caller's clock
	// has spoken.
	var te *domain.TimeoutError
	if errors.As(err, &te) || errors.Is(err, context.Canceled) || errors.Is(err, context.DeadlineExceeded) {
		return decision{action: actionSurface, policy: policy, err: err}
	}

	switch {
	case domain.IsRetryableConnect(err):
		if policy.ConnectLeft() {
			return decision{action: actionRetry, policy: policy.ConsumeConnect(), backoff: backoffFor(policy, attempt), class: "connect"}
		}

	case domain.IsReadBeforeSent(err):
		// Nothing reached the wire, so even non-idempotent requests are
		// safe to reissue.
		if policy.TotalLeft() {
			return decision{action: actionRetry, policy: policy.ConsumeOther(), backoff: backoffFor(policy, attempt), class: "read-before-sent"}
		}

	case domain.IsReadAfterSent(err) || isWriteError(err):
		if !req.Idempotent() {
			// The server may have acted on the request; surfacing is the
			// only safe option (RFC 2616 §8.1.4 semantics).
			return decision{action: actionSurface, policy: policy, err: err}
		}
		if policy.ReadLeft() {
			return decision{action: actionRetry, policy: policy.ConsumeRead(), backoff: backoffFor(policy, attempt), class: "read"}
		}

	default:
		if policy.TotalLeft() {
			return decision{action: actionRetry, policy: policy.ConsumeOther(), backoff: backoffFor(policy, attempt), class: "other"}
		}
	}

	return decision{action: actionSurface, policy: policy, err: &domain.MaxRetryError{
		Reason: err,
		URL:    req.URL.String(),
	}}
}

func isWriteError(err error) bool {
	var we *domain.WriteError
	return errors.As(err, &we)
}

func backoffFor(policy domain.RetryPolicy, attempt int) time.Duration {
	factor := time.Duration(policy.BackoffFactor * float64(time.Second))
	return util.CalculateExponentialBackoff(attempt, factor, policy.BackoffMax, policy.BackoffJitter)
}

// statusBackoff honours Retry-After when present and larger than the
// computed backoff.
func statusBackoff(policy domain.RetryPolicy, attempt int, head *domain.ResponseHead, now time.Time) time.Duration {
	computed := backoffFor(policy, attempt)
	if !policy.RespectRetryAfter {
		return computed
	}
	if delay, ok := util.ParseRetryAfter(head.Headers.Get("Retry-After"), now); ok && delay > computed {
		return delay
	}
	return computed
}
