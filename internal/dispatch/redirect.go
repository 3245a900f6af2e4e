package dispatch

import (
	"net/url"
	"strings"

	"github.com/ternhq/tern/internal/core/domain"
	"github.com/ternhq/tern/internal/util"
)

// sensitive headers scrubbed on every cross-origin hop, regardless of
// policy configuration
var scrubAlways = []string{"Authorization", "Cookie", "Proxy-Authorization"}

// applyRedirect rewrites the request for a 3xx response. The returned
// request shares the body source only when the hop preserves it.
func applyRedirect(req *domain.Request, head *domain.ResponseHead, policy domain.RetryPolicy) (*domain.Request, error) {
	location := head.Headers.Get("Location")
	target, err := req.URL.Parse(location)
	if err != nil {
		return nil, &domain.ProtocolViolationError{Err: err, Reason: "unresolvable Location header"}
	}
	target = util.NormalizeURL(target)

	next := *req
	next.URL = target
	next.Headers = req.Headers.Clone()

	switch head.Status {
	case 301, 302, 303:
		// Historical 3xx semantics: non-GET/HEAD methods collapse to a
		// body-less GET.
		if req.Method != "GET" && req.Method != "HEAD" {
			next.Method = "GET"
			next.Body = nil
			dropContentHeaders(next.Headers)
		}
	case 307, 308:
		if req.Body != nil && !req.Body.Rewindable() {
			return nil, domain.ErrBodyNotRewindable
		}
	}

	if crossOrigin(req.URL, target) {
		for _, name := range scrubAlways {
			next.Headers.Del(name)
		}
		for _, name := range policy.RemoveHeadersOnRedirect {
			next.Headers.Del(name)
		}
	}

	// A stale Host header would repoint the request at the old origin.
	next.Headers.Del("Host")

	return &next, nil
}

func dropContentHeaders(headers *domain.Headers) {
	var remove []string
	headers.Range(func(name, _ string) bool {
		if strings.HasPrefix(strings.ToLower(name), "content-") {
			remove = append(remove, name)
		}
		return true
	})
	for _, name := range remove {
		headers.Del(name)
	}
}

// crossOrigin compares the trust boundary of two URLs: scheme family,
// host and effective port.
func crossOrigin(from, to *url.URL) bool {
	fromScheme, err := domain.ParseScheme(from.Scheme)
	if err != nil {
		return true
	}
	toScheme, err := domain.ParseScheme(to.Scheme)
	if err != nil {
		return true
	}
	a := domain.Origin{Scheme: fromScheme, Host: strings.ToLower(from.Hostname()), Port: util.PortOf(from)}
	b := domain.Origin{Scheme: toScheme, Host: strings.ToLower(to.Hostname()), Port: util.PortOf(to)}
	return !a.SameSite(b)
}
