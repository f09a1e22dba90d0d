package widget

import (
	"fmt"
	"net/url"
	"strings"

	"github.com/hexinfra/bengproxy/internal/translate"
)

// RewriteMode selects how a URI inside widget output is rewritten.
type RewriteMode int

const (
	// RewriteDirect emits an absolute URI pointing at the widget's
	// own backend; only HTTP-addressed widgets can be reached that
	// way.
	RewriteDirect RewriteMode = iota
	// RewriteFocus routes through the proxy and makes the widget
	// the focused one.
	RewriteFocus
	// RewritePartial routes through the proxy but keeps the current
	// focus.
	RewritePartial
	// RewriteProxy routes through the proxy to fetch the raw widget
	// output.
	RewriteProxy
	// RewritePartition maps the widget to its own hostname shard,
	// <widget-prefix>.<partition-domain>.
	RewritePartition
	// RewriteResponse uses the widget's response URL directly.
	RewriteResponse
)

// ParseRewriteMode decodes a beng:mode attribute value.
func ParseRewriteMode(s string) (RewriteMode, bool) {
	switch strings.ToLower(s) {
	case "direct":
		return RewriteDirect, true
	case "focus":
		return RewriteFocus, true
	case "partial":
		return RewritePartial, true
	case "proxy":
		return RewriteProxy, true
	case "partition":
		return RewritePartition, true
	case "response":
		return RewriteResponse, true
	}
	return 0, false
}

// RewriteEnv carries the request-scoped context a rewrite needs.
type RewriteEnv struct {
	// ExternalBase is the client-facing path the composed page was
	// requested under (e.g. "/page").
	ExternalBase string
	// CurrentFocus is the focus ref of the enclosing request, kept
	// by PARTIAL rewrites.
	CurrentFocus string
	// PartitionDomain is the suffix for PARTITION hostname shards.
	PartitionDomain string
	// Stateful, when the widget's class is stateful, appends the
	// widget's current path-info so the session state survives the
	// round trip.
	Stateful bool
	// ResponseURL backs RewriteResponse.
	ResponseURL string
}

// RewriteURI rewrites one uri found in w's output. Absolute URIs,
// fragments and non-http schemes pass through untouched.
func RewriteURI(w *Widget, env *RewriteEnv, mode RewriteMode, uri string) (string, error) {
	if uri == "" || uri[0] == '#' ||
		strings.HasPrefix(uri, "http://") || strings.HasPrefix(uri, "https://") ||
		strings.Contains(uri, ":") && !strings.HasPrefix(uri, "/") {
		return uri, nil
	}

	switch mode {
	case RewriteDirect:
		if w.Class == nil || w.Class.Address.Kind != translate.AddrHTTP {
			return "", fmt.Errorf("widget %q: DIRECT rewrite requires an HTTP-addressed class", w.ID)
		}
		return "http://" + w.Class.Address.Host + absolutePath(uri), nil

	case RewriteFocus:
		return proxyURI(env, w, uri, w.Ref(), ""), nil

	case RewritePartial:
		return proxyURI(env, w, uri, env.CurrentFocus, w.Ref()), nil

	case RewriteProxy:
		q := url.Values{}
		q.Set("frame", w.Ref())
		q.Set("raw", "1")
		return env.ExternalBase + "?" + q.Encode(), nil

	case RewritePartition:
		if env.PartitionDomain == "" {
			return "", fmt.Errorf("widget %q: PARTITION rewrite without a partition domain", w.ID)
		}
		host := w.ID + "." + env.PartitionDomain
		q := url.Values{}
		q.Set("focus", env.CurrentFocus)
		q.Set("frame", w.Ref())
		q.Set("path", strings.TrimPrefix(uri, "/"))
		return "//" + host + env.ExternalBase + "?" + q.Encode(), nil

	case RewriteResponse:
		if env.ResponseURL == "" {
			return uri, nil
		}
		return env.ResponseURL, nil
	}
	return uri, nil
}

// proxyURI builds a route-through-proxy URI: the external base plus
// args naming the focused widget and the widget-relative path.
func proxyURI(env *RewriteEnv, w *Widget, uri, focus, frame string) string {
	q := url.Values{}
	if focus != "" {
		q.Set("focus", focus)
	}
	if frame != "" {
		q.Set("frame", frame)
	}
	path, query, _ := strings.Cut(uri, "?")
	q.Set("path", strings.TrimPrefix(path, "/"))
	if query != "" {
		q.Set("query", query)
	}
	if env.Stateful && w.PathInfo != "" {
		q.Set("state", w.PathInfo)
	}
	return env.ExternalBase + "?" + q.Encode()
}

func absolutePath(uri string) string {
	if strings.HasPrefix(uri, "/") {
		return uri
	}
	return "/" + uri
}
