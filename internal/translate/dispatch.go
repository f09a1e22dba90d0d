package translate

import (
	"context"
	"errors"
	"fmt"
	"strings"

	"github.com/rs/zerolog"
)

// ErrCheckLoop is returned when the oracle keeps demanding CHECK
// rounds past the bound; the dispatcher answers 502.
var ErrCheckLoop = errors.New("translate: CHECK loop exceeded bound")

const defaultMaxCheckRounds = 4

// Dispatcher runs the translation rounds for incoming requests, with
// a translation cache in front of the oracle.
type Dispatcher struct {
	oracle         Oracle
	tcache         *TCache
	maxCheckRounds int
	log            zerolog.Logger
}

// NewDispatcher wraps oracle. tcache may be nil to disable caching.
func NewDispatcher(oracle Oracle, tcache *TCache, log zerolog.Logger) *Dispatcher {
	return &Dispatcher{
		oracle:         oracle,
		tcache:         tcache,
		maxCheckRounds: defaultMaxCheckRounds,
		log:            log,
	}
}

// Resolve runs the CHECK loop: the first round translates the
// request as-is; while the oracle answers with a check blob, the
// request is retried carrying the blob back, up to the bound.
func (d *Dispatcher) Resolve(ctx context.Context, req *Request) (*Response, error) {
	r := *req
	for round := 0; round <= d.maxCheckRounds; round++ {
		resp, err := d.translate(ctx, &r)
		if err != nil {
			return nil, err
		}
		if len(resp.Check) == 0 {
			return resp, nil
		}
		d.log.Debug().Str("uri", r.URI).Int("round", round+1).Msg("translation demands CHECK round")
		r.Check = resp.Check
	}
	return nil, ErrCheckLoop
}

// ErrorDocument re-translates with the failed status filled in,
// fetching a replacement body location.
func (d *Dispatcher) ErrorDocument(ctx context.Context, req *Request, status int) (*Response, error) {
	r := *req
	r.Check = nil
	r.ErrorDocumentStatus = status
	return d.translate(ctx, &r)
}

// ResolveWidget resolves a widget class by type name.
func (d *Dispatcher) ResolveWidget(ctx context.Context, widgetType string) (*Response, error) {
	return d.translate(ctx, &Request{WidgetType: widgetType})
}

func (d *Dispatcher) translate(ctx context.Context, req *Request) (*Response, error) {
	// CHECK and error-document rounds carry volatile state the
	// cache must not capture. Widget-class lookups carry no host or
	// URI, so they would all share one cache key; they bypass it.
	cacheable := len(req.Check) == 0 && req.ErrorDocumentStatus == 0 && req.WidgetType == ""
	if d.tcache != nil && cacheable {
		if resp, ok := d.tcache.Get(req); ok {
			return resp, nil
		}
	}
	resp, err := d.oracle.Translate(ctx, req)
	if err != nil {
		return nil, err
	}
	if d.tcache != nil && cacheable && len(resp.Check) == 0 {
		d.tcache.Put(req, resp)
	}
	return resp, nil
}

// FlushCache drops the whole translation cache (control-channel
// FLUSH_TRANSLATION_CACHE).
func (d *Dispatcher) FlushCache() {
	if d.tcache != nil {
		d.tcache.Flush()
	}
}

// InvalidateCache forwards a TCACHE_INVALIDATE selector.
func (d *Dispatcher) InvalidateCache(host, uriPrefix string) int {
	if d.tcache == nil {
		return 0
	}
	return d.tcache.Invalidate(host, uriPrefix)
}

// header group classification for the forwarding policy. The well
// known names of each group; anything unlisted is GroupOther.
var headerGroups = map[string]HeaderGroup{
	"accept":            GroupCapabilities,
	"accept-charset":    GroupCapabilities,
	"accept-encoding":   GroupCapabilities,
	"accept-language":   GroupCapabilities,
	"user-agent":        GroupCapabilities,
	"cookie":            GroupCookie,
	"cookie2":           GroupCookie,
	"set-cookie":        GroupCookie,
	"authorization":     GroupIdentity,
	"www-authenticate":  GroupIdentity,
	"x-forwarded-for":   GroupIdentity,
	"via":               GroupIdentity,
	"origin":            GroupCORS,
	"access-control-request-method":  GroupCORS,
	"access-control-request-headers": GroupCORS,
	"access-control-allow-origin":    GroupCORS,
	"x-cm4all-beng-user":             GroupSecure,
	"x-cm4all-beng-session":          GroupSecure,
}

// ClassifyHeader returns the forwarding group of a header name.
func ClassifyHeader(name string) HeaderGroup {
	if g, ok := headerGroups[strings.ToLower(name)]; ok {
		return g
	}
	return GroupOther
}

// ForwardRequestHeaders applies a request-side forwarding policy:
// headers whose group says ForwardNo are dropped; ForwardMangle
// rewrites the identity headers (X-Forwarded-For gains the client
// address if the previous hop is a trusted proxy, Via gains our
// token). Returns the filtered header list.
func ForwardRequestHeaders(policy ForwardPolicy, headers []HeaderField, clientAddr, viaToken string, trustedProxy func(string) bool) []HeaderField {
	out := make([]HeaderField, 0, len(headers)+2)
	sawXFF, sawVia := false, false
	for _, h := range headers {
		group := ClassifyHeader(h.Name)
		mode := policy[group]
		lname := strings.ToLower(h.Name)
		switch mode {
		case ForwardNo:
			continue
		case ForwardYes, ForwardBoth:
			out = append(out, h)
		case ForwardMangle:
			switch lname {
			case "x-forwarded-for":
				// Only trust the chain when the direct peer is a
				// configured proxy; otherwise start fresh.
				if trustedProxy != nil && trustedProxy(clientAddr) {
					h.Value = h.Value + ", " + clientAddr
					out = append(out, h)
					sawXFF = true
				}
			case "via":
				h.Value = h.Value + ", " + viaToken
				out = append(out, h)
				sawVia = true
			default:
				out = append(out, h)
			}
		}
	}
	if policy[GroupIdentity] == ForwardMangle {
		if !sawXFF && clientAddr != "" {
			out = append(out, HeaderField{"X-Forwarded-For", clientAddr})
		}
		if !sawVia && viaToken != "" {
			out = append(out, HeaderField{"Via", viaToken})
		}
	}
	return out
}

// HeaderField mirrors the protocol clients' header pair shape.
type HeaderField struct {
	Name  string
	Value string
}

// ForwardResponseHeaders applies the response-side policy: headers
// whose group says ForwardNo are dropped and all others pass
// unchanged; no response header is mangled.
func ForwardResponseHeaders(policy ForwardPolicy, headers []HeaderField) []HeaderField {
	out := make([]HeaderField, 0, len(headers))
	for _, h := range headers {
		mode := policy[ClassifyHeader(h.Name)]
		if mode == ForwardNo {
			continue
		}
		out = append(out, h)
	}
	return out
}

// SessionCookie renders the Set-Cookie header value for the session
// id under the translation's cookie settings.
func SessionCookie(resp *Response, sessionID string) string {
	name := resp.SessionCookie
	if name == "" {
		name = "beng_proxy_session"
	}
	var b strings.Builder
	fmt.Fprintf(&b, "%s=%s; HttpOnly; Path=/", name, sessionID)
	if resp.CookieHost != "" {
		fmt.Fprintf(&b, "; Domain=%s", resp.CookieHost)
	}
	return b.String()
}
