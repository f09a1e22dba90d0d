package widget

import (
	"context"
	"errors"
	"fmt"
	"mime"
	"strings"
	"sync"
	"time"

	"github.com/hexinfra/bengproxy/internal/istream"
	"github.com/hexinfra/bengproxy/internal/translate"
)

// ErrUnsupportedEncoding is raised when a sub-widget produced a
// content-type the composer cannot splice.
var ErrUnsupportedEncoding = errors.New("widget: unsupported sub-response content type")

// Deadlines for inline sub-requests: the headers must arrive within
// HeaderDeadline, which the sub-request's context enforces. The body
// is wrapped in an istream.Timeout of BodyDeadline; that wrapper fires
// only when its Tick is called, and nothing in the proxy calls Tick,
// so the body deadline is not enforced.
const (
	HeaderDeadline = 5 * time.Second
	BodyDeadline   = 10 * time.Second
)

// SubResponse is what the dispatcher hands back for one sub-request.
type SubResponse struct {
	StatusCode  int
	ContentType string
	Body        istream.Istream
}

// Dispatch issues one widget sub-request. Implemented by the request
// dispatcher; tests plug in fakes. The context carries the header
// deadline.
type Dispatch func(ctx context.Context, w *Widget, view *translate.View) (*SubResponse, error)

// placeholder is the splice target for one sub-widget: an Istream
// that blocks its consumer until the sub-request resolved it from
// another goroutine. This is the thread-safe rendition of the
// hold+delayed pattern: the processor returns the placeholder
// synchronously, the fan-out goroutine fills it in.
type placeholder struct {
	ready chan struct{}

	mu      sync.Mutex
	src     istream.Istream
	handler istream.Handler
	closed  bool
}

func newPlaceholder() *placeholder {
	return &placeholder{ready: make(chan struct{})}
}

// resolve supplies the real stream; called exactly once. A refused
// or failed sub-request resolves with an error-placeholder stream so
// the parent keeps composing.
func (p *placeholder) resolve(src istream.Istream) {
	p.mu.Lock()
	if p.closed {
		p.mu.Unlock()
		close(p.ready)
		src.Close()
		return
	}
	p.src = src
	p.mu.Unlock()
	close(p.ready)
}

func (p *placeholder) Available(partial bool) (int64, bool) {
	p.mu.Lock()
	defer p.mu.Unlock()
	if p.src == nil {
		return 0, false
	}
	return p.src.Available(partial)
}

func (p *placeholder) SetHandler(h istream.Handler) {
	p.mu.Lock()
	p.handler = h
	if p.src != nil {
		p.src.SetHandler(h)
	}
	p.mu.Unlock()
}

func (p *placeholder) Read() {
	<-p.ready
	p.mu.Lock()
	if p.closed {
		p.mu.Unlock()
		return
	}
	src := p.src
	if p.handler != nil {
		src.SetHandler(p.handler)
	}
	p.mu.Unlock()
	src.Read()
}

func (p *placeholder) Skip(n int64) {
	<-p.ready
	if p.src != nil {
		p.src.Skip(n)
	}
}

func (p *placeholder) AsFD() (int, istream.FDType, bool) { return -1, istream.FDNone, false }

func (p *placeholder) Close() {
	p.mu.Lock()
	if p.closed {
		p.mu.Unlock()
		return
	}
	p.closed = true
	src := p.src
	p.mu.Unlock()
	if src != nil {
		src.Close()
	}
}

// spliceable reports whether the composer can inline a sub-response
// of this media type: text/*, application/xml, application/xhtml+xml.
func spliceable(mediaType string) bool {
	if strings.HasPrefix(mediaType, "text/") {
		return true
	}
	return mediaType == "application/xml" || mediaType == "application/xhtml+xml"
}

// adaptSubResponse turns a sub-response body into a splice-ready
// UTF-8 HTML stream: charset converted via iconv, text/plain wrapped
// in <pre>, anything unspliceable refused.
func adaptSubResponse(resp *SubResponse) (istream.Istream, error) {
	mediaType, params, err := mime.ParseMediaType(resp.ContentType)
	if err != nil {
		mediaType = resp.ContentType
		params = nil
	}
	if !spliceable(mediaType) {
		resp.Body.Close()
		return nil, fmt.Errorf("%w: %q", ErrUnsupportedEncoding, resp.ContentType)
	}

	body := resp.Body
	if cs, ok := params["charset"]; ok && !strings.EqualFold(cs, "utf-8") {
		conv, err := istream.Iconv(body, cs, "utf-8")
		if err != nil {
			body.Close()
			return nil, err
		}
		body = conv
	}
	if mediaType == "text/plain" {
		body = istream.Cat(istream.Str("<pre>"), istream.HTMLEscape(body), istream.Str("</pre>"))
	}
	return istream.NewTimeout(body, BodyDeadline), nil
}

// errorPlaceholder is the inline stream emitted where a sub-widget
// could not be composed.
func errorPlaceholder(w *Widget, cause error) istream.Istream {
	return istream.Str(fmt.Sprintf("<!-- widget %q: %s -->", w.ID, htmlCommentSafe(cause.Error())))
}

func htmlCommentSafe(s string) string {
	return strings.ReplaceAll(s, "--", "- -")
}

// inlineWidget runs the full inline-splice pipeline for one passive
// sub-widget: class
// resolution, approval and trust checks, view lookup, the
// sub-request under the header deadline, and content-type
// adaptation. Any refusal or failure resolves the placeholder with
// an error placeholder stream instead of tearing down the parent.
func (p *Processor) inlineWidget(ctx context.Context, ph *placeholder, w *Widget) {
	stream, err := p.fetchInline(ctx, w)
	if err != nil {
		p.log.Warn().Str("widget", w.ID).Str("class", w.ClassName).Err(err).
			Msg("inline widget refused")
		ph.resolve(errorPlaceholder(w, err))
		return
	}
	ph.resolve(stream)
}

func (p *Processor) fetchInline(ctx context.Context, w *Widget) (istream.Istream, error) {
	class, err := p.resolver.Resolve(ctx, w.ClassName)
	if err != nil {
		return nil, err
	}
	w.Class = class

	if err := CheckApproval(parentClass(w), class); err != nil {
		return nil, err
	}
	if err := class.CheckHost(p.requestHost); err != nil {
		return nil, err
	}
	view, ok := class.ViewNamed(w.ViewName)
	if !ok {
		return nil, fmt.Errorf("widget %q: view %q not defined on class %q", w.ID, w.ViewName, class.Name)
	}

	hctx, cancel := context.WithTimeout(ctx, HeaderDeadline)
	defer cancel()
	resp, err := p.dispatch(hctx, w, view)
	if err != nil {
		return nil, err
	}
	return adaptSubResponse(resp)
}

func parentClass(w *Widget) *Class {
	if w.Parent == nil {
		return nil
	}
	return w.Parent.Class
}
