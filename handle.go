package proxycore

import (
	"context"
	"encoding/hex"
	"errors"
	"io"
	"io/fs"
	"net/textproto"
	"strings"

	"github.com/hexinfra/bengproxy/internal/cache"
	"github.com/hexinfra/bengproxy/internal/istream"
	"github.com/hexinfra/bengproxy/internal/protocolclient/httpclient"
	"github.com/hexinfra/bengproxy/internal/session"
	"github.com/hexinfra/bengproxy/internal/translate"
	"github.com/hexinfra/bengproxy/internal/widget"
)

const sessionCookieName = "beng_proxy_session"

// handle runs the full translation-driven pipeline for one request.
func (s *Server) handle(req *clientRequest) *response {
	ctx, cancel := context.WithTimeout(context.Background(), s.cfg.ReadTimeout)
	defer cancel()

	sid, haveSession := s.sessionFromCookie(req)

	treq := s.buildTranslateRequest(req, sid, haveSession)
	tresp, err := s.dispatcher.Resolve(ctx, treq)
	if err != nil {
		return s.errorResponse(err)
	}

	if r := shortCircuit(tresp); r != nil {
		return r
	}

	if len(tresp.Invalidate) > 0 {
		s.respCache.Invalidate(tresp.Invalidate, req.headerLookup())
	}

	var resp *response
	if s.cacheable(req, tresp) {
		resp = s.handleCached(ctx, req, treq, tresp)
	} else {
		resp, err = s.execute(ctx, req, treq, tresp)
		if err != nil {
			return s.errorResponse(err)
		}
	}

	s.attachSession(resp, req, tresp, sid, haveSession)
	return resp
}

func (s *Server) cacheable(req *clientRequest, tresp *translate.Response) bool {
	return req.Method == "GET" && tresp.MaxAge > 0
}

func (s *Server) handleCached(ctx context.Context, req *clientRequest, treq *translate.Request, tresp *translate.Response) *response {
	hdr := req.headerLookup()
	fetched := false
	cached, err := s.respCache.Fetch(req.Method, req.Target, hdr,
		func() (*cache.Response, *cache.Info, map[string]string, error) {
			fetched = true
			s.metrics.CacheMisses.Inc()
			resp, err := s.execute(ctx, req, treq, tresp)
			if err != nil {
				return nil, nil, nil, err
			}
			info := tresp.CacheInfo()
			return &cache.Response{
				StatusCode: resp.status,
				Headers:    toMIME(resp.headers),
				Body:       resp.body,
			}, &info, tresp.ExpandHeaders, nil
		})
	if err != nil {
		return s.errorResponse(err)
	}
	if !fetched {
		s.metrics.CacheHits.Inc()
	}
	defer cached.Release()
	resp := &response{status: cached.StatusCode, body: cached.Body}
	for name, values := range cached.Headers {
		for _, v := range values {
			resp.headers = append(resp.headers, translate.HeaderField{Name: name, Value: v})
		}
	}
	return resp
}

func (req *clientRequest) headerLookup() cache.RequestHeaders {
	return func(name string) string { return req.Headers.Get(name) }
}

func (s *Server) buildTranslateRequest(req *clientRequest, sid session.ID, haveSession bool) *translate.Request {
	treq := &translate.Request{
		URI:            req.Path,
		Host:           req.Headers.Get("Host"),
		UserAgent:      req.Headers.Get("User-Agent"),
		AcceptLanguage: req.Headers.Get("Accept-Language"),
		Authorization:  req.Headers.Get("Authorization"),
		Args:           req.Query,
		RemoteHost:     req.RemoteAddr,
	}
	if haveSession {
		treq.Session = sid[:]
	}
	return treq
}

func shortCircuit(tresp *translate.Response) *response {
	if tresp.Redirect != "" {
		r := &response{status: 302}
		if tresp.Status >= 300 && tresp.Status < 400 {
			r.status = tresp.Status
		}
		r.setHeader("Location", tresp.Redirect)
		return r
	}
	if tresp.WWWAuthenticate != "" {
		r := &response{status: 401, body: []byte(tresp.Message)}
		r.setHeader("WWW-Authenticate", tresp.WWWAuthenticate)
		return r
	}
	if tresp.Status != 0 && tresp.Address.Kind == translate.AddrNone {
		return &response{status: tresp.Status, body: []byte(tresp.Message)}
	}
	return nil
}

// execute runs the backend exchange, the error-document replacement
// and the view's transformation chain.
func (s *Server) execute(ctx context.Context, req *clientRequest, treq *translate.Request, tresp *translate.Response) (*response, error) {
	fwd := translate.ForwardRequestHeaders(
		tresp.RequestHeaderForward,
		mimeToFields(req.Headers),
		req.RemoteAddr,
		s.cfg.Via,
		s.trustedProxy,
	)

	bresp, err := s.executeAddress(ctx, &tresp.Address, req.Method, backendURI(tresp, req), fwd, req.Body)
	if err != nil {
		return nil, err
	}

	if tresp.WantsErrorDocument(bresp.status) {
		s.replaceWithErrorDocument(ctx, treq, bresp)
	}

	if view := selectView(tresp, req); view != nil {
		if err := s.applyView(ctx, req, tresp, view, bresp); err != nil {
			return nil, err
		}
	}

	resp := &response{status: bresp.status, body: bresp.body}
	for _, h := range translate.ForwardResponseHeaders(tresp.ResponseHeaderForward, mimeToFields(bresp.headers)) {
		switch strings.ToLower(h.Name) {
		case "connection", "keep-alive", "content-length", "transfer-encoding":
			continue // the client-side writer owns framing
		}
		resp.headers = append(resp.headers, h)
	}
	for name, value := range tresp.InjectHeaders {
		resp.setHeader(name, value)
	}
	if tresp.Status != 0 {
		resp.status = tresp.Status
	}
	return resp, nil
}

func (s *Server) replaceWithErrorDocument(ctx context.Context, treq *translate.Request, bresp *backendResponse) {
	edoc, err := s.dispatcher.ErrorDocument(ctx, treq, bresp.status)
	if err != nil || edoc.Address.Kind == translate.AddrNone {
		return
	}
	eresp, err := s.executeAddress(ctx, &edoc.Address, "GET", edoc.Address.URI, nil, nil)
	if err != nil {
		s.log.Warn().Int("status", bresp.status).Err(err).Msg("error document fetch failed")
		return
	}
	bresp.body = eresp.body
	if ct := eresp.headers.Get("Content-Type"); ct != "" {
		bresp.headers.Set("Content-Type", ct)
	}
}

// backendURI maps the client uri onto the backend resource.
func backendURI(tresp *translate.Response, req *clientRequest) string {
	if tresp.Address.URI != "" {
		uri := tresp.Address.URI
		if tresp.Transparent && req.Query != "" {
			uri += "?" + req.Query
		}
		return uri
	}
	return req.Target
}

// selectView picks the named view from the args, falling back to the
// first view.
func selectView(tresp *translate.Response, req *clientRequest) *translate.View {
	if len(tresp.Views) == 0 {
		return nil
	}
	name := argValue(req.Query, "view")
	if name == "" {
		return &tresp.Views[0]
	}
	for i := range tresp.Views {
		if tresp.Views[i].Name == name {
			return &tresp.Views[i]
		}
	}
	return &tresp.Views[0]
}

func argValue(query, key string) string {
	for _, kv := range strings.Split(query, "&") {
		k, v, _ := strings.Cut(kv, "=")
		if k == key {
			return v
		}
	}
	return ""
}

// sessionFromCookie extracts the session id from the request.
func (s *Server) sessionFromCookie(req *clientRequest) (session.ID, bool) {
	var id session.ID
	for _, part := range strings.Split(req.Headers.Get("Cookie"), ";") {
		name, value, ok := strings.Cut(strings.TrimSpace(part), "=")
		if !ok || name != sessionCookieName {
			continue
		}
		raw, err := hex.DecodeString(value)
		if err != nil || len(raw) != session.IDSize {
			return id, false
		}
		copy(id[:], raw)
		if err := s.sessions.Access(id, nil); err != nil {
			return id, false
		}
		return id, true
	}
	return id, false
}

// attachSession creates a session and sets the cookie when the
// translation wants one.
func (s *Server) attachSession(resp *response, req *clientRequest, tresp *translate.Response, sid session.ID, haveSession bool) {
	wantsSession := tresp.SessionCookie != "" || tresp.Stateful
	if !wantsSession || haveSession {
		return
	}
	id, err := s.sessions.Create()
	if err != nil {
		s.log.Error().Err(err).Msg("session create failed")
		return
	}
	if tresp.SessionSite != "" {
		s.sessions.Access(id, func(sess *session.Session) { sess.Site = tresp.SessionSite })
	}
	resp.setHeader("Set-Cookie", translate.SessionCookie(tresp, hex.EncodeToString(id[:])))
}

func (s *Server) trustedProxy(addr string) bool {
	for _, p := range s.cfg.TrustedProxies {
		if p == addr {
			return true
		}
	}
	return false
}

// errorResponse maps the backend error taxonomy onto status
// codes and the verbose/canned body toggle.
func (s *Server) errorResponse(err error) *response {
	status := 502
	canned := "Bad gateway"
	logMsg := ""

	var timeoutErr *istream.ErrTimeout
	switch {
	case errors.Is(err, context.DeadlineExceeded) || errors.As(err, &timeoutErr):
		status, canned = 504, "Gateway timeout"
	case errors.Is(err, widget.ErrForbidden):
		status, canned = 403, "Forbidden"
	case errors.Is(err, fs.ErrNotExist):
		status, canned = 404, "Not found"
	case errors.Is(err, httpclient.ErrPrematureClose),
		errors.Is(err, io.EOF), errors.Is(err, io.ErrUnexpectedEOF):
		logMsg = "premature end of response"
	case errors.Is(err, translate.ErrCheckLoop):
	}

	ev := s.log.Warn().Err(err).Int("status", status)
	if logMsg != "" {
		ev = ev.Str("reason", logMsg)
	}
	ev.Msg("request failed")

	body := canned
	if s.cfg.VerboseErrors {
		body = err.Error()
	}
	r := &response{status: status, body: []byte(body)}
	r.setHeader("Content-Type", "text/plain")
	return r
}

func toMIME(fields []translate.HeaderField) textproto.MIMEHeader {
	h := make(textproto.MIMEHeader, len(fields))
	for _, f := range fields {
		h.Add(f.Name, f.Value)
	}
	return h
}

func mimeToFields(h textproto.MIMEHeader) []translate.HeaderField {
	out := make([]translate.HeaderField, 0, len(h))
	for name, values := range h {
		for _, v := range values {
			out = append(out, translate.HeaderField{Name: name, Value: v})
		}
	}
	return out
}
