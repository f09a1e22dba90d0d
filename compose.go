package proxycore

import (
	"context"
	"regexp"
	"strconv"
	"strings"

	"github.com/hexinfra/bengproxy/internal/istream"
	"github.com/hexinfra/bengproxy/internal/translate"
	"github.com/hexinfra/bengproxy/internal/widget"
)

// applyView runs a view's transformation chain over the backend
// response: PROCESS composes HTML, PROCESS_CSS and
// PROCESS_TEXT adapt other content types, FILTER pipes the body
// through another backend.
func (s *Server) applyView(ctx context.Context, req *clientRequest, tresp *translate.Response, view *translate.View, bresp *backendResponse) error {
	for _, tr := range view.Transformations {
		switch tr.Kind {
		case translate.TransformProcess:
			if err := s.processHTML(ctx, req, tresp, tr.ProcessFlags, bresp); err != nil {
				return err
			}
			bresp.headers.Set("Content-Type", "text/html; charset=utf-8")
		case translate.TransformProcessCSS:
			s.processCSS(req, tresp, bresp)
		case translate.TransformProcessText:
			escaped, err := istream.Drain(istream.HTMLEscape(istream.Memory(bresp.body)))
			if err != nil {
				return err
			}
			bresp.body = escaped
			bresp.headers.Set("Content-Type", "text/html; charset=utf-8")
		case translate.TransformFilter:
			filtered, err := s.executeAddress(ctx, &tr.Filter, "POST", tr.Filter.URI,
				[]translate.HeaderField{{Name: "Content-Type", Value: bresp.headers.Get("Content-Type")}},
				bresp.body)
			if err != nil {
				return err
			}
			bresp.body = filtered.body
			if ct := filtered.headers.Get("Content-Type"); ct != "" {
				bresp.headers.Set("Content-Type", ct)
			}
			// A decompressing filter invalidates the original coding.
			bresp.headers.Del("Content-Encoding")
		}
	}
	return nil
}

// processHTML runs the widget processor over the body.
func (s *Server) processHTML(ctx context.Context, req *clientRequest, tresp *translate.Response, flags uint32, bresp *backendResponse) error {
	root := &widget.Widget{
		ID: "root",
		Class: &widget.Class{
			Name:      "root",
			Container: true,
			Address:   tresp.Address,
		},
	}
	focus := argValue(req.Query, "focus")
	p := widget.NewProcessor(widget.ProcessorConfig{
		Resolver:    s.resolver,
		Dispatch:    s.dispatchWidget,
		RequestHost: req.Headers.Get("Host"),
		FocusRef:    focus,
		FocusPath:   argValue(req.Query, "path"),
		FocusQuery:  argValue(req.Query, "query"),
		RewriteEnv: &widget.RewriteEnv{
			ExternalBase:    req.Path,
			CurrentFocus:    focus,
			PartitionDomain: s.cfg.PartitionDomain,
			Stateful:        tresp.Stateful,
		},
		Log: s.log,
	})
	out, err := p.Process(ctx, istream.Memory(bresp.body), root, flags)
	if err != nil {
		return err
	}
	composed, err := istream.Drain(out)
	if err != nil {
		return err
	}
	bresp.body = composed
	return nil
}

// dispatchWidget issues one widget sub-request through the backend
// dispatcher.
func (s *Server) dispatchWidget(ctx context.Context, w *widget.Widget, view *translate.View) (*widget.SubResponse, error) {
	s.metrics.WidgetFanout.Inc()

	uri := w.Class.Address.URI
	if uri == "" {
		uri = "/"
	}
	if w.PathInfo != "" {
		uri = strings.TrimSuffix(uri, "/") + "/" + strings.TrimPrefix(w.PathInfo, "/")
	}
	if w.Query != "" {
		uri += "?" + w.Query
	} else if w.DefaultURIArgs != "" {
		uri += "?" + w.DefaultURIArgs
	}

	bresp, err := s.executeAddress(ctx, &w.Class.Address, "GET", uri, nil, nil)
	if err != nil {
		return nil, err
	}
	return &widget.SubResponse{
		StatusCode:  bresp.status,
		ContentType: bresp.headers.Get("Content-Type"),
		Body:        istream.Memory(bresp.body),
	}, nil
}

var cssURLRe = regexp.MustCompile(`url\(\s*['"]?(/[^'")]+)['"]?\s*\)`)

// processCSS rewrites url(...) references in stylesheet bodies the
// way the HTML processor rewrites src attributes.
func (s *Server) processCSS(req *clientRequest, tresp *translate.Response, bresp *backendResponse) {
	env := &widget.RewriteEnv{
		ExternalBase: req.Path,
		CurrentFocus: argValue(req.Query, "focus"),
		Stateful:     tresp.Stateful,
	}
	root := &widget.Widget{ID: "root", Class: &widget.Class{Name: "root", Container: true}}
	body := cssURLRe.ReplaceAllStringFunc(string(bresp.body), func(m string) string {
		sub := cssURLRe.FindStringSubmatch(m)
		rewritten, err := widget.RewriteURI(root, env, widget.RewritePartial, sub[1])
		if err != nil || rewritten == sub[1] {
			return m
		}
		return "url(" + strconv.Quote(rewritten) + ")"
	})
	bresp.body = []byte(body)
	bresp.headers.Set("Content-Type", "text/css; charset=utf-8")
}
