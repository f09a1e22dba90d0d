package widget

import (
	"context"
	"html"
	"regexp"
	"strings"

	"github.com/rs/zerolog"

	"github.com/hexinfra/bengproxy/internal/istream"
)

// Processor flags, carried on a PROCESS transformation
// (translate.Transformation.ProcessFlags).
const (
	// FlagContainer lets the output embed child widgets; without it
	// <beng:widget> tags are refused.
	FlagContainer uint32 = 1 << 0
	// FlagRewriteURIs enables URI-attribute rewriting.
	FlagRewriteURIs uint32 = 1 << 1
	// FlagRewriteScripts extends URI rewriting into <script> bodies.
	FlagRewriteScripts uint32 = 1 << 2
)

// Processor consumes a widget's HTML output and emits the composed
// stream: embed tags spliced with sub-responses, URI attributes
// rewritten, &c:*; tokens substituted.
type Processor struct {
	resolver    *Resolver
	dispatch    Dispatch
	requestHost string
	focusRef    string
	focusPath   string
	focusQuery  string
	rewriteEnv  *RewriteEnv
	log         zerolog.Logger
}

// ProcessorConfig assembles a Processor.
type ProcessorConfig struct {
	Resolver    *Resolver
	Dispatch    Dispatch
	RequestHost string
	// FocusRef names the focused widget of this request, empty for
	// none.
	FocusRef   string
	FocusPath  string
	FocusQuery string
	RewriteEnv *RewriteEnv
	Log        zerolog.Logger
}

// NewProcessor builds a Processor.
func NewProcessor(cfg ProcessorConfig) *Processor {
	env := cfg.RewriteEnv
	if env == nil {
		env = &RewriteEnv{}
	}
	return &Processor{
		resolver:    cfg.Resolver,
		dispatch:    cfg.Dispatch,
		requestHost: cfg.RequestHost,
		focusRef:    cfg.FocusRef,
		focusPath:   cfg.FocusPath,
		focusQuery:  cfg.FocusQuery,
		rewriteEnv:  env,
		log:         cfg.Log,
	}
}

var (
	widgetTagRe = regexp.MustCompile(`(?is)<beng:widget\b[^>]*?(?:/>|>.*?</beng:widget\s*>)`)
	tagRe       = regexp.MustCompile(`(?i)<[a-z][a-z0-9]*\b[^>]*>`)
	attrRe      = regexp.MustCompile(`(?i)([a-z][a-z0-9:_-]*)\s*=\s*"([^"]*)"`)
	refreshRe   = regexp.MustCompile(`(?i)(url\s*=\s*)([^";]+)`)
	scriptRe    = regexp.MustCompile(`(?is)<script\b[^>]*>(.*?)</script\s*>`)
	scriptURIRe = regexp.MustCompile(`"(/[^"]*)"`)
)

// uriAttrModes lists the rewritten attributes and their default
// modes; beng:mode on the same tag overrides.
var uriAttrModes = map[string]RewriteMode{
	"href":       RewriteFocus,
	"action":     RewriteFocus,
	"formaction": RewriteFocus,
	"src":        RewritePartial,
	"background": RewritePartial,
}

// Process consumes source (a widget's raw HTML output) and returns
// the composed stream. parent is the widget whose output this is;
// its resolved class gates embeds via the approval rules.
func (p *Processor) Process(ctx context.Context, source istream.Istream, parent *Widget, flags uint32) (istream.Istream, error) {
	data, err := istream.Drain(source)
	if err != nil {
		return nil, err
	}
	text := string(data)

	rep := istream.NewReplacer(istream.Memory(data))

	// Pass 1: widget embed tags. Their ranges shadow everything
	// inside them for the later passes.
	type span struct{ start, end int }
	var widgetSpans []span
	for _, m := range widgetTagRe.FindAllStringIndex(text, -1) {
		widgetSpans = append(widgetSpans, span{m[0], m[1]})
		p.spliceWidget(ctx, rep, text[m[0]:m[1]], int64(m[0]), int64(m[1]), parent, flags)
	}
	shadowed := func(pos int) bool {
		for _, s := range widgetSpans {
			if pos >= s.start && pos < s.end {
				return true
			}
		}
		return false
	}

	// Pass 2: URI attributes and <meta http-equiv=refresh> content.
	if flags&FlagRewriteURIs != 0 && parent != nil {
		for _, tm := range tagRe.FindAllStringIndex(text, -1) {
			if shadowed(tm[0]) || strings.HasPrefix(strings.ToLower(text[tm[0]:]), "<beng:") {
				continue
			}
			p.rewriteTag(rep, text, tm[0], tm[1], parent)
		}
		if flags&FlagRewriteScripts != 0 {
			for _, sm := range scriptRe.FindAllStringSubmatchIndex(text, -1) {
				if shadowed(sm[0]) {
					continue
				}
				p.rewriteScriptBody(rep, text, sm[2], sm[3], parent)
			}
		}
	}

	// Pass 3: &c:*; substitution tokens ride on the subst stream so
	// partial matches across chunk boundaries stay correct.
	return istream.Subst(rep, p.substTokens(parent)), nil
}

// substTokens builds the &c:*; replacement set, HTML-escaped.
func (p *Processor) substTokens(parent *Widget) map[string]string {
	uri := p.rewriteEnv.ExternalBase
	path := ""
	frame := ""
	view := ""
	if parent != nil {
		path = parent.PathInfo
		frame = parent.Ref()
		view = parent.ViewName
	}
	return map[string]string{
		"&c:uri;":   html.EscapeString(uri),
		"&c:path;":  html.EscapeString(path),
		"&c:frame;": html.EscapeString(frame),
		"&c:view;":  html.EscapeString(view),
	}
}

// spliceWidget parses one <beng:widget> tag and installs its
// placeholder range.
func (p *Processor) spliceWidget(ctx context.Context, rep *istream.Replacer, tag string, start, end int64, parent *Widget, flags uint32) {
	attrs := parseAttrs(tag)
	w := &Widget{
		ClassName:      attrs["type"],
		ID:             attrs["id"],
		Parent:         parent,
		ViewName:       attrs["view"],
		DefaultURIArgs: attrs["args"],
	}
	if attrs["session"] == "pending" {
		w.SessionSyncPending = true
	}
	if w.ID == "" {
		w.ID = w.ClassName
	}

	if flags&FlagContainer == 0 {
		p.log.Warn().Str("widget", w.ID).Msg("embed tag outside a container view")
		rep.AddRange(start, end, errorPlaceholder(w, ErrForbidden))
		return
	}
	if w.ClassName == "" {
		rep.AddRange(start, end, istream.Null())
		return
	}
	if attrs["display"] == "none" {
		rep.AddRange(start, end, istream.Null())
		return
	}

	if w.FocusedOrAncestor(p.focusRef) {
		w.FocusRef = p.focusRef
		if w.Focused(p.focusRef) {
			w.PathInfo = p.focusPath
			w.Query = p.focusQuery
		}
	}

	// The placeholder is returned synchronously; the sub-request
	// fans out on its own goroutine and fills it in. Sub-requests of
	// the same parent therefore run in parallel while the output
	// stream splices them deterministically by template position.
	ph := newPlaceholder()
	go p.inlineWidget(ctx, ph, w)
	rep.AddRange(start, end, ph)
}

// rewriteTag rewrites the URI attributes of one tag in place.
func (p *Processor) rewriteTag(rep *istream.Replacer, text string, tagStart, tagEnd int, parent *Widget) {
	tag := text[tagStart:tagEnd]
	attrs := parseAttrs(tag)

	mode := RewriteMode(-1)
	if m, ok := attrs["beng:mode"]; ok {
		if parsed, ok := ParseRewriteMode(m); ok {
			mode = parsed
		}
	}

	lower := strings.ToLower(tag)
	isRefresh := strings.HasPrefix(lower, "<meta") && strings.EqualFold(attrs["http-equiv"], "refresh")

	for _, am := range attrRe.FindAllStringSubmatchIndex(tag, -1) {
		name := strings.ToLower(tag[am[2]:am[3]])
		valStart, valEnd := am[4], am[5]
		value := tag[valStart:valEnd]

		if isRefresh && name == "content" {
			if um := refreshRe.FindStringSubmatchIndex(value); um != nil {
				uri := value[um[4]:um[5]]
				rewritten, err := RewriteURI(parent, p.rewriteEnv, RewriteFocus, uri)
				if err == nil && rewritten != uri {
					rep.AddRange(int64(tagStart+valStart+um[4]), int64(tagStart+valStart+um[5]),
						istream.Str(html.EscapeString(rewritten)))
				}
			}
			continue
		}

		defMode, isURI := uriAttrModes[name]
		if !isURI {
			continue
		}
		m := defMode
		if mode >= 0 {
			m = mode
		}
		rewritten, err := RewriteURI(parent, p.rewriteEnv, m, value)
		if err != nil {
			p.log.Debug().Str("attr", name).Str("uri", value).Err(err).Msg("uri rewrite refused")
			continue
		}
		if rewritten == value {
			continue
		}
		rep.AddRange(int64(tagStart+valStart), int64(tagStart+valEnd),
			istream.Str(html.EscapeString(rewritten)))
	}
}

// rewriteScriptBody applies FOCUS rewriting to quoted absolute paths
// inside a script body.
func (p *Processor) rewriteScriptBody(rep *istream.Replacer, text string, bodyStart, bodyEnd int, parent *Widget) {
	body := text[bodyStart:bodyEnd]
	for _, m := range scriptURIRe.FindAllStringSubmatchIndex(body, -1) {
		uri := body[m[2]:m[3]]
		rewritten, err := RewriteURI(parent, p.rewriteEnv, RewriteFocus, uri)
		if err != nil || rewritten == uri {
			continue
		}
		rep.AddRange(int64(bodyStart+m[2]), int64(bodyStart+m[3]), istream.Str(rewritten))
	}
}

func parseAttrs(tag string) map[string]string {
	attrs := make(map[string]string)
	for _, m := range attrRe.FindAllStringSubmatch(tag, -1) {
		attrs[strings.ToLower(m[1])] = m[2]
	}
	return attrs
}
