// Package translate defines the translation oracle's request and
// response structures and the dispatcher logic
// driven by them: the bounded CHECK loop, the error-document flow,
// per-group header forwarding, and sticky-session cluster balancing.
//
// The oracle itself is an external collaborator; its wire protocol is
// out of scope and it appears here only as the Oracle interface.
package translate

import (
	"context"
	"regexp"
	"time"

	"github.com/hexinfra/bengproxy/internal/cache"
)

// AddressKind selects the backend transport for a resource.
type AddressKind int

const (
	AddrNone AddressKind = iota
	AddrLocal
	AddrHTTP
	AddrLHTTP
	AddrPipe
	AddrCGI
	AddrFastCGI
	AddrWAS
	AddrAJP
	AddrNFS
)

// Address is a concrete backend location.
type Address struct {
	Kind AddressKind

	// Path is the filesystem path for LOCAL/NFS, the executable for
	// CGI/PIPE, or the Unix socket path for FASTCGI/WAS/LHTTP child
	// stocks.
	Path string

	// Host is the host:port for HTTP/AJP backends.
	Host string

	// URI is the backend-side request uri, when it differs from the
	// client-facing one.
	URI string

	// Tag groups stock items for fade_tag.
	Tag string

	// Cluster lists alternative hosts for load-balanced HTTP
	// backends; empty means Host alone.
	Cluster []string
}

// TransformationKind is one step of a view's chain.
type TransformationKind int

const (
	TransformProcess TransformationKind = iota
	TransformProcessCSS
	TransformProcessText
	TransformFilter
)

// Transformation is one element of a view chain.
type Transformation struct {
	Kind TransformationKind

	// ProcessFlags tweaks the HTML processor (container behavior,
	// script rewriting).
	ProcessFlags uint32

	// Filter is the backend to pipe the body through when Kind is
	// TransformFilter.
	Filter Address
}

// View is a named transformation chain.
type View struct {
	Name            string
	Transformations []Transformation
}

// HeaderGroup classifies headers for forwarding policy.
type HeaderGroup int

const (
	GroupCapabilities HeaderGroup = iota
	GroupCookie
	GroupIdentity
	GroupOther
	GroupCORS
	GroupSecure
	groupCount
)

// ForwardMode is the per-group forwarding decision.
type ForwardMode int

// The zero value forwards: a translation that says nothing about a
// group means "pass it along".
const (
	ForwardYes ForwardMode = iota
	ForwardNo
	ForwardMangle
	ForwardBoth
)

// ForwardPolicy maps header groups to modes.
type ForwardPolicy [groupCount]ForwardMode

// Request is the tuple sent to the oracle for every incoming
// request.
type Request struct {
	URI            string
	Host           string
	UserAgent      string
	AcceptLanguage string
	Authorization  string
	Session        []byte
	Args           string
	Param          string
	RemoteHost     string

	// Check carries the blob from a prior response's Check field in
	// follow-up rounds of the CHECK loop.
	Check []byte

	// ErrorDocumentStatus is set when re-translating to fetch an
	// error document body.
	ErrorDocumentStatus int

	// WidgetType is set when resolving a widget class instead of a
	// plain request.
	WidgetType string
}

// Response is the oracle's verdict.
type Response struct {
	Address Address

	// Short-circuit responses.
	Status          int
	Redirect        string
	Message         string
	WWWAuthenticate string

	// InjectHeaders are added to the response verbatim.
	InjectHeaders map[string]string

	Views []View

	// Cache metadata. MaxAge/Vary/Invalidate drive the response
	// cache; Base and the regexes scope this translation entry.
	MaxAge     time.Duration
	Vary       []string
	Invalidate []string

	Base         string
	Regex        *regexp.Regexp
	InverseRegex *regexp.Regexp

	// ExpandURI and ExpandHeaders are templates referencing regex
	// capture groups, re-expanded per match.
	ExpandURI     string
	ExpandHeaders map[string]string

	RequestHeaderForward  ForwardPolicy
	ResponseHeaderForward ForwardPolicy

	CookieHost    string
	SessionCookie string
	SessionSite   string

	// Transparent passes args/path_info verbatim to the backend.
	Transparent bool

	// Check, when non-nil, demands a follow-up translation round
	// carrying this blob back.
	Check []byte

	// ErrorDocumentStatuses lists backend statuses whose bodies are
	// replaced via the error-document flow.
	ErrorDocumentStatuses []int

	// Untrusted* are the widget trust rules; present when
	// WidgetType was resolved.
	UntrustedHost       string
	UntrustedPrefix     string
	UntrustedSiteSuffix string

	// Container marks a widget class able to embed children;
	// Stateful widgets participate in session sync.
	Container bool
	Stateful  bool
}

// CacheInfo converts the response's cache metadata for the response
// cache.
func (r *Response) CacheInfo() cache.Info {
	return cache.Info{
		MaxAge:       r.MaxAge,
		Vary:         r.Vary,
		Invalidate:   r.Invalidate,
		Base:         r.Base,
		Regex:        r.Regex,
		InverseRegex: r.InverseRegex,
	}
}

// WantsErrorDocument reports whether a backend status is in the
// error-document set.
func (r *Response) WantsErrorDocument(status int) bool {
	for _, s := range r.ErrorDocumentStatuses {
		if s == status {
			return true
		}
	}
	return false
}

// Oracle maps a translate request to a response. Implementations
// wrap the external translation server; tests use an in-memory map.
type Oracle interface {
	Translate(ctx context.Context, req *Request) (*Response, error)
}

// OracleFunc adapts a function to the Oracle interface.
type OracleFunc func(ctx context.Context, req *Request) (*Response, error)

func (f OracleFunc) Translate(ctx context.Context, req *Request) (*Response, error) {
	return f(ctx, req)
}
