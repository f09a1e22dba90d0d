// Package widget implements the composition engine: the widget
// tree, class resolution via the translation oracle, trust/approval
// enforcement, the HTML processor, and inline sub-response splicing.
//
// The processor's splice machinery is built on the istream Replacer
// and the hold+delayed pattern.
package widget

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"sync"

	"github.com/hexinfra/bengproxy/internal/translate"
)

// ErrForbidden is the trust/approval refusal.
var ErrForbidden = errors.New("widget: forbidden")

// Class is resolved widget metadata.
type Class struct {
	Name    string
	Address translate.Address
	Views   []translate.View

	// Container marks a class whose output may embed children.
	Container bool
	// Stateful widgets keep per-session path-info.
	Stateful bool

	// Trust rules. A class carrying any Untrusted* rule may only be
	// embedded when the request host matches the rule; serving it
	// from a trusted vhost is refused.
	UntrustedHost       string
	UntrustedPrefix     string
	UntrustedSiteSuffix string

	// Permitted lists child class names this container may embed.
	// Empty means any child is allowed.
	Permitted []string
}

// ViewNamed finds a view by name; the empty name selects the first
// (default) view.
func (c *Class) ViewNamed(name string) (*translate.View, bool) {
	if len(c.Views) == 0 {
		return nil, false
	}
	if name == "" {
		return &c.Views[0], true
	}
	for i := range c.Views {
		if c.Views[i].Name == name {
			return &c.Views[i], true
		}
	}
	return nil, false
}

// Untrusted reports whether the class carries any trust restriction.
func (c *Class) Untrusted() bool {
	return c.UntrustedHost != "" || c.UntrustedPrefix != "" || c.UntrustedSiteSuffix != ""
}

// CheckHost enforces the untrusted-host rules against the request's
// vhost: an untrusted class must only ever
// appear on its designated untrusted host.
func (c *Class) CheckHost(requestHost string) error {
	if !c.Untrusted() {
		return nil
	}
	if c.UntrustedHost != "" && requestHost == c.UntrustedHost {
		return nil
	}
	if c.UntrustedPrefix != "" && strings.HasPrefix(requestHost, c.UntrustedPrefix+".") {
		return nil
	}
	if c.UntrustedSiteSuffix != "" && strings.HasSuffix(requestHost, "."+c.UntrustedSiteSuffix) {
		return nil
	}
	return fmt.Errorf("%w: class %q is untrusted on host %q", ErrForbidden, c.Name, requestHost)
}

// CheckApproval enforces the parent-lists-child rule: the embedding
// class must be a container, and when it carries an explicit
// permission list the child must be on it.
func CheckApproval(parent *Class, child *Class) error {
	if parent == nil {
		return nil // root template, no embedding class to consult
	}
	if !parent.Container {
		return fmt.Errorf("%w: class %q is not a container", ErrForbidden, parent.Name)
	}
	if len(parent.Permitted) == 0 {
		return nil
	}
	for _, name := range parent.Permitted {
		if name == child.Name {
			return nil
		}
	}
	return fmt.Errorf("%w: class %q does not permit child %q", ErrForbidden, parent.Name, child.Name)
}

// Widget is a node in the composition tree.
type Widget struct {
	ClassName string
	ID        string
	Parent    *Widget
	Class     *Class // nil until resolved

	// From the template.
	ViewName       string
	DefaultURIArgs string

	// From the request: set when the incoming request targets this
	// widget.
	Proxy    bool
	FocusRef string
	PathInfo string
	Query    string

	SessionSyncPending bool
}

// Ref is the widget's path in the tree, ids joined by ':', used in
// focus references and rewritten URIs.
func (w *Widget) Ref() string {
	if w.Parent == nil || w.Parent.ID == "" {
		return w.ID
	}
	return w.Parent.Ref() + ":" + w.ID
}

// Focused reports whether focusRef targets this widget.
func (w *Widget) Focused(focusRef string) bool {
	return focusRef != "" && focusRef == w.Ref()
}

// FocusedOrAncestor reports whether this widget is the focused one
// or an ancestor of it (a descendant of w is referenced).
func (w *Widget) FocusedOrAncestor(focusRef string) bool {
	if focusRef == "" {
		return false
	}
	ref := w.Ref()
	return focusRef == ref || strings.HasPrefix(focusRef, ref+":")
}

// Resolver resolves widget classes through the translation
// dispatcher, memoising results per class name so repeated embeds of
// one type cost a single oracle round.
type Resolver struct {
	dispatcher *translate.Dispatcher

	mu      sync.Mutex
	classes map[string]*Class
}

// NewResolver wraps the dispatcher.
func NewResolver(d *translate.Dispatcher) *Resolver {
	return &Resolver{dispatcher: d, classes: make(map[string]*Class)}
}

// Resolve returns the class metadata for a type name.
func (r *Resolver) Resolve(ctx context.Context, name string) (*Class, error) {
	r.mu.Lock()
	if c, ok := r.classes[name]; ok {
		r.mu.Unlock()
		return c, nil
	}
	r.mu.Unlock()

	resp, err := r.dispatcher.ResolveWidget(ctx, name)
	if err != nil {
		return nil, err
	}
	c := &Class{
		Name:                name,
		Address:             resp.Address,
		Views:               resp.Views,
		Container:           resp.Container,
		Stateful:            resp.Stateful,
		UntrustedHost:       resp.UntrustedHost,
		UntrustedPrefix:     resp.UntrustedPrefix,
		UntrustedSiteSuffix: resp.UntrustedSiteSuffix,
	}
	r.mu.Lock()
	r.classes[name] = c
	r.mu.Unlock()
	return c, nil
}

// Preload seeds the class cache, used by tests and by translation
// responses that inline class metadata.
func (r *Resolver) Preload(c *Class) {
	r.mu.Lock()
	r.classes[c.Name] = c
	r.mu.Unlock()
}

// Flush drops the memoised classes (translation cache flush).
func (r *Resolver) Flush() {
	r.mu.Lock()
	r.classes = make(map[string]*Class)
	r.mu.Unlock()
}
