// Package cache implements the response cache: keyed
// by (method, absolute uri), with per-entry Vary snapshots,
// translation-driven invalidation, base/regex applicability rules,
// and rubber-slab body storage. At most one backend fetch is in
// flight per key; identical concurrent requests attach to the pending
// fetch via singleflight.
//
// Lookup, insertion and invalidation all key off the request-header
// snapshot the translation named in its vary set.
package cache

import (
	"net/textproto"
	"regexp"
	"strconv"
	"strings"
	"sync"
	"time"

	"github.com/rs/zerolog"
	"golang.org/x/sync/singleflight"
)

// Info is the cache metadata a translation response attaches to a
// resource.
type Info struct {
	MaxAge time.Duration
	// Vary lists the request-header names whose values fingerprint
	// the entry.
	Vary []string
	// Invalidate lists request-header names whose current values
	// purge matching prior entries.
	Invalidate []string

	// Base, with the optional regexes, scopes which URIs the entry
	// may serve: the uri must start with Base and (Regex matches, or
	// InverseRegex does not match).
	Base         string
	Regex        *regexp.Regexp
	InverseRegex *regexp.Regexp
}

// Applicable reports whether the rule covers uri, returning the
// regex captures for expand re-expansion.
func (in *Info) Applicable(uri string) ([]string, bool) {
	if in.Base != "" {
		if !strings.HasPrefix(uri, in.Base) {
			return nil, false
		}
		if in.Regex != nil {
			if m := in.Regex.FindStringSubmatch(uri); m != nil {
				return m, true
			}
			if in.InverseRegex == nil {
				return nil, false
			}
		}
		if in.InverseRegex != nil {
			if in.InverseRegex.MatchString(uri) {
				return nil, false
			}
			return nil, true
		}
	}
	return nil, true
}

// Response is a cached response as served back to the dispatcher.
type Response struct {
	StatusCode int
	Headers    textproto.MIMEHeader
	Body       []byte

	// release drops the in-flight body reference; must be called
	// once the body has been streamed out.
	release func()
}

// Release returns the body's rubber reference. Safe to call once.
func (r *Response) Release() {
	if r.release != nil {
		r.release()
		r.release = nil
	}
}

// RequestHeaders resolves request-header values for vary
// fingerprinting and invalidation matching.
type RequestHeaders func(name string) string

// entry is one stored response variant.
type entry struct {
	info         Info
	varySnapshot map[string]string
	status       int
	headers      textproto.MIMEHeader
	bodyRef      BodyRef
	expandHdrs   map[string]string // header -> template with $1 captures
	expires      time.Time
}

// Options configures a Cache.
type Options struct {
	// Capacity bounds the rubber region, in bytes. Zero means
	// unbounded.
	Capacity int64
	// MaxBodySize refuses individual bodies larger than this, a
	// deliberate, visible policy (see Rubber). Zero means no per-body
	// bound.
	MaxBodySize int
	// DefaultTTL applies when Info.MaxAge is zero.
	DefaultTTL time.Duration
}

// Cache is the response cache.
type Cache struct {
	opts   Options
	rubber *Rubber
	log    zerolog.Logger

	mu      sync.Mutex
	entries map[string][]*entry

	group singleflight.Group

	hits, misses uint64
}

// New creates an empty cache.
func New(opts Options, log zerolog.Logger) *Cache {
	if opts.DefaultTTL == 0 {
		opts.DefaultTTL = time.Minute
	}
	return &Cache{
		opts:    opts,
		rubber:  newRubber(opts.Capacity, opts.MaxBodySize),
		log:     log,
		entries: make(map[string][]*entry),
	}
}

func cacheKey(method, uri string) string { return method + " " + uri }

// Get serves a cached response if an applicable, unexpired entry
// exists whose vary snapshot matches the current request headers.
func (c *Cache) Get(method, uri string, hdr RequestHeaders) (*Response, bool) {
	now := time.Now()
	c.mu.Lock()
	defer c.mu.Unlock()
	list := c.entries[cacheKey(method, uri)]
	for _, e := range list {
		if now.After(e.expires) {
			continue
		}
		captures, ok := e.info.Applicable(uri)
		if !ok {
			continue
		}
		if !varyMatches(e, hdr) {
			continue
		}
		c.hits++
		headers := e.headers
		if len(e.expandHdrs) > 0 {
			headers = expandHeaders(headers, e.expandHdrs, captures)
		}
		c.rubber.Ref(e.bodyRef)
		ref := e.bodyRef
		return &Response{
			StatusCode: e.status,
			Headers:    headers,
			Body:       c.rubber.Bytes(e.bodyRef),
			release:    func() { c.rubber.Unref(ref) },
		}, true
	}
	c.misses++
	return nil, false
}

// varyMatches compares the stored snapshot byte-wise against the
// current request headers.
func varyMatches(e *entry, hdr RequestHeaders) bool {
	if len(e.info.Vary) == 0 {
		return true
	}
	for _, name := range e.info.Vary {
		if e.varySnapshot[lower(name)] != hdr(name) {
			return false
		}
	}
	return true
}

func lower(s string) string { return strings.ToLower(s) }

// expandHeaders re-expands $n templates against the freshly matched
// capture groups before serving.
func expandHeaders(base textproto.MIMEHeader, templates map[string]string, captures []string) textproto.MIMEHeader {
	out := make(textproto.MIMEHeader, len(base)+len(templates))
	for k, v := range base {
		out[k] = v
	}
	for name, tmpl := range templates {
		expanded := tmpl
		for i := len(captures) - 1; i >= 1; i-- {
			expanded = strings.ReplaceAll(expanded, "$"+strconv.Itoa(i), captures[i])
		}
		out.Set(name, expanded)
	}
	return out
}

// Put inserts a response under (method, uri), snapshotting the
// request headers named by info.Vary. A prior entry with the same
// vary fingerprint is replaced.
func (c *Cache) Put(method, uri string, info Info, hdr RequestHeaders, status int, headers textproto.MIMEHeader, bodyData []byte, expandHdrs map[string]string) bool {
	ref, ok := c.rubber.Store(bodyData)
	if !ok {
		c.log.Debug().Str("uri", uri).Int("size", len(bodyData)).
			Msg("response body exceeds cache body limit, not cached")
		return false
	}
	snapshot := make(map[string]string, len(info.Vary))
	for _, name := range info.Vary {
		snapshot[lower(name)] = hdr(name)
	}
	ttl := info.MaxAge
	if ttl == 0 {
		ttl = c.opts.DefaultTTL
	}
	e := &entry{
		info:         info,
		varySnapshot: snapshot,
		status:       status,
		headers:      headers,
		bodyRef:      ref,
		expandHdrs:   expandHdrs,
		expires:      time.Now().Add(ttl),
	}

	key := cacheKey(method, uri)
	c.mu.Lock()
	defer c.mu.Unlock()
	list := c.entries[key]
	for i, old := range list {
		if sameSnapshot(old, e) {
			c.rubber.Kill(old.bodyRef)
			list[i] = e
			return true
		}
	}
	c.entries[key] = append(list, e)
	return true
}

func sameSnapshot(a, b *entry) bool {
	if len(a.varySnapshot) != len(b.varySnapshot) {
		return false
	}
	for k, v := range a.varySnapshot {
		if b.varySnapshot[k] != v {
			return false
		}
	}
	return true
}

// Invalidate purges every entry whose stored value for any of the
// named request headers matches the current request's value.
func (c *Cache) Invalidate(names []string, hdr RequestHeaders) int {
	c.mu.Lock()
	defer c.mu.Unlock()
	purged := 0
	for key, list := range c.entries {
		kept := list[:0]
		for _, e := range list {
			if c.entryMatchesInvalidation(e, names, hdr) {
				c.rubber.Kill(e.bodyRef)
				purged++
			} else {
				kept = append(kept, e)
			}
		}
		if len(kept) == 0 {
			delete(c.entries, key)
		} else {
			c.entries[key] = kept
		}
	}
	return purged
}

func (c *Cache) entryMatchesInvalidation(e *entry, names []string, hdr RequestHeaders) bool {
	for _, name := range names {
		stored, ok := e.varySnapshot[lower(name)]
		if !ok {
			continue
		}
		if stored == hdr(name) {
			return true
		}
	}
	return false
}

// Flush drops every entry (control-channel FLUSH command).
func (c *Cache) Flush() {
	c.mu.Lock()
	defer c.mu.Unlock()
	for key, list := range c.entries {
		for _, e := range list {
			c.rubber.Kill(e.bodyRef)
		}
		delete(c.entries, key)
	}
}

// Fetch coalesces concurrent backend fetches per cache key: a miss
// runs fetch once, concurrent identical requests wait for and share
// its result.
func (c *Cache) Fetch(method, uri string, hdr RequestHeaders, fetch func() (*Response, *Info, map[string]string, error)) (*Response, error) {
	if resp, ok := c.Get(method, uri, hdr); ok {
		return resp, nil
	}
	v, err, _ := c.group.Do(cacheKey(method, uri), func() (any, error) {
		// Re-check under the flight: another goroutine may have
		// inserted while we queued.
		if resp, ok := c.Get(method, uri, hdr); ok {
			return resp, nil
		}
		resp, info, expand, err := fetch()
		if err != nil {
			return nil, err
		}
		if info != nil {
			c.Put(method, uri, *info, hdr, resp.StatusCode, resp.Headers, resp.Body, expand)
		}
		return resp, nil
	})
	if err != nil {
		return nil, err
	}
	return v.(*Response), nil
}

// Sweep drops expired entries; driven by an external timer alongside
// the rubber Compact pass.
func (c *Cache) Sweep(now time.Time) int {
	c.mu.Lock()
	defer c.mu.Unlock()
	dropped := 0
	for key, list := range c.entries {
		kept := list[:0]
		for _, e := range list {
			if now.After(e.expires) {
				c.rubber.Kill(e.bodyRef)
				dropped++
			} else {
				kept = append(kept, e)
			}
		}
		if len(kept) == 0 {
			delete(c.entries, key)
		} else {
			c.entries[key] = kept
		}
	}
	return dropped
}

// Compact forwards to the rubber store's compaction pass.
func (c *Cache) Compact() int { return c.rubber.Compact() }

// Stats reports hit/miss counters and rubber usage for the control
// channel's STATS command.
func (c *Cache) Stats() (hits, misses uint64, bytesUsed int64) {
	c.mu.Lock()
	hits, misses = c.hits, c.misses
	c.mu.Unlock()
	return hits, misses, c.rubber.Used()
}
