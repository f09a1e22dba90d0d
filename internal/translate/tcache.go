package translate

import (
	"strings"
	"sync"
)

// TCache caches translation responses in front of the oracle. Plain
// entries match their uri exactly; entries carrying a Base match any
// uri under the prefix, gated by the regex pair, so one oracle round
// covers a whole subtree.
type TCache struct {
	mu    sync.Mutex
	exact map[string]*Response // host + "|" + uri
	base  map[string][]*Response // host -> entries with Base set
}

// NewTCache creates an empty translation cache.
func NewTCache() *TCache {
	return &TCache{
		exact: make(map[string]*Response),
		base:  make(map[string][]*Response),
	}
}

func tkey(host, uri string) string { return host + "|" + uri }

// Get looks up a cached translation for the request.
func (tc *TCache) Get(req *Request) (*Response, bool) {
	tc.mu.Lock()
	defer tc.mu.Unlock()
	if resp, ok := tc.exact[tkey(req.Host, req.URI)]; ok {
		return resp, true
	}
	for _, resp := range tc.base[req.Host] {
		if !strings.HasPrefix(req.URI, resp.Base) {
			continue
		}
		if resp.Regex != nil && !resp.Regex.MatchString(req.URI) {
			continue
		}
		if resp.InverseRegex != nil && resp.InverseRegex.MatchString(req.URI) {
			continue
		}
		return resp, true
	}
	return nil, false
}

// Put stores a translation under its request.
func (tc *TCache) Put(req *Request, resp *Response) {
	tc.mu.Lock()
	defer tc.mu.Unlock()
	if resp.Base != "" {
		tc.base[req.Host] = append(tc.base[req.Host], resp)
		return
	}
	tc.exact[tkey(req.Host, req.URI)] = resp
}

// Flush drops everything.
func (tc *TCache) Flush() {
	tc.mu.Lock()
	defer tc.mu.Unlock()
	tc.exact = make(map[string]*Response)
	tc.base = make(map[string][]*Response)
}

// Invalidate drops entries for host whose uri (or base) starts with
// uriPrefix; an empty prefix drops the whole host.
func (tc *TCache) Invalidate(host, uriPrefix string) int {
	tc.mu.Lock()
	defer tc.mu.Unlock()
	dropped := 0
	for key := range tc.exact {
		h, uri, _ := strings.Cut(key, "|")
		if h == host && strings.HasPrefix(uri, uriPrefix) {
			delete(tc.exact, key)
			dropped++
		}
	}
	kept := tc.base[host][:0]
	for _, resp := range tc.base[host] {
		if strings.HasPrefix(resp.Base, uriPrefix) || strings.HasPrefix(uriPrefix, resp.Base) {
			dropped++
		} else {
			kept = append(kept, resp)
		}
	}
	if len(kept) == 0 {
		delete(tc.base, host)
	} else {
		tc.base[host] = kept
	}
	return dropped
}
