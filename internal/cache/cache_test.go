package cache

import (
	"errors"
	"net/textproto"
	"regexp"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/rs/zerolog"
)

func testCache(opts Options) *Cache {
	return New(opts, zerolog.Nop())
}

func hdrs(m map[string]string) RequestHeaders {
	return func(name string) string { return m[name] }
}

func plainHeaders() textproto.MIMEHeader {
	h := make(textproto.MIMEHeader)
	h.Set("Content-Type", "text/plain")
	return h
}

func TestVaryDistinguishesListedHeader(t *testing.T) {
	c := testCache(Options{})
	info := Info{Vary: []string{"accept-language"}}

	c.Put("GET", "/page", info, hdrs(map[string]string{"accept-language": "de"}), 200, plainHeaders(), []byte("german"), nil)
	c.Put("GET", "/page", info, hdrs(map[string]string{"accept-language": "en"}), 200, plainHeaders(), []byte("english"), nil)

	de, ok := c.Get("GET", "/page", hdrs(map[string]string{"accept-language": "de"}))
	if !ok || string(de.Body) != "german" {
		t.Fatalf("de lookup failed: ok=%v", ok)
	}
	de.Release()
	en, ok := c.Get("GET", "/page", hdrs(map[string]string{"accept-language": "en"}))
	if !ok || string(en.Body) != "english" {
		t.Fatalf("en lookup: ok=%v", ok)
	}
	en.Release()
	if _, ok := c.Get("GET", "/page", hdrs(map[string]string{"accept-language": "fr"})); ok {
		t.Error("unseen vary value must miss")
	}
}

func TestNonVaryHeaderSharesEntry(t *testing.T) {
	c := testCache(Options{})
	info := Info{Vary: []string{"accept-language"}}
	c.Put("GET", "/page", info, hdrs(map[string]string{"accept-language": "de", "user-agent": "a"}), 200, plainHeaders(), []byte("x"), nil)

	got, ok := c.Get("GET", "/page", hdrs(map[string]string{"accept-language": "de", "user-agent": "b"}))
	if !ok {
		t.Fatal("request differing only in a non-listed header must hit")
	}
	got.Release()
}

func TestInvalidateByHeaderValue(t *testing.T) {
	c := testCache(Options{})
	info := Info{Vary: []string{"x-foo"}}
	c.Put("GET", "/a", info, hdrs(map[string]string{"x-foo": "1"}), 200, plainHeaders(), []byte("one"), nil)
	c.Put("GET", "/a", info, hdrs(map[string]string{"x-foo": "2"}), 200, plainHeaders(), []byte("two"), nil)

	purged := c.Invalidate([]string{"x-foo"}, hdrs(map[string]string{"x-foo": "1"}))
	if purged != 1 {
		t.Fatalf("purged = %d, want 1", purged)
	}
	if _, ok := c.Get("GET", "/a", hdrs(map[string]string{"x-foo": "1"})); ok {
		t.Error("matching entry survived invalidation")
	}
	if _, ok := c.Get("GET", "/a", hdrs(map[string]string{"x-foo": "2"})); !ok {
		t.Error("non-matching entry was purged")
	}
}

func TestBaseRegexApplicability(t *testing.T) {
	c := testCache(Options{})
	info := Info{Base: "/a/", Regex: regexp.MustCompile(`\.jpg$`)}
	c.Put("GET", "/a/x.jpg", info, hdrs(nil), 200, plainHeaders(), []byte("jpeg"), nil)
	c.Put("GET", "/a/x.html", info, hdrs(nil), 200, plainHeaders(), []byte("html"), nil)

	if got, ok := c.Get("GET", "/a/x.jpg", hdrs(nil)); !ok {
		t.Error("/a/x.jpg must be served")
	} else {
		got.Release()
	}
	if _, ok := c.Get("GET", "/a/x.html", hdrs(nil)); ok {
		t.Error("/a/x.html must not be served under regex \\.jpg$")
	}
}

func TestInverseRegexFlipsSemantics(t *testing.T) {
	c := testCache(Options{})
	info := Info{Base: "/a/", InverseRegex: regexp.MustCompile(`\.jpg$`)}
	c.Put("GET", "/a/x.html", info, hdrs(nil), 200, plainHeaders(), []byte("html"), nil)
	c.Put("GET", "/a/x.jpg", info, hdrs(nil), 200, plainHeaders(), []byte("jpeg"), nil)

	if got, ok := c.Get("GET", "/a/x.html", hdrs(nil)); !ok {
		t.Error("inverse_regex: /a/x.html must be served")
	} else {
		got.Release()
	}
	if _, ok := c.Get("GET", "/a/x.jpg", hdrs(nil)); ok {
		t.Error("inverse_regex: /a/x.jpg must not be served")
	}
}

func TestExpandHeadersReExpanded(t *testing.T) {
	c := testCache(Options{})
	info := Info{Base: "/img/", Regex: regexp.MustCompile(`/img/(\w+)\.jpg$`)}
	c.Put("GET", "/img/cat.jpg", info, hdrs(nil), 200, plainHeaders(), []byte("img"),
		map[string]string{"X-Image-Name": "$1"})

	got, ok := c.Get("GET", "/img/cat.jpg", hdrs(nil))
	if !ok {
		t.Fatal("expected hit")
	}
	defer got.Release()
	if v := got.Headers.Get("X-Image-Name"); v != "cat" {
		t.Errorf("X-Image-Name = %q, want %q", v, "cat")
	}
}

// Concurrent requests for the same key:
// only one backend fetch.
func TestFetchCoalescesConcurrentMisses(t *testing.T) {
	c := testCache(Options{})
	var fetches atomic.Int32
	gate := make(chan struct{})

	fetch := func() (*Response, *Info, map[string]string, error) {
		fetches.Add(1)
		<-gate
		return &Response{StatusCode: 200, Headers: plainHeaders(), Body: []byte("qs")},
			&Info{Vary: []string{"accept"}}, nil, nil
	}

	var wg sync.WaitGroup
	results := make([]*Response, 2)
	for i := 0; i < 2; i++ {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			resp, err := c.Fetch("GET", "/qs?abc", hdrs(map[string]string{"accept": "*/*"}), fetch)
			if err != nil {
				t.Error(err)
				return
			}
			results[i] = resp
		}(i)
	}
	time.Sleep(20 * time.Millisecond) // let both goroutines reach the flight
	close(gate)
	wg.Wait()

	if n := fetches.Load(); n != 1 {
		t.Errorf("backend fetches = %d, want 1", n)
	}
	for i, r := range results {
		if r == nil || string(r.Body) != "qs" {
			t.Errorf("result %d = %+v", i, r)
		}
	}
}

func TestFetchErrorNotCached(t *testing.T) {
	c := testCache(Options{})
	boom := errors.New("backend down")
	_, err := c.Fetch("GET", "/err", hdrs(nil), func() (*Response, *Info, map[string]string, error) {
		return nil, nil, nil, boom
	})
	if !errors.Is(err, boom) {
		t.Fatalf("err = %v", err)
	}
	if _, ok := c.Get("GET", "/err", hdrs(nil)); ok {
		t.Error("failed fetch must not leave an entry behind")
	}
}

func TestMaxBodySizeRefused(t *testing.T) {
	c := testCache(Options{MaxBodySize: 4})
	if ok := c.Put("GET", "/big", Info{}, hdrs(nil), 200, plainHeaders(), []byte("too large"), nil); ok {
		t.Error("body above MaxBodySize must be refused")
	}
	if ok := c.Put("GET", "/ok", Info{}, hdrs(nil), 200, plainHeaders(), []byte("ok"), nil); !ok {
		t.Error("small body must be accepted")
	}
}

func TestSweepDropsExpired(t *testing.T) {
	c := testCache(Options{DefaultTTL: time.Millisecond})
	c.Put("GET", "/e", Info{}, hdrs(nil), 200, plainHeaders(), []byte("x"), nil)
	if n := c.Sweep(time.Now().Add(time.Second)); n != 1 {
		t.Errorf("swept = %d, want 1", n)
	}
	if _, ok := c.Get("GET", "/e", hdrs(nil)); ok {
		t.Error("expired entry served")
	}
}

func TestRubberRefcountHoldsBodyAcrossEviction(t *testing.T) {
	c := testCache(Options{})
	c.Put("GET", "/r", Info{}, hdrs(nil), 200, plainHeaders(), []byte("held"), nil)
	got, ok := c.Get("GET", "/r", hdrs(nil))
	if !ok {
		t.Fatal("expected hit")
	}
	c.Flush()
	c.Compact()
	if string(got.Body) != "held" {
		t.Errorf("in-flight body corrupted after eviction: %q", got.Body)
	}
	got.Release()
	if n := c.Compact(); n != 0 {
		// The final Unref already reclaimed the killed body.
		t.Logf("compact reclaimed %d late bodies", n)
	}
}
