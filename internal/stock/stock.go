// Package stock implements the transport stock/lease abstraction:
// per-stock-key pools of reusable backend resources (connections,
// child processes) with strict lease accounting, idle expiry,
// liveness probing before reuse, and fade-out on reload.
//
// The free list is a mutex-protected singly-linked idle list with
// head/tail/qnty, generic over the pooled Item type.
package stock

import (
	"context"
	"errors"
	"strings"
	"sync"
	"time"

	"github.com/rs/zerolog"
)

// ErrResourceExhausted is returned by Get when a key is at its
// concurrency limit and no idle item is available; Get does not wait
// for one to be released.
var ErrResourceExhausted = errors.New("stock: resource exhausted")

// State is the lifecycle state of a stock Item.
type State int

const (
	Idle State = iota
	Borrowed
	Fading
	Dead
)

// Item is anything a Stock can pool: a connection, a child process, a
// worker socket. Items know how to probe their own liveness and report
// the fade-group tag they were created with.
type Item interface {
	// Probe performs a non-blocking liveness check appropriate to the
	// underlying resource (e.g. a zero-length non-blocking read on a
	// socket). It returns false if the peer has gone away and the item
	// must be discarded instead of reused.
	Probe() bool
	// Tag is the NUL-separated token set this item belongs to, for
	// fade_tag group operations.
	Tag() string
	// Close releases the underlying OS resource. It must be idempotent.
	Close() error
}

// entry wraps an Item with the free-list linkage and fade/expiry
// bookkeeping.
type entry[T Item] struct {
	item       T
	next       *entry[T]
	state      State
	fading     bool
	expireTime time.Time
}

// keyList is one stock-key's idle free list: a mutex-protected
// singly-linked list with head/tail/qnty.
type keyList[T Item] struct {
	sync.Mutex
	head, tail *entry[T]
	qnty       int
	borrowed   int
}

// Factory creates a brand new item for a stock key. Get calls it
// synchronously, on the caller's goroutine, when no reusable idle
// item exists.
type Factory[T Item] func(ctx context.Context, key string) (T, error)

// Options configures a Stock's limits.
type Options struct {
	// PerKeyLimit caps concurrently borrowed+idle items for a single
	// key. Zero means unlimited.
	PerKeyLimit int
	// GlobalIdleLimit caps the total number of idle items kept across
	// all keys; when exceeded, the oldest idle items are evicted.
	GlobalIdleLimit int
	// IdleTimeout is how long an idle item may sit before it is
	// eligible for expiry on the next Sweep.
	IdleTimeout time.Duration
}

// Stock is a multimap keyed by stock-key string: each key has an
// idle list (LRU via FIFO eviction), a count of borrowed items, and
// per-key/global limits.
type Stock[T Item] struct {
	opts    Options
	factory Factory[T]
	log     zerolog.Logger

	mu      sync.Mutex
	keys    map[string]*keyList[T]
	idleCnt int

	fadingAll bool
	fadeTags  map[string]bool
}

// New creates a Stock that manufactures items via factory.
func New[T Item](factory Factory[T], opts Options, log zerolog.Logger) *Stock[T] {
	return &Stock[T]{
		factory:  factory,
		opts:     opts,
		log:      log,
		keys:     make(map[string]*keyList[T]),
		fadeTags: make(map[string]bool),
	}
}

func (s *Stock[T]) listFor(key string) *keyList[T] {
	s.mu.Lock()
	defer s.mu.Unlock()
	l, ok := s.keys[key]
	if !ok {
		l = &keyList[T]{}
		s.keys[key] = l
	}
	return l
}

// Get returns a leased item for key, either by popping and
// liveness-probing an idle item, or by asking the factory for a fresh
// one. It blocks (respecting ctx) only while waiting on the factory;
// pulling from the idle list never blocks.
func (s *Stock[T]) Get(ctx context.Context, key string) (*Lease[T], error) {
	list := s.listFor(key)

	for {
		it, ok := s.pull(list)
		if !ok {
			break
		}
		if it.item.Probe() {
			list.Lock()
			list.borrowed++
			list.Unlock()
			return &Lease[T]{stock: s, key: key, item: it.item, tag: it.item.Tag()}, nil
		}
		// Peer went away while idle; discard and try the next one.
		it.item.Close()
		s.log.Debug().Str("key", key).Msg("discarding dead idle item on liveness probe")
	}

	if s.opts.PerKeyLimit > 0 {
		list.Lock()
		atLimit := list.borrowed >= s.opts.PerKeyLimit
		list.Unlock()
		if atLimit {
			return nil, ErrResourceExhausted
		}
	}

	item, err := s.factory(ctx, key)
	if err != nil {
		return nil, err
	}
	list.Lock()
	list.borrowed++
	list.Unlock()
	return &Lease[T]{stock: s, key: key, item: item, tag: item.Tag()}, nil
}

func (s *Stock[T]) pull(list *keyList[T]) (*entry[T], bool) {
	list.Lock()
	defer list.Unlock()
	if list.qnty == 0 {
		return nil, false
	}
	e := list.head
	list.head = e.next
	if list.head == nil {
		list.tail = nil
	}
	e.next = nil
	list.qnty--
	s.mu.Lock()
	s.idleCnt--
	s.mu.Unlock()
	return e, true
}

// put reinserts item into key's idle list, or closes it if reuse is
// false, the item faded, or a global fade is in effect.
func (s *Stock[T]) put(key string, item T, reuse bool) {
	list := s.listFor(key)

	list.Lock()
	list.borrowed--
	list.Unlock()

	if !reuse || s.shouldFade(item) {
		item.Close()
		return
	}

	e := &entry[T]{item: item, state: Idle, expireTime: time.Now().Add(s.opts.IdleTimeout)}
	list.Lock()
	if list.qnty == 0 {
		list.head = e
		list.tail = e
	} else {
		list.tail.next = e
		list.tail = e
	}
	list.qnty++
	list.Unlock()

	s.mu.Lock()
	s.idleCnt++
	over := s.opts.GlobalIdleLimit > 0 && s.idleCnt > s.opts.GlobalIdleLimit
	s.mu.Unlock()
	if over {
		s.evictOneGlobally()
	}
}

func (s *Stock[T]) shouldFade(item T) bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.fadingAll {
		return true
	}
	if len(s.fadeTags) == 0 {
		return false
	}
	tokens := strings.Split(item.Tag(), "\x00")
	for _, t := range tokens {
		if s.fadeTags[t] {
			return true
		}
	}
	return false
}

// evictOneGlobally drops the globally-oldest idle item across all
// keys to respect GlobalIdleLimit; a linear scan is acceptable since
// eviction only happens at the margin, one item at a time.
func (s *Stock[T]) evictOneGlobally() {
	s.mu.Lock()
	var oldestKey string
	var oldestTime time.Time
	first := true
	for k, l := range s.keys {
		l.Lock()
		if l.head != nil && (first || l.head.expireTime.Before(oldestTime)) {
			oldestKey = k
			oldestTime = l.head.expireTime
			first = false
		}
		l.Unlock()
	}
	s.mu.Unlock()
	if oldestKey == "" {
		return
	}
	list := s.listFor(oldestKey)
	if e, ok := s.pull(list); ok {
		e.item.Close()
	}
}

// FadeAll flags every idle and borrowed item for destruction on
// return instead of reuse (used on reload).
// Idle items are closed immediately since nobody still references
// them; borrowed items are only closed when their lease is released.
func (s *Stock[T]) FadeAll() {
	s.mu.Lock()
	s.fadingAll = true
	keys := make([]*keyList[T], 0, len(s.keys))
	for _, l := range s.keys {
		keys = append(keys, l)
	}
	s.mu.Unlock()
	for _, list := range keys {
		s.drainIdle(list)
	}
}

// FadeTag restricts fading to items whose tag contains the given
// NUL-separated token.
func (s *Stock[T]) FadeTag(tag string) {
	s.mu.Lock()
	s.fadeTags[tag] = true
	keys := make([]*keyList[T], 0, len(s.keys))
	for _, l := range s.keys {
		keys = append(keys, l)
	}
	s.mu.Unlock()
	for _, list := range keys {
		s.drainIdleMatchingTag(list, tag)
	}
}

func (s *Stock[T]) drainIdle(list *keyList[T]) {
	list.Lock()
	e := list.head
	list.head, list.tail, list.qnty = nil, nil, 0
	list.Unlock()
	for e != nil {
		next := e.next
		e.next = nil
		e.item.Close()
		s.mu.Lock()
		s.idleCnt--
		s.mu.Unlock()
		e = next
	}
}

func (s *Stock[T]) drainIdleMatchingTag(list *keyList[T], tag string) {
	list.Lock()
	var kept, dropped *entry[T]
	var keptTail, droppedTail *entry[T]
	keptQnty := 0
	e := list.head
	for e != nil {
		next := e.next
		e.next = nil
		matches := false
		for _, t := range strings.Split(e.item.Tag(), "\x00") {
			if t == tag {
				matches = true
				break
			}
		}
		if matches {
			if dropped == nil {
				dropped, droppedTail = e, e
			} else {
				droppedTail.next = e
				droppedTail = e
			}
		} else {
			if kept == nil {
				kept, keptTail = e, e
			} else {
				keptTail.next = e
				keptTail = e
			}
			keptQnty++
		}
		e = next
	}
	list.head, list.tail, list.qnty = kept, keptTail, keptQnty
	list.Unlock()

	for d := dropped; d != nil; {
		next := d.next
		d.next = nil
		d.item.Close()
		s.mu.Lock()
		s.idleCnt--
		s.mu.Unlock()
		d = next
	}
}

// Sweep closes idle items that have sat past IdleTimeout. It is driven
// externally (e.g. from the event loop's periodic tick), matching
// the single-threaded cooperative model rather than spawning
// an internal timer goroutine per key.
func (s *Stock[T]) Sweep(now time.Time) (closed int) {
	s.mu.Lock()
	lists := make([]*keyList[T], 0, len(s.keys))
	for _, l := range s.keys {
		lists = append(lists, l)
	}
	s.mu.Unlock()

	for _, list := range lists {
		list.Lock()
		var kept *entry[T]
		var keptTail *entry[T]
		keptQnty := 0
		e := list.head
		for e != nil {
			next := e.next
			e.next = nil
			if now.After(e.expireTime) {
				e.item.Close()
				closed++
				s.mu.Lock()
				s.idleCnt--
				s.mu.Unlock()
			} else {
				if kept == nil {
					kept, keptTail = e, e
				} else {
					keptTail.next = e
					keptTail = e
				}
				keptQnty++
			}
			e = next
		}
		list.head, list.tail, list.qnty = kept, keptTail, keptQnty
		list.Unlock()
	}
	return closed
}

// BorrowedCount returns the total number of currently-borrowed items
// across all keys, for lease-accounting checks.
func (s *Stock[T]) BorrowedCount() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	total := 0
	for _, l := range s.keys {
		l.Lock()
		total += l.borrowed
		l.Unlock()
	}
	return total
}

// IdleCount returns the total number of idle items across all keys.
func (s *Stock[T]) IdleCount() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.idleCnt
}

// Lease is the socket-lease contract: a borrower must
// Release it exactly once, passing a reuse hint. Release is
// synchronous and idempotent so it is safe to call from a deferred
// recover() during the borrower's own destruction.
type Lease[T Item] struct {
	stock     *Stock[T]
	key       string
	item      T
	tag       string
	released  bool
	mu        sync.Mutex
}

// Item returns the leased resource.
func (l *Lease[T]) Item() T { return l.item }

// Release returns the lease to its stock. Only the first call has an
// effect; any later call is a no-op whatever reuse it passes.
func (l *Lease[T]) Release(reuse bool) {
	l.mu.Lock()
	if l.released {
		l.mu.Unlock()
		return
	}
	l.released = true
	l.mu.Unlock()
	l.stock.put(l.key, l.item, reuse)
}
