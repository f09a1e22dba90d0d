package stock

import (
	"context"
	"testing"
	"time"

	"github.com/rs/zerolog"
)

type fakeItem struct {
	tag     string
	alive   bool
	closed  bool
}

func (f *fakeItem) Probe() bool  { return f.alive }
func (f *fakeItem) Tag() string  { return f.tag }
func (f *fakeItem) Close() error { f.closed = true; return nil }

func newTestStock(t *testing.T, opts Options) (*Stock[*fakeItem], *int) {
	created := 0
	factory := func(ctx context.Context, key string) (*fakeItem, error) {
		created++
		return &fakeItem{tag: "t1", alive: true}, nil
	}
	return New[*fakeItem](factory, opts, zerolog.Nop()), &created
}

func TestGetCreatesWhenIdleEmpty(t *testing.T) {
	s, created := newTestStock(t, Options{})
	lease, err := s.Get(context.Background(), "k1")
	if err != nil {
		t.Fatal(err)
	}
	if *created != 1 {
		t.Errorf("created = %d, want 1", *created)
	}
	lease.Release(true)
}

func TestReleaseReuseTruePoolsItem(t *testing.T) {
	s, created := newTestStock(t, Options{})
	lease, _ := s.Get(context.Background(), "k1")
	item := lease.Item()
	lease.Release(true)

	if s.IdleCount() != 1 {
		t.Fatalf("idle count = %d, want 1", s.IdleCount())
	}
	lease2, _ := s.Get(context.Background(), "k1")
	if lease2.Item() != item {
		t.Errorf("expected reuse of pooled item")
	}
	if *created != 1 {
		t.Errorf("created = %d, want 1 (no new item for reuse)", *created)
	}
}

func TestReleaseReuseFalseClosesItem(t *testing.T) {
	s, _ := newTestStock(t, Options{})
	lease, _ := s.Get(context.Background(), "k1")
	item := lease.Item()
	lease.Release(false)

	if !item.closed {
		t.Errorf("expected item to be closed")
	}
	if s.IdleCount() != 0 {
		t.Errorf("idle count = %d, want 0", s.IdleCount())
	}
}

func TestLivenessProbeDiscardsDeadIdleItem(t *testing.T) {
	s, created := newTestStock(t, Options{})
	lease, _ := s.Get(context.Background(), "k1")
	dead := lease.Item()
	lease.Release(true)
	dead.alive = false // peer silently closed while idle

	lease2, err := s.Get(context.Background(), "k1")
	if err != nil {
		t.Fatal(err)
	}
	if lease2.Item() == dead {
		t.Errorf("dead idle item must not be reused")
	}
	if !dead.closed {
		t.Errorf("dead idle item must be closed")
	}
	if *created != 2 {
		t.Errorf("created = %d, want 2 (fresh item after discard)", *created)
	}
}

func TestBorrowedCountAccounting(t *testing.T) {
	s, _ := newTestStock(t, Options{})
	var leases []*Lease[*fakeItem]
	for i := 0; i < 5; i++ {
		l, err := s.Get(context.Background(), "k1")
		if err != nil {
			t.Fatal(err)
		}
		leases = append(leases, l)
	}
	if got := s.BorrowedCount(); got != 5 {
		t.Fatalf("borrowed = %d, want 5", got)
	}
	for i, l := range leases {
		reuse := i%2 == 0
		l.Release(reuse)
	}
	if got := s.BorrowedCount(); got != 0 {
		t.Fatalf("borrowed = %d, want 0 after all released", got)
	}
}

func TestReleaseIsIdempotent(t *testing.T) {
	s, _ := newTestStock(t, Options{})
	lease, _ := s.Get(context.Background(), "k1")
	lease.Release(true)
	lease.Release(true) // must not double-count idle/borrowed
	if s.IdleCount() != 1 {
		t.Errorf("idle count = %d, want 1 (second release ignored)", s.IdleCount())
	}
}

func TestPerKeyLimitExhausted(t *testing.T) {
	s, _ := newTestStock(t, Options{PerKeyLimit: 1})
	lease, err := s.Get(context.Background(), "k1")
	if err != nil {
		t.Fatal(err)
	}
	_, err = s.Get(context.Background(), "k1")
	if err != ErrResourceExhausted {
		t.Fatalf("got %v, want ErrResourceExhausted", err)
	}
	lease.Release(false)
}

func TestFadeAllPreventsReuse(t *testing.T) {
	s, _ := newTestStock(t, Options{})
	lease, _ := s.Get(context.Background(), "k1")
	item := lease.Item()
	s.FadeAll()
	lease.Release(true) // hint says reuse, but fade wins

	if !item.closed {
		t.Errorf("faded item must be closed on release despite reuse=true")
	}
	if s.IdleCount() != 0 {
		t.Errorf("idle count = %d, want 0", s.IdleCount())
	}
}

func TestFadeTagOnlyAffectsMatchingItems(t *testing.T) {
	factory := func(ctx context.Context, key string) (*fakeItem, error) {
		return &fakeItem{tag: key, alive: true}, nil
	}
	s := New[*fakeItem](factory, Options{}, zerolog.Nop())

	matched, _ := s.Get(context.Background(), "group-a\x00extra")
	other, _ := s.Get(context.Background(), "group-b")
	matched.Release(true)
	other.Release(true)

	s.FadeTag("group-a")

	matchedItem := matched.Item()
	otherItem := other.Item()
	if !matchedItem.closed {
		t.Errorf("idle item matching fade tag must be closed")
	}
	if otherItem.closed {
		t.Errorf("idle item not matching fade tag must survive")
	}
}

func TestSweepExpiresOldIdleItems(t *testing.T) {
	s, _ := newTestStock(t, Options{IdleTimeout: time.Millisecond})
	lease, _ := s.Get(context.Background(), "k1")
	item := lease.Item()
	lease.Release(true)

	closed := s.Sweep(time.Now().Add(time.Second))
	if closed != 1 {
		t.Fatalf("swept = %d, want 1", closed)
	}
	if !item.closed {
		t.Errorf("expired idle item must be closed")
	}
}

func TestSweepKeepsFreshIdleItems(t *testing.T) {
	s, _ := newTestStock(t, Options{IdleTimeout: time.Hour})
	lease, _ := s.Get(context.Background(), "k1")
	lease.Release(true)

	closed := s.Sweep(time.Now())
	if closed != 0 {
		t.Fatalf("swept = %d, want 0", closed)
	}
	if s.IdleCount() != 1 {
		t.Errorf("idle count = %d, want 1", s.IdleCount())
	}
}
