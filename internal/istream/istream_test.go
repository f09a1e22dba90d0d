package istream

import (
	"errors"
	"testing"
)

func TestDrainMemory(t *testing.T) {
	out, err := Drain(Memory([]byte("hello")))
	if err != nil {
		t.Fatal(err)
	}
	if string(out) != "hello" {
		t.Fatalf("got %q", out)
	}
}

func TestDrainCat(t *testing.T) {
	s := Cat(Str("foo"), Str("bar"), Str("baz"))
	out, err := Drain(s)
	if err != nil {
		t.Fatal(err)
	}
	if string(out) != "foobarbaz" {
		t.Fatalf("got %q", out)
	}
}

func TestDrainCatWithEmptyChildren(t *testing.T) {
	s := Cat(Null(), Str("x"), Null(), Str("y"))
	out, _ := Drain(s)
	if string(out) != "xy" {
		t.Fatalf("got %q", out)
	}
}

func TestSubstCorrectness(t *testing.T) {
	// Partial-prefix backtracking: "foo" and "foobar" share a prefix.
	s := Subst(Str("fo foobar foo"), map[string]string{
		"foo":    "X",
		"foobar": "Y",
	})
	out, err := Drain(s)
	if err != nil {
		t.Fatal(err)
	}
	if string(out) != "fo Y X" {
		t.Fatalf("got %q, want %q", out, "fo Y X")
	}
}

func TestSubstNoMatch(t *testing.T) {
	s := Subst(Str("hello world"), map[string]string{"foo": "X"})
	out, _ := Drain(s)
	if string(out) != "hello world" {
		t.Fatalf("got %q", out)
	}
}

func TestSubstAcrossChunkBoundary(t *testing.T) {
	// Feed the keyword split across two OnData calls to exercise
	// partial-match state carried between Read invocations.
	s := &substStream{lastMatchLen: -1}
	s.root = tstInsert(s.root, "foobar", "Y")
	var out []byte
	var eof bool
	h := &drainHandler{
		onData: func(p []byte) (int, Signal) { out = append(out, p...); return len(p), Continue },
		onEOF:  func() { eof = true },
	}
	s.handler = h
	s.OnData([]byte("foo"))
	s.OnData([]byte("bar"))
	s.OnEOF()
	if !eof {
		t.Fatalf("expected eof")
	}
	if string(out) != "Y" {
		t.Fatalf("got %q, want Y", out)
	}
}

func TestHTMLEscape(t *testing.T) {
	s := HTMLEscape(Str(`<a href="x">'&'</a>`))
	out, _ := Drain(s)
	want := `&lt;a href=&quot;x&quot;&gt;&#39;&amp;&#39;&lt;/a&gt;`
	if string(out) != want {
		t.Fatalf("got %q want %q", out, want)
	}
}

func TestReplacerSplicesRanges(t *testing.T) {
	r := NewReplacer(Str("hello world"))
	r.AddRange(6, 11, Str("WORLD"))
	out, err := Drain(r)
	if err != nil {
		t.Fatal(err)
	}
	if string(out) != "hello WORLD" {
		t.Fatalf("got %q", out)
	}
}

func TestReplacerMultipleRanges(t *testing.T) {
	r := NewReplacer(Str("aaabbbccc"))
	r.AddRange(3, 6, Str("XXX"))
	r.AddRange(6, 9, Str("YYY"))
	out, _ := Drain(r)
	if string(out) != "aaaXXXYYY" {
		t.Fatalf("got %q", out)
	}
}

func TestBufferedSmallBody(t *testing.T) {
	b := NewBuffered(Str("tiny"), 1024)
	out, err := Drain(b)
	if err != nil {
		t.Fatal(err)
	}
	if string(out) != "tiny" {
		t.Fatalf("got %q", out)
	}
}

func TestBufferedLargeBodyPassesThrough(t *testing.T) {
	big := make([]byte, 100)
	for i := range big {
		big[i] = 'x'
	}
	b := NewBuffered(Memory(big), 10)
	out, err := Drain(b)
	if err != nil {
		t.Fatal(err)
	}
	if len(out) != 100 {
		t.Fatalf("got %d bytes, want 100 (no data lost crossing threshold)", len(out))
	}
}

func TestCloseIsIdempotent(t *testing.T) {
	s := Memory([]byte("x"))
	s.Close()
	s.Close() // must not panic
}

type countingCloser struct {
	Istream
	closes *int
}

func (c countingCloser) Close() {
	*c.closes++
	c.Istream.Close()
}

func TestCatCloseClosesAllChildren(t *testing.T) {
	n1, n2 := 0, 0
	a := countingCloser{Istream: Str("a"), closes: &n1}
	b := countingCloser{Istream: Str("b"), closes: &n2}
	s := Cat(a, b)
	// Close must reach every child even before the cat has started
	// reading any of them.
	s.Close()
	if n1 != 1 || n2 != 1 {
		t.Fatalf("child closes = %d, %d; want 1, 1", n1, n2)
	}
}

func TestErrorPropagation(t *testing.T) {
	errBoom := errors.New("boom")
	s := &errStream{err: errBoom}
	_, err := Drain(s)
	if err != errBoom {
		t.Fatalf("got %v, want %v", err, errBoom)
	}
}

// errStream is a minimal Istream that immediately errors, used to
// exercise error propagation through Drain.
type errStream struct {
	base
	err error
}

func (s *errStream) Available(bool) (int64, bool)      { return 0, false }
func (s *errStream) Skip(int64)                          {}
func (s *errStream) AsFD() (int, FDType, bool)          { return 0, FDNone, false }
func (s *errStream) Close() {
	if s.beginClose() {
		s.endClose()
	}
}
func (s *errStream) Read() {
	if s.handler != nil {
		s.handler.OnError(s.err)
	}
}
