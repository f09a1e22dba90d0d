package istream

// tstNode is a node of the ternary search tree keyed by keyword bytes,
// Each node can branch low/equal/high on the
// current byte (classic TST layout) and, at the node completing a
// keyword, carries that keyword's replacement.
type tstNode struct {
	ch             byte
	low, eq, high  *tstNode
	hasValue       bool
	value          string
}

func tstInsert(root *tstNode, key string, value string) *tstNode {
	if key == "" {
		return root
	}
	return tstInsertAt(root, []byte(key), 0, value)
}

func tstInsertAt(n *tstNode, key []byte, i int, value string) *tstNode {
	c := key[i]
	if n == nil {
		n = &tstNode{ch: c}
	}
	switch {
	case c < n.ch:
		n.low = tstInsertAt(n.low, key, i, value)
	case c > n.ch:
		n.high = tstInsertAt(n.high, key, i, value)
	case i+1 < len(key):
		n.eq = tstInsertAt(n.eq, key, i+1, value)
	default:
		n.hasValue = true
		n.value = value
	}
	return n
}

// tstStep searches the sibling chain starting at level for a node
// whose ch matches c, walking low/high. It returns that node itself
// (not its eq child) so the caller can inspect hasValue for the
// character just matched; the next level to search is the returned
// node's eq field.
func tstStep(level *tstNode, c byte) *tstNode {
	for level != nil {
		switch {
		case c < level.ch:
			level = level.low
		case c > level.ch:
			level = level.high
		default:
			return level
		}
	}
	return nil
}

// substStream scans source for any of a registered keyword set and
// replaces each occurrence with that keyword's payload. It implements
// the NONE/MATCH/INSERT/MISMATCH/CLOSED state machine
// including partial matches spanning chunk boundaries and
// rewinding to emit the original, unmatched prefix on mismatch
// (partial matches spanning chunk boundaries rewind correctly).
type substStream struct {
	base
	source Istream

	root *tstNode

	node         *tstNode // nil => NONE state
	pending      []byte   // bytes consumed into the current match attempt
	lastMatchLen int      // length of pending at the last node with hasValue, or -1
	lastMatchVal string

	out    []byte // ready output not yet delivered to handler
	eof    bool
	err    error
}

// Subst returns an Istream that performs ternary-search-tree keyword
// substitution over source using the given keyword -> replacement map.
func Subst(source Istream, replacements map[string]string) Istream {
	s := &substStream{source: source, lastMatchLen: -1}
	for k, v := range replacements {
		s.root = tstInsert(s.root, k, v)
	}
	source.SetHandler(s)
	return s
}

func (s *substStream) Available(partial bool) (int64, bool) {
	if !partial {
		return 0, false // substitution can grow or shrink the length
	}
	n, _ := s.source.Available(true)
	return n, true
}

func (s *substStream) SetHandler(h Handler) {
	s.base.SetHandler(h)
	s.flush()
}

func (s *substStream) Read() {
	if s.isClosed() {
		return
	}
	if len(s.out) > 0 {
		s.flush()
		return
	}
	if s.eof || s.err != nil {
		s.flush()
		return
	}
	s.source.Read()
}

func (s *substStream) flush() {
	if s.handler == nil {
		return
	}
	for len(s.out) > 0 {
		n, sig := s.handler.OnData(s.out)
		s.out = s.out[n:]
		if sig != Continue {
			return
		}
	}
	if s.err != nil {
		s.handler.OnError(s.err)
		return
	}
	if s.eof {
		s.handler.OnEOF()
	}
}

func (s *substStream) Skip(n int64) { s.source.Skip(n) }
func (s *substStream) AsFD() (int, FDType, bool) { return 0, FDNone, false } // substitution forces the memory path

func (s *substStream) Close() {
	if !s.beginClose() {
		return
	}
	s.source.Close()
	s.endClose()
}

// OnData is the source's callback: it feeds every byte through the
// TST and appends to s.out, then tries to flush to our own handler.
func (s *substStream) OnData(p []byte) (int, Signal) {
	s.feed(p)
	s.flush()
	return len(p), Continue
}
func (s *substStream) OnDirect(FDType, int, int64) (int64, Signal) { return 0, Blocked }
func (s *substStream) OnEOF() {
	s.drainPending(true)
	s.eof = true
	s.flush()
}
func (s *substStream) OnError(err error) {
	s.drainPending(true)
	s.err = err
	s.flush()
}

// feed processes data one byte at a time, maintaining match state
// across calls so a keyword split across two chunks is still found.
func (s *substStream) feed(data []byte) {
	for _, c := range data {
		s.feedByte(c)
	}
}

func (s *substStream) feedByte(c byte) {
	level := s.root
	if s.node != nil {
		level = s.node.eq
	}
	matched := tstStep(level, c)
	if matched != nil {
		s.node = matched
		s.pending = append(s.pending, c)
		if matched.hasValue {
			s.lastMatchLen = len(s.pending)
			s.lastMatchVal = matched.value
		}
		return
	}
	// Mismatch: emit the longest completed keyword if any, then
	// reprocess the unmatched remainder (including c) byte by byte
	// from scratch, since a new match may start anywhere within it.
	leftover := append(append([]byte(nil), s.pending...), c)
	s.node = nil
	s.pending = nil
	if s.lastMatchLen > 0 {
		s.out = append(s.out, s.lastMatchVal...)
		leftover = leftover[s.lastMatchLen:]
	} else if len(leftover) > 0 {
		s.out = append(s.out, leftover[0])
		leftover = leftover[1:]
	}
	s.lastMatchLen = -1
	for _, b := range leftover {
		s.feedByte(b)
	}
}

// drainPending is called at EOF/error: whatever is still pending with
// no chance of extending further must be resolved now — either as the
// matched replacement, or as literal bytes.
func (s *substStream) drainPending(final bool) {
	if len(s.pending) == 0 {
		return
	}
	if s.lastMatchLen > 0 {
		s.out = append(s.out, s.lastMatchVal...)
		rest := s.pending[s.lastMatchLen:]
		s.pending = nil
		s.node = nil
		s.lastMatchLen = -1
		for _, b := range rest {
			s.feedByte(b)
		}
		s.drainPending(final)
		return
	}
	s.out = append(s.out, s.pending...)
	s.pending = nil
	s.node = nil
	s.lastMatchLen = -1
}
