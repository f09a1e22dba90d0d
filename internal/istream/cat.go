package istream

// catStream concatenates children lazily: only the current head is
// ever subscribed as a consumer of its source. AsFD is transparently
// forwarded once exactly one child remains.
type catStream struct {
	base
	children []Istream
	idx      int
}

// Cat returns an Istream that serves each child in order.
func Cat(children ...Istream) Istream {
	return &catStream{children: children}
}

func (s *catStream) Available(partial bool) (int64, bool) {
	var total int64
	for i := s.idx; i < len(s.children); i++ {
		n, known := s.children[i].Available(partial)
		if !known {
			return 0, false
		}
		total += n
	}
	return total, true
}

func (s *catStream) SetHandler(h Handler) {
	s.base.SetHandler(h)
	if s.idx < len(s.children) {
		s.children[s.idx].SetHandler(&catChildHandler{parent: s})
	}
}

func (s *catStream) Read() {
	if s.isClosed() {
		return
	}
	if s.idx >= len(s.children) {
		if s.handler != nil {
			s.handler.OnEOF()
		}
		return
	}
	s.children[s.idx].Read()
}

func (s *catStream) Skip(n int64) {
	for n > 0 && s.idx < len(s.children) {
		avail, known := s.children[s.idx].Available(false)
		if !known || avail > n {
			s.children[s.idx].Skip(n)
			return
		}
		s.children[s.idx].Skip(avail)
		n -= avail
		s.advance()
	}
}

func (s *catStream) advance() {
	s.idx++
	if s.idx < len(s.children) && s.handler != nil {
		s.children[s.idx].SetHandler(&catChildHandler{parent: s})
	}
}

// AsFD is only available while exactly one child remains, so the
// whole cat collapses to a direct handoff instead of forcing the
// caller through the concatenation machinery.
func (s *catStream) AsFD() (int, FDType, bool) {
	if len(s.children)-s.idx != 1 {
		return 0, FDNone, false
	}
	fd, fdType, ok := s.children[s.idx].AsFD()
	if ok {
		s.idx++
	}
	return fd, fdType, ok
}

func (s *catStream) Close() {
	if !s.beginClose() {
		return
	}
	for i := s.idx; i < len(s.children); i++ {
		s.children[i].Close()
	}
	s.endClose()
}

// catChildHandler forwards callbacks from the current head child to
// the cat's own handler, advancing to the next child on EOF instead of
// forwarding it (concatenation is transparent to the consumer).
type catChildHandler struct {
	parent *catStream
}

func (c *catChildHandler) OnData(p []byte) (int, Signal) {
	return c.parent.handler.OnData(p)
}
func (c *catChildHandler) OnDirect(fdType FDType, fd int, max int64) (int64, Signal) {
	return c.parent.handler.OnDirect(fdType, fd, max)
}
func (c *catChildHandler) OnEOF() {
	c.parent.advance()
	c.parent.Read()
}
func (c *catChildHandler) OnError(err error) {
	c.parent.handler.OnError(err)
}
