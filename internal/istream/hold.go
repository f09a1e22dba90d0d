package istream

// holdStream subscribes to its source immediately, buffering whatever
// arrives until a real consumer attaches via SetHandler. This lets a
// producer be constructed — and start running — before its eventual
// consumer exists, which is the other half of the hold+delayed pattern
// used to return streams from async operations.
type holdStream struct {
	base
	source    Istream
	buffered  [][]byte
	gotEOF    bool
	gotErr    error
	attached  bool
}

// Hold wraps source, immediately becoming its handler so production
// can start right away; the real consumer attaches later via
// SetHandler on the returned stream.
func Hold(source Istream) Istream {
	h := &holdStream{source: source}
	source.SetHandler(h)
	return h
}

func (s *holdStream) Available(partial bool) (int64, bool) {
	return s.source.Available(partial)
}

func (s *holdStream) SetHandler(h Handler) {
	s.base.SetHandler(h)
	s.attached = h != nil
	s.flush()
}

func (s *holdStream) flush() {
	if s.handler == nil {
		return
	}
	for len(s.buffered) > 0 {
		chunk := s.buffered[0]
		s.buffered = s.buffered[1:]
		n, sig := s.handler.OnData(chunk)
		if n < len(chunk) {
			// Re-queue the unconsumed remainder at the front.
			s.buffered = append([][]byte{chunk[n:]}, s.buffered...)
		}
		if sig != Continue {
			return
		}
	}
	if s.gotErr != nil {
		s.handler.OnError(s.gotErr)
		return
	}
	if s.gotEOF {
		s.handler.OnEOF()
	}
}

func (s *holdStream) Read() {
	if s.isClosed() {
		return
	}
	if len(s.buffered) > 0 || s.gotEOF || s.gotErr != nil {
		s.flush()
		return
	}
	s.source.Read()
}

func (s *holdStream) Skip(n int64) { s.source.Skip(n) }

func (s *holdStream) AsFD() (int, FDType, bool) {
	if len(s.buffered) != 0 {
		return 0, FDNone, false
	}
	return s.source.AsFD()
}

func (s *holdStream) Close() {
	if !s.beginClose() {
		return
	}
	s.source.Close()
	s.endClose()
}

// OnData is invoked by the wrapped source. If a consumer is already
// attached we forward directly; otherwise we buffer.
func (s *holdStream) OnData(p []byte) (int, Signal) {
	if s.attached && s.handler != nil && len(s.buffered) == 0 {
		return s.handler.OnData(p)
	}
	cp := make([]byte, len(p))
	copy(cp, p)
	s.buffered = append(s.buffered, cp)
	return len(p), Continue
}
func (s *holdStream) OnDirect(fdType FDType, fd int, max int64) (int64, Signal) {
	return 0, Blocked // direct delivery is incompatible with buffering; force memory path
}
func (s *holdStream) OnEOF() {
	s.gotEOF = true
	s.flush()
}
func (s *holdStream) OnError(err error) {
	s.gotErr = err
	s.flush()
}
