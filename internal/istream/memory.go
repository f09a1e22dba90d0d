package istream

// memoryStream serves an in-memory slice. It backs both Memory and
// Str (Str copies the string's bytes once, at construction).
type memoryStream struct {
	base
	data []byte
	off  int
}

// Memory returns an Istream that serves p verbatim, without copying.
func Memory(p []byte) Istream { return &memoryStream{data: p} }

// Str returns an Istream that serves s verbatim.
func Str(s string) Istream { return &memoryStream{data: []byte(s)} }

func (s *memoryStream) Available(partial bool) (int64, bool) {
	return int64(len(s.data) - s.off), true
}

func (s *memoryStream) Read() {
	if s.isClosed() || s.handler == nil {
		return
	}
	if s.off >= len(s.data) {
		s.handler.OnEOF()
		return
	}
	for s.off < len(s.data) {
		n, sig := s.handler.OnData(s.data[s.off:])
		s.off += n
		switch sig {
		case Continue:
			continue
		case Blocked:
			return
		case Closed, Destroyed:
			return
		}
	}
	if s.handler != nil {
		s.handler.OnEOF()
	}
}

func (s *memoryStream) Skip(n int64) {
	s.off += int(n)
	if s.off > len(s.data) {
		s.off = len(s.data)
	}
}

func (s *memoryStream) AsFD() (int, FDType, bool) { return 0, FDNone, false }

func (s *memoryStream) Close() {
	if !s.beginClose() {
		return
	}
	s.endClose()
}

// nullStream is always empty.
type nullStream struct{ base }

// Null returns an Istream that is immediately at EOF.
func Null() Istream { return &nullStream{} }

func (s *nullStream) Available(bool) (int64, bool)      { return 0, true }
func (s *nullStream) Skip(int64)                         {}
func (s *nullStream) AsFD() (int, FDType, bool)          { return 0, FDNone, false }
func (s *nullStream) Close() {
	if s.beginClose() {
		s.endClose()
	}
}
func (s *nullStream) Read() {
	if s.isClosed() || s.handler == nil {
		return
	}
	s.handler.OnEOF()
}

// zeroStream serves n zero bytes from a small shared buffer.
type zeroStream struct {
	base
	remaining int64
}

var zeroBuf = make([]byte, 8192)

// Zero returns an Istream that serves n zero bytes.
func Zero(n int64) Istream { return &zeroStream{remaining: n} }

func (s *zeroStream) Available(bool) (int64, bool) { return s.remaining, true }
func (s *zeroStream) Skip(n int64) {
	s.remaining -= n
	if s.remaining < 0 {
		s.remaining = 0
	}
}
func (s *zeroStream) AsFD() (int, FDType, bool) { return 0, FDNone, false }
func (s *zeroStream) Close() {
	if s.beginClose() {
		s.endClose()
	}
}
func (s *zeroStream) Read() {
	if s.isClosed() || s.handler == nil {
		return
	}
	for s.remaining > 0 {
		chunk := zeroBuf
		if int64(len(chunk)) > s.remaining {
			chunk = chunk[:s.remaining]
		}
		n, sig := s.handler.OnData(chunk)
		s.remaining -= int64(n)
		switch sig {
		case Continue:
			continue
		default:
			return
		}
	}
	if s.handler != nil {
		s.handler.OnEOF()
	}
}
