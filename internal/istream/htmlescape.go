package istream

// htmlEscapeStream passes bytes through, encoding & < > " ' as they
// are seen. It is deliberately simple
// (one byte at a time) rather than chunk-scanning with SIMD tricks,
// since typical text-processing code
// favors clarity over micro-optimisation at this layer too.
type htmlEscapeStream struct {
	base
	source Istream
	out    []byte
	eof    bool
	err    error
}

// HTMLEscape wraps source, escaping its bytes for safe inclusion in
// HTML text content.
func HTMLEscape(source Istream) Istream {
	s := &htmlEscapeStream{source: source}
	source.SetHandler(s)
	return s
}

var htmlEscapes = map[byte]string{
	'&':  "&amp;",
	'<':  "&lt;",
	'>':  "&gt;",
	'"':  "&quot;",
	'\'': "&#39;",
}

func (s *htmlEscapeStream) Available(bool) (int64, bool) { return 0, false }

func (s *htmlEscapeStream) SetHandler(h Handler) { s.base.SetHandler(h); s.flush() }

func (s *htmlEscapeStream) Read() {
	if s.isClosed() {
		return
	}
	if len(s.out) > 0 || s.eof || s.err != nil {
		s.flush()
		return
	}
	s.source.Read()
}

func (s *htmlEscapeStream) flush() {
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

func (s *htmlEscapeStream) Skip(n int64) { s.source.Skip(n) }
func (s *htmlEscapeStream) AsFD() (int, FDType, bool) { return 0, FDNone, false }
func (s *htmlEscapeStream) Close() {
	if !s.beginClose() {
		return
	}
	s.source.Close()
	s.endClose()
}

func (s *htmlEscapeStream) OnData(p []byte) (int, Signal) {
	for _, c := range p {
		if esc, ok := htmlEscapes[c]; ok {
			s.out = append(s.out, esc...)
		} else {
			s.out = append(s.out, c)
		}
	}
	s.flush()
	return len(p), Continue
}
func (s *htmlEscapeStream) OnDirect(FDType, int, int64) (int64, Signal) { return 0, Blocked }
func (s *htmlEscapeStream) OnEOF()            { s.eof = true; s.flush() }
func (s *htmlEscapeStream) OnError(err error) { s.err = err; s.flush() }
