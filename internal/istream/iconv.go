package istream

import (
	"golang.org/x/text/encoding/ianaindex"
	"golang.org/x/text/transform"
)

// Iconv returns an Istream that transcodes source from one charset to
// another, used by the widget composer to bring
// a sub-widget's non-UTF-8 response into the parent document's
// encoding. It fails immediately if either charset name cannot be
// resolved to an encoding.Encoding: the converter must be
// constructible up front.
func Iconv(source Istream, from, to string) (Istream, error) {
	fromEnc, err := ianaindex.IANA.Encoding(from)
	if err != nil || fromEnc == nil {
		return nil, &encodingError{charset: from}
	}
	toEnc, err := ianaindex.IANA.Encoding(to)
	if err != nil || toEnc == nil {
		return nil, &encodingError{charset: to}
	}
	chain := transform.Chain(fromEnc.NewDecoder(), toEnc.NewEncoder())
	s := &iconvStream{source: source, transformer: chain}
	source.SetHandler(s)
	return s, nil
}

type encodingError struct{ charset string }

func (e *encodingError) Error() string { return "istream: unknown charset " + e.charset }

type iconvStream struct {
	base
	source      Istream
	transformer transform.Transformer
	out         []byte
	eof         bool
	err         error
}

func (s *iconvStream) Available(bool) (int64, bool) { return 0, false }

func (s *iconvStream) SetHandler(h Handler) {
	s.base.SetHandler(h)
	s.flush()
}

func (s *iconvStream) Read() {
	if s.isClosed() {
		return
	}
	if len(s.out) > 0 || s.eof || s.err != nil {
		s.flush()
		return
	}
	s.source.Read()
}

func (s *iconvStream) flush() {
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

func (s *iconvStream) Skip(n int64) { s.source.Skip(n) }
func (s *iconvStream) AsFD() (int, FDType, bool) { return 0, FDNone, false }
func (s *iconvStream) Close() {
	if !s.beginClose() {
		return
	}
	s.source.Close()
	s.endClose()
}

func (s *iconvStream) OnData(p []byte) (int, Signal) {
	dst := make([]byte, len(p)*4+16)
	nDst, nSrc, err := s.transformer.Transform(dst, p, false)
	s.out = append(s.out, dst[:nDst]...)
	s.flush()
	if err != nil && err != transform.ErrShortSrc {
		s.err = err
		return len(p), Continue
	}
	_ = nSrc
	return len(p), Continue
}
func (s *iconvStream) OnDirect(FDType, int, int64) (int64, Signal) { return 0, Blocked }
func (s *iconvStream) OnEOF() {
	dst := make([]byte, 64)
	nDst, _, _ := s.transformer.Transform(dst, nil, true)
	s.out = append(s.out, dst[:nDst]...)
	s.eof = true
	s.flush()
}
func (s *iconvStream) OnError(err error) { s.err = err; s.flush() }
