package istream

import (
	"compress/flate"
	"compress/gzip"
	"io"

	"github.com/andybalholm/brotli"
)

// compressWriter is the common shape of gzip.Writer/flate.Writer/
// brotli.Writer: Write, Flush, Close.
type compressWriter interface {
	io.Writer
	Flush() error
	Close() error
}

// compressStream drives an arbitrary compressWriter over source,
// implementing the gzip/deflate/
// brotli_encoder as one shared engine parameterised by the
// compress/gzip, compress/flate (stdlib — favbox-wind's own
// common/compress package wraps these same two, so no ecosystem
// library improves on them) or github.com/andybalholm/brotli writer.
type compressStream struct {
	base
	source Istream
	writer compressWriter
	out    []byte
	eof    bool
	err    error
}

// GzipEncoder compresses source with gzip at the given level (use
// gzip.DefaultCompression as the default).
func GzipEncoder(source Istream, level int) (Istream, error) {
	cs := &compressStream{source: source}
	w, err := gzip.NewWriterLevel(cs, level)
	if err != nil {
		return nil, err
	}
	cs.writer = w
	source.SetHandler(cs)
	return cs, nil
}

// DeflateEncoder compresses source with raw DEFLATE at the given
// level.
func DeflateEncoder(source Istream, level int) (Istream, error) {
	cs := &compressStream{source: source}
	w, err := flate.NewWriter(cs, level)
	if err != nil {
		return nil, err
	}
	cs.writer = w
	source.SetHandler(cs)
	return cs, nil
}

// BrotliEncoder compresses source with Brotli at the given quality.
func BrotliEncoder(source Istream, quality int) Istream {
	cs := &compressStream{source: source}
	w := brotli.NewWriterLevel(cs, quality)
	cs.writer = w
	source.SetHandler(cs)
	return cs
}

// Write implements io.Writer so the compressWriter can push compressed
// bytes straight into our outgoing buffer.
func (s *compressStream) Write(p []byte) (int, error) {
	s.out = append(s.out, p...)
	return len(p), nil
}

func (s *compressStream) Available(bool) (int64, bool) { return 0, false }

func (s *compressStream) SetHandler(h Handler) { s.base.SetHandler(h); s.flush() }

func (s *compressStream) Read() {
	if s.isClosed() {
		return
	}
	if len(s.out) > 0 || s.eof || s.err != nil {
		s.flush()
		return
	}
	s.source.Read()
}

func (s *compressStream) flush() {
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

func (s *compressStream) Skip(n int64) { s.source.Skip(n) }
func (s *compressStream) AsFD() (int, FDType, bool) { return 0, FDNone, false }
func (s *compressStream) Close() {
	if !s.beginClose() {
		return
	}
	s.writer.Close()
	s.source.Close()
	s.endClose()
}

func (s *compressStream) OnData(p []byte) (int, Signal) {
	if _, err := s.writer.Write(p); err != nil {
		s.err = err
		s.flush()
		return len(p), Continue
	}
	s.writer.Flush()
	s.flush()
	return len(p), Continue
}
func (s *compressStream) OnDirect(FDType, int, int64) (int64, Signal) { return 0, Blocked }
func (s *compressStream) OnEOF() {
	if err := s.writer.Close(); err != nil {
		s.err = err
	} else {
		s.eof = true
	}
	s.flush()
}
func (s *compressStream) OnError(err error) { s.err = err; s.flush() }
