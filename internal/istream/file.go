package istream

import (
	"io"
	"os"
)

// MaskedHandler is implemented by handlers that can accept direct-fd
// delivery for some FDTypes; File/PipeLease consult it before
// attempting OnDirect: only when the handler's mask and the source's
// mask intersect may the fd itself be handed over. Handlers that
// don't implement it are always driven
// through the in-memory OnData path.
type MaskedHandler interface {
	Handler
	DirectMask() DirectMask
}

const fileChunk = 64 * 1024

// fileStream serves a byte range of an *os.File, either by buffered
// Pread into memory or, when the attached handler accepts FDFile
// direct delivery, by handing the fd itself (see directpipe.go for the
// sendfile path the handler is expected to use).
type fileStream struct {
	base
	file      *os.File
	offset    int64
	remaining int64
	ownsFile  bool
}

// File returns an Istream serving length bytes of f starting at
// offset. If ownsFile is true, Close/AsFD-completion close the
// underlying *os.File.
func File(f *os.File, offset, length int64, ownsFile bool) Istream {
	return &fileStream{file: f, offset: offset, remaining: length, ownsFile: ownsFile}
}

func (s *fileStream) Available(bool) (int64, bool) { return s.remaining, true }

func (s *fileStream) directMask() DirectMask { return DirectFile }

func (s *fileStream) Read() {
	if s.isClosed() || s.handler == nil {
		return
	}
	if s.remaining <= 0 {
		s.handler.OnEOF()
		return
	}
	if mh, ok := s.handler.(MaskedHandler); ok && mh.DirectMask().Has(FDFile) {
		n, sig := mh.OnDirect(FDFile, int(s.file.Fd()), s.remaining)
		s.offset += n
		s.remaining -= n
		if sig == Continue && s.remaining <= 0 {
			s.handler.OnEOF()
		}
		return
	}
	buf := make([]byte, fileChunk)
	if int64(len(buf)) > s.remaining {
		buf = buf[:s.remaining]
	}
	n, err := s.file.ReadAt(buf, s.offset)
	if n > 0 {
		consumed, sig := s.handler.OnData(buf[:n])
		s.offset += int64(consumed)
		s.remaining -= int64(consumed)
		if sig != Continue {
			return
		}
	}
	if err != nil && err != io.EOF {
		s.handler.OnError(err)
		return
	}
	if s.remaining <= 0 {
		s.handler.OnEOF()
	}
}

func (s *fileStream) Skip(n int64) {
	s.offset += n
	s.remaining -= n
	if s.remaining < 0 {
		s.remaining = 0
	}
}

func (s *fileStream) AsFD() (int, FDType, bool) {
	if s.isClosed() {
		return 0, FDNone, false
	}
	fd := int(s.file.Fd())
	s.beginClose()
	s.endClose()
	return fd, FDFile, true
}

func (s *fileStream) Close() {
	if !s.beginClose() {
		return
	}
	if s.ownsFile {
		s.file.Close()
	}
	s.endClose()
}
