package httpclient

import (
	"bufio"
	"io"
	"net"
	"strconv"
	"strings"

	"github.com/hexinfra/bengproxy/internal/istream"
)

// bodyBase shares the Istream bookkeeping all three backend-response
// body variants need.
type bodyBase struct {
	handler istream.Handler
	owner   *Exchange
	closed  bool
}

func (b *bodyBase) SetHandler(h istream.Handler) { b.handler = h }
func (b *bodyBase) AsFD() (int, istream.FDType, bool) { return 0, istream.FDNone, false }

func (b *bodyBase) finish() {
	if !b.closed {
		b.closed = true
		b.owner.state = Closed
	}
}

// fixedBodyStream reads exactly n bytes from br, per Content-Length.
type fixedBodyStream struct {
	bodyBase
	br        *bufio.Reader
	remaining int64
}

func newFixedBodyStream(br *bufio.Reader, n int64, owner *Exchange) *fixedBodyStream {
	return &fixedBodyStream{bodyBase: bodyBase{owner: owner}, br: br, remaining: n}
}

func (s *fixedBodyStream) Available(bool) (int64, bool) { return s.remaining, true }
func (s *fixedBodyStream) Close()                        { s.finish() }
func (s *fixedBodyStream) Skip(n int64) {
	if n > s.remaining {
		n = s.remaining
	}
	s.br.Discard(int(n))
	s.remaining -= n
}

func (s *fixedBodyStream) Read() {
	if s.closed || s.handler == nil {
		return
	}
	if s.remaining <= 0 {
		s.finish()
		s.handler.OnEOF()
		return
	}
	buf := make([]byte, 32*1024)
	if int64(len(buf)) > s.remaining {
		buf = buf[:s.remaining]
	}
	n, err := s.br.Read(buf)
	if n > 0 {
		s.remaining -= int64(n)
		consumed, sig := s.handler.OnData(buf[:n])
		_ = consumed
		if sig != istream.Continue {
			return
		}
	}
	if err != nil {
		s.finish()
		if err == io.EOF && s.remaining > 0 {
			s.handler.OnError(ErrPrematureClose)
		} else if err != io.EOF {
			s.handler.OnError(err)
		}
		return
	}
	if s.remaining <= 0 {
		s.finish()
		s.handler.OnEOF()
	}
}

// chunkedBodyStream decodes HTTP/1.1 chunked transfer-encoding.
type chunkedBodyStream struct {
	bodyBase
	br          *bufio.Reader
	chunkLeft   int64
	sawLastChunk bool
}

func newChunkedBodyStream(br *bufio.Reader, owner *Exchange) *chunkedBodyStream {
	return &chunkedBodyStream{bodyBase: bodyBase{owner: owner}, br: br}
}

func (s *chunkedBodyStream) Available(bool) (int64, bool) { return 0, false }
func (s *chunkedBodyStream) Close()                        { s.finish() }
func (s *chunkedBodyStream) Skip(n int64) {
	// Decoding chunk framing while skipping is no simpler than
	// decoding it while delivering, so Skip just pulls and discards
	// through the normal Read path.
	drain := &discardHandler{}
	s.handler = drain
	for n > 0 && !s.closed {
		before := drain.total
		s.Read()
		got := drain.total - before
		if got == 0 {
			break
		}
		n -= got
	}
}

type discardHandler struct{ total int64 }

func (d *discardHandler) OnData(p []byte) (int, istream.Signal) {
	d.total += int64(len(p))
	return len(p), istream.Continue
}
func (d *discardHandler) OnDirect(istream.FDType, int, int64) (int64, istream.Signal) {
	return 0, istream.Blocked
}
func (d *discardHandler) OnEOF()          {}
func (d *discardHandler) OnError(error)   {}

func (s *chunkedBodyStream) Read() {
	if s.closed || s.handler == nil {
		return
	}
	if s.sawLastChunk {
		s.finish()
		s.handler.OnEOF()
		return
	}
	if s.chunkLeft == 0 {
		size, err := s.readChunkSize()
		if err != nil {
			s.finish()
			s.handler.OnError(err)
			return
		}
		if size == 0 {
			s.sawLastChunk = true
			s.discardTrailer()
			s.finish()
			s.handler.OnEOF()
			return
		}
		s.chunkLeft = size
	}
	buf := make([]byte, 32*1024)
	if int64(len(buf)) > s.chunkLeft {
		buf = buf[:s.chunkLeft]
	}
	n, err := s.br.Read(buf)
	if n > 0 {
		s.chunkLeft -= int64(n)
		consumed, sig := s.handler.OnData(buf[:n])
		_ = consumed
		if sig != istream.Continue {
			return
		}
	}
	if err != nil {
		s.finish()
		s.handler.OnError(ErrPrematureClose)
		return
	}
	if s.chunkLeft == 0 {
		// consume the trailing CRLF after the chunk data
		s.br.ReadString('\n')
	}
}

func (s *chunkedBodyStream) readChunkSize() (int64, error) {
	line, err := s.br.ReadString('\n')
	if err != nil {
		return 0, ErrPrematureClose
	}
	line = strings.TrimRight(line, "\r\n")
	if i := strings.IndexByte(line, ';'); i >= 0 {
		line = line[:i] // chunk extensions are ignored
	}
	return strconv.ParseInt(line, 16, 64)
}

func (s *chunkedBodyStream) discardTrailer() {
	for {
		line, err := s.br.ReadString('\n')
		if err != nil || strings.TrimRight(line, "\r\n") == "" {
			return
		}
	}
}

// untilCloseBodyStream reads until the connection closes, for
// responses with neither Content-Length nor chunked encoding
// (HTTP/1.0-style or an explicit "close" response).
type untilCloseBodyStream struct {
	bodyBase
	br   *bufio.Reader
	conn net.Conn
}

func newUntilCloseBodyStream(br *bufio.Reader, conn net.Conn, owner *Exchange) *untilCloseBodyStream {
	return &untilCloseBodyStream{bodyBase: bodyBase{owner: owner}, br: br, conn: conn}
}

func (s *untilCloseBodyStream) Available(bool) (int64, bool) { return 0, false }
func (s *untilCloseBodyStream) Close() {
	s.finish()
	s.conn.Close()
}
func (s *untilCloseBodyStream) Skip(n int64) {
	drain := &discardHandler{}
	s.handler = drain
	for n > 0 && !s.closed {
		before := drain.total
		s.Read()
		got := drain.total - before
		if got == 0 {
			break
		}
		n -= got
	}
}

func (s *untilCloseBodyStream) Read() {
	if s.closed || s.handler == nil {
		return
	}
	buf := make([]byte, 32*1024)
	n, err := s.br.Read(buf)
	if n > 0 {
		_, sig := s.handler.OnData(buf[:n])
		if sig != istream.Continue {
			return
		}
	}
	if err != nil {
		s.finish()
		if err == io.EOF {
			s.handler.OnEOF()
		} else {
			s.handler.OnError(err)
		}
	}
}
