// Package ajpclient speaks AJPv13 to a servlet-container backend:
// FORWARD_REQUEST serialisation, GET_BODY_CHUNK driven request-body
// framing with a fixed empty-body terminator, and response parsing
// of SEND_HEADERS / SEND_BODY_CHUNK / END_RESPONSE, one packet read
// at a time.
package ajpclient

import (
	"encoding/binary"
	"errors"
	"fmt"
	"io"
	"net"
	"time"

	"github.com/hexinfra/bengproxy/internal/istream"
)

var (
	errTruncated = errors.New("ajpclient: truncated packet")

	// ErrProtocol covers any framing violation from the container;
	// fatal for the connection, never retried.
	ErrProtocol = errors.New("ajpclient: protocol error")

	// ErrUnknownLength is returned when the request body length is
	// not known up front; AJP cannot frame a chunked request body.
	ErrUnknownLength = errors.New("ajpclient: request body length must be known")
)

// HeaderField is one request or response header.
type HeaderField struct {
	Name  string
	Value string
}

// Request carries everything FORWARD_REQUEST needs.
type Request struct {
	Method      string
	URI         string // path only; query goes in QueryString
	QueryString string
	RemoteAddr  string
	RemoteHost  string
	ServerName  string
	ServerPort  uint16
	IsSSL       bool
	Headers     []HeaderField

	// Body, if non-nil, is the request body; ContentLength must be
	// its exact length (>= 0). A negative ContentLength with a
	// non-nil Body fails with ErrUnknownLength.
	Body          istream.Istream
	ContentLength int64
}

// Response is the container's SEND_HEADERS verdict plus a body stream
// that pulls SEND_BODY_CHUNK packets lazily. For HEAD requests Body
// is nil.
type Response struct {
	StatusCode int
	Reason     string
	Headers    []HeaderField
	Body       istream.Istream
}

// Exchange drives one request/response cycle over conn. The caller
// (the dispatcher) owns the connection lease; reuse is possible only
// after the response body reports EOF.
type Exchange struct {
	conn         net.Conn
	readTimeout  time.Duration
	writeTimeout time.Duration

	body     []byte // remaining request body, pre-drained
	bodySent bool

	isHead    bool
	announced int64 // response Content-Length, -1 if absent
	received  int64
}

// Do runs a complete AJP exchange. The request body, when present, is
// drained up front: AJP requires the length before the first packet
// anyway, and the container pulls chunks at its own pace.
func Do(conn net.Conn, readTimeout, writeTimeout time.Duration, req *Request) (*Response, error) {
	if req.Body != nil && req.ContentLength < 0 {
		return nil, ErrUnknownLength
	}
	e := &Exchange{
		conn:         conn,
		readTimeout:  readTimeout,
		writeTimeout: writeTimeout,
		isHead:       req.Method == "HEAD",
		announced:    -1,
	}
	if req.Body != nil {
		raw, err := istream.Drain(req.Body)
		if err != nil {
			return nil, err
		}
		if int64(len(raw)) != req.ContentLength {
			return nil, fmt.Errorf("ajpclient: body is %d bytes, Content-Length says %d", len(raw), req.ContentLength)
		}
		e.body = raw
	}

	pkt, err := encodeForwardRequest(req)
	if err != nil {
		return nil, err
	}
	e.setWriteDeadline()
	if _, err := conn.Write(pkt); err != nil {
		return nil, err
	}

	return e.recvHeaders()
}

func (e *Exchange) setReadDeadline()  { e.conn.SetReadDeadline(deadline(e.readTimeout)) }
func (e *Exchange) setWriteDeadline() { e.conn.SetWriteDeadline(deadline(e.writeTimeout)) }

func deadline(d time.Duration) time.Time {
	if d <= 0 {
		return time.Time{}
	}
	return time.Now().Add(d)
}

// sendBodyChunk frames up to max bytes of the remaining request body
// in answer to a GET_BODY_CHUNK pull. The chunk that exhausts the
// body is followed immediately by the fixed empty-body terminator.
func (e *Exchange) sendBodyChunk(max int) error {
	e.setWriteDeadline()
	if len(e.body) == 0 {
		if e.bodySent {
			return nil
		}
		e.bodySent = true
		_, err := e.conn.Write(emptyBodyChunk)
		return err
	}
	n := len(e.body)
	if n > max {
		n = max
	}
	if n > maxChunkSize {
		n = maxChunkSize
	}
	if _, err := e.conn.Write(encodeBodyChunk(e.body[:n])); err != nil {
		return err
	}
	e.body = e.body[n:]
	if len(e.body) == 0 {
		e.bodySent = true
		_, err := e.conn.Write(emptyBodyChunk)
		return err
	}
	return nil
}

// readPacket reads one client-bound packet: 'A','B', be16 length,
// payload.
func (e *Exchange) readPacket() (byte, *packetReader, error) {
	e.setReadDeadline()
	var hdr [4]byte
	if _, err := io.ReadFull(e.conn, hdr[:]); err != nil {
		return 0, nil, err
	}
	if hdr[0] != replyMagic0 || hdr[1] != replyMagic1 {
		return 0, nil, fmt.Errorf("%w: bad reply magic %#x %#x", ErrProtocol, hdr[0], hdr[1])
	}
	length := binary.BigEndian.Uint16(hdr[2:4])
	if length == 0 {
		return 0, nil, fmt.Errorf("%w: zero-length packet", ErrProtocol)
	}
	payload := make([]byte, length)
	if _, err := io.ReadFull(e.conn, payload); err != nil {
		return 0, nil, err
	}
	return payload[0], &packetReader{p: payload, pos: 1}, nil
}

// recvHeaders pumps packets until SEND_HEADERS arrives, serving
// GET_BODY_CHUNK pulls along the way.
func (e *Exchange) recvHeaders() (*Response, error) {
	for {
		code, r, err := e.readPacket()
		if err != nil {
			return nil, err
		}
		switch code {
		case codeGetBodyChunk:
			max, err := r.uint16()
			if err != nil {
				return nil, err
			}
			if err := e.sendBodyChunk(int(max)); err != nil {
				return nil, err
			}
		case codeSendHeaders:
			status, reason, headers, err := decodeHeaders(r)
			if err != nil {
				return nil, err
			}
			for _, h := range headers {
				if h.Name == "Content-Length" {
					fmt.Sscanf(h.Value, "%d", &e.announced)
				}
			}
			resp := &Response{StatusCode: status, Reason: reason, Headers: headers}
			if e.isHead {
				// Body chunks after HEAD are junk; drain to
				// END_RESPONSE so the connection can be reused.
				if err := e.drainToEnd(); err != nil {
					return nil, err
				}
				resp.Body = nil
			} else {
				resp.Body = &bodyStream{e: e}
			}
			return resp, nil
		case codeEndResponse:
			return nil, fmt.Errorf("%w: END_RESPONSE before SEND_HEADERS", ErrProtocol)
		default:
			return nil, fmt.Errorf("%w: unexpected packet code %d before headers", ErrProtocol, code)
		}
	}
}

// readBodyChunk returns the next response-body chunk, or nil on
// END_RESPONSE. The chunk framing invariant holds:
// chunk_length + 2 <= payload length, and trailing junk is discarded.
func (e *Exchange) readBodyChunk() ([]byte, error) {
	for {
		code, r, err := e.readPacket()
		if err != nil {
			return nil, err
		}
		switch code {
		case codeSendBodyChunk:
			chunkLen, err := r.uint16()
			if err != nil {
				return nil, err
			}
			if r.pos+int(chunkLen) > len(r.p) {
				return nil, fmt.Errorf("%w: chunk length %d exceeds payload", ErrProtocol, chunkLen)
			}
			data := r.p[r.pos : r.pos+int(chunkLen)]
			// Bytes past chunkLen in the payload are junk per the
			// framing rule; they are simply not consumed.
			e.received += int64(chunkLen)
			if e.announced >= 0 && e.received > e.announced {
				return nil, fmt.Errorf("%w: body exceeds announced Content-Length %d", ErrProtocol, e.announced)
			}
			if chunkLen == 0 {
				continue
			}
			return data, nil
		case codeEndResponse:
			return nil, nil
		case codeGetBodyChunk:
			max, err := r.uint16()
			if err != nil {
				return nil, err
			}
			if err := e.sendBodyChunk(int(max)); err != nil {
				return nil, err
			}
		default:
			// Includes CPONG_REPLY mid-body: the packet is not
			// valid here.
			return nil, fmt.Errorf("%w: unexpected packet code %d in body", ErrProtocol, code)
		}
	}
}

// drainToEnd discards body chunks until END_RESPONSE (HEAD requests).
func (e *Exchange) drainToEnd() error {
	for {
		data, err := e.readBodyChunk()
		if err != nil {
			return err
		}
		if data == nil {
			return nil
		}
	}
}

// bodyStream adapts the packet pump to the istream interface.
type bodyStream struct {
	e       *Exchange
	handler istream.Handler
	pending []byte
	done    bool
	closed  bool
}

func (b *bodyStream) Available(partial bool) (int64, bool) {
	if b.e.announced >= 0 {
		return b.e.announced - b.e.received + int64(len(b.pending)), true
	}
	return int64(len(b.pending)), partial
}

func (b *bodyStream) SetHandler(h istream.Handler) { b.handler = h }

func (b *bodyStream) Read() {
	if b.closed || b.done {
		return
	}
	for {
		if len(b.pending) == 0 {
			data, err := b.e.readBodyChunk()
			if err != nil {
				b.done = true
				b.handler.OnError(err)
				return
			}
			if data == nil {
				b.done = true
				b.handler.OnEOF()
				return
			}
			b.pending = data
		}
		consumed, sig := b.handler.OnData(b.pending)
		b.pending = b.pending[consumed:]
		switch sig {
		case istream.Blocked:
			return
		case istream.Closed, istream.Destroyed:
			b.closed = true
			return
		}
	}
}

func (b *bodyStream) Skip(n int64) {
	for n > 0 && !b.done {
		if len(b.pending) == 0 {
			data, err := b.e.readBodyChunk()
			if err != nil || data == nil {
				b.done = true
				return
			}
			b.pending = data
		}
		m := int64(len(b.pending))
		if m > n {
			m = n
		}
		b.pending = b.pending[m:]
		n -= m
	}
}

func (b *bodyStream) AsFD() (int, istream.FDType, bool) { return -1, istream.FDNone, false }

func (b *bodyStream) Close() { b.closed = true }
