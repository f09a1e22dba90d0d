// Package fcgiclient speaks the FastCGI responder protocol to a
// backend application server: one exchange per connection at a time,
// records read whole, stderr surfaced out-of-band.
package fcgiclient

import (
	"bufio"
	"bytes"
	"encoding/binary"
	"errors"
	"fmt"
	"io"
	"net"
	"net/textproto"
	"strconv"
	"strings"
	"time"

	"github.com/hexinfra/bengproxy/internal/istream"
)

// Record types of the FastCGI wire protocol.
const (
	typeBeginRequest = 1
	typeAbortRequest = 2
	typeEndRequest   = 3
	typeParams       = 4
	typeStdin        = 5
	typeStdout       = 6
	typeStderr       = 7
)

const (
	roleResponder = 1
	flagKeepConn  = 1

	headerSize    = 8
	maxRecordBody = 0xffff
)

// ErrProtocol covers framing violations from the application server.
var ErrProtocol = errors.New("fcgiclient: protocol error")

// Request is one FastCGI responder request: CGI-style parameters plus
// an optional stdin body.
type Request struct {
	// Params are the CGI meta-variables (REQUEST_METHOD, SCRIPT_NAME,
	// QUERY_STRING, HTTP_* and friends). Order is preserved on the
	// wire.
	Params []Param

	// Body is the request stdin, or nil.
	Body istream.Istream

	// KeepConn asks the server to keep the connection open after
	// END_REQUEST so the lease can be reused.
	KeepConn bool
}

// Param is one CGI meta-variable.
type Param struct {
	Name  string
	Value string
}

// Response carries the parsed CGI response header block and the body.
type Response struct {
	StatusCode int
	Reason     string
	Headers    textproto.MIMEHeader
	Body       istream.Istream

	// Stderr accumulates whatever the application wrote to its
	// error stream during the header phase; the body stream appends
	// to it while draining.
	Stderr *bytes.Buffer
}

type exchange struct {
	conn         net.Conn
	br           *bufio.Reader
	readTimeout  time.Duration
	writeTimeout time.Duration
	requestID    uint16
	stderr       *bytes.Buffer
	ended        bool
}

// Do runs a complete request/response cycle over conn. The request
// body is drained whole first, then written as STDIN records.
func Do(conn net.Conn, readTimeout, writeTimeout time.Duration, req *Request) (*Response, error) {
	e := &exchange{
		conn:         conn,
		br:           bufio.NewReaderSize(conn, 4096),
		readTimeout:  readTimeout,
		writeTimeout: writeTimeout,
		requestID:    1,
		stderr:       &bytes.Buffer{},
	}
	if err := e.sendRequest(req); err != nil {
		return nil, err
	}
	return e.recvResponse()
}

func (e *exchange) setReadDeadline()  { e.conn.SetReadDeadline(deadline(e.readTimeout)) }
func (e *exchange) setWriteDeadline() { e.conn.SetWriteDeadline(deadline(e.writeTimeout)) }

func deadline(d time.Duration) time.Time {
	if d <= 0 {
		return time.Time{}
	}
	return time.Now().Add(d)
}

func (e *exchange) writeRecord(recType byte, body []byte) error {
	e.setWriteDeadline()
	var hdr [headerSize]byte
	hdr[0] = 1 // version
	hdr[1] = recType
	binary.BigEndian.PutUint16(hdr[2:4], e.requestID)
	binary.BigEndian.PutUint16(hdr[4:6], uint16(len(body)))
	// No padding; some servers pad for PHP alignment but nothing
	// requires it.
	if _, err := e.conn.Write(hdr[:]); err != nil {
		return err
	}
	if len(body) > 0 {
		if _, err := e.conn.Write(body); err != nil {
			return err
		}
	}
	return nil
}

func (e *exchange) sendRequest(req *Request) error {
	var begin [8]byte
	binary.BigEndian.PutUint16(begin[0:2], roleResponder)
	if req.KeepConn {
		begin[2] = flagKeepConn
	}
	if err := e.writeRecord(typeBeginRequest, begin[:]); err != nil {
		return err
	}

	params := encodeParams(req.Params)
	for len(params) > 0 {
		n := len(params)
		if n > maxRecordBody {
			n = maxRecordBody
		}
		if err := e.writeRecord(typeParams, params[:n]); err != nil {
			return err
		}
		params = params[n:]
	}
	if err := e.writeRecord(typeParams, nil); err != nil {
		return err
	}

	if req.Body != nil {
		raw, err := istream.Drain(req.Body)
		if err != nil {
			return err
		}
		for len(raw) > 0 {
			n := len(raw)
			if n > maxRecordBody {
				n = maxRecordBody
			}
			if err := e.writeRecord(typeStdin, raw[:n]); err != nil {
				return err
			}
			raw = raw[n:]
		}
	}
	return e.writeRecord(typeStdin, nil)
}

// encodeParams serialises name-value pairs with the 1-or-4-byte
// length encoding (top bit set selects the 4-byte form).
func encodeParams(params []Param) []byte {
	var buf []byte
	for _, p := range params {
		buf = appendLength(buf, len(p.Name))
		buf = appendLength(buf, len(p.Value))
		buf = append(buf, p.Name...)
		buf = append(buf, p.Value...)
	}
	return buf
}

func appendLength(buf []byte, n int) []byte {
	if n < 128 {
		return append(buf, byte(n))
	}
	return binary.BigEndian.AppendUint32(buf, uint32(n)|0x80000000)
}

// readRecord returns the next record addressed to our request id.
// Management records (id 0) are skipped.
func (e *exchange) readRecord() (recType byte, body []byte, err error) {
	for {
		e.setReadDeadline()
		var hdr [headerSize]byte
		if _, err := io.ReadFull(e.br, hdr[:]); err != nil {
			return 0, nil, err
		}
		if hdr[0] != 1 {
			return 0, nil, fmt.Errorf("%w: version %d", ErrProtocol, hdr[0])
		}
		id := binary.BigEndian.Uint16(hdr[2:4])
		contentLen := binary.BigEndian.Uint16(hdr[4:6])
		padding := int(hdr[6])
		body := make([]byte, int(contentLen)+padding)
		if _, err := io.ReadFull(e.br, body); err != nil {
			return 0, nil, err
		}
		if id != e.requestID {
			continue
		}
		return hdr[1], body[:contentLen], nil
	}
}

// recvResponse pumps records until the CGI header block is complete,
// then hands the rest of stdout over as the body stream.
func (e *exchange) recvResponse() (*Response, error) {
	var headerBuf bytes.Buffer
	var leftover []byte
	for {
		recType, body, err := e.readRecord()
		if err != nil {
			return nil, err
		}
		switch recType {
		case typeStdout:
			headerBuf.Write(body)
			if i := bytes.Index(headerBuf.Bytes(), []byte("\r\n\r\n")); i >= 0 {
				all := headerBuf.Bytes()
				leftover = append([]byte(nil), all[i+4:]...)
				headerBuf.Truncate(i + 4)
				return e.parseHead(headerBuf.Bytes(), leftover)
			}
			if i := bytes.Index(headerBuf.Bytes(), []byte("\n\n")); i >= 0 {
				all := headerBuf.Bytes()
				leftover = append([]byte(nil), all[i+2:]...)
				headerBuf.Truncate(i + 2)
				return e.parseHead(headerBuf.Bytes(), leftover)
			}
		case typeStderr:
			e.stderr.Write(body)
		case typeEndRequest:
			return nil, fmt.Errorf("%w: END_REQUEST before response headers", ErrProtocol)
		default:
			return nil, fmt.Errorf("%w: unexpected record type %d", ErrProtocol, recType)
		}
	}
}

// parseHead interprets the CGI response header block: an optional
// "Status:" pseudo-header selects the HTTP status, default 200.
func (e *exchange) parseHead(head, leftover []byte) (*Response, error) {
	tp := textproto.NewReader(bufio.NewReader(bytes.NewReader(head)))
	headers, err := tp.ReadMIMEHeader()
	if err != nil && err != io.EOF {
		return nil, fmt.Errorf("%w: malformed CGI headers: %v", ErrProtocol, err)
	}
	status, reason := 200, "OK"
	if sv := headers.Get("Status"); sv != "" {
		parts := strings.SplitN(sv, " ", 2)
		n, err := strconv.Atoi(parts[0])
		if err != nil {
			return nil, fmt.Errorf("%w: malformed Status %q", ErrProtocol, sv)
		}
		status = n
		if len(parts) == 2 {
			reason = parts[1]
		}
		headers.Del("Status")
	}
	return &Response{
		StatusCode: status,
		Reason:     reason,
		Headers:    headers,
		Body:       &bodyStream{e: e, pending: leftover},
		Stderr:     e.stderr,
	}, nil
}

// bodyStream pulls the remaining STDOUT records lazily.
type bodyStream struct {
	e       *exchange
	handler istream.Handler
	pending []byte
	done    bool
	closed  bool
}

func (b *bodyStream) Available(partial bool) (int64, bool) {
	return int64(len(b.pending)), partial
}

func (b *bodyStream) SetHandler(h istream.Handler) { b.handler = h }

func (b *bodyStream) next() ([]byte, error) {
	for {
		recType, body, err := b.e.readRecord()
		if err != nil {
			return nil, err
		}
		switch recType {
		case typeStdout:
			if len(body) == 0 {
				continue
			}
			return body, nil
		case typeStderr:
			b.e.stderr.Write(body)
		case typeEndRequest:
			if len(body) < 8 {
				return nil, fmt.Errorf("%w: short END_REQUEST", ErrProtocol)
			}
			if proto := body[4]; proto != 0 {
				return nil, fmt.Errorf("%w: END_REQUEST protocol status %d", ErrProtocol, proto)
			}
			b.e.ended = true
			return nil, nil
		default:
			return nil, fmt.Errorf("%w: unexpected record type %d in body", ErrProtocol, recType)
		}
	}
}

func (b *bodyStream) Read() {
	if b.closed || b.done {
		return
	}
	for {
		if len(b.pending) == 0 {
			data, err := b.next()
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
			data, err := b.next()
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
