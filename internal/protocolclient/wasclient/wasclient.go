// Package wasclient speaks the WAS (Web Application Socket) protocol
// to a child-process backend: a sideband control channel whose
// packets carry request/response metadata, and a separate data
// channel carrying raw body bytes.
//
// The record pump mirrors the FastCGI client's shape; the body
// accounting lives in the Input sub-state (input.go).
package wasclient

import (
	"encoding/binary"
	"errors"
	"fmt"
	"io"
	"net"
	"strconv"
	"strings"
	"time"

	"github.com/hexinfra/bengproxy/internal/istream"
)

// Control-channel commands. The header is {length_le16, command_le16}
// followed by length payload bytes.
const (
	cmdNop         = 0
	cmdRequest     = 1
	cmdMethod      = 2
	cmdURI         = 3
	cmdScriptName  = 4
	cmdPathInfo    = 5
	cmdQueryString = 6
	cmdHeader      = 7
	cmdParameter   = 8
	cmdStatus      = 9
	cmdNoData      = 10
	cmdData        = 11
	cmdLength      = 12
	cmdStop        = 13
	cmdPremature   = 14
)

const headerSize = 4

// ErrProtocol covers control-channel framing violations.
var ErrProtocol = errors.New("wasclient: protocol error")

// ErrPremature is the failure emitted after a premature end of the
// response body.
var ErrPremature = errors.New("wasclient: premature end of response")

// Request is one WAS request. Headers and parameters are sent as
// "name=value" control payloads.
type Request struct {
	Method      string
	URI         string
	ScriptName  string
	PathInfo    string
	QueryString string
	Headers     []HeaderField
	Parameters  []HeaderField

	// Body, if non-nil, is written to the data channel with its
	// length announced up front on the control channel.
	Body          istream.Istream
	ContentLength int64
}

// HeaderField is one header or parameter.
type HeaderField struct {
	Name  string
	Value string
}

// Response carries the decoded STATUS and HEADER packets plus a body
// stream fed from the data channel under Input accounting.
type Response struct {
	StatusCode int
	Headers    []HeaderField
	Body       istream.Istream // nil after NO_DATA
}

// Exchange drives one request over a control connection and a data
// pipe pair.
type Exchange struct {
	control      net.Conn
	dataR        io.Reader
	dataW        io.Writer
	readTimeout  time.Duration
	writeTimeout time.Duration
	input        Input
}

// Do runs a complete WAS exchange. control carries metadata packets;
// dataR/dataW are the body byte channels (one per direction).
func Do(control net.Conn, dataR io.Reader, dataW io.Writer, readTimeout, writeTimeout time.Duration, req *Request) (*Response, error) {
	e := &Exchange{
		control:      control,
		dataR:        dataR,
		dataW:        dataW,
		readTimeout:  readTimeout,
		writeTimeout: writeTimeout,
	}
	if err := e.sendRequest(req); err != nil {
		return nil, err
	}
	return e.recvResponse()
}

func (e *Exchange) writePacket(cmd uint16, payload []byte) error {
	e.control.SetWriteDeadline(deadline(e.writeTimeout))
	var hdr [headerSize]byte
	binary.LittleEndian.PutUint16(hdr[0:2], uint16(len(payload)))
	binary.LittleEndian.PutUint16(hdr[2:4], cmd)
	if _, err := e.control.Write(hdr[:]); err != nil {
		return err
	}
	if len(payload) > 0 {
		if _, err := e.control.Write(payload); err != nil {
			return err
		}
	}
	return nil
}

func (e *Exchange) readPacket() (uint16, []byte, error) {
	e.control.SetReadDeadline(deadline(e.readTimeout))
	var hdr [headerSize]byte
	if _, err := io.ReadFull(e.control, hdr[:]); err != nil {
		return 0, nil, err
	}
	length := binary.LittleEndian.Uint16(hdr[0:2])
	cmd := binary.LittleEndian.Uint16(hdr[2:4])
	payload := make([]byte, length)
	if _, err := io.ReadFull(e.control, payload); err != nil {
		return 0, nil, err
	}
	return cmd, payload, nil
}

func deadline(d time.Duration) time.Time {
	if d <= 0 {
		return time.Time{}
	}
	return time.Now().Add(d)
}

func le64(n int64) []byte {
	var b [8]byte
	binary.LittleEndian.PutUint64(b[:], uint64(n))
	return b[:]
}

func (e *Exchange) sendRequest(req *Request) error {
	if err := e.writePacket(cmdRequest, nil); err != nil {
		return err
	}
	if err := e.writePacket(cmdMethod, []byte(req.Method)); err != nil {
		return err
	}
	if err := e.writePacket(cmdURI, []byte(req.URI)); err != nil {
		return err
	}
	if req.ScriptName != "" {
		if err := e.writePacket(cmdScriptName, []byte(req.ScriptName)); err != nil {
			return err
		}
	}
	if req.PathInfo != "" {
		if err := e.writePacket(cmdPathInfo, []byte(req.PathInfo)); err != nil {
			return err
		}
	}
	if req.QueryString != "" {
		if err := e.writePacket(cmdQueryString, []byte(req.QueryString)); err != nil {
			return err
		}
	}
	for _, h := range req.Headers {
		if err := e.writePacket(cmdHeader, []byte(h.Name+"="+h.Value)); err != nil {
			return err
		}
	}
	for _, p := range req.Parameters {
		if err := e.writePacket(cmdParameter, []byte(p.Name+"="+p.Value)); err != nil {
			return err
		}
	}

	if req.Body == nil {
		return e.writePacket(cmdNoData, nil)
	}
	raw, err := istream.Drain(req.Body)
	if err != nil {
		return err
	}
	if err := e.writePacket(cmdData, nil); err != nil {
		return err
	}
	if err := e.writePacket(cmdLength, le64(int64(len(raw)))); err != nil {
		return err
	}
	if len(raw) > 0 {
		if _, err := e.dataW.Write(raw); err != nil {
			return err
		}
	}
	return nil
}

// recvResponse pumps control packets until STATUS + headers +
// (DATA|NO_DATA) have arrived.
func (e *Exchange) recvResponse() (*Response, error) {
	resp := &Response{}
	sawStatus := false
	for {
		cmd, payload, err := e.readPacket()
		if err != nil {
			return nil, err
		}
		switch cmd {
		case cmdNop:
		case cmdStatus:
			if len(payload) < 2 {
				return nil, fmt.Errorf("%w: short STATUS payload", ErrProtocol)
			}
			resp.StatusCode = int(binary.LittleEndian.Uint16(payload[0:2]))
			sawStatus = true
		case cmdHeader:
			name, value, ok := splitPair(string(payload))
			if !ok {
				return nil, fmt.Errorf("%w: malformed HEADER payload %q", ErrProtocol, payload)
			}
			resp.Headers = append(resp.Headers, HeaderField{name, value})
		case cmdNoData:
			if !sawStatus {
				return nil, fmt.Errorf("%w: NO_DATA before STATUS", ErrProtocol)
			}
			return resp, nil
		case cmdData:
			if !sawStatus {
				return nil, fmt.Errorf("%w: DATA before STATUS", ErrProtocol)
			}
			resp.Body = &bodyStream{e: e}
			return resp, nil
		case cmdLength:
			// A length announced with the DATA packet still ahead
			// of us; remember it for the body stream.
			if err := e.applyLength(payload, false); err != nil {
				return nil, err
			}
		case cmdPremature:
			if err := e.applyLength(payload, true); err != nil {
				return nil, err
			}
		default:
			return nil, fmt.Errorf("%w: unexpected control command %d", ErrProtocol, cmd)
		}
	}
}

func (e *Exchange) applyLength(payload []byte, premature bool) error {
	if len(payload) != 8 {
		return fmt.Errorf("%w: bad LENGTH payload size %d", ErrProtocol, len(payload))
	}
	n := int64(binary.LittleEndian.Uint64(payload))
	if premature {
		return e.input.SetPremature(n)
	}
	return e.input.SetLength(n)
}

func splitPair(s string) (string, string, bool) {
	i := strings.IndexByte(s, '=')
	if i < 0 {
		return "", "", false
	}
	return s[:i], s[i+1:], true
}

// ContentLengthHint extracts Content-Length from decoded headers,
// for callers that size buffers up front.
func (r *Response) ContentLengthHint() (int64, bool) {
	for _, h := range r.Headers {
		if strings.EqualFold(h.Name, "content-length") {
			n, err := strconv.ParseInt(h.Value, 10, 64)
			return n, err == nil
		}
	}
	return 0, false
}

// bodyStream reads the data channel under Input accounting. Control
// packets that arrive after DATA (SET_LENGTH, PREMATURE_LENGTH) are
// consumed when the data channel runs dry before the length is
// settled.
type bodyStream struct {
	e       *Exchange
	handler istream.Handler
	buf     [4096]byte
	pending []byte
	done    bool
	closed  bool
}

func (b *bodyStream) Available(partial bool) (int64, bool) {
	if rem, ok := b.e.input.Remaining(); ok {
		return rem + int64(len(b.pending)), true
	}
	return int64(len(b.pending)), partial
}

func (b *bodyStream) SetHandler(h istream.Handler) { b.handler = h }

// next returns the next chunk of body bytes, nil on clean end.
func (b *bodyStream) next() ([]byte, error) {
	in := &b.e.input
	for {
		if rem, ok := in.Remaining(); ok {
			if rem == 0 {
				if in.Premature() {
					return nil, ErrPremature
				}
				return nil, nil
			}
			max := int64(len(b.buf))
			if rem < max {
				max = rem
			}
			n, err := b.e.dataR.Read(b.buf[:max])
			if n > 0 {
				if aerr := in.Add(int64(n)); aerr != nil {
					return nil, aerr
				}
				return b.buf[:n], nil
			}
			if err != nil {
				if err == io.EOF {
					return nil, fmt.Errorf("%w: data channel closed %d bytes early", ErrPremature, rem)
				}
				return nil, err
			}
		} else {
			n, err := b.e.dataR.Read(b.buf[:])
			if n > 0 {
				if aerr := in.Add(int64(n)); aerr != nil {
					return nil, aerr
				}
				return b.buf[:n], nil
			}
			if err == io.EOF {
				// Length never announced while data flowed; the
				// verdict must come from the control channel now.
				if cerr := b.settleFromControl(); cerr != nil {
					return nil, cerr
				}
				continue
			}
			if err != nil {
				return nil, err
			}
		}
	}
}

// settleFromControl reads control packets until the input length is
// known, after the data channel reported EOF.
func (b *bodyStream) settleFromControl() error {
	in := &b.e.input
	for !in.lengthKnown {
		cmd, payload, err := b.e.readPacket()
		if err != nil {
			return err
		}
		switch cmd {
		case cmdNop:
		case cmdLength:
			if err := b.e.applyLength(payload, false); err != nil {
				return err
			}
		case cmdPremature:
			if err := b.e.applyLength(payload, true); err != nil {
				return err
			}
		default:
			return fmt.Errorf("%w: unexpected control command %d while settling body length", ErrProtocol, cmd)
		}
	}
	if in.received < in.length {
		// The announcement says more is coming but the data channel
		// is closed.
		return fmt.Errorf("%w: announced %d, received %d", ErrPremature, in.length, in.received)
	}
	return nil
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

func (b *bodyStream) Close() {
	if b.closed {
		return
	}
	b.closed = true
	// Tell the peer to stop producing; best effort.
	b.e.writePacket(cmdStop, nil)
}
