package ajpclient

import (
	"encoding/binary"
	"fmt"
	"strings"
)

// Packet framing per AJPv13: requests to the container are prefixed
// with the magic 0x12 0x34, responses from the container with 'A','B'.
// The 16-bit length that follows is big-endian and counts the payload
// only.
const (
	requestMagic0 = 0x12
	requestMagic1 = 0x34
	replyMagic0   = 'A'
	replyMagic1   = 'B'

	// Payload of a single packet must fit in 16 bits minus the
	// framing; 8K is what every servlet container actually uses.
	maxPacketSize = 8192
	maxChunkSize  = maxPacketSize - 8
)

// Prefix codes of container-bound packets.
const (
	codeForwardRequest = 2
	codeShutdown       = 7
	codePing           = 8
	codeCPing          = 10
)

// Prefix codes of client-bound packets.
const (
	codeSendBodyChunk = 3
	codeSendHeaders   = 4
	codeEndResponse   = 5
	codeGetBodyChunk  = 6
	codeCPongReply    = 9
)

// Method ids of the FORWARD_REQUEST packet.
var methodCodes = map[string]byte{
	"OPTIONS":   1,
	"GET":       2,
	"HEAD":      3,
	"POST":      4,
	"PUT":       5,
	"DELETE":    6,
	"TRACE":     7,
	"PROPFIND":  8,
	"PROPPATCH": 9,
	"MKCOL":     10,
	"COPY":      11,
	"MOVE":      12,
	"LOCK":      13,
	"UNLOCK":    14,
	"ACL":       15,
	"REPORT":    16,
}

// Well-known request header names are sent as two-byte 0xA0xx codes
// instead of strings.
var requestHeaderCodes = map[string]uint16{
	"accept":          0xa001,
	"accept-charset":  0xa002,
	"accept-encoding": 0xa003,
	"accept-language": 0xa004,
	"authorization":   0xa005,
	"connection":      0xa006,
	"content-type":    0xa007,
	"content-length":  0xa008,
	"cookie":          0xa009,
	"cookie2":         0xa00a,
	"host":            0xa00b,
	"pragma":          0xa00c,
	"referer":         0xa00d,
	"user-agent":      0xa00e,
}

// Well-known response header codes, indexed by low byte.
var responseHeaderNames = [...]string{
	1:  "Content-Type",
	2:  "Content-Language",
	3:  "Content-Length",
	4:  "Date",
	5:  "Last-Modified",
	6:  "Location",
	7:  "Set-Cookie",
	8:  "Set-Cookie2",
	9:  "Servlet-Engine",
	10: "Status",
	11: "WWW-Authenticate",
}

const attrQueryString = 0x05
const attrTerminator = 0xff

func hasHeader(headers []HeaderField, lowerName string) bool {
	for _, h := range headers {
		if strings.ToLower(h.Name) == lowerName {
			return true
		}
	}
	return false
}

// packetWriter accumulates one container-bound packet. The framing
// header is reserved up front and patched when the payload is final.
type packetWriter struct {
	buf []byte
}

func newPacketWriter() *packetWriter {
	w := &packetWriter{buf: make([]byte, 0, 512)}
	w.buf = append(w.buf, requestMagic0, requestMagic1, 0, 0)
	return w
}

func (w *packetWriter) byte(b byte)   { w.buf = append(w.buf, b) }
func (w *packetWriter) bool(b bool)   { w.buf = append(w.buf, boolByte(b)) }
func (w *packetWriter) uint16(v uint16) {
	w.buf = binary.BigEndian.AppendUint16(w.buf, v)
}

// string appends the AJP length-prefixed, NUL-terminated string
// encoding. The empty string and "no string" are distinct on the
// wire: absent strings are encoded as length 0xffff with no bytes.
func (w *packetWriter) string(s string) {
	w.uint16(uint16(len(s)))
	w.buf = append(w.buf, s...)
	w.byte(0)
}

func (w *packetWriter) absentString() { w.uint16(0xffff) }

// finish patches the payload length and returns the framed packet.
func (w *packetWriter) finish() ([]byte, error) {
	payload := len(w.buf) - 4
	if payload > maxPacketSize {
		return nil, fmt.Errorf("ajpclient: packet payload %d exceeds %d", payload, maxPacketSize)
	}
	binary.BigEndian.PutUint16(w.buf[2:4], uint16(payload))
	return w.buf, nil
}

func boolByte(b bool) byte {
	if b {
		return 1
	}
	return 0
}

// packetReader walks one client-bound payload.
type packetReader struct {
	p   []byte
	pos int
}

func (r *packetReader) byte() (byte, error) {
	if r.pos >= len(r.p) {
		return 0, errTruncated
	}
	b := r.p[r.pos]
	r.pos++
	return b, nil
}

func (r *packetReader) uint16() (uint16, error) {
	if r.pos+2 > len(r.p) {
		return 0, errTruncated
	}
	v := binary.BigEndian.Uint16(r.p[r.pos:])
	r.pos += 2
	return v, nil
}

func (r *packetReader) string() (string, error) {
	n, err := r.uint16()
	if err != nil {
		return "", err
	}
	if n == 0xffff {
		return "", nil
	}
	if r.pos+int(n)+1 > len(r.p) {
		return "", errTruncated
	}
	s := string(r.p[r.pos : r.pos+int(n)])
	r.pos += int(n) + 1 // skip the trailing NUL too
	return s, nil
}

// encodeForwardRequest serialises the FORWARD_REQUEST packet per
// the AJPv13 layout: method id, protocol, uri, remote_addr,
// remote_host, server_name, server_port, is_ssl, header count,
// headers, optional query attribute, terminator.
func encodeForwardRequest(req *Request) ([]byte, error) {
	code, ok := methodCodes[req.Method]
	if !ok {
		return nil, fmt.Errorf("ajpclient: method %q has no AJP code", req.Method)
	}

	w := newPacketWriter()
	w.byte(codeForwardRequest)
	w.byte(code)
	w.string("HTTP/1.1")
	w.string(req.URI)
	w.string(req.RemoteAddr)
	if req.RemoteHost != "" {
		w.string(req.RemoteHost)
	} else {
		w.absentString()
	}
	w.string(req.ServerName)
	w.uint16(req.ServerPort)
	w.bool(req.IsSSL)

	headers := req.Headers
	if req.ContentLength >= 0 && !hasHeader(headers, "content-length") {
		headers = append(headers, HeaderField{"Content-Length", fmt.Sprintf("%d", req.ContentLength)})
	}
	w.uint16(uint16(len(headers)))
	for _, h := range headers {
		if c, ok := requestHeaderCodes[strings.ToLower(h.Name)]; ok {
			w.uint16(c)
		} else {
			w.string(h.Name)
		}
		w.string(h.Value)
	}

	if req.QueryString != "" {
		w.byte(attrQueryString)
		w.string(req.QueryString)
	}
	w.byte(attrTerminator)
	return w.finish()
}

// encodeBodyChunk frames one request-body chunk: the payload is a
// 16-bit length followed by the data. The terminating chunk is a
// packet with an empty payload.
func encodeBodyChunk(data []byte) []byte {
	buf := make([]byte, 0, 6+len(data))
	buf = append(buf, requestMagic0, requestMagic1)
	buf = binary.BigEndian.AppendUint16(buf, uint16(len(data)+2))
	buf = binary.BigEndian.AppendUint16(buf, uint16(len(data)))
	buf = append(buf, data...)
	return buf
}

// emptyBodyChunk is the fixed terminator after the last body chunk.
var emptyBodyChunk = []byte{requestMagic0, requestMagic1, 0x00, 0x00}

// decodeHeaders parses a SEND_HEADERS payload (after the prefix code):
// status, reason, header count, then (code|name, value) pairs.
func decodeHeaders(r *packetReader) (status int, reason string, headers []HeaderField, err error) {
	st, err := r.uint16()
	if err != nil {
		return 0, "", nil, err
	}
	reason, err = r.string()
	if err != nil {
		return 0, "", nil, err
	}
	n, err := r.uint16()
	if err != nil {
		return 0, "", nil, err
	}
	headers = make([]HeaderField, 0, n)
	for i := 0; i < int(n); i++ {
		var name string
		hi, err := r.uint16()
		if err != nil {
			return 0, "", nil, err
		}
		if hi&0xff00 == 0xa000 {
			low := int(hi & 0xff)
			if low == 0 || low >= len(responseHeaderNames) {
				return 0, "", nil, fmt.Errorf("ajpclient: unknown response header code %#x", hi)
			}
			name = responseHeaderNames[low]
		} else {
			// hi was actually a string length; re-read the name
			// with the length already consumed.
			if r.pos+int(hi)+1 > len(r.p) {
				return 0, "", nil, errTruncated
			}
			name = string(r.p[r.pos : r.pos+int(hi)])
			r.pos += int(hi) + 1
		}
		value, err := r.string()
		if err != nil {
			return 0, "", nil, err
		}
		headers = append(headers, HeaderField{name, value})
	}
	return int(st), reason, headers, nil
}
