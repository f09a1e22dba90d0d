package ajpclient

import (
	"bytes"
	"encoding/binary"
	"io"
	"net"
	"testing"
	"time"

	"github.com/hexinfra/bengproxy/internal/istream"
)

// decodeForwardRequest is the test-side inverse of
// encodeForwardRequest, used to prove the encode(decode(x)) round
// trip of the framing.
func decodeForwardRequest(t *testing.T, pkt []byte) *Request {
	t.Helper()
	if pkt[0] != requestMagic0 || pkt[1] != requestMagic1 {
		t.Fatalf("bad request magic %#x %#x", pkt[0], pkt[1])
	}
	length := binary.BigEndian.Uint16(pkt[2:4])
	if int(length) != len(pkt)-4 {
		t.Fatalf("length field %d, payload %d", length, len(pkt)-4)
	}
	r := &packetReader{p: pkt[4:]}
	if code, _ := r.byte(); code != codeForwardRequest {
		t.Fatalf("prefix code = %d, want FORWARD_REQUEST", code)
	}
	methodCode, _ := r.byte()
	req := &Request{ContentLength: -1}
	for name, c := range methodCodes {
		if c == methodCode {
			req.Method = name
		}
	}
	if _, err := r.string(); err != nil { // protocol
		t.Fatal(err)
	}
	req.URI, _ = r.string()
	req.RemoteAddr, _ = r.string()
	req.RemoteHost, _ = r.string()
	req.ServerName, _ = r.string()
	req.ServerPort, _ = r.uint16()
	sslByte, _ := r.byte()
	req.IsSSL = sslByte != 0
	n, _ := r.uint16()
	for i := 0; i < int(n); i++ {
		hi, err := r.uint16()
		if err != nil {
			t.Fatal(err)
		}
		var name string
		if hi&0xff00 == 0xa000 {
			for nm, c := range requestHeaderCodes {
				if c == hi {
					name = nm
				}
			}
		} else {
			name = string(r.p[r.pos : r.pos+int(hi)])
			r.pos += int(hi) + 1
		}
		value, _ := r.string()
		req.Headers = append(req.Headers, HeaderField{name, value})
	}
	for {
		attr, err := r.byte()
		if err != nil || attr == attrTerminator {
			break
		}
		if attr == attrQueryString {
			req.QueryString, _ = r.string()
		}
	}
	return req
}

func TestForwardRequestRoundTrip(t *testing.T) {
	orig := &Request{
		Method:        "POST",
		URI:           "/app/do",
		QueryString:   "a=1&b=2",
		RemoteAddr:    "10.0.0.7",
		RemoteHost:    "client.example",
		ServerName:    "www.example",
		ServerPort:    443,
		IsSSL:         true,
		ContentLength: -1,
		Headers: []HeaderField{
			{"host", "www.example"},
			{"user-agent", "test/1.0"},
			{"x-custom", "v"},
		},
	}
	pkt, err := encodeForwardRequest(orig)
	if err != nil {
		t.Fatal(err)
	}
	decoded := decodeForwardRequest(t, pkt)
	pkt2, err := encodeForwardRequest(decoded)
	if err != nil {
		t.Fatal(err)
	}
	if !bytes.Equal(pkt, pkt2) {
		t.Errorf("encode(decode(x)) != x\n x: %x\n x': %x", pkt, pkt2)
	}
}

func TestBodyChunkTerminatorShape(t *testing.T) {
	chunk := encodeBodyChunk([]byte("bar"))
	want := []byte{0x12, 0x34, 0x00, 0x05, 0x00, 0x03, 'b', 'a', 'r'}
	if !bytes.Equal(chunk, want) {
		t.Errorf("chunk = %x, want %x", chunk, want)
	}
	if !bytes.Equal(emptyBodyChunk, []byte{0x12, 0x34, 0x00, 0x00}) {
		t.Errorf("terminator = %x", emptyBodyChunk)
	}
}

// serverWrite frames one container-to-client packet.
func serverWrite(t *testing.T, w io.Writer, payload []byte) {
	t.Helper()
	hdr := []byte{replyMagic0, replyMagic1, 0, 0}
	binary.BigEndian.PutUint16(hdr[2:4], uint16(len(payload)))
	if _, err := w.Write(append(hdr, payload...)); err != nil {
		t.Error(err)
	}
}

func serverReadPacket(t *testing.T, r io.Reader) []byte {
	t.Helper()
	var hdr [4]byte
	if _, err := io.ReadFull(r, hdr[:]); err != nil {
		t.Fatalf("server read header: %v", err)
	}
	if hdr[0] != requestMagic0 || hdr[1] != requestMagic1 {
		t.Fatalf("server saw magic %#x %#x", hdr[0], hdr[1])
	}
	payload := make([]byte, binary.BigEndian.Uint16(hdr[2:4]))
	if _, err := io.ReadFull(r, payload); err != nil {
		t.Fatalf("server read payload: %v", err)
	}
	return payload
}

func sendHeadersPayload(status int, headers []HeaderField) []byte {
	w := newPacketWriter()
	w.buf = w.buf[:0] // strip the request framing; only the payload is wanted
	w.byte(codeSendHeaders)
	w.uint16(uint16(status))
	w.string("OK")
	w.uint16(uint16(len(headers)))
	for _, h := range headers {
		w.string(h.Name)
		w.string(h.Value)
	}
	return w.buf
}

func bodyChunkPayload(data []byte, junk int) []byte {
	p := []byte{codeSendBodyChunk}
	p = binary.BigEndian.AppendUint16(p, uint16(len(data)))
	p = append(p, data...)
	for i := 0; i < junk; i++ {
		p = append(p, 0xee)
	}
	return p
}

// POST "bar": the server pulls the body with
// GET_BODY_CHUNK and echoes it back.
func TestPostMirrorExchange(t *testing.T) {
	client, server := net.Pipe()
	defer client.Close()

	done := make(chan struct{})
	go func() {
		defer close(done)
		defer server.Close()
		serverReadPacket(t, server) // FORWARD_REQUEST

		serverWrite(t, server, []byte{codeGetBodyChunk, 0x1f, 0xfa}) // pull up to 8186

		chunk := serverReadPacket(t, server)
		if want := []byte{0x00, 0x03, 'b', 'a', 'r'}; !bytes.Equal(chunk, want) {
			t.Errorf("body chunk payload = %x, want %x", chunk, want)
		}
		term := serverReadPacket(t, server)
		if len(term) != 0 {
			t.Errorf("terminator payload = %x, want empty", term)
		}

		serverWrite(t, server, sendHeadersPayload(200, []HeaderField{{"X-Echo", "yes"}}))
		serverWrite(t, server, bodyChunkPayload([]byte("bar"), 0))
		serverWrite(t, server, []byte{codeEndResponse, 1})
	}()

	resp, err := Do(client, time.Second, time.Second, &Request{
		Method:        "POST",
		URI:           "/mirror",
		RemoteAddr:    "127.0.0.1",
		ServerName:    "localhost",
		ServerPort:    80,
		Body:          istream.Str("bar"),
		ContentLength: 3,
	})
	if err != nil {
		t.Fatal(err)
	}
	if resp.StatusCode != 200 {
		t.Errorf("status = %d, want 200", resp.StatusCode)
	}
	body, err := istream.Drain(resp.Body)
	if err != nil {
		t.Fatal(err)
	}
	if string(body) != "bar" {
		t.Errorf("body = %q, want %q", body, "bar")
	}
	<-done
}

func TestBodyChunkJunkDiscarded(t *testing.T) {
	client, server := net.Pipe()
	defer client.Close()

	go func() {
		defer server.Close()
		serverReadPacket(t, server)
		serverWrite(t, server, sendHeadersPayload(200, nil))
		serverWrite(t, server, bodyChunkPayload([]byte("ok"), 3)) // 3 junk bytes after the chunk
		serverWrite(t, server, []byte{codeEndResponse, 1})
	}()

	resp, err := Do(client, time.Second, time.Second, &Request{
		Method: "GET", URI: "/", RemoteAddr: "127.0.0.1",
		ServerName: "localhost", ServerPort: 80, ContentLength: -1,
	})
	if err != nil {
		t.Fatal(err)
	}
	body, err := istream.Drain(resp.Body)
	if err != nil {
		t.Fatal(err)
	}
	if string(body) != "ok" {
		t.Errorf("body = %q, junk not discarded", body)
	}
}

func TestHeadDiscardsBodyChunks(t *testing.T) {
	client, server := net.Pipe()
	defer client.Close()

	go func() {
		defer server.Close()
		serverReadPacket(t, server)
		serverWrite(t, server, sendHeadersPayload(200, []HeaderField{{"Content-Length", "5"}}))
		serverWrite(t, server, bodyChunkPayload([]byte("junk!"), 0))
		serverWrite(t, server, []byte{codeEndResponse, 1})
	}()

	resp, err := Do(client, time.Second, time.Second, &Request{
		Method: "HEAD", URI: "/", RemoteAddr: "127.0.0.1",
		ServerName: "localhost", ServerPort: 80, ContentLength: -1,
	})
	if err != nil {
		t.Fatal(err)
	}
	if resp.Body != nil {
		t.Error("HEAD response must carry a nil body")
	}
}

func TestUnknownRequestLengthRejected(t *testing.T) {
	client, server := net.Pipe()
	defer client.Close()
	defer server.Close()

	_, err := Do(client, time.Second, time.Second, &Request{
		Method: "POST", URI: "/", RemoteAddr: "127.0.0.1",
		ServerName: "localhost", ServerPort: 80,
		Body: istream.Str("x"), ContentLength: -1,
	})
	if err != ErrUnknownLength {
		t.Errorf("err = %v, want ErrUnknownLength", err)
	}
}

func TestAnnouncedLengthOverrunAborts(t *testing.T) {
	client, server := net.Pipe()
	defer client.Close()

	go func() {
		defer server.Close()
		serverReadPacket(t, server)
		serverWrite(t, server, sendHeadersPayload(200, []HeaderField{{"Content-Length", "2"}}))
		serverWrite(t, server, bodyChunkPayload([]byte("toolong"), 0))
		serverWrite(t, server, []byte{codeEndResponse, 1})
	}()

	resp, err := Do(client, time.Second, time.Second, &Request{
		Method: "GET", URI: "/", RemoteAddr: "127.0.0.1",
		ServerName: "localhost", ServerPort: 80, ContentLength: -1,
	})
	if err != nil {
		t.Fatal(err)
	}
	if _, err := istream.Drain(resp.Body); err == nil {
		t.Error("overrun of announced Content-Length must abort the body")
	}
}

func TestCPongMidBodyIsFatal(t *testing.T) {
	client, server := net.Pipe()
	defer client.Close()

	go func() {
		defer server.Close()
		serverReadPacket(t, server)
		serverWrite(t, server, sendHeadersPayload(200, nil))
		serverWrite(t, server, []byte{codeCPongReply})
	}()

	resp, err := Do(client, time.Second, time.Second, &Request{
		Method: "GET", URI: "/", RemoteAddr: "127.0.0.1",
		ServerName: "localhost", ServerPort: 80, ContentLength: -1,
	})
	if err != nil {
		t.Fatal(err)
	}
	if _, err := istream.Drain(resp.Body); err == nil {
		t.Error("CPONG_REPLY mid-body must be a protocol error")
	}
}
