package wasclient

import (
	"encoding/binary"
	"io"
	"net"
	"testing"
	"time"

	"github.com/hexinfra/bengproxy/internal/istream"
)

func TestInputInvariants(t *testing.T) {
	var in Input
	if err := in.Add(100); err != nil {
		t.Fatal(err)
	}
	if err := in.SetLength(50); err != ErrLengthShrunk {
		t.Errorf("shrinking length below received: err = %v, want ErrLengthShrunk", err)
	}
	if err := in.SetLength(200); err != nil {
		t.Fatal(err)
	}
	if err := in.SetLength(150); err != ErrLengthShrunk {
		t.Errorf("shrinking an announced length: err = %v, want ErrLengthShrunk", err)
	}
	if err := in.Guarantee(300); err != ErrGuaranteeExceedsLength {
		t.Errorf("guarantee above length: err = %v, want ErrGuaranteeExceedsLength", err)
	}
	if err := in.Add(150); err == nil {
		t.Error("receiving past the announced length must fail")
	}
}

func TestPrematureAtExactLengthIsSuccess(t *testing.T) {
	var in Input
	in.Add(10)
	if err := in.SetPremature(10); err != nil {
		t.Fatal(err)
	}
	if in.Premature() {
		t.Error("PREMATURE_LENGTH equal to received bytes must count as a clean end")
	}
	if !in.Complete() {
		t.Error("input should be complete")
	}
}

func TestPrematureShortfall(t *testing.T) {
	var in Input
	in.Add(4)
	if err := in.SetPremature(10); err != nil {
		t.Fatal(err)
	}
	if !in.Premature() {
		t.Error("a genuine shortfall must mark the input premature")
	}
}

type wasServer struct {
	t       *testing.T
	control net.Conn
	dataW   io.WriteCloser
}

func (s *wasServer) readPacket() (uint16, []byte) {
	s.t.Helper()
	var hdr [4]byte
	if _, err := io.ReadFull(s.control, hdr[:]); err != nil {
		s.t.Fatalf("server control read: %v", err)
	}
	payload := make([]byte, binary.LittleEndian.Uint16(hdr[0:2]))
	if _, err := io.ReadFull(s.control, payload); err != nil {
		s.t.Fatalf("server control payload: %v", err)
	}
	return binary.LittleEndian.Uint16(hdr[2:4]), payload
}

func (s *wasServer) writePacket(cmd uint16, payload []byte) {
	s.t.Helper()
	var hdr [4]byte
	binary.LittleEndian.PutUint16(hdr[0:2], uint16(len(payload)))
	binary.LittleEndian.PutUint16(hdr[2:4], cmd)
	if _, err := s.control.Write(append(hdr[:], payload...)); err != nil {
		s.t.Error(err)
	}
}

// drainRequest consumes client packets up to DATA/NO_DATA, returning
// the announced request body length (-1 for NO_DATA).
func (s *wasServer) drainRequest() int64 {
	s.t.Helper()
	for {
		cmd, payload := s.readPacket()
		switch cmd {
		case cmdNoData:
			return -1
		case cmdData:
			cmd2, p2 := s.readPacket()
			if cmd2 != cmdLength {
				s.t.Fatalf("expected LENGTH after DATA, got %d", cmd2)
			}
			return int64(binary.LittleEndian.Uint64(p2))
		case cmdRequest, cmdMethod, cmdURI, cmdScriptName, cmdPathInfo, cmdQueryString, cmdHeader, cmdParameter:
			_ = payload
		default:
			s.t.Fatalf("unexpected client command %d", cmd)
		}
	}
}

func statusPayload(code int) []byte {
	var b [2]byte
	binary.LittleEndian.PutUint16(b[:], uint16(code))
	return b[:]
}

func TestExchangeWithBody(t *testing.T) {
	controlClient, controlServer := net.Pipe()
	defer controlClient.Close()
	dataDownR, dataDownW := io.Pipe() // server -> client body
	dataUpR, dataUpW := io.Pipe()     // client -> server body

	done := make(chan struct{})
	go func() {
		defer close(done)
		defer controlServer.Close()
		s := &wasServer{t: t, control: controlServer, dataW: dataDownW}

		n := s.drainRequest()
		if n != 5 {
			t.Errorf("announced request length = %d, want 5", n)
		}
		body := make([]byte, n)
		if _, err := io.ReadFull(dataUpR, body); err != nil {
			t.Errorf("server body read: %v", err)
		}
		if string(body) != "hello" {
			t.Errorf("server saw body %q", body)
		}

		s.writePacket(cmdStatus, statusPayload(200))
		s.writePacket(cmdHeader, []byte("content-type=text/plain"))
		s.writePacket(cmdData, nil)
		s.writePacket(cmdLength, le64(4))
		dataDownW.Write([]byte("pong"))
		dataDownW.Close()
	}()

	resp, err := Do(controlClient, dataDownR, dataUpW, time.Second, time.Second, &Request{
		Method:        "POST",
		URI:           "/was/app",
		Headers:       []HeaderField{{"content-type", "text/plain"}},
		Body:          istream.Str("hello"),
		ContentLength: 5,
	})
	if err != nil {
		t.Fatal(err)
	}
	if resp.StatusCode != 200 {
		t.Errorf("status = %d, want 200", resp.StatusCode)
	}
	got, err := istream.Drain(resp.Body)
	if err != nil {
		t.Fatal(err)
	}
	if string(got) != "pong" {
		t.Errorf("body = %q, want %q", got, "pong")
	}
	<-done
}

func TestNoDataResponse(t *testing.T) {
	controlClient, controlServer := net.Pipe()
	defer controlClient.Close()

	go func() {
		defer controlServer.Close()
		s := &wasServer{t: t, control: controlServer}
		s.drainRequest()
		s.writePacket(cmdStatus, statusPayload(204))
		s.writePacket(cmdNoData, nil)
	}()

	resp, err := Do(controlClient, nil, nil, time.Second, time.Second, &Request{
		Method: "GET", URI: "/empty",
	})
	if err != nil {
		t.Fatal(err)
	}
	if resp.StatusCode != 204 {
		t.Errorf("status = %d, want 204", resp.StatusCode)
	}
	if resp.Body != nil {
		t.Error("NO_DATA response must have a nil body")
	}
}

func TestLengthSettledFromControlAfterDataEOF(t *testing.T) {
	controlClient, controlServer := net.Pipe()
	defer controlClient.Close()
	dataDownR, dataDownW := io.Pipe()

	go func() {
		defer controlServer.Close()
		s := &wasServer{t: t, control: controlServer, dataW: dataDownW}
		s.drainRequest()
		s.writePacket(cmdStatus, statusPayload(200))
		s.writePacket(cmdData, nil)
		dataDownW.Write([]byte("abc"))
		dataDownW.Close()
		// Length arrives only after the data channel closed.
		s.writePacket(cmdLength, le64(3))
	}()

	resp, err := Do(controlClient, dataDownR, nil, time.Second, time.Second, &Request{
		Method: "GET", URI: "/late-length",
	})
	if err != nil {
		t.Fatal(err)
	}
	got, err := istream.Drain(resp.Body)
	if err != nil {
		t.Fatal(err)
	}
	if string(got) != "abc" {
		t.Errorf("body = %q, want %q", got, "abc")
	}
}

func TestPrematureBodyFails(t *testing.T) {
	controlClient, controlServer := net.Pipe()
	defer controlClient.Close()
	dataDownR, dataDownW := io.Pipe()

	go func() {
		defer controlServer.Close()
		s := &wasServer{t: t, control: controlServer, dataW: dataDownW}
		s.drainRequest()
		s.writePacket(cmdStatus, statusPayload(200))
		s.writePacket(cmdData, nil)
		dataDownW.Write([]byte("ab"))
		dataDownW.Close()
		s.writePacket(cmdPremature, le64(10))
	}()

	resp, err := Do(controlClient, dataDownR, nil, time.Second, time.Second, &Request{
		Method: "GET", URI: "/truncated",
	})
	if err != nil {
		t.Fatal(err)
	}
	if _, err := istream.Drain(resp.Body); err == nil {
		t.Error("a premature body must fail the stream")
	}
}
