// Package accesslog emits the per-request access-log datagram,
// either through an internal one-line formatter, to a UDP/Unix
// datagram socket in binary framing, or piped into a launched child
// formatter.
package accesslog

import (
	"encoding/binary"
	"io"
	"net"
	"os/exec"
	"time"

	"github.com/rs/zerolog"
)

// Record is one access-log datagram.
type Record struct {
	Timestamp      time.Time
	Site           string
	RemoteHost     string
	Method         string
	URI            string
	Status         int
	ResponseLength int64 // Content-Length as sent
	BytesReceived  int64
	BytesSent      int64
	Duration       time.Duration
	Referer        string
	UserAgent      string
}

// Sink consumes access-log records.
type Sink interface {
	Log(r *Record)
	Close() error
}

// LineSink is the internal formatter: one structured line per
// request through zerolog, normally pointed at stderr.
type LineSink struct {
	log zerolog.Logger
}

// NewLineSink writes one line per record to w.
func NewLineSink(w io.Writer) *LineSink {
	return &LineSink{log: zerolog.New(w)}
}

func (s *LineSink) Log(r *Record) {
	s.log.Log().
		Time("ts", r.Timestamp).
		Str("site", r.Site).
		Str("remote", r.RemoteHost).
		Str("method", r.Method).
		Str("uri", r.URI).
		Int("status", r.Status).
		Int64("length", r.ResponseLength).
		Int64("received", r.BytesReceived).
		Int64("sent", r.BytesSent).
		Dur("duration", r.Duration).
		Str("referer", r.Referer).
		Str("user_agent", r.UserAgent).
		Send()
}

func (s *LineSink) Close() error { return nil }

// datagramMagic starts every binary-framed record so receivers can
// reject foreign packets.
const datagramMagic uint32 = 0x62505841 // "bPXA"

// DatagramSink frames records in binary and sends each as one
// datagram over a UDP or Unix-datagram connection.
type DatagramSink struct {
	conn net.Conn
}

// NewDatagramSink wraps an already-dialed datagram connection.
func NewDatagramSink(conn net.Conn) *DatagramSink {
	return &DatagramSink{conn: conn}
}

// Log encodes and sends one record; send errors are ignored, access
// logging must never fail a request.
func (s *DatagramSink) Log(r *Record) {
	s.conn.Write(EncodeRecord(r))
}

func (s *DatagramSink) Close() error { return s.conn.Close() }

// EncodeRecord produces the binary framing: magic, fixed-width
// numerics big-endian, strings length-prefixed.
func EncodeRecord(r *Record) []byte {
	buf := make([]byte, 0, 128)
	buf = binary.BigEndian.AppendUint32(buf, datagramMagic)
	buf = binary.BigEndian.AppendUint64(buf, uint64(r.Timestamp.UnixMicro()))
	buf = appendString(buf, r.Site)
	buf = appendString(buf, r.RemoteHost)
	buf = appendString(buf, r.Method)
	buf = appendString(buf, r.URI)
	buf = binary.BigEndian.AppendUint16(buf, uint16(r.Status))
	buf = binary.BigEndian.AppendUint64(buf, uint64(r.ResponseLength))
	buf = binary.BigEndian.AppendUint64(buf, uint64(r.BytesReceived))
	buf = binary.BigEndian.AppendUint64(buf, uint64(r.BytesSent))
	buf = binary.BigEndian.AppendUint64(buf, uint64(r.Duration.Microseconds()))
	buf = appendString(buf, r.Referer)
	buf = appendString(buf, r.UserAgent)
	return buf
}

// DecodeRecord is the framing inverse, for receivers and tests.
func DecodeRecord(p []byte) (*Record, bool) {
	if len(p) < 12 || binary.BigEndian.Uint32(p[0:4]) != datagramMagic {
		return nil, false
	}
	pos := 4
	r := &Record{}
	u64 := func() (uint64, bool) {
		if pos+8 > len(p) {
			return 0, false
		}
		v := binary.BigEndian.Uint64(p[pos:])
		pos += 8
		return v, true
	}
	str := func() (string, bool) {
		if pos+2 > len(p) {
			return "", false
		}
		n := int(binary.BigEndian.Uint16(p[pos:]))
		pos += 2
		if pos+n > len(p) {
			return "", false
		}
		s := string(p[pos : pos+n])
		pos += n
		return s, true
	}
	ts, ok := u64()
	if !ok {
		return nil, false
	}
	r.Timestamp = time.UnixMicro(int64(ts))
	if r.Site, ok = str(); !ok {
		return nil, false
	}
	if r.RemoteHost, ok = str(); !ok {
		return nil, false
	}
	if r.Method, ok = str(); !ok {
		return nil, false
	}
	if r.URI, ok = str(); !ok {
		return nil, false
	}
	if pos+2 > len(p) {
		return nil, false
	}
	r.Status = int(binary.BigEndian.Uint16(p[pos:]))
	pos += 2
	var v uint64
	if v, ok = u64(); !ok {
		return nil, false
	}
	r.ResponseLength = int64(v)
	if v, ok = u64(); !ok {
		return nil, false
	}
	r.BytesReceived = int64(v)
	if v, ok = u64(); !ok {
		return nil, false
	}
	r.BytesSent = int64(v)
	if v, ok = u64(); !ok {
		return nil, false
	}
	r.Duration = time.Duration(v) * time.Microsecond
	if r.Referer, ok = str(); !ok {
		return nil, false
	}
	if r.UserAgent, ok = str(); !ok {
		return nil, false
	}
	return r, true
}

func appendString(buf []byte, s string) []byte {
	buf = binary.BigEndian.AppendUint16(buf, uint16(len(s)))
	return append(buf, s...)
}

// PipeSink launches a child formatter and feeds it one line-framed
// record per request on stdin.
type PipeSink struct {
	cmd   *exec.Cmd
	stdin io.WriteCloser
	inner *LineSink
}

// NewPipeSink starts the child command.
func NewPipeSink(command string, args ...string) (*PipeSink, error) {
	cmd := exec.Command(command, args...)
	stdin, err := cmd.StdinPipe()
	if err != nil {
		return nil, err
	}
	if err := cmd.Start(); err != nil {
		return nil, err
	}
	return &PipeSink{cmd: cmd, stdin: stdin, inner: NewLineSink(stdin)}, nil
}

func (s *PipeSink) Log(r *Record) { s.inner.Log(r) }

func (s *PipeSink) Close() error {
	s.stdin.Close()
	return s.cmd.Wait()
}
