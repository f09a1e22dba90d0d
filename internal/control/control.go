// Package control implements the per-process admin channel: a
// datagram socket (Unix-abstract "@beng-proxy:<pid>"
// in production, any packet conn in tests) accepting framed commands
// that fade stocks, flush caches, flip cluster nodes, and report
// counters.
//
// Framing: {magic_u32, command_u16, payload_length_u16, payload},
// all big-endian.
package control

import (
	"encoding/binary"
	"errors"
	"fmt"
	"net"
	"strings"

	"github.com/rs/zerolog"
)

// Magic starts every control packet.
const Magic uint32 = 0x62656e67 // "beng"

// Command codes.
const (
	CmdFadeChildren          uint16 = 1
	CmdFadeTag               uint16 = 2
	CmdFlushTranslationCache uint16 = 3
	CmdTCacheInvalidate      uint16 = 4
	CmdEnableNode            uint16 = 5
	CmdDisableNode           uint16 = 6
	CmdStats                 uint16 = 7
	CmdTerminateChildren     uint16 = 8
)

// ErrBadFrame covers malformed control packets.
var ErrBadFrame = errors.New("control: bad frame")

// Packet is one decoded control command.
type Packet struct {
	Command uint16
	Payload []byte
}

// Encode frames a packet.
func Encode(p *Packet) []byte {
	buf := make([]byte, 0, 8+len(p.Payload))
	buf = binary.BigEndian.AppendUint32(buf, Magic)
	buf = binary.BigEndian.AppendUint16(buf, p.Command)
	buf = binary.BigEndian.AppendUint16(buf, uint16(len(p.Payload)))
	return append(buf, p.Payload...)
}

// Decode parses one frame.
func Decode(b []byte) (*Packet, error) {
	if len(b) < 8 {
		return nil, fmt.Errorf("%w: %d bytes", ErrBadFrame, len(b))
	}
	if binary.BigEndian.Uint32(b[0:4]) != Magic {
		return nil, fmt.Errorf("%w: bad magic", ErrBadFrame)
	}
	cmd := binary.BigEndian.Uint16(b[4:6])
	n := int(binary.BigEndian.Uint16(b[6:8]))
	if len(b) < 8+n {
		return nil, fmt.Errorf("%w: payload truncated", ErrBadFrame)
	}
	return &Packet{Command: cmd, Payload: b[8 : 8+n]}, nil
}

// Handlers wires command codes to the subsystems they operate on.
// Nil members make the corresponding commands no-ops.
type Handlers struct {
	// FadeChildren fades every stock (reload semantics).
	FadeChildren func()
	// FadeTag fades items carrying the tag token.
	FadeTag func(tag string)
	// FlushTranslationCache drops the translation cache.
	FlushTranslationCache func()
	// TCacheInvalidate drops translation entries for
	// "host\x00uriPrefix".
	TCacheInvalidate func(host, uriPrefix string) int
	// EnableNode / DisableNode flip cluster members.
	EnableNode  func(node string)
	DisableNode func(node string)
	// Stats renders the current counters.
	Stats func() []byte
	// TerminateChildren kills all child-stock processes.
	TerminateChildren func()
}

// Server reads command packets from a datagram connection and
// dispatches them. Replies (STATS only) go back to the sender
// address.
type Server struct {
	conn     net.PacketConn
	handlers Handlers
	log      zerolog.Logger
}

// NewServer wraps an already-bound packet connection; binding the
// Unix-abstract socket and checking peer credentials (uid 0 or the
// server uid) is the listener setup's concern.
func NewServer(conn net.PacketConn, handlers Handlers, log zerolog.Logger) *Server {
	return &Server{conn: conn, handlers: handlers, log: log}
}

// Serve processes packets until the connection is closed.
func (s *Server) Serve() error {
	buf := make([]byte, 65536)
	for {
		n, addr, err := s.conn.ReadFrom(buf)
		if err != nil {
			return err
		}
		pkt, err := Decode(buf[:n])
		if err != nil {
			s.log.Warn().Err(err).Msg("dropping malformed control packet")
			continue
		}
		if reply := s.Dispatch(pkt); reply != nil {
			s.conn.WriteTo(reply, addr)
		}
	}
}

// Dispatch runs one command and returns the reply frame, if any.
func (s *Server) Dispatch(pkt *Packet) []byte {
	h := &s.handlers
	switch pkt.Command {
	case CmdFadeChildren:
		if h.FadeChildren != nil {
			h.FadeChildren()
		}
	case CmdFadeTag:
		if h.FadeTag != nil {
			h.FadeTag(string(pkt.Payload))
		}
	case CmdFlushTranslationCache:
		if h.FlushTranslationCache != nil {
			h.FlushTranslationCache()
		}
	case CmdTCacheInvalidate:
		if h.TCacheInvalidate != nil {
			host, prefix, _ := strings.Cut(string(pkt.Payload), "\x00")
			h.TCacheInvalidate(host, prefix)
		}
	case CmdEnableNode:
		if h.EnableNode != nil {
			h.EnableNode(string(pkt.Payload))
		}
	case CmdDisableNode:
		if h.DisableNode != nil {
			h.DisableNode(string(pkt.Payload))
		}
	case CmdStats:
		if h.Stats != nil {
			return Encode(&Packet{Command: CmdStats, Payload: h.Stats()})
		}
		return Encode(&Packet{Command: CmdStats})
	case CmdTerminateChildren:
		if h.TerminateChildren != nil {
			h.TerminateChildren()
		}
	default:
		s.log.Warn().Uint16("command", pkt.Command).Msg("unknown control command")
	}
	return nil
}
