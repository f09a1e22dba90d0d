// Package istream implements the pull-oriented, zero-copy byte-stream
// abstraction that unifies files, sockets, pipes, memory buffers,
// concatenation, substitution, and HTML processing.
//
// An Istream is a finite, non-restartable, single-consumer byte
// source. It has at most one Handler at a time; the handler is invoked
// from Read, and may destroy the stream before Read returns, so callers
// must treat the stream as potentially dead once Read has been called.
package istream

import "errors"

// Signal is the flow-control result of a handler callback or a Read
// call: it tells the producer/consumer what happened without resorting
// to a generic error value for the common, expected outcomes.
type Signal int

const (
	// Continue means the callback consumed what it could and the
	// stream may proceed to the next chunk immediately.
	Continue Signal = iota
	// Blocked means the handler could not make progress right now
	// (e.g. a downstream socket buffer is full); the producer must
	// retry later instead of calling Read again immediately.
	Blocked
	// Closed means the handler closed the stream from within the
	// callback; the producer must stop invoking it.
	Closed
	// Destroyed means the stream destroyed itself during the
	// callback (e.g. cat() freed a fully-drained child); the caller
	// must not touch the stream again.
	Destroyed
)

// FDType distinguishes what kind of file descriptor AsFD/OnDirect is
// handing over, since splice/sendfile have different source/sink
// constraints depending on it.
type FDType int

const (
	FDNone FDType = iota
	FDFile
	FDSocket
	FDPipe
)

// ErrClosed is returned by operations attempted on a stream that has
// already been closed or has destroyed itself.
var ErrClosed = errors.New("istream: closed")

// Handler receives callbacks from exactly one Istream at a time. Per
// the stream contract, once OnEOF or OnError has been delivered,
// no further callback fires for that stream.
type Handler interface {
	// OnData delivers an in-memory chunk. consumed must be <= len(p);
	// returning less than len(p) together with Blocked means "retry
	// with the remainder later", mirroring invariant (ii): returning
	// 0 consumed with Blocked means "would block, retry later".
	OnData(p []byte) (consumed int, sig Signal)
	// OnDirect offers a raw file descriptor instead of bytes, for
	// splice/sendfile delivery. n is the number of bytes the handler
	// actually transferred (<= max).
	OnDirect(fdType FDType, fd int, max int64) (n int64, sig Signal)
	// OnEOF signals a clean end of stream.
	OnEOF()
	// OnError signals an abnormal end; the stream is considered
	// destroyed once this returns.
	OnError(err error)
}

// Istream is the interface every stream variant implements.
type Istream interface {
	// Available reports the exact remaining length if known, or a
	// best-known estimate when partial is true and the exact length
	// is not available (e.g. a pipe with unknown remaining bytes).
	Available(partial bool) (n int64, known bool)
	// SetHandler installs the (single) consumer. Installing a new
	// handler while data is buffered flushes whatever was already
	// produced; see hold.go.
	SetHandler(h Handler)
	// Read asks the stream to produce more data, invoking the
	// handler zero or more times before returning. The stream may
	// destroy itself during Read; the caller must check for that
	// (e.g. via a Destroyed signal from the handler) before touching
	// the stream again.
	Read()
	// Skip advances the stream by n bytes without delivering them to
	// the handler.
	Skip(n int64)
	// AsFD optionally surrenders a raw file descriptor for the
	// remainder of the stream and self-destroys. ok is false if the
	// stream cannot hand over a descriptor (e.g. it is in-memory).
	AsFD() (fd int, fdType FDType, ok bool)
	// Close abandons the stream. It is idempotent and safe to call
	// at any time, including reentrantly from within a callback.
	Close()
}

// DirectMask describes which FDTypes a producer can hand out, or a
// consumer can accept, for the direct-fd optimisation.
// A non-zero intersection between a source's and a handler's mask is
// required before OnDirect may be attempted.
type DirectMask uint8

const (
	DirectFile DirectMask = 1 << iota
	DirectSocket
	DirectPipe
)

func (m DirectMask) Has(t FDType) bool {
	switch t {
	case FDFile:
		return m&DirectFile != 0
	case FDSocket:
		return m&DirectSocket != 0
	case FDPipe:
		return m&DirectPipe != 0
	}
	return false
}

// base holds the bookkeeping every stream variant shares: the current
// handler and the being-closed flag that lets Close tolerate reentrant
// calls from within a callback.
type base struct {
	handler  Handler
	closing  bool
	closed   bool
}

func (b *base) SetHandler(h Handler) { b.handler = h }

// beginClose returns true if the caller should actually run the
// teardown logic (first call wins); later/reentrant calls are no-ops.
func (b *base) beginClose() bool {
	if b.closing || b.closed {
		return false
	}
	b.closing = true
	return true
}

func (b *base) endClose() {
	b.closed = true
	b.closing = false
	b.handler = nil
}

func (b *base) isClosed() bool { return b.closed || b.closing }

// Drain pulls an Istream to completion, collecting every in-memory
// chunk delivered via OnData (OnDirect chunks are read into memory via
// a pipe in the caller if direct delivery is not acceptable). It is
// the reference consumer used by tests for the round-trip property
// and is also handy for small, synchronous
// uses in the dispatcher (e.g. materialising an error body).
func Drain(s Istream) ([]byte, error) {
	var out []byte
	var finished bool
	var ferr error
	h := &drainHandler{
		onData: func(p []byte) (int, Signal) {
			out = append(out, p...)
			return len(p), Continue
		},
		onEOF:   func() { finished = true },
		onError: func(err error) { finished = true; ferr = err },
	}
	s.SetHandler(h)
	for !finished {
		s.Read()
		if finished {
			break
		}
	}
	return out, ferr
}

type drainHandler struct {
	onData  func([]byte) (int, Signal)
	onEOF   func()
	onError func(error)
}

func (h *drainHandler) OnData(p []byte) (int, Signal) { return h.onData(p) }
func (h *drainHandler) OnDirect(fdType FDType, fd int, max int64) (int64, Signal) {
	return 0, Blocked
}
func (h *drainHandler) OnEOF()          { h.onEOF() }
func (h *drainHandler) OnError(e error) { h.onError(e) }
