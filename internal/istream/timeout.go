package istream

import "time"

// ErrTimeout is delivered via OnError when a Timeout-wrapped stream's
// producer deadline is exceeded.
type ErrTimeout struct{ After time.Duration }

func (e *ErrTimeout) Error() string { return "istream: timed out waiting for data" }

// Timeout wraps source with a per-read deadline: if no byte arrives
// within d of a Read call, the wrapped stream emits ErrTimeout and
// closes the source. It relies on an external clock driver (Tick)
// instead of spawning its own goroutine/timer, since the core is
// single-threaded cooperative; the connection's event
// loop is expected to call Tick periodically (or after each wakeup)
// for every live Timeout wrapper it owns.
type Timeout struct {
	base
	source   Istream
	duration time.Duration
	deadline time.Time
	pending  bool
	fired    bool
}

// NewTimeout wraps source with duration d.
func NewTimeout(source Istream, d time.Duration) *Timeout {
	t := &Timeout{source: source, duration: d}
	source.SetHandler(t)
	return t
}

func (t *Timeout) Available(partial bool) (int64, bool) { return t.source.Available(partial) }

func (t *Timeout) SetHandler(h Handler) { t.base.SetHandler(h) }

func (t *Timeout) Read() {
	if t.isClosed() || t.fired {
		return
	}
	t.pending = true
	t.deadline = time.Now().Add(t.duration)
	t.source.Read()
}

// Tick checks whether the deadline has passed; if so it fires the
// timeout error exactly once and closes the source with reuse=false
// semantics left to the caller (the backend lease, not this stream,
// owns that decision).
func (t *Timeout) Tick(now time.Time) {
	if t.isClosed() || t.fired || !t.pending {
		return
	}
	if now.Before(t.deadline) {
		return
	}
	t.fired = true
	t.pending = false
	t.source.Close()
	if t.handler != nil {
		t.handler.OnError(&ErrTimeout{After: t.duration})
	}
}

func (t *Timeout) Skip(n int64) { t.source.Skip(n) }
func (t *Timeout) AsFD() (int, FDType, bool) {
	if t.fired {
		return 0, FDNone, false
	}
	return t.source.AsFD()
}
func (t *Timeout) Close() {
	if !t.beginClose() {
		return
	}
	t.source.Close()
	t.endClose()
}

func (t *Timeout) OnData(p []byte) (int, Signal) {
	t.pending = false
	return t.handler.OnData(p)
}
func (t *Timeout) OnDirect(fdType FDType, fd int, max int64) (int64, Signal) {
	t.pending = false
	return t.handler.OnDirect(fdType, fd, max)
}
func (t *Timeout) OnEOF() {
	t.pending = false
	t.handler.OnEOF()
}
func (t *Timeout) OnError(err error) {
	t.pending = false
	t.handler.OnError(err)
}
