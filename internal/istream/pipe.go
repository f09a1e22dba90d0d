package istream

import "os"

// PipeLeaseStream serves length bytes already sitting in the read end of a
// kernel pipe (e.g. produced by a splice from a backend socket). It is
// the istream-algebra counterpart of the socket lease: the
// pipe itself is the leased resource, released back to the pipe pool
// on Close/EOF instead of being closed outright.
type PipeLeaseStream struct {
	base
	slot      pipeSlot
	remaining int64
}

// NewPipeLease wraps a pipe slot already holding length bytes.
func NewPipeLease(r, w *os.File, length int64) *PipeLeaseStream {
	return &PipeLeaseStream{slot: pipeSlot{r: r, w: w}, remaining: length}
}

func (p *PipeLeaseStream) Available(bool) (int64, bool) { return p.remaining, true }

func (p *PipeLeaseStream) directMask() DirectMask { return DirectPipe }

func (p *PipeLeaseStream) Read() {
	if p.isClosed() || p.handler == nil {
		return
	}
	if p.remaining <= 0 {
		p.release()
		p.handler.OnEOF()
		return
	}
	if mh, ok := p.handler.(MaskedHandler); ok && mh.DirectMask().Has(FDPipe) {
		n, sig := mh.OnDirect(FDPipe, int(p.slot.r.Fd()), p.remaining)
		p.remaining -= n
		if sig == Continue && p.remaining <= 0 {
			p.release()
			p.handler.OnEOF()
		}
		return
	}
	buf := make([]byte, fileChunk)
	if int64(len(buf)) > p.remaining {
		buf = buf[:p.remaining]
	}
	n, err := p.slot.r.Read(buf)
	if n > 0 {
		consumed, sig := p.handler.OnData(buf[:n])
		p.remaining -= int64(consumed)
		if sig != Continue {
			return
		}
	}
	if err != nil {
		p.release()
		p.handler.OnError(err)
		return
	}
	if p.remaining <= 0 {
		p.release()
		p.handler.OnEOF()
	}
}

func (p *PipeLeaseStream) Skip(n int64) {
	discard := make([]byte, fileChunk)
	for n > 0 {
		want := int64(len(discard))
		if want > n {
			want = n
		}
		got, err := p.slot.r.Read(discard[:want])
		n -= int64(got)
		if err != nil || got == 0 {
			break
		}
	}
	p.remaining -= n
}

func (p *PipeLeaseStream) AsFD() (int, FDType, bool) {
	if p.isClosed() {
		return 0, FDNone, false
	}
	fd := int(p.slot.r.Fd())
	p.beginClose()
	p.endClose()
	return fd, FDPipe, true
}

func (p *PipeLeaseStream) release() { putPipe(p.slot) }

func (p *PipeLeaseStream) Close() {
	if !p.beginClose() {
		return
	}
	p.release()
	p.endClose()
}

// PipeBuffer wraps source and inserts a pooled kernel pipe as a
// splice buffer: every in-memory chunk received from source is
// written into the pipe, and offered to the handler as a direct-fd
// read instead of forcing the chunk through the handler's OnData path
// (a kernel pipe inserted as a splice buffer when
// direct-fd path is unavailable upstream).
type PipeBuffer struct {
	base
	source Istream
	slot   pipeSlot
	have   pipeSlot
	ok     bool
	eof    bool
	err    error
}

// NewPipeBuffer wraps source.
func NewPipeBuffer(source Istream) (*PipeBuffer, error) {
	slot, err := getPipe()
	if err != nil {
		return nil, err
	}
	p := &PipeBuffer{source: source, slot: slot}
	source.SetHandler(p)
	return p, nil
}

func (p *PipeBuffer) Available(partial bool) (int64, bool) { return p.source.Available(partial) }
func (p *PipeBuffer) SetHandler(h Handler)                  { p.base.SetHandler(h) }

func (p *PipeBuffer) Read() {
	if p.isClosed() {
		return
	}
	p.source.Read()
}

func (p *PipeBuffer) Skip(n int64) { p.source.Skip(n) }
func (p *PipeBuffer) AsFD() (int, FDType, bool) { return int(p.slot.r.Fd()), FDPipe, true }

func (p *PipeBuffer) Close() {
	if !p.beginClose() {
		return
	}
	p.source.Close()
	putPipe(p.slot)
	p.endClose()
}

func (p *PipeBuffer) OnData(chunk []byte) (int, Signal) {
	n, err := p.slot.w.Write(chunk)
	if err != nil {
		p.handler.OnError(err)
		return n, Closed
	}
	if mh, ok := p.handler.(MaskedHandler); ok && mh.DirectMask().Has(FDPipe) {
		got, sig := mh.OnDirect(FDPipe, int(p.slot.r.Fd()), int64(n))
		_ = got
		return n, sig
	}
	buf := make([]byte, n)
	rn, rerr := p.slot.r.Read(buf)
	if rerr != nil {
		p.handler.OnError(rerr)
		return n, Closed
	}
	_, sig := p.handler.OnData(buf[:rn])
	return n, sig
}
func (p *PipeBuffer) OnDirect(fdType FDType, fd int, max int64) (int64, Signal) {
	return p.handler.OnDirect(fdType, fd, max)
}
func (p *PipeBuffer) OnEOF()            { p.handler.OnEOF() }
func (p *PipeBuffer) OnError(err error) { p.handler.OnError(err) }
