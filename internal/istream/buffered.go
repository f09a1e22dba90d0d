package istream

// Buffered reads source into an in-memory buffer until either
// threshold bytes have accumulated or EOF. On EOF before threshold it
// hands a plain Memory stream to its handler —
// the cheap path that avoids streaming overhead for small bodies. If
// threshold is reached first, it transparently falls back to a
// Cat(Memory(already-read), source) stream so no data already pulled
// from source is lost and the remainder still streams normally.
type Buffered struct {
	base
	source       Istream
	threshold    int
	buf          []byte
	done         bool
	err          error
	materialized Istream
}

// NewBuffered wraps source with the given threshold.
func NewBuffered(source Istream, threshold int) *Buffered {
	b := &Buffered{source: source, threshold: threshold}
	source.SetHandler(b)
	return b
}

func (b *Buffered) Available(partial bool) (int64, bool) {
	if b.materialized != nil {
		return b.materialized.Available(partial)
	}
	return 0, false
}

func (b *Buffered) SetHandler(h Handler) {
	b.base.SetHandler(h)
	b.deliver()
}

func (b *Buffered) Read() {
	if b.isClosed() {
		return
	}
	if b.materialized != nil {
		b.materialized.Read()
		return
	}
	if b.done {
		b.deliver()
		return
	}
	b.source.Read()
}

func (b *Buffered) deliver() {
	if b.handler == nil || !b.done || b.materialized != nil {
		return
	}
	if b.err != nil {
		b.handler.OnError(b.err)
		return
	}
	b.materialized = Memory(b.buf)
	b.materialized.SetHandler(b.handler)
	b.materialized.Read()
}

func (b *Buffered) switchToPassthrough() {
	b.materialized = Cat(Memory(b.buf), b.source)
	if b.handler != nil {
		b.materialized.SetHandler(b.handler)
	}
}

func (b *Buffered) Skip(n int64) {
	if b.materialized != nil {
		b.materialized.Skip(n)
		return
	}
	b.source.Skip(n)
}
func (b *Buffered) AsFD() (int, FDType, bool) {
	if b.materialized != nil {
		return b.materialized.AsFD()
	}
	return 0, FDNone, false
}
func (b *Buffered) Close() {
	if !b.beginClose() {
		return
	}
	if b.materialized != nil {
		b.materialized.Close()
	} else {
		b.source.Close()
	}
	b.endClose()
}

func (b *Buffered) OnData(p []byte) (int, Signal) {
	b.buf = append(b.buf, p...)
	if len(b.buf) >= b.threshold {
		b.switchToPassthrough()
	}
	return len(p), Continue
}
func (b *Buffered) OnDirect(FDType, int, int64) (int64, Signal) { return 0, Blocked }
func (b *Buffered) OnEOF() {
	b.done = true
	b.deliver()
}
func (b *Buffered) OnError(err error) {
	b.done = true
	b.err = err
	b.deliver()
}
