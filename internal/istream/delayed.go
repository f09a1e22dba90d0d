package istream

// Delayed is a placeholder Istream whose real source is supplied
// later via Resolve. Paired with Hold, this is the canonical way to
// return a stream from an operation that has not produced its real
// source yet: the caller gets back a Delayed
// immediately, and the async operation calls Resolve once it knows
// what to serve.
//
// If the consumer closes a Delayed before Resolve, OnCancel (if set)
// is invoked so the in-flight operation can be aborted instead of
// silently producing a source nobody wants.
type Delayed struct {
	base
	resolved  Istream
	wantRead  bool
	OnCancel  func()
}

// NewDelayed returns an unresolved placeholder.
func NewDelayed() *Delayed { return &Delayed{} }

// Resolve supplies the real source. If the consumer already asked for
// data (wantRead) the resolved source is subscribed and pumped
// immediately.
func (d *Delayed) Resolve(source Istream) {
	if d.isClosed() {
		source.Close()
		return
	}
	d.resolved = source
	if d.handler != nil {
		source.SetHandler(d.handler)
	}
	if d.wantRead {
		d.wantRead = false
		source.Read()
	}
}

func (d *Delayed) Available(partial bool) (int64, bool) {
	if d.resolved == nil {
		return 0, false
	}
	return d.resolved.Available(partial)
}

func (d *Delayed) SetHandler(h Handler) {
	d.base.SetHandler(h)
	if d.resolved != nil {
		d.resolved.SetHandler(h)
	}
}

func (d *Delayed) Read() {
	if d.isClosed() {
		return
	}
	if d.resolved == nil {
		d.wantRead = true
		return
	}
	d.resolved.Read()
}

func (d *Delayed) Skip(n int64) {
	if d.resolved != nil {
		d.resolved.Skip(n)
	}
}

func (d *Delayed) AsFD() (int, FDType, bool) {
	if d.resolved == nil {
		return 0, FDNone, false
	}
	return d.resolved.AsFD()
}

func (d *Delayed) Close() {
	if !d.beginClose() {
		return
	}
	if d.resolved != nil {
		d.resolved.Close()
	} else if d.OnCancel != nil {
		d.OnCancel()
	}
	d.endClose()
}
