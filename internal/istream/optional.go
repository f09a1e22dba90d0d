package istream

// Optional wraps a source whose consumption is not yet decided: it
// blocks until the caller either resumes it (data flows through) or
// discards it (the consumer sees an immediate clean EOF and the
// source is dropped). A request body that may or may not be
// forwarded to a backend is the typical use — the body is wrapped up
// front, and the translation verdict later decides which way it
// goes. Errors pass through immediately either way.
type Optional struct {
	base
	source    Istream
	resumed   bool
	discarded bool
}

// NewOptional wraps source in the undecided state.
func NewOptional(source Istream) *Optional {
	o := &Optional{source: source}
	source.SetHandler(o)
	return o
}

// Resume lets the source flow through to the consumer.
func (o *Optional) Resume() { o.resumed = true }

// Discard drops the source; the consumer gets a clean EOF on its
// next Read.
func (o *Optional) Discard() {
	if o.discarded || o.isClosed() {
		return
	}
	o.discarded = true
	o.source.Close()
}

func (o *Optional) Available(partial bool) (int64, bool) {
	if o.discarded {
		return 0, true
	}
	if !o.resumed {
		return 0, false
	}
	return o.source.Available(partial)
}

func (o *Optional) Read() {
	if o.isClosed() {
		return
	}
	if o.discarded {
		if o.handler != nil {
			o.handler.OnEOF()
		}
		return
	}
	if !o.resumed {
		return
	}
	o.source.Read()
}

func (o *Optional) Skip(n int64) {
	if o.resumed && !o.discarded {
		o.source.Skip(n)
	}
}

func (o *Optional) AsFD() (int, FDType, bool) {
	if !o.resumed || o.discarded {
		return 0, FDNone, false
	}
	return o.source.AsFD()
}

func (o *Optional) Close() {
	if !o.beginClose() {
		return
	}
	if !o.discarded {
		o.source.Close()
	}
	o.endClose()
}

// OnData forwards only once resumed; before that the source is told
// to hold its bytes.
func (o *Optional) OnData(p []byte) (int, Signal) {
	if !o.resumed || o.handler == nil {
		return 0, Blocked
	}
	return o.handler.OnData(p)
}

func (o *Optional) OnDirect(fdType FDType, fd int, max int64) (int64, Signal) {
	if !o.resumed || o.handler == nil {
		return 0, Blocked
	}
	return o.handler.OnDirect(fdType, fd, max)
}

func (o *Optional) OnEOF() {
	if o.handler != nil {
		o.handler.OnEOF()
	}
}

func (o *Optional) OnError(err error) {
	if o.handler != nil {
		o.handler.OnError(err)
	}
}
