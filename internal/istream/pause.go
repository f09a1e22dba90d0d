package istream

// Pauser wraps a source and suppresses Read calls until Resume is
// invoked, even if the consumer calls Read in the meantime. It exists
// to prevent reentrant callbacks while a caller is still unwinding its
// own stack — e.g. the widget processor pauses the
// parent document stream while splicing a sub-response in, then
// resumes once the splice is safely queued.
type Pauser struct {
	base
	source Istream
	paused bool
	queued bool
}

// Pause wraps source in a paused state.
func Pause(source Istream) *Pauser {
	return &Pauser{source: source, paused: true}
}

func (p *Pauser) Available(partial bool) (int64, bool) { return p.source.Available(partial) }

func (p *Pauser) SetHandler(h Handler) {
	p.base.SetHandler(h)
	p.source.SetHandler(h)
}

func (p *Pauser) Read() {
	if p.isClosed() {
		return
	}
	if p.paused {
		p.queued = true
		return
	}
	p.source.Read()
}

// Resume releases the pause. If a Read arrived while paused, it is
// replayed now.
func (p *Pauser) Resume() {
	p.paused = false
	if p.queued {
		p.queued = false
		if !p.isClosed() {
			p.source.Read()
		}
	}
}

func (p *Pauser) Skip(n int64) { p.source.Skip(n) }

func (p *Pauser) AsFD() (int, FDType, bool) {
	if p.paused {
		return 0, FDNone, false
	}
	return p.source.AsFD()
}

func (p *Pauser) Close() {
	if !p.beginClose() {
		return
	}
	p.source.Close()
	p.endClose()
}
