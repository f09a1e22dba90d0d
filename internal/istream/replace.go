package istream

import "sort"

// replaceRange is one (start, end, replacement) substitution recorded
// against the accumulated source buffer, in byte offsets.
type replaceRange struct {
	start, end  int64
	replacement Istream
}

// Replacer accumulates its source fully, then — once AddRange calls
// are done and EOF is reached — drains the buffer interleaved with
// each range's replacement stream, in ascending non-overlapping order
//. It is the engine behind the widget
// processor's placeholder splicing: ranges come from emitted widget
// placeholders, replacements are the eventually-resolved sub-response
// streams.
type Replacer struct {
	base
	source  Istream
	buf     []byte
	ranges  []replaceRange
	gotEOF  bool
	gotErr  error
	started bool

	// playback state once draining begins
	cursor   int64
	rangeIdx int
	current  Istream // currently-playing replacement, or nil
}

// NewReplacer wraps source. Call AddRange for each substitution before
// the consumer starts reading (ranges may also be added after EOF, as
// long as draining hasn't started).
func NewReplacer(source Istream) *Replacer {
	r := &Replacer{source: source}
	source.SetHandler(r)
	return r
}

// AddRange records that bytes [start, end) of the accumulated source
// should be replaced by replacement. Ranges must be added in
// ascending, non-overlapping order.
func (r *Replacer) AddRange(start, end int64, replacement Istream) {
	r.ranges = append(r.ranges, replaceRange{start, end, replacement})
}

func (r *Replacer) Available(partial bool) (int64, bool) {
	if !partial {
		return 0, false
	}
	return int64(len(r.buf)), true
}

func (r *Replacer) SetHandler(h Handler) { r.base.SetHandler(h) }

func (r *Replacer) Read() {
	if r.isClosed() {
		return
	}
	if !r.gotEOF && r.gotErr == nil {
		r.source.Read()
		return
	}
	r.started = true
	r.drain()
}

func (r *Replacer) drain() {
	if r.handler == nil {
		return
	}
	if r.gotErr != nil {
		r.handler.OnError(r.gotErr)
		return
	}
	sort.Slice(r.ranges, func(i, j int) bool { return r.ranges[i].start < r.ranges[j].start })
	for {
		if r.current != nil {
			r.current.Read()
			return // current's handler callback drives the next step
		}
		if r.rangeIdx < len(r.ranges) && r.cursor >= r.ranges[r.rangeIdx].start {
			rr := r.ranges[r.rangeIdx]
			r.cursor = rr.end
			r.rangeIdx++
			r.current = rr.replacement
			r.current.SetHandler(&replacerChildHandler{r: r})
			continue
		}
		next := int64(len(r.buf))
		if r.rangeIdx < len(r.ranges) {
			next = r.ranges[r.rangeIdx].start
		}
		if r.cursor >= next {
			if r.cursor >= int64(len(r.buf)) {
				r.handler.OnEOF()
				return
			}
		}
		chunk := r.buf[r.cursor:next]
		r.cursor = next
		if len(chunk) == 0 {
			continue
		}
		n, sig := r.handler.OnData(chunk)
		r.cursor -= int64(len(chunk) - n)
		if sig != Continue {
			return
		}
	}
}

func (r *Replacer) Skip(n int64) { r.cursor += n }
func (r *Replacer) AsFD() (int, FDType, bool) { return 0, FDNone, false }

func (r *Replacer) Close() {
	if !r.beginClose() {
		return
	}
	r.source.Close()
	for i := r.rangeIdx; i < len(r.ranges); i++ {
		r.ranges[i].replacement.Close()
	}
	if r.current != nil {
		r.current.Close()
	}
	r.endClose()
}

func (r *Replacer) OnData(p []byte) (int, Signal) {
	r.buf = append(r.buf, p...)
	return len(p), Continue
}
func (r *Replacer) OnDirect(FDType, int, int64) (int64, Signal) { return 0, Blocked }
func (r *Replacer) OnEOF()          { r.gotEOF = true }
func (r *Replacer) OnError(err error) { r.gotErr = err }

type replacerChildHandler struct{ r *Replacer }

func (c *replacerChildHandler) OnData(p []byte) (int, Signal) {
	return c.r.handler.OnData(p)
}
func (c *replacerChildHandler) OnDirect(fdType FDType, fd int, max int64) (int64, Signal) {
	return c.r.handler.OnDirect(fdType, fd, max)
}
func (c *replacerChildHandler) OnEOF() {
	c.r.current = nil
	c.r.drain()
}
func (c *replacerChildHandler) OnError(err error) {
	c.r.handler.OnError(err)
}
