package istream

import (
	"os"

	"golang.org/x/sys/unix"
)

// pipePool is a small fixed pool of kernel pipes reused across
// splices. Direct-fd delivery always goes
// through one of these instead of allocating a fresh pipe() per
// splice.
type pipeSlot struct {
	r, w *os.File
}

var pipePool = make(chan pipeSlot, 64)

func getPipe() (pipeSlot, error) {
	select {
	case p := <-pipePool:
		return p, nil
	default:
	}
	r, w, err := os.Pipe()
	if err != nil {
		return pipeSlot{}, err
	}
	return pipeSlot{r: r, w: w}, nil
}

func putPipe(p pipeSlot) {
	select {
	case pipePool <- p:
	default:
		p.r.Close()
		p.w.Close()
	}
}

// spliceToPipe moves up to max bytes from src into a pooled pipe using
// splice(2), returning the slot (caller must eventually putPipe or
// close it) and the number of bytes moved.
func spliceToPipe(srcFD int, max int64) (pipeSlot, int64, error) {
	p, err := getPipe()
	if err != nil {
		return pipeSlot{}, 0, err
	}
	n, err := unix.Splice(srcFD, nil, int(p.w.Fd()), nil, int(max), unix.SPLICE_F_NONBLOCK|unix.SPLICE_F_MOVE)
	return p, n, err
}

// spliceFromPipe moves up to max bytes from a pooled pipe into dstFD.
func spliceFromPipe(p pipeSlot, dstFD int, max int64) (int64, error) {
	n, err := unix.Splice(int(p.r.Fd()), nil, dstFD, nil, int(max), unix.SPLICE_F_NONBLOCK|unix.SPLICE_F_MOVE)
	return n, err
}

// sendfileTo copies up to max bytes from srcFD (a regular file) to
// dstFD (typically a socket) using sendfile(2) — the fast path a
// handler takes after accepting FDFile direct delivery from File.
func sendfileTo(dstFD, srcFD int, offset int64, max int) (int, error) {
	off := offset
	return unix.Sendfile(dstFD, srcFD, &off, max)
}
