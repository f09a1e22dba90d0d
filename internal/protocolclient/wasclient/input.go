package wasclient

import (
	"errors"
	"fmt"
)

// Input tracks the response-body accounting of a WAS exchange:
// {received, guaranteed, length_known, length, premature}. Length
// may be announced mid-stream (SET_LENGTH) or as a truncation
// (PREMATURE_LENGTH).
type Input struct {
	received    int64
	guaranteed  int64
	lengthKnown bool
	length      int64
	premature   bool
}

var (
	// ErrLengthShrunk is the invariant violation "announced length
	// cannot shrink below already-received bytes".
	ErrLengthShrunk = errors.New("wasclient: announced length below received bytes")

	// ErrGuaranteeExceedsLength is the invariant violation
	// "guaranteed cannot exceed length".
	ErrGuaranteeExceedsLength = errors.New("wasclient: guarantee exceeds announced length")
)

// Add records n freshly received body bytes.
func (in *Input) Add(n int64) error {
	in.received += n
	if in.lengthKnown && in.received > in.length {
		return fmt.Errorf("wasclient: received %d bytes past announced length %d", in.received-in.length, in.length)
	}
	return nil
}

// SetLength handles a SET_LENGTH announcement. A repeated
// announcement may only grow or confirm the previous one.
func (in *Input) SetLength(n int64) error {
	if n < in.received {
		return ErrLengthShrunk
	}
	if in.lengthKnown && n < in.length {
		return ErrLengthShrunk
	}
	in.length = n
	in.lengthKnown = true
	if in.guaranteed > in.length {
		return ErrGuaranteeExceedsLength
	}
	return nil
}

// Guarantee records that at least n bytes will arrive.
func (in *Input) Guarantee(n int64) error {
	if n > in.guaranteed {
		in.guaranteed = n
	}
	if in.lengthKnown && in.guaranteed > in.length {
		return ErrGuaranteeExceedsLength
	}
	return nil
}

// SetPremature handles a PREMATURE_LENGTH packet announcing the
// stream ends at n. When n equals the bytes already received the
// stream is in fact complete and the packet is treated as a
// successful end; only a genuine shortfall marks the input
// premature.
func (in *Input) SetPremature(n int64) error {
	if n < in.received {
		return ErrLengthShrunk
	}
	in.length = n
	in.lengthKnown = true
	if n > in.received {
		in.premature = true
	}
	return nil
}

// Complete reports whether every announced byte has arrived.
func (in *Input) Complete() bool {
	return in.lengthKnown && in.received == in.length && !in.premature
}

// Premature reports whether the peer declared a truncation that the
// received byte count does not satisfy.
func (in *Input) Premature() bool { return in.premature }

// Remaining returns how many bytes are still expected, if known.
func (in *Input) Remaining() (int64, bool) {
	if !in.lengthKnown {
		return 0, false
	}
	return in.length - in.received, true
}
