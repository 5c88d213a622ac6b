// Package blockrange keeps track of the blocks of a file that have not been
// received yet. The missing blocks are stored as a sorted list of disjoint
// closed intervals, so a download of N blocks in order costs a single
// interval no matter how large N is.
package blockrange

import (
	"fmt"
	"math"

	"gitlab.lrz.de/protocol-design-sose-2022-team-0/mtftp/core"
)

// Interval is a hole [Low, High] in the file.
type Interval struct {
	Low  uint16
	High uint16
}

type Tracker struct {
	holes []Interval

	// highest block number of the range, the 16 bit counter only rolls
	// over to zero when this is 0xffff
	bound uint16
	// number of times the counter rolled over
	round uint64

	last    uint16
	lastSet bool
}

// New returns a tracker for which every block in [low, high] is missing.
// With high 0xffff the block numbers roll over to zero after the last one.
func New(low, high uint16) (*Tracker, error) {
	if low > high {
		return nil, fmt.Errorf("range [%d, %d] is empty: %w", low, high, core.ErrInvalidParameter)
	}
	return &Tracker{
		holes: []Interval{{Low: low, High: high}},
		bound: high,
	}, nil
}

// RemoveBlock marks block n as received and returns its absolute index in
// the file, counting every roll over of the block number. core.ErrNotFound
// is returned for blocks that were already removed.
func (t *Tracker) RemoveBlock(n uint16) (uint64, error) {
	for i := range t.holes {
		r := &t.holes[i]
		// all holes before this one end before n
		if r.High < n {
			continue
		}
		if r.Low > n {
			return 0, core.ErrNotFound
		}

		index := t.round*(uint64(t.bound)+1) + uint64(n)

		if r.Low == n {
			if t.rollsOver(i, n) {
				// the server keeps sending, restart counting at block 0
				r.Low = 0
				t.round++
				return index, nil
			}
			if r.Low == r.High {
				t.holes = append(t.holes[:i], t.holes[i+1:]...)
			} else {
				r.Low++
			}
			return index, nil
		}

		if r.High == n {
			r.High--
			return index, nil
		}

		// n is inside the hole, split it in two
		upper := Interval{Low: n + 1, High: r.High}
		r.High = n - 1
		t.holes = append(t.holes, Interval{})
		copy(t.holes[i+2:], t.holes[i+1:])
		t.holes[i+1] = upper
		return index, nil
	}
	return 0, core.ErrNotFound
}

// rollsOver reports whether removing n from hole i wraps the counter: n is
// the very last missing block of a full 16 bit range and not the final one.
func (t *Tracker) rollsOver(i int, n uint16) bool {
	if t.bound != math.MaxUint16 || n != t.bound || len(t.holes) != 1 {
		return false
	}
	r := t.holes[i]
	return r.Low == r.High && !(t.lastSet && n == t.last)
}

// SetLastBlockNumber drops every missing block after n. It is called once
// the short, final DATA packet has been seen.
func (t *Tracker) SetLastBlockNumber(n uint16) {
	t.last = n
	t.lastSet = true

	for len(t.holes) > 0 {
		tail := &t.holes[len(t.holes)-1]
		if tail.Low > n {
			t.holes = t.holes[:len(t.holes)-1]
			continue
		}
		if tail.High > n {
			tail.High = n
		}
		return
	}
}

// NextExpectedBlock returns the lowest block still missing. ok is false when
// nothing is missing anymore.
func (t *Tracker) NextExpectedBlock() (n uint16, ok bool) {
	if len(t.holes) == 0 {
		return 0, false
	}
	return t.holes[0].Low, true
}

// Empty reports whether every block has been received.
func (t *Tracker) Empty() bool {
	return len(t.holes) == 0
}

// Intervals returns a copy of the current holes.
func (t *Tracker) Intervals() []Interval {
	out := make([]Interval, len(t.holes))
	copy(out, t.holes)
	return out
}
