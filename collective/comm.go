// Package collective provides the small set of collective operations the
// sparse Bayesian solver needs to run sharded over several participants:
// an element-wise sum all-reduce and a root broadcast.
//
// Every participant must issue the same sequence of collective calls with
// buffers of the same length. Results are identical on every participant,
// which keeps all of them in lockstep through iterative optimizers.
package collective

import (
	"errors"
	"fmt"
	"log/slog"
)

var (
	// ErrAborted reports that a collective was interrupted because a
	// participant failed or the run context was cancelled.
	ErrAborted = errors.New("collective: aborted")
	// ErrMismatch reports participants issuing different collectives in the
	// same round.
	ErrMismatch = errors.New("collective: mismatched collective call")
	// ErrRootFailed is returned on non-root participants when the root's
	// computation in RootDo failed.
	ErrRootFailed = errors.New("collective: root computation failed")
	// ErrBadRank reports an out-of-range rank.
	ErrBadRank = errors.New("collective: rank out of range")
)

// Comm is a communicator over a fixed set of participants.
type Comm interface {
	// Rank returns this participant's index in [0, Size()).
	Rank() int
	// Size returns the number of participants.
	Size() int
	// AllReduceSum replaces buf with the element-wise sum of every
	// participant's buf.
	AllReduceSum(buf []float64) error
	// Broadcast replaces buf with root's buf.
	Broadcast(buf []float64, root int) error
}

// Local is the single-participant communicator. All collectives are no-ops.
type Local struct{}

// Rank implements Comm.
func (Local) Rank() int { return 0 }

// Size implements Comm.
func (Local) Size() int { return 1 }

// AllReduceSum implements Comm.
func (Local) AllReduceSum([]float64) error { return nil }

// Broadcast implements Comm.
func (Local) Broadcast(_ []float64, root int) error {
	if root != 0 {
		return fmt.Errorf("%w: root %d of 1", ErrBadRank, root)
	}
	return nil
}

// IsRoot reports whether c is the root participant.
func IsRoot(c Comm) bool { return c.Rank() == 0 }

// AllReduceComplex sums buf element-wise over all participants.
func AllReduceComplex(c Comm, buf []complex128) error {
	if c.Size() == 1 {
		return nil
	}
	flat := make([]float64, 2*len(buf))
	for i, v := range buf {
		flat[2*i] = real(v)
		flat[2*i+1] = imag(v)
	}
	if err := c.AllReduceSum(flat); err != nil {
		return err
	}
	for i := range buf {
		buf[i] = complex(flat[2*i], flat[2*i+1])
	}
	return nil
}

// SumScalar returns the sum of x over all participants.
func SumScalar(c Comm, x float64) (float64, error) {
	buf := []float64{x}
	if err := c.AllReduceSum(buf); err != nil {
		return 0, err
	}
	return buf[0], nil
}

// BroadcastScalar returns root's x on every participant.
func BroadcastScalar(c Comm, x float64, root int) (float64, error) {
	buf := []float64{x}
	if err := c.Broadcast(buf, root); err != nil {
		return 0, err
	}
	return buf[0], nil
}

// RootDo runs fn on the root participant only and broadcasts buf, which fn
// fills, to everyone. If fn fails, the root receives fn's error and every
// other participant receives ErrRootFailed, so no participant is left
// waiting.
func RootDo(c Comm, buf []float64, fn func() error) error {
	if c.Size() == 1 {
		return fn()
	}
	payload := make([]float64, len(buf)+1)
	var rootErr error
	if IsRoot(c) {
		if rootErr = fn(); rootErr != nil {
			payload[0] = 1
		} else {
			copy(payload[1:], buf)
		}
	}
	if err := c.Broadcast(payload, 0); err != nil {
		return err
	}
	if payload[0] != 0 {
		if rootErr != nil {
			return rootErr
		}
		return ErrRootFailed
	}
	copy(buf, payload[1:])
	return nil
}

// Partition returns the half-open range [lo, hi) of n items owned by rank
// when they are split into size nearly equal contiguous shards.
func Partition(n, rank, size int) (lo, hi int) {
	q, r := n/size, n%size
	lo = rank*q + min(rank, r)
	hi = lo + q
	if rank < r {
		hi++
	}
	return lo, hi
}

// Logger annotates l with the participant's rank when there is more than one.
func Logger(c Comm, l *slog.Logger) *slog.Logger {
	if c.Size() == 1 {
		return l
	}
	return l.With("rank", c.Rank(), "size", c.Size())
}
