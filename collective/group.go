package collective

import (
	"context"
	"fmt"
	"sync"

	"github.com/viterin/vek"
	"golang.org/x/sync/errgroup"
)

type opKind int

const (
	opNone opKind = iota
	opSum
	opBroadcast
)

func (o opKind) String() string {
	switch o {
	case opSum:
		return "allreduce"
	case opBroadcast:
		return "broadcast"
	}
	return "none"
}

// Group is an in-process communicator for size participants running as
// goroutines. Reductions add contributions in rank order, so every member
// sees bit-identical results.
type Group struct {
	size int

	mu      sync.Mutex
	cond    *sync.Cond
	run     uint64
	gen     uint64
	arrived int
	op      opKind
	n       int
	root    int
	bufs    [][]float64
	err     error
}

// NewGroup creates a group of size participants.
func NewGroup(size int) (*Group, error) {
	if size <= 0 {
		return nil, fmt.Errorf("%w: group size %d", ErrBadRank, size)
	}
	g := &Group{size: size, bufs: make([][]float64, size)}
	g.cond = sync.NewCond(&g.mu)
	return g, nil
}

// Size returns the number of participants.
func (g *Group) Size() int { return g.size }

// Member returns the communicator of participant rank.
func (g *Group) Member(rank int) (Comm, error) {
	if rank < 0 || rank >= g.size {
		return nil, fmt.Errorf("%w: %d of %d", ErrBadRank, rank, g.size)
	}
	return &member{g: g, rank: rank}, nil
}

// Run starts fn once per participant and waits for all of them. The first
// error aborts every pending collective and is returned.
func (g *Group) Run(ctx context.Context, fn func(ctx context.Context, c Comm) error) error {
	runID := g.reset()
	stop := context.AfterFunc(ctx, func() {
		g.abort(runID, context.Cause(ctx))
	})
	defer stop()

	eg, egCtx := errgroup.WithContext(ctx)
	for r := 0; r < g.size; r++ {
		c := &member{g: g, rank: r}
		eg.Go(func() error {
			if err := fn(egCtx, c); err != nil {
				g.abort(runID, fmt.Errorf("rank %d: %w", c.rank, err))
				return err
			}
			return nil
		})
	}
	return eg.Wait()
}

func (g *Group) reset() uint64 {
	g.mu.Lock()
	defer g.mu.Unlock()
	g.run++
	g.arrived = 0
	g.op = opNone
	g.err = nil
	clear(g.bufs)
	return g.run
}

func (g *Group) abort(runID uint64, cause error) {
	g.mu.Lock()
	defer g.mu.Unlock()
	if runID != g.run || g.err != nil {
		return
	}
	g.err = fmt.Errorf("%w: %v", ErrAborted, cause)
	g.cond.Broadcast()
}

func (g *Group) collective(rank int, op opKind, buf []float64, root int) error {
	g.mu.Lock()
	defer g.mu.Unlock()
	if g.err != nil {
		return g.err
	}
	if g.arrived == 0 {
		g.op, g.n, g.root = op, len(buf), root
	} else if g.op != op || g.n != len(buf) || g.root != root {
		g.err = fmt.Errorf("%w: rank %d issued %s(len=%d, root=%d) while round is %s(len=%d, root=%d)",
			ErrMismatch, rank, op, len(buf), root, g.op, g.n, g.root)
		g.cond.Broadcast()
		return g.err
	}
	g.bufs[rank] = buf
	g.arrived++

	if g.arrived == g.size {
		g.complete()
		return nil
	}
	gen := g.gen
	for gen == g.gen && g.err == nil {
		g.cond.Wait()
	}
	if gen == g.gen {
		return g.err
	}
	return nil
}

// complete finishes a round. Every member is parked on the condition
// variable, so their buffers can be written directly.
func (g *Group) complete() {
	switch g.op {
	case opSum:
		acc := make([]float64, g.n)
		for _, b := range g.bufs {
			vek.Add_Inplace(acc, b)
		}
		for _, b := range g.bufs {
			copy(b, acc)
		}
	case opBroadcast:
		src := g.bufs[g.root]
		for r, b := range g.bufs {
			if r != g.root {
				copy(b, src)
			}
		}
	}
	clear(g.bufs)
	g.arrived = 0
	g.op = opNone
	g.gen++
	g.cond.Broadcast()
}

type member struct {
	g    *Group
	rank int
}

func (m *member) Rank() int { return m.rank }
func (m *member) Size() int { return m.g.size }

func (m *member) AllReduceSum(buf []float64) error {
	if m.g.size == 1 {
		return nil
	}
	return m.g.collective(m.rank, opSum, buf, 0)
}

func (m *member) Broadcast(buf []float64, root int) error {
	if root < 0 || root >= m.g.size {
		return fmt.Errorf("%w: root %d of %d", ErrBadRank, root, m.g.size)
	}
	if m.g.size == 1 {
		return nil
	}
	return m.g.collective(m.rank, opBroadcast, buf, root)
}
