package collective

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestGroupAllReduceSum(t *testing.T) {
	g, err := NewGroup(4)
	require.NoError(t, err)

	results := make([][]float64, 4)
	err = g.Run(context.Background(), func(_ context.Context, c Comm) error {
		buf := []float64{float64(c.Rank()), 1, float64(c.Rank() * c.Rank())}
		for i := 0; i < 3; i++ {
			if err := c.AllReduceSum(buf); err != nil {
				return err
			}
		}
		results[c.Rank()] = buf
		return nil
	})
	require.NoError(t, err)

	// three rounds multiply the first sum by size^2
	want := []float64{6 * 16, 4 * 16, 14 * 16}
	for r := range results {
		assert.Equal(t, want, results[r], "rank %d", r)
	}
}

func TestGroupBroadcastAndRootDo(t *testing.T) {
	g, err := NewGroup(3)
	require.NoError(t, err)

	got := make([][]float64, 3)
	err = g.Run(context.Background(), func(_ context.Context, c Comm) error {
		buf := []float64{float64(c.Rank()), float64(c.Rank())}
		if err := c.Broadcast(buf, 2); err != nil {
			return err
		}
		out := make([]float64, 2)
		if err := RootDo(c, out, func() error {
			out[0], out[1] = buf[0]+1, -1
			return nil
		}); err != nil {
			return err
		}
		got[c.Rank()] = append(buf, out...)
		return nil
	})
	require.NoError(t, err)
	for r := range got {
		assert.Equal(t, []float64{2, 2, 3, -1}, got[r])
	}
}

func TestRootDoFailure(t *testing.T) {
	g, err := NewGroup(3)
	require.NoError(t, err)

	boom := errors.New("boom")
	errs := make([]error, 3)
	err = g.Run(context.Background(), func(_ context.Context, c Comm) error {
		errs[c.Rank()] = RootDo(c, make([]float64, 1), func() error { return boom })
		return nil
	})
	require.NoError(t, err)
	assert.ErrorIs(t, errs[0], boom)
	assert.ErrorIs(t, errs[1], ErrRootFailed)
	assert.ErrorIs(t, errs[2], ErrRootFailed)
}

func TestGroupAbortsOnFailure(t *testing.T) {
	g, err := NewGroup(3)
	require.NoError(t, err)

	boom := errors.New("boom")
	done := make(chan error, 1)
	go func() {
		done <- g.Run(context.Background(), func(_ context.Context, c Comm) error {
			if c.Rank() == 1 {
				return boom
			}
			return c.AllReduceSum(make([]float64, 2))
		})
	}()

	select {
	case err := <-done:
		require.Error(t, err)
		assert.True(t, errors.Is(err, boom) || errors.Is(err, ErrAborted))
	case <-time.After(5 * time.Second):
		t.Fatal("group did not abort")
	}

	// the group is reusable after an aborted run
	err = g.Run(context.Background(), func(_ context.Context, c Comm) error {
		_, err := SumScalar(c, 1)
		return err
	})
	assert.NoError(t, err)
}

func TestGroupMismatch(t *testing.T) {
	g, err := NewGroup(2)
	require.NoError(t, err)

	err = g.Run(context.Background(), func(_ context.Context, c Comm) error {
		return c.AllReduceSum(make([]float64, 1+c.Rank()))
	})
	assert.True(t, errors.Is(err, ErrMismatch) || errors.Is(err, ErrAborted))
}

func TestGroupContextCancel(t *testing.T) {
	g, err := NewGroup(2)
	require.NoError(t, err)

	ctx, cancel := context.WithCancel(context.Background())
	err = g.Run(ctx, func(_ context.Context, c Comm) error {
		if c.Rank() == 0 {
			cancel()
			return nil
		}
		return c.AllReduceSum(make([]float64, 1))
	})
	assert.ErrorIs(t, err, ErrAborted)
}

func TestAllReduceComplex(t *testing.T) {
	g, err := NewGroup(2)
	require.NoError(t, err)

	out := make([][]complex128, 2)
	err = g.Run(context.Background(), func(_ context.Context, c Comm) error {
		buf := []complex128{complex(1, float64(c.Rank())), 2i}
		if err := AllReduceComplex(c, buf); err != nil {
			return err
		}
		out[c.Rank()] = buf
		return nil
	})
	require.NoError(t, err)
	assert.Equal(t, []complex128{2 + 1i, 4i}, out[0])
	assert.Equal(t, out[0], out[1])
}

func TestLocal(t *testing.T) {
	var c Comm = Local{}
	buf := []float64{3}
	require.NoError(t, c.AllReduceSum(buf))
	require.NoError(t, c.Broadcast(buf, 0))
	assert.Equal(t, []float64{3}, buf)
	assert.ErrorIs(t, c.Broadcast(buf, 1), ErrBadRank)

	called := false
	require.NoError(t, RootDo(c, buf, func() error { called = true; return nil }))
	assert.True(t, called)
}

func TestPartition(t *testing.T) {
	for _, tc := range []struct{ n, size int }{{10, 3}, {3, 5}, {0, 2}, {7, 1}, {12, 4}} {
		next := 0
		for r := 0; r < tc.size; r++ {
			lo, hi := Partition(tc.n, r, tc.size)
			assert.Equal(t, next, lo)
			assert.LessOrEqual(t, hi-lo, tc.n/tc.size+1)
			assert.GreaterOrEqual(t, hi-lo, tc.n/tc.size)
			next = hi
		}
		assert.Equal(t, tc.n, next)
	}
}
