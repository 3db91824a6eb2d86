package sbl

import (
	"math"
	"math/cmplx"
	"math/rand"
	"testing"

	"github.com/n0madic/go-sparse-bayes/kernel"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

const (
	testLocalDim = 2
	testGroups   = 2
	testSites    = 4
)

var testRefSites = []int{1, 3}

// testProblem returns a random feature map, a random batch over it and
// targets of moderate magnitude. Real problems get real data only.
func testProblem(t testing.TB, seed int64, kind Kind, batch int) (*kernel.FeatureMap, *kernel.Configurations, []complex128) {
	t.Helper()
	rng := rand.New(rand.NewSource(seed))

	data := make([]complex128, testLocalDim*testGroups*testSites)
	for i := range data {
		re := 0.7 + 0.6*rng.Float64()
		if kind == Real {
			data[i] = complex(re, 0)
		} else {
			data[i] = complex(re, 0.2*rng.NormFloat64())
		}
	}
	eps, err := kernel.NewFeatureMap(testLocalDim, testGroups, testSites, data)
	require.NoError(t, err)

	rows := make([][]int, batch)
	for i := range rows {
		rows[i] = make([]int, testSites)
		for j := range rows[i] {
			rows[i][j] = rng.Intn(testLocalDim)
		}
	}
	confs, err := kernel.FromRows(rows)
	require.NoError(t, err)

	// log-amplitudes linear in the occupations plus a little noise
	slope := make([]float64, testSites)
	phase := make([]float64, testSites)
	for j := range slope {
		slope[j] = 0.8 * rng.NormFloat64()
		phase[j] = 0.5 * rng.NormFloat64()
	}
	targets := make([]complex128, batch)
	for i, row := range rows {
		logMag, arg := 0.1*rng.NormFloat64(), 0.1*rng.NormFloat64()
		for j, v := range row {
			logMag += slope[j] * float64(v)
			arg += phase[j] * float64(v)
		}
		if kind == Real {
			targets[i] = complex(math.Exp(logMag), 0)
		} else {
			targets[i] = cmplx.Rect(math.Exp(logMag), arg)
		}
	}
	return eps, confs, targets
}

// scenario is the four-configuration, three-site binary problem with one
// feature group.
func scenario(t *testing.T) (*kernel.FeatureMap, *kernel.Configurations, []complex128) {
	t.Helper()
	eps, err := kernel.NewFeatureMap(2, 1, 3, nil)
	require.NoError(t, err)
	confs, err := kernel.FromRows([][]int{{0, 0, 0}, {1, 0, 0}, {0, 1, 0}, {1, 1, 1}})
	require.NoError(t, err)
	return eps, confs, []complex128{1, 0.5, 1, 0.5}
}

func TestScenarioFit(t *testing.T) {
	eps, confs, targets := scenario(t)
	l, err := NewLearner(eps, WithNoise(0.1))
	require.NoError(t, err)

	err = l.FitStep(confs, targets, []int{0},
		WithOptNoise(false), WithRVM(true), WithMaxAlphaIterations(10000))
	require.NoError(t, err)

	sq, err := l.SquaredErrorLogSpace(confs, targets, nil)
	require.NoError(t, err)
	assert.Less(t, sq, 0.15)

	// The first feature carries no signal and is pruned; the second one is
	// shrunk towards zero by its precision.
	assert.Equal(t, []bool{false, true}, l.Active())
	assert.Equal(t, 1, l.NActive())
	assert.Equal(t, complex(0, 0), eps.At(0, 0, 0))
	assert.InDelta(t, -0.4504, real(eps.At(1, 0, 0)), 1e-3)
	assert.Equal(t, DefaultAlphaCutoff, l.Alpha()[0])

	lml, err := l.LogMargLik()
	require.NoError(t, err)
	assert.False(t, math.IsNaN(lml) || math.IsInf(lml, 0))

	stats := l.GetStats()
	assert.Equal(t, uint64(1), stats["fit_steps"])
	assert.Equal(t, "real", stats["kind"])
}

func TestActiveCountBounds(t *testing.T) {
	for _, kind := range []Kind{Real, Complex, ComplexExpand} {
		t.Run(kind.String(), func(t *testing.T) {
			eps, confs, targets := testProblem(t, 3, kind, 24)
			l, err := NewLearner(eps, WithKind(kind))
			require.NoError(t, err)
			for step := 0; step < 3; step++ {
				require.NoError(t, l.FitStep(confs, targets, testRefSites,
					WithOptNoise(false), WithRVM(true), WithMaxAlphaIterations(500)))
				n := l.NActive()
				assert.GreaterOrEqual(t, n, 1)
				assert.LessOrEqual(t, n, len(l.Alpha()))
			}
		})
	}

	// targets without structure drive every precision to the cutoff
	for _, kind := range []Kind{Real, Complex, ComplexExpand} {
		for _, rvm := range []bool{true, false} {
			name := kind.String() + "/flat/shared"
			if rvm {
				name = kind.String() + "/flat/rvm"
			}
			t.Run(name, func(t *testing.T) {
				eps, confs, signal := testProblem(t, 4, kind, 24)
				rng := rand.New(rand.NewSource(5))
				flat := make([]complex128, len(signal))
				for i := range flat {
					flat[i] = cmplx.Rect(math.Exp(1e-3*rng.NormFloat64()), 0)
					if kind != Real {
						flat[i] *= cmplx.Rect(1, 1e-3*rng.NormFloat64())
					}
				}

				l, err := NewLearner(eps, WithKind(kind))
				require.NoError(t, err)
				require.NoError(t, l.FitStep(confs, flat, testRefSites,
					WithOptNoise(false), WithRVM(rvm), WithMaxAlphaIterations(500)))
				require.GreaterOrEqual(t, l.NActive(), 1)

				nFeat := testLocalDim * testGroups
				for p, on := range l.Active() {
					if !on {
						continue
					}
					assert.Less(t, l.Alpha()[p], DefaultAlphaCutoff)
					f := p % nFeat
					g := f / testLocalDim
					assert.NotZero(t, cmplx.Abs(eps.At(f%testLocalDim, g, testRefSites[g])), "feature %d", f)
				}

				// the feature map is still usable at other reference sites
				require.NoError(t, l.FitStep(confs, signal, []int{0, 0},
					WithOptNoise(false), WithRVM(rvm), WithMaxAlphaIterations(500)))
				assert.GreaterOrEqual(t, l.NActive(), 1)
				sq, err := l.SquaredErrorLogSpace(confs, signal, nil)
				require.NoError(t, err)
				assert.False(t, math.IsNaN(sq) || math.IsInf(sq, 0))
			})
		}
	}
}

func TestNoiselessRoundTrip(t *testing.T) {
	eps, confs, _ := testProblem(t, 7, Real, 24)
	rng := rand.New(rand.NewSource(8))
	want := make([]float64, testLocalDim*testGroups)
	for f := range want {
		want[f] = 0.5 * rng.NormFloat64()
		eps.Set(f%testLocalDim, f/testLocalDim, testRefSites[f/testLocalDim], complex(want[f], 0))
	}

	l, err := NewLearner(eps, WithNoise(0), WithInitAlpha(1e-12))
	require.NoError(t, err)
	require.NoError(t, l.SetRefSites(testRefSites))
	targets, err := l.Predict(confs)
	require.NoError(t, err)

	// start from a blank reference slice
	for f := range want {
		eps.Set(f%testLocalDim, f/testLocalDim, testRefSites[f/testLocalDim], 0)
	}
	require.NoError(t, l.FitStep(confs, targets, testRefSites, WithOptAlpha(false), WithOptNoise(false)))

	for f, w := range l.Weights() {
		assert.InDelta(t, want[f], real(w), 1e-8, "feature %d", f)
	}
	sq, err := l.SquaredErrorLogSpace(confs, targets, nil)
	require.NoError(t, err)
	assert.Less(t, sq, 1e-12)

	lml, err := l.LogMargLik()
	require.NoError(t, err)
	assert.False(t, math.IsNaN(lml) || math.IsInf(lml, 0))

	der, err := l.LogMargLikNoiseDer()
	require.NoError(t, err)
	assert.Equal(t, 0.0, der)
}

func TestDegenerateColumnIsMasked(t *testing.T) {
	eps, err := kernel.NewFeatureMap(2, 1, 3, nil)
	require.NoError(t, err)
	// local value 1 never occurs at the reference site
	confs, err := kernel.FromRows([][]int{{0, 0, 0}, {0, 1, 0}, {0, 0, 1}})
	require.NoError(t, err)

	l, err := NewLearner(eps)
	require.NoError(t, err)
	require.NoError(t, l.FitStep(confs, []complex128{1, 0.5, 0.8}, []int{0},
		WithOptAlpha(false), WithOptNoise(false)))

	assert.Equal(t, []bool{true, false}, l.Active())
	assert.Equal(t, complex(1, 0), eps.At(1, 0, 0))
	assert.NotEqual(t, complex(1, 0), eps.At(0, 0, 0))
}

func TestPriorMeanIsWrittenBack(t *testing.T) {
	eps, confs, targets := testProblem(t, 21, Real, 24)
	l, err := NewLearner(eps)
	require.NoError(t, err)

	const mu = 0.25
	require.NoError(t, l.FitStep(confs, targets, testRefSites,
		WithOptAlpha(false), WithOptNoise(false), WithPriorMean(mu)))

	w := l.Weights()
	for f := range w {
		got := eps.At(f%testLocalDim, f/testLocalDim, testRefSites[f/testLocalDim])
		assert.InDelta(t, real(w[f])+mu, real(got), 1e-12)
	}
}

func TestWeightingsScaleTheSystem(t *testing.T) {
	eps, confs, targets := testProblem(t, 4, Complex, 20)
	weights := make([]float64, len(targets))
	for i := range weights {
		weights[i] = 2
	}

	a, err := NewLearner(eps.Clone(), WithKind(Complex))
	require.NoError(t, err)
	require.NoError(t, a.SetupFit(confs, targets, testRefSites, WithWeightings(weights)))
	b, err := NewLearner(eps.Clone(), WithKind(Complex), WithInitAlpha(0.5))
	require.NoError(t, err)
	require.NoError(t, b.SetupFit(confs, targets, testRefSites))

	// doubling every sample weight is the same as halving the precisions
	wa, wb := a.Weights(), b.Weights()
	for f := range wa {
		assert.InDelta(t, 0, cmplx.Abs(wa[f]-wb[f]), 1e-10, "feature %d", f)
	}

	_, err = a.SquaredError(confs, targets, weights[:3])
	assert.ErrorIs(t, err, ErrShape)
	err = a.SetupFit(confs, targets, testRefSites, WithWeightings(weights[:3]))
	assert.ErrorIs(t, err, ErrShape)
}

func TestLearnerErrors(t *testing.T) {
	_, err := NewLearner(nil)
	assert.ErrorIs(t, err, ErrShape)

	eps, confs, targets := testProblem(t, 1, Complex, 8)
	_, err = NewLearner(eps, WithKind(Real))
	assert.ErrorIs(t, err, ErrKind)

	_, err = NewLearner(eps, WithKind(Kind(7)))
	assert.ErrorIs(t, err, ErrConfig)

	l, err := NewLearner(eps, WithKind(Complex))
	require.NoError(t, err)

	_, err = l.LogMargLik()
	assert.ErrorIs(t, err, ErrNotSetUp)
	_, err = l.SparsityQuantities()
	assert.ErrorIs(t, err, ErrNotSetUp)
	assert.ErrorIs(t, l.OptAlpha(0, true), ErrNotSetUp)
	assert.ErrorIs(t, l.SetAlpha(make([]float64, 4)), kernel.ErrRefSitesUnset)

	err = l.FitStep(confs, targets[:3], testRefSites)
	assert.ErrorIs(t, err, ErrShape)
	err = l.FitStep(confs, targets, []int{0, testSites})
	assert.ErrorIs(t, err, kernel.ErrShape)
	err = l.FitStep(confs, targets, testRefSites, WithMaxAlphaIterations(-1))
	assert.ErrorIs(t, err, ErrConfig)

	assert.ErrorIs(t, l.SetNoise(-1), ErrConfig)
	require.NoError(t, l.SetRefSites(testRefSites))
	assert.ErrorIs(t, l.SetAlpha(make([]float64, 3)), ErrShape)
}

func TestAlphaIsKeptPerReferenceSite(t *testing.T) {
	eps, confs, targets := testProblem(t, 9, Real, 24)
	l, err := NewLearner(eps)
	require.NoError(t, err)

	opts := []FitOption{WithOptNoise(false), WithRVM(true), WithMaxAlphaIterations(50)}
	require.NoError(t, l.FitStep(confs, targets, []int{0, 0}, opts...))
	fitted := l.Alpha()

	require.NoError(t, l.SetRefSites([]int{2, 2}))
	for _, a := range l.Alpha() {
		assert.Equal(t, DefaultInitAlpha, a)
	}
	require.NoError(t, l.SetRefSites([]int{0}))
	assert.Equal(t, fitted, l.Alpha())
	assert.Equal(t, []int{0, 0}, l.RefSites())
}

func TestMovingRefSitesDropsFit(t *testing.T) {
	eps, confs, targets := testProblem(t, 10, Real, 24)
	l, err := NewLearner(eps)
	require.NoError(t, err)
	require.NoError(t, l.FitStep(confs, targets, []int{0, 0}, WithOptNoise(false)))
	require.GreaterOrEqual(t, l.NActive(), 1)

	// same sites, the fit survives
	require.NoError(t, l.SetRefSites([]int{0}))
	_, err = l.LogMargLik()
	require.NoError(t, err)

	require.NoError(t, l.SetRefSites([]int{2, 2}))
	_, err = l.LogMargLik()
	assert.ErrorIs(t, err, ErrNotSetUp)
	assert.ErrorIs(t, l.OptAlpha(10, true), ErrNotSetUp)
	_, err = l.GreedyStep()
	assert.ErrorIs(t, err, ErrNotSetUp)
	assert.Zero(t, l.NActive())
	assert.Nil(t, l.Factor())
	for _, w := range l.Weights() {
		assert.Zero(t, w)
	}

	require.NoError(t, l.SetupFit(confs, targets, []int{2, 2}))
	_, err = l.LogMargLik()
	assert.NoError(t, err)
}

func TestClipAlpha(t *testing.T) {
	eps, _, _ := testProblem(t, 1, Real, 4)
	l, err := NewLearner(eps, WithAlphaCutoff(100))
	require.NoError(t, err)

	alpha := []float64{-1, math.NaN(), 1e3, 2, math.Inf(1)}
	l.clipAlpha(alpha)
	assert.Equal(t, []float64{0, 100, 100, 2, 100}, alpha)
}

func TestOptAlphaSharedPrecision(t *testing.T) {
	eps, confs, targets := testProblem(t, 12, ComplexExpand, 24)
	l, err := NewLearner(eps, WithKind(ComplexExpand))
	require.NoError(t, err)
	require.NoError(t, l.FitStep(confs, targets, testRefSites,
		WithOptNoise(false), WithRVM(false), WithMaxAlphaIterations(100)))

	alpha := l.Alpha()
	require.Len(t, alpha, 2*testLocalDim*testGroups)
	for _, a := range alpha {
		assert.Equal(t, alpha[0], a)
	}
	assert.Greater(t, alpha[0], 0.0)
}
