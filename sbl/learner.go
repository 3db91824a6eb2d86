// Package sbl fits the reference-site slice of a factorized feature map to
// target amplitudes by sparse Bayesian learning: a Gaussian linear solve of
// the log-amplitudes with automatic relevance determination of every
// feature, an optional noise hyperparameter search, the Tipping-Faul greedy
// feature selection and a generalized linear variant fitted by Newton's
// method.
package sbl

import (
	"fmt"
	"log/slog"
	"math"
	"math/cmplx"
	"slices"

	"github.com/google/uuid"
	"github.com/n0madic/go-sparse-bayes/collective"
	"github.com/n0madic/go-sparse-bayes/kernel"
	"gonum.org/v1/gonum/blas"
	"gonum.org/v1/gonum/blas/cblas128"
	"gonum.org/v1/gonum/mat"
	"gonum.org/v1/gonum/optimize"
)

// Learner owns the precisions, the noise hyperparameter and the posterior of
// one participant. The feature map is read through a kernel cache and written
// back at the reference sites at the end of every fit step.
//
// All participants sharing a communicator must drive their learners through
// the same sequence of calls. A Learner is not safe for concurrent use.
type Learner struct {
	id     uuid.UUID
	logger *slog.Logger
	comm   collective.Comm

	eps   *kernel.FeatureMap
	cache *kernel.Cache
	kind  Kind

	localDim, groups, sites int
	nFeat, nPrec, nSys      int

	alphaMat []float64 // [sites][nPrec]
	refSites []int

	noise         float64
	initAlpha     float64
	alphaCutoff   float64
	kernCutoff    float64
	alphaTol      float64
	cacheCapacity int
	fitDefaults   FitConfig
	newGLMMethod  func() optimize.Method

	fit *fitState

	// posterior, always derived from the current precisions
	active   []bool // per precision
	actSys   []int  // active system indices, ascending
	pos      []int  // system index -> position in actSys, or -1
	gAlpha   *mat.SymDense
	factor   *Factor
	thetaAct []float64
	theta    []float64 // system-space weights, zero outside the active set

	stats learnerStats
}

type fitState struct {
	k          *kernel.Matrix
	targets    []complex128
	data       []complex128 // log-amplitudes minus the prior-mean offset
	weightings []float64
	priorMean  float64
	sDiag      []float64
	gram       []complex128 // reduced KᴴSK
	g0         *mat.SymDense
	y0         []float64
	validKern  []bool // per precision

	glmWarm bool // GLM weights start from the feature map
}

type learnerStats struct {
	fitSteps         uint64
	refits           uint64
	pinvFallbacks    uint64
	alphaIterations  uint64
	noiseEvaluations uint64
	greedySteps      uint64
	lastLogMargLik   float64
}

// NewLearner creates a learner over eps.
func NewLearner(eps *kernel.FeatureMap, opts ...Option) (*Learner, error) {
	if eps == nil {
		return nil, fmt.Errorf("%w: nil feature map", ErrShape)
	}
	l := &Learner{
		id:     uuid.New(),
		logger: slog.Default(),
		comm:   collective.Local{},
		eps:    eps,
	}
	WithConfig(DefaultConfig())(l)
	for _, o := range opts {
		o(l)
	}
	cfg := l.config()
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	if l.kind == Real {
		for _, v := range eps.Data() {
			if imag(v) != 0 {
				return nil, fmt.Errorf("%w: real learner over a complex feature map", ErrKind)
			}
		}
	}

	cache, err := kernel.NewCache(eps, l.cacheCapacity)
	if err != nil {
		return nil, err
	}
	l.cache = cache
	l.localDim, l.groups, l.sites = eps.Dims()
	l.nFeat = eps.Features()
	l.nPrec = l.kind.precCount(l.nFeat)
	l.nSys = l.kind.sysCount(l.nFeat)
	l.alphaMat = make([]float64, l.sites*l.nPrec)
	for i := range l.alphaMat {
		l.alphaMat[i] = l.initAlpha
	}
	if l.newGLMMethod != nil {
		// the generalized linear model keeps its noise fixed
		l.fitDefaults.OptNoise = false
	}
	l.logger = collective.Logger(l.comm, l.logger).With("learner", l.id.String())
	return l, nil
}

func (l *Learner) config() Config {
	return Config{
		Kind:           l.kind,
		InitAlpha:      l.initAlpha,
		InitNoise:      l.noise,
		AlphaCutoff:    l.alphaCutoff,
		KernelCutoff:   l.kernCutoff,
		AlphaTolerance: l.alphaTol,
		CacheCapacity:  l.cacheCapacity,
		Fit:            l.fitDefaults,
	}
}

// ID returns the learner id used in log records.
func (l *Learner) ID() uuid.UUID { return l.id }

// Kind returns the value kind.
func (l *Learner) Kind() Kind { return l.kind }

// Cache returns the kernel cache.
func (l *Learner) Cache() *kernel.Cache { return l.cache }

// SetRefSites selects the reference site of every feature group. A single
// site applies to all groups. Moving a reference site discards a fit that
// was set up before.
func (l *Learner) SetRefSites(sites []int) error {
	if len(sites) == 1 && l.groups > 1 {
		sites = kernel.RefSitesUniform(sites[0], l.groups)
	}
	if err := l.cache.SetRefSites(sites); err != nil {
		return err
	}
	next := l.cache.RefSites()
	if l.refSites != nil && !slices.Equal(l.refSites, next) {
		l.dropFit()
	}
	l.refSites = next
	return nil
}

// dropFit forgets the fitted system; it was built for other reference sites.
func (l *Learner) dropFit() {
	l.fit = nil
	l.active, l.actSys, l.pos = nil, nil, nil
	l.theta, l.thetaAct = nil, nil
	l.factor, l.gAlpha = nil, nil
}

// RefSites returns the current reference sites.
func (l *Learner) RefSites() []int {
	return append([]int(nil), l.refSites...)
}

// Noise returns the noise hyperparameter.
func (l *Learner) Noise() float64 { return l.noise }

// SetNoise sets the noise hyperparameter. A fit set up before is
// re-weighted.
func (l *Learner) SetNoise(noise float64) error {
	if noise < 0 || math.IsNaN(noise) {
		return fmt.Errorf("%w: noise %g", ErrConfig, noise)
	}
	l.noise = noise
	if l.fit != nil && l.newGLMMethod == nil {
		return l.setupNoise()
	}
	return nil
}

func (l *Learner) precOf(i int) int {
	if l.kind == Complex {
		return i % l.nFeat
	}
	return i
}

func (l *Learner) sysOf(p int) []int {
	if l.kind == Complex {
		return []int{p, p + l.nFeat}
	}
	return []int{p}
}

func (l *Learner) alphaIndex(p int) int {
	f := p % l.nFeat
	return l.refSites[f/l.localDim]*l.nPrec + p
}

func (l *Learner) alphaAt(p int) float64 { return l.alphaMat[l.alphaIndex(p)] }

func (l *Learner) setAlphaAt(p int, a float64) { l.alphaMat[l.alphaIndex(p)] = a }

// Alpha returns the precisions at the current reference sites.
func (l *Learner) Alpha() []float64 {
	out := make([]float64, l.nPrec)
	if l.refSites == nil {
		return out
	}
	for p := range out {
		out[p] = l.alphaAt(p)
	}
	return out
}

// SetAlpha overwrites the precisions at the current reference sites and
// refits if a fit is set up.
func (l *Learner) SetAlpha(alpha []float64) error {
	if l.refSites == nil {
		return kernel.ErrRefSitesUnset
	}
	if len(alpha) != l.nPrec {
		return fmt.Errorf("%w: %d precisions, want %d", ErrShape, len(alpha), l.nPrec)
	}
	l.setAlpha(alpha)
	if l.fit != nil {
		return l.refit()
	}
	return nil
}

func (l *Learner) setAlpha(alpha []float64) {
	for p, a := range alpha {
		l.setAlphaAt(p, a)
	}
}

// Active returns the active mask over precisions.
func (l *Learner) Active() []bool { return append([]bool(nil), l.active...) }

// NActive returns the number of active precisions.
func (l *Learner) NActive() int {
	n := 0
	for _, a := range l.active {
		if a {
			n++
		}
	}
	return n
}

// Factor returns the current posterior factor, or nil when nothing is active.
func (l *Learner) Factor() *Factor { return l.factor }

// Weights returns the posterior mean weight of every feature at the current
// reference sites.
func (l *Learner) Weights() []complex128 {
	out := make([]complex128, l.nFeat)
	if l.theta == nil {
		return out
	}
	for f := range out {
		if l.kind == Real {
			out[f] = complex(l.theta[f], 0)
		} else {
			out[f] = complex(l.theta[f], l.theta[f+l.nFeat])
		}
	}
	return out
}

// SetupFit computes the design matrix, the log-amplitude targets, the noise
// weighting and the reduced Gram system for the local shard, then solves for
// the posterior. Only weightings and the prior mean are read from opts.
func (l *Learner) SetupFit(confs *kernel.Configurations, targets []complex128, refSites []int, opts ...FitOption) error {
	p := l.fitParams(opts)
	return l.setupFit(confs, targets, refSites, p)
}

func (l *Learner) setupFit(confs *kernel.Configurations, targets []complex128, refSites []int, p fitParams) error {
	if err := l.prepare(confs, targets, refSites, p); err != nil {
		return err
	}
	if l.newGLMMethod != nil {
		return l.refitGLM()
	}
	return l.setupNoise()
}

// prepare builds the design matrix and the fit targets.
func (l *Learner) prepare(confs *kernel.Configurations, targets []complex128, refSites []int, p fitParams) error {
	if confs == nil {
		return kernel.ErrEmptyBatch
	}
	if len(targets) != confs.Len() {
		return fmt.Errorf("%w: %d targets for %d configurations", ErrShape, len(targets), confs.Len())
	}
	if p.weightings != nil && len(p.weightings) != len(targets) {
		return fmt.Errorf("%w: %d weightings for %d targets", ErrShape, len(p.weightings), len(targets))
	}
	if err := l.SetRefSites(refSites); err != nil {
		return err
	}
	k, err := l.cache.KernelMatrix(confs)
	if err != nil {
		return err
	}

	fs := &fitState{
		k:         k,
		targets:   append([]complex128(nil), targets...),
		data:      make([]complex128, len(targets)),
		priorMean: p.PriorMean,
		glmWarm:   true,
	}
	if p.weightings != nil {
		fs.weightings = append([]float64(nil), p.weightings...)
	}
	for i, a := range targets {
		if l.kind == Real {
			fs.data[i] = complex(math.Log(cmplx.Abs(a)), 0)
		} else {
			fs.data[i] = cmplx.Log(a)
		}
	}
	if p.PriorMean != 0 {
		for i, s := range k.RowSums() {
			fs.data[i] -= complex(p.PriorMean, 0) * s
		}
	}
	l.fit = fs
	return nil
}

// setupNoise recomputes everything that depends on the noise hyperparameter.
func (l *Learner) setupNoise() error {
	fs := l.fit
	fs.sDiag = l.noiseWeights(fs)
	gram, proj, err := l.reduceProjections(fs.sDiag, fs.data)
	if err != nil {
		return err
	}
	fs.gram = gram
	fs.g0, fs.y0 = l.embed(gram, proj)

	fs.validKern = make([]bool, l.nPrec)
	for p := range fs.validKern {
		f := p % l.nFeat
		fs.validKern[p] = cmplx.Abs(gram[f*l.nFeat+f]) > l.kernCutoff
	}
	return l.refit()
}

func (l *Learner) noiseWeights(fs *fitState) []float64 {
	s := make([]float64, len(fs.targets))
	for i, a := range fs.targets {
		s[i] = 1
		if l.noise != 0 {
			s[i] = 1 / math.Log1p(l.noise/sqAbs(a))
		}
		if fs.weightings != nil {
			s[i] *= fs.weightings[i]
		}
	}
	return s
}

// reduceProjections returns Kᴴ·diag(w)·K and Kᴴ·diag(w)·v summed over all
// participants.
func (l *Learner) reduceProjections(w []float64, v []complex128) ([]complex128, []complex128, error) {
	k := l.fit.k
	m := l.nFeat
	wk := make([]complex128, len(k.Data))
	wv := make([]complex128, k.Rows)
	for i := 0; i < k.Rows; i++ {
		wi := complex(w[i], 0)
		for j := 0; j < m; j++ {
			wk[i*m+j] = wi * k.Data[i*m+j]
		}
		wv[i] = wi * v[i]
	}

	buf := make([]complex128, m*m+m)
	gram := cblas128.General{Rows: m, Cols: m, Stride: m, Data: buf[:m*m]}
	cblas128.Gemm(blas.ConjTrans, blas.NoTrans, 1, k.General(),
		cblas128.General{Rows: k.Rows, Cols: m, Stride: m, Data: wk}, 0, gram)
	cblas128.Gemv(blas.ConjTrans, 1, k.General(),
		cblas128.Vector{N: k.Rows, Inc: 1, Data: wv}, 0,
		cblas128.Vector{N: m, Inc: 1, Data: buf[m*m:]})

	if err := collective.AllReduceComplex(l.comm, buf); err != nil {
		return nil, nil, err
	}
	return buf[:m*m], buf[m*m:], nil
}

// embed maps a reduced complex system into the real system space.
func (l *Learner) embed(gram, proj []complex128) (*mat.SymDense, []float64) {
	if l.kind == Real {
		y := make([]float64, len(proj))
		for i, v := range proj {
			y[i] = real(v)
		}
		return RealPart(gram, l.nFeat), y
	}
	return EmbedHermitian(gram, l.nFeat), SplitComplex(proj)
}

func (l *Learner) updateActive() {
	fs := l.fit
	l.active = make([]bool, l.nPrec)
	for p := range l.active {
		l.active[p] = l.alphaAt(p) < l.alphaCutoff && fs.validKern[p]
	}
	l.actSys = l.actSys[:0]
	l.pos = make([]int, l.nSys)
	for i := range l.pos {
		l.pos[i] = -1
		if l.active[l.precOf(i)] {
			l.pos[i] = len(l.actSys)
			l.actSys = append(l.actSys, i)
		}
	}
}

// refit rebuilds the active set and the posterior from the current
// precisions.
func (l *Learner) refit() error {
	if l.fit == nil {
		return ErrNotSetUp
	}
	if l.newGLMMethod != nil {
		return l.refitGLM()
	}
	l.updateActive()
	l.stats.refits++
	l.theta = make([]float64, l.nSys)
	l.thetaAct, l.factor, l.gAlpha = nil, nil, nil
	n := len(l.actSys)
	if n == 0 {
		return nil
	}

	g := mat.NewSymDense(n, nil)
	y := make([]float64, n)
	for a, i := range l.actSys {
		y[a] = l.fit.y0[i]
		for b := a; b < n; b++ {
			g.SetSym(a, b, l.fit.g0.At(i, l.actSys[b]))
		}
		g.SetSym(a, a, g.At(a, a)+l.alphaEff(i))
	}
	theta, f, err := l.solve(g, y)
	if err != nil {
		return err
	}
	l.gAlpha, l.factor, l.thetaAct = g, f, theta
	for a, i := range l.actSys {
		l.theta[i] = theta[a]
	}
	return nil
}

// alphaEff is the diagonal regularizer of system index i.
func (l *Learner) alphaEff(i int) float64 {
	return l.alphaAt(l.precOf(i)) * l.kind.precScale()
}

// writeBack stores the weights of every valid feature into the feature map
// at the reference sites.
func (l *Learner) writeBack(prior float64) {
	w := l.Weights()
	for f, v := range w {
		if !l.fit.validKern[f] {
			continue
		}
		g, lv := f/l.localDim, f%l.localDim
		l.eps.Set(lv, g, l.refSites[g], v+complex(prior, 0))
	}
}

// Predict returns exp(K·epsilon) for confs at the current reference sites
// (site 0 if none were set).
func (l *Learner) Predict(confs *kernel.Configurations) ([]complex128, error) {
	if l.refSites == nil {
		if err := l.SetRefSites([]int{0}); err != nil {
			return nil, err
		}
	}
	k, err := l.cache.KernelMatrix(confs)
	if err != nil {
		return nil, err
	}
	coef := make([]complex128, l.nFeat)
	for f := range coef {
		g := f / l.localDim
		coef[f] = l.eps.At(f%l.localDim, g, l.refSites[g])
	}
	out := make([]complex128, k.Rows)
	cblas128.Gemv(blas.NoTrans, 1, k.General(),
		cblas128.Vector{N: l.nFeat, Inc: 1, Data: coef}, 0,
		cblas128.Vector{N: k.Rows, Inc: 1, Data: out})
	for i, v := range out {
		out[i] = cmplx.Exp(v)
	}
	return out, nil
}

// SquaredError returns Σ w·|pred - target|² over all participants.
func (l *Learner) SquaredError(confs *kernel.Configurations, targets []complex128, weightings []float64) (float64, error) {
	return l.squaredError(confs, targets, weightings, func(p, t complex128) float64 {
		return sqAbs(p - t)
	})
}

// SquaredErrorLogSpace returns Σ w·|log pred - log target|² over all
// participants. Real learners compare log-magnitudes.
func (l *Learner) SquaredErrorLogSpace(confs *kernel.Configurations, targets []complex128, weightings []float64) (float64, error) {
	return l.squaredError(confs, targets, weightings, func(p, t complex128) float64 {
		if l.kind == Real {
			d := math.Log(cmplx.Abs(p)) - math.Log(cmplx.Abs(t))
			return d * d
		}
		return sqAbs(cmplx.Log(p) - cmplx.Log(t))
	})
}

func (l *Learner) squaredError(confs *kernel.Configurations, targets []complex128, weightings []float64, dist func(p, t complex128) float64) (float64, error) {
	if confs == nil || len(targets) != confs.Len() {
		return 0, fmt.Errorf("%w: targets do not match configurations", ErrShape)
	}
	if weightings != nil && len(weightings) != len(targets) {
		return 0, fmt.Errorf("%w: weightings do not match targets", ErrShape)
	}
	pred, err := l.Predict(confs)
	if err != nil {
		return 0, err
	}
	sum := 0.0
	for i, p := range pred {
		e := dist(p, targets[i])
		if weightings != nil {
			e *= weightings[i]
		}
		sum += e
	}
	return collective.SumScalar(l.comm, sum)
}

// GetStats returns learner statistics.
func (l *Learner) GetStats() map[string]any {
	cs := l.cache.Stats()
	stats := map[string]any{
		"id":                        l.id.String(),
		"kind":                      l.kind.String(),
		"noise":                     l.noise,
		"features":                  l.nFeat,
		"precisions":                l.nPrec,
		"active":                    l.NActive(),
		"fit_steps":                 l.stats.fitSteps,
		"refits":                    l.stats.refits,
		"pinv_fallbacks":            l.stats.pinvFallbacks,
		"alpha_iterations":          l.stats.alphaIterations,
		"noise_evaluations":         l.stats.noiseEvaluations,
		"greedy_steps":              l.stats.greedySteps,
		"log_marg_lik":              l.stats.lastLogMargLik,
		"generalized_linear":        l.newGLMMethod != nil,
		"cache_entries":             cs.Entries,
		"cache_full_recomputes":     cs.FullRecomputes,
		"cache_incremental_updates": cs.IncrementalUpdates,
	}
	if l.factor != nil {
		stats["cholesky"] = l.factor.Cholesky
	}
	return stats
}

func sqAbs(z complex128) float64 {
	return real(z)*real(z) + imag(z)*imag(z)
}
