package sbl

import (
	"fmt"
	"math"
	"math/cmplx"

	"github.com/n0madic/go-sparse-bayes/collective"
	"github.com/n0madic/go-sparse-bayes/kernel"
	"gonum.org/v1/gonum/mat"
	"gonum.org/v1/gonum/optimize"
)

const glmMaxIterations = 100

// glmModel is the penalized negative log-likelihood
//
//	loss(w) = ½·(β·Σ|t - exp(X·w)|² + Σ dᵢ·wᵢ²)
//
// over the active columns of X, where X = K for Real and X = [K, iK]
// otherwise. Sums over samples are reduced across participants.
type glmModel struct {
	l    *Learner
	cols []int // active system indices
	d    []float64
	beta float64
	err  error
}

func (l *Learner) newGLMModel() *glmModel {
	m := &glmModel{l: l, cols: l.actSys, d: make([]float64, len(l.actSys)), beta: 1}
	if l.noise != 0 {
		m.beta = 1 / l.noise
	}
	for a, i := range l.actSys {
		m.d[a] = l.alphaEff(i)
	}
	return m
}

func (m *glmModel) fail(err error) {
	if m.err == nil {
		m.err = err
	}
}

func (m *glmModel) x(i, a int) complex128 {
	j, nf := m.cols[a], m.l.nFeat
	if j < nf {
		return m.l.fit.k.At(i, j)
	}
	return 1i * m.l.fit.k.At(i, j-nf)
}

func (m *glmModel) predict(w []float64) []complex128 {
	k := m.l.fit.k
	out := make([]complex128, k.Rows)
	for i := range out {
		var s complex128
		for a, wa := range w {
			s += m.x(i, a) * complex(wa, 0)
		}
		out[i] = cmplx.Exp(s)
	}
	return out
}

func (m *glmModel) loss(w []float64) float64 {
	local := 0.0
	for i, p := range m.predict(w) {
		local += sqAbs(m.l.fit.targets[i] - p)
	}
	total, err := collective.SumScalar(m.l.comm, local)
	if err != nil {
		m.fail(err)
		return math.Inf(1)
	}
	reg := 0.0
	for a, wa := range w {
		reg += m.d[a] * wa * wa
	}
	return 0.5 * (m.beta*total + reg)
}

func (m *glmModel) grad(grad, w []float64) {
	pred := m.predict(w)
	for a := range grad {
		grad[a] = 0
	}
	for i, p := range pred {
		g := p * cmplx.Conj(m.l.fit.targets[i]-p)
		for a := range grad {
			grad[a] += real(m.x(i, a) * g)
		}
	}
	if err := m.l.comm.AllReduceSum(grad); err != nil {
		m.fail(err)
		return
	}
	for a := range grad {
		grad[a] = -m.beta*grad[a] + m.d[a]*w[a]
	}
}

func (m *glmModel) hess(h *mat.SymDense, w []float64) {
	n := len(w)
	pred := m.predict(w)
	upper := make([]float64, n*(n+1)/2)
	for i, p := range pred {
		b1 := p * cmplx.Conj(m.l.fit.targets[i]-p)
		b2 := complex(sqAbs(p), 0)
		idx := 0
		for a := 0; a < n; a++ {
			xa := m.x(i, a)
			for b := a; b < n; b++ {
				xb := m.x(i, b)
				upper[idx] += real(-xa*xb*b1 + xa*cmplx.Conj(xb)*b2)
				idx++
			}
		}
	}
	if err := m.l.comm.AllReduceSum(upper); err != nil {
		m.fail(err)
	}
	idx := 0
	for a := 0; a < n; a++ {
		for b := a; b < n; b++ {
			v := m.beta * upper[idx]
			if a == b {
				v += m.d[a]
			}
			h.SetSym(a, b, v)
			idx++
		}
	}
}

// glmValidKern marks features whose kernel column has a non-negligible
// absolute sum over all participants.
func (l *Learner) glmValidKern() ([]bool, error) {
	k := l.fit.k
	sums := make([]float64, l.nFeat)
	for i := 0; i < k.Rows; i++ {
		for f := range sums {
			sums[f] += cmplx.Abs(k.At(i, f))
		}
	}
	if err := l.comm.AllReduceSum(sums); err != nil {
		return nil, err
	}
	valid := make([]bool, l.nPrec)
	for p := range valid {
		valid[p] = sums[p%l.nFeat] > l.kernCutoff
	}
	return valid, nil
}

// glmStart returns the system-space starting point: the feature map at the
// reference sites on the first solve of a fit step, the last weights after.
func (l *Learner) glmStart() []float64 {
	if !l.fit.glmWarm && l.theta != nil {
		return append([]float64(nil), l.theta...)
	}
	start := make([]float64, l.nSys)
	for f := 0; f < l.nFeat; f++ {
		g := f / l.localDim
		e := l.eps.At(f%l.localDim, g, l.refSites[g])
		start[f] = real(e)
		if l.kind.isComplex() {
			start[f+l.nFeat] = imag(e)
		}
	}
	return start
}

// refitGLM minimizes the penalized loss over the active weights, takes a
// final Newton step through the factor of the Hessian and keeps that factor
// as the posterior covariance.
func (l *Learner) refitGLM() error {
	fs := l.fit
	if fs.validKern == nil {
		valid, err := l.glmValidKern()
		if err != nil {
			return err
		}
		fs.validKern = valid
	}
	start := l.glmStart()
	fs.glmWarm = false

	l.updateActive()
	l.stats.refits++
	l.theta = make([]float64, l.nSys)
	l.thetaAct, l.factor, l.gAlpha = nil, nil, nil
	n := len(l.actSys)
	if n == 0 {
		return nil
	}

	m := l.newGLMModel()
	w := make([]float64, n)
	for a, i := range l.actSys {
		w[a] = start[i]
	}
	problem := optimize.Problem{Func: m.loss, Grad: m.grad, Hess: m.hess}
	res, err := optimize.Minimize(problem, w, &optimize.Settings{MajorIterations: glmMaxIterations}, l.newGLMMethod())
	if m.err != nil {
		return m.err
	}
	if err != nil {
		l.logger.Warn("generalized linear minimization stopped early", "error", err)
	}
	if res != nil && len(res.X) == n {
		copy(w, res.X)
	}

	h := mat.NewSymDense(n, nil)
	m.hess(h, w)
	g := make([]float64, n)
	m.grad(g, w)
	if m.err != nil {
		return m.err
	}
	step, f, err := l.solve(h, g)
	if err != nil {
		return err
	}
	for a := range w {
		w[a] -= step[a]
	}
	l.gAlpha, l.factor, l.thetaAct = h, f, w
	for a, i := range l.actSys {
		l.theta[i] = w[a]
	}
	return nil
}

func (l *Learner) fitStepGLM(confs *kernel.Configurations, targets []complex128, refSites []int, p fitParams) error {
	if p.OptNoise {
		return fmt.Errorf("%w: noise optimisation of the generalized linear model", ErrUnsupported)
	}
	if err := l.setupFit(confs, targets, refSites, p); err != nil {
		return err
	}
	if p.OptAlpha {
		if err := l.OptAlpha(p.MaxAlphaIterations, p.RVM); err != nil {
			return err
		}
	}
	return l.finishStep(0)
}

// GLMGradient returns the gradient of the penalized loss at the current
// active weights.
func (l *Learner) GLMGradient() ([]float64, error) {
	if l.fit == nil {
		return nil, ErrNotSetUp
	}
	if l.newGLMMethod == nil {
		return nil, ErrUnsupported
	}
	m := l.newGLMModel()
	g := make([]float64, len(l.actSys))
	if len(g) > 0 {
		m.grad(g, l.thetaAct)
	}
	return g, m.err
}

// glmLogMargLik is the Laplace-style evidence of the generalized linear fit.
func (l *Learner) glmLogMargLik() (float64, error) {
	m := l.newGLMModel()
	nData, err := collective.SumScalar(l.comm, float64(len(l.fit.targets)))
	if err != nil {
		return 0, err
	}
	lml := (math.Log(m.beta) - l.kind.logNorm()) * nData
	if len(l.actSys) > 0 {
		lml += l.occam()
		for p, on := range l.active {
			if on {
				lml += l.kind.priorScale() * math.Log(l.alphaAt(p))
			}
		}
	}
	lml -= 2 * m.loss(l.thetaAct)
	if m.err != nil {
		return 0, m.err
	}
	return lml * l.kind.evidenceScale(), nil
}
