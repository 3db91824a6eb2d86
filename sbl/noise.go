package sbl

import (
	"fmt"
	"math"

	"github.com/n0madic/go-sparse-bayes/kernel"
	"gonum.org/v1/gonum/optimize"
)

// FitStep fits the feature map at refSites to targets on confs. It sets up
// the linear system, optionally searches the noise hyperparameter (re-running
// the precision fixed point at every trial), runs the precision fixed point
// and writes the weights back into the feature map.
func (l *Learner) FitStep(confs *kernel.Configurations, targets []complex128, refSites []int, opts ...FitOption) error {
	p := l.fitParams(opts)
	if err := p.Validate(); err != nil {
		return err
	}
	if l.newGLMMethod != nil {
		return l.fitStepGLM(confs, targets, refSites, p)
	}
	if err := l.setupFit(confs, targets, refSites, p); err != nil {
		return err
	}
	if p.OptNoise {
		if err := l.optNoise(p); err != nil {
			return err
		}
	}
	if p.OptAlpha {
		if err := l.OptAlpha(p.MaxAlphaIterations, p.RVM); err != nil {
			return err
		}
	}
	return l.finishStep(p.PriorMean)
}

func (l *Learner) finishStep(prior float64) error {
	l.writeBack(prior)
	l.stats.fitSteps++
	lml, err := l.LogMargLik()
	if err != nil {
		return err
	}
	l.stats.lastLogMargLik = lml
	l.logger.Debug("fit step done", "active", l.NActive(), "noise", l.noise, "log_marg_lik", lml)
	return nil
}

// noiseBounds are the bounds of log(noise).
type noiseBounds struct {
	lo, hi float64
}

func newNoiseBounds(p fitParams) noiseBounds {
	b := noiseBounds{lo: math.Inf(-1), hi: math.Inf(1)}
	if p.MinNoise > 0 {
		b.lo = math.Log(p.MinNoise)
	}
	if p.MaxNoise > 0 {
		b.hi = math.Log(p.MaxNoise)
	}
	return b
}

func (b noiseBounds) clamp(x float64) (float64, bool) {
	switch {
	case x < b.lo:
		return b.lo, false
	case x > b.hi:
		return b.hi, false
	}
	return x, true
}

// noiseSearch evaluates the evidence as a function of x = log(noise).
type noiseSearch struct {
	l         *Learner
	p         fitParams
	bounds    noiseBounds
	alphaInit []float64
	err       error

	bestX, bestF float64
}

// eval moves the fit to log-noise x, starting the precision fixed point from
// the last accepted precisions.
func (s *noiseSearch) eval(x float64) error {
	l := s.l
	l.noise = math.Exp(x)
	l.stats.noiseEvaluations++
	if s.p.OptAlpha {
		l.setAlpha(s.alphaInit)
	}
	if err := l.setupNoise(); err != nil {
		return err
	}
	if s.p.OptAlpha {
		return l.OptAlpha(s.p.MaxAlphaIterations, s.p.RVM)
	}
	return nil
}

func (s *noiseSearch) fail(err error) {
	if s.err == nil {
		s.err = err
	}
}

func (s *noiseSearch) objective(x []float64) float64 {
	xc, _ := s.bounds.clamp(x[0])
	if err := s.eval(xc); err != nil {
		s.fail(err)
		return math.Inf(1)
	}
	lml, err := s.l.LogMargLik()
	if err != nil {
		s.fail(err)
		return math.Inf(1)
	}
	if -lml < s.bestF {
		s.bestX, s.bestF = xc, -lml
	}
	return -lml
}

func (s *noiseSearch) gradient(grad, x []float64) {
	grad[0] = 0
	xc, inside := s.bounds.clamp(x[0])
	if err := s.eval(xc); err != nil {
		s.fail(err)
		return
	}
	if !inside {
		return
	}
	der, err := s.l.LogMargLikNoiseDer()
	if err != nil {
		s.fail(err)
		return
	}
	grad[0] = -der
}

// Init implements optimize.Recorder.
func (s *noiseSearch) Init() error { return nil }

// Record implements optimize.Recorder. Each accepted iterate re-runs the
// precision fixed point and keeps its result as the next warm start.
func (s *noiseSearch) Record(loc *optimize.Location, op optimize.Operation, _ *optimize.Stats) error {
	if op != optimize.MajorIteration || !s.p.OptAlpha {
		return nil
	}
	xc, _ := s.bounds.clamp(loc.X[0])
	if err := s.eval(xc); err != nil {
		return err
	}
	s.alphaInit = s.l.Alpha()
	return nil
}

// optNoise maximises the evidence over log(noise) with L-BFGS, clamping to
// the bounds, and leaves the fit at the optimum with the warm-start
// precisions.
func (l *Learner) optNoise(p fitParams) error {
	if l.noise <= 0 {
		return fmt.Errorf("%w: noise optimisation needs a positive initial noise", ErrConfig)
	}
	x0, _ := newNoiseBounds(p).clamp(math.Log(l.noise))
	s := &noiseSearch{
		l:         l,
		p:         p,
		bounds:    newNoiseBounds(p),
		alphaInit: l.Alpha(),
		bestX:     x0,
		bestF:     math.Inf(1),
	}
	problem := optimize.Problem{
		Func: s.objective,
		Grad: s.gradient,
	}
	settings := &optimize.Settings{
		MajorIterations: p.MaxNoiseIterations,
		Recorder:        s,
	}
	res, err := optimize.Minimize(problem, []float64{x0}, settings, &optimize.LBFGS{})
	if s.err != nil {
		return s.err
	}
	x := s.bestX
	if err != nil {
		l.logger.Warn("noise optimisation stopped early", "error", err, "best_noise", math.Exp(x))
	}
	if res != nil && !math.IsNaN(res.F) && !math.IsInf(res.F, 0) && res.F <= s.bestF {
		x, _ = s.bounds.clamp(res.X[0])
	}

	l.noise = math.Exp(x)
	if p.OptAlpha {
		l.setAlpha(s.alphaInit)
	}
	return l.setupNoise()
}
