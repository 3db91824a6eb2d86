package sbl

import (
	"log/slog"

	"github.com/n0madic/go-sparse-bayes/collective"
	"gonum.org/v1/gonum/optimize"
)

// Option is a function type for configuring a Learner.
type Option func(*Learner)

// WithConfig applies every setting of cfg, including the fit defaults.
func WithConfig(cfg Config) Option {
	return func(l *Learner) {
		l.kind = cfg.Kind
		l.initAlpha = cfg.InitAlpha
		l.noise = cfg.InitNoise
		l.alphaCutoff = cfg.AlphaCutoff
		l.kernCutoff = cfg.KernelCutoff
		l.alphaTol = cfg.AlphaTolerance
		l.cacheCapacity = cfg.CacheCapacity
		l.fitDefaults = cfg.Fit
	}
}

// WithKind sets the value kind.
func WithKind(kind Kind) Option {
	return func(l *Learner) {
		l.kind = kind
	}
}

// WithInitAlpha sets the initial precision of every feature at every site.
func WithInitAlpha(alpha float64) Option {
	return func(l *Learner) {
		l.initAlpha = alpha
	}
}

// WithNoise sets the initial noise hyperparameter.
func WithNoise(noise float64) Option {
	return func(l *Learner) {
		l.noise = noise
	}
}

// WithAlphaCutoff sets the precision above which a feature is pruned.
func WithAlphaCutoff(cutoff float64) Option {
	return func(l *Learner) {
		l.alphaCutoff = cutoff
	}
}

// WithKernelCutoff sets the Gram-diagonal magnitude below which a kernel
// column is considered degenerate.
func WithKernelCutoff(cutoff float64) Option {
	return func(l *Learner) {
		l.kernCutoff = cutoff
	}
}

// WithAlphaTolerance sets the convergence tolerance of the precision fixed point.
func WithAlphaTolerance(tol float64) Option {
	return func(l *Learner) {
		l.alphaTol = tol
	}
}

// WithCacheCapacity sets the number of configuration batches the kernel
// cache keeps.
func WithCacheCapacity(n int) Option {
	return func(l *Learner) {
		l.cacheCapacity = n
	}
}

// WithComm sets the communicator used for reductions. The default is the
// single-participant collective.Local.
func WithComm(c collective.Comm) Option {
	return func(l *Learner) {
		l.comm = c
	}
}

// WithLogger sets the logger.
func WithLogger(logger *slog.Logger) Option {
	return func(l *Learner) {
		l.logger = logger
	}
}

// WithGeneralizedLinear switches the learner to the generalized linear model
// fitted with the minimizer returned by newMethod. A nil newMethod selects
// optimize.Newton.
func WithGeneralizedLinear(newMethod func() optimize.Method) Option {
	return func(l *Learner) {
		if newMethod == nil {
			newMethod = func() optimize.Method { return &optimize.Newton{} }
		}
		l.newGLMMethod = newMethod
	}
}

// FitOption overrides a fit-step default.
type FitOption func(*fitParams)

type fitParams struct {
	FitConfig
	weightings []float64
}

// WithOptAlpha enables or disables the precision fixed point.
func WithOptAlpha(on bool) FitOption {
	return func(p *fitParams) { p.OptAlpha = on }
}

// WithOptNoise enables or disables the noise optimisation.
func WithOptNoise(on bool) FitOption {
	return func(p *fitParams) { p.OptNoise = on }
}

// WithRVM selects per-feature precisions instead of a shared one.
func WithRVM(on bool) FitOption {
	return func(p *fitParams) { p.RVM = on }
}

// WithMaxAlphaIterations caps the precision fixed point. Zero means no cap.
func WithMaxAlphaIterations(n int) FitOption {
	return func(p *fitParams) { p.MaxAlphaIterations = n }
}

// WithMaxNoiseIterations caps the noise optimiser. Zero means no cap.
func WithMaxNoiseIterations(n int) FitOption {
	return func(p *fitParams) { p.MaxNoiseIterations = n }
}

// WithNoiseBounds bounds the noise optimiser. A zero bound is open.
func WithNoiseBounds(lo, hi float64) FitOption {
	return func(p *fitParams) {
		p.MinNoise = lo
		p.MaxNoise = hi
	}
}

// WithWeightings sets per-sample weights for the local shard.
func WithWeightings(w []float64) FitOption {
	return func(p *fitParams) { p.weightings = w }
}

// WithPriorMean sets the prior mean of the weights.
func WithPriorMean(mu float64) FitOption {
	return func(p *fitParams) { p.PriorMean = mu }
}

func (l *Learner) fitParams(opts []FitOption) fitParams {
	p := fitParams{FitConfig: l.fitDefaults}
	for _, o := range opts {
		o(&p)
	}
	return p
}
