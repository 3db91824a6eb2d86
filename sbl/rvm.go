package sbl

import (
	"math"

	"github.com/n0madic/go-sparse-bayes/kernel"
	"gonum.org/v1/gonum/floats"
	"gonum.org/v1/gonum/mat"
)

// Sparsity holds the Tipping-Faul factors per precision. S and Q2 measure a
// feature against the model without it; SmallS and SmallQ2 are the same
// quantities corrected for features already in the model (equal to S and Q2
// for inactive features).
type Sparsity struct {
	S       []float64
	Q2      []float64
	SmallS  []float64
	SmallQ2 []float64
}

// Action is the greedy move applied to one feature.
type Action int

const (
	ActionNone Action = iota
	ActionAdd
	ActionReestimate
	ActionDelete
)

func (a Action) String() string {
	switch a {
	case ActionAdd:
		return "add"
	case ActionReestimate:
		return "reestimate"
	case ActionDelete:
		return "delete"
	}
	return "none"
}

// Move is the outcome of one greedy step.
type Move struct {
	Feature int
	Action  Action
	// DeltaL is the predicted evidence change, up to the kind's overall scale.
	DeltaL float64
}

// SparsityQuantities computes the sparsity and quality factors of every
// precision from the current posterior.
func (l *Learner) SparsityQuantities() (*Sparsity, error) {
	if l.fit == nil {
		return nil, ErrNotSetUp
	}
	if l.newGLMMethod != nil {
		return nil, ErrUnsupported
	}
	fs := l.fit
	n := len(l.actSys)

	sHat := make([]float64, l.nSys)
	qHat := make([]float64, l.nSys)
	for i := 0; i < l.nSys; i++ {
		sHat[i] = fs.g0.At(i, i)
		qHat[i] = fs.y0[i]
	}
	if n > 0 {
		// B holds the columns of the Gram matrix at the active indices.
		b := mat.NewDense(l.nSys, n, nil)
		for i := 0; i < l.nSys; i++ {
			for a, j := range l.actSys {
				b.Set(i, a, fs.g0.At(i, j))
			}
		}
		var bTheta mat.VecDense
		bTheta.MulVec(b, mat.NewVecDense(n, l.thetaAct))
		floats.Sub(qHat, bTheta.RawVector().Data)

		var r mat.Dense
		if l.factor.Cholesky {
			r.Mul(b, l.factor.LInv.T())
			for i := 0; i < l.nSys; i++ {
				row := r.RawRowView(i)
				sHat[i] -= floats.Dot(row, row)
			}
		} else {
			r.Mul(b, l.factor.PInv)
			for i := 0; i < l.nSys; i++ {
				sHat[i] -= floats.Dot(r.RawRowView(i), b.RawRowView(i))
			}
		}
	}

	sp := &Sparsity{
		S:       make([]float64, l.nPrec),
		Q2:      make([]float64, l.nPrec),
		SmallS:  make([]float64, l.nPrec),
		SmallQ2: make([]float64, l.nPrec),
	}
	for p := 0; p < l.nPrec; p++ {
		sys := l.sysOf(p)
		for _, i := range sys {
			sp.S[p] += sHat[i]
			sp.Q2[p] += qHat[i] * qHat[i]
		}
		sp.S[p] /= float64(len(sys))
		sp.SmallS[p], sp.SmallQ2[p] = sp.S[p], sp.Q2[p]
		if l.active[p] {
			a := l.alphaAt(p) * l.kind.precScale()
			d := a - sp.S[p]
			sp.SmallS[p] = a * sp.S[p] / d
			sp.SmallQ2[p] = a * a * sp.Q2[p] / (d * d)
		}
	}
	return sp, nil
}

// evidenceDeltas scores every precision with the evidence change of its
// greedy move. Non-finite scores and degenerate features score -Inf.
func (l *Learner) evidenceDeltas(sp *Sparsity) (delta, theta []float64) {
	kappa := l.kind.quality()
	delta = make([]float64, l.nPrec)
	theta = make([]float64, l.nPrec)
	for p := range delta {
		theta[p] = kappa*sp.SmallQ2[p] - sp.SmallS[p]
		if !l.fit.validKern[p] {
			delta[p] = math.Inf(-1)
			continue
		}
		S, Q2 := sp.S[p], kappa*sp.Q2[p]
		a := l.alphaAt(p) * l.kind.precScale()
		var d float64
		switch {
		case theta[p] > 0 && !l.active[p]:
			d = (Q2-S)/S + math.Log(S/Q2)
		case theta[p] > 0:
			aNew := sp.SmallS[p] * sp.SmallS[p] / theta[p]
			dInv := 1/aNew - 1/a
			d = Q2/(S+1/dInv) - math.Log(1+S*dInv)
		case l.active[p]:
			d = Q2/(S-a) - math.Log(1-S/a)
		}
		if math.IsNaN(d) || math.IsInf(d, 0) {
			d = math.Inf(-1)
		}
		delta[p] = d
	}
	return delta, theta
}

// GreedyStep applies the single add, re-estimate or delete move with the
// largest evidence gain and refits. The last active feature is never
// deleted.
func (l *Learner) GreedyStep() (Move, error) {
	sp, err := l.SparsityQuantities()
	if err != nil {
		return Move{}, err
	}
	delta, theta := l.evidenceDeltas(sp)
	best := floats.MaxIdx(delta)
	mv := Move{Feature: best, DeltaL: delta[best]}
	if math.IsInf(delta[best], -1) {
		return mv, nil
	}

	switch {
	case theta[best] > 0:
		mv.Action = ActionReestimate
		if !l.active[best] {
			mv.Action = ActionAdd
		}
		l.setAlphaAt(best, sp.SmallS[best]*sp.SmallS[best]/theta[best]/l.kind.precScale())
	case l.active[best] && l.NActive() >= 2:
		mv.Action = ActionDelete
		l.setAlphaAt(best, math.Inf(1))
	default:
		return mv, nil
	}
	l.stats.greedySteps++
	return mv, l.refit()
}

// seed activates the single feature with the largest projection of the
// targets when nothing is active.
func (l *Learner) seed() error {
	fs := l.fit
	kappa := l.kind.quality()
	best, bestProj := -1, math.Inf(-1)
	for p := 0; p < l.nPrec; p++ {
		if !fs.validKern[p] {
			continue
		}
		i := l.sysOf(p)[0]
		proj := kappa * l.targetPower(p) / fs.g0.At(i, i)
		if proj > bestProj {
			best, bestProj = p, proj
		}
	}
	if best < 0 {
		return nil
	}
	i := l.sysOf(best)[0]
	d := fs.g0.At(i, i)
	est := d * d / (kappa*l.targetPower(best) - d)
	if est <= 0 || math.IsNaN(est) {
		l.logger.Warn("no positive precision estimate for the seed feature", "feature", best, "estimate", est)
		est = 1
	}
	l.setAlphaAt(best, est/l.kind.precScale())
	return l.refit()
}

// targetPower is |y|² of precision p.
func (l *Learner) targetPower(p int) float64 {
	out := 0.0
	for _, i := range l.sysOf(p) {
		out += l.fit.y0[i] * l.fit.y0[i]
	}
	return out
}

// FitStepGrowingRVM fits with the greedy Tipping-Faul search for a fixed
// number of iterations and writes the weights back. An empty model is
// seeded with the best single feature first.
func (l *Learner) FitStepGrowingRVM(confs *kernel.Configurations, targets []complex128, refSites []int, iterations int, opts ...FitOption) error {
	if l.newGLMMethod != nil {
		return ErrUnsupported
	}
	p := l.fitParams(opts)
	if err := p.Validate(); err != nil {
		return err
	}
	if err := l.setupFit(confs, targets, refSites, p); err != nil {
		return err
	}
	if len(l.actSys) == 0 {
		if err := l.seed(); err != nil {
			return err
		}
	}
	for i := 0; i < iterations; i++ {
		if _, err := l.GreedyStep(); err != nil {
			return err
		}
	}
	return l.finishStep(p.PriorMean)
}
