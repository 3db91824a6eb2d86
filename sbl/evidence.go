package sbl

import (
	"math"

	"github.com/n0madic/go-sparse-bayes/collective"
	"github.com/viterin/vek"
	"gonum.org/v1/gonum/mat"
)

// LogMargLik returns the log marginal likelihood of the current fit.
func (l *Learner) LogMargLik() (float64, error) {
	if l.fit == nil {
		return 0, ErrNotSetUp
	}
	if l.newGLMMethod != nil {
		return l.glmLogMargLik()
	}
	fs := l.fit
	c := l.kind.logNorm()
	local := 0.0
	for i, s := range fs.sDiag {
		w := 1.0
		if fs.weightings != nil {
			w = fs.weightings[i]
		}
		if w == 0 {
			continue
		}
		local += w*(math.Log(s/w)-c) - s*sqAbs(fs.data[i])
	}
	lml, err := collective.SumScalar(l.comm, local)
	if err != nil {
		return 0, err
	}
	lml += l.posteriorEvidence()
	return lml * l.kind.evidenceScale(), nil
}

// posteriorEvidence holds the Occam, prior and quadratic terms, which are
// identical on every participant.
func (l *Learner) posteriorEvidence() float64 {
	n := len(l.actSys)
	if n == 0 {
		return 0
	}
	out := l.occam()
	for p, on := range l.active {
		if on {
			out += l.kind.priorScale() * math.Log(l.alphaAt(p))
		}
	}
	var gw mat.VecDense
	gw.MulVec(l.gAlpha, mat.NewVecDense(n, l.thetaAct))
	return out + vek.Dot(l.thetaAct, gw.RawVector().Data)
}

// occam is the log-determinant term of the evidence.
func (l *Learner) occam() float64 {
	out := l.kind.detScale() * l.factor.LogDetInv
	if l.kind == ComplexExpand {
		out += 0.5 * float64(len(l.actSys)) * math.Log(0.5)
	}
	return out
}

// LogMargLikNoiseDer returns the derivative of LogMargLik with respect to
// log(noise) at fixed precisions.
func (l *Learner) LogMargLikNoiseDer() (float64, error) {
	if l.fit == nil {
		return 0, ErrNotSetUp
	}
	if l.newGLMMethod != nil {
		return 0, ErrUnsupported
	}
	if l.noise == 0 {
		return 0, nil
	}
	fs := l.fit
	dS := make([]float64, len(fs.sDiag))
	local := 0.0
	for i, s := range fs.sDiag {
		w := 1.0
		if fs.weightings != nil {
			w = fs.weightings[i]
		}
		if w == 0 {
			continue
		}
		del := 1 / (sqAbs(fs.targets[i]) + l.noise)
		dS[i] = -s * s / w * del
		local += -s*del - dS[i]*sqAbs(fs.data[i])
	}
	der, err := collective.SumScalar(l.comm, local)
	if err != nil {
		return 0, err
	}
	dGram, dProj, err := l.reduceProjections(dS, fs.data)
	if err != nil {
		return 0, err
	}

	if n := len(l.actSys); n > 0 {
		dG, dy := l.embed(dGram, dProj)
		inv := l.factor.Inverse()
		trace, quad, lin := 0.0, 0.0, 0.0
		for a, i := range l.actSys {
			lin += l.thetaAct[a] * dy[i]
			for b, j := range l.actSys {
				d := dG.At(i, j)
				trace += inv.At(a, b) * d
				quad += l.thetaAct[a] * d * l.thetaAct[b]
			}
		}
		der += -l.kind.detScale()*trace + 2*lin - quad
	}
	return der * l.kind.evidenceScale() * l.noise, nil
}

// LogMargLikAlphaDer returns the derivative of LogMargLik with respect to
// each precision at the current reference sites.
func (l *Learner) LogMargLikAlphaDer() ([]float64, error) {
	if l.fit == nil {
		return nil, ErrNotSetUp
	}
	diag := l.diagInv()
	w2 := l.weightPower()
	scale := 0.5
	if l.kind == Complex {
		scale = 1
	}
	out := make([]float64, l.nPrec)
	for p := range out {
		out[p] = scale * (1/l.alphaAt(p) - diag[p] - w2[p])
	}
	return out, nil
}

// diagInv returns diag(G⁻¹) per precision as it enters the precision
// updates: the shared diagonal for Complex and half of it for ComplexExpand.
func (l *Learner) diagInv() []float64 {
	out := make([]float64, l.nPrec)
	if l.factor == nil {
		return out
	}
	d := l.factor.DiagInv()
	for p := range out {
		if !l.active[p] {
			continue
		}
		switch l.kind {
		case Real:
			out[p] = d[l.pos[p]]
		case Complex:
			out[p] = 0.5 * (d[l.pos[p]] + d[l.pos[p+l.nFeat]])
		case ComplexExpand:
			out[p] = 0.5 * d[l.pos[p]]
		}
	}
	return out
}

// weightPower returns |w|² per precision.
func (l *Learner) weightPower() []float64 {
	out := make([]float64, l.nPrec)
	for p := range out {
		for _, i := range l.sysOf(p) {
			out[p] += l.theta[i] * l.theta[i]
		}
	}
	return out
}
