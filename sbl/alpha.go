package sbl

import (
	"math"
)

// OptAlpha runs the evidence fixed point for the precisions. In RVM mode
// every precision is updated as gamma/|w|² with gamma = 1 - alpha·(G⁻¹)ᵢᵢ;
// otherwise all precisions share Σgamma/Σ|w|². Every update is followed by a
// refit. Iteration stops when the squared change of the precisions drops
// below the tolerance or after maxIter updates (no cap when maxIter <= 0).
func (l *Learner) OptAlpha(maxIter int, rvm bool) error {
	if l.fit == nil {
		return ErrNotSetUp
	}
	old := l.Alpha()
	for it := 0; maxIter <= 0 || it < maxIter; it++ {
		if len(l.actSys) == 0 {
			return nil
		}
		prev := l.Alpha()
		alpha := l.nextAlpha(rvm)
		l.clipAlpha(alpha)
		l.keepLastActive(prev, alpha)
		l.setAlpha(alpha)
		l.stats.alphaIterations++
		if err := l.refit(); err != nil {
			return err
		}
		if alphaChange(alpha, old) < l.alphaTol {
			return nil
		}
		copy(old, alpha)
	}
	return nil
}

func (l *Learner) nextAlpha(rvm bool) []float64 {
	alpha := l.Alpha()
	diag := l.diagInv()
	w2 := l.weightPower()
	if rvm {
		for p, on := range l.active {
			if on {
				alpha[p] = (1 - alpha[p]*diag[p]) / w2[p]
			}
		}
		return alpha
	}
	gamma, norm := 0.0, 0.0
	for p, on := range l.active {
		if on {
			gamma += 1 - alpha[p]*diag[p]
			norm += w2[p]
		}
	}
	shared := gamma / norm
	for p := range alpha {
		alpha[p] = shared
	}
	return alpha
}

// keepLastActive stops an update from pruning every active precision: if
// none of them stays below the cutoff, the one carrying the largest |w|²
// keeps its previous value.
func (l *Learner) keepLastActive(prev, alpha []float64) {
	keep, best := -1, -1.0
	w2 := l.weightPower()
	for p, on := range l.active {
		if !on {
			continue
		}
		if alpha[p] < l.alphaCutoff {
			return
		}
		if w2[p] > best {
			keep, best = p, w2[p]
		}
	}
	if keep < 0 {
		return
	}
	alpha[keep] = prev[keep]
	l.logger.Debug("keeping last active precision", "precision", keep, "alpha", prev[keep])
}

// clipAlpha clamps precisions to [0, cutoff]. NaN precisions are pruned.
func (l *Learner) clipAlpha(alpha []float64) {
	negative := 0
	for p, a := range alpha {
		switch {
		case math.IsNaN(a):
			alpha[p] = l.alphaCutoff
		case a < 0:
			negative++
			alpha[p] = 0
		case a > l.alphaCutoff:
			alpha[p] = l.alphaCutoff
		}
	}
	if negative > 0 {
		l.logger.Warn("clipping negative precisions to zero", "count", negative)
	}
}

func alphaChange(a, b []float64) float64 {
	sum := 0.0
	for i := range a {
		if a[i] == b[i] {
			continue
		}
		d := a[i] - b[i]
		sum += d * d
	}
	return sum
}
