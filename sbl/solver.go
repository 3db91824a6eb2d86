package sbl

import (
	"errors"
	"math"

	"github.com/n0madic/go-sparse-bayes/collective"
	"gonum.org/v1/gonum/mat"
)

var machEps = math.Nextafter(1, 2) - 1

// Factor represents the inverse of the active block G of the regularized
// Gram matrix. When Cholesky is set, G⁻¹ = LInvᵀ·LInv with LInv the inverse
// of the lower Cholesky factor; otherwise PInv holds the symmetric
// pseudo-inverse.
type Factor struct {
	Cholesky bool
	LInv     *mat.TriDense
	PInv     *mat.SymDense
	// LogDetInv is log|G⁻¹|, or -Inf when the pseudo-inverse dropped an
	// eigenvalue.
	LogDetInv float64
}

// Dim returns the dimension of G.
func (f *Factor) Dim() int {
	if f.Cholesky {
		n, _ := f.LInv.Triangle()
		return n
	}
	return f.PInv.SymmetricDim()
}

// DiagInv returns diag(G⁻¹).
func (f *Factor) DiagInv() []float64 {
	n := f.Dim()
	out := make([]float64, n)
	if f.Cholesky {
		for i := 0; i < n; i++ {
			for j := 0; j <= i; j++ {
				v := f.LInv.At(i, j)
				out[j] += v * v
			}
		}
		return out
	}
	for i := range out {
		out[i] = f.PInv.At(i, i)
	}
	return out
}

// Solve returns G⁻¹b.
func (f *Factor) Solve(b []float64) []float64 {
	n := f.Dim()
	out := mat.NewVecDense(n, nil)
	if f.Cholesky {
		var t mat.VecDense
		t.MulVec(f.LInv, mat.NewVecDense(n, b))
		out.MulVec(f.LInv.T(), &t)
	} else {
		out.MulVec(f.PInv, mat.NewVecDense(n, b))
	}
	return out.RawVector().Data
}

// Inverse returns G⁻¹ explicitly.
func (f *Factor) Inverse() *mat.SymDense {
	if !f.Cholesky {
		return f.PInv
	}
	n := f.Dim()
	inv := mat.NewSymDense(n, nil)
	inv.SymOuterK(1, f.LInv.T())
	return inv
}

// factorize inverts g, preferring the Cholesky path, and returns g⁻¹y.
func factorize(g *mat.SymDense, y []float64) ([]float64, *Factor) {
	n := g.SymmetricDim()
	var chol mat.Cholesky
	if chol.Factorize(g) {
		var l, linv mat.TriDense
		chol.LTo(&l)
		if err := linv.InverseTri(&l); usableInverse(err) {
			f := &Factor{Cholesky: true, LInv: &linv, LogDetInv: -chol.LogDet()}
			return f.Solve(y), f
		}
	}
	pinv, logDet := pinvh(g, n)
	f := &Factor{PInv: pinv, LogDetInv: logDet}
	return f.Solve(y), f
}

// usableInverse accepts ill-conditioned but finite triangular inverses.
func usableInverse(err error) bool {
	if err == nil {
		return true
	}
	var cond mat.Condition
	return errors.As(err, &cond) && !math.IsInf(float64(cond), 1)
}

// pinvh is the pseudo-inverse of a symmetric matrix from its eigendecomposition.
// Eigenvalues with magnitude below n·eps·max|λ| are dropped.
func pinvh(g *mat.SymDense, n int) (*mat.SymDense, float64) {
	pinv := mat.NewSymDense(n, nil)
	var eig mat.EigenSym
	if !eig.Factorize(g, true) {
		return pinv, math.Inf(-1)
	}
	vals := eig.Values(nil)
	var vecs mat.Dense
	eig.VectorsTo(&vecs)

	maxAbs := 0.0
	for _, v := range vals {
		maxAbs = math.Max(maxAbs, math.Abs(v))
	}
	cutoff := float64(n) * machEps * maxAbs

	logDet := 0.0
	col := make([]float64, n)
	for k, lam := range vals {
		if math.Abs(lam) <= cutoff {
			logDet = math.Inf(-1)
			continue
		}
		logDet -= math.Log(math.Abs(lam))
		mat.Col(col, k, &vecs)
		pinv.SymRankOne(pinv, 1/lam, mat.NewVecDense(n, col))
	}
	return pinv, logDet
}

// solve factorizes g on the root participant and broadcasts the factor and
// g⁻¹y, so that every participant holds bit-identical results.
func (l *Learner) solve(g *mat.SymDense, y []float64) ([]float64, *Factor, error) {
	n := len(y)
	buf := make([]float64, 2+n+n*n)
	err := collective.RootDo(l.comm, buf, func() error {
		theta, f := factorize(g, y)
		packFactor(buf, theta, f)
		return nil
	})
	if err != nil {
		return nil, nil, err
	}
	theta, f := unpackFactor(buf, n)
	if !f.Cholesky {
		l.stats.pinvFallbacks++
		l.logger.Debug("cholesky failed, using pseudo-inverse", "dim", n, "log_det_inv", f.LogDetInv)
	}
	return theta, f, nil
}

// packFactor lays out [cholesky flag, log|G⁻¹|, weights, n×n matrix].
func packFactor(buf, theta []float64, f *Factor) {
	n := len(theta)
	if f.Cholesky {
		buf[0] = 1
	}
	buf[1] = f.LogDetInv
	copy(buf[2:], theta)
	m := buf[2+n:]
	for i := 0; i < n; i++ {
		for j := 0; j < n; j++ {
			if f.Cholesky {
				m[i*n+j] = f.LInv.At(i, j)
			} else {
				m[i*n+j] = f.PInv.At(i, j)
			}
		}
	}
}

func unpackFactor(buf []float64, n int) ([]float64, *Factor) {
	theta := make([]float64, n)
	copy(theta, buf[2:2+n])
	data := make([]float64, n*n)
	copy(data, buf[2+n:])
	f := &Factor{Cholesky: buf[0] != 0, LogDetInv: buf[1]}
	if n == 0 {
		f.Cholesky = false
		f.PInv = &mat.SymDense{}
		return theta, f
	}
	if f.Cholesky {
		f.LInv = mat.NewTriDense(n, mat.Lower, data)
	} else {
		f.PInv = mat.NewSymDense(n, data)
	}
	return theta, f
}
