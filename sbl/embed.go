package sbl

import (
	"gonum.org/v1/gonum/mat"
)

// EmbedHermitian embeds the n×n Hermitian matrix a (row-major) into the real
// symmetric 2n×2n matrix
//
//	[[Re a, -Im a],
//	 [Im a,  Re a]]
//
// Solving the embedded system against SplitComplex(y) yields
// SplitComplex(a⁻¹y), and its determinant is |det a|².
func EmbedHermitian(a []complex128, n int) *mat.SymDense {
	if len(a) != n*n {
		panic(mat.ErrShape)
	}
	e := mat.NewSymDense(2*n, nil)
	for i := 0; i < n; i++ {
		for j := i; j < n; j++ {
			v := a[i*n+j]
			e.SetSym(i, j, real(v))
			e.SetSym(n+i, n+j, real(v))
		}
		for j := 0; j < n; j++ {
			e.SetSym(i, n+j, -imag(a[i*n+j]))
		}
	}
	return e
}

// RealPart returns the real symmetric part of the n×n matrix a.
func RealPart(a []complex128, n int) *mat.SymDense {
	if len(a) != n*n {
		panic(mat.ErrShape)
	}
	r := mat.NewSymDense(n, nil)
	for i := 0; i < n; i++ {
		for j := i; j < n; j++ {
			r.SetSym(i, j, real(a[i*n+j]))
		}
	}
	return r
}

// SplitComplex returns [Re y; Im y].
func SplitComplex(y []complex128) []float64 {
	n := len(y)
	out := make([]float64, 2*n)
	for i, v := range y {
		out[i] = real(v)
		out[n+i] = imag(v)
	}
	return out
}

// JoinComplex is the inverse of SplitComplex.
func JoinComplex(x []float64) []complex128 {
	n := len(x) / 2
	out := make([]complex128, n)
	for i := range out {
		out[i] = complex(x[i], x[n+i])
	}
	return out
}
