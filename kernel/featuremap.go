// Package kernel builds the design matrix of a factorized feature map over a
// batch of discrete configurations and keeps it up to date while the caller
// moves reference sites and rewrites feature-map slices.
package kernel

import (
	"fmt"
)

// FeatureMap holds the factorized feature tensor epsilon[v][w][j] for local
// value v, feature group w and site j. Real problems keep the imaginary parts
// at zero.
//
// Every write through Set bumps a version counter for its (group, site) pair.
// The kernel cache compares these counters against the ones it observed to
// decide whether cached site products are still valid.
type FeatureMap struct {
	localDim int
	groups   int
	sites    int
	data     []complex128
	versions []uint64
}

// NewFeatureMap creates a feature map of the given shape. If data is nil the
// map is filled with ones, otherwise data is copied and must hold
// localDim*groups*sites values laid out as [localDim][groups][sites].
func NewFeatureMap(localDim, groups, sites int, data []complex128) (*FeatureMap, error) {
	if localDim <= 0 || groups <= 0 || sites <= 0 {
		return nil, fmt.Errorf("%w: feature map dimensions must be positive, got %dx%dx%d",
			ErrShape, localDim, groups, sites)
	}
	n := localDim * groups * sites
	f := &FeatureMap{
		localDim: localDim,
		groups:   groups,
		sites:    sites,
		data:     make([]complex128, n),
		versions: make([]uint64, groups*sites),
	}
	if data == nil {
		for i := range f.data {
			f.data[i] = 1
		}
		return f, nil
	}
	if len(data) != n {
		return nil, fmt.Errorf("%w: feature map data length %d != %d", ErrShape, len(data), n)
	}
	copy(f.data, data)
	return f, nil
}

// Dims returns the local dimension, the number of feature groups and the
// number of sites.
func (f *FeatureMap) Dims() (localDim, groups, sites int) {
	return f.localDim, f.groups, f.sites
}

// Features returns the number of features per reference site (groups*localDim).
func (f *FeatureMap) Features() int {
	return f.groups * f.localDim
}

func (f *FeatureMap) index(v, w, j int) int {
	return (v*f.groups+w)*f.sites + j
}

// At returns epsilon[v][w][j].
func (f *FeatureMap) At(v, w, j int) complex128 {
	return f.data[f.index(v, w, j)]
}

// Set writes epsilon[v][w][j] and marks the (w, j) slice as changed.
func (f *FeatureMap) Set(v, w, j int, x complex128) {
	f.data[f.index(v, w, j)] = x
	f.versions[w*f.sites+j]++
}

// Version returns the write counter of the (w, j) slice.
func (f *FeatureMap) Version(w, j int) uint64 {
	return f.versions[w*f.sites+j]
}

// Data returns a copy of the raw tensor in [localDim][groups][sites] order.
func (f *FeatureMap) Data() []complex128 {
	out := make([]complex128, len(f.data))
	copy(out, f.data)
	return out
}

// Clone returns an independent copy with fresh version counters.
func (f *FeatureMap) Clone() *FeatureMap {
	c, _ := NewFeatureMap(f.localDim, f.groups, f.sites, f.data)
	return c
}
