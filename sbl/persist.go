package sbl

import (
	"encoding/gob"
	"fmt"
	"io"

	"github.com/n0madic/go-sparse-bayes/kernel"
)

const stateVersion = 1

// State is the serializable hyperparameter state of a Learner. The feature
// map itself belongs to the caller and is not part of it.
type State struct {
	Version    int       `gob:"version"`
	Config     Config    `gob:"config"`
	LocalDim   int       `gob:"local_dim"`
	Groups     int       `gob:"groups"`
	Sites      int       `gob:"sites"`
	AlphaMat   []float64 `gob:"alpha_mat"` // [sites][precisions]
	RefSites   []int     `gob:"ref_sites"`
	Generalize bool      `gob:"generalized_linear"`
}

// Save serializes the precisions, the noise and the settings to gob format.
func (l *Learner) Save(w io.Writer) error {
	state := State{
		Version:    stateVersion,
		Config:     l.config(),
		LocalDim:   l.localDim,
		Groups:     l.groups,
		Sites:      l.sites,
		AlphaMat:   append([]float64(nil), l.alphaMat...),
		RefSites:   l.RefSites(),
		Generalize: l.newGLMMethod != nil,
	}
	return gob.NewEncoder(w).Encode(state)
}

// Load restores a learner over eps from a state written by Save. Options are
// applied after the stored settings; a generalized linear learner gets the
// default Newton method unless opts set another one.
func Load(r io.Reader, eps *kernel.FeatureMap, opts ...Option) (*Learner, error) {
	var state State
	if err := gob.NewDecoder(r).Decode(&state); err != nil {
		return nil, err
	}
	if state.Version != stateVersion {
		return nil, fmt.Errorf("%w: %d", ErrVersion, state.Version)
	}
	if eps == nil {
		return nil, fmt.Errorf("%w: nil feature map", ErrShape)
	}
	localDim, groups, sites := eps.Dims()
	if localDim != state.LocalDim || groups != state.Groups || sites != state.Sites {
		return nil, fmt.Errorf("%w: state for %dx%dx%d feature map, got %dx%dx%d",
			ErrShape, state.LocalDim, state.Groups, state.Sites, localDim, groups, sites)
	}

	all := []Option{WithConfig(state.Config)}
	if state.Generalize {
		all = append(all, WithGeneralizedLinear(nil))
	}
	l, err := NewLearner(eps, append(all, opts...)...)
	if err != nil {
		return nil, err
	}
	if len(state.AlphaMat) != len(l.alphaMat) {
		return nil, fmt.Errorf("%w: %d stored precisions, want %d", ErrShape, len(state.AlphaMat), len(l.alphaMat))
	}
	copy(l.alphaMat, state.AlphaMat)
	if state.RefSites != nil {
		if err := l.SetRefSites(state.RefSites); err != nil {
			return nil, err
		}
	}
	return l, nil
}
