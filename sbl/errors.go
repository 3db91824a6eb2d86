package sbl

import "errors"

var (
	// ErrShape reports mismatched input lengths or tensor shapes.
	ErrShape = errors.New("sbl: shape mismatch")
	// ErrNotSetUp reports an operation that needs a prior SetupFit.
	ErrNotSetUp = errors.New("sbl: fit not set up")
	// ErrUnsupported reports an operation the configured mode does not provide.
	ErrUnsupported = errors.New("sbl: unsupported in this mode")
	// ErrKind reports an unknown value kind or one incompatible with the feature map.
	ErrKind = errors.New("sbl: invalid value kind")
	// ErrConfig reports an invalid configuration value.
	ErrConfig = errors.New("sbl: invalid configuration")
	// ErrVersion reports an unsupported persisted state version.
	ErrVersion = errors.New("sbl: unsupported state version")
)
