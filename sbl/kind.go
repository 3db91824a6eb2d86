package sbl

import (
	"fmt"
	"math"
	"strings"

	"gopkg.in/yaml.v3"
)

// Kind selects how amplitudes and weights are represented.
type Kind int

const (
	// Real fits log|amplitude| with real weights.
	Real Kind = iota
	// Complex fits the complex log-amplitude with one precision per complex
	// weight. The Hermitian system is solved through its real embedding.
	Complex
	// ComplexExpand splits every complex weight into independent real and
	// imaginary parts, each with its own precision.
	ComplexExpand
)

func (k Kind) String() string {
	switch k {
	case Real:
		return "real"
	case Complex:
		return "complex"
	case ComplexExpand:
		return "complex-expand"
	}
	return fmt.Sprintf("Kind(%d)", int(k))
}

// ParseKind parses the names returned by Kind.String.
func ParseKind(s string) (Kind, error) {
	switch strings.ToLower(strings.TrimSpace(s)) {
	case "real":
		return Real, nil
	case "complex":
		return Complex, nil
	case "complex-expand", "complex_expand", "expand":
		return ComplexExpand, nil
	}
	return 0, fmt.Errorf("%w: %q", ErrKind, s)
}

// UnmarshalYAML implements yaml.Unmarshaler.
func (k *Kind) UnmarshalYAML(value *yaml.Node) error {
	var s string
	if err := value.Decode(&s); err != nil {
		return err
	}
	parsed, err := ParseKind(s)
	if err != nil {
		return err
	}
	*k = parsed
	return nil
}

// MarshalYAML implements yaml.Marshaler.
func (k Kind) MarshalYAML() (any, error) {
	return k.String(), nil
}

func (k Kind) valid() bool {
	return k == Real || k == Complex || k == ComplexExpand
}

func (k Kind) isComplex() bool { return k != Real }

// precisions per m features.
func (k Kind) precCount(m int) int {
	if k == ComplexExpand {
		return 2 * m
	}
	return m
}

// real system dimension per m features.
func (k Kind) sysCount(m int) int {
	if k == Real {
		return m
	}
	return 2 * m
}

// precScale converts a stored precision into the diagonal entry of the
// regularized system.
func (k Kind) precScale() float64 {
	if k == ComplexExpand {
		return 0.5
	}
	return 1
}

// detScale weights log|G^-1| of the real system in the evidence.
func (k Kind) detScale() float64 {
	if k == Real {
		return 1
	}
	return 0.5
}

func (k Kind) priorScale() float64 {
	if k == ComplexExpand {
		return 0.5
	}
	return 1
}

// quality scales |Q|^2 in the greedy evidence changes.
func (k Kind) quality() float64 {
	if k == ComplexExpand {
		return 2
	}
	return 1
}

// logNorm is the per-sample Gaussian normalisation.
func (k Kind) logNorm() float64 {
	if k == Real {
		return math.Log(2 * math.Pi)
	}
	return math.Log(math.Pi)
}

// evidenceScale is the overall factor applied to the evidence and its
// derivatives.
func (k Kind) evidenceScale() float64 {
	if k == Real {
		return 0.5
	}
	return 1
}
