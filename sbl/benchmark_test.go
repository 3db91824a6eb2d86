package sbl

import (
	"testing"
)

// BenchmarkFitStep measures a full fit step with the precision fixed point
func BenchmarkFitStep(b *testing.B) {
	for _, kind := range allKinds {
		b.Run(kind.String(), func(b *testing.B) {
			eps, confs, targets := testProblem(b, 101, kind, 256)
			l, err := NewLearner(eps, WithKind(kind))
			if err != nil {
				b.Fatalf("Failed to create learner: %v", err)
			}

			b.ResetTimer()
			b.ReportAllocs()

			for i := 0; i < b.N; i++ {
				if err := l.FitStep(confs, targets, testRefSites, WithOptNoise(false), WithMaxAlphaIterations(20)); err != nil {
					b.Fatalf("FitStep failed: %v", err)
				}
			}
		})
	}
}

// BenchmarkNoiseOptimisation measures the nested noise search
func BenchmarkNoiseOptimisation(b *testing.B) {
	eps, confs, targets := testProblem(b, 102, Complex, 256)
	l, err := NewLearner(eps, WithKind(Complex))
	if err != nil {
		b.Fatalf("Failed to create learner: %v", err)
	}

	b.ResetTimer()
	b.ReportAllocs()

	for i := 0; i < b.N; i++ {
		if err := l.FitStep(confs, targets, testRefSites, WithMaxNoiseIterations(10), WithMaxAlphaIterations(10)); err != nil {
			b.Fatalf("FitStep failed: %v", err)
		}
	}
}

// BenchmarkGreedyStep measures one Tipping-Faul move
func BenchmarkGreedyStep(b *testing.B) {
	eps, confs, targets := testProblem(b, 103, ComplexExpand, 256)
	l, err := NewLearner(eps, WithKind(ComplexExpand), WithInitAlpha(DefaultAlphaCutoff))
	if err != nil {
		b.Fatalf("Failed to create learner: %v", err)
	}
	if err := l.SetupFit(confs, targets, testRefSites); err != nil {
		b.Fatalf("SetupFit failed: %v", err)
	}
	if err := l.seed(); err != nil {
		b.Fatalf("seed failed: %v", err)
	}

	b.ResetTimer()
	b.ReportAllocs()

	for i := 0; i < b.N; i++ {
		if _, err := l.GreedyStep(); err != nil {
			b.Fatalf("GreedyStep failed: %v", err)
		}
	}
}
