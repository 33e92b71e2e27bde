package fitting

import (
	"math"
	"testing"
)

// testContext builds a penalty context with two bundles of two variables
// each and one shared voxel.
func testContext() penaltyContext {
	return penaltyContext{
		lambda:    0.5,
		groups:    []int{0, 0, 1, 1},
		numGroups: 2,
		voxelVars: [][]int{{0, 1, 2}, {2, 3}},
	}
}

// TestPenaltyGradientsMatchValues verifies each regularizer's analytic
// gradient against a central finite difference of its value function.
func TestPenaltyGradientsMatchValues(t *testing.T) {
	kinds := []Regularization{
		RegMSM, RegVariance, RegVoxelVariance, RegLasso, RegGroupLasso, RegGroupVariance,
	}
	w := []float64{0.5, 1.5, 2.0, 0.25}
	const h = 1e-6

	for _, kind := range kinds {
		pen := newPenalty(kind, testContext())

		grad := make([]float64, len(w))
		pen.addGradient(w, grad)

		for i := range w {
			plus := append([]float64(nil), w...)
			minus := append([]float64(nil), w...)
			plus[i] += h
			minus[i] -= h
			numeric := (pen.value(plus) - pen.value(minus)) / (2 * h)

			if math.Abs(numeric-grad[i]) > 1e-4 {
				t.Errorf("%v: gradient component %d: analytic %f vs numeric %f",
					kind, i, grad[i], numeric)
			}
		}
	}
}

// TestPenaltyValuesNonNegative verifies all penalties are non-negative for
// non-negative weights.
func TestPenaltyValuesNonNegative(t *testing.T) {
	kinds := []Regularization{
		RegNone, RegMSM, RegVariance, RegVoxelVariance, RegLasso, RegGroupLasso, RegGroupVariance,
	}
	weights := [][]float64{
		{0, 0, 0, 0},
		{1, 1, 1, 1},
		{0.1, 2.5, 0, 3},
	}
	for _, kind := range kinds {
		pen := newPenalty(kind, testContext())
		for _, w := range weights {
			if v := pen.value(w); v < 0 {
				t.Errorf("%v: expected non-negative penalty, got %f for %v", kind, v, w)
			}
		}
	}
}

// TestUniformWeightsZeroVariancePenalties verifies the variance-based
// penalties vanish for uniform weights.
func TestUniformWeightsZeroVariancePenalties(t *testing.T) {
	w := []float64{1.5, 1.5, 1.5, 1.5}
	for _, kind := range []Regularization{RegVariance, RegVoxelVariance, RegGroupVariance} {
		pen := newPenalty(kind, testContext())
		if v := pen.value(w); v != 0 {
			t.Errorf("%v: expected zero penalty for uniform weights, got %f", kind, v)
		}
		grad := make([]float64, len(w))
		pen.addGradient(w, grad)
		for i, g := range grad {
			if g != 0 {
				t.Errorf("%v: expected zero gradient component %d, got %f", kind, i, g)
			}
		}
	}
}
