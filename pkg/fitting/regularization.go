package fitting

import (
	"fmt"
	"math"

	"gonum.org/v1/gonum/stat"
)

// Regularization selects the penalty term R(w) added to the least-squares
// objective. Each kind has exactly one strategy implementation; adding a
// regularizer means adding one constant and one entry to the dispatch table.
type Regularization int

const (
	// RegNone disables regularization.
	RegNone Regularization = iota

	// RegMSM penalizes the mean squared weight magnitude (ridge-like).
	RegMSM

	// RegVariance penalizes the variance of all weights, pushing the fit
	// toward uniform contributions.
	RegVariance

	// RegVoxelVariance penalizes, per voxel, the variance of the weights of
	// the fibers crossing that voxel.
	RegVoxelVariance

	// RegLasso penalizes the L1 norm of the weights, promoting sparsity.
	RegLasso

	// RegGroupLasso penalizes the bundle-grouped L2 norms, promoting
	// sparsity at the bundle level.
	RegGroupLasso

	// RegGroupVariance penalizes within-bundle weight variance.
	RegGroupVariance
)

var reguNames = map[string]Regularization{
	"NONE":          RegNone,
	"MSM":           RegMSM,
	"Variance":      RegVariance,
	"VoxelVariance": RegVoxelVariance,
	"Lasso":         RegLasso,
	"GroupLasso":    RegGroupLasso,
	"GroupVariance": RegGroupVariance,
}

// ParseRegularization maps the command-line regularizer name to its enum
// value. The empty string means NONE.
func ParseRegularization(name string) (Regularization, error) {
	if name == "" {
		return RegNone, nil
	}
	r, ok := reguNames[name]
	if !ok {
		return RegNone, fmt.Errorf("unknown regularization %q", name)
	}
	return r, nil
}

// String returns the command-line name of the regularization kind.
func (r Regularization) String() string {
	for name, v := range reguNames {
		if v == r {
			return name
		}
	}
	return "NONE"
}

// penalty computes the value of λ·R(w) and accumulates λ·∇R(w) into grad.
// Implementations may rely on w being elementwise non-negative.
type penalty interface {
	value(w []float64) float64
	addGradient(w, grad []float64)
}

// penaltyContext carries the structural information the group and voxel
// penalties need: which bundle each variable belongs to and which variables
// cross each voxel row group.
type penaltyContext struct {
	lambda float64
	// groups[i] is the bundle index of variable i.
	groups []int
	// numGroups is the number of bundles.
	numGroups int
	// voxelVars lists, per covered voxel, the variables with nonzero
	// support in that voxel.
	voxelVars [][]int
}

// newPenalty builds the strategy for the requested kind. The dispatch table
// is the single place where regularization kinds branch.
func newPenalty(kind Regularization, ctx penaltyContext) penalty {
	switch kind {
	case RegMSM:
		return msmPenalty{ctx}
	case RegVariance:
		return variancePenalty{ctx}
	case RegVoxelVariance:
		return voxelVariancePenalty{ctx}
	case RegLasso:
		return lassoPenalty{ctx}
	case RegGroupLasso:
		return groupLassoPenalty{ctx}
	case RegGroupVariance:
		return groupVariancePenalty{ctx}
	default:
		return nonePenalty{}
	}
}

type nonePenalty struct{}

func (nonePenalty) value([]float64) float64          { return 0 }
func (nonePenalty) addGradient([]float64, []float64) {}

type msmPenalty struct{ ctx penaltyContext }

func (p msmPenalty) value(w []float64) float64 {
	var sum float64
	for _, v := range w {
		sum += v * v
	}
	return p.ctx.lambda * sum / float64(len(w))
}

func (p msmPenalty) addGradient(w, grad []float64) {
	scale := 2 * p.ctx.lambda / float64(len(w))
	for i, v := range w {
		grad[i] += scale * v
	}
}

type variancePenalty struct{ ctx penaltyContext }

func (p variancePenalty) value(w []float64) float64 {
	return p.ctx.lambda * sampleVariance(w)
}

func (p variancePenalty) addGradient(w, grad []float64) {
	n := float64(len(w))
	if n < 2 {
		return
	}
	mean := stat.Mean(w, nil)
	scale := 2 * p.ctx.lambda / (n - 1)
	for i, v := range w {
		grad[i] += scale * (v - mean)
	}
}

type voxelVariancePenalty struct{ ctx penaltyContext }

func (p voxelVariancePenalty) value(w []float64) float64 {
	if len(p.ctx.voxelVars) == 0 {
		return 0
	}
	var sum float64
	buf := make([]float64, 0, 16)
	for _, vars := range p.ctx.voxelVars {
		buf = buf[:0]
		for _, i := range vars {
			buf = append(buf, w[i])
		}
		sum += sampleVariance(buf)
	}
	return p.ctx.lambda * sum / float64(len(p.ctx.voxelVars))
}

func (p voxelVariancePenalty) addGradient(w, grad []float64) {
	if len(p.ctx.voxelVars) == 0 {
		return
	}
	outer := 2 * p.ctx.lambda / float64(len(p.ctx.voxelVars))
	for _, vars := range p.ctx.voxelVars {
		n := float64(len(vars))
		if n < 2 {
			continue
		}
		var mean float64
		for _, i := range vars {
			mean += w[i]
		}
		mean /= n
		for _, i := range vars {
			grad[i] += outer * (w[i] - mean) / (n - 1)
		}
	}
}

type lassoPenalty struct{ ctx penaltyContext }

func (p lassoPenalty) value(w []float64) float64 {
	// Weights are non-negative, so the L1 norm is a plain sum.
	var sum float64
	for _, v := range w {
		sum += v
	}
	return p.ctx.lambda * sum / float64(len(w))
}

func (p lassoPenalty) addGradient(w, grad []float64) {
	scale := p.ctx.lambda / float64(len(w))
	for i := range w {
		grad[i] += scale
	}
}

type groupLassoPenalty struct{ ctx penaltyContext }

func (p groupLassoPenalty) groupNorms(w []float64) ([]float64, []float64) {
	norms := make([]float64, p.ctx.numGroups)
	sizes := make([]float64, p.ctx.numGroups)
	for i, v := range w {
		g := p.ctx.groups[i]
		norms[g] += v * v
		sizes[g]++
	}
	for g := range norms {
		norms[g] = math.Sqrt(norms[g])
	}
	return norms, sizes
}

func (p groupLassoPenalty) value(w []float64) float64 {
	norms, sizes := p.groupNorms(w)
	var sum float64
	for g, n := range norms {
		sum += math.Sqrt(sizes[g]) * n
	}
	return p.ctx.lambda * sum
}

func (p groupLassoPenalty) addGradient(w, grad []float64) {
	norms, sizes := p.groupNorms(w)
	for i, v := range w {
		g := p.ctx.groups[i]
		if norms[g] < 1e-12 {
			continue
		}
		grad[i] += p.ctx.lambda * math.Sqrt(sizes[g]) * v / norms[g]
	}
}

type groupVariancePenalty struct{ ctx penaltyContext }

func (p groupVariancePenalty) groupStats(w []float64) ([]float64, []float64) {
	sums := make([]float64, p.ctx.numGroups)
	counts := make([]float64, p.ctx.numGroups)
	for i, v := range w {
		g := p.ctx.groups[i]
		sums[g] += v
		counts[g]++
	}
	for g := range sums {
		if counts[g] > 0 {
			sums[g] /= counts[g]
		}
	}
	return sums, counts
}

func (p groupVariancePenalty) value(w []float64) float64 {
	if p.ctx.numGroups == 0 {
		return 0
	}
	means, counts := p.groupStats(w)
	variances := make([]float64, p.ctx.numGroups)
	for i, v := range w {
		g := p.ctx.groups[i]
		d := v - means[g]
		variances[g] += d * d
	}
	var sum float64
	for g := range variances {
		if counts[g] > 1 {
			sum += variances[g] / (counts[g] - 1)
		}
	}
	return p.ctx.lambda * sum / float64(p.ctx.numGroups)
}

func (p groupVariancePenalty) addGradient(w, grad []float64) {
	if p.ctx.numGroups == 0 {
		return
	}
	means, counts := p.groupStats(w)
	outer := 2 * p.ctx.lambda / float64(p.ctx.numGroups)
	for i, v := range w {
		g := p.ctx.groups[i]
		if counts[g] < 2 {
			continue
		}
		grad[i] += outer * (v - means[g]) / (counts[g] - 1)
	}
}

// sampleVariance guards stat.Variance against the degenerate single-sample
// case, which gonum reports as NaN.
func sampleVariance(w []float64) float64 {
	if len(w) < 2 {
		return 0
	}
	return stat.Variance(w, nil)
}
