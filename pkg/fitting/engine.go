// Package fitting implements the linear fitting engine at the heart of the
// plausibility scoring pipeline: it maps per-fiber (or per-bundle) weights to
// predicted contributions in each voxel's peak directions and solves the
// resulting non-negative regularized least-squares problem against the
// observed peak field. The greedy forward selection over candidate bundles
// builds on top of single-bundle fits.
package fitting

import (
	"errors"
	"fmt"
	"io"
	"math"
	"sort"

	"github.com/sirupsen/logrus"
	"gonum.org/v1/gonum/floats"
	"gonum.org/v1/gonum/mat"
	"gonum.org/v1/gonum/stat"

	"tractscore/pkg/peaks"
	"tractscore/pkg/tractogram"
)

// ErrEmptyInput indicates that a fit was requested with no fibers at all.
var ErrEmptyInput = errors.New("no fibers to fit")

// coveredThreshold is the minimum fitted contribution for a (voxel, peak)
// observation to count as a covered direction.
const coveredThreshold = 1e-4

// Options controls a single fit invocation.
type Options struct {
	// Regularization selects the penalty term added to the objective.
	Regularization Regularization

	// Lambda scales the regularization penalty. Ignored for RegNone.
	Lambda float64

	// FilterOutliers enables a second solve with the weights bounded above
	// by the 99th percentile of the first-pass weight distribution, which
	// suppresses runaway outlier contributions.
	FilterOutliers bool

	// FitPerFiber makes every individual fiber a separate regression
	// variable. When false, each bundle contributes a single variable.
	FitPerFiber bool

	// MaxIterations bounds the projected gradient solver.
	MaxIterations int

	// Tolerance is the relative weight-change threshold for convergence.
	Tolerance float64
}

// DefaultOptions returns the solver defaults used throughout the pipeline.
func DefaultOptions() Options {
	return Options{
		Regularization: RegNone,
		Lambda:         0.1,
		MaxIterations:  1000,
		Tolerance:      1e-8,
	}
}

// Result holds the output of one fit invocation.
type Result struct {
	// Weights is the fitted weight per regression variable, in bundle order
	// (and fiber order within each bundle when fitting per fiber). All
	// entries are non-negative.
	Weights []float64

	// RMSE is the root-mean-square residual over the considered
	// (voxel, peak) observations.
	RMSE float64

	// RMSDiffPerBundle is the root-mean-square of each bundle's individual
	// fitted contribution, one entry per input bundle.
	RMSDiffPerBundle []float64

	// Residual is the underexplained peak field: the observed field minus
	// the fitted contributions, on the full grid. Never nil on success.
	Residual *peaks.Field

	// CoveredDirections counts the observations where the fit explains a
	// nonzero direction.
	CoveredDirections int
}

// matrixEntry is one nonzero design-matrix coefficient.
type matrixEntry struct {
	col int
	val float64
}

// rowRef ties a design-matrix row back to its (voxel, peak slot) location
// so the residual field can be reconstructed after solving.
type rowRef struct {
	x, y, z, slot int
	mag           float64
}

// designSystem is the sparse least-squares system for one fit: one row per
// (voxel, peak slot) observation touched by at least one fiber segment, one
// column per regression variable.
type designSystem struct {
	rows      [][]matrixEntry
	b         []float64
	refs      []rowRef
	numVars   int
	groups    []int
	numGroups int
	voxelVars [][]int
	frobSq    float64
}

// mulVec computes A·w.
func (s *designSystem) mulVec(w []float64) []float64 {
	out := make([]float64, len(s.rows))
	for r, row := range s.rows {
		var sum float64
		for _, e := range row {
			sum += e.val * w[e.col]
		}
		out[r] = sum
	}
	return out
}

// mulTransVec computes Aᵀ·v.
func (s *designSystem) mulTransVec(v []float64) []float64 {
	out := make([]float64, s.numVars)
	for r, row := range s.rows {
		vr := v[r]
		for _, e := range row {
			out[e.col] += e.val * vr
		}
	}
	return out
}

type rowKey struct {
	voxel int
	slot  int
}

// buildSystem constructs the design matrix for the given field and bundles.
// Each fiber segment contributes its length-weighted alignment with the
// best-matching peak of the voxel its midpoint falls into. Segments in
// voxels without any peak still produce a zero-target row, so fibers running
// through empty tissue are penalized rather than ignored; these rows enter
// the objective and the RMSE numerator but never the RMSE denominator. Every
// observed peak inside the mask also gets a row even when no fiber touches
// it, so unexplained signal raises the RMSE.
func buildSystem(field *peaks.Field, bundles []*tractogram.Bundle, mask *peaks.Mask, fitPerFiber bool) *designSystem {
	numVars := 0
	for _, b := range bundles {
		if fitPerFiber {
			numVars += b.NumFibers()
		} else {
			numVars++
		}
	}

	var keys []rowKey
	accum := make(map[rowKey]map[int]float64)
	voxelVarSets := make(map[int]map[int]struct{})

	varIdx := 0
	groups := make([]int, 0, numVars)
	for bi, bundle := range bundles {
		for fi := range bundle.Fibers {
			col := varIdx
			fiber := &bundle.Fibers[fi]
			for s := 0; s < fiber.NumSegments(); s++ {
				p0 := fiber.Points[s]
				p1 := fiber.Points[s+1]
				d := p1.Sub(p0)
				segLen := d.Norm()
				if segLen == 0 {
					continue
				}
				dir := d.Mul(1 / segLen)

				mid := p0.Add(p1).Mul(0.5)
				x := int(math.Floor(mid.X))
				y := int(math.Floor(mid.Y))
				z := int(math.Floor(mid.Z))
				if !field.InBounds(x, y, z) {
					continue
				}
				if mask != nil && !mask.Inside(x, y, z) {
					continue
				}

				// Match the segment to the best-aligned peak slot.
				bestSlot := -1
				bestDot := 0.0
				for slot := 0; slot < field.PeaksPerVoxel; slot++ {
					p := field.Peak(x, y, z, slot)
					n := p.Norm()
					if n < 1e-12 {
						continue
					}
					dot := math.Abs(dir.Dot(p.Mul(1 / n)))
					if dot > bestDot {
						bestDot = dot
						bestSlot = slot
					}
				}

				voxel := field.VoxelIndex(x, y, z)
				var key rowKey
				var val float64
				if bestSlot < 0 {
					// No peak in this voxel; full-length zero-target row.
					key = rowKey{voxel: voxel, slot: 0}
					val = segLen
				} else {
					key = rowKey{voxel: voxel, slot: bestSlot}
					val = bestDot * segLen
				}

				cols, ok := accum[key]
				if !ok {
					cols = make(map[int]float64)
					accum[key] = cols
					keys = append(keys, key)
				}
				cols[col] += val

				set, ok := voxelVarSets[voxel]
				if !ok {
					set = make(map[int]struct{})
					voxelVarSets[voxel] = set
				}
				set[col] = struct{}{}
			}
			if fitPerFiber {
				groups = append(groups, bi)
				varIdx++
			}
		}
		if !fitPerFiber {
			groups = append(groups, bi)
			varIdx++
		}
	}

	// Rows for every observed peak inside the mask, covered or not.
	for z := 0; z < field.NZ; z++ {
		for y := 0; y < field.NY; y++ {
			for x := 0; x < field.NX; x++ {
				if mask != nil && !mask.Inside(x, y, z) {
					continue
				}
				voxel := field.VoxelIndex(x, y, z)
				for slot := 0; slot < field.PeaksPerVoxel; slot++ {
					if field.Peak(x, y, z, slot).Norm() < 1e-12 {
						continue
					}
					key := rowKey{voxel: voxel, slot: slot}
					if _, ok := accum[key]; !ok {
						accum[key] = make(map[int]float64)
						keys = append(keys, key)
					}
				}
			}
		}
	}

	// Deterministic row ordering.
	sort.Slice(keys, func(i, j int) bool {
		if keys[i].voxel != keys[j].voxel {
			return keys[i].voxel < keys[j].voxel
		}
		return keys[i].slot < keys[j].slot
	})

	sys := &designSystem{
		rows:      make([][]matrixEntry, len(keys)),
		b:         make([]float64, len(keys)),
		refs:      make([]rowRef, len(keys)),
		numVars:   numVars,
		groups:    groups,
		numGroups: len(bundles),
	}
	for r, key := range keys {
		voxel := key.voxel
		x := voxel % field.NX
		y := (voxel / field.NX) % field.NY
		z := voxel / (field.NX * field.NY)
		mag := field.Peak(x, y, z, key.slot).Norm()
		if mag < 1e-12 {
			mag = 0
		}
		sys.b[r] = mag
		sys.refs[r] = rowRef{x: x, y: y, z: z, slot: key.slot, mag: mag}

		cols := accum[key]
		row := make([]matrixEntry, 0, len(cols))
		colIdxs := make([]int, 0, len(cols))
		for c := range cols {
			colIdxs = append(colIdxs, c)
		}
		sort.Ints(colIdxs)
		for _, c := range colIdxs {
			row = append(row, matrixEntry{col: c, val: cols[c]})
			sys.frobSq += cols[c] * cols[c]
		}
		sys.rows[r] = row
	}

	// Per-voxel variable lists for the voxel-variance penalty.
	voxels := make([]int, 0, len(voxelVarSets))
	for v := range voxelVarSets {
		voxels = append(voxels, v)
	}
	sort.Ints(voxels)
	for _, v := range voxels {
		set := voxelVarSets[v]
		vars := make([]int, 0, len(set))
		for c := range set {
			vars = append(vars, c)
		}
		sort.Ints(vars)
		sys.voxelVars = append(sys.voxelVars, vars)
	}

	return sys
}

// Fit solves the non-negative regularized least-squares problem mapping the
// given bundles onto the observed peak field and attaches the fitted weights
// to the bundles' fibers. The input field is never modified; the residual
// field in the result is a fresh instance.
func Fit(field *peaks.Field, bundles []*tractogram.Bundle, mask *peaks.Mask, opts Options, log logrus.FieldLogger) (*Result, error) {
	log = ensureLogger(log)

	if mask != nil && !field.SameGridAsMask(mask) {
		return nil, fmt.Errorf("peak field %dx%dx%d vs mask %dx%dx%d: %w",
			field.NX, field.NY, field.NZ, mask.NX, mask.NY, mask.NZ,
			peaks.ErrDimensionMismatch)
	}
	totalFibers := 0
	for _, b := range bundles {
		totalFibers += b.NumFibers()
	}
	if totalFibers == 0 {
		return nil, ErrEmptyInput
	}
	if opts.MaxIterations <= 0 {
		opts.MaxIterations = DefaultOptions().MaxIterations
	}
	if opts.Tolerance <= 0 {
		opts.Tolerance = DefaultOptions().Tolerance
	}

	sys := buildSystem(field, bundles, mask, opts.FitPerFiber)
	log.WithFields(logrus.Fields{
		"rows": len(sys.rows),
		"vars": sys.numVars,
		"regu": opts.Regularization.String(),
	}).Debug("built fit system")

	if len(sys.rows) == 0 {
		// Nothing the bundles can explain; all weights stay zero.
		res := &Result{
			Weights:          make([]float64, sys.numVars),
			RMSDiffPerBundle: make([]float64, len(bundles)),
			Residual:         field.Clone(),
		}
		attachWeights(bundles, res.Weights, opts.FitPerFiber)
		return res, nil
	}

	lambda := opts.Lambda
	if opts.Regularization == RegNone {
		lambda = 0
	}
	pen := newPenalty(opts.Regularization, penaltyContext{
		lambda:    lambda,
		groups:    sys.groups,
		numGroups: sys.numGroups,
		voxelVars: sys.voxelVars,
	})

	weights := solveBounded(sys, pen, opts, math.Inf(1), log)

	if opts.FilterOutliers {
		positive := make([]float64, 0, len(weights))
		for _, w := range weights {
			if w > 0 {
				positive = append(positive, w)
			}
		}
		if len(positive) > 1 {
			sort.Float64s(positive)
			upper := stat.Quantile(0.99, stat.Empirical, positive, nil)
			log.WithField("upper", upper).Debug("outlier filtering second pass")
			weights = solveBounded(sys, pen, opts, upper, log)
		}
	}

	attachWeights(bundles, weights, opts.FitPerFiber)

	fitted := sys.mulVec(weights)

	// The RMSE numerator accumulates every row's residual, including the
	// fitted weight spent in peak-less voxels, but the denominator counts
	// only the observed rows. Zero-target rows depend on where a
	// candidate's fibers run; letting them grow the denominator would
	// dilute the RMSE of candidates crossing empty tissue and make fits of
	// different candidates against the same field incomparable.
	res := &Result{Weights: weights}
	var sq float64
	observed := 0
	for r := range fitted {
		d := sys.b[r] - fitted[r]
		sq += d * d
		if sys.refs[r].mag > 0 {
			observed++
			if fitted[r] > coveredThreshold {
				res.CoveredDirections++
			}
		}
	}
	if observed > 0 {
		res.RMSE = math.Sqrt(sq / float64(observed))
	}

	res.RMSDiffPerBundle = bundleRMSDiffs(sys, weights, len(bundles))
	res.Residual = subtractFitted(field, sys, fitted)

	log.WithFields(logrus.Fields{
		"rmse":    res.RMSE,
		"covered": res.CoveredDirections,
	}).Debug("fit complete")
	return res, nil
}

// attachWeights writes the fitted weights back onto the bundles: one weight
// per fiber when fitting per fiber, otherwise the bundle's single weight is
// assigned to each of its fibers.
func attachWeights(bundles []*tractogram.Bundle, weights []float64, fitPerFiber bool) {
	idx := 0
	for _, b := range bundles {
		if fitPerFiber {
			for fi := range b.Fibers {
				b.SetFiberWeight(fi, weights[idx])
				idx++
			}
		} else {
			for fi := range b.Fibers {
				b.SetFiberWeight(fi, weights[idx])
			}
			idx++
		}
	}
}

// bundleRMSDiffs computes the root-mean-square of each bundle's own fitted
// contribution over all considered rows.
func bundleRMSDiffs(sys *designSystem, weights []float64, numBundles int) []float64 {
	sums := make([]float64, numBundles)
	contrib := make([]float64, numBundles)
	for _, row := range sys.rows {
		for i := range contrib {
			contrib[i] = 0
		}
		for _, e := range row {
			contrib[sys.groups[e.col]] += e.val * weights[e.col]
		}
		for g, c := range contrib {
			sums[g] += c * c
		}
	}
	out := make([]float64, numBundles)
	n := float64(len(sys.rows))
	for g := range out {
		out[g] = math.Sqrt(sums[g] / n)
	}
	return out
}

// subtractFitted builds the residual field: for every considered row, the
// fitted magnitude is removed along the observed peak direction. Rows with
// no observed peak have nothing to subtract. Negative residuals are kept.
func subtractFitted(field *peaks.Field, sys *designSystem, fitted []float64) *peaks.Field {
	out := field.Clone()
	for r, ref := range sys.refs {
		if ref.mag == 0 || fitted[r] == 0 {
			continue
		}
		p := out.Peak(ref.x, ref.y, ref.z, ref.slot)
		scale := 1 - fitted[r]/ref.mag
		out.SetPeak(ref.x, ref.y, ref.z, ref.slot, p.Mul(scale))
	}
	return out
}

// solveBounded minimizes ‖Aw−b‖² + λR(w) subject to 0 ≤ w ≤ upper using
// projected Barzilai-Borwein gradient steps. If the iteration produces a
// non-finite state, which happens only on severely ill-conditioned systems,
// it falls back to a ridge-regularized normal-equations solve instead of
// failing.
func solveBounded(sys *designSystem, pen penalty, opts Options, upper float64, log logrus.FieldLogger) []float64 {
	n := sys.numVars
	w := make([]float64, n)

	gradient := func(wv []float64) []float64 {
		r := sys.mulVec(wv)
		floats.Sub(r, sys.b)
		g := sys.mulTransVec(r)
		floats.Scale(2, g)
		pen.addGradient(wv, g)
		return g
	}

	// 1/(2‖A‖_F²) is a safe underestimate of the inverse Lipschitz constant
	// of the smooth part.
	alpha0 := 1.0
	if sys.frobSq > 0 {
		alpha0 = 1.0 / (2 * sys.frobSq)
	}
	alpha := alpha0

	g := gradient(w)
	wNew := make([]float64, n)
	for it := 0; it < opts.MaxIterations; it++ {
		for i := range w {
			v := w[i] - alpha*g[i]
			if v < 0 {
				v = 0
			} else if v > upper {
				v = upper
			}
			wNew[i] = v
		}

		var stepSq, wNorm float64
		for i := range w {
			d := wNew[i] - w[i]
			stepSq += d * d
			wNorm += w[i] * w[i]
		}
		if math.Sqrt(stepSq) <= opts.Tolerance*math.Max(1, math.Sqrt(wNorm)) {
			copy(w, wNew)
			break
		}

		gNew := gradient(wNew)

		var ss, sy float64
		for i := range w {
			dw := wNew[i] - w[i]
			dg := gNew[i] - g[i]
			ss += dw * dw
			sy += dw * dg
		}
		if sy > 1e-14 {
			alpha = ss / sy
		} else {
			alpha = alpha0
		}

		copy(w, wNew)
		g = gNew

		if !floatsFinite(w) {
			log.Warn("projected gradient diverged, falling back to regularized normal equations")
			return solveNormalEquations(sys, upper)
		}
	}
	if !floatsFinite(w) {
		log.Warn("non-finite weights after solve, falling back to regularized normal equations")
		return solveNormalEquations(sys, upper)
	}
	return w
}

// solveNormalEquations solves (AᵀA + ridge·I)w = Aᵀb with QR, increasing the
// ridge on failure, and clamps the solution into [0, upper]. Mirrors the
// stabilized solve used for ill-conditioned interpolation systems.
func solveNormalEquations(sys *designSystem, upper float64) []float64 {
	n := sys.numVars
	normal := mat.NewDense(n, n, nil)
	for _, row := range sys.rows {
		for _, e1 := range row {
			for _, e2 := range row {
				normal.Set(e1.col, e2.col, normal.At(e1.col, e2.col)+e1.val*e2.val)
			}
		}
	}
	rhs := sys.mulTransVec(sys.b)

	for _, ridge := range []float64{1e-6, 1e-3, 1e-1} {
		a := mat.DenseCopyOf(normal)
		for i := 0; i < n; i++ {
			a.Set(i, i, a.At(i, i)+ridge)
		}
		var qr mat.QR
		qr.Factorize(a)
		x := mat.NewDense(n, 1, nil)
		if err := qr.SolveTo(x, false, mat.NewVecDense(n, rhs)); err != nil {
			continue
		}
		out := make([]float64, n)
		finite := true
		for i := 0; i < n; i++ {
			v := x.At(i, 0)
			if math.IsNaN(v) || math.IsInf(v, 0) {
				finite = false
				break
			}
			if v < 0 {
				v = 0
			} else if v > upper {
				v = upper
			}
			out[i] = v
		}
		if finite {
			return out
		}
	}
	// Every solve failed; report no explained signal rather than garbage.
	return make([]float64, n)
}

func floatsFinite(v []float64) bool {
	for _, x := range v {
		if math.IsNaN(x) || math.IsInf(x, 0) {
			return false
		}
	}
	return true
}

// ensureLogger returns a discard logger when the caller passes nil, so the
// engine never has to guard its log statements.
func ensureLogger(log logrus.FieldLogger) logrus.FieldLogger {
	if log != nil {
		return log
	}
	l := logrus.New()
	l.SetOutput(io.Discard)
	return l
}
