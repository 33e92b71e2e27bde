// Package scoring computes the overlap metrics used to evaluate scored
// bundles against reference anatomy: volumetric overlap of a bundle's voxel
// footprint with a reference mask, and directional overlap measuring how
// well the bundle's local fiber directions agree with a reference peak
// field inside that mask.
package scoring

import (
	"io"
	"math"

	"github.com/golang/geo/r3"
	"github.com/sirupsen/logrus"

	"tractscore/pkg/peaks"
	"tractscore/pkg/tractogram"
)

// Overlap is one best-reference record: the winning metric value, the
// companion metric measured against the same reference, and the reference
// index. Index -1 means no reference exceeded zero.
type Overlap struct {
	Value     float64
	Companion float64
	Index     int
}

// Score holds the two independently tracked best references of a bundle.
// A bundle can overlap one reference best volumetrically and a different
// one best directionally; both signals are reported.
type Score struct {
	BestVolumetric  Overlap
	BestDirectional Overlap
}

// DefaultAngularThreshold is the maximum angle, in degrees, between a fiber
// segment and a reference peak for the segment to count as aligned.
const DefaultAngularThreshold = 25.0

// Scorer evaluates bundles against reference masks and peak fields.
type Scorer struct {
	// AngularThreshold is the directional agreement threshold in degrees.
	AngularThreshold float64

	log logrus.FieldLogger
}

// NewScorer creates a scorer with the given angular threshold in degrees.
// A non-positive threshold selects the default.
func NewScorer(angularThreshold float64, log logrus.FieldLogger) *Scorer {
	if angularThreshold <= 0 {
		angularThreshold = DefaultAngularThreshold
	}
	if log == nil {
		l := logrus.New()
		l.SetOutput(io.Discard)
		log = l
	}
	return &Scorer{AngularThreshold: angularThreshold, log: log}
}

// ScoreOverlap computes the bundle's overlap against every reference and
// returns the best volumetric and best directional matches, tracked
// separately. When refPeaks is index-aligned with masks (equal counts),
// both metrics are computed jointly per reference; otherwise only the
// volumetric metric is available and the directional best stays at index
// -1. References whose peak grid does not match their mask grid are
// skipped. The function is pure with respect to its inputs.
func (s *Scorer) ScoreOverlap(bundle *tractogram.Bundle, masks []*peaks.Mask, refPeaks []*peaks.Field) Score {
	score := Score{
		BestVolumetric:  Overlap{Index: -1},
		BestDirectional: Overlap{Index: -1},
	}
	withPeaks := len(refPeaks) == len(masks) && len(refPeaks) > 0

	for i, mask := range masks {
		if withPeaks && !refPeaks[i].SameGridAsMask(mask) {
			s.log.WithField("reference", i).Warn("reference peak grid does not match its mask, skipping")
			continue
		}
		var volumetric, directional float64
		if withPeaks {
			directional, volumetric = s.directionalOverlap(bundle, mask, refPeaks[i])
			if directional > score.BestDirectional.Value {
				score.BestDirectional = Overlap{Value: directional, Companion: volumetric, Index: i}
			}
		} else {
			volumetric = s.volumetricOverlap(bundle, mask)
		}
		if volumetric > score.BestVolumetric.Value {
			score.BestVolumetric = Overlap{Value: volumetric, Companion: directional, Index: i}
		}
	}
	return score
}

// volumetricOverlap returns the fraction of the bundle's segments whose
// midpoint falls inside the mask. Zero-length segments carry no direction
// and are excluded, matching directionalOverlap.
func (s *Scorer) volumetricOverlap(bundle *tractogram.Bundle, mask *peaks.Mask) float64 {
	total, inside := 0, 0
	for fi := range bundle.Fibers {
		fiber := &bundle.Fibers[fi]
		for seg := 0; seg < fiber.NumSegments(); seg++ {
			if fiber.Points[seg+1].Sub(fiber.Points[seg]).Norm() == 0 {
				continue
			}
			total++
			x, y, z := segmentVoxel(fiber, seg)
			if mask.Inside(x, y, z) {
				inside++
			}
		}
	}
	if total == 0 {
		return 0
	}
	return float64(inside) / float64(total)
}

// directionalOverlap returns (directional, volumetric). Volumetric is the
// fraction of the bundle's segments inside the mask. Directional is the
// fraction of those in-mask segments that align with one of the reference
// peaks within the angular threshold, so a thin but well-oriented bundle
// can score high directionally against one reference while overlapping a
// different reference best volumetrically.
func (s *Scorer) directionalOverlap(bundle *tractogram.Bundle, mask *peaks.Mask, ref *peaks.Field) (float64, float64) {
	maxAngle := s.AngularThreshold * math.Pi / 180
	total, inside, aligned := 0, 0, 0
	for fi := range bundle.Fibers {
		fiber := &bundle.Fibers[fi]
		for seg := 0; seg < fiber.NumSegments(); seg++ {
			d := fiber.Points[seg+1].Sub(fiber.Points[seg])
			if d.Norm() == 0 {
				continue
			}
			total++
			x, y, z := segmentVoxel(fiber, seg)
			if !mask.Inside(x, y, z) {
				continue
			}
			inside++
			if segmentAligned(d, ref, x, y, z, maxAngle) {
				aligned++
			}
		}
	}
	if total == 0 || inside == 0 {
		return 0, 0
	}
	return float64(aligned) / float64(inside), float64(inside) / float64(total)
}

// segmentVoxel returns the voxel containing the midpoint of segment seg.
func segmentVoxel(fiber *tractogram.Fiber, seg int) (int, int, int) {
	mid := fiber.Points[seg].Add(fiber.Points[seg+1]).Mul(0.5)
	return int(math.Floor(mid.X)), int(math.Floor(mid.Y)), int(math.Floor(mid.Z))
}

// segmentAligned reports whether the segment direction agrees with any
// reference peak of the voxel within maxAngle. Peaks are sign-invariant.
func segmentAligned(d r3.Vector, ref *peaks.Field, x, y, z int, maxAngle float64) bool {
	if !ref.InBounds(x, y, z) {
		return false
	}
	dir := d.Normalize()
	for slot := 0; slot < ref.PeaksPerVoxel; slot++ {
		p := ref.Peak(x, y, z, slot)
		n := p.Norm()
		if n < 1e-12 {
			continue
		}
		cos := math.Abs(dir.Dot(p.Mul(1 / n)))
		if cos > 1 {
			cos = 1
		}
		if math.Acos(cos) <= maxAngle {
			return true
		}
	}
	return false
}
