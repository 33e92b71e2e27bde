// Package tractogram provides the streamline bundle data structure: ordered
// collections of 3D fiber polylines with per-fiber weights and optional
// colors, plus the voxel-footprint rasterization used for overlap scoring.
//
// Fiber points live in voxel coordinates of the peak-field grid; callers are
// responsible for resampling bundles into that space before fitting.
package tractogram

import (
	"encoding/json"
	"fmt"
	"math"
	"os"
	"path/filepath"
	"sort"
	"strings"

	"github.com/golang/geo/r3"

	"tractscore/pkg/peaks"
)

// Fiber is a single streamline: an ordered sequence of 3D points and a
// scalar weight. The weight is attached by fitting and defaults to 1.0.
type Fiber struct {
	Points []r3.Vector `json:"points"`
	Weight float64     `json:"weight"`
}

// UnmarshalJSON defaults the weight to 1.0 when the field is absent, so
// hand-written candidate files without weights behave like freshly loaded
// tractograms. An explicit zero weight is preserved.
func (f *Fiber) UnmarshalJSON(data []byte) error {
	var aux struct {
		Points []r3.Vector `json:"points"`
		Weight *float64    `json:"weight"`
	}
	if err := json.Unmarshal(data, &aux); err != nil {
		return err
	}
	f.Points = aux.Points
	f.Weight = 1.0
	if aux.Weight != nil {
		f.Weight = *aux.Weight
	}
	return nil
}

// NumSegments returns the number of line segments in the fiber.
func (f *Fiber) NumSegments() int {
	if len(f.Points) < 2 {
		return 0
	}
	return len(f.Points) - 1
}

// Color is an RGB annotation attached to a fiber.
type Color struct {
	R uint8 `json:"r"`
	G uint8 `json:"g"`
	B uint8 `json:"b"`
}

// Bundle is an ordered set of fibers. Fitting attaches weights without
// reordering or dropping fibers; filtering returns a copy.
type Bundle struct {
	// Name identifies the bundle, typically the source filename without
	// extension. It is carried into report records and output filenames.
	Name string `json:"name"`

	// Fibers holds the streamlines in load order.
	Fibers []Fiber `json:"fibers"`

	// Colors optionally holds one RGB annotation per fiber. Either empty or
	// the same length as Fibers.
	Colors []Color `json:"colors,omitempty"`
}

// NewBundle creates an empty bundle with the given name.
func NewBundle(name string) *Bundle {
	return &Bundle{Name: name}
}

// NumFibers returns the number of fibers in the bundle.
func (b *Bundle) NumFibers() int {
	return len(b.Fibers)
}

// FiberWeight returns the weight of fiber i.
func (b *Bundle) FiberWeight(i int) float64 {
	return b.Fibers[i].Weight
}

// SetFiberWeight assigns a weight to fiber i. Negative weights are clamped
// to zero; fitted weights are non-negative by construction and inputs must
// satisfy the same invariant.
func (b *Bundle) SetFiberWeight(i int, w float64) {
	if w < 0 {
		w = 0
	}
	b.Fibers[i].Weight = w
}

// WeightSum returns the sum of all fiber weights.
func (b *Bundle) WeightSum() float64 {
	var sum float64
	for i := range b.Fibers {
		sum += b.Fibers[i].Weight
	}
	return sum
}

// FilterByWeight returns a copy of the bundle containing only the fibers
// whose weight is strictly greater than min. Retained fibers keep their
// weight, color and relative order. The receiver is not modified.
func (b *Bundle) FilterByWeight(min float64) *Bundle {
	out := NewBundle(b.Name)
	for i := range b.Fibers {
		if b.Fibers[i].Weight > min {
			out.Fibers = append(out.Fibers, b.Fibers[i])
			if len(b.Colors) == len(b.Fibers) {
				out.Colors = append(out.Colors, b.Colors[i])
			}
		}
	}
	return out
}

// Merge returns a new bundle containing the receiver's fibers followed by
// the fibers of each argument, in order. Colors are carried when every
// participating bundle has them.
func (b *Bundle) Merge(others ...*Bundle) *Bundle {
	all := append([]*Bundle{b}, others...)
	colored := true
	for _, bb := range all {
		if len(bb.Colors) != len(bb.Fibers) {
			colored = false
			break
		}
	}
	out := NewBundle(b.Name)
	for _, bb := range all {
		out.Fibers = append(out.Fibers, bb.Fibers...)
		if colored {
			out.Colors = append(out.Colors, bb.Colors...)
		}
	}
	return out
}

// SetUniformColor assigns the same RGB color to every fiber.
func (b *Bundle) SetUniformColor(r, g, bl uint8) {
	b.Colors = make([]Color, len(b.Fibers))
	for i := range b.Colors {
		b.Colors[i] = Color{R: r, G: g, B: bl}
	}
}

// ColorByOrientation colors each fiber by its mean segment direction,
// mapping |dx|,|dy|,|dz| of the normalized mean direction to RGB. Fibers
// with fewer than two points get black.
func (b *Bundle) ColorByOrientation() {
	b.Colors = make([]Color, len(b.Fibers))
	for i := range b.Fibers {
		f := &b.Fibers[i]
		var mean r3.Vector
		for s := 0; s < f.NumSegments(); s++ {
			d := f.Points[s+1].Sub(f.Points[s])
			// Align segment directions before averaging so antiparallel
			// segments do not cancel.
			if d.Dot(mean) < 0 {
				d = d.Mul(-1)
			}
			mean = mean.Add(d)
		}
		if mean.Norm() == 0 {
			continue
		}
		mean = mean.Normalize()
		b.Colors[i] = Color{
			R: uint8(math.Abs(mean.X) * 255),
			G: uint8(math.Abs(mean.Y) * 255),
			B: uint8(math.Abs(mean.Z) * 255),
		}
	}
}

// ColorByWeights colors each fiber on a black-to-red ramp scaled by the
// maximum weight in the bundle. With all-zero weights every fiber is black.
func (b *Bundle) ColorByWeights() {
	var max float64
	for i := range b.Fibers {
		if b.Fibers[i].Weight > max {
			max = b.Fibers[i].Weight
		}
	}
	b.Colors = make([]Color, len(b.Fibers))
	if max == 0 {
		return
	}
	for i := range b.Fibers {
		v := b.Fibers[i].Weight / max
		b.Colors[i] = Color{R: uint8(v * 255)}
	}
}

// DensityMask rasterizes the bundle into a binary voxel mask on the given
// grid: a voxel is set if any fiber segment's midpoint falls inside it.
func (b *Bundle) DensityMask(nx, ny, nz int) *peaks.Mask {
	m := peaks.NewMask(nx, ny, nz)
	for i := range b.Fibers {
		f := &b.Fibers[i]
		for s := 0; s < f.NumSegments(); s++ {
			mid := f.Points[s].Add(f.Points[s+1]).Mul(0.5)
			x, y, z := int(math.Floor(mid.X)), int(math.Floor(mid.Y)), int(math.Floor(mid.Z))
			if x >= 0 && x < nx && y >= 0 && y < ny && z >= 0 && z < nz {
				m.Set(x, y, z, true)
			}
		}
	}
	return m
}

// NumCoveredVoxels returns the number of voxels of the given grid covered
// by the bundle's footprint.
func (b *Bundle) NumCoveredVoxels(nx, ny, nz int) int {
	return b.DensityMask(nx, ny, nz).NumSet()
}

// LoadBundle reads a bundle from its JSON container file. Fibers with a
// missing weight field default to 1.0.
func LoadBundle(path string) (*Bundle, error) {
	raw, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("%w: bundle %s: %v", peaks.ErrLoad, path, err)
	}
	var b Bundle
	if err := json.Unmarshal(raw, &b); err != nil {
		return nil, fmt.Errorf("%w: bundle %s: %v", peaks.ErrLoad, path, err)
	}
	if b.Name == "" {
		base := filepath.Base(path)
		b.Name = strings.TrimSuffix(base, filepath.Ext(base))
	}
	return &b, nil
}

// Save writes the bundle, including weights and colors, to a JSON file.
func (b *Bundle) Save(path string) error {
	raw, err := json.MarshalIndent(b, "", " ")
	if err != nil {
		return fmt.Errorf("save bundle %s: %w", path, err)
	}
	if err := os.WriteFile(path, raw, 0644); err != nil {
		return fmt.Errorf("save bundle %s: %w", path, err)
	}
	return nil
}

// ListBundleFiles returns the files in dir whose extension matches one of
// exts (e.g. ".json"), sorted lexicographically for deterministic candidate
// ordering.
func ListBundleFiles(dir string, exts []string) ([]string, error) {
	entries, err := os.ReadDir(dir)
	if err != nil {
		return nil, fmt.Errorf("%w: candidate folder %s: %v", peaks.ErrLoad, dir, err)
	}
	var files []string
	for _, e := range entries {
		if e.IsDir() {
			continue
		}
		ext := filepath.Ext(e.Name())
		for _, want := range exts {
			if ext == want {
				files = append(files, filepath.Join(dir, e.Name()))
				break
			}
		}
	}
	sort.Strings(files)
	return files, nil
}
