// Package peaks provides the voxel-grid data structures used throughout the
// plausibility scoring pipeline: the 4D peak field holding the dominant local
// fiber directions extracted from diffusion MRI, and the binary mask that
// restricts which voxels participate in fitting and scoring.
package peaks

import (
	"errors"
	"fmt"

	"github.com/golang/geo/r3"
	"github.com/kshedden/gonpy"
)

// ErrLoad indicates that an input file could not be read or parsed.
var ErrLoad = errors.New("load failed")

// ErrDimensionMismatch indicates that two voxel grids that must be aligned
// (field vs field, or field vs mask) have different dimensions.
var ErrDimensionMismatch = errors.New("voxel grid dimension mismatch")

// Field is a 4D peak image: per voxel a fixed number of peak slots, each
// holding a 3D direction vector scaled by its magnitude. A zero vector means
// the slot is empty. The data is stored flat in z-major voxel order
// (z, then y, then x), with the peak slot and vector component innermost,
// matching the on-disk npy layout.
//
// Fields are treated as immutable once produced by a pipeline stage:
// transforms like Subtract and Flip return fresh instances.
type Field struct {
	// NX, NY, NZ are the voxel grid dimensions.
	NX, NY, NZ int

	// PeaksPerVoxel is the fixed number of peak slots per voxel.
	PeaksPerVoxel int

	// Data holds NX*NY*NZ*PeaksPerVoxel*3 float64 values.
	Data []float64
}

// NewField allocates a zeroed peak field with the given grid dimensions and
// number of peak slots per voxel.
func NewField(nx, ny, nz, peaksPerVoxel int) *Field {
	return &Field{
		NX:            nx,
		NY:            ny,
		NZ:            nz,
		PeaksPerVoxel: peaksPerVoxel,
		Data:          make([]float64, nx*ny*nz*peaksPerVoxel*3),
	}
}

// VoxelIndex returns the linear voxel index for the given coordinates.
func (f *Field) VoxelIndex(x, y, z int) int {
	return (z*f.NY+y)*f.NX + x
}

// InBounds reports whether the voxel coordinates lie inside the grid.
func (f *Field) InBounds(x, y, z int) bool {
	return x >= 0 && x < f.NX && y >= 0 && y < f.NY && z >= 0 && z < f.NZ
}

func (f *Field) offset(x, y, z, slot int) int {
	return (f.VoxelIndex(x, y, z)*f.PeaksPerVoxel + slot) * 3
}

// Peak returns the peak vector (direction scaled by magnitude) stored in the
// given slot of the given voxel.
func (f *Field) Peak(x, y, z, slot int) r3.Vector {
	o := f.offset(x, y, z, slot)
	return r3.Vector{X: f.Data[o], Y: f.Data[o+1], Z: f.Data[o+2]}
}

// SetPeak stores a peak vector in the given slot of the given voxel.
func (f *Field) SetPeak(x, y, z, slot int, v r3.Vector) {
	o := f.offset(x, y, z, slot)
	f.Data[o] = v.X
	f.Data[o+1] = v.Y
	f.Data[o+2] = v.Z
}

// SameGrid reports whether two fields share dimensions and peak count.
func (f *Field) SameGrid(other *Field) bool {
	return f.NX == other.NX && f.NY == other.NY && f.NZ == other.NZ &&
		f.PeaksPerVoxel == other.PeaksPerVoxel
}

// SameGridAsMask reports whether the field and mask voxel grids agree.
func (f *Field) SameGridAsMask(m *Mask) bool {
	return f.NX == m.NX && f.NY == m.NY && f.NZ == m.NZ
}

// Clone returns a deep copy of the field.
func (f *Field) Clone() *Field {
	out := NewField(f.NX, f.NY, f.NZ, f.PeaksPerVoxel)
	copy(out.Data, f.Data)
	return out
}

// Subtract returns a new field holding the elementwise difference f - other
// per peak slot. Negative components are kept as-is; the residual of a fit
// is allowed to undershoot. Fails with ErrDimensionMismatch if the grids
// differ.
func (f *Field) Subtract(other *Field) (*Field, error) {
	if !f.SameGrid(other) {
		return nil, fmt.Errorf("subtract %dx%dx%dx%d from %dx%dx%dx%d: %w",
			other.NX, other.NY, other.NZ, other.PeaksPerVoxel,
			f.NX, f.NY, f.NZ, f.PeaksPerVoxel, ErrDimensionMismatch)
	}
	out := NewField(f.NX, f.NY, f.NZ, f.PeaksPerVoxel)
	for i := range f.Data {
		out.Data[i] = f.Data[i] - other.Data[i]
	}
	return out, nil
}

// Flip returns a new field with the selected vector components negated in
// every peak of every voxel. This corrects sign-flipped peak images produced
// by tools with differing axis conventions.
func (f *Field) Flip(flipX, flipY, flipZ bool) *Field {
	out := f.Clone()
	for i := 0; i < len(out.Data); i += 3 {
		if flipX {
			out.Data[i] = -out.Data[i]
		}
		if flipY {
			out.Data[i+1] = -out.Data[i+1]
		}
		if flipZ {
			out.Data[i+2] = -out.Data[i+2]
		}
	}
	return out
}

// SquaredNorm returns the sum of squared components over the whole field.
// Used as a cheap diagnostic for how much signal a residual still carries.
func (f *Field) SquaredNorm() float64 {
	var sum float64
	for _, v := range f.Data {
		sum += v * v
	}
	return sum
}

// Mask is a binary voxel mask on the same z-major grid layout as Field.
// Nonzero values mark voxels that are inside the mask.
type Mask struct {
	NX, NY, NZ int
	Data       []uint8
}

// NewMask allocates a zeroed mask with the given dimensions.
func NewMask(nx, ny, nz int) *Mask {
	return &Mask{NX: nx, NY: ny, NZ: nz, Data: make([]uint8, nx*ny*nz)}
}

// Inside reports whether the voxel is inside the mask. Out-of-bounds
// coordinates are outside.
func (m *Mask) Inside(x, y, z int) bool {
	if x < 0 || x >= m.NX || y < 0 || y >= m.NY || z < 0 || z >= m.NZ {
		return false
	}
	return m.Data[(z*m.NY+y)*m.NX+x] != 0
}

// Set marks or clears a voxel.
func (m *Mask) Set(x, y, z int, inside bool) {
	idx := (z*m.NY + y) * m.NX
	idx += x
	if inside {
		m.Data[idx] = 1
	} else {
		m.Data[idx] = 0
	}
}

// NumSet returns the number of voxels inside the mask.
func (m *Mask) NumSet() int {
	n := 0
	for _, v := range m.Data {
		if v != 0 {
			n++
		}
	}
	return n
}

// LoadField reads a peak field from an npy file with shape
// (NZ, NY, NX, peaks, 3).
func LoadField(path string) (*Field, error) {
	r, err := gonpy.NewFileReader(path)
	if err != nil {
		return nil, fmt.Errorf("%w: peak field %s: %v", ErrLoad, path, err)
	}
	if len(r.Shape) != 5 || r.Shape[4] != 3 {
		return nil, fmt.Errorf("%w: peak field %s: expected 5D shape (z,y,x,peaks,3), got %v",
			ErrLoad, path, r.Shape)
	}
	data, err := r.GetFloat64()
	if err != nil {
		return nil, fmt.Errorf("%w: peak field %s: %v", ErrLoad, path, err)
	}
	return &Field{
		NX:            r.Shape[2],
		NY:            r.Shape[1],
		NZ:            r.Shape[0],
		PeaksPerVoxel: r.Shape[3],
		Data:          data,
	}, nil
}

// Save writes the field to an npy file with shape (NZ, NY, NX, peaks, 3).
func (f *Field) Save(path string) error {
	w, err := gonpy.NewFileWriter(path)
	if err != nil {
		return fmt.Errorf("save peak field %s: %w", path, err)
	}
	w.Shape = []int{f.NZ, f.NY, f.NX, f.PeaksPerVoxel, 3}
	if err := w.WriteFloat64(f.Data); err != nil {
		return fmt.Errorf("save peak field %s: %w", path, err)
	}
	return nil
}

// LoadMask reads a binary mask from an npy file with shape (NZ, NY, NX).
func LoadMask(path string) (*Mask, error) {
	r, err := gonpy.NewFileReader(path)
	if err != nil {
		return nil, fmt.Errorf("%w: mask %s: %v", ErrLoad, path, err)
	}
	if len(r.Shape) != 3 {
		return nil, fmt.Errorf("%w: mask %s: expected 3D shape, got %v", ErrLoad, path, r.Shape)
	}
	data, err := r.GetUint8()
	if err != nil {
		return nil, fmt.Errorf("%w: mask %s: %v", ErrLoad, path, err)
	}
	return &Mask{NX: r.Shape[2], NY: r.Shape[1], NZ: r.Shape[0], Data: data}, nil
}

// Save writes the mask to an npy file with shape (NZ, NY, NX).
func (m *Mask) Save(path string) error {
	w, err := gonpy.NewFileWriter(path)
	if err != nil {
		return fmt.Errorf("save mask %s: %w", path, err)
	}
	w.Shape = []int{m.NZ, m.NY, m.NX}
	if err := w.WriteUint8(m.Data); err != nil {
		return fmt.Errorf("save mask %s: %w", path, err)
	}
	return nil
}
