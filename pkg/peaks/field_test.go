package peaks

import (
	"errors"
	"math"
	"path/filepath"
	"testing"

	"github.com/golang/geo/r3"
)

// TestNewField verifies that a fresh field has the requested dimensions and
// all-zero peaks.
func TestNewField(t *testing.T) {
	f := NewField(4, 5, 6, 3)

	if f.NX != 4 || f.NY != 5 || f.NZ != 6 {
		t.Errorf("Expected dimensions 4x5x6, got %dx%dx%d", f.NX, f.NY, f.NZ)
	}
	if f.PeaksPerVoxel != 3 {
		t.Errorf("Expected 3 peaks per voxel, got %d", f.PeaksPerVoxel)
	}
	if len(f.Data) != 4*5*6*3*3 {
		t.Errorf("Expected %d data values, got %d", 4*5*6*3*3, len(f.Data))
	}
	if f.SquaredNorm() != 0 {
		t.Errorf("Expected zero field, got squared norm %f", f.SquaredNorm())
	}
}

// TestPeakRoundTrip verifies that SetPeak/Peak store and retrieve vectors at
// the right voxel and slot.
func TestPeakRoundTrip(t *testing.T) {
	f := NewField(3, 3, 3, 2)
	want := r3.Vector{X: 0.5, Y: -1.5, Z: 2.0}
	f.SetPeak(1, 2, 0, 1, want)

	got := f.Peak(1, 2, 0, 1)
	if got != want {
		t.Errorf("Expected peak %v, got %v", want, got)
	}

	// The other slot of the same voxel must stay empty
	if f.Peak(1, 2, 0, 0).Norm() != 0 {
		t.Errorf("Expected empty slot 0, got %v", f.Peak(1, 2, 0, 0))
	}
}

// TestSubtract verifies elementwise residual computation and that negative
// components are preserved.
func TestSubtract(t *testing.T) {
	a := NewField(2, 2, 2, 1)
	b := NewField(2, 2, 2, 1)
	a.SetPeak(0, 0, 0, 0, r3.Vector{X: 1})
	b.SetPeak(0, 0, 0, 0, r3.Vector{X: 3})

	res, err := a.Subtract(b)
	if err != nil {
		t.Fatalf("Subtract failed: %v", err)
	}
	got := res.Peak(0, 0, 0, 0)
	if got.X != -2 {
		t.Errorf("Expected residual x component -2, got %f", got.X)
	}

	// The inputs must be untouched
	if a.Peak(0, 0, 0, 0).X != 1 || b.Peak(0, 0, 0, 0).X != 3 {
		t.Error("Subtract modified its inputs")
	}
}

// TestSubtractDimensionMismatch verifies that grid-mismatched fields are
// rejected.
func TestSubtractDimensionMismatch(t *testing.T) {
	a := NewField(2, 2, 2, 1)
	b := NewField(3, 2, 2, 1)

	if _, err := a.Subtract(b); !errors.Is(err, ErrDimensionMismatch) {
		t.Errorf("Expected ErrDimensionMismatch, got %v", err)
	}
}

// TestFlip verifies per-axis component negation produces a new instance.
func TestFlip(t *testing.T) {
	f := NewField(2, 2, 2, 1)
	f.SetPeak(1, 1, 1, 0, r3.Vector{X: 1, Y: 2, Z: 3})

	flipped := f.Flip(true, false, true)
	got := flipped.Peak(1, 1, 1, 0)
	want := r3.Vector{X: -1, Y: 2, Z: -3}
	if got != want {
		t.Errorf("Expected flipped peak %v, got %v", want, got)
	}
	if f.Peak(1, 1, 1, 0).X != 1 {
		t.Error("Flip modified the original field")
	}
}

// TestMaskInside verifies inside checks including out-of-bounds coordinates.
func TestMaskInside(t *testing.T) {
	m := NewMask(3, 3, 3)
	m.Set(1, 1, 1, true)

	if !m.Inside(1, 1, 1) {
		t.Error("Expected voxel (1,1,1) inside the mask")
	}
	if m.Inside(0, 0, 0) {
		t.Error("Expected voxel (0,0,0) outside the mask")
	}
	if m.Inside(-1, 0, 0) || m.Inside(3, 0, 0) {
		t.Error("Expected out-of-bounds coordinates to be outside")
	}
	if m.NumSet() != 1 {
		t.Errorf("Expected 1 set voxel, got %d", m.NumSet())
	}
}

// TestFieldSaveLoad verifies the npy round trip preserves dimensions and
// peak data.
func TestFieldSaveLoad(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "peaks.npy")

	f := NewField(3, 4, 5, 2)
	f.SetPeak(2, 3, 4, 1, r3.Vector{X: 0.25, Y: -0.5, Z: 1.0})
	if err := f.Save(path); err != nil {
		t.Fatalf("Save failed: %v", err)
	}

	loaded, err := LoadField(path)
	if err != nil {
		t.Fatalf("LoadField failed: %v", err)
	}
	if !loaded.SameGrid(f) {
		t.Fatalf("Expected grid %dx%dx%dx%d, got %dx%dx%dx%d",
			f.NX, f.NY, f.NZ, f.PeaksPerVoxel,
			loaded.NX, loaded.NY, loaded.NZ, loaded.PeaksPerVoxel)
	}
	got := loaded.Peak(2, 3, 4, 1)
	if math.Abs(got.X-0.25) > 1e-12 || math.Abs(got.Y+0.5) > 1e-12 || math.Abs(got.Z-1.0) > 1e-12 {
		t.Errorf("Expected peak (0.25,-0.5,1.0), got %v", got)
	}
}

// TestMaskSaveLoad verifies the npy round trip for masks.
func TestMaskSaveLoad(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "mask.npy")

	m := NewMask(4, 3, 2)
	m.Set(3, 2, 1, true)
	if err := m.Save(path); err != nil {
		t.Fatalf("Save failed: %v", err)
	}

	loaded, err := LoadMask(path)
	if err != nil {
		t.Fatalf("LoadMask failed: %v", err)
	}
	if loaded.NX != 4 || loaded.NY != 3 || loaded.NZ != 2 {
		t.Errorf("Expected dimensions 4x3x2, got %dx%dx%d", loaded.NX, loaded.NY, loaded.NZ)
	}
	if !loaded.Inside(3, 2, 1) {
		t.Error("Expected voxel (3,2,1) set after round trip")
	}
	if loaded.NumSet() != 1 {
		t.Errorf("Expected 1 set voxel, got %d", loaded.NumSet())
	}
}

// TestLoadFieldMissing verifies the load error taxonomy.
func TestLoadFieldMissing(t *testing.T) {
	if _, err := LoadField("/nonexistent/peaks.npy"); !errors.Is(err, ErrLoad) {
		t.Errorf("Expected ErrLoad, got %v", err)
	}
}
