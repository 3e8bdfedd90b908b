package normalization

import (
	"math"
	"testing"

	"github.com/google/go-cmp/cmp"
	"github.com/google/go-cmp/cmp/cmpopts"

	"focalfield/internal/models"
)

// TestNormalizeRange verifies the affine map and the sentinel
func TestNormalizeRange(t *testing.T) {
	field := models.NewPressureField(models.Shape{1, 2, 3})
	copy(field.Data, []float64{0, 2, 4, 6, 0, 3})

	norm, err := Normalize(field)
	if err != nil {
		t.Fatalf("Normalization failed: %v", err)
	}

	want := []float64{Sentinel, 0, 0.5, 1, Sentinel, 0.25}
	if diff := cmp.Diff(want, norm.Values, cmpopts.EquateApprox(0, 1e-12)); diff != "" {
		t.Errorf("Normalized values mismatch (-want +got):\n%s", diff)
	}
	if norm.Min != 2 || norm.Max != 6 {
		t.Errorf("Expected range [2, 6], got [%f, %f]", norm.Min, norm.Max)
	}
	if norm.Degenerate {
		t.Errorf("Expected non-degenerate normalization")
	}
}

// TestNormalizeBounds checks that all values lie in {-0.1} ∪ [0,1] and the
// maximum voxel maps to exactly 1
func TestNormalizeBounds(t *testing.T) {
	shape := models.Shape{5, 5, 5}
	field := models.NewPressureField(shape)
	for i := range field.Data {
		if i%4 == 0 {
			continue
		}
		field.Data[i] = 0.01 + math.Abs(math.Sin(float64(i)))
	}

	norm, err := Normalize(field)
	if err != nil {
		t.Fatalf("Normalization failed: %v", err)
	}

	maxOffset := 0
	for i, v := range field.Data {
		if v > field.Data[maxOffset] {
			maxOffset = i
		}
	}

	for i, v := range norm.Values {
		if v != Sentinel && (v < 0 || v > 1) {
			t.Errorf("Value %f at offset %d outside {-0.1} ∪ [0,1]", v, i)
		}
		if field.Data[i] == 0 && v != Sentinel {
			t.Errorf("Unmeasured voxel %d mapped to %f instead of the sentinel", i, v)
		}
	}
	if norm.Values[maxOffset] != 1 {
		t.Errorf("Expected maximum voxel to normalize to 1, got %f", norm.Values[maxOffset])
	}
}

// TestNormalizeFlat is the degenerate example: all voxels equal 2.0
func TestNormalizeFlat(t *testing.T) {
	field := models.NewPressureField(models.Shape{3, 3, 3})
	for i := range field.Data {
		field.Data[i] = 2.0
	}

	norm, err := Normalize(field)
	if err != nil {
		t.Fatalf("Normalization failed: %v", err)
	}

	if !norm.Degenerate {
		t.Errorf("Expected degenerate normalization")
	}
	for i, v := range norm.Values {
		if v != DegenerateValue {
			t.Errorf("Expected 0.5 at offset %d, got %f", i, v)
		}
	}
}

// TestNormalizeAllZero verifies that an empty field is all sentinel
func TestNormalizeAllZero(t *testing.T) {
	field := models.NewPressureField(models.Shape{2, 3, 2})

	norm, err := Normalize(field)
	if err != nil {
		t.Fatalf("Expected all-zero field to normalize without error, got %v", err)
	}

	for i, v := range norm.Values {
		if v != Sentinel {
			t.Errorf("Expected sentinel at offset %d, got %f", i, v)
		}
	}
	if !norm.Degenerate || norm.Min != 0 || norm.Max != 0 {
		t.Errorf("Expected degenerate zero range, got %+v", norm)
	}
}

// TestPosition verifies the mapping of arbitrary pressures into the domain
func TestPosition(t *testing.T) {
	norm := &Field{Min: 2, Max: 6}

	cases := []struct {
		pressure float64
		want     float64
	}{
		{2, 0},
		{6, 1},
		{5, 0.75},
		{1, 0},
		{10, 1},
	}
	for _, c := range cases {
		if got := norm.Position(c.pressure); math.Abs(got-c.want) > 1e-12 {
			t.Errorf("Position(%f): expected %f, got %f", c.pressure, c.want, got)
		}
	}

	degenerate := &Field{Min: 2, Max: 2, Degenerate: true}
	if got := degenerate.Position(2); got != DegenerateValue {
		t.Errorf("Expected degenerate position 0.5, got %f", got)
	}
}

// TestNormalizeDoesNotModifyField verifies purity
func TestNormalizeDoesNotModifyField(t *testing.T) {
	field := models.NewPressureField(models.Shape{1, 1, 3})
	copy(field.Data, []float64{0, 1, 3})

	if _, err := Normalize(field); err != nil {
		t.Fatalf("Normalization failed: %v", err)
	}
	if diff := cmp.Diff([]float64{0, 1, 3}, field.Data); diff != "" {
		t.Errorf("Field was modified (-want +got):\n%s", diff)
	}
}

// TestFloat32 verifies the renderer precision conversion
func TestFloat32(t *testing.T) {
	norm := &Field{Values: []float64{Sentinel, 0, 1}}
	if diff := cmp.Diff([]float32{-0.1, 0, 1}, norm.Float32()); diff != "" {
		t.Errorf("Float32 mismatch (-want +got):\n%s", diff)
	}
}
