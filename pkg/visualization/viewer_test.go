package visualization

import (
	"fmt"
	"image/color"
	"os"
	"path/filepath"
	"testing"

	"focalfield/internal/models"
	"focalfield/pkg/analysis"
	"focalfield/pkg/normalization"
	"focalfield/pkg/transfer"
)

// newField builds a normalized field whose values are produced by fn
func newField(shape models.Shape, fn func(idx models.Index) float64) *normalization.Field {
	field := &normalization.Field{Shape: shape, Values: make([]float64, shape.Len()), Max: 1}
	for i := range field.Values {
		field.Values[i] = fn(shape.Unravel(i))
	}
	return field
}

// TestNewViewer verifies that a new viewer is created with the correct parameters
func TestNewViewer(t *testing.T) {
	field := newField(models.Shape{10, 10, 5}, func(models.Index) float64 { return 0.5 })
	set := transfer.NewSet(transfer.ReferenceAnchor)

	viewer := NewViewer(field, set, 2.0)

	if viewer.field != field {
		t.Error("Expected viewer to keep the field")
	}
	if viewer.set != set {
		t.Error("Expected viewer to keep the transfer set")
	}
	if viewer.voxelSizeMM != 2.0 {
		t.Errorf("Expected voxel size %f, got %f", 2.0, viewer.voxelSizeMM)
	}
}

// TestExtractSlice verifies that slices are correctly extracted from the volume
func TestExtractSlice(t *testing.T) {
	nx, ny, nz := 10, 8, 5
	// Each z slice has a single value; the first is unmeasured
	field := newField(models.Shape{nx, ny, nz}, func(idx models.Index) float64 {
		if idx[2] == 0 {
			return normalization.Sentinel
		}
		return float64(idx[2]) / float64(nz-1)
	})
	set := transfer.NewSet(transfer.ReferenceAnchor)
	viewer := NewViewer(field, set, 1.0)

	for z := 0; z < nz; z++ {
		img, err := viewer.ExtractSlice(models.AxisZ, z)
		if err != nil {
			t.Fatalf("Failed to extract Z slice at position %d: %v", z, err)
		}

		bounds := img.Bounds()
		if bounds.Dx() != nx || bounds.Dy() != ny {
			t.Errorf("Expected Z slice dimensions %dx%d, got %dx%d", nx, ny, bounds.Dx(), bounds.Dy())
		}

		want := color.RGBA{A: 255}
		if z > 0 {
			want = toRGBA(set.Color.Evaluate(float64(z)/float64(nz-1)), 1)
		}
		if got := img.RGBAAt(nx/2, ny/2); got != want {
			t.Errorf("Expected Z slice %d colour %v at center, got %v", z, want, got)
		}
	}

	// The top slice is red
	top, _ := viewer.ExtractSlice(models.AxisZ, nz-1)
	if got := top.RGBAAt(0, 0); got != (color.RGBA{R: 255, A: 255}) {
		t.Errorf("Expected red for value 1, got %v", got)
	}

	imgX, err := viewer.ExtractSlice(models.AxisX, nx/2)
	if err != nil {
		t.Fatalf("Failed to extract X slice: %v", err)
	}
	if b := imgX.Bounds(); b.Dx() != nz || b.Dy() != ny {
		t.Errorf("Expected X slice dimensions %dx%d, got %dx%d", nz, ny, b.Dx(), b.Dy())
	}

	imgY, err := viewer.ExtractSlice(models.AxisY, ny/2)
	if err != nil {
		t.Fatalf("Failed to extract Y slice: %v", err)
	}
	if b := imgY.Bounds(); b.Dx() != nx || b.Dy() != nz {
		t.Errorf("Expected Y slice dimensions %dx%d, got %dx%d", nx, nz, b.Dx(), b.Dy())
	}

	if _, err := viewer.ExtractSlice(models.Axis(7), 0); err == nil {
		t.Error("Expected error for invalid axis, got nil")
	}
	if _, err := viewer.ExtractSlice(models.AxisZ, nz); err == nil {
		t.Error("Expected error for out of bounds position, got nil")
	}
	if _, err := viewer.ExtractSlice(models.AxisZ, -1); err == nil {
		t.Error("Expected error for negative position, got nil")
	}
}

// TestExtractRegion verifies that the FWHM bounding box can be cut out
func TestExtractRegion(t *testing.T) {
	shape := models.Shape{6, 5, 4}
	field := newField(shape, func(idx models.Index) float64 {
		return float64(idx[0])/10 + float64(idx[1])/100 + float64(idx[2])/1000
	})
	viewer := NewViewer(field, transfer.NewSet(transfer.ReferenceAnchor), 1.0)

	box := analysis.BoundingBox{Min: models.Index{2, 1, 1}, Max: models.Index{4, 3, 2}}
	region, rshape, err := viewer.ExtractRegion(box)
	if err != nil {
		t.Fatalf("Failed to extract region: %v", err)
	}

	if rshape != (models.Shape{3, 3, 2}) {
		t.Errorf("Expected region shape (3,3,2), got %v", rshape)
	}
	if len(region) != rshape.Len() {
		t.Errorf("Expected region size %d, got %d", rshape.Len(), len(region))
	}

	for i, v := range region {
		local := rshape.Unravel(i)
		src := models.Index{local[0] + 2, local[1] + 1, local[2] + 1}
		if want := field.At(src); v != want {
			t.Errorf("Region value mismatch at %v: expected %f, got %f", local, want, v)
		}
	}

	if _, _, err := viewer.ExtractRegion(analysis.BoundingBox{Empty: true}); err == nil {
		t.Error("Expected error for empty region, got nil")
	}
	outside := analysis.BoundingBox{Min: models.Index{5, 0, 0}, Max: models.Index{6, 0, 0}}
	if _, _, err := viewer.ExtractRegion(outside); err == nil {
		t.Error("Expected error for region extending beyond volume, got nil")
	}
}

// TestSaveSlice verifies that slices can be saved to disk
func TestSaveSlice(t *testing.T) {
	if testing.Short() {
		t.Skip("Skipping file I/O test in short mode")
	}

	tempDir, err := os.MkdirTemp("", "viewer-test-*")
	if err != nil {
		t.Fatalf("Failed to create temp dir: %v", err)
	}
	defer os.RemoveAll(tempDir)

	field := newField(models.Shape{10, 10, 5}, func(models.Index) float64 { return 0.5 })
	viewer := NewViewer(field, transfer.NewSet(transfer.ReferenceAnchor), 1.0)

	img, err := viewer.ExtractSlice(models.AxisZ, 0)
	if err != nil {
		t.Fatalf("Failed to extract slice: %v", err)
	}

	for _, name := range []string{"test_slice.png", "test_slice.jpg"} {
		filename := filepath.Join(tempDir, name)
		if err := viewer.SaveSlice(img, filename); err != nil {
			t.Fatalf("Failed to save slice: %v", err)
		}
		if _, err := os.Stat(filename); os.IsNotExist(err) {
			t.Errorf("Saved file does not exist: %s", filename)
		}
	}

	if err := viewer.SaveSlice(img, filepath.Join(tempDir, "test_slice.bmp")); err == nil {
		t.Error("Expected error for unsupported format, got nil")
	}
}

// TestSaveSliceSequence verifies that a sequence of slices can be saved
func TestSaveSliceSequence(t *testing.T) {
	if testing.Short() {
		t.Skip("Skipping file I/O test in short mode")
	}

	tempDir, err := os.MkdirTemp("", "viewer-sequence-test-*")
	if err != nil {
		t.Fatalf("Failed to create temp dir: %v", err)
	}
	defer os.RemoveAll(tempDir)

	depth := 3
	field := newField(models.Shape{5, 5, depth}, func(models.Index) float64 { return 0.5 })
	viewer := NewViewer(field, transfer.NewSet(transfer.ReferenceAnchor), 1.0)

	outputDir := filepath.Join(tempDir, "slices")
	if err := viewer.SaveSliceSequence(models.AxisZ, outputDir); err != nil {
		t.Fatalf("Failed to save slice sequence: %v", err)
	}

	for z := 0; z < depth; z++ {
		filename := filepath.Join(outputDir, fmt.Sprintf("slice_z_%03d.png", z))
		if _, err := os.Stat(filename); os.IsNotExist(err) {
			t.Errorf("Expected slice file does not exist: %s", filename)
		}
	}

	if err := viewer.SaveSliceSequence(models.Axis(-1), outputDir); err == nil {
		t.Error("Expected error for invalid axis, got nil")
	}
}
