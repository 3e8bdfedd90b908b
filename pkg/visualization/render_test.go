package visualization

import (
	"image"
	"image/color"
	"math"
	"testing"

	"github.com/google/go-cmp/cmp"
	"github.com/google/go-cmp/cmp/cmpopts"

	"focalfield/internal/models"
	"focalfield/pkg/analysis"
	"focalfield/pkg/normalization"
	"focalfield/pkg/transfer"
)

// ramp rises linearly from 0 to 1 along z
func ramp(shape models.Shape) *normalization.Field {
	return newField(shape, func(idx models.Index) float64 {
		return float64(idx[2]) / float64(shape[2]-1)
	})
}

func near(a, b color.RGBA) bool {
	diff := func(x, y uint8) bool { return x > y+1 || y > x+1 }
	return !diff(a.R, b.R) && !diff(a.G, b.G) && !diff(a.B, b.B)
}

// TestRenderEmptyField verifies an all-sentinel field renders as pure background
func TestRenderEmptyField(t *testing.T) {
	field := newField(models.Shape{4, 5, 6}, func(models.Index) float64 { return normalization.Sentinel })
	scene := &Scene{Field: field, Transfer: transfer.NewSet(transfer.ReferenceAnchor), VoxelSizeMM: 1}

	p := NewProjector(models.AxisZ, 64, 48, 1)
	img, err := p.Render(scene)
	if err != nil {
		t.Fatalf("Render failed: %v", err)
	}

	b := img.Bounds()
	if b.Dx() != 64 || b.Dy() != 48 {
		t.Fatalf("Expected 64x48 image, got %dx%d", b.Dx(), b.Dy())
	}

	rgba := img.(*image.RGBA)
	for y := b.Min.Y; y < b.Max.Y; y++ {
		for x := b.Min.X; x < b.Max.X; x++ {
			if got := rgba.RGBAAt(x, y); !near(got, p.Background) {
				t.Fatalf("Expected background at (%d,%d), got %v", x, y, got)
			}
		}
	}
}

// TestRenderRamp verifies that a field with contrast produces visible output
func TestRenderRamp(t *testing.T) {
	shape := models.Shape{4, 4, 4}
	scene := &Scene{Field: ramp(shape), Transfer: transfer.NewSet(transfer.ReferenceAnchor), VoxelSizeMM: 1}

	p := NewProjector(models.AxisZ, 16, 16, 1)
	small, err := p.composite(scene)
	if err != nil {
		t.Fatalf("Composite failed: %v", err)
	}
	if b := small.Bounds(); b.Dx() != 4 || b.Dy() != 4 {
		t.Errorf("Expected 4x4 composite, got %dx%d", b.Dx(), b.Dy())
	}

	// Every ray sees the same column, ending in red
	first := small.RGBAAt(0, 0)
	if first.R == 0 {
		t.Errorf("Expected a red contribution, got %v", first)
	}
	for y := 0; y < 4; y++ {
		for x := 0; x < 4; x++ {
			if got := small.RGBAAt(x, y); got != first {
				t.Errorf("Expected identical rays, got %v at (%d,%d) and %v at (0,0)", got, x, y, first)
			}
		}
	}

	// Zero opacity scale hides everything
	p.OpacityScale = 0
	hidden, err := p.composite(scene)
	if err != nil {
		t.Fatalf("Composite failed: %v", err)
	}
	if got := hidden.RGBAAt(1, 1); got != p.Background {
		t.Errorf("Expected background with zero opacity scale, got %v", got)
	}
}

// TestRenderOverlay verifies that overlay text is drawn
func TestRenderOverlay(t *testing.T) {
	field := newField(models.Shape{2, 2, 2}, func(models.Index) float64 { return normalization.Sentinel })
	scene := &Scene{
		Field:    field,
		Transfer: transfer.NewSet(transfer.ReferenceAnchor),
		Overlay:  []string{"FWHM (-3dB): 0.708000", "Focal point: (1, 1, 1)"},
	}

	p := NewProjector(models.AxisX, 200, 100, 1)
	img, err := p.Render(scene)
	if err != nil {
		t.Fatalf("Render failed: %v", err)
	}

	rgba := img.(*image.RGBA)
	lit := 0
	for y := 0; y < 40; y++ {
		for x := 0; x < 200; x++ {
			if rgba.RGBAAt(x, y).R > 128 {
				lit++
			}
		}
	}
	if lit == 0 {
		t.Error("Expected overlay text pixels, found none")
	}
}

// TestRenderErrors covers invalid scenes and sizes
func TestRenderErrors(t *testing.T) {
	p := NewProjector(models.AxisZ, 10, 10, 1)
	if _, err := p.Render(nil); err == nil {
		t.Error("Expected error for nil scene, got nil")
	}
	if _, err := p.Render(&Scene{Field: ramp(models.Shape{2, 2, 2})}); err == nil {
		t.Error("Expected error for missing transfer functions, got nil")
	}

	scene := &Scene{Field: ramp(models.Shape{2, 2, 2}), Transfer: transfer.NewSet(transfer.ReferenceAnchor)}
	p.Width = 0
	if _, err := p.Render(scene); err == nil {
		t.Error("Expected error for zero width, got nil")
	}

	p = NewProjector(models.Axis(5), 10, 10, 1)
	if _, err := p.Render(scene); err == nil {
		t.Error("Expected error for invalid axis, got nil")
	}
}

// TestGradientMagnitude checks central and one-sided differences
func TestGradientMagnitude(t *testing.T) {
	grad := GradientMagnitude(ramp(models.Shape{3, 3, 4}))
	for i, g := range grad {
		if math.Abs(g-1.0/3) > 1e-12 {
			t.Fatalf("Expected gradient 1/3 at offset %d, got %f", i, g)
		}
	}

	// Unmeasured voxels count as zero
	field := &normalization.Field{
		Shape:  models.Shape{1, 1, 3},
		Values: []float64{normalization.Sentinel, 1, normalization.Sentinel},
	}
	want := []float64{1, 0, 1}
	if diff := cmp.Diff(want, GradientMagnitude(field), cmpopts.EquateApprox(0, 1e-12)); diff != "" {
		t.Errorf("Gradient mismatch (-want +got):\n%s", diff)
	}
}

// TestFocusCamera verifies the focal point framing
func TestFocusCamera(t *testing.T) {
	m := analysis.Metrics{MaxIndex: models.Index{1, 2, 3}}
	cam := Focus(m, 0.5)

	want := Camera{
		Position:   [3]float64{100.5, 101, 101.5},
		FocalPoint: [3]float64{0.5, 1, 1.5},
		ViewUp:     [3]float64{0, 1, 0},
	}
	if diff := cmp.Diff(want, cam, cmpopts.EquateApprox(0, 1e-12)); diff != "" {
		t.Errorf("Camera mismatch (-want +got):\n%s", diff)
	}
}

// TestResetCamera verifies the whole volume is framed
func TestResetCamera(t *testing.T) {
	cam := Reset(models.Shape{3, 3, 3}, 1)

	if diff := cmp.Diff([3]float64{1, 1, 1}, cam.FocalPoint); diff != "" {
		t.Errorf("Focal point mismatch (-want +got):\n%s", diff)
	}
	distance := math.Sqrt(3) / math.Sin(15*math.Pi/180)
	if math.Abs(cam.Position[2]-(1+distance)) > 1e-9 {
		t.Errorf("Expected camera at z=%f, got %f", 1+distance, cam.Position[2])
	}
	if cam.Position[0] != 1 || cam.Position[1] != 1 {
		t.Errorf("Expected camera centred on x and y, got %v", cam.Position)
	}

	single := Reset(models.Shape{1, 1, 1}, 2)
	if !(single.Position[2] > single.FocalPoint[2]) {
		t.Errorf("Expected camera in front of a single voxel, got %v", single)
	}
}
