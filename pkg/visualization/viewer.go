package visualization

import (
	"errors"
	"fmt"
	"image"
	"image/color"
	"image/jpeg"
	"image/png"
	"os"
	"path/filepath"
	"strings"

	"focalfield/internal/models"
	"focalfield/pkg/analysis"
	"focalfield/pkg/normalization"
	"focalfield/pkg/transfer"
)

// Viewer extracts colourised slices and sub-volumes from a normalized field
type Viewer struct {
	// field holds the normalized values in C order
	field *normalization.Field

	// set supplies the colour of every normalized value
	set *transfer.Set

	// voxelSizeMM is the physical edge length of one voxel
	voxelSizeMM float64
}

// NewViewer creates a new slice viewer
func NewViewer(field *normalization.Field, set *transfer.Set, voxelSizeMM float64) *Viewer {
	return &Viewer{
		field:       field,
		set:         set,
		voxelSizeMM: voxelSizeMM,
	}
}

// plane describes the 2D layout of slices perpendicular to an axis.
// Columns and rows are image x and y; depth runs along the axis itself.
func plane(shape models.Shape, axis models.Axis) (cols, rows, depth int, at func(c, r, d int) models.Index, err error) {
	switch axis {
	case models.AxisX:
		// YZ plane
		return shape[2], shape[1], shape[0], func(c, r, d int) models.Index { return models.Index{d, r, c} }, nil
	case models.AxisY:
		// XZ plane
		return shape[0], shape[2], shape[1], func(c, r, d int) models.Index { return models.Index{c, d, r} }, nil
	case models.AxisZ:
		// XY plane
		return shape[0], shape[1], shape[2], func(c, r, d int) models.Index { return models.Index{c, r, d} }, nil
	default:
		return 0, 0, 0, nil, fmt.Errorf("invalid axis: %s (must be x, y, or z)", axis)
	}
}

// ExtractSlice extracts a colourised 2D slice perpendicular to axis.
// Unmeasured voxels are black.
func (v *Viewer) ExtractSlice(axis models.Axis, position int) (*image.RGBA, error) {
	if position < 0 {
		return nil, fmt.Errorf("position must be non-negative")
	}

	cols, rows, depth, at, err := plane(v.field.Shape, axis)
	if err != nil {
		return nil, err
	}
	if position >= depth {
		return nil, fmt.Errorf("position %d exceeds %s extent %d", position, axis, depth)
	}

	img := image.NewRGBA(image.Rect(0, 0, cols, rows))
	for r := 0; r < rows; r++ {
		for c := 0; c < cols; c++ {
			img.SetRGBA(c, r, v.voxelColor(v.field.At(at(c, r, position))))
		}
	}
	return img, nil
}

func (v *Viewer) voxelColor(value float64) color.RGBA {
	if value == normalization.Sentinel {
		return color.RGBA{A: 255}
	}
	return toRGBA(v.set.Color.Evaluate(value), 1)
}

// ExtractRegion copies the normalized values inside box into a new C-ordered
// array and returns it with its shape
func (v *Viewer) ExtractRegion(box analysis.BoundingBox) ([]float64, models.Shape, error) {
	if box.Empty {
		return nil, models.Shape{}, errors.New("region is empty")
	}
	if !v.field.Shape.Contains(box.Min) || !v.field.Shape.Contains(box.Max) {
		return nil, models.Shape{}, fmt.Errorf("region %v-%v extends beyond volume boundaries", box.Min, box.Max)
	}

	var shape models.Shape
	for a := models.AxisX; a <= models.AxisZ; a++ {
		shape[a] = box.Extent(a)
		if shape[a] <= 0 {
			return nil, models.Shape{}, fmt.Errorf("region has non-positive %s extent", a)
		}
	}

	region := make([]float64, shape.Len())
	for x := 0; x < shape[0]; x++ {
		for y := 0; y < shape[1]; y++ {
			for z := 0; z < shape[2]; z++ {
				src := models.Index{box.Min[0] + x, box.Min[1] + y, box.Min[2] + z}
				region[shape.Offset(models.Index{x, y, z})] = v.field.At(src)
			}
		}
	}
	return region, shape, nil
}

// SaveSlice writes an image as PNG or JPEG depending on the file extension
func (v *Viewer) SaveSlice(img image.Image, filename string) error {
	return SaveImage(img, filename)
}

// SaveSliceSequence extracts and saves every slice along the specified axis
func (v *Viewer) SaveSliceSequence(axis models.Axis, outputDir string) error {
	_, _, depth, _, err := plane(v.field.Shape, axis)
	if err != nil {
		return err
	}
	if err := os.MkdirAll(outputDir, 0755); err != nil {
		return err
	}

	for pos := 0; pos < depth; pos++ {
		img, err := v.ExtractSlice(axis, pos)
		if err != nil {
			return err
		}

		filename := filepath.Join(outputDir, fmt.Sprintf("slice_%s_%03d.png", axis, pos))
		if err := v.SaveSlice(img, filename); err != nil {
			return err
		}
	}

	return nil
}

// SaveImage encodes img into filename. The format follows the extension:
// .png, .jpg or .jpeg.
func SaveImage(img image.Image, filename string) error {
	var encode func(f *os.File) error
	switch strings.ToLower(filepath.Ext(filename)) {
	case ".png":
		encode = func(f *os.File) error { return png.Encode(f, img) }
	case ".jpg", ".jpeg":
		encode = func(f *os.File) error { return jpeg.Encode(f, img, &jpeg.Options{Quality: 90}) }
	default:
		return fmt.Errorf("unsupported image format %q (use .png or .jpg)", filepath.Ext(filename))
	}

	file, err := os.Create(filename)
	if err != nil {
		return err
	}
	if err := encode(file); err != nil {
		file.Close()
		return err
	}
	return file.Close()
}

// toRGBA converts a transfer function colour with the given alpha
func toRGBA(c transfer.RGB, alpha float64) color.RGBA {
	return color.RGBA{
		R: channel(c[0]),
		G: channel(c[1]),
		B: channel(c[2]),
		A: channel(alpha),
	}
}

func channel(v float64) uint8 {
	return uint8(min(max(v, 0), 1)*255 + 0.5)
}
