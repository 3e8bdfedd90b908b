// Package analysis locates the focal point of a pressure field and measures
// the region above its -3dB threshold.
package analysis

import (
	"errors"
	"fmt"

	"gonum.org/v1/gonum/floats"
	"gonum.org/v1/gonum/stat"

	"focalfield/internal/models"
)

const (
	// FWHMRatio is the linear amplitude ratio of a 3 dB drop, 10^(-3/20) rounded
	// to three digits. It is not configurable.
	FWHMRatio = 0.708

	// FallbackRatio is the half-maximum ratio used when the -3dB boundary is
	// undefined (no measured voxel, or a flat field)
	FallbackRatio = 0.5
)

// BoundingBox is the inclusive per-axis index range of a voxel region
type BoundingBox struct {
	Min, Max models.Index

	// Empty is set when the region has no voxels; Min and Max are then zero
	Empty bool
}

// Extent returns the number of voxels the box spans along an axis, counting
// both end voxels. An empty box has zero extent.
func (b BoundingBox) Extent(axis models.Axis) int {
	if b.Empty {
		return 0
	}
	return b.Max[axis] - b.Min[axis] + 1
}

// Metrics is an immutable snapshot of the focal analysis of one field.
// Rebuilding the field requires calling Analyze again.
type Metrics struct {
	// MaxPressure is the global maximum of the field
	MaxPressure float64

	// MaxIndex is where MaxPressure was first found in C order
	MaxIndex models.Index

	// FWHMThreshold is MaxPressure * FWHMRatio
	FWHMThreshold float64

	// Threshold is the value actually used to select the region. It equals
	// FWHMThreshold unless Fallback is set, in which case it is
	// MaxPressure * FallbackRatio.
	Threshold float64

	// Fallback reports that the half-maximum threshold was used
	Fallback bool

	// BoundingBox encloses every region voxel
	BoundingBox BoundingBox

	// DimensionsMM is the physical size of the bounding box along x, y and z
	DimensionsMM [3]float64

	// VolumeMM3 is the product of the three dimensions
	VolumeMM3 float64

	// VoxelCount is the number of voxels in the region
	VoxelCount int
}

// Analyze computes the focal metrics of a field. The field is not modified.
//
// The region is the set of measured voxels (value > 0) at or above the
// threshold. When the -3dB boundary is undefined, because nothing was measured
// or every measured voxel equals the maximum, the threshold falls back to half
// the maximum and Fallback is set.
func Analyze(field *models.PressureField, voxelSizeMM float64) (Metrics, error) {
	if err := checkField(field); err != nil {
		return Metrics{}, err
	}
	if !(voxelSizeMM > 0) {
		return Metrics{}, fmt.Errorf("%w: voxel size %g mm must be positive",
			models.ErrInvalidConfiguration, voxelSizeMM)
	}

	shape := field.Shape
	maxOffset := floats.MaxIdx(field.Data)

	m := Metrics{
		MaxPressure: field.Data[maxOffset],
		MaxIndex:    shape.Unravel(maxOffset),
	}
	m.FWHMThreshold = m.MaxPressure * FWHMRatio
	m.Threshold = m.FWHMThreshold

	minPositive, ok := minPositive(field.Data)
	if !ok || minPositive == m.MaxPressure {
		m.Fallback = true
		m.Threshold = m.MaxPressure * FallbackRatio
	}

	box := BoundingBox{Empty: true}
	for offset, v := range field.Data {
		if v <= 0 || v < m.Threshold {
			continue
		}
		idx := shape.Unravel(offset)
		if box.Empty {
			box = BoundingBox{Min: idx, Max: idx}
		} else {
			for a := 0; a < 3; a++ {
				box.Min[a] = min(box.Min[a], idx[a])
				box.Max[a] = max(box.Max[a], idx[a])
			}
		}
		m.VoxelCount++
	}
	m.BoundingBox = box

	if !box.Empty {
		m.VolumeMM3 = 1
		for a := models.AxisX; a <= models.AxisZ; a++ {
			m.DimensionsMM[a] = float64(box.Extent(a)) * voxelSizeMM
			m.VolumeMM3 *= m.DimensionsMM[a]
		}
	}

	return m, nil
}

// FieldStats holds descriptive statistics over the whole grid
type FieldStats struct {
	Min, Max, Mean float64

	// NonZero is the number of measured voxels
	NonZero int

	// Total is the number of voxels in the grid
	Total int
}

// Summarize computes FieldStats for a field
func Summarize(field *models.PressureField) (FieldStats, error) {
	if err := checkField(field); err != nil {
		return FieldStats{}, err
	}
	return FieldStats{
		Min:     floats.Min(field.Data),
		Max:     floats.Max(field.Data),
		Mean:    stat.Mean(field.Data, nil),
		NonZero: field.NonZero(),
		Total:   len(field.Data),
	}, nil
}

// Profile returns the field values along an axis through idx, in index order
func Profile(field *models.PressureField, idx models.Index, axis models.Axis) ([]float64, error) {
	if err := checkField(field); err != nil {
		return nil, err
	}
	if !field.Shape.Contains(idx) {
		return nil, fmt.Errorf("index %v outside field of shape %v", idx, field.Shape)
	}
	if axis < models.AxisX || axis > models.AxisZ {
		return nil, fmt.Errorf("invalid axis: %s", axis)
	}

	line := make([]float64, field.Shape[axis])
	p := idx
	for i := range line {
		p[axis] = i
		line[i] = field.At(p)
	}
	return line, nil
}

func checkField(field *models.PressureField) error {
	if field == nil {
		return errors.New("nil pressure field")
	}
	if field.Shape.Len() <= 0 || len(field.Data) != field.Shape.Len() {
		return fmt.Errorf("pressure field has %d values for shape %v", len(field.Data), field.Shape)
	}
	return nil
}

// minPositive returns the smallest strictly positive value, if there is one
func minPositive(data []float64) (float64, bool) {
	found := false
	var m float64
	for _, v := range data {
		if v > 0 && (!found || v < m) {
			m = v
			found = true
		}
	}
	return m, found
}
