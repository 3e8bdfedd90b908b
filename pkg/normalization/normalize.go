// Package normalization maps a pressure field into the bounded scalar domain
// used for transfer function lookup.
package normalization

import (
	"errors"
	"fmt"

	"gonum.org/v1/gonum/floats"

	"focalfield/internal/models"
)

const (
	// Sentinel marks voxels that were never measured. It lies outside [0, 1]
	// so transfer functions can keep it fully transparent.
	Sentinel = -0.1

	// DegenerateValue is assigned to every measured voxel when the field has
	// no contrast (all measured values equal)
	DegenerateValue = 0.5
)

// Field is a normalized copy of a pressure field with values in {-0.1} ∪ [0, 1]
type Field struct {
	Shape  models.Shape
	Values []float64

	// Min is the smallest strictly positive pressure, Max the largest pressure.
	// Both are zero for an all-zero field.
	Min, Max float64

	// Degenerate is set when Max == Min and every measured voxel maps to 0.5
	Degenerate bool
}

// Normalize maps measured voxels affinely from [Min, Max] to [0, 1] and
// unmeasured voxels to Sentinel. The input field is not modified.
func Normalize(field *models.PressureField) (*Field, error) {
	if field == nil {
		return nil, errors.New("nil pressure field")
	}
	if len(field.Data) == 0 || len(field.Data) != field.Shape.Len() {
		return nil, fmt.Errorf("pressure field has %d values for shape %v", len(field.Data), field.Shape)
	}

	out := &Field{
		Shape:  field.Shape,
		Values: make([]float64, len(field.Data)),
		Max:    floats.Max(field.Data),
	}

	measured := false
	for _, v := range field.Data {
		if v > 0 && (!measured || v < out.Min) {
			out.Min = v
			measured = true
		}
	}
	if !measured {
		// Nothing above zero: Max is zero too, keep both at zero
		out.Max = 0
	}

	out.Degenerate = !(out.Max > out.Min)
	span := out.Max - out.Min

	for i, v := range field.Data {
		switch {
		case v <= 0:
			out.Values[i] = Sentinel
		case out.Degenerate:
			out.Values[i] = DegenerateValue
		default:
			out.Values[i] = (v - out.Min) / span
		}
	}

	return out, nil
}

// Position maps a pressure value into the normalized domain, clamped to [0, 1].
// For a degenerate field every value maps to DegenerateValue.
func (f *Field) Position(pressure float64) float64 {
	if f.Degenerate {
		return DegenerateValue
	}
	p := (pressure - f.Min) / (f.Max - f.Min)
	return min(max(p, 0), 1)
}

// At returns the normalized value at idx
func (f *Field) At(idx models.Index) float64 {
	return f.Values[f.Shape.Offset(idx)]
}

// Float32 returns the values as float32, the precision volume renderers expect
func (f *Field) Float32() []float32 {
	out := make([]float32, len(f.Values))
	for i, v := range f.Values {
		out[i] = float32(v)
	}
	return out
}
