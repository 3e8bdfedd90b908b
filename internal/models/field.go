package models

import (
	"errors"
	"fmt"
)

var (
	// ErrMissingConfiguration is returned when no acquisition configuration is available.
	// Nothing can be reconstructed or normalized without it.
	ErrMissingConfiguration = errors.New("missing configuration")

	// ErrInvalidConfiguration is returned when the configuration has a non-positive
	// dimension or voxel size.
	ErrInvalidConfiguration = errors.New("invalid configuration")
)

// Axis identifies one of the three grid axes
type Axis int

const (
	AxisX Axis = iota
	AxisY
	AxisZ
)

// String returns the lower-case axis name
func (a Axis) String() string {
	switch a {
	case AxisX:
		return "x"
	case AxisY:
		return "y"
	case AxisZ:
		return "z"
	default:
		return fmt.Sprintf("axis(%d)", int(a))
	}
}

// ParseAxis converts "x", "y" or "z" (any case) to an Axis
func ParseAxis(s string) (Axis, error) {
	switch s {
	case "x", "X":
		return AxisX, nil
	case "y", "Y":
		return AxisY, nil
	case "z", "Z":
		return AxisZ, nil
	default:
		return 0, fmt.Errorf("invalid axis: %s (must be x, y, or z)", s)
	}
}

// Index is an integer grid coordinate (ix, iy, iz)
type Index [3]int

// Shape is the grid size (nx, ny, nz)
type Shape [3]int

// Len returns the number of voxels in the grid
func (s Shape) Len() int {
	return s[0] * s[1] * s[2]
}

// Contains reports whether idx lies inside the grid
func (s Shape) Contains(idx Index) bool {
	for a := 0; a < 3; a++ {
		if idx[a] < 0 || idx[a] >= s[a] {
			return false
		}
	}
	return true
}

// Offset returns the flat position of idx.
// Voxels are stored in C order (x slowest, z fastest), the same layout numpy
// uses for an (nx, ny, nz) array.
func (s Shape) Offset(idx Index) int {
	return (idx[0]*s[1]+idx[1])*s[2] + idx[2]
}

// Unravel converts a flat position back to a grid coordinate
func (s Shape) Unravel(offset int) Index {
	iz := offset % s[2]
	offset /= s[2]
	iy := offset % s[1]
	ix := offset / s[1]
	return Index{ix, iy, iz}
}

// Configuration describes the acquisition grid. It is loaded once and never mutated.
type Configuration struct {
	// Shape is the number of voxels along x, y and z
	Shape Shape

	// VoxelSizeMM is the edge length of one cubic voxel in mm
	VoxelSizeMM float64
}

// Validate checks that every dimension and the voxel size are positive
func (c *Configuration) Validate() error {
	if c == nil {
		return ErrMissingConfiguration
	}
	for a := 0; a < 3; a++ {
		if c.Shape[a] <= 0 {
			return fmt.Errorf("%w: shape %v has non-positive %s dimension",
				ErrInvalidConfiguration, c.Shape, Axis(a))
		}
	}
	if !(c.VoxelSizeMM > 0) {
		return fmt.Errorf("%w: voxel size %g mm must be positive", ErrInvalidConfiguration, c.VoxelSizeMM)
	}
	return nil
}

// VoxelSample is one sparse measurement. It carries either the raw hydrophone
// waveform or, for older acquisitions, only a precomputed RMS value.
type VoxelSample struct {
	// Index is the grid coordinate the sample was taken at
	Index Index

	// Ch1Voltage holds the raw channel 1 waveform, if it was recorded
	Ch1Voltage []float64

	// RMS is the stored RMS value. It is only used when no waveform is present.
	RMS float64

	// Source names where the record came from (usually a file name)
	Source string
}

// HasWaveform reports whether raw samples are available
func (v VoxelSample) HasWaveform() bool {
	return len(v.Ch1Voltage) > 0
}

// PressureField is a dense 3D array of non-negative RMS pressures.
// Zero marks a voxel that was never measured.
type PressureField struct {
	// Shape is the size of the grid
	Shape Shape

	// Data holds Shape.Len() values in C order
	Data []float64
}

// NewPressureField allocates an all-zero field
func NewPressureField(shape Shape) *PressureField {
	return &PressureField{
		Shape: shape,
		Data:  make([]float64, shape.Len()),
	}
}

// At returns the value stored at idx
func (f *PressureField) At(idx Index) float64 {
	return f.Data[f.Shape.Offset(idx)]
}

// Set stores v at idx
func (f *PressureField) Set(idx Index, v float64) {
	f.Data[f.Shape.Offset(idx)] = v
}

// NonZero returns the number of measured voxels
func (f *PressureField) NonZero() int {
	n := 0
	for _, v := range f.Data {
		if v != 0 {
			n++
		}
	}
	return n
}
