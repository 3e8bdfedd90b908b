// Package transfer builds the colour and opacity transfer functions handed to a
// volume renderer. The curves emphasise the -3dB (FWHM) boundary of the focus:
// voxels below it stay nearly transparent, voxels at and above it are opaque.
package transfer

import (
	"fmt"
	"math"

	"golang.org/x/exp/slices"

	"focalfield/pkg/normalization"
)

const (
	// ReferenceAnchor is the domain value the reference curves are laid out
	// for. It coincides with the normalized -3dB position only when the
	// smallest measured pressure is zero.
	ReferenceAnchor = 0.708

	// MinAnchor and MaxAnchor bound a derived anchor so the ramps on either
	// side of it keep a visible width
	MinAnchor = 0.05
	MaxAnchor = 0.95

	// DomainMin and DomainMax bound the normalized domain
	DomainMin = normalization.Sentinel
	DomainMax = 1.0
)

// AnchorMode selects how the FWHM control point is placed
type AnchorMode string

const (
	// AnchorDerived uses the normalized position of the field's -3dB threshold
	AnchorDerived AnchorMode = "derived"

	// AnchorFixed uses ReferenceAnchor regardless of the field
	AnchorFixed AnchorMode = "fixed"
)

// RGB is a colour with components in [0, 1]
type RGB [3]float64

// ColorPoint maps a domain value to a colour
type ColorPoint struct {
	X     float64 `json:"x"`
	Color RGB     `json:"rgb"`
}

// ScalarPoint maps a domain value to a scalar output
type ScalarPoint struct {
	X float64 `json:"x"`
	Y float64 `json:"y"`
}

// ColorFunction is a piecewise-linear colour curve ordered by X
type ColorFunction []ColorPoint

// PiecewiseFunction is a piecewise-linear scalar curve ordered by X
type PiecewiseFunction []ScalarPoint

// Reference curves. Each point is (domain value, output) for an anchor at 0.708.
var (
	referenceColor = ColorFunction{
		{0.0, RGB{0.0, 0.0, 1.0}},             // blue
		{0.2, RGB{0.0, 0.5, 1.0}},             // cyan-blue
		{0.4, RGB{0.0, 1.0, 0.5}},             // green-cyan
		{0.6, RGB{0.5, 1.0, 0.0}},             // green-yellow
		{ReferenceAnchor, RGB{1.0, 1.0, 0.0}}, // yellow at -3dB
		{0.8, RGB{1.0, 0.8, 0.0}},             // yellow-orange
		{0.9, RGB{1.0, 0.4, 0.0}},             // orange
		{1.0, RGB{1.0, 0.0, 0.0}},             // red
	}

	referenceOpacity = PiecewiseFunction{
		{normalization.Sentinel, 0.0}, // never measured
		{0.0, 0.0},
		{0.1, 0.02},
		{0.3, 0.05},
		{0.5, 0.15},
		{0.7, 0.25},
		{ReferenceAnchor, 0.8},
		{0.8, 0.85},
		{0.9, 0.9},
		{1.0, 0.95},
	}

	// Keyed on gradient magnitude, not on the normalized scalar, so it is
	// never moved with the anchor
	referenceGradientOpacity = PiecewiseFunction{
		{0.0, 0.0},
		{0.1, 0.1},
		{0.3, 0.3},
		{ReferenceAnchor, 0.8},
		{1.0, 1.0},
	}
)

// Set is the complete output of the builder
type Set struct {
	Color           ColorFunction     `json:"color"`
	Opacity         PiecewiseFunction `json:"opacity"`
	GradientOpacity PiecewiseFunction `json:"gradientOpacity"`

	// Anchor is the domain value the FWHM control point was placed at
	Anchor float64 `json:"anchor"`

	// DerivedAnchor is the normalized position of the -3dB threshold clamped
	// to [MinAnchor, MaxAnchor]. It is ReferenceAnchor when the normalization
	// is degenerate.
	DerivedAnchor float64 `json:"derivedAnchor"`

	// FWHMPosition is the unclamped normalized position of the -3dB threshold
	FWHMPosition float64 `json:"fwhmPosition"`
}

// Divergence is how far the field's true -3dB position lies from the
// reference anchor
func (s *Set) Divergence() float64 {
	return s.FWHMPosition - ReferenceAnchor
}

// FWHMPosition returns the normalized position of the -3dB threshold without
// clamping. It may fall below 0 when the smallest measured pressure lies above
// the threshold. ok is false for a degenerate normalization, in which case
// ReferenceAnchor is returned.
func FWHMPosition(norm *normalization.Field, fwhmThreshold float64) (float64, bool) {
	if norm == nil || norm.Degenerate {
		return ReferenceAnchor, false
	}
	return (fwhmThreshold - norm.Min) / (norm.Max - norm.Min), true
}

// DeriveAnchor returns the normalized position of the -3dB threshold, clamped
// to [MinAnchor, MaxAnchor]. ok is false for a degenerate normalization, in
// which case ReferenceAnchor is returned.
func DeriveAnchor(norm *normalization.Field, fwhmThreshold float64) (anchor float64, ok bool) {
	p, ok := FWHMPosition(norm, fwhmThreshold)
	if !ok {
		return p, false
	}
	return min(max(p, MinAnchor), MaxAnchor), true
}

// Build creates the transfer functions for a normalized field whose -3dB
// threshold is fwhmThreshold (in pressure units)
func Build(mode AnchorMode, norm *normalization.Field, fwhmThreshold float64) (*Set, error) {
	derived, _ := DeriveAnchor(norm, fwhmThreshold)
	position, _ := FWHMPosition(norm, fwhmThreshold)

	var anchor float64
	switch mode {
	case AnchorDerived:
		anchor = derived
	case AnchorFixed:
		anchor = ReferenceAnchor
	default:
		return nil, fmt.Errorf("unknown anchor mode %q", mode)
	}

	set := NewSet(anchor)
	set.DerivedAnchor = derived
	set.FWHMPosition = position
	if err := set.Validate(); err != nil {
		return nil, err
	}
	return set, nil
}

// NewSet lays the reference curves out around anchor. Points below the
// reference anchor are scaled into [0, anchor], points above into [anchor, 1].
func NewSet(anchor float64) *Set {
	set := &Set{
		Color:           make(ColorFunction, len(referenceColor)),
		Opacity:         make(PiecewiseFunction, len(referenceOpacity)),
		GradientOpacity: slices.Clone(referenceGradientOpacity),
		Anchor:          anchor,
		DerivedAnchor:   anchor,
		FWHMPosition:    anchor,
	}
	for i, p := range referenceColor {
		set.Color[i] = ColorPoint{X: moveToAnchor(p.X, anchor), Color: p.Color}
	}
	for i, p := range referenceOpacity {
		set.Opacity[i] = ScalarPoint{X: moveToAnchor(p.X, anchor), Y: p.Y}
	}
	return set
}

// moveToAnchor maps a reference domain value onto the layout for anchor.
// The sentinel, 0 and 1 stay where they are.
func moveToAnchor(x, anchor float64) float64 {
	switch {
	case anchor == ReferenceAnchor || x <= 0 || x >= 1:
		return x
	case x <= ReferenceAnchor:
		return x / ReferenceAnchor * anchor
	default:
		return anchor + (x-ReferenceAnchor)/(1-ReferenceAnchor)*(1-anchor)
	}
}

// Validate checks that every curve is strictly increasing in X and that the
// outputs are in range
func (s *Set) Validate() error {
	for i := 1; i < len(s.Color); i++ {
		if !(s.Color[i].X > s.Color[i-1].X) {
			return fmt.Errorf("color control points are not strictly increasing at %g", s.Color[i].X)
		}
	}
	for name, fn := range map[string]PiecewiseFunction{"opacity": s.Opacity, "gradient opacity": s.GradientOpacity} {
		for i := 1; i < len(fn); i++ {
			if !(fn[i].X > fn[i-1].X) {
				return fmt.Errorf("%s control points are not strictly increasing at %g", name, fn[i].X)
			}
		}
		for _, p := range fn {
			if p.Y < 0 || p.Y > 1 {
				return fmt.Errorf("%s output %g at %g outside [0, 1]", name, p.Y, p.X)
			}
		}
	}
	return nil
}

// Lookup returns the colour and scalar opacity for a normalized value
func (s *Set) Lookup(x float64) (RGB, float64) {
	return s.Color.Evaluate(x), s.Opacity.Evaluate(x)
}

// Evaluate interpolates the curve at x. Values outside the control points
// take the nearest end value.
func (f PiecewiseFunction) Evaluate(x float64) float64 {
	if len(f) == 0 || math.IsNaN(x) {
		return 0
	}
	i, found := slices.BinarySearchFunc(f, x, func(p ScalarPoint, x float64) int { return compare(p.X, x) })
	switch {
	case found:
		return f[i].Y
	case i == 0:
		return f[0].Y
	case i == len(f):
		return f[len(f)-1].Y
	}
	a, b := f[i-1], f[i]
	t := (x - a.X) / (b.X - a.X)
	return a.Y + t*(b.Y-a.Y)
}

// Evaluate interpolates the colour at x component-wise
func (f ColorFunction) Evaluate(x float64) RGB {
	if len(f) == 0 || math.IsNaN(x) {
		return RGB{}
	}
	i, found := slices.BinarySearchFunc(f, x, func(p ColorPoint, x float64) int { return compare(p.X, x) })
	switch {
	case found:
		return f[i].Color
	case i == 0:
		return f[0].Color
	case i == len(f):
		return f[len(f)-1].Color
	}
	a, b := f[i-1], f[i]
	t := (x - a.X) / (b.X - a.X)
	var c RGB
	for k := range c {
		c[k] = a.Color[k] + t*(b.Color[k]-a.Color[k])
	}
	return c
}

func compare(a, b float64) int {
	switch {
	case a < b:
		return -1
	case a > b:
		return 1
	default:
		return 0
	}
}
