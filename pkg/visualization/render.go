// Package visualization turns a normalized pressure field and its transfer
// functions into images: colourised slices, a composited projection of the
// whole volume and camera framings for interactive clients.
package visualization

import (
	"errors"
	"fmt"
	"image"
	"image/color"
	"math"

	xdraw "golang.org/x/image/draw"
	"golang.org/x/image/font"
	"golang.org/x/image/font/basicfont"
	"golang.org/x/image/math/fixed"

	"focalfield/internal/models"
	"focalfield/pkg/analysis"
	"focalfield/pkg/normalization"
	"focalfield/pkg/transfer"
)

// opaqueThreshold stops a ray once it is effectively opaque
const opaqueThreshold = 0.99

// Scene is everything a renderer needs to draw one field
type Scene struct {
	Field       *normalization.Field
	Transfer    *transfer.Set
	VoxelSizeMM float64
	Metrics     analysis.Metrics

	// Overlay lines are drawn in the top-left corner
	Overlay []string
}

func (s *Scene) validate() error {
	if s == nil || s.Field == nil || s.Transfer == nil {
		return errors.New("scene needs a normalized field and transfer functions")
	}
	if len(s.Field.Values) != s.Field.Shape.Len() || s.Field.Shape.Len() == 0 {
		return fmt.Errorf("normalized field has %d values for shape %v", len(s.Field.Values), s.Field.Shape)
	}
	return nil
}

// Renderer draws a scene into an image
type Renderer interface {
	Render(scene *Scene) (image.Image, error)
}

// Projector composites the volume front to back along one axis.
// Every voxel contributes its transfer colour with an alpha of
// opacity(value) * gradientOpacity(|gradient|) * OpacityScale.
type Projector struct {
	Axis          models.Axis
	Width, Height int

	// OpacityScale multiplies per-voxel alpha before compositing
	OpacityScale float64

	Background color.RGBA
	Foreground color.RGBA
}

// NewProjector creates a projector with a black background and white overlay text
func NewProjector(axis models.Axis, width, height int, opacityScale float64) *Projector {
	return &Projector{
		Axis:         axis,
		Width:        width,
		Height:       height,
		OpacityScale: opacityScale,
		Background:   color.RGBA{A: 255},
		Foreground:   color.RGBA{R: 255, G: 255, B: 255, A: 255},
	}
}

// Render implements Renderer
func (p *Projector) Render(scene *Scene) (image.Image, error) {
	if err := scene.validate(); err != nil {
		return nil, err
	}
	if p.Width <= 0 || p.Height <= 0 {
		return nil, fmt.Errorf("invalid output size %dx%d", p.Width, p.Height)
	}

	small, err := p.composite(scene)
	if err != nil {
		return nil, err
	}

	out := image.NewRGBA(image.Rect(0, 0, p.Width, p.Height))
	xdraw.ApproxBiLinear.Scale(out, out.Bounds(), small, small.Bounds(), xdraw.Src, nil)

	p.drawOverlay(out, scene.Overlay)
	return out, nil
}

// composite produces one pixel per ray at grid resolution
func (p *Projector) composite(scene *Scene) (*image.RGBA, error) {
	field := scene.Field
	cols, rows, depth, at, err := plane(field.Shape, p.Axis)
	if err != nil {
		return nil, err
	}

	grad := GradientMagnitude(field)
	bg := [3]float64{
		float64(p.Background.R) / 255,
		float64(p.Background.G) / 255,
		float64(p.Background.B) / 255,
	}

	img := image.NewRGBA(image.Rect(0, 0, cols, rows))
	for r := 0; r < rows; r++ {
		for c := 0; c < cols; c++ {
			var acc transfer.RGB
			alpha := 0.0

			for d := 0; d < depth && alpha < opaqueThreshold; d++ {
				offset := field.Shape.Offset(at(c, r, d))
				v := field.Values[offset]
				if v == normalization.Sentinel {
					continue
				}

				col, opacity := scene.Transfer.Lookup(v)
				a := opacity * scene.Transfer.GradientOpacity.Evaluate(grad[offset]) * p.OpacityScale
				a = min(max(a, 0), 1)
				if a == 0 {
					continue
				}

				w := (1 - alpha) * a
				for k := range acc {
					acc[k] += w * col[k]
				}
				alpha += w
			}

			for k := range acc {
				acc[k] += (1 - alpha) * bg[k]
			}
			img.SetRGBA(c, r, toRGBA(acc, 1))
		}
	}
	return img, nil
}

// drawOverlay writes one line of text per entry in the top-left corner
func (p *Projector) drawOverlay(dst *image.RGBA, lines []string) {
	face := basicfont.Face7x13
	d := &font.Drawer{
		Dst:  dst,
		Src:  image.NewUniform(p.Foreground),
		Face: face,
	}
	lineHeight := face.Metrics().Height.Ceil() + 2
	for i, line := range lines {
		d.Dot = fixed.Point26_6{X: fixed.I(8), Y: fixed.I(8 + face.Ascent + i*lineHeight)}
		d.DrawString(line)
	}
}

// GradientMagnitude returns the magnitude of the normalized field's gradient
// per voxel, in value units per voxel. It uses central differences inside the
// grid and one-sided differences on its faces. Unmeasured voxels count as 0.
func GradientMagnitude(field *normalization.Field) []float64 {
	shape := field.Shape
	out := make([]float64, len(field.Values))

	value := func(idx models.Index) float64 {
		v := field.Values[shape.Offset(idx)]
		if v == normalization.Sentinel {
			return 0
		}
		return v
	}

	for offset := range out {
		idx := shape.Unravel(offset)
		sum := 0.0
		for a := 0; a < 3; a++ {
			if shape[a] < 2 {
				continue
			}
			lo, hi := idx, idx
			lo[a] = max(idx[a]-1, 0)
			hi[a] = min(idx[a]+1, shape[a]-1)
			g := (value(hi) - value(lo)) / float64(hi[a]-lo[a])
			sum += g * g
		}
		out[offset] = math.Sqrt(sum)
	}
	return out
}
