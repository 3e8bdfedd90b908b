package visualization

import (
	"math"

	"focalfield/internal/models"
	"focalfield/pkg/analysis"
)

const (
	// FocusOffsetMM is how far the focus camera sits from the focal point on
	// every axis
	FocusOffsetMM = 100.0

	// viewAngle is the vertical field of view used to frame the whole volume
	viewAngle = 30.0
)

// Camera is a look-at camera in world coordinates (mm)
type Camera struct {
	Position   [3]float64 `json:"position"`
	FocalPoint [3]float64 `json:"focalPoint"`
	ViewUp     [3]float64 `json:"viewUp"`
}

// Focus frames the focal point: the camera looks at the maximum voxel from
// FocusOffsetMM along each axis
func Focus(m analysis.Metrics, voxelSizeMM float64) Camera {
	var cam Camera
	for a := 0; a < 3; a++ {
		cam.FocalPoint[a] = float64(m.MaxIndex[a]) * voxelSizeMM
		cam.Position[a] = cam.FocalPoint[a] + FocusOffsetMM
	}
	cam.ViewUp = [3]float64{0, 1, 0}
	return cam
}

// Reset frames the whole volume. The camera looks down -z at the centre of the
// grid from far enough away that the bounding sphere fits the view angle.
func Reset(shape models.Shape, voxelSizeMM float64) Camera {
	var cam Camera
	radius := 0.0
	for a := 0; a < 3; a++ {
		extent := float64(shape[a]-1) * voxelSizeMM
		cam.FocalPoint[a] = extent / 2
		radius += extent * extent / 4
	}
	radius = math.Sqrt(radius)
	if radius == 0 {
		radius = voxelSizeMM
	}

	distance := radius / math.Sin(viewAngle/2*math.Pi/180)
	cam.Position = cam.FocalPoint
	cam.Position[2] += distance
	cam.ViewUp = [3]float64{0, 1, 0}
	return cam
}
