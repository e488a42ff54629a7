// Package projection turns image pixels into viewing rays using pinhole camera intrinsics.
package projection

import (
	"errors"
	"fmt"
	"math"

	"github.com/golang/geo/r3"
	"go.viam.com/rdk/rimage/transform"
)

// ErrInvalidCalibration is returned when the intrinsics cannot be used to project a pixel.
var ErrInvalidCalibration = errors.New("invalid camera calibration")

// RayDepth is the forward distance the projected ray is scaled to.
const RayDepth = 1.0

// Pixel is an image coordinate, u to the right and v down.
type Pixel struct {
	U float64
	V float64
}

// Intrinsics is a read-only snapshot of a pinhole camera calibration.
// It is passed by value so nothing downstream can mutate the acquired copy.
type Intrinsics struct {
	Fx float64
	Fy float64
	Cx float64
	Cy float64
}

// IntrinsicsFromPinhole copies the calibration reported by a camera.
func IntrinsicsFromPinhole(params *transform.PinholeCameraIntrinsics) (Intrinsics, error) {
	if params == nil {
		return Intrinsics{}, fmt.Errorf("%w: camera did not report intrinsic parameters", ErrInvalidCalibration)
	}
	intr := Intrinsics{
		Fx: params.Fx,
		Fy: params.Fy,
		Cx: params.Ppx,
		Cy: params.Ppy,
	}
	if err := intr.Validate(); err != nil {
		return Intrinsics{}, err
	}
	return intr, nil
}

// Validate checks that the focal lengths can be divided by.
func (i Intrinsics) Validate() error {
	if i.Fx == 0 || i.Fy == 0 {
		return fmt.Errorf("%w: focal length is zero (fx=%v, fy=%v)", ErrInvalidCalibration, i.Fx, i.Fy)
	}
	for _, v := range []float64{i.Fx, i.Fy, i.Cx, i.Cy} {
		if math.IsNaN(v) || math.IsInf(v, 0) {
			return fmt.Errorf("%w: intrinsics must be finite numbers", ErrInvalidCalibration)
		}
	}
	return nil
}

// Project returns the ray through pixel in the camera optical frame
// (+X right, +Y down, +Z forward), scaled so that Z == RayDepth.
func Project(pixel Pixel, intr Intrinsics) (r3.Vector, error) {
	if err := intr.Validate(); err != nil {
		return r3.Vector{}, err
	}
	x := (pixel.U - intr.Cx) / intr.Fx
	y := (pixel.V - intr.Cy) / intr.Fy
	return r3.Vector{X: x * RayDepth, Y: y * RayDepth, Z: RayDepth}, nil
}
