package utils

import (
	"math"

	"github.com/golang/geo/r3"
	"go.viam.com/rdk/spatialmath"
)

type PTZValues struct {
	Pan  float64
	Tilt float64
	Zoom float64
}

// PTZStatus is the parsed reply of an ONVIF get-status command
type PTZStatus struct {
	Position      PTZValues
	PanTiltMoving bool
	ZoomMoving    bool
}

// Helper to convert spatialmath.Pose to a user-friendly map
func PoseToMap(pose spatialmath.Pose) map[string]interface{} {
	if pose == nil {
		return nil
	}
	pos := pose.Point()
	ori := pose.Orientation().Quaternion()
	return map[string]interface{}{
		"translation": map[string]float64{
			"x": pos.X,
			"y": pos.Y,
			"z": pos.Z,
		},
		"orientation": map[string]float64{
			"Imag": ori.Imag,
			"Jmag": ori.Jmag,
			"Kmag": ori.Kmag,
			"Real": ori.Real,
		},
	}
}

// Clamp clamps a value between min and max
func Clamp(value, min, max float64) float64 {
	return math.Max(min, math.Min(max, value))
}

func DegreesToRadians(degrees float64) float64 {
	return degrees * math.Pi / 180.0
}

func RadiansToDegrees(radians float64) float64 {
	return radians * 180.0 / math.Pi
}

// CalculatePanTiltInCameraFrame returns the rotation that brings the optical axis onto
// the given direction. Camera frame is +X right, +Y down, +Z forward.
func CalculatePanTiltInCameraFrame(targetPositionInCameraFrame r3.Vector) (panRad, tiltRad float64) {
	x, y, z := targetPositionInCameraFrame.X, targetPositionInCameraFrame.Y, targetPositionInCameraFrame.Z

	// Pan: atan2(x, z)
	panRad = math.Atan2(x, z)

	// Tilt: atan2(-y, sqrt(x^2 + z^2))
	rXZ := math.Sqrt(x*x + z*z)
	tiltRad = math.Atan2(-y, rXZ) // Negative because +tilt = up = -Y

	return panRad, tiltRad
}
