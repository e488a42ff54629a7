package perception

import (
	"fmt"
	"math"

	"github.com/golang/geo/r3"
	"go.viam.com/rdk/referenceframe"
	"go.viam.com/rdk/spatialmath"
	"gonum.org/v1/gonum/num/quat"

	"headperception/pointhead"
	"headperception/utils"
)

const unitQuaternionTolerance = 1e-9

// PoseSynthesizer turns a successful head move into the reported object pose.
// Real detectors plug in here.
type PoseSynthesizer interface {
	Synthesize(outcome pointhead.State) (*referenceframe.PoseInFrame, error)
}

// FixedPoseSynthesizer always reports the same placeholder pose.
type FixedPoseSynthesizer struct {
	frame string
	pose  spatialmath.Pose
}

// NewFixedPoseSynthesizer builds the placeholder pose from a position in meters and
// roll/pitch/yaw in degrees, so the orientation is always a unit quaternion.
func NewFixedPoseSynthesizer(frame string, position r3.Vector, rollDeg, pitchDeg, yawDeg float64) (*FixedPoseSynthesizer, error) {
	if frame == "" {
		return nil, fmt.Errorf("pose frame is required")
	}
	orientation := &spatialmath.EulerAngles{
		Roll:  utils.DegreesToRadians(rollDeg),
		Pitch: utils.DegreesToRadians(pitchDeg),
		Yaw:   utils.DegreesToRadians(yawDeg),
	}
	if err := checkUnitQuaternion(orientation.Quaternion()); err != nil {
		return nil, err
	}
	return &FixedPoseSynthesizer{
		frame: frame,
		pose:  spatialmath.NewPose(position, orientation),
	}, nil
}

func (s *FixedPoseSynthesizer) Synthesize(outcome pointhead.State) (*referenceframe.PoseInFrame, error) {
	if outcome != pointhead.StateSucceeded {
		return nil, fmt.Errorf("cannot synthesize a pose after head move ended in %v", outcome)
	}
	return referenceframe.NewPoseInFrame(s.frame, s.pose), nil
}

func checkUnitQuaternion(q quat.Number) error {
	norm := quat.Abs(q)
	if math.IsNaN(norm) || math.Abs(norm-1) > unitQuaternionTolerance {
		return fmt.Errorf("orientation is not a unit quaternion (norm %v)", norm)
	}
	return nil
}
