// Package perception coordinates a perception goal: it points the camera head at the
// configured target and reports an object pose once the head has settled.
package perception

import (
	"errors"
	"fmt"

	"go.viam.com/rdk/referenceframe"

	"headperception/projection"
)

var (
	// ErrPreempted marks a goal cancelled by its caller or superseded by a newer goal.
	ErrPreempted = errors.New("perception goal preempted")
	// ErrActuatorFailed marks a goal whose point-head goal did not succeed.
	ErrActuatorFailed = errors.New("point head actuator failed")
	// ErrClosed is returned when submitting to a closed coordinator.
	ErrClosed = errors.New("perception coordinator is closed")
)

// Goal triggers one perception run. The zero value uses the configured target pixel.
type Goal struct {
	TargetPixel *projection.Pixel
}

// Status is the terminal outcome of a perception goal.
type Status int

const (
	StatusSucceeded Status = iota + 1
	StatusAborted
	StatusPreempted
)

func (s Status) String() string {
	switch s {
	case StatusSucceeded:
		return "SUCCEEDED"
	case StatusAborted:
		return "ABORTED"
	case StatusPreempted:
		return "PREEMPTED"
	default:
		return "UNKNOWN"
	}
}

// State is what the coordinator is doing right now.
type State int

const (
	StateIdle State = iota
	StateRunning
)

func (s State) String() string {
	if s == StateRunning {
		return "RUNNING"
	}
	return "IDLE"
}

// Stage is the feedback reported while a goal runs.
type Stage string

const (
	StagePending      Stage = "pending"
	StageProjecting   Stage = "projecting"
	StagePointing     Stage = "pointing"
	StageSynthesizing Stage = "synthesizing"
	StageDone         Stage = "done"
)

// Result is produced exactly once per goal.
type Result struct {
	GoalID  string
	Status  Status
	Success bool
	Pose    *referenceframe.PoseInFrame
	Message string

	err error
}

// Err returns nil on success, otherwise an error matching ErrPreempted,
// ErrActuatorFailed or the underlying failure.
func (r Result) Err() error {
	return r.err
}

func succeeded(id string, pose *referenceframe.PoseInFrame) Result {
	return Result{
		GoalID:  id,
		Status:  StatusSucceeded,
		Success: true,
		Pose:    pose,
		Message: fmt.Sprintf("object pose found in frame %q", pose.Parent()),
	}
}

func aborted(id string, err error) Result {
	return Result{GoalID: id, Status: StatusAborted, Message: err.Error(), err: err}
}

func preempted(id string, reason string) Result {
	err := fmt.Errorf("%w: %s", ErrPreempted, reason)
	return Result{GoalID: id, Status: StatusPreempted, Message: err.Error(), err: err}
}
