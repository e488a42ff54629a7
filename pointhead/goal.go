// Package pointhead drives a pan/tilt head through a single-goal action protocol.
package pointhead

import (
	"time"

	"github.com/golang/geo/r3"
)

// State is the lifecycle state of one point-head goal.
type State int

const (
	StatePending State = iota
	StateActive
	StateSucceeded
	StateAborted
	StatePreempted
	StateTimedOut
)

func (s State) String() string {
	switch s {
	case StatePending:
		return "PENDING"
	case StateActive:
		return "ACTIVE"
	case StateSucceeded:
		return "SUCCEEDED"
	case StateAborted:
		return "ABORTED"
	case StatePreempted:
		return "PREEMPTED"
	case StateTimedOut:
		return "TIMED_OUT"
	default:
		return "UNKNOWN"
	}
}

// Terminal reports whether no further transition can happen from s.
func (s State) Terminal() bool {
	return s >= StateSucceeded
}

// Target is the point the head should look at, stamped in a named frame.
type Target struct {
	Frame string
	Stamp time.Time
	Point r3.Vector
}

// Goal asks the head to rotate PointingAxis of PointingFrame onto Target.
type Goal struct {
	PointingFrame string
	PointingAxis  r3.Vector
	MinDuration   time.Duration
	MaxVelocity   float64
	Target        Target
}

// ToMap renders the goal for debug logs. PTZActuator sends it as a relative move,
// not in this shape.
func (g Goal) ToMap() map[string]interface{} {
	return map[string]interface{}{
		"pointing_frame":   g.PointingFrame,
		"pointing_axis":    map[string]float64{"x": g.PointingAxis.X, "y": g.PointingAxis.Y, "z": g.PointingAxis.Z},
		"min_duration_sec": g.MinDuration.Seconds(),
		"max_velocity":     g.MaxVelocity,
		"target": map[string]interface{}{
			"frame":     g.Target.Frame,
			"timestamp": g.Target.Stamp.UnixNano(),
			"point":     map[string]float64{"x": g.Target.Point.X, "y": g.Target.Point.Y, "z": g.Target.Point.Z},
		},
	}
}
