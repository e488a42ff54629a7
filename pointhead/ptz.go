package pointhead

import (
	"context"
	"errors"
	"fmt"
	"math"
	"sync"
	"time"

	"github.com/golang/geo/r3"
	"go.viam.com/rdk/logging"

	"headperception/utils"
)

// PTZCommander is the DoCommand surface of an ONVIF PTZ client resource.
type PTZCommander interface {
	DoCommand(ctx context.Context, cmd map[string]interface{}) (map[string]interface{}, error)
}

type ptzGoal struct {
	state       State
	started     time.Time
	minDuration time.Duration
}

// PTZActuator runs point-head goals on an ONVIF PTZ camera.
// A goal becomes a relative move in degrees; it succeeds once the camera reports
// pan/tilt and zoom IDLE and the goal's minimum duration has passed.
type PTZActuator struct {
	ptz    PTZCommander
	logger logging.Logger

	mu    sync.Mutex
	goals map[string]*ptzGoal
}

var _ Actuator = (*PTZActuator)(nil)

// NewPTZActuator returns an actuator that commands ptz, which must answer the ONVIF
// get-status, relative-move and stop commands.
func NewPTZActuator(ptz PTZCommander, logger logging.Logger) *PTZActuator {
	return &PTZActuator{
		ptz:    ptz,
		logger: logger,
		goals:  map[string]*ptzGoal{},
	}
}

func (a *PTZActuator) Ready(ctx context.Context) error {
	_, err := a.readStatus(ctx)
	return err
}

func (a *PTZActuator) SendGoal(ctx context.Context, id string, goal Goal) error {
	panDeg, tiltDeg, err := panTiltForGoal(goal)
	if err != nil {
		return err
	}
	speed := goal.MaxVelocity
	if speed <= 0 {
		speed = 1.0
	}
	speed = utils.Clamp(speed, 0, 1)

	a.logger.Debugf("Point head goal %s: %v", id, goal.ToMap())
	a.logger.Infof("Moving PTZ for goal %s: pan=%.2f°, tilt=%.2f°, speed=%.2f", id, panDeg, tiltDeg, speed)

	a.mu.Lock()
	for gid, g := range a.goals {
		if g.state.Terminal() {
			delete(a.goals, gid)
		}
	}
	a.goals[id] = &ptzGoal{state: StatePending, minDuration: goal.MinDuration}
	a.mu.Unlock()

	_, err = a.ptz.DoCommand(ctx, map[string]interface{}{
		"command":    "relative-move",
		"degrees":    true,
		"pan":        panDeg,
		"tilt":       tiltDeg,
		"zoom":       0.0,
		"pan_speed":  speed,
		"tilt_speed": speed,
	})

	a.mu.Lock()
	defer a.mu.Unlock()
	if err != nil {
		a.goals[id].state = StateAborted
		return fmt.Errorf("failed to send relative move: %w", err)
	}
	a.goals[id].state = StateActive
	a.goals[id].started = time.Now()
	return nil
}

func (a *PTZActuator) GoalState(ctx context.Context, id string) (State, error) {
	g, err := a.goal(id)
	if err != nil {
		return StateAborted, err
	}
	a.mu.Lock()
	state, started, minDuration := g.state, g.started, g.minDuration
	a.mu.Unlock()
	if state.Terminal() || state == StatePending {
		return state, nil
	}

	// the goal stays open on a status error so the caller still stops the head
	status, err := a.readStatus(ctx)
	if err != nil {
		if ctx.Err() != nil {
			return state, ctx.Err()
		}
		return state, fmt.Errorf("failed to get PTZ status for goal %s: %w", id, err)
	}
	if status.PanTiltMoving || status.ZoomMoving || time.Since(started) < minDuration {
		return StateActive, nil
	}
	a.logger.Debugf("PTZ settled for goal %s at pan=%.3f, tilt=%.3f", id, status.Position.Pan, status.Position.Tilt)
	return a.finish(g, StateSucceeded), nil
}

func (a *PTZActuator) CancelGoal(ctx context.Context, id string) error {
	g, err := a.goal(id)
	if err != nil {
		return err
	}
	a.mu.Lock()
	terminal := g.state.Terminal()
	a.mu.Unlock()
	if terminal {
		return nil
	}

	_, err = a.ptz.DoCommand(ctx, map[string]interface{}{
		"command":  "stop",
		"pan_tilt": true,
		"zoom":     false,
	})
	if err != nil {
		a.finish(g, StateAborted)
		return fmt.Errorf("failed to stop PTZ: %w", err)
	}
	a.finish(g, StatePreempted)
	return nil
}

func (a *PTZActuator) goal(id string) (*ptzGoal, error) {
	a.mu.Lock()
	defer a.mu.Unlock()
	g, ok := a.goals[id]
	if !ok {
		return nil, fmt.Errorf("unknown point head goal %q", id)
	}
	return g, nil
}

// finish moves g to state unless it already finished, and returns its final state.
func (a *PTZActuator) finish(g *ptzGoal, state State) State {
	a.mu.Lock()
	defer a.mu.Unlock()
	if !g.state.Terminal() {
		g.state = state
	}
	return g.state
}

// panTiltForGoal returns the relative rotation, in degrees, that moves the pointing
// axis onto the target direction. Both are expressed in the camera optical frame.
func panTiltForGoal(goal Goal) (panDeg, tiltDeg float64, err error) {
	dir := goal.Target.Point
	if dir.Norm() == 0 || math.IsNaN(dir.Norm()) {
		return 0, 0, errors.New("target direction must be a non-zero vector")
	}
	if dir.Z <= 0 {
		return 0, 0, fmt.Errorf("target is behind the camera (Z=%.3f)", dir.Z)
	}
	axis := goal.PointingAxis
	if axis.Norm() == 0 {
		axis = r3.Vector{Z: 1}
	}

	panRad, tiltRad := utils.CalculatePanTiltInCameraFrame(dir)
	axisPanRad, axisTiltRad := utils.CalculatePanTiltInCameraFrame(axis)
	return utils.RadiansToDegrees(panRad - axisPanRad), utils.RadiansToDegrees(tiltRad - axisTiltRad), nil
}

func (a *PTZActuator) readStatus(ctx context.Context) (utils.PTZStatus, error) {
	ptzStatusResponse, err := a.ptz.DoCommand(ctx, map[string]interface{}{
		"command": "get-status",
	})
	if err != nil {
		return utils.PTZStatus{}, err
	}
	moveStatus, ok := ptzStatusResponse["move_status"].(map[string]interface{})
	if !ok {
		return utils.PTZStatus{}, fmt.Errorf("PTZ move status is not a map")
	}
	movePanTilt, ok := moveStatus["pan_tilt"].(string)
	if !ok {
		return utils.PTZStatus{}, fmt.Errorf("PTZ move pan tilt is not a string")
	}
	moveZoom, ok := moveStatus["zoom"].(string)
	if !ok {
		return utils.PTZStatus{}, fmt.Errorf("PTZ move zoom is not a string")
	}
	position, ok := ptzStatusResponse["position"].(map[string]interface{})
	if !ok {
		return utils.PTZStatus{}, fmt.Errorf("PTZ status is not a map")
	}
	zoom, ok := position["zoom"].(map[string]interface{})
	if !ok {
		return utils.PTZStatus{}, fmt.Errorf("PTZ zoom is not a map")
	}
	zoomX, ok := zoom["x"].(float64)
	if !ok {
		return utils.PTZStatus{}, fmt.Errorf("PTZ zoom x is not a float")
	}
	panTilt, ok := position["pan_tilt"].(map[string]interface{})
	if !ok {
		return utils.PTZStatus{}, fmt.Errorf("PTZ pan tilt is not a map")
	}
	panTiltX, ok := panTilt["x"].(float64)
	if !ok {
		return utils.PTZStatus{}, fmt.Errorf("PTZ pan tilt x is not a float")
	}
	panTiltY, ok := panTilt["y"].(float64)
	if !ok {
		return utils.PTZStatus{}, fmt.Errorf("PTZ pan tilt y is not a float")
	}

	return utils.PTZStatus{
		Position: utils.PTZValues{
			Pan:  panTiltX,
			Tilt: panTiltY,
			Zoom: zoomX,
		},
		PanTiltMoving: movePanTilt != "IDLE",
		ZoomMoving:    moveZoom != "IDLE",
	}, nil
}
