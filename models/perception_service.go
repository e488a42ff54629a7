package models

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"math"
	"time"

	"github.com/golang/geo/r3"
	"go.viam.com/rdk/components/camera"
	"go.viam.com/rdk/components/generic"
	"go.viam.com/rdk/logging"
	"go.viam.com/rdk/resource"
	genericservice "go.viam.com/rdk/services/generic"

	"headperception/perception"
	"headperception/pointhead"
	"headperception/projection"
	"headperception/utils"
)

var (
	PerceptionCoordinator = resource.NewModel("viam", "head-perception", "perception-coordinator")
)

func init() {
	resource.RegisterService(genericservice.API, PerceptionCoordinator,
		resource.Registration[resource.Resource, *Config]{
			Constructor: newPerceptionService,
		},
	)
}

// PlaceholderPose is the pose reported after a successful head move, in meters and degrees.
type PlaceholderPose struct {
	X        float64 `json:"x"`
	Y        float64 `json:"y"`
	Z        float64 `json:"z"`
	RollDeg  float64 `json:"roll_deg"`
	PitchDeg float64 `json:"pitch_deg"`
	YawDeg   float64 `json:"yaw_deg"`
}

type Config struct {
	CameraName           string           `json:"camera_name"`
	OnvifPTZClientName   string           `json:"onvif_ptz_client_name"`
	TargetPixel          []float64        `json:"target_pixel,omitempty"`
	PointingFrame        string           `json:"pointing_frame,omitempty"`
	PointingAxis         []float64        `json:"pointing_axis,omitempty"`
	MinDurationSec       *float64         `json:"min_duration_sec,omitempty"`
	MaxVelocity          float64          `json:"max_velocity,omitempty"`
	GoalTimeoutSec       float64          `json:"goal_timeout_sec,omitempty"`
	ConnectAttempts      int              `json:"connect_attempts,omitempty"`
	ConnectTimeoutSec    float64          `json:"connect_timeout_sec,omitempty"`
	IntrinsicsTimeoutSec float64          `json:"intrinsics_timeout_sec,omitempty"`
	PollIntervalMs       int              `json:"poll_interval_ms,omitempty"`
	PoseFrame            string           `json:"pose_frame,omitempty"`
	PlaceholderPose      *PlaceholderPose `json:"placeholder_pose,omitempty"`
}

// Validate ensures all parts of the config are valid and fills in defaults.
// Returns implicit required (first return) and optional (second return) dependencies based on the config.
func (cfg *Config) Validate(path string) ([]string, []string, error) {
	if cfg.CameraName == "" {
		return nil, nil, errors.New("camera_name is required")
	}
	if cfg.OnvifPTZClientName == "" {
		return nil, nil, errors.New("onvif_ptz_client_name is required")
	}
	if cfg.TargetPixel == nil {
		cfg.TargetPixel = []float64{265, 466}
	}
	if len(cfg.TargetPixel) != 2 {
		return nil, nil, errors.New("target_pixel must have exactly 2 values [u, v]")
	}
	if cfg.PointingFrame == "" {
		cfg.PointingFrame = cfg.CameraName
	}
	if cfg.PointingAxis == nil {
		cfg.PointingAxis = []float64{0, 0, 1}
	}
	if len(cfg.PointingAxis) != 3 {
		return nil, nil, errors.New("pointing_axis must have exactly 3 values [x, y, z]")
	}
	if (r3.Vector{X: cfg.PointingAxis[0], Y: cfg.PointingAxis[1], Z: cfg.PointingAxis[2]}).Norm() == 0 {
		return nil, nil, errors.New("pointing_axis must not be the zero vector")
	}
	for _, v := range append(append([]float64{}, cfg.TargetPixel...), cfg.PointingAxis...) {
		if math.IsNaN(v) || math.IsInf(v, 0) {
			return nil, nil, errors.New("target_pixel and pointing_axis must contain valid numbers")
		}
	}
	if cfg.MinDurationSec == nil {
		minDuration := 0.5
		cfg.MinDurationSec = &minDuration
	}
	if *cfg.MinDurationSec < 0 {
		return nil, nil, errors.New("min_duration_sec must be greater than or equal to 0")
	}
	if cfg.MaxVelocity < 0 {
		return nil, nil, errors.New("max_velocity must be greater than or equal to 0")
	}
	if cfg.MaxVelocity == 0 {
		cfg.MaxVelocity = 1.0
	}
	if cfg.GoalTimeoutSec < 0 || cfg.ConnectTimeoutSec < 0 || cfg.IntrinsicsTimeoutSec < 0 {
		return nil, nil, errors.New("timeouts must be greater than or equal to 0")
	}
	if cfg.GoalTimeoutSec == 0 {
		cfg.GoalTimeoutSec = 10
	}
	if cfg.ConnectTimeoutSec == 0 {
		cfg.ConnectTimeoutSec = pointhead.DefaultConnectTimeout.Seconds()
	}
	if cfg.IntrinsicsTimeoutSec == 0 {
		cfg.IntrinsicsTimeoutSec = 10
	}
	if cfg.ConnectAttempts < 0 {
		return nil, nil, errors.New("connect_attempts must be greater than or equal to 0")
	}
	if cfg.ConnectAttempts == 0 {
		cfg.ConnectAttempts = pointhead.DefaultConnectAttempts
	}
	if cfg.PollIntervalMs < 0 {
		return nil, nil, errors.New("poll_interval_ms must be greater than or equal to 0")
	}
	if cfg.PollIntervalMs == 0 {
		cfg.PollIntervalMs = int(pointhead.DefaultPollInterval.Milliseconds())
	}
	if cfg.PoseFrame == "" {
		cfg.PoseFrame = "world"
	}
	if cfg.PlaceholderPose == nil {
		cfg.PlaceholderPose = &PlaceholderPose{X: 0.6, Y: 0, Z: 0.8}
	}
	return []string{cfg.CameraName, cfg.OnvifPTZClientName}, nil, nil
}

func seconds(s float64) time.Duration {
	return time.Duration(s * float64(time.Second))
}

type perceptionService struct {
	resource.AlwaysRebuild

	name resource.Name

	logger logging.Logger
	cfg    *Config

	coordinator *perception.Coordinator
}

func newPerceptionService(ctx context.Context, deps resource.Dependencies, rawConf resource.Config, logger logging.Logger) (resource.Resource, error) {
	conf, err := resource.NativeConfig[*Config](rawConf)
	if err != nil {
		return nil, err
	}

	return NewPerceptionService(ctx, deps, rawConf.ResourceName(), conf, logger)
}

// NewPerceptionService acquires the camera intrinsics, connects to the PTZ head and
// starts the coordinator. Any failure here means the service is not built.
func NewPerceptionService(ctx context.Context, deps resource.Dependencies, name resource.Name, conf *Config, logger logging.Logger) (resource.Resource, error) {
	configJSON, _ := json.MarshalIndent(conf, "", "  ")
	logger.Debugf("Creating perception coordinator with the following config:\n%s", configJSON)

	cam, err := camera.FromDependencies(deps, conf.CameraName)
	if err != nil {
		return nil, fmt.Errorf("failed to get camera %q: %w", conf.CameraName, err)
	}

	onvifPTZClientName := resource.NewName(generic.API, conf.OnvifPTZClientName)
	onvifPTZClient, err := deps.GetResource(onvifPTZClientName)
	if err != nil {
		return nil, fmt.Errorf("failed to get ONVIF PTZ client resource: %w", err)
	}

	svc, err := newPerceptionServiceFromParts(ctx, name, conf, cam, onvifPTZClient, logger)
	if err != nil {
		return nil, err
	}
	return svc, nil
}

func newPerceptionServiceFromParts(
	ctx context.Context,
	name resource.Name,
	conf *Config,
	cam propertiesSource,
	ptz pointhead.PTZCommander,
	logger logging.Logger,
) (*perceptionService, error) {
	intrinsics, err := fetchIntrinsics(ctx, cam, seconds(conf.IntrinsicsTimeoutSec))
	if err != nil {
		return nil, err
	}
	logger.Infof("Camera intrinsics: fx=%.2f fy=%.2f cx=%.2f cy=%.2f", intrinsics.Fx, intrinsics.Fy, intrinsics.Cx, intrinsics.Cy)

	client := pointhead.NewClient(
		pointhead.NewPTZActuator(ptz, logger),
		time.Duration(conf.PollIntervalMs)*time.Millisecond,
		logger,
	)
	if err := client.Connect(ctx, conf.ConnectAttempts, seconds(conf.ConnectTimeoutSec)); err != nil {
		return nil, err
	}

	pp := conf.PlaceholderPose
	synth, err := perception.NewFixedPoseSynthesizer(conf.PoseFrame, r3.Vector{X: pp.X, Y: pp.Y, Z: pp.Z}, pp.RollDeg, pp.PitchDeg, pp.YawDeg)
	if err != nil {
		return nil, err
	}

	coordinator, err := perception.NewCoordinator(coordinatorConfig(conf, intrinsics), client, synth, logger)
	if err != nil {
		return nil, err
	}

	return &perceptionService{
		name:        name,
		logger:      logger,
		cfg:         conf,
		coordinator: coordinator,
	}, nil
}

func coordinatorConfig(conf *Config, intrinsics projection.Intrinsics) perception.Config {
	return perception.Config{
		TargetPixel:   projection.Pixel{U: conf.TargetPixel[0], V: conf.TargetPixel[1]},
		Intrinsics:    intrinsics,
		PointingFrame: conf.PointingFrame,
		PointingAxis:  r3.Vector{X: conf.PointingAxis[0], Y: conf.PointingAxis[1], Z: conf.PointingAxis[2]},
		MinDuration:   seconds(*conf.MinDurationSec),
		MaxVelocity:   conf.MaxVelocity,
		GoalTimeout:   seconds(conf.GoalTimeoutSec),
	}
}

type propertiesSource interface {
	Properties(ctx context.Context) (camera.Properties, error)
}

func fetchIntrinsics(ctx context.Context, cam propertiesSource, timeout time.Duration) (projection.Intrinsics, error) {
	ctx, cancel := context.WithTimeout(ctx, timeout)
	defer cancel()
	props, err := cam.Properties(ctx)
	if err != nil {
		return projection.Intrinsics{}, fmt.Errorf("failed to get camera properties: %w", err)
	}
	return projection.IntrinsicsFromPinhole(props.IntrinsicParams)
}

func (s *perceptionService) Name() resource.Name {
	return s.name
}

func (s *perceptionService) Close(context.Context) error {
	s.coordinator.Close()
	return nil
}

func (s *perceptionService) DoCommand(ctx context.Context, cmd map[string]interface{}) (map[string]interface{}, error) {
	s.logger.Debugf("DoCommand: %+v", cmd)
	switch cmd["command"] {
	case "perceive":
		goal := perception.Goal{}
		if raw, ok := cmd["target_pixel"]; ok {
			pixel, err := parsePixel(raw)
			if err != nil {
				return nil, err
			}
			goal.TargetPixel = &pixel
		}
		h, err := s.coordinator.Submit(goal)
		if err != nil {
			return nil, err
		}
		if wait, _ := cmd["wait"].(bool); wait {
			// the caller only holds this request, so dropping it cancels the goal
			stop := context.AfterFunc(ctx, h.Cancel)
			defer stop()
			r, err := h.Wait(ctx)
			if err != nil {
				return nil, fmt.Errorf("perception goal %s cancelled: %w", h.ID(), err)
			}
			return resultToMap(r), nil
		}
		return map[string]interface{}{"goal_id": h.ID(), "done": false, "stage": string(h.Stage())}, nil

	case "cancel":
		h, err := s.lookupGoal(cmd)
		if err != nil {
			return nil, err
		}
		h.Cancel()
		return map[string]interface{}{"goal_id": h.ID(), "status": "cancel-requested"}, nil

	case "get-result":
		h, err := s.lookupGoal(cmd)
		if err != nil {
			return nil, err
		}
		r, done := h.Result()
		if !done {
			return map[string]interface{}{"goal_id": h.ID(), "done": false, "stage": string(h.Stage())}, nil
		}
		return resultToMap(r), nil

	case "get-state":
		return map[string]interface{}{"state": s.coordinator.State().String()}, nil

	default:
		return nil, fmt.Errorf("invalid command: %v", cmd["command"])
	}
}

func (s *perceptionService) lookupGoal(cmd map[string]interface{}) (*perception.GoalHandle, error) {
	id, ok := cmd["goal_id"].(string)
	if !ok || id == "" {
		return nil, errors.New("goal_id field is required")
	}
	h, ok := s.coordinator.Goal(id)
	if !ok {
		return nil, fmt.Errorf("unknown goal %q", id)
	}
	return h, nil
}

func parsePixel(raw interface{}) (projection.Pixel, error) {
	values, ok := raw.([]interface{})
	if !ok || len(values) != 2 {
		return projection.Pixel{}, errors.New("target_pixel must be an array of 2 numbers")
	}
	u, ok := values[0].(float64)
	if !ok {
		return projection.Pixel{}, errors.New("target_pixel[0] is not a float64")
	}
	v, ok := values[1].(float64)
	if !ok {
		return projection.Pixel{}, errors.New("target_pixel[1] is not a float64")
	}
	return projection.Pixel{U: u, V: v}, nil
}

func resultToMap(r perception.Result) map[string]interface{} {
	out := map[string]interface{}{
		"goal_id": r.GoalID,
		"done":    true,
		"status":  r.Status.String(),
		"success": r.Success,
		"message": r.Message,
	}
	if r.Pose != nil {
		out["frame"] = r.Pose.Parent()
		out["pose"] = utils.PoseToMap(r.Pose.Pose())
	}
	return out
}
