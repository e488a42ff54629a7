package models

import (
	"context"
	"errors"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.viam.com/rdk/components/camera"
	"go.viam.com/rdk/logging"
	"go.viam.com/rdk/rimage/transform"
	genericservice "go.viam.com/rdk/services/generic"

	"headperception/pointhead"
	"headperception/projection"
)

type fakeCamera struct {
	props camera.Properties
	err   error
	block bool
}

func (f *fakeCamera) Properties(ctx context.Context) (camera.Properties, error) {
	if f.block {
		<-ctx.Done()
		return camera.Properties{}, ctx.Err()
	}
	return f.props, f.err
}

// fakeHead settles as soon as it is told to move, unless moving is set.
type fakeHead struct {
	mu       sync.Mutex
	offline  bool
	moving   bool
	commands []string
}

func (f *fakeHead) DoCommand(ctx context.Context, cmd map[string]interface{}) (map[string]interface{}, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	name, _ := cmd["command"].(string)
	f.commands = append(f.commands, name)
	if f.offline {
		return nil, errors.New("camera unreachable")
	}
	if name == "get-status" {
		panTilt := "IDLE"
		if f.moving {
			panTilt = "MOVING"
		}
		return map[string]interface{}{
			"move_status": map[string]interface{}{"pan_tilt": panTilt, "zoom": "IDLE"},
			"position": map[string]interface{}{
				"pan_tilt": map[string]interface{}{"x": 0.0, "y": 0.0},
				"zoom":     map[string]interface{}{"x": 0.0},
			},
		}, nil
	}
	return map[string]interface{}{}, nil
}

func (f *fakeHead) sent(name string) int {
	f.mu.Lock()
	defer f.mu.Unlock()
	n := 0
	for _, c := range f.commands {
		if c == name {
			n++
		}
	}
	return n
}

func validCamera() *fakeCamera {
	return &fakeCamera{props: camera.Properties{
		IntrinsicParams: &transform.PinholeCameraIntrinsics{Width: 640, Height: 480, Fx: 520, Fy: 520, Ppx: 320, Ppy: 240},
	}}
}

func testServiceConfig(t *testing.T) *Config {
	t.Helper()
	minDuration := 0.0
	cfg := &Config{
		CameraName:         "ptz_camera",
		OnvifPTZClientName: "onvif-ptz-client",
		MinDurationSec:     &minDuration,
		ConnectTimeoutSec:  0.02,
		PollIntervalMs:     1,
	}
	_, _, err := cfg.Validate("services.0")
	require.NoError(t, err)
	return cfg
}

func newTestService(t *testing.T, head *fakeHead) *perceptionService {
	t.Helper()
	svc, err := newPerceptionServiceFromParts(context.Background(), genericservice.Named("perception"),
		testServiceConfig(t), validCamera(), head, logging.NewTestLogger(t))
	require.NoError(t, err)
	t.Cleanup(func() { svc.Close(context.Background()) })
	return svc
}

func TestConfigValidateDefaults(t *testing.T) {
	cfg := &Config{CameraName: "cam", OnvifPTZClientName: "ptz"}
	deps, optional, err := cfg.Validate("services.0")
	require.NoError(t, err)
	assert.Equal(t, []string{"cam", "ptz"}, deps)
	assert.Nil(t, optional)

	assert.Equal(t, []float64{265, 466}, cfg.TargetPixel)
	assert.Equal(t, "cam", cfg.PointingFrame)
	assert.Equal(t, []float64{0, 0, 1}, cfg.PointingAxis)
	assert.Equal(t, 0.5, *cfg.MinDurationSec)
	assert.Equal(t, 1.0, cfg.MaxVelocity)
	assert.Equal(t, 10.0, cfg.GoalTimeoutSec)
	assert.Equal(t, 3, cfg.ConnectAttempts)
	assert.Equal(t, 2.0, cfg.ConnectTimeoutSec)
	assert.Equal(t, 10.0, cfg.IntrinsicsTimeoutSec)
	assert.Equal(t, 100, cfg.PollIntervalMs)
	assert.Equal(t, "world", cfg.PoseFrame)
	require.NotNil(t, cfg.PlaceholderPose)
}

func TestConfigValidateErrors(t *testing.T) {
	negative := -1.0
	tests := []struct {
		name string
		cfg  Config
		err  string
	}{
		{"missing camera", Config{OnvifPTZClientName: "ptz"}, "camera_name is required"},
		{"missing ptz", Config{CameraName: "cam"}, "onvif_ptz_client_name is required"},
		{"bad pixel", Config{CameraName: "cam", OnvifPTZClientName: "ptz", TargetPixel: []float64{1}}, "target_pixel"},
		{"bad axis", Config{CameraName: "cam", OnvifPTZClientName: "ptz", PointingAxis: []float64{0, 0}}, "pointing_axis"},
		{"zero axis", Config{CameraName: "cam", OnvifPTZClientName: "ptz", PointingAxis: []float64{0, 0, 0}}, "zero vector"},
		{"negative duration", Config{CameraName: "cam", OnvifPTZClientName: "ptz", MinDurationSec: &negative}, "min_duration_sec"},
		{"negative velocity", Config{CameraName: "cam", OnvifPTZClientName: "ptz", MaxVelocity: -2}, "max_velocity"},
		{"negative timeout", Config{CameraName: "cam", OnvifPTZClientName: "ptz", GoalTimeoutSec: -1}, "timeouts"},
		{"negative attempts", Config{CameraName: "cam", OnvifPTZClientName: "ptz", ConnectAttempts: -1}, "connect_attempts"},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			_, _, err := tt.cfg.Validate("services.0")
			require.Error(t, err)
			assert.Contains(t, err.Error(), tt.err)
		})
	}
}

func TestStartupFailsWhenHeadNeverReady(t *testing.T) {
	head := &fakeHead{offline: true}
	cfg := testServiceConfig(t)

	start := time.Now()
	_, err := newPerceptionServiceFromParts(context.Background(), genericservice.Named("perception"),
		cfg, validCamera(), head, logging.NewTestLogger(t))
	require.Error(t, err)
	assert.True(t, errors.Is(err, pointhead.ErrNotAvailable))
	assert.GreaterOrEqual(t, time.Since(start), 60*time.Millisecond)
	assert.GreaterOrEqual(t, head.sent("get-status"), 3)
	assert.Equal(t, 0, head.sent("relative-move"))
}

func TestStartupFailsWithoutIntrinsics(t *testing.T) {
	cfg := testServiceConfig(t)
	for name, cam := range map[string]*fakeCamera{
		"missing":      {},
		"zero focal":   {props: camera.Properties{IntrinsicParams: &transform.PinholeCameraIntrinsics{Width: 640, Height: 480}}},
		"camera error": {err: errors.New("no properties")},
	} {
		t.Run(name, func(t *testing.T) {
			_, err := newPerceptionServiceFromParts(context.Background(), genericservice.Named("perception"),
				cfg, cam, &fakeHead{}, logging.NewTestLogger(t))
			require.Error(t, err)
		})
	}

	_, err := newPerceptionServiceFromParts(context.Background(), genericservice.Named("perception"),
		cfg, &fakeCamera{}, &fakeHead{}, logging.NewTestLogger(t))
	assert.True(t, errors.Is(err, projection.ErrInvalidCalibration))
}

func TestFetchIntrinsicsTimeout(t *testing.T) {
	_, err := fetchIntrinsics(context.Background(), &fakeCamera{block: true}, 10*time.Millisecond)
	require.Error(t, err)
	assert.True(t, errors.Is(err, context.DeadlineExceeded))
}

func TestDoCommandPerceiveAndWait(t *testing.T) {
	head := &fakeHead{}
	svc := newTestService(t, head)

	res, err := svc.DoCommand(context.Background(), map[string]interface{}{"command": "perceive", "wait": true})
	require.NoError(t, err)
	assert.Equal(t, "SUCCEEDED", res["status"])
	assert.Equal(t, true, res["success"])
	assert.Equal(t, "world", res["frame"])
	pose, ok := res["pose"].(map[string]interface{})
	require.True(t, ok)
	assert.Equal(t, map[string]float64{"x": 0.6, "y": 0, "z": 0.8}, pose["translation"])
	assert.Equal(t, 1, head.sent("relative-move"))

	res, err = svc.DoCommand(context.Background(), map[string]interface{}{"command": "get-result", "goal_id": res["goal_id"]})
	require.NoError(t, err)
	assert.Equal(t, true, res["done"])
	assert.Equal(t, "SUCCEEDED", res["status"])
}

func TestDoCommandPerceiveCancelledByCaller(t *testing.T) {
	head := &fakeHead{moving: true}
	svc := newTestService(t, head)

	ctx, cancel := context.WithTimeout(context.Background(), 50*time.Millisecond)
	defer cancel()
	_, err := svc.DoCommand(ctx, map[string]interface{}{"command": "perceive", "wait": true})
	require.Error(t, err)
	assert.True(t, errors.Is(err, context.DeadlineExceeded))

	// error reads "perception goal <id> cancelled: ..."
	fields := strings.Fields(err.Error())
	require.GreaterOrEqual(t, len(fields), 3)
	id := fields[2]

	var res map[string]interface{}
	require.Eventually(t, func() bool {
		res, err = svc.DoCommand(context.Background(), map[string]interface{}{"command": "get-result", "goal_id": id})
		return err == nil && res["done"] == true
	}, 2*time.Second, 5*time.Millisecond)
	assert.Equal(t, "PREEMPTED", res["status"])
	assert.Equal(t, false, res["success"])
	assert.GreaterOrEqual(t, head.sent("stop"), 1)
	assert.Eventually(t, func() bool {
		state, err := svc.DoCommand(context.Background(), map[string]interface{}{"command": "get-state"})
		return err == nil && state["state"] == "IDLE"
	}, time.Second, 5*time.Millisecond)
}

func TestDoCommandAsyncGoal(t *testing.T) {
	svc := newTestService(t, &fakeHead{})

	res, err := svc.DoCommand(context.Background(), map[string]interface{}{
		"command":      "perceive",
		"target_pixel": []interface{}{320.0, 240.0},
	})
	require.NoError(t, err)
	id, ok := res["goal_id"].(string)
	require.True(t, ok)

	assert.Eventually(t, func() bool {
		res, err := svc.DoCommand(context.Background(), map[string]interface{}{"command": "get-result", "goal_id": id})
		return err == nil && res["done"] == true
	}, 2*time.Second, 5*time.Millisecond)

	res, err = svc.DoCommand(context.Background(), map[string]interface{}{"command": "cancel", "goal_id": id})
	require.NoError(t, err)
	assert.Equal(t, "cancel-requested", res["status"])

	// results never change once reported
	res, err = svc.DoCommand(context.Background(), map[string]interface{}{"command": "get-result", "goal_id": id})
	require.NoError(t, err)
	assert.Equal(t, "SUCCEEDED", res["status"])

	res, err = svc.DoCommand(context.Background(), map[string]interface{}{"command": "get-state"})
	require.NoError(t, err)
	assert.Contains(t, []string{"IDLE", "RUNNING"}, res["state"])
}

func TestDoCommandErrors(t *testing.T) {
	svc := newTestService(t, &fakeHead{})
	ctx := context.Background()

	_, err := svc.DoCommand(ctx, map[string]interface{}{"command": "explode"})
	assert.Error(t, err)
	_, err = svc.DoCommand(ctx, map[string]interface{}{"command": "cancel"})
	assert.Error(t, err)
	_, err = svc.DoCommand(ctx, map[string]interface{}{"command": "get-result", "goal_id": "nope"})
	assert.Error(t, err)
	_, err = svc.DoCommand(ctx, map[string]interface{}{"command": "perceive", "target_pixel": []interface{}{1.0}})
	assert.Error(t, err)
	_, err = svc.DoCommand(ctx, map[string]interface{}{"command": "perceive", "target_pixel": []interface{}{"a", 1.0}})
	assert.Error(t, err)
}
