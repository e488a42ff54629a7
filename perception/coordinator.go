package perception

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/golang/geo/r3"
	"github.com/google/uuid"
	"go.viam.com/rdk/logging"
	goutils "go.viam.com/utils"

	"headperception/pointhead"
	"headperception/projection"
)

const maxGoalHistory = 32

// GoalSender is the part of pointhead.Client the coordinator depends on.
type GoalSender interface {
	SendGoalAndWait(ctx context.Context, goal pointhead.Goal, timeout time.Duration) pointhead.State
}

// Config holds everything a goal needs besides the goal itself.
// Intrinsics is copied in and never modified afterwards.
type Config struct {
	TargetPixel   projection.Pixel
	Intrinsics    projection.Intrinsics
	PointingFrame string
	PointingAxis  r3.Vector
	MinDuration   time.Duration
	MaxVelocity   float64
	GoalTimeout   time.Duration
}

// Coordinator runs perception goals one at a time. Submitting a goal preempts the
// goal that is running and any goal still waiting to start.
type Coordinator struct {
	cfg    Config
	client GoalSender
	synth  PoseSynthesizer
	logger logging.Logger

	workers *goutils.StoppableWorkers
	wake    chan struct{}

	mu      sync.Mutex
	closed  bool
	state   State
	current *GoalHandle
	pending *GoalHandle
	goals   map[string]*GoalHandle
	order   []string
}

// NewCoordinator validates the intrinsics and starts the goal loop.
func NewCoordinator(cfg Config, client GoalSender, synth PoseSynthesizer, logger logging.Logger) (*Coordinator, error) {
	if err := cfg.Intrinsics.Validate(); err != nil {
		return nil, err
	}
	if client == nil {
		return nil, fmt.Errorf("point head client is required")
	}
	if synth == nil {
		return nil, fmt.Errorf("pose synthesizer is required")
	}
	c := &Coordinator{
		cfg:    cfg,
		client: client,
		synth:  synth,
		logger: logger,
		wake:   make(chan struct{}, 1),
		goals:  map[string]*GoalHandle{},
	}
	c.workers = goutils.NewBackgroundStoppableWorkers(c.loop)
	return c, nil
}

// Submit queues goal and returns its handle.
func (c *Coordinator) Submit(goal Goal) (*GoalHandle, error) {
	c.mu.Lock()
	if c.closed {
		c.mu.Unlock()
		return nil, ErrClosed
	}
	h := newGoalHandle(uuid.NewString(), goal)
	if c.pending != nil {
		c.logger.Infof("Perception goal %s superseded by %s before it started", c.pending.id, h.id)
		c.pending.finish(preempted(c.pending.id, "superseded by goal "+h.id))
	}
	if c.current != nil {
		c.logger.Infof("Preempting perception goal %s for %s", c.current.id, h.id)
		c.current.Cancel()
	}
	c.pending = h
	c.remember(h)
	c.mu.Unlock()

	select {
	case c.wake <- struct{}{}:
	default:
	}
	c.logger.Infof("Perception goal %s accepted", h.id)
	return h, nil
}

// Goal looks up a recently submitted goal.
func (c *Coordinator) Goal(id string) (*GoalHandle, bool) {
	c.mu.Lock()
	defer c.mu.Unlock()
	h, ok := c.goals[id]
	return h, ok
}

// State reports whether a goal is running.
func (c *Coordinator) State() State {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.state
}

// Close preempts outstanding goals and stops the loop.
func (c *Coordinator) Close() {
	c.mu.Lock()
	if c.closed {
		c.mu.Unlock()
		return
	}
	c.closed = true
	if c.pending != nil {
		c.pending.finish(preempted(c.pending.id, "coordinator closed"))
		c.pending = nil
	}
	if c.current != nil {
		c.current.Cancel()
	}
	c.mu.Unlock()
	c.workers.Stop()
}

func (c *Coordinator) remember(h *GoalHandle) {
	c.goals[h.id] = h
	c.order = append(c.order, h.id)
	if len(c.order) > maxGoalHistory {
		delete(c.goals, c.order[0])
		c.order = c.order[1:]
	}
}

func (c *Coordinator) loop(ctx context.Context) {
	for {
		select {
		case <-ctx.Done():
			return
		case <-c.wake:
		}
		for {
			h := c.next()
			if h == nil {
				break
			}
			r := c.execute(ctx, h)
			if h.finish(r) {
				c.logger.Infof("Perception goal %s finished: %v (%s)", h.id, r.Status, r.Message)
			}
			c.mu.Lock()
			c.current = nil
			c.state = StateIdle
			c.mu.Unlock()
		}
	}
}

func (c *Coordinator) next() *GoalHandle {
	c.mu.Lock()
	defer c.mu.Unlock()
	h := c.pending
	if h == nil {
		return nil
	}
	c.pending = nil
	c.current = h
	c.state = StateRunning
	return h
}

func (c *Coordinator) execute(ctx context.Context, h *GoalHandle) Result {
	if h.preemptRequested() {
		return preempted(h.id, "cancelled before start")
	}
	c.logger.Infof("Perception goal %s running", h.id)

	h.setStage(StageProjecting)
	pixel := c.cfg.TargetPixel
	if h.goal.TargetPixel != nil {
		pixel = *h.goal.TargetPixel
	}
	ray, err := projection.Project(pixel, c.cfg.Intrinsics)
	if err != nil {
		return aborted(h.id, err)
	}
	c.logger.Debugf("Target pixel (%.1f, %.1f) projects to ray %+v", pixel.U, pixel.V, ray)

	goalCtx, cancel := context.WithCancel(ctx)
	defer cancel()
	stop := context.AfterFunc(h.ctx, cancel)
	defer stop()

	h.setStage(StagePointing)
	state := c.client.SendGoalAndWait(goalCtx, pointhead.Goal{
		PointingFrame: c.cfg.PointingFrame,
		PointingAxis:  c.cfg.PointingAxis,
		MinDuration:   c.cfg.MinDuration,
		MaxVelocity:   c.cfg.MaxVelocity,
		Target: pointhead.Target{
			Frame: c.cfg.PointingFrame,
			Stamp: time.Now(),
			Point: ray.Normalize(),
		},
	}, c.cfg.GoalTimeout)

	// preemption may have arrived while the head was moving
	if h.preemptRequested() {
		return preempted(h.id, fmt.Sprintf("cancelled while pointing (head %v)", state))
	}
	if ctx.Err() != nil {
		return preempted(h.id, "coordinator closed")
	}
	if state != pointhead.StateSucceeded {
		return aborted(h.id, fmt.Errorf("%w: point head goal ended in state %v", ErrActuatorFailed, state))
	}

	h.setStage(StageSynthesizing)
	pose, err := c.synth.Synthesize(state)
	if err != nil {
		return aborted(h.id, fmt.Errorf("failed to synthesize pose: %w", err))
	}
	if err := checkUnitQuaternion(pose.Pose().Orientation().Quaternion()); err != nil {
		return aborted(h.id, err)
	}
	return succeeded(h.id, pose)
}
