package pointhead

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/cenkalti/backoff/v4"
	"github.com/google/uuid"
	"go.viam.com/rdk/logging"
	goutils "go.viam.com/utils"
)

// ErrNotAvailable is returned by Connect when the actuator never reported ready.
var ErrNotAvailable = errors.New("point head actuator not available")

const (
	DefaultConnectAttempts = 3
	DefaultConnectTimeout  = 2 * time.Second
	DefaultPollInterval    = 100 * time.Millisecond

	cancelTimeout = 2 * time.Second
)

// Actuator is the downstream side of the point-head goal protocol.
type Actuator interface {
	// Ready returns nil once the actuator accepts goals.
	Ready(ctx context.Context) error
	SendGoal(ctx context.Context, id string, goal Goal) error
	GoalState(ctx context.Context, id string) (State, error)
	CancelGoal(ctx context.Context, id string) error
}

// Client owns at most one outstanding goal on an Actuator.
type Client struct {
	actuator     Actuator
	logger       logging.Logger
	pollInterval time.Duration

	mu        sync.Mutex
	connected bool
	active    string
}

// NewClient returns a disconnected client; call Connect before sending goals.
// A pollInterval <= 0 uses DefaultPollInterval.
func NewClient(actuator Actuator, pollInterval time.Duration, logger logging.Logger) *Client {
	if pollInterval <= 0 {
		pollInterval = DefaultPollInterval
	}
	return &Client{
		actuator:     actuator,
		logger:       logger,
		pollInterval: pollInterval,
	}
}

// Connect waits for the actuator to report ready, giving it attempts tries of up to
// timeout each. It fails with ErrNotAvailable when every attempt runs out.
func (c *Client) Connect(ctx context.Context, attempts int, timeout time.Duration) error {
	if attempts < 1 {
		attempts = 1
	}
	if timeout <= 0 {
		timeout = DefaultConnectTimeout
	}

	attempt := 0
	op := func() error {
		attempt++
		c.logger.Infof("Waiting for point head actuator (attempt %d/%d, timeout %v)", attempt, attempts, timeout)
		attemptCtx, cancel := context.WithTimeout(ctx, timeout)
		defer cancel()
		err := c.waitReady(attemptCtx)
		if err != nil {
			c.logger.Warnf("Point head actuator not ready: %v", err)
		}
		return err
	}

	b := backoff.WithContext(backoff.WithMaxRetries(&backoff.ZeroBackOff{}, uint64(attempts-1)), ctx)
	if err := backoff.Retry(op, b); err != nil {
		return fmt.Errorf("%w after %d attempts: %w", ErrNotAvailable, attempt, err)
	}

	c.mu.Lock()
	c.connected = true
	c.mu.Unlock()
	c.logger.Info("Point head actuator is ready")
	return nil
}

func (c *Client) waitReady(ctx context.Context) error {
	for {
		err := c.actuator.Ready(ctx)
		if err == nil {
			return nil
		}
		if !goutils.SelectContextOrWait(ctx, c.pollInterval) {
			return err
		}
	}
}

// SendGoalAndWait submits goal and blocks until it reaches a terminal state.
// Cancelling ctx cancels the goal downstream and yields StatePreempted; running past
// timeout cancels it and yields StateTimedOut. A timeout <= 0 waits indefinitely.
// A goal still outstanding from an earlier call is cancelled first.
func (c *Client) SendGoalAndWait(ctx context.Context, goal Goal, timeout time.Duration) State {
	id := uuid.NewString()

	c.mu.Lock()
	if !c.connected {
		c.mu.Unlock()
		c.logger.Errorf("Point head goal %s rejected: actuator is not connected", id)
		return StateAborted
	}
	prev := c.active
	c.active = id
	c.mu.Unlock()
	defer c.release(id)

	if prev != "" {
		c.logger.Infof("Cancelling point head goal %s before sending %s", prev, id)
		c.cancel(ctx, prev)
	}

	if err := c.actuator.SendGoal(ctx, id, goal); err != nil {
		if ctx.Err() != nil {
			return StatePreempted
		}
		c.logger.Errorf("Failed to send point head goal %s: %v", id, err)
		return StateAborted
	}
	c.logger.Debugf("Point head goal %s sent: target=%+v in %q", id, goal.Target.Point, goal.Target.Frame)

	var deadline <-chan time.Time
	if timeout > 0 {
		timer := time.NewTimer(timeout)
		defer timer.Stop()
		deadline = timer.C
	}
	ticker := time.NewTicker(c.pollInterval)
	defer ticker.Stop()

	for {
		if ctx.Err() != nil {
			c.cancel(ctx, id)
			return StatePreempted
		}
		state, err := c.actuator.GoalState(ctx, id)
		switch {
		case err != nil && ctx.Err() != nil:
			c.cancel(ctx, id)
			return StatePreempted
		case err != nil:
			c.logger.Errorf("Failed to read state of point head goal %s: %v", id, err)
			c.cancel(ctx, id)
			return StateAborted
		case state.Terminal():
			c.logger.Debugf("Point head goal %s finished: %v", id, state)
			return state
		}

		select {
		case <-ctx.Done():
			c.cancel(ctx, id)
			return StatePreempted
		case <-deadline:
			c.logger.Warnf("Point head goal %s timed out after %v", id, timeout)
			c.cancel(ctx, id)
			return StateTimedOut
		case <-ticker.C:
		}
	}
}

// cancel runs even when ctx is already done so the head is not left moving.
func (c *Client) cancel(ctx context.Context, id string) {
	cancelCtx, done := context.WithTimeout(context.WithoutCancel(ctx), cancelTimeout)
	defer done()
	if err := c.actuator.CancelGoal(cancelCtx, id); err != nil {
		c.logger.Warnf("Failed to cancel point head goal %s: %v", id, err)
	}
}

func (c *Client) release(id string) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.active == id {
		c.active = ""
	}
}
