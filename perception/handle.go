package perception

import (
	"context"
	"sync"
)

// GoalHandle tracks one submitted goal from acceptance to its result.
type GoalHandle struct {
	id   string
	goal Goal

	ctx    context.Context
	cancel context.CancelFunc
	done   chan struct{}

	mu     sync.Mutex
	stage  Stage
	result Result
}

func newGoalHandle(id string, goal Goal) *GoalHandle {
	ctx, cancel := context.WithCancel(context.Background())
	return &GoalHandle{
		id:     id,
		goal:   goal,
		ctx:    ctx,
		cancel: cancel,
		done:   make(chan struct{}),
		stage:  StagePending,
	}
}

func (h *GoalHandle) ID() string {
	return h.id
}

// Cancel requests preemption. The goal stops at its next checkpoint.
func (h *GoalHandle) Cancel() {
	h.cancel()
}

// Done is closed once the result is available.
func (h *GoalHandle) Done() <-chan struct{} {
	return h.done
}

// Stage returns the latest feedback.
func (h *GoalHandle) Stage() Stage {
	h.mu.Lock()
	defer h.mu.Unlock()
	return h.stage
}

// Result returns the result and true once the goal has finished.
func (h *GoalHandle) Result() (Result, bool) {
	select {
	case <-h.done:
		h.mu.Lock()
		defer h.mu.Unlock()
		return h.result, true
	default:
		return Result{}, false
	}
}

// Wait blocks until the goal finishes or ctx is done.
func (h *GoalHandle) Wait(ctx context.Context) (Result, error) {
	select {
	case <-h.done:
		r, _ := h.Result()
		return r, nil
	case <-ctx.Done():
		return Result{}, ctx.Err()
	}
}

func (h *GoalHandle) preemptRequested() bool {
	return h.ctx.Err() != nil
}

func (h *GoalHandle) setStage(stage Stage) {
	h.mu.Lock()
	defer h.mu.Unlock()
	h.stage = stage
}

// finish records r unless a result was already recorded.
func (h *GoalHandle) finish(r Result) bool {
	h.mu.Lock()
	defer h.mu.Unlock()
	select {
	case <-h.done:
		return false
	default:
	}
	h.result = r
	h.stage = StageDone
	close(h.done)
	h.cancel()
	return true
}
