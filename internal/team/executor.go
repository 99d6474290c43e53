package team

import (
	"context"
	"errors"
	"fmt"
	"time"

	"junoloop/internal/domain"
)

// ErrExecutionFailed signals that a team could not complete a task at all.
// The orchestration layer treats it as quality 0.0 plus a missed deadline.
var ErrExecutionFailed = errors.New("team execution failed")

// Executor is the contract for a worker team. Implementations may be invoked
// concurrently with other teams but never concurrently with themselves.
type Executor interface {
	ID() domain.TeamID
	Execute(ctx context.Context, task domain.Task) (domain.TaskResult, error)
}

// ScriptedExecutor is a deterministic in-process team used by the default
// wiring and the tests. Work takes Delay divided by the current agent count,
// so scaled teams visibly speed up.
type ScriptedExecutor struct {
	Team       domain.TeamID
	Delay      time.Duration
	AgentCount func() int
	Compose    func(task domain.Task) string
	FailNext   func() bool
}

func (e *ScriptedExecutor) ID() domain.TeamID {
	return e.Team
}

func (e *ScriptedExecutor) Execute(ctx context.Context, task domain.Task) (domain.TaskResult, error) {
	start := time.Now()

	if e.FailNext != nil && e.FailNext() {
		return domain.TaskResult{}, fmt.Errorf("%w: %s executor gave up on %s", ErrExecutionFailed, e.Team, task.ID)
	}

	delay := e.Delay
	if e.AgentCount != nil {
		if agents := e.AgentCount(); agents > 1 {
			delay = delay / time.Duration(agents)
		}
	}
	if delay > 0 {
		timer := time.NewTimer(delay)
		defer timer.Stop()
		select {
		case <-ctx.Done():
			return domain.TaskResult{}, ctx.Err()
		case <-timer.C:
		}
	}

	content := fmt.Sprintf("%s output for %q", e.Team, task.Content)
	if e.Compose != nil {
		content = e.Compose(task)
	}
	completed := time.Now()
	return domain.TaskResult{
		TaskID:      task.ID,
		Team:        e.Team,
		Content:     content,
		CompletedAt: completed.UTC(),
		Elapsed:     completed.Sub(start),
	}, nil
}
