package workload

import (
	"fmt"
	"math"
	"math/rand"
	"time"

	"github.com/google/uuid"

	"junoloop/internal/domain"
)

type Config struct {
	EnableDynamicWorkload  bool
	RandomWorkloadIncrease float64
	MaxTaskSizeMultiplier  float64
	DefaultDeadlineMinutes int
	TaskCategories         []string
}

// Controller produces the next task for a cycle. The random source is
// injected so a fixed seed reproduces the full workload sequence.
type Controller struct {
	cfg Config
	rng *rand.Rand
	now func() time.Time
}

func New(cfg Config, rng *rand.Rand) *Controller {
	if rng == nil {
		rng = rand.New(rand.NewSource(time.Now().UnixNano()))
	}
	return &Controller{
		cfg: cfg,
		rng: rng,
		now: time.Now,
	}
}

// WithClock overrides the time source. Tests only.
func (c *Controller) WithClock(now func() time.Time) *Controller {
	c.now = now
	return c
}

// NextTask creates the task for the upcoming cycle. When content is empty a
// task description is generated from the configured categories. Larger tasks
// get proportionally tighter deadlines: the deadline window is the default
// divided by the size multiplier.
func (c *Controller) NextTask(state *domain.CycleState, content string) domain.Task {
	multiplier := 1.0
	if c.cfg.EnableDynamicWorkload && c.rng.Float64() < c.cfg.RandomWorkloadIncrease {
		multiplier = c.drawMultiplier()
	}

	now := c.now().UTC()
	window := time.Duration(float64(c.cfg.DefaultDeadlineMinutes) / multiplier * float64(time.Minute))

	if content == "" {
		content = c.generateContent(state.CycleCount + 1)
	}
	return domain.Task{
		ID:             uuid.NewString(),
		Content:        content,
		SizeMultiplier: multiplier,
		Deadline:       now.Add(window),
		CreatedAt:      now,
	}
}

// drawMultiplier samples uniformly from (1.0, max]. Subtracting from max
// keeps the upper bound inclusive and excludes 1.0 itself.
func (c *Controller) drawMultiplier() float64 {
	max := c.cfg.MaxTaskSizeMultiplier
	if max <= 1.0 {
		return 1.0
	}
	m := max - c.rng.Float64()*(max-1.0)
	return math.Round(m*100) / 100
}

func (c *Controller) generateContent(cycle int) string {
	category := "General work"
	if len(c.cfg.TaskCategories) > 0 {
		category = c.cfg.TaskCategories[c.rng.Intn(len(c.cfg.TaskCategories))]
	}
	return fmt.Sprintf("Task #%d: %s", cycle, category)
}
