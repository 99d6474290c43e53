package team

import (
	"context"
	"math"
	"math/rand"
	"strings"
	"sync"

	"junoloop/internal/domain"
)

// Reviewer grades completed results with a completeness heuristic plus a
// small amount of injected noise. The noise source is seeded by the caller so
// a run's review scores are reproducible.
type Reviewer struct {
	mu  sync.Mutex
	rng *rand.Rand
}

func NewReviewer(rng *rand.Rand) *Reviewer {
	if rng == nil {
		rng = rand.New(rand.NewSource(1))
	}
	return &Reviewer{rng: rng}
}

func (r *Reviewer) Score(_ context.Context, task domain.Task, result domain.TaskResult) (float64, error) {
	score := 0.5
	content := strings.TrimSpace(result.Content)
	if content != "" {
		score += 0.2
	}
	if topic := taskTopic(task.Content); topic != "" && strings.Contains(content, topic) {
		score += 0.2
	}
	// Oversized tasks are harder to do well.
	if task.SizeMultiplier > 1.0 {
		score -= 0.05 * (task.SizeMultiplier - 1.0)
	}

	r.mu.Lock()
	score += (r.rng.Float64() - 0.5) * 0.1
	r.mu.Unlock()

	return math.Max(0, math.Min(1, score)), nil
}

// taskTopic strips the "Task #N:" numbering so generated and submitted tasks
// review the same way.
func taskTopic(content string) string {
	if i := strings.Index(content, ":"); i >= 0 && strings.HasPrefix(content, "Task #") {
		return strings.TrimSpace(content[i+1:])
	}
	return strings.TrimSpace(content)
}
