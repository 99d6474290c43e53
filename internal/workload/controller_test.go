package workload

import (
	"fmt"
	"math/rand"
	"testing"
	"time"

	"junoloop/internal/domain"
)

func fixedClock() func() time.Time {
	at := time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC)
	return func() time.Time { return at }
}

func testConfig() Config {
	return Config{
		EnableDynamicWorkload:  true,
		RandomWorkloadIncrease: 0.3,
		MaxTaskSizeMultiplier:  2.0,
		DefaultDeadlineMinutes: 30,
		TaskCategories:         []string{"Research and report", "Data analysis"},
	}
}

func TestDisabledWorkloadAlwaysStandardSize(t *testing.T) {
	cfg := testConfig()
	cfg.EnableDynamicWorkload = false
	ctrl := New(cfg, rand.New(rand.NewSource(1))).WithClock(fixedClock())
	state := domain.NewCycleState(1)

	for i := 0; i < 50; i++ {
		task := ctrl.NextTask(state, "")
		if task.SizeMultiplier != 1.0 {
			t.Fatalf("multiplier=%g want 1.0", task.SizeMultiplier)
		}
		want := fixedClock()().Add(30 * time.Minute)
		if !task.Deadline.Equal(want) {
			t.Fatalf("deadline=%v want %v", task.Deadline, want)
		}
	}
}

func TestMultiplierStaysInBounds(t *testing.T) {
	cfg := testConfig()
	cfg.RandomWorkloadIncrease = 1.0 // force the increase branch
	ctrl := New(cfg, rand.New(rand.NewSource(7))).WithClock(fixedClock())
	state := domain.NewCycleState(1)

	for i := 0; i < 200; i++ {
		task := ctrl.NextTask(state, "")
		if task.SizeMultiplier <= 1.0 || task.SizeMultiplier > cfg.MaxTaskSizeMultiplier {
			t.Fatalf("multiplier=%g outside (1.0, %g]", task.SizeMultiplier, cfg.MaxTaskSizeMultiplier)
		}
	}
}

func TestLargerTasksGetTighterDeadlines(t *testing.T) {
	cfg := testConfig()
	cfg.RandomWorkloadIncrease = 1.0
	ctrl := New(cfg, rand.New(rand.NewSource(3))).WithClock(fixedClock())
	state := domain.NewCycleState(1)

	task := ctrl.NextTask(state, "")
	window := task.Deadline.Sub(task.CreatedAt)
	full := time.Duration(cfg.DefaultDeadlineMinutes) * time.Minute
	if window >= full {
		t.Fatalf("window=%v should be tighter than %v for multiplier %g", window, full, task.SizeMultiplier)
	}
	wantWindow := time.Duration(float64(cfg.DefaultDeadlineMinutes) / task.SizeMultiplier * float64(time.Minute))
	if diff := window - wantWindow; diff < -time.Millisecond || diff > time.Millisecond {
		t.Fatalf("window=%v want %v", window, wantWindow)
	}
}

func TestSeededSequenceIsReproducible(t *testing.T) {
	state := domain.NewCycleState(1)

	first := New(testConfig(), rand.New(rand.NewSource(42))).WithClock(fixedClock())
	second := New(testConfig(), rand.New(rand.NewSource(42))).WithClock(fixedClock())

	for i := 0; i < 20; i++ {
		a := first.NextTask(state, "")
		b := second.NextTask(state, "")
		if a.SizeMultiplier != b.SizeMultiplier {
			t.Fatalf("step %d: multipliers diverged %g vs %g", i, a.SizeMultiplier, b.SizeMultiplier)
		}
		if a.Content != b.Content {
			t.Fatalf("step %d: content diverged %q vs %q", i, a.Content, b.Content)
		}
	}
}

func TestGeneratedContentIsNumbered(t *testing.T) {
	ctrl := New(testConfig(), rand.New(rand.NewSource(5))).WithClock(fixedClock())
	state := domain.NewCycleState(1)
	state.CycleCount = 4

	task := ctrl.NextTask(state, "")
	want := fmt.Sprintf("Task #%d:", 5)
	if len(task.Content) < len(want) || task.Content[:len(want)] != want {
		t.Fatalf("content=%q should start with %q", task.Content, want)
	}
}

func TestExplicitContentIsKept(t *testing.T) {
	ctrl := New(testConfig(), rand.New(rand.NewSource(5))).WithClock(fixedClock())
	task := ctrl.NextTask(domain.NewCycleState(1), "Research quantum computing")
	if task.Content != "Research quantum computing" {
		t.Fatalf("content=%q want the supplied prompt", task.Content)
	}
}
