package team

import (
	"context"
	"errors"
	"math/rand"
	"testing"
	"time"

	"junoloop/internal/domain"
)

func sampleTask() domain.Task {
	now := time.Now().UTC()
	return domain.Task{
		ID:             "task-1",
		Content:        "Task #1: Technical documentation",
		SizeMultiplier: 1.0,
		Deadline:       now.Add(30 * time.Minute),
		CreatedAt:      now,
	}
}

func TestScriptedExecutorProducesResult(t *testing.T) {
	ex := &ScriptedExecutor{Team: domain.TeamResearch}
	result, err := ex.Execute(context.Background(), sampleTask())
	if err != nil {
		t.Fatalf("Execute: %v", err)
	}
	if result.Team != domain.TeamResearch || result.TaskID != "task-1" {
		t.Fatalf("unexpected result %+v", result)
	}
	if result.Content == "" {
		t.Fatalf("result content empty")
	}
}

func TestScriptedExecutorFailureWrapsSentinel(t *testing.T) {
	ex := &ScriptedExecutor{
		Team:     domain.TeamWriting,
		FailNext: func() bool { return true },
	}
	_, err := ex.Execute(context.Background(), sampleTask())
	if !errors.Is(err, ErrExecutionFailed) {
		t.Fatalf("err = %v, want ErrExecutionFailed", err)
	}
}

func TestScriptedExecutorMoreAgentsFinishFaster(t *testing.T) {
	ex := &ScriptedExecutor{
		Team:       domain.TeamResearch,
		Delay:      120 * time.Millisecond,
		AgentCount: func() int { return 3 },
	}
	start := time.Now()
	if _, err := ex.Execute(context.Background(), sampleTask()); err != nil {
		t.Fatalf("Execute: %v", err)
	}
	if elapsed := time.Since(start); elapsed >= 120*time.Millisecond {
		t.Fatalf("three agents took %s, want under the single-agent delay", elapsed)
	}
}

func TestScriptedExecutorHonorsContext(t *testing.T) {
	ex := &ScriptedExecutor{
		Team:  domain.TeamResearch,
		Delay: time.Second,
	}
	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Millisecond)
	defer cancel()

	_, err := ex.Execute(ctx, sampleTask())
	if !errors.Is(err, context.DeadlineExceeded) {
		t.Fatalf("err = %v, want context.DeadlineExceeded", err)
	}
}

func TestReviewerScoresStayInRange(t *testing.T) {
	r := NewReviewer(rand.New(rand.NewSource(7)))
	task := sampleTask()
	task.SizeMultiplier = 2.0

	for i := 0; i < 100; i++ {
		score, err := r.Score(context.Background(), task, domain.TaskResult{
			TaskID:  task.ID,
			Team:    domain.TeamWriting,
			Content: `writing output for "Task #1: Technical documentation"`,
		})
		if err != nil {
			t.Fatalf("Score: %v", err)
		}
		if score < 0 || score > 1 {
			t.Fatalf("score %v out of range", score)
		}
	}
}

func TestReviewerIsSeedReproducible(t *testing.T) {
	task := sampleTask()
	result := domain.TaskResult{Content: "research output for \"Task #1: Technical documentation\""}

	a := NewReviewer(rand.New(rand.NewSource(42)))
	b := NewReviewer(rand.New(rand.NewSource(42)))
	for i := 0; i < 10; i++ {
		sa, _ := a.Score(context.Background(), task, result)
		sb, _ := b.Score(context.Background(), task, result)
		if sa != sb {
			t.Fatalf("same seed diverged at draw %d: %v vs %v", i, sa, sb)
		}
	}
}

func TestJunoProposerDescribesIssue(t *testing.T) {
	p := &JunoProposer{}
	outcome, err := p.ProposeFix(context.Background(), domain.IssueRecord{
		ID:       "issue-9",
		Kind:     domain.IssueCodeQuality,
		Evidence: "quality below threshold for 3 consecutive tasks",
	})
	if err != nil {
		t.Fatalf("ProposeFix: %v", err)
	}
	if !outcome.Applied {
		t.Fatalf("Applied = false, want true")
	}
	if outcome.Description == "" {
		t.Fatalf("description empty")
	}
}
