package sqlite

import (
	"context"
	"path/filepath"
	"testing"
	"time"

	"junoloop/internal/domain"
)

func newStore(t *testing.T) *Store {
	t.Helper()
	store, err := Open(filepath.Join(t.TempDir(), "test.db"))
	if err != nil {
		t.Fatalf("open store: %v", err)
	}
	t.Cleanup(func() {
		_ = store.Close()
	})
	if err := store.Migrate(context.Background()); err != nil {
		t.Fatalf("migrate: %v", err)
	}
	return store
}

func TestAppendAndListOutcomes(t *testing.T) {
	store := newStore(t)
	ctx := context.Background()

	outcomes := []domain.TaskOutcome{
		{TaskID: "t1", Team: domain.TeamResearch, Cycle: 1, Quality: 0.9, DeadlineMet: true, SizeMultiplier: 1.0, Elapsed: 1200 * time.Millisecond},
		{TaskID: "t1", Team: domain.TeamWriting, Cycle: 1, Quality: 0.4, DeadlineMet: false, SizeMultiplier: 1.0, Elapsed: 3400 * time.Millisecond},
		{TaskID: "t2", Team: domain.TeamResearch, Cycle: 2, Quality: 0.0, DeadlineMet: false, Failed: true, SizeMultiplier: 1.5},
	}
	for _, o := range outcomes {
		if err := store.AppendOutcome(ctx, o); err != nil {
			t.Fatalf("append outcome: %v", err)
		}
	}

	got, err := store.ListOutcomes(ctx, 10)
	if err != nil {
		t.Fatalf("list outcomes: %v", err)
	}
	if len(got) != 3 {
		t.Fatalf("outcomes=%d want 3", len(got))
	}
	// newest first
	if got[0].TaskID != "t2" || !got[0].Failed {
		t.Fatalf("unexpected head record: %+v", got[0])
	}
	if got[2].Elapsed != 1200*time.Millisecond {
		t.Fatalf("elapsed=%v want 1.2s", got[2].Elapsed)
	}

	research, err := store.ListTeamOutcomes(ctx, domain.TeamResearch, 10)
	if err != nil {
		t.Fatalf("list team outcomes: %v", err)
	}
	if len(research) != 2 {
		t.Fatalf("research outcomes=%d want 2", len(research))
	}
}

func TestIssueAndFixRoundTrip(t *testing.T) {
	store := newStore(t)
	ctx := context.Background()

	issue := domain.IssueRecord{
		ID:       "issue-1",
		Kind:     domain.IssueResourceConstraint,
		Team:     domain.TeamWriting,
		Evidence: "3 consecutive missed deadlines",
	}
	if err := store.CreateIssue(ctx, issue); err != nil {
		t.Fatalf("create issue: %v", err)
	}
	if err := store.CreateFix(ctx, domain.FixRecord{
		IssueID:     "issue-1",
		Description: "scaled writing team 1 -> 2 agents",
		Applied:     true,
	}); err != nil {
		t.Fatalf("create fix: %v", err)
	}

	issues, err := store.ListIssues(ctx, 10)
	if err != nil {
		t.Fatalf("list issues: %v", err)
	}
	if len(issues) != 1 || issues[0].Kind != domain.IssueResourceConstraint {
		t.Fatalf("unexpected issues: %+v", issues)
	}

	fixes, err := store.ListFixes(ctx, 10)
	if err != nil {
		t.Fatalf("list fixes: %v", err)
	}
	if len(fixes) != 1 || !fixes[0].Applied || fixes[0].Verified {
		t.Fatalf("unexpected fixes: %+v", fixes)
	}

	if err := store.MarkFixVerified(ctx, "issue-1"); err != nil {
		t.Fatalf("mark verified: %v", err)
	}
	fixes, err = store.ListFixes(ctx, 10)
	if err != nil {
		t.Fatalf("list fixes after verify: %v", err)
	}
	if !fixes[0].Verified {
		t.Fatal("fix should be verified")
	}
}

func TestCompletedTasksKeepOrder(t *testing.T) {
	store := newStore(t)
	ctx := context.Background()

	for i, content := range []string{"first", "second", "third"} {
		task := domain.Task{ID: content, Content: content}
		if err := store.ArchiveCompletedTask(ctx, task, i+1); err != nil {
			t.Fatalf("archive: %v", err)
		}
	}
	got, err := store.ListCompletedTasks(ctx, 10)
	if err != nil {
		t.Fatalf("list completed: %v", err)
	}
	want := []string{"first", "second", "third"}
	if len(got) != len(want) {
		t.Fatalf("completed=%d want %d", len(got), len(want))
	}
	for i := range want {
		if got[i] != want[i] {
			t.Fatalf("completed[%d]=%s want %s", i, got[i], want[i])
		}
	}
}

func TestDecisionLog(t *testing.T) {
	store := newStore(t)
	ctx := context.Background()

	if err := store.LogDecision(ctx, domain.DecisionLog{
		Cycle:  1,
		Actor:  "supervisor",
		Action: "issue_raised",
		Reason: "low quality threshold crossed",
	}); err != nil {
		t.Fatalf("log decision: %v", err)
	}
	decisions, err := store.ListDecisions(ctx, 10)
	if err != nil {
		t.Fatalf("list decisions: %v", err)
	}
	if len(decisions) != 1 || decisions[0].Action != "issue_raised" {
		t.Fatalf("unexpected decisions: %+v", decisions)
	}
	if string(decisions[0].Payload) != "{}" {
		t.Fatalf("payload=%s want {}", decisions[0].Payload)
	}
}
