package evaluation

import (
	"math"
	"testing"
	"time"

	"junoloop/internal/domain"
)

func metric(team domain.TeamID, quality float64, met, failed bool) domain.TaskOutcome {
	return domain.TaskOutcome{
		Team:           team,
		Quality:        quality,
		DeadlineMet:    met,
		Failed:         failed,
		SizeMultiplier: 1.0,
		Elapsed:        30 * time.Second,
		RecordedAt:     time.Now(),
	}
}

func TestEvaluateEmptyRun(t *testing.T) {
	e := New(nil)
	r := e.Evaluate(domain.NewCycleState(1))
	if r.TasksCompleted != 0 || r.OverallScore != 0 {
		t.Fatalf("empty run should score zero, got %+v", r)
	}
}

func TestOverallScoreWeights(t *testing.T) {
	e := New(nil)
	state := domain.NewCycleState(1)
	state.CycleCount = 2
	state.Metrics = []domain.TaskOutcome{
		metric(domain.TeamResearch, 0.8, true, false),
		metric(domain.TeamWriting, 0.6, false, false),
	}

	r := e.Evaluate(state)
	if r.SuccessRate != 1.0 {
		t.Fatalf("SuccessRate = %v, want 1.0", r.SuccessRate)
	}
	if r.AvgQuality != 0.7 {
		t.Fatalf("AvgQuality = %v, want 0.7", r.AvgQuality)
	}
	if r.DeadlineMetRate != 0.5 {
		t.Fatalf("DeadlineMetRate = %v, want 0.5", r.DeadlineMetRate)
	}
	want := 1.0*0.25 + 0.7*0.35 + 0.5*0.40
	if math.Abs(r.OverallScore-want) > 1e-9 {
		t.Fatalf("OverallScore = %v, want %v", r.OverallScore, want)
	}
}

func TestFailedTaskDragsSuccessRate(t *testing.T) {
	e := New(nil)
	state := domain.NewCycleState(1)
	state.Metrics = []domain.TaskOutcome{
		metric(domain.TeamResearch, 0.9, true, false),
		metric(domain.TeamResearch, 0.0, false, true),
	}

	r := e.Evaluate(state)
	if r.SuccessRate != 0.5 {
		t.Fatalf("SuccessRate = %v, want 0.5", r.SuccessRate)
	}
	team := r.Teams[domain.TeamResearch]
	if team.Tasks != 2 || team.SuccessRate != 0.5 {
		t.Fatalf("research team stat = %+v", team)
	}
}

func TestTargetAchievement(t *testing.T) {
	e := New(map[string]float64{
		"success_rate":  0.9,
		"avg_quality":   0.5,
		"response_time": 120, // no matching report field, skipped
	})
	state := domain.NewCycleState(1)
	state.Metrics = []domain.TaskOutcome{
		metric(domain.TeamResearch, 0.8, true, false),
		metric(domain.TeamWriting, 0.6, true, true),
	}

	r := e.Evaluate(state)
	if len(r.Targets) != 2 {
		t.Fatalf("got %d target results, want 2", len(r.Targets))
	}
	byName := map[string]TargetResult{}
	for _, tr := range r.Targets {
		byName[tr.Name] = tr
	}
	if got := byName["avg_quality"]; !got.Achieved {
		t.Fatalf("avg_quality 0.7 >= 0.5 should be achieved, got %+v", got)
	}
	if got := byName["success_rate"]; got.Achieved {
		t.Fatalf("success_rate 0.5 < 0.9 should not be achieved, got %+v", got)
	}
}

func TestFixBookkeeping(t *testing.T) {
	e := New(nil)
	state := domain.NewCycleState(1)
	state.FixesImplemented = []domain.FixRecord{
		{IssueID: "a", Applied: true, Verified: true},
		{IssueID: "b", Applied: true},
		{IssueID: "c", Applied: false},
	}
	state.IssuesIdentified = []domain.IssueRecord{{ID: "a"}, {ID: "b"}, {ID: "c"}}

	r := e.Evaluate(state)
	if r.IssuesRaised != 3 || r.FixesApplied != 2 || r.FixesVerified != 1 {
		t.Fatalf("bookkeeping = issues %d applied %d verified %d", r.IssuesRaised, r.FixesApplied, r.FixesVerified)
	}
}
