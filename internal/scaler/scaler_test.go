package scaler

import (
	"errors"
	"strings"
	"testing"
	"time"

	"junoloop/internal/domain"
)

func newScaler(max, window int) *Scaler {
	return New(Config{MinAgentsPerTeam: 1, MaxAgentsPerTeam: max, VerificationCycles: window})
}

func constraintIssue(team domain.TeamID) domain.IssueRecord {
	return domain.IssueRecord{
		ID:        "issue-" + string(team),
		Kind:      domain.IssueResourceConstraint,
		Team:      team,
		CreatedAt: time.Now(),
	}
}

func TestScaleAddsOneAgent(t *testing.T) {
	s := newScaler(3, 3)
	state := domain.NewCycleState(1)

	res := s.Scale(state, constraintIssue(domain.TeamResearch))
	if !res.Applied {
		t.Fatalf("Applied = false, want true")
	}
	if res.NewCount != 2 {
		t.Fatalf("NewCount = %d, want 2", res.NewCount)
	}
	if !res.Fix.Applied {
		t.Fatalf("Fix.Applied = false, want true")
	}

	Apply(state, res)
	if got := state.AgentCounts[domain.TeamResearch]; got != 2 {
		t.Fatalf("AgentCounts[research] = %d, want 2", got)
	}
	if state.ResourceConstrained[domain.TeamResearch] {
		t.Fatalf("research should not be marked resource constrained")
	}
	if got := state.AgentCounts[domain.TeamWriting]; got != 1 {
		t.Fatalf("scaling research must not touch writing, got %d", got)
	}
}

func TestScaleAtMaximumRecordsUnappliedFix(t *testing.T) {
	s := newScaler(3, 3)
	state := domain.NewCycleState(1)
	state.AgentCounts[domain.TeamWriting] = 3

	res := s.Scale(state, constraintIssue(domain.TeamWriting))
	if res.Applied {
		t.Fatalf("Applied = true at maximum, want false")
	}
	if res.Fix.Applied {
		t.Fatalf("Fix.Applied = true at maximum, want false")
	}
	if !res.Exhausted {
		t.Fatalf("Exhausted = false at maximum, want true")
	}
	if !errors.Is(res.Err, ErrResourceExhausted) {
		t.Fatalf("Err = %v, want ErrResourceExhausted", res.Err)
	}
	if res.NewCount != 3 {
		t.Fatalf("NewCount = %d, want unchanged 3", res.NewCount)
	}
	if !strings.Contains(res.Fix.Description, "operator") {
		t.Fatalf("fix description should escalate to operator, got %q", res.Fix.Description)
	}

	Apply(state, res)
	if !state.ResourceConstrained[domain.TeamWriting] {
		t.Fatalf("writing should be marked resource constrained")
	}
}

func TestVerificationWaitsForWindow(t *testing.T) {
	s := newScaler(3, 3)
	state := domain.NewCycleState(1)
	state.CycleCount = 2
	state.Metrics = outcomes(domain.TeamResearch, 0, []float64{0.5, 0.5}, 90*time.Second, false)

	res := s.Scale(state, constraintIssue(domain.TeamResearch))
	Apply(state, res)

	state.CycleCount = 4
	if due := s.DueVerifications(state); len(due) != 0 {
		t.Fatalf("got %d verifications before window closed, want 0", len(due))
	}

	state.CycleCount = 5
	state.Metrics = append(state.Metrics,
		outcomes(domain.TeamResearch, 3, []float64{0.9, 0.9, 0.9}, 20*time.Second, true)...)
	due := s.DueVerifications(state)
	if len(due) != 1 {
		t.Fatalf("got %d verifications, want 1", len(due))
	}
	if !due[0].Verified {
		t.Fatalf("improved team should verify, efficiency change %.3f", due[0].EfficiencyChange)
	}
	if due[0].EfficiencyChange <= 0 {
		t.Fatalf("EfficiencyChange = %.3f, want > 0", due[0].EfficiencyChange)
	}

	if again := s.DueVerifications(state); len(again) != 0 {
		t.Fatalf("verification should be consumed, got %d more", len(again))
	}
}

func TestVerificationFailsWhenPerformanceFlat(t *testing.T) {
	s := newScaler(3, 2)
	state := domain.NewCycleState(1)
	state.CycleCount = 1
	state.Metrics = outcomes(domain.TeamWriting, 0, []float64{0.6, 0.6}, 30*time.Second, true)

	res := s.Scale(state, constraintIssue(domain.TeamWriting))
	Apply(state, res)

	// Same quality and speed with twice the agents is an efficiency loss.
	state.CycleCount = 3
	state.Metrics = append(state.Metrics,
		outcomes(domain.TeamWriting, 2, []float64{0.6, 0.6}, 30*time.Second, true)...)
	due := s.DueVerifications(state)
	if len(due) != 1 {
		t.Fatalf("got %d verifications, want 1", len(due))
	}
	if due[0].Verified {
		t.Fatalf("flat performance at doubled headcount should not verify")
	}
}

func TestEfficiencyChangeNeedsSamples(t *testing.T) {
	empty := TeamPerformance{}
	full := TeamPerformance{AvgQuality: 0.9, SuccessRate: 1, AvgElapsed: time.Second, DeadlineMetRate: 1, Samples: 3}
	if got := EfficiencyChange(empty, full, 1, 2); got != 0 {
		t.Fatalf("EfficiencyChange with empty baseline = %.3f, want 0", got)
	}
	if got := EfficiencyChange(full, empty, 1, 2); got != 0 {
		t.Fatalf("EfficiencyChange with empty window = %.3f, want 0", got)
	}
}

func outcomes(team domain.TeamID, cycle int, qualities []float64, elapsed time.Duration, met bool) []domain.TaskOutcome {
	out := make([]domain.TaskOutcome, 0, len(qualities))
	for i, q := range qualities {
		out = append(out, domain.TaskOutcome{
			TaskID:      "t",
			Team:        team,
			Cycle:       cycle + i,
			Quality:     q,
			DeadlineMet: met,
			Elapsed:     elapsed,
			RecordedAt:  time.Now(),
		})
	}
	return out
}
