package scaler

import (
	"errors"
	"fmt"
	"sync"
	"time"

	"junoloop/internal/domain"
)

// ErrResourceExhausted marks a team already at its maximum agent count. The
// condition is persistent: it repeats on every subsequent resource-constraint
// classification until configuration changes.
var ErrResourceExhausted = errors.New("team already at maximum agent count")

type Config struct {
	MinAgentsPerTeam   int
	MaxAgentsPerTeam   int
	VerificationCycles int
}

// Result is the scaler's delta for one issue. The controller applies it to
// CycleState; each team's count is written independently so two teams scaling
// in the same cycle never race on a shared counter.
type Result struct {
	Fix       domain.FixRecord
	Team      domain.TeamID
	NewCount  int
	Applied   bool
	Exhausted bool
	Err       error
}

// Verification reports whether a scaled team earned its extra agent over the
// monitoring window.
type Verification struct {
	IssueID          string
	Team             domain.TeamID
	Verified         bool
	EfficiencyChange float64
}

type pendingVerification struct {
	issueID  string
	team     domain.TeamID
	dueCycle int
	atCycle  int
	baseline TeamPerformance
	oldCount int
	newCount int
}

type Scaler struct {
	cfg Config
	now func() time.Time

	mu      sync.Mutex
	pending []pendingVerification
}

func New(cfg Config) *Scaler {
	if cfg.VerificationCycles <= 0 {
		cfg.VerificationCycles = 3
	}
	return &Scaler{cfg: cfg, now: time.Now}
}

// Scale responds to a resource-constraint issue by adding one agent to the
// affected team, clamped to the configured maximum. At the maximum the fix is
// recorded unapplied and the issue re-escalates to the operator.
func (s *Scaler) Scale(state *domain.CycleState, issue domain.IssueRecord) Result {
	team := issue.Team
	current := state.AgentCounts[team]
	if current < s.cfg.MinAgentsPerTeam {
		current = s.cfg.MinAgentsPerTeam
	}

	if current >= s.cfg.MaxAgentsPerTeam {
		return Result{
			Fix: domain.FixRecord{
				IssueID: issue.ID,
				Description: fmt.Sprintf("cannot scale %s team: already at maximum %d agents, operator intervention required",
					team, s.cfg.MaxAgentsPerTeam),
				Applied:   false,
				Verified:  false,
				CreatedAt: s.now().UTC(),
			},
			Team:      team,
			NewCount:  current,
			Exhausted: true,
			Err:       fmt.Errorf("%w: %s team", ErrResourceExhausted, team),
		}
	}

	newCount := current + 1
	s.mu.Lock()
	s.pending = append(s.pending, pendingVerification{
		issueID:  issue.ID,
		team:     team,
		dueCycle: state.CycleCount + s.cfg.VerificationCycles,
		atCycle:  state.CycleCount,
		baseline: Performance(state.Metrics, team),
		oldCount: current,
		newCount: newCount,
	})
	s.mu.Unlock()

	return Result{
		Fix: domain.FixRecord{
			IssueID: issue.ID,
			Description: fmt.Sprintf("scaled %s team from %d to %d agents",
				team, current, newCount),
			Applied:   true,
			Verified:  false,
			CreatedAt: s.now().UTC(),
		},
		Team:     team,
		NewCount: newCount,
		Applied:  true,
	}
}

// Apply writes a scaling result into the aggregate. Called only by the cycle
// controller.
func Apply(state *domain.CycleState, r Result) {
	state.AgentCounts[r.Team] = r.NewCount
	state.ResourceConstrained[r.Team] = r.Exhausted
}

// DueVerifications closes every monitoring window that has elapsed, judging
// each scaled team by the efficiency change between its baseline and the
// outcomes recorded since the scaling cycle.
func (s *Scaler) DueVerifications(state *domain.CycleState) []Verification {
	s.mu.Lock()
	defer s.mu.Unlock()

	var due []Verification
	var remaining []pendingVerification
	for _, p := range s.pending {
		if state.CycleCount < p.dueCycle {
			remaining = append(remaining, p)
			continue
		}
		after := performanceSince(state.Metrics, p.team, p.atCycle)
		change := EfficiencyChange(p.baseline, after, p.oldCount, p.newCount)
		due = append(due, Verification{
			IssueID:          p.issueID,
			Team:             p.team,
			Verified:         change > 0,
			EfficiencyChange: change,
		})
	}
	s.pending = remaining
	return due
}

// TeamPerformance aggregates one team's outcome metrics.
type TeamPerformance struct {
	AvgQuality      float64
	SuccessRate     float64
	AvgElapsed      time.Duration
	DeadlineMetRate float64
	Samples         int
}

func Performance(metrics []domain.TaskOutcome, team domain.TeamID) TeamPerformance {
	return performanceSince(metrics, team, -1)
}

func performanceSince(metrics []domain.TaskOutcome, team domain.TeamID, afterCycle int) TeamPerformance {
	var perf TeamPerformance
	var elapsedSum time.Duration
	var qualitySum float64
	var successes, deadlinesMet int

	for _, m := range metrics {
		if m.Team != team || m.Cycle <= afterCycle {
			continue
		}
		perf.Samples++
		qualitySum += m.Quality
		elapsedSum += m.Elapsed
		if !m.Failed {
			successes++
		}
		if m.DeadlineMet {
			deadlinesMet++
		}
	}
	if perf.Samples == 0 {
		return perf
	}
	n := float64(perf.Samples)
	perf.AvgQuality = qualitySum / n
	perf.SuccessRate = float64(successes) / n
	perf.AvgElapsed = elapsedSum / time.Duration(perf.Samples)
	perf.DeadlineMetRate = float64(deadlinesMet) / n
	return perf
}

// EfficiencyChange weighs the performance shift against the resource cost.
// Positive means the team produced more than the added agent cost; the
// weights favor quality and speed over raw success counts.
func EfficiencyChange(before, after TeamPerformance, oldCount, newCount int) float64 {
	if oldCount == 0 || newCount == 0 || before.Samples == 0 || after.Samples == 0 {
		return 0
	}

	ratio := func(a, b float64) float64 {
		if b <= 0 {
			return 1.0
		}
		return a / b
	}

	qualityRatio := ratio(after.AvgQuality, before.AvgQuality)
	successRatio := ratio(after.SuccessRate, before.SuccessRate)
	speedRatio := ratio(float64(before.AvgElapsed), float64(after.AvgElapsed))
	deadlineRatio := ratio(after.DeadlineMetRate, before.DeadlineMetRate)

	performanceChange := qualityRatio*0.3 + successRatio*0.2 + speedRatio*0.3 + deadlineRatio*0.2
	resourceRatio := float64(newCount) / float64(oldCount)
	return performanceChange/resourceRatio - 1.0
}
