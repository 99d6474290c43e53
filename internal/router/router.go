package router

import (
	"fmt"
	"time"

	"github.com/google/uuid"

	"junoloop/internal/domain"
	"junoloop/internal/tracker"
)

// Issue thresholds. Quality fires at >= 3, deadline at > 2. Both are edge
// triggers: the counter resets after emission and must re-accumulate from
// zero before the same class can fire again.
const (
	lowQualityThreshold     = 3
	missedDeadlineThreshold = 2
)

type Config struct {
	AllowCodeChanges bool
	ResourceScaling  bool
}

// RoutedIssue pairs an issue with its dispatch decision. Dispatch is false
// when the issue is recorded for the operator but no collaborator may act on
// it (code changes disallowed, or scaling disabled).
type RoutedIssue struct {
	Issue    domain.IssueRecord
	Dispatch bool
}

// Result is the router's delta for one cycle: issues to record plus the
// counter resets the controller must apply. The team fields name the
// per-team streak consumed by an issue, when one triggered it.
type Result struct {
	Issues                  []RoutedIssue
	ResetLowQuality         bool
	ResetMissedDeadline     bool
	ResetLowQualityTeam     domain.TeamID
	ResetMissedDeadlineTeam domain.TeamID
}

type Router struct {
	cfg Config
	now func() time.Time
}

func New(cfg Config) *Router {
	return &Router{cfg: cfg, now: time.Now}
}

// WithClock overrides the time source. Tests only.
func (r *Router) WithClock(now func() time.Time) *Router {
	r.now = now
	return r
}

// Classify evaluates both thresholds independently; both may fire in the
// same cycle. Each class fires on the global counter or on the worst
// per-team streak, whichever crosses first: teams landing in the same cycle
// reset each other's global counter, so a single degrading team is only
// visible through its own streak. It never mutates state.
func (r *Router) Classify(state *domain.CycleState) Result {
	var result Result
	now := r.now().UTC()

	qualityTeam, qualityStreak := tracker.WorstQualityTeam(state)
	if state.ConsecutiveLowQuality >= lowQualityThreshold || qualityStreak >= lowQualityThreshold {
		issue := domain.IssueRecord{
			ID:   uuid.NewString(),
			Kind: domain.IssueCodeQuality,
			Evidence: fmt.Sprintf("quality below threshold for %d consecutive tasks",
				state.ConsecutiveLowQuality),
			CreatedAt: now,
		}
		if state.ConsecutiveLowQuality < lowQualityThreshold {
			issue.Team = qualityTeam
			issue.Evidence = fmt.Sprintf("%s quality below threshold for %d consecutive tasks",
				qualityTeam, qualityStreak)
		}
		if qualityStreak > 0 {
			result.ResetLowQualityTeam = qualityTeam
		}
		result.Issues = append(result.Issues, RoutedIssue{
			Issue:    issue,
			Dispatch: r.cfg.AllowCodeChanges,
		})
		result.ResetLowQuality = true
	}

	missTeam, missStreak := tracker.WorstMissTeam(state)
	if state.ConsecutiveMissedDeadline > missedDeadlineThreshold || missStreak > missedDeadlineThreshold {
		issue := domain.IssueRecord{
			ID:   uuid.NewString(),
			Kind: domain.IssueResourceConstraint,
			Team: missTeam,
			Evidence: fmt.Sprintf("%d consecutive missed deadlines, worst offender %s (%d misses)",
				state.ConsecutiveMissedDeadline, missTeam, missStreak),
			CreatedAt: now,
		}
		if state.ConsecutiveMissedDeadline <= missedDeadlineThreshold {
			issue.Evidence = fmt.Sprintf("%s missed %d consecutive deadlines", missTeam, missStreak)
		}
		if missStreak > 0 {
			result.ResetMissedDeadlineTeam = missTeam
		}
		result.Issues = append(result.Issues, RoutedIssue{
			Issue:    issue,
			Dispatch: r.cfg.ResourceScaling,
		})
		result.ResetMissedDeadline = true
	}

	return result
}

// ApplyResets zeroes the counters consumed by emitted issues. Called only by
// the cycle controller.
func ApplyResets(state *domain.CycleState, result Result) {
	if result.ResetLowQuality {
		state.ConsecutiveLowQuality = 0
	}
	if result.ResetMissedDeadline {
		state.ConsecutiveMissedDeadline = 0
	}
	if result.ResetLowQualityTeam != "" {
		state.TeamLowQuality[result.ResetLowQualityTeam] = 0
	}
	if result.ResetMissedDeadlineTeam != "" {
		state.TeamMissedDeadline[result.ResetMissedDeadlineTeam] = 0
	}
}
