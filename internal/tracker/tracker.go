package tracker

import (
	"junoloop/internal/domain"
)

// Delta is the counter update produced by recording one outcome. The cycle
// controller applies it to CycleState; the tracker itself holds no state.
type Delta struct {
	Team                      domain.TeamID
	ConsecutiveLowQuality     int
	ConsecutiveMissedDeadline int
	TeamLowQuality            int
	TeamMissedDeadline        int
	LowQuality                bool
	MissedDeadline            bool
}

type Tracker struct {
	threshold float64
}

func New(qualityThreshold float64) *Tracker {
	return &Tracker{threshold: qualityThreshold}
}

// Record evaluates one scored outcome against the current counters. The two
// counters are independent: a good score resets only the quality counter, a
// met deadline resets only the deadline counter.
func (t *Tracker) Record(state *domain.CycleState, team domain.TeamID, score float64, metDeadline bool) Delta {
	d := Delta{Team: team}

	if score < t.threshold {
		d.LowQuality = true
		d.ConsecutiveLowQuality = state.ConsecutiveLowQuality + 1
		d.TeamLowQuality = state.TeamLowQuality[team] + 1
	} else {
		d.ConsecutiveLowQuality = 0
		d.TeamLowQuality = 0
	}

	if !metDeadline {
		d.MissedDeadline = true
		d.ConsecutiveMissedDeadline = state.ConsecutiveMissedDeadline + 1
		d.TeamMissedDeadline = state.TeamMissedDeadline[team] + 1
	} else {
		d.ConsecutiveMissedDeadline = 0
		d.TeamMissedDeadline = 0
	}

	return d
}

// Apply writes a delta into the aggregate. Called only by the cycle
// controller, which is the single writer of CycleState.
func Apply(state *domain.CycleState, d Delta) {
	state.ConsecutiveLowQuality = d.ConsecutiveLowQuality
	state.ConsecutiveMissedDeadline = d.ConsecutiveMissedDeadline
	state.TeamLowQuality[d.Team] = d.TeamLowQuality
	state.TeamMissedDeadline[d.Team] = d.TeamMissedDeadline
}

// WorstMissTeam picks the team that accumulated the most missed deadlines,
// the one a resource-constraint fix should target. Ties resolve in the
// stable executing-team order.
func WorstMissTeam(state *domain.CycleState) (domain.TeamID, int) {
	return worstOf(state.TeamMissedDeadline)
}

// WorstQualityTeam picks the team with the longest active low-quality
// streak. Per-team streaks drive issue routing: when teams alternate in the
// merge order, one team's good outcome resets the global counter and would
// otherwise mask a sibling's sustained degradation.
func WorstQualityTeam(state *domain.CycleState) (domain.TeamID, int) {
	return worstOf(state.TeamLowQuality)
}

func worstOf(counts map[domain.TeamID]int) (domain.TeamID, int) {
	worst := domain.TeamID("")
	worstCount := -1
	for _, team := range domain.ExecutingTeams() {
		if count := counts[team]; count > worstCount {
			worst = team
			worstCount = count
		}
	}
	return worst, worstCount
}
