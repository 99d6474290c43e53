package evaluation

import (
	"math"
	"sort"
	"time"

	"junoloop/internal/domain"
)

// Report summarizes a run's recorded outcomes. Overall weighs deadline
// discipline heaviest because late work is the signal most operators act on.
type Report struct {
	GeneratedAt     time.Time                  `json:"generated_at"`
	Cycles          int                        `json:"cycles"`
	TasksCompleted  int                        `json:"tasks_completed"`
	SuccessRate     float64                    `json:"success_rate"`
	AvgQuality      float64                    `json:"avg_quality"`
	DeadlineMetRate float64                    `json:"deadline_met_rate"`
	AvgTaskSize     float64                    `json:"avg_task_size"`
	OverallScore    float64                    `json:"overall_score"`
	Teams           map[domain.TeamID]TeamStat `json:"teams"`
	Targets         []TargetResult             `json:"targets"`
	IssuesRaised    int                        `json:"issues_raised"`
	FixesApplied    int                        `json:"fixes_applied"`
	FixesVerified   int                        `json:"fixes_verified"`
}

type TeamStat struct {
	Tasks           int           `json:"tasks"`
	SuccessRate     float64       `json:"success_rate"`
	AvgQuality      float64       `json:"avg_quality"`
	DeadlineMetRate float64       `json:"deadline_met_rate"`
	AvgElapsed      time.Duration `json:"avg_elapsed_ns"`
}

type TargetResult struct {
	Name     string  `json:"name"`
	Target   float64 `json:"target"`
	Actual   float64 `json:"actual"`
	Achieved bool    `json:"achieved"`
}

type Evaluator struct {
	targets map[string]float64
	now     func() time.Time
}

func New(targets map[string]float64) *Evaluator {
	return &Evaluator{targets: targets, now: time.Now}
}

// Evaluate builds the report from the aggregate. It reads state only.
func (e *Evaluator) Evaluate(state *domain.CycleState) Report {
	r := Report{
		GeneratedAt:    e.now().UTC(),
		Cycles:         state.CycleCount,
		TasksCompleted: len(state.Metrics),
		Teams:          make(map[domain.TeamID]TeamStat),
		IssuesRaised:   len(state.IssuesIdentified),
	}
	for _, fix := range state.FixesImplemented {
		if fix.Applied {
			r.FixesApplied++
		}
		if fix.Verified {
			r.FixesVerified++
		}
	}

	if len(state.Metrics) > 0 {
		var successes, met int
		var qualitySum, sizeSum float64
		perTeam := make(map[domain.TeamID]*teamAccum)
		for _, m := range state.Metrics {
			qualitySum += m.Quality
			sizeSum += m.SizeMultiplier
			if !m.Failed {
				successes++
			}
			if m.DeadlineMet {
				met++
			}
			acc := perTeam[m.Team]
			if acc == nil {
				acc = &teamAccum{}
				perTeam[m.Team] = acc
			}
			acc.add(m)
		}
		n := float64(len(state.Metrics))
		r.SuccessRate = round3(float64(successes) / n)
		r.AvgQuality = round3(qualitySum / n)
		r.DeadlineMetRate = round3(float64(met) / n)
		r.AvgTaskSize = round3(sizeSum / n)
		r.OverallScore = round3(r.SuccessRate*0.25 + r.AvgQuality*0.35 + r.DeadlineMetRate*0.40)

		for team, acc := range perTeam {
			r.Teams[team] = acc.stat()
		}
	}

	r.Targets = e.targetResults(r)
	return r
}

func (e *Evaluator) targetResults(r Report) []TargetResult {
	names := make([]string, 0, len(e.targets))
	for name := range e.targets {
		names = append(names, name)
	}
	sort.Strings(names)

	out := make([]TargetResult, 0, len(names))
	for _, name := range names {
		target := e.targets[name]
		actual, known := actualFor(name, r)
		if !known {
			continue
		}
		out = append(out, TargetResult{
			Name:     name,
			Target:   target,
			Actual:   actual,
			Achieved: actual >= target,
		})
	}
	return out
}

func actualFor(name string, r Report) (float64, bool) {
	switch name {
	case "success_rate":
		return r.SuccessRate, true
	case "avg_quality", "quality", "response_quality":
		return r.AvgQuality, true
	case "deadline_met_rate", "deadline":
		return r.DeadlineMetRate, true
	case "overall_score":
		return r.OverallScore, true
	default:
		return 0, false
	}
}

type teamAccum struct {
	tasks      int
	successes  int
	met        int
	qualitySum float64
	elapsedSum time.Duration
}

func (a *teamAccum) add(m domain.TaskOutcome) {
	a.tasks++
	a.qualitySum += m.Quality
	a.elapsedSum += m.Elapsed
	if !m.Failed {
		a.successes++
	}
	if m.DeadlineMet {
		a.met++
	}
}

func (a *teamAccum) stat() TeamStat {
	n := float64(a.tasks)
	return TeamStat{
		Tasks:           a.tasks,
		SuccessRate:     round3(float64(a.successes) / n),
		AvgQuality:      round3(a.qualitySum / n),
		DeadlineMetRate: round3(float64(a.met) / n),
		AvgElapsed:      a.elapsedSum / time.Duration(a.tasks),
	}
}

func round3(f float64) float64 {
	return math.Round(f*1000) / 1000
}
