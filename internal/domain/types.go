package domain

import (
	"encoding/json"
	"time"
)

type TeamID string

const (
	TeamResearch TeamID = "research"
	TeamWriting  TeamID = "writing"
	TeamJuno     TeamID = "juno"
)

// ExecutingTeams lists the teams that receive dispatched tasks, in the
// stable order used when merging their results.
func ExecutingTeams() []TeamID {
	return []TeamID{TeamResearch, TeamWriting}
}

// ScalableTeams lists every team with an agent-count budget.
func ScalableTeams() []TeamID {
	return []TeamID{TeamResearch, TeamWriting, TeamJuno}
}

type CyclePhase string

const (
	PhaseInit          CyclePhase = "init"
	PhaseDispatch      CyclePhase = "dispatch"
	PhaseExecuting     CyclePhase = "executing"
	PhaseScoring       CyclePhase = "scoring"
	PhaseRouting       CyclePhase = "routing"
	PhaseRemediating   CyclePhase = "remediating"
	PhaseCycleComplete CyclePhase = "cycle_complete"
	PhaseTerminated    CyclePhase = "terminated"
)

type OutcomeKind string

const (
	OutcomeSuccess         OutcomeKind = "success"
	OutcomeExecutionFailed OutcomeKind = "execution_failed"
	OutcomeTimeout         OutcomeKind = "timeout"
)

type IssueKind string

const (
	IssueCodeQuality        IssueKind = "code_quality"
	IssueResourceConstraint IssueKind = "resource_constraint"
)

type Task struct {
	ID             string    `json:"id"`
	Content        string    `json:"content"`
	SizeMultiplier float64   `json:"size_multiplier"`
	Deadline       time.Time `json:"deadline"`
	CreatedAt      time.Time `json:"created_at"`
}

type TaskResult struct {
	TaskID      string        `json:"task_id"`
	Team        TeamID        `json:"team_id"`
	Content     string        `json:"content"`
	CompletedAt time.Time     `json:"completed_at"`
	Elapsed     time.Duration `json:"elapsed"`
}

// Outcome is the closed union of what a team execution can produce. Exactly
// one variant is populated per Kind: Success carries Result, ExecutionFailed
// carries Error, Timeout carries neither (the deadline elapsed before a
// result was observed).
type Outcome struct {
	Kind   OutcomeKind `json:"kind"`
	Team   TeamID      `json:"team_id"`
	Result *TaskResult `json:"result,omitempty"`
	Error  string      `json:"error,omitempty"`
}

type QualityScore struct {
	TaskID string  `json:"task_id"`
	Value  float64 `json:"value"`
}

// TaskOutcome is one append-only metric record: how a single team fared on a
// single task. It is never mutated after creation.
type TaskOutcome struct {
	ID             int64         `json:"id,omitempty"`
	TaskID         string        `json:"task_id"`
	Team           TeamID        `json:"team_id"`
	Cycle          int           `json:"cycle"`
	Quality        float64       `json:"quality"`
	DeadlineMet    bool          `json:"deadline_met"`
	Failed         bool          `json:"failed"`
	SizeMultiplier float64       `json:"size_multiplier"`
	Elapsed        time.Duration `json:"elapsed"`
	RecordedAt     time.Time     `json:"recorded_at"`
}

type IssueRecord struct {
	ID        string    `json:"id"`
	Kind      IssueKind `json:"kind"`
	Team      TeamID    `json:"team_id,omitempty"`
	Evidence  string    `json:"evidence"`
	CreatedAt time.Time `json:"created_at"`
}

type FixRecord struct {
	IssueID     string    `json:"issue_id"`
	Description string    `json:"description"`
	Applied     bool      `json:"applied"`
	Verified    bool      `json:"verified"`
	CreatedAt   time.Time `json:"created_at"`
}

// FixOutcome is the result reported by a remediation collaborator.
type FixOutcome struct {
	Applied     bool   `json:"applied"`
	Verified    bool   `json:"verified"`
	Description string `json:"description,omitempty"`
}

// CycleState is the single mutable aggregate carried across cycles. Only the
// cycle controller writes to it; every other component receives it read-only
// and returns deltas.
type CycleState struct {
	ConsecutiveLowQuality     int                `json:"consecutive_low_quality_count"`
	ConsecutiveMissedDeadline int                `json:"consecutive_missed_deadline_count"`
	TeamLowQuality            map[TeamID]int     `json:"team_low_quality_counts"`
	TeamMissedDeadline        map[TeamID]int     `json:"team_missed_deadline_counts"`
	AgentCounts               map[TeamID]int     `json:"agent_counts"`
	ResourceConstrained       map[TeamID]bool    `json:"resource_constraint_flags"`
	IssuesIdentified          []IssueRecord      `json:"issues_identified"`
	FixesImplemented          []FixRecord        `json:"fixes_implemented"`
	Metrics                   []TaskOutcome      `json:"metrics"`
	CurrentTask               *Task              `json:"current_task,omitempty"`
	CompletedTasks            []string           `json:"completed_tasks"`
	ReviewScores              map[string]float64 `json:"review_scores"`
	Messages                  []string           `json:"messages"`
	ResearchResult            string             `json:"research_result"`
	WritingResult             string             `json:"writing_result"`
	JunoResult                string             `json:"juno_result"`
	CycleCount                int                `json:"cycle_count"`
	Phase                     CyclePhase         `json:"phase"`
}

// NewCycleState zero-initializes the aggregate with every scalable team at
// the configured minimum agent count.
func NewCycleState(minAgents int) *CycleState {
	counts := make(map[TeamID]int, len(ScalableTeams()))
	for _, team := range ScalableTeams() {
		counts[team] = minAgents
	}
	return &CycleState{
		TeamLowQuality:      make(map[TeamID]int),
		TeamMissedDeadline:  make(map[TeamID]int),
		AgentCounts:         counts,
		ResourceConstrained: make(map[TeamID]bool),
		ReviewScores:        make(map[string]float64),
		Phase:               PhaseInit,
	}
}

// RunOutput is the observable record returned by a run.
type RunOutput struct {
	Messages         []string           `json:"messages"`
	ResearchResult   string             `json:"research_result"`
	WritingResult    string             `json:"writing_result"`
	JunoResult       string             `json:"juno_result"`
	CurrentTask      string             `json:"current_task"`
	CompletedTasks   []string           `json:"completed_tasks"`
	Metrics          []TaskOutcome      `json:"metrics"`
	IssuesIdentified []string           `json:"issues_identified"`
	FixesImplemented []string           `json:"fixes_implemented"`
	ReviewScores     map[string]float64 `json:"review_scores"`
	AgentCounts      map[TeamID]int     `json:"agent_counts"`
	CycleCount       int                `json:"cycle_count"`
	Phase            CyclePhase         `json:"phase"`
}

type DecisionLog struct {
	ID        int64           `json:"id"`
	Cycle     int             `json:"cycle"`
	Actor     string          `json:"actor"`
	Action    string          `json:"action"`
	Reason    string          `json:"reason"`
	Payload   json.RawMessage `json:"payload"`
	CreatedAt time.Time       `json:"created_at"`
}

type EventKind string

const (
	EventCycleStarted   EventKind = "cycle_started"
	EventTeamResult     EventKind = "team_result"
	EventIssueRaised    EventKind = "issue_raised"
	EventFixRecorded    EventKind = "fix_recorded"
	EventScalingApplied EventKind = "scaling_applied"
	EventCycleCompleted EventKind = "cycle_completed"
	EventTerminated     EventKind = "terminated"
)

// Event is published on the in-process bus as the controller moves through a
// cycle; consumers must not mutate Payload.
type Event struct {
	Kind      EventKind       `json:"kind"`
	Cycle     int             `json:"cycle"`
	Team      TeamID          `json:"team_id,omitempty"`
	Payload   json.RawMessage `json:"payload,omitempty"`
	CreatedAt time.Time       `json:"created_at"`
}
