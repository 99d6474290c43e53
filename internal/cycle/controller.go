package cycle

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log"
	"sync"
	"time"

	"golang.org/x/sync/errgroup"

	"junoloop/internal/domain"
	"junoloop/internal/router"
	"junoloop/internal/scaler"
	"junoloop/internal/team"
	"junoloop/internal/tracker"
	"junoloop/internal/workload"
)

const supervisorActor = "supervisor"

// ErrNoPendingTasks is returned when task generation is disabled and the
// submission queue is empty.
var ErrNoPendingTasks = errors.New("no pending tasks and auto generation is disabled")

type Store interface {
	AppendOutcome(ctx context.Context, o domain.TaskOutcome) error
	CreateIssue(ctx context.Context, issue domain.IssueRecord) error
	CreateFix(ctx context.Context, fix domain.FixRecord) error
	MarkFixVerified(ctx context.Context, issueID string) error
	ArchiveCompletedTask(ctx context.Context, task domain.Task, cycle int) error
	LogDecision(ctx context.Context, entry domain.DecisionLog) error
}

type Bus interface {
	Publish(event domain.Event)
}

// Scorer reviews a completed result and returns a quality score in [0, 1].
type Scorer interface {
	Score(ctx context.Context, task domain.Task, result domain.TaskResult) (float64, error)
}

// Remediator attempts a fix for a dispatched code-quality issue.
type Remediator interface {
	Remediate(ctx context.Context, issue domain.IssueRecord) domain.FixRecord
}

type Config struct {
	MaxCycles          int
	QualityThreshold   float64
	AllowCodeChanges   bool
	ResourceScaling    bool
	AutoGenerateTasks  bool
	MinAgentsPerTeam   int
	MaxAgentsPerTeam   int
	VerificationCycles int
}

func (c Config) withDefaults() Config {
	if c.MaxCycles <= 0 {
		c.MaxCycles = 10
	}
	if c.QualityThreshold <= 0 {
		c.QualityThreshold = 0.7
	}
	if c.MinAgentsPerTeam <= 0 {
		c.MinAgentsPerTeam = 1
	}
	if c.MaxAgentsPerTeam < c.MinAgentsPerTeam {
		c.MaxAgentsPerTeam = c.MinAgentsPerTeam
	}
	if c.VerificationCycles <= 0 {
		c.VerificationCycles = 3
	}
	return c
}

type Deps struct {
	Store      Store
	Bus        Bus
	Scorer     Scorer
	Workload   *workload.Controller
	Teams      []team.Executor
	Remediator Remediator
}

// Controller runs the supervision loop. It is the only writer of CycleState;
// the tracker, router, and scaler hand it deltas to apply. The mutex is
// released during team execution and remediation so state snapshots stay
// responsive while slow work is in flight.
type Controller struct {
	cfg    Config
	deps   Deps
	track  *tracker.Tracker
	route  *router.Router
	scale  *scaler.Scaler
	logger *log.Logger
	now    func() time.Time

	mu      sync.Mutex
	state   *domain.CycleState
	pending []string

	runMu sync.Mutex
}

func New(cfg Config, deps Deps, logger *log.Logger) *Controller {
	cfg = cfg.withDefaults()
	if logger == nil {
		logger = log.Default()
	}
	return &Controller{
		cfg:   cfg,
		deps:  deps,
		track: tracker.New(cfg.QualityThreshold),
		route: router.New(router.Config{
			AllowCodeChanges: cfg.AllowCodeChanges,
			ResourceScaling:  cfg.ResourceScaling,
		}),
		scale: scaler.New(scaler.Config{
			MinAgentsPerTeam:   cfg.MinAgentsPerTeam,
			MaxAgentsPerTeam:   cfg.MaxAgentsPerTeam,
			VerificationCycles: cfg.VerificationCycles,
		}),
		logger: logger,
		now:    time.Now,
		state:  domain.NewCycleState(cfg.MinAgentsPerTeam),
	}
}

// SubmitTask queues explicit work. Queued content takes priority over
// generated tasks regardless of the auto-generation setting.
func (c *Controller) SubmitTask(content string) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.pending = append(c.pending, content)
}

// AgentCount reports the current allocation for a team. Team executors call
// this so scaling takes effect on the very next dispatch.
func (c *Controller) AgentCount(t domain.TeamID) int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.state.AgentCounts[t]
}

// Run executes cycles until the configured maximum. Initial messages seed the
// conversation record.
func (c *Controller) Run(ctx context.Context, messages []string) (domain.RunOutput, error) {
	c.mu.Lock()
	c.state.Messages = append(c.state.Messages, messages...)
	c.mu.Unlock()
	return c.RunCycles(ctx, c.cfg.MaxCycles)
}

// RunCycles executes up to n cycles. The configured maximum still applies:
// asking for more cycles than remain runs only the remainder and terminates.
func (c *Controller) RunCycles(ctx context.Context, n int) (domain.RunOutput, error) {
	c.runMu.Lock()
	defer c.runMu.Unlock()

	for i := 0; i < n; i++ {
		c.mu.Lock()
		if c.state.Phase == domain.PhaseTerminated || c.state.CycleCount >= c.cfg.MaxCycles {
			c.terminateLocked(ctx)
			c.mu.Unlock()
			return c.snapshotLocked(), nil
		}
		c.mu.Unlock()

		if err := c.runCycle(ctx); err != nil {
			if errors.Is(err, ErrNoPendingTasks) {
				return c.Snapshot(), nil
			}
			return c.Snapshot(), err
		}
	}

	c.mu.Lock()
	if c.state.CycleCount >= c.cfg.MaxCycles {
		c.terminateLocked(ctx)
	}
	out := c.snapshotLocked()
	c.mu.Unlock()
	return out, nil
}

// Snapshot returns a copy of the observable run state.
func (c *Controller) Snapshot() domain.RunOutput {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.snapshotLocked()
}

func (c *Controller) runCycle(ctx context.Context) error {
	if err := ctx.Err(); err != nil {
		return err
	}

	// Dispatch.
	c.mu.Lock()
	content, ok := c.nextContentLocked()
	if !ok {
		c.mu.Unlock()
		return ErrNoPendingTasks
	}
	c.state.Phase = domain.PhaseDispatch
	task := c.deps.Workload.NextTask(c.state, content)
	c.state.CurrentTask = &task
	cycle := c.state.CycleCount + 1
	agentCounts := make(map[domain.TeamID]int, len(c.state.AgentCounts))
	for t, n := range c.state.AgentCounts {
		agentCounts[t] = n
	}
	c.state.Phase = domain.PhaseExecuting
	c.mu.Unlock()

	c.logger.Printf("cycle %d: dispatching %q (size %.2f, due %s)",
		cycle, task.Content, task.SizeMultiplier, task.Deadline.Format(time.RFC3339))
	c.publish(domain.EventCycleStarted, cycle, "", map[string]any{
		"task_id": task.ID, "content": task.Content, "size_multiplier": task.SizeMultiplier,
	})
	c.logDecision(ctx, cycle, supervisorActor, "dispatch", "next task selected", map[string]any{
		"task_id": task.ID, "content": task.Content,
	})

	// Execute all teams concurrently, bounded by the task deadline. A team
	// that overruns the deadline is cut off and scored as a timeout.
	outcomes := c.execute(ctx, task)

	if err := ctx.Err(); err != nil {
		return err
	}

	// Score.
	c.mu.Lock()
	c.state.Phase = domain.PhaseScoring
	c.mu.Unlock()
	scored := c.scoreOutcomes(ctx, task, outcomes)

	c.mu.Lock()
	for _, s := range scored {
		c.state.Metrics = append(c.state.Metrics, s.metric)
		c.state.ReviewScores[fmt.Sprintf("%s/%s", task.ID, s.outcome.Team)] = s.metric.Quality
		if s.outcome.Kind == domain.OutcomeSuccess {
			switch s.outcome.Team {
			case domain.TeamResearch:
				c.state.ResearchResult = s.outcome.Result.Content
			case domain.TeamWriting:
				c.state.WritingResult = s.outcome.Result.Content
			}
		}
	}

	// Route.
	c.state.Phase = domain.PhaseRouting
	routed := c.route.Classify(c.state)
	router.ApplyResets(c.state, routed)
	for _, ri := range routed.Issues {
		c.state.IssuesIdentified = append(c.state.IssuesIdentified, ri.Issue)
	}
	c.mu.Unlock()

	for _, s := range scored {
		if err := c.deps.Store.AppendOutcome(ctx, s.metric); err != nil {
			c.logger.Printf("cycle %d: persist outcome for %s: %v", cycle, s.outcome.Team, err)
		}
		c.publish(domain.EventTeamResult, cycle, s.outcome.Team, map[string]any{
			"kind": s.outcome.Kind, "quality": s.metric.Quality, "deadline_met": s.metric.DeadlineMet,
		})
	}
	for _, ri := range routed.Issues {
		if err := c.deps.Store.CreateIssue(ctx, ri.Issue); err != nil {
			c.logger.Printf("cycle %d: persist issue %s: %v", cycle, ri.Issue.ID, err)
		}
		c.logger.Printf("cycle %d: issue %s (%s): %s", cycle, ri.Issue.ID, ri.Issue.Kind, ri.Issue.Evidence)
		c.publish(domain.EventIssueRaised, cycle, ri.Issue.Team, map[string]any{
			"issue_id": ri.Issue.ID, "kind": ri.Issue.Kind, "dispatched": ri.Dispatch,
		})
		c.logDecision(ctx, cycle, "router", "classify", ri.Issue.Evidence, map[string]any{
			"issue_id": ri.Issue.ID, "kind": ri.Issue.Kind, "dispatched": ri.Dispatch,
		})
	}

	// Remediate.
	c.mu.Lock()
	c.state.Phase = domain.PhaseRemediating
	c.mu.Unlock()
	c.remediate(ctx, cycle, routed.Issues)

	// Complete.
	c.mu.Lock()
	c.state.Phase = domain.PhaseCycleComplete
	c.state.CycleCount = cycle
	c.state.CurrentTask = nil
	c.state.CompletedTasks = append(c.state.CompletedTasks, task.Content)
	c.state.Messages = append(c.state.Messages,
		fmt.Sprintf("cycle %d complete: %q", cycle, task.Content))
	verifications := c.scale.DueVerifications(c.state)
	for _, v := range verifications {
		c.markVerifiedLocked(v)
	}
	terminated := cycle >= c.cfg.MaxCycles
	if terminated {
		c.terminateLocked(ctx)
	}
	c.mu.Unlock()

	if err := c.deps.Store.ArchiveCompletedTask(ctx, task, cycle); err != nil {
		c.logger.Printf("cycle %d: archive task %s: %v", cycle, task.ID, err)
	}
	for _, v := range verifications {
		if !v.Verified {
			c.logger.Printf("cycle %d: scaling of %s team not verified (efficiency change %.3f)",
				cycle, v.Team, v.EfficiencyChange)
			continue
		}
		if err := c.deps.Store.MarkFixVerified(ctx, v.IssueID); err != nil {
			c.logger.Printf("cycle %d: mark fix verified for issue %s: %v", cycle, v.IssueID, err)
		}
		c.logDecision(ctx, cycle, "scaler", "verify", "scaled team improved efficiency", map[string]any{
			"issue_id": v.IssueID, "team": v.Team, "efficiency_change": v.EfficiencyChange,
		})
	}
	c.publish(domain.EventCycleCompleted, cycle, "", map[string]any{"task_id": task.ID})
	return nil
}

type scoredOutcome struct {
	outcome domain.Outcome
	metric  domain.TaskOutcome
}

// collectGrace bounds how long execute waits past an already-expired task
// deadline for results that are in flight.
const collectGrace = 100 * time.Millisecond

func (c *Controller) execute(ctx context.Context, task domain.Task) []domain.Outcome {
	execCtx, cancel := context.WithDeadline(ctx, task.Deadline)
	defer cancel()

	teams := c.deps.Teams
	outcomes := make([]domain.Outcome, len(teams))

	type indexed struct {
		idx     int
		outcome domain.Outcome
	}
	results := make(chan indexed, len(teams))

	g, gctx := errgroup.WithContext(execCtx)
	for i, ex := range teams {
		i, ex := i, ex
		g.Go(func() error {
			result, err := ex.Execute(gctx, task)
			var o domain.Outcome
			switch {
			case err == nil:
				o = domain.Outcome{Kind: domain.OutcomeSuccess, Team: ex.ID(), Result: &result}
			case errors.Is(err, context.DeadlineExceeded):
				o = domain.Outcome{Kind: domain.OutcomeTimeout, Team: ex.ID()}
			case errors.Is(err, context.Canceled):
				o = domain.Outcome{Kind: domain.OutcomeTimeout, Team: ex.ID()}
			default:
				o = domain.Outcome{Kind: domain.OutcomeExecutionFailed, Team: ex.ID(), Error: err.Error()}
			}
			results <- indexed{idx: i, outcome: o}
			// Failures never abort sibling teams.
			return nil
		})
	}
	go func() {
		// Stragglers write into the buffered channel and exit; nothing
		// reads their result after the deadline below.
		_ = g.Wait()
	}()

	// Collect until the deadline plus a short grace. An executor that
	// ignores cancellation must not stall the cycle; whatever has not
	// reported when the timer fires is scored as a timeout. The grace
	// lets teams that finish late but fast still hand in their result,
	// where the completion timestamp decides whether the deadline was
	// met.
	wait := time.Until(task.Deadline)
	if wait < collectGrace {
		wait = collectGrace
	}
	deadline := time.NewTimer(wait)
	defer deadline.Stop()
	reported := make([]bool, len(teams))
	pending := len(teams)
	for pending > 0 {
		select {
		case r := <-results:
			outcomes[r.idx] = r.outcome
			reported[r.idx] = true
			pending--
		case <-deadline.C:
			for pending > 0 {
				select {
				case r := <-results:
					outcomes[r.idx] = r.outcome
					reported[r.idx] = true
					pending--
				default:
					pending = 0
				}
			}
		case <-ctx.Done():
			pending = 0
		}
	}
	for i, ex := range teams {
		if !reported[i] {
			outcomes[i] = domain.Outcome{Kind: domain.OutcomeTimeout, Team: ex.ID()}
		}
	}

	// Merge in the stable team order so reruns with the same seed produce
	// identical state regardless of goroutine scheduling.
	ordered := make([]domain.Outcome, 0, len(outcomes))
	for _, id := range domain.ExecutingTeams() {
		for _, o := range outcomes {
			if o.Team == id {
				ordered = append(ordered, o)
			}
		}
	}
	for _, o := range outcomes {
		if !isExecutingTeam(o.Team) {
			ordered = append(ordered, o)
		}
	}
	return ordered
}

func (c *Controller) scoreOutcomes(ctx context.Context, task domain.Task, outcomes []domain.Outcome) []scoredOutcome {
	scored := make([]scoredOutcome, 0, len(outcomes))
	for _, o := range outcomes {
		metric := domain.TaskOutcome{
			TaskID:         task.ID,
			Team:           o.Team,
			Cycle:          c.currentCycle(),
			SizeMultiplier: task.SizeMultiplier,
			RecordedAt:     c.now().UTC(),
		}

		switch o.Kind {
		case domain.OutcomeSuccess:
			quality, err := c.deps.Scorer.Score(ctx, task, *o.Result)
			if err != nil {
				c.logger.Printf("scoring %s result for task %s: %v", o.Team, task.ID, err)
				quality = 0
			}
			metric.Quality = clamp01(quality)
			metric.DeadlineMet = !o.Result.CompletedAt.After(task.Deadline)
			metric.Elapsed = o.Result.Elapsed
		case domain.OutcomeExecutionFailed:
			// A failed execution counts as both a quality miss and a
			// deadline miss.
			metric.Failed = true
			metric.Quality = 0
			metric.DeadlineMet = false
		case domain.OutcomeTimeout:
			metric.Quality = 0
			metric.DeadlineMet = false
			metric.Elapsed = task.Deadline.Sub(task.CreatedAt)
		}

		// Record and apply under one lock hold so the next outcome in the
		// merge order sees this one's counters. Computing every delta
		// against the pre-cycle state would let the last team overwrite
		// its siblings' increments.
		c.mu.Lock()
		tracker.Apply(c.state, c.track.Record(c.state, o.Team, metric.Quality, metric.DeadlineMet))
		c.mu.Unlock()

		scored = append(scored, scoredOutcome{outcome: o, metric: metric})
	}
	return scored
}

func (c *Controller) remediate(ctx context.Context, cycle int, issues []router.RoutedIssue) {
	for _, ri := range issues {
		if !ri.Dispatch {
			// Recorded for the operator; no collaborator may act on it.
			c.logDecision(ctx, cycle, supervisorActor, "hold", "issue recorded without dispatch", map[string]any{
				"issue_id": ri.Issue.ID, "kind": ri.Issue.Kind,
			})
			continue
		}

		var fix domain.FixRecord
		switch ri.Issue.Kind {
		case domain.IssueCodeQuality:
			fix = c.deps.Remediator.Remediate(ctx, ri.Issue)
			c.mu.Lock()
			c.state.JunoResult = fix.Description
			c.mu.Unlock()
		case domain.IssueResourceConstraint:
			c.mu.Lock()
			res := c.scale.Scale(c.state, ri.Issue)
			scaler.Apply(c.state, res)
			c.mu.Unlock()
			if res.Err != nil {
				c.logger.Printf("cycle %d: %v, operator intervention required", cycle, res.Err)
			}
			fix = res.Fix
			c.publish(domain.EventScalingApplied, cycle, res.Team, map[string]any{
				"issue_id": ri.Issue.ID, "applied": res.Applied, "agents": res.NewCount,
			})
			c.logDecision(ctx, cycle, "scaler", "scale", fix.Description, map[string]any{
				"issue_id": ri.Issue.ID, "team": res.Team, "agents": res.NewCount, "applied": res.Applied,
			})
		default:
			continue
		}

		c.mu.Lock()
		c.state.FixesImplemented = append(c.state.FixesImplemented, fix)
		c.mu.Unlock()
		if err := c.deps.Store.CreateFix(ctx, fix); err != nil {
			c.logger.Printf("cycle %d: persist fix for issue %s: %v", cycle, ri.Issue.ID, err)
		}
		c.publish(domain.EventFixRecorded, cycle, ri.Issue.Team, map[string]any{
			"issue_id": ri.Issue.ID, "applied": fix.Applied, "description": fix.Description,
		})
	}
}

func (c *Controller) nextContentLocked() (string, bool) {
	if len(c.pending) > 0 {
		content := c.pending[0]
		c.pending = c.pending[1:]
		return content, true
	}
	if c.cfg.AutoGenerateTasks {
		return "", true
	}
	return "", false
}

func (c *Controller) markVerifiedLocked(v scaler.Verification) {
	if !v.Verified {
		return
	}
	for i := len(c.state.FixesImplemented) - 1; i >= 0; i-- {
		if c.state.FixesImplemented[i].IssueID == v.IssueID {
			c.state.FixesImplemented[i].Verified = true
			return
		}
	}
}

func (c *Controller) terminateLocked(ctx context.Context) {
	if c.state.Phase == domain.PhaseTerminated {
		return
	}
	c.state.Phase = domain.PhaseTerminated
	c.state.Messages = append(c.state.Messages,
		fmt.Sprintf("terminated after %d cycles", c.state.CycleCount))
	c.publish(domain.EventTerminated, c.state.CycleCount, "", nil)
	c.logDecision(ctx, c.state.CycleCount, supervisorActor, "terminate", "cycle budget exhausted", nil)
	c.logger.Printf("terminated after %d cycles", c.state.CycleCount)
}

func (c *Controller) currentCycle() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.state.CycleCount + 1
}

func (c *Controller) snapshotLocked() domain.RunOutput {
	out := domain.RunOutput{
		Messages:       append([]string(nil), c.state.Messages...),
		ResearchResult: c.state.ResearchResult,
		WritingResult:  c.state.WritingResult,
		JunoResult:     c.state.JunoResult,
		CompletedTasks: append([]string(nil), c.state.CompletedTasks...),
		Metrics:        append([]domain.TaskOutcome(nil), c.state.Metrics...),
		ReviewScores:   make(map[string]float64, len(c.state.ReviewScores)),
		AgentCounts:    make(map[domain.TeamID]int, len(c.state.AgentCounts)),
		CycleCount:     c.state.CycleCount,
		Phase:          c.state.Phase,
	}
	if c.state.CurrentTask != nil {
		out.CurrentTask = c.state.CurrentTask.Content
	}
	for _, issue := range c.state.IssuesIdentified {
		out.IssuesIdentified = append(out.IssuesIdentified,
			fmt.Sprintf("%s: %s", issue.Kind, issue.Evidence))
	}
	for _, fix := range c.state.FixesImplemented {
		out.FixesImplemented = append(out.FixesImplemented, fix.Description)
	}
	for k, v := range c.state.ReviewScores {
		out.ReviewScores[k] = v
	}
	for t, n := range c.state.AgentCounts {
		out.AgentCounts[t] = n
	}
	return out
}

// State hands the aggregate to read-only collaborators such as the evaluator.
// The callback runs under the state lock and must not retain the pointer.
func (c *Controller) State(fn func(*domain.CycleState)) {
	c.mu.Lock()
	defer c.mu.Unlock()
	fn(c.state)
}

func (c *Controller) publish(kind domain.EventKind, cycle int, t domain.TeamID, payload map[string]any) {
	if c.deps.Bus == nil {
		return
	}
	c.deps.Bus.Publish(domain.Event{
		Kind:      kind,
		Cycle:     cycle,
		Team:      t,
		Payload:   mustJSON(payload),
		CreatedAt: c.now().UTC(),
	})
}

func (c *Controller) logDecision(ctx context.Context, cycle int, actor, action, reason string, payload map[string]any) {
	entry := domain.DecisionLog{
		Cycle:     cycle,
		Actor:     actor,
		Action:    action,
		Reason:    reason,
		Payload:   mustJSON(payload),
		CreatedAt: c.now().UTC(),
	}
	if err := c.deps.Store.LogDecision(ctx, entry); err != nil {
		c.logger.Printf("log decision %s/%s: %v", actor, action, err)
	}
}

func isExecutingTeam(t domain.TeamID) bool {
	for _, id := range domain.ExecutingTeams() {
		if id == t {
			return true
		}
	}
	return false
}

func clamp01(v float64) float64 {
	if v < 0 {
		return 0
	}
	if v > 1 {
		return 1
	}
	return v
}

func mustJSON(v any) json.RawMessage {
	if v == nil {
		return json.RawMessage("{}")
	}
	b, err := json.Marshal(v)
	if err != nil {
		return json.RawMessage("{}")
	}
	return b
}
