package sqlite

import (
	"context"
	"database/sql"
	"fmt"
	"time"

	"junoloop/internal/domain"

	_ "modernc.org/sqlite"
)

const schema = `
CREATE TABLE IF NOT EXISTS task_outcomes (
	id INTEGER PRIMARY KEY AUTOINCREMENT,
	task_id TEXT NOT NULL,
	team_id TEXT NOT NULL,
	cycle INTEGER NOT NULL,
	quality REAL NOT NULL,
	deadline_met INTEGER NOT NULL,
	failed INTEGER NOT NULL,
	size_multiplier REAL NOT NULL,
	elapsed_ms INTEGER NOT NULL,
	recorded_at INTEGER NOT NULL
);
CREATE INDEX IF NOT EXISTS idx_task_outcomes_team ON task_outcomes(team_id, recorded_at);
CREATE INDEX IF NOT EXISTS idx_task_outcomes_cycle ON task_outcomes(cycle);

CREATE TABLE IF NOT EXISTS issues (
	id TEXT PRIMARY KEY,
	kind TEXT NOT NULL,
	team_id TEXT NOT NULL DEFAULT '',
	evidence TEXT NOT NULL,
	created_at INTEGER NOT NULL
);

CREATE TABLE IF NOT EXISTS fixes (
	id INTEGER PRIMARY KEY AUTOINCREMENT,
	issue_id TEXT NOT NULL,
	description TEXT NOT NULL,
	applied INTEGER NOT NULL,
	verified INTEGER NOT NULL,
	created_at INTEGER NOT NULL,
	FOREIGN KEY(issue_id) REFERENCES issues(id) ON DELETE CASCADE
);
CREATE INDEX IF NOT EXISTS idx_fixes_issue ON fixes(issue_id);

CREATE TABLE IF NOT EXISTS completed_tasks (
	id INTEGER PRIMARY KEY AUTOINCREMENT,
	task_id TEXT NOT NULL,
	content TEXT NOT NULL,
	cycle INTEGER NOT NULL,
	archived_at INTEGER NOT NULL
);

CREATE TABLE IF NOT EXISTS decision_log (
	id INTEGER PRIMARY KEY AUTOINCREMENT,
	cycle INTEGER NOT NULL,
	actor TEXT NOT NULL,
	action TEXT NOT NULL,
	reason TEXT NOT NULL,
	payload TEXT NOT NULL,
	created_at INTEGER NOT NULL
);
CREATE INDEX IF NOT EXISTS idx_decision_log_cycle ON decision_log(cycle, created_at);
`

type Store struct {
	db *sql.DB
}

func Open(dbPath string) (*Store, error) {
	db, err := sql.Open("sqlite", dbPath)
	if err != nil {
		return nil, fmt.Errorf("open sqlite: %w", err)
	}

	pragmas := []string{
		"PRAGMA journal_mode=WAL;",
		"PRAGMA synchronous=NORMAL;",
		"PRAGMA foreign_keys=ON;",
		"PRAGMA busy_timeout=5000;",
	}
	for _, stmt := range pragmas {
		if _, err := db.Exec(stmt); err != nil {
			_ = db.Close()
			return nil, fmt.Errorf("set sqlite pragma %q: %w", stmt, err)
		}
	}

	return &Store{db: db}, nil
}

func (s *Store) Close() error {
	return s.db.Close()
}

func (s *Store) Migrate(ctx context.Context) error {
	if _, err := s.db.ExecContext(ctx, schema); err != nil {
		return fmt.Errorf("migrate schema: %w", err)
	}
	return nil
}

// AppendOutcome persists one task-outcome metric record. Records are
// append-only; nothing updates or deletes them.
func (s *Store) AppendOutcome(ctx context.Context, o domain.TaskOutcome) error {
	if o.RecordedAt.IsZero() {
		o.RecordedAt = time.Now().UTC()
	}
	_, err := s.db.ExecContext(
		ctx,
		`INSERT INTO task_outcomes(
			task_id, team_id, cycle, quality, deadline_met, failed,
			size_multiplier, elapsed_ms, recorded_at
		) VALUES(?, ?, ?, ?, ?, ?, ?, ?, ?)`,
		o.TaskID, string(o.Team), o.Cycle, o.Quality, boolToInt(o.DeadlineMet), boolToInt(o.Failed),
		o.SizeMultiplier, o.Elapsed.Milliseconds(), o.RecordedAt.Unix(),
	)
	if err != nil {
		return fmt.Errorf("append outcome: %w", err)
	}
	return nil
}

func (s *Store) ListOutcomes(ctx context.Context, limit int) ([]domain.TaskOutcome, error) {
	if limit <= 0 {
		limit = 200
	}
	rows, err := s.db.QueryContext(
		ctx,
		`SELECT id, task_id, team_id, cycle, quality, deadline_met, failed,
			size_multiplier, elapsed_ms, recorded_at
		FROM task_outcomes ORDER BY id DESC LIMIT ?`,
		limit,
	)
	if err != nil {
		return nil, fmt.Errorf("list outcomes: %w", err)
	}
	defer rows.Close()

	result := make([]domain.TaskOutcome, 0)
	for rows.Next() {
		o, err := scanOutcome(rows)
		if err != nil {
			return nil, err
		}
		result = append(result, o)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterate outcomes: %w", err)
	}
	return result, nil
}

func (s *Store) ListTeamOutcomes(ctx context.Context, team domain.TeamID, limit int) ([]domain.TaskOutcome, error) {
	if limit <= 0 {
		limit = 200
	}
	rows, err := s.db.QueryContext(
		ctx,
		`SELECT id, task_id, team_id, cycle, quality, deadline_met, failed,
			size_multiplier, elapsed_ms, recorded_at
		FROM task_outcomes WHERE team_id = ? ORDER BY id DESC LIMIT ?`,
		string(team), limit,
	)
	if err != nil {
		return nil, fmt.Errorf("list team outcomes: %w", err)
	}
	defer rows.Close()

	result := make([]domain.TaskOutcome, 0)
	for rows.Next() {
		o, err := scanOutcome(rows)
		if err != nil {
			return nil, err
		}
		result = append(result, o)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterate team outcomes: %w", err)
	}
	return result, nil
}

func (s *Store) CreateIssue(ctx context.Context, issue domain.IssueRecord) error {
	if issue.CreatedAt.IsZero() {
		issue.CreatedAt = time.Now().UTC()
	}
	_, err := s.db.ExecContext(
		ctx,
		`INSERT INTO issues(id, kind, team_id, evidence, created_at) VALUES(?, ?, ?, ?, ?)`,
		issue.ID, string(issue.Kind), string(issue.Team), issue.Evidence, issue.CreatedAt.Unix(),
	)
	if err != nil {
		return fmt.Errorf("create issue: %w", err)
	}
	return nil
}

func (s *Store) ListIssues(ctx context.Context, limit int) ([]domain.IssueRecord, error) {
	if limit <= 0 {
		limit = 100
	}
	rows, err := s.db.QueryContext(
		ctx,
		`SELECT id, kind, team_id, evidence, created_at FROM issues ORDER BY created_at DESC, id DESC LIMIT ?`,
		limit,
	)
	if err != nil {
		return nil, fmt.Errorf("list issues: %w", err)
	}
	defer rows.Close()

	result := make([]domain.IssueRecord, 0)
	for rows.Next() {
		var issue domain.IssueRecord
		var kind, team string
		var created int64
		if err := rows.Scan(&issue.ID, &kind, &team, &issue.Evidence, &created); err != nil {
			return nil, fmt.Errorf("scan issue: %w", err)
		}
		issue.Kind = domain.IssueKind(kind)
		issue.Team = domain.TeamID(team)
		issue.CreatedAt = unixToTime(created)
		result = append(result, issue)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterate issues: %w", err)
	}
	return result, nil
}

func (s *Store) CreateFix(ctx context.Context, fix domain.FixRecord) error {
	if fix.CreatedAt.IsZero() {
		fix.CreatedAt = time.Now().UTC()
	}
	_, err := s.db.ExecContext(
		ctx,
		`INSERT INTO fixes(issue_id, description, applied, verified, created_at) VALUES(?, ?, ?, ?, ?)`,
		fix.IssueID, fix.Description, boolToInt(fix.Applied), boolToInt(fix.Verified), fix.CreatedAt.Unix(),
	)
	if err != nil {
		return fmt.Errorf("create fix: %w", err)
	}
	return nil
}

// MarkFixVerified flips the verified flag on the latest fix for an issue.
// Verification happens cycles after the fix is recorded, once the monitoring
// window closes.
func (s *Store) MarkFixVerified(ctx context.Context, issueID string) error {
	_, err := s.db.ExecContext(
		ctx,
		`UPDATE fixes SET verified = 1
		WHERE id = (SELECT id FROM fixes WHERE issue_id = ? ORDER BY id DESC LIMIT 1)`,
		issueID,
	)
	if err != nil {
		return fmt.Errorf("mark fix verified: %w", err)
	}
	return nil
}

func (s *Store) ListFixes(ctx context.Context, limit int) ([]domain.FixRecord, error) {
	if limit <= 0 {
		limit = 100
	}
	rows, err := s.db.QueryContext(
		ctx,
		`SELECT issue_id, description, applied, verified, created_at FROM fixes ORDER BY id DESC LIMIT ?`,
		limit,
	)
	if err != nil {
		return nil, fmt.Errorf("list fixes: %w", err)
	}
	defer rows.Close()

	result := make([]domain.FixRecord, 0)
	for rows.Next() {
		var fix domain.FixRecord
		var applied, verified int
		var created int64
		if err := rows.Scan(&fix.IssueID, &fix.Description, &applied, &verified, &created); err != nil {
			return nil, fmt.Errorf("scan fix: %w", err)
		}
		fix.Applied = applied != 0
		fix.Verified = verified != 0
		fix.CreatedAt = unixToTime(created)
		result = append(result, fix)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterate fixes: %w", err)
	}
	return result, nil
}

func (s *Store) ArchiveCompletedTask(ctx context.Context, task domain.Task, cycle int) error {
	_, err := s.db.ExecContext(
		ctx,
		`INSERT INTO completed_tasks(task_id, content, cycle, archived_at) VALUES(?, ?, ?, ?)`,
		task.ID, task.Content, cycle, time.Now().UTC().Unix(),
	)
	if err != nil {
		return fmt.Errorf("archive completed task: %w", err)
	}
	return nil
}

func (s *Store) ListCompletedTasks(ctx context.Context, limit int) ([]string, error) {
	if limit <= 0 {
		limit = 200
	}
	rows, err := s.db.QueryContext(
		ctx,
		`SELECT content FROM completed_tasks ORDER BY id ASC LIMIT ?`,
		limit,
	)
	if err != nil {
		return nil, fmt.Errorf("list completed tasks: %w", err)
	}
	defer rows.Close()

	result := make([]string, 0)
	for rows.Next() {
		var content string
		if err := rows.Scan(&content); err != nil {
			return nil, fmt.Errorf("scan completed task: %w", err)
		}
		result = append(result, content)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterate completed tasks: %w", err)
	}
	return result, nil
}

func (s *Store) LogDecision(ctx context.Context, entry domain.DecisionLog) error {
	payload := entry.Payload
	if payload == nil {
		payload = []byte("{}")
	}
	_, err := s.db.ExecContext(
		ctx,
		`INSERT INTO decision_log(cycle, actor, action, reason, payload, created_at) VALUES(?, ?, ?, ?, ?, ?)`,
		entry.Cycle, entry.Actor, entry.Action, entry.Reason, string(payload), time.Now().UTC().Unix(),
	)
	if err != nil {
		return fmt.Errorf("log decision: %w", err)
	}
	return nil
}

func (s *Store) ListDecisions(ctx context.Context, limit int) ([]domain.DecisionLog, error) {
	if limit <= 0 {
		limit = 300
	}
	rows, err := s.db.QueryContext(
		ctx,
		`SELECT id, cycle, actor, action, reason, payload, created_at
		FROM decision_log ORDER BY id DESC LIMIT ?`,
		limit,
	)
	if err != nil {
		return nil, fmt.Errorf("list decisions: %w", err)
	}
	defer rows.Close()

	result := make([]domain.DecisionLog, 0)
	for rows.Next() {
		var entry domain.DecisionLog
		var payload string
		var created int64
		if err := rows.Scan(&entry.ID, &entry.Cycle, &entry.Actor, &entry.Action, &entry.Reason, &payload, &created); err != nil {
			return nil, fmt.Errorf("scan decision: %w", err)
		}
		entry.Payload = []byte(payload)
		entry.CreatedAt = unixToTime(created)
		result = append(result, entry)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterate decisions: %w", err)
	}
	return result, nil
}

func scanOutcome(rows *sql.Rows) (domain.TaskOutcome, error) {
	var o domain.TaskOutcome
	var team string
	var deadlineMet, failed int
	var elapsedMS, recorded int64
	if err := rows.Scan(
		&o.ID, &o.TaskID, &team, &o.Cycle, &o.Quality, &deadlineMet, &failed,
		&o.SizeMultiplier, &elapsedMS, &recorded,
	); err != nil {
		return domain.TaskOutcome{}, fmt.Errorf("scan outcome: %w", err)
	}
	o.Team = domain.TeamID(team)
	o.DeadlineMet = deadlineMet != 0
	o.Failed = failed != 0
	o.Elapsed = time.Duration(elapsedMS) * time.Millisecond
	o.RecordedAt = unixToTime(recorded)
	return o, nil
}

func boolToInt(v bool) int {
	if v {
		return 1
	}
	return 0
}

func unixToTime(v int64) time.Time {
	return time.Unix(v, 0).UTC()
}
