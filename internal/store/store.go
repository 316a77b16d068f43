package store

import (
	"database/sql"
	"encoding/json"
	"fmt"
	"sort"
	"time"

	_ "github.com/glebarez/go-sqlite"

	"github.com/andrey/deskpilot/internal/task"
	"github.com/andrey/deskpilot/internal/tools"
)

// Store persists the per-task record stream: plan revisions, steps,
// invocations, results, verdicts and security decisions, plus session
// context and scheduled goals. History rows are append-only; the stream
// is sufficient to reconstruct the state machine's position after a
// restart.
type Store struct {
	DB *sql.DB
}

func NewStore(dbPath string) (*Store, error) {
	db, err := sql.Open("sqlite", dbPath)
	if err != nil {
		return nil, err
	}

	queries := []string{
		`CREATE TABLE IF NOT EXISTS tasks (
			id TEXT PRIMARY KEY,
			goal TEXT,
			status TEXT,
			replans_used INTEGER DEFAULT 0,
			created_at DATETIME,
			finished_at DATETIME
		);`,
		`CREATE TABLE IF NOT EXISTS plans (
			task_id TEXT,
			revision INTEGER,
			rationale TEXT,
			created_at DATETIME DEFAULT CURRENT_TIMESTAMP,
			PRIMARY KEY (task_id, revision)
		);`,
		`CREATE TABLE IF NOT EXISTS steps (
			id TEXT PRIMARY KEY,
			task_id TEXT,
			plan_revision INTEGER,
			ordinal INTEGER,
			tool TEXT,
			args TEXT,
			success_criterion TEXT,
			skippable INTEGER DEFAULT 0,
			parallel_grp INTEGER DEFAULT 0,
			status TEXT,
			fail_reason TEXT
		);`,
		`CREATE TABLE IF NOT EXISTS invocations (
			id TEXT PRIMARY KEY,
			step_id TEXT,
			attempt INTEGER,
			tool TEXT,
			args TEXT,
			decision_effect TEXT,
			decision_reason TEXT,
			backup_handle TEXT,
			created_at DATETIME DEFAULT CURRENT_TIMESTAMP
		);`,
		`CREATE TABLE IF NOT EXISTS results (
			invocation_id TEXT PRIMARY KEY,
			success INTEGER,
			payload TEXT,
			error_detail TEXT,
			failure_kind TEXT,
			duration_ms INTEGER,
			artifact_ref TEXT,
			created_at DATETIME DEFAULT CURRENT_TIMESTAMP
		);`,
		`CREATE TABLE IF NOT EXISTS verdicts (
			id INTEGER PRIMARY KEY AUTOINCREMENT,
			step_id TEXT,
			invocation_id TEXT,
			value TEXT,
			confidence REAL,
			rationale TEXT,
			created_at DATETIME DEFAULT CURRENT_TIMESTAMP
		);`,
		`CREATE TABLE IF NOT EXISTS context (
			task_id TEXT,
			key TEXT,
			value TEXT,
			PRIMARY KEY (task_id, key)
		);`,
		`CREATE TABLE IF NOT EXISTS schedules (
			id INTEGER PRIMARY KEY AUTOINCREMENT,
			origin TEXT,
			goal TEXT,
			interval_seconds INTEGER,
			last_run DATETIME,
			status TEXT DEFAULT 'active'
		);`,
	}
	for _, q := range queries {
		if _, err = db.Exec(q); err != nil {
			return nil, err
		}
	}

	return &Store{DB: db}, nil
}

func (s *Store) Close() error { return s.DB.Close() }

// ---- tasks ----

func (s *Store) CreateTask(t *task.Task) error {
	_, err := s.DB.Exec(
		`INSERT INTO tasks (id, goal, status, replans_used, created_at) VALUES (?, ?, ?, ?, ?)`,
		t.ID, t.Goal, string(t.Status), t.ReplansUsed, t.CreatedAt)
	return err
}

func (s *Store) UpdateTaskStatus(id string, status task.TaskStatus) error {
	if status.Terminal() {
		_, err := s.DB.Exec(`UPDATE tasks SET status = ?, finished_at = ? WHERE id = ?`,
			string(status), time.Now(), id)
		return err
	}
	_, err := s.DB.Exec(`UPDATE tasks SET status = ? WHERE id = ?`, string(status), id)
	return err
}

func (s *Store) SetTaskReplans(id string, replans int) error {
	_, err := s.DB.Exec(`UPDATE tasks SET replans_used = ? WHERE id = ?`, replans, id)
	return err
}

// OpenTasks returns the ids of tasks that never reached a terminal
// status, oldest first; used for crash recovery on startup.
func (s *Store) OpenTasks() ([]string, error) {
	rows, err := s.DB.Query(
		`SELECT id FROM tasks WHERE status NOT IN ('succeeded', 'failed', 'aborted') ORDER BY created_at`)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var ids []string
	for rows.Next() {
		var id string
		if err := rows.Scan(&id); err != nil {
			return nil, err
		}
		ids = append(ids, id)
	}
	return ids, rows.Err()
}

// ---- plans & steps ----

func (s *Store) SavePlan(p *task.Plan) error {
	tx, err := s.DB.Begin()
	if err != nil {
		return err
	}
	defer tx.Rollback()

	if _, err := tx.Exec(
		`INSERT INTO plans (task_id, revision, rationale) VALUES (?, ?, ?)`,
		p.TaskID, p.Revision, p.Rationale); err != nil {
		return err
	}
	for _, st := range p.Steps {
		args, _ := json.Marshal(st.Args)
		if _, err := tx.Exec(
			`INSERT INTO steps (id, task_id, plan_revision, ordinal, tool, args, success_criterion, skippable, parallel_grp, status)
			 VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`,
			st.ID, p.TaskID, p.Revision, st.Ordinal, st.Tool, string(args),
			st.SuccessCriterion, boolToInt(st.Skippable), st.ParallelGroup, string(st.Status)); err != nil {
			return err
		}
	}
	return tx.Commit()
}

func (s *Store) UpdateStepStatus(stepID string, status task.StepStatus, failReason string) error {
	_, err := s.DB.Exec(`UPDATE steps SET status = ?, fail_reason = ? WHERE id = ?`,
		string(status), failReason, stepID)
	return err
}

// ---- record stream appends ----

func (s *Store) AppendInvocation(inv *task.Invocation) error {
	args, _ := json.Marshal(inv.Args)
	var effect, reason, handle string
	if inv.Decision != nil {
		effect = string(inv.Decision.Effect)
		reason = inv.Decision.Reason
		handle = inv.Decision.BackupHandle
	}
	_, err := s.DB.Exec(
		`INSERT INTO invocations (id, step_id, attempt, tool, args, decision_effect, decision_reason, backup_handle)
		 VALUES (?, ?, ?, ?, ?, ?, ?, ?)`,
		inv.ID, inv.StepID, inv.Attempt, inv.Tool, string(args), effect, reason, handle)
	return err
}

func (s *Store) AppendResult(invocationID string, r *task.ExecutionResult) error {
	_, err := s.DB.Exec(
		`INSERT INTO results (invocation_id, success, payload, error_detail, failure_kind, duration_ms, artifact_ref)
		 VALUES (?, ?, ?, ?, ?, ?, ?)`,
		invocationID, boolToInt(r.Success), r.Payload, r.ErrorDetail,
		string(r.FailureKind), r.Duration.Milliseconds(), r.ArtifactRef)
	return err
}

func (s *Store) AppendVerdict(v *task.Verdict) error {
	_, err := s.DB.Exec(
		`INSERT INTO verdicts (step_id, invocation_id, value, confidence, rationale)
		 VALUES (?, ?, ?, ?, ?)`,
		v.StepID, v.InvocationID, string(v.Value), v.Confidence, v.Rationale)
	return err
}

// ---- session context ----

// SetContextValue writes one session variable. The orchestrator is the
// only writer; collaborators read snapshots.
func (s *Store) SetContextValue(taskID, key, value string) error {
	_, err := s.DB.Exec(
		`INSERT INTO context (task_id, key, value) VALUES (?, ?, ?)
		 ON CONFLICT (task_id, key) DO UPDATE SET value = excluded.value`,
		taskID, key, value)
	return err
}

func (s *Store) ContextSnapshot(taskID string) (map[string]string, error) {
	rows, err := s.DB.Query(`SELECT key, value FROM context WHERE task_id = ?`, taskID)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	snapshot := make(map[string]string)
	for rows.Next() {
		var k, v string
		if err := rows.Scan(&k, &v); err != nil {
			return nil, err
		}
		snapshot[k] = v
	}
	return snapshot, rows.Err()
}

// ---- schedules ----

func (s *Store) AddSchedule(origin, goal string, intervalSeconds int) (int64, error) {
	res, err := s.DB.Exec(
		`INSERT INTO schedules (origin, goal, interval_seconds, last_run) VALUES (?, ?, ?, datetime('now', '-365 days'))`,
		origin, goal, intervalSeconds)
	if err != nil {
		return 0, err
	}
	return res.LastInsertId()
}

// DueSchedules returns active schedules whose interval has elapsed
// since their last run.
func (s *Store) DueSchedules() ([]tools.ScheduleEntry, error) {
	rows, err := s.DB.Query(`
		SELECT id, origin, goal, interval_seconds
		FROM schedules
		WHERE status = 'active'
		AND (last_run IS NULL OR (julianday('now') - julianday(last_run)) * 86400 >= interval_seconds)`)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	return scanSchedules(rows)
}

func (s *Store) ListSchedules(origin string) ([]tools.ScheduleEntry, error) {
	rows, err := s.DB.Query(
		`SELECT id, origin, goal, interval_seconds FROM schedules WHERE origin = ? AND status = 'active'`, origin)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	return scanSchedules(rows)
}

func (s *Store) MarkScheduleRun(id int64) error {
	_, err := s.DB.Exec(`UPDATE schedules SET last_run = datetime('now') WHERE id = ?`, id)
	return err
}

func (s *Store) DeleteSchedule(origin string, id int64) error {
	_, err := s.DB.Exec(`DELETE FROM schedules WHERE origin = ? AND id = ?`, origin, id)
	return err
}

func (s *Store) ClearSchedules(origin string) error {
	_, err := s.DB.Exec(`DELETE FROM schedules WHERE origin = ?`, origin)
	return err
}

func scanSchedules(rows *sql.Rows) ([]tools.ScheduleEntry, error) {
	var entries []tools.ScheduleEntry
	for rows.Next() {
		var e tools.ScheduleEntry
		if err := rows.Scan(&e.ID, &e.Origin, &e.Goal, &e.IntervalSeconds); err != nil {
			return nil, err
		}
		entries = append(entries, e)
	}
	return entries, rows.Err()
}

// ---- reconstruction ----

// LoadTask rebuilds a task, all its plan revisions and their full
// attempt history from the record stream.
func (s *Store) LoadTask(id string) (*task.Task, error) {
	t := &task.Task{ID: id}
	var status string
	var finished sql.NullTime
	err := s.DB.QueryRow(
		`SELECT goal, status, replans_used, created_at, finished_at FROM tasks WHERE id = ?`, id).
		Scan(&t.Goal, &status, &t.ReplansUsed, &t.CreatedAt, &finished)
	if err == sql.ErrNoRows {
		return nil, task.ErrTaskNotFound
	}
	if err != nil {
		return nil, err
	}
	t.Status = task.TaskStatus(status)
	if finished.Valid {
		t.FinishedAt = finished.Time
	}

	plans, err := s.loadPlans(id)
	if err != nil {
		return nil, err
	}
	if len(plans) > 0 {
		t.Plan = plans[len(plans)-1]
		t.PriorPlans = plans[:len(plans)-1]
	}
	return t, nil
}

func (s *Store) loadPlans(taskID string) ([]*task.Plan, error) {
	rows, err := s.DB.Query(
		`SELECT revision, rationale FROM plans WHERE task_id = ? ORDER BY revision`, taskID)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var plans []*task.Plan
	for rows.Next() {
		p := &task.Plan{TaskID: taskID}
		if err := rows.Scan(&p.Revision, &p.Rationale); err != nil {
			return nil, err
		}
		plans = append(plans, p)
	}
	if err := rows.Err(); err != nil {
		return nil, err
	}

	for _, p := range plans {
		if p.Steps, err = s.loadSteps(taskID, p.Revision); err != nil {
			return nil, err
		}
	}
	return plans, nil
}

func (s *Store) loadSteps(taskID string, revision int) ([]*task.Step, error) {
	rows, err := s.DB.Query(
		`SELECT id, ordinal, tool, args, success_criterion, skippable, parallel_grp, status, fail_reason
		 FROM steps WHERE task_id = ? AND plan_revision = ? ORDER BY ordinal`, taskID, revision)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var steps []*task.Step
	for rows.Next() {
		st := &task.Step{}
		var args, status string
		var skippable int
		var failReason sql.NullString
		if err := rows.Scan(&st.ID, &st.Ordinal, &st.Tool, &args, &st.SuccessCriterion,
			&skippable, &st.ParallelGroup, &status, &failReason); err != nil {
			return nil, err
		}
		st.Skippable = skippable != 0
		st.Status = task.StepStatus(status)
		st.FailReason = failReason.String
		if err := json.Unmarshal([]byte(args), &st.Args); err != nil {
			return nil, fmt.Errorf("step %s: corrupt args: %v", st.ID, err)
		}
		steps = append(steps, st)
	}
	if err := rows.Err(); err != nil {
		return nil, err
	}

	for _, st := range steps {
		if err := s.loadAttempts(st); err != nil {
			return nil, err
		}
	}
	return steps, nil
}

func (s *Store) loadAttempts(st *task.Step) error {
	rows, err := s.DB.Query(
		`SELECT i.id, i.attempt, i.tool, i.args, i.decision_effect, i.decision_reason, i.backup_handle,
			r.success, r.payload, r.error_detail, r.failure_kind, r.duration_ms, r.artifact_ref
		 FROM invocations i
		 LEFT JOIN results r ON r.invocation_id = i.id
		 WHERE i.step_id = ? ORDER BY i.attempt`, st.ID)
	if err != nil {
		return err
	}
	defer rows.Close()

	for rows.Next() {
		inv := &task.Invocation{StepID: st.ID}
		var args, effect, reason, handle string
		var success sql.NullInt64
		var payload, detail, kind, artifact sql.NullString
		var durationMs sql.NullInt64
		if err := rows.Scan(&inv.ID, &inv.Attempt, &inv.Tool, &args, &effect, &reason, &handle,
			&success, &payload, &detail, &kind, &durationMs, &artifact); err != nil {
			return err
		}
		_ = json.Unmarshal([]byte(args), &inv.Args)
		if effect != "" {
			inv.Decision = &task.SecurityDecision{
				Effect:       task.DecisionEffect(effect),
				Reason:       reason,
				BackupHandle: handle,
			}
		}
		if success.Valid {
			inv.Result = &task.ExecutionResult{
				Success:     success.Int64 != 0,
				Payload:     payload.String,
				ErrorDetail: detail.String,
				FailureKind: task.ExecFailureKind(kind.String),
				Duration:    time.Duration(durationMs.Int64) * time.Millisecond,
				ArtifactRef: artifact.String,
			}
		}
		st.Attempts = append(st.Attempts, inv)
	}
	if err := rows.Err(); err != nil {
		return err
	}
	sort.Slice(st.Attempts, func(i, j int) bool { return st.Attempts[i].Attempt < st.Attempts[j].Attempt })

	vrows, err := s.DB.Query(
		`SELECT invocation_id, value, confidence, rationale FROM verdicts WHERE step_id = ? ORDER BY id`, st.ID)
	if err != nil {
		return err
	}
	defer vrows.Close()
	for vrows.Next() {
		v := &task.Verdict{StepID: st.ID}
		var value string
		if err := vrows.Scan(&v.InvocationID, &value, &v.Confidence, &v.Rationale); err != nil {
			return err
		}
		v.Value = task.VerdictValue(value)
		st.Verdicts = append(st.Verdicts, v)
	}
	return vrows.Err()
}

func boolToInt(b bool) int {
	if b {
		return 1
	}
	return 0
}
