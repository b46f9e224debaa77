package store

import (
	"context"
	"database/sql"
	"errors"
	"io/fs"
	"path"
	"sort"
	"time"

	"github.com/rotisserie/eris"
	"go.uber.org/zap"
	_ "modernc.org/sqlite"

	"github.com/sells-group/ai-orchestrator/internal/model"
)

// sqliteTimeLayout is fixed-width so stored timestamps sort lexicographically.
const sqliteTimeLayout = "2006-01-02T15:04:05.000000000Z"

// SQLiteStore implements Store using modernc.org/sqlite.
type SQLiteStore struct {
	db *sql.DB
}

// NewSQLite opens a SQLite database at the given path and configures WAL mode.
func NewSQLite(dsn string) (*SQLiteStore, error) {
	db, err := sql.Open("sqlite", dsn)
	if err != nil {
		return nil, eris.Wrap(err, "sqlite: open")
	}
	// One connection serialises writers and keeps :memory: databases alive.
	db.SetMaxOpenConns(1)
	for _, pragma := range []string{
		"PRAGMA journal_mode=WAL",
		"PRAGMA busy_timeout=5000",
		"PRAGMA synchronous=NORMAL",
		"PRAGMA foreign_keys=ON",
	} {
		if _, err := db.Exec(pragma); err != nil {
			db.Close() //nolint:errcheck
			return nil, eris.Wrapf(err, "sqlite: exec %s", pragma)
		}
	}
	return &SQLiteStore{db: db}, nil
}

// NewMemory opens a process-local in-memory store. Nothing survives a restart.
func NewMemory() (*SQLiteStore, error) {
	zap.L().Warn("store: using in-memory database, data will not be persisted")
	return NewSQLite(":memory:")
}

func (s *SQLiteStore) Ping(ctx context.Context) error {
	return eris.Wrap(s.db.PingContext(ctx), "sqlite: ping")
}

func (s *SQLiteStore) Migrate(ctx context.Context) error {
	const dir = "migrations/sqlite"
	entries, err := fs.ReadDir(migrationFS, dir)
	if err != nil {
		return eris.Wrap(err, "sqlite: read migration dir")
	}
	sort.Slice(entries, func(i, j int) bool {
		return entries[i].Name() < entries[j].Name()
	})
	for _, entry := range entries {
		data, err := fs.ReadFile(migrationFS, path.Join(dir, entry.Name()))
		if err != nil {
			return eris.Wrapf(err, "sqlite: read migration %s", entry.Name())
		}
		if _, err := s.db.ExecContext(ctx, string(data)); err != nil {
			return eris.Wrapf(err, "sqlite: apply migration %s", entry.Name())
		}
	}
	return nil
}

func (s *SQLiteStore) Close() error {
	return s.db.Close()
}

// --- Providers ---

func (s *SQLiteStore) UpsertProvider(ctx context.Context, p model.Provider) error {
	if p.Status == "" {
		p.Status = model.ProviderActive
	}
	if err := validateProvider(p); err != nil {
		return err
	}
	caps, err := marshalCapabilities(p.Capabilities)
	if err != nil {
		return err
	}
	now := formatTime(time.Now())

	_, err = s.db.ExecContext(ctx,
		`INSERT INTO ai_providers (`+providerColumns+`)
		 VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)
		 ON CONFLICT (name) DO UPDATE SET
			display_name = excluded.display_name, kind = excluded.kind, model = excluded.model,
			endpoint = excluded.endpoint, priority = excluded.priority, capabilities = excluded.capabilities,
			status = excluded.status, max_complexity = excluded.max_complexity,
			cost_per_1k_input = excluded.cost_per_1k_input, cost_per_1k_output = excluded.cost_per_1k_output,
			rate_limit_per_sec = excluded.rate_limit_per_sec, updated_at = excluded.updated_at`,
		p.Name, p.DisplayName, p.Kind, p.Model, p.Endpoint, p.Priority, string(caps), string(p.Status),
		p.MaxComplexity, p.CostPer1KInput, p.CostPer1KOutput, p.RateLimitPerSec, now, now,
	)
	return eris.Wrapf(err, "sqlite: upsert provider %s", p.Name)
}

func (s *SQLiteStore) GetProvider(ctx context.Context, name string) (*model.Provider, error) {
	row := s.db.QueryRowContext(ctx, `SELECT `+providerColumns+` FROM ai_providers WHERE name = ?`, name)
	p, err := scanSQLiteProvider(row)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, model.NotFoundf("provider %s not found", name)
		}
		return nil, eris.Wrapf(err, "sqlite: get provider %s", name)
	}
	return p, nil
}

func (s *SQLiteStore) ListProviders(ctx context.Context, activeOnly bool) ([]model.Provider, error) {
	query := `SELECT ` + providerColumns + ` FROM ai_providers`
	args := []any{}
	if activeOnly {
		query += ` WHERE status = ?`
		args = append(args, string(model.ProviderActive))
	}
	query += ` ORDER BY priority DESC, name ASC`

	rows, err := s.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, eris.Wrap(err, "sqlite: list providers")
	}
	defer rows.Close() //nolint:errcheck

	var providers []model.Provider
	for rows.Next() {
		p, err := scanSQLiteProvider(rows)
		if err != nil {
			return nil, eris.Wrap(err, "sqlite: scan provider")
		}
		providers = append(providers, *p)
	}
	return providers, eris.Wrap(rows.Err(), "sqlite: list providers iterate")
}

func (s *SQLiteStore) SetProviderStatus(ctx context.Context, name string, status model.ProviderStatus) error {
	if !status.Valid() {
		return model.Invalidf("invalid provider status %q", status)
	}
	res, err := s.db.ExecContext(ctx,
		`UPDATE ai_providers SET status = ?, updated_at = ? WHERE name = ?`,
		string(status), formatTime(time.Now()), name,
	)
	if err != nil {
		return eris.Wrapf(err, "sqlite: set provider status %s", name)
	}
	return checkRowsAffected(res, "provider", name)
}

func scanSQLiteProvider(row scannable) (*model.Provider, error) {
	var p model.Provider
	var caps, status, createdAt, updatedAt string
	if err := row.Scan(&p.Name, &p.DisplayName, &p.Kind, &p.Model, &p.Endpoint, &p.Priority, &caps, &status,
		&p.MaxComplexity, &p.CostPer1KInput, &p.CostPer1KOutput, &p.RateLimitPerSec, &createdAt, &updatedAt); err != nil {
		return nil, err
	}
	p.Status = model.ProviderStatus(status)
	var err error
	if p.Capabilities, err = unmarshalCapabilities([]byte(caps)); err != nil {
		return nil, err
	}
	if p.CreatedAt, err = parseTime(createdAt); err != nil {
		return nil, err
	}
	if p.UpdatedAt, err = parseTime(updatedAt); err != nil {
		return nil, err
	}
	return &p, nil
}

// --- Provider counters ---

func (s *SQLiteStore) IncrementProviderMetrics(ctx context.Context, provider, day string, d model.MetricsDelta) error {
	succeeded, failed, confidence := deltaCounts(d)
	_, err := s.db.ExecContext(ctx,
		`INSERT INTO ai_provider_metrics
			(provider, day, total_requests, successful_requests, failed_requests, confidence_sum, latency_ms_sum, cost_sum)
		 VALUES (?, ?, 1, ?, ?, ?, ?, ?)
		 ON CONFLICT (provider, day) DO UPDATE SET
			total_requests = total_requests + 1,
			successful_requests = successful_requests + excluded.successful_requests,
			failed_requests = failed_requests + excluded.failed_requests,
			confidence_sum = confidence_sum + excluded.confidence_sum,
			latency_ms_sum = latency_ms_sum + excluded.latency_ms_sum,
			cost_sum = cost_sum + excluded.cost_sum`,
		provider, day, succeeded, failed, confidence, d.LatencyMs, d.Cost,
	)
	return eris.Wrapf(err, "sqlite: increment metrics %s/%s", provider, day)
}

func (s *SQLiteStore) GetProviderMetrics(ctx context.Context, day string) ([]model.ProviderDailyMetrics, error) {
	rows, err := s.db.QueryContext(ctx,
		`SELECT provider, day, total_requests, successful_requests, failed_requests, confidence_sum, latency_ms_sum, cost_sum
		 FROM ai_provider_metrics WHERE day = ? ORDER BY provider`, day)
	if err != nil {
		return nil, eris.Wrap(err, "sqlite: get provider metrics")
	}
	defer rows.Close() //nolint:errcheck

	var out []model.ProviderDailyMetrics
	for rows.Next() {
		var m model.ProviderDailyMetrics
		if err := rows.Scan(&m.Provider, &m.Day, &m.Total, &m.Succeeded, &m.Failed,
			&m.ConfidenceSum, &m.LatencyMsSum, &m.CostSum); err != nil {
			return nil, eris.Wrap(err, "sqlite: scan provider metrics")
		}
		out = append(out, m)
	}
	return out, eris.Wrap(rows.Err(), "sqlite: provider metrics iterate")
}

// --- Tasks ---

func (s *SQLiteStore) CreateTask(ctx context.Context, t *model.TaskExecution) error {
	ctxJSON, err := marshalMap(t.Context)
	if err != nil {
		return err
	}
	metaJSON, err := marshalMap(t.Metadata)
	if err != nil {
		return err
	}

	_, err = s.db.ExecContext(ctx,
		`INSERT INTO ai_task_executions (`+taskColumns+`)
		 VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`,
		t.ID, t.UserID, t.Input, nullBytes(ctxJSON), t.TaskType, t.Complexity, t.InitialProvider, t.CurrentProvider,
		string(t.Status), t.Confidence, t.ExecutionTimeMs, t.TotalCost, t.InputTokens, t.OutputTokens, t.EscalationCount,
		t.Output, t.ErrorMessage, t.Cancelled, nullBytes(metaJSON),
		formatTime(t.CreatedAt), formatTime(t.UpdatedAt), formatTimePtr(t.CompletedAt),
	)
	return eris.Wrapf(err, "sqlite: insert task %s", t.ID)
}

func (s *SQLiteStore) GetTask(ctx context.Context, id string) (*model.TaskExecution, error) {
	row := s.db.QueryRowContext(ctx, `SELECT `+taskColumns+` FROM ai_task_executions WHERE id = ?`, id)
	t, err := scanSQLiteTask(row)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, model.NotFoundf("task %s not found", id)
		}
		return nil, eris.Wrapf(err, "sqlite: get task %s", id)
	}
	return t, nil
}

const sqliteUpdateTaskSQL = `UPDATE ai_task_executions SET
	current_provider = ?, status = ?, confidence = ?, execution_time_ms = ?, total_cost = ?,
	input_tokens = ?, output_tokens = ?, escalation_count = ?, output = ?, error_message = ?,
	cancelled = ?, metadata = ?, updated_at = ?, completed_at = ?
	WHERE id = ? AND status = ? AND escalation_count = ?`

func sqliteUpdateTaskArgs(t *model.TaskExecution, expect model.Expectation) ([]any, error) {
	metaJSON, err := marshalMap(t.Metadata)
	if err != nil {
		return nil, err
	}
	return []any{
		t.CurrentProvider, string(t.Status), t.Confidence, t.ExecutionTimeMs, t.TotalCost,
		t.InputTokens, t.OutputTokens, t.EscalationCount, t.Output, t.ErrorMessage,
		t.Cancelled, nullBytes(metaJSON), formatTime(t.UpdatedAt), formatTimePtr(t.CompletedAt),
		t.ID, string(expect.Status), expect.EscalationCount,
	}, nil
}

func (s *SQLiteStore) UpdateTask(ctx context.Context, t *model.TaskExecution, expect model.Expectation) error {
	t.UpdatedAt = time.Now().UTC()
	args, err := sqliteUpdateTaskArgs(t, expect)
	if err != nil {
		return err
	}
	res, err := s.db.ExecContext(ctx, sqliteUpdateTaskSQL, args...)
	if err != nil {
		return eris.Wrapf(err, "sqlite: update task %s", t.ID)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return eris.Wrap(err, "sqlite: rows affected")
	}
	if n == 0 {
		return s.missedUpdate(ctx, t.ID, expect)
	}
	return nil
}

func (s *SQLiteStore) missedUpdate(ctx context.Context, id string, expect model.Expectation) error {
	var exists bool
	if err := s.db.QueryRowContext(ctx,
		`SELECT EXISTS(SELECT 1 FROM ai_task_executions WHERE id = ?)`, id,
	).Scan(&exists); err != nil {
		return eris.Wrapf(err, "sqlite: check task %s", id)
	}
	if !exists {
		return model.NotFoundf("task %s not found", id)
	}
	return model.Conflictf("task %s changed concurrently (expected %s/%d)", id, expect.Status, expect.EscalationCount)
}

func (s *SQLiteStore) ListTasks(ctx context.Context, filter model.TaskFilter) ([]model.TaskExecution, int, error) {
	where := ` WHERE 1=1`
	args := []any{}

	if filter.UserID != 0 {
		where += ` AND user_id = ?`
		args = append(args, filter.UserID)
	}
	if filter.Status != "" {
		where += ` AND status = ?`
		args = append(args, string(filter.Status))
	}
	if !filter.Since.IsZero() {
		where += ` AND created_at >= ?`
		args = append(args, formatTime(filter.Since))
	}
	if !filter.Until.IsZero() {
		where += ` AND created_at <= ?`
		args = append(args, formatTime(filter.Until))
	}

	var total int
	if err := s.db.QueryRowContext(ctx, `SELECT COUNT(*) FROM ai_task_executions`+where, args...).Scan(&total); err != nil {
		return nil, 0, eris.Wrap(err, "sqlite: count tasks")
	}

	query := `SELECT ` + taskColumns + ` FROM ai_task_executions` + where + ` ORDER BY created_at DESC, id DESC`
	if filter.Limit > 0 {
		query += ` LIMIT ?`
		args = append(args, filter.Limit)
		if filter.Offset > 0 {
			query += ` OFFSET ?`
			args = append(args, filter.Offset)
		}
	} else if filter.Offset > 0 {
		query += ` LIMIT -1 OFFSET ?`
		args = append(args, filter.Offset)
	}

	rows, err := s.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, 0, eris.Wrap(err, "sqlite: list tasks")
	}
	defer rows.Close() //nolint:errcheck

	tasks := []model.TaskExecution{}
	for rows.Next() {
		t, err := scanSQLiteTask(rows)
		if err != nil {
			return nil, 0, eris.Wrap(err, "sqlite: scan task")
		}
		tasks = append(tasks, *t)
	}
	return tasks, total, eris.Wrap(rows.Err(), "sqlite: list tasks iterate")
}

func scanSQLiteTask(row scannable) (*model.TaskExecution, error) {
	var t model.TaskExecution
	var ctxJSON, metaJSON, completedAt sql.NullString
	var confidence sql.NullFloat64
	var status, createdAt, updatedAt string
	if err := row.Scan(&t.ID, &t.UserID, &t.Input, &ctxJSON, &t.TaskType, &t.Complexity,
		&t.InitialProvider, &t.CurrentProvider, &status, &confidence, &t.ExecutionTimeMs,
		&t.TotalCost, &t.InputTokens, &t.OutputTokens, &t.EscalationCount, &t.Output,
		&t.ErrorMessage, &t.Cancelled, &metaJSON, &createdAt, &updatedAt, &completedAt); err != nil {
		return nil, err
	}
	t.Status = model.TaskStatus(status)
	if confidence.Valid {
		c := confidence.Float64
		t.Confidence = &c
	}

	var err error
	if t.Context, err = unmarshalMap([]byte(ctxJSON.String)); err != nil {
		return nil, err
	}
	if t.Metadata, err = unmarshalMap([]byte(metaJSON.String)); err != nil {
		return nil, err
	}
	if t.CreatedAt, err = parseTime(createdAt); err != nil {
		return nil, err
	}
	if t.UpdatedAt, err = parseTime(updatedAt); err != nil {
		return nil, err
	}
	if completedAt.Valid {
		ts, err := parseTime(completedAt.String)
		if err != nil {
			return nil, err
		}
		t.CompletedAt = &ts
	}
	return &t, nil
}

// --- Escalation history ---

func (s *SQLiteStore) AppendEscalation(ctx context.Context, t *model.TaskExecution, expect model.Expectation, e *model.EscalationEntry) error {
	t.UpdatedAt = time.Now().UTC()
	args, err := sqliteUpdateTaskArgs(t, expect)
	if err != nil {
		return err
	}

	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return eris.Wrap(err, "sqlite: append escalation: begin tx")
	}

	res, err := tx.ExecContext(ctx, sqliteUpdateTaskSQL, args...)
	if err != nil {
		_ = tx.Rollback()
		return eris.Wrapf(err, "sqlite: append escalation: update task %s", t.ID)
	}
	if n, err := res.RowsAffected(); err != nil || n == 0 {
		_ = tx.Rollback()
		if err != nil {
			return eris.Wrap(err, "sqlite: rows affected")
		}
		return s.missedUpdate(ctx, t.ID, expect)
	}

	e.TaskID = t.ID
	if e.CreatedAt.IsZero() {
		e.CreatedAt = t.UpdatedAt
	}
	res, err = tx.ExecContext(ctx,
		`INSERT INTO ai_escalation_history
			(task_id, from_provider, to_provider, reason, rule_name, detail, previous_output, previous_confidence, created_at)
		 VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?)`,
		e.TaskID, e.FromProvider, e.ToProvider, string(e.Reason), e.Rule, e.Detail,
		e.PreviousOutput, e.PreviousConfidence, formatTime(e.CreatedAt),
	)
	if err != nil {
		_ = tx.Rollback()
		return eris.Wrapf(err, "sqlite: append escalation: insert history for %s", t.ID)
	}
	if e.ID, err = res.LastInsertId(); err != nil {
		_ = tx.Rollback()
		return eris.Wrap(err, "sqlite: append escalation: last insert id")
	}

	return eris.Wrap(tx.Commit(), "sqlite: append escalation: commit tx")
}

func (s *SQLiteStore) ListEscalations(ctx context.Context, taskID string) ([]model.EscalationEntry, error) {
	rows, err := s.db.QueryContext(ctx,
		`SELECT id, task_id, from_provider, to_provider, reason, rule_name, detail, previous_output, previous_confidence, created_at
		 FROM ai_escalation_history WHERE task_id = ? ORDER BY created_at ASC, id ASC`, taskID)
	if err != nil {
		return nil, eris.Wrapf(err, "sqlite: list escalations %s", taskID)
	}
	defer rows.Close() //nolint:errcheck

	entries := []model.EscalationEntry{}
	for rows.Next() {
		var e model.EscalationEntry
		var reason, createdAt string
		var prevConf sql.NullFloat64
		if err := rows.Scan(&e.ID, &e.TaskID, &e.FromProvider, &e.ToProvider, &reason, &e.Rule, &e.Detail,
			&e.PreviousOutput, &prevConf, &createdAt); err != nil {
			return nil, eris.Wrap(err, "sqlite: scan escalation")
		}
		e.Reason = model.EscalationReason(reason)
		if prevConf.Valid {
			c := prevConf.Float64
			e.PreviousConfidence = &c
		}
		if e.CreatedAt, err = parseTime(createdAt); err != nil {
			return nil, err
		}
		entries = append(entries, e)
	}
	return entries, eris.Wrap(rows.Err(), "sqlite: list escalations iterate")
}

// --- Helpers ---

func checkRowsAffected(res sql.Result, entity, id string) error {
	n, err := res.RowsAffected()
	if err != nil {
		return eris.Wrap(err, "rows affected")
	}
	if n == 0 {
		return model.NotFoundf("%s %s not found", entity, id)
	}
	return nil
}

func formatTime(t time.Time) string {
	return t.UTC().Format(sqliteTimeLayout)
}

func formatTimePtr(t *time.Time) any {
	if t == nil {
		return nil
	}
	return formatTime(*t)
}

func parseTime(s string) (time.Time, error) {
	t, err := time.Parse(sqliteTimeLayout, s)
	if err != nil {
		return time.Time{}, eris.Wrapf(err, "sqlite: parse time %q", s)
	}
	return t, nil
}

func nullBytes(b []byte) any {
	if b == nil {
		return nil
	}
	return string(b)
}
