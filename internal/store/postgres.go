package store

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/rotisserie/eris"

	"github.com/sells-group/ai-orchestrator/internal/db"
	"github.com/sells-group/ai-orchestrator/internal/model"
)

// PostgresStore implements Store using pgxpool.
type PostgresStore struct {
	pool    db.Pool
	closeFn func()
	pingFn  func(ctx context.Context) error
}

// PoolConfig holds optional connection pool tuning parameters.
type PoolConfig struct {
	MaxConns int32 `yaml:"max_conns" mapstructure:"max_conns"`
	MinConns int32 `yaml:"min_conns" mapstructure:"min_conns"`
}

// NewPostgres creates a PostgresStore with a connection pool.
func NewPostgres(ctx context.Context, connString string, poolCfg *PoolConfig) (*PostgresStore, error) {
	pgxCfg, err := pgxpool.ParseConfig(connString)
	if err != nil {
		return nil, eris.Wrap(err, "postgres: parse config")
	}

	maxConns := int32(10)
	minConns := int32(2)
	if poolCfg != nil {
		if poolCfg.MaxConns > 0 {
			maxConns = poolCfg.MaxConns
		}
		if poolCfg.MinConns > 0 {
			minConns = poolCfg.MinConns
		}
	}
	pgxCfg.MaxConns = maxConns
	pgxCfg.MinConns = minConns
	pgxCfg.MaxConnLifetime = 30 * time.Minute
	pgxCfg.MaxConnIdleTime = 5 * time.Minute

	pool, err := pgxpool.NewWithConfig(ctx, pgxCfg)
	if err != nil {
		return nil, eris.Wrap(err, "postgres: create pool")
	}
	if err := pool.Ping(ctx); err != nil {
		pool.Close()
		return nil, eris.Wrap(err, "postgres: ping")
	}
	return &PostgresStore{pool: pool, closeFn: pool.Close, pingFn: pool.Ping}, nil
}

func (s *PostgresStore) Ping(ctx context.Context) error {
	if s.pingFn != nil {
		return eris.Wrap(s.pingFn(ctx), "postgres: ping")
	}
	_, err := s.pool.Exec(ctx, "SELECT 1")
	return eris.Wrap(err, "postgres: ping")
}

func (s *PostgresStore) Migrate(ctx context.Context) error {
	return db.Migrate(ctx, s.pool, migrationFS, "migrations/postgres")
}

func (s *PostgresStore) Close() error {
	if s.closeFn != nil {
		s.closeFn()
	}
	return nil
}

// --- Providers ---

const providerColumns = `name, display_name, kind, model, endpoint, priority, capabilities, status,
	max_complexity, cost_per_1k_input, cost_per_1k_output, rate_limit_per_sec, created_at, updated_at`

func (s *PostgresStore) UpsertProvider(ctx context.Context, p model.Provider) error {
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
	now := time.Now().UTC()

	_, err = s.pool.Exec(ctx,
		`INSERT INTO ai_providers (`+providerColumns+`)
		 VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11, $12, $13, $13)
		 ON CONFLICT (name) DO UPDATE SET
			display_name = EXCLUDED.display_name, kind = EXCLUDED.kind, model = EXCLUDED.model,
			endpoint = EXCLUDED.endpoint, priority = EXCLUDED.priority, capabilities = EXCLUDED.capabilities,
			status = EXCLUDED.status, max_complexity = EXCLUDED.max_complexity,
			cost_per_1k_input = EXCLUDED.cost_per_1k_input, cost_per_1k_output = EXCLUDED.cost_per_1k_output,
			rate_limit_per_sec = EXCLUDED.rate_limit_per_sec, updated_at = EXCLUDED.updated_at`,
		p.Name, p.DisplayName, p.Kind, p.Model, p.Endpoint, p.Priority, caps, string(p.Status),
		p.MaxComplexity, p.CostPer1KInput, p.CostPer1KOutput, p.RateLimitPerSec, now,
	)
	return eris.Wrapf(err, "postgres: upsert provider %s", p.Name)
}

func (s *PostgresStore) GetProvider(ctx context.Context, name string) (*model.Provider, error) {
	row := s.pool.QueryRow(ctx,
		`SELECT `+providerColumns+` FROM ai_providers WHERE name = $1`, name)
	p, err := scanProvider(row)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return nil, model.NotFoundf("provider %s not found", name)
		}
		return nil, eris.Wrapf(err, "postgres: get provider %s", name)
	}
	return p, nil
}

func (s *PostgresStore) ListProviders(ctx context.Context, activeOnly bool) ([]model.Provider, error) {
	query := `SELECT ` + providerColumns + ` FROM ai_providers`
	args := []any{}
	if activeOnly {
		query += ` WHERE status = $1`
		args = append(args, string(model.ProviderActive))
	}
	query += ` ORDER BY priority DESC, name ASC`

	rows, err := s.pool.Query(ctx, query, args...)
	if err != nil {
		return nil, eris.Wrap(err, "postgres: list providers")
	}
	defer rows.Close()

	var providers []model.Provider
	for rows.Next() {
		p, err := scanProvider(rows)
		if err != nil {
			return nil, eris.Wrap(err, "postgres: scan provider")
		}
		providers = append(providers, *p)
	}
	return providers, eris.Wrap(rows.Err(), "postgres: list providers iterate")
}

func (s *PostgresStore) SetProviderStatus(ctx context.Context, name string, status model.ProviderStatus) error {
	if !status.Valid() {
		return model.Invalidf("invalid provider status %q", status)
	}
	tag, err := s.pool.Exec(ctx,
		`UPDATE ai_providers SET status = $1, updated_at = $2 WHERE name = $3`,
		string(status), time.Now().UTC(), name,
	)
	if err != nil {
		return eris.Wrapf(err, "postgres: set provider status %s", name)
	}
	if tag.RowsAffected() == 0 {
		return model.NotFoundf("provider %s not found", name)
	}
	return nil
}

func scanProvider(row scannable) (*model.Provider, error) {
	var p model.Provider
	var caps []byte
	var status string
	if err := row.Scan(&p.Name, &p.DisplayName, &p.Kind, &p.Model, &p.Endpoint, &p.Priority, &caps, &status,
		&p.MaxComplexity, &p.CostPer1KInput, &p.CostPer1KOutput, &p.RateLimitPerSec, &p.CreatedAt, &p.UpdatedAt); err != nil {
		return nil, err
	}
	p.Status = model.ProviderStatus(status)
	var err error
	if p.Capabilities, err = unmarshalCapabilities(caps); err != nil {
		return nil, err
	}
	return &p, nil
}

// --- Provider counters ---

func (s *PostgresStore) IncrementProviderMetrics(ctx context.Context, provider, day string, d model.MetricsDelta) error {
	succeeded, failed, confidence := deltaCounts(d)
	_, err := s.pool.Exec(ctx,
		`INSERT INTO ai_provider_metrics
			(provider, day, total_requests, successful_requests, failed_requests, confidence_sum, latency_ms_sum, cost_sum)
		 VALUES ($1, $2, 1, $3, $4, $5, $6, $7)
		 ON CONFLICT (provider, day) DO UPDATE SET
			total_requests = ai_provider_metrics.total_requests + 1,
			successful_requests = ai_provider_metrics.successful_requests + EXCLUDED.successful_requests,
			failed_requests = ai_provider_metrics.failed_requests + EXCLUDED.failed_requests,
			confidence_sum = ai_provider_metrics.confidence_sum + EXCLUDED.confidence_sum,
			latency_ms_sum = ai_provider_metrics.latency_ms_sum + EXCLUDED.latency_ms_sum,
			cost_sum = ai_provider_metrics.cost_sum + EXCLUDED.cost_sum`,
		provider, day, succeeded, failed, confidence, d.LatencyMs, d.Cost,
	)
	return eris.Wrapf(err, "postgres: increment metrics %s/%s", provider, day)
}

func (s *PostgresStore) GetProviderMetrics(ctx context.Context, day string) ([]model.ProviderDailyMetrics, error) {
	rows, err := s.pool.Query(ctx,
		`SELECT provider, day, total_requests, successful_requests, failed_requests, confidence_sum, latency_ms_sum, cost_sum
		 FROM ai_provider_metrics WHERE day = $1 ORDER BY provider`, day)
	if err != nil {
		return nil, eris.Wrap(err, "postgres: get provider metrics")
	}
	defer rows.Close()

	var out []model.ProviderDailyMetrics
	for rows.Next() {
		var m model.ProviderDailyMetrics
		if err := rows.Scan(&m.Provider, &m.Day, &m.Total, &m.Succeeded, &m.Failed,
			&m.ConfidenceSum, &m.LatencyMsSum, &m.CostSum); err != nil {
			return nil, eris.Wrap(err, "postgres: scan provider metrics")
		}
		out = append(out, m)
	}
	return out, eris.Wrap(rows.Err(), "postgres: provider metrics iterate")
}

func deltaCounts(d model.MetricsDelta) (succeeded, failed int64, confidence float64) {
	if d.Succeeded {
		return 1, 0, d.Confidence
	}
	return 0, 1, 0
}

// --- Tasks ---

const taskColumns = `id, user_id, input, context, task_type, complexity, initial_provider, current_provider,
	status, confidence, execution_time_ms, total_cost, input_tokens, output_tokens, escalation_count,
	output, error_message, cancelled, metadata, created_at, updated_at, completed_at`

func (s *PostgresStore) CreateTask(ctx context.Context, t *model.TaskExecution) error {
	ctxJSON, err := marshalMap(t.Context)
	if err != nil {
		return err
	}
	metaJSON, err := marshalMap(t.Metadata)
	if err != nil {
		return err
	}

	_, err = s.pool.Exec(ctx,
		`INSERT INTO ai_task_executions (`+taskColumns+`)
		 VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11, $12, $13, $14, $15, $16, $17, $18, $19, $20, $21, $22)`,
		t.ID, t.UserID, t.Input, ctxJSON, t.TaskType, t.Complexity, t.InitialProvider, t.CurrentProvider,
		string(t.Status), t.Confidence, t.ExecutionTimeMs, t.TotalCost, t.InputTokens, t.OutputTokens, t.EscalationCount,
		t.Output, t.ErrorMessage, t.Cancelled, metaJSON, t.CreatedAt, t.UpdatedAt, t.CompletedAt,
	)
	return eris.Wrapf(err, "postgres: insert task %s", t.ID)
}

func (s *PostgresStore) GetTask(ctx context.Context, id string) (*model.TaskExecution, error) {
	row := s.pool.QueryRow(ctx, `SELECT `+taskColumns+` FROM ai_task_executions WHERE id = $1`, id)
	t, err := scanPostgresTask(row)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return nil, model.NotFoundf("task %s not found", id)
		}
		return nil, eris.Wrapf(err, "postgres: get task %s", id)
	}
	return t, nil
}

const updateTaskSQL = `UPDATE ai_task_executions SET
	current_provider = $1, status = $2, confidence = $3, execution_time_ms = $4, total_cost = $5,
	input_tokens = $6, output_tokens = $7, escalation_count = $8, output = $9, error_message = $10,
	cancelled = $11, metadata = $12, updated_at = $13, completed_at = $14
	WHERE id = $15 AND status = $16 AND escalation_count = $17`

func updateTaskArgs(t *model.TaskExecution, expect model.Expectation) ([]any, error) {
	metaJSON, err := marshalMap(t.Metadata)
	if err != nil {
		return nil, err
	}
	return []any{
		t.CurrentProvider, string(t.Status), t.Confidence, t.ExecutionTimeMs, t.TotalCost,
		t.InputTokens, t.OutputTokens, t.EscalationCount, t.Output, t.ErrorMessage,
		t.Cancelled, metaJSON, t.UpdatedAt, t.CompletedAt,
		t.ID, string(expect.Status), expect.EscalationCount,
	}, nil
}

func (s *PostgresStore) UpdateTask(ctx context.Context, t *model.TaskExecution, expect model.Expectation) error {
	t.UpdatedAt = time.Now().UTC()
	args, err := updateTaskArgs(t, expect)
	if err != nil {
		return err
	}
	tag, err := s.pool.Exec(ctx, updateTaskSQL, args...)
	if err != nil {
		return eris.Wrapf(err, "postgres: update task %s", t.ID)
	}
	if tag.RowsAffected() == 0 {
		return s.missedUpdate(ctx, t.ID, expect)
	}
	return nil
}

// missedUpdate distinguishes a missing task from a stale expectation.
func (s *PostgresStore) missedUpdate(ctx context.Context, id string, expect model.Expectation) error {
	var exists bool
	if err := s.pool.QueryRow(ctx,
		`SELECT EXISTS(SELECT 1 FROM ai_task_executions WHERE id = $1)`, id,
	).Scan(&exists); err != nil {
		return eris.Wrapf(err, "postgres: check task %s", id)
	}
	if !exists {
		return model.NotFoundf("task %s not found", id)
	}
	return model.Conflictf("task %s changed concurrently (expected %s/%d)", id, expect.Status, expect.EscalationCount)
}

func (s *PostgresStore) ListTasks(ctx context.Context, filter model.TaskFilter) ([]model.TaskExecution, int, error) {
	where := ` WHERE true`
	args := []any{}
	argIdx := 1

	if filter.UserID != 0 {
		where += fmt.Sprintf(` AND user_id = $%d`, argIdx)
		args = append(args, filter.UserID)
		argIdx++
	}
	if filter.Status != "" {
		where += fmt.Sprintf(` AND status = $%d`, argIdx)
		args = append(args, string(filter.Status))
		argIdx++
	}
	if !filter.Since.IsZero() {
		where += fmt.Sprintf(` AND created_at >= $%d`, argIdx)
		args = append(args, filter.Since.UTC())
		argIdx++
	}
	if !filter.Until.IsZero() {
		where += fmt.Sprintf(` AND created_at <= $%d`, argIdx)
		args = append(args, filter.Until.UTC())
		argIdx++
	}

	var total int
	if err := s.pool.QueryRow(ctx, `SELECT COUNT(*) FROM ai_task_executions`+where, args...).Scan(&total); err != nil {
		return nil, 0, eris.Wrap(err, "postgres: count tasks")
	}

	query := `SELECT ` + taskColumns + ` FROM ai_task_executions` + where + ` ORDER BY created_at DESC, id DESC`
	if filter.Limit > 0 {
		query += fmt.Sprintf(` LIMIT $%d`, argIdx)
		args = append(args, filter.Limit)
		argIdx++
	}
	if filter.Offset > 0 {
		query += fmt.Sprintf(` OFFSET $%d`, argIdx)
		args = append(args, filter.Offset)
	}

	rows, err := s.pool.Query(ctx, query, args...)
	if err != nil {
		return nil, 0, eris.Wrap(err, "postgres: list tasks")
	}
	defer rows.Close()

	tasks := []model.TaskExecution{}
	for rows.Next() {
		t, err := scanPostgresTask(rows)
		if err != nil {
			return nil, 0, eris.Wrap(err, "postgres: scan task")
		}
		tasks = append(tasks, *t)
	}
	return tasks, total, eris.Wrap(rows.Err(), "postgres: list tasks iterate")
}

func scanPostgresTask(row scannable) (*model.TaskExecution, error) {
	var t model.TaskExecution
	var ctxJSON, metaJSON []byte
	var status string
	if err := row.Scan(&t.ID, &t.UserID, &t.Input, &ctxJSON, &t.TaskType, &t.Complexity,
		&t.InitialProvider, &t.CurrentProvider, &status, &t.Confidence, &t.ExecutionTimeMs,
		&t.TotalCost, &t.InputTokens, &t.OutputTokens, &t.EscalationCount, &t.Output,
		&t.ErrorMessage, &t.Cancelled, &metaJSON, &t.CreatedAt, &t.UpdatedAt, &t.CompletedAt); err != nil {
		return nil, err
	}
	t.Status = model.TaskStatus(status)
	var err error
	if t.Context, err = unmarshalMap(ctxJSON); err != nil {
		return nil, err
	}
	if t.Metadata, err = unmarshalMap(metaJSON); err != nil {
		return nil, err
	}
	return &t, nil
}

// --- Escalation history ---

func (s *PostgresStore) AppendEscalation(ctx context.Context, t *model.TaskExecution, expect model.Expectation, e *model.EscalationEntry) error {
	t.UpdatedAt = time.Now().UTC()
	args, err := updateTaskArgs(t, expect)
	if err != nil {
		return err
	}

	tx, err := s.pool.Begin(ctx)
	if err != nil {
		return eris.Wrap(err, "postgres: append escalation: begin tx")
	}

	tag, err := tx.Exec(ctx, updateTaskSQL, args...)
	if err != nil {
		_ = tx.Rollback(ctx)
		return eris.Wrapf(err, "postgres: append escalation: update task %s", t.ID)
	}
	if tag.RowsAffected() == 0 {
		_ = tx.Rollback(ctx)
		return s.missedUpdate(ctx, t.ID, expect)
	}

	e.TaskID = t.ID
	if e.CreatedAt.IsZero() {
		e.CreatedAt = t.UpdatedAt
	}
	if err := tx.QueryRow(ctx,
		`INSERT INTO ai_escalation_history
			(task_id, from_provider, to_provider, reason, rule_name, detail, previous_output, previous_confidence, created_at)
		 VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9) RETURNING id`,
		e.TaskID, e.FromProvider, e.ToProvider, string(e.Reason), e.Rule, e.Detail,
		e.PreviousOutput, e.PreviousConfidence, e.CreatedAt,
	).Scan(&e.ID); err != nil {
		_ = tx.Rollback(ctx)
		return eris.Wrapf(err, "postgres: append escalation: insert history for %s", t.ID)
	}

	if err := tx.Commit(ctx); err != nil {
		return eris.Wrap(err, "postgres: append escalation: commit tx")
	}
	return nil
}

func (s *PostgresStore) ListEscalations(ctx context.Context, taskID string) ([]model.EscalationEntry, error) {
	rows, err := s.pool.Query(ctx,
		`SELECT id, task_id, from_provider, to_provider, reason, rule_name, detail, previous_output, previous_confidence, created_at
		 FROM ai_escalation_history WHERE task_id = $1 ORDER BY created_at ASC, id ASC`, taskID)
	if err != nil {
		return nil, eris.Wrapf(err, "postgres: list escalations %s", taskID)
	}
	defer rows.Close()

	entries := []model.EscalationEntry{}
	for rows.Next() {
		var e model.EscalationEntry
		var reason string
		if err := rows.Scan(&e.ID, &e.TaskID, &e.FromProvider, &e.ToProvider, &reason, &e.Rule, &e.Detail,
			&e.PreviousOutput, &e.PreviousConfidence, &e.CreatedAt); err != nil {
			return nil, eris.Wrap(err, "postgres: scan escalation")
		}
		e.Reason = model.EscalationReason(reason)
		entries = append(entries, e)
	}
	return entries, eris.Wrap(rows.Err(), "postgres: list escalations iterate")
}
