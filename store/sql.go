package store

import (
	"context"
	"database/sql"
	"encoding/json"
	"fmt"
	"strings"
	"time"

	"github.com/google/uuid"
)

// sqlStore implements Store on top of database/sql. Both the SQLite and
// MySQL backends embed it; they differ only in DSN handling and schema
// dialect. Both drivers use ? placeholders so queries are shared.
type sqlStore struct {
	db *sql.DB
}

// statusSources lists the states a task may be in for a transition to the
// given target to be legal. Baked into the UPDATE predicate so the check and
// the write are one atomic statement.
func statusSources(target Status) []string {
	switch target {
	case StatusRunning:
		return []string{string(StatusPending), string(StatusWaiting)}
	case StatusWaiting:
		return []string{string(StatusRunning)}
	case StatusCompleted, StatusFailed:
		return []string{string(StatusRunning), string(StatusWaiting)}
	case StatusCancelled:
		return []string{string(StatusPending), string(StatusRunning), string(StatusWaiting)}
	default:
		return nil
	}
}

func statusPredicate(target Status) (string, []interface{}) {
	sources := statusSources(target)
	placeholders := make([]string, len(sources))
	args := make([]interface{}, len(sources))
	for i, s := range sources {
		placeholders[i] = "?"
		args[i] = s
	}
	return "status IN (" + strings.Join(placeholders, ",") + ")", args
}

func (s *sqlStore) Create(ctx context.Context, input CreateTaskInput) (*Task, error) {
	input.normalize()

	if input.IdempotencyKey != "" {
		existing, err := s.FindByIdempotencyKey(ctx, input.IdempotencyKey)
		if err != nil && err != ErrNotFound {
			return nil, err
		}
		if existing != nil {
			return nil, ErrDuplicateIdempotencyKey
		}
	}

	id := input.ID
	if id == "" {
		id = uuid.NewString()
	}
	now := time.Now().UTC()

	keywords, err := marshalJSON(input.Keywords)
	if err != nil {
		return nil, fmt.Errorf("marshal keywords: %w", err)
	}
	constraints, err := marshalJSON(input.HardConstraints)
	if err != nil {
		return nil, fmt.Errorf("marshal hard constraints: %w", err)
	}

	_, err = s.db.ExecContext(ctx, `
		INSERT INTO tasks (
			id, idempotency_key, mode, topic, requirements, target_audience,
			keywords, tone, hard_constraints, priority, image_size, user_id,
			status, version, created_at, updated_at
		) VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, 1, ?, ?)`,
		id, nullString(input.IdempotencyKey), string(input.Mode), input.Topic,
		input.Requirements, input.TargetAudience, keywords, input.Tone,
		constraints, string(input.Priority), input.ImageSize, input.UserID,
		string(StatusPending), now, now,
	)
	if err != nil {
		if isUniqueViolation(err) {
			return nil, ErrDuplicateIdempotencyKey
		}
		return nil, fmt.Errorf("insert task: %w", err)
	}
	return s.FindByID(ctx, id)
}

func (s *sqlStore) FindByID(ctx context.Context, id string) (*Task, error) {
	row := s.db.QueryRowContext(ctx, taskSelect+" WHERE id = ? AND deleted_at IS NULL", id)
	return scanTask(row)
}

func (s *sqlStore) FindByIdempotencyKey(ctx context.Context, key string) (*Task, error) {
	row := s.db.QueryRowContext(ctx, taskSelect+" WHERE idempotency_key = ? AND deleted_at IS NULL", key)
	return scanTask(row)
}

func (s *sqlStore) FindMany(ctx context.Context, filter TaskFilter) ([]*Task, error) {
	query := taskSelect + " WHERE deleted_at IS NULL"
	var args []interface{}
	if filter.Status != "" {
		query += " AND status = ?"
		args = append(args, string(filter.Status))
	}
	if filter.Mode != "" {
		query += " AND mode = ?"
		args = append(args, string(filter.Mode))
	}
	if filter.UserID != "" {
		query += " AND user_id = ?"
		args = append(args, filter.UserID)
	}
	query += " ORDER BY created_at DESC"
	if filter.Limit > 0 {
		query += " LIMIT ?"
		args = append(args, filter.Limit)
		if filter.Offset > 0 {
			query += " OFFSET ?"
			args = append(args, filter.Offset)
		}
	}

	rows, err := s.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("query tasks: %w", err)
	}
	defer rows.Close()
	return scanTasks(rows)
}

func (s *sqlStore) Count(ctx context.Context, filter TaskFilter) (int, error) {
	query := "SELECT COUNT(*) FROM tasks WHERE deleted_at IS NULL"
	var args []interface{}
	if filter.Status != "" {
		query += " AND status = ?"
		args = append(args, string(filter.Status))
	}
	if filter.Mode != "" {
		query += " AND mode = ?"
		args = append(args, string(filter.Mode))
	}
	if filter.UserID != "" {
		query += " AND user_id = ?"
		args = append(args, filter.UserID)
	}
	var count int
	if err := s.db.QueryRowContext(ctx, query, args...).Scan(&count); err != nil {
		return 0, fmt.Errorf("count tasks: %w", err)
	}
	return count, nil
}

func (s *sqlStore) GetPendingTasks(ctx context.Context, limit int) ([]*Task, error) {
	query := taskSelect + ` WHERE status = ? AND deleted_at IS NULL
		ORDER BY CASE priority
			WHEN 'urgent' THEN 1
			WHEN 'high' THEN 3
			WHEN 'low' THEN 5
			ELSE 7
		END ASC, created_at ASC`
	args := []interface{}{string(StatusPending)}
	if limit > 0 {
		query += " LIMIT ?"
		args = append(args, limit)
	}

	rows, err := s.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("query pending tasks: %w", err)
	}
	defer rows.Close()
	return scanTasks(rows)
}

func (s *sqlStore) ClaimTask(ctx context.Context, id, workerID string, expectedVersion int64) (bool, error) {
	now := time.Now().UTC()
	res, err := s.db.ExecContext(ctx, `
		UPDATE tasks SET status = ?, worker_id = ?, started_at = ?,
			version = version + 1, updated_at = ?
		WHERE id = ? AND version = ?
			AND (status = ? OR (status = ? AND worker_id IS NULL))
			AND deleted_at IS NULL`,
		string(StatusRunning), workerID, now, now,
		id, expectedVersion, string(StatusPending), string(StatusWaiting),
	)
	if err != nil {
		return false, fmt.Errorf("claim task: %w", err)
	}
	return affectedOne(res)
}

func (s *sqlStore) UpdateStatus(ctx context.Context, id string, status Status, expectedVersion int64) (bool, error) {
	pred, predArgs := statusPredicate(status)
	if pred == "" {
		return false, nil
	}
	now := time.Now().UTC()

	query := `UPDATE tasks SET status = ?, version = version + 1, updated_at = ?`
	args := []interface{}{string(status), now}
	if status.IsTerminal() {
		query += ", completed_at = ?, worker_id = NULL"
		args = append(args, now)
	}
	query += " WHERE id = ? AND version = ? AND " + pred + " AND deleted_at IS NULL"
	args = append(args, id, expectedVersion)
	args = append(args, predArgs...)

	res, err := s.db.ExecContext(ctx, query, args...)
	if err != nil {
		return false, fmt.Errorf("update status: %w", err)
	}
	return affectedOne(res)
}

func (s *sqlStore) UpdateCurrentStep(ctx context.Context, id, step string, expectedVersion int64) (bool, error) {
	res, err := s.db.ExecContext(ctx, `
		UPDATE tasks SET current_step = ?, version = version + 1, updated_at = ?
		WHERE id = ? AND version = ? AND deleted_at IS NULL`,
		step, time.Now().UTC(), id, expectedVersion,
	)
	if err != nil {
		return false, fmt.Errorf("update current step: %w", err)
	}
	return affectedOne(res)
}

func (s *sqlStore) IncrementRetryCount(ctx context.Context, id string, kind RetryKind, expectedVersion int64) (bool, error) {
	var column string
	switch kind {
	case RetryText:
		column = "text_retry_count"
	case RetryImage:
		column = "image_retry_count"
	default:
		return false, nil
	}
	res, err := s.db.ExecContext(ctx, fmt.Sprintf(`
		UPDATE tasks SET %s = %s + 1, version = version + 1, updated_at = ?
		WHERE id = ? AND version = ? AND deleted_at IS NULL`, column, column),
		time.Now().UTC(), id, expectedVersion,
	)
	if err != nil {
		return false, fmt.Errorf("increment retry count: %w", err)
	}
	return affectedOne(res)
}

func (s *sqlStore) SaveStateSnapshot(ctx context.Context, id string, snapshot []byte, expectedVersion int64) (bool, error) {
	res, err := s.db.ExecContext(ctx, `
		UPDATE tasks SET state_snapshot = ?, version = version + 1, updated_at = ?
		WHERE id = ? AND version = ? AND deleted_at IS NULL`,
		snapshot, time.Now().UTC(), id, expectedVersion,
	)
	if err != nil {
		return false, fmt.Errorf("save state snapshot: %w", err)
	}
	return affectedOne(res)
}

func (s *sqlStore) MarkCompleted(ctx context.Context, id string, expectedVersion int64) (bool, error) {
	return s.UpdateStatus(ctx, id, StatusCompleted, expectedVersion)
}

func (s *sqlStore) MarkFailed(ctx context.Context, id, errorMessage string, expectedVersion int64) (bool, error) {
	pred, predArgs := statusPredicate(StatusFailed)
	now := time.Now().UTC()
	args := []interface{}{string(StatusFailed), errorMessage, now, now, id, expectedVersion}
	args = append(args, predArgs...)
	res, err := s.db.ExecContext(ctx, `
		UPDATE tasks SET status = ?, error_message = ?, completed_at = ?, worker_id = NULL,
			version = version + 1, updated_at = ?
		WHERE id = ? AND version = ? AND `+pred+` AND deleted_at IS NULL`,
		args...,
	)
	if err != nil {
		return false, fmt.Errorf("mark failed: %w", err)
	}
	return affectedOne(res)
}

func (s *sqlStore) ReleaseWorker(ctx context.Context, id, workerID string, expectedVersion int64) (bool, error) {
	now := time.Now().UTC()
	res, err := s.db.ExecContext(ctx, `
		UPDATE tasks SET status = ?, worker_id = NULL,
			version = version + 1, updated_at = ?
		WHERE id = ? AND version = ? AND status = ? AND worker_id = ? AND deleted_at IS NULL`,
		string(StatusWaiting), now, id, expectedVersion, string(StatusRunning), workerID,
	)
	if err != nil {
		return false, fmt.Errorf("release worker: %w", err)
	}
	return affectedOne(res)
}

func (s *sqlStore) SoftDelete(ctx context.Context, id string) error {
	now := time.Now().UTC()
	res, err := s.db.ExecContext(ctx, `
		UPDATE tasks SET deleted_at = ?, updated_at = ? WHERE id = ? AND deleted_at IS NULL`,
		now, now, id,
	)
	if err != nil {
		return fmt.Errorf("soft delete task: %w", err)
	}
	if ok, _ := affectedOne(res); !ok {
		return ErrNotFound
	}
	return nil
}

func (s *sqlStore) Delete(ctx context.Context, id string) error {
	res, err := s.db.ExecContext(ctx, "DELETE FROM tasks WHERE id = ?", id)
	if err != nil {
		return fmt.Errorf("delete task: %w", err)
	}
	if ok, _ := affectedOne(res); !ok {
		return ErrNotFound
	}
	if _, err := s.db.ExecContext(ctx, "DELETE FROM results WHERE task_id = ?", id); err != nil {
		return fmt.Errorf("delete results: %w", err)
	}
	if _, err := s.db.ExecContext(ctx, "DELETE FROM quality_checks WHERE task_id = ?", id); err != nil {
		return fmt.Errorf("delete quality checks: %w", err)
	}
	return nil
}

func (s *sqlStore) PurgeDeleted(ctx context.Context, olderThan time.Time) (int, error) {
	rows, err := s.db.QueryContext(ctx,
		"SELECT id FROM tasks WHERE deleted_at IS NOT NULL AND deleted_at < ?", olderThan)
	if err != nil {
		return 0, fmt.Errorf("query deleted tasks: %w", err)
	}
	var ids []string
	for rows.Next() {
		var id string
		if err := rows.Scan(&id); err != nil {
			rows.Close()
			return 0, fmt.Errorf("scan deleted task id: %w", err)
		}
		ids = append(ids, id)
	}
	rows.Close()
	if err := rows.Err(); err != nil {
		return 0, fmt.Errorf("iterate deleted tasks: %w", err)
	}

	for _, id := range ids {
		if err := s.Delete(ctx, id); err != nil && err != ErrNotFound {
			return 0, err
		}
	}
	return len(ids), nil
}

func (s *sqlStore) CreateResult(ctx context.Context, result *Result) error {
	if result.ID == "" {
		result.ID = uuid.NewString()
	}
	if result.CreatedAt.IsZero() {
		result.CreatedAt = time.Now().UTC()
	}
	metadata, err := marshalJSON(result.Metadata)
	if err != nil {
		return fmt.Errorf("marshal result metadata: %w", err)
	}
	_, err = s.db.ExecContext(ctx, `
		INSERT INTO results (id, task_id, type, content, file_path, metadata, created_at)
		VALUES (?, ?, ?, ?, ?, ?, ?)`,
		result.ID, result.TaskID, string(result.Type), result.Content,
		result.FilePath, metadata, result.CreatedAt,
	)
	if err != nil {
		return fmt.Errorf("insert result: %w", err)
	}
	return nil
}

func (s *sqlStore) FindResultsByTask(ctx context.Context, taskID string) ([]*Result, error) {
	rows, err := s.db.QueryContext(ctx, `
		SELECT id, task_id, type, content, file_path, metadata, created_at
		FROM results WHERE task_id = ? ORDER BY created_at ASC`, taskID)
	if err != nil {
		return nil, fmt.Errorf("query results: %w", err)
	}
	defer rows.Close()

	var out []*Result
	for rows.Next() {
		r := &Result{}
		var typ string
		var metadata sql.NullString
		if err := rows.Scan(&r.ID, &r.TaskID, &typ, &r.Content, &r.FilePath, &metadata, &r.CreatedAt); err != nil {
			return nil, fmt.Errorf("scan result: %w", err)
		}
		r.Type = ResultType(typ)
		if metadata.Valid && metadata.String != "" {
			if err := json.Unmarshal([]byte(metadata.String), &r.Metadata); err != nil {
				return nil, fmt.Errorf("unmarshal result metadata: %w", err)
			}
		}
		out = append(out, r)
	}
	return out, rows.Err()
}

func (s *sqlStore) DeleteResultsByTask(ctx context.Context, taskID string) error {
	if _, err := s.db.ExecContext(ctx, "DELETE FROM results WHERE task_id = ?", taskID); err != nil {
		return fmt.Errorf("delete results: %w", err)
	}
	return nil
}

func (s *sqlStore) CreateQualityCheck(ctx context.Context, check *QualityCheck) error {
	if check.ID == "" {
		check.ID = uuid.NewString()
	}
	if check.CreatedAt.IsZero() {
		check.CreatedAt = time.Now().UTC()
	}
	details, err := marshalJSON(check.Details)
	if err != nil {
		return fmt.Errorf("marshal check details: %w", err)
	}
	suggestions, err := marshalJSON(check.FixSuggestions)
	if err != nil {
		return fmt.Errorf("marshal fix suggestions: %w", err)
	}
	_, err = s.db.ExecContext(ctx, `
		INSERT INTO quality_checks (
			id, task_id, kind, score, passed, hard_constraints_passed,
			details, fix_suggestions, rubric_version, model_name, created_at
		) VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`,
		check.ID, check.TaskID, string(check.Kind), check.Score, check.Passed,
		check.HardConstraintsPassed, details, suggestions, check.RubricVersion,
		check.ModelName, check.CreatedAt,
	)
	if err != nil {
		return fmt.Errorf("insert quality check: %w", err)
	}
	return nil
}

func (s *sqlStore) FindQualityChecksByTask(ctx context.Context, taskID string) ([]*QualityCheck, error) {
	rows, err := s.db.QueryContext(ctx, `
		SELECT id, task_id, kind, score, passed, hard_constraints_passed,
			details, fix_suggestions, rubric_version, model_name, created_at
		FROM quality_checks WHERE task_id = ? ORDER BY created_at ASC`, taskID)
	if err != nil {
		return nil, fmt.Errorf("query quality checks: %w", err)
	}
	defer rows.Close()

	var out []*QualityCheck
	for rows.Next() {
		c := &QualityCheck{}
		var kind string
		var details, suggestions sql.NullString
		if err := rows.Scan(&c.ID, &c.TaskID, &kind, &c.Score, &c.Passed,
			&c.HardConstraintsPassed, &details, &suggestions, &c.RubricVersion,
			&c.ModelName, &c.CreatedAt); err != nil {
			return nil, fmt.Errorf("scan quality check: %w", err)
		}
		c.Kind = CheckKind(kind)
		if details.Valid && details.String != "" {
			if err := json.Unmarshal([]byte(details.String), &c.Details); err != nil {
				return nil, fmt.Errorf("unmarshal check details: %w", err)
			}
		}
		if suggestions.Valid && suggestions.String != "" {
			if err := json.Unmarshal([]byte(suggestions.String), &c.FixSuggestions); err != nil {
				return nil, fmt.Errorf("unmarshal fix suggestions: %w", err)
			}
		}
		out = append(out, c)
	}
	return out, rows.Err()
}

const taskSelect = `
	SELECT id, idempotency_key, mode, topic, requirements, target_audience,
		keywords, tone, hard_constraints, priority, image_size, user_id,
		status, current_step, worker_id, text_retry_count, image_retry_count,
		state_snapshot, error_message, version,
		created_at, updated_at, started_at, completed_at, deleted_at
	FROM tasks`

type rowScanner interface {
	Scan(dest ...interface{}) error
}

func scanTask(row rowScanner) (*Task, error) {
	t := &Task{}
	var (
		idempotencyKey, mode, priority, status       sql.NullString
		currentStep, workerID, errorMessage          sql.NullString
		keywords, constraints                        sql.NullString
		snapshot                                     []byte
		startedAt, completedAt, deletedAt            sql.NullTime
	)
	err := row.Scan(&t.ID, &idempotencyKey, &mode, &t.Topic, &t.Requirements,
		&t.TargetAudience, &keywords, &t.Tone, &constraints, &priority,
		&t.ImageSize, &t.UserID, &status, &currentStep, &workerID,
		&t.TextRetryCount, &t.ImageRetryCount, &snapshot, &errorMessage,
		&t.Version, &t.CreatedAt, &t.UpdatedAt, &startedAt, &completedAt, &deletedAt)
	if err == sql.ErrNoRows {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("scan task: %w", err)
	}

	t.IdempotencyKey = idempotencyKey.String
	t.Mode = Mode(mode.String)
	t.Priority = Priority(priority.String)
	t.Status = Status(status.String)
	t.CurrentStep = currentStep.String
	t.WorkerID = workerID.String
	t.ErrorMessage = errorMessage.String
	t.StateSnapshot = snapshot
	if keywords.Valid && keywords.String != "" {
		if err := json.Unmarshal([]byte(keywords.String), &t.Keywords); err != nil {
			return nil, fmt.Errorf("unmarshal keywords: %w", err)
		}
	}
	if constraints.Valid && constraints.String != "" {
		if err := json.Unmarshal([]byte(constraints.String), &t.HardConstraints); err != nil {
			return nil, fmt.Errorf("unmarshal hard constraints: %w", err)
		}
	}
	if startedAt.Valid {
		t.StartedAt = &startedAt.Time
	}
	if completedAt.Valid {
		t.CompletedAt = &completedAt.Time
	}
	if deletedAt.Valid {
		t.DeletedAt = &deletedAt.Time
	}
	return t, nil
}

func scanTasks(rows *sql.Rows) ([]*Task, error) {
	var out []*Task
	for rows.Next() {
		t, err := scanTask(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, t)
	}
	return out, rows.Err()
}

func affectedOne(res sql.Result) (bool, error) {
	n, err := res.RowsAffected()
	if err != nil {
		return false, fmt.Errorf("rows affected: %w", err)
	}
	return n == 1, nil
}

func marshalJSON(v interface{}) (sql.NullString, error) {
	switch val := v.(type) {
	case nil:
		return sql.NullString{}, nil
	case *HardConstraints:
		if val == nil {
			return sql.NullString{}, nil
		}
	case []string:
		if len(val) == 0 {
			return sql.NullString{}, nil
		}
	case map[string]interface{}:
		if len(val) == 0 {
			return sql.NullString{}, nil
		}
	}
	data, err := json.Marshal(v)
	if err != nil {
		return sql.NullString{}, err
	}
	return sql.NullString{String: string(data), Valid: true}, nil
}

func nullString(s string) sql.NullString {
	return sql.NullString{String: s, Valid: s != ""}
}

func isUniqueViolation(err error) bool {
	if err == nil {
		return false
	}
	msg := strings.ToLower(err.Error())
	return strings.Contains(msg, "unique") || strings.Contains(msg, "duplicate")
}
