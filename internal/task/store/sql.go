package store

import (
	"context"
	"database/sql"
	"encoding/json"
	"fmt"
	"strings"
	"time"

	"github.com/google/uuid"
	"github.com/jmoiron/sqlx"

	"github.com/taskmesh/taskmesh/internal/common/tracing"
	"github.com/taskmesh/taskmesh/internal/db"
	"github.com/taskmesh/taskmesh/internal/db/dialect"
	"github.com/taskmesh/taskmesh/internal/task/models"
)

// SQLStore is the sqlx-backed task store. It speaks both SQLite and
// PostgreSQL; dialect differences are isolated in the db/dialect helpers.
// Writes and transactions go through the pool's writer, plain lookups
// through the reader.
type SQLStore struct {
	pool *db.Pool
}

var _ Store = (*SQLStore)(nil)

// NewSQLStore wraps an open connection pool and initializes the schema.
// The store takes ownership of the pool and closes it on Close.
func NewSQLStore(pool *db.Pool) (*SQLStore, error) {
	s := &SQLStore{pool: pool}
	if err := s.initSchema(); err != nil {
		_ = pool.Close()
		return nil, fmt.Errorf("failed to initialize schema: %w", err)
	}
	return s, nil
}

func (s *SQLStore) writer() *sqlx.DB { return s.pool.Writer() }
func (s *SQLStore) reader() *sqlx.DB { return s.pool.Reader() }

// Close closes the underlying connection pool.
func (s *SQLStore) Close() error {
	if !dialect.IsPostgres(s.writer().DriverName()) {
		// SQLite-recommended: refresh query planner statistics before closing.
		_, _ = s.writer().Exec("PRAGMA optimize")
	}
	return s.pool.Close()
}

// initSchema creates the tasks table and indexes if they don't exist.
func (s *SQLStore) initSchema() error {
	timestampType := "TIMESTAMP"
	bigintType := "INTEGER"
	if dialect.IsPostgres(s.writer().DriverName()) {
		timestampType = "TIMESTAMPTZ"
		bigintType = "BIGINT"
	}

	ddl := fmt.Sprintf(`
	CREATE TABLE IF NOT EXISTS tasks (
		id TEXT PRIMARY KEY,
		input TEXT NOT NULL,
		output TEXT NOT NULL DEFAULT '',
		status TEXT NOT NULL,
		agent_id TEXT NOT NULL DEFAULT '',
		agent_version TEXT NOT NULL DEFAULT '',
		selection_reason TEXT NOT NULL DEFAULT '',
		started_at %[1]s NOT NULL,
		completed_at %[1]s,
		duration_ms %[2]s NOT NULL DEFAULT 0,
		error TEXT,
		is_retry BOOLEAN NOT NULL DEFAULT FALSE,
		original_task_id TEXT NOT NULL DEFAULT '',
		retry_count INTEGER NOT NULL DEFAULT 0,
		retries TEXT NOT NULL DEFAULT '[]',
		decision TEXT,
		involved_agents TEXT NOT NULL DEFAULT '[]',
		conversation_id TEXT NOT NULL DEFAULT '',
		progress INTEGER NOT NULL DEFAULT 0,
		generation TEXT,
		system_mode TEXT NOT NULL DEFAULT '',
		multi_agent BOOLEAN NOT NULL DEFAULT FALSE,
		worker_id TEXT NOT NULL DEFAULT '',
		lease_expires_at %[1]s,
		last_claimed_at %[1]s,
		claim_count INTEGER NOT NULL DEFAULT 0,
		metadata TEXT NOT NULL DEFAULT '{}',
		created_at %[1]s NOT NULL,
		updated_at %[1]s NOT NULL
	)`, timestampType, bigintType)
	if _, err := s.writer().Exec(ddl); err != nil {
		return err
	}

	for _, index := range []string{
		`CREATE INDEX IF NOT EXISTS idx_tasks_status ON tasks(status)`,
		`CREATE INDEX IF NOT EXISTS idx_tasks_conversation_id ON tasks(conversation_id)`,
		`CREATE INDEX IF NOT EXISTS idx_tasks_original_task_id ON tasks(original_task_id)`,
		`CREATE INDEX IF NOT EXISTS idx_tasks_created_at ON tasks(created_at)`,
	} {
		if _, err := s.writer().Exec(index); err != nil {
			return err
		}
	}

	return s.runMigrations()
}

// runMigrations applies idempotent ALTER TABLE migrations for databases
// created before the worker lease columns existed.
func (s *SQLStore) runMigrations() error {
	timestampType := "TIMESTAMP"
	if dialect.IsPostgres(s.writer().DriverName()) {
		timestampType = "TIMESTAMPTZ"
	}
	_, _ = s.writer().Exec(`ALTER TABLE tasks ADD COLUMN worker_id TEXT NOT NULL DEFAULT ''`)
	_, _ = s.writer().Exec(fmt.Sprintf(`ALTER TABLE tasks ADD COLUMN lease_expires_at %s`, timestampType))
	_, _ = s.writer().Exec(fmt.Sprintf(`ALTER TABLE tasks ADD COLUMN last_claimed_at %s`, timestampType))
	_, _ = s.writer().Exec(`ALTER TABLE tasks ADD COLUMN claim_count INTEGER NOT NULL DEFAULT 0`)
	return nil
}

const taskColumns = `id, input, output, status, agent_id, agent_version, selection_reason,
	started_at, completed_at, duration_ms, error, is_retry, original_task_id, retry_count,
	retries, decision, involved_agents, conversation_id, progress, generation, system_mode,
	multi_agent, worker_id, lease_expires_at, last_claimed_at, claim_count, metadata,
	created_at, updated_at`

func (s *SQLStore) Create(ctx context.Context, input string, opts CreateOptions) (*models.TaskRecord, error) {
	id := opts.ID
	if id == "" {
		id = uuid.New().String()
	}
	now := time.Now().UTC()
	record := &models.TaskRecord{
		ID:              id,
		Input:           input,
		Status:          models.StatusPending,
		AgentID:         opts.AgentID,
		AgentVersion:    opts.AgentVersion,
		SelectionReason: opts.SelectionReason,
		StartedAt:       now,
		IsRetry:         opts.IsRetry,
		OriginalTaskID:  opts.OriginalTaskID,
		RetryCount:      opts.RetryCount,
		Decision:        opts.Decision,
		ConversationID:  opts.ConversationID,
		Generation:      opts.Generation,
		SystemMode:      opts.SystemMode,
		MultiAgent:      opts.MultiAgent,
		Metadata:        opts.Metadata,
		CreatedAt:       now,
		UpdatedAt:       now,
	}

	if err := insertRecord(ctx, s.writer(), record); err != nil {
		return nil, err
	}
	return record, nil
}

func (s *SQLStore) Update(ctx context.Context, id string, patch Patch) (*models.TaskRecord, error) {
	tx, err := s.writer().BeginTxx(ctx, nil)
	if err != nil {
		return nil, err
	}
	defer func() { _ = tx.Rollback() }()

	record, err := getRecord(ctx, tx, id)
	if err != nil {
		return nil, err
	}
	ApplyPatch(record, patch, time.Now().UTC())
	if err := updateRecord(ctx, tx, record); err != nil {
		return nil, err
	}
	if err := tx.Commit(); err != nil {
		return nil, err
	}
	return record, nil
}

func (s *SQLStore) Get(ctx context.Context, id string) (*models.TaskRecord, error) {
	return getRecord(ctx, s.reader(), id)
}

func (s *SQLStore) Query(ctx context.Context, filter Filter) ([]*models.TaskRecord, error) {
	ctx, span := tracing.Tracer("taskmesh-db").Start(ctx, "db.QueryTasks")
	defer span.End()

	var conditions []string
	var args []any
	if filter.Status != "" {
		conditions = append(conditions, "status = ?")
		args = append(args, string(filter.Status))
	}
	if filter.AgentID != "" {
		conditions = append(conditions, "agent_id = ?")
		args = append(args, filter.AgentID)
	}
	if filter.ConversationID != "" {
		conditions = append(conditions, "conversation_id = ?")
		args = append(args, filter.ConversationID)
	}
	if filter.OriginalTaskID != "" {
		conditions = append(conditions, "original_task_id = ?")
		args = append(args, filter.OriginalTaskID)
	}
	if filter.IsRetry != nil {
		conditions = append(conditions, "is_retry = ?")
		args = append(args, *filter.IsRetry)
	}
	if filter.StartDate != nil {
		conditions = append(conditions, "created_at >= ?")
		args = append(args, *filter.StartDate)
	}
	if filter.EndDate != nil {
		conditions = append(conditions, "created_at <= ?")
		args = append(args, *filter.EndDate)
	}
	if filter.Search != "" {
		like := dialect.Like(s.reader().DriverName())
		conditions = append(conditions, fmt.Sprintf("(input %s ? OR output %s ?)", like, like))
		pattern := "%" + filter.Search + "%"
		args = append(args, pattern, pattern)
	}

	query := `SELECT ` + taskColumns + ` FROM tasks`
	if len(conditions) > 0 {
		query += " WHERE " + strings.Join(conditions, " AND ")
	}
	query += " ORDER BY " + sortColumn(filter.SortBy) + " " + sortDirection(filter.SortOrder)
	if filter.Limit > 0 {
		query += " LIMIT ?"
		args = append(args, filter.Limit)
	} else if filter.Offset > 0 {
		// OFFSET requires a LIMIT clause in SQLite.
		query += " " + dialect.NoLimit(s.reader().DriverName())
	}
	if filter.Offset > 0 {
		query += " OFFSET ?"
		args = append(args, filter.Offset)
	}

	rows, err := s.reader().QueryContext(ctx, s.reader().Rebind(query), args...)
	if err != nil {
		return nil, err
	}
	defer func() { _ = rows.Close() }()

	var records []*models.TaskRecord
	for rows.Next() {
		record, err := scanRecord(rows)
		if err != nil {
			return nil, err
		}
		records = append(records, record)
	}
	return records, rows.Err()
}

func (s *SQLStore) CreateRetry(ctx context.Context, originalID string, newInput *string) (*models.TaskRecord, error) {
	tx, err := s.writer().BeginTxx(ctx, nil)
	if err != nil {
		return nil, err
	}
	defer func() { _ = tx.Rollback() }()

	original, err := getRecord(ctx, tx, originalID)
	if err != nil {
		return nil, err
	}

	input := original.Input
	if newInput != nil {
		input = *newInput
	}

	now := time.Now().UTC()
	retry := &models.TaskRecord{
		ID:             uuid.New().String(),
		Input:          input,
		Status:         models.StatusPending,
		AgentID:        original.AgentID,
		AgentVersion:   original.AgentVersion,
		StartedAt:      now,
		IsRetry:        true,
		OriginalTaskID: originalID,
		RetryCount:     original.RetryCount + 1,
		ConversationID: original.ConversationID,
		Generation:     original.Generation,
		SystemMode:     original.SystemMode,
		MultiAgent:     original.MultiAgent,
		CreatedAt:      now,
		UpdatedAt:      now,
	}
	if err := insertRecord(ctx, tx, retry); err != nil {
		return nil, err
	}

	original.Retries = append(original.Retries, retry.ID)
	_, err = tx.ExecContext(ctx, tx.Rebind(`UPDATE tasks SET retries = ?, updated_at = ? WHERE id = ?`),
		marshalList(original.Retries), now, originalID)
	if err != nil {
		return nil, err
	}

	if err := tx.Commit(); err != nil {
		return nil, err
	}
	return retry, nil
}

func (s *SQLStore) RetryChain(ctx context.Context, id string) ([]*models.TaskRecord, error) {
	record, err := getRecord(ctx, s.reader(), id)
	if err != nil {
		return nil, err
	}

	// Walk up to the lineage root, then collect depth-first in retry order.
	root := record
	for root.IsRetry && root.OriginalTaskID != "" {
		parent, err := getRecord(ctx, s.reader(), root.OriginalTaskID)
		if err == ErrTaskNotFound {
			break
		}
		if err != nil {
			return nil, err
		}
		root = parent
	}

	var chain []*models.TaskRecord
	var collect func(r *models.TaskRecord) error
	collect = func(r *models.TaskRecord) error {
		chain = append(chain, r)
		for _, retryID := range r.Retries {
			child, err := getRecord(ctx, s.reader(), retryID)
			if err == ErrTaskNotFound {
				continue
			}
			if err != nil {
				return err
			}
			if err := collect(child); err != nil {
				return err
			}
		}
		return nil
	}
	if err := collect(root); err != nil {
		return nil, err
	}
	return chain, nil
}

func (s *SQLStore) Rekey(ctx context.Context, oldID, newID string) (*models.TaskRecord, error) {
	tx, err := s.writer().BeginTxx(ctx, nil)
	if err != nil {
		return nil, err
	}
	defer func() { _ = tx.Rollback() }()

	record, err := getRecord(ctx, tx, oldID)
	if err != nil {
		return nil, err
	}

	var one int
	err = tx.QueryRowContext(ctx, tx.Rebind(`SELECT 1 FROM tasks WHERE id = ?`), newID).Scan(&one)
	if err == nil {
		return nil, ErrTaskExists
	}
	if err != sql.ErrNoRows {
		return nil, err
	}

	now := time.Now().UTC()
	if _, err := tx.ExecContext(ctx, tx.Rebind(`UPDATE tasks SET id = ?, updated_at = ? WHERE id = ?`), newID, now, oldID); err != nil {
		return nil, err
	}
	if _, err := tx.ExecContext(ctx, tx.Rebind(`UPDATE tasks SET original_task_id = ?, updated_at = ? WHERE original_task_id = ?`), newID, now, oldID); err != nil {
		return nil, err
	}
	if err := rewriteRetryRefs(ctx, tx, oldID, newID, now); err != nil {
		return nil, err
	}

	if err := tx.Commit(); err != nil {
		return nil, err
	}

	record.ID = newID
	record.UpdatedAt = now
	return record, nil
}

// rewriteRetryRefs replaces oldID with newID in every retries list that
// mentions it.
func rewriteRetryRefs(ctx context.Context, tx *sqlx.Tx, oldID, newID string, now time.Time) error {
	rows, err := tx.QueryContext(ctx, tx.Rebind(`SELECT id, retries FROM tasks WHERE retries LIKE ?`), `%"`+oldID+`"%`)
	if err != nil {
		return err
	}

	type refRow struct {
		id      string
		retries string
	}
	var matches []refRow
	for rows.Next() {
		var row refRow
		if err := rows.Scan(&row.id, &row.retries); err != nil {
			_ = rows.Close()
			return err
		}
		matches = append(matches, row)
	}
	if err := rows.Err(); err != nil {
		_ = rows.Close()
		return err
	}
	_ = rows.Close()

	for _, row := range matches {
		var retries []string
		if err := json.Unmarshal([]byte(row.retries), &retries); err != nil {
			continue
		}
		changed := false
		for i, retryID := range retries {
			if retryID == oldID {
				retries[i] = newID
				changed = true
			}
		}
		if !changed {
			continue
		}
		if _, err := tx.ExecContext(ctx, tx.Rebind(`UPDATE tasks SET retries = ?, updated_at = ? WHERE id = ?`),
			marshalList(retries), now, row.id); err != nil {
			return err
		}
	}
	return nil
}

func (s *SQLStore) Delete(ctx context.Context, id string) error {
	result, err := s.writer().ExecContext(ctx, s.writer().Rebind(`DELETE FROM tasks WHERE id = ?`), id)
	if err != nil {
		return err
	}
	rows, _ := result.RowsAffected()
	if rows == 0 {
		return ErrTaskNotFound
	}
	return nil
}

func (s *SQLStore) DeleteByConversation(ctx context.Context, conversationID string) (int, error) {
	result, err := s.writer().ExecContext(ctx, s.writer().Rebind(`DELETE FROM tasks WHERE conversation_id = ?`), conversationID)
	if err != nil {
		return 0, err
	}
	rows, _ := result.RowsAffected()
	return int(rows), nil
}

func (s *SQLStore) DeleteOlderThan(ctx context.Context, days int) (int, error) {
	cutoff := time.Now().UTC().AddDate(0, 0, -days)
	result, err := s.writer().ExecContext(ctx, s.writer().Rebind(`DELETE FROM tasks WHERE created_at < ?`), cutoff)
	if err != nil {
		return 0, err
	}
	rows, _ := result.RowsAffected()
	return int(rows), nil
}

func (s *SQLStore) Claim(ctx context.Context, taskID, workerID string, leaseMS int64) (bool, error) {
	now := time.Now().UTC()
	expires := now.Add(time.Duration(leaseMS) * time.Millisecond)

	result, err := s.writer().ExecContext(ctx, s.writer().Rebind(`
		UPDATE tasks
		SET worker_id = ?, lease_expires_at = ?, last_claimed_at = ?, claim_count = claim_count + 1, status = ?, updated_at = ?
		WHERE id = ? AND status IN (?, ?) AND (lease_expires_at IS NULL OR lease_expires_at <= ?)
	`), workerID, expires, now, string(models.StatusInProgress), now,
		taskID, string(models.StatusPending), string(models.StatusInProgress), now)
	if err != nil {
		return false, err
	}
	rows, _ := result.RowsAffected()
	if rows > 0 {
		return true, nil
	}

	// Distinguish a lost claim race from a missing task.
	if _, err := getRecord(ctx, s.writer(), taskID); err != nil {
		return false, err
	}
	return false, nil
}

func (s *SQLStore) RenewLease(ctx context.Context, taskID, workerID string, leaseMS int64) (bool, error) {
	now := time.Now().UTC()
	expires := now.Add(time.Duration(leaseMS) * time.Millisecond)

	result, err := s.writer().ExecContext(ctx, s.writer().Rebind(`
		UPDATE tasks SET lease_expires_at = ?, updated_at = ?
		WHERE id = ? AND worker_id = ? AND lease_expires_at IS NOT NULL AND lease_expires_at > ?
	`), expires, now, taskID, workerID, now)
	if err != nil {
		return false, err
	}
	rows, _ := result.RowsAffected()
	if rows > 0 {
		return true, nil
	}

	if _, err := getRecord(ctx, s.writer(), taskID); err != nil {
		return false, err
	}
	return false, nil
}

func (s *SQLStore) ReleaseLease(ctx context.Context, taskID, workerID string) error {
	result, err := s.writer().ExecContext(ctx, s.writer().Rebind(`
		UPDATE tasks SET worker_id = '', lease_expires_at = NULL, updated_at = ?
		WHERE id = ? AND worker_id = ?
	`), time.Now().UTC(), taskID, workerID)
	if err != nil {
		return err
	}
	rows, _ := result.RowsAffected()
	if rows > 0 {
		return nil
	}

	// Wrong worker is a no-op, but a missing task is an error.
	if _, err := getRecord(ctx, s.writer(), taskID); err != nil {
		return err
	}
	return nil
}

func (s *SQLStore) NormalizeAtStartup(ctx context.Context) (int, error) {
	tx, err := s.writer().BeginTxx(ctx, nil)
	if err != nil {
		return 0, err
	}
	defer func() { _ = tx.Rollback() }()

	rows, err := tx.QueryContext(ctx, tx.Rebind(`SELECT `+taskColumns+` FROM tasks WHERE status IN (?, ?)`),
		string(models.StatusPending), string(models.StatusInProgress))
	if err != nil {
		return 0, err
	}

	var stale []*models.TaskRecord
	for rows.Next() {
		record, err := scanRecord(rows)
		if err != nil {
			_ = rows.Close()
			return 0, err
		}
		stale = append(stale, record)
	}
	if err := rows.Err(); err != nil {
		_ = rows.Close()
		return 0, err
	}
	_ = rows.Close()

	now := time.Now().UTC()
	for _, record := range stale {
		completed := now
		record.Status = models.StatusFailed
		record.Error = &models.ErrorInfo{
			Message:     RestartFailureMessage,
			FailedLayer: models.LayerStore,
		}
		record.CompletedAt = &completed
		record.DurationMS = completed.Sub(record.StartedAt).Milliseconds()
		record.WorkerID = ""
		record.LeaseExpiresAt = nil
		record.UpdatedAt = now
		if err := updateRecord(ctx, tx, record); err != nil {
			return 0, err
		}
	}

	if err := tx.Commit(); err != nil {
		return 0, err
	}
	return len(stale), nil
}

// getRecord loads a single record by id. Works on both the pool and a
// transaction handle.
func getRecord(ctx context.Context, ext sqlx.ExtContext, id string) (*models.TaskRecord, error) {
	row := ext.QueryRowxContext(ctx, ext.Rebind(`SELECT `+taskColumns+` FROM tasks WHERE id = ?`), id)
	record, err := scanRecord(row)
	if err == sql.ErrNoRows {
		return nil, ErrTaskNotFound
	}
	if err != nil {
		return nil, err
	}
	return record, nil
}

// insertRecord writes a record; an existing record with the same id is
// replaced wholesale.
func insertRecord(ctx context.Context, ext sqlx.ExtContext, record *models.TaskRecord) error {
	_, err := ext.ExecContext(ctx, ext.Rebind(`
		INSERT INTO tasks (`+taskColumns+`)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)
		ON CONFLICT(id) DO UPDATE SET
			input = excluded.input, output = excluded.output, status = excluded.status,
			agent_id = excluded.agent_id, agent_version = excluded.agent_version,
			selection_reason = excluded.selection_reason, started_at = excluded.started_at,
			completed_at = excluded.completed_at, duration_ms = excluded.duration_ms,
			error = excluded.error, is_retry = excluded.is_retry,
			original_task_id = excluded.original_task_id, retry_count = excluded.retry_count,
			retries = excluded.retries, decision = excluded.decision,
			involved_agents = excluded.involved_agents, conversation_id = excluded.conversation_id,
			progress = excluded.progress, generation = excluded.generation,
			system_mode = excluded.system_mode, multi_agent = excluded.multi_agent,
			worker_id = excluded.worker_id, lease_expires_at = excluded.lease_expires_at,
			last_claimed_at = excluded.last_claimed_at, claim_count = excluded.claim_count,
			metadata = excluded.metadata, created_at = excluded.created_at, updated_at = excluded.updated_at
	`), recordArgs(record)...)
	return err
}

// updateRecord writes the full row for an existing record.
func updateRecord(ctx context.Context, ext sqlx.ExtContext, record *models.TaskRecord) error {
	args := append(recordArgs(record)[1:], record.ID)
	result, err := ext.ExecContext(ctx, ext.Rebind(`
		UPDATE tasks SET
			input = ?, output = ?, status = ?, agent_id = ?, agent_version = ?,
			selection_reason = ?, started_at = ?, completed_at = ?, duration_ms = ?,
			error = ?, is_retry = ?, original_task_id = ?, retry_count = ?, retries = ?,
			decision = ?, involved_agents = ?, conversation_id = ?, progress = ?,
			generation = ?, system_mode = ?, multi_agent = ?, worker_id = ?,
			lease_expires_at = ?, last_claimed_at = ?, claim_count = ?, metadata = ?,
			created_at = ?, updated_at = ?
		WHERE id = ?
	`), args...)
	if err != nil {
		return err
	}
	rows, _ := result.RowsAffected()
	if rows == 0 {
		return ErrTaskNotFound
	}
	return nil
}

// recordArgs returns the bind arguments in taskColumns order.
func recordArgs(record *models.TaskRecord) []any {
	return []any{
		record.ID, record.Input, record.Output, string(record.Status),
		record.AgentID, record.AgentVersion, record.SelectionReason,
		record.StartedAt, nullTime(record.CompletedAt), record.DurationMS,
		jsonOrNull(record.Error), record.IsRetry, record.OriginalTaskID, record.RetryCount,
		marshalList(record.Retries), jsonOrNull(record.Decision), marshalList(record.InvolvedAgents),
		record.ConversationID, record.Progress, jsonOrNull(record.Generation),
		string(record.SystemMode), record.MultiAgent, record.WorkerID,
		nullTime(record.LeaseExpiresAt), nullTime(record.LastClaimedAt), record.ClaimCount,
		marshalMap(record.Metadata), record.CreatedAt, record.UpdatedAt,
	}
}

type rowScanner interface {
	Scan(dest ...any) error
}

// scanRecord reads one row in taskColumns order.
func scanRecord(row rowScanner) (*models.TaskRecord, error) {
	record := &models.TaskRecord{}
	var (
		completedAt    sql.NullTime
		leaseExpiresAt sql.NullTime
		lastClaimedAt  sql.NullTime
		errorJSON      sql.NullString
		decisionJSON   sql.NullString
		generationJSON sql.NullString
		retriesJSON    string
		involvedJSON   string
		metadataJSON   string
	)
	err := row.Scan(
		&record.ID, &record.Input, &record.Output, &record.Status,
		&record.AgentID, &record.AgentVersion, &record.SelectionReason,
		&record.StartedAt, &completedAt, &record.DurationMS,
		&errorJSON, &record.IsRetry, &record.OriginalTaskID, &record.RetryCount,
		&retriesJSON, &decisionJSON, &involvedJSON, &record.ConversationID,
		&record.Progress, &generationJSON, &record.SystemMode,
		&record.MultiAgent, &record.WorkerID, &leaseExpiresAt, &lastClaimedAt,
		&record.ClaimCount, &metadataJSON, &record.CreatedAt, &record.UpdatedAt,
	)
	if err != nil {
		return nil, err
	}

	if completedAt.Valid {
		record.CompletedAt = &completedAt.Time
	}
	if leaseExpiresAt.Valid {
		record.LeaseExpiresAt = &leaseExpiresAt.Time
	}
	if lastClaimedAt.Valid {
		record.LastClaimedAt = &lastClaimedAt.Time
	}
	if errorJSON.Valid && errorJSON.String != "" {
		var info models.ErrorInfo
		if json.Unmarshal([]byte(errorJSON.String), &info) == nil {
			record.Error = &info
		}
	}
	if decisionJSON.Valid && decisionJSON.String != "" {
		var decision models.AgentDecision
		if json.Unmarshal([]byte(decisionJSON.String), &decision) == nil {
			record.Decision = &decision
		}
	}
	if generationJSON.Valid && generationJSON.String != "" {
		var generation models.GenerationConfig
		if json.Unmarshal([]byte(generationJSON.String), &generation) == nil {
			record.Generation = &generation
		}
	}
	_ = json.Unmarshal([]byte(retriesJSON), &record.Retries)
	_ = json.Unmarshal([]byte(involvedJSON), &record.InvolvedAgents)
	_ = json.Unmarshal([]byte(metadataJSON), &record.Metadata)

	return record, nil
}

func sortColumn(sortBy string) string {
	switch sortBy {
	case "started_at", "completed_at", "status":
		return sortBy
	default:
		return "created_at"
	}
}

func sortDirection(sortOrder string) string {
	if strings.EqualFold(sortOrder, "asc") {
		return "ASC"
	}
	return "DESC"
}

func nullTime(t *time.Time) any {
	if t == nil {
		return nil
	}
	return *t
}

// jsonOrNull marshals v to a JSON string, or SQL NULL for a nil pointer.
func jsonOrNull[T any](v *T) any {
	if v == nil {
		return nil
	}
	data, err := json.Marshal(v)
	if err != nil {
		return nil
	}
	return string(data)
}

func marshalList(values []string) string {
	if len(values) == 0 {
		return "[]"
	}
	data, err := json.Marshal(values)
	if err != nil {
		return "[]"
	}
	return string(data)
}

func marshalMap(m map[string]interface{}) string {
	if len(m) == 0 {
		return "{}"
	}
	data, err := json.Marshal(m)
	if err != nil {
		return "{}"
	}
	return string(data)
}
