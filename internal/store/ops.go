package store

import (
	"database/sql"
	"fmt"
)

const opColumns = `id, op_type, conversation_id, payload, status, retry_count, max_retries, next_retry_at, last_error, created_at`

// EnqueueOperation persists a new offline operation with status pending.
func (db *DB) EnqueueOperation(op *Operation) error {
	now := nowMillis()
	if op.CreatedAt == 0 {
		op.CreatedAt = now
	}
	if op.Status == "" {
		op.Status = OpPending
	}
	var nextRetry any
	if op.NextRetryAt > 0 {
		nextRetry = op.NextRetryAt
	}
	_, err := db.Exec(`
		INSERT INTO operations (id, op_type, conversation_id, payload, status, retry_count, max_retries, next_retry_at, last_error, created_at, updated_at)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`,
		op.ID, op.Type, op.ConversationID, string(op.Payload), op.Status,
		op.RetryCount, op.MaxRetries, nextRetry, op.LastError, op.CreatedAt, now)
	if err != nil {
		return fmt.Errorf("enqueue operation: %w", err)
	}
	return nil
}

// DueOperations returns pending operations whose next_retry_at has elapsed
// (or is unset), in creation order. Creation order keeps same-conversation
// sends in the order the user issued them.
func (db *DB) DueOperations(now int64) ([]Operation, error) {
	rows, err := db.Query(`
		SELECT `+opColumns+`
		FROM operations
		WHERE status = ? AND (next_retry_at IS NULL OR next_retry_at <= ?)
		ORDER BY created_at ASC, id ASC`, OpPending, now)
	if err != nil {
		return nil, err
	}
	defer func() { _ = rows.Close() }()
	return collectOperations(rows)
}

// GetOperation returns an operation by id, or nil if absent.
func (db *DB) GetOperation(id string) (*Operation, error) {
	row := db.QueryRow(`SELECT `+opColumns+` FROM operations WHERE id = ?`, id)
	op, err := scanOperation(row)
	if err == sql.ErrNoRows {
		return nil, nil
	}
	if err != nil {
		return nil, err
	}
	return op, nil
}

// ListFailedOperations returns terminally failed operations for manual
// intervention.
func (db *DB) ListFailedOperations() ([]Operation, error) {
	rows, err := db.Query(`SELECT `+opColumns+` FROM operations WHERE status = ? ORDER BY created_at ASC`, OpFailed)
	if err != nil {
		return nil, err
	}
	defer func() { _ = rows.Close() }()
	return collectOperations(rows)
}

// ResetSyncingOperations returns operations stuck in the syncing state to
// pending. A crash between the in-flight mark and its outcome would
// otherwise strand the operation where DueOperations never sees it.
func (db *DB) ResetSyncingOperations() (int, error) {
	res, err := db.Exec(`
		UPDATE operations
		SET status = ?, next_retry_at = NULL, updated_at = ?
		WHERE status = ?`,
		OpPending, nowMillis(), OpSyncing)
	if err != nil {
		return 0, fmt.Errorf("reset syncing operations: %w", err)
	}
	n, err := res.RowsAffected()
	return int(n), err
}

// MarkOperationSyncing flags an operation as in flight.
func (db *DB) MarkOperationSyncing(id string) error {
	_, err := db.Exec(`UPDATE operations SET status = ?, updated_at = ? WHERE id = ?`,
		OpSyncing, nowMillis(), id)
	return err
}

// CompleteOperation removes a successfully delivered operation.
func (db *DB) CompleteOperation(id string) error {
	_, err := db.Exec(`DELETE FROM operations WHERE id = ?`, id)
	return err
}

// RetryOperation returns an operation to pending with updated retry
// bookkeeping.
func (db *DB) RetryOperation(id string, retryCount int, nextRetryAt int64, lastError string) error {
	_, err := db.Exec(`
		UPDATE operations
		SET status = ?, retry_count = ?, next_retry_at = ?, last_error = ?, updated_at = ?
		WHERE id = ?`,
		OpPending, retryCount, nextRetryAt, lastError, nowMillis(), id)
	return err
}

// FailOperation marks an operation terminally failed. It is never retried
// automatically again.
func (db *DB) FailOperation(id string, lastError string) error {
	_, err := db.Exec(`
		UPDATE operations
		SET status = ?, last_error = ?, updated_at = ?
		WHERE id = ?`,
		OpFailed, lastError, nowMillis(), id)
	return err
}

func scanOperation(r rowScanner) (*Operation, error) {
	var op Operation
	var payload string
	var nextRetry sql.NullInt64
	if err := r.Scan(&op.ID, &op.Type, &op.ConversationID, &payload, &op.Status,
		&op.RetryCount, &op.MaxRetries, &nextRetry, &op.LastError, &op.CreatedAt); err != nil {
		return nil, err
	}
	op.Payload = []byte(payload)
	op.NextRetryAt = nextRetry.Int64
	return &op, nil
}

func collectOperations(rows *sql.Rows) ([]Operation, error) {
	var ops []Operation
	for rows.Next() {
		op, err := scanOperation(rows)
		if err != nil {
			return nil, err
		}
		ops = append(ops, *op)
	}
	return ops, rows.Err()
}
