package storage

import (
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/google/uuid"
)

const operationColumns = `id, action, endpoint, method, body, created_at, retry_count, status, last_error, last_attempt_at`

// fifoOrder breaks created_at ties by insertion order.
const fifoOrder = `ORDER BY created_at ASC, rowid ASC`

var mutatingMethods = map[string]bool{
	"POST":   true,
	"PUT":    true,
	"PATCH":  true,
	"DELETE": true,
}

type rowScanner interface {
	Scan(dest ...any) error
}

func scanOperation(row rowScanner) (Operation, error) {
	var (
		op          Operation
		body        sql.NullString
		createdAt   int64
		status      string
		lastError   sql.NullString
		lastAttempt sql.NullInt64
	)
	if err := row.Scan(&op.ID, &op.Action, &op.Endpoint, &op.Method, &body, &createdAt,
		&op.RetryCount, &status, &lastError, &lastAttempt); err != nil {
		return Operation{}, err
	}
	if body.Valid {
		op.Body = json.RawMessage(body.String)
	}
	op.CreatedAt = time.Unix(0, createdAt).UTC()
	op.Status = Status(status)
	op.LastError = lastError.String
	if lastAttempt.Valid {
		t := time.Unix(0, lastAttempt.Int64).UTC()
		op.LastAttemptAt = &t
	}
	return op, nil
}

func (s *Store) queryOperations(query string, args ...any) ([]Operation, error) {
	rows, err := s.db.Query(query, args...)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var ops []Operation
	for rows.Next() {
		op, err := scanOperation(rows)
		if err != nil {
			return nil, err
		}
		ops = append(ops, op)
	}
	return ops, rows.Err()
}

// encodeBody serializes body for storage. Byte slices and json.RawMessage are
// taken as already serialized JSON and stored verbatim.
func encodeBody(body any) (sql.NullString, error) {
	switch b := body.(type) {
	case nil:
		return sql.NullString{}, nil
	case json.RawMessage:
		return rawBody(b)
	case []byte:
		return rawBody(b)
	default:
		data, err := json.Marshal(body)
		if err != nil {
			return sql.NullString{}, fmt.Errorf("serializing body: %w", err)
		}
		return sql.NullString{String: string(data), Valid: true}, nil
	}
}

func rawBody(b []byte) (sql.NullString, error) {
	if len(b) == 0 {
		return sql.NullString{}, nil
	}
	if !json.Valid(b) {
		return sql.NullString{}, errors.New("serializing body: not valid JSON")
	}
	return sql.NullString{String: string(b), Valid: true}, nil
}

func nowNanos() int64 {
	return time.Now().UTC().UnixNano()
}

// Enqueue persists a new pending operation and returns its id. It never
// touches the network.
func (s *Store) Enqueue(action, endpoint, method string, body any) (string, error) {
	method = strings.ToUpper(strings.TrimSpace(method))
	if !mutatingMethods[method] {
		return "", ErrInvalidMethod
	}
	if !strings.HasPrefix(endpoint, "/") {
		return "", ErrInvalidEndpoint
	}
	encoded, err := encodeBody(body)
	if err != nil {
		return "", err
	}

	id := uuid.New().String()
	_, err = s.db.Exec(`
		INSERT INTO operations (id, action, endpoint, method, body, created_at, retry_count, status)
		VALUES (?, ?, ?, ?, ?, ?, 0, 'pending')`,
		id, action, endpoint, method, encoded, nowNanos(),
	)
	if err != nil {
		return "", fmt.Errorf("inserting operation: %w", err)
	}
	return id, nil
}

// Get returns a single operation by id.
func (s *Store) Get(id string) (Operation, error) {
	op, err := scanOperation(s.db.QueryRow(`SELECT `+operationColumns+` FROM operations WHERE id = ?`, id))
	if errors.Is(err, sql.ErrNoRows) {
		return Operation{}, ErrNotFound
	}
	return op, err
}

// Peek returns the oldest pending operation without changing it, or nil when
// there is none.
func (s *Store) Peek() (*Operation, error) {
	op, err := scanOperation(s.db.QueryRow(`SELECT ` + operationColumns +
		` FROM operations WHERE status = 'pending' ` + fifoOrder + ` LIMIT 1`))
	if errors.Is(err, sql.ErrNoRows) {
		return nil, nil
	}
	if err != nil {
		return nil, err
	}
	return &op, nil
}

// Dequeue removes and returns the oldest pending operation, or nil when the
// queue has none.
func (s *Store) Dequeue() (*Operation, error) {
	tx, err := s.db.Begin()
	if err != nil {
		return nil, fmt.Errorf("beginning dequeue transaction: %w", err)
	}
	defer tx.Rollback()

	op, err := scanOperation(tx.QueryRow(`SELECT ` + operationColumns +
		` FROM operations WHERE status = 'pending' ` + fifoOrder + ` LIMIT 1`))
	if errors.Is(err, sql.ErrNoRows) {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("selecting oldest pending operation: %w", err)
	}
	if _, err := tx.Exec(`DELETE FROM operations WHERE id = ?`, op.ID); err != nil {
		return nil, fmt.Errorf("deleting operation %s: %w", op.ID, err)
	}
	if err := tx.Commit(); err != nil {
		return nil, fmt.Errorf("committing dequeue: %w", err)
	}
	return &op, nil
}

// ListEligible returns pending and failed operations, oldest first.
func (s *Store) ListEligible() ([]Operation, error) {
	return s.queryOperations(`SELECT ` + operationColumns +
		` FROM operations WHERE status IN ('pending', 'failed') ` + fifoOrder)
}

// List returns a page of operations in FIFO order regardless of status.
func (s *Store) List(limit, offset int) ([]Operation, error) {
	return s.queryOperations(`SELECT `+operationColumns+` FROM operations `+fifoOrder+` LIMIT ? OFFSET ?`,
		limit, offset)
}

// MarkProcessing takes the delivery lease on an operation. It fails with
// ErrLeased if another attempt already holds it.
func (s *Store) MarkProcessing(id string) error {
	res, err := s.db.Exec(`UPDATE operations SET status = 'processing', last_attempt_at = ?
		WHERE id = ? AND status != 'processing'`, nowNanos(), id)
	if err != nil {
		return err
	}
	n, err := res.RowsAffected()
	if err != nil {
		return err
	}
	if n == 1 {
		return nil
	}
	if _, err := s.Get(id); err != nil {
		return err
	}
	return ErrLeased
}

// MarkCompleted deletes a delivered operation.
func (s *Store) MarkCompleted(id string) error {
	return expectOne(s.db.Exec(`DELETE FROM operations WHERE id = ?`, id))
}

// MarkFailed moves an operation to the terminal failed state.
func (s *Store) MarkFailed(id, errMsg string) error {
	return expectOne(s.db.Exec(`UPDATE operations SET status = 'failed', last_error = ?, last_attempt_at = ?
		WHERE id = ?`, errMsg, nowNanos(), id))
}

// IncrementRetry records one more failed delivery attempt.
func (s *Store) IncrementRetry(id string) error {
	return expectOne(s.db.Exec(`UPDATE operations SET retry_count = retry_count + 1, last_attempt_at = ?
		WHERE id = ?`, nowNanos(), id))
}

// UpdateStatus sets the status of an operation. A non-empty errMsg replaces
// last_error; an empty one keeps it. StatusCompleted deletes the record.
func (s *Store) UpdateStatus(id string, status Status, errMsg string) error {
	switch status {
	case StatusCompleted:
		return s.MarkCompleted(id)
	case StatusPending, StatusProcessing, StatusFailed:
	default:
		return fmt.Errorf("unknown status %q", status)
	}
	return expectOne(s.db.Exec(`UPDATE operations
		SET status = ?, last_error = CASE WHEN ? = '' THEN last_error ELSE ? END, last_attempt_at = ?
		WHERE id = ?`, string(status), errMsg, errMsg, nowNanos(), id))
}

// ResetFailed moves every failed operation back to pending with a zero retry
// count and no last error. It returns how many were reset.
func (s *Store) ResetFailed() (int, error) {
	res, err := s.db.Exec(`UPDATE operations SET status = 'pending', retry_count = 0, last_error = NULL
		WHERE status = 'failed'`)
	if err != nil {
		return 0, err
	}
	n, err := res.RowsAffected()
	return int(n), err
}

// Retry resets a single operation to pending with a zero retry count.
func (s *Store) Retry(id string) error {
	res, err := s.db.Exec(`UPDATE operations SET status = 'pending', retry_count = 0, last_error = NULL
		WHERE id = ? AND status != 'processing'`, id)
	if err != nil {
		return err
	}
	n, err := res.RowsAffected()
	if err != nil {
		return err
	}
	if n == 1 {
		return nil
	}
	if _, err := s.Get(id); err != nil {
		return err
	}
	return ErrLeased
}

// ReleaseProcessing returns operations stranded in processing (for example
// by a crash mid-delivery) to pending. Only safe before any drain has started.
func (s *Store) ReleaseProcessing() (int, error) {
	res, err := s.db.Exec(`UPDATE operations SET status = 'pending' WHERE status = 'processing'`)
	if err != nil {
		return 0, err
	}
	n, err := res.RowsAffected()
	return int(n), err
}

// Remove deletes one operation regardless of its status.
func (s *Store) Remove(id string) error {
	return expectOne(s.db.Exec(`DELETE FROM operations WHERE id = ?`, id))
}

// Count returns the number of stored operations.
func (s *Store) Count() (int, error) {
	var n int
	err := s.db.QueryRow(`SELECT COUNT(*) FROM operations`).Scan(&n)
	return n, err
}

// CountEligible returns the number of pending or failed operations.
func (s *Store) CountEligible() (int, error) {
	var n int
	err := s.db.QueryRow(`SELECT COUNT(*) FROM operations WHERE status IN ('pending', 'failed')`).Scan(&n)
	return n, err
}

// CountPending counts records waiting for automatic delivery.
func (s *Store) CountPending() (int, error) {
	var n int
	err := s.db.QueryRow(`SELECT COUNT(*) FROM operations WHERE status = 'pending'`).Scan(&n)
	return n, err
}

// CountByStatus returns per-status counts. Statuses with no records are
// present with a zero count.
func (s *Store) CountByStatus() (map[Status]int, error) {
	counts := map[Status]int{
		StatusPending:    0,
		StatusProcessing: 0,
		StatusFailed:     0,
	}
	rows, err := s.db.Query(`SELECT status, COUNT(*) FROM operations GROUP BY status`)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	for rows.Next() {
		var status string
		var n int
		if err := rows.Scan(&status, &n); err != nil {
			return nil, err
		}
		counts[Status(status)] = n
	}
	return counts, rows.Err()
}

// Clear deletes every operation and returns how many were removed.
func (s *Store) Clear() (int, error) {
	res, err := s.db.Exec(`DELETE FROM operations`)
	if err != nil {
		return 0, err
	}
	n, err := res.RowsAffected()
	return int(n), err
}

// ClearCompleted is a no-op: completed operations are deleted on success.
func (s *Store) ClearCompleted() error {
	return nil
}

func expectOne(res sql.Result, err error) error {
	if err != nil {
		return err
	}
	n, err := res.RowsAffected()
	if err != nil {
		return err
	}
	if n == 0 {
		return ErrNotFound
	}
	return nil
}
