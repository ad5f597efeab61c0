// Copyright (c) 2023 The KBase Project and its Contributors
// Copyright (c) 2023 Cohere Consulting, LLC
//
// Permission is hereby granted, free of charge, to any person obtaining a copy of
// this software and associated documentation files (the "Software"), to deal in
// the Software without restriction, including without limitation the rights to
// use, copy, modify, merge, publish, distribute, sublicense, and/or sell copies
// of the Software, and to permit persons to whom the Software is furnished to do
// so, subject to the following conditions:
//
// The above copyright notice and this permission notice shall be included in all
// copies or substantial portions of the Software.
//
// THE SOFTWARE IS PROVIDED "AS IS", WITHOUT WARRANTY OF ANY KIND, EXPRESS OR
// IMPLIED, INCLUDING BUT NOT LIMITED TO THE WARRANTIES OF MERCHANTABILITY,
// FITNESS FOR A PARTICULAR PURPOSE AND NONINFRINGEMENT. IN NO EVENT SHALL THE
// AUTHORS OR COPYRIGHT HOLDERS BE LIABLE FOR ANY CLAIM, DAMAGES OR OTHER
// LIABILITY, WHETHER IN AN ACTION OF CONTRACT, TORT OR OTHERWISE, ARISING FROM,
// OUT OF OR IN CONNECTION WITH THE SOFTWARE OR THE USE OR OTHER DEALINGS IN THE
// SOFTWARE.

package contentstorage

import (
	"context"
	"log/slog"
	"time"

	"zombiezen.com/go/sqlite"
	"zombiezen.com/go/sqlite/sqlitex"

	"github.com/kbase/dms/config"
	"github.com/kbase/dms/metrics"
)

// how often the worker rechecks for operations whose backoff has elapsed
const workerPollDelay = 250 * time.Millisecond

// one row of the operations table, as the worker sees it
type operation struct {
	id         int64
	contentId  string
	kind       string
	index      string
	documentId string
	payload    []byte
	mimeType   string
	createdAt  string
	attempts   int
}

// The phase-2 worker. Loops until the service closes, applying pending
// operations oldest first. Applying an operation first cancels every
// strictly earlier pending operation on the same content ID; an operation
// with a newer pending sibling is itself superseded and cancelled without
// being applied, which makes convergence last-write-wins.
func (s *Service) drainOperations(ctx context.Context) {
	defer s.waitGroup.Done()
	for {
		worked, err := s.applyNextOperation(ctx)
		if err != nil {
			if ctx.Err() != nil {
				return
			}
			slog.Error("Content storage worker error", "error", err)
		}
		if worked {
			continue // drain without waiting while work remains
		}
		select {
		case <-ctx.Done():
			return
		case <-s.wake:
		case <-time.After(workerPollDelay):
		}
	}
}

// Applies (or cancels) the oldest due operation. Returns true when a row
// was handled, false when nothing was due.
func (s *Service) applyNextOperation(ctx context.Context) (bool, error) {
	conn, err := s.pool.Take(ctx)
	if err != nil {
		return false, err
	}
	defer s.pool.Put(conn)

	op, err := nextDueOperation(conn)
	if err != nil || op == nil {
		return false, err
	}

	superseded, err := cancelSuperseded(conn, op)
	if err != nil {
		return false, err
	}
	if superseded {
		metrics.ContentOperations.WithLabelValues("cancelled").Inc()
		return true, nil
	}

	if err = applyOperation(conn, op); err != nil {
		return true, s.recordFailure(conn, op, err)
	}
	err = sqlitex.Execute(conn, `UPDATE operations SET complete = 1 WHERE id = ?;`,
		&sqlitex.ExecOptions{Args: []any{op.id}})
	if err != nil {
		return true, err
	}
	metrics.ContentOperations.WithLabelValues(op.kind).Inc()
	return true, nil
}

// the oldest pending operation whose backoff window has elapsed, or nil
func nextDueOperation(conn *sqlite.Conn) (*operation, error) {
	var op *operation
	err := sqlitex.Execute(conn, `
		SELECT id, content_id, kind, index_name, document_id, payload, mime_type, created_at, attempts
		FROM operations
		WHERE complete = 0 AND cancelled = 0 AND failed = 0 AND not_before <= ?
		ORDER BY id LIMIT 1;`,
		&sqlitex.ExecOptions{
			Args: []any{timestamp(time.Now())},
			ResultFunc: func(stmt *sqlite.Stmt) error {
				payload := make([]byte, stmt.ColumnLen(5))
				stmt.ColumnBytes(5, payload)
				op = &operation{
					id:         stmt.ColumnInt64(0),
					contentId:  stmt.ColumnText(1),
					kind:       stmt.ColumnText(2),
					index:      stmt.ColumnText(3),
					documentId: stmt.ColumnText(4),
					payload:    payload,
					mimeType:   stmt.ColumnText(6),
					createdAt:  stmt.ColumnText(7),
					attempts:   int(stmt.ColumnInt64(8)),
				}
				return nil
			},
		})
	return op, err
}

// Resolves supersession for the given operation. A newer pending operation
// on the same content ID cancels this one (returning true); otherwise this
// operation cancels everything older than itself.
func cancelSuperseded(conn *sqlite.Conn, op *operation) (bool, error) {
	newer := false
	err := sqlitex.Execute(conn, `
		SELECT 1 FROM operations
		WHERE content_id = ? AND id > ?
			AND complete = 0 AND cancelled = 0 AND failed = 0
		LIMIT 1;`,
		&sqlitex.ExecOptions{
			Args: []any{op.contentId, op.id},
			ResultFunc: func(stmt *sqlite.Stmt) error {
				newer = true
				return nil
			},
		})
	if err != nil {
		return false, err
	}
	if newer {
		err = sqlitex.Execute(conn, `UPDATE operations SET cancelled = 1 WHERE id = ?;`,
			&sqlitex.ExecOptions{Args: []any{op.id}})
		return true, err
	}
	err = sqlitex.Execute(conn, `
		UPDATE operations SET cancelled = 1
		WHERE content_id = ? AND id < ?
			AND complete = 0 AND cancelled = 0 AND failed = 0;`,
		&sqlitex.ExecOptions{Args: []any{op.contentId, op.id}})
	return false, err
}

// applies one operation to the contents table
func applyOperation(conn *sqlite.Conn, op *operation) error {
	switch op.kind {
	case opUpsert:
		return sqlitex.Execute(conn, `
			INSERT INTO contents (content_id, index_name, document_id, payload, mime_type, updated_at)
			VALUES (?, ?, ?, ?, ?, ?)
			ON CONFLICT (content_id) DO UPDATE SET
				index_name = excluded.index_name,
				document_id = excluded.document_id,
				payload = excluded.payload,
				mime_type = excluded.mime_type,
				updated_at = excluded.updated_at;`,
			&sqlitex.ExecOptions{
				Args: []any{op.contentId, op.index, op.documentId, op.payload,
					op.mimeType, timestamp(time.Now())},
			})
	case opDelete:
		return sqlitex.Execute(conn, `DELETE FROM contents WHERE content_id = ?;`,
			&sqlitex.ExecOptions{Args: []any{op.contentId}})
	default:
		return operationError(op.id, "unknown operation kind "+op.kind)
	}
}

// Records a failed attempt. Within the retry budget the operation is
// rescheduled with linear backoff; past it the operation is marked failed
// and the committed state stays as it was.
func (s *Service) recordFailure(conn *sqlite.Conn, op *operation, cause error) error {
	attempts := op.attempts + 1
	maxAttempts := config.Queues.MaxRetriesBeforePoison + 1
	if attempts >= maxAttempts {
		slog.Error("A content operation exhausted its retries",
			"operation_id", op.id, "content_id", op.contentId,
			"kind", op.kind, "error", cause)
		metrics.ContentOperations.WithLabelValues("failed").Inc()
		return sqlitex.Execute(conn, `
			UPDATE operations SET failed = 1, attempts = ?, last_error = ? WHERE id = ?;`,
			&sqlitex.ExecOptions{Args: []any{attempts, cause.Error(), op.id}})
	}
	slog.Warn("A content operation failed and will be retried",
		"operation_id", op.id, "content_id", op.contentId,
		"kind", op.kind, "attempt", attempts, "error", cause)
	notBefore := timestamp(time.Now().Add(time.Duration(attempts) * time.Second))
	return sqlitex.Execute(conn, `
		UPDATE operations SET attempts = ?, not_before = ?, last_error = ? WHERE id = ?;`,
		&sqlitex.ExecOptions{Args: []any{attempts, notBefore, cause.Error(), op.id}})
}
