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

// This package provides the content storage service: a durable record of
// persisted content with a two-phase queued write model. Phase 1 accepts a
// request synchronously by writing an operation row; phase 2 is a single
// worker that drains operations per content ID in timestamp order, with
// last-write-wins supersession. Reads observe committed rows only.
package contentstorage

import (
	"context"
	"fmt"
	"os"
	"path/filepath"
	"sync"
	"time"

	"github.com/google/uuid"
	"zombiezen.com/go/sqlite"
	"zombiezen.com/go/sqlite/sqlitex"

	"github.com/kbase/dms/config"
)

// one committed piece of content
type Content struct {
	Id         string
	Index      string
	DocumentId string
	Payload    []byte
	MimeType   string
	LastUpdate time.Time
}

// a request to store or replace content
type UpsertRequest struct {
	// the content's ID; empty triggers server-side generation
	ContentId string
	// the index the content belongs to
	Index string
	// the document the content belongs to
	DocumentId string
	// the content itself
	Payload  []byte
	MimeType string
}

// operation kinds
const (
	opUpsert = "upsert"
	opDelete = "delete"
)

const schema = `
CREATE TABLE IF NOT EXISTS contents (
	content_id  TEXT PRIMARY KEY,
	index_name  TEXT NOT NULL,
	document_id TEXT NOT NULL DEFAULT '',
	payload     BLOB NOT NULL,
	mime_type   TEXT NOT NULL DEFAULT '',
	updated_at  TEXT NOT NULL
);
CREATE TABLE IF NOT EXISTS operations (
	id          INTEGER PRIMARY KEY AUTOINCREMENT,
	content_id  TEXT NOT NULL,
	kind        TEXT NOT NULL,
	index_name  TEXT NOT NULL DEFAULT '',
	document_id TEXT NOT NULL DEFAULT '',
	payload     BLOB,
	mime_type   TEXT NOT NULL DEFAULT '',
	created_at  TEXT NOT NULL,
	not_before  TEXT NOT NULL,
	attempts    INTEGER NOT NULL DEFAULT 0,
	complete    INTEGER NOT NULL DEFAULT 0,
	cancelled   INTEGER NOT NULL DEFAULT 0,
	failed      INTEGER NOT NULL DEFAULT 0,
	last_error  TEXT NOT NULL DEFAULT ''
);
CREATE INDEX IF NOT EXISTS operations_pending
	ON operations (content_id, id) WHERE complete = 0 AND cancelled = 0 AND failed = 0;
`

// Service is the content storage service. Upsert and Delete are phase 1:
// they return as soon as the operation row is written. A background worker
// performs phase 2; the operations table is persistent, so a restart
// resumes where the previous process stopped.
type Service struct {
	pool *sqlitex.Pool

	wake      chan struct{}
	cancel    context.CancelFunc
	waitGroup sync.WaitGroup
	closeOnce sync.Once
	closeErr  error
}

// opens (creating if needed) the content database under the configured data
// directory and starts the phase-2 worker
func New() (*Service, error) {
	if err := os.MkdirAll(config.Service.DataDirectory, 0755); err != nil {
		return nil, &CantOpenError{Message: err.Error()}
	}
	return NewAt(filepath.Join(config.Service.DataDirectory, "content.db"))
}

// opens the content database at the given path and starts the phase-2 worker
func NewAt(path string) (*Service, error) {
	pool, err := sqlitex.NewPool(path, sqlitex.PoolOptions{PoolSize: 2})
	if err != nil {
		return nil, &CantOpenError{Message: err.Error()}
	}

	service := &Service{
		pool: pool,
		wake: make(chan struct{}, 1),
	}
	if err = service.initSchema(); err != nil {
		pool.Close()
		return nil, err
	}

	ctx, cancel := context.WithCancel(context.Background())
	service.cancel = cancel
	service.waitGroup.Add(1)
	go service.drainOperations(ctx)
	return service, nil
}

func (s *Service) initSchema() error {
	conn, err := s.pool.Take(context.Background())
	if err != nil {
		return err
	}
	defer s.pool.Put(conn)
	return sqlitex.ExecuteScript(conn, schema, nil)
}

// stops the phase-2 worker and closes the database; pending operations
// survive for the next start
func (s *Service) Close() error {
	s.closeOnce.Do(func() {
		s.cancel()
		s.waitGroup.Wait()
		s.closeErr = s.pool.Close()
	})
	return s.closeErr
}

// Accepts an upsert (phase 1): assigns a content ID if the request carries
// none, records the operation, and returns the ID. The content becomes
// visible to GetById once phase 2 commits it.
func (s *Service) Upsert(ctx context.Context, request UpsertRequest) (string, error) {
	contentId := request.ContentId
	if contentId == "" {
		contentId = uuid.NewString()
	}
	now := time.Now().UTC().Format(time.RFC3339Nano)

	conn, err := s.pool.Take(ctx)
	if err != nil {
		return "", err
	}
	defer s.pool.Put(conn)
	err = sqlitex.Execute(conn, `
		INSERT INTO operations (content_id, kind, index_name, document_id, payload, mime_type, created_at, not_before)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?);`,
		&sqlitex.ExecOptions{
			Args: []any{contentId, opUpsert, request.Index, request.DocumentId,
				request.Payload, request.MimeType, now, now},
		})
	if err != nil {
		return "", err
	}
	s.wakeWorker()
	return contentId, nil
}

// Accepts a deletion (phase 1). Phase 2 cancels all earlier pending
// operations on the content and removes its committed row.
func (s *Service) Delete(ctx context.Context, contentId string) error {
	now := time.Now().UTC().Format(time.RFC3339Nano)
	conn, err := s.pool.Take(ctx)
	if err != nil {
		return err
	}
	defer s.pool.Put(conn)
	err = sqlitex.Execute(conn, `
		INSERT INTO operations (content_id, kind, created_at, not_before)
		VALUES (?, ?, ?, ?);`,
		&sqlitex.ExecOptions{Args: []any{contentId, opDelete, now, now}})
	if err != nil {
		return err
	}
	s.wakeWorker()
	return nil
}

// Accepts deletions (phase 1) for every piece of content belonging to the
// given document, committed or still pending. A document with no content is
// not an error.
func (s *Service) DeleteByDocument(ctx context.Context, index, documentId string) error {
	return s.deleteMatching(ctx, `index_name = ? AND document_id = ?`, index, documentId)
}

// Accepts deletions (phase 1) for every piece of content in the given index,
// committed or still pending.
func (s *Service) DeleteIndex(ctx context.Context, index string) error {
	return s.deleteMatching(ctx, `index_name = ?`, index)
}

// records one delete operation per content ID matching the condition, in
// either the committed rows or the pending upserts
func (s *Service) deleteMatching(ctx context.Context, condition string, args ...any) error {
	conn, err := s.pool.Take(ctx)
	if err != nil {
		return err
	}
	defer s.pool.Put(conn)

	var ids []string
	queryArgs := append([]any{}, args...)
	queryArgs = append(queryArgs, opUpsert)
	queryArgs = append(queryArgs, args...)
	err = sqlitex.Execute(conn, `
		SELECT content_id FROM contents WHERE `+condition+`
		UNION
		SELECT content_id FROM operations
		WHERE complete = 0 AND cancelled = 0 AND failed = 0
			AND kind = ? AND `+condition+`;`,
		&sqlitex.ExecOptions{
			Args: queryArgs,
			ResultFunc: func(stmt *sqlite.Stmt) error {
				ids = append(ids, stmt.ColumnText(0))
				return nil
			},
		})
	if err != nil {
		return err
	}

	now := time.Now().UTC().Format(time.RFC3339Nano)
	for _, id := range ids {
		err = sqlitex.Execute(conn, `
			INSERT INTO operations (content_id, kind, created_at, not_before)
			VALUES (?, ?, ?, ?);`,
			&sqlitex.ExecOptions{Args: []any{id, opDelete, now, now}})
		if err != nil {
			return err
		}
	}
	if len(ids) > 0 {
		s.wakeWorker()
	}
	return nil
}

// Reads committed content by its ID; pending operations are never visible.
// Unknown content yields a ContentNotFoundError.
func (s *Service) GetById(ctx context.Context, contentId string) (*Content, error) {
	conn, err := s.pool.Take(ctx)
	if err != nil {
		return nil, err
	}
	defer s.pool.Put(conn)

	var content *Content
	err = sqlitex.Execute(conn, `
		SELECT content_id, index_name, document_id, payload, mime_type, updated_at
		FROM contents WHERE content_id = ?;`,
		&sqlitex.ExecOptions{
			Args: []any{contentId},
			ResultFunc: func(stmt *sqlite.Stmt) error {
				payload := make([]byte, stmt.ColumnLen(3))
				stmt.ColumnBytes(3, payload)
				updatedAt, err := time.Parse(time.RFC3339Nano, stmt.ColumnText(5))
				if err != nil {
					return err
				}
				content = &Content{
					Id:         stmt.ColumnText(0),
					Index:      stmt.ColumnText(1),
					DocumentId: stmt.ColumnText(2),
					Payload:    payload,
					MimeType:   stmt.ColumnText(4),
					LastUpdate: updatedAt,
				}
				return nil
			},
		})
	if err != nil {
		return nil, err
	}
	if content == nil {
		return nil, &ContentNotFoundError{ContentId: contentId}
	}
	return content, nil
}

// the number of committed content rows
func (s *Service) Count(ctx context.Context) (int, error) {
	conn, err := s.pool.Take(ctx)
	if err != nil {
		return 0, err
	}
	defer s.pool.Put(conn)

	count := 0
	err = sqlitex.Execute(conn, `SELECT COUNT(*) FROM contents;`,
		&sqlitex.ExecOptions{
			ResultFunc: func(stmt *sqlite.Stmt) error {
				count = int(stmt.ColumnInt64(0))
				return nil
			},
		})
	return count, err
}

func (s *Service) wakeWorker() {
	select {
	case s.wake <- struct{}{}:
	default:
	}
}

func timestamp(t time.Time) string {
	return t.UTC().Format(time.RFC3339Nano)
}

func operationError(id int64, message string) error {
	return fmt.Errorf("operation %d: %s", id, message)
}
