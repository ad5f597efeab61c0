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

package memory

import (
	"context"
	"encoding/base64"
	"encoding/json"
	"errors"
	"io/fs"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"time"
)

// A file-backed memory database: one directory per index, one JSON file per
// record. Record IDs contain slashes, so file names are the base64 of the
// ID. A process-local mutex serializes writers; last writer wins.
type fileMemoryDb struct {
	root  string
	mutex sync.Mutex
}

func NewFileMemoryDb(root string) (MemoryDb, error) {
	if err := os.MkdirAll(root, 0755); err != nil {
		return nil, err
	}
	return &fileMemoryDb{root: root}, nil
}

func (db *fileMemoryDb) Name() string {
	return "filesystem"
}

func recordFileName(recordId string) string {
	return base64.RawURLEncoding.EncodeToString([]byte(recordId)) + ".json"
}

func (db *fileMemoryDb) indexDir(index string) string {
	return filepath.Join(db.root, index)
}

func (db *fileMemoryDb) Upsert(ctx context.Context, index string, record MemoryRecord) error {
	db.mutex.Lock()
	defer db.mutex.Unlock()
	record.Index = index
	record.LastUpdate = time.Now().UTC()
	data, err := json.Marshal(&record)
	if err != nil {
		return err
	}
	dir := db.indexDir(index)
	if err = os.MkdirAll(dir, 0755); err != nil {
		return err
	}
	return os.WriteFile(filepath.Join(dir, recordFileName(record.Id)), data, 0644)
}

func (db *fileMemoryDb) Delete(ctx context.Context, index, recordId string) error {
	db.mutex.Lock()
	defer db.mutex.Unlock()
	err := os.Remove(filepath.Join(db.indexDir(index), recordFileName(recordId)))
	if errors.Is(err, fs.ErrNotExist) {
		return nil
	}
	return err
}

func (db *fileMemoryDb) DeleteByDocument(ctx context.Context, index, documentId string) error {
	records, err := db.List(ctx, index)
	if err != nil {
		return err
	}
	for _, record := range records {
		if record.DocumentId == documentId ||
			strings.HasPrefix(record.Id, documentId+"/") {
			if err = db.Delete(ctx, index, record.Id); err != nil {
				return err
			}
		}
	}
	return nil
}

func (db *fileMemoryDb) DeleteIndex(ctx context.Context, index string) error {
	db.mutex.Lock()
	defer db.mutex.Unlock()
	return os.RemoveAll(db.indexDir(index))
}

func (db *fileMemoryDb) List(ctx context.Context, index string) ([]MemoryRecord, error) {
	entries, err := os.ReadDir(db.indexDir(index))
	if errors.Is(err, fs.ErrNotExist) {
		return []MemoryRecord{}, nil
	}
	if err != nil {
		return nil, err
	}
	records := make([]MemoryRecord, 0, len(entries))
	for _, entry := range entries {
		if entry.IsDir() || !strings.HasSuffix(entry.Name(), ".json") {
			continue
		}
		data, err := os.ReadFile(filepath.Join(db.indexDir(index), entry.Name()))
		if err != nil {
			return nil, err
		}
		var record MemoryRecord
		if err = json.Unmarshal(data, &record); err != nil {
			return nil, err
		}
		records = append(records, record)
	}
	return records, nil
}
