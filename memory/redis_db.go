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
	"encoding/json"
	"strings"
	"time"

	"github.com/redis/go-redis/v9"
)

// A Redis-backed memory database: one hash per index, with record IDs as
// fields and JSON-serialized records as values.
type redisMemoryDb struct {
	client *redis.Client
}

func NewRedisMemoryDb(address string) MemoryDb {
	return &redisMemoryDb{
		client: redis.NewClient(&redis.Options{Addr: address}),
	}
}

func (db *redisMemoryDb) Name() string {
	return "redis"
}

func indexKey(index string) string {
	return "dms:memory:" + index
}

func (db *redisMemoryDb) Upsert(ctx context.Context, index string, record MemoryRecord) error {
	record.Index = index
	record.LastUpdate = time.Now().UTC()
	data, err := json.Marshal(&record)
	if err != nil {
		return err
	}
	return db.client.HSet(ctx, indexKey(index), record.Id, string(data)).Err()
}

func (db *redisMemoryDb) Delete(ctx context.Context, index, recordId string) error {
	return db.client.HDel(ctx, indexKey(index), recordId).Err()
}

func (db *redisMemoryDb) DeleteByDocument(ctx context.Context, index, documentId string) error {
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

func (db *redisMemoryDb) DeleteIndex(ctx context.Context, index string) error {
	return db.client.Del(ctx, indexKey(index)).Err()
}

func (db *redisMemoryDb) List(ctx context.Context, index string) ([]MemoryRecord, error) {
	values, err := db.client.HGetAll(ctx, indexKey(index)).Result()
	if err != nil {
		return nil, err
	}
	records := make([]MemoryRecord, 0, len(values))
	for _, value := range values {
		var record MemoryRecord
		if err = json.Unmarshal([]byte(value), &record); err != nil {
			return nil, err
		}
		records = append(records, record)
	}
	return records, nil
}
