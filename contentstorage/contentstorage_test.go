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

package contentstorage_test

import (
	"context"
	"errors"
	"fmt"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"

	"github.com/kbase/dms/contentstorage"
	"github.com/kbase/dms/dmstest"
)

// spins up a service backed by a fresh database in a temp directory
func setupService(t *testing.T) *contentstorage.Service {
	dmstest.InitTestConfig(t.TempDir())
	service, err := contentstorage.NewAt(filepath.Join(t.TempDir(), "content.db"))
	assert.Nil(t, err, "Opening the content database should work")
	t.Cleanup(func() {
		service.Close()
	})
	return service
}

// polls until the condition holds or the deadline passes
func waitFor(t *testing.T, condition func() bool, what string) {
	deadline := time.Now().Add(10 * time.Second)
	for time.Now().Before(deadline) {
		if condition() {
			return
		}
		time.Sleep(20 * time.Millisecond)
	}
	t.Fatalf("Timed out waiting for %s", what)
}

// tests whether an upsert commits and becomes readable by its ID
func TestUpsertCommits(t *testing.T) {
	service := setupService(t)
	ctx := context.Background()

	contentId, err := service.Upsert(ctx, contentstorage.UpsertRequest{
		Index:    "default",
		Payload:  []byte("the quick brown fox"),
		MimeType: "text/plain",
	})
	assert.Nil(t, err, "Accepting an upsert should work")
	assert.NotEmpty(t, contentId, "An upsert without an ID should be assigned one")

	waitFor(t, func() bool {
		content, err := service.GetById(ctx, contentId)
		return err == nil && string(content.Payload) == "the quick brown fox"
	}, "the upsert to commit")

	content, err := service.GetById(ctx, contentId)
	assert.Nil(t, err, "Reading committed content should work")
	assert.Equal(t, "default", content.Index, "The index should be stored")
	assert.Equal(t, "text/plain", content.MimeType, "The MIME type should be stored")

	count, err := service.Count(ctx)
	assert.Nil(t, err, "Counting content should work")
	assert.Equal(t, 1, count, "One piece of content should be committed")
}

// tests whether reading unknown content reports a not-found error
func TestGetByIdReportsMissingContent(t *testing.T) {
	service := setupService(t)

	_, err := service.GetById(context.Background(), "no-such-content")
	assert.NotNil(t, err, "Reading unknown content should fail")
	var notFound *contentstorage.ContentNotFoundError
	assert.True(t, errors.As(err, &notFound),
		"The error should be a contentstorage.ContentNotFoundError")
}

// tests whether a burst of upserts on one ID converges on the last one
func TestLastWriteWins(t *testing.T) {
	service := setupService(t)
	ctx := context.Background()

	for version := 0; version < 5; version++ {
		_, err := service.Upsert(ctx, contentstorage.UpsertRequest{
			ContentId: "doc1",
			Index:     "default",
			Payload:   []byte(fmt.Sprintf("version %d", version)),
		})
		assert.Nil(t, err, "Accepting an upsert should work")
	}

	waitFor(t, func() bool {
		content, err := service.GetById(ctx, "doc1")
		return err == nil && string(content.Payload) == "version 4"
	}, "the final upsert to win")

	count, err := service.Count(ctx)
	assert.Nil(t, err, "Counting content should work")
	assert.Equal(t, 1, count, "The upserts should collapse into one row")
}

// tests whether a sequence ending in a deletion converges on not-found
func TestDeleteRemovesContent(t *testing.T) {
	service := setupService(t)
	ctx := context.Background()

	_, err := service.Upsert(ctx, contentstorage.UpsertRequest{
		ContentId: "doc1",
		Index:     "default",
		Payload:   []byte("soon to be gone"),
	})
	assert.Nil(t, err, "Accepting an upsert should work")
	_, err = service.Upsert(ctx, contentstorage.UpsertRequest{
		ContentId: "doc1",
		Index:     "default",
		Payload:   []byte("also soon to be gone"),
	})
	assert.Nil(t, err, "Accepting a second upsert should work")
	err = service.Delete(ctx, "doc1")
	assert.Nil(t, err, "Accepting a deletion should work")

	waitFor(t, func() bool {
		_, err := service.GetById(ctx, "doc1")
		var notFound *contentstorage.ContentNotFoundError
		return errors.As(err, &notFound)
	}, "the deletion to commit")

	count, err := service.Count(ctx)
	assert.Nil(t, err, "Counting content should work")
	assert.Equal(t, 0, count, "No content should remain after the deletion")
}

// tests whether deleting content that was never committed is harmless
func TestDeleteOfUnknownContentIsHarmless(t *testing.T) {
	service := setupService(t)
	ctx := context.Background()

	err := service.Delete(ctx, "never-existed")
	assert.Nil(t, err, "Accepting a deletion of unknown content should work")

	waitFor(t, func() bool {
		count, err := service.Count(ctx)
		return err == nil && count == 0
	}, "the deletion to drain")
}

// tests whether a document-scoped deletion removes all of the document's
// content, committed and pending, while sparing other documents
func TestDeleteByDocument(t *testing.T) {
	service := setupService(t)
	ctx := context.Background()

	_, err := service.Upsert(ctx, contentstorage.UpsertRequest{
		ContentId:  "default/doc1/a.txt",
		Index:      "default",
		DocumentId: "doc1",
		Payload:    []byte("first file"),
	})
	assert.Nil(t, err, "Accepting an upsert should work")
	waitFor(t, func() bool {
		count, err := service.Count(ctx)
		return err == nil && count == 1
	}, "the first upsert to commit")

	// the second file is still pending when the deletion arrives
	_, err = service.Upsert(ctx, contentstorage.UpsertRequest{
		ContentId:  "default/doc1/b.txt",
		Index:      "default",
		DocumentId: "doc1",
		Payload:    []byte("second file"),
	})
	assert.Nil(t, err, "Accepting a second upsert should work")
	_, err = service.Upsert(ctx, contentstorage.UpsertRequest{
		ContentId:  "default/doc2/c.txt",
		Index:      "default",
		DocumentId: "doc2",
		Payload:    []byte("another document"),
	})
	assert.Nil(t, err, "Accepting an upsert for another document should work")

	err = service.DeleteByDocument(ctx, "default", "doc1")
	assert.Nil(t, err, "Accepting a document deletion should work")

	waitFor(t, func() bool {
		_, errA := service.GetById(ctx, "default/doc1/a.txt")
		_, errB := service.GetById(ctx, "default/doc1/b.txt")
		content, errC := service.GetById(ctx, "default/doc2/c.txt")
		return errA != nil && errB != nil &&
			errC == nil && string(content.Payload) == "another document"
	}, "the document's content to disappear")
}

// tests whether an index-scoped deletion removes every document's content
// in the index and nothing outside it
func TestDeleteIndexContents(t *testing.T) {
	service := setupService(t)
	ctx := context.Background()

	for _, upsert := range []contentstorage.UpsertRequest{
		{ContentId: "work/doc1/a.txt", Index: "work", DocumentId: "doc1",
			Payload: []byte("one")},
		{ContentId: "work/doc2/b.txt", Index: "work", DocumentId: "doc2",
			Payload: []byte("two")},
		{ContentId: "personal/doc3/c.txt", Index: "personal", DocumentId: "doc3",
			Payload: []byte("three")},
	} {
		_, err := service.Upsert(ctx, upsert)
		assert.Nil(t, err, "Accepting an upsert should work")
	}
	waitFor(t, func() bool {
		count, err := service.Count(ctx)
		return err == nil && count == 3
	}, "the upserts to commit")

	err := service.DeleteIndex(ctx, "work")
	assert.Nil(t, err, "Accepting an index deletion should work")

	waitFor(t, func() bool {
		count, err := service.Count(ctx)
		return err == nil && count == 1
	}, "the index's content to disappear")
	content, err := service.GetById(ctx, "personal/doc3/c.txt")
	assert.Nil(t, err, "Content outside the index should survive")
	assert.Equal(t, "doc3", content.DocumentId,
		"The document ID should be stored with the content")
}

// tests whether pending operations survive a restart of the service
func TestPendingOperationsSurviveRestart(t *testing.T) {
	dmstest.InitTestConfig(t.TempDir())
	path := filepath.Join(t.TempDir(), "content.db")
	ctx := context.Background()

	service, err := contentstorage.NewAt(path)
	assert.Nil(t, err, "Opening the content database should work")
	contentId, err := service.Upsert(ctx, contentstorage.UpsertRequest{
		Index:   "default",
		Payload: []byte("durable"),
	})
	assert.Nil(t, err, "Accepting an upsert should work")
	assert.Nil(t, service.Close(), "Closing the service should work")

	// reopening resumes phase 2 from the persisted operations table
	service, err = contentstorage.NewAt(path)
	assert.Nil(t, err, "Reopening the content database should work")
	defer service.Close()

	waitFor(t, func() bool {
		content, err := service.GetById(ctx, contentId)
		return err == nil && string(content.Payload) == "durable"
	}, "the upsert to commit after the restart")
}
