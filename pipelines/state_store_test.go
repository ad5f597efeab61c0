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

package pipelines

import (
	"context"
	"errors"
	"testing"

	"github.com/stretchr/testify/assert"

	"github.com/kbase/dms/artifacts"
)

// creates a state store over a file-backed artifact store in a temp directory
func setupStateStore(t *testing.T) *StateStore {
	store, err := artifacts.NewFileStore(t.TempDir())
	assert.Nil(t, err, "Creating the artifact store should work")
	return NewStateStore(store)
}

// tests whether a pipeline record survives a write and read
func TestStateStoreRoundTrip(t *testing.T) {
	states := setupStateStore(t)
	ctx := context.Background()

	pipeline := NewDataPipeline("personal", "doc-001", nil,
		TagCollection{"topic": {"storage"}})
	assert.Nil(t, states.Write(ctx, pipeline), "Writing a record should work")

	restored, err := states.Read(ctx, "personal", "doc-001")
	assert.Nil(t, err, "Reading a record should work")
	assert.NotNil(t, restored, "The record should exist")
	assert.Equal(t, pipeline.ExecutionId, restored.ExecutionId,
		"The execution ID should survive persistence")
	assert.True(t, pipeline.Tags.Equals(restored.Tags),
		"The tags should survive persistence")
}

// tests whether a missing record reads as nil without error
func TestStateStoreMissingRecord(t *testing.T) {
	states := setupStateStore(t)

	record, err := states.Read(context.Background(), "personal", "no-such-doc")
	assert.Nil(t, err, "Reading a missing record should not fail")
	assert.Nil(t, record, "A missing record reads as nil")
}

// tests whether a later write replaces the persisted record
func TestStateStoreReplace(t *testing.T) {
	states := setupStateStore(t)
	ctx := context.Background()

	first := NewDataPipeline("personal", "doc-001", nil, nil)
	assert.Nil(t, states.Write(ctx, first), "Writing the first record should work")
	second := NewDataPipeline("personal", "doc-001", nil, nil)
	assert.Nil(t, states.Write(ctx, second), "Writing the second record should work")

	restored, err := states.Read(ctx, "personal", "doc-001")
	assert.Nil(t, err, "Reading the record should work")
	assert.Equal(t, second.ExecutionId, restored.ExecutionId,
		"The later record should win")
}

// tests whether deleting a record is idempotent
func TestStateStoreDelete(t *testing.T) {
	states := setupStateStore(t)
	ctx := context.Background()

	pipeline := NewDataPipeline("personal", "doc-001", nil, nil)
	assert.Nil(t, states.Write(ctx, pipeline), "Writing a record should work")
	assert.Nil(t, states.Delete(ctx, "personal", "doc-001"),
		"Deleting the record should work")

	record, err := states.Read(ctx, "personal", "doc-001")
	assert.Nil(t, err, "Reading after deletion should not fail")
	assert.Nil(t, record, "The deleted record should be gone")

	assert.Nil(t, states.Delete(ctx, "personal", "doc-001"),
		"Deleting a missing record is not an error")
}

// tests whether a corrupt record is reported without being destroyed
func TestStateStoreCorruptRecord(t *testing.T) {
	store, err := artifacts.NewFileStore(t.TempDir())
	assert.Nil(t, err, "Creating the artifact store should work")
	states := NewStateStore(store)
	ctx := context.Background()

	volume := artifacts.VolumeName("personal", "doc-001")
	assert.Nil(t, store.CreateVolume(ctx, volume), "Creating the volume should work")
	assert.Nil(t, store.WriteBytes(ctx, volume, StateFileName, []byte("not json")),
		"Planting a corrupt record should work")

	_, err = states.Read(ctx, "personal", "doc-001")
	var invalid *InvalidPipelineDataError
	assert.True(t, errors.As(err, &invalid),
		"A corrupt record should be reported as invalid pipeline data")

	// the corrupt record is left in place for an operator
	data, err := store.ReadBytes(ctx, volume, StateFileName)
	assert.Nil(t, err, "The corrupt record should still be readable")
	assert.Equal(t, "not json", string(data), "The corrupt record should be untouched")
}
