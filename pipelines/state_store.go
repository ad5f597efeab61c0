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
	"encoding/json"
	"errors"

	"github.com/kbase/dms/artifacts"
)

// the name under which a document's pipeline record is persisted inside
// its artifact volume
const StateFileName = "__pipeline_status.json"

// StateStore persists one DataPipeline per document, inside the document's
// artifact volume. Writes are atomic per record.
type StateStore struct {
	store artifacts.Store
}

// creates a pipeline state store over the given artifact store
func NewStateStore(store artifacts.Store) *StateStore {
	return &StateStore{store: store}
}

// Reads the pipeline record for the given document. Returns (nil, nil) when
// no record exists--a legitimate state after a deletion. A record that
// exists but cannot be parsed yields an InvalidPipelineDataError; the
// document's artifacts are preserved so an operator can recover them.
func (s *StateStore) Read(ctx context.Context, index, documentId string) (*DataPipeline, error) {
	volume := artifacts.VolumeName(index, documentId)
	data, err := s.store.ReadBytes(ctx, volume, StateFileName)
	if err != nil {
		var notFound *artifacts.FileNotFoundError
		if errors.As(err, &notFound) {
			return nil, nil
		}
		return nil, err
	}
	var pipeline DataPipeline
	if err = json.Unmarshal(data, &pipeline); err != nil {
		return nil, &InvalidPipelineDataError{
			Index:      index,
			DocumentId: documentId,
			Message:    err.Error(),
		}
	}
	return &pipeline, nil
}

// persists the given pipeline record, replacing any previous one
func (s *StateStore) Write(ctx context.Context, pipeline *DataPipeline) error {
	volume := artifacts.VolumeName(pipeline.Index, pipeline.DocumentId)
	if err := s.store.CreateVolume(ctx, volume); err != nil {
		return err
	}
	data, err := json.MarshalIndent(pipeline, "", "  ")
	if err != nil {
		return err
	}
	return s.store.WriteBytes(ctx, volume, StateFileName, data)
}

// removes the pipeline record for the given document; removing a missing
// record is not an error
func (s *StateStore) Delete(ctx context.Context, index, documentId string) error {
	volume := artifacts.VolumeName(index, documentId)
	return s.store.DeleteFile(ctx, volume, StateFileName)
}
