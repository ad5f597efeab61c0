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

package handlers

import (
	"context"
	"fmt"
	"log/slog"

	"github.com/kbase/dms/artifacts"
	"github.com/kbase/dms/memory"
	"github.com/kbase/dms/pipelines"
)

// purgePreviousHandler consolidates a document after re-ingestion: it
// removes the artifacts and memory records left behind by superseded
// executions, keeping only what the current execution produced.
type purgePreviousHandler struct {
	store artifacts.Store
	dbs   []memory.MemoryDb
}

func NewPurgePreviousHandler(store artifacts.Store, dbs []memory.MemoryDb) StepHandler {
	return &purgePreviousHandler{store: store, dbs: dbs}
}

func (h *purgePreviousHandler) StepName() string {
	return pipelines.StepPurgePrevious
}

func (h *purgePreviousHandler) Invoke(ctx context.Context,
	pipeline *pipelines.DataPipeline) (*pipelines.DataPipeline, StepOutcome) {

	if len(pipeline.PreviousExecutionsToPurge) == 0 {
		return pipeline, OutcomeSuccess
	}

	volume := artifacts.VolumeName(pipeline.Index, pipeline.DocumentId)
	current := currentArtifactNames(pipeline)
	for _, previous := range pipeline.PreviousExecutionsToPurge {
		// artifacts the superseded execution produced that the current one
		// didn't reproduce
		for i := range previous.Files {
			file := &previous.Files[i]
			for name := range file.GeneratedFiles {
				if current[name] {
					continue
				}
				if err := h.store.DeleteFile(ctx, volume, name); err != nil {
					slog.Error("Couldn't purge a superseded artifact",
						"volume", volume, "file", name, "error", err)
					return pipeline, OutcomeTransientError
				}
			}
			if !current[file.Name] {
				if err := h.store.DeleteFile(ctx, volume, file.Name); err != nil {
					slog.Error("Couldn't purge a superseded upload",
						"volume", volume, "file", file.Name, "error", err)
					return pipeline, OutcomeTransientError
				}
			}
		}

		if outcome := h.purgeRecords(ctx, pipeline, previous.ExecutionId); outcome != OutcomeSuccess {
			return pipeline, outcome
		}
		pipeline.AddLogEntry(h.StepName(),
			fmt.Sprintf("purged superseded execution %s", previous.ExecutionId))
	}
	pipeline.PreviousExecutionsToPurge = nil
	return pipeline, OutcomeSuccess
}

// removes the memory records stamped with a superseded execution's ID
func (h *purgePreviousHandler) purgeRecords(ctx context.Context,
	pipeline *pipelines.DataPipeline, executionId string) StepOutcome {

	for _, db := range h.dbs {
		records, err := db.List(ctx, pipeline.Index)
		if err != nil {
			slog.Error("Couldn't list records while purging",
				"db", db.Name(), "index", pipeline.Index, "error", err)
			return OutcomeTransientError
		}
		for _, record := range records {
			if record.DocumentId != pipeline.DocumentId {
				continue
			}
			if !record.Tags.Contains(pipelines.TagPipelineId, executionId) {
				continue
			}
			if err = db.Delete(ctx, pipeline.Index, record.Id); err != nil {
				slog.Error("Couldn't purge a superseded memory record",
					"db", db.Name(), "index", pipeline.Index,
					"record", record.Id, "error", err)
				return OutcomeTransientError
			}
		}
	}
	return OutcomeSuccess
}

// the set of artifact names the current execution accounts for
func currentArtifactNames(pipeline *pipelines.DataPipeline) map[string]bool {
	names := make(map[string]bool)
	for i := range pipeline.Files {
		file := &pipeline.Files[i]
		names[file.Name] = true
		for name := range file.GeneratedFiles {
			names[name] = true
		}
	}
	return names
}
