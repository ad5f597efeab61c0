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
	"log/slog"

	"github.com/kbase/dms/artifacts"
	"github.com/kbase/dms/contentstorage"
	"github.com/kbase/dms/memory"
	"github.com/kbase/dms/pipelines"
)

// deleteDocumentHandler removes one document: its memory records in every
// database, its stored content, then its artifact volume. All removals
// tolerate absence, so re-delivery of the step is harmless.
type deleteDocumentHandler struct {
	store    artifacts.Store
	dbs      []memory.MemoryDb
	contents *contentstorage.Service
}

func NewDeleteDocumentHandler(store artifacts.Store, dbs []memory.MemoryDb,
	contents *contentstorage.Service) StepHandler {
	return &deleteDocumentHandler{store: store, dbs: dbs, contents: contents}
}

func (h *deleteDocumentHandler) StepName() string {
	return pipelines.StepDeleteDocument
}

func (h *deleteDocumentHandler) Invoke(ctx context.Context,
	pipeline *pipelines.DataPipeline) (*pipelines.DataPipeline, StepOutcome) {

	for _, db := range h.dbs {
		if err := db.DeleteByDocument(ctx, pipeline.Index, pipeline.DocumentId); err != nil {
			slog.Error("Couldn't delete a document's memory records",
				"db", db.Name(), "index", pipeline.Index,
				"document_id", pipeline.DocumentId, "error", err)
			return pipeline, OutcomeTransientError
		}
	}

	if h.contents != nil {
		err := h.contents.DeleteByDocument(ctx, pipeline.Index, pipeline.DocumentId)
		if err != nil {
			slog.Error("Couldn't delete a document's stored content",
				"index", pipeline.Index, "document_id", pipeline.DocumentId, "error", err)
			return pipeline, OutcomeTransientError
		}
	}

	volume := artifacts.VolumeName(pipeline.Index, pipeline.DocumentId)
	if err := h.store.DeleteVolume(ctx, volume); err != nil {
		slog.Error("Couldn't delete a document's artifact volume",
			"volume", volume, "error", err)
		return pipeline, OutcomeTransientError
	}
	return pipeline, OutcomeSuccess
}

// deleteIndexHandler removes an entire index: every database's records for
// it, its stored content, and every artifact volume under it.
type deleteIndexHandler struct {
	store    artifacts.Store
	dbs      []memory.MemoryDb
	contents *contentstorage.Service
}

func NewDeleteIndexHandler(store artifacts.Store, dbs []memory.MemoryDb,
	contents *contentstorage.Service) StepHandler {
	return &deleteIndexHandler{store: store, dbs: dbs, contents: contents}
}

func (h *deleteIndexHandler) StepName() string {
	return pipelines.StepDeleteIndex
}

func (h *deleteIndexHandler) Invoke(ctx context.Context,
	pipeline *pipelines.DataPipeline) (*pipelines.DataPipeline, StepOutcome) {

	for _, db := range h.dbs {
		if err := db.DeleteIndex(ctx, pipeline.Index); err != nil {
			slog.Error("Couldn't delete an index's memory records",
				"db", db.Name(), "index", pipeline.Index, "error", err)
			return pipeline, OutcomeTransientError
		}
	}

	if h.contents != nil {
		if err := h.contents.DeleteIndex(ctx, pipeline.Index); err != nil {
			slog.Error("Couldn't delete an index's stored content",
				"index", pipeline.Index, "error", err)
			return pipeline, OutcomeTransientError
		}
	}

	// the index is itself a volume holding all of its document volumes
	if err := h.store.DeleteVolume(ctx, pipeline.Index); err != nil {
		slog.Error("Couldn't delete an index's artifact volumes",
			"index", pipeline.Index, "error", err)
		return pipeline, OutcomeTransientError
	}
	return pipeline, OutcomeSuccess
}
