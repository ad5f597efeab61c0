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

// This package provides the pipeline orchestrators: the coordination layer
// that carries a document through its processing steps, persisting pipeline
// state along the way. Two modes are available: in-process (handlers run
// synchronously on the calling goroutine) and distributed (handlers are
// queue subscribers, possibly in other processes).
package orchestrators

import (
	"context"
	"io"

	"github.com/kbase/dms/artifacts"
	"github.com/kbase/dms/config"
	"github.com/kbase/dms/contentstorage"
	"github.com/kbase/dms/handlers"
	"github.com/kbase/dms/memory"
	"github.com/kbase/dms/pipelines"
)

// a client request to ingest one document
type DocumentUpload struct {
	// the target index; empty selects the default index
	Index string
	// the document's ID; empty triggers server-side generation
	DocumentId string
	// the steps to run; empty selects the default ingestion steps
	Steps []string
	// client-supplied document tags (reserved names are rejected)
	Tags pipelines.TagCollection
	// the uploaded files
	Files []pipelines.UploadedFile
}

// Orchestrator drives pipelines to completion and answers questions about
// their progress. Runtime failures of a pipeline are reflected in its
// status; the orchestrator's methods return errors only for validation and
// infrastructure problems.
type Orchestrator interface {
	// registers a handler under its step name; registering a second handler
	// for the same step replaces the first
	AddHandler(handler handlers.StepHandler) error
	// the step names with registered handlers, sorted
	HandlerNames() []string
	// validates the upload, creates its pipeline, and starts it, returning
	// the document ID
	ImportDocument(ctx context.Context, upload DocumentUpload) (string, error)
	// validates the upload and creates its pipeline without starting it
	PrepareNewUpload(ctx context.Context, upload DocumentUpload) (*pipelines.DataPipeline, error)
	// persists the pipeline, uploads its files, and drives it (in-process:
	// synchronously to completion or failure; distributed: by enqueueing
	// its first step)
	RunPipeline(ctx context.Context, pipeline *pipelines.DataPipeline) error
	// reads the full persisted pipeline record, or nil when none exists
	ReadStatus(ctx context.Context, index, documentId string) (*pipelines.DataPipeline, error)
	// reads a client-facing summary of the pipeline, or nil when none exists
	ReadSummary(ctx context.Context, index, documentId string) (*pipelines.DataPipelineStatus, error)
	// true iff the document is persisted, complete, and non-empty
	IsDocumentReady(ctx context.Context, index, documentId string) (bool, error)
	// starts a pipeline that deletes the given document
	StartDocumentDeletion(ctx context.Context, index, documentId string) error
	// starts a pipeline that deletes the given index and everything in it
	StartIndexDeletion(ctx context.Context, index string) error
	// opens one of the document's artifacts for streaming
	ReadFile(ctx context.Context, index, documentId, fileName string) (io.ReadCloser, artifacts.Metadata, error)
	// writes one of the document's artifacts
	WriteFile(ctx context.Context, index, documentId, fileName string, data []byte) error
	// the memory components ingestion and retrieval share
	EmbeddingGenerators() []memory.EmbeddingGenerator
	MemoryDbs() []memory.MemoryDb
	TextGenerator() memory.TextGenerator
	// the durable store holding the original uploaded payloads
	Contents() *contentstorage.Service
	// false when the deployment ingests without computing embeddings
	EmbeddingGenerationEnabled() bool
	// stops queue activity; in-flight handlers run to completion
	StopAll() error
}

// creates an orchestrator of the configured type, wiring up the configured
// artifact store and memory components
func New() (Orchestrator, error) {
	store, err := artifacts.NewStore()
	if err != nil {
		return nil, err
	}
	embedders, err := memory.NewEmbeddingGenerators()
	if err != nil {
		return nil, err
	}
	dbs, err := memory.NewMemoryDbs()
	if err != nil {
		return nil, err
	}
	textGen, err := memory.NewTextGenerator()
	if err != nil {
		return nil, err
	}
	contents, err := contentstorage.New()
	if err != nil {
		return nil, err
	}

	switch config.Orchestration.Type {
	case "", config.OrchestrationTypeInProcess:
		return NewInProcessOrchestrator(store, contents, embedders, dbs, textGen), nil
	case config.OrchestrationTypeDistributed:
		return NewDistributedOrchestrator(store, contents, embedders, dbs, textGen), nil
	default:
		contents.Close()
		return nil, &UnsupportedOrchestrationTypeError{Type: config.Orchestration.Type}
	}
}

// registers the built-in ingestion and deletion handlers on the given
// orchestrator
func RegisterDefaultHandlers(orchestrator Orchestrator) error {
	store, err := artifacts.NewStore()
	if err != nil {
		return err
	}
	dbs := orchestrator.MemoryDbs()
	for _, handler := range []handlers.StepHandler{
		handlers.NewExtractHandler(store),
		handlers.NewPartitionHandler(store),
		handlers.NewEmbedHandler(store, orchestrator.EmbeddingGenerators()),
		handlers.NewSaveHandler(store, dbs),
		handlers.NewDeleteDocumentHandler(store, dbs, orchestrator.Contents()),
		handlers.NewDeleteIndexHandler(store, dbs, orchestrator.Contents()),
		handlers.NewPurgePreviousHandler(store, dbs),
	} {
		if err := orchestrator.AddHandler(handler); err != nil {
			return err
		}
	}
	return nil
}
