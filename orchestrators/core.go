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

package orchestrators

import (
	"context"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"sort"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/kbase/dms/artifacts"
	"github.com/kbase/dms/config"
	"github.com/kbase/dms/contentstorage"
	"github.com/kbase/dms/handlers"
	"github.com/kbase/dms/journal"
	"github.com/kbase/dms/memory"
	"github.com/kbase/dms/metrics"
	"github.com/kbase/dms/pipelines"
)

// core holds the state and behavior the two orchestrator modes share.
type core struct {
	store     artifacts.Store
	contents  *contentstorage.Service
	states    *pipelines.StateStore
	embedders []memory.EmbeddingGenerator
	dbs       []memory.MemoryDb
	textGen   memory.TextGenerator

	mutex    sync.RWMutex
	handlers map[string]handlers.StepHandler

	// advisory locks serializing pipeline advancement per document
	lockMutex sync.Mutex
	docLocks  map[string]*sync.Mutex
}

func newCore(store artifacts.Store, contents *contentstorage.Service,
	embedders []memory.EmbeddingGenerator, dbs []memory.MemoryDb,
	textGen memory.TextGenerator) *core {
	return &core{
		store:     store,
		contents:  contents,
		states:    pipelines.NewStateStore(store),
		embedders: embedders,
		dbs:       dbs,
		textGen:   textGen,
		handlers:  make(map[string]handlers.StepHandler),
		docLocks:  make(map[string]*sync.Mutex),
	}
}

// registers a handler, replacing (with a warning) any existing one for the
// same step
func (c *core) registerHandler(handler handlers.StepHandler) {
	c.mutex.Lock()
	defer c.mutex.Unlock()
	if _, found := c.handlers[handler.StepName()]; found {
		slog.Warn("Replacing the existing handler for a step",
			"step", handler.StepName())
	}
	c.handlers[handler.StepName()] = handler
}

func (c *core) handlerFor(step string) handlers.StepHandler {
	c.mutex.RLock()
	defer c.mutex.RUnlock()
	return c.handlers[step]
}

func (c *core) HandlerNames() []string {
	c.mutex.RLock()
	defer c.mutex.RUnlock()
	names := make([]string, 0, len(c.handlers))
	for name := range c.handlers {
		names = append(names, name)
	}
	sort.Strings(names)
	return names
}

func (c *core) EmbeddingGenerators() []memory.EmbeddingGenerator {
	return c.embedders
}

func (c *core) MemoryDbs() []memory.MemoryDb {
	return c.dbs
}

func (c *core) TextGenerator() memory.TextGenerator {
	return c.textGen
}

func (c *core) Contents() *contentstorage.Service {
	return c.contents
}

// stops the content storage worker; pending operations survive for the
// next start
func (c *core) closeContents() error {
	if c.contents == nil {
		return nil
	}
	return c.contents.Close()
}

func (c *core) EmbeddingGenerationEnabled() bool {
	return config.Memory.EmbeddingGenerationEnabled
}

// returns the advisory lock guarding pipeline advancement for a document
func (c *core) docLock(index, documentId string) *sync.Mutex {
	key := artifacts.VolumeName(index, documentId)
	c.lockMutex.Lock()
	defer c.lockMutex.Unlock()
	lock, found := c.docLocks[key]
	if !found {
		lock = new(sync.Mutex)
		c.docLocks[key] = lock
	}
	return lock
}

// Validates an upload and builds its pipeline: normalized index, validated
// or generated document ID, vetted tags, file headers for every uploaded
// file. The files themselves are written to the artifact store later, by
// RunPipeline.
func (c *core) PrepareNewUpload(ctx context.Context,
	upload DocumentUpload) (*pipelines.DataPipeline, error) {

	index, err := pipelines.NormalizeIndexName(upload.Index)
	if err != nil {
		return nil, err
	}
	documentId := upload.DocumentId
	if documentId == "" {
		documentId = pipelines.GenerateDocumentId()
	} else if err = pipelines.ValidateDocumentId(documentId); err != nil {
		return nil, err
	}
	if err = upload.Tags.ValidateClientSupplied(); err != nil {
		return nil, err
	}
	if len(upload.Files) == 0 {
		return nil, &EmptyUploadError{Index: index, DocumentId: documentId}
	}

	pipeline := pipelines.NewDataPipeline(index, documentId, upload.Steps, upload.Tags)
	for _, file := range upload.Files {
		mimeType := file.MimeType
		if mimeType == "" {
			mimeType = http.DetectContentType(file.Bytes)
		}
		pipeline.Files = append(pipeline.Files, pipelines.FileDetails{
			FileHeader: pipelines.FileHeader{
				Id:           uuid.NewString(),
				Name:         file.Name,
				Size:         int64(len(file.Bytes)),
				MimeType:     mimeType,
				ArtifactType: pipelines.ArtifactDocument,
			},
		})
	}
	pipeline.FilesToUpload = upload.Files

	if err = pipeline.Validate(); err != nil {
		return nil, err
	}
	return pipeline, nil
}

// Folds a superseded execution into the new pipeline: the old snapshot (and
// any snapshots it was itself carrying) lands in PreviousExecutionsToPurge,
// and a consolidation step is appended so the old execution's leftovers get
// cleaned up once the new one has ingested.
func (c *core) supersede(pipeline, previous *pipelines.DataPipeline) {
	snapshots := append([]pipelines.DataPipeline{}, previous.PreviousExecutionsToPurge...)
	snapshot := *previous
	snapshot.PreviousExecutionsToPurge = nil
	pipeline.PreviousExecutionsToPurge = append(snapshots, snapshot)

	for _, step := range pipeline.Steps {
		if step == pipelines.StepPurgePrevious {
			return
		}
	}
	pipeline.Steps = append(pipeline.Steps, pipelines.StepPurgePrevious)
	pipeline.RemainingSteps = append(pipeline.RemainingSteps, pipelines.StepPurgePrevious)
}

// writes the initial pipeline record and uploads the pipeline's files to
// its artifact volume
func (c *core) persistAndUpload(ctx context.Context, pipeline *pipelines.DataPipeline) error {
	if err := pipeline.Validate(); err != nil {
		return err
	}

	// fold in any execution this one supersedes; a deletion pipeline removes
	// everything anyway, so it has nothing to consolidate
	if !pipelineDeletes(pipeline) {
		previous, err := c.states.Read(ctx, pipeline.Index, pipeline.DocumentId)
		if err == nil && previous != nil && previous.ExecutionId != pipeline.ExecutionId {
			c.supersede(pipeline, previous)
		}
	}

	if err := c.states.Write(ctx, pipeline); err != nil {
		return err
	}

	if len(pipeline.FilesToUpload) > 0 && !pipeline.UploadComplete {
		volume := artifacts.VolumeName(pipeline.Index, pipeline.DocumentId)
		if err := c.store.CreateVolume(ctx, volume); err != nil {
			return err
		}
		for _, file := range pipeline.FilesToUpload {
			if err := c.store.WriteBytes(ctx, volume, file.Name, file.Bytes); err != nil {
				return err
			}
			if err := c.storeOriginal(ctx, pipeline, file); err != nil {
				return err
			}
		}
		pipeline.UploadComplete = true
	}
	metrics.PipelinesStarted.Inc()
	return nil
}

// Records the original uploaded file in content storage. The content ID is
// derived from the document and file name, so a re-upload replaces the
// previous payload via last-write-wins.
func (c *core) storeOriginal(ctx context.Context, pipeline *pipelines.DataPipeline,
	file pipelines.UploadedFile) error {
	if c.contents == nil {
		return nil
	}
	mimeType := file.MimeType
	if mimeType == "" {
		mimeType = http.DetectContentType(file.Bytes)
	}
	volume := artifacts.VolumeName(pipeline.Index, pipeline.DocumentId)
	_, err := c.contents.Upsert(ctx, contentstorage.UpsertRequest{
		ContentId:  volume + "/" + file.Name,
		Index:      pipeline.Index,
		DocumentId: pipeline.DocumentId,
		Payload:    file.Bytes,
		MimeType:   mimeType,
	})
	return err
}

func (c *core) ReadStatus(ctx context.Context, index, documentId string) (*pipelines.DataPipeline, error) {
	index, err := pipelines.NormalizeIndexName(index)
	if err != nil {
		return nil, err
	}
	return c.states.Read(ctx, index, documentId)
}

func (c *core) ReadSummary(ctx context.Context, index, documentId string) (*pipelines.DataPipelineStatus, error) {
	pipeline, err := c.ReadStatus(ctx, index, documentId)
	if err != nil || pipeline == nil {
		return nil, err
	}
	status := pipeline.Status()
	return &status, nil
}

func (c *core) IsDocumentReady(ctx context.Context, index, documentId string) (bool, error) {
	pipeline, err := c.ReadStatus(ctx, index, documentId)
	if err != nil || pipeline == nil {
		return false, err
	}
	return pipeline.Complete() && !pipeline.Failed && len(pipeline.Files) > 0, nil
}

func (c *core) ReadFile(ctx context.Context, index, documentId,
	fileName string) (io.ReadCloser, artifacts.Metadata, error) {
	index, err := pipelines.NormalizeIndexName(index)
	if err != nil {
		return nil, artifacts.Metadata{}, err
	}
	volume := artifacts.VolumeName(index, documentId)
	return c.store.ReadStream(ctx, volume, fileName)
}

func (c *core) WriteFile(ctx context.Context, index, documentId,
	fileName string, data []byte) error {
	index, err := pipelines.NormalizeIndexName(index)
	if err != nil {
		return err
	}
	volume := artifacts.VolumeName(index, documentId)
	if err = c.store.CreateVolume(ctx, volume); err != nil {
		return err
	}
	return c.store.WriteBytes(ctx, volume, fileName, data)
}

// builds the pipeline that deletes one document
func (c *core) documentDeletionPipeline(index, documentId string) (*pipelines.DataPipeline, error) {
	index, err := pipelines.NormalizeIndexName(index)
	if err != nil {
		return nil, err
	}
	if err = pipelines.ValidateDocumentId(documentId); err != nil {
		return nil, err
	}
	return pipelines.NewDataPipeline(index, documentId,
		[]string{pipelines.StepDeleteDocument}, nil), nil
}

// builds the pipeline that deletes one index
func (c *core) indexDeletionPipeline(index string) (*pipelines.DataPipeline, error) {
	index, err := pipelines.NormalizeIndexName(index)
	if err != nil {
		return nil, err
	}
	return pipelines.NewDataPipeline(index, "",
		[]string{pipelines.StepDeleteIndex}, nil), nil
}

// invokes a handler, converting a panic into a transient outcome so a
// misbehaving handler can't bring down the orchestrator
func invokeHandler(ctx context.Context, handler handlers.StepHandler,
	pipeline *pipelines.DataPipeline) (result *pipelines.DataPipeline, outcome handlers.StepOutcome) {

	defer func() {
		if v := recover(); v != nil {
			slog.Error("A step handler panicked",
				"step", handler.StepName(), "panic", fmt.Sprintf("%v", v))
			result = pipeline
			outcome = handlers.OutcomeTransientError
		}
	}()
	result, outcome = handler.Invoke(ctx, pipeline)
	metrics.StepExecutions.WithLabelValues(handler.StepName(), outcome.String()).Inc()
	return result, outcome
}

// true for steps whose success removes the document's artifact volume, and
// with it the pipeline record
func stepRemovesState(step string) bool {
	return step == pipelines.StepDeleteDocument || step == pipelines.StepDeleteIndex
}

// true when any of the pipeline's steps removes its artifact volume
func pipelineDeletes(pipeline *pipelines.DataPipeline) bool {
	for _, step := range pipeline.Steps {
		if stepRemovesState(step) {
			return true
		}
	}
	return false
}

// marks the pipeline failed and persists it (when its volume still exists)
func (c *core) failPipeline(ctx context.Context, pipeline *pipelines.DataPipeline, message string) {
	pipeline.Failed = true
	pipeline.FailureMessage = message
	pipeline.LastUpdate = time.Now().UTC()
	if err := c.states.Write(ctx, pipeline); err != nil {
		slog.Error("Couldn't persist a failed pipeline",
			"index", pipeline.Index, "document_id", pipeline.DocumentId, "error", err)
	}
	metrics.PipelinesFailed.Inc()
	c.journalRecord(pipeline, journal.StatusFailed, message)
}

// records a finished execution in the ingestion journal, if one is open
func (c *core) journalRecord(pipeline *pipelines.DataPipeline, status, failureMessage string) {
	if !journal.IsOpen() {
		return
	}
	err := journal.RecordPipeline(journal.Record{
		Index:          pipeline.Index,
		DocumentId:     pipeline.DocumentId,
		ExecutionId:    pipeline.ExecutionId,
		Steps:          pipeline.Steps,
		StartTime:      pipeline.Creation,
		StopTime:       time.Now().UTC(),
		Status:         status,
		FailureMessage: failureMessage,
		NumFiles:       len(pipeline.Files),
	})
	if err != nil {
		slog.Error("Couldn't record an execution in the ingestion journal",
			"execution_id", pipeline.ExecutionId, "error", err)
	}
}
