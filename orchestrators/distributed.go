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
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"slices"
	"sync"

	"github.com/kbase/dms/artifacts"
	"github.com/kbase/dms/config"
	"github.com/kbase/dms/contentstorage"
	"github.com/kbase/dms/handlers"
	"github.com/kbase/dms/journal"
	"github.com/kbase/dms/memory"
	"github.com/kbase/dms/metrics"
	"github.com/kbase/dms/pipelines"
	"github.com/kbase/dms/queues"
)

// the name of the queue carrying pointers for the given step
func queueNameForStep(step string) string {
	return "queue-" + step
}

// distributedOrchestrator drives pipelines over per-step queues: every
// registered handler subscribes to its step's queue, and advancing a step
// means enqueueing a pipeline pointer onto the next one. Workers in other
// processes sharing the same queue storage cooperate on the same pipelines.
//
// With RunHandlers disabled the orchestrator is publish-only: it enqueues
// work but never subscribes, which is how a web-only process hands all
// processing to worker processes.
type distributedOrchestrator struct {
	*core

	queueMutex sync.Mutex
	queues     map[string]queues.Queue // step name -> queue handle
}

func NewDistributedOrchestrator(store artifacts.Store, contents *contentstorage.Service,
	embedders []memory.EmbeddingGenerator, dbs []memory.MemoryDb,
	textGen memory.TextGenerator) Orchestrator {
	return &distributedOrchestrator{
		core:   newCore(store, contents, embedders, dbs, textGen),
		queues: make(map[string]queues.Queue),
	}
}

func (o *distributedOrchestrator) AddHandler(handler handlers.StepHandler) error {
	o.registerHandler(handler)

	step := handler.StepName()
	o.queueMutex.Lock()
	defer o.queueMutex.Unlock()
	if _, found := o.queues[step]; found {
		return nil // the queue subscription survives handler replacement
	}

	queue, err := queues.Connect(queueNameForStep(step),
		queues.Options{DequeueEnabled: config.Orchestration.RunHandlers})
	if err != nil {
		return err
	}
	if config.Orchestration.RunHandlers {
		err = queue.OnDequeue(func(ctx context.Context, content []byte) queues.DequeueOutcome {
			return o.dispatch(ctx, step, content)
		})
		if err != nil {
			queue.Dispose()
			return err
		}
	}
	o.queues[step] = queue
	return nil
}

// returns a handle for the given step's queue, connecting a publish-only
// one if this process has no subscription for it
func (o *distributedOrchestrator) queueFor(step string) (queues.Queue, error) {
	o.queueMutex.Lock()
	defer o.queueMutex.Unlock()
	if queue, found := o.queues[step]; found {
		return queue, nil
	}
	queue, err := queues.Connect(queueNameForStep(step), queues.Options{DequeueEnabled: false})
	if err != nil {
		return nil, err
	}
	o.queues[step] = queue
	return queue, nil
}

// enqueues the pipeline's pointer onto the given step's queue
func (o *distributedOrchestrator) publishPointer(ctx context.Context, step string,
	pipeline *pipelines.DataPipeline) error {
	queue, err := o.queueFor(step)
	if err != nil {
		return err
	}
	pointer := pipeline.Pointer()
	body, err := json.Marshal(&pointer)
	if err != nil {
		return err
	}
	return queue.Enqueue(ctx, body)
}

func (o *distributedOrchestrator) ImportDocument(ctx context.Context,
	upload DocumentUpload) (string, error) {
	pipeline, err := o.PrepareNewUpload(ctx, upload)
	if err != nil {
		return "", err
	}
	if err = o.RunPipeline(ctx, pipeline); err != nil {
		return "", err
	}
	return pipeline.DocumentId, nil
}

// Persists the pipeline, uploads its files, and enqueues its first step.
// The pipeline then advances asynchronously as queue subscribers process it.
func (o *distributedOrchestrator) RunPipeline(ctx context.Context,
	pipeline *pipelines.DataPipeline) error {

	if err := o.persistAndUpload(ctx, pipeline); err != nil {
		return err
	}
	if pipeline.Complete() {
		return nil
	}
	return o.publishPointer(ctx, pipeline.NextStep(), pipeline)
}

// Processes one queue message for the given step. The persisted pipeline
// record is the source of truth: a message whose execution ID no longer
// matches it belongs to a superseded execution and is dropped as
// already-handled.
func (o *distributedOrchestrator) dispatch(ctx context.Context, step string,
	content []byte) queues.DequeueOutcome {

	var pointer pipelines.DataPipelinePointer
	if err := json.Unmarshal(content, &pointer); err != nil {
		slog.Error("Couldn't parse a pipeline pointer", "queue_step", step, "error", err)
		return queues.OutcomeFatalError
	}

	pipeline, err := o.states.Read(ctx, pointer.Index, pointer.DocumentId)
	if err != nil {
		var invalid *pipelines.InvalidPipelineDataError
		if errors.As(err, &invalid) {
			slog.Error("A pipeline record is corrupt; dropping its message",
				"index", pointer.Index, "document_id", pointer.DocumentId)
			return queues.OutcomeFatalError
		}
		return queues.OutcomeTransientError
	}
	if pipeline == nil {
		// the record is gone (deleted document); nothing left to do
		return queues.OutcomeSuccess
	}
	if pipeline.ExecutionId != pointer.ExecutionId {
		slog.Debug("Dropping a message from a superseded execution",
			"index", pointer.Index, "document_id", pointer.DocumentId,
			"execution_id", pointer.ExecutionId)
		return queues.OutcomeSuccess
	}
	if pipeline.Failed {
		return queues.OutcomeSuccess
	}
	if pipeline.NextStep() != step {
		if slices.Contains(pipeline.CompletedSteps, step) {
			return queues.OutcomeSuccess // duplicate delivery of a finished step
		}
		// this worker saw the message before the record caught up
		return queues.OutcomeTransientError
	}

	handler := o.handlerFor(step)
	if handler == nil {
		return queues.OutcomeTransientError
	}

	pipeline, outcome := invokeHandler(ctx, handler, pipeline)
	switch outcome {
	case handlers.OutcomeSuccess:
		if err := o.advanceStep(ctx, step, pipeline); err != nil {
			slog.Error("Couldn't advance a pipeline",
				"step", step, "index", pipeline.Index,
				"document_id", pipeline.DocumentId, "error", err)
			return queues.OutcomeTransientError
		}
		return queues.OutcomeSuccess
	case handlers.OutcomeFatalError:
		o.failPipeline(ctx, pipeline, fmt.Sprintf("step %q failed fatally", step))
		return queues.OutcomeFatalError
	default:
		return queues.OutcomeTransientError
	}
}

// Advances the pipeline past a successfully handled step: under the
// document's advisory lock, re-checks the persisted record, pops the step,
// persists, and enqueues the next step (or finishes the pipeline).
func (o *distributedOrchestrator) advanceStep(ctx context.Context, step string,
	pipeline *pipelines.DataPipeline) error {

	lock := o.docLock(pipeline.Index, pipeline.DocumentId)
	lock.Lock()
	defer lock.Unlock()

	if !stepRemovesState(step) {
		// pick up any concurrent record replacement before advancing
		persisted, err := o.states.Read(ctx, pipeline.Index, pipeline.DocumentId)
		if err != nil {
			return err
		}
		if persisted == nil || persisted.ExecutionId != pipeline.ExecutionId {
			return nil // superseded while the handler ran; drop our progress
		}
	}

	if err := pipeline.CompleteStep(step); err != nil {
		return err
	}

	if pipeline.Complete() {
		if !stepRemovesState(step) {
			if err := o.states.Write(ctx, pipeline); err != nil {
				return err
			}
		}
		metrics.PipelinesCompleted.Inc()
		o.journalRecord(pipeline, journal.StatusSucceeded, "")
		return nil
	}

	if err := o.states.Write(ctx, pipeline); err != nil {
		return err
	}
	return o.publishPointer(ctx, pipeline.NextStep(), pipeline)
}

func (o *distributedOrchestrator) StartDocumentDeletion(ctx context.Context,
	index, documentId string) error {
	pipeline, err := o.documentDeletionPipeline(index, documentId)
	if err != nil {
		return err
	}
	return o.RunPipeline(ctx, pipeline)
}

func (o *distributedOrchestrator) StartIndexDeletion(ctx context.Context, index string) error {
	pipeline, err := o.indexDeletionPipeline(index)
	if err != nil {
		return err
	}
	return o.RunPipeline(ctx, pipeline)
}

// stops all queue activity; messages in flight finish, everything else
// stays queued for the next start
func (o *distributedOrchestrator) StopAll() error {
	o.queueMutex.Lock()
	defer o.queueMutex.Unlock()
	var firstErr error
	for step, queue := range o.queues {
		if err := queue.Dispose(); err != nil && firstErr == nil {
			firstErr = err
		}
		delete(o.queues, step)
	}
	if err := o.closeContents(); err != nil && firstErr == nil {
		firstErr = err
	}
	return firstErr
}
