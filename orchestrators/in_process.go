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
	"log/slog"
	"math/rand"
	"time"

	"github.com/kbase/dms/artifacts"
	"github.com/kbase/dms/config"
	"github.com/kbase/dms/contentstorage"
	"github.com/kbase/dms/handlers"
	"github.com/kbase/dms/journal"
	"github.com/kbase/dms/memory"
	"github.com/kbase/dms/metrics"
	"github.com/kbase/dms/pipelines"
)

// inProcessOrchestrator runs every step of a pipeline synchronously on the
// calling goroutine. Transient handler failures are retried with the same
// budget the queue would grant, then reclassified as fatal.
type inProcessOrchestrator struct {
	*core
}

func NewInProcessOrchestrator(store artifacts.Store, contents *contentstorage.Service,
	embedders []memory.EmbeddingGenerator, dbs []memory.MemoryDb,
	textGen memory.TextGenerator) Orchestrator {
	return &inProcessOrchestrator{core: newCore(store, contents, embedders, dbs, textGen)}
}

func (o *inProcessOrchestrator) AddHandler(handler handlers.StepHandler) error {
	o.registerHandler(handler)
	return nil
}

func (o *inProcessOrchestrator) ImportDocument(ctx context.Context,
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

// Drives the pipeline to completion or failure. A handler's fatal outcome
// is recorded in the pipeline's status, not returned as an error; errors
// indicate validation or infrastructure problems.
func (o *inProcessOrchestrator) RunPipeline(ctx context.Context,
	pipeline *pipelines.DataPipeline) error {

	if err := o.persistAndUpload(ctx, pipeline); err != nil {
		return err
	}
	lock := o.docLock(pipeline.Index, pipeline.DocumentId)
	lock.Lock()
	defer lock.Unlock()

	for !pipeline.Complete() && !pipeline.Failed {
		if err := ctx.Err(); err != nil {
			return err
		}
		step := pipeline.NextStep()
		handler := o.handlerFor(step)
		if handler == nil {
			o.failPipeline(ctx, pipeline, fmt.Sprintf("no handler for step %q", step))
			return nil
		}

		pipeline = o.invokeWithRetry(ctx, handler, pipeline)
		if pipeline.Failed {
			return nil
		}

		if err := pipeline.CompleteStep(step); err != nil {
			return err
		}
		if stepRemovesState(step) {
			// the handler removed the artifact volume, record included
			continue
		}
		if err := o.states.Write(ctx, pipeline); err != nil {
			return err
		}
	}

	metrics.PipelinesCompleted.Inc()
	o.journalRecord(pipeline, journal.StatusSucceeded, "")
	return nil
}

// invokes the handler, retrying transient failures with jittered linear
// backoff up to the queue's retry budget; exhaustion reclassifies the
// failure as fatal
func (o *inProcessOrchestrator) invokeWithRetry(ctx context.Context,
	handler handlers.StepHandler, pipeline *pipelines.DataPipeline) *pipelines.DataPipeline {

	maxAttempts := config.Queues.MaxRetriesBeforePoison + 1
	for attempt := 1; ; attempt++ {
		var outcome handlers.StepOutcome
		pipeline, outcome = invokeHandler(ctx, handler, pipeline)

		switch outcome {
		case handlers.OutcomeSuccess:
			return pipeline
		case handlers.OutcomeFatalError:
			o.failPipeline(ctx, pipeline,
				fmt.Sprintf("step %q failed fatally", handler.StepName()))
			return pipeline
		}

		if attempt >= maxAttempts || ctx.Err() != nil {
			o.failPipeline(ctx, pipeline, fmt.Sprintf(
				"step %q failed %d times", handler.StepName(), attempt))
			return pipeline
		}
		slog.Info("Retrying a step after a transient failure",
			"step", handler.StepName(), "attempt", attempt)
		select {
		case <-ctx.Done():
		case <-time.After(retryBackoff(attempt)):
		}
	}
}

// the delay before the next attempt: linear in the attempt count, like the
// queue's backoff, with jitter to spread concurrent retries
func retryBackoff(attempt int) time.Duration {
	base := time.Duration(attempt) * time.Second
	return base + time.Duration(rand.Int63n(int64(250*time.Millisecond)))
}

func (o *inProcessOrchestrator) StartDocumentDeletion(ctx context.Context,
	index, documentId string) error {
	pipeline, err := o.documentDeletionPipeline(index, documentId)
	if err != nil {
		return err
	}
	return o.RunPipeline(ctx, pipeline)
}

func (o *inProcessOrchestrator) StartIndexDeletion(ctx context.Context, index string) error {
	pipeline, err := o.indexDeletionPipeline(index)
	if err != nil {
		return err
	}
	return o.RunPipeline(ctx, pipeline)
}

func (o *inProcessOrchestrator) StopAll() error {
	// no queues to stop
	return o.closeContents()
}
