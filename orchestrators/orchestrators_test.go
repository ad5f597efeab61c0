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
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/stretchr/testify/assert"

	"github.com/kbase/dms/config"
	"github.com/kbase/dms/contentstorage"
	"github.com/kbase/dms/dmstest"
	"github.com/kbase/dms/pipelines"
	"github.com/kbase/dms/queues"
)

// initializes the configuration for an orchestrator test and creates an
// orchestrator of the given mode with the built-in handlers registered
func setupOrchestrator(t *testing.T, mode string) Orchestrator {
	t.Helper()
	dataDir := t.TempDir()
	yamlData := fmt.Sprintf(`
service:
  name: dms-test
  data_dir: %s
queues:
  poll_delay_msecs: 10
  fetch_lock_seconds: 2
orchestration:
  type: %s
`, dataDir, mode)
	err := config.Init([]byte(yamlData))
	assert.Nil(t, err, "Couldn't initialize the test configuration.")

	orchestrator, err := New()
	assert.Nil(t, err, "Couldn't create the orchestrator.")
	err = RegisterDefaultHandlers(orchestrator)
	assert.Nil(t, err, "Couldn't register the built-in handlers.")
	t.Cleanup(func() { orchestrator.StopAll() })
	return orchestrator
}

// a one-file text upload
func textUpload(index, documentId, name, body string) DocumentUpload {
	return DocumentUpload{
		Index:      index,
		DocumentId: documentId,
		Files: []pipelines.UploadedFile{
			{Name: name, MimeType: "text/plain", Bytes: []byte(body)},
		},
	}
}

// polls until the condition holds or the timeout elapses
func waitFor(t *testing.T, timeout time.Duration, what string, condition func() bool) {
	t.Helper()
	deadline := time.Now().Add(timeout)
	for time.Now().Before(deadline) {
		if condition() {
			return
		}
		time.Sleep(20 * time.Millisecond)
	}
	t.Fatalf("Timed out waiting for %s.", what)
}

// tests whether uploads with no files, bad IDs, or reserved tags are
// rejected synchronously
func TestPrepareNewUploadValidation(t *testing.T) {
	orchestrator := setupOrchestrator(t, config.OrchestrationTypeInProcess)
	ctx := context.Background()

	_, err := orchestrator.PrepareNewUpload(ctx, DocumentUpload{DocumentId: "doc1"})
	assert.NotNil(t, err, "An empty upload wasn't rejected.")

	for _, badId := range []string{"a/b", "doc 1", "..", "doc;1", "doc\t1"} {
		upload := textUpload("", badId, "a.txt", "x")
		_, err = orchestrator.PrepareNewUpload(ctx, upload)
		assert.NotNil(t, err, "The document ID %q wasn't rejected.", badId)
	}

	upload := textUpload("", "doc1", "a.txt", "x")
	upload.Tags = pipelines.TagCollection{"__user": {"mallory"}}
	_, err = orchestrator.PrepareNewUpload(ctx, upload)
	assert.NotNil(t, err, "A reserved tag wasn't rejected.")

	upload = textUpload("", "", "a.txt", "x")
	pipeline, err := orchestrator.PrepareNewUpload(ctx, upload)
	assert.Nil(t, err)
	assert.NotEmpty(t, pipeline.DocumentId, "No document ID was generated.")
	assert.Equal(t, pipelines.DefaultIndexName, pipeline.Index)
}

// tests the happy path: a document runs through the default steps and ends
// up complete, with every file processed by every step
func TestInProcessHappyPath(t *testing.T) {
	orchestrator := setupOrchestrator(t, config.OrchestrationTypeInProcess)
	ctx := context.Background()

	documentId, err := orchestrator.ImportDocument(ctx,
		textUpload("personal", "doc-001", "hello.txt", "hello world"))
	assert.Nil(t, err, "The import failed.")
	assert.Equal(t, "doc-001", documentId)

	summary, err := orchestrator.ReadSummary(ctx, "personal", "doc-001")
	assert.Nil(t, err)
	assert.NotNil(t, summary, "No pipeline summary was persisted.")
	assert.True(t, summary.Completed, "The pipeline didn't complete.")
	assert.False(t, summary.Failed)
	assert.Empty(t, summary.RemainingSteps)
	assert.Equal(t, pipelines.DefaultSteps, summary.CompletedSteps)

	status, err := orchestrator.ReadStatus(ctx, "personal", "doc-001")
	assert.Nil(t, err)
	for _, step := range pipelines.DefaultSteps {
		assert.True(t, status.Files[0].AlreadyProcessedBy(step),
			"The file wasn't processed by step %q.", step)
	}

	ready, err := orchestrator.IsDocumentReady(ctx, "personal", "doc-001")
	assert.Nil(t, err)
	assert.True(t, ready, "The ingested document isn't ready.")

	// the original upload lands in durable content storage
	waitFor(t, 10*time.Second, "the original upload to commit", func() bool {
		content, err := orchestrator.Contents().GetById(ctx, "personal/doc-001/hello.txt")
		return err == nil && string(content.Payload) == "hello world"
	})
}

// tests whether a step that fails transiently once is retried and the
// pipeline still completes
func TestInProcessRetryThenSuccess(t *testing.T) {
	orchestrator := setupOrchestrator(t, config.OrchestrationTypeInProcess)
	ctx := context.Background()

	scripted := &dmstest.ScriptedHandler{Step: pipelines.StepEmbed, FailuresBeforeSuccess: 1}
	err := orchestrator.AddHandler(scripted)
	assert.Nil(t, err)

	_, err = orchestrator.ImportDocument(ctx, textUpload("", "doc1", "a.txt", "retry me"))
	assert.Nil(t, err)

	assert.Equal(t, 2, scripted.Invocations(), "Expected one retry before success.")
	summary, err := orchestrator.ReadSummary(ctx, "", "doc1")
	assert.Nil(t, err)
	assert.True(t, summary.Completed, "The pipeline didn't recover from the transient failure.")
}

// tests whether a transiently failing step exhausts its retry budget and
// the pipeline is marked failed
func TestInProcessRetryExhaustionFails(t *testing.T) {
	orchestrator := setupOrchestrator(t, config.OrchestrationTypeInProcess)
	ctx := context.Background()

	scripted := &dmstest.ScriptedHandler{Step: pipelines.StepEmbed, FailuresBeforeSuccess: 100}
	orchestrator.AddHandler(scripted)

	_, err := orchestrator.ImportDocument(ctx, textUpload("", "doc1", "a.txt", "doomed"))
	assert.Nil(t, err, "Runtime failures must surface in the status, not as errors.")

	summary, err := orchestrator.ReadSummary(ctx, "", "doc1")
	assert.Nil(t, err)
	assert.True(t, summary.Failed, "The pipeline wasn't marked failed.")
	assert.False(t, summary.Completed)
	assert.Equal(t, config.Queues.MaxRetriesBeforePoison+1, scripted.Invocations(),
		"The retry budget wasn't honored.")
}

// tests whether deleting a document removes its pipeline record, leaving
// status reads with a clean not-found
func TestInProcessDeleteDocument(t *testing.T) {
	orchestrator := setupOrchestrator(t, config.OrchestrationTypeInProcess)
	ctx := context.Background()

	_, err := orchestrator.ImportDocument(ctx,
		textUpload("personal", "doc-001", "hello.txt", "hello world"))
	assert.Nil(t, err)

	err = orchestrator.StartDocumentDeletion(ctx, "personal", "doc-001")
	assert.Nil(t, err)

	summary, err := orchestrator.ReadSummary(ctx, "personal", "doc-001")
	assert.Nil(t, err, "A missing pipeline must read as nil, not as an error.")
	assert.Nil(t, summary, "The pipeline record survived document deletion.")
	ready, err := orchestrator.IsDocumentReady(ctx, "personal", "doc-001")
	assert.Nil(t, err)
	assert.False(t, ready)

	waitFor(t, 10*time.Second, "the stored content to disappear", func() bool {
		_, err := orchestrator.Contents().GetById(ctx, "personal/doc-001/hello.txt")
		var notFound *contentstorage.ContentNotFoundError
		return errors.As(err, &notFound)
	})
}

// tests whether a re-upload supersedes the previous execution and a
// consolidation step purges its leftovers
func TestInProcessSupersession(t *testing.T) {
	orchestrator := setupOrchestrator(t, config.OrchestrationTypeInProcess)
	ctx := context.Background()

	_, err := orchestrator.ImportDocument(ctx, textUpload("", "doc1", "a.txt", "version one"))
	assert.Nil(t, err)
	first, err := orchestrator.ReadStatus(ctx, "", "doc1")
	assert.Nil(t, err)

	_, err = orchestrator.ImportDocument(ctx, textUpload("", "doc1", "a.txt", "version two"))
	assert.Nil(t, err)
	second, err := orchestrator.ReadStatus(ctx, "", "doc1")
	assert.Nil(t, err)

	assert.NotEqual(t, first.ExecutionId, second.ExecutionId,
		"The re-upload didn't mint a fresh execution ID.")
	assert.Contains(t, second.CompletedSteps, pipelines.StepPurgePrevious,
		"No consolidation step ran for the superseded execution.")
	assert.Empty(t, second.PreviousExecutionsToPurge,
		"The superseded snapshots weren't drained.")
	assert.True(t, second.Complete() && !second.Failed)
}

// tests the happy path through the distributed orchestrator: the pipeline
// advances across per-step queues until it completes
func TestDistributedHappyPath(t *testing.T) {
	orchestrator := setupOrchestrator(t, config.OrchestrationTypeDistributed)
	ctx := context.Background()

	documentId, err := orchestrator.ImportDocument(ctx,
		textUpload("personal", "doc-001", "hello.txt", "hello world"))
	assert.Nil(t, err)
	assert.Equal(t, "doc-001", documentId)

	waitFor(t, 10*time.Second, "the pipeline to complete", func() bool {
		summary, err := orchestrator.ReadSummary(ctx, "personal", "doc-001")
		return err == nil && summary != nil && summary.Completed
	})

	status, err := orchestrator.ReadStatus(ctx, "personal", "doc-001")
	assert.Nil(t, err)
	assert.Equal(t, pipelines.DefaultSteps, status.CompletedSteps)
	for _, step := range pipelines.DefaultSteps {
		assert.True(t, status.Files[0].AlreadyProcessedBy(step),
			"The file wasn't processed by step %q.", step)
	}
}

// tests whether a fatally failing step poisons its message and marks the
// pipeline failed, preserving the document's artifacts
func TestDistributedFatalStepPoisons(t *testing.T) {
	orchestrator := setupOrchestrator(t, config.OrchestrationTypeDistributed)
	ctx := context.Background()

	orchestrator.AddHandler(&dmstest.ScriptedHandler{
		Step:        pipelines.StepPartition,
		AlwaysFatal: true,
	})

	_, err := orchestrator.ImportDocument(ctx,
		textUpload("personal", "doc-001", "hello.txt", "hello world"))
	assert.Nil(t, err)

	waitFor(t, 10*time.Second, "the pipeline to fail", func() bool {
		summary, err := orchestrator.ReadSummary(ctx, "personal", "doc-001")
		return err == nil && summary != nil && summary.Failed
	})

	poisonDir := filepath.Join(queues.Directory(),
		queueNameForStep(pipelines.StepPartition)+config.Queues.PoisonSuffix)
	waitFor(t, 10*time.Second, "the message to be poisoned", func() bool {
		entries, err := os.ReadDir(poisonDir)
		if err != nil {
			return false
		}
		for _, entry := range entries {
			if strings.HasSuffix(entry.Name(), ".sqm.json") {
				return true
			}
		}
		return false
	})

	// the uploaded file and the extracted text survive for the operator
	reader, _, err := orchestrator.ReadFile(ctx, "personal", "doc-001", "hello.txt")
	assert.Nil(t, err, "The document's artifacts weren't preserved.")
	reader.Close()
}

// tests whether a message from a superseded execution is dropped without
// invoking its handler
func TestDistributedSupersededMessageIsDropped(t *testing.T) {
	orchestrator := setupOrchestrator(t, config.OrchestrationTypeDistributed)
	distributed := orchestrator.(*distributedOrchestrator)
	ctx := context.Background()

	scripted := &dmstest.ScriptedHandler{Step: pipelines.StepExtract}
	orchestrator.AddHandler(scripted)

	// persist a pipeline, then deliver a pointer from an older execution
	pipeline := pipelines.NewDataPipeline("default", "doc1",
		[]string{pipelines.StepExtract}, nil)
	err := distributed.states.Write(ctx, pipeline)
	assert.Nil(t, err)

	stale := pipeline.Pointer()
	stale.ExecutionId = uuid.NewString()
	body, err := json.Marshal(&stale)
	assert.Nil(t, err)

	outcome := distributed.dispatch(ctx, pipelines.StepExtract, body)
	assert.Equal(t, queues.OutcomeSuccess, outcome,
		"A superseded message wasn't dropped as already-handled.")
	assert.Equal(t, 0, scripted.Invocations(),
		"The handler ran for a superseded execution.")

	// the matching pointer, by contrast, advances the pipeline
	current := pipeline.Pointer()
	body, err = json.Marshal(&current)
	assert.Nil(t, err)
	outcome = distributed.dispatch(ctx, pipelines.StepExtract, body)
	assert.Equal(t, queues.OutcomeSuccess, outcome)
	assert.Equal(t, 1, scripted.Invocations())

	status, err := orchestrator.ReadStatus(ctx, "default", "doc1")
	assert.Nil(t, err)
	assert.True(t, status.Complete(), "The matching pointer didn't advance the pipeline.")
}

// tests whether deleting a document mid-ingest cancels the remaining steps
// of the superseded execution and removes everything
func TestDistributedDeleteDuringIngest(t *testing.T) {
	orchestrator := setupOrchestrator(t, config.OrchestrationTypeDistributed)
	ctx := context.Background()

	// a slow embed step keeps the first execution in flight
	orchestrator.AddHandler(&dmstest.ScriptedHandler{
		Step:                  pipelines.StepEmbed,
		FailuresBeforeSuccess: 1,
	})

	_, err := orchestrator.ImportDocument(ctx,
		textUpload("personal", "doc-001", "hello.txt", "hello world"))
	assert.Nil(t, err)

	err = orchestrator.StartDocumentDeletion(ctx, "personal", "doc-001")
	assert.Nil(t, err)

	waitFor(t, 10*time.Second, "the document to disappear", func() bool {
		summary, err := orchestrator.ReadSummary(ctx, "personal", "doc-001")
		return err == nil && summary == nil
	})
}
