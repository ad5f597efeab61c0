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

// This package defines the data pipeline: the unit of work that carries a
// document through an ordered sequence of named processing steps.
package pipelines

import (
	"crypto/rand"
	"fmt"
	"math/big"
	"strings"
	"time"

	"github.com/google/uuid"
)

// names of the built-in processing steps
const (
	StepExtract        = "extract"
	StepPartition      = "partition"
	StepEmbed          = "embed"
	StepSave           = "save"
	StepDeleteDocument = "delete-document"
	StepDeleteIndex    = "delete-index"
	StepPurgePrevious  = "purge-previous"
)

// the steps a document runs through when the client doesn't ask for specific ones
var DefaultSteps = []string{StepExtract, StepPartition, StepEmbed, StepSave}

// the index used when a client doesn't specify one
const DefaultIndexName = "default"

// a single operator-visible breadcrumb left by a handler
type LogEntry struct {
	// time at which the entry was recorded
	Time time.Time `json:"t"`
	// name of the step that recorded the entry
	Source string `json:"src"`
	// a short human-readable message
	Text string `json:"text"`
}

// a file handed to the orchestrator by an upload request (not persisted--the
// content lands in the artifact store before the first step runs)
type UploadedFile struct {
	Name     string
	MimeType string
	Bytes    []byte
}

// A DataPipeline carries one document through its processing steps. It is
// persisted after every step so that a crashed or superseded execution can
// be observed and resumed.
type DataPipeline struct {
	// normalized name of the index (tenant/collection) owning the document
	Index string `json:"index"`
	// stable identifier for the document, unique within Index; empty only
	// for index-deletion pipelines
	DocumentId string `json:"document_id"`
	// unique identifier for this run; a later run on the same document
	// supersedes earlier ones
	ExecutionId string `json:"execution_id"`
	// the full ordered sequence of step names
	Steps []string `json:"steps"`
	// steps not yet executed, in order
	RemainingSteps []string `json:"remaining_steps"`
	// steps already executed, in order
	CompletedSteps []string `json:"completed_steps"`
	// document-level tags
	Tags TagCollection `json:"tags,omitempty"`
	// files belonging to the document
	Files []FileDetails `json:"files"`
	// creation and last-update times for this record
	Creation   time.Time `json:"creation"`
	LastUpdate time.Time `json:"last_update"`
	// snapshots of superseded executions awaiting consolidation
	PreviousExecutionsToPurge []DataPipeline `json:"previous_executions_to_purge,omitempty"`
	// an opaque bag handlers may use to pass small values along the chain
	CustomData map[string]any `json:"custom_data,omitempty"`
	// operator-visible breadcrumbs
	LogEntries []LogEntry `json:"log_entries,omitempty"`
	// set when a step fails fatally; the pipeline makes no further progress
	Failed         bool   `json:"failed,omitempty"`
	FailureMessage string `json:"failure_message,omitempty"`

	// files awaiting their initial write to the artifact store (transient)
	FilesToUpload []UploadedFile `json:"-"`
	// true once FilesToUpload have all landed in the artifact store (transient)
	UploadComplete bool `json:"-"`
}

// A DataPipelinePointer is the minimal message placed on a step queue.
// Carrying the step list lets a handler make sense of the message even if
// the persisted pipeline record has been lost.
type DataPipelinePointer struct {
	Index       string   `json:"index"`
	DocumentId  string   `json:"document_id"`
	ExecutionId string   `json:"execution_id"`
	Steps       []string `json:"steps"`
}

// creates a new pipeline for the given document, minting a fresh execution ID
func NewDataPipeline(index, documentId string, steps []string, tags TagCollection) *DataPipeline {
	if len(steps) == 0 {
		steps = DefaultSteps
	}
	now := time.Now().UTC()
	return &DataPipeline{
		Index:          index,
		DocumentId:     documentId,
		ExecutionId:    uuid.NewString(),
		Steps:          append([]string{}, steps...),
		RemainingSteps: append([]string{}, steps...),
		CompletedSteps: []string{},
		Tags:           tags.Clone(),
		Files:          []FileDetails{},
		Creation:       now,
		LastUpdate:     now,
	}
}

// returns a pointer suitable for enqueueing
func (p *DataPipeline) Pointer() DataPipelinePointer {
	return DataPipelinePointer{
		Index:       p.Index,
		DocumentId:  p.DocumentId,
		ExecutionId: p.ExecutionId,
		Steps:       append([]string{}, p.Steps...),
	}
}

// true if and only if every step has run
func (p *DataPipeline) Complete() bool {
	return len(p.RemainingSteps) == 0
}

// the name of the next step to run, or "" when the pipeline is complete
func (p *DataPipeline) NextStep() string {
	if len(p.RemainingSteps) == 0 {
		return ""
	}
	return p.RemainingSteps[0]
}

// moves the given step from the remaining list to the completed list; the
// step must be the first remaining one
func (p *DataPipeline) CompleteStep(step string) error {
	if len(p.RemainingSteps) == 0 || p.RemainingSteps[0] != step {
		return &ValidationError{
			Message: fmt.Sprintf("step %q is not the next remaining step", step),
		}
	}
	p.RemainingSteps = p.RemainingSteps[1:]
	p.CompletedSteps = append(p.CompletedSteps, step)
	p.LastUpdate = time.Now().UTC()
	return nil
}

// records an operator-visible breadcrumb attributed to the given step
func (p *DataPipeline) AddLogEntry(source, text string) {
	p.LogEntries = append(p.LogEntries, LogEntry{
		Time:   time.Now().UTC(),
		Source: source,
		Text:   text,
	})
}

// returns the file with the given ID, or nil if the pipeline has no such file
func (p *DataPipeline) GetFile(id string) *FileDetails {
	for i := range p.Files {
		if p.Files[i].Id == id {
			return &p.Files[i]
		}
	}
	return nil
}

// checks the structural invariants of the pipeline, returning a non-nil
// error describing the first violation found
func (p *DataPipeline) Validate() error {
	if p.Index == "" {
		return &ValidationError{Message: "the pipeline has no index"}
	}
	if _, err := NormalizeIndexName(p.Index); err != nil {
		return err
	}
	if p.ExecutionId == "" {
		return &ValidationError{Message: "the pipeline has no execution ID"}
	}
	if len(p.Steps) == 0 {
		return &ValidationError{Message: "the pipeline has no steps"}
	}
	for i, step := range p.Steps {
		if step == "" {
			return &ValidationError{Message: "the pipeline contains an empty step name"}
		}
		if i > 0 && p.Steps[i-1] == step {
			return &ValidationError{
				Message: fmt.Sprintf("the step %q appears twice in a row", step),
			}
		}
	}
	// a document ID is required unless the pipeline's only job is to delete
	// an entire index
	deletesIndex := len(p.Steps) == 1 && p.Steps[0] == StepDeleteIndex
	if p.DocumentId == "" && !deletesIndex {
		return &ValidationError{Message: "the pipeline has no document ID"}
	}
	if p.DocumentId != "" {
		if deletesIndex {
			return &ValidationError{
				Message: "an index-deletion pipeline may not carry a document ID",
			}
		}
		if err := ValidateDocumentId(p.DocumentId); err != nil {
			return err
		}
	}
	// completed ++ remaining must reproduce the step list in order
	if len(p.CompletedSteps)+len(p.RemainingSteps) != len(p.Steps) {
		return &ValidationError{
			Message: "completed and remaining steps do not partition the step list",
		}
	}
	for i, step := range p.Steps {
		var observed string
		if i < len(p.CompletedSteps) {
			observed = p.CompletedSteps[i]
		} else {
			observed = p.RemainingSteps[i-len(p.CompletedSteps)]
		}
		if observed != step {
			return &ValidationError{
				Message: "completed and remaining steps do not partition the step list",
			}
		}
	}
	return p.Tags.Validate()
}

// returns a client-facing summary of the pipeline
func (p *DataPipeline) Status() DataPipelineStatus {
	status := DataPipelineStatus{
		Index:          p.Index,
		DocumentId:     p.DocumentId,
		ExecutionId:    p.ExecutionId,
		Completed:      p.Complete() && !p.Failed,
		Failed:         p.Failed,
		Empty:          len(p.Files) == 0 && len(p.FilesToUpload) == 0,
		Creation:       p.Creation,
		LastUpdate:     p.LastUpdate,
		Steps:          append([]string{}, p.Steps...),
		RemainingSteps: append([]string{}, p.RemainingSteps...),
		CompletedSteps: append([]string{}, p.CompletedSteps...),
	}
	if len(p.LogEntries) > 0 {
		status.LogEntries = append([]LogEntry{}, p.LogEntries...)
	}
	return status
}

// A client-facing summary of a pipeline's progress.
type DataPipelineStatus struct {
	Index          string     `json:"index"`
	DocumentId     string     `json:"document_id"`
	ExecutionId    string     `json:"execution_id"`
	Completed      bool       `json:"completed"`
	Failed         bool       `json:"failed"`
	Empty          bool       `json:"empty"`
	Creation       time.Time  `json:"creation"`
	LastUpdate     time.Time  `json:"last_update"`
	Steps          []string   `json:"steps"`
	RemainingSteps []string   `json:"remaining_steps"`
	CompletedSteps []string   `json:"completed_steps"`
	LogEntries     []LogEntry `json:"log_entries,omitempty"`
}

// characters allowed in a document ID
const documentIdCharset = "ABCDEFGHIJKLMNOPQRSTUVWXYZabcdefghijklmnopqrstuvwxyz0123456789._-"

// Validates a client-supplied document ID: IDs are case-sensitive, limited
// to [A-Za-z0-9._-], and may not be usable as a path.
func ValidateDocumentId(id string) error {
	if id == "" {
		return &InvalidDocumentIdError{Id: id}
	}
	if id == "." || id == ".." {
		return &InvalidDocumentIdError{Id: id}
	}
	for _, c := range id {
		if !strings.ContainsRune(documentIdCharset, c) {
			return &InvalidDocumentIdError{Id: id}
		}
	}
	return nil
}

// Generates a document ID for uploads that don't supply one: 32 random
// characters followed by a timestamp suffix.
func GenerateDocumentId() string {
	const alphabet = "abcdefghijklmnopqrstuvwxyz0123456789"
	var builder strings.Builder
	for i := 0; i < 32; i++ {
		n, err := rand.Int(rand.Reader, big.NewInt(int64(len(alphabet))))
		if err != nil { // crypto/rand failing means the host is in real trouble
			n = big.NewInt(int64(i % len(alphabet)))
		}
		builder.WriteByte(alphabet[n.Int64()])
	}
	builder.WriteString(time.Now().UTC().Format("20060102150405"))
	return builder.String()
}

// Normalizes an index name: empty maps to the default index, letters are
// lowercased, and anything outside [a-z0-9._-] is rejected.
func NormalizeIndexName(index string) (string, error) {
	if strings.TrimSpace(index) == "" {
		return DefaultIndexName, nil
	}
	index = strings.ToLower(strings.TrimSpace(index))
	for _, c := range index {
		if (c < 'a' || c > 'z') && (c < '0' || c > '9') && c != '.' && c != '_' && c != '-' {
			return "", &InvalidIndexNameError{Name: index}
		}
	}
	return index, nil
}
