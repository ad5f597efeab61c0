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

// This package defines the step handler contract and the built-in handlers
// that carry a document from raw upload to searchable memory records.
package handlers

import (
	"context"

	"github.com/kbase/dms/pipelines"
)

// the outcome a handler reports for one invocation
type StepOutcome int

const (
	// the step finished; the orchestrator advances the pipeline
	OutcomeSuccess StepOutcome = iota
	// the step failed but may succeed on retry; the pipeline is retried
	// without advancing
	OutcomeTransientError
	// the step can never succeed; the pipeline is marked failed
	OutcomeFatalError
)

func (o StepOutcome) String() string {
	switch o {
	case OutcomeSuccess:
		return "success"
	case OutcomeTransientError:
		return "transient_error"
	case OutcomeFatalError:
		return "fatal_error"
	}
	return "unknown"
}

// StepHandler processes a pipeline for one named step.
//
// A handler may read and write any artifact in the document's volume. On
// success it must mark itself in the ProcessedBy set of every file it has
// fully processed. Because the queue delivers at least once, a handler must
// be idempotent under re-entry: it checks AlreadyProcessedBy before doing
// work with side effects outside the artifact store.
type StepHandler interface {
	// the step name this handler serves
	StepName() string
	// processes the pipeline, returning the (possibly mutated) pipeline
	// and an outcome
	Invoke(ctx context.Context, pipeline *pipelines.DataPipeline) (*pipelines.DataPipeline, StepOutcome)
}
