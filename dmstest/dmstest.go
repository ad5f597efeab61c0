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

// This package contains testing utilities for the Document Memory Service.
package dmstest

import (
	"context"
	"fmt"
	"log/slog"
	"os"
	"sync"

	"github.com/kbase/dms/config"
	"github.com/kbase/dms/handlers"
	"github.com/kbase/dms/pipelines"
)

// Enables DEBUG log messages for DMS's structured log (slog).
func EnableDebugLogging() {
	logLevel := new(slog.LevelVar)
	logLevel.Set(slog.LevelDebug)
	h := slog.NewJSONHandler(os.Stderr, &slog.HandlerOptions{Level: logLevel})
	slog.SetDefault(slog.New(h))
}

// Initializes the global configuration for a test, keeping all data under
// the given directory and shortening the queue timings so tests run fast.
func InitTestConfig(dataDir string) error {
	yamlData := fmt.Sprintf(`
service:
  name: dms-test
  port: 9001
  max_connections: 10
  data_dir: %s
queues:
  poll_delay_msecs: 10
  fetch_lock_seconds: 2
`, dataDir)
	return config.Init([]byte(yamlData))
}

//-----------------------
// Handler Test Fixtures
//-----------------------

// A ScriptedHandler is a step handler whose outcomes are scripted: it fails
// with a transient error for its first FailuresBeforeSuccess invocations,
// then succeeds, unless AlwaysFatal makes every invocation fatal. It counts
// its invocations so tests can assert on retry behavior.
type ScriptedHandler struct {
	Step                  string
	FailuresBeforeSuccess int
	AlwaysFatal           bool

	mutex       sync.Mutex
	invocations int
}

func (h *ScriptedHandler) StepName() string {
	return h.Step
}

func (h *ScriptedHandler) Invocations() int {
	h.mutex.Lock()
	defer h.mutex.Unlock()
	return h.invocations
}

func (h *ScriptedHandler) Invoke(ctx context.Context,
	pipeline *pipelines.DataPipeline) (*pipelines.DataPipeline, handlers.StepOutcome) {

	h.mutex.Lock()
	h.invocations++
	count := h.invocations
	h.mutex.Unlock()

	if h.AlwaysFatal {
		return pipeline, handlers.OutcomeFatalError
	}
	if count <= h.FailuresBeforeSuccess {
		return pipeline, handlers.OutcomeTransientError
	}
	return pipeline, handlers.OutcomeSuccess
}
