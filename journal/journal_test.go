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

package journal

import (
	"fmt"
	"os"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/stretchr/testify/assert"

	"github.com/kbase/dms/config"
)

// sets up the configuration and the journal for the tests in this package
func TestMain(m *testing.M) {
	dataDir, err := os.MkdirTemp("", "dms-journal-test-")
	if err != nil {
		os.Exit(1)
	}
	yamlData := fmt.Sprintf("service:\n  name: dms-test\n  data_dir: %s\n", dataDir)
	if err = config.Init([]byte(yamlData)); err != nil {
		os.Exit(1)
	}
	Init()

	status := m.Run()

	Finalize()
	os.RemoveAll(dataDir)
	os.Exit(status)
}

// tests whether recorded executions come back from a time-range query
func TestRecordAndFetch(t *testing.T) {
	start := time.Now().UTC()
	record := Record{
		Index:       "default",
		DocumentId:  "doc1",
		ExecutionId: uuid.NewString(),
		Steps:       []string{"extract", "partition", "embed", "save"},
		StartTime:   start,
		StopTime:    start.Add(time.Second),
		Status:      StatusSucceeded,
		NumFiles:    2,
	}
	err := RecordPipeline(record)
	assert.Nil(t, err, "Couldn't record a pipeline execution.")

	records, err := Records(start.Add(-time.Minute), start.Add(time.Minute))
	assert.Nil(t, err, "Couldn't fetch journal records.")
	assert.Equal(t, 1, len(records), "Expected exactly one journal record.")
	assert.Equal(t, record.ExecutionId, records[0].ExecutionId)
	assert.Equal(t, record.Steps, records[0].Steps)

	records, err = Records(start.Add(time.Hour), start.Add(2*time.Hour))
	assert.Nil(t, err)
	assert.Empty(t, records, "A disjoint time range returned records.")
}

// tests whether an invalid status is rejected
func TestRecordRejectsBadStatus(t *testing.T) {
	err := RecordPipeline(Record{
		ExecutionId: uuid.NewString(),
		Status:      "in-progress",
	})
	assert.NotNil(t, err, "An invalid status didn't trigger an error.")
}
