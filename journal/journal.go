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
	"bytes"
	"encoding/json"
	"fmt"
	"path/filepath"
	"time"

	bolt "go.etcd.io/bbolt"

	"github.com/kbase/dms/config"
)

// This is the DMS ingestion journal, which logs all finished pipeline
// executions. The journal is a table of pipeline records (one per execution).

// a record storing all information relevant to one finished pipeline execution
type Record struct {
	// the index and document the execution worked on (the document ID is
	// empty for index deletions)
	Index      string `json:"index"`
	DocumentId string `json:"document_id"`
	// UUID of the execution
	ExecutionId string `json:"execution_id"`
	// the steps the execution ran
	Steps []string `json:"steps"`
	// times at which the execution was created and at which it finished
	StartTime time.Time `json:"start_time"`
	StopTime  time.Time `json:"stop_time"`
	// status of the execution ("succeeded" or "failed")
	Status string `json:"status"`
	// the failure message for a failed execution
	FailureMessage string `json:"failure_message,omitempty"`
	// number of files the document held
	NumFiles int `json:"num_files"`
}

// recognized record statuses
const (
	StatusSucceeded = "succeeded"
	StatusFailed    = "failed"
)

// initialize the DMS ingestion journal
func Init() error {
	if !IsOpen() {
		go journalProcess()
		time.Sleep(100 * time.Millisecond)
	}
	return nil
}

// saves and closes the DMS ingestion journal (if it's been opened)
func Finalize() error {
	if IsOpen() {
		channels_.Input.Shutdown <- struct{}{}
		closeChannels()
	}
	return nil
}

// returns true if the journal is open for writing, false if not
func IsOpen() bool {
	if channels_.Open { // has Init() been called?
		channels_.Input.CheckIfOpen <- struct{}{}
		select {
		case isOpen := <-channels_.Output.IsOpen:
			return isOpen
		case <-time.After(1 * time.Second): // after a second, we assume the goroutine has crashed
			closeChannels()
			return false
		}
	}
	return false
}

// records a finished pipeline execution
// record: the record containing all execution information
func RecordPipeline(record Record) error {
	switch record.Status {
	case StatusSucceeded, StatusFailed:
		// pass-through (see below)
	default:
		return &NewRecordError{
			ExecutionId: record.ExecutionId,
			Message:     fmt.Sprintf("Invalid status: %s", record.Status),
		}
	}

	if !IsOpen() {
		return &NotOpenError{}
	}

	channels_.Input.CreateRecord <- record
	return <-channels_.Output.Error
}

// retrieves records for executions that finished within the time range with
// the given (inclusive) bounds
// start: the beginning of the time period of interest
// stop: the end of the time period of interest
func Records(start, stop time.Time) ([]Record, error) {
	if !IsOpen() {
		return nil, &NotOpenError{}
	}
	channels_.Input.FetchRecords <- TimeRange{Start: start, Stop: stop}
	var records []Record
	var err error
	select {
	case records = <-channels_.Output.Records:
		return records, err
	case err = <-channels_.Output.Error:
		return records, err
	}
}

//-----------
// Internals
//-----------

// The ingestion journal gets its own goroutine so it doesn't bring down the
// entire service if it crashes. Here we define "input" channels (main process
// -> goroutine) and "output" channels (goroutine -> main process) for passing
// data back and forth

type TimeRange struct {
	Start, Stop time.Time
}

var channels_ struct {
	Open  bool // true if channels are open, false if not
	Input struct {
		CreateRecord chan Record    // for creating new records
		CheckIfOpen  chan struct{}  // for checking to see whether the database is open
		FetchRecords chan TimeRange // for fetching records within a time range
		Shutdown     chan struct{}  // for shutting down the database
	}

	Output struct {
		Records chan []Record // for returning records
		Error   chan error    // for returning errors
		IsOpen  chan bool     // for answering queries about whether the database is open
	}
}

func journalProcess() {

	// open the database, creating the schema if necessary
	dbPath := filepath.Join(config.Service.DataDirectory, "ingestion_journal.db")
	db, err := bolt.Open(dbPath, 0600, &bolt.Options{Timeout: 1 * time.Second})
	if err != nil {
		channels_.Output.Error <- &CantOpenError{
			Message: err.Error(),
		}
	}

	// set up a bucket for pipeline records
	db.Update(func(tx *bolt.Tx) error {
		_, err := tx.CreateBucketIfNotExists([]byte("pipelines"))
		return err
	})

	openChannels()

	// handle requests
	running := true
	for running {
		select {

		case <-channels_.Input.CheckIfOpen:
			channels_.Output.IsOpen <- true // always true if this goroutine is running!

		case record := <-channels_.Input.CreateRecord:
			err := createRecord(db, record)
			channels_.Output.Error <- err

		case timeRange := <-channels_.Input.FetchRecords:
			records, err := fetchRecords(db, timeRange.Start, timeRange.Stop)
			if err != nil {
				channels_.Output.Error <- err
			} else {
				channels_.Output.Records <- records
			}

		case <-channels_.Input.Shutdown:
			err := db.Close()
			if err != nil {
				channels_.Output.Error <- &CantCloseError{
					Message: err.Error(),
				}
			}
			running = false
		}
	}
}

func openChannels() {
	channels_.Open = true
	channels_.Input.CreateRecord = make(chan Record)
	channels_.Input.CheckIfOpen = make(chan struct{})
	channels_.Input.FetchRecords = make(chan TimeRange)
	channels_.Input.Shutdown = make(chan struct{})
	channels_.Output.Records = make(chan []Record)
	channels_.Output.Error = make(chan error)
	channels_.Output.IsOpen = make(chan bool)
}

func closeChannels() {
	channels_.Open = false
	close(channels_.Input.CreateRecord)
	close(channels_.Input.CheckIfOpen)
	close(channels_.Input.FetchRecords)
	close(channels_.Input.Shutdown)
	close(channels_.Output.Records)
	close(channels_.Output.Error)
	close(channels_.Output.IsOpen)
}

// the key under which a record is stored; the stop time sorts records
// chronologically and the execution ID disambiguates simultaneous finishes
func recordKey(record Record) []byte {
	return []byte(record.StopTime.UTC().Format(time.RFC3339Nano) + "/" + record.ExecutionId)
}

func createRecord(db *bolt.DB, record Record) error {
	jsonBytes, err := json.Marshal(&record)
	if err != nil {
		return &NewRecordError{
			ExecutionId: record.ExecutionId,
			Message:     err.Error(),
		}
	}
	return db.Update(func(tx *bolt.Tx) error {
		bucket := tx.Bucket([]byte("pipelines"))
		return bucket.Put(recordKey(record), jsonBytes)
	})
}

func fetchRecords(db *bolt.DB, start, stop time.Time) ([]Record, error) {
	records := make([]Record, 0)
	err := db.View(func(tx *bolt.Tx) error {
		c := tx.Bucket([]byte("pipelines")).Cursor()

		startTime := []byte(start.UTC().Format(time.RFC3339Nano))
		// the "0" suffix sorts after any execution ID appended to stopTime
		stopTime := []byte(stop.UTC().Format(time.RFC3339Nano) + "0")

		for k, v := c.Seek(startTime); k != nil && bytes.Compare(k, stopTime) <= 0; k, v = c.Next() {
			var record Record
			err := json.Unmarshal(v, &record)
			if err != nil {
				return err
			}
			records = append(records, record)
		}
		return nil
	})

	return records, err
}
