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

package queues

import (
	"context"
	"crypto/rand"
	"encoding/hex"
	"encoding/json"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"sort"
	"strings"
	"sync"
	"time"

	"github.com/kbase/dms/config"
	"github.com/kbase/dms/metrics"
)

// the extension of a serialized message file
const messageFileSuffix = ".sqm.json"

// one persisted queue message
type message struct {
	// monotonically sortable identifier (timestamp plus random suffix)
	Id string `json:"id"`
	// the message body
	Content json.RawMessage `json:"content"`
	// number of times the message has been fetched for delivery
	Deliveries int `json:"deliveries"`
	// time at which the message was enqueued
	Created time.Time `json:"created"`
	// earliest time at which the message may be delivered (again)
	Schedule time.Time `json:"schedule"`
	// visibility lock: the message is invisible until this time passes
	LockUntil time.Time `json:"lock_until"`
	// description of the most recent delivery failure, if any
	LastError string `json:"last_error,omitempty"`
}

// a message is visible when it is neither scheduled in the future nor locked
func (m *message) visible(now time.Time) bool {
	return !m.Schedule.After(now) && !m.LockUntil.After(now)
}

// FileQueue is the file-backed reference queue: one file per message under
// <root>/<queueName>/, poison messages under <root>/<queueName><suffix>/.
// Polling and dispatch run as separate goroutines; storage scans across all
// instances sharing a root are serialized by a process-wide advisory lock.
type FileQueue struct {
	root string
	name string

	options Options
	handler DequeueHandler

	// dispatch buffer between the polling and dispatch loops
	buffer chan message

	cancel    context.CancelFunc
	waitGroup sync.WaitGroup

	mutex     sync.Mutex // guards handler registration and disposal
	connected bool
	disposed  bool
}

// creates an unbound file-backed queue over the given storage root
func NewFileQueue(root string) *FileQueue {
	return &FileQueue{root: root}
}

// Binds this instance to the given queue name. Connecting is idempotent for
// the same name; binding a second name on an already-bound instance fails.
func (q *FileQueue) Connect(name string, options Options) error {
	if name == "" {
		return &InvalidQueueNameError{Name: name}
	}
	q.mutex.Lock()
	defer q.mutex.Unlock()
	if q.connected {
		if q.name == name {
			return nil
		}
		return &AlreadyConnectedError{Bound: q.name, Requested: name}
	}
	if err := os.MkdirAll(q.queueDir(name), 0755); err != nil {
		return err
	}
	q.name = name
	q.options = options
	q.connected = true
	return nil
}

func (q *FileQueue) Name() string {
	return q.name
}

func (q *FileQueue) queueDir(name string) string {
	return filepath.Join(q.root, name)
}

func (q *FileQueue) poisonDir() string {
	return filepath.Join(q.root, q.name+config.Queues.PoisonSuffix)
}

// generates a monotonically sortable message ID
func newMessageId(now time.Time) string {
	suffix := make([]byte, 4)
	rand.Read(suffix)
	return fmt.Sprintf("%s.%s", now.Format("20060102150405.000000000"),
		hex.EncodeToString(suffix))
}

// appends a message with the given body; the message becomes visible
// immediately
func (q *FileQueue) Enqueue(ctx context.Context, body []byte) error {
	if !q.connected {
		return &NotConnectedError{}
	}
	now := time.Now().UTC()
	msg := message{
		Id:       newMessageId(now),
		Content:  json.RawMessage(body),
		Created:  now,
		Schedule: now,
	}
	if err := q.writeMessage(q.queueDir(q.name), msg); err != nil {
		return err
	}
	slog.Debug(fmt.Sprintf("Queue %s: enqueued message %s", q.name, msg.Id))
	return nil
}

// Registers the handler for this queue and starts the polling and dispatch
// loops. Only one handler may be registered per instance.
func (q *FileQueue) OnDequeue(handler DequeueHandler) error {
	q.mutex.Lock()
	defer q.mutex.Unlock()
	if !q.connected {
		return &NotConnectedError{}
	}
	if !q.options.DequeueEnabled {
		return &PublishOnlyError{Name: q.name}
	}
	if q.handler != nil {
		return &HandlerAlreadySetError{Name: q.name}
	}
	q.handler = handler
	q.buffer = make(chan message, config.Queues.FetchBatchSize)

	ctx, cancel := context.WithCancel(context.Background())
	q.cancel = cancel
	q.waitGroup.Add(2)
	go q.poll(ctx)
	go q.dispatch(ctx)
	return nil
}

// stops polling and dispatch; any handler already invoked runs to completion
func (q *FileQueue) Dispose() error {
	q.mutex.Lock()
	defer q.mutex.Unlock()
	if q.disposed {
		return nil
	}
	q.disposed = true
	if q.cancel != nil {
		q.cancel()
		q.waitGroup.Wait()
	}
	return nil
}

// The polling loop: on every tick, scan the storage directory for visible
// messages (oldest first), lock and deliver up to FetchBatchSize of them to
// the dispatch buffer. Storage problems are logged and retried on the next
// tick; they never crash the host.
func (q *FileQueue) poll(ctx context.Context) {
	defer q.waitGroup.Done()
	pollDelay := time.Duration(config.Queues.PollDelayMsecs) * time.Millisecond
	for {
		select {
		case <-ctx.Done():
			return
		case <-time.After(pollDelay):
		}
		fetched, err := q.fetchVisible()
		if err != nil {
			slog.Error(fmt.Sprintf("Queue %s: polling failed: %s", q.name, err.Error()))
			continue
		}
		for _, msg := range fetched {
			select {
			case q.buffer <- msg:
			case <-ctx.Done():
				return
			}
		}
	}
}

// fetches up to FetchBatchSize visible messages under the advisory storage
// lock, bumping their delivery counts and visibility locks
func (q *FileQueue) fetchVisible() ([]message, error) {
	lock := storageLockFor(q.root)
	lock.Lock()
	defer lock.Unlock()

	dir := q.queueDir(q.name)
	entries, err := os.ReadDir(dir)
	if err != nil {
		// the directory may have been swept away; recreate it and try
		// again on the next tick
		return nil, os.MkdirAll(dir, 0755)
	}

	now := time.Now().UTC()
	var visible []message
	for _, entry := range entries {
		if entry.IsDir() || !strings.HasSuffix(entry.Name(), messageFileSuffix) {
			continue
		}
		msg, err := q.readMessage(filepath.Join(dir, entry.Name()))
		if err != nil {
			slog.Error(fmt.Sprintf("Queue %s: unreadable message %s: %s",
				q.name, entry.Name(), err.Error()))
			continue
		}
		if msg.visible(now) {
			visible = append(visible, msg)
		}
	}
	// a single consumer observes FIFO by message ID among messages that
	// became visible together
	sort.Slice(visible, func(i, j int) bool { return visible[i].Id < visible[j].Id })
	if len(visible) > config.Queues.FetchBatchSize {
		visible = visible[:config.Queues.FetchBatchSize]
	}

	lockDuration := time.Duration(config.Queues.FetchLockSeconds) * time.Second
	fetched := make([]message, 0, len(visible))
	for _, msg := range visible {
		msg.Deliveries++
		msg.LockUntil = now.Add(lockDuration)
		if err := q.writeMessage(dir, msg); err != nil {
			slog.Error(fmt.Sprintf("Queue %s: couldn't lock message %s: %s",
				q.name, msg.Id, err.Error()))
			continue
		}
		fetched = append(fetched, msg)
	}
	return fetched, nil
}

// The dispatch loop: invoke the handler for each buffered message and apply
// its outcome. A panicking handler counts as a transient failure.
func (q *FileQueue) dispatch(ctx context.Context) {
	defer q.waitGroup.Done()
	for {
		select {
		case <-ctx.Done():
			return
		case msg := <-q.buffer:
			outcome := q.invokeHandler(ctx, msg)
			if err := q.applyOutcome(msg, outcome); err != nil {
				slog.Error(fmt.Sprintf("Queue %s: couldn't settle message %s: %s",
					q.name, msg.Id, err.Error()))
			}
		}
	}
}

func (q *FileQueue) invokeHandler(ctx context.Context, msg message) (outcome DequeueOutcome) {
	defer func() {
		if r := recover(); r != nil {
			slog.Error(fmt.Sprintf("Queue %s: handler panicked on message %s: %v",
				q.name, msg.Id, r))
			outcome = OutcomeTransientError
		}
	}()
	metrics.QueueDeliveries.WithLabelValues(q.name).Inc()
	return q.handler(ctx, msg.Content)
}

// applies a delivery outcome to a message: delete on success, reschedule
// with linear backoff on transient failure (or poison once the retry budget
// is spent), poison immediately on fatal failure
func (q *FileQueue) applyOutcome(msg message, outcome DequeueOutcome) error {
	dir := q.queueDir(q.name)
	switch outcome {
	case OutcomeSuccess:
		return q.deleteMessage(dir, msg)
	case OutcomeFatalError:
		slog.Warn(fmt.Sprintf("Queue %s: message %s failed fatally, poisoning",
			q.name, msg.Id))
		return q.moveToPoison(msg)
	default:
		// unknown outcomes are treated as transient
		maxAttempts := config.Queues.MaxRetriesBeforePoison + 1
		if msg.Deliveries >= maxAttempts {
			slog.Warn(fmt.Sprintf(
				"Queue %s: message %s exhausted its %d deliveries, poisoning",
				q.name, msg.Id, msg.Deliveries))
			return q.moveToPoison(msg)
		}
		msg.LockUntil = time.Time{}
		msg.Schedule = time.Now().UTC().Add(time.Duration(msg.Deliveries) * time.Second)
		msg.LastError = "transient delivery failure"
		return q.writeMessage(dir, msg)
	}
}

func (q *FileQueue) moveToPoison(msg message) error {
	if err := os.MkdirAll(q.poisonDir(), 0755); err != nil {
		return err
	}
	msg.LockUntil = time.Time{}
	if err := q.writeMessage(q.poisonDir(), msg); err != nil {
		return err
	}
	metrics.QueuePoisonedMessages.WithLabelValues(q.name).Inc()
	return q.deleteMessage(q.queueDir(q.name), msg)
}

func (q *FileQueue) messagePath(dir string, msg message) string {
	return filepath.Join(dir, msg.Id+messageFileSuffix)
}

func (q *FileQueue) readMessage(path string) (message, error) {
	var msg message
	data, err := os.ReadFile(path)
	if err != nil {
		return msg, err
	}
	err = json.Unmarshal(data, &msg)
	return msg, err
}

func (q *FileQueue) writeMessage(dir string, msg message) error {
	data, err := json.Marshal(&msg)
	if err != nil {
		return err
	}
	if err = os.MkdirAll(dir, 0755); err != nil {
		return err
	}
	return os.WriteFile(q.messagePath(dir, msg), data, 0644)
}

func (q *FileQueue) deleteMessage(dir string, msg message) error {
	err := os.Remove(q.messagePath(dir, msg))
	if os.IsNotExist(err) {
		return nil
	}
	return err
}
