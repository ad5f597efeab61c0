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
	"errors"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"

	"github.com/kbase/dms/config"
	"github.com/kbase/dms/dmstest"
)

// connects a file-backed queue over a fresh storage root
func setupQueue(t *testing.T, name string, options Options) Queue {
	dmstest.InitTestConfig(t.TempDir())
	queue, err := Connect(name, options)
	assert.Nil(t, err, "Connecting a queue should work")
	t.Cleanup(func() {
		queue.Dispose()
	})
	return queue
}

// polls until the condition holds or the deadline passes
func waitFor(t *testing.T, condition func() bool, what string) {
	deadline := time.Now().Add(10 * time.Second)
	for time.Now().Before(deadline) {
		if condition() {
			return
		}
		time.Sleep(10 * time.Millisecond)
	}
	t.Fatalf("Timed out waiting for %s", what)
}

// the message files currently stored for the given queue name
func messageFiles(t *testing.T, name string) []string {
	entries, err := os.ReadDir(filepath.Join(Directory(), name))
	if err != nil {
		return nil
	}
	var files []string
	for _, entry := range entries {
		if strings.HasSuffix(entry.Name(), messageFileSuffix) {
			files = append(files, entry.Name())
		}
	}
	return files
}

// a handler that records delivered bodies and reports scripted outcomes
type recordingHandler struct {
	mutex sync.Mutex
	// bodies in delivery order
	bodies []string
	// transient failures to report before succeeding
	failures int
	// when true every delivery fails fatally
	fatal bool
}

func (h *recordingHandler) handle(ctx context.Context, content []byte) DequeueOutcome {
	h.mutex.Lock()
	defer h.mutex.Unlock()
	h.bodies = append(h.bodies, string(content))
	if h.fatal {
		return OutcomeFatalError
	}
	if h.failures > 0 {
		h.failures--
		return OutcomeTransientError
	}
	return OutcomeSuccess
}

func (h *recordingHandler) delivered() []string {
	h.mutex.Lock()
	defer h.mutex.Unlock()
	return append([]string{}, h.bodies...)
}

// tests whether enqueued messages are delivered in FIFO order
func TestEnqueueAndDequeue(t *testing.T) {
	queue := setupQueue(t, "ingest", Options{DequeueEnabled: true})
	handler := &recordingHandler{}
	err := queue.OnDequeue(handler.handle)
	assert.Nil(t, err, "Registering a handler should work")

	ctx := context.Background()
	for _, body := range []string{"first", "second", "third"} {
		err = queue.Enqueue(ctx, []byte(`"`+body+`"`))
		assert.Nil(t, err, "Enqueueing a message should work")
	}

	waitFor(t, func() bool { return len(handler.delivered()) == 3 },
		"all messages to be delivered")
	assert.Equal(t, []string{`"first"`, `"second"`, `"third"`}, handler.delivered(),
		"Messages should be delivered oldest first")
	waitFor(t, func() bool { return len(messageFiles(t, "ingest")) == 0 },
		"delivered messages to be deleted")
}

// tests whether a publish-only handle refuses a dequeue handler
func TestPublishOnlyRejectsHandler(t *testing.T) {
	queue := setupQueue(t, "publish-only", Options{DequeueEnabled: false})
	err := queue.OnDequeue(func(ctx context.Context, content []byte) DequeueOutcome {
		return OutcomeSuccess
	})
	var publishOnly *PublishOnlyError
	assert.True(t, errors.As(err, &publishOnly),
		"A publish-only handle should refuse a handler")

	// publishing still works
	err = queue.Enqueue(context.Background(), []byte(`{}`))
	assert.Nil(t, err, "A publish-only handle should still enqueue")
	assert.Equal(t, 1, len(messageFiles(t, "publish-only")),
		"The enqueued message should be stored")
}

// tests whether connecting validates and binds queue names
func TestConnectValidation(t *testing.T) {
	dmstest.InitTestConfig(t.TempDir())

	_, err := Connect("", Options{})
	var invalidName *InvalidQueueNameError
	assert.True(t, errors.As(err, &invalidName),
		"An empty queue name should be rejected")

	queue := NewFileQueue(Directory())
	assert.Nil(t, queue.Connect("alpha", Options{}),
		"Connecting a fresh instance should work")
	assert.Nil(t, queue.Connect("alpha", Options{}),
		"Reconnecting under the same name should be idempotent")
	err = queue.Connect("beta", Options{})
	var alreadyConnected *AlreadyConnectedError
	assert.True(t, errors.As(err, &alreadyConnected),
		"Binding a second name on one instance should fail")
}

// tests whether enqueueing on an unbound instance fails
func TestEnqueueBeforeConnect(t *testing.T) {
	dmstest.InitTestConfig(t.TempDir())
	queue := NewFileQueue(Directory())
	err := queue.Enqueue(context.Background(), []byte(`{}`))
	var notConnected *NotConnectedError
	assert.True(t, errors.As(err, &notConnected),
		"Enqueueing before connecting should fail")
}

// tests whether a transient failure is redelivered and then settled
func TestTransientRetryThenSuccess(t *testing.T) {
	queue := setupQueue(t, "retry", Options{DequeueEnabled: true})
	handler := &recordingHandler{failures: 1}
	assert.Nil(t, queue.OnDequeue(handler.handle), "Registering a handler should work")

	err := queue.Enqueue(context.Background(), []byte(`"flaky"`))
	assert.Nil(t, err, "Enqueueing a message should work")

	// the second delivery happens after roughly a second of backoff
	waitFor(t, func() bool { return len(handler.delivered()) == 2 },
		"the message to be redelivered")
	waitFor(t, func() bool { return len(messageFiles(t, "retry")) == 0 },
		"the settled message to be deleted")
}

// tests whether exhausting the retry budget moves a message to the poison queue
func TestExhaustionPoisons(t *testing.T) {
	queue := setupQueue(t, "doomed", Options{DequeueEnabled: true})
	handler := &recordingHandler{failures: 100}
	assert.Nil(t, queue.OnDequeue(handler.handle), "Registering a handler should work")

	err := queue.Enqueue(context.Background(), []byte(`"hopeless"`))
	assert.Nil(t, err, "Enqueueing a message should work")

	poisonName := "doomed" + config.Queues.PoisonSuffix
	waitFor(t, func() bool { return len(messageFiles(t, poisonName)) == 1 },
		"the message to be poisoned")
	assert.Equal(t, 0, len(messageFiles(t, "doomed")),
		"The poisoned message should leave the live queue")
	assert.Equal(t, config.Queues.MaxRetriesBeforePoison+1, len(handler.delivered()),
		"The message should be delivered once per attempt in its budget")
}

// tests whether a fatal failure poisons a message on its first delivery
func TestFatalPoisonsImmediately(t *testing.T) {
	queue := setupQueue(t, "fatal", Options{DequeueEnabled: true})
	handler := &recordingHandler{fatal: true}
	assert.Nil(t, queue.OnDequeue(handler.handle), "Registering a handler should work")

	err := queue.Enqueue(context.Background(), []byte(`"poisonous"`))
	assert.Nil(t, err, "Enqueueing a message should work")

	poisonName := "fatal" + config.Queues.PoisonSuffix
	waitFor(t, func() bool { return len(messageFiles(t, poisonName)) == 1 },
		"the message to be poisoned")
	assert.Equal(t, 1, len(handler.delivered()),
		"A fatal failure should not be retried")
}
