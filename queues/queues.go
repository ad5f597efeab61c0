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

// This package provides the queue subsystem: an at-least-once message
// transport with per-message visibility locks, retry backoff, and poison
// queues. Handlers can see the same message more than once (a crash between
// handler success and message deletion redelivers it), so they must be
// idempotent.
package queues

import (
	"context"
	"path/filepath"
	"sync"

	"github.com/kbase/dms/config"
)

// the outcome a dequeue handler reports for one message
type DequeueOutcome int

const (
	// the message was handled and should be deleted
	OutcomeSuccess DequeueOutcome = iota
	// handling failed but may succeed later; the message is rescheduled
	// with backoff, or poisoned once its retry budget is exhausted
	OutcomeTransientError
	// handling can never succeed; the message moves to the poison queue
	OutcomeFatalError
)

// a DequeueHandler processes the content of one message
type DequeueHandler func(ctx context.Context, content []byte) DequeueOutcome

// Queue is one named channel of messages. An instance binds to exactly one
// name for its lifetime.
type Queue interface {
	// the name this instance is bound to
	Name() string
	// appends a message holding the given body
	Enqueue(ctx context.Context, body []byte) error
	// registers the single handler invoked for each visible message and
	// starts dispatch; fails on a publish-only handle
	OnDequeue(handler DequeueHandler) error
	// stops polling and dispatch; in-flight handlers run to completion
	Dispose() error
}

// options governing how a queue handle behaves
type Options struct {
	// when false the handle is publish-only: no polling or dispatch
	// activity ever starts on it
	DequeueEnabled bool
}

// Connects a queue handle of the configured type to the given name.
func Connect(name string, options Options) (Queue, error) {
	switch config.Queues.Type {
	case "", config.QueueTypeFileBased:
		queue := NewFileQueue(Directory())
		if err := queue.Connect(name, options); err != nil {
			return nil, err
		}
		return queue, nil
	default:
		// broker-backed queues are external collaborators; they plug in
		// behind this same interface
		return nil, &UnsupportedQueueTypeError{Type: config.Queues.Type}
	}
}

// the storage root for file-based queues
func Directory() string {
	if config.Queues.Directory != "" {
		return config.Queues.Directory
	}
	return filepath.Join(config.Service.DataDirectory, "queues")
}

// One advisory lock per queue storage root, shared by every queue instance
// in the process. It serializes storage scans so cooperating workers
// pointed at the same directory tree don't double-fetch messages.
var storageLocks = struct {
	sync.Mutex
	byRoot map[string]*sync.Mutex
}{byRoot: make(map[string]*sync.Mutex)}

func storageLockFor(root string) *sync.Mutex {
	abs, err := filepath.Abs(root)
	if err != nil {
		abs = root
	}
	storageLocks.Lock()
	defer storageLocks.Unlock()
	lock, found := storageLocks.byRoot[abs]
	if !found {
		lock = new(sync.Mutex)
		storageLocks.byRoot[abs] = lock
	}
	return lock
}
