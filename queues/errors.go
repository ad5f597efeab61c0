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
	"fmt"
)

// indicates that a queue operation was attempted before Connect()
type NotConnectedError struct{}

func (e NotConnectedError) Error() string {
	return "The queue is not connected to a name."
}

// indicates an attempt to bind a second name to a bound instance
type AlreadyConnectedError struct {
	Bound     string
	Requested string
}

func (e AlreadyConnectedError) Error() string {
	return fmt.Sprintf("The queue is bound to %q and cannot bind %q.",
		e.Bound, e.Requested)
}

// indicates an unusable queue name
type InvalidQueueNameError struct {
	Name string
}

func (e InvalidQueueNameError) Error() string {
	return fmt.Sprintf("Invalid queue name: %q.", e.Name)
}

// indicates that OnDequeue() was called on a publish-only handle
type PublishOnlyError struct {
	Name string
}

func (e PublishOnlyError) Error() string {
	return fmt.Sprintf("The queue %q is publish-only and cannot dispatch messages.", e.Name)
}

// indicates that OnDequeue() was called twice on the same instance
type HandlerAlreadySetError struct {
	Name string
}

func (e HandlerAlreadySetError) Error() string {
	return fmt.Sprintf("The queue %q already has a dequeue handler.", e.Name)
}

// indicates that the configured queue type has no implementation in this build
type UnsupportedQueueTypeError struct {
	Type string
}

func (e UnsupportedQueueTypeError) Error() string {
	return fmt.Sprintf("The queue type %q is not supported by this build.", e.Type)
}
