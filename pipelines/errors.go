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

package pipelines

import (
	"fmt"
)

// indicates that a pipeline violates one of its structural invariants
type ValidationError struct {
	Message string
}

func (e ValidationError) Error() string {
	return fmt.Sprintf("Invalid pipeline: %s.", e.Message)
}

// indicates that a client supplied an unusable document ID
type InvalidDocumentIdError struct {
	Id string
}

func (e InvalidDocumentIdError) Error() string {
	return fmt.Sprintf("Invalid document ID: %q.", e.Id)
}

// indicates that a client supplied an unusable index name
type InvalidIndexNameError struct {
	Name string
}

func (e InvalidIndexNameError) Error() string {
	return fmt.Sprintf("Invalid index name: %q.", e.Name)
}

// indicates that a client tried to set a reserved tag
type ReservedTagError struct {
	Name string
}

func (e ReservedTagError) Error() string {
	return fmt.Sprintf("The tag %q is reserved for internal use.", e.Name)
}

// indicates that a persisted pipeline record could not be parsed; the
// document's artifacts are left in place so an operator can recover them
type InvalidPipelineDataError struct {
	Index      string
	DocumentId string
	Message    string
}

func (e InvalidPipelineDataError) Error() string {
	return fmt.Sprintf("The pipeline record for document %s/%s is corrupt: %s",
		e.Index, e.DocumentId, e.Message)
}
