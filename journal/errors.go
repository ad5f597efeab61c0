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
)

// indicates that the journal is not open and cannot respond to the given request
type NotOpenError struct {
}

func (e NotOpenError) Error() string {
	return "The ingestion journal is not open for reading or writing."
}

// indicates that a new pipeline record could not be created
type NewRecordError struct {
	ExecutionId string
	Message     string
}

func (e NewRecordError) Error() string {
	return fmt.Sprintf("Could not create a new pipeline record for execution %s: %s",
		e.ExecutionId, e.Message)
}

// indicates that the journal database could not be opened
type CantOpenError struct {
	Message string
}

func (e CantOpenError) Error() string {
	return fmt.Sprintf("Could not open the ingestion journal: %s", e.Message)
}

// indicates that the journal database could not be closed
type CantCloseError struct {
	Message string
}

func (e CantCloseError) Error() string {
	return fmt.Sprintf("Could not close the ingestion journal: %s", e.Message)
}
