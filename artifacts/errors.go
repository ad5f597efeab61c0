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

package artifacts

import (
	"fmt"
)

// indicates that a requested artifact does not exist (distinct from an I/O
// failure reading one that does)
type FileNotFoundError struct {
	Volume string
	Name   string
}

func (e FileNotFoundError) Error() string {
	return fmt.Sprintf("The artifact %s was not found in volume %s.", e.Name, e.Volume)
}

// indicates that a volume or file name could escape the storage root
type InvalidNameError struct {
	Name string
}

func (e InvalidNameError) Error() string {
	return fmt.Sprintf("Invalid artifact name: %q.", e.Name)
}

// indicates that the configured content-storage type has no implementation
// in this build
type UnsupportedStorageTypeError struct {
	Type string
}

func (e UnsupportedStorageTypeError) Error() string {
	return fmt.Sprintf("The content storage type %q is not supported by this build.", e.Type)
}
