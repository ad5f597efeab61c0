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
	"slices"
	"strings"
)

// the prefix marking a tag as reserved for internal use
const ReservedTagPrefix = "__"

// the internal tags stamped onto memory records during ingestion
const (
	TagUser       = "__user"
	TagPipelineId = "__pipeline_id"
	TagFileId     = "__file_id"
	TagFilePart   = "__file_part"
	TagFileType   = "__file_type"
)

// tag names clients may never set themselves
var reservedTagNames = []string{
	TagUser,
	TagPipelineId,
	TagFileId,
	TagFilePart,
	TagFileType,
}

// A TagCollection maps tag names to ordered lists of string values. Tags
// whose names start with the reserved prefix are set internally only.
type TagCollection map[string][]string

// returns true if the given tag name is reserved for internal use
func IsReservedTagName(name string) bool {
	return strings.HasPrefix(name, ReservedTagPrefix)
}

// adds a value to the named tag, creating the tag if needed
func (t TagCollection) Add(name, value string) {
	t[name] = append(t[name], value)
}

// returns true if the named tag holds the given value
func (t TagCollection) Contains(name, value string) bool {
	return slices.Contains(t[name], value)
}

// returns a deep copy of the collection; a nil collection copies to an
// empty one so callers can always add tags to the result
func (t TagCollection) Clone() TagCollection {
	clone := make(TagCollection, len(t))
	for name, values := range t {
		clone[name] = append([]string{}, values...)
	}
	return clone
}

// two collections are equal when they hold the same names mapped to the
// same values in the same order
func (t TagCollection) Equals(other TagCollection) bool {
	if len(t) != len(other) {
		return false
	}
	for name, values := range t {
		otherValues, found := other[name]
		if !found || !slices.Equal(values, otherValues) {
			return false
		}
	}
	return true
}

// checks that no tag name is empty
func (t TagCollection) Validate() error {
	for name := range t {
		if name == "" {
			return &ValidationError{Message: "a tag has an empty name"}
		}
	}
	return nil
}

// checks that no tag name is reserved; used to vet client-supplied tags
func (t TagCollection) ValidateClientSupplied() error {
	if err := t.Validate(); err != nil {
		return err
	}
	for name := range t {
		if IsReservedTagName(name) {
			return &ReservedTagError{Name: name}
		}
	}
	return nil
}
