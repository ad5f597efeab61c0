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

// This package provides the artifact store: a volume-scoped blob store in
// which documents and everything derived from them are kept. A volume
// corresponds to one document (index + "/" + document ID).
package artifacts

import (
	"context"
	"io"
	"path/filepath"
	"strings"

	"github.com/kbase/dms/config"
)

// metadata returned alongside a streamed artifact
type Metadata struct {
	// size of the artifact in bytes
	Size int64
	// MIME type of the artifact content
	MimeType string
}

// Store is the blob-storage surface used by pipelines and handlers. Writes
// replace any existing content; a reader observes either the complete prior
// value or the complete new one, never a partial write. Atomicity holds per
// file only--nothing is guaranteed across files.
type Store interface {
	// creates the given volume if it doesn't already exist (idempotent)
	CreateVolume(ctx context.Context, volume string) error
	// reads the named artifact in full
	ReadBytes(ctx context.Context, volume, name string) ([]byte, error)
	// reads the named artifact as text
	ReadText(ctx context.Context, volume, name string) (string, error)
	// opens the named artifact for streaming, reporting its metadata; the
	// caller closes the returned reader
	ReadStream(ctx context.Context, volume, name string) (io.ReadCloser, Metadata, error)
	// writes the named artifact, replacing any existing content
	WriteBytes(ctx context.Context, volume, name string, data []byte) error
	// writes the named artifact from text
	WriteText(ctx context.Context, volume, name, text string) error
	// writes the named artifact from a stream
	WriteStream(ctx context.Context, volume, name string, reader io.Reader) error
	// deletes the named artifact; deleting a missing artifact is not an error
	DeleteFile(ctx context.Context, volume, name string) error
	// lists the names of all artifacts in the volume
	ListFiles(ctx context.Context, volume string) ([]string, error)
	// deletes the volume and everything in it
	DeleteVolume(ctx context.Context, volume string) error
}

// returns the volume name for the given document
func VolumeName(index, documentId string) string {
	if documentId == "" {
		return index
	}
	return index + "/" + documentId
}

// creates an artifact store of the configured content-storage type
func NewStore() (Store, error) {
	switch config.Storage.Type {
	case "", config.ContentStorageTypeFileSystem:
		directory := config.Storage.Directory
		if directory == "" {
			directory = filepath.Join(config.Service.DataDirectory, "artifacts")
		}
		return NewFileStore(directory)
	default:
		// cloud blob backends plug in behind this same interface
		return nil, &UnsupportedStorageTypeError{Type: config.Storage.Type}
	}
}

// rejects volume/file names that could escape the storage root
func validateName(name string) error {
	if name == "" {
		return &InvalidNameError{Name: name}
	}
	for _, part := range strings.Split(name, "/") {
		if part == "" || part == "." || part == ".." {
			return &InvalidNameError{Name: name}
		}
	}
	return nil
}
