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
	"strings"
)

// the role an artifact plays within a document
type ArtifactType string

const (
	ArtifactDocument      ArtifactType = "document"       // an originally uploaded file
	ArtifactExtractedText ArtifactType = "extracted_text" // text pulled out of a document
	ArtifactTextPartition ArtifactType = "text_partition" // one partition of extracted text
	ArtifactEmbedding     ArtifactType = "embedding"      // serialized embedding vectors
)

// FileHeader holds the fields shared by original and generated files.
type FileHeader struct {
	// unique identifier for the file within its pipeline
	Id string `json:"id"`
	// file name within the document's artifact volume
	Name string `json:"name"`
	// size of the file content in bytes
	Size int64 `json:"size"`
	// MIME type of the file content
	MimeType string `json:"mime_type"`
	// the role this file plays in the document
	ArtifactType ArtifactType `json:"artifact_type"`
	// per-file tags
	Tags TagCollection `json:"tags,omitempty"`
	// names of the steps that have finished processing this file
	ProcessedBy []string `json:"processed_by,omitempty"`
}

// returns true if a step with the given name has finished processing this
// file; step names are matched case-insensitively
func (h *FileHeader) AlreadyProcessedBy(step string) bool {
	for _, name := range h.ProcessedBy {
		if strings.EqualFold(name, step) {
			return true
		}
	}
	return false
}

// records that the named step has finished processing this file; marking a
// second time is a no-op
func (h *FileHeader) MarkProcessedBy(step string) {
	if !h.AlreadyProcessedBy(step) {
		h.ProcessedBy = append(h.ProcessedBy, step)
	}
}

// FileDetails describes an originally uploaded file and links to everything
// the steps derived from it.
type FileDetails struct {
	FileHeader
	// the 1-based partition count produced by the partition step (0 until then)
	PartitionCount int `json:"partition_count,omitempty"`
	// files derived from this one, keyed by their name in the artifact volume
	GeneratedFiles map[string]GeneratedFileDetails `json:"generated_files,omitempty"`
}

// GeneratedFileDetails describes a file a step derived from an original one.
type GeneratedFileDetails struct {
	FileHeader
	// ID of the original file this one descends from
	ParentId string `json:"parent_id"`
	// ID of the partition file this one was computed from, when applicable
	SourcePartitionId string `json:"source_partition_id,omitempty"`
	// partition ordinal within the parent (meaningful for text partitions)
	PartitionNumber int `json:"partition_number"`
	// SHA-256 of the content, used for deduplication on re-runs
	ContentSha256 string `json:"content_sha256,omitempty"`
}

// records a derived file against this original; replaces any previous entry
// with the same name
func (f *FileDetails) AddGeneratedFile(details GeneratedFileDetails) {
	if f.GeneratedFiles == nil {
		f.GeneratedFiles = make(map[string]GeneratedFileDetails)
	}
	details.ParentId = f.Id
	f.GeneratedFiles[details.Name] = details
}

// the artifact-volume name of the Nth partition of the given original file
func PartitionFileName(originalName string, n int) string {
	return fmt.Sprintf("%s.partition.%d.txt", originalName, n)
}

// the artifact-volume name of a file generated by the given step
func GeneratedFileName(originalName, stepName string, n int) string {
	return fmt.Sprintf("%s.%s.%d.txt", originalName, stepName, n)
}
