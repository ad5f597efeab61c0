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

package handlers

import (
	"context"
	"crypto/sha256"
	"encoding/hex"
	"log/slog"
	"strings"

	"github.com/google/uuid"

	"github.com/kbase/dms/artifacts"
	"github.com/kbase/dms/pipelines"
)

// the size above which extracted text is cut into multiple partitions
const maxPartitionChars = 1000

// partitionHandler cuts each file's extracted text into partitions small
// enough to embed, storing each partition as its own artifact.
type partitionHandler struct {
	store artifacts.Store
}

func NewPartitionHandler(store artifacts.Store) StepHandler {
	return &partitionHandler{store: store}
}

func (h *partitionHandler) StepName() string {
	return pipelines.StepPartition
}

func (h *partitionHandler) Invoke(ctx context.Context,
	pipeline *pipelines.DataPipeline) (*pipelines.DataPipeline, StepOutcome) {

	volume := artifacts.VolumeName(pipeline.Index, pipeline.DocumentId)
	for i := range pipeline.Files {
		file := &pipeline.Files[i]
		if file.AlreadyProcessedBy(h.StepName()) {
			continue
		}

		extracted := extractedTextFile(file)
		if extracted == nil {
			// nothing upstream produced text for this file
			pipeline.AddLogEntry(h.StepName(),
				"skipped "+file.Name+": no extracted text")
			file.MarkProcessedBy(h.StepName())
			continue
		}

		text, err := h.store.ReadText(ctx, volume, extracted.Name)
		if err != nil {
			slog.Error("Couldn't read extracted text for partitioning",
				"volume", volume, "file", extracted.Name, "error", err)
			return pipeline, OutcomeTransientError
		}

		partitions := SplitText(text, maxPartitionChars)
		for n, partition := range partitions {
			name := pipelines.PartitionFileName(file.Name, n)
			if err = h.store.WriteText(ctx, volume, name, partition); err != nil {
				slog.Error("Couldn't store a text partition",
					"volume", volume, "file", name, "error", err)
				return pipeline, OutcomeTransientError
			}
			hash := sha256.Sum256([]byte(partition))
			file.AddGeneratedFile(pipelines.GeneratedFileDetails{
				FileHeader: pipelines.FileHeader{
					Id:           uuid.NewString(),
					Name:         name,
					Size:         int64(len(partition)),
					MimeType:     textPlainMimeType,
					ArtifactType: pipelines.ArtifactTextPartition,
				},
				PartitionNumber: n,
				ContentSha256:   hex.EncodeToString(hash[:]),
			})
		}
		file.PartitionCount = len(partitions)
		file.MarkProcessedBy(h.StepName())
	}
	return pipeline, OutcomeSuccess
}

// returns the extracted-text artifact of the given file, or nil
func extractedTextFile(file *pipelines.FileDetails) *pipelines.GeneratedFileDetails {
	for name := range file.GeneratedFiles {
		details := file.GeneratedFiles[name]
		if details.ArtifactType == pipelines.ArtifactExtractedText {
			return &details
		}
	}
	return nil
}

// SplitText cuts text into pieces of at most maxChars characters, preferring
// paragraph breaks, then line breaks, then whitespace as cut points. Empty
// or whitespace-only text yields no pieces.
func SplitText(text string, maxChars int) []string {
	text = strings.TrimSpace(text)
	if text == "" {
		return nil
	}

	pieces := make([]string, 0)
	for _, paragraph := range strings.Split(text, "\n\n") {
		paragraph = strings.TrimSpace(paragraph)
		if paragraph == "" {
			continue
		}
		if len(paragraph) <= maxChars {
			pieces = append(pieces, paragraph)
			continue
		}
		pieces = append(pieces, splitOversized(paragraph, maxChars)...)
	}
	return pieces
}

func splitOversized(text string, maxChars int) []string {
	pieces := make([]string, 0)
	for len(text) > maxChars {
		cut := lastBreakBefore(text, maxChars)
		pieces = append(pieces, strings.TrimSpace(text[:cut]))
		text = strings.TrimSpace(text[cut:])
	}
	if text != "" {
		pieces = append(pieces, text)
	}
	return pieces
}

// finds the best cut point at or before limit, falling back to a hard cut
// on a rune boundary
func lastBreakBefore(text string, limit int) int {
	if cut := strings.LastIndexByte(text[:limit], '\n'); cut > 0 {
		return cut
	}
	if cut := strings.LastIndexAny(text[:limit], " \t"); cut > 0 {
		return cut
	}
	cut := limit
	for cut > 0 && !utf8RuneStart(text[cut]) {
		cut--
	}
	if cut == 0 {
		cut = limit
	}
	return cut
}

func utf8RuneStart(b byte) bool {
	return b&0xc0 != 0x80
}
