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
	"fmt"
	"log/slog"
	"strings"
	"unicode/utf8"

	"github.com/google/uuid"

	"github.com/kbase/dms/artifacts"
	"github.com/kbase/dms/pipelines"
)

// the MIME type stamped onto text artifacts the handlers produce
const textPlainMimeType = "text/plain; charset=utf-8"

// extractHandler pulls plain text out of every uploaded file and stores it
// as an extracted-text artifact alongside the original.
type extractHandler struct {
	store artifacts.Store
}

func NewExtractHandler(store artifacts.Store) StepHandler {
	return &extractHandler{store: store}
}

func (h *extractHandler) StepName() string {
	return pipelines.StepExtract
}

func (h *extractHandler) Invoke(ctx context.Context,
	pipeline *pipelines.DataPipeline) (*pipelines.DataPipeline, StepOutcome) {

	volume := artifacts.VolumeName(pipeline.Index, pipeline.DocumentId)
	for i := range pipeline.Files {
		file := &pipeline.Files[i]
		if file.AlreadyProcessedBy(h.StepName()) {
			continue
		}

		data, err := h.store.ReadBytes(ctx, volume, file.Name)
		if err != nil {
			slog.Error("Couldn't read an uploaded file for text extraction",
				"volume", volume, "file", file.Name, "error", err)
			return pipeline, OutcomeTransientError
		}

		text, ok := extractText(file.MimeType, data)
		if !ok {
			// there is no extractor for this content, and a retry can't
			// change that
			message := fmt.Sprintf("no text can be extracted from %q (%s)",
				file.Name, file.MimeType)
			slog.Error("Text extraction failed",
				"volume", volume, "file", file.Name, "mime_type", file.MimeType)
			pipeline.AddLogEntry(h.StepName(), message)
			return pipeline, OutcomeFatalError
		}

		extractedName := pipelines.GeneratedFileName(file.Name, h.StepName(), 0)
		if err = h.store.WriteText(ctx, volume, extractedName, text); err != nil {
			slog.Error("Couldn't store extracted text",
				"volume", volume, "file", extractedName, "error", err)
			return pipeline, OutcomeTransientError
		}

		file.AddGeneratedFile(pipelines.GeneratedFileDetails{
			FileHeader: pipelines.FileHeader{
				Id:           uuid.NewString(),
				Name:         extractedName,
				Size:         int64(len(text)),
				MimeType:     textPlainMimeType,
				ArtifactType: pipelines.ArtifactExtractedText,
			},
		})
		file.MarkProcessedBy(h.StepName())
	}
	return pipeline, OutcomeSuccess
}

// extracts the plain text of the given content, reporting false when the
// content is not text-bearing
func extractText(mimeType string, data []byte) (string, bool) {
	if !utf8.Valid(data) || !isTextMimeType(mimeType) {
		return "", false
	}
	return string(data), true
}

// MIME types this build extracts text from
func isTextMimeType(mimeType string) bool {
	mimeType = strings.ToLower(strings.TrimSpace(mimeType))
	if base, _, found := strings.Cut(mimeType, ";"); found {
		mimeType = strings.TrimSpace(base)
	}
	switch {
	case mimeType == "":
		return true
	case strings.HasPrefix(mimeType, "text/"):
		return true
	case mimeType == "application/json",
		mimeType == "application/xml",
		mimeType == "application/x-yaml",
		mimeType == "application/octet-stream":
		return true
	}
	return false
}
