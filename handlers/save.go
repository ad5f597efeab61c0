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
	"encoding/json"
	"log/slog"
	"strconv"

	"github.com/kbase/dms/artifacts"
	"github.com/kbase/dms/memory"
	"github.com/kbase/dms/pipelines"
)

// saveHandler turns every text partition into a memory record and upserts
// it into all configured memory databases. Record IDs are derived from the
// document, file, and partition, so re-running the step overwrites rather
// than duplicates.
type saveHandler struct {
	store artifacts.Store
	dbs   []memory.MemoryDb
}

func NewSaveHandler(store artifacts.Store, dbs []memory.MemoryDb) StepHandler {
	return &saveHandler{store: store, dbs: dbs}
}

func (h *saveHandler) StepName() string {
	return pipelines.StepSave
}

func (h *saveHandler) Invoke(ctx context.Context,
	pipeline *pipelines.DataPipeline) (*pipelines.DataPipeline, StepOutcome) {

	volume := artifacts.VolumeName(pipeline.Index, pipeline.DocumentId)
	for i := range pipeline.Files {
		file := &pipeline.Files[i]
		if file.AlreadyProcessedBy(h.StepName()) {
			continue
		}

		for _, partition := range partitionFiles(file) {
			text, err := h.store.ReadText(ctx, volume, partition.Name)
			if err != nil {
				slog.Error("Couldn't read a partition for saving",
					"volume", volume, "file", partition.Name, "error", err)
				return pipeline, OutcomeTransientError
			}

			vector, outcome := h.readVector(ctx, volume, file, partition.PartitionNumber)
			if outcome != OutcomeSuccess {
				return pipeline, outcome
			}

			record := memory.MemoryRecord{
				Id:              memory.RecordId(pipeline.DocumentId, file.Id, partition.PartitionNumber),
				Index:           pipeline.Index,
				DocumentId:      pipeline.DocumentId,
				FileId:          file.Id,
				PartitionNumber: partition.PartitionNumber,
				Text:            text,
				Vector:          vector,
				Tags:            recordTags(pipeline, file, partition.PartitionNumber),
			}
			for _, db := range h.dbs {
				if err = db.Upsert(ctx, pipeline.Index, record); err != nil {
					slog.Error("Couldn't upsert a memory record",
						"db", db.Name(), "index", pipeline.Index,
						"record", record.Id, "error", err)
					return pipeline, OutcomeTransientError
				}
			}
		}
		file.MarkProcessedBy(h.StepName())
	}
	return pipeline, OutcomeSuccess
}

// reads the first generator's vector for the given partition; a missing
// embedding artifact (embedding disabled) yields a nil vector
func (h *saveHandler) readVector(ctx context.Context, volume string,
	file *pipelines.FileDetails, partitionNumber int) (memory.Embedding, StepOutcome) {

	var embeddingFile *pipelines.GeneratedFileDetails
	for name := range file.GeneratedFiles {
		details := file.GeneratedFiles[name]
		if details.ArtifactType == pipelines.ArtifactEmbedding &&
			details.PartitionNumber == partitionNumber {
			embeddingFile = &details
			break
		}
	}
	if embeddingFile == nil {
		return nil, OutcomeSuccess
	}

	data, err := h.store.ReadBytes(ctx, volume, embeddingFile.Name)
	if err != nil {
		slog.Error("Couldn't read an embedding artifact",
			"volume", volume, "file", embeddingFile.Name, "error", err)
		return nil, OutcomeTransientError
	}
	var artifact embeddingArtifact
	if err = json.Unmarshal(data, &artifact); err != nil {
		slog.Error("Couldn't parse an embedding artifact",
			"volume", volume, "file", embeddingFile.Name, "error", err)
		return nil, OutcomeFatalError
	}
	if len(artifact.Generators) == 0 {
		return nil, OutcomeSuccess
	}
	return artifact.Generators[0].Vector, OutcomeSuccess
}

// assembles the tags stored on a memory record: the document's tags, the
// file's tags, and the internal bookkeeping tags
func recordTags(pipeline *pipelines.DataPipeline,
	file *pipelines.FileDetails, partitionNumber int) pipelines.TagCollection {

	tags := pipeline.Tags.Clone()
	for name, values := range file.Tags {
		for _, value := range values {
			tags.Add(name, value)
		}
	}
	tags[pipelines.TagPipelineId] = []string{pipeline.ExecutionId}
	tags[pipelines.TagFileId] = []string{file.Id}
	tags[pipelines.TagFilePart] = []string{strconv.Itoa(partitionNumber)}
	tags[pipelines.TagFileType] = []string{file.MimeType}
	return tags
}
