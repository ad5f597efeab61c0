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
	"sort"

	"github.com/google/uuid"

	"github.com/kbase/dms/artifacts"
	"github.com/kbase/dms/config"
	"github.com/kbase/dms/memory"
	"github.com/kbase/dms/pipelines"
)

// the embedding of one partition under one generator
type generatorEmbedding struct {
	Generator string           `json:"generator"`
	Vector    memory.Embedding `json:"vector"`
}

// the serialized form of an embedding artifact
type embeddingArtifact struct {
	SourceFile      string               `json:"source_file"`
	PartitionNumber int                  `json:"partition_number"`
	Generators      []generatorEmbedding `json:"generators"`
}

// embedHandler computes an embedding of every text partition under every
// configured generator and stores the vectors as embedding artifacts. When
// embedding generation is disabled the handler succeeds without doing
// anything, and downstream records carry no vectors.
type embedHandler struct {
	store      artifacts.Store
	generators []memory.EmbeddingGenerator
}

func NewEmbedHandler(store artifacts.Store, generators []memory.EmbeddingGenerator) StepHandler {
	return &embedHandler{store: store, generators: generators}
}

func (h *embedHandler) StepName() string {
	return pipelines.StepEmbed
}

func (h *embedHandler) Invoke(ctx context.Context,
	pipeline *pipelines.DataPipeline) (*pipelines.DataPipeline, StepOutcome) {

	if !config.Memory.EmbeddingGenerationEnabled {
		return pipeline, OutcomeSuccess
	}

	volume := artifacts.VolumeName(pipeline.Index, pipeline.DocumentId)
	for i := range pipeline.Files {
		file := &pipeline.Files[i]
		if file.AlreadyProcessedBy(h.StepName()) {
			continue
		}

		for _, partition := range partitionFiles(file) {
			text, err := h.store.ReadText(ctx, volume, partition.Name)
			if err != nil {
				slog.Error("Couldn't read a partition for embedding",
					"volume", volume, "file", partition.Name, "error", err)
				return pipeline, OutcomeTransientError
			}

			artifact := embeddingArtifact{
				SourceFile:      file.Name,
				PartitionNumber: partition.PartitionNumber,
			}
			for _, generator := range h.generators {
				vector, err := generator.GenerateEmbedding(ctx, text)
				if err != nil {
					slog.Error("An embedding generator failed",
						"generator", generator.Name(), "volume", volume,
						"file", partition.Name, "error", err)
					return pipeline, OutcomeTransientError
				}
				artifact.Generators = append(artifact.Generators, generatorEmbedding{
					Generator: generator.Name(),
					Vector:    vector,
				})
			}

			data, err := json.Marshal(&artifact)
			if err != nil {
				return pipeline, OutcomeTransientError
			}
			name := pipelines.GeneratedFileName(file.Name, h.StepName(),
				partition.PartitionNumber)
			if err = h.store.WriteBytes(ctx, volume, name, data); err != nil {
				slog.Error("Couldn't store an embedding artifact",
					"volume", volume, "file", name, "error", err)
				return pipeline, OutcomeTransientError
			}
			file.AddGeneratedFile(pipelines.GeneratedFileDetails{
				FileHeader: pipelines.FileHeader{
					Id:           uuid.NewString(),
					Name:         name,
					Size:         int64(len(data)),
					MimeType:     "application/json",
					ArtifactType: pipelines.ArtifactEmbedding,
				},
				SourcePartitionId: partition.Id,
				PartitionNumber:   partition.PartitionNumber,
			})
		}
		file.MarkProcessedBy(h.StepName())
	}
	return pipeline, OutcomeSuccess
}

// returns the partition artifacts of the given file, ordered by partition
// number
func partitionFiles(file *pipelines.FileDetails) []pipelines.GeneratedFileDetails {
	partitions := make([]pipelines.GeneratedFileDetails, 0, file.PartitionCount)
	for name := range file.GeneratedFiles {
		details := file.GeneratedFiles[name]
		if details.ArtifactType == pipelines.ArtifactTextPartition {
			partitions = append(partitions, details)
		}
	}
	sort.Slice(partitions, func(i, j int) bool {
		return partitions[i].PartitionNumber < partitions[j].PartitionNumber
	})
	return partitions
}
