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

// This package defines the memory layer: embedding generators that turn
// text into vectors, memory databases that store partition records, and the
// search client that answers queries over them.
package memory

import (
	"context"
	"fmt"
	"math"
	"path/filepath"
	"time"

	"github.com/kbase/dms/config"
	"github.com/kbase/dms/pipelines"
)

// an embedding vector
type Embedding []float32

// EmbeddingGenerator turns a piece of text into an embedding vector.
type EmbeddingGenerator interface {
	// a name identifying the generator (used in logs and record metadata)
	Name() string
	// computes the embedding of the given text
	GenerateEmbedding(ctx context.Context, text string) (Embedding, error)
}

// one stored partition of a document, with its vector
type MemoryRecord struct {
	// unique identifier within the index
	Id string `json:"id"`
	// the index and document the record belongs to
	Index      string `json:"index"`
	DocumentId string `json:"document_id"`
	// ID of the pipeline file the record was cut from
	FileId string `json:"file_id"`
	// partition ordinal within the source file
	PartitionNumber int `json:"partition_number"`
	// the partition text
	Text string `json:"text"`
	// the embedding of Text (may be empty when embedding is disabled)
	Vector Embedding `json:"vector,omitempty"`
	// tags copied from the document plus internal bookkeeping tags
	Tags pipelines.TagCollection `json:"tags,omitempty"`
	// time of the last write
	LastUpdate time.Time `json:"last_update"`
}

// returns the record ID for the given partition of the given file
func RecordId(documentId, fileId string, partition int) string {
	return fmt.Sprintf("%s/%s/%d", documentId, fileId, partition)
}

// MemoryDb stores memory records per index and retrieves them for search.
type MemoryDb interface {
	// a name identifying the database (used in logs)
	Name() string
	// inserts or replaces a record in the given index
	Upsert(ctx context.Context, index string, record MemoryRecord) error
	// removes one record; removing a missing record is not an error
	Delete(ctx context.Context, index, recordId string) error
	// removes every record belonging to the given document
	DeleteByDocument(ctx context.Context, index, documentId string) error
	// removes the index and everything in it
	DeleteIndex(ctx context.Context, index string) error
	// returns all records in the given index; an unknown index yields an
	// empty list, never an error
	List(ctx context.Context, index string) ([]MemoryRecord, error)
}

// TextGenerator produces a grounded answer from a prompt assembled by the
// search client.
type TextGenerator interface {
	Name() string
	GenerateText(ctx context.Context, prompt string) (string, error)
}

// creates the configured embedding generators, in configuration order; with
// no configuration you get a single local generator
func NewEmbeddingGenerators() ([]EmbeddingGenerator, error) {
	if len(config.Memory.EmbeddingGenerators) == 0 {
		return []EmbeddingGenerator{NewLocalEmbeddingGenerator(0)}, nil
	}
	generators := make([]EmbeddingGenerator, 0, len(config.Memory.EmbeddingGenerators))
	for _, genConfig := range config.Memory.EmbeddingGenerators {
		switch genConfig.Type {
		case config.EmbeddingGeneratorTypeLocal:
			generators = append(generators, NewLocalEmbeddingGenerator(genConfig.Dimensions))
		case config.EmbeddingGeneratorTypeOpenAI, config.EmbeddingGeneratorTypeAzureOpenAI:
			generators = append(generators,
				NewOpenAIEmbeddingGenerator(genConfig.Endpoint, genConfig.ApiKey, genConfig.Model))
		default:
			return nil, &UnsupportedComponentError{Kind: "embedding generator", Type: genConfig.Type}
		}
	}
	return generators, nil
}

// creates the configured memory databases, in configuration order; with no
// configuration you get a single file-backed database
func NewMemoryDbs() ([]MemoryDb, error) {
	if len(config.Memory.VectorDbs) == 0 {
		db, err := NewFileMemoryDb(defaultMemoryDirectory())
		if err != nil {
			return nil, err
		}
		return []MemoryDb{db}, nil
	}
	dbs := make([]MemoryDb, 0, len(config.Memory.VectorDbs))
	for _, dbConfig := range config.Memory.VectorDbs {
		switch dbConfig.Type {
		case config.VectorDbTypeFileSystem:
			directory := dbConfig.Directory
			if directory == "" {
				directory = defaultMemoryDirectory()
			}
			db, err := NewFileMemoryDb(directory)
			if err != nil {
				return nil, err
			}
			dbs = append(dbs, db)
		case config.VectorDbTypeRedis:
			dbs = append(dbs, NewRedisMemoryDb(dbConfig.Address))
		default:
			return nil, &UnsupportedComponentError{Kind: "vector database", Type: dbConfig.Type}
		}
	}
	return dbs, nil
}

// creates the configured text generator; with no configuration you get the
// local extractive generator
func NewTextGenerator() (TextGenerator, error) {
	genConfig := config.Memory.TextGenerator
	switch genConfig.Type {
	case "", config.TextGeneratorTypeLocal:
		return NewLocalTextGenerator(), nil
	case config.TextGeneratorTypeOpenAI, config.TextGeneratorTypeAzureOpenAI:
		return NewOpenAITextGenerator(genConfig.Endpoint, genConfig.ApiKey, genConfig.Model), nil
	default:
		return nil, &UnsupportedComponentError{Kind: "text generator", Type: genConfig.Type}
	}
}

func defaultMemoryDirectory() string {
	return filepath.Join(config.Service.DataDirectory, "memory")
}

// computes the cosine similarity of two vectors, in [-1, 1]; mismatched or
// empty vectors score 0
func CosineSimilarity(a, b Embedding) float64 {
	if len(a) != len(b) || len(a) == 0 {
		return 0
	}
	var dot, normA, normB float64
	for i := range a {
		dot += float64(a[i]) * float64(b[i])
		normA += float64(a[i]) * float64(a[i])
		normB += float64(b[i]) * float64(b[i])
	}
	if normA == 0 || normB == 0 {
		return 0
	}
	return dot / (math.Sqrt(normA) * math.Sqrt(normB))
}
