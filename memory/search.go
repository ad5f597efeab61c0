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

package memory

import (
	"context"
	"fmt"
	"sort"
	"strings"

	"github.com/kbase/dms/pipelines"
)

// a filter restricting search results to records carrying all of the given
// tag values
type SearchFilter struct {
	Tags pipelines.TagCollection `json:"tags,omitempty"`
}

// returns true if the record satisfies the filter
func (f SearchFilter) Matches(record MemoryRecord) bool {
	for name, values := range f.Tags {
		for _, value := range values {
			if !record.Tags.Contains(name, value) {
				return false
			}
		}
	}
	return true
}

// one search hit and its relevance to the query, in [0, 1]
type SearchResult struct {
	Record    MemoryRecord `json:"record"`
	Relevance float64      `json:"relevance"`
}

// the response to an Ask query
type Answer struct {
	Question string `json:"question"`
	Text     string `json:"text"`
	// true when no relevant memories were found
	NoResult bool `json:"no_result"`
	// the memories the answer is grounded on
	RelevantSources []SearchResult `json:"relevant_sources,omitempty"`
}

// the default cap on search results when a query doesn't specify one
const defaultSearchLimit = 10

// SearchClient answers queries against one memory database using one
// embedding generator, and synthesizes answers through a text generator.
// Ingestion may fan out to several databases and generators; retrieval
// always uses exactly one of each.
type SearchClient struct {
	db       MemoryDb
	embedder EmbeddingGenerator
	textGen  TextGenerator
}

func NewSearchClient(db MemoryDb, embedder EmbeddingGenerator, textGen TextGenerator) *SearchClient {
	return &SearchClient{db: db, embedder: embedder, textGen: textGen}
}

// Searches the given index for records relevant to the query. An index
// with no records yields an empty list, never an error.
func (c *SearchClient) Search(ctx context.Context, index, query string,
	filters []SearchFilter, limit int, minRelevance float64) ([]SearchResult, error) {

	if limit <= 0 {
		limit = defaultSearchLimit
	}
	queryVector, err := c.embedder.GenerateEmbedding(ctx, query)
	if err != nil {
		return nil, err
	}
	records, err := c.db.List(ctx, index)
	if err != nil {
		return nil, err
	}

	results := make([]SearchResult, 0)
	for _, record := range records {
		if !matchesAll(filters, record) {
			continue
		}
		relevance := CosineSimilarity(queryVector, record.Vector)
		if relevance < minRelevance || relevance <= 0 {
			continue
		}
		results = append(results, SearchResult{Record: record, Relevance: relevance})
	}
	sort.Slice(results, func(i, j int) bool {
		return results[i].Relevance > results[j].Relevance
	})
	if len(results) > limit {
		results = results[:limit]
	}
	return results, nil
}

// Answers a question about the given index, grounding the answer on the
// most relevant memories. With no relevant memories the answer reports
// NoResult rather than an error.
func (c *SearchClient) Ask(ctx context.Context, index, question string,
	filters []SearchFilter, minRelevance float64) (Answer, error) {

	results, err := c.Search(ctx, index, question, filters, defaultSearchLimit, minRelevance)
	if err != nil {
		return Answer{}, err
	}
	if len(results) == 0 {
		return Answer{
			Question: question,
			Text:     "INFO NOT FOUND",
			NoResult: true,
		}, nil
	}

	var prompt strings.Builder
	prompt.WriteString("Facts:\n")
	for _, result := range results {
		prompt.WriteString(fmt.Sprintf("- %s\n", strings.TrimSpace(result.Record.Text)))
	}
	prompt.WriteString(fmt.Sprintf(
		"\nAnswer the following question using only the facts above.\nQuestion: %s\nAnswer: ", question))

	text, err := c.textGen.GenerateText(ctx, prompt.String())
	if err != nil {
		return Answer{}, err
	}
	return Answer{
		Question:        question,
		Text:            text,
		RelevantSources: results,
	}, nil
}

func matchesAll(filters []SearchFilter, record MemoryRecord) bool {
	// filters combine as OR; an empty filter list matches everything
	if len(filters) == 0 {
		return true
	}
	for _, filter := range filters {
		if filter.Matches(record) {
			return true
		}
	}
	return false
}
