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
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"hash/fnv"
	"io"
	"math"
	"net/http"
	"strings"
	"time"
	"unicode"
)

//---------------------------
// Local embedding generator
//---------------------------

// the vector length used when the configuration doesn't specify one
const defaultEmbeddingDimensions = 128

// A deterministic bag-of-words embedder: each token is hashed into a fixed
// number of buckets and the resulting histogram is L2-normalized. It has no
// external dependencies, which makes it suitable for tests and air-gapped
// deployments; cosine similarity over its vectors reduces to token overlap.
type localEmbeddingGenerator struct {
	dimensions int
}

func NewLocalEmbeddingGenerator(dimensions int) EmbeddingGenerator {
	if dimensions <= 0 {
		dimensions = defaultEmbeddingDimensions
	}
	return &localEmbeddingGenerator{dimensions: dimensions}
}

func (g *localEmbeddingGenerator) Name() string {
	return "local"
}

func (g *localEmbeddingGenerator) GenerateEmbedding(ctx context.Context, text string) (Embedding, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	vector := make(Embedding, g.dimensions)
	for _, token := range tokenize(text) {
		hasher := fnv.New32a()
		hasher.Write([]byte(token))
		vector[int(hasher.Sum32())%g.dimensions]++
	}
	var norm float64
	for _, v := range vector {
		norm += float64(v) * float64(v)
	}
	if norm > 0 {
		norm = math.Sqrt(norm)
		for i := range vector {
			vector[i] = float32(float64(vector[i]) / norm)
		}
	}
	return vector, nil
}

// splits text into lowercase alphanumeric tokens
func tokenize(text string) []string {
	return strings.FieldsFunc(strings.ToLower(text), func(c rune) bool {
		return !unicode.IsLetter(c) && !unicode.IsNumber(c)
	})
}

//----------------------------
// OpenAI embedding generator
//----------------------------

// An embedding generator backed by an OpenAI-compatible REST endpoint.
type openAIEmbeddingGenerator struct {
	endpoint string
	apiKey   string
	model    string
	client   http.Client
}

func NewOpenAIEmbeddingGenerator(endpoint, apiKey, model string) EmbeddingGenerator {
	return &openAIEmbeddingGenerator{
		endpoint: strings.TrimSuffix(endpoint, "/"),
		apiKey:   apiKey,
		model:    model,
		client:   http.Client{Timeout: 60 * time.Second},
	}
}

func (g *openAIEmbeddingGenerator) Name() string {
	return fmt.Sprintf("openai/%s", g.model)
}

func (g *openAIEmbeddingGenerator) GenerateEmbedding(ctx context.Context, text string) (Embedding, error) {
	payload := struct {
		Input string `json:"input"`
		Model string `json:"model"`
	}{Input: text, Model: g.model}
	body, err := json.Marshal(&payload)
	if err != nil {
		return nil, err
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost,
		g.endpoint+"/v1/embeddings", bytes.NewReader(body))
	if err != nil {
		return nil, err
	}
	req.Header.Set("Content-Type", "application/json")
	if g.apiKey != "" {
		req.Header.Add("Authorization", fmt.Sprintf("Bearer %s", g.apiKey))
	}

	resp, err := g.client.Do(req)
	if err != nil {
		return nil, err
	}
	defer resp.Body.Close()
	respBody, err := io.ReadAll(resp.Body)
	if err != nil {
		return nil, err
	}
	if resp.StatusCode != http.StatusOK {
		return nil, &RemoteGenerationError{
			Generator: g.Name(),
			Status:    resp.StatusCode,
			Message:   string(respBody),
		}
	}

	var parsed struct {
		Data []struct {
			Embedding []float32 `json:"embedding"`
		} `json:"data"`
	}
	if err = json.Unmarshal(respBody, &parsed); err != nil {
		return nil, err
	}
	if len(parsed.Data) == 0 {
		return nil, &RemoteGenerationError{
			Generator: g.Name(),
			Status:    resp.StatusCode,
			Message:   "the response contains no embeddings",
		}
	}
	return Embedding(parsed.Data[0].Embedding), nil
}
