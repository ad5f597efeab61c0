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
	"io"
	"net/http"
	"strings"
	"time"
)

//----------------------
// Local text generator
//----------------------

// An extractive text generator: it returns the facts section of the prompt
// verbatim. Useful for tests and deployments without a language model; the
// answer is grounded by construction.
type localTextGenerator struct{}

func NewLocalTextGenerator() TextGenerator {
	return &localTextGenerator{}
}

func (g *localTextGenerator) Name() string {
	return "local"
}

func (g *localTextGenerator) GenerateText(ctx context.Context, prompt string) (string, error) {
	if err := ctx.Err(); err != nil {
		return "", err
	}
	// pull the fact lines back out of the prompt
	var facts []string
	for _, line := range strings.Split(prompt, "\n") {
		if fact, found := strings.CutPrefix(line, "- "); found {
			facts = append(facts, fact)
		}
	}
	if len(facts) == 0 {
		return "INFO NOT FOUND", nil
	}
	return strings.Join(facts, " "), nil
}

//-----------------------
// OpenAI text generator
//-----------------------

// A text generator backed by an OpenAI-compatible chat completion endpoint.
type openAITextGenerator struct {
	endpoint string
	apiKey   string
	model    string
	client   http.Client
}

func NewOpenAITextGenerator(endpoint, apiKey, model string) TextGenerator {
	return &openAITextGenerator{
		endpoint: strings.TrimSuffix(endpoint, "/"),
		apiKey:   apiKey,
		model:    model,
		client:   http.Client{Timeout: 120 * time.Second},
	}
}

func (g *openAITextGenerator) Name() string {
	return fmt.Sprintf("openai/%s", g.model)
}

func (g *openAITextGenerator) GenerateText(ctx context.Context, prompt string) (string, error) {
	payload := struct {
		Model    string `json:"model"`
		Messages []struct {
			Role    string `json:"role"`
			Content string `json:"content"`
		} `json:"messages"`
	}{
		Model: g.model,
		Messages: []struct {
			Role    string `json:"role"`
			Content string `json:"content"`
		}{{Role: "user", Content: prompt}},
	}
	body, err := json.Marshal(&payload)
	if err != nil {
		return "", err
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost,
		g.endpoint+"/v1/chat/completions", bytes.NewReader(body))
	if err != nil {
		return "", err
	}
	req.Header.Set("Content-Type", "application/json")
	if g.apiKey != "" {
		req.Header.Add("Authorization", fmt.Sprintf("Bearer %s", g.apiKey))
	}

	resp, err := g.client.Do(req)
	if err != nil {
		return "", err
	}
	defer resp.Body.Close()
	respBody, err := io.ReadAll(resp.Body)
	if err != nil {
		return "", err
	}
	if resp.StatusCode != http.StatusOK {
		return "", &RemoteGenerationError{
			Generator: g.Name(),
			Status:    resp.StatusCode,
			Message:   string(respBody),
		}
	}

	var parsed struct {
		Choices []struct {
			Message struct {
				Content string `json:"content"`
			} `json:"message"`
		} `json:"choices"`
	}
	if err = json.Unmarshal(respBody, &parsed); err != nil {
		return "", err
	}
	if len(parsed.Choices) == 0 {
		return "", &RemoteGenerationError{
			Generator: g.Name(),
			Status:    resp.StatusCode,
			Message:   "the response contains no choices",
		}
	}
	return parsed.Choices[0].Message.Content, nil
}
