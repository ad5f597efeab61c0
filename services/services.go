package services

import (
	"context"
	"encoding/json"
	"net/http"

	"github.com/kbase/dms/memory"
	"github.com/kbase/dms/pipelines"
)

// This package-specific helper function writes a JSON payload to an
// http.ResponseWriter.
func writeJson(w http.ResponseWriter, data []byte, code int) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(code)
	if len(data) > 0 {
		w.Write(data)
	}
}

// This type holds information about an error that occurred responding to a
// request.
type ErrorResponse struct {
	// An HTTP error code
	Code int `json:"code"`
	// A descriptive error message
	Error string `json:"message"`
}

// This package-specific helper function writes an error to an
// http.ResponseWriter, giving it the proper status code, and encoding an
// ErrorResponse in the response body.
func writeError(w http.ResponseWriter, message string, code int) {
	e := ErrorResponse{Code: code, Error: message}
	data, _ := json.Marshal(e)
	writeJson(w, data, code)
}

// this type encodes a JSON object for responding to root queries
type ServiceInfoResponse struct {
	Name          string `json:"name" example:"DMS" doc:"The name of the service API"`
	Version       string `json:"version" example:"1.0.0" doc:"The version string (major.minor.patch)"`
	Uptime        int    `json:"uptime" example:"345600" doc:"The time the service has been up (seconds)"`
	Documentation string `json:"documentation" example:"/docs" doc:"The OpenAPI documentation endpoint"`
}

// a response to an accepted document upload (POST)
type UploadResponse struct {
	// the document's ID (generated when the upload carried none)
	DocumentId string `json:"document_id"`
	// the normalized index the document was filed under
	Index   string `json:"index"`
	Message string `json:"message"`
}

// a request to search an index for relevant memories (POST)
type SearchRequest struct {
	Query string `json:"query" example:"kubernetes" doc:"the text to search for"`
	Index string `json:"index" example:"personal" doc:"the index to search (optional)"`
	// filters combine as OR; each filter's tags combine as AND
	Filters      []memory.SearchFilter `json:"filters,omitempty" doc:"restricts results to records matching any filter"`
	Limit        int                   `json:"limit,omitempty" doc:"caps the number of results"`
	MinRelevance float64               `json:"min_relevance,omitempty" doc:"drops results below this relevance"`
}

// a response to a search request (POST)
type SearchResultsResponse struct {
	// name of the searched index
	Index string `json:"index"`
	// the given query string
	Query string `json:"query"`
	// records matching the query, most relevant first
	Results []memory.SearchResult `json:"results"`
}

// a request for a grounded answer to a question (POST)
type AskRequest struct {
	Question     string                `json:"question" example:"What does the orchestrator do?"`
	Index        string                `json:"index,omitempty"`
	Filters      []memory.SearchFilter `json:"filters,omitempty"`
	MinRelevance float64               `json:"min_relevance,omitempty"`
}

// a response carrying a client-facing pipeline summary (GET)
type UploadStatusResponse = pipelines.DataPipelineStatus

// a response to an accepted deletion request (DELETE)
type DeletionResponse struct {
	Index      string `json:"index"`
	DocumentId string `json:"document_id,omitempty"`
	Message    string `json:"message"`
}

// Service defines the interface for the document memory web service.
type Service interface {
	// Starts the service on the selected port, returning an error that indicates
	// success or failure.
	Start(port int) error
	// Gracefully shuts down the service without interrupting active connections.
	Shutdown(ctx context.Context) error
	// Closes down the service, freeing all resources.
	Close()
}
