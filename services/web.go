package services

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"log/slog"
	"mime/multipart"
	"net"
	"net/http"
	"net/url"
	"strconv"
	"time"

	"github.com/danielgtaylor/huma/v2"
	"github.com/danielgtaylor/huma/v2/adapters/humamux"
	"github.com/gorilla/mux"
	"golang.org/x/net/netutil"

	"github.com/kbase/dms/config"
	"github.com/kbase/dms/memory"
	"github.com/kbase/dms/metrics"
	"github.com/kbase/dms/orchestrators"
	"github.com/kbase/dms/pipelines"
)

// Version numbers
var majorVersion = 0
var minorVersion = 1
var patchVersion = 0

// Version string
var version = fmt.Sprintf("%d.%d.%d", majorVersion, minorVersion, patchVersion)

// the largest upload the service holds in memory while parsing
const maxUploadBytes = 512 << 20

// This type implements the Service interface, exposing document ingestion
// and retrieval over HTTP. Uploads and deletions are accepted with 202 and
// processed by the orchestrator; queries go straight to the search client.
type webService struct {
	// name of the service
	Name string
	// service version identifier
	Version string
	// time which the service was started
	StartTime time.Time
	// port on which the service currently runs
	Port int
	// router for REST endpoints
	Router *mux.Router
	// API wrapper
	API huma.API
	// HTTP server.
	Server *http.Server

	// the orchestrator behind the ingestion endpoints
	orchestrator orchestrators.Orchestrator
	// the retrieval-side client behind /search and /ask
	searchClient *memory.SearchClient
}

type ServiceInfoOutput struct {
	Body ServiceInfoResponse `doc:"information about the service itself"`
}

// handler method for root
func (service *webService) getRoot(ctx context.Context,
	input *struct{}) (*ServiceInfoOutput, error) {

	slog.Info("Querying root endpoint...")
	return &ServiceInfoOutput{
		Body: ServiceInfoResponse{
			Name:          service.Name,
			Version:       service.Version,
			Uptime:        int(service.uptime()),
			Documentation: "/docs",
		},
	}, nil
}

// the first value of a multipart form field, or ""
func formValue(form *multipart.Form, name string) string {
	if values := form.Value[name]; len(values) > 0 {
		return values[0]
	}
	return ""
}

// Handler for document uploads. This endpoint speaks raw multipart rather
// than going through the API wrapper: file parts become document files,
// while every form field other than documentId, index, and steps becomes a
// document tag.
func (service *webService) uploadDocument(w http.ResponseWriter, r *http.Request) {
	if err := r.ParseMultipartForm(maxUploadBytes); err != nil {
		writeError(w, fmt.Sprintf("Couldn't parse the upload: %s", err),
			http.StatusBadRequest)
		return
	}
	form := r.MultipartForm
	defer form.RemoveAll()

	upload := orchestrators.DocumentUpload{
		Index:      formValue(form, "index"),
		DocumentId: formValue(form, "documentId"),
		Steps:      form.Value["steps"],
		Tags:       pipelines.TagCollection{},
	}
	for name, values := range form.Value {
		switch name {
		case "documentId", "index", "steps":
			continue
		}
		for _, value := range values {
			upload.Tags.Add(name, value)
		}
	}
	for _, headers := range form.File {
		for _, header := range headers {
			part, err := header.Open()
			if err != nil {
				writeError(w, fmt.Sprintf("Couldn't read uploaded file %q: %s",
					header.Filename, err), http.StatusBadRequest)
				return
			}
			data, err := io.ReadAll(part)
			part.Close()
			if err != nil {
				writeError(w, fmt.Sprintf("Couldn't read uploaded file %q: %s",
					header.Filename, err), http.StatusBadRequest)
				return
			}
			upload.Files = append(upload.Files, pipelines.UploadedFile{
				Name:     header.Filename,
				MimeType: header.Header.Get("Content-Type"),
				Bytes:    data,
			})
		}
	}

	pipeline, err := service.orchestrator.PrepareNewUpload(r.Context(), upload)
	if err != nil {
		writeError(w, err.Error(), http.StatusBadRequest)
		return
	}

	// the pipeline runs on after the response; clients follow Location to
	// watch its progress
	go func() {
		if err := service.orchestrator.RunPipeline(context.Background(), pipeline); err != nil {
			slog.Error("Couldn't run an upload pipeline", "index", pipeline.Index,
				"document_id", pipeline.DocumentId, "error", err)
		}
	}()

	w.Header().Set("Location", statusUrl(pipeline.Index, pipeline.DocumentId))
	data, _ := json.Marshal(UploadResponse{
		DocumentId: pipeline.DocumentId,
		Index:      pipeline.Index,
		Message:    "Upload accepted; ingestion is in progress.",
	})
	writeJson(w, data, http.StatusAccepted)
}

// the status URL for the given document, suitable for a Location header
func statusUrl(index, documentId string) string {
	return fmt.Sprintf("/upload-status?index=%s&documentId=%s",
		url.QueryEscape(index), url.QueryEscape(documentId))
}

type UploadStatusOutput struct {
	Body UploadStatusResponse `doc:"A summary of the document's ingestion progress"`
}

// handler method for fetching a document's ingestion status
func (service *webService) getUploadStatus(ctx context.Context,
	input *struct {
		Index      string `query:"index" example:"personal" doc:"the index holding the document"`
		DocumentId string `query:"documentId" example:"doc-001" doc:"the document's ID"`
	}) (*UploadStatusOutput, error) {

	index, err := pipelines.NormalizeIndexName(input.Index)
	if err != nil {
		return nil, huma.Error400BadRequest(err.Error())
	}
	summary, err := service.orchestrator.ReadSummary(ctx, index, input.DocumentId)
	if err != nil {
		return nil, err
	}
	if summary == nil || summary.Empty {
		return nil, huma.Error404NotFound(fmt.Sprintf(
			"Document %q not found in index %q", input.DocumentId, index))
	}
	return &UploadStatusOutput{Body: *summary}, nil
}

type SearchOutput struct {
	Body SearchResultsResponse `doc:"Memory records matching the given query"`
}

// handler method for searching an index
func (service *webService) search(ctx context.Context,
	input *struct {
		Body SearchRequest
	}) (*SearchOutput, error) {

	index, err := pipelines.NormalizeIndexName(input.Body.Index)
	if err != nil {
		return nil, huma.Error400BadRequest(err.Error())
	}
	slog.Info("Searching index for memories...", "index", index)
	results, err := service.searchClient.Search(ctx, index, input.Body.Query,
		input.Body.Filters, input.Body.Limit, input.Body.MinRelevance)
	if err != nil {
		return nil, err
	}
	return &SearchOutput{
		Body: SearchResultsResponse{
			Index:   index,
			Query:   input.Body.Query,
			Results: results,
		},
	}, nil
}

type AskOutput struct {
	Body memory.Answer `doc:"An answer grounded on the most relevant memories"`
}

// handler method for answering a question about an index
func (service *webService) ask(ctx context.Context,
	input *struct {
		Body AskRequest
	}) (*AskOutput, error) {

	index, err := pipelines.NormalizeIndexName(input.Body.Index)
	if err != nil {
		return nil, huma.Error400BadRequest(err.Error())
	}
	slog.Info("Answering a question from memories...", "index", index)
	answer, err := service.searchClient.Ask(ctx, index, input.Body.Question,
		input.Body.Filters, input.Body.MinRelevance)
	if err != nil {
		return nil, err
	}
	return &AskOutput{Body: answer}, nil
}

type DeletionOutput struct {
	Body   DeletionResponse `doc:"An acknowledgement of the requested deletion"`
	Status int
}

// handler method for deleting a document
func (service *webService) deleteDocument(ctx context.Context,
	input *struct {
		Index      string `query:"index" example:"personal" doc:"the index holding the document"`
		DocumentId string `query:"documentId" example:"doc-001" doc:"the document's ID"`
	}) (*DeletionOutput, error) {

	index, err := pipelines.NormalizeIndexName(input.Index)
	if err != nil {
		return nil, huma.Error400BadRequest(err.Error())
	}
	if err = pipelines.ValidateDocumentId(input.DocumentId); err != nil {
		return nil, huma.Error400BadRequest(err.Error())
	}

	documentId := input.DocumentId
	go func() {
		if err := service.orchestrator.StartDocumentDeletion(context.Background(),
			index, documentId); err != nil {
			slog.Error("Couldn't start a document deletion", "index", index,
				"document_id", documentId, "error", err)
		}
	}()
	return &DeletionOutput{
		Body: DeletionResponse{
			Index:      index,
			DocumentId: documentId,
			Message:    "Deletion accepted.",
		},
		Status: http.StatusAccepted,
	}, nil
}

// handler method for deleting an index and everything in it
func (service *webService) deleteIndex(ctx context.Context,
	input *struct {
		Index string `query:"index" example:"personal" doc:"the index to delete"`
	}) (*DeletionOutput, error) {

	index, err := pipelines.NormalizeIndexName(input.Index)
	if err != nil {
		return nil, huma.Error400BadRequest(err.Error())
	}

	go func() {
		if err := service.orchestrator.StartIndexDeletion(context.Background(),
			index); err != nil {
			slog.Error("Couldn't start an index deletion", "index", index, "error", err)
		}
	}()
	return &DeletionOutput{
		Body: DeletionResponse{
			Index:   index,
			Message: "Index deletion accepted.",
		},
		Status: http.StatusAccepted,
	}, nil
}

// returns the uptime for the service in seconds
func (service *webService) uptime() float64 {
	return time.Since(service.StartTime).Seconds()
}

// constructs the document memory web service around the given orchestrator
func NewWebService(orchestrator orchestrators.Orchestrator) (Service, error) {

	// retrieval uses exactly one database and one embedding generator
	dbs := orchestrator.MemoryDbs()
	embedders := orchestrator.EmbeddingGenerators()
	if len(dbs) == 0 {
		return nil, fmt.Errorf("No memory databases were configured.")
	}
	if len(embedders) == 0 {
		return nil, fmt.Errorf("No embedding generators were configured.")
	}

	service := new(webService)
	service.Name = config.Service.Name
	if service.Name == "" {
		service.Name = "DMS"
	}
	service.Version = version
	service.Port = -1
	service.orchestrator = orchestrator
	service.searchClient = memory.NewSearchClient(dbs[0], embedders[0],
		orchestrator.TextGenerator())

	// set up routing
	service.Router = mux.NewRouter()
	api := humamux.New(service.Router, huma.DefaultConfig(service.Name, service.Version))
	huma.Get(api, "/", service.getRoot)
	huma.Post(api, "/ask", service.ask)
	huma.Post(api, "/search", service.search)
	huma.Get(api, "/upload-status", service.getUploadStatus)
	huma.Delete(api, "/documents", service.deleteDocument)
	huma.Delete(api, "/indexes", service.deleteIndex)
	service.API = api

	// multipart uploads and the metrics scrape bypass the API wrapper
	service.Router.HandleFunc("/upload", service.uploadDocument).Methods("POST")
	service.Router.Handle("/metrics", metrics.Handler()).Methods("GET")

	return service, nil
}

// starts the web service
func (service *webService) Start(port int) error {
	slog.Info(fmt.Sprintf("Starting %s service on port %d...", service.Name, port))
	slog.Info(fmt.Sprintf("(Accepting up to %d connections)", config.Service.MaxConnections))

	service.StartTime = time.Now()

	// create a listener that limits the number of incoming connections
	service.Port = port
	listener, err := net.Listen("tcp", ":"+strconv.Itoa(port))
	if err != nil {
		return err
	}
	defer listener.Close()
	listener = netutil.LimitListener(listener, config.Service.MaxConnections)

	// start the server
	service.Server = &http.Server{
		Handler: service.Router}
	err = service.Server.Serve(listener)

	// we don't report the server closing as an error
	if err != http.ErrServerClosed {
		return err
	}
	return nil
}

// gracefully shuts down the service without interrupting active connections
func (service *webService) Shutdown(ctx context.Context) error {
	service.orchestrator.StopAll()
	if service.Server != nil {
		return service.Server.Shutdown(ctx)
	}
	return nil
}

// closes down the service abruptly, freeing all resources
func (service *webService) Close() {
	service.orchestrator.StopAll()
	if service.Server != nil {
		service.Server.Close()
	}
}
