package services

// This file defines a unit test setup for the document memory web service.
// The tests drive a real HTTP server wired to an in-process orchestrator
// with local (deterministic) memory components.
import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"log"
	"mime/multipart"
	"net/http"
	"net/textproto"
	"os"
	"strings"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"

	"github.com/kbase/dms/config"
	"github.com/kbase/dms/dmstest"
	"github.com/kbase/dms/orchestrators"
)

// temporary testing directory
var TESTING_DIR string

// DMS URL
var baseUrl = "http://localhost:8123/"

// service instance
var service Service

const dmsConfig string = `
service:
  name: dms-test
  port: 8123
  max_connections: 100
  data_dir: TESTING_DIR/data
queues:
  poll_delay_msecs: 10
  fetch_lock_seconds: 2
orchestration:
  type: in_process
`

// the content of the document the retrieval tests query for
const factText = "The orchestrator carries a document through its processing steps."

// performs testing setup
func setup() {
	dmstest.EnableDebugLogging()

	var err error
	log.Print("Creating testing directory...\n")
	TESTING_DIR, err = os.MkdirTemp(os.TempDir(), "document-memory-service-tests-")
	if err != nil {
		log.Panicf("Couldn't create testing directory: %s", err)
	}

	myConfig := strings.ReplaceAll(dmsConfig, "TESTING_DIR", TESTING_DIR)
	err = config.Init([]byte(myConfig))
	if err != nil {
		log.Panicf("Couldn't initialize configuration: %s", err)
	}

	orchestrator, err := orchestrators.New()
	if err != nil {
		log.Panicf("Couldn't construct the orchestrator: %s", err)
	}
	err = orchestrators.RegisterDefaultHandlers(orchestrator)
	if err != nil {
		log.Panicf("Couldn't register the default handlers: %s", err)
	}

	// Start the service.
	log.Print("Starting test document memory service...\n")
	go func() {
		service, err = NewWebService(orchestrator)
		if err != nil {
			log.Panicf("Couldn't construct the service: %s", err.Error())
		}
		err = service.Start(config.Service.Port)
		if err != nil {
			log.Panicf("Couldn't start the service: %s", err.Error())
		}
	}()

	// Give the service time to start up.
	time.Sleep(100 * time.Millisecond)
}

// Performs testing breakdown.
func breakdown() {

	if service != nil {
		// Gracefully shut the service down when it finishes its work.
		ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		service.Shutdown(ctx)
	}

	if TESTING_DIR != "" {
		// Remove the testing directory and its contents.
		log.Printf("Deleting testing directory %s...\n", TESTING_DIR)
		os.RemoveAll(TESTING_DIR)
	}
}

// sends a POST query with a JSON payload
func post(resource string, body any) (*http.Response, error) {
	payload, err := json.Marshal(body)
	if err != nil {
		return nil, err
	}
	req, err := http.NewRequest(http.MethodPost, resource, bytes.NewReader(payload))
	if err != nil {
		return nil, err
	}
	req.Header.Add("Content-Type", "application/json")
	return http.DefaultClient.Do(req)
}

// sends a DELETE query
func delete_(resource string) (*http.Response, error) {
	req, err := http.NewRequest(http.MethodDelete, resource, http.NoBody)
	if err != nil {
		return nil, err
	}
	return http.DefaultClient.Do(req)
}

// posts a multipart document upload with the given fields and files
func upload(documentId, index string, tags map[string]string,
	files map[string]string) (*http.Response, error) {

	var body bytes.Buffer
	writer := multipart.NewWriter(&body)
	if documentId != "" {
		writer.WriteField("documentId", documentId)
	}
	if index != "" {
		writer.WriteField("index", index)
	}
	for name, value := range tags {
		writer.WriteField(name, value)
	}
	fileNum := 1
	for name, content := range files {
		header := textproto.MIMEHeader{}
		header.Set("Content-Disposition",
			fmt.Sprintf(`form-data; name="file%d"; filename="%s"`, fileNum, name))
		header.Set("Content-Type", "text/plain")
		part, err := writer.CreatePart(header)
		if err != nil {
			return nil, err
		}
		part.Write([]byte(content))
		fileNum++
	}
	writer.Close()

	req, err := http.NewRequest(http.MethodPost, baseUrl+"upload", &body)
	if err != nil {
		return nil, err
	}
	req.Header.Set("Content-Type", writer.FormDataContentType())
	return http.DefaultClient.Do(req)
}

// polls the upload-status endpoint until the predicate accepts a response
func waitForStatus(t *testing.T, index, documentId string,
	accept func(code int, status UploadStatusResponse) bool) {

	resource := baseUrl + fmt.Sprintf("upload-status?index=%s&documentId=%s",
		index, documentId)
	deadline := time.Now().Add(15 * time.Second)
	for time.Now().Before(deadline) {
		resp, err := http.Get(resource)
		if err == nil {
			var status UploadStatusResponse
			body, _ := io.ReadAll(resp.Body)
			resp.Body.Close()
			json.Unmarshal(body, &status)
			if accept(resp.StatusCode, status) {
				return
			}
		}
		time.Sleep(50 * time.Millisecond)
	}
	t.Fatalf("Timed out waiting on the status of document %q", documentId)
}

// queries the service's root endpoint
func TestQueryRoot(t *testing.T) {
	assert := assert.New(t)

	resp, err := http.Get(baseUrl)
	assert.Nil(err)

	respBody, err := io.ReadAll(resp.Body)
	assert.Nil(err)
	defer resp.Body.Close()

	var root ServiceInfoResponse
	err = json.Unmarshal(respBody, &root)
	assert.Nil(err)
	assert.Equal("dms-test", root.Name)
	assert.Equal(version, root.Version)
}

// uploads a document and follows its status to completion
func TestUploadAndStatus(t *testing.T) {
	assert := assert.New(t)

	resp, err := upload("doc-001", "personal",
		map[string]string{"topic": "orchestration"},
		map[string]string{"facts.txt": factText})
	assert.Nil(err)
	assert.Equal(http.StatusAccepted, resp.StatusCode)
	defer resp.Body.Close()

	location := resp.Header.Get("Location")
	assert.Contains(location, "upload-status")
	assert.Contains(location, "doc-001")

	var accepted UploadResponse
	body, err := io.ReadAll(resp.Body)
	assert.Nil(err)
	err = json.Unmarshal(body, &accepted)
	assert.Nil(err)
	assert.Equal("doc-001", accepted.DocumentId)
	assert.Equal("personal", accepted.Index)

	waitForStatus(t, "personal", "doc-001",
		func(code int, status UploadStatusResponse) bool {
			return code == http.StatusOK && status.Completed
		})
}

// attempts an upload with no files
func TestUploadWithoutFiles(t *testing.T) {
	assert := assert.New(t)

	resp, err := upload("doc-empty", "personal", nil, nil)
	assert.Nil(err)
	assert.Equal(http.StatusBadRequest, resp.StatusCode)
	resp.Body.Close()
}

// attempts an upload carrying a reserved tag name
func TestUploadRejectsReservedTag(t *testing.T) {
	assert := assert.New(t)

	resp, err := upload("doc-tagged", "personal",
		map[string]string{"__user": "someone"},
		map[string]string{"a.txt": "some text"})
	assert.Nil(err)
	assert.Equal(http.StatusBadRequest, resp.StatusCode)
	resp.Body.Close()
}

// fetches the status of a document that was never uploaded
func TestUploadStatusOfUnknownDocument(t *testing.T) {
	assert := assert.New(t)

	resp, err := http.Get(baseUrl + "upload-status?index=personal&documentId=no-such-doc")
	assert.Nil(err)
	assert.Equal(http.StatusNotFound, resp.StatusCode)
	resp.Body.Close()
}

// searches an index with nothing in it
func TestSearchEmptyIndex(t *testing.T) {
	assert := assert.New(t)

	resp, err := post(baseUrl+"search", SearchRequest{
		Query: "kubernetes",
		Index: "deserted",
	})
	assert.Nil(err)
	assert.Equal(http.StatusOK, resp.StatusCode)
	defer resp.Body.Close()

	body, err := io.ReadAll(resp.Body)
	assert.Nil(err)
	var results SearchResultsResponse
	err = json.Unmarshal(body, &results)
	assert.Nil(err)
	assert.Equal("deserted", results.Index)
	assert.Equal(0, len(results.Results))
}

// searches for the content uploaded by TestUploadAndStatus
func TestSearchFindsUploadedContent(t *testing.T) {
	assert := assert.New(t)

	waitForStatus(t, "personal", "doc-001",
		func(code int, status UploadStatusResponse) bool {
			return code == http.StatusOK && status.Completed
		})

	resp, err := post(baseUrl+"search", SearchRequest{
		Query: factText,
		Index: "personal",
	})
	assert.Nil(err)
	assert.Equal(http.StatusOK, resp.StatusCode)
	defer resp.Body.Close()

	body, err := io.ReadAll(resp.Body)
	assert.Nil(err)
	var results SearchResultsResponse
	err = json.Unmarshal(body, &results)
	assert.Nil(err)
	assert.True(len(results.Results) > 0)
	assert.Equal(factText, results.Results[0].Record.Text)
	assert.InDelta(1.0, results.Results[0].Relevance, 1e-6)
}

// asks a question against an index with nothing in it
func TestAskWithNoMemories(t *testing.T) {
	assert := assert.New(t)

	resp, err := post(baseUrl+"ask", AskRequest{
		Question: "What does the orchestrator do?",
		Index:    "deserted",
	})
	assert.Nil(err)
	assert.Equal(http.StatusOK, resp.StatusCode)
	defer resp.Body.Close()

	body, err := io.ReadAll(resp.Body)
	assert.Nil(err)
	var answer struct {
		Text     string `json:"text"`
		NoResult bool   `json:"no_result"`
	}
	err = json.Unmarshal(body, &answer)
	assert.Nil(err)
	assert.True(answer.NoResult)
	assert.Equal("INFO NOT FOUND", answer.Text)
}

// asks a question the uploaded document can answer
func TestAskWithMemories(t *testing.T) {
	assert := assert.New(t)

	waitForStatus(t, "personal", "doc-001",
		func(code int, status UploadStatusResponse) bool {
			return code == http.StatusOK && status.Completed
		})

	resp, err := post(baseUrl+"ask", AskRequest{
		Question: factText,
		Index:    "personal",
	})
	assert.Nil(err)
	assert.Equal(http.StatusOK, resp.StatusCode)
	defer resp.Body.Close()

	body, err := io.ReadAll(resp.Body)
	assert.Nil(err)
	var answer struct {
		Text     string `json:"text"`
		NoResult bool   `json:"no_result"`
	}
	err = json.Unmarshal(body, &answer)
	assert.Nil(err)
	assert.False(answer.NoResult)
	assert.NotEmpty(answer.Text)
}

// uploads a document and then deletes it
func TestDeleteDocument(t *testing.T) {
	assert := assert.New(t)

	resp, err := upload("doc-002", "personal", nil,
		map[string]string{"gone.txt": "This document will be deleted."})
	assert.Nil(err)
	assert.Equal(http.StatusAccepted, resp.StatusCode)
	resp.Body.Close()

	waitForStatus(t, "personal", "doc-002",
		func(code int, status UploadStatusResponse) bool {
			return code == http.StatusOK && status.Completed
		})

	resp, err = delete_(baseUrl + "documents?index=personal&documentId=doc-002")
	assert.Nil(err)
	assert.Equal(http.StatusAccepted, resp.StatusCode)
	resp.Body.Close()

	waitForStatus(t, "personal", "doc-002",
		func(code int, status UploadStatusResponse) bool {
			return code == http.StatusNotFound
		})
}

// scrapes the metrics endpoint
func TestMetrics(t *testing.T) {
	assert := assert.New(t)

	resp, err := http.Get(baseUrl + "metrics")
	assert.Nil(err)
	assert.Equal(http.StatusOK, resp.StatusCode)
	defer resp.Body.Close()

	body, err := io.ReadAll(resp.Body)
	assert.Nil(err)
	assert.Contains(string(body), "dms_pipelines_started_total")
}

// runs setup, runs all tests, and does breakdown
func TestMain(m *testing.M) {
	var status int
	setup()
	if TESTING_DIR != "" {
		status = m.Run()
	}
	breakdown()
	os.Exit(status)
}
