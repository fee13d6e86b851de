package recall

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"mime/multipart"
	"net/http"
	"strings"
	"time"

	"github.com/CoppingEthan/OWUI-Toolset-sub000/internal/engine"
)

// SearchResult is one hit from the upstream vector search.
type SearchResult struct {
	Filename string   `json:"filename"`
	Score    float64  `json:"score"`
	Snippets []string `json:"snippets"`
}

// VectorClient is the slice of the upstream vector-search provider the
// manager uses. OpenAIVectorClient is the real implementation; tests use an
// in-memory fake.
type VectorClient interface {
	CreateVectorStore(ctx context.Context, name string) (string, error)
	UploadFile(ctx context.Context, filename string, data []byte) (string, error)
	AttachFile(ctx context.Context, storeID, fileID string) (string, error)
	FileStatus(ctx context.Context, storeID, vsFileID string) (string, error)
	Search(ctx context.Context, storeID, query string, maxResults int) ([]SearchResult, error)
	DetachFile(ctx context.Context, storeID, vsFileID string) error
	DeleteFile(ctx context.Context, fileID string) error
	DeleteVectorStore(ctx context.Context, storeID string) error
}

// DefaultVectorBaseURL is the upstream endpoint when no override is given.
const DefaultVectorBaseURL = "https://api.openai.com/v1"

const upstreamName = "vector-search"

// OpenAIVectorClient talks to the OpenAI Files and Vector Stores APIs over
// plain HTTP. No SDK in use here covers these endpoints, so the client owns
// its request/response structs.
type OpenAIVectorClient struct {
	apiKey     string
	baseURL    string
	httpClient *http.Client
}

// NewOpenAIVectorClient builds a client for one tenant's API key.
func NewOpenAIVectorClient(apiKey, baseURL string, timeout time.Duration) *OpenAIVectorClient {
	if baseURL == "" {
		baseURL = DefaultVectorBaseURL
	}
	if timeout <= 0 {
		timeout = 60 * time.Second
	}
	return &OpenAIVectorClient{
		apiKey:     apiKey,
		baseURL:    strings.TrimSuffix(baseURL, "/"),
		httpClient: &http.Client{Timeout: timeout},
	}
}

// CreateVectorStore allocates a new upstream vector store.
func (c *OpenAIVectorClient) CreateVectorStore(ctx context.Context, name string) (string, error) {
	var resp struct {
		ID string `json:"id"`
	}
	err := c.doJSON(ctx, http.MethodPost, "/vector_stores", map[string]any{"name": name}, &resp)
	if err != nil {
		return "", err
	}
	return resp.ID, nil
}

// UploadFile pushes file bytes to the upstream file storage.
func (c *OpenAIVectorClient) UploadFile(ctx context.Context, filename string, data []byte) (string, error) {
	var body bytes.Buffer
	mw := multipart.NewWriter(&body)
	if err := mw.WriteField("purpose", "assistants"); err != nil {
		return "", fmt.Errorf("build upload form: %w", err)
	}
	part, err := mw.CreateFormFile("file", filename)
	if err != nil {
		return "", fmt.Errorf("build upload form: %w", err)
	}
	if _, err := part.Write(data); err != nil {
		return "", fmt.Errorf("build upload form: %w", err)
	}
	if err := mw.Close(); err != nil {
		return "", fmt.Errorf("build upload form: %w", err)
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, c.baseURL+"/files", &body)
	if err != nil {
		return "", err
	}
	req.Header.Set("Authorization", "Bearer "+c.apiKey)
	req.Header.Set("Content-Type", mw.FormDataContentType())

	var resp struct {
		ID string `json:"id"`
	}
	if err := c.send(req, &resp); err != nil {
		return "", err
	}
	return resp.ID, nil
}

// AttachFile adds an uploaded file to a vector store for ingestion.
func (c *OpenAIVectorClient) AttachFile(ctx context.Context, storeID, fileID string) (string, error) {
	var resp struct {
		ID string `json:"id"`
	}
	err := c.doJSON(ctx, http.MethodPost, "/vector_stores/"+storeID+"/files",
		map[string]any{"file_id": fileID}, &resp)
	if err != nil {
		return "", err
	}
	return resp.ID, nil
}

// FileStatus reports the ingest state of an attached file.
func (c *OpenAIVectorClient) FileStatus(ctx context.Context, storeID, vsFileID string) (string, error) {
	var resp struct {
		Status string `json:"status"`
	}
	err := c.doJSON(ctx, http.MethodGet, "/vector_stores/"+storeID+"/files/"+vsFileID, nil, &resp)
	if err != nil {
		return "", err
	}
	return resp.Status, nil
}

// Search runs a semantic query against the vector store.
func (c *OpenAIVectorClient) Search(ctx context.Context, storeID, query string, maxResults int) ([]SearchResult, error) {
	if maxResults <= 0 {
		maxResults = 5
	}
	var resp struct {
		Data []struct {
			Filename string  `json:"filename"`
			Score    float64 `json:"score"`
			Content  []struct {
				Type string `json:"type"`
				Text string `json:"text"`
			} `json:"content"`
		} `json:"data"`
	}
	err := c.doJSON(ctx, http.MethodPost, "/vector_stores/"+storeID+"/search",
		map[string]any{"query": query, "max_num_results": maxResults}, &resp)
	if err != nil {
		return nil, err
	}

	out := make([]SearchResult, 0, len(resp.Data))
	for _, hit := range resp.Data {
		r := SearchResult{Filename: hit.Filename, Score: hit.Score}
		for _, c := range hit.Content {
			if c.Type == "text" && c.Text != "" {
				r.Snippets = append(r.Snippets, c.Text)
			}
		}
		out = append(out, r)
	}
	return out, nil
}

// DetachFile removes a file from the vector store.
func (c *OpenAIVectorClient) DetachFile(ctx context.Context, storeID, vsFileID string) error {
	return c.doJSON(ctx, http.MethodDelete, "/vector_stores/"+storeID+"/files/"+vsFileID, nil, nil)
}

// DeleteFile removes the upstream file object.
func (c *OpenAIVectorClient) DeleteFile(ctx context.Context, fileID string) error {
	return c.doJSON(ctx, http.MethodDelete, "/files/"+fileID, nil, nil)
}

// DeleteVectorStore removes the vector store itself.
func (c *OpenAIVectorClient) DeleteVectorStore(ctx context.Context, storeID string) error {
	return c.doJSON(ctx, http.MethodDelete, "/vector_stores/"+storeID, nil, nil)
}

func (c *OpenAIVectorClient) doJSON(ctx context.Context, method, path string, payload, out any) error {
	var body io.Reader
	if payload != nil {
		raw, err := json.Marshal(payload)
		if err != nil {
			return fmt.Errorf("encode %s request: %w", path, err)
		}
		body = bytes.NewReader(raw)
	}

	req, err := http.NewRequestWithContext(ctx, method, c.baseURL+path, body)
	if err != nil {
		return err
	}
	req.Header.Set("Authorization", "Bearer "+c.apiKey)
	if payload != nil {
		req.Header.Set("Content-Type", "application/json")
	}
	return c.send(req, out)
}

func (c *OpenAIVectorClient) send(req *http.Request, out any) error {
	resp, err := c.httpClient.Do(req)
	if err != nil {
		return engine.WrapUpstreamError(upstreamName, err, 0)
	}
	defer resp.Body.Close()

	if resp.StatusCode >= 400 {
		detail, _ := io.ReadAll(io.LimitReader(resp.Body, 2048))
		err := fmt.Errorf("%s %s: %s", req.Method, req.URL.Path, strings.TrimSpace(string(detail)))
		return engine.WrapUpstreamError(upstreamName, err, resp.StatusCode)
	}
	if out == nil {
		return nil
	}
	if err := json.NewDecoder(resp.Body).Decode(out); err != nil {
		return engine.WrapUpstreamError(upstreamName, fmt.Errorf("decode %s response: %w", req.URL.Path, err), 0)
	}
	return nil
}
