// Package openai implements the asynchronous batch AI provider and the
// embeddings provider on the OpenAI HTTP API.
package openai

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

	"github.com/cenkalti/backoff/v4"

	"github.com/fairyhunter13/blogger-intel/internal/config"
	"github.com/fairyhunter13/blogger-intel/internal/domain"
)

// Client talks to the OpenAI files, batches and embeddings endpoints.
type Client struct {
	baseURL         string
	apiKey          string
	embeddingsModel string
	hc              *http.Client
	cfg             config.Config
}

// New constructs a Client from configuration.
func New(cfg config.Config) *Client {
	return &Client{
		baseURL:         strings.TrimRight(cfg.OpenAIBaseURL, "/"),
		apiKey:          cfg.OpenAIAPIKey,
		embeddingsModel: cfg.EmbeddingsModel,
		hc:              &http.Client{Timeout: 120 * time.Second},
		cfg:             cfg,
	}
}

// retryable wraps an HTTP round trip with exponential backoff on transient
// provider failures (5xx and 429).
func (c *Client) retryable(ctx context.Context, op func() error) error {
	maxElapsed, initial, maxInterval, multiplier := c.cfg.BackoffConfig()
	bo := backoff.NewExponentialBackOff()
	bo.MaxElapsedTime = maxElapsed
	bo.InitialInterval = initial
	bo.MaxInterval = maxInterval
	bo.Multiplier = multiplier
	return backoff.Retry(op, backoff.WithContext(bo, ctx))
}

func (c *Client) do(ctx context.Context, method, path, contentType string, body []byte) ([]byte, error) {
	var out []byte
	err := c.retryable(ctx, func() error {
		req, err := http.NewRequestWithContext(ctx, method, c.baseURL+path, bytes.NewReader(body))
		if err != nil {
			return backoff.Permanent(err)
		}
		req.Header.Set("Authorization", "Bearer "+c.apiKey)
		if contentType != "" {
			req.Header.Set("Content-Type", contentType)
		}
		resp, err := c.hc.Do(req)
		if err != nil {
			return err
		}
		defer func() { _ = resp.Body.Close() }()
		data, err := io.ReadAll(io.LimitReader(resp.Body, 512<<20))
		if err != nil {
			return err
		}
		if resp.StatusCode == http.StatusTooManyRequests || resp.StatusCode >= 500 {
			return fmt.Errorf("status %d: %s", resp.StatusCode, truncate(data, 200))
		}
		if resp.StatusCode >= 400 {
			return backoff.Permanent(fmt.Errorf("status %d: %s", resp.StatusCode, truncate(data, 500)))
		}
		out = data
		return nil
	})
	if err != nil {
		return nil, err
	}
	return out, nil
}

func truncate(b []byte, n int) string {
	if len(b) <= n {
		return string(b)
	}
	return string(b[:n]) + "..."
}

// UploadFile uploads a JSONL request file with purpose=batch and returns the
// file id.
func (c *Client) UploadFile(ctx context.Context, name string, data []byte) (string, error) {
	var buf bytes.Buffer
	mw := multipart.NewWriter(&buf)
	if err := mw.WriteField("purpose", "batch"); err != nil {
		return "", fmt.Errorf("op=openai.upload: %w", err)
	}
	fw, err := mw.CreateFormFile("file", name)
	if err != nil {
		return "", fmt.Errorf("op=openai.upload: %w", err)
	}
	if _, err := fw.Write(data); err != nil {
		return "", fmt.Errorf("op=openai.upload: %w", err)
	}
	if err := mw.Close(); err != nil {
		return "", fmt.Errorf("op=openai.upload: %w", err)
	}
	body, err := c.do(ctx, http.MethodPost, "/files", mw.FormDataContentType(), buf.Bytes())
	if err != nil {
		return "", fmt.Errorf("op=openai.upload: %w", err)
	}
	var resp struct {
		ID string `json:"id"`
	}
	if err := json.Unmarshal(body, &resp); err != nil {
		return "", fmt.Errorf("op=openai.upload: decode: %w", err)
	}
	return resp.ID, nil
}

// CreateBatch starts a 24h chat-completions batch over the uploaded file.
func (c *Client) CreateBatch(ctx context.Context, inputFileID string) (string, error) {
	payload, err := json.Marshal(map[string]string{
		"input_file_id":     inputFileID,
		"endpoint":          "/v1/chat/completions",
		"completion_window": "24h",
	})
	if err != nil {
		return "", fmt.Errorf("op=openai.create_batch: %w", err)
	}
	body, err := c.do(ctx, http.MethodPost, "/batches", "application/json", payload)
	if err != nil {
		return "", fmt.Errorf("op=openai.create_batch: %w", err)
	}
	var resp struct {
		ID string `json:"id"`
	}
	if err := json.Unmarshal(body, &resp); err != nil {
		return "", fmt.Errorf("op=openai.create_batch: decode: %w", err)
	}
	return resp.ID, nil
}

// GetBatch fetches the provider view of a batch.
func (c *Client) GetBatch(ctx context.Context, batchID string) (domain.BatchInfo, error) {
	body, err := c.do(ctx, http.MethodGet, "/batches/"+batchID, "", nil)
	if err != nil {
		return domain.BatchInfo{}, fmt.Errorf("op=openai.get_batch: %w", err)
	}
	var resp struct {
		ID            string `json:"id"`
		Status        string `json:"status"`
		OutputFileID  string `json:"output_file_id"`
		ErrorFileID   string `json:"error_file_id"`
		RequestCounts struct {
			Total     int `json:"total"`
			Completed int `json:"completed"`
			Failed    int `json:"failed"`
		} `json:"request_counts"`
	}
	if err := json.Unmarshal(body, &resp); err != nil {
		return domain.BatchInfo{}, fmt.Errorf("op=openai.get_batch: decode: %w", err)
	}
	return domain.BatchInfo{
		ID:           resp.ID,
		Status:       domain.BatchStatus(resp.Status),
		OutputFileID: resp.OutputFileID,
		ErrorFileID:  resp.ErrorFileID,
		Total:        resp.RequestCounts.Total,
		Completed:    resp.RequestCounts.Completed,
		Failed:       resp.RequestCounts.Failed,
	}, nil
}

// FileContent downloads a result file.
func (c *Client) FileContent(ctx context.Context, fileID string) ([]byte, error) {
	body, err := c.do(ctx, http.MethodGet, "/files/"+fileID+"/content", "", nil)
	if err != nil {
		return nil, fmt.Errorf("op=openai.file_content: %w", err)
	}
	return body, nil
}

// Embed produces an embedding vector for the text.
func (c *Client) Embed(ctx context.Context, text string) ([]float32, error) {
	payload, err := json.Marshal(map[string]any{
		"model": c.embeddingsModel,
		"input": text,
	})
	if err != nil {
		return nil, fmt.Errorf("op=openai.embed: %w", err)
	}
	body, err := c.do(ctx, http.MethodPost, "/embeddings", "application/json", payload)
	if err != nil {
		return nil, fmt.Errorf("op=openai.embed: %w", err)
	}
	var resp struct {
		Data []struct {
			Embedding []float32 `json:"embedding"`
		} `json:"data"`
	}
	if err := json.Unmarshal(body, &resp); err != nil {
		return nil, fmt.Errorf("op=openai.embed: decode: %w", err)
	}
	if len(resp.Data) == 0 {
		return nil, fmt.Errorf("op=openai.embed: empty response")
	}
	return resp.Data[0].Embedding, nil
}
