package sealing

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"strings"
	"time"
)

// HTTPRenderer calls the external document-rendering service over HTTP.
type HTTPRenderer struct {
	baseURL    string
	httpClient *http.Client
}

// NewHTTPRenderer builds a renderer client for the given base URL.
func NewHTTPRenderer(baseURL string) (*HTTPRenderer, error) {
	baseURL = strings.TrimRight(strings.TrimSpace(baseURL), "/")
	if baseURL == "" {
		return nil, fmt.Errorf("renderer base URL is required")
	}
	return &HTTPRenderer{
		baseURL:    baseURL,
		httpClient: &http.Client{Timeout: 60 * time.Second},
	}, nil
}

// SealDocument asks the render service to flatten the document with the
// collected field values and signer boxes, returning the sealed object key.
// 5xx responses and transport errors are transient; 4xx responses are not.
func (c *HTTPRenderer) SealDocument(ctx context.Context, sealReq SealRequest) (string, error) {
	payload, err := json.Marshal(sealReq)
	if err != nil {
		return "", fmt.Errorf("marshal seal request: %w", err)
	}
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, c.baseURL+"/render/seal", bytes.NewReader(payload))
	if err != nil {
		return "", fmt.Errorf("build seal request: %w", err)
	}
	req.Header.Set("Content-Type", "application/json")

	resp, err := c.httpClient.Do(req)
	if err != nil {
		return "", Transient(fmt.Errorf("call renderer: %w", err))
	}
	defer resp.Body.Close()

	if resp.StatusCode >= 400 {
		var errResp struct {
			Error string `json:"error"`
		}
		_ = json.NewDecoder(resp.Body).Decode(&errResp)
		msg := errResp.Error
		if msg == "" {
			msg = resp.Status
		}
		if resp.StatusCode >= 500 {
			return "", Transient(fmt.Errorf("renderer error: %s", msg))
		}
		return "", fmt.Errorf("renderer rejected seal request: %s", msg)
	}

	var out struct {
		SealedKey string `json:"sealedKey"`
	}
	if err := json.NewDecoder(resp.Body).Decode(&out); err != nil {
		return "", Transient(fmt.Errorf("decode renderer response: %w", err))
	}
	if out.SealedKey == "" {
		return "", fmt.Errorf("renderer returned no sealed key")
	}
	return out.SealedKey, nil
}
