// Package translate is the HTTP client for the translation collaborator.
// The service is addressed with the model's internal language tags; mapping
// from client-facing short tags happens in the pipeline.
package translate

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"time"
)

// Translator translates text between two model-tag languages.
type Translator interface {
	Translate(ctx context.Context, text, sourceTag, targetTag string) (string, error)
}

// HTTPTranslator calls the translation service over HTTP.
type HTTPTranslator struct {
	BaseURL    string
	HTTPClient *http.Client

	// Device and ComputeType are forwarded to the service untouched; the
	// collaborator decides what they mean.
	Device      string
	ComputeType string
}

func New(baseURL, device, computeType string) *HTTPTranslator {
	return &HTTPTranslator{
		BaseURL:     baseURL,
		HTTPClient:  &http.Client{Timeout: 60 * time.Second},
		Device:      device,
		ComputeType: computeType,
	}
}

type translateRequest struct {
	Text       string `json:"text"`
	SourceLang string `json:"source_lang"`
	TargetLang string `json:"target_lang"`
}

type translateResponse struct {
	Translation string `json:"translation"`
}

func (h *HTTPTranslator) Translate(ctx context.Context, text, sourceTag, targetTag string) (string, error) {
	if text == "" {
		return "", nil
	}

	body, err := json.Marshal(translateRequest{
		Text:       text,
		SourceLang: sourceTag,
		TargetLang: targetTag,
	})
	if err != nil {
		return "", fmt.Errorf("marshal request: %w", err)
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, h.BaseURL+"/translate", bytes.NewReader(body))
	if err != nil {
		return "", fmt.Errorf("create request: %w", err)
	}
	req.Header.Set("Content-Type", "application/json")
	if h.Device != "" {
		req.Header.Set("x-device", h.Device)
	}
	if h.ComputeType != "" {
		req.Header.Set("x-compute-type", h.ComputeType)
	}

	client := h.HTTPClient
	if client == nil {
		client = http.DefaultClient
	}

	resp, err := client.Do(req)
	if err != nil {
		return "", fmt.Errorf("do request: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		respBody, _ := io.ReadAll(resp.Body)
		return "", fmt.Errorf("translation service returned %d: %s", resp.StatusCode, string(respBody))
	}

	var result translateResponse
	if err := json.NewDecoder(resp.Body).Decode(&result); err != nil {
		return "", fmt.Errorf("decode response: %w", err)
	}

	return result.Translation, nil
}
