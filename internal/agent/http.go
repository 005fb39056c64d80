package agent

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"strings"

	"github.com/mtzanidakis/flowmesh/internal/registry"
)

// maxBody bounds how much of a response is read into a task result.
const maxBody = 4 << 20

// HTTP posts the task to a remote endpoint and returns the response body.
type HTTP struct {
	url         string
	method      string
	headers     map[string]string
	description string
	client      *http.Client
}

func NewHTTP(url, method string, headers map[string]string, description string) *HTTP {
	if method == "" {
		method = http.MethodPost
	}
	return &HTTP{
		url:         url,
		method:      strings.ToUpper(method),
		headers:     headers,
		description: description,
		client:      &http.Client{},
	}
}

func (h *HTTP) Invoke(ctx context.Context, prompt string, upstream map[string]json.RawMessage) (json.RawMessage, error) {
	body, err := json.Marshal(Request{Prompt: prompt, Upstream: upstream})
	if err != nil {
		return nil, fmt.Errorf("encode request: %w", err)
	}

	req, err := http.NewRequestWithContext(ctx, h.method, h.url, bytes.NewReader(body))
	if err != nil {
		return nil, fmt.Errorf("build request: %w", err)
	}
	req.Header.Set("Content-Type", "application/json")
	req.Header.Set("Accept", "application/json")
	for k, v := range h.headers {
		req.Header.Set(k, v)
	}

	resp, err := h.client.Do(req)
	if err != nil {
		return nil, err
	}
	defer resp.Body.Close()

	data, err := io.ReadAll(io.LimitReader(resp.Body, maxBody))
	if err != nil {
		return nil, fmt.Errorf("read response: %w", err)
	}
	if resp.StatusCode < 200 || resp.StatusCode > 299 {
		return nil, fmt.Errorf("status %d: %s", resp.StatusCode, strings.TrimSpace(string(data)))
	}
	return asJSON(bytes.TrimSpace(data)), nil
}

func (h *HTTP) Describe() registry.Descriptor {
	return registry.Descriptor{Kind: KindHTTP, Description: h.description}
}
