package selector

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"time"
)

// HTTPSelector calls an external Selector reachable over HTTP: POST the
// Input as JSON, expect an Output back. This is the typical deployment
// shape (a sidecar LLM endpoint) for what the core treats as a pure
// function.
type HTTPSelector struct {
	url        string
	httpClient *http.Client
	authToken  string
}

// NewHTTPSelector builds a selector client. timeout bounds the whole
// round trip; authToken, if non-empty, is sent as a bearer token.
func NewHTTPSelector(url string, timeout time.Duration, authToken string) *HTTPSelector {
	return &HTTPSelector{
		url:        url,
		httpClient: &http.Client{Timeout: timeout},
		authToken:  authToken,
	}
}

// Choose implements Selector.
func (s *HTTPSelector) Choose(ctx context.Context, in Input) (Output, error) {
	body, err := json.Marshal(in)
	if err != nil {
		return Output{}, fmt.Errorf("selector: marshal input: %w", err)
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, s.url, bytes.NewReader(body))
	if err != nil {
		return Output{}, fmt.Errorf("selector: build request: %w", err)
	}
	req.Header.Set("Content-Type", "application/json")
	if s.authToken != "" {
		req.Header.Set("Authorization", "Bearer "+s.authToken)
	}

	resp, err := s.httpClient.Do(req)
	if err != nil {
		return Output{}, fmt.Errorf("selector: request failed: %w", err)
	}
	defer resp.Body.Close()

	respBody, err := io.ReadAll(resp.Body)
	if err != nil {
		return Output{}, fmt.Errorf("selector: read response: %w", err)
	}

	if resp.StatusCode != http.StatusOK {
		return Output{}, fmt.Errorf("selector: status %d: %s", resp.StatusCode, string(respBody))
	}

	var out Output
	if err := json.Unmarshal(respBody, &out); err != nil {
		return Output{}, fmt.Errorf("selector: parse response: %w", err)
	}
	return out, nil
}

// StaticSelector always returns a fixed jid; used in tests and for
// single-specialist deployments where external selection is overkill.
type StaticSelector struct {
	JID string
}

// Choose implements Selector.
func (s StaticSelector) Choose(ctx context.Context, in Input) (Output, error) {
	return Output{SelectedJID: s.JID, Reason: "static", Confidence: 1}, nil
}
