package util

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

var serviceClient = &http.Client{Timeout: 30 * time.Second}

// APIError is a non-2xx answer from a remote gateway.
type APIError struct {
	Status  int
	Kind    string // broker error kind, when the gateway reported one
	Message string
}

func (e *APIError) Error() string {
	if e.Status == http.StatusUnauthorized || e.Status == http.StatusForbidden {
		return fmt.Sprintf("unauthorized (%d): %s; run `tradegate login`", e.Status, e.Message)
	}
	if e.Kind != "" {
		return fmt.Sprintf("gateway error (%d, %s): %s", e.Status, e.Kind, e.Message)
	}
	return fmt.Sprintf("gateway error (%d): %s", e.Status, e.Message)
}

// ServiceGet performs an authenticated GET against a gateway.
func ServiceGet(ctx context.Context, origin, path, token string) ([]byte, error) {
	body, _, err := serviceDo(ctx, http.MethodGet, origin, path, token, nil)
	return body, err
}

// ServicePost performs an authenticated POST with a JSON body. The status is
// returned so callers can tell 200 from 207.
func ServicePost(ctx context.Context, origin, path, token string, payload any) ([]byte, int, error) {
	return serviceDo(ctx, http.MethodPost, origin, path, token, payload)
}

// ServiceDelete performs an authenticated DELETE.
func ServiceDelete(ctx context.Context, origin, path, token string) error {
	_, _, err := serviceDo(ctx, http.MethodDelete, origin, path, token, nil)
	return err
}

func serviceDo(ctx context.Context, method, origin, path, token string, payload any) ([]byte, int, error) {
	url := strings.TrimRight(origin, "/") + path

	var bodyReader io.Reader
	if payload != nil {
		b, err := json.Marshal(payload)
		if err != nil {
			return nil, 0, fmt.Errorf("marshal body: %w", err)
		}
		bodyReader = bytes.NewReader(b)
	}

	req, err := http.NewRequestWithContext(ctx, method, url, bodyReader)
	if err != nil {
		return nil, 0, err
	}
	if token != "" {
		req.Header.Set("Authorization", "Bearer "+token)
	}
	if payload != nil {
		req.Header.Set("Content-Type", "application/json")
	}
	req.Header.Set("Accept", "application/json")
	req.Header.Set("Cache-Control", "no-store")
	req.Header.Set("X-Tradegate-Client", "cli")

	resp, err := serviceClient.Do(req)
	if err != nil {
		return nil, 0, err
	}
	defer resp.Body.Close()

	body, err := io.ReadAll(resp.Body)
	if err != nil {
		return nil, resp.StatusCode, err
	}
	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		return nil, resp.StatusCode, parseAPIError(resp.StatusCode, body)
	}
	return body, resp.StatusCode, nil
}

func parseAPIError(status int, body []byte) *APIError {
	e := &APIError{Status: status}
	var payload struct {
		Error string `json:"error"`
		Kind  string `json:"kind"`
	}
	if json.Unmarshal(body, &payload) == nil && payload.Error != "" {
		e.Message, e.Kind = payload.Error, payload.Kind
		return e
	}
	e.Message = strings.TrimSpace(string(body))
	if e.Message == "" {
		e.Message = http.StatusText(status)
	}
	return e
}
