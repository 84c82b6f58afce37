// Package remote implements the HTTP client for the storefront backend API.
// The backend owns persistence and payment-provider integration; this client
// only mirrors its contract.
package remote

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strconv"
	"strings"
)

// HTTPClient matches the subset of http.Client used by Client.
type HTTPClient interface {
	Do(*http.Request) (*http.Response, error)
}

// APIError is an authoritative backend rejection carrying the HTTP status.
type APIError struct {
	StatusCode int
	Code       string
	Message    string
}

// Error implements the error interface.
func (e *APIError) Error() string {
	msg := strings.TrimSpace(e.Message)
	if msg == "" {
		msg = http.StatusText(e.StatusCode)
	}
	if code := strings.TrimSpace(e.Code); code != "" {
		return fmt.Sprintf("remote: backend error (%s): %s", code, msg)
	}
	return fmt.Sprintf("remote: backend error (%d): %s", e.StatusCode, msg)
}

// IsAuthError reports whether err is an explicit credential rejection, as
// opposed to a transport failure. Callers use this to distinguish "token is
// bad, clear the session" from "network is down, keep cached state".
func IsAuthError(err error) bool {
	var apiErr *APIError
	if errors.As(err, &apiErr) {
		return apiErr.StatusCode == http.StatusUnauthorized || apiErr.StatusCode == http.StatusForbidden
	}
	return false
}

// IsRejection reports whether err is any authoritative backend response
// (4xx/5xx) rather than a transport failure.
func IsRejection(err error) bool {
	var apiErr *APIError
	return errors.As(err, &apiErr)
}

// Client talks to the storefront backend REST API.
type Client struct {
	base   *url.URL
	client HTTPClient
}

// NewClient constructs a Client for the given API base URL.
func NewClient(baseURL string, client HTTPClient) (*Client, error) {
	if strings.TrimSpace(baseURL) == "" {
		return nil, errors.New("remote: base URL is required")
	}
	parsed, err := url.Parse(baseURL)
	if err != nil {
		return nil, fmt.Errorf("remote: parse base URL: %w", err)
	}
	if client == nil {
		client = http.DefaultClient
	}
	return &Client{
		base:   parsed,
		client: client,
	}, nil
}

func (c *Client) do(req *http.Request) (*http.Response, error) {
	resp, err := c.client.Do(req)
	if err != nil {
		return nil, fmt.Errorf("remote: request failed: %w", err)
	}
	return resp, nil
}

func (c *Client) newRequest(ctx context.Context, method, endpoint string, body io.Reader, token string) (*http.Request, error) {
	urlStr := c.resolve(endpoint)
	req, err := http.NewRequestWithContext(ctx, method, urlStr, body)
	if err != nil {
		return nil, fmt.Errorf("remote: build request: %w", err)
	}
	if token != "" {
		req.Header.Set("Authorization", "Bearer "+token)
	}
	return req, nil
}

func (c *Client) newJSONRequest(ctx context.Context, method, endpoint string, payload any, token string) (*http.Request, error) {
	var buf bytes.Buffer
	if payload != nil {
		enc := json.NewEncoder(&buf)
		enc.SetEscapeHTML(false)
		if err := enc.Encode(payload); err != nil {
			return nil, fmt.Errorf("remote: encode payload: %w", err)
		}
	}
	req, err := c.newRequest(ctx, method, endpoint, &buf, token)
	if err != nil {
		return nil, err
	}
	req.Header.Set("Content-Type", "application/json")
	return req, nil
}

func (c *Client) resolve(endpoint string) string {
	if endpoint == "" {
		return c.base.String()
	}
	trimmed := strings.TrimPrefix(endpoint, "/")
	base := *c.base
	if !strings.HasSuffix(base.Path, "/") {
		base.Path += "/"
	}
	ref := &url.URL{Path: trimmed, RawQuery: ""}
	if idx := strings.IndexByte(trimmed, '?'); idx >= 0 {
		ref.Path = trimmed[:idx]
		ref.RawQuery = trimmed[idx+1:]
	}
	return base.ResolveReference(ref).String()
}

// decode runs a request, enforces the expected status codes and decodes the
// response body into out when out is non-nil.
func (c *Client) decode(req *http.Request, out any, okStatus ...int) error {
	resp, err := c.do(req)
	if err != nil {
		return err
	}
	defer resp.Body.Close()

	accepted := false
	for _, status := range okStatus {
		if resp.StatusCode == status {
			accepted = true
			break
		}
	}
	if !accepted {
		return errorFromResponse(resp)
	}

	if out == nil {
		_, _ = io.Copy(io.Discard, resp.Body)
		return nil
	}
	if err := json.NewDecoder(resp.Body).Decode(out); err != nil {
		return fmt.Errorf("remote: decode response: %w", err)
	}
	return nil
}

func errorFromResponse(resp *http.Response) error {
	body, _ := io.ReadAll(io.LimitReader(resp.Body, 1<<16))

	apiErr := &APIError{StatusCode: resp.StatusCode}
	if len(body) > 0 {
		// FastAPI-style payloads: {"detail": "..."} or {"code": ..., "message": ...}.
		var payload struct {
			Detail  json.RawMessage `json:"detail"`
			Code    string          `json:"code"`
			Message string          `json:"message"`
		}
		if err := json.Unmarshal(body, &payload); err == nil {
			apiErr.Code = payload.Code
			apiErr.Message = payload.Message
			if apiErr.Message == "" && len(payload.Detail) > 0 {
				var detail string
				if err := json.Unmarshal(payload.Detail, &detail); err == nil {
					apiErr.Message = detail
				} else {
					apiErr.Message = string(payload.Detail)
				}
			}
		}
		if apiErr.Message == "" {
			apiErr.Message = strings.TrimSpace(string(body))
		}
	}
	return apiErr
}

func queryInt64(name string, value int64) string {
	return name + "=" + strconv.FormatInt(value, 10)
}
