package content

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"strings"
	"time"

	"github.com/segmentio/ksuid"
)

// ErrNotFound is matched by HTTPError values carrying a 404
var ErrNotFound = errors.New("content not found")

// HTTPError is returned for any non-2xx response from the content API
type HTTPError struct {
	Op         string
	StatusCode int
	Code       string
	Message    string
}

func (e *HTTPError) Error() string {
	if e.Code != "" {
		return fmt.Sprintf("%s: http %d %s: %s", e.Op, e.StatusCode, e.Code, e.Message)
	}
	return fmt.Sprintf("%s: http %d: %s", e.Op, e.StatusCode, e.Message)
}

func (e *HTTPError) Is(target error) bool {
	return target == ErrNotFound && e.StatusCode == http.StatusNotFound
}

// Scope carries the tenant and credentials a session forwards upstream
type Scope struct {
	WorkspaceSlug string
	ProjectID     string
	Cookie        string
}

// client is the HTTP plumbing shared by every scoped service
type client struct {
	baseURL    string
	httpClient *http.Client
	scope      Scope
}

func newClient(baseURL string, httpClient *http.Client, scope Scope) client {
	baseURL = strings.TrimRight(strings.TrimSpace(baseURL), "/")
	if httpClient == nil {
		httpClient = &http.Client{Timeout: 15 * time.Second}
	}
	return client{baseURL: baseURL, httpClient: httpClient, scope: scope}
}

type response struct {
	header http.Header
	body   []byte
}

func (c client) do(
	ctx context.Context,
	op, method, requestPath string,
	headers map[string]string,
	body any,
	out any,
) (*response, error) {
	var bodyReader io.Reader
	if body != nil {
		payload, err := json.Marshal(body)
		if err != nil {
			return nil, fmt.Errorf("%s: failed to encode request: %w", op, err)
		}
		bodyReader = bytes.NewReader(payload)
	}

	req, err := http.NewRequestWithContext(ctx, method, c.baseURL+requestPath, bodyReader)
	if err != nil {
		return nil, fmt.Errorf("%s: %w", op, err)
	}
	req.Header.Set("Accept", "application/json")
	req.Header.Set("X-Request-ID", ksuid.New().String())
	if c.scope.Cookie != "" {
		req.Header.Set("Cookie", c.scope.Cookie)
	}
	if c.scope.WorkspaceSlug != "" {
		req.Header.Set("X-Workspace-Slug", c.scope.WorkspaceSlug)
	}
	if body != nil {
		req.Header.Set("Content-Type", "application/json")
	}
	for key, value := range headers {
		req.Header.Set(key, value)
	}

	resp, err := c.httpClient.Do(req)
	if err != nil {
		return nil, fmt.Errorf("%s: request failed: %w", op, err)
	}
	defer resp.Body.Close()

	payload, err := io.ReadAll(resp.Body)
	if err != nil {
		return nil, fmt.Errorf("%s: failed to read response: %w", op, err)
	}

	if resp.StatusCode < 200 || resp.StatusCode > 299 {
		var errPayload struct {
			Code    string `json:"code"`
			Message string `json:"error"`
		}
		_ = json.Unmarshal(payload, &errPayload)
		if errPayload.Message == "" {
			errPayload.Message = http.StatusText(resp.StatusCode)
		}
		return nil, &HTTPError{
			Op:         op,
			StatusCode: resp.StatusCode,
			Code:       errPayload.Code,
			Message:    errPayload.Message,
		}
	}

	if out != nil && len(payload) > 0 {
		if err := json.Unmarshal(payload, out); err != nil {
			return nil, fmt.Errorf("%s: failed to decode response: %w", op, err)
		}
	}

	return &response{header: resp.Header, body: payload}, nil
}
