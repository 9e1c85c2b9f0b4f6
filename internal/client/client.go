// Package client talks to the gateway's HTTP API.
package client

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"mime/multipart"
	"net/http"
	"net/url"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/braydenhuang/network-threat-detector/pkg/schema"
)

const DefaultBaseURL = "http://localhost:8080"

var ErrNotFound = errors.New("not found")

// APIError is a non-2xx response from the gateway.
type APIError struct {
	Status  int
	Message string
}

func (e *APIError) Error() string {
	if e.Message == "" {
		return fmt.Sprintf("gateway returned %d %s", e.Status, http.StatusText(e.Status))
	}
	return fmt.Sprintf("gateway returned %d: %s", e.Status, e.Message)
}

type Client struct {
	base *url.URL
	http *http.Client
}

func New(baseURL string, timeout time.Duration) (*Client, error) {
	if baseURL == "" {
		baseURL = DefaultBaseURL
	}
	u, err := url.Parse(strings.TrimRight(baseURL, "/"))
	if err != nil {
		return nil, fmt.Errorf("parse api url: %w", err)
	}
	if u.Scheme != "http" && u.Scheme != "https" {
		return nil, fmt.Errorf("api url %q must be http or https", baseURL)
	}
	return &Client{base: u, http: &http.Client{Timeout: timeout}}, nil
}

func (c *Client) endpoint(parts ...string) string {
	u := *c.base
	for i := range parts {
		parts[i] = url.PathEscape(parts[i])
	}
	u.Path = strings.TrimRight(u.Path, "/") + "/" + strings.Join(parts, "/")
	return u.String()
}

func (c *Client) Health(ctx context.Context) (schema.Health, error) {
	var h schema.Health
	return h, c.get(ctx, c.endpoint(""), &h)
}

// Assignment returns ErrNotFound for unknown ids.
func (c *Client) Assignment(ctx context.Context, id string) (schema.AssignmentResponse, error) {
	var a schema.AssignmentResponse
	return a, c.get(ctx, c.endpoint("assignment", id), &a)
}

// Job returns ErrNotFound for unknown ids.
func (c *Client) Job(ctx context.Context, id string) (schema.JobResponse, error) {
	var j schema.JobResponse
	return j, c.get(ctx, c.endpoint("job", id), &j)
}

// Upload streams a capture file to the gateway. The response is returned
// together with an *APIError when the gateway refused the upload, since
// refusals still carry an UploadResponse body.
func (c *Client) Upload(ctx context.Context, path string) (schema.UploadResponse, error) {
	f, err := os.Open(path)
	if err != nil {
		return schema.UploadResponse{}, err
	}
	defer f.Close()

	pr, pw := io.Pipe()
	mw := multipart.NewWriter(pw)
	go func() {
		part, err := mw.CreateFormFile("file", filepath.Base(path))
		if err == nil {
			_, err = io.Copy(part, f)
		}
		if err == nil {
			err = mw.Close()
		}
		pw.CloseWithError(err)
	}()

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, c.endpoint("upload"), pr)
	if err != nil {
		return schema.UploadResponse{}, err
	}
	req.Header.Set("Content-Type", mw.FormDataContentType())

	resp, err := c.http.Do(req)
	if err != nil {
		return schema.UploadResponse{}, fmt.Errorf("upload %s: %w", path, err)
	}
	defer resp.Body.Close()

	var out schema.UploadResponse
	body, err := io.ReadAll(resp.Body)
	if err != nil {
		return out, fmt.Errorf("read upload response: %w", err)
	}
	if jerr := json.Unmarshal(body, &out); jerr != nil && resp.StatusCode < 300 {
		return out, fmt.Errorf("decode upload response: %w", jerr)
	}
	if resp.StatusCode >= 300 {
		msg := ""
		if out.Message != nil {
			msg = *out.Message
		} else {
			msg = errorMessage(body)
		}
		return out, &APIError{Status: resp.StatusCode, Message: msg}
	}
	return out, nil
}

func (c *Client) get(ctx context.Context, endpoint string, v any) error {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, endpoint, nil)
	if err != nil {
		return err
	}
	req.Header.Set("Accept", "application/json")
	resp, err := c.http.Do(req)
	if err != nil {
		return fmt.Errorf("get %s: %w", endpoint, err)
	}
	defer resp.Body.Close()

	body, err := io.ReadAll(resp.Body)
	if err != nil {
		return fmt.Errorf("read response: %w", err)
	}
	switch {
	case resp.StatusCode == http.StatusNotFound:
		return fmt.Errorf("%w: %s", ErrNotFound, errorMessage(body))
	case resp.StatusCode >= 300:
		return &APIError{Status: resp.StatusCode, Message: errorMessage(body)}
	}
	if err := json.Unmarshal(body, v); err != nil {
		return fmt.Errorf("decode response: %w", err)
	}
	return nil
}

func errorMessage(body []byte) string {
	var e schema.ErrorResponse
	if err := json.Unmarshal(body, &e); err == nil && e.Error != "" {
		return e.Error
	}
	return strings.TrimSpace(string(body))
}
