// Package platform is a client for the data platform's dataset API.
package platform

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"mime/multipart"
	"net/http"
	"net/url"
	"os"
	"path/filepath"
	"strings"
	"time"

	"catalogworker/internal/domain"
)

type License struct {
	Title string `json:"title"`
	Href  string `json:"href"`
}

type SchemaField struct {
	Key         string `json:"key"`
	Type        string `json:"type"`
	Format      string `json:"format,omitempty"`
	Title       string `json:"title,omitempty"`
	Description string `json:"description,omitempty"`
	XRefersTo   string `json:"x-refersTo,omitempty"`
}

type Dataset struct {
	ID          string         `json:"id"`
	Slug        string         `json:"slug,omitempty"`
	Title       string         `json:"title"`
	Description string         `json:"description,omitempty"`
	Owner       domain.Account `json:"owner"`
	IsRest      bool           `json:"isRest,omitempty"`
	Page        string         `json:"page,omitempty"`
	Keywords    []string       `json:"keywords,omitempty"`
	Frequency   string         `json:"frequency,omitempty"`
	Origin      string         `json:"origin,omitempty"`
	License     *License       `json:"license,omitempty"`
	Schema      []SchemaField  `json:"schema,omitempty"`
}

// Metadata is the body of a dataset create or update. Empty fields are
// left untouched by the platform.
type Metadata struct {
	Title       string        `json:"title,omitempty"`
	Description string        `json:"description,omitempty"`
	Keywords    []string      `json:"keywords,omitempty"`
	Frequency   string        `json:"frequency,omitempty"`
	Origin      string        `json:"origin,omitempty"`
	License     *License      `json:"license,omitempty"`
	Schema      []SchemaField `json:"schema,omitempty"`
	IsRest      bool          `json:"isRest,omitempty"`
}

// StatusError is returned for non-2xx responses.
type StatusError struct {
	Method     string
	Path       string
	StatusCode int
	Body       string
}

func (e *StatusError) Error() string {
	return fmt.Sprintf("%s %s: HTTP %d: %s", e.Method, e.Path, e.StatusCode, e.Body)
}

func (e *StatusError) Unwrap() error {
	if e.StatusCode == http.StatusNotFound {
		return domain.ErrNotFound
	}
	return nil
}

type Client struct {
	base   string
	apiKey string
	http   *http.Client
}

func NewClient(baseURL, apiKey string, timeout time.Duration) *Client {
	return &Client{
		base:   strings.TrimRight(baseURL, "/"),
		apiKey: apiKey,
		http:   &http.Client{Timeout: timeout},
	}
}

func (c *Client) GetDataset(ctx context.Context, id string) (Dataset, error) {
	var ds Dataset
	err := c.doJSON(ctx, http.MethodGet, "/api/v1/datasets/"+url.PathEscape(id), nil, &ds)
	return ds, err
}

// CreateFileDataset uploads filePath as a new file-backed dataset.
func (c *Client) CreateFileDataset(ctx context.Context, filePath string, meta Metadata) (Dataset, error) {
	var ds Dataset
	err := c.doMultipart(ctx, http.MethodPost, "/api/v1/datasets", "file", filePath, &meta, &ds)
	return ds, err
}

// UpdateFileDataset replaces the data file of dataset id.
func (c *Client) UpdateFileDataset(ctx context.Context, id, filePath string, meta Metadata) (Dataset, error) {
	var ds Dataset
	err := c.doMultipart(ctx, http.MethodPost, "/api/v1/datasets/"+url.PathEscape(id), "file", filePath, &meta, &ds)
	return ds, err
}

// CreateRestDataset creates an empty table-backed dataset. A non-empty id
// makes the call idempotent: the dataset is created or replaced under id.
func (c *Client) CreateRestDataset(ctx context.Context, id string, meta Metadata) (Dataset, error) {
	meta.IsRest = true
	var ds Dataset
	if id != "" {
		err := c.doJSON(ctx, http.MethodPut, "/api/v1/datasets/"+url.PathEscape(id), meta, &ds)
		return ds, err
	}
	err := c.doJSON(ctx, http.MethodPost, "/api/v1/datasets", meta, &ds)
	return ds, err
}

func (c *Client) PatchDataset(ctx context.Context, id string, meta Metadata) error {
	return c.doJSON(ctx, http.MethodPatch, "/api/v1/datasets/"+url.PathEscape(id), meta, nil)
}

// BulkReplaceLines drops every line of a table-backed dataset and loads
// the lines of filePath (CSV or NDJSON, by extension).
func (c *Client) BulkReplaceLines(ctx context.Context, id, filePath string) error {
	f, err := os.Open(filePath)
	if err != nil {
		return err
	}
	defer f.Close()
	ctype := "application/x-ndjson"
	if strings.EqualFold(filepath.Ext(filePath), ".csv") {
		ctype = "text/csv"
	}
	path := "/api/v1/datasets/" + url.PathEscape(id) + "/_bulk_lines?drop=true"
	return c.do(ctx, http.MethodPost, path, ctype, f, nil)
}

func (c *Client) UploadAttachment(ctx context.Context, id, filePath string) error {
	return c.doMultipart(ctx, http.MethodPost, "/api/v1/datasets/"+url.PathEscape(id)+"/metadata-attachments",
		"attachment", filePath, nil, nil)
}

func (c *Client) doJSON(ctx context.Context, method, path string, in, out any) error {
	var body io.Reader
	ctype := ""
	if in != nil {
		b, err := json.Marshal(in)
		if err != nil {
			return err
		}
		body = bytes.NewReader(b)
		ctype = "application/json"
	}
	return c.do(ctx, method, path, ctype, body, out)
}

// doMultipart streams filePath under field, plus meta as a JSON "body" field.
func (c *Client) doMultipart(ctx context.Context, method, path, field, filePath string, meta *Metadata, out any) error {
	f, err := os.Open(filePath)
	if err != nil {
		return err
	}
	defer f.Close()

	pr, pw := io.Pipe()
	mw := multipart.NewWriter(pw)
	go func() {
		pw.CloseWithError(writeParts(mw, field, f, meta))
	}()
	err = c.do(ctx, method, path, mw.FormDataContentType(), pr, out)
	_ = pr.Close()
	return err
}

func writeParts(mw *multipart.Writer, field string, f *os.File, meta *Metadata) error {
	if meta != nil {
		b, err := json.Marshal(meta)
		if err != nil {
			return err
		}
		if err := mw.WriteField("body", string(b)); err != nil {
			return err
		}
	}
	part, err := mw.CreateFormFile(field, filepath.Base(f.Name()))
	if err != nil {
		return err
	}
	if _, err := io.Copy(part, f); err != nil {
		return err
	}
	return mw.Close()
}

func (c *Client) do(ctx context.Context, method, path, ctype string, body io.Reader, out any) error {
	req, err := http.NewRequestWithContext(ctx, method, c.base+path, body)
	if err != nil {
		return fmt.Errorf("failed to create HTTP request: %w", err)
	}
	if ctype != "" {
		req.Header.Set("Content-Type", ctype)
	}
	if c.apiKey != "" {
		req.Header.Set("x-apiKey", c.apiKey)
	}
	resp, err := c.http.Do(req)
	if err != nil {
		return fmt.Errorf("HTTP request failed: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode >= 400 {
		b, _ := io.ReadAll(io.LimitReader(resp.Body, 4096))
		return &StatusError{Method: method, Path: path, StatusCode: resp.StatusCode, Body: strings.TrimSpace(string(b))}
	}
	if out == nil {
		_, _ = io.Copy(io.Discard, resp.Body)
		return nil
	}
	if err := json.NewDecoder(resp.Body).Decode(out); err != nil {
		return fmt.Errorf("failed to decode %s %s response: %w", method, path, err)
	}
	return nil
}
