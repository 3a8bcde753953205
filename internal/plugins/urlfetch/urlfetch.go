// Package urlfetch is a compiled-in connector that imports a resource by
// downloading it over HTTP.
//
// Catalog config:
//
//	{"baseUrl": "https://opendata.example.org/files/", "timeout": 30}
//
// The import's remote resource id is resolved against baseUrl. A
// "authorization" secret, when present, is sent as the Authorization header.
package urlfetch

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"os"
	"path"
	"path/filepath"
	"strings"
	"time"

	"catalogworker/internal/plugins"
)

const ID = "urlfetch"

type Config struct {
	BaseURL string            `json:"baseUrl"`
	Headers map[string]string `json:"headers"`
	Timeout int               `json:"timeout"` // seconds
}

// ImportConfig overrides the metadata derived from the URL.
type ImportConfig struct {
	Title    string `json:"title"`
	Table    bool   `json:"table"`
	Filename string `json:"filename"`
}

type Connector struct {
	version string
}

func New(version string) (plugins.Connector, error) {
	if version == "" {
		version = "builtin"
	}
	return &Connector{version: version}, nil
}

func (c *Connector) ID() string             { return ID }
func (c *Connector) Version() string        { return c.version }
func (c *Connector) Capabilities() []string { return []string{plugins.CapImport} }

func (c *Connector) AssertConfigValid(_ context.Context, raw json.RawMessage) error {
	_, err := parseConfig(raw)
	return err
}

func parseConfig(raw json.RawMessage) (Config, error) {
	var cfg Config
	if len(raw) > 0 {
		if err := json.Unmarshal(raw, &cfg); err != nil {
			return cfg, fmt.Errorf("invalid urlfetch config: %w", err)
		}
	}
	if cfg.BaseURL != "" {
		u, err := url.Parse(cfg.BaseURL)
		if err != nil || (u.Scheme != "http" && u.Scheme != "https") {
			return cfg, fmt.Errorf("invalid urlfetch config: baseUrl %q is not an http(s) URL", cfg.BaseURL)
		}
	}
	if cfg.Timeout <= 0 {
		cfg.Timeout = 30
	}
	return cfg, nil
}

func (c *Connector) GetResource(ctx context.Context, req plugins.ResourceRequest) (*plugins.Resource, error) {
	cfg, err := parseConfig(req.CatalogConfig)
	if err != nil {
		return nil, err
	}
	var ic ImportConfig
	if len(req.ImportConfig) > 0 {
		if err := json.Unmarshal(req.ImportConfig, &ic); err != nil {
			return nil, fmt.Errorf("invalid import config: %w", err)
		}
	}
	target, err := resolve(cfg.BaseURL, req.ResourceID)
	if err != nil {
		return nil, err
	}

	name := ic.Filename
	if name == "" {
		name = path.Base(target.Path)
	}
	if name == "" || name == "/" || name == "." {
		name = "resource"
	}
	dest := filepath.Join(req.TmpDir, filepath.Base(name))

	if req.Log != nil {
		req.Log.Step("download " + target.String())
	}
	if err := download(ctx, cfg, req, target.String(), dest); err != nil {
		return nil, err
	}

	title := ic.Title
	if title == "" {
		title = strings.TrimSuffix(filepath.Base(dest), filepath.Ext(dest))
	}
	return &plugins.Resource{
		ID:       req.ResourceID,
		Title:    title,
		Origin:   target.String(),
		FilePath: dest,
		Table:    ic.Table,
	}, nil
}

func resolve(base, id string) (*url.URL, error) {
	ref, err := url.Parse(id)
	if err != nil {
		return nil, fmt.Errorf("invalid resource id %q: %w", id, err)
	}
	if base == "" {
		if !ref.IsAbs() {
			return nil, fmt.Errorf("resource id %q must be an absolute URL when no baseUrl is configured", id)
		}
		return ref, nil
	}
	b, err := url.Parse(base)
	if err != nil {
		return nil, err
	}
	return b.ResolveReference(ref), nil
}

func download(ctx context.Context, cfg Config, req plugins.ResourceRequest, src, dest string) error {
	client := &http.Client{Timeout: time.Duration(cfg.Timeout) * time.Second}

	httpReq, err := http.NewRequestWithContext(ctx, http.MethodGet, src, nil)
	if err != nil {
		return fmt.Errorf("failed to create HTTP request: %w", err)
	}
	for k, v := range cfg.Headers {
		httpReq.Header.Set(k, v)
	}
	if auth := req.Secrets["authorization"]; auth != "" {
		httpReq.Header.Set("Authorization", auth)
	}

	resp, err := client.Do(httpReq)
	if err != nil {
		return fmt.Errorf("HTTP request failed: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode >= 400 {
		b, _ := io.ReadAll(io.LimitReader(resp.Body, 1024))
		return fmt.Errorf("HTTP %d error: %s", resp.StatusCode, strings.TrimSpace(string(b)))
	}

	f, err := os.Create(dest)
	if err != nil {
		return err
	}
	var w io.Writer = f
	if req.Log != nil {
		req.Log.Task("download", "download "+filepath.Base(dest), resp.ContentLength)
		w = &progressWriter{w: f, log: req.Log, total: resp.ContentLength}
	}
	if _, err := io.Copy(w, resp.Body); err != nil {
		_ = f.Close()
		return fmt.Errorf("failed to read response body: %w", err)
	}
	return f.Close()
}

// progressWriter reports download progress at most every 1MiB.
type progressWriter struct {
	w        io.Writer
	log      plugins.LogSink
	total    int64
	written  int64
	reported int64
}

func (p *progressWriter) Write(b []byte) (int, error) {
	n, err := p.w.Write(b)
	p.written += int64(n)
	if p.written-p.reported >= 1<<20 || (p.total > 0 && p.written == p.total) {
		p.reported = p.written
		p.log.Progress("download", p.written)
	}
	return n, err
}
