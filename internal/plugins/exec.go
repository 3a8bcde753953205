package plugins

import (
	"bufio"
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"os"
	"os/exec"
	"path/filepath"
	"strings"

	"github.com/rs/zerolog/log"
)

// Exec runs an installed plugin version as a child process, one process
// per call. The request goes to stdin as {"op": ..., "request": ...} and
// the process answers on stdout with {"result": ...} or {"error": "..."}.
// Every stderr line that decodes as a log record is forwarded to the
// call's LogSink; other stderr output is kept for the error message.
type Exec struct {
	manifest Manifest
	path     string
}

// NewExec builds the connector described by m.
func NewExec(m Manifest) (*Exec, error) {
	path := m.Entrypoint
	if !filepath.IsAbs(path) {
		path = filepath.Join(m.dir, path)
	}
	st, err := os.Stat(path)
	if err != nil {
		return nil, fmt.Errorf("%w: %s@%s entrypoint: %v", ErrInvalidPlugin, m.ID, m.Version, err)
	}
	if st.IsDir() {
		return nil, fmt.Errorf("%w: %s@%s entrypoint is a directory", ErrInvalidPlugin, m.ID, m.Version)
	}
	return &Exec{manifest: m, path: path}, nil
}

func (e *Exec) ID() string             { return e.manifest.ID }
func (e *Exec) Version() string        { return e.manifest.Version }
func (e *Exec) Capabilities() []string { return e.manifest.Capabilities }

func (e *Exec) List(ctx context.Context, req ListRequest) (ListResult, error) {
	var out ListResult
	err := e.call(ctx, "list", req, req.Log, &out)
	return out, err
}

func (e *Exec) GetResource(ctx context.Context, req ResourceRequest) (*Resource, error) {
	var out Resource
	if err := e.call(ctx, "getResource", req, req.Log, &out); err != nil {
		return nil, err
	}
	return &out, nil
}

func (e *Exec) PublishDataset(ctx context.Context, req PublishRequest) (PublishResult, error) {
	var out PublishResult
	err := e.call(ctx, "publishDataset", req, req.Log, &out)
	return out, err
}

func (e *Exec) DeleteDataset(ctx context.Context, req DeleteRequest) error {
	return e.call(ctx, "deleteDataset", req, req.Log, nil)
}

func (e *Exec) Prepare(ctx context.Context, req PrepareRequest) (PrepareResult, error) {
	var out PrepareResult
	err := e.call(ctx, "prepare", req, req.Log, &out)
	return out, err
}

// AssertConfigValid asks the plugin to check config. A plugin that does not
// validate answers {"result": null}.
func (e *Exec) AssertConfigValid(ctx context.Context, config json.RawMessage) error {
	return e.call(ctx, "assertConfigValid", validateRequest{CatalogConfig: config}, nil, nil)
}

type validateRequest struct {
	CatalogConfig json.RawMessage `json:"catalogConfig,omitempty"`
}

type execRequest struct {
	Op      string `json:"op"`
	Request any    `json:"request"`
}

type execResponse struct {
	Result json.RawMessage `json:"result"`
	Error  string          `json:"error"`
}

// logRecord is one stderr line emitted by a plugin.
type logRecord struct {
	Type  string          `json:"type"`
	Msg   string          `json:"msg"`
	Key   string          `json:"key"`
	Value int64           `json:"value"`
	Total *int64          `json:"total"`
	Extra json.RawMessage `json:"extra"`
}

func (e *Exec) call(ctx context.Context, op string, req any, sink LogSink, out any) error {
	in, err := json.Marshal(execRequest{Op: op, Request: req})
	if err != nil {
		return err
	}

	cmd := exec.CommandContext(ctx, e.path, e.manifest.Args...)
	cmd.Dir = e.manifest.dir
	cmd.Stdin = bytes.NewReader(in)
	cmd.Env = os.Environ()
	for k, v := range e.manifest.Env {
		cmd.Env = append(cmd.Env, k+"="+v)
	}
	var stdout bytes.Buffer
	cmd.Stdout = &stdout
	stderr, err := cmd.StderrPipe()
	if err != nil {
		return err
	}
	if err := cmd.Start(); err != nil {
		return fmt.Errorf("plugin %s@%s: %w", e.manifest.ID, e.manifest.Version, err)
	}
	// stderr must be drained before Wait closes the pipe.
	tail := forwardLogs(stderr, sink)
	waitErr := cmd.Wait()

	var resp execResponse
	decErr := json.Unmarshal(bytes.TrimSpace(stdout.Bytes()), &resp)
	switch {
	case decErr == nil && resp.Error != "":
		return fmt.Errorf("plugin %s@%s %s: %s", e.manifest.ID, e.manifest.Version, op, resp.Error)
	case waitErr != nil:
		return fmt.Errorf("plugin %s@%s %s: %v; stderr=%s", e.manifest.ID, e.manifest.Version, op, waitErr, tail)
	case decErr != nil:
		return fmt.Errorf("plugin %s@%s %s: bad response: %w", e.manifest.ID, e.manifest.Version, op, decErr)
	}
	if out == nil || len(resp.Result) == 0 || string(resp.Result) == "null" {
		return nil
	}
	return json.Unmarshal(resp.Result, out)
}

func forwardLogs(r io.Reader, sink LogSink) string {
	var tail []string
	sc := bufio.NewScanner(r)
	sc.Buffer(make([]byte, 64*1024), 1024*1024)
	for sc.Scan() {
		line := sc.Bytes()
		var rec logRecord
		if json.Unmarshal(line, &rec) != nil || rec.Type == "" {
			tail = append(tail, string(line))
			if len(tail) > 20 {
				tail = tail[1:]
			}
			continue
		}
		if sink == nil {
			log.Debug().Str("type", rec.Type).Msg(rec.Msg)
			continue
		}
		emit(sink, rec)
	}
	if err := sc.Err(); err != nil && !errors.Is(err, os.ErrClosed) {
		tail = append(tail, err.Error())
	}
	return strings.Join(tail, "\n")
}

func emit(sink LogSink, rec logRecord) {
	var extra []any
	if len(rec.Extra) > 0 {
		extra = append(extra, rec.Extra)
	}
	switch rec.Type {
	case "step":
		sink.Step(rec.Msg)
	case "warning":
		sink.Warning(rec.Msg, extra...)
	case "error":
		sink.Error(rec.Msg, extra...)
	case "task":
		var total int64
		if rec.Total != nil {
			total = *rec.Total
		}
		sink.Task(rec.Key, rec.Msg, total)
	case "progress":
		if rec.Total != nil {
			sink.Progress(rec.Key, rec.Value, *rec.Total)
		} else {
			sink.Progress(rec.Key, rec.Value)
		}
	default:
		sink.Info(rec.Msg, extra...)
	}
}
