package platform

import (
	"context"
	"encoding/json"
	"io"
	"net/http"
	"net/http/httptest"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"catalogworker/internal/domain"
)

func writeFile(t *testing.T, name, content string) string {
	t.Helper()
	p := filepath.Join(t.TempDir(), name)
	require.NoError(t, os.WriteFile(p, []byte(content), 0o644))
	return p
}

func TestCreateFileDatasetMultipart(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		assert.Equal(t, http.MethodPost, r.Method)
		assert.Equal(t, "/api/v1/datasets", r.URL.Path)
		assert.Equal(t, "secret", r.Header.Get("x-apiKey"))

		if !assert.NoError(t, r.ParseMultipartForm(1<<20)) {
			return
		}
		var meta Metadata
		assert.NoError(t, json.Unmarshal([]byte(r.FormValue("body")), &meta))
		assert.Equal(t, "Trees", meta.Title)

		f, hdr, err := r.FormFile("file")
		if !assert.NoError(t, err) {
			return
		}
		defer f.Close()
		b, _ := io.ReadAll(f)
		assert.Equal(t, "trees.csv", hdr.Filename)
		assert.Equal(t, "a,b\n1,2\n", string(b))

		_ = json.NewEncoder(w).Encode(Dataset{ID: "ds1", Title: meta.Title})
	}))
	defer srv.Close()

	c := NewClient(srv.URL+"/", "secret", 5*time.Second)
	ds, err := c.CreateFileDataset(context.Background(), writeFile(t, "trees.csv", "a,b\n1,2\n"), Metadata{Title: "Trees"})
	require.NoError(t, err)
	assert.Equal(t, "ds1", ds.ID)
}

func TestBulkReplaceLinesDrops(t *testing.T) {
	var got struct {
		query, ctype, body string
	}
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		assert.Equal(t, "/api/v1/datasets/ds1/_bulk_lines", r.URL.Path)
		got.query = r.URL.RawQuery
		got.ctype = r.Header.Get("Content-Type")
		b, _ := io.ReadAll(r.Body)
		got.body = string(b)
		w.WriteHeader(http.StatusOK)
	}))
	defer srv.Close()

	c := NewClient(srv.URL, "", time.Second)
	require.NoError(t, c.BulkReplaceLines(context.Background(), "ds1", writeFile(t, "lines.ndjson", `{"a":1}`+"\n")))
	assert.Equal(t, "drop=true", got.query)
	assert.Equal(t, "application/x-ndjson", got.ctype)
	assert.Equal(t, `{"a":1}`+"\n", got.body)
}

func TestCreateRestDatasetWithStableID(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		assert.Equal(t, http.MethodPut, r.Method)
		assert.Equal(t, "/api/v1/datasets/imp-1", r.URL.Path)
		var meta Metadata
		assert.NoError(t, json.NewDecoder(r.Body).Decode(&meta))
		assert.True(t, meta.IsRest)
		_ = json.NewEncoder(w).Encode(Dataset{ID: "imp-1", IsRest: true})
	}))
	defer srv.Close()

	c := NewClient(srv.URL, "", time.Second)
	ds, err := c.CreateRestDataset(context.Background(), "imp-1", Metadata{Title: "Lines"})
	require.NoError(t, err)
	assert.Equal(t, "imp-1", ds.ID)
}

func TestStatusErrors(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		http.Error(w, "no such dataset", http.StatusNotFound)
	}))
	defer srv.Close()

	c := NewClient(srv.URL, "", time.Second)
	_, err := c.GetDataset(context.Background(), "missing")
	var se *StatusError
	require.ErrorAs(t, err, &se)
	assert.Equal(t, http.StatusNotFound, se.StatusCode)
	assert.ErrorIs(t, err, domain.ErrNotFound)

	err = c.PatchDataset(context.Background(), "missing", Metadata{Title: "x"})
	assert.ErrorIs(t, err, domain.ErrNotFound)
}
