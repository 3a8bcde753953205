// Package plugins defines the connector contract and resolves the
// versioned connector a catalog is bound to.
//
// A connector declares its capabilities as strings and implements the
// matching optional interfaces. Callers go through the As* helpers, which
// require both: a connector that implements PublishDataset without
// declaring "publishDataset" is treated as unable to publish.
package plugins

import (
	"context"
	"encoding/json"
	"errors"

	"catalogworker/internal/domain"
	"catalogworker/internal/platform"
)

const (
	CapList    = "list"
	CapImport  = "import"
	CapPublish = "publishDataset"
	CapDelete  = "deletePublication"
)

var (
	ErrPluginNotFound = errors.New("plugin not found")
	ErrInvalidPlugin  = errors.New("invalid plugin")
)

// LogSink receives task progress from a connector.
type LogSink interface {
	Info(msg string, extra ...any)
	Warning(msg string, extra ...any)
	Error(msg string, extra ...any)
	Step(msg string)
	Task(key, msg string, total int64)
	Progress(key string, value int64, total ...int64)
}

// Context is shared by every connector call.
type Context struct {
	CatalogConfig json.RawMessage   `json:"catalogConfig,omitempty"`
	Secrets       map[string]string `json:"secrets,omitempty"`
	Log           LogSink           `json:"-"`
}

type Connector interface {
	ID() string
	Version() string
	Capabilities() []string
}

type ListRequest struct {
	Context
	CurrentFolderID string `json:"currentFolderId,omitempty"`
	Query           string `json:"q,omitempty"`
}

type ResourceRef struct {
	ID     string `json:"id"`
	Title  string `json:"title"`
	Type   string `json:"type"` // "resource" or "folder"
	Format string `json:"format,omitempty"`
}

type ListResult struct {
	Count   int           `json:"count"`
	Results []ResourceRef `json:"results"`
}

type ResourceRequest struct {
	Context
	ImportConfig json.RawMessage `json:"importConfig,omitempty"`
	ResourceID   string          `json:"resourceId"`
	TmpDir       string          `json:"tmpDir"`
}

// Resource is a fetched remote resource, normalized for upload. FilePath
// and attachment paths point inside the request's TmpDir.
type Resource struct {
	ID          string                 `json:"id"`
	Title       string                 `json:"title"`
	Description string                 `json:"description,omitempty"`
	Keywords    []string               `json:"keywords,omitempty"`
	Frequency   string                 `json:"frequency,omitempty"`
	Origin      string                 `json:"origin,omitempty"`
	License     *platform.License      `json:"license,omitempty"`
	Schema      []platform.SchemaField `json:"schema,omitempty"`
	FilePath    string                 `json:"filePath"`
	// Table marks FilePath as lines to bulk load into a table-backed
	// dataset instead of a file to upload.
	Table       bool         `json:"table,omitempty"`
	Attachments []Attachment `json:"attachments,omitempty"`
}

type Attachment struct {
	Title    string `json:"title"`
	FilePath string `json:"filePath"`
}

type PublishRequest struct {
	Context
	Dataset         platform.Dataset       `json:"dataset"`
	Publication     domain.Publication     `json:"publication"`
	PublicationSite domain.PublicationSite `json:"publicationSite"`
}

// PublishResult carries the remote identifiers to merge into the publication.
type PublishResult struct {
	RemoteDatasetID  string `json:"remoteDatasetId,omitempty"`
	RemoteResourceID string `json:"remoteResourceId,omitempty"`
}

type DeleteRequest struct {
	Context
	RemoteDatasetID  string `json:"remoteDatasetId,omitempty"`
	RemoteResourceID string `json:"remoteResourceId,omitempty"`
}

type PrepareRequest struct {
	Context
}

type PrepareResult struct {
	CatalogConfig json.RawMessage   `json:"catalogConfig,omitempty"`
	Secrets       map[string]string `json:"secrets,omitempty"`
	Capabilities  []string          `json:"capabilities,omitempty"`
}

type Lister interface {
	List(ctx context.Context, req ListRequest) (ListResult, error)
}

type ResourceGetter interface {
	GetResource(ctx context.Context, req ResourceRequest) (*Resource, error)
}

type DatasetPublisher interface {
	PublishDataset(ctx context.Context, req PublishRequest) (PublishResult, error)
}

type DatasetDeleter interface {
	DeleteDataset(ctx context.Context, req DeleteRequest) error
}

type Preparer interface {
	Prepare(ctx context.Context, req PrepareRequest) (PrepareResult, error)
}

// ConfigValidator checks a catalog config before the catalog is stored.
type ConfigValidator interface {
	AssertConfigValid(ctx context.Context, config json.RawMessage) error
}

// Has reports whether c declares capability name.
func Has(c Connector, name string) bool {
	for _, v := range c.Capabilities() {
		if v == name {
			return true
		}
	}
	return false
}

func AsLister(c Connector) (Lister, bool) {
	l, ok := c.(Lister)
	return l, ok && Has(c, CapList)
}

func AsResourceGetter(c Connector) (ResourceGetter, bool) {
	g, ok := c.(ResourceGetter)
	return g, ok && Has(c, CapImport)
}

func AsPublisher(c Connector) (DatasetPublisher, bool) {
	p, ok := c.(DatasetPublisher)
	return p, ok && Has(c, CapPublish)
}

func AsDeleter(c Connector) (DatasetDeleter, bool) {
	d, ok := c.(DatasetDeleter)
	return d, ok && Has(c, CapDelete)
}
