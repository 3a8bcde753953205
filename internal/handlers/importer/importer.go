// Package importer runs import tasks: fetch a remote resource through the
// catalog's connector and upload it to the data platform.
package importer

import (
	"context"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"regexp"
	"strings"
	"time"

	"github.com/rs/zerolog/log"

	"catalogworker/internal/domain"
	"catalogworker/internal/eventbus"
	"catalogworker/internal/platform"
	"catalogworker/internal/plugins"
	"catalogworker/internal/store"
	"catalogworker/internal/tasklog"
)

type Store interface {
	tasklog.Appender
	GetImport(ctx context.Context, id string) (domain.Import, error)
	UpdateImport(ctx context.Context, id string, p store.ImportPatch) error
	GetCatalog(ctx context.Context, id string) (domain.Catalog, error)
}

type Resolver interface {
	Resolve(c domain.Catalog) (plugins.Connector, error)
}

// DatasetAPI is the part of the platform client imports use.
type DatasetAPI interface {
	CreateFileDataset(ctx context.Context, filePath string, meta platform.Metadata) (platform.Dataset, error)
	UpdateFileDataset(ctx context.Context, id, filePath string, meta platform.Metadata) (platform.Dataset, error)
	CreateRestDataset(ctx context.Context, id string, meta platform.Metadata) (platform.Dataset, error)
	PatchDataset(ctx context.Context, id string, meta platform.Metadata) error
	BulkReplaceLines(ctx context.Context, id, filePath string) error
	UploadAttachment(ctx context.Context, id, filePath string) error
}

type Decipherer interface {
	Decipher(sealed map[string]string) (map[string]string, error)
}

type Executor struct {
	Store    Store
	Plugins  Resolver
	Platform DatasetAPI
	Secrets  Decipherer
	Events   eventbus.Publisher
	// TmpRoot is where per-task working directories are created; the
	// system temp dir when empty.
	TmpRoot string

	now func() time.Time
}

func (e *Executor) clock() time.Time {
	if e.now != nil {
		return e.now()
	}
	return time.Now()
}

// Run executes import id. Failures of the connector or the platform end
// with the import in status error and a nil return. A returned error is
// either a Discard (the task cannot run) or a store failure.
func (e *Executor) Run(ctx context.Context, id string) error {
	imp, err := e.Store.GetImport(ctx, id)
	if errors.Is(err, domain.ErrNotFound) {
		log.Warn().Str("import_id", id).Msg("import vanished before it ran")
		return nil
	}
	if err != nil {
		return err
	}
	cat, err := e.Store.GetCatalog(ctx, imp.CatalogID)
	if err != nil {
		if errors.Is(err, domain.ErrNotFound) {
			return domain.Discard(fmt.Errorf("import %s: catalog %s: %w", id, imp.CatalogID, err))
		}
		return err
	}
	conn, err := e.Plugins.Resolve(cat)
	if err != nil {
		return domain.Discard(fmt.Errorf("import %s: %w", id, err))
	}
	getter, ok := plugins.AsResourceGetter(conn)
	if !ok {
		return domain.Discard(fmt.Errorf("import %s: %s@%s: %w: %s",
			id, conn.ID(), conn.Version(), domain.ErrMissingCapability, plugins.CapImport))
	}

	tl := tasklog.New(ctx, e.Store, e.Events, domain.TaskImport, id)

	secrets, err := e.Secrets.Decipher(cat.Secrets)
	if err != nil {
		return e.fail(ctx, tl, id, fmt.Errorf("decipher catalog secrets: %w", err))
	}

	tmp, err := os.MkdirTemp(e.TmpRoot, "import-"+safeName(id)+"-")
	if err != nil {
		return e.fail(ctx, tl, id, err)
	}
	defer func() {
		if err := os.RemoveAll(tmp); err != nil {
			log.Warn().Err(err).Str("dir", tmp).Msg("failed to remove import working dir")
		}
	}()

	tl.Step("fetch remote resource " + imp.RemoteResourceID)
	res, err := getter.GetResource(ctx, plugins.ResourceRequest{
		Context:      plugins.Context{CatalogConfig: cat.Config, Secrets: secrets, Log: tl},
		ImportConfig: imp.Config,
		ResourceID:   imp.RemoteResourceID,
		TmpDir:       tmp,
	})
	if err == nil && res == nil {
		err = errors.New("connector returned no resource")
	}
	if err != nil {
		return e.fail(ctx, tl, id, fmt.Errorf("fetch resource: %w", err))
	}

	datasetID, err := e.upload(ctx, tl, imp, res)
	if err != nil {
		return e.fail(ctx, tl, id, err)
	}

	now := e.clock()
	done, empty := domain.StatusDone, ""
	if err := e.Store.UpdateImport(ctx, id, store.ImportPatch{
		Status:            &done,
		DataFairDatasetID: &datasetID,
		LastRunAt:         &now,
		Error:             &empty,
	}); err != nil {
		return err
	}
	tl.Info("import done", map[string]string{"datasetId": datasetID})
	e.notify(id, map[string]any{"status": done, "dataFairDatasetId": datasetID, "lastRunAt": now, "error": nil})
	return nil
}

func (e *Executor) upload(ctx context.Context, tl *tasklog.Logger, imp domain.Import, res *plugins.Resource) (string, error) {
	create := imp.DataFairDatasetID == ""
	meta, changed := metadata(res, create || imp.ShouldUpdateMetadata, create || imp.ShouldUpdateSchema)

	var datasetID string
	if res.Table {
		datasetID = imp.DataFairDatasetID
		if create {
			tl.Step("create table dataset")
			ds, err := e.Platform.CreateRestDataset(ctx, stableID(imp.ID), meta)
			if err != nil {
				return "", fmt.Errorf("create dataset: %w", err)
			}
			datasetID = ds.ID
		} else if changed {
			tl.Step("update dataset metadata")
			if err := e.Platform.PatchDataset(ctx, datasetID, meta); err != nil {
				return "", fmt.Errorf("update dataset metadata: %w", err)
			}
		}
		tl.Step("replace dataset lines")
		if err := e.Platform.BulkReplaceLines(ctx, datasetID, res.FilePath); err != nil {
			return "", fmt.Errorf("replace dataset lines: %w", err)
		}
	} else {
		var (
			ds  platform.Dataset
			err error
		)
		if create {
			tl.Step("create dataset")
			ds, err = e.Platform.CreateFileDataset(ctx, res.FilePath, meta)
		} else {
			tl.Step("update dataset " + imp.DataFairDatasetID)
			ds, err = e.Platform.UpdateFileDataset(ctx, imp.DataFairDatasetID, res.FilePath, meta)
		}
		if err != nil {
			return "", fmt.Errorf("upload dataset file: %w", err)
		}
		datasetID = ds.ID
		if datasetID == "" {
			datasetID = imp.DataFairDatasetID
		}
	}
	if datasetID == "" {
		return "", errors.New("platform returned no dataset id")
	}

	if n := len(res.Attachments); n > 0 {
		tl.Task("attachments", "upload attachments", int64(n))
		for i, a := range res.Attachments {
			if err := e.Platform.UploadAttachment(ctx, datasetID, a.FilePath); err != nil {
				return "", fmt.Errorf("upload attachment %q: %w", a.Title, err)
			}
			tl.Progress("attachments", int64(i+1))
		}
	}
	return datasetID, nil
}

// metadata builds the upload body. It reports false when nothing is set,
// which happens on updates with both refresh flags off.
func metadata(res *plugins.Resource, withMeta, withSchema bool) (platform.Metadata, bool) {
	var m platform.Metadata
	if withMeta {
		m.Title = res.Title
		m.Description = res.Description
		m.Keywords = res.Keywords
		m.Frequency = res.Frequency
		m.Origin = res.Origin
		m.License = res.License
	}
	if withSchema {
		m.Schema = res.Schema
	}
	return m, withMeta || (withSchema && len(m.Schema) > 0)
}

func (e *Executor) fail(ctx context.Context, tl *tasklog.Logger, id string, cause error) error {
	msg := cause.Error()
	tl.Error(msg)
	log.Warn().Err(cause).Str("import_id", id).Msg("import failed")
	st := domain.StatusError
	if err := e.Store.UpdateImport(ctx, id, store.ImportPatch{Status: &st, Error: &msg}); err != nil {
		return err
	}
	e.notify(id, map[string]any{"status": st, "error": msg})
	return nil
}

func (e *Executor) notify(id string, patch map[string]any) {
	if e.Events == nil {
		return
	}
	e.Events.Publish(eventbus.Event{Channel: domain.Channel(domain.TaskImport, id), Data: patch})
}

var unsafeChars = regexp.MustCompile(`[^a-z0-9-]+`)

// stableID derives the dataset id of a table-backed import from the import
// id, so a re-run after a crash lands on the same dataset.
func stableID(importID string) string {
	return strings.Trim(unsafeChars.ReplaceAllString(strings.ToLower(importID), "-"), "-")
}

func safeName(id string) string { return filepath.Base(stableID(id)) }
