// Package publication runs publication tasks: push a platform dataset to a
// remote catalog, or remove a previous publication from it.
package publication

import (
	"context"
	"errors"
	"fmt"
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
	GetPublication(ctx context.Context, id string) (domain.Publication, error)
	UpdatePublication(ctx context.Context, id string, p store.PublicationPatch) error
	DeleteTask(ctx context.Context, t domain.TaskType, id string) error
	GetCatalog(ctx context.Context, id string) (domain.Catalog, error)
	DeleteCatalogIfUnused(ctx context.Context, id string) (bool, error)
}

type Resolver interface {
	Resolve(c domain.Catalog) (plugins.Connector, error)
}

type DatasetAPI interface {
	GetDataset(ctx context.Context, id string) (platform.Dataset, error)
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

	now func() time.Time
}

var ErrOwnerMismatch = errors.New("publication owner does not own the dataset")

func (e *Executor) clock() time.Time {
	if e.now != nil {
		return e.now()
	}
	return time.Now()
}

// Run executes publication id. As for imports, connector and platform
// failures end in status error; the returned error is a Discard or a store
// failure.
func (e *Executor) Run(ctx context.Context, id string) error {
	pub, err := e.Store.GetPublication(ctx, id)
	if errors.Is(err, domain.ErrNotFound) {
		log.Warn().Str("publication_id", id).Msg("publication vanished before it ran")
		return nil
	}
	if err != nil {
		return err
	}
	cat, err := e.Store.GetCatalog(ctx, pub.CatalogID)
	if err != nil {
		if errors.Is(err, domain.ErrNotFound) {
			return domain.Discard(fmt.Errorf("publication %s: catalog %s: %w", id, pub.CatalogID, err))
		}
		return err
	}
	tl := tasklog.New(ctx, e.Store, e.Events, domain.TaskPublication, id)
	conn, resolveErr := e.Plugins.Resolve(cat)
	if pub.Action == domain.ActionDelete {
		return e.delete(ctx, tl, pub, cat, conn, resolveErr)
	}
	if resolveErr != nil {
		return e.discard(ctx, pub, fmt.Errorf("publication %s: %w", id, resolveErr))
	}

	pc, err := e.connectorContext(tl, cat)
	if err != nil {
		return e.fail(ctx, tl, id, err)
	}
	return e.publish(ctx, tl, pub, conn, pc)
}

func (e *Executor) connectorContext(tl *tasklog.Logger, cat domain.Catalog) (plugins.Context, error) {
	secrets, err := e.Secrets.Decipher(cat.Secrets)
	if err != nil {
		return plugins.Context{}, fmt.Errorf("decipher catalog secrets: %w", err)
	}
	return plugins.Context{CatalogConfig: cat.Config, Secrets: secrets, Log: tl}, nil
}

// delete removes the publication locally even when the connector is gone
// or cannot delete remotely.
func (e *Executor) delete(ctx context.Context, tl *tasklog.Logger, pub domain.Publication, cat domain.Catalog,
	conn plugins.Connector, resolveErr error) error {
	l := log.With().Str("publication_id", pub.ID).Str("catalog_id", cat.ID).Logger()

	var (
		deleter plugins.DatasetDeleter
		ok      bool
	)
	if resolveErr == nil {
		deleter, ok = plugins.AsDeleter(conn)
	}
	switch {
	case resolveErr != nil:
		tl.Warning("connector unavailable, remote dataset left in place: " + resolveErr.Error())
		l.Warn().Err(resolveErr).Msg("connector unavailable; removing local link only")
	case !ok:
		l.Warn().Str("plugin", conn.ID()).Msg("connector cannot delete publications; removing local link only")
	default:
		pc, err := e.connectorContext(tl, cat)
		if err != nil {
			return e.fail(ctx, tl, pub.ID, err)
		}
		tl.Step("delete remote dataset")
		err = deleter.DeleteDataset(ctx, plugins.DeleteRequest{
			Context:          pc,
			RemoteDatasetID:  pub.RemoteDatasetID,
			RemoteResourceID: pub.RemoteResourceID,
		})
		if err != nil {
			// the local link goes away regardless
			tl.Warning("remote deletion failed: " + err.Error())
			l.Warn().Err(err).Msg("remote deletion failed")
		}
	}

	if err := e.remove(ctx, pub); err != nil {
		return err
	}
	if e.Events != nil {
		e.Events.Publish(eventbus.Event{Channel: domain.Channel(domain.TaskPublication, pub.ID) + "/deleted"})
	}
	l.Info().Msg("publication deleted")
	return nil
}

// remove deletes the publication record and its catalog when that catalog
// waits for its last publication to go.
func (e *Executor) remove(ctx context.Context, pub domain.Publication) error {
	if err := e.Store.DeleteTask(ctx, domain.TaskPublication, pub.ID); err != nil {
		return err
	}
	deleted, err := e.Store.DeleteCatalogIfUnused(ctx, pub.CatalogID)
	if err != nil {
		return err
	}
	if deleted {
		log.Info().Str("catalog_id", pub.CatalogID).Msg("catalog deleted after its last publication")
	}
	return nil
}

// discard removes the publication before handing cause back as a Discard,
// so the catalog cascade also runs for discarded tasks.
func (e *Executor) discard(ctx context.Context, pub domain.Publication, cause error) error {
	if err := e.remove(ctx, pub); err != nil {
		return err
	}
	return domain.Discard(cause)
}

func (e *Executor) publish(ctx context.Context, tl *tasklog.Logger, pub domain.Publication,
	conn plugins.Connector, pc plugins.Context) error {
	tl.Step("fetch dataset " + pub.DataFairDatasetID)
	ds, err := e.Platform.GetDataset(ctx, pub.DataFairDatasetID)
	if err != nil {
		return e.fail(ctx, tl, pub.ID, fmt.Errorf("fetch dataset: %w", err))
	}
	if !ownerMatches(pub.Owner, ds.Owner) {
		return e.fail(ctx, tl, pub.ID, fmt.Errorf("%w: %s", ErrOwnerMismatch, ds.ID))
	}
	publisher, ok := plugins.AsPublisher(conn)
	if !ok {
		return e.discard(ctx, pub, fmt.Errorf("publication %s: %s@%s: %w: %s",
			pub.ID, conn.ID(), conn.Version(), domain.ErrMissingCapability, plugins.CapPublish))
	}

	tl.Step(fmt.Sprintf("publish dataset (%s)", pub.Action))
	res, err := publisher.PublishDataset(ctx, plugins.PublishRequest{
		Context:         pc,
		Dataset:         ds,
		Publication:     pub,
		PublicationSite: pub.PublicationSite,
	})
	if err != nil {
		return e.fail(ctx, tl, pub.ID, fmt.Errorf("publish dataset: %w", err))
	}

	remoteDataset, remoteResource := pub.RemoteDatasetID, pub.RemoteResourceID
	if res.RemoteDatasetID != "" {
		remoteDataset = res.RemoteDatasetID
	}
	if res.RemoteResourceID != "" {
		remoteResource = res.RemoteResourceID
	}
	now := e.clock()
	done, empty := domain.StatusDone, ""
	if err := e.Store.UpdatePublication(ctx, pub.ID, store.PublicationPatch{
		Status:           &done,
		RemoteDatasetID:  &remoteDataset,
		RemoteResourceID: &remoteResource,
		LastRunAt:        &now,
		Error:            &empty,
	}); err != nil {
		return err
	}
	tl.Info("publication done")
	e.notify(pub.ID, map[string]any{
		"status":           done,
		"remoteDatasetId":  remoteDataset,
		"remoteResourceId": remoteResource,
		"lastRunAt":        now,
		"error":            nil,
	})
	return nil
}

// ownerMatches checks the task owner against the dataset owner. The
// department only counts when the task owner has one.
func ownerMatches(task, dataset domain.Account) bool {
	if task.Type != dataset.Type || task.ID != dataset.ID {
		return false
	}
	return task.Department == "" || task.Department == dataset.Department
}

func (e *Executor) fail(ctx context.Context, tl *tasklog.Logger, id string, cause error) error {
	msg := cause.Error()
	tl.Error(msg)
	log.Warn().Err(cause).Str("publication_id", id).Msg("publication failed")
	st := domain.StatusError
	if err := e.Store.UpdatePublication(ctx, id, store.PublicationPatch{Status: &st, Error: &msg}); err != nil {
		return err
	}
	e.notify(id, map[string]any{"status": st, "error": msg})
	return nil
}

func (e *Executor) notify(id string, patch map[string]any) {
	if e.Events == nil {
		return
	}
	e.Events.Publish(eventbus.Event{Channel: domain.Channel(domain.TaskPublication, id), Data: patch})
}
