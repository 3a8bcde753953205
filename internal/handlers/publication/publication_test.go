package publication

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"catalogworker/internal/domain"
	"catalogworker/internal/eventbus"
	"catalogworker/internal/platform"
	"catalogworker/internal/plugins"
	"catalogworker/internal/secrets"
	"catalogworker/internal/store"
)

var owner = domain.Account{Type: "organization", ID: "org1", Department: "dep1"}

type fakeConnector struct {
	caps      []string
	deleteErr error
	deleted   []plugins.DeleteRequest
	published []plugins.PublishRequest
	result    plugins.PublishResult
}

func (f *fakeConnector) ID() string             { return "fake" }
func (f *fakeConnector) Version() string        { return "1.0.0" }
func (f *fakeConnector) Capabilities() []string { return f.caps }

func (f *fakeConnector) PublishDataset(_ context.Context, req plugins.PublishRequest) (plugins.PublishResult, error) {
	f.published = append(f.published, req)
	return f.result, nil
}

func (f *fakeConnector) DeleteDataset(_ context.Context, req plugins.DeleteRequest) error {
	f.deleted = append(f.deleted, req)
	return f.deleteErr
}

type resolver struct {
	conn plugins.Connector
	err  error
}

func (r resolver) Resolve(domain.Catalog) (plugins.Connector, error) {
	if r.err != nil {
		return nil, r.err
	}
	return r.conn, nil
}

type fakePlatform struct{ ds platform.Dataset }

func (p fakePlatform) GetDataset(_ context.Context, id string) (platform.Dataset, error) {
	if id != p.ds.ID {
		return platform.Dataset{}, domain.ErrNotFound
	}
	return p.ds, nil
}

type fixture struct {
	repo  store.Repository
	conn  *fakeConnector
	exec  *Executor
	bus   eventbus.Bus
	catID string
}

func setup(t *testing.T, cat domain.Catalog) fixture {
	t.Helper()
	db, err := store.Open(":memory:", 0)
	require.NoError(t, err)
	t.Cleanup(func() { db.Close() })
	require.NoError(t, store.EnsureSchema(db))
	repo := store.NewSQLiteRepo(db)

	cat.Plugin = "fake"
	catID, err := repo.PutCatalog(context.Background(), cat)
	require.NoError(t, err)

	conn := &fakeConnector{caps: []string{plugins.CapPublish, plugins.CapDelete}}
	cipher, err := secrets.New("")
	require.NoError(t, err)
	bus := eventbus.New()
	return fixture{
		repo: repo,
		conn: conn,
		bus:  bus,
		exec: &Executor{
			Store:    repo,
			Plugins:  resolver{conn: conn},
			Platform: fakePlatform{ds: platform.Dataset{ID: "ds1", Title: "Trees", Owner: owner}},
			Secrets:  cipher,
			Events:   bus,
			now:      func() time.Time { return time.Date(2024, 5, 1, 8, 0, 0, 0, time.UTC) },
		},
		catID: catID,
	}
}

func (f fixture) put(t *testing.T, p domain.Publication) string {
	t.Helper()
	p.CatalogID = f.catID
	if p.Owner.ID == "" {
		p.Owner = owner
	}
	if p.DataFairDatasetID == "" {
		p.DataFairDatasetID = "ds1"
	}
	id, err := f.repo.PutPublication(context.Background(), p)
	require.NoError(t, err)
	return id
}

func TestPublishMergesRemoteIDs(t *testing.T) {
	f := setup(t, domain.Catalog{})
	f.conn.result = plugins.PublishResult{RemoteDatasetID: "remote-ds"}
	id := f.put(t, domain.Publication{Action: domain.ActionAddAsResource, RemoteResourceID: "remote-res",
		PublicationSite: domain.PublicationSite{Title: "Portal", URL: "https://portal.example"}})

	require.NoError(t, f.exec.Run(context.Background(), id))

	p, err := f.repo.GetPublication(context.Background(), id)
	require.NoError(t, err)
	assert.Equal(t, domain.StatusDone, p.Status)
	assert.Equal(t, "remote-ds", p.RemoteDatasetID)
	assert.Equal(t, "remote-res", p.RemoteResourceID, "kept when the connector returns none")
	require.NotNil(t, p.LastRunAt)

	require.Len(t, f.conn.published, 1)
	req := f.conn.published[0]
	assert.Equal(t, "Trees", req.Dataset.Title)
	assert.Equal(t, "Portal", req.PublicationSite.Title)
	assert.Equal(t, "remote-res", req.Publication.RemoteResourceID)
}

func TestPublishOwnerMismatch(t *testing.T) {
	f := setup(t, domain.Catalog{})
	id := f.put(t, domain.Publication{Action: domain.ActionCreate,
		Owner: domain.Account{Type: "organization", ID: "org1", Department: "other"}})

	require.NoError(t, f.exec.Run(context.Background(), id))

	p, err := f.repo.GetPublication(context.Background(), id)
	require.NoError(t, err)
	assert.Equal(t, domain.StatusError, p.Status)
	assert.Empty(t, f.conn.published)
}

func TestPublishMissingDatasetIsError(t *testing.T) {
	f := setup(t, domain.Catalog{})
	id := f.put(t, domain.Publication{Action: domain.ActionCreate, DataFairDatasetID: "gone"})

	require.NoError(t, f.exec.Run(context.Background(), id))
	p, err := f.repo.GetPublication(context.Background(), id)
	require.NoError(t, err)
	assert.Equal(t, domain.StatusError, p.Status)
}

func TestPublishWithoutCapabilityIsDiscarded(t *testing.T) {
	f := setup(t, domain.Catalog{})
	f.conn.caps = []string{plugins.CapDelete}
	id := f.put(t, domain.Publication{Action: domain.ActionOverwrite})

	err := f.exec.Run(context.Background(), id)
	assert.True(t, domain.IsDiscard(err))
	assert.ErrorIs(t, err, domain.ErrMissingCapability)
}

func TestDeleteToleratesConnectorError(t *testing.T) {
	f := setup(t, domain.Catalog{})
	f.conn.deleteErr = errors.New("remote unreachable")
	id := f.put(t, domain.Publication{Action: domain.ActionDelete, RemoteDatasetID: "remote-ds"})
	ch, unsub := f.bus.Subscribe("publication/"+id+"/deleted", 1)
	defer unsub()

	require.NoError(t, f.exec.Run(context.Background(), id))

	_, err := f.repo.GetPublication(context.Background(), id)
	assert.ErrorIs(t, err, domain.ErrNotFound)
	require.Len(t, f.conn.deleted, 1)
	assert.Equal(t, "remote-ds", f.conn.deleted[0].RemoteDatasetID)
	select {
	case <-ch:
	default:
		t.Fatal("deletion not broadcast")
	}
}

func TestDeleteCascadesOnlyForLastPublication(t *testing.T) {
	f := setup(t, domain.Catalog{DeletionRequested: true})
	first := f.put(t, domain.Publication{Action: domain.ActionDelete})
	second := f.put(t, domain.Publication{Action: domain.ActionDelete})
	ctx := context.Background()

	require.NoError(t, f.exec.Run(ctx, first))
	_, err := f.repo.GetCatalog(ctx, f.catID)
	require.NoError(t, err, "one publication still references the catalog")

	require.NoError(t, f.exec.Run(ctx, second))
	_, err = f.repo.GetCatalog(ctx, f.catID)
	assert.ErrorIs(t, err, domain.ErrCatalogNotFound)
}

func TestDeleteKeepsCatalogWithoutDeletionRequest(t *testing.T) {
	f := setup(t, domain.Catalog{})
	id := f.put(t, domain.Publication{Action: domain.ActionDelete})
	require.NoError(t, f.exec.Run(context.Background(), id))
	_, err := f.repo.GetCatalog(context.Background(), f.catID)
	assert.NoError(t, err)
}

func TestDeleteWithUninstalledConnectorCascades(t *testing.T) {
	f := setup(t, domain.Catalog{DeletionRequested: true})
	f.exec.Plugins = resolver{err: plugins.ErrPluginNotFound}
	id := f.put(t, domain.Publication{Action: domain.ActionDelete, RemoteDatasetID: "remote-ds"})
	ctx := context.Background()

	require.NoError(t, f.exec.Run(ctx, id))

	_, err := f.repo.GetPublication(ctx, id)
	assert.ErrorIs(t, err, domain.ErrNotFound)
	_, err = f.repo.GetCatalog(ctx, f.catID)
	assert.ErrorIs(t, err, domain.ErrCatalogNotFound)
	assert.Empty(t, f.conn.deleted)
}

func TestDiscardedPublicationCascades(t *testing.T) {
	cases := map[string]func(f fixture){
		"plugin missing": func(f fixture) { f.exec.Plugins = resolver{err: plugins.ErrPluginNotFound} },
		"no publish":     func(f fixture) { f.conn.caps = []string{plugins.CapDelete} },
	}
	for name, prepare := range cases {
		t.Run(name, func(t *testing.T) {
			f := setup(t, domain.Catalog{DeletionRequested: true})
			prepare(f)
			id := f.put(t, domain.Publication{Action: domain.ActionCreate})
			ctx := context.Background()

			err := f.exec.Run(ctx, id)
			assert.True(t, domain.IsDiscard(err))

			_, err = f.repo.GetPublication(ctx, id)
			assert.ErrorIs(t, err, domain.ErrNotFound)
			_, err = f.repo.GetCatalog(ctx, f.catID)
			assert.ErrorIs(t, err, domain.ErrCatalogNotFound)
		})
	}
}

func TestOwnerMatches(t *testing.T) {
	ds := domain.Account{Type: "user", ID: "u1", Department: "d"}
	assert.True(t, ownerMatches(domain.Account{Type: "user", ID: "u1"}, ds))
	assert.True(t, ownerMatches(domain.Account{Type: "user", ID: "u1", Department: "d"}, ds))
	assert.False(t, ownerMatches(domain.Account{Type: "organization", ID: "u1"}, ds))
	assert.False(t, ownerMatches(domain.Account{Type: "user", ID: "u1", Department: "x"}, ds))
}
