package importer

import (
	"context"
	"errors"
	"os"
	"path/filepath"
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

type fakeConnector struct {
	caps    []string
	res     *plugins.Resource
	err     error
	tmpDirs []string
}

func (f *fakeConnector) ID() string             { return "fake" }
func (f *fakeConnector) Version() string        { return "1.0.0" }
func (f *fakeConnector) Capabilities() []string { return f.caps }

func (f *fakeConnector) GetResource(_ context.Context, req plugins.ResourceRequest) (*plugins.Resource, error) {
	f.tmpDirs = append(f.tmpDirs, req.TmpDir)
	req.Log.Info("fetching")
	if f.err != nil {
		return nil, f.err
	}
	res := *f.res
	res.FilePath = filepath.Join(req.TmpDir, "data.csv")
	if err := os.WriteFile(res.FilePath, []byte("a\n1\n"), 0o644); err != nil {
		return nil, err
	}
	return &res, nil
}

type resolver struct {
	conn plugins.Connector
	err  error
}

func (r resolver) Resolve(domain.Catalog) (plugins.Connector, error) { return r.conn, r.err }

type fakePlatform struct {
	calls []string
	meta  []platform.Metadata
	fail  error
}

func (p *fakePlatform) record(call string, m platform.Metadata) error {
	p.calls = append(p.calls, call)
	p.meta = append(p.meta, m)
	return p.fail
}

func (p *fakePlatform) CreateFileDataset(_ context.Context, _ string, m platform.Metadata) (platform.Dataset, error) {
	return platform.Dataset{ID: "ds-new"}, p.record("create", m)
}

func (p *fakePlatform) UpdateFileDataset(_ context.Context, id, _ string, m platform.Metadata) (platform.Dataset, error) {
	return platform.Dataset{ID: id}, p.record("update:"+id, m)
}

func (p *fakePlatform) CreateRestDataset(_ context.Context, id string, m platform.Metadata) (platform.Dataset, error) {
	return platform.Dataset{ID: id}, p.record("createRest:"+id, m)
}

func (p *fakePlatform) PatchDataset(_ context.Context, id string, m platform.Metadata) error {
	return p.record("patch:"+id, m)
}

func (p *fakePlatform) BulkReplaceLines(_ context.Context, id, _ string) error {
	return p.record("bulk:"+id, platform.Metadata{})
}

func (p *fakePlatform) UploadAttachment(_ context.Context, id, _ string) error {
	return p.record("attachment:"+id, platform.Metadata{})
}

type fixture struct {
	repo store.Repository
	conn *fakeConnector
	plat *fakePlatform
	exec *Executor
	bus  eventbus.Bus
}

func setup(t *testing.T, imp domain.Import) (fixture, string) {
	t.Helper()
	db, err := store.Open(":memory:", 0)
	require.NoError(t, err)
	t.Cleanup(func() { db.Close() })
	require.NoError(t, store.EnsureSchema(db))
	repo := store.NewSQLiteRepo(db)

	ctx := context.Background()
	catID, err := repo.PutCatalog(ctx, domain.Catalog{Plugin: "fake", Capabilities: []string{"import"}})
	require.NoError(t, err)
	imp.CatalogID = catID
	imp.RemoteResourceID = "res-1"
	id, err := repo.PutImport(ctx, imp)
	require.NoError(t, err)

	conn := &fakeConnector{
		caps: []string{plugins.CapImport},
		res:  &plugins.Resource{ID: "res-1", Title: "Trees", Schema: []platform.SchemaField{{Key: "a", Type: "integer"}}},
	}
	plat := &fakePlatform{}
	cipher, err := secrets.New("")
	require.NoError(t, err)
	bus := eventbus.New()
	fixed := time.Date(2024, 3, 1, 12, 0, 0, 0, time.UTC)
	exec := &Executor{
		Store:    repo,
		Plugins:  resolver{conn: conn},
		Platform: plat,
		Secrets:  cipher,
		Events:   bus,
		TmpRoot:  t.TempDir(),
		now:      func() time.Time { return fixed },
	}
	return fixture{repo: repo, conn: conn, plat: plat, exec: exec, bus: bus}, id
}

func TestFetchFailureLeavesErrorAndNoMutation(t *testing.T) {
	f, id := setup(t, domain.Import{})
	f.conn.err = errors.New("remote is down")
	ch, unsub := f.bus.Subscribe("import/"+id, 16)
	defer unsub()

	require.NoError(t, f.exec.Run(context.Background(), id))

	imp, err := f.repo.GetImport(context.Background(), id)
	require.NoError(t, err)
	assert.Equal(t, domain.StatusError, imp.Status)
	assert.Contains(t, imp.Error, "remote is down")
	assert.Empty(t, f.plat.calls)
	require.Len(t, f.conn.tmpDirs, 1)
	assert.NoDirExists(t, f.conn.tmpDirs[0])

	var sawStatus bool
	for len(ch) > 0 {
		ev := <-ch
		if ev.Channel == "import/"+id {
			sawStatus = true
		}
	}
	assert.True(t, sawStatus, "status patch broadcast")
}

func TestCreateSetsDatasetAndDone(t *testing.T) {
	f, id := setup(t, domain.Import{})
	require.NoError(t, f.exec.Run(context.Background(), id))

	imp, err := f.repo.GetImport(context.Background(), id)
	require.NoError(t, err)
	assert.Equal(t, domain.StatusDone, imp.Status)
	assert.Equal(t, "ds-new", imp.DataFairDatasetID)
	require.NotNil(t, imp.LastRunAt)
	assert.True(t, imp.LastRunAt.Equal(time.Date(2024, 3, 1, 12, 0, 0, 0, time.UTC)))
	assert.Empty(t, imp.Error)
	assert.Equal(t, []string{"create"}, f.plat.calls)
	assert.Equal(t, "Trees", f.plat.meta[0].Title, "metadata always sent on create")
	assert.Len(t, f.plat.meta[0].Schema, 1)
	assert.NoDirExists(t, f.conn.tmpDirs[0])
	assert.NotEmpty(t, imp.Logs)
}

func TestUpdateWithoutRefreshFlagsSendsNoMetadata(t *testing.T) {
	f, id := setup(t, domain.Import{DataFairDatasetID: "ds-old"})
	require.NoError(t, f.exec.Run(context.Background(), id))

	assert.Equal(t, []string{"update:ds-old"}, f.plat.calls)
	assert.Empty(t, f.plat.meta[0].Title)
	assert.Empty(t, f.plat.meta[0].Schema)
}

func TestTableResourcePatchesThenReplacesLines(t *testing.T) {
	f, id := setup(t, domain.Import{DataFairDatasetID: "ds-table", ShouldUpdateMetadata: true})
	f.conn.res.Table = true
	f.conn.res.Attachments = []plugins.Attachment{{Title: "doc", FilePath: "/dev/null"}}

	require.NoError(t, f.exec.Run(context.Background(), id))
	assert.Equal(t, []string{"patch:ds-table", "bulk:ds-table", "attachment:ds-table"}, f.plat.calls)

	imp, err := f.repo.GetImport(context.Background(), id)
	require.NoError(t, err)
	assert.Equal(t, domain.StatusDone, imp.Status)

	var progressed bool
	for _, e := range imp.Logs {
		if e.Type == domain.LogTask && e.Key == "attachments" && e.Progress != nil && *e.Progress == 1 {
			progressed = true
		}
	}
	assert.True(t, progressed)
}

func TestTableCreateUsesStableID(t *testing.T) {
	f, id := setup(t, domain.Import{})
	f.conn.res.Table = true
	require.NoError(t, f.exec.Run(context.Background(), id))

	want := stableID(id)
	assert.Equal(t, []string{"createRest:" + want, "bulk:" + want}, f.plat.calls)
}

func TestUploadFailureSetsError(t *testing.T) {
	f, id := setup(t, domain.Import{})
	f.plat.fail = errors.New("quota exceeded")
	require.NoError(t, f.exec.Run(context.Background(), id))

	imp, err := f.repo.GetImport(context.Background(), id)
	require.NoError(t, err)
	assert.Equal(t, domain.StatusError, imp.Status)
	assert.Contains(t, imp.Error, "quota exceeded")
	assert.Empty(t, imp.DataFairDatasetID)
}

func TestDiscardCases(t *testing.T) {
	t.Run("missing capability", func(t *testing.T) {
		f, id := setup(t, domain.Import{})
		f.conn.caps = []string{plugins.CapList}
		err := f.exec.Run(context.Background(), id)
		assert.True(t, domain.IsDiscard(err))
		assert.ErrorIs(t, err, domain.ErrMissingCapability)
	})
	t.Run("missing plugin", func(t *testing.T) {
		f, id := setup(t, domain.Import{})
		f.exec.Plugins = resolver{err: plugins.ErrPluginNotFound}
		err := f.exec.Run(context.Background(), id)
		assert.True(t, domain.IsDiscard(err))
	})
	t.Run("missing catalog", func(t *testing.T) {
		f, id := setup(t, domain.Import{})
		imp, err := f.repo.GetImport(context.Background(), id)
		require.NoError(t, err)
		require.NoError(t, f.repo.DeleteCatalog(context.Background(), imp.CatalogID))
		err = f.exec.Run(context.Background(), id)
		assert.True(t, domain.IsDiscard(err))
		assert.ErrorIs(t, err, domain.ErrCatalogNotFound)
	})
}

func TestStableID(t *testing.T) {
	assert.Equal(t, "imp-abc-12", stableID("IMP_abc/12"))
}
