package store

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/google/uuid"
	_ "modernc.org/sqlite"

	"catalogworker/internal/domain"
)

// Open opens the SQLite database at path. ":memory:" gives a private
// in-memory database, which is what the tests use.
func Open(path string, busyTimeout time.Duration) (*sql.DB, error) {
	dsn := ":memory:"
	if path != ":memory:" {
		dsn = fmt.Sprintf("file:%s?cache=shared&mode=rwc&_pragma=journal_mode(WAL)", path)
	}
	if busyTimeout > 0 {
		sep := "?"
		if strings.Contains(dsn, "?") {
			sep = "&"
		}
		dsn += fmt.Sprintf("%s_pragma=busy_timeout(%d)", sep, busyTimeout.Milliseconds())
	}
	db, err := sql.Open("sqlite", dsn)
	if err != nil {
		return nil, err
	}
	db.SetMaxOpenConns(1) // SQLite single writer
	db.SetMaxIdleConns(1)
	return db, nil
}

// EnsureSchema creates tables if they don't exist.
func EnsureSchema(db *sql.DB) error {
	schema := `
CREATE TABLE IF NOT EXISTS catalogs (
  id TEXT PRIMARY KEY,
  owner TEXT NOT NULL,
  title TEXT NOT NULL DEFAULT '',
  plugin TEXT NOT NULL,
  plugin_version TEXT NOT NULL DEFAULT '',
  config TEXT NOT NULL DEFAULT '{}',
  secrets TEXT NOT NULL DEFAULT '{}',
  capabilities TEXT NOT NULL DEFAULT '[]',
  deletion_requested INTEGER NOT NULL DEFAULT 0,
  created_at INTEGER NOT NULL,
  updated_at INTEGER NOT NULL
);
CREATE TABLE IF NOT EXISTS imports (
  id TEXT PRIMARY KEY,
  owner TEXT NOT NULL,
  catalog_id TEXT NOT NULL,
  status TEXT NOT NULL CHECK(status IN ('waiting','running','done','error')) DEFAULT 'waiting',
  config TEXT NOT NULL DEFAULT '{}',
  remote_resource_id TEXT NOT NULL,
  dataset_id TEXT NOT NULL DEFAULT '',
  should_update_metadata INTEGER NOT NULL DEFAULT 0,
  should_update_schema INTEGER NOT NULL DEFAULT 0,
  scheduling_rules TEXT NOT NULL DEFAULT '[]',
  next_run_at INTEGER,
  last_run_at INTEGER,
  logs TEXT NOT NULL DEFAULT '[]',
  error TEXT,
  created_at INTEGER NOT NULL,
  updated_at INTEGER NOT NULL
);
CREATE INDEX IF NOT EXISTS idx_imports_status ON imports(status);
CREATE INDEX IF NOT EXISTS idx_imports_next_run ON imports(next_run_at) WHERE next_run_at IS NOT NULL;
CREATE TABLE IF NOT EXISTS publications (
  id TEXT PRIMARY KEY,
  owner TEXT NOT NULL,
  catalog_id TEXT NOT NULL,
  status TEXT NOT NULL CHECK(status IN ('waiting','running','done','error')) DEFAULT 'waiting',
  action TEXT NOT NULL CHECK(action IN ('create','addAsResource','overwrite','delete')),
  dataset_id TEXT NOT NULL,
  remote_dataset_id TEXT NOT NULL DEFAULT '',
  remote_resource_id TEXT NOT NULL DEFAULT '',
  publication_site TEXT NOT NULL DEFAULT '{}',
  last_run_at INTEGER,
  logs TEXT NOT NULL DEFAULT '[]',
  error TEXT,
  created_at INTEGER NOT NULL,
  updated_at INTEGER NOT NULL
);
CREATE INDEX IF NOT EXISTS idx_publications_status ON publications(status);
CREATE INDEX IF NOT EXISTS idx_publications_catalog ON publications(catalog_id);
`
	_, err := db.Exec(schema)
	return err
}

// ImportPatch is a partial update of an import. Nil fields are left
// untouched; an empty Error clears the previous error.
type ImportPatch struct {
	Status            *domain.Status
	DataFairDatasetID *string
	LastRunAt         *time.Time
	Error             *string
}

// PublicationPatch is a partial update of a publication.
type PublicationPatch struct {
	Status           *domain.Status
	RemoteDatasetID  *string
	RemoteResourceID *string
	LastRunAt        *time.Time
	Error            *string
}

type Repository interface {
	SampleWaiting(ctx context.Context, t domain.TaskType, n int) ([]string, error)
	Status(ctx context.Context, t domain.TaskType, id string) (domain.Status, error)
	ListRunning(ctx context.Context, t domain.TaskType) ([]string, error)
	SetStatus(ctx context.Context, t domain.TaskType, id string, s domain.Status) error
	SwapStatus(ctx context.Context, t domain.TaskType, id string, from, to domain.Status) (bool, error)
	Fail(ctx context.Context, t domain.TaskType, id, msg string) error
	AppendLog(ctx context.Context, t domain.TaskType, id string, e domain.LogEntry) error
	Reset(ctx context.Context, t domain.TaskType, id string) error
	DeleteTask(ctx context.Context, t domain.TaskType, id string) error

	GetImport(ctx context.Context, id string) (domain.Import, error)
	PutImport(ctx context.Context, imp domain.Import) (string, error)
	UpdateImport(ctx context.Context, id string, p ImportPatch) error
	DueRecurringImports(ctx context.Context, now time.Time) ([]domain.Import, error)
	Reschedule(ctx context.Context, id string, seen, status domain.Status, next *time.Time) (bool, error)

	GetPublication(ctx context.Context, id string) (domain.Publication, error)
	PutPublication(ctx context.Context, p domain.Publication) (string, error)
	UpdatePublication(ctx context.Context, id string, p PublicationPatch) error
	QueuePublicationDelete(ctx context.Context, id string) (bool, error)
	CountPublications(ctx context.Context, catalogID string) (int, error)

	GetCatalog(ctx context.Context, id string) (domain.Catalog, error)
	PutCatalog(ctx context.Context, c domain.Catalog) (string, error)
	DeleteCatalog(ctx context.Context, id string) error
	RequestCatalogDeletion(ctx context.Context, id string) (bool, error)
	DeleteCatalogIfUnused(ctx context.Context, id string) (bool, error)
}

type sqliteRepo struct {
	db  *sql.DB
	now func() time.Time
}

func NewSQLiteRepo(db *sql.DB) Repository { return &sqliteRepo{db: db, now: time.Now} }

func table(t domain.TaskType) (string, error) {
	switch t {
	case domain.TaskImport:
		return "imports", nil
	case domain.TaskPublication:
		return "publications", nil
	default:
		return "", fmt.Errorf("unknown task type %q", t)
	}
}

func (r *sqliteRepo) SampleWaiting(ctx context.Context, t domain.TaskType, n int) ([]string, error) {
	tbl, err := table(t)
	if err != nil {
		return nil, err
	}
	// Random order so concurrent workers don't all contend for the same rows.
	return r.ids(ctx, `SELECT id FROM `+tbl+` WHERE status='waiting' ORDER BY random() LIMIT ?`, n)
}

func (r *sqliteRepo) ListRunning(ctx context.Context, t domain.TaskType) ([]string, error) {
	tbl, err := table(t)
	if err != nil {
		return nil, err
	}
	return r.ids(ctx, `SELECT id FROM `+tbl+` WHERE status='running'`)
}

func (r *sqliteRepo) ids(ctx context.Context, query string, args ...any) ([]string, error) {
	rows, err := r.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	var ids []string
	for rows.Next() {
		var id string
		if err := rows.Scan(&id); err != nil {
			return nil, err
		}
		ids = append(ids, id)
	}
	return ids, rows.Err()
}

func (r *sqliteRepo) Status(ctx context.Context, t domain.TaskType, id string) (domain.Status, error) {
	tbl, err := table(t)
	if err != nil {
		return "", err
	}
	var s string
	err = r.db.QueryRowContext(ctx, `SELECT status FROM `+tbl+` WHERE id=?`, id).Scan(&s)
	if errors.Is(err, sql.ErrNoRows) {
		return "", domain.ErrNotFound
	}
	return domain.Status(s), err
}

func (r *sqliteRepo) SetStatus(ctx context.Context, t domain.TaskType, id string, s domain.Status) error {
	tbl, err := table(t)
	if err != nil {
		return err
	}
	return r.exec(ctx, `UPDATE `+tbl+` SET status=?, updated_at=? WHERE id=?`, string(s), ms(r.now()), id)
}

// SwapStatus moves a task from status from to status to. It reports false
// when the task is not in status from.
func (r *sqliteRepo) SwapStatus(ctx context.Context, t domain.TaskType, id string, from, to domain.Status) (bool, error) {
	tbl, err := table(t)
	if err != nil {
		return false, err
	}
	res, err := r.db.ExecContext(ctx, `UPDATE `+tbl+` SET status=?, updated_at=? WHERE id=? AND status=?`,
		string(to), ms(r.now()), id, string(from))
	if err != nil {
		return false, err
	}
	n, err := res.RowsAffected()
	return n > 0, err
}

// Fail sets a task to status error with msg as its error.
func (r *sqliteRepo) Fail(ctx context.Context, t domain.TaskType, id, msg string) error {
	tbl, err := table(t)
	if err != nil {
		return err
	}
	return r.exec(ctx, `UPDATE `+tbl+` SET status='error', error=?, updated_at=? WHERE id=?`,
		nullStr(msg), ms(r.now()), id)
}

func (r *sqliteRepo) AppendLog(ctx context.Context, t domain.TaskType, id string, e domain.LogEntry) error {
	tbl, err := table(t)
	if err != nil {
		return err
	}
	b, err := json.Marshal(e)
	if err != nil {
		return err
	}
	return r.exec(ctx, `UPDATE `+tbl+` SET logs=json_insert(logs,'$[#]',json(?)), updated_at=? WHERE id=?`,
		string(b), ms(r.now()), id)
}

// Reset puts a task back to waiting with its error and logs cleared. A
// running task is left alone and domain.ErrTaskRunning returned.
func (r *sqliteRepo) Reset(ctx context.Context, t domain.TaskType, id string) error {
	tbl, err := table(t)
	if err != nil {
		return err
	}
	err = r.exec(ctx, `UPDATE `+tbl+` SET status='waiting', error=NULL, logs='[]', updated_at=?
WHERE id=? AND status!='running'`, ms(r.now()), id)
	if !errors.Is(err, domain.ErrNotFound) {
		return err
	}
	if _, err := r.Status(ctx, t, id); err != nil {
		return err
	}
	return domain.ErrTaskRunning
}

func (r *sqliteRepo) DeleteTask(ctx context.Context, t domain.TaskType, id string) error {
	tbl, err := table(t)
	if err != nil {
		return err
	}
	_, err = r.db.ExecContext(ctx, `DELETE FROM `+tbl+` WHERE id=?`, id)
	return err
}

// exec runs a single-row update and maps "no row touched" to ErrNotFound.
func (r *sqliteRepo) exec(ctx context.Context, query string, args ...any) error {
	res, err := r.db.ExecContext(ctx, query, args...)
	if err != nil {
		return err
	}
	n, err := res.RowsAffected()
	if err != nil {
		return err
	}
	if n == 0 {
		return domain.ErrNotFound
	}
	return nil
}

const importCols = `id,owner,catalog_id,status,config,remote_resource_id,dataset_id,should_update_metadata,should_update_schema,scheduling_rules,next_run_at,last_run_at,logs,error,created_at,updated_at`

func (r *sqliteRepo) GetImport(ctx context.Context, id string) (domain.Import, error) {
	row := r.db.QueryRowContext(ctx, `SELECT `+importCols+` FROM imports WHERE id=?`, id)
	imp, err := scanImport(row)
	if errors.Is(err, sql.ErrNoRows) {
		return domain.Import{}, domain.ErrNotFound
	}
	return imp, err
}

func (r *sqliteRepo) PutImport(ctx context.Context, imp domain.Import) (string, error) {
	if imp.ID == "" {
		imp.ID = "imp_" + uuid.NewString()
	}
	if imp.Status == "" {
		imp.Status = domain.StatusWaiting
	}
	now := r.now()
	if imp.CreatedAt.IsZero() {
		imp.CreatedAt = now
	}
	_, err := r.db.ExecContext(ctx, `
INSERT OR REPLACE INTO imports (`+importCols+`)
VALUES (?,?,?,?,?,?,?,?,?,?,?,?,?,?,?,?)`,
		imp.ID, jsonText(imp.Owner, "{}"), imp.CatalogID, string(imp.Status), rawText(imp.Config),
		imp.RemoteResourceID, imp.DataFairDatasetID, imp.ShouldUpdateMetadata, imp.ShouldUpdateSchema,
		jsonText(imp.SchedulingRules, "[]"), nullMs(imp.NextRunAt), nullMs(imp.LastRunAt),
		jsonText(imp.Logs, "[]"), nullStr(imp.Error), ms(imp.CreatedAt), ms(now))
	return imp.ID, err
}

func (r *sqliteRepo) UpdateImport(ctx context.Context, id string, p ImportPatch) error {
	var s setter
	if p.Status != nil {
		s.add("status", string(*p.Status))
	}
	if p.DataFairDatasetID != nil {
		s.add("dataset_id", *p.DataFairDatasetID)
	}
	if p.LastRunAt != nil {
		s.add("last_run_at", ms(*p.LastRunAt))
	}
	if p.Error != nil {
		s.add("error", nullStr(*p.Error))
	}
	return r.update(ctx, "imports", id, s)
}

func (r *sqliteRepo) DueRecurringImports(ctx context.Context, now time.Time) ([]domain.Import, error) {
	rows, err := r.db.QueryContext(ctx, `
SELECT `+importCols+` FROM imports
WHERE next_run_at IS NOT NULL AND next_run_at <= ? AND status != 'waiting'
ORDER BY next_run_at`, ms(now))
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	var out []domain.Import
	for rows.Next() {
		imp, err := scanImport(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, imp)
	}
	return out, rows.Err()
}

// Reschedule moves an import from status seen to status and sets its next
// run. It reports false when the import changed status in the meantime.
func (r *sqliteRepo) Reschedule(ctx context.Context, id string, seen, status domain.Status, next *time.Time) (bool, error) {
	res, err := r.db.ExecContext(ctx, `
UPDATE imports SET status=?, next_run_at=?, updated_at=? WHERE id=? AND status=?`,
		string(status), nullMs(next), ms(r.now()), id, string(seen))
	if err != nil {
		return false, err
	}
	n, err := res.RowsAffected()
	return n > 0, err
}

const publicationCols = `id,owner,catalog_id,status,action,dataset_id,remote_dataset_id,remote_resource_id,publication_site,last_run_at,logs,error,created_at,updated_at`

func (r *sqliteRepo) GetPublication(ctx context.Context, id string) (domain.Publication, error) {
	row := r.db.QueryRowContext(ctx, `SELECT `+publicationCols+` FROM publications WHERE id=?`, id)
	p, err := scanPublication(row)
	if errors.Is(err, sql.ErrNoRows) {
		return domain.Publication{}, domain.ErrNotFound
	}
	return p, err
}

func (r *sqliteRepo) PutPublication(ctx context.Context, p domain.Publication) (string, error) {
	if p.ID == "" {
		p.ID = "pub_" + uuid.NewString()
	}
	if p.Status == "" {
		p.Status = domain.StatusWaiting
	}
	now := r.now()
	if p.CreatedAt.IsZero() {
		p.CreatedAt = now
	}
	_, err := r.db.ExecContext(ctx, `
INSERT OR REPLACE INTO publications (`+publicationCols+`)
VALUES (?,?,?,?,?,?,?,?,?,?,?,?,?,?)`,
		p.ID, jsonText(p.Owner, "{}"), p.CatalogID, string(p.Status), string(p.Action), p.DataFairDatasetID,
		p.RemoteDatasetID, p.RemoteResourceID, jsonText(p.PublicationSite, "{}"), nullMs(p.LastRunAt),
		jsonText(p.Logs, "[]"), nullStr(p.Error), ms(p.CreatedAt), ms(now))
	return p.ID, err
}

func (r *sqliteRepo) UpdatePublication(ctx context.Context, id string, p PublicationPatch) error {
	var s setter
	if p.Status != nil {
		s.add("status", string(*p.Status))
	}
	if p.RemoteDatasetID != nil {
		s.add("remote_dataset_id", *p.RemoteDatasetID)
	}
	if p.RemoteResourceID != nil {
		s.add("remote_resource_id", *p.RemoteResourceID)
	}
	if p.LastRunAt != nil {
		s.add("last_run_at", ms(*p.LastRunAt))
	}
	if p.Error != nil {
		s.add("error", nullStr(*p.Error))
	}
	return r.update(ctx, "publications", id, s)
}

// QueuePublicationDelete turns a publication into a waiting delete task. It
// reports false when the publication is running.
func (r *sqliteRepo) QueuePublicationDelete(ctx context.Context, id string) (bool, error) {
	res, err := r.db.ExecContext(ctx, `
UPDATE publications SET action='delete', status='waiting', error=NULL, updated_at=?
WHERE id=? AND status!='running'`, ms(r.now()), id)
	if err != nil {
		return false, err
	}
	n, err := res.RowsAffected()
	if err != nil || n > 0 {
		return n > 0, err
	}
	if _, err := r.Status(ctx, domain.TaskPublication, id); err != nil {
		return false, err
	}
	return false, nil
}

func (r *sqliteRepo) CountPublications(ctx context.Context, catalogID string) (int, error) {
	var n int
	err := r.db.QueryRowContext(ctx, `SELECT COUNT(*) FROM publications WHERE catalog_id=?`, catalogID).Scan(&n)
	return n, err
}

const catalogCols = `id,owner,title,plugin,plugin_version,config,secrets,capabilities,deletion_requested,created_at,updated_at`

func (r *sqliteRepo) GetCatalog(ctx context.Context, id string) (domain.Catalog, error) {
	row := r.db.QueryRowContext(ctx, `SELECT `+catalogCols+` FROM catalogs WHERE id=?`, id)
	var (
		c                            domain.Catalog
		owner, config, secrets, caps string
		created, updated             int64
	)
	err := row.Scan(&c.ID, &owner, &c.Title, &c.Plugin, &c.PluginVersion, &config, &secrets, &caps,
		&c.DeletionRequested, &created, &updated)
	if errors.Is(err, sql.ErrNoRows) {
		return domain.Catalog{}, domain.ErrCatalogNotFound
	}
	if err != nil {
		return domain.Catalog{}, err
	}
	c.Config = json.RawMessage(config)
	c.CreatedAt, c.UpdatedAt = fromMs(created), fromMs(updated)
	if err := unmarshalAll(
		field{owner, &c.Owner}, field{secrets, &c.Secrets}, field{caps, &c.Capabilities},
	); err != nil {
		return domain.Catalog{}, fmt.Errorf("catalog %s: %w", c.ID, err)
	}
	return c, nil
}

func (r *sqliteRepo) PutCatalog(ctx context.Context, c domain.Catalog) (string, error) {
	if c.ID == "" {
		c.ID = "cat_" + uuid.NewString()
	}
	now := r.now()
	if c.CreatedAt.IsZero() {
		c.CreatedAt = now
	}
	_, err := r.db.ExecContext(ctx, `
INSERT OR REPLACE INTO catalogs (`+catalogCols+`)
VALUES (?,?,?,?,?,?,?,?,?,?,?)`,
		c.ID, jsonText(c.Owner, "{}"), c.Title, c.Plugin, c.PluginVersion, rawText(c.Config),
		jsonText(c.Secrets, "{}"), jsonText(c.Capabilities, "[]"), c.DeletionRequested, ms(c.CreatedAt), ms(now))
	return c.ID, err
}

func (r *sqliteRepo) DeleteCatalog(ctx context.Context, id string) error {
	_, err := r.db.ExecContext(ctx, `DELETE FROM catalogs WHERE id=?`, id)
	return err
}

// RequestCatalogDeletion flags the catalog for deletion, then deletes it if
// no publication references it. It reports whether the catalog is gone.
func (r *sqliteRepo) RequestCatalogDeletion(ctx context.Context, id string) (bool, error) {
	err := r.exec(ctx, `UPDATE catalogs SET deletion_requested=1, updated_at=? WHERE id=?`, ms(r.now()), id)
	if errors.Is(err, domain.ErrNotFound) {
		return false, domain.ErrCatalogNotFound
	}
	if err != nil {
		return false, err
	}
	return r.DeleteCatalogIfUnused(ctx, id)
}

// DeleteCatalogIfUnused deletes a catalog flagged for deletion once no
// publication references it. Flag and reference check are one statement.
func (r *sqliteRepo) DeleteCatalogIfUnused(ctx context.Context, id string) (bool, error) {
	res, err := r.db.ExecContext(ctx, `
DELETE FROM catalogs WHERE id=? AND deletion_requested=1
AND NOT EXISTS (SELECT 1 FROM publications WHERE catalog_id=?)`, id, id)
	if err != nil {
		return false, err
	}
	n, err := res.RowsAffected()
	return n > 0, err
}

type setter struct {
	cols []string
	args []any
}

func (s *setter) add(col string, v any) {
	s.cols = append(s.cols, col+"=?")
	s.args = append(s.args, v)
}

func (r *sqliteRepo) update(ctx context.Context, tbl, id string, s setter) error {
	if len(s.cols) == 0 {
		return nil
	}
	s.add("updated_at", ms(r.now()))
	args := append(s.args, id)
	return r.exec(ctx, `UPDATE `+tbl+` SET `+strings.Join(s.cols, ", ")+` WHERE id=?`, args...)
}
