package store

import (
	"database/sql"
	"encoding/json"
	"fmt"
	"strings"
	"time"

	"catalogworker/internal/domain"
)

type scanner interface {
	Scan(dest ...any) error
}

func scanImport(row scanner) (domain.Import, error) {
	var (
		imp                        domain.Import
		owner, config, rules, logs string
		status                     string
		nextRun, lastRun           sql.NullInt64
		errMsg                     sql.NullString
		created, updated           int64
	)
	if err := row.Scan(&imp.ID, &owner, &imp.CatalogID, &status, &config, &imp.RemoteResourceID,
		&imp.DataFairDatasetID, &imp.ShouldUpdateMetadata, &imp.ShouldUpdateSchema, &rules,
		&nextRun, &lastRun, &logs, &errMsg, &created, &updated); err != nil {
		return domain.Import{}, err
	}
	imp.Status = domain.Status(status)
	imp.Config = json.RawMessage(config)
	imp.NextRunAt = fromNullMs(nextRun)
	imp.LastRunAt = fromNullMs(lastRun)
	imp.Error = errMsg.String
	imp.CreatedAt, imp.UpdatedAt = fromMs(created), fromMs(updated)
	if err := unmarshalAll(
		field{owner, &imp.Owner}, field{rules, &imp.SchedulingRules}, field{logs, &imp.Logs},
	); err != nil {
		return domain.Import{}, fmt.Errorf("import %s: %w", imp.ID, err)
	}
	return imp, nil
}

func scanPublication(row scanner) (domain.Publication, error) {
	var (
		p                 domain.Publication
		owner, site, logs string
		status, action    string
		lastRun           sql.NullInt64
		errMsg            sql.NullString
		created, updated  int64
	)
	if err := row.Scan(&p.ID, &owner, &p.CatalogID, &status, &action, &p.DataFairDatasetID,
		&p.RemoteDatasetID, &p.RemoteResourceID, &site, &lastRun, &logs, &errMsg,
		&created, &updated); err != nil {
		return domain.Publication{}, err
	}
	p.Status = domain.Status(status)
	p.Action = domain.PublicationAction(action)
	p.LastRunAt = fromNullMs(lastRun)
	p.Error = errMsg.String
	p.CreatedAt, p.UpdatedAt = fromMs(created), fromMs(updated)
	if err := unmarshalAll(
		field{owner, &p.Owner}, field{site, &p.PublicationSite}, field{logs, &p.Logs},
	); err != nil {
		return domain.Publication{}, fmt.Errorf("publication %s: %w", p.ID, err)
	}
	return p, nil
}

type field struct {
	raw string
	dst any
}

func unmarshalAll(fields ...field) error {
	for _, f := range fields {
		if f.raw == "" {
			continue
		}
		if err := json.Unmarshal([]byte(f.raw), f.dst); err != nil {
			return err
		}
	}
	return nil
}

// Timestamps are stored as unix milliseconds so range queries compare integers.
func ms(t time.Time) int64 { return t.UnixMilli() }

func fromMs(v int64) time.Time { return time.UnixMilli(v).UTC() }

func nullMs(t *time.Time) any {
	if t == nil {
		return nil
	}
	return t.UnixMilli()
}

func fromNullMs(v sql.NullInt64) *time.Time {
	if !v.Valid {
		return nil
	}
	t := fromMs(v.Int64)
	return &t
}

func nullStr(v string) any {
	if strings.TrimSpace(v) == "" {
		return nil
	}
	return v
}

func jsonText(v any, def string) string {
	b, err := json.Marshal(v)
	if err != nil || string(b) == "null" {
		return def
	}
	return string(b)
}

func rawText(raw json.RawMessage) string {
	if len(raw) == 0 {
		return "{}"
	}
	return string(raw)
}
