package store

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"
	"github.com/jackc/pgx/v5/pgxpool"

	"github.com/campusweb/atlas/internal/model"
)

// Postgres stores every resource in one JSONB table keyed by
// (resource, id), with the concurrency envelope in plain columns.
type Postgres struct {
	pool *pgxpool.Pool
}

const schema = `
CREATE TABLE IF NOT EXISTS documents (
    resource text NOT NULL,
    id       text NOT NULL,
    doc      jsonb NOT NULL,
    etag     text NOT NULL,
    created  timestamptz NOT NULL,
    updated  timestamptz NOT NULL,
    deleted  boolean NOT NULL DEFAULT false,
    PRIMARY KEY (resource, id)
);
CREATE INDEX IF NOT EXISTS documents_doc_idx ON documents USING gin (doc jsonb_path_ops);
CREATE INDEX IF NOT EXISTS documents_created_idx ON documents (resource, created);
`

// NewPostgres connects, verifies the connection and ensures the schema.
func NewPostgres(ctx context.Context, dsn string) (*Postgres, error) {
	pool, err := pgxpool.New(ctx, dsn)
	if err != nil {
		return nil, fmt.Errorf("failed to open document store: %w", err)
	}
	if err := pool.Ping(ctx); err != nil {
		pool.Close()
		return nil, fmt.Errorf("failed to ping document store: %w", err)
	}
	if _, err := pool.Exec(ctx, schema); err != nil {
		pool.Close()
		return nil, fmt.Errorf("failed to ensure document schema: %w", err)
	}
	return &Postgres{pool: pool}, nil
}

// Close releases the pool.
func (p *Postgres) Close() { p.pool.Close() }

func newEtag() string {
	return strings.ReplaceAll(uuid.NewString(), "-", "")
}

// docJSON strips the envelope keys from a marshaled document so the
// columns stay authoritative.
func docJSON(doc any) ([]byte, error) {
	raw, err := json.Marshal(doc)
	if err != nil {
		return nil, err
	}
	var m map[string]json.RawMessage
	if err := json.Unmarshal(raw, &m); err != nil {
		return nil, err
	}
	for _, k := range []string{"_id", "_etag", "_created", "_updated", "_deleted"} {
		delete(m, k)
	}
	return json.Marshal(m)
}

// withEnvelope writes the envelope columns back into the document JSON
// before it is unmarshaled for a caller.
func withEnvelope(doc []byte, id, etag string, created, updated time.Time, deleted bool) ([]byte, error) {
	var m map[string]json.RawMessage
	if err := json.Unmarshal(doc, &m); err != nil {
		return nil, err
	}
	set := func(k string, v any) {
		raw, _ := json.Marshal(v)
		m[k] = raw
	}
	set("_id", id)
	set("_etag", etag)
	set("_created", created)
	set("_updated", updated)
	if deleted {
		set("_deleted", true)
	}
	return json.Marshal(m)
}

func (p *Postgres) Insert(ctx context.Context, resource string, doc any) (meta model.Meta, err error) {
	body, err := docJSON(doc)
	if err != nil {
		return meta, err
	}
	now := time.Now().UTC()
	meta = model.Meta{ID: uuid.NewString(), Etag: newEtag(), Created: now, Updated: now}
	_, err = p.pool.Exec(ctx,
		`INSERT INTO documents (resource, id, doc, etag, created, updated) VALUES ($1,$2,$3,$4,$5,$6)`,
		resource, meta.ID, body, meta.Etag, now, now)
	if err != nil {
		return model.Meta{}, fmt.Errorf("failed to insert %s document: %w", resource, err)
	}
	return meta, nil
}

func (p *Postgres) Get(ctx context.Context, resource, id string, out any) error {
	row := p.pool.QueryRow(ctx,
		`SELECT doc, etag, created, updated, deleted FROM documents WHERE resource=$1 AND id=$2`,
		resource, id)
	var (
		body             []byte
		etag             string
		created, updated time.Time
		deleted          bool
	)
	if err := row.Scan(&body, &etag, &created, &updated, &deleted); err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return ErrNotFound
		}
		return fmt.Errorf("failed to get %s/%s: %w", resource, id, err)
	}
	if deleted {
		return ErrNotFound
	}
	full, err := withEnvelope(body, id, etag, created, updated, deleted)
	if err != nil {
		return err
	}
	return json.Unmarshal(full, out)
}

func (p *Postgres) Find(ctx context.Context, resource string, filter Filter, out any) error {
	wantDeleted := false
	if v, ok := filter["_deleted"]; ok {
		wantDeleted, _ = v.(bool)
		clone := Filter{}
		for k, val := range filter {
			if k != "_deleted" {
				clone[k] = val
			}
		}
		filter = clone
	}
	cond, err := json.Marshal(filter)
	if err != nil {
		return err
	}
	rows, err := p.pool.Query(ctx,
		`SELECT id, doc, etag, created, updated, deleted FROM documents
		 WHERE resource=$1 AND deleted=$2 AND doc @> $3::jsonb ORDER BY created`,
		resource, wantDeleted, cond)
	if err != nil {
		return fmt.Errorf("failed to find %s documents: %w", resource, err)
	}
	defer rows.Close()
	return scanDocs(rows, out)
}

func (p *Postgres) List(ctx context.Context, resource string, page, maxResults int, out any) (int, error) {
	maxResults = ClampPageSize(maxResults)
	if page < 1 {
		page = 1
	}
	var total int
	if err := p.pool.QueryRow(ctx,
		`SELECT count(*) FROM documents WHERE resource=$1 AND NOT deleted`, resource).Scan(&total); err != nil {
		return 0, fmt.Errorf("failed to count %s documents: %w", resource, err)
	}
	rows, err := p.pool.Query(ctx,
		`SELECT id, doc, etag, created, updated, deleted FROM documents
		 WHERE resource=$1 AND NOT deleted ORDER BY created LIMIT $2 OFFSET $3`,
		resource, maxResults, (page-1)*maxResults)
	if err != nil {
		return 0, fmt.Errorf("failed to list %s documents: %w", resource, err)
	}
	defer rows.Close()
	if err := scanDocs(rows, out); err != nil {
		return 0, err
	}
	return total, nil
}

func scanDocs(rows pgx.Rows, out any) error {
	var docs []json.RawMessage
	for rows.Next() {
		var (
			id, etag         string
			body             []byte
			created, updated time.Time
			deleted          bool
		)
		if err := rows.Scan(&id, &body, &etag, &created, &updated, &deleted); err != nil {
			return err
		}
		full, err := withEnvelope(body, id, etag, created, updated, deleted)
		if err != nil {
			return err
		}
		docs = append(docs, full)
	}
	if err := rows.Err(); err != nil {
		return err
	}
	joined, err := json.Marshal(docs)
	if err != nil {
		return err
	}
	return json.Unmarshal(joined, out)
}

func (p *Postgres) Patch(ctx context.Context, resource, id, etag string, changes Filter, out any) error {
	body, err := json.Marshal(changes)
	if err != nil {
		return err
	}
	next := newEtag()
	tag, err := p.pool.Exec(ctx,
		`UPDATE documents SET doc = doc || $4::jsonb, etag=$5, updated=$6
		 WHERE resource=$1 AND id=$2 AND ($3='' OR etag=$3)`,
		resource, id, etag, body, next, time.Now().UTC())
	if err != nil {
		return fmt.Errorf("failed to patch %s/%s: %w", resource, id, err)
	}
	if tag.RowsAffected() == 0 {
		return p.missOrMismatch(ctx, resource, id)
	}
	if out != nil {
		return p.Get(ctx, resource, id, out)
	}
	return nil
}

func (p *Postgres) Delete(ctx context.Context, resource, id, etag string) error {
	var (
		tag pgconn.CommandTag
		err error
	)
	if softDeleted[resource] {
		tag, err = p.pool.Exec(ctx,
			`UPDATE documents SET deleted=true, etag=$4, updated=$5
			 WHERE resource=$1 AND id=$2 AND ($3='' OR etag=$3)`,
			resource, id, etag, newEtag(), time.Now().UTC())
	} else {
		tag, err = p.pool.Exec(ctx,
			`DELETE FROM documents WHERE resource=$1 AND id=$2 AND ($3='' OR etag=$3)`,
			resource, id, etag)
	}
	if err != nil {
		return fmt.Errorf("failed to delete %s/%s: %w", resource, id, err)
	}
	if tag.RowsAffected() == 0 {
		return p.missOrMismatch(ctx, resource, id)
	}
	return nil
}

func (p *Postgres) Undelete(ctx context.Context, resource, id string) error {
	tag, err := p.pool.Exec(ctx,
		`UPDATE documents SET deleted=false, etag=$3, updated=$4 WHERE resource=$1 AND id=$2`,
		resource, id, newEtag(), time.Now().UTC())
	if err != nil {
		return fmt.Errorf("failed to undelete %s/%s: %w", resource, id, err)
	}
	if tag.RowsAffected() == 0 {
		return ErrNotFound
	}
	return nil
}

// missOrMismatch distinguishes a missing document from a lost etag race.
func (p *Postgres) missOrMismatch(ctx context.Context, resource, id string) error {
	var exists bool
	if err := p.pool.QueryRow(ctx,
		`SELECT true FROM documents WHERE resource=$1 AND id=$2`, resource, id).Scan(&exists); err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return ErrNotFound
		}
		return err
	}
	return ErrEtagMismatch
}
