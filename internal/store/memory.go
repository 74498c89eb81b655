package store

import (
	"context"
	"encoding/json"
	"fmt"
	"reflect"
	"sort"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/campusweb/atlas/internal/model"
)

// Memory is an in-process Interface used by tests and the local
// environment. Semantics mirror Postgres: shallow-merge patches,
// etag rotation, containment filters, soft delete.
type Memory struct {
	mu   sync.Mutex
	seq  int
	docs map[string]map[string]*memDoc
}

type memDoc struct {
	body             map[string]any
	etag             string
	created, updated time.Time
	deleted          bool
	seq              int
}

// NewMemory returns an empty in-memory store.
func NewMemory() *Memory {
	return &Memory{docs: map[string]map[string]*memDoc{}}
}

func (m *Memory) table(resource string) map[string]*memDoc {
	t, ok := m.docs[resource]
	if !ok {
		t = map[string]*memDoc{}
		m.docs[resource] = t
	}
	return t
}

func toMap(doc any) (map[string]any, error) {
	raw, err := json.Marshal(doc)
	if err != nil {
		return nil, err
	}
	var out map[string]any
	if err := json.Unmarshal(raw, &out); err != nil {
		return nil, err
	}
	for _, k := range []string{"_id", "_etag", "_created", "_updated", "_deleted"} {
		delete(out, k)
	}
	return out, nil
}

func (d *memDoc) render(id string) map[string]any {
	out := make(map[string]any, len(d.body)+5)
	for k, v := range d.body {
		out[k] = v
	}
	out["_id"] = id
	out["_etag"] = d.etag
	out["_created"] = d.created.Format(time.RFC3339Nano)
	out["_updated"] = d.updated.Format(time.RFC3339Nano)
	if d.deleted {
		out["_deleted"] = true
	}
	return out
}

func unmarshalInto(v any, out any) error {
	raw, err := json.Marshal(v)
	if err != nil {
		return err
	}
	return json.Unmarshal(raw, out)
}

func (m *Memory) Insert(ctx context.Context, resource string, doc any) (model.Meta, error) {
	body, err := toMap(doc)
	if err != nil {
		return model.Meta{}, err
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	now := time.Now().UTC()
	m.seq++
	d := &memDoc{body: body, etag: newEtag(), created: now, updated: now, seq: m.seq}
	id := uuid.NewString()
	m.table(resource)[id] = d
	return model.Meta{ID: id, Etag: d.etag, Created: now, Updated: now}, nil
}

func (m *Memory) Get(ctx context.Context, resource, id string, out any) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	d, ok := m.table(resource)[id]
	if !ok || d.deleted {
		return ErrNotFound
	}
	return unmarshalInto(d.render(id), out)
}

// matches implements JSON containment: every filter key must be present
// with an equal value; nested maps recurse.
func matches(body map[string]any, filter map[string]any) bool {
	for k, want := range filter {
		got, ok := body[k]
		if !ok {
			return false
		}
		wm, wok := normalize(want).(map[string]any)
		gm, gok := got.(map[string]any)
		if wok && gok {
			if !matches(gm, wm) {
				return false
			}
			continue
		}
		if !reflect.DeepEqual(normalize(want), got) {
			return false
		}
	}
	return true
}

// normalize round-trips a value through JSON so typed filter values
// compare equal to decoded document values.
func normalize(v any) any {
	raw, err := json.Marshal(v)
	if err != nil {
		return v
	}
	var out any
	if err := json.Unmarshal(raw, &out); err != nil {
		return v
	}
	return out
}

func (m *Memory) Find(ctx context.Context, resource string, filter Filter, out any) error {
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
	m.mu.Lock()
	defer m.mu.Unlock()
	type hit struct {
		id string
		d  *memDoc
	}
	var hits []hit
	for id, d := range m.table(resource) {
		if d.deleted != wantDeleted {
			continue
		}
		if matches(d.body, filter) {
			hits = append(hits, hit{id, d})
		}
	}
	sort.Slice(hits, func(i, j int) bool { return hits[i].d.seq < hits[j].d.seq })
	rendered := make([]map[string]any, 0, len(hits))
	for _, h := range hits {
		rendered = append(rendered, h.d.render(h.id))
	}
	return unmarshalInto(rendered, out)
}

func (m *Memory) List(ctx context.Context, resource string, page, maxResults int, out any) (int, error) {
	maxResults = ClampPageSize(maxResults)
	if page < 1 {
		page = 1
	}
	var all []map[string]any
	if err := m.Find(ctx, resource, Filter{}, &all); err != nil {
		return 0, err
	}
	total := len(all)
	lo := (page - 1) * maxResults
	if lo > total {
		lo = total
	}
	hi := lo + maxResults
	if hi > total {
		hi = total
	}
	return total, unmarshalInto(all[lo:hi], out)
}

func (m *Memory) Patch(ctx context.Context, resource, id, etag string, changes Filter, out any) error {
	normalized, err := toMap(changes)
	if err != nil {
		return err
	}
	m.mu.Lock()
	d, ok := m.table(resource)[id]
	if !ok {
		m.mu.Unlock()
		return ErrNotFound
	}
	if etag != "" && d.etag != etag {
		m.mu.Unlock()
		return ErrEtagMismatch
	}
	for k, v := range normalized {
		d.body[k] = v
	}
	d.etag = newEtag()
	d.updated = time.Now().UTC()
	m.mu.Unlock()
	if out != nil {
		return m.Get(ctx, resource, id, out)
	}
	return nil
}

func (m *Memory) Delete(ctx context.Context, resource, id, etag string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	t := m.table(resource)
	d, ok := t[id]
	if !ok {
		return ErrNotFound
	}
	if etag != "" && d.etag != etag {
		return ErrEtagMismatch
	}
	if softDeleted[resource] {
		d.deleted = true
		d.etag = newEtag()
		d.updated = time.Now().UTC()
	} else {
		delete(t, id)
	}
	return nil
}

func (m *Memory) Undelete(ctx context.Context, resource, id string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	d, ok := m.table(resource)[id]
	if !ok {
		return ErrNotFound
	}
	d.deleted = false
	d.etag = newEtag()
	d.updated = time.Now().UTC()
	return nil
}

// SetCreated backdates a document's creation time; test helper for
// age-based loops.
func (m *Memory) SetCreated(resource, id string, at time.Time) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	d, ok := m.table(resource)[id]
	if !ok {
		return fmt.Errorf("no %s/%s", resource, id)
	}
	d.created = at
	return nil
}

// SetUpdated backdates a document's update time; test helper.
func (m *Memory) SetUpdated(resource, id string, at time.Time) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	d, ok := m.table(resource)[id]
	if !ok {
		return fmt.Errorf("no %s/%s", resource, id)
	}
	d.updated = at
	return nil
}
