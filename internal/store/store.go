// Package store is the document store the control plane keeps its
// authoritative records in: typed JSON resources with store-assigned ids,
// etag-checked optimistic concurrency and soft delete. The Postgres
// implementation is the real one; Memory backs tests.
package store

import (
	"context"
	"errors"

	"github.com/campusweb/atlas/internal/model"
)

// Resource names.
const (
	ResSites      = "sites"
	ResCode       = "code"
	ResStatistics = "statistics"
	ResBackup     = "backup"
	ResEvent      = "event"
)

// softDeleted lists the resources that are soft-deleted.
var softDeleted = map[string]bool{
	ResSites:      true,
	ResCode:       true,
	ResStatistics: true,
}

// Pagination bounds for List.
const (
	DefaultPageSize = 500
	MaxPageSize     = 2000
)

var (
	ErrNotFound     = errors.New("store: document not found")
	ErrEtagMismatch = errors.New("store: etag mismatch")
)

// Filter is a JSON containment filter over document fields. Values may be
// nested maps; a document matches when it contains every key/value pair.
type Filter map[string]any

// Interface is the store surface the rest of the system consumes. Writes
// with a non-empty etag are rejected with ErrEtagMismatch when the stored
// etag differs; an empty etag writes unconditionally.
type Interface interface {
	Insert(ctx context.Context, resource string, doc any) (model.Meta, error)
	Get(ctx context.Context, resource, id string, out any) error
	// Find unmarshals every live document matching filter into out, which
	// must be a pointer to a slice.
	Find(ctx context.Context, resource string, filter Filter, out any) error
	// List pages through live documents ordered by creation time and
	// returns the total count.
	List(ctx context.Context, resource string, page, maxResults int, out any) (int, error)
	// Patch shallow-merges changes into the stored document and rotates
	// the etag. When out is non-nil the updated document is unmarshaled
	// into it.
	Patch(ctx context.Context, resource, id, etag string, changes Filter, out any) error
	Delete(ctx context.Context, resource, id, etag string) error
	// Undelete revives a soft-deleted document.
	Undelete(ctx context.Context, resource, id string) error
}

// ClampPageSize applies the pagination bounds.
func ClampPageSize(n int) int {
	if n <= 0 {
		return DefaultPageSize
	}
	if n > MaxPageSize {
		return MaxPageSize
	}
	return n
}
