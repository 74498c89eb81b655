// Package model holds the document types the control plane stores and
// moves around: sites, code artifacts, statistics, backups and events.
package model

import "time"

// Meta is the store-owned envelope every document carries: the assigned
// id, the etag rotated on every write, and the lifecycle timestamps.
type Meta struct {
	ID      string    `json:"_id,omitempty"`
	Etag    string    `json:"_etag,omitempty"`
	Created time.Time `json:"_created,omitempty"`
	Updated time.Time `json:"_updated,omitempty"`
	Deleted bool      `json:"_deleted,omitempty"`
}
