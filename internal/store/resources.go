package store

import (
	"context"
	"errors"

	"github.com/campusweb/atlas/internal/model"
)

// Client bundles the typed resource views over one Interface.
type Client struct {
	Sites      Sites
	Code       Code
	Statistics Statistics
	Backups    Backups
	Events     Events
}

// NewClient wraps a store with the typed resource views.
func NewClient(s Interface) *Client {
	return &Client{
		Sites:      Sites{s},
		Code:       Code{s},
		Statistics: Statistics{s},
		Backups:    Backups{s},
		Events:     Events{s},
	}
}

// Sites is the typed view over the sites resource.
type Sites struct{ S Interface }

// Get looks a site up by store id or sid.
func (r Sites) Get(ctx context.Context, idOrSID string) (*model.Site, error) {
	var site model.Site
	err := r.S.Get(ctx, ResSites, idOrSID, &site)
	if err == nil {
		return &site, nil
	}
	if !errors.Is(err, ErrNotFound) {
		return nil, err
	}
	var hits []model.Site
	if err := r.S.Find(ctx, ResSites, Filter{"sid": idOrSID}, &hits); err != nil {
		return nil, err
	}
	if len(hits) == 0 {
		return nil, ErrNotFound
	}
	return &hits[0], nil
}

// All returns every live site.
func (r Sites) All(ctx context.Context) ([]model.Site, error) {
	var sites []model.Site
	return sites, r.S.Find(ctx, ResSites, Filter{}, &sites)
}

// ByStatus returns live sites in any of the given statuses.
func (r Sites) ByStatus(ctx context.Context, statuses ...model.SiteStatus) ([]model.Site, error) {
	var out []model.Site
	for _, st := range statuses {
		var hits []model.Site
		if err := r.S.Find(ctx, ResSites, Filter{"status": st}, &hits); err != nil {
			return nil, err
		}
		out = append(out, hits...)
	}
	return out, nil
}

// ByPath returns the live site with the given path, if any.
func (r Sites) ByPath(ctx context.Context, path string) (*model.Site, error) {
	var hits []model.Site
	if err := r.S.Find(ctx, ResSites, Filter{"path": path}, &hits); err != nil {
		return nil, err
	}
	if len(hits) == 0 {
		return nil, ErrNotFound
	}
	return &hits[0], nil
}

// Referencing returns every live site that references the code document,
// directly as core/profile or through its package set.
func (r Sites) Referencing(ctx context.Context, codeID string) ([]model.Site, error) {
	all, err := r.All(ctx)
	if err != nil {
		return nil, err
	}
	var out []model.Site
	for i := range all {
		if all[i].References(codeID) {
			out = append(out, all[i])
		}
	}
	return out, nil
}

// Patch applies changes against the site's current etag.
func (r Sites) Patch(ctx context.Context, site *model.Site, changes Filter) error {
	return r.S.Patch(ctx, ResSites, site.ID, site.Etag, changes, site)
}

// Code is the typed view over the code resource.
type Code struct{ S Interface }

func (r Code) Get(ctx context.Context, id string) (*model.CodeItem, error) {
	var item model.CodeItem
	if err := r.S.Get(ctx, ResCode, id, &item); err != nil {
		return nil, err
	}
	return &item, nil
}

// All returns every live code item.
func (r Code) All(ctx context.Context) ([]model.CodeItem, error) {
	var items []model.CodeItem
	return items, r.S.Find(ctx, ResCode, Filter{}, &items)
}

// Current returns the current artifact for (name, code_type), if any.
func (r Code) Current(ctx context.Context, name string, typ model.CodeType) (*model.CodeItem, error) {
	var hits []model.CodeItem
	if err := r.S.Find(ctx, ResCode, Filter{"name": name, "code_type": typ, "is_current": true}, &hits); err != nil {
		return nil, err
	}
	if len(hits) == 0 {
		return nil, ErrNotFound
	}
	return &hits[0], nil
}

// CurrentByType returns every current artifact of the given type.
func (r Code) CurrentByType(ctx context.Context, typ model.CodeType) ([]model.CodeItem, error) {
	var hits []model.CodeItem
	return hits, r.S.Find(ctx, ResCode, Filter{"code_type": typ, "is_current": true}, &hits)
}

// Identity returns the artifact with exactly (name, version, code_type).
func (r Code) Identity(ctx context.Context, name, version string, typ model.CodeType) (*model.CodeItem, error) {
	var hits []model.CodeItem
	if err := r.S.Find(ctx, ResCode, Filter{"name": name, "version": version, "code_type": typ}, &hits); err != nil {
		return nil, err
	}
	if len(hits) == 0 {
		return nil, ErrNotFound
	}
	return &hits[0], nil
}

func (r Code) Patch(ctx context.Context, item *model.CodeItem, changes Filter) error {
	return r.S.Patch(ctx, ResCode, item.ID, item.Etag, changes, item)
}

// Statistics is the typed view over the statistics resource.
type Statistics struct{ S Interface }

func (r Statistics) Get(ctx context.Context, id string) (*model.Statistics, error) {
	var st model.Statistics
	if err := r.S.Get(ctx, ResStatistics, id, &st); err != nil {
		return nil, err
	}
	return &st, nil
}

// ForSite returns the statistics record owned by the site, if any.
func (r Statistics) ForSite(ctx context.Context, siteID string) (*model.Statistics, error) {
	var hits []model.Statistics
	if err := r.S.Find(ctx, ResStatistics, Filter{"site": siteID}, &hits); err != nil {
		return nil, err
	}
	if len(hits) == 0 {
		return nil, ErrNotFound
	}
	return &hits[0], nil
}

// All returns every live statistics record.
func (r Statistics) All(ctx context.Context) ([]model.Statistics, error) {
	var hits []model.Statistics
	return hits, r.S.Find(ctx, ResStatistics, Filter{}, &hits)
}

// Backups is the typed view over the backup resource.
type Backups struct{ S Interface }

func (r Backups) Get(ctx context.Context, id string) (*model.Backup, error) {
	var b model.Backup
	if err := r.S.Get(ctx, ResBackup, id, &b); err != nil {
		return nil, err
	}
	return &b, nil
}

// ForSite returns every backup of the site.
func (r Backups) ForSite(ctx context.Context, siteID string) ([]model.Backup, error) {
	var hits []model.Backup
	return hits, r.S.Find(ctx, ResBackup, Filter{"site": siteID}, &hits)
}

// All returns every backup record.
func (r Backups) All(ctx context.Context) ([]model.Backup, error) {
	var hits []model.Backup
	return hits, r.S.Find(ctx, ResBackup, Filter{}, &hits)
}

// Events is the typed view over the event resource.
type Events struct{ S Interface }

// ForSite returns events of one type for a site.
func (r Events) ForSite(ctx context.Context, siteID, eventType string) ([]model.Event, error) {
	var hits []model.Event
	return hits, r.S.Find(ctx, ResEvent, Filter{"site": siteID, "event_type": eventType}, &hits)
}

// Post records a new event.
func (r Events) Post(ctx context.Context, ev *model.Event) error {
	meta, err := r.S.Insert(ctx, ResEvent, ev)
	if err != nil {
		return err
	}
	ev.Meta = meta
	return nil
}
