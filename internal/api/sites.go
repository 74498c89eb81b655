package api

import (
	"encoding/json"
	"net/http"
	"time"

	"github.com/gin-gonic/gin"

	"github.com/campusweb/atlas/internal/model"
	"github.com/campusweb/atlas/internal/store"
	"github.com/campusweb/atlas/internal/task"
)

func (a *Api) listSites(c *gin.Context) {
	page, maxResults := pageParams(c)
	var sites []model.Site
	total, err := a.deps.Docs.Sites.S.List(c.Request.Context(), store.ResSites, page, maxResults, &sites)
	if err != nil {
		storeError(c, err)
		return
	}
	items := make([]any, len(sites))
	for i := range sites {
		items[i] = sites[i]
	}
	c.JSON(http.StatusOK, listEnvelope{Items: items, Meta: listMeta{Page: page, MaxResults: maxResults, Total: total}})
}

func (a *Api) getSite(c *gin.Context) {
	site, err := a.deps.Docs.Sites.Get(c.Request.Context(), c.Param("id"))
	if err != nil {
		storeError(c, err)
		return
	}
	c.JSON(http.StatusOK, site)
}

func (a *Api) createSite(c *gin.Context) {
	var site model.Site
	if err := c.ShouldBindJSON(&site); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": err.Error()})
		return
	}
	ctx := c.Request.Context()
	if site.Path != "" {
		if a.pathProtected(site.Path) {
			conflict(c, "path is protected", gin.H{"path": site.Path})
			return
		}
		if _, err := a.deps.Docs.Sites.ByPath(ctx, site.Path); err == nil {
			conflict(c, "path already in use", gin.H{"path": site.Path})
			return
		}
	}
	site.Meta = model.Meta{}
	site.CreatedBy = principal(c)
	site.ModifiedBy = principal(c)
	if err := task.NewPendingSite(ctx, a.deps, &site); err != nil {
		conflict(c, err.Error(), nil)
		return
	}
	c.JSON(http.StatusCreated, site)
}

func (a *Api) patchSite(c *gin.Context) {
	ctx := c.Request.Context()
	site, err := a.deps.Docs.Sites.Get(ctx, c.Param("id"))
	if err != nil {
		storeError(c, err)
		return
	}
	var body map[string]any
	if err := c.ShouldBindJSON(&body); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": err.Error()})
		return
	}
	etag, ok := requestEtag(c, body)
	if !ok {
		c.JSON(http.StatusPreconditionRequired, gin.H{"error": "etag required"})
		return
	}
	stripEnvelope(body)

	if path, ok := body["path"].(string); ok && a.pathProtected(path) {
		conflict(c, "path is protected", gin.H{"path": path})
		return
	}

	// a lifecycle-bearing status stamps its dates field
	if raw, ok := body["status"].(string); ok {
		dates := site.Dates
		if _, stamped := dates.StampFor(model.SiteStatus(raw), time.Now().UTC()); stamped {
			body["dates"] = dates
		}
	}
	body["modified_by"] = principal(c)

	update, err := a.siteUpdateArgs(c, site, body)
	if err != nil {
		storeError(c, err)
		return
	}
	if err := a.deps.Docs.Sites.S.Patch(ctx, store.ResSites, site.ID, etag, body, site); err != nil {
		storeError(c, err)
		return
	}
	if err := a.deps.Engine.Enqueue(ctx, task.TaskSiteUpdate, update); err != nil {
		storeError(c, err)
		return
	}
	c.JSON(http.StatusOK, site)
}

// siteUpdateArgs diffs the incoming code refs against the stored ones
// and merges the changed artifacts' deploy hints. The merged refs are
// written back into body: the store patch replaces top-level keys
// wholesale, so a partial code object would otherwise drop the refs the
// client left out.
func (a *Api) siteUpdateArgs(c *gin.Context, site *model.Site, body map[string]any) (task.UpdateArgs, error) {
	args := task.UpdateArgs{SiteID: site.ID}
	rawCode, ok := body["code"]
	if !ok {
		return args, nil
	}
	buf, err := json.Marshal(rawCode)
	if err != nil {
		return args, err
	}
	next := site.Code
	if err := json.Unmarshal(buf, &next); err != nil {
		return args, err
	}
	args.CoreChanged = next.Core != site.Code.Core
	args.ProfileChanged = next.Profile != site.Code.Profile
	args.PackagesChanged = !equalIDs(next.Package, site.Code.Package)
	body["code"] = next

	var changed []string
	if args.CoreChanged {
		changed = append(changed, next.Core)
	}
	if args.ProfileChanged {
		changed = append(changed, next.Profile)
	}
	if args.PackagesChanged {
		changed = append(changed, next.Package...)
	}
	for _, id := range changed {
		item, err := a.deps.Docs.Code.Get(c.Request.Context(), id)
		if err != nil {
			return args, err
		}
		args.Hints.RegistryRebuild = args.Hints.RegistryRebuild || item.Deploy.RegistryRebuild
		args.Hints.CacheClear = args.Hints.CacheClear || item.Deploy.CacheClear
		args.Hints.UpdateDatabase = args.Hints.UpdateDatabase || item.Deploy.UpdateDatabase
	}
	return args, nil
}

func equalIDs(a, b []string) bool {
	if len(a) != len(b) {
		return false
	}
	seen := map[string]int{}
	for _, id := range a {
		seen[id]++
	}
	for _, id := range b {
		seen[id]--
		if seen[id] < 0 {
			return false
		}
	}
	return true
}

func (a *Api) deleteSite(c *gin.Context) {
	ctx := c.Request.Context()
	site, err := a.deps.Docs.Sites.Get(ctx, c.Param("id"))
	if err != nil {
		storeError(c, err)
		return
	}
	etag, ok := requestEtag(c, nil)
	if !ok {
		c.JSON(http.StatusPreconditionRequired, gin.H{"error": "etag required"})
		return
	}
	if etag != site.Etag {
		c.JSON(http.StatusPreconditionFailed, gin.H{"error": "etag mismatch"})
		return
	}
	if site.Status == model.StatusLaunched || site.Status == model.StatusLaunching {
		conflict(c, "instance is launched; take it down first", gin.H{"sid": site.SID})
		return
	}
	if err := a.deps.Engine.Enqueue(ctx, task.TaskSiteRemove, task.SiteArgs{SiteID: site.ID}); err != nil {
		storeError(c, err)
		return
	}
	c.JSON(http.StatusAccepted, gin.H{"sid": site.SID})
}

func (a *Api) pathProtected(path string) bool {
	for _, p := range a.cfg.ProtectedPaths {
		if p == path {
			return true
		}
	}
	return false
}
