package api

import (
	"net/http"
	"regexp"

	"github.com/gin-gonic/gin"

	"github.com/campusweb/atlas/internal/model"
	"github.com/campusweb/atlas/internal/store"
	"github.com/campusweb/atlas/internal/task"
)

// gitURLPattern accepts scheme-style clone URLs (https, ssh, git) and
// scp-style user@host:path addresses.
var gitURLPattern = regexp.MustCompile(`^(?:(?:https?|ssh|git)://(?:[\w.-]+@)?[\w.-]+(?::\d+)?/\S+|[\w.-]+@[\w.-]+:\S+)$`)

func (a *Api) listCode(c *gin.Context) {
	page, maxResults := pageParams(c)
	var items []model.CodeItem
	total, err := a.deps.Docs.Code.S.List(c.Request.Context(), store.ResCode, page, maxResults, &items)
	if err != nil {
		storeError(c, err)
		return
	}
	out := make([]any, len(items))
	for i := range items {
		out[i] = items[i]
	}
	c.JSON(http.StatusOK, listEnvelope{Items: out, Meta: listMeta{Page: page, MaxResults: maxResults, Total: total}})
}

func (a *Api) getCode(c *gin.Context) {
	item, err := a.deps.Docs.Code.Get(c.Request.Context(), c.Param("id"))
	if err != nil {
		storeError(c, err)
		return
	}
	c.JSON(http.StatusOK, item)
}

func (a *Api) createCode(c *gin.Context) {
	var item model.CodeItem
	if err := c.ShouldBindJSON(&item); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": err.Error()})
		return
	}
	ctx := c.Request.Context()
	if item.Name == "" || item.Version == "" || item.GitURL == "" {
		conflict(c, "name, version and git_url are required", nil)
		return
	}
	if !gitURLPattern.MatchString(item.GitURL) {
		conflict(c, "git_url is not a clone URL", gin.H{"git_url": item.GitURL})
		return
	}
	if _, err := a.deps.Docs.Code.Identity(ctx, item.Name, item.Version, item.CodeType); err == nil {
		conflict(c, "artifact already exists", gin.H{
			"name": item.Name, "version": item.Version, "code_type": item.CodeType,
		})
		return
	}
	item.Meta = model.Meta{}
	item.CreatedBy = principal(c)
	item.ModifiedBy = principal(c)
	meta, err := a.deps.Docs.Code.S.Insert(ctx, store.ResCode, &item)
	if err != nil {
		storeError(c, err)
		return
	}
	item.Meta = meta
	if item.IsCurrent {
		if err := a.demotePeers(c, &item); err != nil {
			storeError(c, err)
			return
		}
	}
	if err := a.deps.Engine.Enqueue(ctx, task.TaskCodeClone, task.CodeArgs{CodeID: item.ID}); err != nil {
		storeError(c, err)
		return
	}
	c.JSON(http.StatusCreated, item)
}

func (a *Api) patchCode(c *gin.Context) {
	ctx := c.Request.Context()
	item, err := a.deps.Docs.Code.Get(ctx, c.Param("id"))
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
	if raw, ok := body["git_url"].(string); ok && !gitURLPattern.MatchString(raw) {
		conflict(c, "git_url is not a clone URL", gin.H{"git_url": raw})
		return
	}
	body["modified_by"] = principal(c)

	old := *item
	if err := a.deps.Docs.Code.S.Patch(ctx, store.ResCode, item.ID, etag, body, item); err != nil {
		storeError(c, err)
		return
	}
	if item.IsCurrent && !old.IsCurrent {
		if err := a.demotePeers(c, item); err != nil {
			storeError(c, err)
			return
		}
	}
	if err := a.deps.Engine.Enqueue(ctx, task.TaskCodeUpdate, task.CodeUpdateArgs{CodeID: item.ID, Old: old}); err != nil {
		storeError(c, err)
		return
	}
	// an artifact whose checkout moved needs its instances refreshed
	if old.GitURL != item.GitURL || old.CommitHash != item.CommitHash ||
		old.Name != item.Name || old.Version != item.Version {
		if err := a.refreshReferencing(c, item); err != nil {
			storeError(c, err)
			return
		}
	}
	c.JSON(http.StatusOK, item)
}

func (a *Api) deleteCode(c *gin.Context) {
	ctx := c.Request.Context()
	item, err := a.deps.Docs.Code.Get(ctx, c.Param("id"))
	if err != nil {
		storeError(c, err)
		return
	}
	etag, ok := requestEtag(c, nil)
	if !ok {
		c.JSON(http.StatusPreconditionRequired, gin.H{"error": "etag required"})
		return
	}
	if etag != item.Etag {
		c.JSON(http.StatusPreconditionFailed, gin.H{"error": "etag mismatch"})
		return
	}
	refs, err := a.deps.Docs.Sites.Referencing(ctx, item.ID)
	if err != nil {
		storeError(c, err)
		return
	}
	if len(refs) > 0 {
		sids := make([]string, len(refs))
		for i := range refs {
			sids[i] = refs[i].SID
		}
		conflict(c, "artifact is in use", gin.H{"sids": sids})
		return
	}
	if err := a.deps.Docs.Code.S.Delete(ctx, store.ResCode, item.ID, etag); err != nil {
		storeError(c, err)
		return
	}
	if err := a.deps.Engine.Enqueue(ctx, task.TaskCodeDelete, task.CodeDeleteArgs{Item: *item}); err != nil {
		storeError(c, err)
		return
	}
	c.JSON(http.StatusNoContent, nil)
}

// demotePeers clears is_current on every other version of (name, type).
func (a *Api) demotePeers(c *gin.Context, item *model.CodeItem) error {
	ctx := c.Request.Context()
	peers, err := a.deps.Docs.Code.All(ctx)
	if err != nil {
		return err
	}
	for i := range peers {
		p := &peers[i]
		if p.ID == item.ID || p.Name != item.Name || p.CodeType != item.CodeType || !p.IsCurrent {
			continue
		}
		if err := a.deps.Docs.Code.Patch(ctx, p, store.Filter{"is_current": false}); err != nil {
			return err
		}
	}
	return nil
}

// refreshReferencing re-runs the update pipeline on every instance that
// carries the artifact, chaining a cache clear.
func (a *Api) refreshReferencing(c *gin.Context, item *model.CodeItem) error {
	ctx := c.Request.Context()
	sites, err := a.deps.Docs.Sites.Referencing(ctx, item.ID)
	if err != nil {
		return err
	}
	for i := range sites {
		args := task.UpdateArgs{SiteID: sites[i].ID, Hints: item.Deploy}
		args.Hints.CacheClear = true
		switch item.CodeType {
		case model.CodeTypeCore:
			args.CoreChanged = true
		case model.CodeTypeProfile:
			args.ProfileChanged = true
		default:
			args.PackagesChanged = true
		}
		if err := a.deps.Engine.Enqueue(ctx, task.TaskSiteUpdate, args); err != nil {
			return err
		}
	}
	return nil
}
