package api

import (
	"net/http"
	"time"

	"github.com/gin-gonic/gin"

	"github.com/campusweb/atlas/internal/model"
	"github.com/campusweb/atlas/internal/store"
	"github.com/campusweb/atlas/internal/task"
)

func (a *Api) listStatistics(c *gin.Context) {
	page, maxResults := pageParams(c)
	var stats []model.Statistics
	total, err := a.deps.Docs.Statistics.S.List(c.Request.Context(), store.ResStatistics, page, maxResults, &stats)
	if err != nil {
		storeError(c, err)
		return
	}
	items := make([]any, len(stats))
	for i := range stats {
		items[i] = stats[i]
	}
	c.JSON(http.StatusOK, listEnvelope{Items: items, Meta: listMeta{Page: page, MaxResults: maxResults, Total: total}})
}

func (a *Api) getStatistics(c *gin.Context) {
	st, err := a.deps.Docs.Statistics.Get(c.Request.Context(), c.Param("id"))
	if err != nil {
		storeError(c, err)
		return
	}
	c.JSON(http.StatusOK, st)
}

// patchStatistics is how instances report harvested usage numbers back.
func (a *Api) patchStatistics(c *gin.Context) {
	ctx := c.Request.Context()
	st, err := a.deps.Docs.Statistics.Get(ctx, c.Param("id"))
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
	delete(body, "site") // ownership is fixed at creation
	if err := a.deps.Docs.Statistics.S.Patch(ctx, store.ResStatistics, st.ID, etag, body, st); err != nil {
		storeError(c, err)
		return
	}
	c.JSON(http.StatusOK, st)
}

func (a *Api) listEvents(c *gin.Context) {
	page, maxResults := pageParams(c)
	var events []model.Event
	total, err := a.deps.Docs.Events.S.List(c.Request.Context(), store.ResEvent, page, maxResults, &events)
	if err != nil {
		storeError(c, err)
		return
	}
	items := make([]any, len(events))
	for i := range events {
		items[i] = events[i]
	}
	c.JSON(http.StatusOK, listEnvelope{Items: items, Meta: listMeta{Page: page, MaxResults: maxResults, Total: total}})
}

func (a *Api) postEvent(c *gin.Context) {
	var ev model.Event
	if err := c.ShouldBindJSON(&ev); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": err.Error()})
		return
	}
	if ev.EventType == "" || ev.Site == "" {
		conflict(c, "event_type and site are required", nil)
		return
	}
	ev.Meta = model.Meta{}
	if ev.Date.IsZero() {
		ev.Date = time.Now().UTC()
	}
	if err := a.deps.Docs.Events.Post(c.Request.Context(), &ev); err != nil {
		storeError(c, err)
		return
	}
	c.JSON(http.StatusCreated, ev)
}

// query is the raw find passthrough operators use for ad-hoc reports.
func (a *Api) query(c *gin.Context) {
	var req struct {
		Resource string       `json:"resource"`
		Filter   store.Filter `json:"filter"`
	}
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": err.Error()})
		return
	}
	switch req.Resource {
	case store.ResSites, store.ResCode, store.ResStatistics, store.ResBackup, store.ResEvent:
	default:
		c.JSON(http.StatusNotFound, gin.H{"error": "unknown resource"})
		return
	}
	if req.Filter == nil {
		req.Filter = store.Filter{}
	}
	var hits []map[string]any
	if err := a.deps.Docs.Sites.S.Find(c.Request.Context(), req.Resource, req.Filter, &hits); err != nil {
		storeError(c, err)
		return
	}
	items := make([]any, len(hits))
	for i := range hits {
		items[i] = hits[i]
	}
	c.JSON(http.StatusOK, listEnvelope{Items: items, Meta: listMeta{Page: 1, MaxResults: len(items), Total: len(items)}})
}

// drush queues a drush command against one instance.
func (a *Api) drush(c *gin.Context) {
	var req struct {
		Site    string `json:"site"`
		Command string `json:"command"`
	}
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": err.Error()})
		return
	}
	if req.Command == "" {
		conflict(c, "command is required", nil)
		return
	}
	ctx := c.Request.Context()
	site, err := a.deps.Docs.Sites.Get(ctx, req.Site)
	if err != nil {
		storeError(c, err)
		return
	}
	if err := a.deps.Engine.Enqueue(ctx, task.TaskDrushRun, task.DrushArgs{SiteID: site.ID, Command: req.Command}); err != nil {
		storeError(c, err)
		return
	}
	c.JSON(http.StatusAccepted, gin.H{"sid": site.SID, "command": req.Command})
}

// rebalance kicks the update-group spread off out of band.
func (a *Api) rebalance(c *gin.Context) {
	if err := a.deps.Engine.Enqueue(c.Request.Context(), task.LoopRebalance, struct{}{}); err != nil {
		storeError(c, err)
		return
	}
	c.JSON(http.StatusAccepted, gin.H{"status": "queued"})
}

// heal rebuilds overlays for the named instances, or the whole fleet.
func (a *Api) heal(c *gin.Context) {
	var req struct {
		Sites []string `json:"sites"`
	}
	if err := c.ShouldBindJSON(&req); err != nil && c.Request.ContentLength > 0 {
		c.JSON(http.StatusBadRequest, gin.H{"error": err.Error()})
		return
	}
	ctx := c.Request.Context()
	var ids []string
	if len(req.Sites) == 0 {
		sites, err := a.deps.Docs.Sites.All(ctx)
		if err != nil {
			storeError(c, err)
			return
		}
		for i := range sites {
			ids = append(ids, sites[i].ID)
		}
	} else {
		for _, ref := range req.Sites {
			site, err := a.deps.Docs.Sites.Get(ctx, ref)
			if err != nil {
				storeError(c, err)
				return
			}
			ids = append(ids, site.ID)
		}
	}
	if err := a.deps.Engine.Enqueue(ctx, task.TaskSiteHeal, task.HealArgs{SiteIDs: ids}); err != nil {
		storeError(c, err)
		return
	}
	c.JSON(http.StatusAccepted, gin.H{"count": len(ids)})
}
