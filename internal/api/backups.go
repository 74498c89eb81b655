package api

import (
	"net/http"

	"github.com/gin-gonic/gin"

	"github.com/campusweb/atlas/internal/model"
	"github.com/campusweb/atlas/internal/store"
	"github.com/campusweb/atlas/internal/task"
)

func (a *Api) listBackups(c *gin.Context) {
	page, maxResults := pageParams(c)
	var backups []model.Backup
	total, err := a.deps.Docs.Backups.S.List(c.Request.Context(), store.ResBackup, page, maxResults, &backups)
	if err != nil {
		storeError(c, err)
		return
	}
	items := make([]any, len(backups))
	for i := range backups {
		items[i] = backups[i]
	}
	c.JSON(http.StatusOK, listEnvelope{Items: items, Meta: listMeta{Page: page, MaxResults: maxResults, Total: total}})
}

func (a *Api) getBackup(c *gin.Context) {
	b, err := a.deps.Docs.Backups.Get(c.Request.Context(), c.Param("id"))
	if err != nil {
		storeError(c, err)
		return
	}
	c.JSON(http.StatusOK, b)
}

// downloadBackup streams a backup artifact; kind picks database or files.
func (a *Api) downloadBackup(c *gin.Context) {
	b, err := a.deps.Docs.Backups.Get(c.Request.Context(), c.Param("id"))
	if err != nil {
		storeError(c, err)
		return
	}
	var path string
	switch c.Param("kind") {
	case "database":
		path = a.deps.Backups.DatabasePath(b)
	case "files":
		path = a.deps.Backups.FilesPath(b)
	default:
		c.JSON(http.StatusNotFound, gin.H{"error": "unknown artifact kind"})
		return
	}
	c.FileAttachment(path, c.Param("id")+"_"+c.Param("kind"))
}

func (a *Api) createBackup(c *gin.Context) {
	var req struct {
		Site string           `json:"site"`
		Type model.BackupType `json:"backup_type"`
	}
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": err.Error()})
		return
	}
	ctx := c.Request.Context()
	site, err := a.deps.Docs.Sites.Get(ctx, req.Site)
	if err != nil {
		storeError(c, err)
		return
	}
	typ := req.Type
	if typ == "" {
		typ = model.BackupOnDemand
	}
	if err := a.deps.Engine.Enqueue(ctx, task.TaskBackupCreate, task.BackupArgs{SiteID: site.ID, Type: typ}); err != nil {
		storeError(c, err)
		return
	}
	c.JSON(http.StatusAccepted, gin.H{"sid": site.SID, "backup_type": typ})
}

func (a *Api) restoreBackup(c *gin.Context) {
	ctx := c.Request.Context()
	b, err := a.deps.Docs.Backups.Get(ctx, c.Param("id"))
	if err != nil {
		storeError(c, err)
		return
	}
	if b.State != model.BackupComplete {
		conflict(c, "backup is not complete", gin.H{"state": b.State})
		return
	}
	if err := a.deps.Engine.Enqueue(ctx, task.TaskBackupRestore, task.RestoreArgs{SiteID: b.Site, BackupID: b.ID}); err != nil {
		storeError(c, err)
		return
	}
	c.JSON(http.StatusAccepted, gin.H{"backup": b.ID})
}

func (a *Api) importBackup(c *gin.Context) {
	var args task.ImportArgs
	if err := c.ShouldBindJSON(&args); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": err.Error()})
		return
	}
	ctx := c.Request.Context()
	if args.RemoteURL == "" || args.BackupID == "" {
		conflict(c, "remote_url and backup_id are required", nil)
		return
	}
	site, err := a.deps.Docs.Sites.Get(ctx, args.SiteID)
	if err != nil {
		storeError(c, err)
		return
	}
	args.SiteID = site.ID
	if err := a.deps.Engine.Enqueue(ctx, task.TaskBackupImport, args); err != nil {
		storeError(c, err)
		return
	}
	c.JSON(http.StatusAccepted, gin.H{"sid": site.SID})
}

func (a *Api) deleteBackup(c *gin.Context) {
	ctx := c.Request.Context()
	b, err := a.deps.Docs.Backups.Get(ctx, c.Param("id"))
	if err != nil {
		storeError(c, err)
		return
	}
	if err := a.deps.Engine.Enqueue(ctx, task.TaskBackupDelete, task.BackupRefArgs{BackupID: b.ID}); err != nil {
		storeError(c, err)
		return
	}
	c.JSON(http.StatusAccepted, gin.H{"backup": b.ID})
}

func (a *Api) backupAll(c *gin.Context) {
	var args task.BackupAllArgs
	if err := c.ShouldBindJSON(&args); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": err.Error()})
		return
	}
	if args.Type == "" {
		args.Type = model.BackupOnDemand
	}
	if err := a.deps.Engine.Enqueue(c.Request.Context(), task.TaskBackupAll, args); err != nil {
		storeError(c, err)
		return
	}
	c.JSON(http.StatusAccepted, gin.H{"backup_type": args.Type})
}
