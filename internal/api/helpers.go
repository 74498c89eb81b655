package api

import (
	"errors"
	"net/http"
	"strconv"

	"github.com/gin-gonic/gin"

	"github.com/campusweb/atlas/internal/store"
)

// listEnvelope is the list response shape: items plus paging metadata.
type listEnvelope struct {
	Items []any    `json:"_items"`
	Meta  listMeta `json:"_meta"`
}

type listMeta struct {
	Page       int `json:"page"`
	MaxResults int `json:"max_results"`
	Total      int `json:"total"`
}

// pageParams reads the pagination query parameters and clamps them.
func pageParams(c *gin.Context) (page, maxResults int) {
	page, _ = strconv.Atoi(c.DefaultQuery("page", "1"))
	if page < 1 {
		page = 1
	}
	maxResults, _ = strconv.Atoi(c.DefaultQuery("max_results", "0"))
	return page, store.ClampPageSize(maxResults)
}

// requestEtag reads the etag a conditional write rides on: the If-Match
// header, or the _etag field of the decoded body.
func requestEtag(c *gin.Context, body map[string]any) (string, bool) {
	if etag := c.GetHeader("If-Match"); etag != "" {
		return etag, true
	}
	if body != nil {
		if etag, ok := body["_etag"].(string); ok && etag != "" {
			return etag, true
		}
	}
	return "", false
}

// storeError maps store sentinels onto HTTP statuses.
func storeError(c *gin.Context, err error) {
	switch {
	case errors.Is(err, store.ErrNotFound):
		c.JSON(http.StatusNotFound, gin.H{"error": "not found"})
	case errors.Is(err, store.ErrEtagMismatch):
		c.JSON(http.StatusPreconditionFailed, gin.H{"error": "etag mismatch"})
	default:
		c.JSON(http.StatusInternalServerError, gin.H{"error": err.Error()})
	}
}

// conflict rejects a mutation with a human-readable reason.
func conflict(c *gin.Context, msg string, extra gin.H) {
	body := gin.H{"error": msg}
	for k, v := range extra {
		body[k] = v
	}
	c.JSON(http.StatusConflict, body)
}

// stripEnvelope drops store-owned fields a client must not write.
func stripEnvelope(body map[string]any) {
	for _, k := range []string{"_id", "_etag", "_created", "_updated", "_deleted"} {
		delete(body, k)
	}
}
