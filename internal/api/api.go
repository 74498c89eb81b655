// Package api is the intent router: the REST surface clients mutate
// documents through. Handlers validate, write the document and enqueue
// the task that makes the servers agree; no handler does server-side
// work inline.
package api

import (
	"context"
	"net/http"
	"time"

	"github.com/gin-contrib/cors"
	"github.com/gin-gonic/gin"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/rs/zerolog/log"

	"github.com/campusweb/atlas/internal/config"
	"github.com/campusweb/atlas/internal/task"
)

// Api carries the router and its collaborators.
type Api struct {
	cfg      *config.Config
	deps     *task.Deps
	verifier Verifier
	router   *gin.Engine
}

// New assembles the router.
func New(cfg *config.Config, deps *task.Deps, verifier Verifier) *Api {
	if !cfg.IsLocal() {
		gin.SetMode(gin.ReleaseMode)
	}
	a := &Api{
		cfg:      cfg,
		deps:     deps,
		verifier: verifier,
		router:   gin.New(),
	}
	a.setupRouters()
	return a
}

func (a *Api) setupRouters() {
	a.router.Use(gin.Recovery(), requestLog())

	corsCfg := cors.DefaultConfig()
	corsCfg.AllowAllOrigins = true
	corsCfg.AllowHeaders = append(corsCfg.AllowHeaders, "Authorization", "If-Match")
	a.router.Use(cors.New(corsCfg))

	a.router.GET("/healthz", func(c *gin.Context) { c.JSON(http.StatusOK, gin.H{"status": "ok"}) })
	a.router.GET("/metrics", gin.WrapH(promhttp.Handler()))

	auth := a.authRequired()

	sites := a.router.Group("/sites")
	{
		sites.GET("", a.listSites)
		sites.GET("/:id", a.getSite)
		sites.POST("", auth, a.createSite)
		sites.PATCH("/:id", auth, a.patchSite)
		sites.PUT("/:id", auth, a.patchSite)
		sites.DELETE("/:id", auth, a.deleteSite)
	}

	code := a.router.Group("/code")
	{
		code.GET("", a.listCode)
		code.GET("/:id", a.getCode)
		code.POST("", auth, a.createCode)
		code.PATCH("/:id", auth, a.patchCode)
		code.PUT("/:id", auth, a.patchCode)
		code.DELETE("/:id", auth, a.deleteCode)
	}

	statistics := a.router.Group("/statistics")
	{
		statistics.GET("", a.listStatistics)
		statistics.GET("/:id", a.getStatistics)
		statistics.PATCH("/:id", auth, a.patchStatistics)
		statistics.PUT("/:id", auth, a.patchStatistics)
	}

	backups := a.router.Group("/backup")
	{
		backups.GET("", a.listBackups)
		backups.GET("/:id", a.getBackup)
		backups.GET("/:id/download/:kind", a.downloadBackup)
		backups.POST("", auth, a.createBackup)
		backups.POST("/:id/restore", auth, a.restoreBackup)
		backups.POST("/import", auth, a.importBackup)
		backups.DELETE("/:id", auth, a.deleteBackup)
	}
	a.router.POST("/backup-all", auth, a.backupAll)

	a.router.GET("/event", a.listEvents)
	a.router.POST("/event", auth, a.postEvent)
	a.router.POST("/query", auth, a.query)
	a.router.POST("/drush", auth, a.drush)
	a.router.POST("/rebalance", auth, a.rebalance)
	a.router.POST("/heal", auth, a.heal)
}

// Handler exposes the router for tests and the server.
func (a *Api) Handler() http.Handler { return a.router }

// Run serves until ctx is canceled, then drains in-flight requests.
func (a *Api) Run(ctx context.Context) error {
	srv := &http.Server{
		Addr:    a.cfg.Server.BindAddr,
		Handler: a.router,
	}
	errCh := make(chan error, 1)
	go func() {
		log.Info().Str("addr", srv.Addr).Msg("api listening")
		errCh <- srv.ListenAndServe()
	}()
	select {
	case err := <-errCh:
		return err
	case <-ctx.Done():
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
		defer cancel()
		return srv.Shutdown(shutdownCtx)
	}
}

func requestLog() gin.HandlerFunc {
	return func(c *gin.Context) {
		start := time.Now()
		c.Next()
		log.Debug().
			Str("method", c.Request.Method).
			Str("path", c.Request.URL.Path).
			Int("status", c.Writer.Status()).
			Dur("elapsed", time.Since(start)).
			Msg("request")
	}
}
