package compose

import (
	"context"
	_ "embed"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"sync"

	"github.com/flosch/pongo2/v6"

	"github.com/campusweb/atlas/internal/model"
	"github.com/campusweb/atlas/internal/store"
)

// settingsFile is the rendered per-instance settings file name.
const settingsFile = "settings.php"

//go:embed templates/settings.php.tmpl
var settingsTemplateSrc string

var settingsTemplate = sync.OnceValue(func() *pongo2.Template {
	return pongo2.Must(pongo2.FromString(settingsTemplateSrc))
})

// RenderSettings renders sites/default/settings.php for the site with
// the given effective status (installing renders as installed, launching
// as launched) and locks the file to 0444. The render always overwrites,
// never appends.
func (c *Composer) RenderSettings(ctx context.Context, site *model.Site, status model.SiteStatus) error {
	dbPassword := ""
	if site.DBKey != "" {
		plain, err := c.codec.Decrypt(site.DBKey)
		if err != nil {
			return fmt.Errorf("decrypt db key for %s: %w", site.SID, err)
		}
		dbPassword = plain
	}

	statisticsID := ""
	if stats, err := c.docs.Statistics.ForSite(ctx, site.ID); err == nil {
		statisticsID = stats.ID
	} else if !errors.Is(err, store.ErrNotFound) {
		return err
	}

	tmpPath := ""
	if nfs := c.NFSDir(site.SID); nfs != "" {
		tmpPath = filepath.Join(nfs, "tmp")
	}

	out, err := settingsTemplate().Execute(pongo2.Context{
		"atlas_id":               site.ID,
		"sid":                    site.SID,
		"path":                   site.Path,
		"status":                 string(status),
		"database_password":      dbPassword,
		"database_servers":       c.cfg.Render.DatabaseServers,
		"memcache_servers":       c.cfg.Render.MemcacheServers,
		"proxy_terminals":        c.cfg.Render.ProxyTerminals,
		"statistics_id":          statisticsID,
		"tmp_path":               tmpPath,
		"page_cache_maximum_age": site.Settings.PageCacheMaximumAge,
		"smtp_host":              c.cfg.SMTP.Host,
		"smtp_username":          c.cfg.SMTP.Username,
		"smtp_password":          c.cfg.SMTP.Password,
		"saml_secret":            c.cfg.Render.SAMLSecret,
		"siteimprove_site":       site.Settings.SiteimproveSite,
		"siteimprove_group":      site.Settings.SiteimproveGroup,
		"gtm_id":                 site.Settings.GTMID,
		"cse_id":                 site.Settings.CSEID,
	})
	if err != nil {
		return fmt.Errorf("render settings for %s: %w", site.SID, err)
	}

	dst := filepath.Join(c.InstanceDir(site.SID), "sites", "default", settingsFile)
	if err := os.MkdirAll(filepath.Dir(dst), 0o775); err != nil {
		return err
	}
	// the previous render is read-only
	if _, err := os.Lstat(dst); err == nil {
		_ = os.Chmod(dst, 0o644)
	}
	if err := os.WriteFile(dst, []byte(out), 0o644); err != nil {
		return err
	}
	return os.Chmod(dst, 0o444)
}
