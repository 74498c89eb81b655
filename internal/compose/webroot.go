package compose

import (
	"os"
	"path/filepath"

	"github.com/rs/zerolog/log"

	"github.com/campusweb/atlas/internal/fsutil"
	"github.com/campusweb/atlas/internal/model"
)

// homepagePath is the reserved path of the deployment's front page. Its
// launch also installs the packaged server files at the web root.
const homepagePath = "homepage"

// sidLink is WEB_ROOT/<sid>.
func (c *Composer) sidLink(sid string) string {
	return filepath.Join(c.cfg.Paths.WebRoot, sid)
}

// pathLink is WEB_ROOT/<path>; multi-segment paths nest.
func (c *Composer) pathLink(path string) string {
	return filepath.Join(c.cfg.Paths.WebRoot, filepath.FromSlash(path))
}

// LinkWebRoot wires WEB_ROOT/<sid> to the instance's current link, and
// for launched instances WEB_ROOT/<path> on top, creating intermediate
// directories of multi-segment paths as needed.
func (c *Composer) LinkWebRoot(site *model.Site) error {
	if err := fsutil.RelSymlink(c.CurrentLink(site.SID), c.sidLink(site.SID)); err != nil {
		return err
	}
	if site.Status != model.StatusLaunched && site.Status != model.StatusLaunching {
		return nil
	}
	if site.Path == homepagePath {
		return c.installHomepageFiles()
	}
	if site.Path == "" {
		return nil
	}
	return fsutil.RelSymlink(c.sidLink(site.SID), c.pathLink(site.Path))
}

// UnlinkWebRoot removes both web-root links; takedown and delete share it.
func (c *Composer) UnlinkWebRoot(site *model.Site) {
	if site.Path != "" && site.Path != homepagePath {
		if err := fsutil.RemoveIfLink(c.pathLink(site.Path)); err != nil {
			log.Warn().Err(err).Str("path", site.Path).Msg("failed to remove path link")
		}
	}
	if err := fsutil.RemoveIfLink(c.sidLink(site.SID)); err != nil {
		log.Warn().Err(err).Str("sid", site.SID).Msg("failed to remove sid link")
	}
}

// installHomepageFiles replaces WEB_ROOT/.htaccess and WEB_ROOT/robots.txt
// with the packaged homepage variants.
func (c *Composer) installHomepageFiles() error {
	if c.cfg.HomepageFiles == "" {
		log.Warn().Msg("homepage launched but no homepage files configured")
		return nil
	}
	for _, name := range []string{".htaccess", "robots.txt"} {
		src := filepath.Join(c.cfg.HomepageFiles, name)
		if _, err := os.Stat(src); err != nil {
			return err
		}
		if err := fsutil.CopyFile(src, filepath.Join(c.cfg.Paths.WebRoot, name), 0o644); err != nil {
			return err
		}
	}
	return nil
}
