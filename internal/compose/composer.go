// Package compose builds an instance's on-disk view from its document: a
// layered symlink overlay over the referenced core, profile and packages,
// plus the instance-owned settings file and files directory. The layer
// functions are pure over (document, config) so create and heal share
// one implementation and the graph is rebuildable from the document
// alone.
package compose

import (
	"context"
	"fmt"
	"os"
	"path/filepath"

	"github.com/rs/zerolog/log"

	"github.com/campusweb/atlas/internal/code"
	"github.com/campusweb/atlas/internal/config"
	"github.com/campusweb/atlas/internal/fanout"
	"github.com/campusweb/atlas/internal/fsutil"
	"github.com/campusweb/atlas/internal/model"
	"github.com/campusweb/atlas/internal/secret"
	"github.com/campusweb/atlas/internal/store"
)

// Composer owns INSTANCE_ROOT, the instance entries of WEB_ROOT, and the
// per-instance NFS trees.
type Composer struct {
	cfg   *config.Config
	docs  *store.Client
	codes *code.Manager
	repl  fanout.Replicator
	codec *secret.Codec
}

// NewComposer wires the composer.
func NewComposer(cfg *config.Config, docs *store.Client, codes *code.Manager, repl fanout.Replicator, codec *secret.Codec) *Composer {
	return &Composer{cfg: cfg, docs: docs, codes: codes, repl: repl, codec: codec}
}

// InstanceDir is the overlay root: INSTANCE_ROOT/<sid>/<sid>.
func (c *Composer) InstanceDir(sid string) string {
	return filepath.Join(c.cfg.Paths.InstanceRoot, sid, sid)
}

// CurrentLink is INSTANCE_ROOT/<sid>/current, the stable entry point the
// web root links through.
func (c *Composer) CurrentLink(sid string) string {
	return filepath.Join(c.cfg.Paths.InstanceRoot, sid, "current")
}

// NFSDir is the per-instance directory on the files mount, or "" when no
// mount is configured.
func (c *Composer) NFSDir(sid string) string {
	if c.cfg.Paths.NFSMount == "" {
		return ""
	}
	return filepath.Join(c.cfg.Paths.NFSMount, sid)
}

// resolved is the code tuple an instance is built from.
type resolved struct {
	core     *model.CodeItem
	profile  *model.CodeItem
	packages []*model.CodeItem
}

func (c *Composer) resolve(ctx context.Context, site *model.Site) (*resolved, error) {
	core, err := c.docs.Code.Get(ctx, site.Code.Core)
	if err != nil {
		return nil, fmt.Errorf("resolve core %s: %w", site.Code.Core, err)
	}
	profile, err := c.docs.Code.Get(ctx, site.Code.Profile)
	if err != nil {
		return nil, fmt.Errorf("resolve profile %s: %w", site.Code.Profile, err)
	}
	r := &resolved{core: core, profile: profile}
	for _, id := range site.Code.Package {
		pkg, err := c.docs.Code.Get(ctx, id)
		if err != nil {
			return nil, fmt.Errorf("resolve package %s: %w", id, err)
		}
		r.packages = append(r.packages, pkg)
	}
	return r, nil
}

// Create materializes the full overlay for a site. With preserveFiles
// set, an existing NFS tree is reused instead of recreated (the heal
// path, which must not destroy user uploads).
func (c *Composer) Create(ctx context.Context, site *model.Site, preserveFiles bool) error {
	r, err := c.resolve(ctx, site)
	if err != nil {
		return err
	}
	root := c.InstanceDir(site.SID)
	if err := os.MkdirAll(root, 0o775); err != nil {
		return err
	}
	if err := fsutil.RelSymlink(root, c.CurrentLink(site.SID)); err != nil {
		return err
	}
	if err := c.layerCore(root, r.core); err != nil {
		return fmt.Errorf("core layer: %w", err)
	}
	if err := c.layerProfile(root, r.profile); err != nil {
		return fmt.Errorf("profile layer: %w", err)
	}
	if err := c.layerPackages(root, r.packages); err != nil {
		return fmt.Errorf("package layer: %w", err)
	}
	if err := c.layerFiles(root, site.SID, preserveFiles); err != nil {
		return fmt.Errorf("files layer: %w", err)
	}
	if err := c.RenderSettings(ctx, site, site.Status); err != nil {
		return fmt.Errorf("settings layer: %w", err)
	}
	if err := c.SweepPermissions(site.SID); err != nil {
		return fmt.Errorf("permissions sweep: %w", err)
	}
	if err := c.LinkWebRoot(site); err != nil {
		return fmt.Errorf("web root links: %w", err)
	}
	return c.Replicate(ctx)
}

// Update re-applies the layers touched by a code change, then settings,
// then replicates. Downstream cache/registry/database tasks are chained
// by the caller from the artifacts' deploy hints.
func (c *Composer) Update(ctx context.Context, site *model.Site, coreChanged, profileChanged, packagesChanged bool) error {
	r, err := c.resolve(ctx, site)
	if err != nil {
		return err
	}
	root := c.InstanceDir(site.SID)
	if coreChanged {
		if err := c.layerCore(root, r.core); err != nil {
			return fmt.Errorf("core layer: %w", err)
		}
	}
	if profileChanged {
		if err := c.layerProfile(root, r.profile); err != nil {
			return fmt.Errorf("profile layer: %w", err)
		}
	}
	if packagesChanged {
		if err := c.layerPackages(root, r.packages); err != nil {
			return fmt.Errorf("package layer: %w", err)
		}
	}
	if err := c.RenderSettings(ctx, site, site.Status); err != nil {
		return err
	}
	if err := c.SweepPermissions(site.SID); err != nil {
		return err
	}
	return c.Replicate(ctx)
}

// Delete tears the instance down on disk. With preserveFiles set the NFS
// tree survives for a later Create.
func (c *Composer) Delete(ctx context.Context, site *model.Site, preserveFiles bool) error {
	c.UnlinkWebRoot(site)
	root := c.InstanceDir(site.SID)
	// the settings file is read-only; make the tree removable
	settings := filepath.Join(root, "sites", "default", settingsFile)
	if _, err := os.Lstat(settings); err == nil {
		_ = os.Chmod(settings, 0o644)
	}
	if !preserveFiles {
		if nfs := c.NFSDir(site.SID); nfs != "" {
			if err := os.RemoveAll(nfs); err != nil {
				return fmt.Errorf("remove files tree: %w", err)
			}
		}
	}
	if err := os.RemoveAll(filepath.Join(c.cfg.Paths.InstanceRoot, site.SID)); err != nil {
		return fmt.Errorf("remove instance tree: %w", err)
	}
	return c.Replicate(ctx)
}

// Heal reconstructs the overlay from the document without touching user
// data: delete preserving files, then create preserving files.
func (c *Composer) Heal(ctx context.Context, site *model.Site) error {
	if err := c.Delete(ctx, site, true); err != nil {
		return err
	}
	return c.Create(ctx, site, true)
}

// Replicate pushes INSTANCE_ROOT to the web servers.
func (c *Composer) Replicate(ctx context.Context) error {
	hosts := c.cfg.Roles.Webservers
	if len(hosts) == 0 {
		log.Debug().Msg("no replication targets configured")
		return nil
	}
	if err := c.repl.Replicate(ctx, c.cfg.Paths.InstanceRoot, c.cfg.Paths.InstanceRoot, hosts); err != nil {
		return fmt.Errorf("replicate instance root: %w", err)
	}
	return nil
}
