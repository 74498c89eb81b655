// Package code materializes code artifacts on the local code root,
// maintains the per-artifact current symlinks and replicates the tree to
// the web servers.
package code

import (
	"context"
	"fmt"
	"os"
	"path/filepath"

	"github.com/rs/zerolog/log"

	"github.com/campusweb/atlas/internal/config"
	"github.com/campusweb/atlas/internal/fanout"
	"github.com/campusweb/atlas/internal/fsutil"
	"github.com/campusweb/atlas/internal/model"
	"github.com/campusweb/atlas/internal/store"
)

// Manager owns CODE_ROOT and WEB_ROOT/static.
type Manager struct {
	cfg  *config.Config
	repo Repository
	repl fanout.Replicator
	docs *store.Client
}

// NewManager wires the manager.
func NewManager(cfg *config.Config, repo Repository, repl fanout.Replicator, docs *store.Client) *Manager {
	return &Manager{cfg: cfg, repo: repo, repl: repl, docs: docs}
}

// ArtifactPath is the checkout directory for an artifact:
// CODE_ROOT/<type-dir>/<name>/<name>-<version>.
func (m *Manager) ArtifactPath(item *model.CodeItem) string {
	return filepath.Join(m.cfg.Paths.CodeRoot, item.CodeType.Dir(), item.Name, item.VersionDir())
}

// CurrentLink is the sibling <name>-current symlink path.
func (m *Manager) CurrentLink(item *model.CodeItem) string {
	return filepath.Join(m.cfg.Paths.CodeRoot, item.CodeType.Dir(), item.Name, item.CurrentDir())
}

// CurrentLinkFor is the current link path for a bare (name, type) pair.
func (m *Manager) CurrentLinkFor(name string, typ model.CodeType) string {
	return filepath.Join(m.cfg.Paths.CodeRoot, typ.Dir(), name, name+"-current")
}

func (m *Manager) staticLink(item *model.CodeItem) string {
	return filepath.Join(m.cfg.Paths.WebRoot, "static", item.Name, item.Version)
}

// Create clones the artifact's repository, checks out its commit, and
// wires the current and static links. The code tree is replicated after
// any change.
func (m *Manager) Create(ctx context.Context, item *model.CodeItem) error {
	path := m.ArtifactPath(item)
	if err := os.MkdirAll(filepath.Dir(path), 0o775); err != nil {
		return err
	}
	if err := m.repo.Clone(ctx, item.GitURL, path, item.CommitHash); err != nil {
		return err
	}
	if item.IsCurrent {
		if err := m.Promote(ctx, item); err != nil {
			return err
		}
	}
	if item.CodeType == model.CodeTypeStatic {
		if err := fsutil.RelSymlink(path, m.staticLink(item)); err != nil {
			return err
		}
	}
	return m.Replicate(ctx)
}

// Update brings the checkout in line with the new document. An identity
// change (name, version or type) discards the old path and clones fresh;
// otherwise the existing working tree is fetched and reset.
func (m *Manager) Update(ctx context.Context, old, item *model.CodeItem) error {
	identityChanged := old.Name != item.Name || old.Version != item.Version || old.CodeType != item.CodeType
	path := m.ArtifactPath(item)
	if identityChanged {
		if err := m.removeCheckout(old); err != nil {
			return err
		}
		if err := os.MkdirAll(filepath.Dir(path), 0o775); err != nil {
			return err
		}
		if err := m.repo.Clone(ctx, item.GitURL, path, item.CommitHash); err != nil {
			return err
		}
	} else if err := m.repo.Update(ctx, path, item.CommitHash); err != nil {
		return err
	}

	switch {
	case item.IsCurrent:
		if err := m.Promote(ctx, item); err != nil {
			return err
		}
	case old.IsCurrent && !item.IsCurrent:
		if err := m.Demote(ctx, item); err != nil {
			return err
		}
	}

	if item.CodeType == model.CodeTypeStatic {
		if identityChanged {
			m.removeStatic(old)
		}
		if err := fsutil.RelSymlink(path, m.staticLink(item)); err != nil {
			return err
		}
	}
	return m.Replicate(ctx)
}

// Delete removes the checkout and every link that targeted it. Reference
// checks happen at the router; the manager only mutates disk.
func (m *Manager) Delete(ctx context.Context, item *model.CodeItem) error {
	if item.IsCurrent {
		if err := m.Demote(ctx, item); err != nil {
			return err
		}
	}
	if err := m.removeCheckout(item); err != nil {
		return err
	}
	if item.CodeType == model.CodeTypeStatic {
		m.removeStatic(item)
	}
	return m.Replicate(ctx)
}

func (m *Manager) removeCheckout(item *model.CodeItem) error {
	path := m.ArtifactPath(item)
	if fsutil.LinksTo(m.CurrentLink(item), path) {
		if err := fsutil.RemoveIfLink(m.CurrentLink(item)); err != nil {
			return err
		}
	}
	return os.RemoveAll(path)
}

func (m *Manager) removeStatic(item *model.CodeItem) {
	link := m.staticLink(item)
	_ = fsutil.RemoveIfLink(link)
	// drop the name directory once the last version is gone
	nameDir := filepath.Dir(link)
	if entries, err := os.ReadDir(nameDir); err == nil && len(entries) == 0 {
		_ = os.Remove(nameDir)
	}
}

// Promote points the artifact's current link at its checkout and keeps
// the profile/package cross-links in sync: a current profile carries a
// link to every current package, and a current package appears in every
// current profile.
func (m *Manager) Promote(ctx context.Context, item *model.CodeItem) error {
	if err := fsutil.RelSymlink(m.ArtifactPath(item), m.CurrentLink(item)); err != nil {
		return err
	}
	switch {
	case item.CodeType == model.CodeTypeProfile:
		for _, typ := range []model.CodeType{model.CodeTypeModule, model.CodeTypeTheme, model.CodeTypeLibrary} {
			pkgs, err := m.docs.Code.CurrentByType(ctx, typ)
			if err != nil {
				return err
			}
			for i := range pkgs {
				if err := m.linkPackageIntoProfile(item, &pkgs[i]); err != nil {
					return err
				}
			}
		}
	case item.CodeType.IsPackage():
		profiles, err := m.docs.Code.CurrentByType(ctx, model.CodeTypeProfile)
		if err != nil {
			return err
		}
		for i := range profiles {
			if err := m.linkPackageIntoProfile(&profiles[i], item); err != nil {
				return err
			}
		}
	}
	return nil
}

// Demote removes the current link if it targets this artifact and drops
// package cross-links from the current profiles.
func (m *Manager) Demote(ctx context.Context, item *model.CodeItem) error {
	link := m.CurrentLink(item)
	if fsutil.LinksTo(link, m.ArtifactPath(item)) {
		if err := fsutil.RemoveIfLink(link); err != nil {
			return err
		}
	}
	if item.CodeType.IsPackage() {
		profiles, err := m.docs.Code.CurrentByType(ctx, model.CodeTypeProfile)
		if err != nil {
			return err
		}
		for i := range profiles {
			_ = fsutil.RemoveIfLink(m.packageLinkInProfile(&profiles[i], item))
		}
	}
	return nil
}

// packageLinkInProfile is <profile-checkout>/<pkg-type-dir>/packages/<pkg-name>.
func (m *Manager) packageLinkInProfile(profile, pkg *model.CodeItem) string {
	return filepath.Join(m.ArtifactPath(profile), pkg.CodeType.Dir(), "packages", pkg.Name)
}

func (m *Manager) linkPackageIntoProfile(profile, pkg *model.CodeItem) error {
	// target the current link so package updates propagate without
	// touching the profiles
	return fsutil.RelSymlink(m.CurrentLink(pkg), m.packageLinkInProfile(profile, pkg))
}

// Replicate pushes CODE_ROOT and the static web tree to every web server
// and the operations node. Failures surface as task failures.
func (m *Manager) Replicate(ctx context.Context) error {
	hosts := append([]string{}, m.cfg.Roles.Webservers...)
	if m.cfg.Roles.Operations != "" {
		hosts = append(hosts, m.cfg.Roles.Operations)
	}
	if len(hosts) == 0 {
		log.Debug().Msg("no replication targets configured")
		return nil
	}
	if err := m.repl.Replicate(ctx, m.cfg.Paths.CodeRoot, m.cfg.Paths.CodeRoot, hosts); err != nil {
		return fmt.Errorf("replicate code root: %w", err)
	}
	staticDir := filepath.Join(m.cfg.Paths.WebRoot, "static")
	if _, err := os.Stat(staticDir); err == nil {
		if err := m.repl.Replicate(ctx, staticDir, staticDir, hosts); err != nil {
			return fmt.Errorf("replicate static tree: %w", err)
		}
	}
	return nil
}
