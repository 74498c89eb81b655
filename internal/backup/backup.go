// Package backup creates, restores, deletes and imports per-instance
// backup pairs: one database dump and one tar of the files tree, named
// <sid>_<timestamp>. Dumps run on the designated single web server so
// DDL never races.
package backup

import (
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"os"
	"path/filepath"
	"time"

	"github.com/rs/zerolog/log"

	"github.com/campusweb/atlas/internal/compose"
	"github.com/campusweb/atlas/internal/config"
	"github.com/campusweb/atlas/internal/fanout"
	"github.com/campusweb/atlas/internal/model"
	"github.com/campusweb/atlas/internal/store"
)

// Manager owns BACKUP_PATH/backups and the backup documents.
type Manager struct {
	cfg  *config.Config
	docs *store.Client
	run  fanout.Runner
	comp *compose.Composer
	http *http.Client
}

// NewManager wires the backup manager.
func NewManager(cfg *config.Config, docs *store.Client, run fanout.Runner, comp *compose.Composer) *Manager {
	return &Manager{cfg: cfg, docs: docs, run: run, comp: comp, http: &http.Client{Timeout: 5 * time.Minute}}
}

// Dir is the shared directory backup artifacts land in.
func (m *Manager) Dir() string {
	return filepath.Join(m.cfg.Paths.BackupPath, "backups")
}

// DatabasePath resolves a stored database file name to disk.
func (m *Manager) DatabasePath(b *model.Backup) string {
	return filepath.Join(m.Dir(), b.DatabaseFile)
}

// FilesPath resolves a stored files archive name to disk.
func (m *Manager) FilesPath(b *model.Backup) string {
	return filepath.Join(m.Dir(), b.FilesFile)
}

// Create records a pending backup, dumps the database and archives the
// files tree on the single web server, then flips the document to
// complete. A failed command leaves the document pending; the failed
// backup reaper collects it.
func (m *Manager) Create(ctx context.Context, site *model.Site, typ model.BackupType) (*model.Backup, error) {
	now := time.Now().UTC()
	name := model.BackupName(site.SID, now)
	b := &model.Backup{
		Site:         site.ID,
		SiteVersion:  m.siteVersion(ctx, site),
		State:        model.BackupPending,
		BackupType:   typ,
		BackupDate:   now,
		DatabaseFile: name + ".sql",
		FilesFile:    name + ".tar.gz",
	}
	meta, err := m.docs.Backups.S.Insert(ctx, store.ResBackup, b)
	if err != nil {
		return nil, err
	}
	b.Meta = meta

	root := m.comp.CurrentLink(site.SID)
	dump := fmt.Sprintf("sudo -u %s drush -r %s sql-dump --result-file=%s",
		m.cfg.WebUser, root, m.DatabasePath(b))
	if _, err := m.run.Run(ctx, fanout.RoleWebserverSingle, dump); err != nil {
		return b, fmt.Errorf("dump database for %s: %w", site.SID, err)
	}
	if nfs := m.comp.NFSDir(site.SID); nfs != "" {
		archive := fmt.Sprintf("tar -czf %s -C %s files", m.FilesPath(b), nfs)
		if _, err := m.run.Run(ctx, fanout.RoleWebserverSingle, archive); err != nil {
			return b, fmt.Errorf("archive files for %s: %w", site.SID, err)
		}
	}

	if err := m.docs.Backups.S.Patch(ctx, store.ResBackup, b.ID, b.Etag,
		store.Filter{"state": model.BackupComplete}, b); err != nil {
		return b, err
	}
	log.Info().Str("sid", site.SID).Str("backup", name).Msg("backup complete")
	return b, nil
}

// Delete removes the artifact pair from disk, then the document. File
// removal is best effort so a lost artifact never wedges rotation.
func (m *Manager) Delete(ctx context.Context, b *model.Backup) error {
	for _, path := range []string{m.DatabasePath(b), m.FilesPath(b)} {
		if err := os.Remove(path); err != nil && !os.IsNotExist(err) {
			log.Warn().Err(err).Str("path", path).Msg("failed to remove backup artifact")
		}
	}
	return m.docs.Backups.S.Delete(ctx, store.ResBackup, b.ID, "")
}

// Restore rebuilds the instance from a backup: unpack the files archive
// onto the mount, recompose the overlay around it, then replace the
// database contents from the dump on the single server.
func (m *Manager) Restore(ctx context.Context, site *model.Site, b *model.Backup) error {
	if nfs := m.comp.NFSDir(site.SID); nfs != "" && b.FilesFile != "" {
		unpack := fmt.Sprintf("mkdir -p %s && tar -xzf %s -C %s", nfs, m.FilesPath(b), nfs)
		if _, err := m.run.Run(ctx, fanout.RoleWebserverSingle, unpack); err != nil {
			return fmt.Errorf("unpack files for %s: %w", site.SID, err)
		}
	}
	if err := m.comp.Heal(ctx, site); err != nil {
		return err
	}
	root := m.comp.CurrentLink(site.SID)
	load := fmt.Sprintf("sudo -u %s drush -r %s sql-drop -y && sudo -u %s drush -r %s sql-query --file=%s",
		m.cfg.WebUser, root, m.cfg.WebUser, root, m.DatabasePath(b))
	if _, err := m.run.Run(ctx, fanout.RoleWebserverSingle, load); err != nil {
		return fmt.Errorf("load dump for %s: %w", site.SID, err)
	}
	return nil
}

// Import pulls a backup from another deployment over its REST surface
// and restores it onto site. The remote record is re-inserted locally so
// rotation sees the imported pair.
func (m *Manager) Import(ctx context.Context, site *model.Site, remoteURL, token, backupID string) error {
	var remote model.Backup
	if err := m.fetchJSON(ctx, remoteURL+"/backup/"+backupID, token, &remote); err != nil {
		return fmt.Errorf("fetch remote backup record: %w", err)
	}
	if err := os.MkdirAll(m.Dir(), 0o775); err != nil {
		return err
	}
	local := &model.Backup{
		Site:         site.ID,
		SiteVersion:  remote.SiteVersion,
		State:        model.BackupComplete,
		BackupType:   model.BackupOnDemand,
		BackupDate:   remote.BackupDate,
		DatabaseFile: remote.DatabaseFile,
		FilesFile:    remote.FilesFile,
	}
	if err := m.fetchFile(ctx, remoteURL+"/backup/"+backupID+"/download/database", token, m.DatabasePath(local)); err != nil {
		return fmt.Errorf("fetch remote dump: %w", err)
	}
	if local.FilesFile != "" {
		if err := m.fetchFile(ctx, remoteURL+"/backup/"+backupID+"/download/files", token, m.FilesPath(local)); err != nil {
			return fmt.Errorf("fetch remote files archive: %w", err)
		}
	}
	meta, err := m.docs.Backups.S.Insert(ctx, store.ResBackup, local)
	if err != nil {
		return err
	}
	local.Meta = meta
	return m.Restore(ctx, site, local)
}

// siteVersion captures the core version the instance runs at backup time.
func (m *Manager) siteVersion(ctx context.Context, site *model.Site) string {
	core, err := m.docs.Code.Get(ctx, site.Code.Core)
	if err != nil {
		return ""
	}
	return core.VersionDir()
}

func (m *Manager) fetchJSON(ctx context.Context, url, token string, out any) error {
	resp, err := m.get(ctx, url, token)
	if err != nil {
		return err
	}
	defer resp.Body.Close()
	return json.NewDecoder(resp.Body).Decode(out)
}

func (m *Manager) fetchFile(ctx context.Context, url, token, dst string) error {
	resp, err := m.get(ctx, url, token)
	if err != nil {
		return err
	}
	defer resp.Body.Close()
	f, err := os.Create(dst)
	if err != nil {
		return err
	}
	defer f.Close()
	if _, err := f.ReadFrom(resp.Body); err != nil {
		return err
	}
	return f.Close()
}

func (m *Manager) get(ctx context.Context, url, token string) (*http.Response, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, url, nil)
	if err != nil {
		return nil, err
	}
	if token != "" {
		req.Header.Set("Authorization", "Bearer "+token)
	}
	resp, err := m.http.Do(req)
	if err != nil {
		return nil, err
	}
	if resp.StatusCode != http.StatusOK {
		resp.Body.Close()
		return nil, fmt.Errorf("remote returned %s for %s", resp.Status, url)
	}
	return resp, nil
}
