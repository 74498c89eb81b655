package compose

import (
	"os"
	"path/filepath"
	"regexp"

	"github.com/campusweb/atlas/internal/fsutil"
	"github.com/campusweb/atlas/internal/model"
)

// coreLinkPattern guards the sweep that precedes a core re-link: only
// symlinks whose stored target points into a cores checkout are removed,
// so instance-owned entries survive a core switch.
var coreLinkPattern = regexp.MustCompile(`(^|/)cores/`)

// skeleton is the fixed directory set every instance owns outright.
var skeleton = []string{
	"sites",
	filepath.Join("sites", "all", "modules"),
	filepath.Join("sites", "all", "libraries"),
	filepath.Join("sites", "all", "themes"),
	filepath.Join("sites", "default", "files"),
	"profiles",
}

// defaultSettingsName is the baseline settings template shipped by a core.
const defaultSettingsName = "default.settings.php"

// layerCore re-links everything at the core's root except sites/ and
// profiles/, materializes the skeleton, copies the settings baseline and
// links every profile bundled with the core.
func (c *Composer) layerCore(root string, core *model.CodeItem) error {
	coreDir := c.codes.ArtifactPath(core)

	// sweep prior core links so a core switch is idempotent
	entries, err := os.ReadDir(root)
	if err != nil {
		return err
	}
	for _, e := range entries {
		link := filepath.Join(root, e.Name())
		fi, err := os.Lstat(link)
		if err != nil || fi.Mode()&os.ModeSymlink == 0 {
			continue
		}
		dest, err := os.Readlink(link)
		if err != nil {
			continue
		}
		if coreLinkPattern.MatchString(dest) {
			if err := os.Remove(link); err != nil {
				return err
			}
		}
	}

	coreEntries, err := os.ReadDir(coreDir)
	if err != nil {
		return err
	}
	for _, e := range coreEntries {
		if e.Name() == "sites" || e.Name() == "profiles" {
			continue
		}
		if err := fsutil.RelSymlink(filepath.Join(coreDir, e.Name()), filepath.Join(root, e.Name())); err != nil {
			return err
		}
	}

	for _, dir := range skeleton {
		if err := os.MkdirAll(filepath.Join(root, dir), 0o775); err != nil {
			return err
		}
	}

	// the instance owns a mutable copy of the settings baseline
	baseline := filepath.Join(coreDir, "sites", "default", defaultSettingsName)
	if _, err := os.Stat(baseline); err == nil {
		dst := filepath.Join(root, "sites", "default", defaultSettingsName)
		if err := fsutil.CopyFile(baseline, dst, 0o644); err != nil {
			return err
		}
	}

	// link every profile bundled with the core; a disabled active profile
	// must not white-screen the instance
	bundled, err := os.ReadDir(filepath.Join(coreDir, "profiles"))
	if err == nil {
		for _, e := range bundled {
			if !e.IsDir() {
				continue
			}
			link := filepath.Join(root, "profiles", e.Name())
			if err := fsutil.RelSymlink(filepath.Join(coreDir, "profiles", e.Name()), link); err != nil {
				return err
			}
		}
	}
	return nil
}

// layerProfile links the chosen profile at profiles/<name>.
func (c *Composer) layerProfile(root string, profile *model.CodeItem) error {
	link := filepath.Join(root, "profiles", profile.Name)
	return fsutil.RelSymlink(c.codes.ArtifactPath(profile), link)
}

// layerPackages resets sites/all to exactly the referenced package set:
// every existing symlink under the three package dirs is removed, then
// each package is re-linked by its type.
func (c *Composer) layerPackages(root string, packages []*model.CodeItem) error {
	for _, typ := range []model.CodeType{model.CodeTypeModule, model.CodeTypeTheme, model.CodeTypeLibrary} {
		dir := filepath.Join(root, "sites", "all", typ.Dir())
		entries, err := os.ReadDir(dir)
		if err != nil {
			if os.IsNotExist(err) {
				continue
			}
			return err
		}
		for _, e := range entries {
			if err := fsutil.RemoveIfLink(filepath.Join(dir, e.Name())); err != nil {
				return err
			}
		}
	}
	for _, pkg := range packages {
		link := filepath.Join(root, "sites", "all", pkg.CodeType.Dir(), pkg.Name)
		if err := fsutil.RelSymlink(c.codes.ArtifactPath(pkg), link); err != nil {
			return err
		}
	}
	return nil
}

// layerFiles provisions the per-instance tree on the files mount and
// swings sites/default/files onto it. Preservation keeps an existing
// tree untouched.
func (c *Composer) layerFiles(root, sid string, preserve bool) error {
	nfs := c.NFSDir(sid)
	if nfs == "" {
		return nil
	}
	for _, sub := range []string{"files", "tmp"} {
		dir := filepath.Join(nfs, sub)
		if preserve {
			if _, err := os.Stat(dir); err == nil {
				continue
			}
		}
		if err := os.MkdirAll(dir, 0o775); err != nil {
			return err
		}
	}
	local := filepath.Join(root, "sites", "default", "files")
	if fi, err := os.Lstat(local); err == nil && fi.IsDir() {
		if err := os.RemoveAll(local); err != nil {
			return err
		}
	}
	return fsutil.RelSymlink(filepath.Join(nfs, "files"), local)
}
