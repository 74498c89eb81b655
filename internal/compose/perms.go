package compose

import (
	"os"
	"os/user"
	"path/filepath"
	"sort"
	"strconv"
	"syscall"

	"github.com/rs/zerolog/log"
)

// SweepPermissions walks the instance tree bottom-up and normalizes
// modes: directories 0775 (sites/default 0755), files 0664, the settings
// file 0444, group set to the configured web group. Ownership is only
// changed over the NFS tree and only for entries the service user owns.
// Symlinks are never chmod'd or chown'd.
func (c *Composer) SweepPermissions(sid string) error {
	gid := lookupGID(c.cfg.WebGroup)
	uid := lookupUID(c.cfg.ServiceUser)

	sweep := func(root string, chown bool) error {
		var paths []string
		err := filepath.Walk(root, func(path string, fi os.FileInfo, err error) error {
			if err != nil {
				return err
			}
			paths = append(paths, path)
			return nil
		})
		if err != nil {
			if os.IsNotExist(err) {
				return nil
			}
			return err
		}
		// children before parents
		sort.Sort(sort.Reverse(sort.StringSlice(paths)))
		for _, path := range paths {
			fi, err := os.Lstat(path)
			if err != nil {
				continue
			}
			if fi.Mode()&os.ModeSymlink != 0 {
				continue
			}
			mode := c.modeFor(root, path, fi)
			if fi.Mode().Perm() != mode {
				if err := os.Chmod(path, mode); err != nil {
					log.Warn().Err(err).Str("path", path).Msg("chmod failed")
				}
			}
			if chown && uid >= 0 && gid >= 0 {
				if st, ok := fi.Sys().(*syscall.Stat_t); ok && int(st.Uid) == uid {
					if err := os.Chown(path, uid, gid); err != nil {
						log.Warn().Err(err).Str("path", path).Msg("chown failed")
					}
				}
			}
		}
		return nil
	}

	if err := sweep(c.InstanceDir(sid), false); err != nil {
		return err
	}
	if nfs := c.NFSDir(sid); nfs != "" {
		if err := sweep(nfs, true); err != nil {
			return err
		}
	}
	return nil
}

func (c *Composer) modeFor(root, path string, fi os.FileInfo) os.FileMode {
	if fi.IsDir() {
		if path == filepath.Join(root, "sites", "default") {
			return 0o755
		}
		return 0o775
	}
	if filepath.Base(path) == settingsFile && filepath.Dir(path) == filepath.Join(root, "sites", "default") {
		return 0o444
	}
	return 0o664
}

func lookupGID(group string) int {
	g, err := user.LookupGroup(group)
	if err != nil {
		return -1
	}
	gid, err := strconv.Atoi(g.Gid)
	if err != nil {
		return -1
	}
	return gid
}

func lookupUID(name string) int {
	u, err := user.Lookup(name)
	if err != nil {
		return -1
	}
	uid, err := strconv.Atoi(u.Uid)
	if err != nil {
		return -1
	}
	return uid
}
