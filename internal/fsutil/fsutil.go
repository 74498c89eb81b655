// Package fsutil holds the symlink helpers shared by the code manager and
// the instance composer. Links are always created relative to their own
// directory so trees can be mirrored without rewriting.
package fsutil

import (
	"fmt"
	"os"
	"path/filepath"
)

// RelSymlink creates (or replaces) link pointing at target, storing a
// path relative to link's directory. Parent directories of link are
// created as needed.
func RelSymlink(target, link string) error {
	if err := os.MkdirAll(filepath.Dir(link), 0o775); err != nil {
		return err
	}
	rel, err := filepath.Rel(filepath.Dir(link), target)
	if err != nil {
		return fmt.Errorf("relative path from %s to %s: %w", link, target, err)
	}
	if err := RemoveIfLink(link); err != nil {
		return err
	}
	return os.Symlink(rel, link)
}

// RemoveIfLink removes link only when it is a symlink; regular files and
// directories are left alone.
func RemoveIfLink(link string) error {
	fi, err := os.Lstat(link)
	if err != nil {
		if os.IsNotExist(err) {
			return nil
		}
		return err
	}
	if fi.Mode()&os.ModeSymlink == 0 {
		return nil
	}
	return os.Remove(link)
}

// LinkTarget returns the resolved absolute target of a symlink, or ""
// when link does not exist or is not a symlink.
func LinkTarget(link string) string {
	fi, err := os.Lstat(link)
	if err != nil || fi.Mode()&os.ModeSymlink == 0 {
		return ""
	}
	dest, err := os.Readlink(link)
	if err != nil {
		return ""
	}
	if !filepath.IsAbs(dest) {
		dest = filepath.Join(filepath.Dir(link), dest)
	}
	return filepath.Clean(dest)
}

// LinksTo reports whether link is a symlink resolving to target.
func LinksTo(link, target string) bool {
	resolved := LinkTarget(link)
	return resolved != "" && resolved == filepath.Clean(target)
}

// CopyFile copies src to dst with the given mode, replacing dst.
func CopyFile(src, dst string, mode os.FileMode) error {
	data, err := os.ReadFile(src)
	if err != nil {
		return err
	}
	if err := os.MkdirAll(filepath.Dir(dst), 0o775); err != nil {
		return err
	}
	// settings baselines are read-only; make a prior copy writable first
	if fi, err := os.Lstat(dst); err == nil && fi.Mode().IsRegular() {
		_ = os.Chmod(dst, 0o644)
	}
	if err := os.WriteFile(dst, data, mode); err != nil {
		return err
	}
	// WriteFile only applies mode on create
	return os.Chmod(dst, mode)
}
