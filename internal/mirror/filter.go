package mirror

import "strings"

// ignoredName reports whether a file name inside a table directory is
// never an entity file: hidden files, editor backups and swap files, our
// own temp files, and anything that is not JSON.
func ignoredName(name string) bool {
	if strings.HasPrefix(name, ".") {
		return true
	}

	if strings.HasSuffix(name, "~") || strings.HasSuffix(name, ".swp") {
		return true
	}

	return !strings.HasSuffix(name, fileExt)
}

// ignoredDir reports whether a directory below the root is skipped by the
// watcher.
func ignoredDir(name string) bool {
	return strings.HasPrefix(name, ".") || name == "node_modules"
}
