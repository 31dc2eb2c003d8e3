package hooks

import (
	"io/fs"
	"path/filepath"
	"sort"
	"strings"
)

// ListModules recursively searches Root for module source files and returns
// the full module names they resolve from, sorted. Files not carrying
// DefaultExtension are ignored.
func (d *Default) ListModules() ([]string, error) {
	var names []string
	err := filepath.WalkDir(d.Root, func(path string, entry fs.DirEntry, err error) error {
		if err != nil {
			return err
		}
		if entry.IsDir() || !strings.HasSuffix(entry.Name(), DefaultExtension) {
			return nil
		}
		rel, err := filepath.Rel(d.Root, path)
		if err != nil {
			return err
		}
		names = append(names, filepath.ToSlash(strings.TrimSuffix(rel, DefaultExtension)))
		return nil
	})
	if err != nil {
		return nil, err
	}
	sort.Strings(names)
	return names, nil
}
