package config

import (
	"fmt"
	"io/fs"
	"os"
	"path/filepath"
	"sort"
)

// ReadConfigFiles returns the contents of path, or of every .yml and .yaml
// file below it when path is a directory, in lexical order of their paths.
// A file named directly is read whatever its extension.
func ReadConfigFiles(path string) ([]string, error) {
	files, err := configPaths(path)
	if err != nil {
		return nil, err
	}
	if len(files) == 0 {
		return nil, fmt.Errorf("no config files found at %s", path)
	}

	contents := make([]string, 0, len(files))
	for _, file := range files {
		b, err := os.ReadFile(file)
		if err != nil {
			return nil, err
		}
		contents = append(contents, string(b))
	}
	return contents, nil
}

func configPaths(root string) ([]string, error) {
	root, err := filepath.Abs(root)
	if err != nil {
		return nil, err
	}

	var files []string
	err = filepath.WalkDir(root, func(p string, d fs.DirEntry, err error) error {
		if err != nil {
			return fmt.Errorf("problem while reading %s: %w", p, err)
		}
		if d.IsDir() {
			return nil
		}
		if p == root || isYAML(p) {
			files = append(files, p)
		}
		return nil
	})
	if err != nil {
		return nil, err
	}

	sort.Strings(files)
	return files, nil
}

func isYAML(p string) bool {
	switch filepath.Ext(p) {
	case ".yml", ".yaml":
		return true
	}
	return false
}
