package cipherlink

import (
	"os"
	"path/filepath"
)

// findNearest looks for the relative path name in the current directory and its
// parents, up to the root. It returns the first existing path, or os.ErrNotExist.
func findNearest(name string) (string, error) {
	dir, err := os.Getwd()
	if err != nil {
		return "", err
	}

	for lastDir := ""; dir != lastDir; lastDir, dir = dir, filepath.Dir(dir) {
		filename := filepath.Join(dir, name)
		_, err := os.Stat(filename)
		if err != nil && os.IsNotExist(err) {
			continue
		}
		return filename, err
	}
	return "", os.ErrNotExist
}

// NearestKeyFile resolves a key file path. Absolute paths are returned as is.
// Relative paths are looked up in the current directory and then in each parent
// directory, so commands can be run from anywhere inside a project that has a
// "keys" directory. If no file is found, ErrKeyFileNotFound is returned.
func NearestKeyFile(path string) (string, error) {
	if filepath.IsAbs(path) {
		return path, nil
	}
	p, err := findNearest(path)
	if err != nil && os.IsNotExist(err) {
		return "", prefixError(ErrKeyFileNotFound, "%s (generate one with \"cipherlink genkey\")", path)
	}
	return p, err
}
