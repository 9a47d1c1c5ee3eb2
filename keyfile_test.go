package cipherlink

import (
	"bytes"
	"errors"
	"os"
	"path/filepath"
	"testing"
)

func TestKeyFile(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "keys", "shared_key.key")

	key, err := GenerateSharedKey(nil)
	check(t, err, nil, "generating key")
	err = WriteKeyFile(path, key)
	check(t, err, nil, "writing key file")

	info, err := os.Stat(path)
	check(t, err, nil, "stat key file")
	if perm := info.Mode() & os.ModePerm; perm != 0600 {
		t.Fatalf("key file mode %o, expected 600", perm)
	}

	got, err := ReadKeyFile(path)
	check(t, err, nil, "reading key file")
	if !bytes.Equal(got, key) {
		t.Fatalf("read key differs from written key")
	}

	err = WriteKeyFile(path, key)
	if !errors.Is(err, os.ErrExist) {
		t.Fatalf("overwriting key file: got %v, expected existing file error", err)
	}

	err = WriteKeyFile(filepath.Join(dir, "short.key"), key[:16])
	check(t, err, ErrInvalidKeySize, "writing short key")
}

func TestReadKeyFileErrors(t *testing.T) {
	dir := t.TempDir()

	_, err := ReadKeyFile(filepath.Join(dir, "missing.key"))
	check(t, err, ErrKeyFileNotFound, "reading missing key file")

	for _, size := range []int{0, 16, 31, 33, 64} {
		path := filepath.Join(dir, "bad.key")
		os.Remove(path)
		err := os.WriteFile(path, make([]byte, size), 0600)
		check(t, err, nil, "writing key file")
		_, err = ReadKeyFile(path)
		check(t, err, ErrInvalidKeySize, "reading key file with bad size")
	}

	path := filepath.Join(dir, "open.key")
	err = os.WriteFile(path, make([]byte, KeySize), 0600)
	check(t, err, nil, "writing key file")
	err = os.Chmod(path, 0644)
	check(t, err, nil, "chmod")
	_, err = ReadKeyFile(path)
	check(t, err, ErrKeyPermissions, "reading world-readable key file")
}

func TestNearestKeyFile(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "keys", "shared_key.key")
	key, err := GenerateSharedKey(nil)
	check(t, err, nil, "generating key")
	err = WriteKeyFile(path, key)
	check(t, err, nil, "writing key file")

	sub := filepath.Join(dir, "a", "b")
	err = os.MkdirAll(sub, 0700)
	check(t, err, nil, "mkdir")

	wd, err := os.Getwd()
	check(t, err, nil, "getwd")
	defer func() {
		if err := os.Chdir(wd); err != nil {
			t.Errorf("chdir to %s: %s", wd, err)
		}
	}()
	err = os.Chdir(sub)
	check(t, err, nil, "chdir")

	found, err := NearestKeyFile(DefaultKeyFile)
	check(t, err, nil, "nearest key file")
	got, err := ReadKeyFile(found)
	check(t, err, nil, "reading nearest key file")
	if !bytes.Equal(got, key) {
		t.Fatalf("nearest key file %s has another key", found)
	}

	_, err = NearestKeyFile("keys/other.key")
	check(t, err, ErrKeyFileNotFound, "nearest missing key file")

	abs := filepath.Join(dir, "missing.key")
	found, err = NearestKeyFile(abs)
	check(t, err, nil, "absolute path")
	if found != abs {
		t.Fatalf("absolute path resolved to %s", found)
	}
}

func TestSharedKeyString(t *testing.T) {
	key := SharedKey(bytes.Repeat([]byte{0xab}, KeySize))
	if s := key.String(); s != "<redacted>" {
		t.Fatalf("key formatted as %q", s)
	}
	if s := SharedKey(nil).String(); s != "<no key>" {
		t.Fatalf("empty key formatted as %q", s)
	}
}
