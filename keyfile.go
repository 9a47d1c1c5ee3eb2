package cipherlink

import (
	"crypto/rand"
	"io"
	"os"
	"path/filepath"

	"golang.org/x/xerrors"
)

// SharedKey is the pre-shared secret used by every tunnel of a process. Its String
// method does not reveal the key, so it is safe to pass to loggers and formatting
// verbs by accident.
type SharedKey []byte

// String returns a placeholder instead of the key material.
func (k SharedKey) String() string {
	if len(k) == 0 {
		return "<no key>"
	}
	return "<redacted>"
}

// GenerateSharedKey returns a new random key read from random, or crypto/rand if
// nil.
func GenerateSharedKey(random io.Reader) (SharedKey, error) {
	if random == nil {
		random = rand.Reader
	}
	key := make(SharedKey, KeySize)
	if _, err := io.ReadFull(random, key); err != nil {
		return nil, xerrors.Errorf("reading random key: %w", err)
	}
	return key, nil
}

// ReadKeyFile reads a raw KeySize-byte key from path. A missing file results in
// ErrKeyFileNotFound, a file of another size in ErrInvalidKeySize.
//
// In addition, files that are accessible by users other than the owner and group
// are refused with ErrKeyPermissions, like private keys are by ssh. A copy of a
// key file must keep mode 0600.
func ReadKeyFile(path string) (SharedKey, error) {
	f, err := os.Open(path)
	if err != nil {
		if os.IsNotExist(err) {
			return nil, prefixError(ErrKeyFileNotFound, "%s", path)
		}
		return nil, err
	}
	defer f.Close()

	info, err := f.Stat()
	if err != nil {
		return nil, err
	}
	perm := info.Mode() & os.ModePerm
	if perm&07 != 0 {
		return nil, prefixError(ErrKeyPermissions, "refusing to read key from world-accessible %s", path)
	}

	// Read one byte more than a key, so a too long file is detected without reading
	// all of it. The buffer is cleared afterwards; the only copy left is the
	// returned key.
	buf := make([]byte, KeySize+1)
	defer func() {
		for i := range buf {
			buf[i] = 0
		}
	}()
	n, err := io.ReadFull(f, buf)
	if err != nil && err != io.EOF && err != io.ErrUnexpectedEOF {
		return nil, xerrors.Errorf("reading key file: %w", err)
	}
	if n != KeySize {
		if n > KeySize {
			return nil, prefixError(ErrInvalidKeySize, "%s: longer than %d bytes", path, KeySize)
		}
		return nil, prefixError(ErrInvalidKeySize, "%s: got %d bytes, expected %d", path, n, KeySize)
	}
	return append(SharedKey{}, buf[:KeySize]...), nil
}

// WriteKeyFile writes key to a new file at path with mode 0600, creating parent
// directories as needed. An existing file is never overwritten.
func WriteKeyFile(path string, key SharedKey) (rerr error) {
	lcheck, handle := errorHandler(func(err error) {
		rerr = err
	})
	defer handle()

	if len(key) != KeySize {
		return prefixError(ErrInvalidKeySize, "got %d bytes, expected %d", len(key), KeySize)
	}

	err := os.MkdirAll(filepath.Dir(path), 0700)
	lcheck(err, "creating key directory")

	f, err := os.OpenFile(path, os.O_WRONLY|os.O_CREATE|os.O_EXCL, 0600)
	lcheck(err, "creating key file")
	_, err = f.Write(key)
	if err != nil {
		f.Close()
		os.Remove(path)
	}
	lcheck(err, "writing key file")
	err = f.Close()
	lcheck(err, "closing key file")
	return nil
}
