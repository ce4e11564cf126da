// Package facestore keeps one reference face image per user on the local
// filesystem.
package facestore

import (
	"context"
	"errors"
	"fmt"
	"image"
	"io/fs"
	"os"
	"path/filepath"
	"strings"

	"github.com/example/face-check/internal/imagecodec"
)

const (
	fileExt        = ".jpg"
	defaultQuality = 95

	// maxKeyLength keeps "<key>.jpg" within the usual 255-byte NAME_MAX.
	maxKeyLength = 255 - len(fileExt)
)

var (
	// ErrNotFound is returned by Get when no image is stored for the key.
	ErrNotFound = errors.New("face not registered")
	// ErrInvalidKey is returned for keys that cannot be used as a file name.
	ErrInvalidKey = errors.New("invalid user id")
)

// Store maps user ids to JPEG files under a single root directory.
// There is no locking: concurrent writers to one key race and the last
// rename wins.
type Store struct {
	root    string
	quality int
}

// Option customises a Store.
type Option func(*Store)

// WithJPEGQuality sets the quality used when writing images.
func WithJPEGQuality(q int) Option {
	return func(s *Store) {
		if q >= 1 && q <= 100 {
			s.quality = q
		}
	}
}

// New creates the root directory if needed and returns a Store on it.
func New(root string, opts ...Option) (*Store, error) {
	if root == "" {
		return nil, errors.New("facestore: empty root directory")
	}
	if err := os.MkdirAll(root, 0o755); err != nil {
		return nil, fmt.Errorf("facestore: create root %s: %w", root, err)
	}
	s := &Store{root: root, quality: defaultQuality}
	for _, opt := range opts {
		opt(s)
	}
	return s, nil
}

// Root returns the directory backing the store.
func (s *Store) Root() string {
	return s.root
}

// ValidateKey reports whether userID is usable as a file name inside the
// root directory.
func ValidateKey(userID string) error {
	switch {
	case userID == "", userID == ".", userID == "..":
		return ErrInvalidKey
	case len(userID) > maxKeyLength:
		return fmt.Errorf("%w: longer than %d bytes", ErrInvalidKey, maxKeyLength)
	case strings.ContainsAny(userID, "/\\\x00"):
		return fmt.Errorf("%w: contains a path separator", ErrInvalidKey)
	}
	return nil
}

// Path returns the file that holds userID's image.
func (s *Store) Path(userID string) (string, error) {
	if err := ValidateKey(userID); err != nil {
		return "", err
	}
	return filepath.Join(s.root, userID+fileExt), nil
}

// Put stores img for userID, replacing any previous image. The file is
// written next to its final location and renamed into place.
func (s *Store) Put(ctx context.Context, userID string, img image.Image) error {
	path, err := s.Path(userID)
	if err != nil {
		return err
	}
	if err := ctx.Err(); err != nil {
		return err
	}

	data, err := imagecodec.EncodeJPEG(img, s.quality)
	if err != nil {
		return err
	}

	tmp, err := os.CreateTemp(s.root, ".put-*"+fileExt)
	if err != nil {
		return fmt.Errorf("create temp file: %w", err)
	}
	tmpName := tmp.Name()
	defer os.Remove(tmpName) //nolint:errcheck

	if _, err := tmp.Write(data); err != nil {
		tmp.Close()
		return fmt.Errorf("write %s: %w", tmpName, err)
	}
	if err := tmp.Close(); err != nil {
		return fmt.Errorf("close %s: %w", tmpName, err)
	}
	if err := os.Chmod(tmpName, 0o644); err != nil {
		return fmt.Errorf("chmod %s: %w", tmpName, err)
	}
	if err := os.Rename(tmpName, path); err != nil {
		return fmt.Errorf("rename into %s: %w", path, err)
	}
	return nil
}

// Get loads the image stored for userID.
func (s *Store) Get(ctx context.Context, userID string) (*image.RGBA, error) {
	path, err := s.Path(userID)
	if err != nil {
		return nil, err
	}
	if err := ctx.Err(); err != nil {
		return nil, err
	}

	data, err := os.ReadFile(path)
	if errors.Is(err, fs.ErrNotExist) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("read %s: %w", path, err)
	}

	img, err := imagecodec.DecodeBytes(data)
	if err != nil {
		return nil, fmt.Errorf("load %s: %w", path, err)
	}
	return img, nil
}
