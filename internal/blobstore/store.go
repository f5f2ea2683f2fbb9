// Package blobstore keeps rendered documents on an afero filesystem.
package blobstore

import (
	"context"
	"errors"
	"fmt"
	"net/url"
	"os"
	"path"

	"github.com/spf13/afero"
)

const (
	documentsDirectory = "documents"
	directoryMode      = 0o755
	fileMode           = 0o644
)

var (
	// ErrMissingFilesystem indicates the store was constructed without a filesystem.
	ErrMissingFilesystem = errors.New("blobstore: filesystem is required")
	// ErrBlobNotFound indicates the storage reference does not exist.
	ErrBlobNotFound = errors.New("blobstore: blob not found")
	// ErrInvalidReference indicates an empty or unsafe storage reference.
	ErrInvalidReference = errors.New("blobstore: invalid storage reference")
)

// Config configures a Store.
type Config struct {
	Filesystem afero.Fs
	Root       string
	IDProvider IDProvider
}

// Store writes each blob once under a fresh reference at documents/<room>/<ref>.
type Store struct {
	fs   afero.Fs
	root string
	ids  IDProvider
}

// NewStore constructs a Store.
func NewStore(cfg Config) (*Store, error) {
	if cfg.Filesystem == nil {
		return nil, ErrMissingFilesystem
	}
	ids := cfg.IDProvider
	if ids == nil {
		ids = NewUUIDProvider()
	}
	return &Store{fs: cfg.Filesystem, root: cfg.Root, ids: ids}, nil
}

// Put stores data under a new reference and returns it.
func (s *Store) Put(ctx context.Context, roomName string, data []byte) (string, error) {
	if err := ctx.Err(); err != nil {
		return "", err
	}
	ref, err := s.ids.NewID()
	if err != nil {
		return "", fmt.Errorf("blobstore: new reference: %w", err)
	}
	directory := s.roomDirectory(roomName)
	if err := s.fs.MkdirAll(directory, directoryMode); err != nil {
		return "", fmt.Errorf("blobstore: create %s: %w", directory, err)
	}
	if err := afero.WriteFile(s.fs, path.Join(directory, ref), data, fileMode); err != nil {
		return "", fmt.Errorf("blobstore: write %s: %w", ref, err)
	}
	return ref, nil
}

// Get reads the blob stored under ref.
func (s *Store) Get(ctx context.Context, roomName string, ref string) ([]byte, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	blobPath, err := s.blobPath(roomName, ref)
	if err != nil {
		return nil, err
	}
	data, err := afero.ReadFile(s.fs, blobPath)
	if errors.Is(err, os.ErrNotExist) {
		return nil, fmt.Errorf("%w: %s", ErrBlobNotFound, ref)
	}
	if err != nil {
		return nil, fmt.Errorf("blobstore: read %s: %w", ref, err)
	}
	return data, nil
}

// Delete removes the blob stored under ref. A missing blob is not an error.
func (s *Store) Delete(ctx context.Context, roomName string, ref string) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	blobPath, err := s.blobPath(roomName, ref)
	if err != nil {
		return err
	}
	if err := s.fs.Remove(blobPath); err != nil && !errors.Is(err, os.ErrNotExist) {
		return fmt.Errorf("blobstore: delete %s: %w", ref, err)
	}
	return nil
}

func (s *Store) roomDirectory(roomName string) string {
	return path.Join(s.root, documentsDirectory, url.PathEscape(roomName))
}

func (s *Store) blobPath(roomName string, ref string) (string, error) {
	if ref == "" || ref == "." || ref == ".." || url.PathEscape(ref) != ref {
		return "", fmt.Errorf("%w: %q", ErrInvalidReference, ref)
	}
	return path.Join(s.roomDirectory(roomName), ref), nil
}
