package storage

import (
	"errors"
	"fmt"
	"io/fs"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/google/uuid"
)

// FS is the filesystem-backed blob store. Refs are slash-separated
// relative paths rooted at Root; anything trying to escape the root is
// rejected.
type FS struct {
	Root string
}

var _ BlobStore = (*FS)(nil)

func NewFS(root string) (*FS, error) {
	if err := os.MkdirAll(root, 0o755); err != nil {
		return nil, err
	}
	return &FS{Root: root}, nil
}

// Abs resolves a ref to an absolute path. The PDF stamper and sealer
// need real paths for in-place file operations.
func (s *FS) Abs(ref string) (string, error) {
	clean := filepath.Clean(filepath.FromSlash(ref))
	if strings.HasPrefix(clean, "..") || filepath.IsAbs(clean) {
		return "", fmt.Errorf("invalid ref %q", ref)
	}
	return filepath.Join(s.Root, clean), nil
}

func (s *FS) Read(ref string) ([]byte, error) {
	p, err := s.Abs(ref)
	if err != nil {
		return nil, err
	}
	data, err := os.ReadFile(p)
	if errors.Is(err, fs.ErrNotExist) {
		return nil, ErrNotFound
	}
	return data, err
}

func (s *FS) Write(ref string, data []byte) error {
	p, err := s.Abs(ref)
	if err != nil {
		return err
	}
	if err := os.MkdirAll(filepath.Dir(p), 0o755); err != nil {
		return err
	}
	return os.WriteFile(p, data, 0o644)
}

func (s *FS) Exists(ref string) bool {
	p, err := s.Abs(ref)
	if err != nil {
		return false
	}
	_, err = os.Stat(p)
	return err == nil
}

func (s *FS) Remove(ref string) error {
	p, err := s.Abs(ref)
	if err != nil {
		return err
	}
	err = os.Remove(p)
	if errors.Is(err, fs.ErrNotExist) {
		return nil
	}
	return err
}

// RemoveAll deletes a whole ref subtree. Used to drop stale page previews
// after a document is re-stamped.
func (s *FS) RemoveAll(ref string) error {
	p, err := s.Abs(ref)
	if err != nil {
		return err
	}
	return os.RemoveAll(p)
}

// UploadRef builds a unique ref for a fresh upload, namespaced by owner.
func UploadRef(ownerID uint, originalName string) string {
	ext := filepath.Ext(originalName)
	stamp := time.Now().Format("20060102150405")
	return fmt.Sprintf("documents/%d/%s_%s%s", ownerID, stamp, uuid.NewString()[:8], ext)
}

// WorkingRef maps an upload ref into the signed-in-progress area, keeping
// the original retrievable until the request completes.
func WorkingRef(fileRef string) string {
	return "signed/" + strings.TrimPrefix(fileRef, "documents/")
}

// SignatureImageRef names a stored drawn-signature image.
func SignatureImageRef(requestID, signatoryID uint) string {
	return fmt.Sprintf("signatures/%d_%d.png", requestID, signatoryID)
}

// PreviewDir is where rasterized page previews for a document live.
func PreviewDir(ownerID uint, documentID uint) string {
	return fmt.Sprintf("previews/%d/%d", ownerID, documentID)
}
