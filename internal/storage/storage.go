// Package storage abstracts "store bytes, retrieve bytes" behind opaque
// path-like refs. The workflow never touches the filesystem directly, so
// the store can be swapped for an object store without changing call
// sites.
package storage

import "errors"

var ErrNotFound = errors.New("blob_not_found")

// BlobStore addresses blobs by opaque refs under an owner/document
// namespace (e.g. "documents/3/a1b2.pdf", "signed/3/a1b2.pdf").
// RemoveAll takes a directory ref; preview invalidation needs it.
type BlobStore interface {
	Read(ref string) ([]byte, error)
	Write(ref string, data []byte) error
	Exists(ref string) bool
	Remove(ref string) error
	RemoveAll(ref string) error
}
