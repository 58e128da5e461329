package pdf

import (
	"crypto/sha256"
	"encoding/hex"
	"fmt"

	"github.com/pdfcpu/pdfcpu/pkg/api"
	"github.com/pdfcpu/pdfcpu/pkg/pdfcpu/model"
)

// Sealer locks a finished artifact against edits and reports its hash.
// The owner password is never shown to end users; no user password is
// set, so the sealed file opens freely but only printing is permitted.
type Sealer struct {
	Store         absReader
	OwnerPassword string
}

type absReader interface {
	Abs(ref string) (string, error)
	Read(ref string) ([]byte, error)
}

func NewSealer(store absReader, ownerPassword string) *Sealer {
	return &Sealer{Store: store, OwnerPassword: ownerPassword}
}

// Seal encrypts the working file in place with the print-only permission
// set, then hashes the sealed bytes. The digest is computed after the
// lock is applied so it matches exactly what downloads will serve.
// Not safe to invoke concurrently for the same ref; the workflow holds
// the per-document lock around it.
func (s *Sealer) Seal(workingRef string) (string, error) {
	path, err := s.Store.Abs(workingRef)
	if err != nil {
		return "", fmt.Errorf("%w: %v", ErrStamping, err)
	}
	conf := model.NewAESConfiguration("", s.OwnerPassword, 256)
	// printing stays allowed, every other permission is denied
	conf.Permissions = model.PermissionsPrint
	if err := api.EncryptFile(path, path, conf); err != nil {
		return "", fmt.Errorf("%w: %v", ErrStamping, err)
	}
	data, err := s.Store.Read(workingRef)
	if err != nil {
		return "", fmt.Errorf("%w: %v", ErrStamping, err)
	}
	sum := sha256.Sum256(data)
	return hex.EncodeToString(sum[:]), nil
}
