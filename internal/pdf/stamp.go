// Package pdf implements the field stamper and the artifact sealer on
// top of gofpdf (overlay drawing) and pdfcpu (page merge, permission
// lock). Both operate on working copies inside the blob store; callers
// serialize access per document.
package pdf

import (
	"errors"
	"fmt"
	"os"
	"strconv"

	"github.com/pdfcpu/pdfcpu/pkg/api"
	"github.com/pdfcpu/pdfcpu/pkg/pdfcpu/types"
	"go.uber.org/zap"

	"github.com/diewo77/esign/internal/models"
	"github.com/diewo77/esign/internal/storage"
)

var (
	ErrPageOutOfRange = errors.New("stamp_page_out_of_range")
	ErrStamping       = errors.New("stamping_io_error")
)

// Stamper renders one signer's field values onto the working copy of a
// document. Stamping is cumulative: the first call works on a copy of
// the original, subsequent calls keep layering onto that copy.
type Stamper struct {
	Store    *storage.FS
	FontPath string
	Log      *zap.Logger
}

func NewStamper(store *storage.FS, fontPath string, log *zap.Logger) *Stamper {
	return &Stamper{Store: store, FontPath: fontPath, Log: log}
}

// Stamp merges the rendered field onto the field's 1-indexed page of the
// working file. An out-of-range page is an error, never clamped.
func (s *Stamper) Stamp(workingRef string, field *models.DocField, signatory *models.Signatory) error {
	path, err := s.Store.Abs(workingRef)
	if err != nil {
		return fmt.Errorf("%w: %v", ErrStamping, err)
	}
	if _, err := os.Stat(path); err != nil {
		return fmt.Errorf("%w: working file missing: %v", ErrStamping, err)
	}

	dims, err := api.PageDimsFile(path)
	if err != nil {
		return fmt.Errorf("%w: %v", ErrStamping, err)
	}
	if field.Page < 1 || field.Page > len(dims) {
		return fmt.Errorf("%w: page %d of %d", ErrPageOutOfRange, field.Page, len(dims))
	}
	dim := dims[field.Page-1]

	overlay, err := s.overlayFor(dim.Width, dim.Height, field, signatory)
	if err != nil {
		return fmt.Errorf("%w: %v", ErrStamping, err)
	}

	tmp, err := os.CreateTemp("", "esign-overlay-*.pdf")
	if err != nil {
		return fmt.Errorf("%w: %v", ErrStamping, err)
	}
	tmpPath := tmp.Name()
	defer os.Remove(tmpPath)
	if _, err := tmp.Write(overlay); err != nil {
		tmp.Close()
		return fmt.Errorf("%w: %v", ErrStamping, err)
	}
	if err := tmp.Close(); err != nil {
		return fmt.Errorf("%w: %v", ErrStamping, err)
	}

	// the overlay page matches the target page size exactly, so a
	// centered unscaled stamp lines up 1:1
	wm, err := api.PDFWatermark(tmpPath, "pos:c, scale:1 abs, rot:0", true, false, types.POINTS)
	if err != nil {
		return fmt.Errorf("%w: %v", ErrStamping, err)
	}
	pages := []string{strconv.Itoa(field.Page)}
	if err := api.AddWatermarksFile(path, path, pages, wm, nil); err != nil {
		return fmt.Errorf("%w: %v", ErrStamping, err)
	}
	return nil
}

// overlayFor loads the signatory's signature image when one is stored
// and falls back to the script-style name if the image cannot be
// rendered.
func (s *Stamper) overlayFor(pageW, pageH float64, field *models.DocField, signatory *models.Signatory) ([]byte, error) {
	var img []byte
	if field.Type == models.FieldSignature && signatory.SignatureImageRef != "" {
		data, err := s.Store.Read(signatory.SignatureImageRef)
		if err != nil {
			s.Log.Warn("signature image unreadable, falling back to script text",
				zap.String("ref", signatory.SignatureImageRef), zap.Error(err))
		} else {
			img = data
		}
	}
	overlay, err := buildOverlay(pageW, pageH, field, signatory, img, s.FontPath)
	if err != nil && img != nil {
		s.Log.Warn("signature image rendering failed, falling back to script text",
			zap.Uint("field", field.ID), zap.Error(err))
		return buildOverlay(pageW, pageH, field, signatory, nil, s.FontPath)
	}
	return overlay, err
}
