package pdf

import (
	"bytes"
	"fmt"
	"image"
	_ "image/jpeg"
	_ "image/png"
	"os"

	"github.com/phpdave11/gofpdf"

	"github.com/diewo77/esign/internal/models"
)

const (
	signatureFontSize = 24
	textFontSize      = 12
	checkTickSize     = 12
)

// buildOverlay renders a single field onto a one-page PDF sized exactly
// like the target page. Field coordinates use the PDF convention of a
// bottom-left origin; gofpdf draws from the top-left, so y values are
// flipped here and nowhere else.
func buildOverlay(pageW, pageH float64, field *models.DocField, signatory *models.Signatory, signatureImage []byte, fontPath string) ([]byte, error) {
	doc := gofpdf.NewCustom(&gofpdf.InitType{
		UnitStr: "pt",
		Size:    gofpdf.SizeType{Wd: pageW, Ht: pageH},
	})
	doc.AddPage()
	doc.SetDrawColor(0, 0, 0)
	doc.SetFillColor(0, 0, 0)
	doc.SetTextColor(0, 0, 0)

	switch field.Type {
	case models.FieldSignature:
		drawSignature(doc, pageH, field, signatory, signatureImage, fontPath)
	case models.FieldText, models.FieldReadOnlyText:
		doc.SetFont("helvetica", "", textFontSize)
		doc.Text(fx(field.X), flipY(pageH, field.Y), field.Text)
	case models.FieldMention:
		doc.SetFont("helvetica", "", textFontSize)
		doc.Text(fx(field.X), flipY(pageH, field.Y), field.Mention)
	case models.FieldCheckbox:
		drawCheckbox(doc, pageH, field)
	case models.FieldRadioGroup:
		drawRadioGroup(doc, pageH, field)
	default:
		return nil, fmt.Errorf("unknown field type %q", field.Type)
	}

	if err := doc.Error(); err != nil {
		return nil, err
	}
	var buf bytes.Buffer
	if err := doc.Output(&buf); err != nil {
		return nil, err
	}
	return buf.Bytes(), nil
}

// drawSignature prefers the stored raster image; an unreadable image
// falls back to the script-style name rather than aborting.
func drawSignature(doc *gofpdf.Fpdf, pageH float64, field *models.DocField, signatory *models.Signatory, signatureImage []byte, fontPath string) {
	x, y := fx(field.X), fx(field.Y)
	w, h := fx(field.Width), fx(field.Height)

	if format, ok := sniffImage(signatureImage); ok {
		opts := gofpdf.ImageOptions{ImageType: format}
		name := fmt.Sprintf("sig-%d-%d", signatory.ID, field.ID)
		doc.RegisterImageOptionsReader(name, opts, bytes.NewReader(signatureImage))
		// image anchors bottom-left at (x, y); gofpdf wants the top edge
		doc.ImageOptions(name, x, pageH-(y+h), w, h, false, opts, 0, "")
		return
	}
	setScriptFont(doc, fontPath)
	doc.Text(x, pageH-y, signatory.FullName())
}

func setScriptFont(doc *gofpdf.Fpdf, fontPath string) {
	if fontPath != "" {
		if _, err := os.Stat(fontPath); err == nil {
			doc.AddUTF8Font("script", "", fontPath)
			doc.SetFont("script", "", signatureFontSize)
			return
		}
	}
	doc.SetFont("times", "I", signatureFontSize)
}

// drawCheckbox renders the tick only when checked; nothing at all
// otherwise. The anchor comes from the field's x/y when present.
func drawCheckbox(doc *gofpdf.Fpdf, pageH float64, field *models.DocField) {
	if !field.Checked || field.X == nil || field.Y == nil {
		return
	}
	x, y := fx(field.X), fx(field.Y)
	s := float64(checkTickSize)
	doc.SetLineWidth(1.2)
	doc.Line(x, pageH-y, x+s, pageH-(y+s))
	doc.Line(x, pageH-(y+s), x+s, pageH-y)
}

// drawRadioGroup outlines every option and fills the inner circle of the
// checked one.
func drawRadioGroup(doc *gofpdf.Fpdf, pageH float64, field *models.DocField) {
	doc.SetLineWidth(1)
	for _, radio := range field.Radios {
		cx := float64(radio.X)
		cy := pageH - float64(radio.Y)
		r := float64(radio.Size) / 2
		doc.Circle(cx, cy, r, "D")
		if radio.Checked {
			doc.Circle(cx, cy, r/2, "F")
		}
	}
}

func sniffImage(data []byte) (string, bool) {
	_, format, err := image.DecodeConfig(bytes.NewReader(data))
	if err != nil {
		return "", false
	}
	switch format {
	case "png":
		return "PNG", true
	case "jpeg":
		return "JPG", true
	}
	return "", false
}

func fx(p *int) float64 {
	if p == nil {
		return 0
	}
	return float64(*p)
}

func flipY(pageH float64, y *int) float64 {
	return pageH - fx(y)
}
