package models

import "time"

// Document is an uploaded PDF tracked through the signing lifecycle.
// FileRef points at the original upload; SealedFileRef at the working /
// sealed copy once stamping has started. The original stays retrievable
// until the owning request completes.
type Document struct {
	ID            uint `gorm:"primaryKey"`
	Title         string
	FileRef       string
	SealedFileRef string
	Status        DocumentStatus `gorm:"type:varchar(32)"`
	OwnerID       uint
	Owner         User `gorm:"foreignKey:OwnerID"`
	Deleted       bool `gorm:"default:false"`
	CreatedAt     time.Time
	UpdatedAt     time.Time

	Requests []SignatureRequest `gorm:"many2many:request_documents;"`
}

func (d Document) GetUserID() uint { return d.OwnerID }

// SignatureEvidence is the tamper-evidence record written when a document
// is sealed: the SHA-256 of the sealed bytes, when it happened and from
// where. Exactly one row per document, immutable once written.
type SignatureEvidence struct {
	ID                 uint `gorm:"primaryKey"`
	DocumentID         uint `gorm:"index"`
	SignedHash         string
	Timestamp          time.Time
	CertifiedTimestamp *time.Time
	IPAddress          string
	CreatedAt          time.Time
}
