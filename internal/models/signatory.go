package models

import "time"

// Signatory roles. A viewer or approver never stamps fields but still
// moves through the notification flow.
const (
	RoleSigner   = "signer"
	RoleViewer   = "viewer"
	RoleApprover = "approver"
)

// Signatory is an external person asked to sign, view or approve.
// UserID is filled opportunistically when the email matches an internal
// account. SignedAt stays nil until the signatory's submission has been
// stamped successfully.
type Signatory struct {
	ID                uint `gorm:"primaryKey"`
	FirstName         string
	LastName          string
	Email             string `gorm:"index"`
	PhoneNumber       string // E.164, optional
	Role              string `gorm:"type:varchar(16)"`
	SigningOrder      int
	SignedAt          *time.Time
	SignatureImageRef string // raster signature; empty means script-style name rendering
	UserID            *uint
	CreatorID         uint
	CreatedAt         time.Time
	UpdatedAt         time.Time

	Fields   []DocField         `gorm:"foreignKey:SignerID"`
	Requests []SignatureRequest `gorm:"many2many:request_signatories;"`
}

// FullName is what gets rendered when no signature image is stored.
func (s *Signatory) FullName() string {
	return s.FirstName + " " + s.LastName
}

// SignatoryPatch is an explicit partial update: only non-nil fields are
// applied, each through the allow-list in ApplyTo. No reflection.
type SignatoryPatch struct {
	FirstName         *string `json:"first_name"`
	LastName          *string `json:"last_name"`
	Email             *string `json:"email"`
	PhoneNumber       *string `json:"phone_number"`
	Role              *string `json:"role"`
	SigningOrder      *int    `json:"signing_order"`
	SignatureImageRef *string `json:"signature_image_ref"`
}

func (p SignatoryPatch) ApplyTo(s *Signatory) {
	if p.FirstName != nil {
		s.FirstName = *p.FirstName
	}
	if p.LastName != nil {
		s.LastName = *p.LastName
	}
	if p.Email != nil {
		s.Email = *p.Email
	}
	if p.PhoneNumber != nil {
		s.PhoneNumber = *p.PhoneNumber
	}
	if p.Role != nil {
		s.Role = *p.Role
	}
	if p.SigningOrder != nil {
		s.SigningOrder = *p.SigningOrder
	}
	if p.SignatureImageRef != nil {
		s.SignatureImageRef = *p.SignatureImageRef
	}
}
