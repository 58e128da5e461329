package models

import "time"

// AuditAction enumerates the state-relevant events kept for compliance.
type AuditAction string

const (
	ActionDocumentUploaded   AuditAction = "document uploaded"
	ActionSignatureRequested AuditAction = "signature requested"
	ActionDocumentViewed     AuditAction = "document viewed"
	ActionOTPSent            AuditAction = "otp sent"
	ActionOTPVerified        AuditAction = "otp verified"
	ActionDocumentSigned     AuditAction = "document signed"
	ActionRequestCanceled    AuditAction = "request canceled"
	ActionRequestActivated   AuditAction = "request reactivated"
)

// AuditLog is append-only. Rows are written before the triggering
// response is returned and never updated afterwards.
type AuditLog struct {
	ID                 uint `gorm:"primaryKey"`
	Description        string
	IPAddress          string
	Action             AuditAction `gorm:"type:varchar(32)"`
	Timestamp          time.Time
	SignatureRequestID uint `gorm:"index"`
	SignatoryID        *uint
	CreatedAt          time.Time
}
