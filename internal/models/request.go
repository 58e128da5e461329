package models

import "time"

// SignatureRequest is the aggregate: these documents, signed by these
// people, in this order. Mutated only through checked transitions; never
// hard-deleted while in a non-terminal status.
type SignatureRequest struct {
	ID             uint `gorm:"primaryKey"`
	Name           string
	DeliveryMode   string
	Message        string
	Status         RequestStatus `gorm:"type:varchar(32)"`
	OrderedSigners bool
	RequireOTP     bool
	ExpiryDate     *time.Time
	Token          string // last issued access token, set once sent
	SenderID       uint
	Sender         User `gorm:"foreignKey:SenderID"`
	Deleted        bool `gorm:"default:false"`
	CreatedAt      time.Time
	UpdatedAt      time.Time

	Documents      []Document      `gorm:"many2many:request_documents;"`
	Signatories    []Signatory     `gorm:"many2many:request_signatories;"`
	ReminderPolicy *ReminderPolicy `gorm:"foreignKey:RequestID"`
	AuditLogs      []AuditLog      `gorm:"foreignKey:SignatureRequestID"`
}

func (r SignatureRequest) GetUserID() uint { return r.SenderID }

// Frozen reports whether the request's document/signatory sets are locked
// against structural edits (any signatory has already signed).
func (r *SignatureRequest) Frozen() bool {
	for i := range r.Signatories {
		if r.Signatories[i].SignedAt != nil {
			return true
		}
	}
	return false
}

// PendingOrdered returns the still-pending signatories sorted by ascending
// SigningOrder, stable by insertion for equal values.
func (r *SignatureRequest) PendingOrdered() []Signatory {
	pending := make([]Signatory, 0, len(r.Signatories))
	for _, s := range r.Signatories {
		if s.SignedAt == nil {
			pending = append(pending, s)
		}
	}
	// insertion sort keeps equal orders stable
	for i := 1; i < len(pending); i++ {
		for j := i; j > 0 && pending[j].SigningOrder < pending[j-1].SigningOrder; j-- {
			pending[j], pending[j-1] = pending[j-1], pending[j]
		}
	}
	return pending
}

// AllSigned reports whether every signatory has a signed timestamp.
func (r *SignatureRequest) AllSigned() bool {
	if len(r.Signatories) == 0 {
		return false
	}
	for i := range r.Signatories {
		if r.Signatories[i].SignedAt == nil {
			return false
		}
	}
	return true
}

// ReminderPolicy is an optional nudge schedule owned 1:1 by a request.
// The sweep that acts on it runs outside this core.
type ReminderPolicy struct {
	ID             uint `gorm:"primaryKey"`
	IntervalDays   int
	MaxOccurrences int
	Timezone       string
	RequestID      uint `gorm:"uniqueIndex"`
}

// RequestDocument and RequestSignatory are the two pure join tables.
// Declared explicitly so AutoMigrate creates them with composite keys.
type RequestDocument struct {
	SignatureRequestID uint `gorm:"primaryKey"`
	DocumentID         uint `gorm:"primaryKey"`
}

func (RequestDocument) TableName() string { return "request_documents" }

type RequestSignatory struct {
	SignatureRequestID uint `gorm:"primaryKey"`
	SignatoryID        uint `gorm:"primaryKey"`
}

func (RequestSignatory) TableName() string { return "request_signatories" }
