package services

import (
	"time"

	"go.uber.org/zap"
	"gorm.io/gorm"

	"github.com/diewo77/esign/internal/models"
)

// Recorder appends to the audit trail. It runs synchronously: the write
// must land (or fail loudly) before the triggering response goes out, so
// a success response never outruns its audit entry.
type Recorder struct {
	db  *gorm.DB
	log *zap.Logger
	now func() time.Time
}

func NewRecorder(db *gorm.DB, log *zap.Logger) *Recorder {
	return &Recorder{db: db, log: log, now: time.Now}
}

func (r *Recorder) Record(action models.AuditAction, description, ip string, requestID uint, signatoryID *uint) error {
	entry := models.AuditLog{
		Action:             action,
		Description:        description,
		IPAddress:          ip,
		Timestamp:          r.now(),
		SignatureRequestID: requestID,
		SignatoryID:        signatoryID,
	}
	if err := r.db.Create(&entry).Error; err != nil {
		r.log.Error("audit write failed", zap.String("action", string(action)), zap.Error(err))
		return err
	}
	return nil
}

// WithTx returns a recorder writing through the given transaction so the
// audit entry commits or rolls back with the state change it describes.
func (r *Recorder) WithTx(tx *gorm.DB) *Recorder {
	return &Recorder{db: tx, log: r.log, now: r.now}
}

// List returns the trail for one request, oldest first.
func (r *Recorder) List(requestID uint) ([]models.AuditLog, error) {
	var entries []models.AuditLog
	err := r.db.Where("signature_request_id = ?", requestID).Order("timestamp asc, id asc").Find(&entries).Error
	return entries, err
}
