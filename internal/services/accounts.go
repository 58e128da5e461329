package services

import (
	"gorm.io/gorm"

	"github.com/diewo77/esign/internal/models"
)

// AccountDirectory resolves an email to an internal account, so a
// signatory can be linked opportunistically when one exists. Account
// management itself lives outside this core.
type AccountDirectory interface {
	LookupByEmail(email string) (uint, bool)
}

type gormDirectory struct{ db *gorm.DB }

func NewAccountDirectory(db *gorm.DB) AccountDirectory {
	return &gormDirectory{db: db}
}

func (d *gormDirectory) LookupByEmail(email string) (uint, bool) {
	var u models.User
	if err := d.db.Where("email = ?", email).First(&u).Error; err != nil {
		return 0, false
	}
	return u.ID, true
}
