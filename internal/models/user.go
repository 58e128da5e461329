package models

import "time"

// User is the internal account of a sender. Account management itself
// lives outside this service; the table exists so requests can reference
// their sender and so signatories can be linked to an account by email.
type User struct {
	ID        uint   `gorm:"primaryKey"`
	Email     string `gorm:"uniqueIndex"`
	FirstName string
	LastName  string
	Company   string
	CreatedAt time.Time
	UpdatedAt time.Time
}

func (u User) GetUserID() uint { return u.ID }
