package db

import (
	"fmt"
	"strings"
	"time"

	"gorm.io/driver/postgres"
	"gorm.io/driver/sqlite"
	"gorm.io/gorm"

	"github.com/diewo77/esign/internal/models"
)

// ConnectAndMigrate opens the database chosen by the DSN scheme and
// applies the GORM migrations. Postgres gets a short retry loop so the
// server survives the database starting after it.
func ConnectAndMigrate(dsn string) (*gorm.DB, error) {
	var conn *gorm.DB
	var err error

	if strings.HasPrefix(dsn, "postgres://") || strings.Contains(dsn, "host=") {
		for i := 0; i < 5; i++ {
			conn, err = gorm.Open(postgres.Open(dsn), &gorm.Config{})
			if err == nil {
				break
			}
			time.Sleep(2 * time.Second)
		}
	} else {
		conn, err = gorm.Open(sqlite.Open(dsn), &gorm.Config{})
	}
	if err != nil {
		return nil, fmt.Errorf("db connect: %w", err)
	}

	if err := Migrate(conn); err != nil {
		return nil, err
	}
	return conn, nil
}

// Migrate applies AutoMigrate for every entity plus the two join tables.
func Migrate(conn *gorm.DB) error {
	if err := conn.AutoMigrate(
		&models.User{},
		&models.Document{},
		&models.Signatory{},
		&models.SignatureRequest{},
		&models.DocField{},
		&models.Radio{},
		&models.SignatureEvidence{},
		&models.AuditLog{},
		&models.ReminderPolicy{},
		&models.RequestDocument{},
		&models.RequestSignatory{},
	); err != nil {
		return fmt.Errorf("migrations: %w", err)
	}
	return nil
}
