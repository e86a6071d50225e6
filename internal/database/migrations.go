package database

import (
	"gorm.io/gorm"

	"github.com/portariahub/visitgate/internal/models"
)

// AutoMigrate creates or updates the database schema for all models.
func AutoMigrate(db *gorm.DB) error {
	return db.AutoMigrate(
		&models.VisitorGrant{},
		&models.ProvisioningJob{},
		&models.InviteLink{},
		&models.Notification{},
	)
}
