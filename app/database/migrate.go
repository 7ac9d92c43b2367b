package database

import (
	"reelflow/app/model"

	"gorm.io/gorm"
)

func AutoMigrate(db *gorm.DB) error {
	return db.AutoMigrate(
		&model.Job{},
		&model.Video{},
		&model.Settings{},
	)
}
