package store

import (
	"time"

	"gorm.io/datatypes"
)

// GORM models used for persistence.
type CharacterModel struct {
	ID                 string         `gorm:"primaryKey"`
	OwnerID            string         `gorm:"not null;index"`
	Name               string         `gorm:"not null"`
	Description        string         `gorm:"type:text;not null"`
	Keywords           datatypes.JSON `gorm:"type:jsonb;not null"`
	Status             string         `gorm:"not null"`
	ReferenceImagePath string         `gorm:"not null"`
	GeneratedAdapterID string
	CreatedAt          time.Time `gorm:"not null;index"`
}

// TableName pins the table name used by clients reading the collection directly.
func (CharacterModel) TableName() string {
	return "user_characters"
}
