package models

import (
	"strings"
	"time"

	"github.com/go-playground/validator/v10"
	"github.com/google/uuid"
	"gorm.io/gorm"
)

type Customer struct {
	ID        string    `gorm:"type:char(36);primaryKey" json:"id"`
	Email     string    `gorm:"type:varchar(200);uniqueIndex;not null" json:"email" validate:"required,email,max=200"`
	FirstName string    `gorm:"type:varchar(100)" json:"first_name" validate:"required,max=100"`
	LastName  string    `gorm:"type:varchar(100)" json:"last_name" validate:"max=100"`
	Phone     string    `gorm:"type:varchar(40)" json:"phone" validate:"max=40"`
	CreatedAt time.Time `gorm:"autoCreateTime" json:"created_at"`
	UpdatedAt time.Time `gorm:"autoUpdateTime" json:"updated_at"`

	CRMSyncState `gorm:"embedded"`
}

func (c *Customer) BeforeCreate(tx *gorm.DB) error {
	if c.ID == "" {
		c.ID = uuid.New().String()
	}
	c.Email = NormalizeEmail(c.Email)
	return nil
}

func (c *Customer) Validate() error {
	v := validator.New()
	return v.Struct(c)
}

// FullName joins first and last name.
func (c Customer) FullName() string {
	return strings.TrimSpace(c.FirstName + " " + c.LastName)
}

// NormalizeEmail lower-cases and trims an address so it can be used as a lookup key.
func NormalizeEmail(email string) string {
	return strings.ToLower(strings.TrimSpace(email))
}
