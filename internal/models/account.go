package models

import "time"

// Account is the registered-user view the core needs: the MAC key of an owner
// is derived from (ID, Email).
type Account struct {
	ID        string    `gorm:"primaryKey;type:varchar(64)" json:"id"`
	Email     string    `gorm:"not null" json:"email"`
	Role      string    `gorm:"type:varchar(16);default:'user'" json:"role"`
	CreatedAt time.Time `json:"createdAt"`
}

func (Account) TableName() string { return "accounts" }
