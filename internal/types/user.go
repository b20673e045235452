package types

import "time"

// User is one respondent. UserID is opaque: either the authenticated id
// supplied by the client or a server-minted uuid for anonymous
// submissions, later rebindable to a real identity.
type User struct {
	ID     uint   `gorm:"primaryKey" json:"-"`
	UserID string `gorm:"uniqueIndex;not null;column:user_id" json:"user_id"`

	Name         string `gorm:"column:name" json:"name"`
	Email        string `gorm:"column:email" json:"email"`
	City         string `gorm:"column:city" json:"city"`
	DateOfBirth  string `gorm:"column:date_of_birth" json:"date_of_birth"`
	Gender       string `gorm:"column:gender" json:"gender"`
	MobileNumber string `gorm:"column:mobile_number" json:"mobile_number"`

	IsAnonymous          bool   `gorm:"not null;default:false;column:is_anonymous" json:"is_anonymous"`
	TotalPaidGenerations int    `gorm:"not null;default:0;column:total_paid_generations" json:"total_paid_generations"`
	LastUsed             string `gorm:"column:last_used" json:"last_used"`

	CreatedAt time.Time `gorm:"not null;default:now()" json:"created_at"`
	UpdatedAt time.Time `gorm:"not null;default:now()" json:"updated_at"`
}

func (User) TableName() string {
	return "user_account"
}
