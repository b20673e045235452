package types

import "time"

// Feedback is the free-tier reaction a respondent can leave on a section
// of their report. It rides along in identity rebinding and the export.
type Feedback struct {
	ID     uint   `gorm:"primaryKey" json:"-"`
	TestID string `gorm:"index;not null;column:test_id" json:"test_id"`
	UserID string `gorm:"index;not null;column:user_id" json:"user_id"`

	SectionID string `gorm:"column:section_id" json:"section_id"`
	Liked     bool   `gorm:"column:liked" json:"liked"`
	Disliked  bool   `gorm:"column:disliked" json:"disliked"`
	Comment   string `gorm:"type:text;column:comment" json:"comment"`

	CreatedAt time.Time `gorm:"not null;default:now()" json:"created_at"`
	UpdatedAt time.Time `gorm:"not null;default:now()" json:"updated_at"`
}

func (Feedback) TableName() string {
	return "free_feedback"
}
