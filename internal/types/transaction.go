package types

import "time"

// Transaction is one payment attempt against a submission. Several
// transactions may reference the same TestID (payment retries).
type Transaction struct {
	ID      uint   `gorm:"primaryKey" json:"-"`
	OrderID string `gorm:"uniqueIndex;not null;column:order_id" json:"order_id"`

	Gateway   string `gorm:"not null;column:gateway" json:"gateway"`
	PaymentID string `gorm:"column:payment_id" json:"payment_id"`

	TestID           string `gorm:"index;not null;column:test_id" json:"test_id"`
	UserID           string `gorm:"index;not null;column:user_id" json:"user_id"`
	SessionID        string `gorm:"column:session_id" json:"session_id"`
	PaymentSessionID string `gorm:"column:payment_session_id" json:"payment_session_id"`

	Amount   int64  `gorm:"not null;column:amount" json:"amount"`
	Currency string `gorm:"not null;column:currency" json:"currency"`

	Status        PaymentStatus `gorm:"not null;column:status" json:"status"`
	FailureReason string        `gorm:"column:failure_reason" json:"-"`

	SessionStartTime string     `gorm:"column:session_start_time" json:"session_start_time"`
	CompletedAt      *time.Time `gorm:"column:completed_at" json:"completed_at"`

	CreatedAt time.Time `gorm:"not null;default:now()" json:"created_at"`
	UpdatedAt time.Time `gorm:"not null;default:now()" json:"updated_at"`
}

func (Transaction) TableName() string {
	return "transaction_detail"
}
