package models

import "time"

// Credit transaction kinds.
const (
	CreditTransactionTopup = "topup"
	CreditTransactionDebit = "debit"
)

// CreditAccount holds the spendable prepaid balance for a user. Balances are
// carried as integer cents and must never go negative.
type CreditAccount struct {
	UserID       string    `gorm:"primaryKey;type:uuid" json:"user_id"`
	BalanceCents int64     `gorm:"not null;default:0" json:"balance_cents"`
	CreatedAt    time.Time `json:"created_at"`
	UpdatedAt    time.Time `json:"updated_at"`
}

// CreditTransaction is the audit trail for every balance mutation. Amounts are
// signed: top-ups positive, debits negative.
type CreditTransaction struct {
	BaseModel

	UserID      string  `gorm:"type:uuid;not null;index" json:"user_id"`
	SessionID   *string `gorm:"type:uuid;index" json:"session_id,omitempty"`
	AmountCents int64   `gorm:"not null" json:"amount_cents"`
	Kind        string  `gorm:"type:varchar(16);not null;index" json:"kind"`
	Memo        string  `gorm:"type:varchar(255)" json:"memo,omitempty"`
}
