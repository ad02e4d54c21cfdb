package ledger

import (
	"context"
	"errors"
	"fmt"
	"strings"

	"gorm.io/gorm"
	"gorm.io/gorm/clause"

	"github.com/soulline/advisory/internal/models"
)

// ErrInsufficientFunds indicates a debit would drive the balance negative.
// The balance is left untouched when this is returned.
var ErrInsufficientFunds = errors.New("ledger: insufficient funds")

// Ledger exposes the prepaid credit operations the billing controller needs.
// Implementations must reject, not clamp, debits that exceed the balance.
type Ledger interface {
	Balance(ctx context.Context, userID string) (int64, error)
	Credit(ctx context.Context, userID string, amountCents int64, memo string) error
	Debit(ctx context.Context, userID string, amountCents int64, sessionID, memo string) error
}

// Service is the database-backed ledger. Every mutation writes a
// CreditTransaction audit row in the same transaction as the balance change.
type Service struct {
	db *gorm.DB
}

// NewService constructs the ledger service.
func NewService(db *gorm.DB) (*Service, error) {
	if db == nil {
		return nil, errors.New("ledger: db is required")
	}
	return &Service{db: db}, nil
}

// Balance returns the current balance in cents. A user without an account has
// a zero balance; accounts are created by the first top-up.
func (s *Service) Balance(ctx context.Context, userID string) (int64, error) {
	userID = strings.TrimSpace(userID)
	if userID == "" {
		return 0, errors.New("ledger: user id is required")
	}

	var account models.CreditAccount
	err := s.db.WithContext(ctx).First(&account, "user_id = ?", userID).Error
	if errors.Is(err, gorm.ErrRecordNotFound) {
		return 0, nil
	}
	if err != nil {
		return 0, fmt.Errorf("ledger: load account: %w", err)
	}
	return account.BalanceCents, nil
}

// Credit increases the balance unconditionally and records the top-up.
func (s *Service) Credit(ctx context.Context, userID string, amountCents int64, memo string) error {
	userID = strings.TrimSpace(userID)
	if userID == "" {
		return errors.New("ledger: user id is required")
	}
	if amountCents <= 0 {
		return errors.New("ledger: credit amount must be positive")
	}

	return s.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		account := models.CreditAccount{UserID: userID, BalanceCents: amountCents}
		if err := tx.Clauses(clause.OnConflict{
			Columns: []clause.Column{{Name: "user_id"}},
			DoUpdates: clause.Assignments(map[string]any{
				"balance_cents": gorm.Expr("balance_cents + ?", amountCents),
			}),
		}).Create(&account).Error; err != nil {
			return fmt.Errorf("ledger: apply credit: %w", err)
		}

		entry := models.CreditTransaction{
			UserID:      userID,
			AmountCents: amountCents,
			Kind:        models.CreditTransactionTopup,
			Memo:        memo,
		}
		if err := tx.Create(&entry).Error; err != nil {
			return fmt.Errorf("ledger: record credit: %w", err)
		}
		return nil
	})
}

// Debit atomically checks the balance and subtracts the amount. The check and
// the subtraction happen under a row lock so a concurrent debit cannot drive
// the balance negative.
func (s *Service) Debit(ctx context.Context, userID string, amountCents int64, sessionID, memo string) error {
	userID = strings.TrimSpace(userID)
	if userID == "" {
		return errors.New("ledger: user id is required")
	}
	if amountCents <= 0 {
		return errors.New("ledger: debit amount must be positive")
	}

	return s.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		var account models.CreditAccount
		err := tx.
			Clauses(clause.Locking{Strength: "UPDATE"}).
			First(&account, "user_id = ?", userID).Error
		if errors.Is(err, gorm.ErrRecordNotFound) {
			return ErrInsufficientFunds
		}
		if err != nil {
			return fmt.Errorf("ledger: load account: %w", err)
		}

		if account.BalanceCents < amountCents {
			return ErrInsufficientFunds
		}

		if err := tx.Model(&models.CreditAccount{}).
			Where("user_id = ?", userID).
			Update("balance_cents", gorm.Expr("balance_cents - ?", amountCents)).Error; err != nil {
			return fmt.Errorf("ledger: apply debit: %w", err)
		}

		entry := models.CreditTransaction{
			UserID:      userID,
			AmountCents: -amountCents,
			Kind:        models.CreditTransactionDebit,
			Memo:        memo,
		}
		if trimmed := strings.TrimSpace(sessionID); trimmed != "" {
			entry.SessionID = &trimmed
		}
		if err := tx.Create(&entry).Error; err != nil {
			return fmt.Errorf("ledger: record debit: %w", err)
		}
		return nil
	})
}

// History returns the most recent transactions for a user, newest first.
func (s *Service) History(ctx context.Context, userID string, limit int) ([]models.CreditTransaction, error) {
	userID = strings.TrimSpace(userID)
	if userID == "" {
		return nil, errors.New("ledger: user id is required")
	}
	if limit <= 0 || limit > 200 {
		limit = 50
	}

	var entries []models.CreditTransaction
	if err := s.db.WithContext(ctx).
		Where("user_id = ?", userID).
		Order("created_at DESC").
		Limit(limit).
		Find(&entries).Error; err != nil {
		return nil, fmt.Errorf("ledger: list transactions: %w", err)
	}
	return entries, nil
}
