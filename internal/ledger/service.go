package ledger

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/shopspring/decimal"
	"go.uber.org/zap"
	"gorm.io/gorm"
	"gorm.io/gorm/clause"
)

var (
	// ErrInsufficientFunds is the terminal, non-retryable spend failure.
	ErrInsufficientFunds = errors.New("ledger: insufficient funds")
	// ErrInvalidAmount indicates a non-positive operation amount.
	ErrInvalidAmount = errors.New("ledger: amount must be positive")

	errMissingDatabase   = errors.New("database handle is required")
	errMissingIDProvider = errors.New("id provider is required")
	errMissingUserID     = errors.New("user identifier is required")
	noOpLogger           = zap.NewNop()
)

const (
	opServiceNew     = "ledger.service.new"
	opGetBalance     = "ledger.get_balance"
	opSpend          = "ledger.spend_credits"
	opAward          = "ledger.award_credits"
	opRefund         = "ledger.refund_credits"
	opAwardPending   = "ledger.award_pending_credits"
	opConvertPending = "ledger.convert_pending_to_earned"
	opClawback       = "ledger.clawback_credits"
	opApplyDecay     = "ledger.apply_decay"
	opHistory        = "ledger.history"
	opReplay         = "ledger.replay_balance"
)

const (
	monthlyDecayRate = 0.05
	maxDecayRate     = 0.20
)

func newServiceError(operation, reason string, cause error) error {
	return fmt.Errorf("%s.%s: %w", operation, reason, cause)
}

// IDProvider issues identifiers for transaction rows.
type IDProvider interface {
	NewID() (string, error)
}

// ServiceConfig describes the dependencies of the credit ledger.
type ServiceConfig struct {
	Database   *gorm.DB
	Clock      func() time.Time
	IDProvider IDProvider
	Logger     *zap.Logger
}

// Service owns every balance mutation. Each operation runs as a single
// gorm transaction that locks the user's balance row, mutates it, and
// appends exactly one transaction log entry.
type Service struct {
	db         *gorm.DB
	clock      func() time.Time
	idProvider IDProvider
	logger     *zap.Logger
}

// NewService constructs the ledger service.
func NewService(cfg ServiceConfig) (*Service, error) {
	if cfg.Database == nil {
		return nil, newServiceError(opServiceNew, "missing_database", errMissingDatabase)
	}
	if cfg.IDProvider == nil {
		return nil, newServiceError(opServiceNew, "missing_id_provider", errMissingIDProvider)
	}
	clock := cfg.Clock
	if clock == nil {
		clock = time.Now
	}
	logger := cfg.Logger
	if logger == nil {
		logger = noOpLogger
	}
	return &Service{db: cfg.Database, clock: clock, idProvider: cfg.IDProvider, logger: logger}, nil
}

// GetBalance returns the user's ledger, lazily creating the row on a
// user's first economic activity.
func (s *Service) GetBalance(ctx context.Context, userID string) (CreditLedger, error) {
	if userID == "" {
		return CreditLedger{}, newServiceError(opGetBalance, "missing_user_id", errMissingUserID)
	}
	var result CreditLedger
	err := s.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		record, err := s.lockedLedger(tx, userID)
		if err != nil {
			return err
		}
		result = record
		return nil
	})
	if err != nil {
		return CreditLedger{}, err
	}
	return result, nil
}

// SpendCredits debits the balance, failing without mutation when the
// balance cannot cover the amount.
func (s *Service) SpendCredits(ctx context.Context, userID string, amount decimal.Decimal, reason string, refs References) (CreditLedger, Transaction, error) {
	return s.mutate(ctx, opSpend, userID, func(record *CreditLedger) (entry Transaction, err error) {
		if amount.Sign() <= 0 {
			return Transaction{}, ErrInvalidAmount
		}
		if record.Balance.LessThan(amount) {
			return Transaction{}, ErrInsufficientFunds
		}
		record.Balance = record.Balance.Sub(amount)
		record.LifetimeSpent = record.LifetimeSpent.Add(amount)
		return s.newEntry(userID, TransactionTypeSpent, amount.Neg(), record.Balance, reason, refs)
	})
}

// AwardCredits credits the spendable balance immediately.
func (s *Service) AwardCredits(ctx context.Context, userID string, amount decimal.Decimal, reason string, refs References) (CreditLedger, Transaction, error) {
	return s.mutate(ctx, opAward, userID, func(record *CreditLedger) (Transaction, error) {
		if amount.Sign() <= 0 {
			return Transaction{}, ErrInvalidAmount
		}
		record.Balance = record.Balance.Add(amount)
		record.LifetimeEarned = record.LifetimeEarned.Add(amount)
		return s.newEntry(userID, TransactionTypeEarned, amount, record.Balance, reason, refs)
	})
}

// AwardBonus credits the balance outside the normal earning flow, e.g.
// promotional or goodwill grants.
func (s *Service) AwardBonus(ctx context.Context, userID string, amount decimal.Decimal, reason string, refs References) (CreditLedger, Transaction, error) {
	return s.mutate(ctx, opAward, userID, func(record *CreditLedger) (Transaction, error) {
		if amount.Sign() <= 0 {
			return Transaction{}, ErrInvalidAmount
		}
		record.Balance = record.Balance.Add(amount)
		record.LifetimeEarned = record.LifetimeEarned.Add(amount)
		return s.newEntry(userID, TransactionTypeBonus, amount, record.Balance, reason, refs)
	})
}

// RefundCredits returns a debited amount after a failed exchange and
// unwinds the lifetime-spent counter. Refund entries reference the
// inventory slot, never a link: when a refund happens no link exists.
func (s *Service) RefundCredits(ctx context.Context, userID string, amount decimal.Decimal, reason string, refs References) (CreditLedger, Transaction, error) {
	refs.LinkID = ""
	return s.mutate(ctx, opRefund, userID, func(record *CreditLedger) (Transaction, error) {
		if amount.Sign() <= 0 {
			return Transaction{}, ErrInvalidAmount
		}
		record.Balance = record.Balance.Add(amount)
		record.LifetimeSpent = clampAtZero(record.LifetimeSpent.Sub(amount))
		return s.newEntry(userID, TransactionTypeEarned, amount, record.Balance, reason, refs)
	})
}

// AwardPendingCredits places value in the held pending pool. It becomes
// spendable only when ConvertPendingToEarned promotes it after the
// link survives its pending window.
func (s *Service) AwardPendingCredits(ctx context.Context, userID string, amount decimal.Decimal, reason string, refs References) (CreditLedger, Transaction, error) {
	return s.mutate(ctx, opAwardPending, userID, func(record *CreditLedger) (Transaction, error) {
		if amount.Sign() <= 0 {
			return Transaction{}, ErrInvalidAmount
		}
		record.PendingCredits = record.PendingCredits.Add(amount)
		return s.newEntry(userID, TransactionTypePending, amount, record.Balance, reason, refs)
	})
}

// ConvertPendingToEarned promotes held credits to the spendable balance.
func (s *Service) ConvertPendingToEarned(ctx context.Context, userID string, amount decimal.Decimal, reason string, refs References) (CreditLedger, Transaction, error) {
	return s.mutate(ctx, opConvertPending, userID, func(record *CreditLedger) (Transaction, error) {
		if amount.Sign() <= 0 {
			return Transaction{}, ErrInvalidAmount
		}
		record.PendingCredits = clampAtZero(record.PendingCredits.Sub(amount))
		record.Balance = record.Balance.Add(amount)
		record.LifetimeEarned = record.LifetimeEarned.Add(amount)
		return s.newEntry(userID, TransactionTypeEarned, amount, record.Balance, reason, refs)
	})
}

// ClawbackCredits reverses held pending value when the underlying link
// did not survive. Pending never goes negative.
func (s *Service) ClawbackCredits(ctx context.Context, userID string, amount decimal.Decimal, reason string, refs References) (CreditLedger, Transaction, error) {
	return s.mutate(ctx, opClawback, userID, func(record *CreditLedger) (Transaction, error) {
		if amount.Sign() <= 0 {
			return Transaction{}, ErrInvalidAmount
		}
		record.PendingCredits = clampAtZero(record.PendingCredits.Sub(amount))
		return s.newEntry(userID, TransactionTypeClawback, amount.Neg(), record.Balance, reason, refs)
	})
}

// ApplyDecay erodes the balance of a user with no recent earning
// activity: 5% of the current balance per full inactive month past a
// one-month grace period, capped at 20% in a single pass. Months are
// counted from the last earning or decay entry, so repeat passes
// inside the same month are no-ops. Returns the decay entry, or false
// when no decay applied.
func (s *Service) ApplyDecay(ctx context.Context, userID string) (Transaction, bool, error) {
	if userID == "" {
		return Transaction{}, false, newServiceError(opApplyDecay, "missing_user_id", errMissingUserID)
	}
	var entry Transaction
	applied := false
	err := s.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		record, err := s.lockedLedger(tx, userID)
		if err != nil {
			return err
		}
		if record.Balance.Sign() <= 0 {
			return nil
		}

		anchor, found, err := s.decayAnchorTime(tx, userID)
		if err != nil {
			return newServiceError(opApplyDecay, "anchor_lookup_failed", err)
		}
		if !found {
			anchor = record.CreatedAt
		}
		months := fullMonthsBetween(anchor, s.clock().UTC())
		if months < 1 {
			return nil
		}

		rate := monthlyDecayRate * float64(months)
		if rate > maxDecayRate {
			rate = maxDecayRate
		}
		amount := record.Balance.Mul(decimal.NewFromFloat(rate)).Round(8)
		if amount.Sign() <= 0 {
			return nil
		}

		record.Balance = clampAtZero(record.Balance.Sub(amount))
		record.UpdatedAt = s.clock().UTC()
		if err := tx.Save(&record).Error; err != nil {
			return newServiceError(opApplyDecay, "ledger_save_failed", err)
		}
		entry, err = s.newEntry(userID, TransactionTypeDecay, amount.Neg(), record.Balance,
			fmt.Sprintf("inactivity decay after %d idle months", months), References{})
		if err != nil {
			return err
		}
		if err := tx.Create(&entry).Error; err != nil {
			return newServiceError(opApplyDecay, "transaction_insert_failed", err)
		}
		applied = true
		return nil
	})
	if err != nil {
		return Transaction{}, false, err
	}
	return entry, applied, nil
}

// ActiveUserIDs lists every user whose spendable balance is positive.
// The decay sweep iterates this set; zero-balance ledgers have nothing
// to erode.
func (s *Service) ActiveUserIDs(ctx context.Context) ([]string, error) {
	var userIDs []string
	err := s.db.WithContext(ctx).Model(&CreditLedger{}).
		Where("balance > 0").
		Order("user_id ASC").
		Pluck("user_id", &userIDs).Error
	if err != nil {
		return nil, newServiceError(opApplyDecay, "active_users_query_failed", err)
	}
	return userIDs, nil
}

// History returns the newest transactions for a user.
func (s *Service) History(ctx context.Context, userID string, limit int) ([]Transaction, error) {
	if userID == "" {
		return nil, newServiceError(opHistory, "missing_user_id", errMissingUserID)
	}
	if limit <= 0 {
		limit = 50
	}
	var entries []Transaction
	err := s.db.WithContext(ctx).
		Where("user_id = ?", userID).
		Order("created_at DESC, transaction_id DESC").
		Limit(limit).
		Find(&entries).Error
	if err != nil {
		return nil, newServiceError(opHistory, "query_failed", err)
	}
	return entries, nil
}

// ReplayBalance folds the full transaction log from zero and returns
// the reconstructed spendable and pending balances. Used by audits to
// verify the cached projection.
func (s *Service) ReplayBalance(ctx context.Context, userID string) (balance, pending decimal.Decimal, err error) {
	if userID == "" {
		return decimal.Zero, decimal.Zero, newServiceError(opReplay, "missing_user_id", errMissingUserID)
	}
	var entries []Transaction
	err = s.db.WithContext(ctx).
		Where("user_id = ?", userID).
		Order("created_at ASC, transaction_id ASC").
		Find(&entries).Error
	if err != nil {
		return decimal.Zero, decimal.Zero, newServiceError(opReplay, "query_failed", err)
	}

	balance = decimal.Zero
	pending = decimal.Zero
	for _, entry := range entries {
		switch entry.Type {
		case TransactionTypeSpent, TransactionTypeDecay, TransactionTypeBonus:
			balance = balance.Add(entry.Amount)
		case TransactionTypeEarned:
			balance = balance.Add(entry.Amount)
			// Promotions from the pending pool drain it by the same amount.
			if entry.RelatedLinkID != "" {
				pending = clampAtZero(pending.Sub(entry.Amount))
			}
		case TransactionTypePending, TransactionTypeClawback:
			pending = clampAtZero(pending.Add(entry.Amount))
		}
	}
	return clampAtZero(balance), pending, nil
}

type mutation func(record *CreditLedger) (Transaction, error)

func (s *Service) mutate(ctx context.Context, operation, userID string, fn mutation) (CreditLedger, Transaction, error) {
	if userID == "" {
		return CreditLedger{}, Transaction{}, newServiceError(operation, "missing_user_id", errMissingUserID)
	}
	var (
		record CreditLedger
		entry  Transaction
	)
	err := s.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		locked, err := s.lockedLedger(tx, userID)
		if err != nil {
			return err
		}
		entry, err = fn(&locked)
		if err != nil {
			return err
		}
		locked.UpdatedAt = s.clock().UTC()
		if err := tx.Save(&locked).Error; err != nil {
			return newServiceError(operation, "ledger_save_failed", err)
		}
		if err := tx.Create(&entry).Error; err != nil {
			return newServiceError(operation, "transaction_insert_failed", err)
		}
		record = locked
		return nil
	})
	if err != nil {
		if !errors.Is(err, ErrInsufficientFunds) && !errors.Is(err, ErrInvalidAmount) {
			s.logger.Error("ledger mutation failed",
				zap.String("operation", operation), zap.String("user_id", userID), zap.Error(err))
		}
		return CreditLedger{}, Transaction{}, err
	}
	return record, entry, nil
}

// lockedLedger loads the balance row under a row lock, creating it if
// this is the user's first economic activity.
func (s *Service) lockedLedger(tx *gorm.DB, userID string) (CreditLedger, error) {
	var record CreditLedger
	err := tx.Clauses(clause.Locking{Strength: "UPDATE"}).
		Where("user_id = ?", userID).
		Take(&record).Error
	if errors.Is(err, gorm.ErrRecordNotFound) {
		now := s.clock().UTC()
		record = CreditLedger{
			UserID:         userID,
			Balance:        decimal.Zero,
			PendingCredits: decimal.Zero,
			LifetimeEarned: decimal.Zero,
			LifetimeSpent:  decimal.Zero,
			CreatedAt:      now,
			UpdatedAt:      now,
		}
		if err := tx.Create(&record).Error; err != nil {
			return CreditLedger{}, newServiceError(opGetBalance, "ledger_create_failed", err)
		}
		return record, nil
	}
	if err != nil {
		return CreditLedger{}, newServiceError(opGetBalance, "ledger_select_failed", err)
	}
	return record, nil
}

func (s *Service) newEntry(userID string, entryType TransactionType, amount, balanceAfter decimal.Decimal, reason string, refs References) (Transaction, error) {
	id, err := s.idProvider.NewID()
	if err != nil {
		return Transaction{}, newServiceError(opGetBalance, "id_generation_failed", err)
	}
	return Transaction{
		TransactionID:      id,
		UserID:             userID,
		Type:               entryType,
		Amount:             amount,
		BalanceAfter:       balanceAfter,
		Reason:             reason,
		RelatedLinkID:      refs.LinkID,
		RelatedInventoryID: refs.InventoryID,
		CreatedAt:          s.clock().UTC(),
	}, nil
}

// decayAnchorTime returns the moment the inactivity clock last reset:
// the newest earning, bonus, or decay entry. Anchoring on prior decay
// entries makes the sweep idempotent within a month, however often the
// scheduler fires.
func (s *Service) decayAnchorTime(tx *gorm.DB, userID string) (time.Time, bool, error) {
	var entry Transaction
	err := tx.
		Where("user_id = ? AND type IN ?", userID,
			[]TransactionType{TransactionTypeEarned, TransactionTypeBonus, TransactionTypeDecay}).
		Order("created_at DESC").
		Take(&entry).Error
	if errors.Is(err, gorm.ErrRecordNotFound) {
		return time.Time{}, false, nil
	}
	if err != nil {
		return time.Time{}, false, err
	}
	return entry.CreatedAt, true, nil
}

func fullMonthsBetween(from, to time.Time) int {
	if !to.After(from) {
		return 0
	}
	months := 0
	cursor := from
	for {
		next := cursor.AddDate(0, 1, 0)
		if next.After(to) {
			break
		}
		months++
		cursor = next
	}
	return months
}

func clampAtZero(value decimal.Decimal) decimal.Decimal {
	if value.Sign() < 0 {
		return decimal.Zero
	}
	return value
}
