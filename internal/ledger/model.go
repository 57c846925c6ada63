package ledger

import (
	"time"

	"github.com/shopspring/decimal"
)

// TransactionType enumerates the ledger's append-only entry kinds.
type TransactionType string

const (
	// TransactionTypeEarned credits the spendable balance.
	TransactionTypeEarned TransactionType = "earned"
	// TransactionTypeSpent debits the spendable balance.
	TransactionTypeSpent TransactionType = "spent"
	// TransactionTypePending moves value into the held pending pool.
	TransactionTypePending TransactionType = "pending"
	// TransactionTypeClawback reverses held pending value.
	TransactionTypeClawback TransactionType = "clawback"
	// TransactionTypeDecay erodes an inactive balance.
	TransactionTypeDecay TransactionType = "decay"
	// TransactionTypeBonus credits the balance outside normal earning.
	TransactionTypeBonus TransactionType = "bonus"
)

// CreditLedger is the single cached balance projection per user. The
// transaction log remains the source of truth for audit.
type CreditLedger struct {
	UserID         string          `gorm:"column:user_id;primaryKey;size:190;not null"`
	Balance        decimal.Decimal `gorm:"column:balance;type:decimal(20,8);not null"`
	PendingCredits decimal.Decimal `gorm:"column:pending_credits;type:decimal(20,8);not null"`
	LifetimeEarned decimal.Decimal `gorm:"column:lifetime_earned;type:decimal(20,8);not null"`
	LifetimeSpent  decimal.Decimal `gorm:"column:lifetime_spent;type:decimal(20,8);not null"`
	CreatedAt      time.Time       `gorm:"column:created_at;not null"`
	UpdatedAt      time.Time       `gorm:"column:updated_at;not null"`
}

// TableName provides the explicit table binding for GORM.
func (CreditLedger) TableName() string {
	return "credit_ledgers"
}

// Transaction is one immutable ledger log entry. Amount is signed from
// the perspective of the pool it touches; BalanceAfter snapshots the
// spendable balance once the entry is applied.
type Transaction struct {
	TransactionID      string          `gorm:"column:transaction_id;primaryKey;size:190;not null"`
	UserID             string          `gorm:"column:user_id;size:190;not null;index:idx_transactions_user_time,priority:1"`
	Type               TransactionType `gorm:"column:type;size:16;not null"`
	Amount             decimal.Decimal `gorm:"column:amount;type:decimal(20,8);not null"`
	BalanceAfter       decimal.Decimal `gorm:"column:balance_after;type:decimal(20,8);not null"`
	Reason             string          `gorm:"column:reason;size:512;not null"`
	RelatedLinkID      string          `gorm:"column:related_link_id;size:190;not null;default:''"`
	RelatedInventoryID string          `gorm:"column:related_inventory_id;size:190;not null;default:''"`
	CreatedAt          time.Time       `gorm:"column:created_at;not null;index:idx_transactions_user_time,priority:2"`
}

// TableName provides the explicit table binding for GORM.
func (Transaction) TableName() string {
	return "transactions"
}

// References carries the optional foreign links recorded on an entry.
type References struct {
	LinkID      string
	InventoryID string
}
