package ledger

import (
	"context"
	"errors"
	"fmt"
	"testing"
	"time"

	sqlite "github.com/glebarez/sqlite"
	"github.com/shopspring/decimal"
	"gorm.io/gorm"
)

type sequenceIDs struct {
	next int
}

func (p *sequenceIDs) NewID() (string, error) {
	p.next++
	return fmt.Sprintf("txn-%04d", p.next), nil
}

func openLedgerTestDB(t *testing.T) *gorm.DB {
	t.Helper()
	dsn := fmt.Sprintf("file:ledger_%s?mode=memory&cache=shared", t.Name())
	db, err := gorm.Open(sqlite.Open(dsn), &gorm.Config{})
	if err != nil {
		t.Fatalf("failed to open sqlite: %v", err)
	}
	if err := db.AutoMigrate(&CreditLedger{}, &Transaction{}); err != nil {
		t.Fatalf("failed to migrate schema: %v", err)
	}
	return db
}

func newTestService(t *testing.T, db *gorm.DB, clock *time.Time) *Service {
	t.Helper()
	service, err := NewService(ServiceConfig{
		Database:   db,
		Clock:      func() time.Time { return *clock },
		IDProvider: &sequenceIDs{},
	})
	if err != nil {
		t.Fatalf("failed to create service: %v", err)
	}
	return service
}

func amount(t *testing.T, value string) decimal.Decimal {
	t.Helper()
	parsed, err := decimal.NewFromString(value)
	if err != nil {
		t.Fatalf("bad decimal literal %q: %v", value, err)
	}
	return parsed
}

func TestGetBalanceLazyInitializesLedger(t *testing.T) {
	db := openLedgerTestDB(t)
	now := time.Unix(1_760_000_000, 0)
	service := newTestService(t, db, &now)

	record, err := service.GetBalance(context.Background(), "user-a")
	if err != nil {
		t.Fatalf("get balance failed: %v", err)
	}
	if !record.Balance.IsZero() || !record.PendingCredits.IsZero() {
		t.Fatalf("fresh ledger must start at zero: %+v", record)
	}

	var count int64
	if err := db.Model(&CreditLedger{}).Count(&count).Error; err != nil {
		t.Fatalf("count failed: %v", err)
	}
	if count != 1 {
		t.Fatalf("expected one ledger row, got %d", count)
	}
}

func TestSpendCreditsInsufficientFundsLeavesNoTrace(t *testing.T) {
	db := openLedgerTestDB(t)
	now := time.Unix(1_760_000_000, 0)
	service := newTestService(t, db, &now)
	ctx := context.Background()

	_, _, err := service.SpendCredits(ctx, "user-a", amount(t, "10"), "route purchase", References{})
	if !errors.Is(err, ErrInsufficientFunds) {
		t.Fatalf("expected insufficient funds, got %v", err)
	}

	record, err := service.GetBalance(ctx, "user-a")
	if err != nil {
		t.Fatalf("get balance failed: %v", err)
	}
	if !record.Balance.IsZero() {
		t.Fatalf("balance must be unchanged, got %s", record.Balance)
	}
	var count int64
	if err := db.Model(&Transaction{}).Where("type = ?", TransactionTypeSpent).Count(&count).Error; err != nil {
		t.Fatalf("count failed: %v", err)
	}
	if count != 0 {
		t.Fatalf("failed spend must not append a transaction")
	}
}

func TestSpendAndAwardRoundTrip(t *testing.T) {
	db := openLedgerTestDB(t)
	now := time.Unix(1_760_000_000, 0)
	service := newTestService(t, db, &now)
	ctx := context.Background()

	if _, _, err := service.AwardCredits(ctx, "user-a", amount(t, "25.50"), "seed", References{}); err != nil {
		t.Fatalf("award failed: %v", err)
	}
	now = now.Add(time.Minute)
	record, entry, err := service.SpendCredits(ctx, "user-a", amount(t, "10.25"), "route purchase", References{LinkID: "link-1"})
	if err != nil {
		t.Fatalf("spend failed: %v", err)
	}
	if !record.Balance.Equal(amount(t, "15.25")) {
		t.Fatalf("expected balance 15.25, got %s", record.Balance)
	}
	if !entry.Amount.Equal(amount(t, "-10.25")) {
		t.Fatalf("spend entry must carry a negative amount, got %s", entry.Amount)
	}
	if !entry.BalanceAfter.Equal(record.Balance) {
		t.Fatalf("balance_after mismatch: %s vs %s", entry.BalanceAfter, record.Balance)
	}
	if !record.LifetimeSpent.Equal(amount(t, "10.25")) {
		t.Fatalf("lifetime spent not tracked: %s", record.LifetimeSpent)
	}
}

func TestPendingAwardConvertAndClawbackNeverGoNegative(t *testing.T) {
	db := openLedgerTestDB(t)
	now := time.Unix(1_760_000_000, 0)
	service := newTestService(t, db, &now)
	ctx := context.Background()

	if _, _, err := service.AwardPendingCredits(ctx, "user-b", amount(t, "15"), "link placed", References{LinkID: "link-7"}); err != nil {
		t.Fatalf("pending award failed: %v", err)
	}
	record, err := service.GetBalance(ctx, "user-b")
	if err != nil {
		t.Fatalf("get balance failed: %v", err)
	}
	if !record.PendingCredits.Equal(amount(t, "15")) || !record.Balance.IsZero() {
		t.Fatalf("pending must not touch balance: %+v", record)
	}

	now = now.Add(8 * 24 * time.Hour)
	record, _, err = service.ConvertPendingToEarned(ctx, "user-b", amount(t, "15"), "link survived window", References{LinkID: "link-7"})
	if err != nil {
		t.Fatalf("conversion failed: %v", err)
	}
	if !record.Balance.Equal(amount(t, "15")) || !record.PendingCredits.IsZero() {
		t.Fatalf("conversion must move pending to balance: %+v", record)
	}
	if !record.LifetimeEarned.Equal(amount(t, "15")) {
		t.Fatalf("lifetime earned not tracked: %s", record.LifetimeEarned)
	}

	// Clawing back more than is pending clamps at zero.
	record, _, err = service.ClawbackCredits(ctx, "user-b", amount(t, "99"), "dead link", References{LinkID: "link-7"})
	if err != nil {
		t.Fatalf("clawback failed: %v", err)
	}
	if record.PendingCredits.Sign() < 0 {
		t.Fatalf("pending went negative: %s", record.PendingCredits)
	}
}

func TestApplyDecayAfterInactivity(t *testing.T) {
	db := openLedgerTestDB(t)
	now := time.Unix(1_760_000_000, 0)
	service := newTestService(t, db, &now)
	ctx := context.Background()

	if _, _, err := service.AwardCredits(ctx, "user-c", amount(t, "100"), "seed", References{}); err != nil {
		t.Fatalf("award failed: %v", err)
	}

	// Within the first inactive month nothing decays.
	now = now.Add(20 * 24 * time.Hour)
	if _, applied, err := service.ApplyDecay(ctx, "user-c"); err != nil || applied {
		t.Fatalf("expected no decay inside grace period (applied=%v err=%v)", applied, err)
	}

	// Two full inactive months: 10% erosion.
	now = time.Unix(1_760_000_000, 0).AddDate(0, 2, 1)
	entry, applied, err := service.ApplyDecay(ctx, "user-c")
	if err != nil {
		t.Fatalf("decay failed: %v", err)
	}
	if !applied {
		t.Fatalf("expected decay to apply")
	}
	if !entry.Amount.Equal(amount(t, "-10")) {
		t.Fatalf("expected decay of 10, got %s", entry.Amount)
	}

	// Six inactive months would be 30% but the cap holds it at 20%.
	now = time.Unix(1_760_000_000, 0).AddDate(0, 8, 1)
	entry, applied, err = service.ApplyDecay(ctx, "user-c")
	if err != nil || !applied {
		t.Fatalf("decay failed (applied=%v err=%v)", applied, err)
	}
	if !entry.Amount.Equal(amount(t, "-18")) {
		t.Fatalf("expected capped decay of 18 on balance 90, got %s", entry.Amount)
	}
}

func TestApplyDecayIsIdempotentWithinMonth(t *testing.T) {
	db := openLedgerTestDB(t)
	now := time.Unix(1_760_000_000, 0)
	service := newTestService(t, db, &now)
	ctx := context.Background()

	if _, _, err := service.AwardCredits(ctx, "user-c", amount(t, "100"), "seed", References{}); err != nil {
		t.Fatalf("award failed: %v", err)
	}

	now = time.Unix(1_760_000_000, 0).AddDate(0, 2, 1)
	entry, applied, err := service.ApplyDecay(ctx, "user-c")
	if err != nil || !applied {
		t.Fatalf("decay failed (applied=%v err=%v)", applied, err)
	}
	if !entry.Amount.Equal(amount(t, "-10")) {
		t.Fatalf("expected decay of 10, got %s", entry.Amount)
	}

	// A sweep the next day must not erode again; the decay entry
	// resets the inactivity clock.
	now = now.Add(24 * time.Hour)
	if _, applied, err := service.ApplyDecay(ctx, "user-c"); err != nil || applied {
		t.Fatalf("expected repeat sweep to be a no-op (applied=%v err=%v)", applied, err)
	}
	record, err := service.GetBalance(ctx, "user-c")
	if err != nil {
		t.Fatalf("balance lookup failed: %v", err)
	}
	if !record.Balance.Equal(amount(t, "90")) {
		t.Fatalf("expected balance 90 after one decay, got %s", record.Balance)
	}

	// A month past the decay entry the next 5% applies.
	now = time.Unix(1_760_000_000, 0).AddDate(0, 3, 2)
	entry, applied, err = service.ApplyDecay(ctx, "user-c")
	if err != nil || !applied {
		t.Fatalf("decay failed (applied=%v err=%v)", applied, err)
	}
	if !entry.Amount.Equal(amount(t, "-4.5")) {
		t.Fatalf("expected decay of 4.5 on balance 90, got %s", entry.Amount)
	}
}

func TestReplayBalanceMatchesProjection(t *testing.T) {
	db := openLedgerTestDB(t)
	now := time.Unix(1_760_000_000, 0)
	service := newTestService(t, db, &now)
	ctx := context.Background()

	steps := []func() error{
		func() error {
			_, _, err := service.AwardCredits(ctx, "user-d", amount(t, "40"), "seed", References{})
			return err
		},
		func() error {
			_, _, err := service.SpendCredits(ctx, "user-d", amount(t, "12.75"), "purchase", References{})
			return err
		},
		func() error {
			_, _, err := service.AwardPendingCredits(ctx, "user-d", amount(t, "9.10"), "link placed", References{LinkID: "link-1"})
			return err
		},
		func() error {
			_, _, err := service.ConvertPendingToEarned(ctx, "user-d", amount(t, "9.10"), "window survived", References{LinkID: "link-1"})
			return err
		},
		func() error {
			_, _, err := service.AwardPendingCredits(ctx, "user-d", amount(t, "4"), "link placed", References{LinkID: "link-2"})
			return err
		},
		func() error {
			_, _, err := service.ClawbackCredits(ctx, "user-d", amount(t, "4"), "dead link", References{LinkID: "link-2"})
			return err
		},
		func() error {
			_, _, err := service.AwardBonus(ctx, "user-d", amount(t, "3"), "promo", References{})
			return err
		},
	}
	for index, step := range steps {
		if err := step(); err != nil {
			t.Fatalf("step %d failed: %v", index, err)
		}
		now = now.Add(time.Minute)
	}

	record, err := service.GetBalance(ctx, "user-d")
	if err != nil {
		t.Fatalf("get balance failed: %v", err)
	}
	balance, pending, err := service.ReplayBalance(ctx, "user-d")
	if err != nil {
		t.Fatalf("replay failed: %v", err)
	}
	if !balance.Equal(record.Balance) {
		t.Fatalf("replayed balance %s != stored %s", balance, record.Balance)
	}
	if !pending.Equal(record.PendingCredits) {
		t.Fatalf("replayed pending %s != stored %s", pending, record.PendingCredits)
	}
}

func TestMutationsRejectNonPositiveAmounts(t *testing.T) {
	db := openLedgerTestDB(t)
	now := time.Unix(1_760_000_000, 0)
	service := newTestService(t, db, &now)
	ctx := context.Background()

	_, _, err := service.AwardCredits(ctx, "user-e", decimal.Zero, "zero", References{})
	if !errors.Is(err, ErrInvalidAmount) {
		t.Fatalf("expected invalid amount, got %v", err)
	}
	_, _, err = service.SpendCredits(ctx, "user-e", amount(t, "-5"), "negative", References{})
	if !errors.Is(err, ErrInvalidAmount) {
		t.Fatalf("expected invalid amount, got %v", err)
	}
}
