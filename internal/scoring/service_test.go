package scoring

import (
	"context"
	"fmt"
	"testing"
	"time"

	sqlite "github.com/glebarez/sqlite"
	"gorm.io/gorm"
)

func openScoringTestDB(t *testing.T) *gorm.DB {
	t.Helper()
	dsn := fmt.Sprintf("file:scoring_%s?mode=memory&cache=shared", t.Name())
	db, err := gorm.Open(sqlite.Open(dsn), &gorm.Config{})
	if err != nil {
		t.Fatalf("failed to open sqlite: %v", err)
	}
	if err := db.AutoMigrate(&DomainScore{}); err != nil {
		t.Fatalf("failed to migrate schema: %v", err)
	}
	return db
}

func TestAssessDomainCachesResult(t *testing.T) {
	db := openScoringTestDB(t)
	now := time.Unix(1_760_000_000, 0)
	service, err := NewService(ServiceConfig{
		Database: db,
		Clock:    func() time.Time { return now },
	})
	if err != nil {
		t.Fatalf("failed to create service: %v", err)
	}

	ctx := context.Background()
	meta := Metadata{DomainRating: 55}
	first, err := service.AssessDomain(ctx, "Example.ORG", meta, ModuleExchange)
	if err != nil {
		t.Fatalf("first assessment failed: %v", err)
	}

	var count int64
	if err := db.Model(&DomainScore{}).Count(&count).Error; err != nil {
		t.Fatalf("count failed: %v", err)
	}
	if count != 1 {
		t.Fatalf("expected one cached row, got %d", count)
	}

	second, err := service.AssessDomain(ctx, "example.org", meta, ModuleExchange)
	if err != nil {
		t.Fatalf("second assessment failed: %v", err)
	}
	if second.TrustScore != first.TrustScore || second.RiskLevel != first.RiskLevel {
		t.Fatalf("cached assessment mismatch: %+v vs %+v", first, second)
	}
	if len(second.Factors) != len(first.Factors) {
		t.Fatalf("expected factors to survive the cache round trip")
	}
}

func TestAssessDomainRefreshesStaleCache(t *testing.T) {
	db := openScoringTestDB(t)
	now := time.Unix(1_760_000_000, 0)
	service, err := NewService(ServiceConfig{
		Database: db,
		Clock:    func() time.Time { return now },
	})
	if err != nil {
		t.Fatalf("failed to create service: %v", err)
	}

	ctx := context.Background()
	if _, err := service.AssessDomain(ctx, "example.com", Metadata{DomainRating: 15}, ModuleExchange); err != nil {
		t.Fatalf("initial assessment failed: %v", err)
	}

	// Advance past the cache TTL; a rating upgrade must surface.
	now = now.Add(cacheTTL + time.Hour)
	refreshed, err := service.AssessDomain(ctx, "example.com", Metadata{DomainRating: 75}, ModuleExchange)
	if err != nil {
		t.Fatalf("refresh failed: %v", err)
	}
	if refreshed.TrustScore != 65 {
		t.Fatalf("expected refreshed trust 65, got %d", refreshed.TrustScore)
	}

	var stored DomainScore
	if err := db.Where("domain = ?", "example.com").Take(&stored).Error; err != nil {
		t.Fatalf("cache row lookup failed: %v", err)
	}
	if stored.DomainRating != 75 {
		t.Fatalf("expected upserted domain rating 75, got %d", stored.DomainRating)
	}
	var count int64
	if err := db.Model(&DomainScore{}).Count(&count).Error; err != nil {
		t.Fatalf("count failed: %v", err)
	}
	if count != 1 {
		t.Fatalf("refresh must upsert in place, got %d rows", count)
	}
}

func TestNewServiceRequiresDatabase(t *testing.T) {
	if _, err := NewService(ServiceConfig{}); err == nil {
		t.Fatalf("expected missing database error")
	}
}
