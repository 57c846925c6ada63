package inventory

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	sqlite "github.com/glebarez/sqlite"
	"github.com/ranklite/linkexchange/backend/internal/scoring"
	"gorm.io/gorm"
)

type sequenceIDs struct {
	next int
}

func (p *sequenceIDs) NewID() (string, error) {
	p.next++
	return fmt.Sprintf("inv-%04d", p.next), nil
}

func openInventoryTestDB(t *testing.T) *gorm.DB {
	t.Helper()
	dsn := fmt.Sprintf("file:inventory_%s?mode=memory&cache=shared", t.Name())
	db, err := gorm.Open(sqlite.Open(dsn), &gorm.Config{})
	if err != nil {
		t.Fatalf("failed to open sqlite: %v", err)
	}
	if err := db.AutoMigrate(&InventoryPage{}, &scoring.DomainScore{}); err != nil {
		t.Fatalf("failed to migrate schema: %v", err)
	}
	return db
}

func newTestService(t *testing.T, db *gorm.DB, clock *time.Time, httpClient *http.Client) *Service {
	t.Helper()
	scoringService, err := scoring.NewService(scoring.ServiceConfig{
		Database: db,
		Clock:    func() time.Time { return *clock },
	})
	if err != nil {
		t.Fatalf("failed to create scoring service: %v", err)
	}
	service, err := NewService(ServiceConfig{
		Database:   db,
		Clock:      func() time.Time { return *clock },
		IDProvider: &sequenceIDs{},
		Scoring:    scoringService,
		HTTPClient: httpClient,
	})
	if err != nil {
		t.Fatalf("failed to create inventory service: %v", err)
	}
	return service
}

func goodSubmission(pageURL, domain string) PageSubmission {
	return PageSubmission{
		PageURL:          pageURL,
		Domain:           domain,
		DomainRating:     55,
		TrustFlow:        30,
		TrafficEstimate:  1200,
		Niche:            "marketing",
		Tier:             2,
		LinkType:         LinkTypeDofollow,
		ContentPlacement: PlacementContextual,
		MaxOutboundLinks: 2,
	}
}

func TestSubmitInventoryAcceptsAndRejectsIndependently(t *testing.T) {
	db := openInventoryTestDB(t)
	now := time.Unix(1_760_000_000, 0)
	service := newTestService(t, db, &now, nil)

	result, err := service.SubmitInventory(context.Background(), "owner-a", "site-1", []PageSubmission{
		goodSubmission("https://good-site.com/blog/seo-guide", "good-site.com"),
		goodSubmission("https://casino-deals.com/blog/post", "casino-deals.com"),
		goodSubmission("", "good-site.com"),
		goodSubmission("https://good-site.com/blog/another", "good-site.com"),
	})
	if err != nil {
		t.Fatalf("submission failed: %v", err)
	}
	if result.Submitted != 2 {
		t.Fatalf("expected 2 submitted, got %d (errors: %v)", result.Submitted, result.Errors)
	}
	if result.Rejected != 2 {
		t.Fatalf("expected 2 rejected, got %d", result.Rejected)
	}
	if len(result.Errors) != 2 {
		t.Fatalf("each rejection needs a reason, got %v", result.Errors)
	}

	for _, page := range result.Pages {
		if page.VerificationStatus != VerificationStatusPending {
			t.Fatalf("accepted pages start pending, got %s", page.VerificationStatus)
		}
		if page.CreditsPerLink.Sign() <= 0 {
			t.Fatalf("accepted pages must be priced, got %s", page.CreditsPerLink)
		}
	}
}

func TestSubmitInventoryResubmissionUpdatesInPlace(t *testing.T) {
	db := openInventoryTestDB(t)
	now := time.Unix(1_760_000_000, 0)
	service := newTestService(t, db, &now, nil)
	ctx := context.Background()

	first, err := service.SubmitInventory(ctx, "owner-a", "site-1", []PageSubmission{
		goodSubmission("https://good-site.com/blog/seo-guide", "good-site.com"),
	})
	if err != nil || first.Submitted != 1 {
		t.Fatalf("first submission failed: %v (%+v)", err, first)
	}

	updated := goodSubmission("https://good-site.com/blog/seo-guide", "good-site.com")
	updated.DomainRating = 72
	second, err := service.SubmitInventory(ctx, "owner-a", "site-1", []PageSubmission{updated})
	if err != nil || second.Submitted != 1 {
		t.Fatalf("resubmission failed: %v (%+v)", err, second)
	}

	var count int64
	if err := db.Model(&InventoryPage{}).Count(&count).Error; err != nil {
		t.Fatalf("count failed: %v", err)
	}
	if count != 1 {
		t.Fatalf("resubmission must update in place, got %d rows", count)
	}
	if second.Pages[0].InventoryID != first.Pages[0].InventoryID {
		t.Fatalf("inventory id must be stable across resubmission")
	}
	if second.Pages[0].DomainRating != 72 {
		t.Fatalf("resubmission must refresh metadata, got DR %d", second.Pages[0].DomainRating)
	}
}

func TestVerifyIndexationReachableAndUnreachable(t *testing.T) {
	db := openInventoryTestDB(t)
	now := time.Unix(1_760_000_000, 0)

	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.URL.Path == "/missing" {
			w.WriteHeader(http.StatusNotFound)
			return
		}
		w.WriteHeader(http.StatusOK)
	}))
	defer server.Close()

	service := newTestService(t, db, &now, server.Client())
	ctx := context.Background()

	result, err := service.SubmitInventory(ctx, "owner-a", "site-1", []PageSubmission{
		goodSubmission(server.URL+"/blog/live-page", "good-site.com"),
		goodSubmission(server.URL+"/missing", "good-site.com"),
	})
	if err != nil || result.Submitted != 2 {
		t.Fatalf("submission failed: %v (%+v)", err, result)
	}

	verified, err := service.VerifyIndexation(ctx, result.Pages[0].InventoryID)
	if err != nil {
		t.Fatalf("verification failed: %v", err)
	}
	if verified.VerificationStatus != VerificationStatusVerified {
		t.Fatalf("expected verified, got %s", verified.VerificationStatus)
	}
	if verified.LastVerifiedAt == nil {
		t.Fatalf("verification must stamp last_verified_at")
	}
	if !verified.CreditsPerLink.GreaterThan(result.Pages[0].CreditsPerLink) {
		t.Fatalf("indexed page must be repriced upward: %s -> %s",
			result.Pages[0].CreditsPerLink, verified.CreditsPerLink)
	}

	rejected, err := service.VerifyIndexation(ctx, result.Pages[1].InventoryID)
	if err != nil {
		t.Fatalf("verification of unreachable page must not error: %v", err)
	}
	if rejected.VerificationStatus != VerificationStatusRejected {
		t.Fatalf("expected rejected, got %s", rejected.VerificationStatus)
	}
}

func TestGetAvailableInventoryFilters(t *testing.T) {
	db := openInventoryTestDB(t)
	now := time.Unix(1_760_000_000, 0)
	service := newTestService(t, db, &now, nil)
	ctx := context.Background()

	seed := func(owner, url string, current, max int, status VerificationStatus) InventoryPage {
		page := InventoryPage{
			InventoryID:          fmt.Sprintf("seed-%s-%s", owner, url),
			OwnerUserID:          owner,
			PageURL:              url,
			Domain:               "good-site.com",
			DomainRating:         50,
			Tier:                 2,
			LinkType:             LinkTypeDofollow,
			ContentPlacement:     PlacementContextual,
			MaxOutboundLinks:     max,
			CurrentOutboundLinks: current,
			QualityScore:         60,
			RiskScore:            40,
			VerificationStatus:   status,
			IsActive:             true,
			CreatedAt:            now,
			UpdatedAt:            now,
		}
		if err := db.Create(&page).Error; err != nil {
			t.Fatalf("seed failed: %v", err)
		}
		return page
	}

	seed("owner-a", "https://good-site.com/a", 0, 2, VerificationStatusVerified)
	seed("owner-a", "https://good-site.com/full", 2, 2, VerificationStatusVerified)
	seed("owner-a", "https://good-site.com/pending", 0, 2, VerificationStatusPending)
	seed("requester", "https://good-site.com/own", 0, 2, VerificationStatusVerified)

	pages, err := service.GetAvailableInventory(ctx, "requester", Filters{})
	if err != nil {
		t.Fatalf("availability query failed: %v", err)
	}
	if len(pages) != 1 {
		t.Fatalf("expected exactly one routable page, got %d", len(pages))
	}
	if pages[0].PageURL != "https://good-site.com/a" {
		t.Fatalf("unexpected page: %s", pages[0].PageURL)
	}
}

func TestReserveSlotEnforcesCapacity(t *testing.T) {
	db := openInventoryTestDB(t)
	now := time.Unix(1_760_000_000, 0)
	service := newTestService(t, db, &now, nil)
	ctx := context.Background()

	page := InventoryPage{
		InventoryID:        "inv-cap",
		OwnerUserID:        "owner-a",
		PageURL:            "https://good-site.com/capacity",
		Domain:             "good-site.com",
		Tier:               2,
		LinkType:           LinkTypeDofollow,
		ContentPlacement:   PlacementContextual,
		MaxOutboundLinks:   1,
		VerificationStatus: VerificationStatusVerified,
		IsActive:           true,
		CreatedAt:          now,
		UpdatedAt:          now,
	}
	if err := db.Create(&page).Error; err != nil {
		t.Fatalf("seed failed: %v", err)
	}

	if err := service.ReserveSlot(ctx, "inv-cap"); err != nil {
		t.Fatalf("first reservation failed: %v", err)
	}
	if err := service.ReserveSlot(ctx, "inv-cap"); !errors.Is(err, ErrNoCapacity) {
		t.Fatalf("expected capacity error, got %v", err)
	}

	if err := service.ReleaseSlot(ctx, "inv-cap"); err != nil {
		t.Fatalf("release failed: %v", err)
	}
	if err := service.ReserveSlot(ctx, "inv-cap"); err != nil {
		t.Fatalf("reservation after release failed: %v", err)
	}
}

func TestDeactivateRequiresOwner(t *testing.T) {
	db := openInventoryTestDB(t)
	now := time.Unix(1_760_000_000, 0)
	service := newTestService(t, db, &now, nil)
	ctx := context.Background()

	result, err := service.SubmitInventory(ctx, "owner-a", "site-1", []PageSubmission{
		goodSubmission("https://good-site.com/blog/seo-guide", "good-site.com"),
	})
	if err != nil || result.Submitted != 1 {
		t.Fatalf("submission failed: %v", err)
	}
	inventoryID := result.Pages[0].InventoryID

	if err := service.Deactivate(ctx, "someone-else", inventoryID); !errors.Is(err, ErrPageNotFound) {
		t.Fatalf("expected not-found for wrong owner, got %v", err)
	}
	if err := service.Deactivate(ctx, "owner-a", inventoryID); err != nil {
		t.Fatalf("deactivate failed: %v", err)
	}

	page, err := service.Get(ctx, inventoryID)
	if err != nil {
		t.Fatalf("get failed: %v", err)
	}
	if page.IsActive {
		t.Fatalf("expected soft delete to clear is_active")
	}
}
