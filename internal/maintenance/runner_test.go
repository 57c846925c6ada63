package maintenance

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	sqlite "github.com/glebarez/sqlite"
	"github.com/shopspring/decimal"
	"gorm.io/gorm"

	"github.com/ranklite/linkexchange/backend/internal/graph"
	"github.com/ranklite/linkexchange/backend/internal/inventory"
	"github.com/ranklite/linkexchange/backend/internal/ledger"
	"github.com/ranklite/linkexchange/backend/internal/scoring"
)

type sequenceIDs struct {
	prefix string
	next   int
}

func (p *sequenceIDs) NewID() (string, error) {
	p.next++
	return fmt.Sprintf("%s-%04d", p.prefix, p.next), nil
}

type checkOutcome struct {
	live bool
	err  error
}

// fakeChecker maps link ids to scripted outcomes.
type fakeChecker struct {
	outcomes map[string]checkOutcome
}

func (c *fakeChecker) CheckLive(_ context.Context, edge graph.LinkEdge) (bool, bool, error) {
	outcome, known := c.outcomes[edge.LinkID]
	if !known {
		return false, false, fmt.Errorf("unscripted edge %s", edge.LinkID)
	}
	return outcome.live, false, outcome.err
}

type testHarness struct {
	db        *gorm.DB
	now       *time.Time
	runner    *Runner
	checker   *fakeChecker
	ledger    *ledger.Service
	graph     *graph.Analyzer
	inventory *inventory.Service
}

func newTestHarness(t *testing.T, httpClient *http.Client) *testHarness {
	t.Helper()
	dsn := fmt.Sprintf("file:maintenance_%s?mode=memory&cache=shared", t.Name())
	db, err := gorm.Open(sqlite.Open(dsn), &gorm.Config{})
	if err != nil {
		t.Fatalf("failed to open sqlite: %v", err)
	}
	err = db.AutoMigrate(
		&ledger.CreditLedger{}, &ledger.Transaction{},
		&graph.LinkEdge{}, &graph.PairBlacklist{},
		&inventory.InventoryPage{}, &scoring.DomainScore{},
	)
	if err != nil {
		t.Fatalf("failed to migrate schema: %v", err)
	}

	now := time.Date(2026, time.June, 1, 6, 0, 0, 0, time.UTC)
	clock := func() time.Time { return now }

	ledgerService, err := ledger.NewService(ledger.ServiceConfig{
		Database: db, Clock: clock, IDProvider: &sequenceIDs{prefix: "txn"},
	})
	if err != nil {
		t.Fatalf("failed to create ledger service: %v", err)
	}
	analyzer, err := graph.NewAnalyzer(graph.AnalyzerConfig{
		Database: db, Clock: clock, IDProvider: &sequenceIDs{prefix: "link"},
	})
	if err != nil {
		t.Fatalf("failed to create analyzer: %v", err)
	}
	scoringService, err := scoring.NewService(scoring.ServiceConfig{Database: db, Clock: clock})
	if err != nil {
		t.Fatalf("failed to create scoring service: %v", err)
	}
	inventoryService, err := inventory.NewService(inventory.ServiceConfig{
		Database: db, Clock: clock, IDProvider: &sequenceIDs{prefix: "inv"},
		Scoring: scoringService, HTTPClient: httpClient,
	})
	if err != nil {
		t.Fatalf("failed to create inventory service: %v", err)
	}
	checker := &fakeChecker{outcomes: map[string]checkOutcome{}}
	runner, err := NewRunner(RunnerConfig{
		Ledger: ledgerService, Graph: analyzer, Inventory: inventoryService,
		Checker: checker, Clock: clock,
	})
	if err != nil {
		t.Fatalf("failed to create runner: %v", err)
	}
	return &testHarness{
		db:        db,
		now:       &now,
		runner:    runner,
		checker:   checker,
		ledger:    ledgerService,
		graph:     analyzer,
		inventory: inventoryService,
	}
}

func (h *testHarness) seedPendingEdge(t *testing.T, linkID, owner string, credits string, age time.Duration) graph.LinkEdge {
	t.Helper()
	created := h.now.Add(-age)
	edge := graph.LinkEdge{
		LinkID:         linkID,
		SourceUserID:   owner,
		TargetUserID:   "requester-1",
		TargetURL:      "https://requester.example.com/landing",
		AnchorText:     "example",
		AnchorType:     "branded",
		CreditsAwarded: decimal.RequireFromString(credits),
		CreditsStatus:  graph.CreditsStatusPending,
		IsLive:         true,
		CreatedAt:      created,
		UpdatedAt:      created,
	}
	if err := h.db.Create(&edge).Error; err != nil {
		t.Fatalf("failed to seed edge %s: %v", linkID, err)
	}
	_, _, err := h.ledger.AwardPendingCredits(context.Background(), owner,
		edge.CreditsAwarded, "held credits for "+linkID,
		ledger.References{LinkID: linkID})
	if err != nil {
		t.Fatalf("failed to seed pending credits: %v", err)
	}
	return edge
}

func TestProcessLinkVerificationSettlesBatchWithFaultIsolation(t *testing.T) {
	h := newTestHarness(t, nil)
	ctx := context.Background()

	h.seedPendingEdge(t, "link-live", "owner-live", "25", 8*24*time.Hour)
	h.seedPendingEdge(t, "link-dead", "owner-dead", "40", 9*24*time.Hour)
	h.seedPendingEdge(t, "link-broken", "owner-broken", "30", 10*24*time.Hour)

	h.checker.outcomes["link-live"] = checkOutcome{live: true}
	h.checker.outcomes["link-dead"] = checkOutcome{live: false}
	h.checker.outcomes["link-broken"] = checkOutcome{err: errors.New("timeout contacting host")}

	report, err := h.runner.ProcessLinkVerification(ctx)
	if err != nil {
		t.Fatalf("sweep failed: %v", err)
	}
	if report.Processed != 3 || report.Awarded != 1 || report.ClawedBack != 1 {
		t.Fatalf("unexpected report: %+v", report)
	}
	if len(report.Errors) != 1 || !strings.Contains(report.Errors[0], "link-broken") {
		t.Fatalf("expected one error for link-broken, got %v", report.Errors)
	}

	liveLedger, err := h.ledger.GetBalance(ctx, "owner-live")
	if err != nil {
		t.Fatalf("balance lookup failed: %v", err)
	}
	if !liveLedger.Balance.Equal(decimal.RequireFromString("25")) {
		t.Fatalf("expected promoted balance 25, got %s", liveLedger.Balance)
	}
	if !liveLedger.PendingCredits.Equal(decimal.Zero) {
		t.Fatalf("expected drained pending, got %s", liveLedger.PendingCredits)
	}

	deadLedger, err := h.ledger.GetBalance(ctx, "owner-dead")
	if err != nil {
		t.Fatalf("balance lookup failed: %v", err)
	}
	if !deadLedger.Balance.Equal(decimal.Zero) || !deadLedger.PendingCredits.Equal(decimal.Zero) {
		t.Fatalf("expected clawed-back ledger, got balance %s pending %s", deadLedger.Balance, deadLedger.PendingCredits)
	}

	var statuses []graph.LinkEdge
	if err := h.db.Order("link_id ASC").Find(&statuses).Error; err != nil {
		t.Fatalf("edge reload failed: %v", err)
	}
	want := map[string]graph.CreditsStatus{
		"link-live":   graph.CreditsStatusAwarded,
		"link-dead":   graph.CreditsStatusClawedback,
		"link-broken": graph.CreditsStatusPending,
	}
	for _, edge := range statuses {
		if edge.CreditsStatus != want[edge.LinkID] {
			t.Fatalf("edge %s: expected status %s, got %s", edge.LinkID, want[edge.LinkID], edge.CreditsStatus)
		}
	}
}

func TestProcessLinkVerificationSkipsYoungEdges(t *testing.T) {
	h := newTestHarness(t, nil)
	ctx := context.Background()

	h.seedPendingEdge(t, "link-young", "owner-a", "25", 3*24*time.Hour)

	report, err := h.runner.ProcessLinkVerification(ctx)
	if err != nil {
		t.Fatalf("sweep failed: %v", err)
	}
	if report.Processed != 0 {
		t.Fatalf("expected no edges processed, got %d", report.Processed)
	}

	record, err := h.ledger.GetBalance(ctx, "owner-a")
	if err != nil {
		t.Fatalf("balance lookup failed: %v", err)
	}
	if !record.PendingCredits.Equal(decimal.RequireFromString("25")) {
		t.Fatalf("pending should be untouched, got %s", record.PendingCredits)
	}
}

func TestApplyNetworkDecayTouchesOnlyIdleBalances(t *testing.T) {
	h := newTestHarness(t, nil)
	ctx := context.Background()

	// Fund both users, then advance the clock so only the first one
	// goes idle past the grace period.
	_, _, err := h.ledger.AwardCredits(ctx, "idle-user", decimal.RequireFromString("100"), "funding", ledger.References{})
	if err != nil {
		t.Fatalf("funding failed: %v", err)
	}
	*h.now = h.now.AddDate(0, 2, 0)
	_, _, err = h.ledger.AwardCredits(ctx, "active-user", decimal.RequireFromString("100"), "funding", ledger.References{})
	if err != nil {
		t.Fatalf("funding failed: %v", err)
	}

	report, err := h.runner.ApplyNetworkDecay(ctx)
	if err != nil {
		t.Fatalf("sweep failed: %v", err)
	}
	if report.Scanned != 2 || report.Decayed != 1 {
		t.Fatalf("unexpected report: %+v", report)
	}

	idle, err := h.ledger.GetBalance(ctx, "idle-user")
	if err != nil {
		t.Fatalf("balance lookup failed: %v", err)
	}
	if !idle.Balance.Equal(decimal.RequireFromString("90")) {
		t.Fatalf("expected idle balance 90 after decay, got %s", idle.Balance)
	}

	active, err := h.ledger.GetBalance(ctx, "active-user")
	if err != nil {
		t.Fatalf("balance lookup failed: %v", err)
	}
	if !active.Balance.Equal(decimal.RequireFromString("100")) {
		t.Fatalf("active balance should be untouched, got %s", active.Balance)
	}
}

func TestReverifyInventoryExpiresDarkPages(t *testing.T) {
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if strings.HasPrefix(r.URL.Path, "/alive") {
			w.WriteHeader(http.StatusOK)
			return
		}
		w.WriteHeader(http.StatusNotFound)
	}))
	defer server.Close()

	h := newTestHarness(t, server.Client())
	ctx := context.Background()

	staleVerified := h.now.Add(-40 * 24 * time.Hour)
	freshVerified := h.now.Add(-time.Hour)
	pages := []inventory.InventoryPage{
		{
			InventoryID: "page-dark", OwnerUserID: "owner-a",
			PageURL: server.URL + "/gone/page", Domain: "example.com",
			MaxOutboundLinks: 5, QualityScore: 60, CreditsPerLink: decimal.NewFromInt(10),
			VerificationStatus: inventory.VerificationStatusVerified, IsActive: true,
			LastVerifiedAt: &staleVerified,
			CreatedAt:      staleVerified, UpdatedAt: staleVerified,
		},
		{
			InventoryID: "page-alive", OwnerUserID: "owner-b",
			PageURL: server.URL + "/alive/page", Domain: "example.org",
			MaxOutboundLinks: 5, QualityScore: 60, CreditsPerLink: decimal.NewFromInt(10),
			VerificationStatus: inventory.VerificationStatusVerified, IsActive: true,
			LastVerifiedAt: &staleVerified,
			CreatedAt:      staleVerified, UpdatedAt: staleVerified,
		},
		{
			InventoryID: "page-fresh", OwnerUserID: "owner-c",
			PageURL: server.URL + "/gone/other", Domain: "example.net",
			MaxOutboundLinks: 5, QualityScore: 60, CreditsPerLink: decimal.NewFromInt(10),
			VerificationStatus: inventory.VerificationStatusVerified, IsActive: true,
			LastVerifiedAt: &freshVerified,
			CreatedAt:      freshVerified, UpdatedAt: freshVerified,
		},
	}
	for i := range pages {
		if err := h.db.Create(&pages[i]).Error; err != nil {
			t.Fatalf("failed to seed page: %v", err)
		}
	}

	report, err := h.runner.ReverifyInventory(ctx)
	if err != nil {
		t.Fatalf("sweep failed: %v", err)
	}
	if report.Scanned != 2 || report.Expired != 1 {
		t.Fatalf("unexpected report: %+v", report)
	}

	var dark inventory.InventoryPage
	if err := h.db.Where("inventory_id = ?", "page-dark").Take(&dark).Error; err != nil {
		t.Fatalf("page reload failed: %v", err)
	}
	if dark.VerificationStatus != inventory.VerificationStatusExpired {
		t.Fatalf("expected expired status, got %s", dark.VerificationStatus)
	}

	var fresh inventory.InventoryPage
	if err := h.db.Where("inventory_id = ?", "page-fresh").Take(&fresh).Error; err != nil {
		t.Fatalf("page reload failed: %v", err)
	}
	if fresh.VerificationStatus != inventory.VerificationStatusVerified {
		t.Fatalf("fresh page should be untouched, got %s", fresh.VerificationStatus)
	}
}

func TestExpireBlacklistsRemovesOnlyLapsedPairs(t *testing.T) {
	h := newTestHarness(t, nil)
	ctx := context.Background()

	entries := []graph.PairBlacklist{
		{UserLow: "user-a", UserHigh: "user-b", Reason: "lapsed",
			CreatedAt: h.now.Add(-100 * 24 * time.Hour), ExpiresAt: h.now.Add(-10 * 24 * time.Hour)},
		{UserLow: "user-c", UserHigh: "user-d", Reason: "active",
			CreatedAt: h.now.Add(-time.Hour), ExpiresAt: h.now.Add(89 * 24 * time.Hour)},
	}
	for i := range entries {
		if err := h.db.Create(&entries[i]).Error; err != nil {
			t.Fatalf("failed to seed blacklist entry: %v", err)
		}
	}

	removed, err := h.runner.ExpireBlacklists(ctx)
	if err != nil {
		t.Fatalf("sweep failed: %v", err)
	}
	if removed != 1 {
		t.Fatalf("expected 1 removed entry, got %d", removed)
	}

	stillBlocked, err := h.graph.IsBlacklisted(ctx, "user-c", "user-d")
	if err != nil {
		t.Fatalf("blacklist lookup failed: %v", err)
	}
	if !stillBlocked {
		t.Fatal("active pair should remain blacklisted")
	}
}

func TestHTTPLinkCheckerScansHostingPage(t *testing.T) {
	targetURL := "https://requester.example.com/landing"
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		switch r.URL.Path {
		case "/with-link":
			fmt.Fprintf(w, `<html><body><a href=%q>anchor</a></body></html>`, targetURL)
		case "/without-link":
			fmt.Fprint(w, `<html><body>nothing here</body></html>`)
		default:
			w.WriteHeader(http.StatusNotFound)
		}
	}))
	defer server.Close()

	h := newTestHarness(t, server.Client())

	seedPage := func(id, path string) {
		page := inventory.InventoryPage{
			InventoryID: id, OwnerUserID: "owner-a",
			PageURL: server.URL + path, Domain: "example.com",
			MaxOutboundLinks: 5, QualityScore: 60, CreditsPerLink: decimal.NewFromInt(10),
			VerificationStatus: inventory.VerificationStatusVerified, IsActive: true,
			CreatedAt: *h.now, UpdatedAt: *h.now,
		}
		if err := h.db.Create(&page).Error; err != nil {
			t.Fatalf("failed to seed page: %v", err)
		}
	}
	seedPage("inv-with", "/with-link")
	seedPage("inv-without", "/without-link")
	seedPage("inv-gone", "/missing")

	checker := NewHTTPLinkChecker(h.inventory, server.Client())
	cases := []struct {
		inventoryID string
		wantLive    bool
	}{
		{"inv-with", true},
		{"inv-without", false},
		{"inv-gone", false},
	}
	for _, testCase := range cases {
		edge := graph.LinkEdge{LinkID: "link-" + testCase.inventoryID, SourceInventoryID: testCase.inventoryID, TargetURL: targetURL}
		live, _, err := checker.CheckLive(context.Background(), edge)
		if err != nil {
			t.Fatalf("%s: check failed: %v", testCase.inventoryID, err)
		}
		if live != testCase.wantLive {
			t.Fatalf("%s: expected live=%v, got %v", testCase.inventoryID, testCase.wantLive, live)
		}
	}
}
