package exchange

import (
	"github.com/shopspring/decimal"

	"github.com/ranklite/linkexchange/backend/internal/anchor"
)

// MatchedRoute is one safe placement candidate for a requester,
// already validated against the link graph and priced.
type MatchedRoute struct {
	InventoryID    string          `json:"inventory_id"`
	OwnerUserID    string          `json:"owner_user_id"`
	PageURL        string          `json:"page_url"`
	Domain         string          `json:"domain"`
	DomainRating   int             `json:"domain_rating"`
	QualityScore   int             `json:"quality_score"`
	Tier           int             `json:"tier"`
	HopDistance    int             `json:"hop_distance"`
	CreditsPerLink decimal.Decimal `json:"credits_per_link"`
	MatchScore     float64         `json:"match_score"`
}

// ExecuteRequest asks for one link placement. AnchorText is optional;
// when omitted the anchor allocator picks one.
type ExecuteRequest struct {
	RequesterID string
	InventoryID string
	TargetURL   string
	AnchorText  string
	AnchorType  anchor.Type
	Keyword     string
	SiteName    string
}

// ExecuteResult reports a completed placement.
type ExecuteResult struct {
	LinkID       string          `json:"link_id"`
	SourceUserID string          `json:"source_user_id"`
	InventoryID  string          `json:"inventory_id"`
	TargetURL    string          `json:"target_url"`
	AnchorText   string          `json:"anchor_text"`
	AnchorType   anchor.Type     `json:"anchor_type"`
	HopDistance  int             `json:"hop_distance"`
	CreditsSpent decimal.Decimal `json:"credits_spent"`
	BalanceAfter decimal.Decimal `json:"balance_after"`
}
