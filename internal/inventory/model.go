package inventory

import (
	"time"

	"github.com/shopspring/decimal"
)

// VerificationStatus tracks a page's reachability lifecycle.
type VerificationStatus string

const (
	// VerificationStatusPending awaits the first reachability check.
	VerificationStatusPending VerificationStatus = "pending"
	// VerificationStatusVerified pages are routable.
	VerificationStatusVerified VerificationStatus = "verified"
	// VerificationStatusRejected pages failed validation or the check.
	VerificationStatusRejected VerificationStatus = "rejected"
	// VerificationStatusExpired pages went unreachable after being live.
	VerificationStatusExpired VerificationStatus = "expired"
)

// LinkType is the rel attribute class a page offers.
type LinkType string

const (
	LinkTypeDofollow LinkType = "dofollow"
	LinkTypeNofollow LinkType = "nofollow"
)

// ContentPlacement locates where on the page a link is injected.
type ContentPlacement string

const (
	PlacementContextual ContentPlacement = "contextual"
	PlacementSidebar    ContentPlacement = "sidebar"
	PlacementFooter     ContentPlacement = "footer"
	PlacementAuthorBio  ContentPlacement = "author_bio"
)

// InventoryPage is one page a user offers as a link target. Pages are
// soft-deleted via IsActive, never destroyed.
type InventoryPage struct {
	InventoryID          string             `gorm:"column:inventory_id;primaryKey;size:190;not null"`
	OwnerUserID          string             `gorm:"column:owner_user_id;size:190;not null;uniqueIndex:idx_inventory_owner_url,priority:1"`
	SiteID               string             `gorm:"column:site_id;size:190;not null;default:''"`
	PageURL              string             `gorm:"column:page_url;size:2048;not null;uniqueIndex:idx_inventory_owner_url,priority:2"`
	Domain               string             `gorm:"column:domain;size:253;not null;index"`
	DomainRating         int                `gorm:"column:domain_rating;not null;default:0"`
	TrustFlow            int                `gorm:"column:trust_flow;not null;default:0"`
	TrafficEstimate      int                `gorm:"column:traffic_estimate;not null;default:0"`
	Niche                string             `gorm:"column:niche;size:64;not null;default:''"`
	Tier                 int                `gorm:"column:tier;not null;default:2"`
	LinkType             LinkType           `gorm:"column:link_type;size:16;not null;default:'dofollow'"`
	ContentPlacement     ContentPlacement   `gorm:"column:content_placement;size:16;not null;default:'contextual'"`
	MaxOutboundLinks     int                `gorm:"column:max_outbound_links;not null"`
	CurrentOutboundLinks int                `gorm:"column:current_outbound_links;not null;default:0"`
	QualityScore         int                `gorm:"column:quality_score;not null"`
	RiskScore            int                `gorm:"column:risk_score;not null"`
	CreditsPerLink       decimal.Decimal    `gorm:"column:credits_per_link;type:decimal(20,8);not null"`
	VerificationStatus   VerificationStatus `gorm:"column:verification_status;size:16;not null;index"`
	IsActive             bool               `gorm:"column:is_active;not null;default:true"`
	LastVerifiedAt       *time.Time         `gorm:"column:last_verified_at"`
	CreatedAt            time.Time          `gorm:"column:created_at;not null"`
	UpdatedAt            time.Time          `gorm:"column:updated_at;not null"`
}

// TableName provides the explicit table binding for GORM.
func (InventoryPage) TableName() string {
	return "inventory_pages"
}

// PageSubmission is the inbound payload for one offered page.
type PageSubmission struct {
	PageURL          string
	Domain           string
	DomainRating     int
	TrustFlow        int
	TrafficEstimate  int
	DomainAgeMonths  int
	Niche            string
	Tier             int
	LinkType         LinkType
	ContentPlacement ContentPlacement
	MaxOutboundLinks int
}

// SubmissionResult reports a bulk submission outcome. Rejections carry
// structured reasons; the batch always processes every item.
type SubmissionResult struct {
	Submitted int
	Rejected  int
	Errors    []string
	Pages     []InventoryPage
}

// Filters narrows the available-inventory read path.
type Filters struct {
	MinDomainRating int
	MaxRiskScore    int
	Niche           string
	Tier            int
	Limit           int
}
