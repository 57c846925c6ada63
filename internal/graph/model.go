package graph

import (
	"time"

	"github.com/shopspring/decimal"
)

// CreditsStatus tracks a link edge's position in the credit lifecycle.
type CreditsStatus string

const (
	// CreditsStatusPending means the earner's credits are still held.
	CreditsStatusPending CreditsStatus = "pending"
	// CreditsStatusAwarded means the held credits were promoted.
	CreditsStatusAwarded CreditsStatus = "awarded"
	// CreditsStatusClawedback means the link died inside the window.
	CreditsStatusClawedback CreditsStatus = "clawedback"
)

// LinkEdge is one directed user-to-user link in the exchange graph.
// Edges are created only by a successful exchange execution and mutated
// only by the maintenance job.
type LinkEdge struct {
	LinkID                string          `gorm:"column:link_id;primaryKey;size:190;not null"`
	SourceUserID          string          `gorm:"column:source_user_id;size:190;not null;index:idx_link_edges_source"`
	TargetUserID          string          `gorm:"column:target_user_id;size:190;not null;index:idx_link_edges_target"`
	SourceInventoryID     string          `gorm:"column:source_inventory_id;size:190;not null"`
	TargetURL             string          `gorm:"column:target_url;size:2048;not null"`
	AnchorText            string          `gorm:"column:anchor_text;size:512;not null"`
	AnchorType            string          `gorm:"column:anchor_type;size:32;not null"`
	HopDistanceAtCreation int             `gorm:"column:hop_distance_at_creation;not null"`
	CreditsAwarded        decimal.Decimal `gorm:"column:credits_awarded;type:decimal(20,8);not null"`
	CreditsStatus         CreditsStatus   `gorm:"column:credits_status;size:16;not null;index"`
	IsLive                bool            `gorm:"column:is_live;not null"`
	IsIndexed             bool            `gorm:"column:is_indexed;not null;default:false"`
	CreatedAt             time.Time       `gorm:"column:created_at;not null"`
	UpdatedAt             time.Time       `gorm:"column:updated_at;not null"`
}

// TableName provides the explicit table binding for GORM.
func (LinkEdge) TableName() string {
	return "link_edges"
}

// PairBlacklist cools down a user pair after a safety violation. The
// pair key is stored in normalized order so either direction matches.
type PairBlacklist struct {
	UserLow   string    `gorm:"column:user_low;primaryKey;size:190;not null"`
	UserHigh  string    `gorm:"column:user_high;primaryKey;size:190;not null"`
	Reason    string    `gorm:"column:reason;size:512;not null"`
	CreatedAt time.Time `gorm:"column:created_at;not null"`
	ExpiresAt time.Time `gorm:"column:expires_at;not null;index"`
}

// TableName provides the explicit table binding for GORM.
func (PairBlacklist) TableName() string {
	return "pair_blacklists"
}

// RouteValidation is the verdict for one candidate route.
type RouteValidation struct {
	IsValid       bool
	HopDistance   int
	BlockedReason string
}

// ClusterRisk is the informational neighbor-overlap diagnostic.
type ClusterRisk struct {
	SharedNeighbors int
	TotalNeighbors  int
	RiskPercent     int
}

// PatternReport aggregates a user's neighborhood footprint for manual
// review dashboards. It never gates individual transactions.
type PatternReport struct {
	UserID                string
	OutgoingEdges         int
	IncomingEdges         int
	ReciprocalLinks       int
	ClusteringCoefficient float64
	FlaggedForReview      bool
}

func normalizePair(a, b string) (low, high string) {
	if a < b {
		return a, b
	}
	return b, a
}
