package anchor

import "time"

// Type categorizes anchor text for distribution accounting.
type Type string

const (
	TypeBranded Type = "branded"
	TypeNaked   Type = "naked"
	TypeKeyword Type = "keyword"
	TypePartial Type = "partial"
	TypeGeneric Type = "generic"
	TypeLSI     Type = "lsi"
)

// AllTypes lists every anchor type in deterministic order.
var AllTypes = []Type{TypeBranded, TypeNaked, TypeKeyword, TypePartial, TypeGeneric, TypeLSI}

// Valid reports whether the type is one of the known categories.
func (t Type) Valid() bool {
	for _, known := range AllTypes {
		if t == known {
			return true
		}
	}
	return false
}

// UsageLog is the append-only record of every anchor allocation. It is
// both the audit trail and the data source for distribution statistics,
// so allocations write it in the same transaction they read it.
type UsageLog struct {
	LogID      string    `gorm:"column:log_id;primaryKey;size:190;not null"`
	UserID     string    `gorm:"column:user_id;size:190;not null;index:idx_anchor_usage_user_time,priority:1"`
	TargetURL  string    `gorm:"column:target_url;size:2048;not null"`
	AnchorText string    `gorm:"column:anchor_text;size:512;not null"`
	AnchorType Type      `gorm:"column:anchor_type;size:32;not null"`
	Module     string    `gorm:"column:module;size:32;not null"`
	CreatedAt  time.Time `gorm:"column:created_at;not null;index:idx_anchor_usage_user_time,priority:2"`
}

// TableName provides the explicit table binding for GORM.
func (UsageLog) TableName() string {
	return "anchor_usage_logs"
}

// SelectionRequest asks for an anchor for one placement.
type SelectionRequest struct {
	UserID    string
	TargetURL string
	Keyword   string
	SiteName  string
	Tier      int
	Module    string
}

// Selection is the allocated anchor plus the reason it was chosen.
// LogID identifies the usage row so a caller whose larger operation
// fails can discard it.
type Selection struct {
	LogID  string
	Text   string
	Type   Type
	Reason string
}

// TypeShare reports one anchor type's realized share of a user's
// historical allocations.
type TypeShare struct {
	Type   Type    `json:"type"`
	Count  int     `json:"count"`
	Share  float64 `json:"share"`
	Target float64 `json:"target"`
}
