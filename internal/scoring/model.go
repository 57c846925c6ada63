package scoring

import (
	"errors"
	"fmt"
	"strings"
	"time"
)

// Module identifies which part of the system is asking for a verdict.
// The exchange applies a stricter eligibility bar because credits spent
// there carry real value.
type Module string

const (
	// ModuleDistribution scores domains for the free distribution tier.
	ModuleDistribution Module = "distribution"
	// ModuleExchange scores domains for the credit exchange.
	ModuleExchange Module = "exchange"
)

// RiskLevel buckets a risk score into operational categories.
type RiskLevel string

const (
	RiskLevelLow      RiskLevel = "low"
	RiskLevelMedium   RiskLevel = "medium"
	RiskLevelHigh     RiskLevel = "high"
	RiskLevelCritical RiskLevel = "critical"
)

const maxDomainLength = 253

// ErrInvalidDomain indicates an empty or malformed domain input.
var ErrInvalidDomain = errors.New("scoring: invalid domain")

// Metadata carries the externally supplied authority metrics for a domain.
// DomainAgeMonths <= 0 means the age is unknown and no age factor applies.
type Metadata struct {
	DomainRating    int
	TrustFlow       int
	TrafficEstimate int
	DomainAgeMonths int
}

// Factor records one applied scoring adjustment for auditability.
type Factor struct {
	Name        string `json:"name"`
	Impact      int    `json:"impact"`
	Description string `json:"description"`
}

// DomainAssessment is the deterministic output of scoring a domain.
type DomainAssessment struct {
	Domain     string
	TrustScore int
	RiskScore  int
	RiskLevel  RiskLevel
	IsEligible bool
	Factors    []Factor
}

// PageAssessment extends a domain assessment with page-level adjustments.
type PageAssessment struct {
	PageURL      string
	QualityScore int
	RiskScore    int
	Factors      []Factor
}

// NormalizeDomain validates and canonicalizes a raw domain string.
func NormalizeDomain(rawInput string) (string, error) {
	trimmed := strings.ToLower(strings.TrimSpace(rawInput))
	trimmed = strings.TrimPrefix(trimmed, "www.")
	if trimmed == "" {
		return "", fmt.Errorf("%w: empty", ErrInvalidDomain)
	}
	if len(trimmed) > maxDomainLength {
		return "", fmt.Errorf("%w: exceeds %d characters", ErrInvalidDomain, maxDomainLength)
	}
	if !strings.Contains(trimmed, ".") {
		return "", fmt.Errorf("%w: missing tld", ErrInvalidDomain)
	}
	return trimmed, nil
}

// DomainScore is the persisted, upsertable cache of a scoring result.
type DomainScore struct {
	Domain       string    `gorm:"column:domain;primaryKey;size:253;not null"`
	TrustScore   int       `gorm:"column:trust_score;not null"`
	RiskScore    int       `gorm:"column:risk_score;not null"`
	RiskLevel    string    `gorm:"column:risk_level;size:16;not null"`
	DomainRating int       `gorm:"column:domain_rating;not null;default:0"`
	SpamScore    int       `gorm:"column:spam_score;not null;default:0"`
	FactorsJSON  string    `gorm:"column:factors_json;type:text;not null;default:''"`
	LastScoredAt time.Time `gorm:"column:last_scored_at;not null"`
}

// TableName provides the explicit table binding for GORM.
func (DomainScore) TableName() string {
	return "domain_scores"
}
