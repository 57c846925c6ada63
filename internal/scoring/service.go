package scoring

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"go.uber.org/zap"
	"gorm.io/gorm"
	"gorm.io/gorm/clause"
)

var (
	errMissingDatabase = errors.New("database handle is required")
	noOpLogger         = zap.NewNop()
)

// cacheTTL bounds how long a stored domain assessment stays fresh.
const cacheTTL = 30 * 24 * time.Hour

const (
	opServiceNew  = "scoring.service.new"
	opAssess      = "scoring.assess_domain"
	opRefresh     = "scoring.refresh_domain"
	opLookupCache = "scoring.lookup_cache"
)

func newServiceError(operation, reason string, cause error) error {
	return fmt.Errorf("%s.%s: %w", operation, reason, cause)
}

// ServiceConfig describes the dependencies of the scoring service.
type ServiceConfig struct {
	Database *gorm.DB
	Clock    func() time.Time
	Logger   *zap.Logger
}

// Service memoizes domain assessments in the domain_scores table so
// repeat lookups during route search don't recompute or refetch.
type Service struct {
	db     *gorm.DB
	clock  func() time.Time
	logger *zap.Logger
}

// NewService constructs the scoring service.
func NewService(cfg ServiceConfig) (*Service, error) {
	if cfg.Database == nil {
		return nil, newServiceError(opServiceNew, "missing_database", errMissingDatabase)
	}
	clock := cfg.Clock
	if clock == nil {
		clock = time.Now
	}
	logger := cfg.Logger
	if logger == nil {
		logger = noOpLogger
	}
	return &Service{db: cfg.Database, clock: clock, logger: logger}, nil
}

// AssessDomain returns the cached assessment when fresh, otherwise
// scores the domain and upserts the cache row.
func (s *Service) AssessDomain(ctx context.Context, rawDomain string, meta Metadata, module Module) (DomainAssessment, error) {
	domain, err := NormalizeDomain(rawDomain)
	if err != nil {
		return DomainAssessment{}, err
	}

	var cached DomainScore
	err = s.db.WithContext(ctx).Where("domain = ?", domain).Take(&cached).Error
	switch {
	case err == nil:
		if s.clock().UTC().Sub(cached.LastScoredAt) < cacheTTL && cached.DomainRating == meta.DomainRating {
			return s.assessmentFromCache(cached, module), nil
		}
	case !errors.Is(err, gorm.ErrRecordNotFound):
		s.logger.Error("domain score lookup failed",
			zap.String("operation", opLookupCache), zap.String("domain", domain), zap.Error(err))
		return DomainAssessment{}, newServiceError(opAssess, "cache_lookup_failed", err)
	}

	return s.RefreshDomain(ctx, domain, meta, module)
}

// RefreshDomain recomputes the assessment and upserts the cache row
// regardless of freshness.
func (s *Service) RefreshDomain(ctx context.Context, rawDomain string, meta Metadata, module Module) (DomainAssessment, error) {
	assessment, err := ScoreDomain(rawDomain, meta, module)
	if err != nil {
		return DomainAssessment{}, err
	}

	factorsJSON, err := json.Marshal(assessment.Factors)
	if err != nil {
		return DomainAssessment{}, newServiceError(opRefresh, "encode_factors_failed", err)
	}

	record := DomainScore{
		Domain:       assessment.Domain,
		TrustScore:   assessment.TrustScore,
		RiskScore:    assessment.RiskScore,
		RiskLevel:    string(assessment.RiskLevel),
		DomainRating: meta.DomainRating,
		SpamScore:    spamScoreOf(assessment.Factors),
		FactorsJSON:  string(factorsJSON),
		LastScoredAt: s.clock().UTC(),
	}
	err = s.db.WithContext(ctx).Clauses(clause.OnConflict{
		Columns:   []clause.Column{{Name: "domain"}},
		UpdateAll: true,
	}).Create(&record).Error
	if err != nil {
		s.logger.Error("domain score upsert failed",
			zap.String("operation", opRefresh), zap.String("domain", assessment.Domain), zap.Error(err))
		return DomainAssessment{}, newServiceError(opRefresh, "cache_upsert_failed", err)
	}

	return assessment, nil
}

func (s *Service) assessmentFromCache(record DomainScore, module Module) DomainAssessment {
	var factors []Factor
	if record.FactorsJSON != "" {
		if err := json.Unmarshal([]byte(record.FactorsJSON), &factors); err != nil {
			s.logger.Warn("stored factors undecodable",
				zap.String("domain", record.Domain), zap.Error(err))
			factors = nil
		}
	}
	level := RiskLevel(record.RiskLevel)
	return DomainAssessment{
		Domain:     record.Domain,
		TrustScore: record.TrustScore,
		RiskScore:  record.RiskScore,
		RiskLevel:  level,
		IsEligible: eligible(record.TrustScore, level, module),
		Factors:    factors,
	}
}

func spamScoreOf(factors []Factor) int {
	total := 0
	for _, factor := range factors {
		if factor.Name == "spam_keyword" || factor.Name == "risky_tld" {
			total += -factor.Impact
		}
	}
	return total
}
