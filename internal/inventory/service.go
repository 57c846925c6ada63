package inventory

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"strings"
	"time"

	"github.com/ranklite/linkexchange/backend/internal/scoring"
	"go.uber.org/zap"
	"gorm.io/gorm"
	"gorm.io/gorm/clause"
)

const (
	defaultMaxOutboundLinks = 10
	maxOutboundLinksCeiling = 100
	defaultAvailableLimit   = 50
	verifyTimeout           = 5 * time.Second
)

var (
	// ErrNoCapacity means a page's outbound-link slots are exhausted.
	ErrNoCapacity = errors.New("inventory: page has no outbound capacity")
	// ErrPageNotFound is returned for an unknown inventory id.
	ErrPageNotFound = errors.New("inventory: page not found")

	errMissingDatabase   = errors.New("database handle is required")
	errMissingIDProvider = errors.New("id provider is required")
	errMissingScoring    = errors.New("scoring service is required")
	errMissingUserID     = errors.New("user identifier is required")
	noOpLogger           = zap.NewNop()
)

const (
	opServiceNew   = "inventory.service.new"
	opSubmit       = "inventory.submit_inventory"
	opVerify       = "inventory.verify_indexation"
	opGetAvailable = "inventory.get_available"
	opReserveSlot  = "inventory.reserve_slot"
	opReleaseSlot  = "inventory.release_slot"
	opDeactivate   = "inventory.deactivate"
)

func newServiceError(operation, reason string, cause error) error {
	return fmt.Errorf("%s.%s: %w", operation, reason, cause)
}

// IDProvider issues identifiers for inventory rows.
type IDProvider interface {
	NewID() (string, error)
}

// ServiceConfig describes the dependencies of the inventory pool.
type ServiceConfig struct {
	Database   *gorm.DB
	Clock      func() time.Time
	IDProvider IDProvider
	Scoring    *scoring.Service
	HTTPClient *http.Client
	Logger     *zap.Logger
}

// Service owns the validated pool of pages offered as link targets.
type Service struct {
	db         *gorm.DB
	clock      func() time.Time
	idProvider IDProvider
	scoring    *scoring.Service
	httpClient *http.Client
	logger     *zap.Logger
}

// NewService constructs the inventory service.
func NewService(cfg ServiceConfig) (*Service, error) {
	if cfg.Database == nil {
		return nil, newServiceError(opServiceNew, "missing_database", errMissingDatabase)
	}
	if cfg.IDProvider == nil {
		return nil, newServiceError(opServiceNew, "missing_id_provider", errMissingIDProvider)
	}
	if cfg.Scoring == nil {
		return nil, newServiceError(opServiceNew, "missing_scoring", errMissingScoring)
	}
	clock := cfg.Clock
	if clock == nil {
		clock = time.Now
	}
	httpClient := cfg.HTTPClient
	if httpClient == nil {
		httpClient = &http.Client{Timeout: verifyTimeout}
	}
	logger := cfg.Logger
	if logger == nil {
		logger = noOpLogger
	}
	return &Service{
		db:         cfg.Database,
		clock:      clock,
		idProvider: cfg.IDProvider,
		scoring:    cfg.Scoring,
		httpClient: httpClient,
		logger:     logger,
	}, nil
}

// SubmitInventory validates and upserts a batch of offered pages.
// Rejections accumulate as reasons while the batch continues; accepted
// pages enter the pool as pending until the reachability check passes.
func (s *Service) SubmitInventory(ctx context.Context, userID, siteID string, pages []PageSubmission) (SubmissionResult, error) {
	if userID == "" {
		return SubmissionResult{}, newServiceError(opSubmit, "missing_user_id", errMissingUserID)
	}

	result := SubmissionResult{}
	for _, submission := range pages {
		page, reason, err := s.preparePage(ctx, userID, siteID, submission)
		if err != nil {
			return SubmissionResult{}, err
		}
		if reason != "" {
			result.Rejected++
			result.Errors = append(result.Errors, fmt.Sprintf("%s: %s", submission.PageURL, reason))
			continue
		}

		upserted, err := s.upsertPage(ctx, page)
		if err != nil {
			s.logger.Error("inventory upsert failed",
				zap.String("operation", opSubmit),
				zap.String("user_id", userID),
				zap.String("page_url", submission.PageURL),
				zap.Error(err))
			result.Rejected++
			result.Errors = append(result.Errors, fmt.Sprintf("%s: storage failure", submission.PageURL))
			continue
		}
		result.Submitted++
		result.Pages = append(result.Pages, upserted)
	}
	return result, nil
}

// preparePage validates one submission and builds the row for upsert.
// A non-empty reason marks a rejection without error.
func (s *Service) preparePage(ctx context.Context, userID, siteID string, submission PageSubmission) (InventoryPage, string, error) {
	pageURL := strings.TrimSpace(submission.PageURL)
	if pageURL == "" {
		return InventoryPage{}, "page url is required", nil
	}
	if !strings.HasPrefix(pageURL, "http://") && !strings.HasPrefix(pageURL, "https://") {
		return InventoryPage{}, "page url must be absolute", nil
	}
	if submission.Tier < 1 || submission.Tier > 3 {
		return InventoryPage{}, "tier must be 1, 2 or 3", nil
	}
	switch submission.LinkType {
	case LinkTypeDofollow, LinkTypeNofollow:
	default:
		return InventoryPage{}, "unknown link type", nil
	}
	switch submission.ContentPlacement {
	case PlacementContextual, PlacementSidebar, PlacementFooter, PlacementAuthorBio:
	default:
		return InventoryPage{}, "unknown content placement", nil
	}
	maxOutbound := submission.MaxOutboundLinks
	if maxOutbound <= 0 {
		maxOutbound = defaultMaxOutboundLinks
	}
	if maxOutbound > maxOutboundLinksCeiling {
		return InventoryPage{}, "max outbound links too large", nil
	}

	domain, err := scoring.NormalizeDomain(submission.Domain)
	if err != nil {
		return InventoryPage{}, "invalid domain", nil
	}

	assessment, err := s.scoring.AssessDomain(ctx, domain, scoring.Metadata{
		DomainRating:    submission.DomainRating,
		TrustFlow:       submission.TrustFlow,
		TrafficEstimate: submission.TrafficEstimate,
		DomainAgeMonths: submission.DomainAgeMonths,
	}, scoring.ModuleExchange)
	if err != nil {
		return InventoryPage{}, "", newServiceError(opSubmit, "assessment_failed", err)
	}
	if !assessment.IsEligible {
		return InventoryPage{}, rejectionReason(assessment), nil
	}

	pageScore := scoring.ScorePage(pageURL, assessment)
	now := s.clock().UTC()
	return InventoryPage{
		OwnerUserID:        userID,
		SiteID:             siteID,
		PageURL:            pageURL,
		Domain:             domain,
		DomainRating:       submission.DomainRating,
		TrustFlow:          submission.TrustFlow,
		TrafficEstimate:    submission.TrafficEstimate,
		Niche:              strings.TrimSpace(submission.Niche),
		Tier:               submission.Tier,
		LinkType:           submission.LinkType,
		ContentPlacement:   submission.ContentPlacement,
		MaxOutboundLinks:   maxOutbound,
		QualityScore:       pageScore.QualityScore,
		RiskScore:          pageScore.RiskScore,
		CreditsPerLink:     scoring.CreditValue(submission.DomainRating, assessment.TrustScore, false, submission.Tier),
		VerificationStatus: VerificationStatusPending,
		IsActive:           true,
		CreatedAt:          now,
		UpdatedAt:          now,
	}, "", nil
}

// upsertPage inserts or updates the row keyed on (owner, page url).
// Resubmission refreshes metadata and pricing but never duplicates and
// never resets the consumed outbound-link count.
func (s *Service) upsertPage(ctx context.Context, page InventoryPage) (InventoryPage, error) {
	var existing InventoryPage
	err := s.db.WithContext(ctx).
		Where("owner_user_id = ? AND page_url = ?", page.OwnerUserID, page.PageURL).
		Take(&existing).Error
	if errors.Is(err, gorm.ErrRecordNotFound) {
		id, err := s.idProvider.NewID()
		if err != nil {
			return InventoryPage{}, newServiceError(opSubmit, "id_generation_failed", err)
		}
		page.InventoryID = id
		if err := s.db.WithContext(ctx).Create(&page).Error; err != nil {
			return InventoryPage{}, err
		}
		return page, nil
	}
	if err != nil {
		return InventoryPage{}, err
	}

	page.InventoryID = existing.InventoryID
	page.CurrentOutboundLinks = existing.CurrentOutboundLinks
	page.CreatedAt = existing.CreatedAt
	page.LastVerifiedAt = existing.LastVerifiedAt
	if err := s.db.WithContext(ctx).Save(&page).Error; err != nil {
		return InventoryPage{}, err
	}
	return page, nil
}

// VerifyIndexation runs the reachability probe for a pending page. An
// unreachable page is marked rejected with a reason, never a hard
// failure; a reachable page becomes verified and is repriced with the
// indexed multiplier.
func (s *Service) VerifyIndexation(ctx context.Context, inventoryID string) (InventoryPage, error) {
	var page InventoryPage
	err := s.db.WithContext(ctx).Where("inventory_id = ?", inventoryID).Take(&page).Error
	if errors.Is(err, gorm.ErrRecordNotFound) {
		return InventoryPage{}, ErrPageNotFound
	}
	if err != nil {
		return InventoryPage{}, newServiceError(opVerify, "page_select_failed", err)
	}

	reachable := s.probe(ctx, page.PageURL)
	now := s.clock().UTC()
	if reachable {
		page.VerificationStatus = VerificationStatusVerified
		page.LastVerifiedAt = &now
		page.CreditsPerLink = scoring.CreditValue(page.DomainRating, 100-page.RiskScore, true, page.Tier)
	} else {
		page.VerificationStatus = VerificationStatusRejected
		s.logger.Warn("inventory page unreachable",
			zap.String("operation", opVerify),
			zap.String("inventory_id", inventoryID),
			zap.String("page_url", page.PageURL))
	}
	page.UpdatedAt = now
	if err := s.db.WithContext(ctx).Save(&page).Error; err != nil {
		return InventoryPage{}, newServiceError(opVerify, "page_save_failed", err)
	}
	return page, nil
}

// Reverify re-runs the probe on an already verified page; a page that
// went dark is expired rather than rejected.
func (s *Service) Reverify(ctx context.Context, page InventoryPage) (InventoryPage, error) {
	reachable := s.probe(ctx, page.PageURL)
	now := s.clock().UTC()
	if reachable {
		page.LastVerifiedAt = &now
	} else {
		page.VerificationStatus = VerificationStatusExpired
	}
	page.UpdatedAt = now
	if err := s.db.WithContext(ctx).Save(&page).Error; err != nil {
		return InventoryPage{}, newServiceError(opVerify, "page_save_failed", err)
	}
	return page, nil
}

// VerifiedBefore lists active verified pages whose last check is older
// than the cutoff.
func (s *Service) VerifiedBefore(ctx context.Context, cutoff time.Time) ([]InventoryPage, error) {
	var pages []InventoryPage
	err := s.db.WithContext(ctx).
		Where("is_active = ? AND verification_status = ? AND (last_verified_at IS NULL OR last_verified_at <= ?)",
			true, VerificationStatusVerified, cutoff).
		Find(&pages).Error
	if err != nil {
		return nil, newServiceError(opVerify, "query_failed", err)
	}
	return pages, nil
}

// probe issues a bounded HEAD request; transient failures read as
// unreachable rather than propagating.
func (s *Service) probe(ctx context.Context, pageURL string) bool {
	probeCtx, cancel := context.WithTimeout(ctx, verifyTimeout)
	defer cancel()

	request, err := http.NewRequestWithContext(probeCtx, http.MethodHead, pageURL, nil)
	if err != nil {
		return false
	}
	response, err := s.httpClient.Do(request)
	if err != nil {
		return false
	}
	defer response.Body.Close()
	return response.StatusCode < 400
}

// GetAvailableInventory is the route-search read path: active, verified
// pages with spare outbound capacity, excluding the requester's own.
func (s *Service) GetAvailableInventory(ctx context.Context, requesterID string, filters Filters) ([]InventoryPage, error) {
	if requesterID == "" {
		return nil, newServiceError(opGetAvailable, "missing_user_id", errMissingUserID)
	}
	limit := filters.Limit
	if limit <= 0 {
		limit = defaultAvailableLimit
	}

	query := s.db.WithContext(ctx).
		Where("is_active = ?", true).
		Where("verification_status = ?", VerificationStatusVerified).
		Where("current_outbound_links < max_outbound_links").
		Where("owner_user_id <> ?", requesterID)
	if filters.MinDomainRating > 0 {
		query = query.Where("domain_rating >= ?", filters.MinDomainRating)
	}
	if filters.MaxRiskScore > 0 {
		query = query.Where("risk_score <= ?", filters.MaxRiskScore)
	}
	if filters.Niche != "" {
		query = query.Where("niche = ?", filters.Niche)
	}
	if filters.Tier > 0 {
		query = query.Where("tier = ?", filters.Tier)
	}

	var pages []InventoryPage
	err := query.Order("domain_rating DESC, quality_score DESC").Limit(limit).Find(&pages).Error
	if err != nil {
		return nil, newServiceError(opGetAvailable, "query_failed", err)
	}
	return pages, nil
}

// ReserveSlot consumes one outbound-link slot under a row lock so two
// concurrent exchanges cannot overshoot the page's capacity.
func (s *Service) ReserveSlot(ctx context.Context, inventoryID string) error {
	return s.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		var page InventoryPage
		err := tx.Clauses(clause.Locking{Strength: "UPDATE"}).
			Where("inventory_id = ?", inventoryID).
			Take(&page).Error
		if errors.Is(err, gorm.ErrRecordNotFound) {
			return ErrPageNotFound
		}
		if err != nil {
			return newServiceError(opReserveSlot, "page_select_failed", err)
		}
		if page.CurrentOutboundLinks >= page.MaxOutboundLinks {
			return ErrNoCapacity
		}
		page.CurrentOutboundLinks++
		page.UpdatedAt = s.clock().UTC()
		if err := tx.Save(&page).Error; err != nil {
			return newServiceError(opReserveSlot, "page_save_failed", err)
		}
		return nil
	})
}

// ReleaseSlot returns a reserved slot after a failed exchange step.
func (s *Service) ReleaseSlot(ctx context.Context, inventoryID string) error {
	return s.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		var page InventoryPage
		err := tx.Clauses(clause.Locking{Strength: "UPDATE"}).
			Where("inventory_id = ?", inventoryID).
			Take(&page).Error
		if errors.Is(err, gorm.ErrRecordNotFound) {
			return ErrPageNotFound
		}
		if err != nil {
			return newServiceError(opReleaseSlot, "page_select_failed", err)
		}
		if page.CurrentOutboundLinks > 0 {
			page.CurrentOutboundLinks--
		}
		page.UpdatedAt = s.clock().UTC()
		if err := tx.Save(&page).Error; err != nil {
			return newServiceError(opReleaseSlot, "page_save_failed", err)
		}
		return nil
	})
}

// Get returns one page by id.
func (s *Service) Get(ctx context.Context, inventoryID string) (InventoryPage, error) {
	var page InventoryPage
	err := s.db.WithContext(ctx).Where("inventory_id = ?", inventoryID).Take(&page).Error
	if errors.Is(err, gorm.ErrRecordNotFound) {
		return InventoryPage{}, ErrPageNotFound
	}
	if err != nil {
		return InventoryPage{}, newServiceError(opGetAvailable, "query_failed", err)
	}
	return page, nil
}

// Deactivate soft-deletes a page for its owner.
func (s *Service) Deactivate(ctx context.Context, ownerUserID, inventoryID string) error {
	result := s.db.WithContext(ctx).Model(&InventoryPage{}).
		Where("inventory_id = ? AND owner_user_id = ?", inventoryID, ownerUserID).
		Updates(map[string]interface{}{
			"is_active":  false,
			"updated_at": s.clock().UTC(),
		})
	if result.Error != nil {
		return newServiceError(opDeactivate, "update_failed", result.Error)
	}
	if result.RowsAffected == 0 {
		return ErrPageNotFound
	}
	return nil
}

func rejectionReason(assessment scoring.DomainAssessment) string {
	for _, factor := range assessment.Factors {
		if factor.Impact < 0 {
			return factor.Description
		}
	}
	return fmt.Sprintf("domain trust score %d below the exchange bar", assessment.TrustScore)
}
