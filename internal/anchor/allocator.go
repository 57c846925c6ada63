package anchor

import (
	"context"
	"errors"
	"fmt"
	"math/rand"
	"strings"
	"time"

	"go.uber.org/zap"
	"gorm.io/gorm"
)

const (
	// anchorReuseWindow and anchorReuseCap bound exact-text repetition.
	anchorReuseWindow = 30 * 24 * time.Hour
	anchorReuseCap    = 3

	// Daily allocation caps for the riskiest anchor types.
	dailyKeywordCap = 2
	dailyPartialCap = 3

	// keywordOveruseMultiple blocks keyword picks past this multiple of
	// the target share.
	keywordOveruseMultiple = 1.5
)

var (
	errMissingDatabase   = errors.New("database handle is required")
	errMissingIDProvider = errors.New("id provider is required")
	errMissingUserID     = errors.New("user identifier is required")
	errMissingTarget     = errors.New("target url is required")
	errMissingLogID      = errors.New("usage log identifier is required")
	noOpLogger           = zap.NewNop()
)

const (
	opAllocatorNew = "anchor.allocator.new"
	opSelect       = "anchor.select_anchor"
	opDiscard      = "anchor.discard_usage"
	opDistribution = "anchor.distribution"
)

func newAllocatorError(operation, reason string, cause error) error {
	return fmt.Errorf("%s.%s: %w", operation, reason, cause)
}

// targetDistribution returns the desired anchor-type mix for a tier.
// Tier 1 money sites stay heavily branded; tier 3 skews toward naked
// and generic noise.
func targetDistribution(tier int) map[Type]float64 {
	switch tier {
	case 1:
		return map[Type]float64{
			TypeBranded: 0.45, TypeNaked: 0.35, TypeKeyword: 0.05,
			TypePartial: 0.05, TypeGeneric: 0.05, TypeLSI: 0.05,
		}
	case 3:
		return map[Type]float64{
			TypeBranded: 0.20, TypeNaked: 0.35, TypeKeyword: 0.05,
			TypePartial: 0.10, TypeGeneric: 0.25, TypeLSI: 0.05,
		}
	default:
		return map[Type]float64{
			TypeBranded: 0.30, TypeNaked: 0.25, TypeKeyword: 0.15,
			TypePartial: 0.15, TypeGeneric: 0.10, TypeLSI: 0.05,
		}
	}
}

var partialTemplates = []string{
	"%s guide",
	"best %s",
	"%s tips",
	"how to choose %s",
	"top %s resources",
}

var genericPhrases = []string{
	"click here",
	"learn more",
	"read more",
	"visit website",
	"this site",
	"more info",
}

// AllocatorConfig describes the dependencies of the anchor allocator.
// IntN is the injected random source; tests supply a deterministic one.
type AllocatorConfig struct {
	Database   *gorm.DB
	Clock      func() time.Time
	IDProvider IDProvider
	IntN       func(n int) int
	Logger     *zap.Logger
}

// IDProvider issues identifiers for usage log rows.
type IDProvider interface {
	NewID() (string, error)
}

// Allocator keeps each user's anchor-type distribution inside safe
// bounds by always allocating the most under-represented type.
type Allocator struct {
	db         *gorm.DB
	clock      func() time.Time
	idProvider IDProvider
	intN       func(n int) int
	logger     *zap.Logger
}

// NewAllocator constructs the anchor allocator.
func NewAllocator(cfg AllocatorConfig) (*Allocator, error) {
	if cfg.Database == nil {
		return nil, newAllocatorError(opAllocatorNew, "missing_database", errMissingDatabase)
	}
	if cfg.IDProvider == nil {
		return nil, newAllocatorError(opAllocatorNew, "missing_id_provider", errMissingIDProvider)
	}
	clock := cfg.Clock
	if clock == nil {
		clock = time.Now
	}
	intN := cfg.IntN
	if intN == nil {
		intN = rand.Intn
	}
	logger := cfg.Logger
	if logger == nil {
		logger = noOpLogger
	}
	return &Allocator{db: cfg.Database, clock: clock, idProvider: cfg.IDProvider, intN: intN, logger: logger}, nil
}

// SelectAnchor picks an anchor type and text for the placement and logs
// the allocation. The distribution read and the log append share one
// transaction so the next allocation sees this one.
func (a *Allocator) SelectAnchor(ctx context.Context, req SelectionRequest) (Selection, error) {
	if req.UserID == "" {
		return Selection{}, newAllocatorError(opSelect, "missing_user_id", errMissingUserID)
	}
	if req.TargetURL == "" {
		return Selection{}, newAllocatorError(opSelect, "missing_target_url", errMissingTarget)
	}

	var selection Selection
	txErr := a.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		counts, total, err := a.typeCounts(tx, req.UserID)
		if err != nil {
			return newAllocatorError(opSelect, "history_query_failed", err)
		}

		targets := targetDistribution(req.Tier)
		chosen, reason := a.chooseType(counts, total, targets)

		text := a.generateText(chosen, req)
		chosen, text, reason, err = a.applySafety(tx, req, chosen, text, reason)
		if err != nil {
			return err
		}

		logID, err := a.idProvider.NewID()
		if err != nil {
			return newAllocatorError(opSelect, "id_generation_failed", err)
		}
		entry := UsageLog{
			LogID:      logID,
			UserID:     req.UserID,
			TargetURL:  req.TargetURL,
			AnchorText: text,
			AnchorType: chosen,
			Module:     req.Module,
			CreatedAt:  a.clock().UTC(),
		}
		if err := tx.Create(&entry).Error; err != nil {
			return newAllocatorError(opSelect, "usage_log_insert_failed", err)
		}

		selection = Selection{LogID: logID, Text: text, Type: chosen, Reason: reason}
		return nil
	})
	if txErr != nil {
		return Selection{}, txErr
	}
	return selection, nil
}

// ApproveAnchor runs a caller-supplied anchor through the same safety
// checks and logging as an allocated one, substituting a safer anchor
// when a cap would be breached.
func (a *Allocator) ApproveAnchor(ctx context.Context, req SelectionRequest, text string, anchorType Type) (Selection, error) {
	if req.UserID == "" {
		return Selection{}, newAllocatorError(opSelect, "missing_user_id", errMissingUserID)
	}
	if strings.TrimSpace(text) == "" {
		return a.SelectAnchor(ctx, req)
	}
	if !anchorType.Valid() {
		anchorType = TypeKeyword
	}

	var selection Selection
	txErr := a.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		chosen, finalText, reason, err := a.applySafety(tx, req, anchorType, text, "caller-supplied anchor")
		if err != nil {
			return err
		}
		logID, err := a.idProvider.NewID()
		if err != nil {
			return newAllocatorError(opSelect, "id_generation_failed", err)
		}
		entry := UsageLog{
			LogID:      logID,
			UserID:     req.UserID,
			TargetURL:  req.TargetURL,
			AnchorText: finalText,
			AnchorType: chosen,
			Module:     req.Module,
			CreatedAt:  a.clock().UTC(),
		}
		if err := tx.Create(&entry).Error; err != nil {
			return newAllocatorError(opSelect, "usage_log_insert_failed", err)
		}
		selection = Selection{LogID: logID, Text: finalText, Type: chosen, Reason: reason}
		return nil
	})
	if txErr != nil {
		return Selection{}, txErr
	}
	return selection, nil
}

// DiscardUsage removes a usage row whose surrounding operation failed,
// so an abandoned placement does not consume the user's anchor caps or
// skew distribution history. Unknown log ids are a no-op.
func (a *Allocator) DiscardUsage(ctx context.Context, logID string) error {
	if logID == "" {
		return newAllocatorError(opDiscard, "missing_log_id", errMissingLogID)
	}
	err := a.db.WithContext(ctx).Where("log_id = ?", logID).Delete(&UsageLog{}).Error
	if err != nil {
		return newAllocatorError(opDiscard, "usage_log_delete_failed", err)
	}
	return nil
}

// chooseType picks the type with the largest target-minus-realized
// deficit, with the keyword over-representation override. Zero history
// falls back to a weighted pick toward branded and naked.
func (a *Allocator) chooseType(counts map[Type]int, total int, targets map[Type]float64) (Type, string) {
	if total == 0 {
		roll := a.intN(10)
		switch {
		case roll < 5:
			return TypeBranded, "no history; weighted initial pick"
		case roll < 8:
			return TypeNaked, "no history; weighted initial pick"
		default:
			return TypeGeneric, "no history; weighted initial pick"
		}
	}

	best := TypeBranded
	bestDeficit := -1.0
	for _, anchorType := range AllTypes {
		realized := float64(counts[anchorType]) / float64(total)
		deficit := targets[anchorType] - realized
		if deficit > bestDeficit {
			bestDeficit = deficit
			best = anchorType
		}
	}

	if best == TypeKeyword {
		realized := float64(counts[TypeKeyword]) / float64(total)
		if realized > targets[TypeKeyword]*keywordOveruseMultiple {
			return TypeBranded, "keyword over-represented; falling back to branded"
		}
	}
	return best, fmt.Sprintf("largest deficit for %s", best)
}

// applySafety enforces the repetition and daily caps, substituting a
// safer type when a cap would be breached.
func (a *Allocator) applySafety(tx *gorm.DB, req SelectionRequest, chosen Type, text, reason string) (Type, string, string, error) {
	now := a.clock().UTC()

	switch chosen {
	case TypeKeyword:
		used, err := a.countSince(tx, req.UserID, chosen, now.Add(-24*time.Hour))
		if err != nil {
			return chosen, text, reason, newAllocatorError(opSelect, "daily_cap_query_failed", err)
		}
		if used >= dailyKeywordCap {
			chosen = TypeBranded
			text = a.generateText(chosen, req)
			reason = "daily keyword cap reached; substituted branded"
		}
	case TypePartial:
		used, err := a.countSince(tx, req.UserID, chosen, now.Add(-24*time.Hour))
		if err != nil {
			return chosen, text, reason, newAllocatorError(opSelect, "daily_cap_query_failed", err)
		}
		if used >= dailyPartialCap {
			chosen = TypeBranded
			text = a.generateText(chosen, req)
			reason = "daily partial cap reached; substituted branded"
		}
	}

	reused, err := a.textUseCount(tx, req.UserID, text, now.Add(-anchorReuseWindow))
	if err != nil {
		return chosen, text, reason, newAllocatorError(opSelect, "reuse_query_failed", err)
	}
	if reused >= anchorReuseCap {
		substitute := TypeGeneric
		if chosen == TypeGeneric {
			substitute = TypeNaked
		}
		chosen = substitute
		text = a.generateText(chosen, req)
		reason = "anchor text repeated too often; substituted " + string(substitute)
	}
	return chosen, text, reason, nil
}

// generateText renders anchor text per type from the request inputs.
func (a *Allocator) generateText(anchorType Type, req SelectionRequest) string {
	keyword := strings.TrimSpace(req.Keyword)
	switch anchorType {
	case TypeBranded:
		if name := strings.TrimSpace(req.SiteName); name != "" {
			return name
		}
		return bareDomain(req.TargetURL)
	case TypeNaked:
		return bareDomain(req.TargetURL)
	case TypeKeyword:
		if keyword != "" {
			return keyword
		}
		return bareDomain(req.TargetURL)
	case TypePartial:
		if keyword == "" {
			return bareDomain(req.TargetURL)
		}
		template := partialTemplates[a.intN(len(partialTemplates))]
		return fmt.Sprintf(template, keyword)
	case TypeGeneric:
		return genericPhrases[a.intN(len(genericPhrases))]
	case TypeLSI:
		words := strings.Fields(keyword)
		if len(words) >= 2 {
			return words[0] + " " + words[1]
		}
		if keyword != "" {
			return keyword + " resource"
		}
		return bareDomain(req.TargetURL)
	}
	return bareDomain(req.TargetURL)
}

// Distribution returns the user's realized anchor-type shares against
// the tier's targets.
func (a *Allocator) Distribution(ctx context.Context, userID string, tier int) ([]TypeShare, error) {
	if userID == "" {
		return nil, newAllocatorError(opDistribution, "missing_user_id", errMissingUserID)
	}
	counts, total, err := a.typeCounts(a.db.WithContext(ctx), userID)
	if err != nil {
		return nil, newAllocatorError(opDistribution, "history_query_failed", err)
	}
	targets := targetDistribution(tier)
	shares := make([]TypeShare, 0, len(AllTypes))
	for _, anchorType := range AllTypes {
		share := 0.0
		if total > 0 {
			share = float64(counts[anchorType]) / float64(total)
		}
		shares = append(shares, TypeShare{
			Type:   anchorType,
			Count:  counts[anchorType],
			Share:  share,
			Target: targets[anchorType],
		})
	}
	return shares, nil
}

func (a *Allocator) typeCounts(tx *gorm.DB, userID string) (map[Type]int, int, error) {
	type row struct {
		AnchorType Type
		Total      int
	}
	var rows []row
	err := tx.Model(&UsageLog{}).
		Select("anchor_type, COUNT(*) AS total").
		Where("user_id = ?", userID).
		Group("anchor_type").
		Scan(&rows).Error
	if err != nil {
		return nil, 0, err
	}
	counts := make(map[Type]int, len(rows))
	total := 0
	for _, entry := range rows {
		counts[entry.AnchorType] = entry.Total
		total += entry.Total
	}
	return counts, total, nil
}

func (a *Allocator) countSince(tx *gorm.DB, userID string, anchorType Type, since time.Time) (int, error) {
	var count int64
	err := tx.Model(&UsageLog{}).
		Where("user_id = ? AND anchor_type = ? AND created_at >= ?", userID, anchorType, since).
		Count(&count).Error
	return int(count), err
}

func (a *Allocator) textUseCount(tx *gorm.DB, userID, text string, since time.Time) (int, error) {
	var count int64
	err := tx.Model(&UsageLog{}).
		Where("user_id = ? AND anchor_text = ? AND created_at >= ?", userID, text, since).
		Count(&count).Error
	return int(count), err
}

func bareDomain(targetURL string) string {
	rest := targetURL
	if idx := strings.Index(rest, "://"); idx >= 0 {
		rest = rest[idx+3:]
	}
	if idx := strings.IndexAny(rest, "/?#"); idx >= 0 {
		rest = rest[:idx]
	}
	return strings.TrimPrefix(strings.ToLower(rest), "www.")
}
