package graph

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/shopspring/decimal"
	"go.uber.org/zap"
	"gorm.io/gorm"
	"gorm.io/gorm/clause"
)

const (
	// MinHopDistance is the minimum safe separation between two users
	// before a link may connect them.
	MinHopDistance = 3
	// MaxSearchDepth bounds the breadth-first traversal.
	MaxSearchDepth = 6
	// UnreachableHops is the sentinel for "no path found". Absence of a
	// path is safe, not risky, so it passes the distance rule.
	UnreachableHops = 999
	// MaxConnectionsPerPair caps lifetime edges between the same two
	// users across both directions.
	MaxConnectionsPerPair = 2
	// BlacklistDuration is the cool-down applied to a violating pair.
	BlacklistDuration = 90 * 24 * time.Hour
	// MaxDailyNewEdges bounds each user's edge-creation velocity.
	MaxDailyNewEdges = 3
)

// Blocked-route reasons surfaced to callers.
const (
	ReasonPairBlacklisted  = "pair is on the cool-down blacklist"
	ReasonDirectReciprocal = "a direct link already exists between these users"
	ReasonHopDistance      = "users are too close in the link graph"
	ReasonConnectionCap    = "connection cap for this pair exhausted"
	ReasonShortLoop        = "link would close a short loop through an intermediary"
)

var (
	errMissingDatabase   = errors.New("database handle is required")
	errMissingIDProvider = errors.New("id provider is required")
	errMissingUser       = errors.New("user identifier is required")
	errSameUser          = errors.New("source and target must differ")
	noOpLogger           = zap.NewNop()

	// ErrEdgeNotFound is returned when an edge id has no row.
	ErrEdgeNotFound = errors.New("graph: edge not found")
)

const (
	opAnalyzerNew   = "graph.analyzer.new"
	opValidateRoute = "graph.validate_route"
	opCreateEdge    = "graph.create_edge"
	opBlacklist     = "graph.record_blacklist"
	opClusterRisk   = "graph.analyze_cluster_risk"
	opPatterns      = "graph.detect_patterns"
)

func newAnalyzerError(operation, reason string, cause error) error {
	return fmt.Errorf("%s.%s: %w", operation, reason, cause)
}

// IDProvider issues identifiers for edge rows.
type IDProvider interface {
	NewID() (string, error)
}

// AnalyzerConfig describes the dependencies of the link-graph analyzer.
type AnalyzerConfig struct {
	Database   *gorm.DB
	Clock      func() time.Time
	IDProvider IDProvider
	Logger     *zap.Logger
}

// Analyzer maintains and queries the directed exchange graph. Distance
// questions treat edges as undirected: the safety property cares about
// reachability, not link direction.
type Analyzer struct {
	db         *gorm.DB
	clock      func() time.Time
	idProvider IDProvider
	logger     *zap.Logger
}

// NewAnalyzer constructs the graph analyzer.
func NewAnalyzer(cfg AnalyzerConfig) (*Analyzer, error) {
	if cfg.Database == nil {
		return nil, newAnalyzerError(opAnalyzerNew, "missing_database", errMissingDatabase)
	}
	if cfg.IDProvider == nil {
		return nil, newAnalyzerError(opAnalyzerNew, "missing_id_provider", errMissingIDProvider)
	}
	clock := cfg.Clock
	if clock == nil {
		clock = time.Now
	}
	logger := cfg.Logger
	if logger == nil {
		logger = noOpLogger
	}
	return &Analyzer{db: cfg.Database, clock: clock, idProvider: cfg.IDProvider, logger: logger}, nil
}

// ValidateRoute evaluates the safety rules for a candidate link from
// source to target, in fixed order; the first violation wins.
func (a *Analyzer) ValidateRoute(ctx context.Context, sourceUserID, targetUserID, targetDomain string) (RouteValidation, error) {
	if sourceUserID == "" || targetUserID == "" {
		return RouteValidation{}, newAnalyzerError(opValidateRoute, "missing_user", errMissingUser)
	}
	if sourceUserID == targetUserID {
		return RouteValidation{}, newAnalyzerError(opValidateRoute, "same_user", errSameUser)
	}

	blacklisted, err := a.IsBlacklisted(ctx, sourceUserID, targetUserID)
	if err != nil {
		return RouteValidation{}, err
	}
	if blacklisted {
		return RouteValidation{BlockedReason: ReasonPairBlacklisted}, nil
	}

	reciprocal, err := a.edgeExistsEitherDirection(ctx, sourceUserID, targetUserID)
	if err != nil {
		return RouteValidation{}, newAnalyzerError(opValidateRoute, "reciprocal_lookup_failed", err)
	}
	if reciprocal {
		return RouteValidation{BlockedReason: ReasonDirectReciprocal}, nil
	}

	loader := newNeighborLoader(a.db.WithContext(ctx))
	hops, err := a.hopDistance(ctx, loader, sourceUserID, targetUserID)
	if err != nil {
		return RouteValidation{}, newAnalyzerError(opValidateRoute, "bfs_failed", err)
	}
	if hops > 0 && hops < MinHopDistance {
		return RouteValidation{HopDistance: hops, BlockedReason: ReasonHopDistance}, nil
	}

	connections, err := a.ConnectionCount(ctx, sourceUserID, targetUserID)
	if err != nil {
		return RouteValidation{}, err
	}
	if connections >= MaxConnectionsPerPair {
		return RouteValidation{HopDistance: hops, BlockedReason: ReasonConnectionCap}, nil
	}

	looped, err := a.shortLoopExists(ctx, sourceUserID, targetUserID)
	if err != nil {
		return RouteValidation{}, newAnalyzerError(opValidateRoute, "loop_check_failed", err)
	}
	if looped {
		return RouteValidation{HopDistance: hops, BlockedReason: ReasonShortLoop}, nil
	}

	return RouteValidation{IsValid: true, HopDistance: hops}, nil
}

// hopDistance runs a bounded breadth-first search over the undirected
// neighbor relation. Nodes are marked visited before expansion and the
// walk never expands past MaxSearchDepth even with a non-empty queue.
func (a *Analyzer) hopDistance(ctx context.Context, loader *neighborLoader, sourceUserID, targetUserID string) (int, error) {
	if sourceUserID == targetUserID {
		return 0, nil
	}

	visited := map[string]bool{sourceUserID: true}
	frontier := []string{sourceUserID}

	for depth := 1; depth <= MaxSearchDepth; depth++ {
		next := make([]string, 0, len(frontier))
		for _, node := range frontier {
			neighbors, err := loader.neighbors(ctx, node)
			if err != nil {
				return 0, err
			}
			for _, neighbor := range neighbors {
				if neighbor == targetUserID {
					return depth, nil
				}
				if visited[neighbor] {
					continue
				}
				visited[neighbor] = true
				next = append(next, neighbor)
			}
		}
		if len(next) == 0 {
			break
		}
		frontier = next
	}

	return UnreachableHops, nil
}

// shortLoopExists walks the live edges incoming to the source and
// reports whether any of those intermediaries also links to the target,
// which would close a tight loop around the new edge.
func (a *Analyzer) shortLoopExists(ctx context.Context, sourceUserID, targetUserID string) (bool, error) {
	var intermediaries []string
	err := a.db.WithContext(ctx).Model(&LinkEdge{}).
		Where("target_user_id = ? AND is_live = ?", sourceUserID, true).
		Distinct().
		Pluck("source_user_id", &intermediaries).Error
	if err != nil {
		return false, err
	}
	if len(intermediaries) == 0 {
		return false, nil
	}

	var count int64
	err = a.db.WithContext(ctx).Model(&LinkEdge{}).
		Where("source_user_id IN ? AND target_user_id = ? AND is_live = ?", intermediaries, targetUserID, true).
		Count(&count).Error
	if err != nil {
		return false, err
	}
	return count > 0, nil
}

// ConnectionCount returns the lifetime number of edges between the two
// users across both directions, regardless of liveness.
func (a *Analyzer) ConnectionCount(ctx context.Context, userA, userB string) (int, error) {
	var count int64
	err := a.db.WithContext(ctx).Model(&LinkEdge{}).
		Where("(source_user_id = ? AND target_user_id = ?) OR (source_user_id = ? AND target_user_id = ?)",
			userA, userB, userB, userA).
		Count(&count).Error
	if err != nil {
		return 0, newAnalyzerError(opValidateRoute, "connection_count_failed", err)
	}
	return int(count), nil
}

// CheckVelocity reports whether the user may create another edge today.
// This is a graph-footprint guard independent of the exchange's
// per-tier spend caps.
func (a *Analyzer) CheckVelocity(ctx context.Context, userID string) (bool, int, error) {
	since := a.clock().UTC().Add(-24 * time.Hour)
	var count int64
	err := a.db.WithContext(ctx).Model(&LinkEdge{}).
		Where("source_user_id = ? AND created_at >= ?", userID, since).
		Count(&count).Error
	if err != nil {
		return false, 0, newAnalyzerError(opValidateRoute, "velocity_count_failed", err)
	}
	return count < MaxDailyNewEdges, int(count), nil
}

// AcquisitionCountSince counts edges pointing at a user created at or
// after the given instant. Exchange velocity caps are enforced on this
// figure because the acquiring side is the one spending credits.
func (a *Analyzer) AcquisitionCountSince(ctx context.Context, userID string, since time.Time) (int, error) {
	var count int64
	err := a.db.WithContext(ctx).Model(&LinkEdge{}).
		Where("target_user_id = ? AND created_at >= ?", userID, since).
		Count(&count).Error
	if err != nil {
		return 0, newAnalyzerError(opValidateRoute, "velocity_count_failed", err)
	}
	return int(count), nil
}

// CreateEdgeParams describes a new edge born from an executed exchange.
type CreateEdgeParams struct {
	SourceUserID      string
	TargetUserID      string
	SourceInventoryID string
	TargetURL         string
	AnchorText        string
	AnchorType        string
	HopDistance       int
	CreditsAwarded    decimal.Decimal
	IsIndexed         bool
}

// CreateEdge persists a new live edge with pending credit status.
func (a *Analyzer) CreateEdge(ctx context.Context, params CreateEdgeParams) (LinkEdge, error) {
	if params.SourceUserID == "" || params.TargetUserID == "" {
		return LinkEdge{}, newAnalyzerError(opCreateEdge, "missing_user", errMissingUser)
	}
	id, err := a.idProvider.NewID()
	if err != nil {
		return LinkEdge{}, newAnalyzerError(opCreateEdge, "id_generation_failed", err)
	}
	now := a.clock().UTC()
	edge := LinkEdge{
		LinkID:                id,
		SourceUserID:          params.SourceUserID,
		TargetUserID:          params.TargetUserID,
		SourceInventoryID:     params.SourceInventoryID,
		TargetURL:             params.TargetURL,
		AnchorText:            params.AnchorText,
		AnchorType:            params.AnchorType,
		HopDistanceAtCreation: params.HopDistance,
		CreditsAwarded:        params.CreditsAwarded,
		CreditsStatus:         CreditsStatusPending,
		IsLive:                true,
		IsIndexed:             params.IsIndexed,
		CreatedAt:             now,
		UpdatedAt:             now,
	}
	if err := a.db.WithContext(ctx).Create(&edge).Error; err != nil {
		a.logger.Error("edge insert failed",
			zap.String("operation", opCreateEdge),
			zap.String("source_user_id", params.SourceUserID),
			zap.String("target_user_id", params.TargetUserID),
			zap.Error(err))
		return LinkEdge{}, newAnalyzerError(opCreateEdge, "edge_insert_failed", err)
	}
	return edge, nil
}

// RecordBlacklist places the pair on the cool-down list.
func (a *Analyzer) RecordBlacklist(ctx context.Context, userA, userB, reason string) error {
	if userA == "" || userB == "" {
		return newAnalyzerError(opBlacklist, "missing_user", errMissingUser)
	}
	low, high := normalizePair(userA, userB)
	now := a.clock().UTC()
	entry := PairBlacklist{
		UserLow:   low,
		UserHigh:  high,
		Reason:    reason,
		CreatedAt: now,
		ExpiresAt: now.Add(BlacklistDuration),
	}
	err := a.db.WithContext(ctx).Clauses(clause.OnConflict{
		Columns:   []clause.Column{{Name: "user_low"}, {Name: "user_high"}},
		UpdateAll: true,
	}).Create(&entry).Error
	if err != nil {
		return newAnalyzerError(opBlacklist, "blacklist_save_failed", err)
	}
	a.logger.Warn("user pair blacklisted",
		zap.String("user_low", low), zap.String("user_high", high), zap.String("reason", reason))
	return nil
}

// IsBlacklisted reports whether an unexpired cool-down covers the pair.
func (a *Analyzer) IsBlacklisted(ctx context.Context, userA, userB string) (bool, error) {
	low, high := normalizePair(userA, userB)
	var count int64
	err := a.db.WithContext(ctx).Model(&PairBlacklist{}).
		Where("user_low = ? AND user_high = ? AND expires_at > ?", low, high, a.clock().UTC()).
		Count(&count).Error
	if err != nil {
		return false, newAnalyzerError(opValidateRoute, "blacklist_lookup_failed", err)
	}
	return count > 0, nil
}

// ExpireBlacklists removes cool-down entries past their expiry and
// returns how many were cleared.
func (a *Analyzer) ExpireBlacklists(ctx context.Context) (int, error) {
	result := a.db.WithContext(ctx).
		Where("expires_at <= ?", a.clock().UTC()).
		Delete(&PairBlacklist{})
	if result.Error != nil {
		return 0, newAnalyzerError(opBlacklist, "blacklist_expire_failed", result.Error)
	}
	return int(result.RowsAffected), nil
}

// PendingEdgesOlderThan lists edges still carrying pending credits that
// were created at or before the cutoff.
func (a *Analyzer) PendingEdgesOlderThan(ctx context.Context, cutoff time.Time) ([]LinkEdge, error) {
	var edges []LinkEdge
	err := a.db.WithContext(ctx).
		Where("credits_status = ? AND created_at <= ?", CreditsStatusPending, cutoff).
		Order("created_at ASC").
		Find(&edges).Error
	if err != nil {
		return nil, newAnalyzerError(opValidateRoute, "pending_edges_query_failed", err)
	}
	return edges, nil
}

// UpdateCreditsStatus transitions an edge's credit lifecycle state.
func (a *Analyzer) UpdateCreditsStatus(ctx context.Context, linkID string, status CreditsStatus) error {
	result := a.db.WithContext(ctx).Model(&LinkEdge{}).
		Where("link_id = ?", linkID).
		Updates(map[string]interface{}{
			"credits_status": status,
			"updated_at":     a.clock().UTC(),
		})
	if result.Error != nil {
		return newAnalyzerError(opCreateEdge, "status_update_failed", result.Error)
	}
	if result.RowsAffected == 0 {
		return ErrEdgeNotFound
	}
	return nil
}

// SetEdgeLiveness records the outcome of a liveness probe.
func (a *Analyzer) SetEdgeLiveness(ctx context.Context, linkID string, isLive, isIndexed bool) error {
	result := a.db.WithContext(ctx).Model(&LinkEdge{}).
		Where("link_id = ?", linkID).
		Updates(map[string]interface{}{
			"is_live":    isLive,
			"is_indexed": isIndexed,
			"updated_at": a.clock().UTC(),
		})
	if result.Error != nil {
		return newAnalyzerError(opCreateEdge, "liveness_update_failed", result.Error)
	}
	if result.RowsAffected == 0 {
		return ErrEdgeNotFound
	}
	return nil
}

// AnalyzeClusterRisk reports the neighbor-set overlap of two users as a
// 0-100 risk percentage. Informational only.
func (a *Analyzer) AnalyzeClusterRisk(ctx context.Context, userA, userB string) (ClusterRisk, error) {
	loader := newNeighborLoader(a.db.WithContext(ctx))
	neighborsA, err := loader.neighbors(ctx, userA)
	if err != nil {
		return ClusterRisk{}, newAnalyzerError(opClusterRisk, "neighbors_failed", err)
	}
	neighborsB, err := loader.neighbors(ctx, userB)
	if err != nil {
		return ClusterRisk{}, newAnalyzerError(opClusterRisk, "neighbors_failed", err)
	}

	setA := toSet(neighborsA, userB)
	setB := toSet(neighborsB, userA)
	shared := 0
	union := make(map[string]bool, len(setA)+len(setB))
	for node := range setA {
		union[node] = true
		if setB[node] {
			shared++
		}
	}
	for node := range setB {
		union[node] = true
	}
	if len(union) == 0 {
		return ClusterRisk{}, nil
	}
	return ClusterRisk{
		SharedNeighbors: shared,
		TotalNeighbors:  len(union),
		RiskPercent:     shared * 100 / len(union),
	}, nil
}

// reviewClusteringThreshold flags a neighborhood for manual review.
const reviewClusteringThreshold = 0.5

// DetectPatterns aggregates a user's reciprocal-link count and the
// clustering coefficient of their neighborhood. Used for dashboards
// and review queues, never to block a single transaction.
func (a *Analyzer) DetectPatterns(ctx context.Context, userID string) (PatternReport, error) {
	if userID == "" {
		return PatternReport{}, newAnalyzerError(opPatterns, "missing_user", errMissingUser)
	}

	var outgoing, incoming []LinkEdge
	db := a.db.WithContext(ctx)
	if err := db.Where("source_user_id = ? AND is_live = ?", userID, true).Find(&outgoing).Error; err != nil {
		return PatternReport{}, newAnalyzerError(opPatterns, "outgoing_query_failed", err)
	}
	if err := db.Where("target_user_id = ? AND is_live = ?", userID, true).Find(&incoming).Error; err != nil {
		return PatternReport{}, newAnalyzerError(opPatterns, "incoming_query_failed", err)
	}

	outTargets := make(map[string]bool, len(outgoing))
	for _, edge := range outgoing {
		outTargets[edge.TargetUserID] = true
	}
	reciprocal := 0
	for _, edge := range incoming {
		if outTargets[edge.SourceUserID] {
			reciprocal++
		}
	}

	coefficient, err := a.clusteringCoefficient(ctx, userID)
	if err != nil {
		return PatternReport{}, err
	}

	return PatternReport{
		UserID:                userID,
		OutgoingEdges:         len(outgoing),
		IncomingEdges:         len(incoming),
		ReciprocalLinks:       reciprocal,
		ClusteringCoefficient: coefficient,
		FlaggedForReview:      reciprocal > 0 || coefficient >= reviewClusteringThreshold,
	}, nil
}

// clusteringCoefficient measures how interconnected the user's
// neighbors are with each other: connected neighbor pairs over all
// neighbor pairs.
func (a *Analyzer) clusteringCoefficient(ctx context.Context, userID string) (float64, error) {
	loader := newNeighborLoader(a.db.WithContext(ctx))
	neighbors, err := loader.neighbors(ctx, userID)
	if err != nil {
		return 0, newAnalyzerError(opPatterns, "neighbors_failed", err)
	}
	if len(neighbors) < 2 {
		return 0, nil
	}

	connected := 0
	pairs := 0
	for i := 0; i < len(neighbors); i++ {
		for j := i + 1; j < len(neighbors); j++ {
			pairs++
			linked, err := a.edgeExistsEitherDirection(ctx, neighbors[i], neighbors[j])
			if err != nil {
				return 0, newAnalyzerError(opPatterns, "neighbor_pair_lookup_failed", err)
			}
			if linked {
				connected++
			}
		}
	}
	return float64(connected) / float64(pairs), nil
}

func (a *Analyzer) edgeExistsEitherDirection(ctx context.Context, userA, userB string) (bool, error) {
	var count int64
	err := a.db.WithContext(ctx).Model(&LinkEdge{}).
		Where("is_live = ? AND ((source_user_id = ? AND target_user_id = ?) OR (source_user_id = ? AND target_user_id = ?))",
			true, userA, userB, userB, userA).
		Count(&count).Error
	if err != nil {
		return false, err
	}
	return count > 0, nil
}

func toSet(values []string, exclude string) map[string]bool {
	set := make(map[string]bool, len(values))
	for _, value := range values {
		if value == exclude {
			continue
		}
		set[value] = true
	}
	return set
}

// neighborLoader caches adjacency lookups for the duration of one
// validation call, so batched route evaluation doesn't re-query the
// store per node.
type neighborLoader struct {
	db    *gorm.DB
	cache map[string][]string
}

func newNeighborLoader(db *gorm.DB) *neighborLoader {
	return &neighborLoader{db: db, cache: make(map[string][]string)}
}

// neighbors returns the distinct users connected to the node by a live
// edge in either direction.
func (l *neighborLoader) neighbors(ctx context.Context, userID string) ([]string, error) {
	if cached, ok := l.cache[userID]; ok {
		return cached, nil
	}

	var edges []LinkEdge
	err := l.db.WithContext(ctx).
		Select("source_user_id", "target_user_id").
		Where("is_live = ? AND (source_user_id = ? OR target_user_id = ?)", true, userID, userID).
		Find(&edges).Error
	if err != nil {
		return nil, err
	}

	seen := make(map[string]bool, len(edges))
	neighbors := make([]string, 0, len(edges))
	for _, edge := range edges {
		other := edge.TargetUserID
		if other == userID {
			other = edge.SourceUserID
		}
		if other == userID || seen[other] {
			continue
		}
		seen[other] = true
		neighbors = append(neighbors, other)
	}
	l.cache[userID] = neighbors
	return neighbors, nil
}
