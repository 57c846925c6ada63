package exchange

import (
	"context"
	"errors"
	"fmt"
	"sort"
	"time"

	"github.com/shopspring/decimal"
	"go.uber.org/zap"

	"github.com/ranklite/linkexchange/backend/internal/anchor"
	"github.com/ranklite/linkexchange/backend/internal/graph"
	"github.com/ranklite/linkexchange/backend/internal/inventory"
	"github.com/ranklite/linkexchange/backend/internal/ledger"
)

var (
	// ErrRouteRejected carries the graph safety reason that blocked an
	// exchange. Terminal for this pair; retrying will not help.
	ErrRouteRejected = errors.New("exchange: route rejected")
	// ErrVelocityExceeded means a daily placement or acquisition cap
	// was hit. Retryable after the window rolls over.
	ErrVelocityExceeded = errors.New("exchange: daily velocity cap reached")
	// ErrPageUnavailable means the chosen page is inactive or not
	// verified for placements.
	ErrPageUnavailable = errors.New("exchange: page unavailable")
	// ErrSelfExchange rejects placements on the requester's own pages.
	ErrSelfExchange = errors.New("exchange: cannot place a link on your own page")

	errMissingLedger      = errors.New("ledger service is required")
	errMissingGraph       = errors.New("graph analyzer is required")
	errMissingInventory   = errors.New("inventory service is required")
	errMissingAnchors     = errors.New("anchor allocator is required")
	errMissingRequester   = errors.New("requester identifier is required")
	errMissingInventoryID = errors.New("inventory identifier is required")
	errMissingTargetURL   = errors.New("target url is required")
	noOpLogger            = zap.NewNop()
)

const (
	opOrchestratorNew = "exchange.orchestrator.new"
	opFindRoutes      = "exchange.find_matching_routes"
	opExecute         = "exchange.execute_exchange"
)

const (
	// maxRoutes bounds FindMatchingRoutes output.
	maxRoutes = 10

	drWeight      = 0.4
	qualityWeight = 0.3
	hopWeight     = 5.0
)

// tierDailyCaps bounds how many links a requester may acquire per day,
// keyed by the tier of the page being acquired from.
var tierDailyCaps = map[int]int{1: 3, 2: 8, 3: 15}

func newOrchestratorError(operation, reason string, cause error) error {
	return fmt.Errorf("%s.%s: %w", operation, reason, cause)
}

// OrchestratorConfig describes the services an exchange composes.
type OrchestratorConfig struct {
	Ledger    *ledger.Service
	Graph     *graph.Analyzer
	Inventory *inventory.Service
	Anchors   *anchor.Allocator
	Clock     func() time.Time
	Logger    *zap.Logger
}

// Orchestrator drives the exchange saga across the ledger, the link
// graph, the inventory pool, and the anchor allocator. Each step that
// mutates money is followed by compensating refunds on later failure.
type Orchestrator struct {
	ledger    *ledger.Service
	graph     *graph.Analyzer
	inventory *inventory.Service
	anchors   *anchor.Allocator
	clock     func() time.Time
	logger    *zap.Logger
}

// NewOrchestrator constructs the exchange orchestrator.
func NewOrchestrator(cfg OrchestratorConfig) (*Orchestrator, error) {
	if cfg.Ledger == nil {
		return nil, newOrchestratorError(opOrchestratorNew, "missing_ledger", errMissingLedger)
	}
	if cfg.Graph == nil {
		return nil, newOrchestratorError(opOrchestratorNew, "missing_graph", errMissingGraph)
	}
	if cfg.Inventory == nil {
		return nil, newOrchestratorError(opOrchestratorNew, "missing_inventory", errMissingInventory)
	}
	if cfg.Anchors == nil {
		return nil, newOrchestratorError(opOrchestratorNew, "missing_anchors", errMissingAnchors)
	}
	clock := cfg.Clock
	if clock == nil {
		clock = time.Now
	}
	logger := cfg.Logger
	if logger == nil {
		logger = noOpLogger
	}
	return &Orchestrator{
		ledger:    cfg.Ledger,
		graph:     cfg.Graph,
		inventory: cfg.Inventory,
		anchors:   cfg.Anchors,
		clock:     clock,
		logger:    logger,
	}, nil
}

// FindMatchingRoutes returns up to ten safe, ranked placement
// candidates for a requester. Pages whose route fails graph validation
// are skipped without surfacing the reason; discovery never explains
// why a particular pairing is absent.
func (o *Orchestrator) FindMatchingRoutes(ctx context.Context, requesterID string, filters inventory.Filters) ([]MatchedRoute, error) {
	if requesterID == "" {
		return nil, newOrchestratorError(opFindRoutes, "missing_requester", errMissingRequester)
	}

	pages, err := o.inventory.GetAvailableInventory(ctx, requesterID, filters)
	if err != nil {
		return nil, newOrchestratorError(opFindRoutes, "availability_query_failed", err)
	}

	routes := make([]MatchedRoute, 0, len(pages))
	for _, page := range pages {
		verdict, err := o.graph.ValidateRoute(ctx, page.OwnerUserID, requesterID, page.Domain)
		if err != nil {
			return nil, newOrchestratorError(opFindRoutes, "route_validation_failed", err)
		}
		if !verdict.IsValid {
			continue
		}
		routes = append(routes, MatchedRoute{
			InventoryID:    page.InventoryID,
			OwnerUserID:    page.OwnerUserID,
			PageURL:        page.PageURL,
			Domain:         page.Domain,
			DomainRating:   page.DomainRating,
			QualityScore:   page.QualityScore,
			Tier:           page.Tier,
			HopDistance:    verdict.HopDistance,
			CreditsPerLink: page.CreditsPerLink,
			MatchScore:     matchScore(page.DomainRating, page.QualityScore, verdict.HopDistance),
		})
	}

	sort.SliceStable(routes, func(i, j int) bool {
		if routes[i].MatchScore != routes[j].MatchScore {
			return routes[i].MatchScore > routes[j].MatchScore
		}
		if routes[i].DomainRating != routes[j].DomainRating {
			return routes[i].DomainRating > routes[j].DomainRating
		}
		return routes[i].InventoryID < routes[j].InventoryID
	})
	if len(routes) > maxRoutes {
		routes = routes[:maxRoutes]
	}
	return routes, nil
}

// matchScore ranks a candidate. Distance is a safety bonus, so farther
// is better; unreachable pairs count as the deepest measurable
// distance rather than the unbounded sentinel.
func matchScore(domainRating, qualityScore, hopDistance int) float64 {
	hops := hopDistance
	if hops > graph.MaxSearchDepth {
		hops = graph.MaxSearchDepth
	}
	return float64(domainRating)*drWeight + float64(qualityScore)*qualityWeight + float64(hops)*hopWeight
}

// ExecuteExchange runs one placement end to end: safety re-validation,
// velocity caps, debit, anchor approval, slot reservation, edge
// creation, and the owner's held credit award. Money moves before the
// edge exists, so every later failure refunds the requester before
// returning.
func (o *Orchestrator) ExecuteExchange(ctx context.Context, req ExecuteRequest) (ExecuteResult, error) {
	if req.RequesterID == "" {
		return ExecuteResult{}, newOrchestratorError(opExecute, "missing_requester", errMissingRequester)
	}
	if req.InventoryID == "" {
		return ExecuteResult{}, newOrchestratorError(opExecute, "missing_inventory_id", errMissingInventoryID)
	}
	if req.TargetURL == "" {
		return ExecuteResult{}, newOrchestratorError(opExecute, "missing_target_url", errMissingTargetURL)
	}

	page, err := o.inventory.Get(ctx, req.InventoryID)
	if err != nil {
		return ExecuteResult{}, newOrchestratorError(opExecute, "page_lookup_failed", err)
	}
	if !page.IsActive || page.VerificationStatus != inventory.VerificationStatusVerified {
		return ExecuteResult{}, newOrchestratorError(opExecute, "page_unavailable", ErrPageUnavailable)
	}
	if page.OwnerUserID == req.RequesterID {
		return ExecuteResult{}, newOrchestratorError(opExecute, "self_exchange", ErrSelfExchange)
	}

	if err := o.enforceVelocity(ctx, req.RequesterID, page); err != nil {
		return ExecuteResult{}, err
	}

	verdict, err := o.graph.ValidateRoute(ctx, page.OwnerUserID, req.RequesterID, page.Domain)
	if err != nil {
		return ExecuteResult{}, newOrchestratorError(opExecute, "route_validation_failed", err)
	}
	if !verdict.IsValid {
		return ExecuteResult{}, newOrchestratorError(opExecute, "route_rejected",
			fmt.Errorf("%w: %s", ErrRouteRejected, verdict.BlockedReason))
	}

	cost := page.CreditsPerLink
	spendRefs := ledger.References{InventoryID: page.InventoryID}
	record, _, err := o.ledger.SpendCredits(ctx, req.RequesterID, cost,
		fmt.Sprintf("link placement on %s", page.Domain), spendRefs)
	if err != nil {
		return ExecuteResult{}, newOrchestratorError(opExecute, "debit_failed", err)
	}

	// The anchor approval writes a usage row that counts toward the
	// requester's anchor caps, so it joins the saga after the debit and
	// gets discarded on any later failure.
	selection, err := o.anchors.ApproveAnchor(ctx, anchor.SelectionRequest{
		UserID:    req.RequesterID,
		TargetURL: req.TargetURL,
		Keyword:   req.Keyword,
		SiteName:  req.SiteName,
		Tier:      page.Tier,
		Module:    "exchange",
	}, req.AnchorText, req.AnchorType)
	if err != nil {
		o.refund(ctx, req.RequesterID, cost, page.InventoryID, "anchor approval failed")
		return ExecuteResult{}, newOrchestratorError(opExecute, "anchor_selection_failed", err)
	}

	if err := o.inventory.ReserveSlot(ctx, page.InventoryID); err != nil {
		o.discardAnchor(ctx, selection.LogID)
		o.refund(ctx, req.RequesterID, cost, page.InventoryID, "slot reservation failed")
		return ExecuteResult{}, newOrchestratorError(opExecute, "slot_reservation_failed", err)
	}

	edge, err := o.graph.CreateEdge(ctx, graph.CreateEdgeParams{
		SourceUserID:      page.OwnerUserID,
		TargetUserID:      req.RequesterID,
		SourceInventoryID: page.InventoryID,
		TargetURL:         req.TargetURL,
		AnchorText:        selection.Text,
		AnchorType:        string(selection.Type),
		HopDistance:       verdict.HopDistance,
		CreditsAwarded:    cost,
	})
	if err != nil {
		if releaseErr := o.inventory.ReleaseSlot(ctx, page.InventoryID); releaseErr != nil {
			o.logger.Error("slot release failed after edge creation failure",
				zap.String("inventory_id", page.InventoryID), zap.Error(releaseErr))
		}
		o.discardAnchor(ctx, selection.LogID)
		o.refund(ctx, req.RequesterID, cost, page.InventoryID, "edge creation failed")
		return ExecuteResult{}, newOrchestratorError(opExecute, "edge_creation_failed", err)
	}

	_, _, err = o.ledger.AwardPendingCredits(ctx, page.OwnerUserID, cost,
		fmt.Sprintf("held credits for link %s", edge.LinkID),
		ledger.References{LinkID: edge.LinkID, InventoryID: page.InventoryID})
	if err != nil {
		// The edge row still carries the owed amount, and conversion at
		// the end of the hold window pays out from it even when this
		// award is absent, so the exchange stands.
		o.logger.Error("pending award failed after edge creation",
			zap.String("link_id", edge.LinkID),
			zap.String("owner_user_id", page.OwnerUserID),
			zap.Error(err))
	}

	o.blacklistAtCap(ctx, page.OwnerUserID, req.RequesterID)

	o.logger.Info("exchange executed",
		zap.String("link_id", edge.LinkID),
		zap.String("requester_id", req.RequesterID),
		zap.String("owner_id", page.OwnerUserID),
		zap.String("credits", cost.String()))

	return ExecuteResult{
		LinkID:       edge.LinkID,
		SourceUserID: page.OwnerUserID,
		InventoryID:  page.InventoryID,
		TargetURL:    req.TargetURL,
		AnchorText:   selection.Text,
		AnchorType:   selection.Type,
		HopDistance:  verdict.HopDistance,
		CreditsSpent: cost,
		BalanceAfter: record.Balance,
	}, nil
}

// enforceVelocity checks both sides of the trade: the owner's outgoing
// placement rate and the requester's per-tier daily acquisition cap.
func (o *Orchestrator) enforceVelocity(ctx context.Context, requesterID string, page inventory.InventoryPage) error {
	allowed, _, err := o.graph.CheckVelocity(ctx, page.OwnerUserID)
	if err != nil {
		return newOrchestratorError(opExecute, "velocity_check_failed", err)
	}
	if !allowed {
		return newOrchestratorError(opExecute, "owner_velocity_exceeded", ErrVelocityExceeded)
	}

	now := o.clock().UTC()
	startOfDay := time.Date(now.Year(), now.Month(), now.Day(), 0, 0, 0, 0, time.UTC)
	acquired, err := o.graph.AcquisitionCountSince(ctx, requesterID, startOfDay)
	if err != nil {
		return newOrchestratorError(opExecute, "velocity_check_failed", err)
	}
	limit, known := tierDailyCaps[page.Tier]
	if !known {
		limit = tierDailyCaps[2]
	}
	if acquired >= limit {
		return newOrchestratorError(opExecute, "acquisition_velocity_exceeded", ErrVelocityExceeded)
	}
	return nil
}

// refund compensates the requester after a failure past the debit. A
// failed refund is a ledger inconsistency that needs an operator.
func (o *Orchestrator) refund(ctx context.Context, userID string, amount decimal.Decimal, inventoryID, cause string) {
	_, _, err := o.ledger.RefundCredits(ctx, userID, amount,
		fmt.Sprintf("refund: %s", cause), ledger.References{InventoryID: inventoryID})
	if err != nil {
		o.logger.Error("refund failed, ledger requires manual reconciliation",
			zap.String("user_id", userID),
			zap.String("amount", amount.String()),
			zap.String("inventory_id", inventoryID),
			zap.String("cause", cause),
			zap.Error(err))
	}
}

func (o *Orchestrator) discardAnchor(ctx context.Context, logID string) {
	if err := o.anchors.DiscardUsage(ctx, logID); err != nil {
		o.logger.Warn("anchor usage discard failed",
			zap.String("log_id", logID),
			zap.Error(err))
	}
}

// blacklistAtCap cools the pair down once it reaches the lifetime
// connection cap, so later validations reject it outright.
func (o *Orchestrator) blacklistAtCap(ctx context.Context, ownerID, requesterID string) {
	count, err := o.graph.ConnectionCount(ctx, ownerID, requesterID)
	if err != nil {
		o.logger.Warn("connection count check failed after exchange",
			zap.String("owner_id", ownerID), zap.String("requester_id", requesterID), zap.Error(err))
		return
	}
	if count < graph.MaxConnectionsPerPair {
		return
	}
	if err := o.graph.RecordBlacklist(ctx, ownerID, requesterID, "connection cap reached"); err != nil {
		o.logger.Warn("pair blacklist record failed",
			zap.String("owner_id", ownerID), zap.String("requester_id", requesterID), zap.Error(err))
	}
}
