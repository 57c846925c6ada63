package server

import (
	"context"
	"errors"
	"io"
	"net/http"
	"strconv"
	"strings"
	"time"

	"github.com/gin-contrib/cors"
	"github.com/gin-gonic/gin"
	"go.uber.org/zap"

	"github.com/ranklite/linkexchange/backend/internal/anchor"
	"github.com/ranklite/linkexchange/backend/internal/auth"
	"github.com/ranklite/linkexchange/backend/internal/exchange"
	"github.com/ranklite/linkexchange/backend/internal/graph"
	"github.com/ranklite/linkexchange/backend/internal/inventory"
	"github.com/ranklite/linkexchange/backend/internal/ledger"
)

const userIDContextKey = "linkexchange_user_id"

var (
	errMissingPartnerVerifier = errors.New("partner verifier dependency required")
	errMissingTokenManager    = errors.New("token manager dependency required")
	errMissingLedgerService   = errors.New("ledger service dependency required")
	errMissingInventoryServ   = errors.New("inventory service dependency required")
	errMissingExchangeService = errors.New("exchange orchestrator dependency required")
	errMissingGraphAnalyzer   = errors.New("graph analyzer dependency required")
	errMissingAnchorAllocator = errors.New("anchor allocator dependency required")
	errInvalidAuthorization   = errors.New("authorization header missing or invalid")
)

// PartnerVerifier checks a partner's API key.
type PartnerVerifier interface {
	Verify(ctx context.Context, partnerID, apiKey string) (auth.PartnerClaims, error)
}

// BackendTokenManager issues and validates backend JWTs.
type BackendTokenManager interface {
	IssueBackendToken(ctx context.Context, claims auth.PartnerClaims) (string, int64, error)
	ValidateToken(token string) (string, error)
}

// Dependencies wires the HTTP surface to the domain services.
type Dependencies struct {
	PartnerVerifier PartnerVerifier
	TokenManager    BackendTokenManager
	Ledger          *ledger.Service
	Inventory       *inventory.Service
	Exchange        *exchange.Orchestrator
	Graph           *graph.Analyzer
	Anchors         *anchor.Allocator
	Dispatcher      *EventDispatcher
	Logger          *zap.Logger
}

// NewHTTPHandler builds the gin router for the exchange API.
func NewHTTPHandler(deps Dependencies) (http.Handler, error) {
	if deps.PartnerVerifier == nil {
		return nil, errMissingPartnerVerifier
	}
	if deps.TokenManager == nil {
		return nil, errMissingTokenManager
	}
	if deps.Ledger == nil {
		return nil, errMissingLedgerService
	}
	if deps.Inventory == nil {
		return nil, errMissingInventoryServ
	}
	if deps.Exchange == nil {
		return nil, errMissingExchangeService
	}
	if deps.Graph == nil {
		return nil, errMissingGraphAnalyzer
	}
	if deps.Anchors == nil {
		return nil, errMissingAnchorAllocator
	}

	logger := deps.Logger
	if logger == nil {
		logger = zap.NewNop()
	}
	dispatcher := deps.Dispatcher
	if dispatcher == nil {
		dispatcher = NewEventDispatcher()
	}

	router := gin.New()
	router.Use(gin.Recovery())
	router.Use(cors.New(cors.Config{
		AllowOrigins: []string{"*"},
		AllowMethods: []string{http.MethodGet, http.MethodPost, http.MethodDelete, http.MethodOptions},
		AllowHeaders: []string{"Authorization", "Content-Type"},
		MaxAge:       12 * time.Hour,
	}))

	handler := &httpHandler{
		verifier:   deps.PartnerVerifier,
		tokens:     deps.TokenManager,
		ledger:     deps.Ledger,
		inventory:  deps.Inventory,
		exchange:   deps.Exchange,
		graph:      deps.Graph,
		anchors:    deps.Anchors,
		dispatcher: dispatcher,
		logger:     logger,
	}

	router.POST("/auth/token", handler.handleIssueToken)

	protected := router.Group("/")
	protected.Use(handler.authorizeRequest)
	protected.POST("/inventory", handler.handleSubmitInventory)
	protected.GET("/inventory/available", handler.handleAvailableInventory)
	protected.DELETE("/inventory/:inventoryID", handler.handleDeactivateInventory)
	protected.GET("/ledger/balance", handler.handleBalance)
	protected.GET("/ledger/transactions", handler.handleTransactions)
	protected.POST("/exchange/routes", handler.handleFindRoutes)
	protected.POST("/exchange/execute", handler.handleExecuteExchange)
	protected.GET("/graph/patterns", handler.handlePatterns)
	protected.GET("/anchors/distribution", handler.handleAnchorDistribution)
	protected.GET("/events/stream", handler.handleEventStream)

	return router, nil
}

type httpHandler struct {
	verifier   PartnerVerifier
	tokens     BackendTokenManager
	ledger     *ledger.Service
	inventory  *inventory.Service
	exchange   *exchange.Orchestrator
	graph      *graph.Analyzer
	anchors    *anchor.Allocator
	dispatcher *EventDispatcher
	logger     *zap.Logger
}

type tokenRequestPayload struct {
	PartnerID string `json:"partner_id"`
	APIKey    string `json:"api_key"`
}

type tokenResponsePayload struct {
	AccessToken string `json:"access_token"`
	ExpiresIn   int64  `json:"expires_in"`
	TokenType   string `json:"token_type"`
}

func (h *httpHandler) handleIssueToken(c *gin.Context) {
	var request tokenRequestPayload
	if err := c.ShouldBindJSON(&request); err != nil ||
		strings.TrimSpace(request.PartnerID) == "" || strings.TrimSpace(request.APIKey) == "" {
		c.JSON(http.StatusBadRequest, gin.H{"error": "invalid_request"})
		return
	}

	claims, err := h.verifier.Verify(c.Request.Context(), request.PartnerID, request.APIKey)
	if err != nil {
		h.logger.Warn("partner key verification failed", zap.String("partner_id", request.PartnerID))
		c.JSON(http.StatusUnauthorized, gin.H{"error": "unauthorized"})
		return
	}

	token, expiresIn, err := h.tokens.IssueBackendToken(c.Request.Context(), claims)
	if err != nil {
		h.logger.Error("failed to issue backend token", zap.Error(err))
		c.JSON(http.StatusInternalServerError, gin.H{"error": "token_issue_failed"})
		return
	}

	c.JSON(http.StatusOK, tokenResponsePayload{
		AccessToken: token,
		ExpiresIn:   expiresIn,
		TokenType:   "Bearer",
	})
}

type pageSubmissionPayload struct {
	PageURL          string `json:"page_url"`
	Domain           string `json:"domain"`
	DomainRating     int    `json:"domain_rating"`
	TrustFlow        int    `json:"trust_flow"`
	TrafficEstimate  int    `json:"traffic_estimate"`
	DomainAgeMonths  int    `json:"domain_age_months"`
	Niche            string `json:"niche"`
	Tier             int    `json:"tier"`
	LinkType         string `json:"link_type"`
	ContentPlacement string `json:"content_placement"`
	MaxOutboundLinks int    `json:"max_outbound_links"`
}

type submitInventoryPayload struct {
	SiteID string                  `json:"site_id"`
	Pages  []pageSubmissionPayload `json:"pages"`
}

type pageViewPayload struct {
	InventoryID        string `json:"inventory_id"`
	OwnerUserID        string `json:"owner_user_id"`
	PageURL            string `json:"page_url"`
	Domain             string `json:"domain"`
	DomainRating       int    `json:"domain_rating"`
	Niche              string `json:"niche"`
	Tier               int    `json:"tier"`
	QualityScore       int    `json:"quality_score"`
	RiskScore          int    `json:"risk_score"`
	CreditsPerLink     string `json:"credits_per_link"`
	VerificationStatus string `json:"verification_status"`
	OpenSlots          int    `json:"open_slots"`
}

func pageView(page inventory.InventoryPage) pageViewPayload {
	return pageViewPayload{
		InventoryID:        page.InventoryID,
		OwnerUserID:        page.OwnerUserID,
		PageURL:            page.PageURL,
		Domain:             page.Domain,
		DomainRating:       page.DomainRating,
		Niche:              page.Niche,
		Tier:               page.Tier,
		QualityScore:       page.QualityScore,
		RiskScore:          page.RiskScore,
		CreditsPerLink:     page.CreditsPerLink.String(),
		VerificationStatus: string(page.VerificationStatus),
		OpenSlots:          page.MaxOutboundLinks - page.CurrentOutboundLinks,
	}
}

type submitInventoryResponse struct {
	Submitted int               `json:"submitted"`
	Rejected  int               `json:"rejected"`
	Errors    []string          `json:"errors,omitempty"`
	Pages     []pageViewPayload `json:"pages"`
}

func (h *httpHandler) handleSubmitInventory(c *gin.Context) {
	userID := c.GetString(userIDContextKey)

	var request submitInventoryPayload
	if err := c.ShouldBindJSON(&request); err != nil || len(request.Pages) == 0 {
		c.JSON(http.StatusBadRequest, gin.H{"error": "invalid_request"})
		return
	}

	submissions := make([]inventory.PageSubmission, 0, len(request.Pages))
	for _, page := range request.Pages {
		submissions = append(submissions, inventory.PageSubmission{
			PageURL:          page.PageURL,
			Domain:           page.Domain,
			DomainRating:     page.DomainRating,
			TrustFlow:        page.TrustFlow,
			TrafficEstimate:  page.TrafficEstimate,
			DomainAgeMonths:  page.DomainAgeMonths,
			Niche:            page.Niche,
			Tier:             page.Tier,
			LinkType:         inventory.LinkType(page.LinkType),
			ContentPlacement: inventory.ContentPlacement(page.ContentPlacement),
			MaxOutboundLinks: page.MaxOutboundLinks,
		})
	}

	result, err := h.inventory.SubmitInventory(c.Request.Context(), userID, request.SiteID, submissions)
	if err != nil {
		h.logger.Error("inventory submission failed", zap.Error(err))
		c.JSON(http.StatusInternalServerError, gin.H{"error": "submission_failed"})
		return
	}

	response := submitInventoryResponse{
		Submitted: result.Submitted,
		Rejected:  result.Rejected,
		Errors:    result.Errors,
		Pages:     make([]pageViewPayload, 0, len(result.Pages)),
	}
	for _, page := range result.Pages {
		response.Pages = append(response.Pages, pageView(page))
	}
	c.JSON(http.StatusOK, response)
}

func (h *httpHandler) handleAvailableInventory(c *gin.Context) {
	userID := c.GetString(userIDContextKey)

	filters := inventory.Filters{
		MinDomainRating: queryInt(c, "min_domain_rating"),
		MaxRiskScore:    queryInt(c, "max_risk_score"),
		Niche:           c.Query("niche"),
		Tier:            queryInt(c, "tier"),
		Limit:           queryInt(c, "limit"),
	}

	pages, err := h.inventory.GetAvailableInventory(c.Request.Context(), userID, filters)
	if err != nil {
		h.logger.Error("availability query failed", zap.Error(err))
		c.JSON(http.StatusInternalServerError, gin.H{"error": "query_failed"})
		return
	}

	views := make([]pageViewPayload, 0, len(pages))
	for _, page := range pages {
		views = append(views, pageView(page))
	}
	c.JSON(http.StatusOK, gin.H{"pages": views})
}

func (h *httpHandler) handleDeactivateInventory(c *gin.Context) {
	userID := c.GetString(userIDContextKey)
	inventoryID := c.Param("inventoryID")

	err := h.inventory.Deactivate(c.Request.Context(), userID, inventoryID)
	if errors.Is(err, inventory.ErrPageNotFound) {
		c.JSON(http.StatusNotFound, gin.H{"error": "page_not_found"})
		return
	}
	if err != nil {
		h.logger.Error("inventory deactivation failed", zap.Error(err))
		c.JSON(http.StatusInternalServerError, gin.H{"error": "deactivation_failed"})
		return
	}
	c.Status(http.StatusNoContent)
}

type balanceResponsePayload struct {
	UserID         string `json:"user_id"`
	Balance        string `json:"balance"`
	PendingCredits string `json:"pending_credits"`
	LifetimeEarned string `json:"lifetime_earned"`
	LifetimeSpent  string `json:"lifetime_spent"`
}

func (h *httpHandler) handleBalance(c *gin.Context) {
	userID := c.GetString(userIDContextKey)

	record, err := h.ledger.GetBalance(c.Request.Context(), userID)
	if err != nil {
		h.logger.Error("balance lookup failed", zap.Error(err))
		c.JSON(http.StatusInternalServerError, gin.H{"error": "balance_lookup_failed"})
		return
	}

	c.JSON(http.StatusOK, balanceResponsePayload{
		UserID:         record.UserID,
		Balance:        record.Balance.String(),
		PendingCredits: record.PendingCredits.String(),
		LifetimeEarned: record.LifetimeEarned.String(),
		LifetimeSpent:  record.LifetimeSpent.String(),
	})
}

type transactionPayload struct {
	TransactionID      string `json:"transaction_id"`
	Type               string `json:"type"`
	Amount             string `json:"amount"`
	BalanceAfter       string `json:"balance_after"`
	Reason             string `json:"reason"`
	RelatedLinkID      string `json:"related_link_id,omitempty"`
	RelatedInventoryID string `json:"related_inventory_id,omitempty"`
	CreatedAtSeconds   int64  `json:"created_at_s"`
}

func (h *httpHandler) handleTransactions(c *gin.Context) {
	userID := c.GetString(userIDContextKey)

	entries, err := h.ledger.History(c.Request.Context(), userID, queryInt(c, "limit"))
	if err != nil {
		h.logger.Error("transaction history failed", zap.Error(err))
		c.JSON(http.StatusInternalServerError, gin.H{"error": "history_failed"})
		return
	}

	payload := make([]transactionPayload, 0, len(entries))
	for _, entry := range entries {
		payload = append(payload, transactionPayload{
			TransactionID:      entry.TransactionID,
			Type:               string(entry.Type),
			Amount:             entry.Amount.String(),
			BalanceAfter:       entry.BalanceAfter.String(),
			Reason:             entry.Reason,
			RelatedLinkID:      entry.RelatedLinkID,
			RelatedInventoryID: entry.RelatedInventoryID,
			CreatedAtSeconds:   entry.CreatedAt.Unix(),
		})
	}
	c.JSON(http.StatusOK, gin.H{"transactions": payload})
}

type findRoutesPayload struct {
	MinDomainRating int    `json:"min_domain_rating"`
	MaxRiskScore    int    `json:"max_risk_score"`
	Niche           string `json:"niche"`
	Tier            int    `json:"tier"`
	Limit           int    `json:"limit"`
}

func (h *httpHandler) handleFindRoutes(c *gin.Context) {
	userID := c.GetString(userIDContextKey)

	var request findRoutesPayload
	if err := c.ShouldBindJSON(&request); err != nil && !errors.Is(err, io.EOF) {
		c.JSON(http.StatusBadRequest, gin.H{"error": "invalid_request"})
		return
	}

	routes, err := h.exchange.FindMatchingRoutes(c.Request.Context(), userID, inventory.Filters{
		MinDomainRating: request.MinDomainRating,
		MaxRiskScore:    request.MaxRiskScore,
		Niche:           request.Niche,
		Tier:            request.Tier,
		Limit:           request.Limit,
	})
	if err != nil {
		h.logger.Error("route discovery failed", zap.Error(err))
		c.JSON(http.StatusInternalServerError, gin.H{"error": "route_discovery_failed"})
		return
	}
	c.JSON(http.StatusOK, gin.H{"routes": routes})
}

type executeExchangePayload struct {
	InventoryID string `json:"inventory_id"`
	TargetURL   string `json:"target_url"`
	AnchorText  string `json:"anchor_text"`
	AnchorType  string `json:"anchor_type"`
	Keyword     string `json:"keyword"`
	SiteName    string `json:"site_name"`
}

func (h *httpHandler) handleExecuteExchange(c *gin.Context) {
	userID := c.GetString(userIDContextKey)

	var request executeExchangePayload
	if err := c.ShouldBindJSON(&request); err != nil || request.InventoryID == "" || request.TargetURL == "" {
		c.JSON(http.StatusBadRequest, gin.H{"error": "invalid_request"})
		return
	}

	result, err := h.exchange.ExecuteExchange(c.Request.Context(), exchange.ExecuteRequest{
		RequesterID: userID,
		InventoryID: request.InventoryID,
		TargetURL:   request.TargetURL,
		AnchorText:  request.AnchorText,
		AnchorType:  anchor.Type(request.AnchorType),
		Keyword:     request.Keyword,
		SiteName:    request.SiteName,
	})
	if err != nil {
		status, code := exchangeErrorStatus(err)
		if status == http.StatusInternalServerError {
			h.logger.Error("exchange execution failed", zap.Error(err))
		}
		c.JSON(status, gin.H{"error": code})
		return
	}

	now := time.Now().UTC()
	h.dispatcher.Publish(EventMessage{
		UserID:    userID,
		EventType: EventExchangeExecuted,
		LinkID:    result.LinkID,
		Credits:   result.CreditsSpent.String(),
		Timestamp: now,
	})
	h.dispatcher.Publish(EventMessage{
		UserID:    result.SourceUserID,
		EventType: EventCreditsHeld,
		LinkID:    result.LinkID,
		Credits:   result.CreditsSpent.String(),
		Timestamp: now,
	})

	c.JSON(http.StatusOK, result)
}

func exchangeErrorStatus(err error) (int, string) {
	switch {
	case errors.Is(err, ledger.ErrInsufficientFunds):
		return http.StatusPaymentRequired, "insufficient_credits"
	case errors.Is(err, exchange.ErrVelocityExceeded):
		return http.StatusTooManyRequests, "velocity_cap_reached"
	case errors.Is(err, exchange.ErrRouteRejected):
		return http.StatusConflict, "route_rejected"
	case errors.Is(err, inventory.ErrNoCapacity):
		return http.StatusConflict, "no_capacity"
	case errors.Is(err, exchange.ErrSelfExchange):
		return http.StatusBadRequest, "self_exchange"
	case errors.Is(err, exchange.ErrPageUnavailable), errors.Is(err, inventory.ErrPageNotFound):
		return http.StatusNotFound, "page_unavailable"
	default:
		return http.StatusInternalServerError, "exchange_failed"
	}
}

func (h *httpHandler) handlePatterns(c *gin.Context) {
	userID := c.GetString(userIDContextKey)

	report, err := h.graph.DetectPatterns(c.Request.Context(), userID)
	if err != nil {
		h.logger.Error("pattern detection failed", zap.Error(err))
		c.JSON(http.StatusInternalServerError, gin.H{"error": "pattern_detection_failed"})
		return
	}
	c.JSON(http.StatusOK, gin.H{
		"user_id":                report.UserID,
		"outgoing_edges":         report.OutgoingEdges,
		"incoming_edges":         report.IncomingEdges,
		"reciprocal_links":       report.ReciprocalLinks,
		"clustering_coefficient": report.ClusteringCoefficient,
		"flagged_for_review":     report.FlaggedForReview,
	})
}

func (h *httpHandler) handleAnchorDistribution(c *gin.Context) {
	userID := c.GetString(userIDContextKey)

	shares, err := h.anchors.Distribution(c.Request.Context(), userID, queryInt(c, "tier"))
	if err != nil {
		h.logger.Error("anchor distribution failed", zap.Error(err))
		c.JSON(http.StatusInternalServerError, gin.H{"error": "distribution_failed"})
		return
	}
	c.JSON(http.StatusOK, gin.H{"distribution": shares})
}

func (h *httpHandler) handleEventStream(c *gin.Context) {
	userID := c.GetString(userIDContextKey)

	c.Writer.Header().Set("Content-Type", "text/event-stream")
	c.Writer.Header().Set("Cache-Control", "no-cache")
	c.Writer.Header().Set("Connection", "keep-alive")
	c.Writer.WriteHeader(http.StatusOK)
	c.Writer.Flush()

	stream, cleanup := h.dispatcher.Subscribe(c.Request.Context(), userID)
	defer cleanup()

	heartbeat := time.NewTicker(15 * time.Second)
	defer heartbeat.Stop()

	for {
		select {
		case <-c.Request.Context().Done():
			return
		case message, open := <-stream:
			if !open {
				return
			}
			c.SSEvent(message.EventType, gin.H{
				"link_id":   message.LinkID,
				"credits":   message.Credits,
				"timestamp": message.Timestamp.Unix(),
			})
			c.Writer.Flush()
		case <-heartbeat.C:
			c.SSEvent(eventHeartbeat, gin.H{"timestamp": time.Now().UTC().Unix()})
			c.Writer.Flush()
		}
	}
}

// authorizeRequest accepts a Bearer header or, for EventSource clients
// that cannot set headers, an access_token query parameter.
func (h *httpHandler) authorizeRequest(c *gin.Context) {
	token := ""
	header := c.GetHeader("Authorization")
	if strings.HasPrefix(header, "Bearer ") {
		token = strings.TrimSpace(strings.TrimPrefix(header, "Bearer "))
	}
	if token == "" {
		token = strings.TrimSpace(c.Query("access_token"))
	}
	if token == "" {
		c.AbortWithStatusJSON(http.StatusUnauthorized, gin.H{"error": errInvalidAuthorization.Error()})
		return
	}
	subject, err := h.tokens.ValidateToken(token)
	if err != nil {
		h.logger.Warn("token validation failed", zap.Error(err))
		c.AbortWithStatusJSON(http.StatusUnauthorized, gin.H{"error": "unauthorized"})
		return
	}
	c.Set(userIDContextKey, subject)
	c.Next()
}

func queryInt(c *gin.Context, key string) int {
	raw := c.Query(key)
	if raw == "" {
		return 0
	}
	value, err := strconv.Atoi(raw)
	if err != nil || value < 0 {
		return 0
	}
	return value
}
