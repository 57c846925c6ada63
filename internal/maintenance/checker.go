package maintenance

import (
	"context"
	"fmt"
	"io"
	"net/http"
	"strings"
	"time"

	"github.com/ranklite/linkexchange/backend/internal/graph"
	"github.com/ranklite/linkexchange/backend/internal/inventory"
)

const (
	checkTimeout = 10 * time.Second
	// maxBodyBytes bounds how much of the hosting page is scanned for
	// the target reference.
	maxBodyBytes = 1 << 20
)

// HTTPLinkChecker verifies an edge by fetching the hosting page and
// scanning the body for the target URL. A page that resolves but no
// longer references the target counts as a removed link.
type HTTPLinkChecker struct {
	inventory *inventory.Service
	client    *http.Client
}

// NewHTTPLinkChecker constructs the production link checker.
func NewHTTPLinkChecker(inventoryService *inventory.Service, client *http.Client) *HTTPLinkChecker {
	if client == nil {
		client = &http.Client{Timeout: checkTimeout}
	}
	return &HTTPLinkChecker{inventory: inventoryService, client: client}
}

// CheckLive implements LinkChecker.
func (c *HTTPLinkChecker) CheckLive(ctx context.Context, edge graph.LinkEdge) (bool, bool, error) {
	page, err := c.inventory.Get(ctx, edge.SourceInventoryID)
	if err != nil {
		return false, false, fmt.Errorf("hosting page lookup failed: %w", err)
	}

	checkCtx, cancel := context.WithTimeout(ctx, checkTimeout)
	defer cancel()

	request, err := http.NewRequestWithContext(checkCtx, http.MethodGet, page.PageURL, nil)
	if err != nil {
		return false, false, fmt.Errorf("request build failed: %w", err)
	}
	response, err := c.client.Do(request)
	if err != nil {
		// An unreachable host is a dead link, not a sweep failure.
		return false, false, nil
	}
	defer response.Body.Close()

	if response.StatusCode >= 400 {
		return false, false, nil
	}
	body, err := io.ReadAll(io.LimitReader(response.Body, maxBodyBytes))
	if err != nil {
		return false, false, fmt.Errorf("body read failed: %w", err)
	}
	live := strings.Contains(string(body), edge.TargetURL)
	return live, live && edge.IsIndexed, nil
}
