package maintenance

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/robfig/cron/v3"
	"go.uber.org/zap"

	"github.com/ranklite/linkexchange/backend/internal/graph"
	"github.com/ranklite/linkexchange/backend/internal/inventory"
	"github.com/ranklite/linkexchange/backend/internal/ledger"
)

const (
	// PendingWindow is how long an edge's credits stay held before the
	// survival check settles them.
	PendingWindow = 7 * 24 * time.Hour
	// ReverifyInterval is how stale a page's verification may get
	// before the sweep rechecks reachability.
	ReverifyInterval = 30 * 24 * time.Hour
)

var (
	errMissingLedger    = errors.New("ledger service is required")
	errMissingGraph     = errors.New("graph analyzer is required")
	errMissingInventory = errors.New("inventory service is required")
	errMissingChecker   = errors.New("link checker is required")
	noOpLogger          = zap.NewNop()
)

const (
	opRunnerNew    = "maintenance.runner.new"
	opVerification = "maintenance.process_link_verification"
	opDecay        = "maintenance.apply_network_decay"
	opReverify     = "maintenance.reverify_inventory"
	opBlacklists   = "maintenance.expire_blacklists"
	opSchedule     = "maintenance.schedule"
)

func newRunnerError(operation, reason string, cause error) error {
	return fmt.Errorf("%s.%s: %w", operation, reason, cause)
}

// LinkChecker decides whether an exchanged link still exists on the
// hosting page.
type LinkChecker interface {
	CheckLive(ctx context.Context, edge graph.LinkEdge) (live bool, indexed bool, err error)
}

// RunnerConfig describes the dependencies of the maintenance sweeps.
type RunnerConfig struct {
	Ledger    *ledger.Service
	Graph     *graph.Analyzer
	Inventory *inventory.Service
	Checker   LinkChecker
	Clock     func() time.Time
	Logger    *zap.Logger
}

// Runner owns the periodic sweeps: settling held credits once the
// pending window closes, eroding idle balances, rechecking stale page
// verifications, and clearing expired pair blacklists. Every sweep is
// per-item fault isolated; one bad row never stalls the batch.
type Runner struct {
	ledger    *ledger.Service
	graph     *graph.Analyzer
	inventory *inventory.Service
	checker   LinkChecker
	clock     func() time.Time
	logger    *zap.Logger
}

// NewRunner constructs the maintenance runner.
func NewRunner(cfg RunnerConfig) (*Runner, error) {
	if cfg.Ledger == nil {
		return nil, newRunnerError(opRunnerNew, "missing_ledger", errMissingLedger)
	}
	if cfg.Graph == nil {
		return nil, newRunnerError(opRunnerNew, "missing_graph", errMissingGraph)
	}
	if cfg.Inventory == nil {
		return nil, newRunnerError(opRunnerNew, "missing_inventory", errMissingInventory)
	}
	if cfg.Checker == nil {
		return nil, newRunnerError(opRunnerNew, "missing_checker", errMissingChecker)
	}
	clock := cfg.Clock
	if clock == nil {
		clock = time.Now
	}
	logger := cfg.Logger
	if logger == nil {
		logger = noOpLogger
	}
	return &Runner{
		ledger:    cfg.Ledger,
		graph:     cfg.Graph,
		inventory: cfg.Inventory,
		checker:   cfg.Checker,
		clock:     clock,
		logger:    logger,
	}, nil
}

// VerificationReport summarizes one settlement sweep.
type VerificationReport struct {
	Processed  int
	Awarded    int
	ClawedBack int
	Errors     []string
}

// ProcessLinkVerification settles every edge whose pending window has
// closed: surviving links promote the owner's held credits, vanished
// links claw them back. Failures are collected per edge and the sweep
// keeps going.
func (r *Runner) ProcessLinkVerification(ctx context.Context) (VerificationReport, error) {
	cutoff := r.clock().UTC().Add(-PendingWindow)
	edges, err := r.graph.PendingEdgesOlderThan(ctx, cutoff)
	if err != nil {
		return VerificationReport{}, newRunnerError(opVerification, "pending_query_failed", err)
	}

	report := VerificationReport{}
	for _, edge := range edges {
		report.Processed++
		survived, err := r.settleEdge(ctx, edge)
		if err != nil {
			report.Errors = append(report.Errors, fmt.Sprintf("%s: %v", edge.LinkID, err))
			r.logger.Warn("edge settlement failed",
				zap.String("link_id", edge.LinkID), zap.Error(err))
			continue
		}
		if survived {
			report.Awarded++
		} else {
			report.ClawedBack++
		}
	}
	return report, nil
}

func (r *Runner) settleEdge(ctx context.Context, edge graph.LinkEdge) (bool, error) {
	live, indexed, err := r.checker.CheckLive(ctx, edge)
	if err != nil {
		return false, fmt.Errorf("liveness check failed: %w", err)
	}

	refs := ledger.References{LinkID: edge.LinkID, InventoryID: edge.SourceInventoryID}
	if live {
		_, _, err = r.ledger.ConvertPendingToEarned(ctx, edge.SourceUserID, edge.CreditsAwarded,
			fmt.Sprintf("link %s survived the hold window", edge.LinkID), refs)
		if err != nil {
			return false, fmt.Errorf("pending conversion failed: %w", err)
		}
		if err := r.graph.UpdateCreditsStatus(ctx, edge.LinkID, graph.CreditsStatusAwarded); err != nil {
			return false, err
		}
		return true, r.graph.SetEdgeLiveness(ctx, edge.LinkID, true, indexed)
	}

	_, _, err = r.ledger.ClawbackCredits(ctx, edge.SourceUserID, edge.CreditsAwarded,
		fmt.Sprintf("link %s disappeared inside the hold window", edge.LinkID), refs)
	if err != nil {
		return false, fmt.Errorf("clawback failed: %w", err)
	}
	if err := r.graph.UpdateCreditsStatus(ctx, edge.LinkID, graph.CreditsStatusClawedback); err != nil {
		return false, err
	}
	return false, r.graph.SetEdgeLiveness(ctx, edge.LinkID, false, false)
}

// DecayReport summarizes one decay sweep.
type DecayReport struct {
	Scanned int
	Decayed int
	Errors  []string
}

// ApplyNetworkDecay erodes the balance of every user who has gone
// quiet, one ledger at a time.
func (r *Runner) ApplyNetworkDecay(ctx context.Context) (DecayReport, error) {
	userIDs, err := r.ledger.ActiveUserIDs(ctx)
	if err != nil {
		return DecayReport{}, newRunnerError(opDecay, "active_users_failed", err)
	}

	report := DecayReport{Scanned: len(userIDs)}
	for _, userID := range userIDs {
		entry, applied, err := r.ledger.ApplyDecay(ctx, userID)
		if err != nil {
			report.Errors = append(report.Errors, fmt.Sprintf("%s: %v", userID, err))
			r.logger.Warn("decay failed", zap.String("user_id", userID), zap.Error(err))
			continue
		}
		if applied {
			report.Decayed++
			r.logger.Info("balance decayed",
				zap.String("user_id", userID), zap.String("amount", entry.Amount.String()))
		}
	}
	return report, nil
}

// ReverifyReport summarizes one inventory recheck sweep.
type ReverifyReport struct {
	Scanned int
	Expired int
	Errors  []string
}

// ReverifyInventory rechecks pages whose verification has gone stale
// and expires the ones that stopped resolving.
func (r *Runner) ReverifyInventory(ctx context.Context) (ReverifyReport, error) {
	cutoff := r.clock().UTC().Add(-ReverifyInterval)
	pages, err := r.inventory.VerifiedBefore(ctx, cutoff)
	if err != nil {
		return ReverifyReport{}, newRunnerError(opReverify, "stale_query_failed", err)
	}

	report := ReverifyReport{Scanned: len(pages)}
	for _, page := range pages {
		updated, err := r.inventory.Reverify(ctx, page)
		if err != nil {
			report.Errors = append(report.Errors, fmt.Sprintf("%s: %v", page.InventoryID, err))
			r.logger.Warn("reverification failed",
				zap.String("inventory_id", page.InventoryID), zap.Error(err))
			continue
		}
		if updated.VerificationStatus == inventory.VerificationStatusExpired {
			report.Expired++
		}
	}
	return report, nil
}

// ExpireBlacklists drops pair cool-downs whose window has passed.
func (r *Runner) ExpireBlacklists(ctx context.Context) (int, error) {
	removed, err := r.graph.ExpireBlacklists(ctx)
	if err != nil {
		return 0, newRunnerError(opBlacklists, "expire_failed", err)
	}
	if removed > 0 {
		r.logger.Info("expired pair blacklists", zap.Int("removed", removed))
	}
	return removed, nil
}

// ScheduleSpec holds the cron expressions for each sweep.
type ScheduleSpec struct {
	LinkVerification string
	NetworkDecay     string
	InventoryRecheck string
	BlacklistExpiry  string
}

// DefaultSchedule staggers the sweeps through the quiet hours.
func DefaultSchedule() ScheduleSpec {
	return ScheduleSpec{
		LinkVerification: "0 2 * * *",
		NetworkDecay:     "30 3 * * 0",
		InventoryRecheck: "0 4 * * *",
		BlacklistExpiry:  "15 * * * *",
	}
}

// Schedule registers every sweep on the given cron runner. The caller
// owns starting and stopping the cron instance.
func (r *Runner) Schedule(scheduler *cron.Cron, spec ScheduleSpec) error {
	jobs := []struct {
		expr string
		name string
		run  func(ctx context.Context) error
	}{
		{spec.LinkVerification, "link_verification", func(ctx context.Context) error {
			_, err := r.ProcessLinkVerification(ctx)
			return err
		}},
		{spec.NetworkDecay, "network_decay", func(ctx context.Context) error {
			_, err := r.ApplyNetworkDecay(ctx)
			return err
		}},
		{spec.InventoryRecheck, "inventory_recheck", func(ctx context.Context) error {
			_, err := r.ReverifyInventory(ctx)
			return err
		}},
		{spec.BlacklistExpiry, "blacklist_expiry", func(ctx context.Context) error {
			_, err := r.ExpireBlacklists(ctx)
			return err
		}},
	}
	for _, job := range jobs {
		if job.expr == "" {
			continue
		}
		name := job.name
		run := job.run
		_, err := scheduler.AddFunc(job.expr, func() {
			if err := run(context.Background()); err != nil {
				r.logger.Error("scheduled sweep failed", zap.String("sweep", name), zap.Error(err))
			}
		})
		if err != nil {
			return newRunnerError(opSchedule, "cron_registration_failed",
				fmt.Errorf("sweep %s: %w", name, err))
		}
	}
	return nil
}
