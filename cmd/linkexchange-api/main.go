package main

import (
	"context"
	"errors"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/ranklite/linkexchange/backend/internal/anchor"
	"github.com/ranklite/linkexchange/backend/internal/auth"
	"github.com/ranklite/linkexchange/backend/internal/config"
	"github.com/ranklite/linkexchange/backend/internal/database"
	"github.com/ranklite/linkexchange/backend/internal/exchange"
	"github.com/ranklite/linkexchange/backend/internal/graph"
	"github.com/ranklite/linkexchange/backend/internal/ids"
	"github.com/ranklite/linkexchange/backend/internal/inventory"
	"github.com/ranklite/linkexchange/backend/internal/ledger"
	"github.com/ranklite/linkexchange/backend/internal/logging"
	"github.com/ranklite/linkexchange/backend/internal/maintenance"
	"github.com/ranklite/linkexchange/backend/internal/scoring"
	"github.com/ranklite/linkexchange/backend/internal/server"
	"github.com/robfig/cron/v3"
	"github.com/spf13/cobra"
	"github.com/spf13/viper"
	"go.uber.org/zap"
)

var (
	cfgFile string
)

func main() {
	rootCmd := &cobra.Command{
		Use:   "linkexchange-api",
		Short: "Link exchange network backend service",
		PreRunE: func(cmd *cobra.Command, args []string) error {
			return initConfig()
		},
		RunE: func(cmd *cobra.Command, args []string) error {
			return runServer(cmd.Context())
		},
	}

	setupFlags(rootCmd)

	if err := rootCmd.Execute(); err != nil {
		os.Exit(1)
	}
}

func setupFlags(cmd *cobra.Command) {
	config.ApplyDefaults(viper.GetViper())
	defaults := config.NewViper()
	cmd.PersistentFlags().StringVar(&cfgFile, "config", "", "Path to configuration file")
	cmd.PersistentFlags().String("http-address", defaults.GetString("http.address"), "HTTP listen address")
	cmd.PersistentFlags().String("database-path", defaults.GetString("database.path"), "SQLite database path")
	cmd.PersistentFlags().Int("token-ttl-minutes", defaults.GetInt("token.ttl_minutes"), "Backend token TTL in minutes")
	cmd.PersistentFlags().String("log-level", defaults.GetString("log.level"), "Log level (debug, info, warn, error)")
	cmd.PersistentFlags().String("signing-secret", "", "Backend signing secret (overrides env)")
	cmd.PersistentFlags().StringSlice("partner-keys", nil, "Partner API keys as partner:key pairs (overrides env)")
	cmd.PersistentFlags().String("verification-cron", defaults.GetString("maintenance.verification_cron"), "Cron expression for the link verification sweep")
	cmd.PersistentFlags().String("decay-cron", defaults.GetString("maintenance.decay_cron"), "Cron expression for the balance decay sweep")
	cmd.PersistentFlags().String("reverify-cron", defaults.GetString("maintenance.reverify_cron"), "Cron expression for the inventory recheck sweep")
	cmd.PersistentFlags().String("blacklist-cron", defaults.GetString("maintenance.blacklist_cron"), "Cron expression for blacklist expiry")

	bindFlag(cmd, "http.address", "http-address")
	bindFlag(cmd, "database.path", "database-path")
	bindFlag(cmd, "token.ttl_minutes", "token-ttl-minutes")
	bindFlag(cmd, "log.level", "log-level")
	bindFlag(cmd, "auth.signing_secret", "signing-secret")
	bindFlag(cmd, "auth.partner_keys", "partner-keys")
	bindFlag(cmd, "maintenance.verification_cron", "verification-cron")
	bindFlag(cmd, "maintenance.decay_cron", "decay-cron")
	bindFlag(cmd, "maintenance.reverify_cron", "reverify-cron")
	bindFlag(cmd, "maintenance.blacklist_cron", "blacklist-cron")
}

func bindFlag(cmd *cobra.Command, key, flag string) {
	if err := viper.BindPFlag(key, cmd.PersistentFlags().Lookup(flag)); err != nil {
		panic(err)
	}
}

func initConfig() error {
	if cfgFile != "" {
		viper.SetConfigFile(cfgFile)
	}

	if err := viper.ReadInConfig(); err != nil {
		var configNotFound viper.ConfigFileNotFoundError
		if cfgFile != "" && errors.As(err, &configNotFound) {
			return err
		}
	}

	return nil
}

func runServer(ctx context.Context) error {
	appConfig, err := config.Load(viper.GetViper())
	if err != nil {
		return err
	}

	logger, err := logging.NewLogger(appConfig.LogLevel)
	if err != nil {
		return err
	}
	defer logger.Sync() //nolint:errcheck

	db, err := database.OpenSQLite(appConfig.DatabasePath, logger)
	if err != nil {
		return err
	}
	sqlDB, err := db.DB()
	if err != nil {
		return err
	}
	defer sqlDB.Close()

	tokenManager, err := auth.NewTokenIssuer(auth.TokenIssuerConfig{
		SigningSecret: []byte(appConfig.SigningSecret),
		Issuer:        "linkexchange-auth",
		Audience:      "linkexchange-api",
		TokenTTL:      appConfig.TokenTTL,
	})
	if err != nil {
		return err
	}

	partnerVerifier := auth.NewPartnerKeyVerifier(appConfig.PartnerKeys)
	idProvider := ids.NewUUIDProvider()

	ledgerService, err := ledger.NewService(ledger.ServiceConfig{
		Database:   db,
		Clock:      time.Now,
		IDProvider: idProvider,
		Logger:     logger,
	})
	if err != nil {
		return err
	}

	graphAnalyzer, err := graph.NewAnalyzer(graph.AnalyzerConfig{
		Database:   db,
		Clock:      time.Now,
		IDProvider: idProvider,
		Logger:     logger,
	})
	if err != nil {
		return err
	}

	scoringService, err := scoring.NewService(scoring.ServiceConfig{
		Database: db,
		Clock:    time.Now,
		Logger:   logger,
	})
	if err != nil {
		return err
	}

	inventoryService, err := inventory.NewService(inventory.ServiceConfig{
		Database:   db,
		Clock:      time.Now,
		IDProvider: idProvider,
		Scoring:    scoringService,
		Logger:     logger,
	})
	if err != nil {
		return err
	}

	anchorAllocator, err := anchor.NewAllocator(anchor.AllocatorConfig{
		Database:   db,
		Clock:      time.Now,
		IDProvider: idProvider,
		Logger:     logger,
	})
	if err != nil {
		return err
	}

	orchestrator, err := exchange.NewOrchestrator(exchange.OrchestratorConfig{
		Ledger:    ledgerService,
		Graph:     graphAnalyzer,
		Inventory: inventoryService,
		Anchors:   anchorAllocator,
		Clock:     time.Now,
		Logger:    logger,
	})
	if err != nil {
		return err
	}

	runner, err := maintenance.NewRunner(maintenance.RunnerConfig{
		Ledger:    ledgerService,
		Graph:     graphAnalyzer,
		Inventory: inventoryService,
		Checker:   maintenance.NewHTTPLinkChecker(inventoryService, nil),
		Clock:     time.Now,
		Logger:    logger,
	})
	if err != nil {
		return err
	}

	scheduler := cron.New()
	schedule := maintenance.ScheduleSpec{
		LinkVerification: appConfig.VerificationCron,
		NetworkDecay:     appConfig.DecayCron,
		InventoryRecheck: appConfig.ReverifyCron,
		BlacklistExpiry:  appConfig.BlacklistCron,
	}
	if err := runner.Schedule(scheduler, schedule); err != nil {
		return err
	}
	scheduler.Start()
	defer scheduler.Stop()

	dispatcher := server.NewEventDispatcher()

	handler, err := server.NewHTTPHandler(server.Dependencies{
		PartnerVerifier: partnerVerifier,
		TokenManager:    tokenManager,
		Ledger:          ledgerService,
		Inventory:       inventoryService,
		Exchange:        orchestrator,
		Graph:           graphAnalyzer,
		Anchors:         anchorAllocator,
		Dispatcher:      dispatcher,
		Logger:          logger,
	})
	if err != nil {
		return err
	}

	httpServer := &http.Server{
		Addr:    appConfig.HTTPAddress,
		Handler: handler,
	}

	signalCtx, stop := signal.NotifyContext(ctx, syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	errCh := make(chan error, 1)
	go func() {
		logger.Info("server starting", zap.String("address", appConfig.HTTPAddress))
		err := httpServer.ListenAndServe()
		if err != nil && !errors.Is(err, http.ErrServerClosed) {
			errCh <- err
		}
		close(errCh)
	}()

	select {
	case <-signalCtx.Done():
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
		defer cancel()
		return httpServer.Shutdown(shutdownCtx)
	case err := <-errCh:
		return err
	}
}
