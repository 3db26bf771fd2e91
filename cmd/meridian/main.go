// Command meridian runs the parametric insurance pool engine: the HTTP
// surface, the settlement bridge and the leader-locked background workers.
package main

import (
	"context"
	"flag"
	"fmt"
	"os"
	"os/signal"
	"syscall"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/redis/go-redis/v9"
	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"
	"gorm.io/driver/postgres"
	"gorm.io/gorm"

	"github.com/meridianre/meridian/internal/claims"
	"github.com/meridianre/meridian/internal/config"
	"github.com/meridianre/meridian/internal/hedge"
	"github.com/meridianre/meridian/internal/leaderlock"
	"github.com/meridianre/meridian/internal/ledger"
	"github.com/meridianre/meridian/internal/metrics"
	"github.com/meridianre/meridian/internal/oracle"
	"github.com/meridianre/meridian/internal/pricing"
	"github.com/meridianre/meridian/internal/riskgate"
	"github.com/meridianre/meridian/internal/server"
	"github.com/meridianre/meridian/internal/settlement"
	"github.com/meridianre/meridian/internal/workers"
	"github.com/meridianre/meridian/pkg/logger"
	"github.com/meridianre/meridian/pkg/models"
)

func main() {
	configPath := flag.String("config", "", "path to config file")
	flag.Parse()

	if err := run(*configPath); err != nil {
		fmt.Fprintf(os.Stderr, "meridian: %v\n", err)
		os.Exit(1)
	}
}

func run(configPath string) error {
	cfg, err := config.Load(configPath)
	if err != nil {
		return err
	}

	log, err := logger.New(cfg.Log.Level)
	if err != nil {
		return err
	}
	defer log.Sync()

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	db, err := openDatabase(cfg.Database)
	if err != nil {
		return err
	}
	if err := db.AutoMigrate(&models.Policy{}, &models.AuditEvent{}); err != nil {
		return fmt.Errorf("migrate: %w", err)
	}

	redisClient := redis.NewClient(&redis.Options{
		Addr:         cfg.Redis.Addr,
		Password:     cfg.Redis.Password,
		DB:           cfg.Redis.DB,
		DialTimeout:  cfg.Redis.DialTimeout,
		ReadTimeout:  cfg.Redis.ReadTimeout,
		WriteTimeout: cfg.Redis.WriteTimeout,
	})
	if err := redisClient.Ping(ctx).Err(); err != nil {
		return fmt.Errorf("redis ping: %w", err)
	}
	defer redisClient.Close()

	registry := prometheus.NewRegistry()
	m := metrics.New(registry)

	pool, err := ledger.New(cfg.Pool, cfg.Risk, log,
		ledger.WithDB(db), ledger.WithMetrics(m))
	if err != nil {
		return err
	}

	quoteCache := oracle.NewCache(oracle.NewRedisStore(redisClient), cfg.Oracle.StalenessBound, log)
	// Observation retention must cover the longest sustain check with room
	// for the window-spanning reading before it.
	observations := oracle.NewObservations(cfg.Claims.AutoVerifySustain * 6)

	venues := hedge.NewRegistry()
	for _, venue := range cfg.Hedge.Venues {
		venues.Register(venue.Name, hedge.NewHTTPVenueClient(venue.Name, venue.Endpoint, nil))
	}

	producer := settlement.NewProducer(cfg.Kafka, log, m)
	defer producer.Close()

	coordinator, err := hedge.New(cfg.Hedge, venues, db, producer, pool.RefillProceeds, log, m)
	if err != nil {
		return err
	}

	claimsSvc, err := claims.New(cfg.Claims, db, observations, pool, pool, coordinator, producer, log, m)
	if err != nil {
		return err
	}

	consumer, err := settlement.NewConsumer(cfg.Kafka, db, settlementHandler(log), log, m)
	if err != nil {
		return err
	}
	defer consumer.Close()

	refresher := oracle.NewRefresher(quoteCache, venueMarketData{venues},
		venueNames(cfg.Hedge.Venues), coverageTypes(cfg.Pricing), log)

	instanceID := cfg.Workers.InstanceID
	if instanceID == "" {
		host, _ := os.Hostname()
		instanceID = fmt.Sprintf("%s-%d", host, os.Getpid())
	}
	locker := leaderlock.New(leaderlock.NewRedisBackend(redisClient), instanceID, cfg.Workers.LockTTL, log)
	background := workers.New(cfg.Workers, cfg.Oracle.RefreshInterval, locker, refresher, coordinator, claimsSvc, log)

	srv := server.New(cfg.Server, server.Deps{
		Ledger:   pool,
		Gate:     riskgate.New(cfg.Risk, log),
		Pricing:  pricing.New(cfg.Pricing, cfg.Risk, cfg.Hedge, quoteCache, log),
		Claims:   claimsSvc,
		Hedges:   coordinator,
		Venues:   venues,
		Marks:    observations,
		DB:       db,
		Metrics:  m,
		Registry: registry,
	}, log)

	log.Info("meridian starting",
		zap.String("instance", instanceID),
		zap.Int("venues", len(cfg.Hedge.Venues)))

	group, groupCtx := errgroup.WithContext(ctx)
	group.Go(func() error { return srv.Run(groupCtx) })
	group.Go(func() error { return background.Run(groupCtx) })
	group.Go(func() error { return consumer.Run(groupCtx) })

	err = group.Wait()
	coordinator.Wait()
	if err != nil && ctx.Err() == nil {
		return err
	}
	log.Info("meridian stopped")
	return nil
}

func openDatabase(cfg config.DatabaseConfig) (*gorm.DB, error) {
	db, err := gorm.Open(postgres.Open(cfg.DSN), &gorm.Config{})
	if err != nil {
		return nil, fmt.Errorf("open database: %w", err)
	}
	sqlDB, err := db.DB()
	if err != nil {
		return nil, fmt.Errorf("database handle: %w", err)
	}
	sqlDB.SetMaxOpenConns(cfg.MaxOpenConns)
	sqlDB.SetMaxIdleConns(cfg.MaxIdleConns)
	sqlDB.SetConnMaxLifetime(cfg.ConnMaxLifetime)
	return db, nil
}

// settlementHandler records confirmed transfer receipts. Payout transfers
// are fire-and-confirm: a receipt closes the loop in the audit log.
func settlementHandler(log *zap.Logger) settlement.ReceiptHandler {
	return func(ctx context.Context, receipt settlement.ReceiptEnvelope) error {
		log.Info("settlement confirmed",
			zap.String("transfer_id", receipt.TransferID),
			zap.String("reference", receipt.Reference),
			zap.String("status", receipt.Status),
			zap.String("amount", receipt.Amount.String()))
		return nil
	}
}

// venueMarketData adapts the venue registry to the oracle's market data
// source.
type venueMarketData struct {
	registry *hedge.Registry
}

func (v venueMarketData) GetMarketData(ctx context.Context, venue string, coverageType models.CoverageType) (oracle.MarketData, error) {
	client, err := v.registry.Get(venue)
	if err != nil {
		return oracle.MarketData{}, err
	}
	data, err := client.GetMarketData(ctx, coverageType)
	if err != nil {
		return oracle.MarketData{}, err
	}
	return oracle.MarketData{Cost: data.Cost, Capacity: data.Capacity}, nil
}

func venueNames(venues []config.VenueConfig) []string {
	names := make([]string, 0, len(venues))
	for _, venue := range venues {
		names = append(names, venue.Name)
	}
	return names
}

func coverageTypes(cfg config.PricingConfig) []models.CoverageType {
	types := make([]models.CoverageType, 0, len(cfg.Products))
	for name := range cfg.Products {
		types = append(types, models.CoverageType(name))
	}
	return types
}
