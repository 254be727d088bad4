/**
 * @description
 * This is the main entry point for the pledge-service. It loads configuration,
 * connects to PostgreSQL, Redis and the chain RPC endpoint, wires the pledge
 * service and the event outbox dispatcher, and starts the HTTP server.
 *
 * @dependencies
 * - github.com/jackc/pgx/v5: PostgreSQL driver.
 * - github.com/redis/go-redis/v9: Settlement leases.
 * - github.com/joho/godotenv: For loading .env files during local development.
 * - internal/api, internal/app, internal/config, internal/store: Internal packages for the service.
 * - pkg/escrowclient: Client for the escrow contract.
 */

package main

import (
	"context"
	"fmt"
	"log"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/joho/godotenv"
	"github.com/redis/go-redis/v9"
	"github.com/theWinterDojer/baseline-sub000/internal/api"
	"github.com/theWinterDojer/baseline-sub000/internal/app"
	"github.com/theWinterDojer/baseline-sub000/internal/config"
	"github.com/theWinterDojer/baseline-sub000/internal/store"
	"github.com/theWinterDojer/baseline-sub000/pkg/escrowclient"
)

func main() {
	// Load .env file for local development.
	if err := godotenv.Load(); err != nil {
		log.Println("level=info component=bootstrap msg=\"no .env file found; using environment variables\"")
	}

	cfg, err := config.LoadConfig(".")
	if err != nil {
		log.Fatalf("level=fatal component=bootstrap msg=\"config load failed\" err=%v", err)
	}
	if err := cfg.Validate(); err != nil {
		log.Fatalf("level=fatal component=bootstrap msg=\"invalid configuration\" err=%v", err)
	}

	log.Printf("level=info component=bootstrap msg=\"starting pledge-service\" port=%s", cfg.ServerPort)

	poolConfig, err := pgxpool.ParseConfig(cfg.DatabaseURL)
	if err != nil {
		log.Fatalf("level=fatal component=bootstrap msg=\"database url parse failed\" err=%v", err)
	}
	poolConfig.MaxConns = 20
	poolConfig.MinConns = 2
	poolConfig.MaxConnLifetime = 30 * time.Minute
	poolConfig.MaxConnIdleTime = 5 * time.Minute

	// Disable prepared statement caching to prevent conflicts
	poolConfig.ConnConfig.DefaultQueryExecMode = pgx.QueryExecModeSimpleProtocol

	dbpool, err := pgxpool.NewWithConfig(context.Background(), poolConfig)
	if err != nil {
		log.Fatalf("level=fatal component=bootstrap msg=\"database connection failed\" err=%v", err)
	}
	defer dbpool.Close()
	log.Println("level=info component=bootstrap msg=\"database connected\"")

	repository := store.NewPostgresRepository(dbpool)

	var lease app.SettlementLease
	if cfg.RedisURL == "" {
		log.Println("level=warn component=bootstrap msg=\"redis url missing; settlement leases disabled\" env=REDIS_URL")
	} else {
		redisOptions, parseErr := redis.ParseURL(cfg.RedisURL)
		if parseErr != nil {
			log.Printf("level=warn component=bootstrap msg=\"redis url parse failed; settlement leases disabled\" err=%v", parseErr)
		} else {
			redisClient := redis.NewClient(redisOptions)
			pingCtx, cancelPing := context.WithTimeout(context.Background(), 5*time.Second)
			pingErr := redisClient.Ping(pingCtx).Err()
			cancelPing()
			if pingErr != nil {
				log.Printf("level=warn component=bootstrap msg=\"redis ping failed; settlement leases disabled\" err=%v", pingErr)
				redisClient.Close()
			} else {
				defer redisClient.Close()
				lease = app.NewRedisSettlementLease(redisClient, cfg.RedisLeasePrefix, cfg.SettlementLeaseTTL)
				log.Println("level=info component=bootstrap msg=\"redis connected\"")
			}
		}
	}

	// A nil chain keeps the off-chain procedures available; chain-bound
	// procedures report the missing setting per invocation.
	var chain app.EscrowChain
	if cfg.ChainRPCURL == "" {
		log.Println("level=warn component=bootstrap msg=\"chain rpc url missing; on-chain procedures disabled\" env=CHAIN_RPC_URL")
	} else {
		dialCtx, cancelDial := context.WithTimeout(context.Background(), 15*time.Second)
		escrowClient, dialErr := escrowclient.Dial(dialCtx, cfg.ChainRPCURL, escrowclient.Options{
			ChainID:           cfg.ChainID,
			RelayerPrivateKey: cfg.RelayerPrivateKey,
			CallTimeout:       cfg.ChainCallTimeout,
		})
		cancelDial()
		if dialErr != nil {
			log.Printf("level=warn component=bootstrap msg=\"chain client unavailable; on-chain procedures disabled\" err=%v", dialErr)
		} else {
			chain = escrowClient
			log.Printf("level=info component=bootstrap msg=\"chain client ready\" relayer_configured=%t relayer=%s", escrowClient.HasRelayer(), escrowClient.RelayerAddress())
		}
	}
	if cfg.EscrowRegistryAddress == "" {
		log.Println("level=warn component=bootstrap msg=\"default escrow address missing\" env=ESCROW_REGISTRY_ADDRESS")
	}

	pledgeService := app.NewService(repository, chain, lease, app.Config{
		DefaultEscrowAddress:  cfg.EscrowRegistryAddress,
		DefaultReviewWindow:   cfg.DefaultReviewWindow,
		ReconcileDefaultLimit: cfg.ReconcileDefaultLimit,
		ReconcileMaxLimit:     cfg.ReconcileMaxLimit,
		EventsExchange:        cfg.EventsExchange,
	})

	dispatcherCtx, stopDispatcher := context.WithCancel(context.Background())
	defer stopDispatcher()
	if cfg.RabbitMQURL == "" {
		log.Println("level=warn component=bootstrap msg=\"rabbitmq url missing; pledge events stay in the outbox\" env=RABBITMQ_URL")
	} else {
		dispatcher := app.NewOutboxDispatcher(repository, cfg.RabbitMQURL)
		go dispatcher.Run(dispatcherCtx)
		log.Println("level=info component=bootstrap msg=\"outbox dispatcher started\"")
	}

	handlers := api.NewPledgeHandlers(pledgeService)
	router := api.NewRouter(handlers, api.RouterConfig{
		JobSecret:      cfg.JobSecret,
		CronSecret:     cfg.CronSecret,
		JWTSecret:      cfg.SupabaseJWTSecret,
		JWTAudience:    cfg.SupabaseJWTAudience,
		UserRateLimits: api.NewUserRateLimiter(cfg.UserRateLimitPerMinute),
	})

	serverAddr := fmt.Sprintf(":%s", cfg.ServerPort)
	server := &http.Server{
		Addr:    serverAddr,
		Handler: router,
	}

	go func() {
		log.Printf("level=info component=http msg=\"server listening\" addr=%s", serverAddr)
		if err := server.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			log.Fatalf("level=fatal component=http msg=\"server stopped unexpectedly\" err=%v", err)
		}
	}()

	stop := make(chan os.Signal, 1)
	signal.Notify(stop, syscall.SIGINT, syscall.SIGTERM)
	<-stop
	log.Println("level=info component=http msg=\"shutdown started\"")

	stopDispatcher()

	ctx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer cancel()
	if err := server.Shutdown(ctx); err != nil {
		log.Printf("level=error component=http msg=\"shutdown failed\" err=%v", err)
	}

	log.Println("level=info component=http msg=\"shutdown complete\"")
}
