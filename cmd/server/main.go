// Command server runs the action-mediation gateway: capability token
// validation, policy evaluation, human approvals, and the tamper-evident
// audit chain behind one HTTP surface.
package main

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	_ "github.com/lib/pq"
	"golang.org/x/sync/errgroup"

	"agentgate/internal/agent"
	agentstore "agentgate/internal/agent/store"
	"agentgate/internal/apikey"
	apikeystore "agentgate/internal/apikey/store"
	"agentgate/internal/approval"
	approvalstore "agentgate/internal/approval/store"
	"agentgate/internal/gateway"
	"agentgate/internal/gateway/connector"
	gatewaystore "agentgate/internal/gateway/store"
	"agentgate/internal/ledger"
	ledgerstore "agentgate/internal/ledger/store"
	"agentgate/internal/notify"
	"agentgate/internal/platform/config"
	"agentgate/internal/platform/httpserver"
	"agentgate/internal/platform/logger"
	"agentgate/internal/platform/metrics"
	platformredis "agentgate/internal/platform/redis"
	"agentgate/internal/policy"
	policystore "agentgate/internal/policy/store"
	"agentgate/internal/policy/usage"
	"agentgate/internal/token"
	"agentgate/internal/token/revocation"
	httptransport "agentgate/internal/transport/http"
)

func main() {
	if err := run(); err != nil {
		slog.Error("server exited", "error", err)
		os.Exit(1)
	}
}

func run() error {
	cfg := config.FromEnv()
	log := logger.New(logger.ParseLevel(cfg.LogLevel))
	slog.SetDefault(log)

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	var db *sql.DB
	if cfg.PostgresURL != "" {
		var err error
		db, err = sql.Open("postgres", cfg.PostgresURL)
		if err != nil {
			return fmt.Errorf("open postgres: %w", err)
		}
		defer db.Close()
		if err := db.PingContext(ctx); err != nil {
			return fmt.Errorf("ping postgres: %w", err)
		}
	}

	redisClient, err := platformredis.New(cfg.Redis)
	if err != nil {
		return fmt.Errorf("connect redis: %w", err)
	}
	if redisClient != nil {
		defer redisClient.Close()
	}

	m := metrics.New()

	// Stores: Postgres and Redis when configured, in-memory otherwise.
	var (
		agents        agent.Lookup
		ruleStore     policy.RuleStore
		approvalStore approval.Store
		ledgerStore   ledger.Store
		keyStore      apikey.Store
		pendingStore  gateway.PendingStore
		usageTracker  gateway.UsageRecorder
		usageSource   policy.UsageSource
		revoker       token.Revoker
	)
	if db != nil {
		agents = agentstore.NewPostgresStore(db)
		ruleStore = policystore.NewPostgresRuleStore(db)
		approvalStore = approvalstore.NewPostgresStore(db)
		ledgerStore = ledgerstore.NewPostgresStore(db)
		keyStore = apikeystore.NewPostgresStore(db)
	} else {
		log.Warn("postgres not configured, using in-memory stores")
		agents = agentstore.NewInMemoryStore()
		ruleStore = policystore.NewInMemoryRuleStore()
		approvalStore = approvalstore.NewInMemoryStore()
		ledgerStore = ledgerstore.NewInMemoryStore()
		keyStore = apikeystore.NewInMemoryStore()
	}
	if redisClient != nil {
		tracker := usage.NewRedisTracker(redisClient.Client)
		usageTracker, usageSource = tracker, tracker
		pendingStore = gatewaystore.NewRedisPendingStore(redisClient.Client)
		revoker = revocation.NewRedisList(redisClient.Client)
	} else {
		log.Warn("redis not configured, using in-memory usage and revocation stores")
		tracker := usage.NewInMemoryTracker()
		usageTracker, usageSource = tracker, tracker
		pendingStore = gatewaystore.NewInMemoryPendingStore()
		revoker = revocation.NewInMemoryList()
	}

	// Process-wide signing state, loaded once.
	var signer *ledger.Signer
	if cfg.LedgerSigningKeySeed != "" {
		signer, err = ledger.NewSigner(cfg.LedgerSigningKeySeed)
	} else {
		log.Warn("ledger signing seed not configured, generating ephemeral key")
		signer, err = ledger.GenerateSigner()
	}
	if err != nil {
		return fmt.Errorf("build ledger signer: %w", err)
	}

	codec, err := token.NewCodec(cfg.TokenSigningKey, cfg.TokenIssuer,
		token.WithRevocations(revoker))
	if err != nil {
		return fmt.Errorf("build token codec: %w", err)
	}

	engine, err := policy.NewEngine(ruleStore, usageSource, policy.WithLogger(log))
	if err != nil {
		return fmt.Errorf("build policy engine: %w", err)
	}

	approvals, err := approval.New(approvalStore, approval.WithLogger(log))
	if err != nil {
		return fmt.Errorf("build approval service: %w", err)
	}

	chain, err := ledger.NewChain(ledgerStore, signer, ledger.WithLogger(log))
	if err != nil {
		return fmt.Errorf("build audit chain: %w", err)
	}

	keys, err := apikey.New(keyStore, apikey.WithLogger(log))
	if err != nil {
		return fmt.Errorf("build api key service: %w", err)
	}

	var executor connector.Executor = &connector.Mock{}
	if cfg.ActionEndpoint != "" {
		executor = connector.NewHTTP(cfg.ActionEndpoint, &http.Client{Timeout: cfg.ExecutionTimeout})
	}

	var publisher gateway.Publisher
	if len(cfg.KafkaBrokers) > 0 {
		kafka, err := notify.NewKafkaPublisher(cfg.KafkaBrokers, cfg.KafkaTopic, notify.WithLogger(log))
		if err != nil {
			return fmt.Errorf("build kafka publisher: %w", err)
		}
		defer func() {
			closeCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
			defer cancel()
			if err := kafka.Close(closeCtx); err != nil {
				log.Warn("close kafka publisher", "error", err)
			}
		}()
		publisher = kafka
	}

	gw, err := gateway.New(gateway.Deps{
		Codec:     codec,
		Revoker:   revoker,
		Agents:    agents,
		Engine:    engine,
		Approvals: approvals,
		Chain:     chain,
		Executor:  executor,
		Pending:   pendingStore,
		Usage:     usageTracker,
		Publisher: publisher,
		Metrics:   m,
	},
		gateway.WithLogger(log),
		gateway.WithExecutionTimeout(cfg.ExecutionTimeout),
		gateway.WithApprovalTTL(cfg.ApprovalTTL),
	)
	if err != nil {
		return fmt.Errorf("build gateway: %w", err)
	}

	router := httptransport.NewRouter(httptransport.Deps{
		Actions:   httptransport.NewActionHandler(gw, log),
		Approvals: httptransport.NewApprovalHandler(gw, log),
		Audit:     httptransport.NewAuditHandler(gw, log),
		Tokens:    httptransport.NewTokenHandler(gw, log),
		Keys:      keys,
		Logger:    log,
	})
	srv := httpserver.New(cfg.Addr, router)

	g, gctx := errgroup.WithContext(ctx)

	g.Go(func() error {
		log.Info("starting gateway", "addr", cfg.Addr, "ledger_key_id", signer.KeyID())
		if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			return fmt.Errorf("serve http: %w", err)
		}
		return nil
	})

	g.Go(func() error {
		gw.RunSweeper(gctx, cfg.ApprovalSweepInterval)
		return nil
	})

	g.Go(func() error {
		<-gctx.Done()
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
		defer cancel()
		if err := srv.Shutdown(shutdownCtx); err != nil {
			return fmt.Errorf("shutdown http server: %w", err)
		}
		return nil
	})

	return g.Wait()
}
