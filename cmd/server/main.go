package main

import (
	"context"
	"errors"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/rs/zerolog"
	"golang.org/x/sync/errgroup"

	httpapi "github.com/escrow-hub/escrow-hub/internal/api/http"
	"github.com/escrow-hub/escrow-hub/internal/api/ws"
	"github.com/escrow-hub/escrow-hub/internal/application/audit"
	"github.com/escrow-hub/escrow-hub/internal/application/auth"
	"github.com/escrow-hub/escrow-hub/internal/application/dispute"
	"github.com/escrow-hub/escrow-hub/internal/application/notification"
	"github.com/escrow-hub/escrow-hub/internal/application/payment"
	"github.com/escrow-hub/escrow-hub/internal/application/realtime"
	roomApp "github.com/escrow-hub/escrow-hub/internal/application/room"
	"github.com/escrow-hub/escrow-hub/internal/application/work"
	"github.com/escrow-hub/escrow-hub/internal/config"
	domainAudit "github.com/escrow-hub/escrow-hub/internal/domain/audit"
	"github.com/escrow-hub/escrow-hub/internal/domain/message"
	"github.com/escrow-hub/escrow-hub/internal/domain/room"
	"github.com/escrow-hub/escrow-hub/internal/domain/transaction"
	"github.com/escrow-hub/escrow-hub/internal/infrastructure/gateway"
	"github.com/escrow-hub/escrow-hub/internal/infrastructure/mail"
	"github.com/escrow-hub/escrow-hub/internal/infrastructure/memory"
	"github.com/escrow-hub/escrow-hub/internal/infrastructure/postgres"
	"github.com/escrow-hub/escrow-hub/internal/infrastructure/pubsub"
)

const notifyChannel = "escrow_events"

type stores struct {
	rooms    room.Repository
	txs      transaction.Repository
	messages message.Repository
	audit    domainAudit.Repository
}

func main() {
	logger := zerolog.New(os.Stdout).With().Timestamp().Logger()

	cfg, err := config.Load()
	if err != nil {
		logger.Fatal().Err(err).Msg("config error")
	}
	if lvl, err := zerolog.ParseLevel(cfg.LogLevel); err == nil {
		logger = logger.Level(lvl)
	}

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	var pool *pgxpool.Pool
	if cfg.StoreDriver == "postgres" {
		pool, err = postgres.NewPool(ctx, cfg.DatabaseURL, postgres.PoolConfig{MaxConns: cfg.DBMaxConns})
		if err != nil {
			logger.Fatal().Err(err).Msg("db error")
		}
		defer pool.Close()
		if err := postgres.RunMigrations(ctx, pool, logger); err != nil {
			logger.Fatal().Err(err).Msg("migration error")
		}
	}
	st := newStores(pool)

	// realtime fan-out
	registry := realtime.NewRegistry(realtime.DefaultBuffer, logger)
	var (
		publisher realtime.Publisher
		listener  *pubsub.PostgresBroker
	)
	if cfg.PubSubDriver == "postgres" {
		listener = pubsub.NewPostgresBroker(pool, notifyChannel, logger)
		listener.Subscribe(registry)
		publisher = listener
	} else {
		publisher = pubsub.NewLocalBroker(registry)
	}

	gw, err := newGateway(cfg, logger)
	if err != nil {
		logger.Fatal().Err(err).Msg("gateway error")
	}
	policy, err := newPolicy(cfg, logger)
	if err != nil {
		logger.Fatal().Err(err).Msg("decision policy error")
	}

	auditKey, _ := cfg.AuditSigningKey()
	if auditKey == nil {
		logger.Warn().Msg("AUDIT_SIGNING_KEY not set; audit logs are unsigned")
	}

	// services
	auditSvc := audit.NewService(st.audit, logger, auditKey)
	notifier := notification.NewService(mail.NewLogMailer(logger), cfg.MailFrom, logger)
	authSvc := auth.NewService([]byte(cfg.JWTSecret), cfg.JWTIssuer, cfg.JWTTTL, logger)
	poster := realtime.NewPoster(st.messages, publisher, logger)

	roomSvc := roomApp.NewService(st.rooms, st.txs, st.messages, poster, auditSvc, notifier, logger)
	paymentSvc := payment.NewService(st.rooms, st.txs, gw, payment.Config{
		KeyID:     cfg.GatewayKeyID,
		KeySecret: []byte(cfg.GatewayKeySecret),
	}, poster, auditSvc, notifier, logger)
	workSvc := work.NewService(st.rooms, poster, auditSvc, notifier, logger)
	disputeSvc := dispute.NewService(st.rooms, st.txs, st.messages, policy, poster, auditSvc, notifier, cfg.AdminEmail, logger)

	hub := realtime.NewHub(st.rooms, st.messages, registry, publisher, cfg.HistoryReplayLimit, logger)
	socket := ws.NewHandler(authSvc, hub, registry, logger)

	apiServer := httpapi.NewServer(authSvc, roomSvc, paymentSvc, workSvc, disputeSvc, auditSvc,
		socket, []byte(cfg.GatewayWebhookSecret), logger)

	httpServer := &http.Server{
		Addr:        cfg.ServerAddr,
		Handler:     apiServer.Router(),
		ReadTimeout: 15 * time.Second,
		// no WriteTimeout: websocket connections are long-lived
		IdleTimeout: 60 * time.Second,
	}

	g, gctx := errgroup.WithContext(ctx)
	if listener != nil {
		g.Go(func() error {
			return listener.Run(gctx)
		})
	}
	g.Go(func() error {
		logger.Info().
			Str("addr", cfg.ServerAddr).
			Str("store", cfg.StoreDriver).
			Str("pubsub", cfg.PubSubDriver).
			Bool("gatewayMock", cfg.PaymentGatewayMock).
			Msg("http server started")
		if err := httpServer.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			return err
		}
		return nil
	})
	g.Go(func() error {
		<-gctx.Done()
		logger.Info().Msg("shutting down")
		ctxShutdown, cancel := context.WithTimeout(context.Background(), 10*time.Second)
		defer cancel()
		err := httpServer.Shutdown(ctxShutdown)
		registry.Close()
		return err
	})

	if err := g.Wait(); err != nil && !errors.Is(err, context.Canceled) {
		logger.Error().Err(err).Msg("server stopped with error")
	}
	auditSvc.Wait()
	notifier.Wait()
}

func newStores(pool *pgxpool.Pool) stores {
	if pool == nil {
		return stores{
			rooms:    memory.NewRoomRepository(),
			txs:      memory.NewTransactionRepository(),
			messages: memory.NewMessageRepository(),
			audit:    memory.NewAuditRepository(),
		}
	}
	return stores{
		rooms:    postgres.NewRoomRepository(pool),
		txs:      postgres.NewTransactionRepository(pool),
		messages: postgres.NewMessageRepository(pool),
		audit:    postgres.NewAuditRepository(pool),
	}
}

func newGateway(cfg *config.Config, logger zerolog.Logger) (transaction.Gateway, error) {
	if cfg.PaymentGatewayMock {
		logger.Warn().Msg("PAYMENT_GATEWAY_MOCK set; payments are simulated")
		return gateway.NewSimulator(logger), nil
	}
	return gateway.NewClient(gateway.Config{
		BaseURL:       cfg.GatewayBaseURL,
		KeyID:         cfg.GatewayKeyID,
		KeySecret:     cfg.GatewayKeySecret,
		PayoutAccount: cfg.GatewayPayoutAccount,
		Timeout:       cfg.GatewayTimeout,
	}, nil, logger)
}

func newPolicy(cfg *config.Config, logger zerolog.Logger) (dispute.DecisionPolicy, error) {
	if cfg.DecisionPolicy == "rules" {
		return dispute.NewRulePolicy(nil, logger)
	}
	return dispute.NewScriptedPolicy(nil), nil
}
