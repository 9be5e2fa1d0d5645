// The authd server binary. main wires configuration, storage, the domain
// services and the HTTP router, then runs the server alongside its
// background workers until a shutdown signal arrives.
package main

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"syscall"

	"golang.org/x/sync/errgroup"

	adminhandler "authd/internal/admin/handler"
	"authd/internal/authflow/captcha"
	authflowhandler "authd/internal/authflow/handler"
	authflowservice "authd/internal/authflow/service"
	"authd/internal/geoip/resolver"
	geoservice "authd/internal/geoip/service"
	geostore "authd/internal/geoip/store"
	"authd/internal/identity/fieldcrypt"
	identitymetrics "authd/internal/identity/metrics"
	"authd/internal/identity/password"
	identityservice "authd/internal/identity/service"
	identitystore "authd/internal/identity/store"
	"authd/internal/passkey/challenge"
	passkeyservice "authd/internal/passkey/service"
	"authd/internal/platform/config"
	"authd/internal/platform/httpserver"
	"authd/internal/platform/kafka/producer"
	"authd/internal/platform/logger"
	"authd/internal/platform/outbox"
	platformpostgres "authd/internal/platform/postgres"
	platformredis "authd/internal/platform/redis"
	profilehandler "authd/internal/profile/handler"
	ratelimitmodels "authd/internal/ratelimit/models"
	ratelimitservice "authd/internal/ratelimit/service"
	ratelimitwindow "authd/internal/ratelimit/store/window"
	rbaccache "authd/internal/rbac/cache"
	rbacservice "authd/internal/rbac/service"
	rbacstore "authd/internal/rbac/store"
	"authd/internal/risk/device"
	riskservice "authd/internal/risk/service"
	tokenhandler "authd/internal/token/handler"
	tokenservice "authd/internal/token/service"
	tokenstore "authd/internal/token/store"
	httptransport "authd/internal/transport/http"
	audit "authd/pkg/platform/audit"
	"authd/pkg/platform/audit/publishers/compliance"
	"authd/pkg/platform/audit/publishers/ops"
	"authd/pkg/platform/audit/publishers/security"
	auditpostgres "authd/pkg/platform/audit/store/postgres"
)

// Exit codes follow BSD sysexits: configuration errors, unavailable
// dependencies, internal failures.
const (
	exitOK          = 0
	exitConfig      = 64
	exitUnavailable = 69
	exitInternal    = 70
)

func main() {
	os.Exit(run())
}

func run() int {
	cfg, err := config.FromEnv()
	if err != nil {
		fmt.Fprintf(os.Stderr, "authd: %v\n", err)
		return exitConfig
	}

	log := logger.New(cfg.Server.LogLevel)
	slog.SetDefault(log)

	db, err := platformpostgres.Open(cfg.Postgres)
	if err != nil {
		log.Error("postgres unavailable", "error", err)
		return exitUnavailable
	}
	defer func() { _ = db.Close() }()

	rdb, err := platformredis.New(cfg.Redis)
	if err != nil {
		log.Error("redis unavailable", "error", err)
		return exitUnavailable
	}
	defer func() { _ = rdb.Close() }()

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	// Audit pipeline. Events land in the transactional outbox; the relay
	// drains them to Kafka when brokers are configured.
	auditStore := auditpostgres.New(db)
	securityPub := security.New(auditStore, security.WithLogger(log))
	compliancePub := compliance.New(auditStore, compliance.WithLogger(log))
	opsPub := ops.New(auditStore, ops.WithLogger(log))

	var relay *outbox.Relay
	if len(cfg.Kafka.Brokers) > 0 {
		kafkaProducer, err := producer.New(cfg.Kafka.Brokers)
		if err != nil {
			log.Error("kafka unavailable", "error", err)
			return exitUnavailable
		}
		defer kafkaProducer.Close()
		if err := kafkaProducer.EnsureTopics(ctx, 3, audit.Topics()...); err != nil {
			log.Error("ensure audit topics", "error", err)
			return exitUnavailable
		}
		relay = outbox.New(db, kafkaProducer,
			outbox.WithLogger(log),
			outbox.WithMetrics(outbox.NewMetrics()),
		)
	} else {
		log.Warn("no kafka brokers configured; audit events stay in the outbox")
	}

	// Identity.
	codec, err := fieldcrypt.New(cfg.Security.FieldEncryptionKey, cfg.Security.BlindIndexKey)
	if err != nil {
		log.Error("field encryption configuration", "error", err)
		return exitConfig
	}
	users := identitystore.NewPostgresUserStore(db)
	passkeys := identitystore.NewPostgresPasskeyStore(db)

	// Tokens. Revocations are checked against Redis first, Postgres as the
	// durable fallback.
	tokens, err := tokenservice.New(
		tokenservice.Config{
			SigningKey: []byte(cfg.Token.SigningKey),
			KeyID:      cfg.Token.KeyID,
			Issuer:     cfg.Token.Issuer,
			Audience:   cfg.Token.Audience,
			AccessTTL:  cfg.Token.AccessTTL,
			RefreshTTL: cfg.Token.RefreshTTL,
			MFATTL:     cfg.Token.MfaChallengeTTL,
			ClockSkew:  cfg.Token.ClockSkew,
		},
		tokenstore.NewPostgresRefreshStore(db),
		tokenstore.NewTieredRevocationList(
			tokenstore.NewPostgresRevocationList(db),
			tokenstore.NewRedisRevocationList(rdb.Client),
			log,
		),
		tokenstore.NewPostgresUserRevocationStore(db),
		tokenservice.WithLogger(log),
		tokenservice.WithDB(db),
		tokenservice.WithUserSource(users),
		tokenservice.WithSecurityPublisher(securityPub),
		tokenservice.WithOpsPublisher(opsPub),
	)
	if err != nil {
		log.Error("token service", "error", err)
		return exitConfig
	}

	identitySvc, err := identityservice.New(users, password.NewPolicy(password.NewTopListOracle()), codec,
		identityservice.WithLogger(log),
		identityservice.WithDB(db),
		identityservice.WithCompliancePublisher(compliancePub),
		identityservice.WithSecurityPublisher(securityPub),
		identityservice.WithSessionRevoker(tokens),
		identityservice.WithMetrics(identitymetrics.New()),
	)
	if err != nil {
		log.Error("identity service", "error", err)
		return exitInternal
	}

	// Rate limiting over Redis sorted-set windows.
	window := ratelimitwindow.NewRedis(rdb.Client)
	rlCfg := ratelimitservice.DefaultConfig()
	rlCfg.IP = ratelimitmodels.KeyConfig{Limit: cfg.RateLimit.IPLimit, Window: cfg.RateLimit.IPWindow}
	rlCfg.User = ratelimitmodels.KeyConfig{Limit: cfg.RateLimit.UserLimit, Window: cfg.RateLimit.UserWindow}
	rlCfg.FailOpen = cfg.RateLimit.FailOpen
	rlCfg.CallTimeout = cfg.RateLimit.CallTimeout
	limiter, err := ratelimitservice.New(window,
		ratelimitservice.WithLogger(log),
		ratelimitservice.WithConfig(rlCfg),
		ratelimitservice.WithAuditPublisher(securityPub),
	)
	if err != nil {
		log.Error("rate limiter", "error", err)
		return exitConfig
	}
	retention := cfg.RateLimit.IPWindow
	if cfg.RateLimit.UserWindow > retention {
		retention = cfg.RateLimit.UserWindow
	}
	sweeper := ratelimitservice.NewSweeper(window, cfg.RateLimit.CleanupInterval, retention, log)

	// Geo and risk.
	locator := resolver.New(cfg.Geo.CityDBPath, cfg.Geo.CountryDBPath, cfg.Geo.ASNDBPath, resolver.WithLogger(log))
	defer func() { _ = locator.Close() }()
	geoSvc, err := geoservice.New(locator,
		geostore.NewPostgresMetadataStore(db),
		geostore.NewPostgresBlocklistStore(db),
		geoservice.WithLogger(log),
		geoservice.WithSecurityPublisher(securityPub),
	)
	if err != nil {
		log.Error("geo service", "error", err)
		return exitInternal
	}

	riskSvc, err := riskservice.New(geoSvc, users,
		riskservice.WithLogger(log),
		riskservice.WithSecurityPublisher(securityPub),
		riskservice.WithThresholds(cfg.Risk.DenyScore, cfg.Risk.ChallengeScore),
		riskservice.WithSuspiciousIPThreshold(cfg.Risk.SuspiciousIPThreshold),
	)
	if err != nil {
		log.Error("risk engine", "error", err)
		return exitConfig
	}

	// RBAC with a local cache invalidated across instances via Redis.
	roleStore := rbacstore.NewPostgresRoleStore(db)
	if err := rbacstore.SeedBootstrapRoles(ctx, roleStore); err != nil {
		log.Error("seed bootstrap roles", "error", err)
		return exitUnavailable
	}
	rbacCache := rbaccache.New()
	fanout := rbaccache.NewRedisFanout(rdb.Client, log)
	rbacSvc, err := rbacservice.New(roleStore, users,
		rbacservice.WithLogger(log),
		rbacservice.WithCache(rbacCache),
		rbacservice.WithFanout(fanout),
		rbacservice.WithDB(db),
		rbacservice.WithSecurityPublisher(securityPub),
	)
	if err != nil {
		log.Error("rbac service", "error", err)
		return exitInternal
	}

	// Passkeys with Redis-backed ceremony state.
	passkeySvc, err := passkeyservice.New(
		passkeyservice.Config{
			RPID:     cfg.WebAuthn.RPID,
			RPName:   cfg.WebAuthn.RPName,
			RPOrigin: cfg.WebAuthn.Origin,
		},
		users, passkeys, challenge.NewRedisStore(rdb.Client),
		passkeyservice.WithLogger(log),
		passkeyservice.WithSecurityPublisher(securityPub),
	)
	if err != nil {
		log.Error("passkey service", "error", err)
		return exitConfig
	}

	// The login pipeline.
	flowOpts := []authflowservice.Option{
		authflowservice.WithLogger(log),
		authflowservice.WithConfig(authflowservice.Config{
			MaxLoginAttempts:       cfg.Security.MaxLoginAttempts,
			LockoutDuration:        cfg.Security.LockoutDuration,
			SuspiciousIPThreshold:  cfg.Risk.SuspiciousIPThreshold,
			RecentFailureWindow:    cfg.Security.RecentFailureWindow,
			RecentFailureThreshold: cfg.Risk.RecentFailureThreshold,
		}),
		authflowservice.WithGeo(geoSvc),
		authflowservice.WithRisk(riskSvc),
		authflowservice.WithPasskeys(passkeySvc),
		authflowservice.WithRegistrar(identitySvc),
		authflowservice.WithSecurityPublisher(securityPub),
	}
	if cfg.Captcha.VerifyURL != "" {
		captchaVerifier, err := captcha.New(cfg.Captcha.VerifyURL, cfg.Captcha.Secret,
			captcha.WithLogger(log),
			captcha.WithTimeout(cfg.Captcha.Timeout),
			captcha.WithLimiter(limiter),
		)
		if err != nil {
			log.Error("captcha verifier", "error", err)
			return exitConfig
		}
		flowOpts = append(flowOpts, authflowservice.WithCaptcha(captchaVerifier))
	}
	flow, err := authflowservice.New(users, limiter, tokens, flowOpts...)
	if err != nil {
		log.Error("auth pipeline", "error", err)
		return exitInternal
	}

	router, err := httptransport.New(httptransport.Deps{
		Logger:         log,
		AuthFlow:       authflowhandler.New(flow, log),
		Tokens:         tokenhandler.New(tokens, log),
		Profile:        profilehandler.New(identitySvc, passkeySvc, log),
		Admin:          adminhandler.New(rbacSvc, users, geoSvc, log),
		Verifier:       httptransport.TokenVerifier{Tokens: tokens},
		Permissions:    rbacSvc,
		Fingerprint:    device.NewService(true),
		Limiter:        limiter,
		TrustedProxies: cfg.Server.TrustedProxies,
		HealthChecks: map[string]httptransport.HealthCheck{
			"postgres": db.PingContext,
			"redis":    rdb.Health,
		},
	})
	if err != nil {
		log.Error("router", "error", err)
		return exitConfig
	}

	srv := httpserver.New(cfg.Server.Addr, router)

	g, ctx := errgroup.WithContext(ctx)
	g.Go(func() error {
		log.Info("authd listening", "addr", cfg.Server.Addr)
		if err := srv.ListenAndServe(); !errors.Is(err, http.ErrServerClosed) {
			return fmt.Errorf("http server: %w", err)
		}
		return nil
	})
	g.Go(func() error {
		<-ctx.Done()
		return httpserver.Shutdown(srv)
	})
	g.Go(func() error { return sweeper.Run(ctx) })
	g.Go(func() error { return fanout.Listen(ctx, rbacCache) })
	if relay != nil {
		g.Go(func() error { return relay.Run(ctx) })
	}

	if err := g.Wait(); err != nil && !errors.Is(err, context.Canceled) {
		log.Error("authd exited", "error", err)
		return exitInternal
	}
	log.Info("authd stopped")
	return exitOK
}
