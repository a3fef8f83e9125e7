// Package main is the authorization gateway's entry point: it loads
// configuration, wires the components together, and serves the HTTP
// surface until a shutdown signal arrives.
package main

import (
	"context"
	"crypto/rsa"
	"database/sql"
	"flag"
	"fmt"
	"log"
	"net/http"
	"os"
	"os/signal"
	"strings"
	"syscall"
	"time"

	"github.com/jmoiron/sqlx"
	_ "github.com/lib/pq"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/redis/go-redis/v9"
	"github.com/rs/zerolog"

	"github.com/authgateway/gateway/infrastructure/logging"
	"github.com/authgateway/gateway/internal/audit"
	"github.com/authgateway/gateway/internal/authz"
	"github.com/authgateway/gateway/internal/cache"
	"github.com/authgateway/gateway/internal/config"
	"github.com/authgateway/gateway/internal/credentials"
	"github.com/authgateway/gateway/internal/gatewaymetrics"
	"github.com/authgateway/gateway/internal/httpapi"
	"github.com/authgateway/gateway/internal/pipeline"
	"github.com/authgateway/gateway/internal/policy"
	"github.com/authgateway/gateway/internal/registry"
	"github.com/authgateway/gateway/internal/session"
	"github.com/authgateway/gateway/internal/siem"
)

func main() {
	configOverlay := flag.String("config", os.Getenv("GATEWAY_CONFIG_YAML"), "optional YAML configuration overlay")
	flag.Parse()

	cfg, err := config.Load(*configOverlay)
	if err != nil {
		log.Fatalf("load configuration: %v", err)
	}

	logger := logging.New("authgateway", cfg.LogLevel, cfg.LogFormat)
	logger.Infof("authgateway starting (env=%s)", cfg.Environment)

	metrics := gatewaymetrics.New(prometheus.DefaultRegisterer)

	rdb := redis.NewClient(&redis.Options{Addr: cfg.RedisAddr, DB: cfg.RedisDB})
	decisionCache := cache.NewStore(rdb, ttlTableFromConfig(cfg), metrics)
	sessions := session.NewStore(rdb, cfg.RefreshTokenTTL, metrics)

	db, err := sql.Open("postgres", cfg.PostgresDSN)
	if err != nil {
		log.Fatalf("open postgres: %v", err)
	}
	defer db.Close()

	if cfg.PostgresDSN != "" {
		if err := audit.Migrate(cfg.PostgresDSN); err != nil {
			log.Fatalf("apply audit migrations: %v", err)
		}
		if err := credentials.MigrateAPIKeys(cfg.PostgresDSN); err != nil {
			log.Fatalf("apply api_keys migrations: %v", err)
		}
	}

	auditStore := audit.NewStore(db)
	apiKeys := credentials.NewAPIKeyStore(sqlx.NewDb(db, "postgres"))

	publicKey, hmacSecret := loadSigningKey(cfg)
	verifier := credentials.NewVerifier(publicKey, hmacSecret, cfg.TokenClockSkew, sessions, apiKeys, cfg.APIKeyRatePerSec, cfg.APIKeyRateBurst)
	if cfg.RedisAddr != "" {
		verifier.WithRateLimiter(credentials.NewRedisRateLimiter(rdb, cfg.APIKeyRatePerSec, cfg.APIKeyRateBurst))
	}

	auditor := audit.NewEnhancedAuditor(auditStore, audit.EnhancedAuditorConfig{
		Sink: logAlertSink{logger: logger},
	})

	reg := registry.New()

	engine := buildPolicyEngine(cfg, metrics, logger)

	p := pipeline.New(verifier, reg, engine, decisionCache, auditor, metrics, pipeline.Config{})
	defer p.Close()

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	forwarder := buildSIEMForwarder(cfg, auditStore, logger, metrics)
	if forwarder != nil {
		forwarder.Start(ctx)
		defer forwarder.Stop()
	}

	srv := httpapi.NewServer(p, verifier, auditor, sessions, metrics, logger, httpapi.Config{
		MaxBatchSize:   cfg.MaxBatchSize,
		ServiceVersion: os.Getenv("GATEWAY_VERSION"),
	})

	httpServer := &http.Server{
		Addr:              cfg.HTTPAddr,
		Handler:           srv.Router(),
		ReadTimeout:       30 * time.Second,
		ReadHeaderTimeout: 10 * time.Second,
		WriteTimeout:      30 * time.Second,
		IdleTimeout:       120 * time.Second,
		MaxHeaderBytes:    1 << 20,
	}

	go func() {
		logger.Infof("authgateway listening on %s", cfg.HTTPAddr)
		if err := httpServer.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			log.Fatalf("http server: %v", err)
		}
	}()

	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, syscall.SIGINT, syscall.SIGTERM)
	<-sigCh

	logger.Infof("shutting down")
	shutdownCtx, shutdownCancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer shutdownCancel()
	if err := httpServer.Shutdown(shutdownCtx); err != nil {
		logger.Errorf("http server shutdown: %v", err)
	}
}

// loadSigningKey resolves the token-verification key from the configured
// RSA public key file, falling back to an HMAC secret. At most one is
// returned non-nil; credentials.NewVerifier accepts either. With neither
// configured both are nil and every bearer token is rejected.
func loadSigningKey(cfg *config.Config) (*rsa.PublicKey, []byte) {
	if cfg.JWTPublicKeyPath != "" {
		pemBytes, err := os.ReadFile(cfg.JWTPublicKeyPath)
		if err != nil {
			log.Fatalf("read JWT public key %s: %v", cfg.JWTPublicKeyPath, err)
		}
		key, err := credentials.ParseRSAPublicKeyFromPEM(pemBytes)
		if err != nil {
			log.Fatalf("parse JWT public key %s: %v", cfg.JWTPublicKeyPath, err)
		}
		return key, nil
	}
	if cfg.JWTHMACSecret != "" {
		return nil, []byte(cfg.JWTHMACSecret)
	}
	log.Printf("warning: neither GATEWAY_JWT_PUBLIC_KEY_PATH nor GATEWAY_JWT_HMAC_SECRET set; bearer verification will reject every token")
	return nil, nil
}

// ttlTableFromConfig converts the config package's sensitivity-tier TTL map
// (which additionally carries a TierUnknown bucket with no authz.Sensitivity
// counterpart) into the cache package's TTLTable.
func ttlTableFromConfig(cfg *config.Config) cache.TTLTable {
	table := make(cache.TTLTable, len(cfg.CacheTTLTable))
	for tier, ttl := range cfg.CacheTTLTable {
		if sens, ok := sensitivityFromTier(tier); ok {
			table[sens] = ttl
		}
	}
	return table
}

func sensitivityFromTier(tier config.SensitivityTier) (authz.Sensitivity, bool) {
	switch tier {
	case config.TierCritical:
		return authz.SensitivityCritical, true
	case config.TierHigh:
		return authz.SensitivityHigh, true
	case config.TierMedium:
		return authz.SensitivityMedium, true
	case config.TierLow:
		return authz.SensitivityLow, true
	default:
		return "", false
	}
}

// buildPolicyEngine starts the engine deny-closed (an empty snapshot) and
// loads the configured corpus on top of it, so a missing or invalid corpus
// file fails safe rather than panicking the process.
func buildPolicyEngine(cfg *config.Config, metrics *gatewaymetrics.Metrics, logger *logging.Logger) *policy.Engine {
	engine := policy.NewEngine(nil, time.Now, 200*time.Millisecond, metrics)

	loader := policy.NewLoader(cfg.PolicyCorpusPath, time.Duration(cfg.PolicyWatchIntervalSeconds)*time.Second, engine, func(s *policy.Snapshot) {
		logger.Infof("policy corpus reloaded, version=%d", s.Version)
	})
	if _, err := loader.Load(); err != nil {
		logger.Warnf("initial policy corpus load failed, starting deny-closed: %v", err)
	}
	loader.StartWatching()
	return engine
}

// buildSIEMForwarder returns nil when no sinks are configured, so main can
// skip Start/Stop entirely rather than running an idle forwarder.
func buildSIEMForwarder(cfg *config.Config, source siem.AuditSource, logger *logging.Logger, metrics *gatewaymetrics.Metrics) *siem.Forwarder {
	sinks := nonEmpty(cfg.SIEMSinks)
	if len(sinks) == 0 {
		return nil
	}

	zl := zerolog.New(logger.Out).With().Timestamp().Str("service", "authgateway").Logger()
	forwarder := siem.New(source, zl, metrics, siem.ForwarderConfig{})
	for i, endpoint := range sinks {
		sink := siem.NewHTTPSink(siem.HTTPSinkConfig{
			SinkID:   fmt.Sprintf("siem-%d", i),
			Endpoint: endpoint,
		})
		forwarder.RegisterSink(sink, siem.SinkConfig{
			BatchSize:          cfg.SIEMBatchSize,
			BatchInterval:      cfg.SIEMFlushInterval,
			CircuitMaxFailures: cfg.SIEMCircuitFailures,
			CircuitCooldown:    cfg.SIEMCircuitCooldown,
		})
	}
	return forwarder
}

func nonEmpty(in []string) []string {
	out := make([]string, 0, len(in))
	for _, s := range in {
		if s = strings.TrimSpace(s); s != "" {
			out = append(out, s)
		}
	}
	return out
}

// logAlertSink routes denial-spike alerts to structured logs; the gateway
// has no dedicated alert-paging integration of its own.
type logAlertSink struct {
	logger *logging.Logger
}

func (s logAlertSink) AlertDenialSpike(alert audit.SecurityAlert) {
	s.logger.WithField("principal_id", alert.PrincipalID).
		WithField("alert_type", alert.AlertType).
		WithField("severity", string(alert.Severity)).
		Warn(alert.Description)
}
