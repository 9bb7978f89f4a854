package main

import (
	"log"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/joho/godotenv"

	"github.com/canopydb/gateway/internal/audit"
	"github.com/canopydb/gateway/internal/auth"
	"github.com/canopydb/gateway/internal/config"
	"github.com/canopydb/gateway/internal/gateway"
	"github.com/canopydb/gateway/internal/identity"
	"github.com/canopydb/gateway/internal/ratelimit"
	"github.com/canopydb/gateway/internal/rules"
	"github.com/canopydb/gateway/internal/store"
)

func main() {
	// .env is optional; real deployments set the environment directly.
	if err := godotenv.Load(); err != nil && !os.IsNotExist(err) {
		log.Printf("Skipping .env: %v", err)
	}

	path := os.Getenv("GATEWAY_CONFIG")
	if path == "" {
		path = "config.yaml"
	}
	cfg, err := config.LoadConfig(path)
	if err != nil {
		log.Fatalf("Failed to load config %s: %v", path, err)
	}

	st := store.NewMemory()
	engine := rules.NewMemory()

	// Default bucket and live view so a bare config is usable end to end;
	// embedders register their own queries through Server.DefineQuery.
	if err := st.DefineBucket("items", store.BucketConfig{}); err != nil {
		log.Fatalf("Failed to define default bucket: %v", err)
	}
	st.DefineQuery("all-items", func(ctx store.QueryContext, _ map[string]interface{}) (interface{}, error) {
		b, err := ctx.Bucket("items")
		if err != nil {
			return nil, err
		}
		return b.All()
	})

	srv, err := gateway.New(buildServerConfig(cfg, st, engine))
	if err != nil {
		log.Fatalf("Failed to build gateway: %v", err)
	}
	if err := srv.Start(); err != nil {
		log.Fatalf("Failed to start gateway: %v", err)
	}
	srv.StartHeartbeat()

	sigChan := make(chan os.Signal, 1)
	signal.Notify(sigChan, os.Interrupt, syscall.SIGTERM)
	<-sigChan

	log.Println("Received shutdown signal, shutting down gracefully...")
	srv.Stop(10 * time.Second)
	log.Println("Server stopped")
}

func buildServerConfig(cfg *config.Config, st store.Store, engine rules.Engine) gateway.Config {
	out := gateway.Config{
		Name:                  cfg.Server.Name,
		Port:                  cfg.Server.Port,
		Store:                 st,
		Rules:                 engine,
		Origins:               cfg.Origins,
		MaxConnectionsPerIP:   cfg.Limits.MaxConnectionsPerIP,
		MaxSubsPerConnection:  cfg.Limits.MaxSubscriptionsPerConnection,
		MaxTotalSubscriptions: cfg.Limits.MaxTotalSubscriptions,
		RateLimit: ratelimit.Config{
			MaxRequests: cfg.RateLimit.MaxRequests,
			Window:      time.Duration(cfg.RateLimit.WindowMs) * time.Millisecond,
		},
		HeartbeatInterval:  time.Duration(cfg.Heartbeat.IntervalMs) * time.Millisecond,
		HeartbeatTimeout:   time.Duration(cfg.Heartbeat.TimeoutMs) * time.Millisecond,
		AuthMode:           cfg.Auth.Mode,
		AuthRequired:       cfg.Auth.IsRequired(),
		BlacklistTTL:       time.Duration(cfg.BlacklistTTLMs) * time.Millisecond,
		ExposeErrorDetails: cfg.ExposeDetails(),
		AuditEnabled:       cfg.Audit.Enabled,
		Audit: audit.Config{
			Capacity:  cfg.Audit.Capacity,
			RedisAddr: cfg.Audit.RedisAddr,
			RedisList: cfg.Audit.RedisList,
		},
	}

	switch cfg.Auth.Mode {
	case gateway.AuthExternal:
		out.Validator = auth.NewJWTValidator([]byte(cfg.Auth.JWTSecret))
	case gateway.AuthBuiltin:
		out.Identity = identity.Config{
			AdminSecret: cfg.Auth.AdminSecret,
			SessionTTL:  time.Duration(cfg.Auth.SessionTTLMs) * time.Millisecond,
			LoginLimit: ratelimit.LoginConfig{
				MaxAttempts: cfg.Auth.LoginRateLimit.MaxAttempts,
				Window:      time.Duration(cfg.Auth.LoginRateLimit.WindowMs) * time.Millisecond,
			},
		}
	}
	return out
}
