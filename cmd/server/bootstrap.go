package main

import (
	"context"
	"fmt"
	"os"
	"strings"

	"github.com/gin-gonic/gin"
	"go.uber.org/zap"
	"gorm.io/gorm"

	"github.com/soulline/advisory/internal/api"
	"github.com/soulline/advisory/internal/app"
	"github.com/soulline/advisory/internal/app/maintenance"
	iauth "github.com/soulline/advisory/internal/auth"
	"github.com/soulline/advisory/internal/database"
	"github.com/soulline/advisory/internal/ledger"
	"github.com/soulline/advisory/internal/lifecycle"
	"github.com/soulline/advisory/internal/realtime"
	"github.com/soulline/advisory/internal/session"
	"github.com/soulline/advisory/pkg/logger"
)

// runtimeStack bundles long-lived services used by the HTTP server.
type runtimeStack struct {
	DB      *gorm.DB
	Manager *session.Manager
	Cleaner *maintenance.Cleaner
	Hub     *realtime.Hub
	Router  *gin.Engine
}

// bootstrapRuntime initialises the database, domain services, background jobs
// and the HTTP router.
func bootstrapRuntime(ctx context.Context, cfg *app.Config, log *zap.Logger) (*runtimeStack, error) {
	stack := &runtimeStack{}
	var err error
	success := false

	defer func() {
		if !success {
			stack.Shutdown(context.Background(), log)
		}
	}()

	if debug, _ := os.LookupEnv("GIN_DEBUG"); debug != "true" {
		gin.SetMode(gin.ReleaseMode)
	}

	stack.DB, err = initialiseDatabase(cfg)
	if err != nil {
		return nil, err
	}

	jwtSvc, err := iauth.NewJWTService(iauth.JWTConfig{
		Secret:         cfg.Auth.JWT.Secret,
		Issuer:         cfg.Auth.JWT.Issuer,
		AccessTokenTTL: cfg.Auth.JWT.TTL,
	})
	if err != nil {
		return nil, fmt.Errorf("initialise jwt service: %w", err)
	}

	lifecycleSvc, err := lifecycle.NewService(stack.DB)
	if err != nil {
		return nil, fmt.Errorf("initialise lifecycle service: %w", err)
	}

	ledgerSvc, err := ledger.NewService(stack.DB)
	if err != nil {
		return nil, fmt.Errorf("initialise ledger service: %w", err)
	}

	stack.Hub = realtime.NewHub()
	sink := realtime.NewSink(stack.Hub)

	stack.Manager, err = session.NewManager(sessionManagerConfig(cfg), lifecycleSvc, ledgerSvc, session.WithEvents(sink))
	if err != nil {
		return nil, fmt.Errorf("initialise session manager: %w", err)
	}

	if cfg.Maintenance.Enabled {
		opts := []maintenance.Option{}
		if strings.TrimSpace(cfg.Maintenance.Schedule) != "" {
			opts = append(opts, maintenance.WithSchedule(cfg.Maintenance.Schedule))
		}
		stack.Cleaner = maintenance.NewCleaner(stack.DB, stack.Manager, cfg.Maintenance.HeartbeatGrace, opts...)
		if err := stack.Cleaner.Start(); err != nil {
			return nil, fmt.Errorf("start maintenance jobs: %w", err)
		}
	}

	stack.Router, err = api.NewRouter(api.Deps{
		DB:        stack.DB,
		JWT:       jwtSvc,
		Manager:   stack.Manager,
		Lifecycle: lifecycleSvc,
		Ledger:    ledgerSvc,
		Hub:       stack.Hub,
	})
	if err != nil {
		return nil, fmt.Errorf("build api router: %w", err)
	}

	success = true
	return stack, nil
}

// Shutdown ends live sessions, stops background jobs and releases resources.
func (s *runtimeStack) Shutdown(ctx context.Context, log *zap.Logger) {
	if s == nil {
		return
	}

	if s.Manager != nil {
		s.Manager.Shutdown(ctx)
	}

	if s.Cleaner != nil {
		stopCtx := s.Cleaner.Stop()
		if stopCtx != nil {
			ctx = stopCtx
		}
		if err := s.Cleaner.RunOnce(ctx); err != nil {
			log.Warn("maintenance shutdown cleanup failed", zap.Error(err))
		}
	}

	if s.DB != nil {
		if err := database.Close(s.DB); err != nil {
			log.Warn("failed to close database", zap.Error(err))
		}
	}
}

func initialiseDatabase(cfg *app.Config) (*gorm.DB, error) {
	dbCfg := convertDatabaseConfig(cfg)
	db, err := database.OpenAndMigrate(dbCfg)
	if err != nil {
		return nil, fmt.Errorf("open database: %w", err)
	}

	log := logger.WithModule("database")
	log.Info("database connected", zap.String("driver", strings.ToLower(strings.TrimSpace(dbCfg.Driver))))

	return db, nil
}

func convertDatabaseConfig(cfg *app.Config) database.Config {
	dbCfg := database.Config{
		Driver: strings.ToLower(strings.TrimSpace(cfg.Database.Driver)),
		Path:   strings.TrimSpace(cfg.Database.Path),
		DSN:    strings.TrimSpace(cfg.Database.DSN),
	}

	switch dbCfg.Driver {
	case "", "sqlite":
		dbCfg.Driver = "sqlite"
	case "postgres", "postgresql":
		dbCfg.Driver = "postgres"
		dbCfg.Host = strings.TrimSpace(cfg.Database.Postgres.Host)
		dbCfg.Port = cfg.Database.Postgres.Port
		dbCfg.Name = strings.TrimSpace(cfg.Database.Postgres.Database)
		dbCfg.User = strings.TrimSpace(cfg.Database.Postgres.Username)
		dbCfg.Password = strings.TrimSpace(cfg.Database.Postgres.Password)
	default:
		// Leave driver as-is to surface unsupported driver error during open.
	}

	return dbCfg
}

func sessionManagerConfig(cfg *app.Config) session.Config {
	return session.Config{
		WarnThresholdMinutes:            cfg.Billing.WarnThresholdMinutes,
		FreeWindowLookahead:             cfg.Billing.FreeWindowLookahead,
		TickInterval:                    cfg.Billing.TickInterval,
		CloseTimeout:                    cfg.Billing.CloseTimeout,
		BillOnDisconnect:                cfg.Billing.BillOnDisconnect,
		ContinueUntilExhaustedSupported: cfg.Billing.ContinueUntilExhausted,
		QualityFlushEvery:               cfg.Quality.FlushEvery,
		HeartbeatGrace:                  cfg.Maintenance.HeartbeatGrace,
	}
}
