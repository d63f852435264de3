// Package app wires configuration, storage and services into a runnable
// engine shared by the server, the CLI and the migration tool.
package app

import (
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"time"

	"leadflow/internal/config"
	"leadflow/internal/eventbus"
	"leadflow/internal/handlers"
	"leadflow/internal/middleware"
	"leadflow/internal/models"
	"leadflow/internal/services"
	"leadflow/pkg/gateway"

	"github.com/gin-gonic/gin"
	"github.com/glebarez/sqlite"
	"github.com/redis/go-redis/v9"
	"github.com/sirupsen/logrus"
	"go.opentelemetry.io/contrib/instrumentation/github.com/gin-gonic/gin/otelgin"
	"gorm.io/driver/postgres"
	"gorm.io/gorm"
	"gorm.io/gorm/logger"
	gormtracing "gorm.io/plugin/opentelemetry/tracing"
)

// OpenDB connects to postgres or sqlite and applies pool settings.
func OpenDB(cfg *config.Config, log *logrus.Logger) (*gorm.DB, error) {
	dbc := cfg.Database
	gormCfg := &gorm.Config{
		Logger: logger.New(log, logger.Config{
			SlowThreshold:             500 * time.Millisecond,
			LogLevel:                  gormLogLevel(cfg.Log.Level),
			IgnoreRecordNotFoundError: true,
		}),
		NowFunc: func() time.Time { return time.Now().UTC() },
	}

	var dialector gorm.Dialector
	switch dbc.Driver {
	case "sqlite":
		if dir := filepath.Dir(dbc.SQLitePath); dir != "." {
			if err := os.MkdirAll(dir, 0o755); err != nil {
				return nil, fmt.Errorf("create sqlite dir: %w", err)
			}
		}
		dialector = sqlite.Open(dbc.SQLitePath + "?_pragma=busy_timeout(5000)&_pragma=foreign_keys(1)")
	default:
		dialector = postgres.Open(dbc.PostgresDSN())
	}

	db, err := gorm.Open(dialector, gormCfg)
	if err != nil {
		return nil, fmt.Errorf("failed to connect to database: %w", err)
	}
	if cfg.Monitoring.Tracing.Enabled {
		if err := db.Use(gormtracing.NewPlugin()); err != nil {
			return nil, fmt.Errorf("gorm tracing plugin: %w", err)
		}
	}

	sqlDB, err := db.DB()
	if err != nil {
		return nil, err
	}
	if dbc.Driver == "sqlite" {
		// 单写者
		sqlDB.SetMaxOpenConns(1)
	} else {
		sqlDB.SetMaxOpenConns(dbc.MaxOpenConns)
		sqlDB.SetMaxIdleConns(dbc.MaxIdleConns)
		sqlDB.SetConnMaxLifetime(dbc.ConnMaxLifetime)
	}
	return db, nil
}

func gormLogLevel(level string) logger.LogLevel {
	switch level {
	case "debug", "trace":
		return logger.Info
	case "error", "fatal", "panic":
		return logger.Error
	default:
		return logger.Warn
	}
}

// Migrate creates every engine table.
func Migrate(db *gorm.DB) error {
	if err := db.AutoMigrate(models.AllModels()...); err != nil {
		return fmt.Errorf("failed to migrate database: %w", err)
	}
	return nil
}

// App is the assembled engine.
type App struct {
	Config *config.Config
	DB     *gorm.DB
	Logger *logrus.Logger
	Redis  redis.UniversalClient

	Gateway      *gateway.Client
	Bus          *eventbus.Publisher
	Events       *services.EventStore
	Registry     *services.ActionRegistry
	Automations  *services.AutomationService
	Distribution *services.DistributionService
	Engine       *services.AutomationEngine
	Delays       *services.DelayScheduler
	SLA          *services.SLARedistributor
	Runner       *services.JobRunner
}

// New builds the services on an open database.
func New(cfg *config.Config, db *gorm.DB, log *logrus.Logger) (*App, error) {
	if log == nil {
		log = logrus.StandardLogger()
	}
	a := &App{Config: cfg, DB: db, Logger: log}

	if cfg.Redis.Enabled {
		a.Redis = redis.NewClient(&redis.Options{
			Addr:         cfg.Redis.Addr(),
			Password:     cfg.Redis.Password,
			DB:           cfg.Redis.DB,
			PoolSize:     cfg.Redis.PoolSize,
			MinIdleConns: cfg.Redis.MinIdleConns,
		})
	}

	bus, err := eventbus.New(cfg.EventBus, log)
	if err != nil {
		return nil, err
	}
	a.Bus = bus

	a.Gateway = gateway.NewClient(&gateway.Config{
		BaseURL:    cfg.Gateway.BaseURL,
		APIKey:     cfg.Gateway.APIKey,
		Timeout:    cfg.Gateway.Timeout,
		MaxRetries: cfg.Gateway.MaxRetries,
		RetryDelay: cfg.Gateway.RetryDelay,
	}, log)

	ec := cfg.Engine
	a.Events = services.NewEventStore(db, log)
	a.Registry = services.NewActionRegistry()
	if err := services.RegisterBuiltinActions(a.Registry, services.ActionDeps{DB: db, Gateway: a.Gateway, Events: a.Events, Logger: log}); err != nil {
		return nil, err
	}
	runner := services.NewChainRunner(a.Registry, log, ec.DefaultWaitMinutes)

	a.Delays = services.NewDelayScheduler(db, runner, log, ec.MaxAttempts)
	a.Delays.SetPublisher(bus)
	a.Engine = services.NewAutomationEngine(db, a.Events, runner, a.Delays, log)
	a.Engine.SetPublisher(bus)
	a.Engine.SetDedupWindow(ec.DedupWindow)
	a.SLA = services.NewSLARedistributor(db, a.Events, log)
	a.SLA.SetPublisher(bus)

	a.Automations = services.NewAutomationService(db, a.Registry, log, ec.DefaultMaxExecutionsPerHour)
	a.Distribution = services.NewDistributionService(db, log)

	locker, err := a.jobLocker()
	if err != nil {
		return nil, err
	}
	a.Runner = services.NewJobRunner(a.Engine, a.Delays, a.SLA, locker, services.JobRunnerOptions{
		EventBatchSize: ec.EventBatchSize,
		DelayBatchSize: ec.DelayBatchSize,
		LockTTL:        cfg.Jobs.LockTTL,
	}, log)
	return a, nil
}

func (a *App) jobLocker() (services.JobLocker, error) {
	switch a.Config.Jobs.LockBackend {
	case "redis":
		if a.Redis == nil {
			return nil, errors.New("jobs.lock_backend=redis requires redis.enabled")
		}
		return services.NewRedisJobLocker(a.Redis), nil
	case "none":
		return services.NoopJobLocker{}, nil
	default:
		return services.NewDBJobLocker(a.DB), nil
	}
}

// Scheduler returns the in-process job scheduler, or nil when disabled.
func (a *App) Scheduler() (*services.JobScheduler, error) {
	sc := a.Config.Jobs.Scheduler
	if !sc.Enabled {
		return nil, nil
	}
	return services.NewJobScheduler(a.Runner, services.ScheduleSpecs{
		Events: sc.EventsSpec,
		Delays: sc.DelaysSpec,
		SLA:    sc.SLASpec,
	}, a.Logger)
}

// Router builds the gin engine with every route mounted.
func (a *App) Router() *gin.Engine {
	cfg := a.Config
	r := gin.New()
	r.Use(gin.Recovery())
	if cfg.Monitoring.Tracing.Enabled {
		name := cfg.Monitoring.Tracing.ServiceName
		if name == "" {
			name = "leadflow"
		}
		r.Use(otelgin.Middleware(name))
	}
	r.Use(gin.LoggerWithWriter(a.Logger.Writer()))
	r.Use(middleware.CORS(cfg.Security.CORS))
	r.Use(middleware.RateLimit(cfg.Security.RateLimiting))

	health := handlers.NewHealthHandler(a.DB, a.Redis, a.Gateway, a.Logger)
	r.GET("/health", health.Health)
	r.GET("/ready", health.Ready)
	if cfg.Monitoring.Enabled {
		path := cfg.Monitoring.MetricsPath
		if path == "" {
			path = "/metrics"
		}
		r.GET(path, handlers.NewMetricsHandler(a.DB).GetMetrics)
	}

	handlers.RegisterJobRoutes(r, handlers.NewJobHandler(a.Runner, a.Logger), middleware.JobAuth(cfg.Security.JobToken))

	api := r.Group("/api")
	handlers.RegisterEventRoutes(api, handlers.NewEventHandler(a.Events, a.Logger))
	handlers.RegisterAutomationRoutes(api, handlers.NewAutomationHandler(a.Automations, a.Logger))
	handlers.RegisterDistributionRoutes(api, handlers.NewDistributionHandler(a.Distribution, a.Logger))
	return r
}

// Close releases the bus, redis and database connections.
func (a *App) Close() error {
	var errs []error
	if a.Bus != nil {
		errs = append(errs, a.Bus.Close())
	}
	if a.Redis != nil {
		errs = append(errs, a.Redis.Close())
	}
	if sqlDB, err := a.DB.DB(); err == nil {
		errs = append(errs, sqlDB.Close())
	}
	return errors.Join(errs...)
}
