package main

import (
	"context"
	"fmt"
	"os"
	"strings"

	"github.com/gin-gonic/gin"
	"go.uber.org/zap"
	"gorm.io/gorm"

	"github.com/portariahub/visitgate/internal/api"
	"github.com/portariahub/visitgate/internal/app"
	"github.com/portariahub/visitgate/internal/automation"
	"github.com/portariahub/visitgate/internal/database"
	"github.com/portariahub/visitgate/internal/devices/hikcentral"
	"github.com/portariahub/visitgate/internal/invites"
	"github.com/portariahub/visitgate/internal/lifecycle"
	"github.com/portariahub/visitgate/internal/monitoring"
	"github.com/portariahub/visitgate/internal/notifications"
	"github.com/portariahub/visitgate/internal/queue"
	"github.com/portariahub/visitgate/internal/realtime"
	"github.com/portariahub/visitgate/internal/store"
	"github.com/portariahub/visitgate/internal/sweeper"
	"github.com/portariahub/visitgate/pkg/logger"
	"github.com/portariahub/visitgate/pkg/mail"
)

// runtimeStack bundles the long-lived components behind the HTTP server.
type runtimeStack struct {
	DB       *gorm.DB
	Grants   *store.VisitorStore
	Hub      *realtime.Hub
	Device   *hikcentral.Client
	Gateway  *automation.Gateway
	Queue    *queue.Queue
	Machine  *lifecycle.Machine
	Pool     *queue.Pool
	Sweeper  *sweeper.Sweeper
	Invites  *invites.Service
	Notifier *notifications.Dispatcher
	Router   *gin.Engine
}

// bootstrapRuntime initialises the database, domain services, background
// workers and the HTTP router.
func bootstrapRuntime(ctx context.Context, cfg *app.Config, log *zap.Logger) (*runtimeStack, error) {
	stack := &runtimeStack{}
	var err error
	success := false

	defer func() {
		if !success {
			stack.Shutdown(log)
		}
	}()

	if debug, _ := os.LookupEnv("GIN_DEBUG"); debug != "true" {
		gin.SetMode(gin.ReleaseMode)
	}

	stack.DB, err = initialiseDatabase(cfg)
	if err != nil {
		return nil, err
	}

	stack.Grants, err = store.NewVisitorStore(stack.DB)
	if err != nil {
		return nil, fmt.Errorf("initialise visitor store: %w", err)
	}

	stack.Hub = realtime.NewHub()

	mailer, err := mail.NewSMTPMailer(cfg.Email.SMTPSettings())
	if err != nil {
		return nil, fmt.Errorf("initialise mailer: %w", err)
	}

	stack.Notifier, err = notifications.NewDispatcher(stack.DB, stack.Hub, mailer)
	if err != nil {
		return nil, fmt.Errorf("initialise notifications: %w", err)
	}

	stack.Device, err = hikcentral.NewClient(cfg.Device.ClientConfig())
	if err != nil {
		return nil, fmt.Errorf("initialise device client: %w", err)
	}

	stack.Queue, err = queue.New(stack.DB,
		queue.WithHub(stack.Hub),
		queue.WithMaxRetries(cfg.Queue.MaxRetries),
		queue.WithStaleness(cfg.Queue.Staleness),
	)
	if err != nil {
		return nil, fmt.Errorf("initialise queue: %w", err)
	}

	stack.Machine, err = lifecycle.NewMachine(stack.Grants, stack.Device, stack.Queue, stack.Notifier,
		lifecycle.WithHub(stack.Hub))
	if err != nil {
		return nil, fmt.Errorf("initialise lifecycle machine: %w", err)
	}

	gatewayEnabled := cfg.Gateway.Enabled && strings.TrimSpace(cfg.Gateway.BaseURL) != ""
	if gatewayEnabled {
		stack.Gateway, err = automation.NewGateway(cfg.Gateway.GatewayConfig())
		if err != nil {
			return nil, fmt.Errorf("initialise automation gateway: %w", err)
		}

		stack.Pool, err = queue.NewPool(stack.Queue, stack.Grants, stack.Gateway, stack.Machine, stack.Device,
			queue.WithWorkers(cfg.Queue.Workers),
			queue.WithPollInterval(cfg.Queue.PollInterval),
		)
		if err != nil {
			return nil, fmt.Errorf("initialise worker pool: %w", err)
		}
		stack.Pool.Start(ctx)
	} else {
		log.Warn("automation gateway disabled; asynchronous provisioning will not run")
	}

	stack.Sweeper, err = sweeper.New(stack.Grants, stack.Machine, stack.Device, stack.Notifier,
		sweeper.WithSweepSchedule(cfg.Sweeper.SweepSchedule),
		sweeper.WithNotifySchedule(cfg.Sweeper.NotifySchedule),
		sweeper.WithNotifyWindow(cfg.Sweeper.NotifyWindow),
	)
	if err != nil {
		return nil, fmt.Errorf("initialise sweeper: %w", err)
	}
	if err := stack.Sweeper.Start(); err != nil {
		return nil, fmt.Errorf("start sweeper: %w", err)
	}

	stack.Invites, err = invites.NewService(stack.DB, stack.Grants, cfg.Invites.ServiceConfig())
	if err != nil {
		return nil, fmt.Errorf("initialise invites: %w", err)
	}

	health := monitoring.NewHealthManager()
	health.Register(monitoring.DatabaseCheck(stack.DB))
	health.Register(monitoring.DeviceCheck(stack.Device))
	if stack.Gateway != nil {
		health.Register(monitoring.GatewayCheck(stack.Gateway))
	}

	stack.Router, err = api.NewRouter(health, stack.Queue, stack.Hub, api.Options{
		MetricsEnabled:  cfg.Monitoring.Prometheus.Enabled,
		MetricsEndpoint: cfg.Monitoring.Prometheus.Endpoint,
	})
	if err != nil {
		return nil, fmt.Errorf("build api router: %w", err)
	}

	success = true
	return stack, nil
}

// Shutdown stops background jobs in dependency order and releases resources:
// first the sweeper so no new expirations start, then the worker pool so
// in-flight provisioning finishes, then the database.
func (s *runtimeStack) Shutdown(log *zap.Logger) {
	if s == nil {
		return
	}

	if s.Sweeper != nil {
		<-s.Sweeper.Stop().Done()
	}

	if s.Pool != nil {
		s.Pool.Stop()
	}

	if s.DB != nil {
		closeDatabase(s.DB, log)
	}
}

func initialiseDatabase(cfg *app.Config) (*gorm.DB, error) {
	dbCfg := cfg.Database.DatabaseConfig()
	dbCfg.Driver = strings.ToLower(strings.TrimSpace(dbCfg.Driver))
	if dbCfg.Driver == "" {
		dbCfg.Driver = "sqlite"
	}

	db, err := database.Open(dbCfg)
	if err != nil {
		return nil, fmt.Errorf("open database: %w", err)
	}

	if err := database.AutoMigrate(db); err != nil {
		return nil, fmt.Errorf("auto-migrate database: %w", err)
	}

	logger.WithModule("database").Info("database connected", zap.String("driver", dbCfg.Driver))
	return db, nil
}

func closeDatabase(db *gorm.DB, log *zap.Logger) {
	sqlDB, err := db.DB()
	if err != nil {
		log.Warn("failed to obtain underlying sql DB for closing", zap.Error(err))
		return
	}

	if err := sqlDB.Close(); err != nil {
		log.Warn("failed to close database", zap.Error(err))
	}
}
