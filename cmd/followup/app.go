package main

import (
	"context"
	"encoding/json"
	"fmt"
	"io"

	"github.com/serbia-gov/followup/internal/adapters/health"
	"github.com/serbia-gov/followup/internal/adapters/health/heliant"
	"github.com/serbia-gov/followup/internal/followup/domain"
	"github.com/serbia-gov/followup/internal/followup/infrastructure"
	"github.com/serbia-gov/followup/internal/shared/config"
	"github.com/serbia-gov/followup/internal/shared/database"
	"github.com/serbia-gov/followup/internal/shared/events"
	"github.com/serbia-gov/followup/internal/shared/logger"
	"github.com/serbia-gov/followup/internal/syncer"
	"go.uber.org/zap"
)

const serviceName = "followup-core"

// app holds process-wide dependencies shared by the subcommands
type app struct {
	cfg       *config.Config
	log       *zap.Logger
	db        *database.DB
	store     *infrastructure.PostgresStore
	publisher events.Publisher
	emitter   *events.Emitter
}

func newApp() (*app, error) {
	cfg, err := config.Load()
	if err != nil {
		return nil, fmt.Errorf("load config: %w", err)
	}

	log, err := logger.New(cfg.Log.Level, cfg.Log.Format, serviceName)
	if err != nil {
		return nil, fmt.Errorf("build logger: %w", err)
	}

	return &app{
		cfg:       cfg,
		log:       log,
		publisher: events.Nop{},
		emitter:   events.NewEmitter(nil, log),
	}, nil
}

// openStore connects to the operational database. Failure is fatal for
// every command that needs it.
func (a *app) openStore(ctx context.Context) error {
	db, err := database.New(ctx, a.cfg.Database)
	if err != nil {
		return fmt.Errorf("operational store unavailable: %w", err)
	}
	a.db = db
	a.store = infrastructure.NewPostgresStore(db.Pool)
	return nil
}

func (a *app) migrate(ctx context.Context) error {
	applied, err := database.Migrate(ctx, a.db.Pool, a.log)
	if err != nil {
		return fmt.Errorf("migrate: %w", err)
	}
	a.log.Info("migrations applied", zap.Int("count", applied))
	return nil
}

// openPublisher selects the event sink. Events are best-effort, so an
// unreachable sink is logged and replaced by a no-op publisher.
func (a *app) openPublisher(ctx context.Context) {
	var pub events.Publisher

	switch a.cfg.Events.Sink {
	case "kurrentdb":
		bus, err := events.NewBus(a.cfg.Events.KurrentDB)
		if err != nil {
			a.log.Warn("KurrentDB not available, running without events", zap.Error(err))
			return
		}
		pub = bus
	case "redis":
		pub = events.NewRedisPublisher(a.cfg.Events.Redis)
	default:
		return
	}

	if err := pub.Health(ctx); err != nil {
		a.log.Warn("event sink health check failed", zap.String("sink", a.cfg.Events.Sink), zap.Error(err))
	}

	a.publisher = pub
	a.emitter = events.NewEmitter(pub, a.log)
	a.log.Info("event sink enabled", zap.String("sink", a.cfg.Events.Sink))
}

func (a *app) sourceConfig() heliant.Config {
	src := a.cfg.Source
	hc := heliant.DefaultHeliantConfig()
	hc.Config = health.Config{
		Host:            src.Host,
		Port:            src.Port,
		Database:        src.Database,
		User:            src.User,
		Password:        src.Password,
		Encrypt:         src.Encrypt,
		InstitutionName: src.InstitutionName,
		BatchSize:       a.cfg.Sync.BatchSize,
		PagesPerSecond:  src.PagesPerSecond,
		MaxOpenConns:    src.MaxOpenConns,
		MaxIdleConns:    src.MaxIdleConns,
	}
	if src.PatientTable != "" {
		hc.PatientTable = src.PatientTable
	}
	if src.StayTable != "" {
		hc.StayTable = src.StayTable
	}
	return hc
}

func (a *app) syncConfig() syncer.Config {
	return syncer.Config{
		Lookback:   a.cfg.Sync.Lookback,
		Overlap:    a.cfg.Sync.Overlap,
		CallOffset: a.cfg.Sync.CallOffset,
	}
}

func (a *app) callPolicy() domain.Policy {
	return domain.Policy{
		MaxAttempts: a.cfg.Calls.MaxAttempts,
		RetryDelay:  a.cfg.Calls.RetryDelay,
	}
}

func (a *app) close() {
	if a.publisher != nil {
		if err := a.publisher.Close(); err != nil {
			a.log.Warn("closing event sink", zap.Error(err))
		}
	}
	if a.db != nil {
		a.db.Close()
	}
	_ = a.log.Sync()
}

func printJSON(w io.Writer, v any) error {
	enc := json.NewEncoder(w)
	enc.SetIndent("", "  ")
	return enc.Encode(v)
}
