package app

import (
	"context"
	"database/sql"
	"fmt"
	"strings"

	"github.com/redis/go-redis/v9"
	log "github.com/sirupsen/logrus"

	"checkline/internal/config"
	"checkline/internal/db"
	"checkline/internal/engine"
	"checkline/internal/evidence"
	"checkline/internal/migrate"
	"checkline/internal/overrides"
	"checkline/internal/repo"
	"checkline/internal/scoring"
)

// App is an opened workspace with every service wired.
type App struct {
	DB     *sql.DB
	Repo   repo.Repo
	Config *config.Config
	Engine *engine.Engine

	closers []func() error
}

// Open opens the workspace database, applies migrations and builds the engine
// from cfg. A nil cfg loads checkline.yml, falling back to defaults.
func Open(ctx context.Context, workspace string, cfg *config.Config) (*App, error) {
	if cfg == nil {
		var err error
		if cfg, err = config.LoadOptional(workspace); err != nil {
			return nil, err
		}
	}
	ConfigureLogging(cfg.Log.Level)

	conn, err := db.Open(db.Config{Workspace: workspace})
	if err != nil {
		return nil, err
	}
	a := &App{DB: conn, Repo: repo.Repo{DB: conn}, Config: cfg}
	a.closers = append(a.closers, conn.Close)
	if err := migrate.MigrateContext(ctx, conn); err != nil {
		a.Close()
		return nil, fmt.Errorf("migrate: %w", err)
	}
	store, err := evidence.New(cfg.Evidence, db.ObjectsDir(workspace))
	if err != nil {
		a.Close()
		return nil, fmt.Errorf("evidence store: %w", err)
	}
	cache, err := a.overrideStore(ctx, cfg.Overrides)
	if err != nil {
		a.Close()
		return nil, err
	}
	a.Engine, err = engine.New(engine.Deps{
		Jobs:      a.Repo,
		Catalog:   a.Repo,
		Evidence:  store,
		Scorer:    scoring.NewRandom(cfg.Verification.Seed, cfg.Verification.PassThreshold),
		Overrides: cache,
		Config:    cfg,
	})
	if err != nil {
		a.Close()
		return nil, err
	}
	return a, nil
}

func (a *App) overrideStore(ctx context.Context, cfg config.OverridesConfig) (overrides.Store, error) {
	if cfg.Backend != "redis" {
		return overrides.NewMemory(), nil
	}
	opts, err := redisOptions(cfg)
	if err != nil {
		return nil, err
	}
	client := redis.NewClient(opts)
	a.closers = append(a.closers, client.Close)
	if err := client.Ping(ctx).Err(); err != nil {
		// reads fall back to stored values while redis is away
		log.WithError(err).WithField("addr", opts.Addr).Warn("override cache unreachable")
	}
	return overrides.NewRedis(client, cfg.Redis.Prefix, cfg.Redis.TTL), nil
}

func redisOptions(cfg config.OverridesConfig) (*redis.Options, error) {
	if strings.HasPrefix(cfg.Redis.Addr, "redis://") || strings.HasPrefix(cfg.Redis.Addr, "rediss://") {
		opts, err := redis.ParseURL(cfg.Redis.Addr)
		if err != nil {
			return nil, fmt.Errorf("overrides.redis.addr: %w", err)
		}
		return opts, nil
	}
	return &redis.Options{Addr: cfg.Redis.Addr, Password: cfg.Redis.Password, DB: cfg.Redis.DB}, nil
}

// Close releases the database and cache connections.
func (a *App) Close() error {
	var first error
	for i := len(a.closers) - 1; i >= 0; i-- {
		if err := a.closers[i](); err != nil && first == nil {
			first = err
		}
	}
	a.closers = nil
	return first
}

// ConfigureLogging sets the global logrus level. Unknown levels keep info.
func ConfigureLogging(level string) {
	lvl, err := log.ParseLevel(strings.TrimSpace(level))
	if err != nil || level == "" {
		lvl = log.InfoLevel
	}
	log.SetLevel(lvl)
}
