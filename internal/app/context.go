package app

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"os"
	"path/filepath"

	"trunkline/internal/config"
	"trunkline/internal/db"
	"trunkline/internal/engine"
	"trunkline/internal/engine/auth"
	"trunkline/internal/liveness"
	"trunkline/internal/logging"
	"trunkline/internal/migrate"
	"trunkline/internal/readiness"
	"trunkline/internal/repo"
	"trunkline/internal/telemetry"
	"trunkline/internal/trunk"
)

// Version is stamped by the build.
var Version = "dev"

type Options struct {
	Workspace string
	// ConfigPath overrides <workspace>/trunkline.yml.
	ConfigPath string
	// ActorID is granted the operator role when no actors are configured.
	ActorID string
	// LogToStderr ignores the configured log file.
	LogToStderr bool
}

// App is an opened workspace: store, config and a fully wired engine.
type App struct {
	Workspace string
	Config    *config.Config
	DB        *sql.DB
	Engine    engine.Engine
	Auth      auth.Service
	Logger    *logging.Logger

	probeDB *sql.DB
}

// Open loads config, opens and migrates the store, seeds RBAC from config
// and wires the adapters the config selects.
func Open(ctx context.Context, opts Options) (*App, error) {
	ws := opts.Workspace
	if ws == "" {
		ws = "."
	}
	cfg, err := loadConfig(ws, opts.ConfigPath)
	if err != nil {
		return nil, err
	}

	logCfg := logging.Config{Level: cfg.Logging.Level}
	if !opts.LogToStderr && cfg.Logging.File != "" {
		logCfg.File = resolve(ws, cfg.Logging.File)
	}
	logger, err := logging.New(logCfg)
	if err != nil {
		return nil, err
	}

	if err := telemetry.Init(ctx, telemetry.Config{
		Enabled:      cfg.Telemetry.Enabled,
		Stdout:       cfg.Telemetry.Stdout,
		OTLPEndpoint: cfg.Telemetry.OTLPEndpoint,
		Version:      Version,
	}); err != nil {
		logger.Close()
		return nil, fmt.Errorf("init telemetry: %w", err)
	}

	conn, err := db.Open(db.Config{Workspace: ws})
	if err != nil {
		logger.Close()
		return nil, err
	}
	if err := migrate.MigrateContext(ctx, conn); err != nil {
		conn.Close()
		logger.Close()
		return nil, fmt.Errorf("migrate: %w", err)
	}

	a := &App{Workspace: ws, Config: cfg, DB: conn, Logger: logger, Auth: auth.Service{DB: conn}}
	if err := a.seedRBAC(ctx, opts.ActorID); err != nil {
		a.Close()
		return nil, err
	}

	eng := engine.New(conn, cfg)
	eng.Logger = logger
	eng.Metrics = telemetry.NewMetrics()

	switch cfg.Liveness.Mode {
	case config.LivenessTrust:
		eng.Liveness = liveness.Trust{}
	default:
		// the engine's connection is busy inside the transactions that ask,
		// so probes read workers through their own connection
		probe, err := db.Open(db.Config{Workspace: ws})
		if err != nil {
			a.Close()
			return nil, err
		}
		a.probeDB = probe
		eng.Liveness = liveness.NewPID(repo.Repo{DB: probe})
	}

	git := trunk.New(cfg.TrunkDir(ws), cfg.Trunk.Ref)
	git.Logger = logger
	eng.Inspector = git
	if cfg.Trunk.Integrate {
		eng.Integrator = git
	}
	if len(cfg.Readiness.Command) > 0 {
		eng.Scorer = readiness.Command{Args: cfg.Readiness.Command, Dir: ws, Timeout: cfg.Readiness.Timeout}
	}
	a.Engine = eng
	return a, nil
}

func loadConfig(ws, override string) (*config.Config, error) {
	if override != "" {
		return config.FromFile(override)
	}
	return config.LoadOptional(ws)
}

func resolve(ws, p string) string {
	if filepath.IsAbs(p) {
		return p
	}
	return filepath.Join(ws, p)
}

// seedRBAC mirrors config roles into the store. A workspace with no
// configured actors makes the local actor an operator.
func (a *App) seedRBAC(ctx context.Context, actorID string) error {
	return db.RetryBusy(ctx, func() error {
		tx, err := a.DB.BeginTx(ctx, nil)
		if err != nil {
			return err
		}
		defer tx.Rollback()
		if err := a.Auth.SyncFromConfig(ctx, tx, a.Config); err != nil {
			return fmt.Errorf("seed rbac: %w", err)
		}
		if len(a.Config.RBAC.Actors) == 0 && actorID != "" {
			if err := a.Auth.Assign(ctx, tx, actorID, config.RoleOperator); err != nil {
				return fmt.Errorf("assign local operator: %w", err)
			}
		}
		return tx.Commit()
	})
}

// Close flushes telemetry and releases the store and log file.
func (a *App) Close() error {
	var errs []error
	if err := telemetry.Shutdown(context.Background()); err != nil {
		errs = append(errs, err)
	}
	if a.probeDB != nil {
		errs = append(errs, a.probeDB.Close())
	}
	if a.DB != nil {
		errs = append(errs, a.DB.Close())
	}
	if a.Logger != nil {
		errs = append(errs, a.Logger.Close())
	}
	return errors.Join(errs...)
}

// Init writes a default trunkline.yml and creates the state directory.
// An existing config is left alone.
func Init(workspace, ref string) (string, bool, error) {
	if _, err := db.EnsureWorkspace(workspace); err != nil {
		return "", false, err
	}
	path := config.Path(workspace)
	if _, err := os.Stat(path); err == nil {
		return path, false, nil
	}
	if err := os.WriteFile(path, []byte(config.GenerateDefault(ref)), 0o644); err != nil {
		return "", false, err
	}
	return path, true, nil
}
