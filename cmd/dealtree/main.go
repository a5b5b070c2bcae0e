package main

import (
	"context"
	"errors"
	"fmt"
	"io"
	"os"
	"os/signal"
	"path/filepath"
	"strconv"
	"strings"
	"syscall"
	"time"

	"github.com/charmbracelet/fang"
	"github.com/google/uuid"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/spf13/cobra"

	"github.com/hylla/dealtree/internal/adapters/storage/sqlite"
	"github.com/hylla/dealtree/internal/app"
	"github.com/hylla/dealtree/internal/config"
	"github.com/hylla/dealtree/internal/domain"
	"github.com/hylla/dealtree/internal/hierarchy"
	"github.com/hylla/dealtree/internal/observability"
	"github.com/hylla/dealtree/internal/platform"
)

// version stores a package-level helper value.
var version = "dev"

// Exit codes beyond the generic failure.
const (
	exitRejected = 2
	exitCorrupt  = 3
)

// errIntegrity marks a check run that found violations.
var errIntegrity = errors.New("hierarchy integrity violations found")

// main handles main.
func main() {
	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	err := fang.Execute(ctx, newRootCommand(os.Stdout, os.Stderr), fang.WithVersion(version))
	stop()
	if err != nil {
		os.Exit(exitCode(err))
	}
}

// run executes one command line without fang styling.
func run(ctx context.Context, args []string, stdout, stderr io.Writer) error {
	root := newRootCommand(stdout, stderr)
	root.SetArgs(args)
	return root.ExecuteContext(ctx)
}

// exitCode maps command errors to process exit codes.
func exitCode(err error) int {
	switch {
	case err == nil:
		return 0
	case errors.Is(err, hierarchy.ErrCorruptHierarchy), errors.Is(err, errIntegrity):
		return exitCorrupt
	case isRejection(err):
		return exitRejected
	default:
		return 1
	}
}

// isRejection reports whether err is a refused parent assignment.
func isRejection(err error) bool {
	_, ok := hierarchy.IsRejection(err)
	return ok
}

// rootOptions holds global flags shared by every subcommand.
type rootOptions struct {
	configPath string
	dbPath     string
	appName    string
	devMode    bool
	actorID    string
	actorType  string
	metricsOut string
	now        func() time.Time
}

// newRootCommand builds the command tree writing to stdout and stderr.
func newRootCommand(stdout, stderr io.Writer) *cobra.Command {
	if stdout == nil {
		stdout = io.Discard
	}
	if stderr == nil {
		stderr = io.Discard
	}

	opts := &rootOptions{appName: platform.DefaultAppName, now: time.Now}
	defaultDevMode := version == "dev"
	if envDev, ok := parseBoolEnv("DEALTREE_DEV_MODE"); ok {
		defaultDevMode = envDev
	}
	if envApp := strings.TrimSpace(os.Getenv("DEALTREE_APP_NAME")); envApp != "" {
		opts.appName = envApp
	}

	root := &cobra.Command{
		Use:           "dealtree",
		Short:         "Manage the activity hierarchy of deals and buying parties",
		Long:          "dealtree keeps activities in a forest: every activity has at most one parent and no activity is its own ancestor.",
		Version:       version,
		SilenceUsage:  true,
		SilenceErrors: true,
	}
	root.SetOut(stdout)
	root.SetErr(stderr)

	flags := root.PersistentFlags()
	flags.StringVar(&opts.configPath, "config", "", "path to config TOML")
	flags.StringVar(&opts.dbPath, "db", "", "path to sqlite database")
	flags.StringVar(&opts.appName, "app", opts.appName, "application name for config/data path resolution")
	flags.BoolVar(&opts.devMode, "dev", defaultDevMode, "use dev mode paths (<app>-dev)")
	flags.StringVar(&opts.actorID, "actor", strings.TrimSpace(os.Getenv("DEALTREE_ACTOR")), "actor id recorded on change events")
	flags.StringVar(&opts.actorType, "actor-type", string(domain.ActorTypeUser), "actor type recorded on change events (user|agent|system)")
	flags.StringVar(&opts.metricsOut, "metrics-out", "", "write prometheus textfile metrics to this path after the command")

	root.AddCommand(
		newInitCommand(opts),
		newCreateCommand(opts),
		newUpdateCommand(opts),
		newReparentCommand(opts),
		newDeleteCommand(opts),
		newGetCommand(opts),
		newListCommand(opts),
		newTreeCommand(opts),
		newAncestorsCommand(opts),
		newDescendantsCommand(opts),
		newDepthCommand(opts),
		newRootsCommand(opts),
		newCheckCommand(opts),
		newEventsCommand(opts),
		newExportCommand(opts),
		newImportCommand(opts),
		newPathsCommand(opts),
	)
	return root
}

// cliRuntime is the opened state one store-backed command runs against.
type cliRuntime struct {
	paths      platform.Paths
	configPath string
	cfg        config.Config
	logger     *runtimeLogger
	repo       *sqlite.Repository
	registry   *prometheus.Registry
	metrics    *observability.Metrics
	svc        *app.Service
	metricsOut string
}

// resolvePaths applies flag and env overrides on top of platform defaults.
func (o *rootOptions) resolvePaths() (platform.Paths, string, string, bool, error) {
	paths, err := platform.DefaultPathsWithOptions(platform.Options{
		AppName: o.appName,
		DevMode: o.devMode,
	})
	if err != nil {
		return platform.Paths{}, "", "", false, err
	}
	configPath := strings.TrimSpace(o.configPath)
	if configPath == "" {
		if envPath := strings.TrimSpace(os.Getenv("DEALTREE_CONFIG")); envPath != "" {
			configPath = envPath
		} else {
			configPath = paths.ConfigPath
		}
	}
	dbPath := strings.TrimSpace(o.dbPath)
	dbOverridden := dbPath != ""
	if !dbOverridden {
		if envPath := strings.TrimSpace(os.Getenv("DEALTREE_DB_PATH")); envPath != "" {
			dbPath = envPath
			dbOverridden = true
		} else {
			dbPath = paths.DBPath
		}
	}
	return paths, configPath, dbPath, dbOverridden, nil
}

// openRuntime loads config, opens the store and wires the service.
func (o *rootOptions) openRuntime(stderr io.Writer) (*cliRuntime, error) {
	paths, configPath, dbPath, dbOverridden, err := o.resolvePaths()
	if err != nil {
		return nil, err
	}
	cfg, err := config.Load(configPath, config.Default(dbPath))
	if err != nil {
		return nil, fmt.Errorf("load config %q: %w", configPath, err)
	}
	if dbOverridden {
		cfg.Database.Path = dbPath
	}

	logger, err := newRuntimeLogger(stderr, o.appName, o.devMode, cfg.Logging, o.now)
	if err != nil {
		return nil, fmt.Errorf("configure runtime logger: %w", err)
	}
	logger.Debug("runtime paths resolved", "config_path", configPath, "data_dir", paths.DataDir, "db_path", cfg.Database.Path)
	if devPath := logger.DevLogPath(); devPath != "" {
		logger.Debug("dev file logging enabled", "path", devPath)
	}

	registry := prometheus.NewRegistry()
	metrics, err := observability.NewMetrics(registry)
	if err != nil {
		_ = logger.Close()
		return nil, fmt.Errorf("register metrics: %w", err)
	}

	repo, err := sqlite.OpenWithOptions(cfg.Database.Path, sqlite.Options{BusyTimeout: cfg.BusyTimeout()})
	if err != nil {
		logger.Error("sqlite open failed", "db_path", cfg.Database.Path, "err", err)
		_ = logger.Close()
		return nil, fmt.Errorf("open sqlite repository: %w", err)
	}
	logger.Debug("sqlite repository ready", "db_path", cfg.Database.Path, "migrations", "ensured")

	metricsOut := strings.TrimSpace(o.metricsOut)
	if metricsOut == "" {
		metricsOut = strings.TrimSpace(cfg.Metrics.TextfilePath)
	}
	if metricsOut == "" && cfg.Metrics.Enabled {
		metricsOut = paths.MetricsPath
	}
	return &cliRuntime{
		paths:      paths,
		configPath: configPath,
		cfg:        cfg,
		logger:     logger,
		repo:       repo,
		registry:   registry,
		metrics:    metrics,
		svc:        newService(repo, logger, metrics, cfg),
		metricsOut: metricsOut,
	}, nil
}

// newService wires one application service over repo with config defaults.
func newService(repo app.Repository, logger app.Logger, metrics *observability.Metrics, cfg config.Config) *app.Service {
	kinds := make([]domain.ActivityKind, 0, len(cfg.Activities.Kinds))
	for _, kind := range cfg.Activities.Kinds {
		kinds = append(kinds, domain.ActivityKind(kind))
	}
	return app.NewService(repo, uuid.NewString, nil, app.ServiceConfig{
		Logger:            logger,
		Metrics:           metrics,
		DefaultKind:       domain.ActivityKind(cfg.Activities.DefaultKind),
		AllowedKinds:      kinds,
		DefaultEventLimit: cfg.Events.DefaultLimit,
	})
}

// Close flushes metrics and releases the store and log sinks.
func (rt *cliRuntime) Close() error {
	var errs []error
	if rt.metricsOut != "" {
		if err := os.MkdirAll(filepath.Dir(rt.metricsOut), 0o755); err != nil {
			errs = append(errs, fmt.Errorf("create metrics dir: %w", err))
		} else if err := observability.WriteTextfile(rt.metricsOut, rt.registry); err != nil {
			errs = append(errs, fmt.Errorf("write metrics textfile: %w", err))
		}
	}
	if err := rt.repo.Close(); err != nil {
		rt.logger.Warn("sqlite close failed", "db_path", rt.cfg.Database.Path, "err", err)
		errs = append(errs, err)
	}
	if err := rt.logger.Close(); err != nil {
		errs = append(errs, fmt.Errorf("close runtime log sink: %w", err))
	}
	return errors.Join(errs...)
}

// withRuntime opens the runtime, runs fn with the caller's actor attached and
// closes everything afterwards.
func (o *rootOptions) withRuntime(cmd *cobra.Command, fn func(context.Context, *cliRuntime) error) (err error) {
	ctx := cmd.Context()
	if ctx == nil {
		ctx = context.Background()
	}
	rt, err := o.openRuntime(cmd.ErrOrStderr())
	if err != nil {
		return err
	}
	defer func() {
		if closeErr := rt.Close(); closeErr != nil && err == nil {
			err = closeErr
		}
	}()

	ctx = app.WithMutationActor(ctx, app.MutationActor{
		ActorID:   o.actorID,
		ActorType: domain.ActorType(o.actorType),
	})
	name := cmd.Name()
	rt.logger.Debug("command flow start", "command", name)
	if err := fn(ctx, rt); err != nil {
		if isRejection(err) {
			rt.logger.Warn("command rejected", "command", name, "err", err)
		} else {
			rt.logger.Error("command flow failed", "command", name, "err", err)
		}
		return err
	}
	rt.logger.Debug("command flow complete", "command", name)
	return nil
}

// parseBoolEnv parses input into a normalized form.
func parseBoolEnv(name string) (bool, bool) {
	raw := strings.TrimSpace(os.Getenv(name))
	if raw == "" {
		return false, false
	}
	v, err := strconv.ParseBool(raw)
	if err != nil {
		return false, false
	}
	return v, true
}
