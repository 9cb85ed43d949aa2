package daemonrun

import (
	"context"
	"fmt"
	"log/slog"
	"os"
	"os/signal"
	"slices"
	"strconv"
	"strings"

	"golang.org/x/sys/unix"

	"sieve/internal/config"
	"sieve/internal/daemon"
	"sieve/internal/logging"
	"sieve/internal/pipeline"
	"sieve/internal/preflight"
	"sieve/internal/source"
	"sieve/internal/store"
)

// Options configures daemon process runtime behavior.
type Options struct {
	LogLevel    string
	Development bool
}

// Run starts the sieve daemon and blocks until SIGINT or SIGTERM.
func Run(cmdCtx context.Context, cfg *config.Config, opts Options) error {
	if cfg == nil {
		return fmt.Errorf("config is required")
	}

	signalCtx, cancel := signal.NotifyContext(cmdCtx, unix.SIGINT, unix.SIGTERM)
	defer cancel()

	if strings.TrimSpace(opts.LogLevel) != "" {
		cfg.Logging.Level = opts.LogLevel
	}
	logger, err := logging.NewDaemonLogger(cfg)
	if err != nil {
		return fmt.Errorf("init logger: %w", err)
	}
	if opts.Development {
		logger = logger.With(logging.String("mode", "development"))
	}
	logConfigSnapshot(logger, cfg)
	logPreflight(signalCtx, logger, cfg)

	st, err := store.Open(cfg)
	if err != nil {
		logger.Error("open pipeline store", logging.Error(err))
		return err
	}

	for _, ws := range sourceWorkspaces(cfg) {
		if _, err := st.EnsureWorkspace(signalCtx, ws); err != nil {
			_ = st.Close()
			return fmt.Errorf("ensure workspace %s: %w", ws, err)
		}
	}

	p, err := pipeline.Build(cfg, st, logger)
	if err != nil {
		_ = st.Close()
		return fmt.Errorf("build pipeline: %w", err)
	}
	defer p.Close()

	bindings, err := source.Bindings(cfg, p.Limits)
	if err != nil {
		_ = st.Close()
		return fmt.Errorf("build sources: %w", err)
	}
	poller := source.NewPoller(st, bindings, p.Limits, logger)

	d, err := daemon.New(cfg, st, logger, p.Manager, poller, bindings, p.Notifier)
	if err != nil {
		_ = st.Close()
		return fmt.Errorf("create daemon: %w", err)
	}
	defer d.Close()

	if err := d.Start(signalCtx); err != nil {
		logger.Error("daemon start failed",
			logging.Error(err),
			logging.String(logging.FieldEventType, "daemon_start_failed"),
			logging.String(logging.FieldErrorHint, "check configuration, the lock file, and database access"),
		)
		return err
	}

	// The pid file is only ours once the lock is held.
	pidPath := cfg.PIDPath()
	if err := writePIDFile(pidPath); err != nil {
		logger.Warn("write pid file failed", logging.Error(err), logging.String("path", pidPath))
	}
	defer os.Remove(pidPath)

	<-signalCtx.Done()
	logger.Info("sieve daemon shutting down", logging.String(logging.FieldEventType, "daemon_shutdown"))
	return nil
}

// logPreflight reports readiness problems without blocking startup.
func logPreflight(ctx context.Context, logger *slog.Logger, cfg *config.Config) {
	for _, r := range preflight.Failed(preflight.RunAll(ctx, cfg, preflight.Options{})) {
		logging.WarnWithContext(logger, "preflight check failed", "preflight_failed",
			logging.String("check", r.Name),
			logging.String("detail", r.Detail),
			logging.String(logging.FieldErrorHint, "run sieve doctor --probe for details"),
			logging.String(logging.FieldImpact, "affected stages will fail until fixed"),
		)
	}
}

func sourceWorkspaces(cfg *config.Config) []string {
	var out []string
	for _, src := range cfg.Sources {
		ws := strings.TrimSpace(src.Workspace)
		if ws != "" && !slices.Contains(out, ws) {
			out = append(out, ws)
		}
	}
	return out
}

func writePIDFile(path string) error {
	if path == "" {
		return nil
	}
	value := strconv.Itoa(os.Getpid()) + "\n"
	return os.WriteFile(path, []byte(value), 0o644)
}

func logConfigSnapshot(logger *slog.Logger, cfg *config.Config) {
	tiers := make([]string, 0, len(cfg.Router.Tiers))
	keys := 0
	for name, tier := range cfg.Router.Tiers {
		tiers = append(tiers, name+"="+tier.Model)
		if strings.TrimSpace(tier.APIKey) != "" {
			keys++
		}
	}
	slices.Sort(tiers)
	targets := make([]string, 0, len(cfg.Sync.Targets))
	for _, t := range cfg.Sync.Targets {
		targets = append(targets, t.Name+"("+t.Kind+")")
	}
	logger.Info("configuration snapshot",
		logging.String(logging.FieldEventType, "config_snapshot"),
		logging.String("database", cfg.DatabasePath()),
		logging.String("tiers", strings.Join(tiers, ", ")),
		logging.Int("tier_keys_present", keys),
		logging.String("embedding_model", cfg.Embedding.Model),
		logging.Bool("embedding_key_present", strings.TrimSpace(cfg.Embedding.APIKey) != ""),
		logging.String("sync_targets", strings.Join(targets, ", ")),
		logging.Int("sources", len(cfg.Sources)),
		logging.Bool("notifications", strings.TrimSpace(cfg.Notifications.NtfyTopic) != ""),
	)
}
