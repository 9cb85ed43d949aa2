package daemon

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"slices"
	"strings"
	"sync"
	"sync/atomic"

	"github.com/gofrs/flock"

	"sieve/internal/config"
	"sieve/internal/logging"
	"sieve/internal/notifications"
	"sieve/internal/services"
	"sieve/internal/source"
	"sieve/internal/store"
	"sieve/internal/workflow"
)

// ErrBadSignature marks a webhook delivery whose signature did not verify.
var ErrBadSignature = errors.New("webhook signature mismatch")

// Daemon coordinates the background processing services and enforces
// single-instance execution.
type Daemon struct {
	cfg      *config.Config
	logger   *slog.Logger
	store    *store.Store
	workflow *workflow.Manager
	sources  map[string]source.Binding
	poller   *source.Poller
	notifier notifications.Service

	lockPath string
	lock     *flock.Flock
	api      *apiServer

	mu      sync.Mutex
	running atomic.Bool
	cancel  context.CancelFunc
	wg      sync.WaitGroup
}

// Status represents daemon runtime information.
type Status struct {
	Running      bool
	PID          int
	Workflow     workflow.StatusSummary
	Database     store.DatabaseHealth
	LockFilePath string
	Sources      []string
}

// New constructs a daemon with initialized dependencies. bindings holds every
// configured source; pull sources are polled and webhook sources accept
// deliveries over HTTP.
func New(cfg *config.Config, st *store.Store, logger *slog.Logger, wf *workflow.Manager, poller *source.Poller, bindings map[string]source.Binding, notifier notifications.Service) (*Daemon, error) {
	if cfg == nil || st == nil || wf == nil {
		return nil, errors.New("daemon requires config, store, and workflow manager")
	}
	if logger == nil {
		logger = logging.NewNop()
	}
	if notifier == nil {
		notifier = notifications.NewService(cfg)
	}
	lockPath := cfg.LockPath()
	d := &Daemon{
		cfg:      cfg,
		logger:   logging.NewComponentLogger(logger, "daemon"),
		store:    st,
		workflow: wf,
		sources:  bindings,
		poller:   poller,
		notifier: notifier,
		lockPath: lockPath,
		lock:     flock.New(lockPath),
	}
	d.api = newAPIServer(cfg, d, logger)
	return d, nil
}

// Start acquires the daemon lock and launches the workflow manager, the
// source poller, and the HTTP listener.
func (d *Daemon) Start(ctx context.Context) error {
	d.mu.Lock()
	defer d.mu.Unlock()
	if d.running.Load() {
		return errors.New("daemon already running")
	}
	if err := os.MkdirAll(filepath.Dir(d.lockPath), 0o755); err != nil {
		return fmt.Errorf("create lock directory: %w", err)
	}
	ok, err := d.lock.TryLock()
	if err != nil {
		return fmt.Errorf("acquire lock: %w", err)
	}
	if !ok {
		return errors.New("another sieve daemon instance is already running")
	}

	runCtx, cancel := context.WithCancel(ctx)
	if err := d.workflow.Start(runCtx); err != nil {
		cancel()
		_ = d.lock.Unlock()
		return fmt.Errorf("start workflow: %w", err)
	}
	if err := d.api.start(runCtx); err != nil {
		cancel()
		d.workflow.Stop()
		_ = d.lock.Unlock()
		return err
	}
	if d.poller != nil && d.poller.Len() > 0 {
		d.wg.Add(1)
		go func() {
			defer d.wg.Done()
			if err := d.poller.Run(runCtx); err != nil && runCtx.Err() == nil {
				d.logger.Error("source poller stopped", logging.Error(err))
			}
		}()
	}

	d.cancel = cancel
	d.running.Store(true)
	d.logger.Info("sieve daemon started",
		logging.String(logging.FieldEventType, "daemon_start"),
		logging.String("lock", d.lockPath),
		logging.Int("sources", len(d.sources)),
	)
	return nil
}

// Stop stops background processing and releases the daemon lock.
func (d *Daemon) Stop() {
	d.mu.Lock()
	defer d.mu.Unlock()
	if !d.running.Load() {
		return
	}
	if d.cancel != nil {
		d.cancel()
		d.cancel = nil
	}
	d.api.stop()
	d.wg.Wait()
	d.workflow.Stop()
	if err := d.lock.Unlock(); err != nil {
		d.logger.Warn("failed to release daemon lock", logging.Error(err))
	}
	d.running.Store(false)
	d.logger.Info("sieve daemon stopped", logging.String(logging.FieldEventType, "daemon_stop"))
}

// Close releases resources held by the daemon.
func (d *Daemon) Close() error {
	d.Stop()
	if d.store != nil {
		return d.store.Close()
	}
	return nil
}

// AcceptWebhook verifies a delivery for the named webhook source and enqueues
// its records as ingest jobs. It returns how many records were queued.
func (d *Daemon) AcceptWebhook(ctx context.Context, sourceName, signature string, body []byte) (int, error) {
	b, ok := d.sources[sourceName]
	if !ok || b.Source.Kind() != source.KindWebhook {
		return 0, services.Wrap(services.ErrNotFound, "webhook", sourceName, "no webhook source with that name", nil)
	}
	if !b.Source.ValidateWebhook(signature, body) {
		return 0, services.Wrap(services.ErrValidation, "webhook", sourceName, "", ErrBadSignature)
	}
	items, err := source.ParseDelivery(body)
	if err != nil {
		return 0, err
	}
	live, err := d.store.WorkspaceActive(ctx, b.Workspace)
	if err != nil {
		return 0, err
	}
	if !live {
		return 0, services.Wrap(services.ErrCancelled, "webhook", sourceName, "workspace deleted", nil)
	}
	events := make([]source.Event, len(items))
	for i, item := range items {
		events[i] = source.Event{Source: sourceName, Item: item}
	}
	if err := source.Enqueue(ctx, d.store, b.Workspace, events...); err != nil {
		return 0, err
	}
	d.logger.Info("webhook delivery queued",
		logging.String("source", sourceName),
		logging.String(logging.FieldWorkspaceID, b.Workspace),
		logging.Int("records", len(events)),
	)
	return len(events), nil
}

// RetryFailed resets failed jobs (optionally a subset) back to pending.
func (d *Daemon) RetryFailed(ctx context.Context, workspaceID string, ids []int64) (int64, error) {
	return d.store.RetryFailedJobs(ctx, workspaceID, ids...)
}

// DeleteWorkspace soft deletes a workspace and interrupts its running jobs.
func (d *Daemon) DeleteWorkspace(ctx context.Context, workspaceID string) (int64, int, error) {
	return d.workflow.DeleteWorkspace(ctx, workspaceID)
}

// TestNotification sends a test notification using the current configuration.
func (d *Daemon) TestNotification(ctx context.Context) (bool, string, error) {
	if strings.TrimSpace(d.cfg.Notifications.NtfyTopic) == "" {
		return false, "ntfy topic not configured", nil
	}
	if err := d.notifier.TestNotification(ctx); err != nil {
		return false, "failed to send notification", err
	}
	return true, "test notification sent", nil
}

// Status returns the current daemon status.
func (d *Daemon) Status(ctx context.Context) Status {
	health, err := d.store.CheckHealth(ctx)
	if err != nil && health.Error == "" {
		health.Error = err.Error()
	}
	names := make([]string, 0, len(d.sources))
	for name := range d.sources {
		names = append(names, name)
	}
	slices.Sort(names)
	return Status{
		Running:      d.running.Load(),
		PID:          os.Getpid(),
		Workflow:     d.workflow.Status(ctx),
		Database:     health,
		LockFilePath: d.lockPath,
		Sources:      names,
	}
}

// Addr returns the HTTP listener address once started, or "".
func (d *Daemon) Addr() string {
	return d.api.addr()
}
