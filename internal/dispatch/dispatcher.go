// Package dispatch pushes synthesized requirements to external targets
// exactly once per requirement and target.
package dispatch

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sort"
	"time"

	"sieve/internal/config"
	"sieve/internal/keylock"
	"sieve/internal/logging"
	"sieve/internal/metrics"
	"sieve/internal/ratelimit"
	"sieve/internal/services"
	"sieve/internal/store"
)

const maxRetryAfter = 5 * time.Minute

// Action describes what Dispatch did.
type Action string

const (
	// ActionCreated means the adapter created the issue on this call.
	ActionCreated Action = "created"
	// ActionExisting means the issue already existed, either recorded
	// locally or reported by the target.
	ActionExisting Action = "existing"
	// ActionInProgress means another dispatcher holds the record.
	ActionInProgress Action = "in_progress"
)

// Outcome reports one dispatch.
type Outcome struct {
	RequirementID  int64
	Target         string
	IdempotencyKey string
	ExternalRef    ExternalRef
	Action         Action
	Attempts       int
}

// Option customizes a Dispatcher.
type Option func(*Dispatcher)

// WithSleeper replaces the backoff sleep.
func WithSleeper(sleep func(ctx context.Context, d time.Duration) error) Option {
	return func(d *Dispatcher) {
		if sleep != nil {
			d.sleep = sleep
		}
	}
}

// WithClock replaces the clock used for stale claim detection.
func WithClock(now func() time.Time) Option {
	return func(d *Dispatcher) {
		if now != nil {
			d.now = now
		}
	}
}

// Dispatcher is safe for concurrent use. Several dispatchers may share one
// store; the sync record claim decides which of them pushes.
type Dispatcher struct {
	store       *store.Store
	adapters    map[string]Adapter
	limits      *ratelimit.Registry
	maxAttempts int
	timeout     time.Duration
	backoffBase time.Duration
	backoffMax  time.Duration
	staleAfter  time.Duration
	keys        *keylock.Map
	sleep       func(ctx context.Context, d time.Duration) error
	now         func() time.Time
	logger      *slog.Logger
}

// New builds a dispatcher over the given adapters.
func New(cfg *config.Config, st *store.Store, adapters []Adapter, limits *ratelimit.Registry, logger *slog.Logger, opts ...Option) *Dispatcher {
	if logger == nil {
		logger = logging.NewNop()
	}
	d := &Dispatcher{
		store:       st,
		adapters:    make(map[string]Adapter, len(adapters)),
		limits:      limits,
		maxAttempts: max(cfg.Sync.MaxAttempts, 1),
		timeout:     time.Duration(cfg.Sync.TimeoutSeconds) * time.Second,
		backoffBase: time.Duration(cfg.Sync.BackoffBaseMillis) * time.Millisecond,
		backoffMax:  time.Duration(cfg.Sync.BackoffMaxMillis) * time.Millisecond,
		keys:        keylock.New(),
		sleep:       sleepContext,
		now:         time.Now,
		logger:      logging.NewComponentLogger(logger, "dispatch"),
	}
	for _, a := range adapters {
		d.adapters[a.Name()] = a
	}
	d.staleAfter = time.Duration(d.maxAttempts)*(d.timeout+d.backoffMax) + time.Minute
	for _, opt := range opts {
		opt(d)
	}
	return d
}

// NewFromConfig builds adapters for every configured target and registers
// their rate limits.
func NewFromConfig(cfg *config.Config, st *store.Store, limits *ratelimit.Registry, logger *slog.Logger, opts ...Option) (*Dispatcher, error) {
	timeout := time.Duration(cfg.Sync.TimeoutSeconds) * time.Second
	adapters := make([]Adapter, 0, len(cfg.Sync.Targets))
	for _, target := range cfg.Sync.Targets {
		adapter, err := AdapterFor(target, timeout)
		if err != nil {
			return nil, err
		}
		adapters = append(adapters, adapter)
		if limits != nil {
			limits.Register(ratelimit.TargetKey(target.Name), target.RequestsPerSecond, 1)
		}
	}
	return New(cfg, st, adapters, limits, logger, opts...), nil
}

// Targets lists the configured target names.
func (d *Dispatcher) Targets() []string {
	names := make([]string, 0, len(d.adapters))
	for name := range d.adapters {
		names = append(names, name)
	}
	sort.Strings(names)
	return names
}

// Dispatch pushes a synthesized requirement to target. A requirement already
// pushed to target returns its stored reference without calling the adapter.
func (d *Dispatcher) Dispatch(ctx context.Context, requirementID int64, target string) (Outcome, error) {
	outcome := Outcome{RequirementID: requirementID, Target: target}
	adapter, ok := d.adapters[target]
	if !ok {
		return outcome, services.Wrap(services.ErrFatalConfig, "sync", "dispatch", fmt.Sprintf("unknown target %q", target), nil)
	}
	req, err := d.store.GetRequirement(ctx, requirementID)
	if err != nil {
		return outcome, err
	}
	if req == nil {
		return outcome, services.Wrap(services.ErrNotFound, "sync", "dispatch", fmt.Sprintf("requirement %d", requirementID), nil)
	}
	if req.Status != store.RequirementSynthesized && req.Status != store.RequirementExported {
		return outcome, services.Wrap(services.ErrValidation, "sync", "dispatch",
			fmt.Sprintf("requirement %d is %s, not synthesized", requirementID, req.Status), nil)
	}
	if err := d.ensureLive(ctx, req.WorkspaceID); err != nil {
		return outcome, err
	}

	key := IdempotencyKey(requirementID, target)
	outcome.IdempotencyKey = key
	unlock := d.keys.Lock(key)
	defer unlock()

	rec, err := d.store.EnsureSyncRecord(ctx, requirementID, target, key)
	if err != nil {
		return outcome, err
	}
	if rec.State == store.SyncSucceeded {
		return d.existing(ctx, req, outcome, rec)
	}
	claimed, err := d.store.ClaimSyncRecord(ctx, key, d.now().Add(-d.staleAfter))
	if err != nil {
		return outcome, err
	}
	if !claimed {
		rec, err := d.store.GetSyncRecord(ctx, key)
		if err != nil {
			return outcome, err
		}
		if rec != nil && rec.State == store.SyncSucceeded {
			return d.existing(ctx, req, outcome, rec)
		}
		outcome.Action = ActionInProgress
		metrics.SyncOutcome(target, string(ActionInProgress))
		return outcome, nil
	}
	return d.push(ctx, adapter, req, outcome)
}

// DispatchAll pushes a requirement to every configured target.
func (d *Dispatcher) DispatchAll(ctx context.Context, requirementID int64) ([]Outcome, error) {
	var (
		outcomes []Outcome
		errs     []error
	)
	for _, target := range d.Targets() {
		outcome, err := d.Dispatch(ctx, requirementID, target)
		if err != nil {
			errs = append(errs, fmt.Errorf("%s: %w", target, err))
			continue
		}
		outcomes = append(outcomes, outcome)
	}
	return outcomes, errors.Join(errs...)
}

func (d *Dispatcher) push(ctx context.Context, adapter Adapter, req *store.Requirement, outcome Outcome) (Outcome, error) {
	key := outcome.IdempotencyKey
	payload := PayloadFor(req)
	var lastErr error
	for attempt := 1; attempt <= d.maxAttempts; attempt++ {
		outcome.Attempts = attempt
		if err := d.ensureLive(ctx, req.WorkspaceID); err != nil {
			d.release(ctx, key, err)
			return outcome, err
		}
		if err := d.limits.Wait(ctx, ratelimit.TargetKey(outcome.Target)); err != nil {
			if ctx.Err() != nil {
				d.release(ctx, key, ctx.Err())
				return outcome, ctx.Err()
			}
			lastErr = err
		} else {
			ref, err := d.call(ctx, adapter, payload, key)
			switch {
			case err == nil:
				outcome.Action = ActionCreated
				return d.succeed(ctx, req, outcome, ref)
			case errors.Is(err, services.ErrDuplicatePush):
				outcome.Action = ActionExisting
				return d.succeed(ctx, req, outcome, ref)
			case ctx.Err() != nil:
				d.release(ctx, key, ctx.Err())
				return outcome, ctx.Err()
			case !services.IsTransient(err):
				d.fail(ctx, req, outcome, err)
				return outcome, err
			}
			lastErr = err
			d.logger.Warn("sync push failed; retrying",
				logging.String(logging.FieldWorkspaceID, req.WorkspaceID),
				logging.RequirementID(req.ID),
				logging.String("target", outcome.Target),
				logging.Int("attempt", attempt),
				logging.Error(err),
			)
		}
		if attempt == d.maxAttempts {
			break
		}
		delay := d.backoffDelay(attempt)
		if retryAfter, ok := services.RetryAfter(lastErr); ok {
			delay = min(retryAfter, maxRetryAfter)
		}
		if err := d.sleep(ctx, delay); err != nil {
			d.release(ctx, key, err)
			return outcome, err
		}
	}
	exhausted := services.Wrap(services.ErrExhausted, "sync", outcome.Target,
		fmt.Sprintf("gave up after %d attempts", d.maxAttempts), lastErr)
	d.fail(ctx, req, outcome, exhausted)
	return outcome, exhausted
}

func (d *Dispatcher) call(ctx context.Context, adapter Adapter, payload ExportPayload, key string) (ExternalRef, error) {
	callCtx := ctx
	if d.timeout > 0 {
		var cancel context.CancelFunc
		callCtx, cancel = context.WithTimeout(ctx, d.timeout)
		defer cancel()
	}
	ref, err := adapter.CreateIssue(callCtx, payload, key)
	if err != nil && ctx.Err() == nil && errors.Is(callCtx.Err(), context.DeadlineExceeded) && !services.IsTransient(err) {
		err = services.Wrap(services.ErrTransient, "sync", adapter.Name(), "call timeout", err)
	}
	return ref, err
}

func (d *Dispatcher) succeed(ctx context.Context, req *store.Requirement, outcome Outcome, ref ExternalRef) (Outcome, error) {
	bookkeeping := context.WithoutCancel(ctx)
	if err := d.store.CompleteSyncRecord(bookkeeping, outcome.IdempotencyKey, string(ref)); err != nil {
		return outcome, err
	}
	if err := d.store.MarkRequirementExported(bookkeeping, req.ID); err != nil {
		return outcome, err
	}
	outcome.ExternalRef = ref
	metrics.SyncOutcome(outcome.Target, string(outcome.Action))
	d.logger.Info("requirement exported",
		logging.String(logging.FieldWorkspaceID, req.WorkspaceID),
		logging.RequirementID(req.ID),
		logging.String("target", outcome.Target),
		logging.String("external_ref", string(ref)),
		logging.String("action", string(outcome.Action)),
		logging.Int("attempts", outcome.Attempts),
	)
	return outcome, nil
}

func (d *Dispatcher) existing(ctx context.Context, req *store.Requirement, outcome Outcome, rec *store.SyncRecord) (Outcome, error) {
	if err := d.store.MarkRequirementExported(ctx, req.ID); err != nil {
		return outcome, err
	}
	outcome.ExternalRef = ExternalRef(rec.ExternalRef)
	outcome.Action = ActionExisting
	metrics.SyncOutcome(outcome.Target, string(ActionExisting))
	return outcome, nil
}

// release hands an interrupted claim back so a later job can retry it.
func (d *Dispatcher) release(ctx context.Context, key string, cause error) {
	if err := d.store.ReleaseSyncRecord(context.WithoutCancel(ctx), key, services.Details(cause), false); err != nil {
		d.logger.Warn("release sync record", logging.String("key", key), logging.Error(err))
	}
}

func (d *Dispatcher) fail(ctx context.Context, req *store.Requirement, outcome Outcome, cause error) {
	bookkeeping := context.WithoutCancel(ctx)
	reason := services.Details(cause)
	if err := d.store.ReleaseSyncRecord(bookkeeping, outcome.IdempotencyKey, reason, true); err != nil {
		d.logger.Warn("mark sync record failed", logging.String("key", outcome.IdempotencyKey), logging.Error(err))
	}
	if _, err := d.store.AddAlert(bookkeeping, store.OperatorAlert{
		WorkspaceID: req.WorkspaceID,
		Kind:        "sync_failed",
		Subject:     fmt.Sprintf("requirement %d -> %s", req.ID, outcome.Target),
		Message:     reason,
	}); err != nil {
		d.logger.Warn("record sync alert", logging.Error(err))
	}
	metrics.SyncOutcome(outcome.Target, "failed")
	logging.ErrorWithContext(d.logger, "requirement export failed", "sync_failed",
		logging.String(logging.FieldWorkspaceID, req.WorkspaceID),
		logging.RequirementID(req.ID),
		logging.String("target", outcome.Target),
		logging.Int("attempts", outcome.Attempts),
		logging.String(logging.FieldErrorHint, "fix the target and run `sieve sync push`"),
		logging.Error(cause),
	)
}

func (d *Dispatcher) ensureLive(ctx context.Context, workspaceID string) error {
	live, err := d.store.WorkspaceActive(ctx, workspaceID)
	if err != nil {
		return err
	}
	if !live {
		return services.Wrap(services.ErrCancelled, "sync", "workspace", "workspace "+workspaceID+" is deleted", nil)
	}
	return nil
}

func (d *Dispatcher) backoffDelay(attempt int) time.Duration {
	delay := d.backoffBase
	for i := 1; i < attempt && delay < d.backoffMax; i++ {
		delay *= 2
	}
	return min(delay, d.backoffMax)
}

func sleepContext(ctx context.Context, delay time.Duration) error {
	if delay <= 0 {
		return ctx.Err()
	}
	timer := time.NewTimer(delay)
	defer timer.Stop()
	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-timer.C:
		return nil
	}
}
