package source

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sort"
	"sync"
	"time"

	"golang.org/x/sync/errgroup"

	"sieve/internal/config"
	"sieve/internal/logging"
	"sieve/internal/ratelimit"
	"sieve/internal/store"
)

// Binding ties a connector to its workspace and settings.
type Binding struct {
	Source      Source
	Workspace   string
	RatingScale string
	Interval    time.Duration
}

// Bindings builds the connectors of every configured source and registers
// their rate limits.
func Bindings(cfg *config.Config, limits *ratelimit.Registry) (map[string]Binding, error) {
	out := make(map[string]Binding, len(cfg.Sources))
	for _, sc := range cfg.Sources {
		src, err := New(sc)
		if err != nil {
			return nil, err
		}
		if limits != nil {
			limits.Register(ratelimit.SourceKey(sc.Name), sc.RequestsPerSecond, 1)
		}
		out[sc.Name] = Binding{
			Source:      src,
			Workspace:   sc.Workspace,
			RatingScale: sc.RatingScale,
			Interval:    time.Duration(sc.PollIntervalSeconds) * time.Second,
		}
	}
	return out, nil
}

// Poller pulls pull-capable sources into ingest jobs, persisting each
// source's cursor in the same transaction as the jobs it produced.
type Poller struct {
	store    *store.Store
	bindings []Binding
	limits   *ratelimit.Registry
	logger   *slog.Logger
}

// NewPoller builds a poller over the pull sources in bindings.
func NewPoller(st *store.Store, bindings map[string]Binding, limits *ratelimit.Registry, logger *slog.Logger) *Poller {
	if logger == nil {
		logger = logging.NewNop()
	}
	p := &Poller{store: st, limits: limits, logger: logging.NewComponentLogger(logger, "poller")}
	for _, b := range bindings {
		if b.Source.Kind() == KindWebhook {
			continue
		}
		p.bindings = append(p.bindings, b)
	}
	sort.Slice(p.bindings, func(i, j int) bool { return p.bindings[i].Source.Name() < p.bindings[j].Source.Name() })
	return p
}

// Len returns how many sources the poller drives.
func (p *Poller) Len() int { return len(p.bindings) }

// PollOnce polls every source once, concurrently. It returns the number of
// events enqueued; one source failing does not stop the others.
func (p *Poller) PollOnce(ctx context.Context) (int, error) {
	var (
		g     errgroup.Group
		mu    sync.Mutex
		total int
		errs  []error
	)
	for _, b := range p.bindings {
		g.Go(func() error {
			n, err := p.poll(ctx, b)
			mu.Lock()
			defer mu.Unlock()
			total += n
			if err != nil {
				errs = append(errs, fmt.Errorf("%s: %w", b.Source.Name(), err))
			}
			return nil
		})
	}
	_ = g.Wait()
	return total, errors.Join(errs...)
}

// Run polls each source on its interval until ctx is cancelled.
func (p *Poller) Run(ctx context.Context) error {
	g, gctx := errgroup.WithContext(ctx)
	for _, b := range p.bindings {
		g.Go(func() error {
			interval := b.Interval
			if interval <= 0 {
				interval = time.Minute
			}
			ticker := time.NewTicker(interval)
			defer ticker.Stop()
			for {
				if _, err := p.poll(gctx, b); err != nil && gctx.Err() == nil {
					logging.WarnWithContext(p.logger, "source poll failed", "source_poll_failed",
						logging.String("source", b.Source.Name()),
						logging.String(logging.FieldWorkspaceID, b.Workspace),
						logging.String(logging.FieldErrorHint, "check the source settings; polling continues"),
						logging.Error(err),
					)
				}
				select {
				case <-gctx.Done():
					return nil
				case <-ticker.C:
				}
			}
		})
	}
	return g.Wait()
}

func (p *Poller) poll(ctx context.Context, b Binding) (int, error) {
	name := b.Source.Name()
	live, err := p.store.WorkspaceActive(ctx, b.Workspace)
	if err != nil {
		return 0, err
	}
	if !live {
		return 0, nil
	}
	if _, err := b.Source.Authenticate(ctx); err != nil {
		return 0, err
	}
	if err := p.limits.Wait(ctx, ratelimit.SourceKey(name)); err != nil {
		return 0, err
	}
	cursor := ""
	if saved, err := p.store.GetCursor(ctx, b.Workspace, name); err != nil {
		return 0, err
	} else if saved != nil {
		cursor = saved.Cursor
	}
	batch, err := b.Source.FetchSince(ctx, cursor)
	if err != nil {
		return 0, err
	}
	if len(batch.Items) == 0 && batch.NextCursor == cursor {
		return 0, nil
	}
	events := make([]Event, len(batch.Items))
	for i, item := range batch.Items {
		events[i] = Event{Source: name, Item: item}
	}
	if err := p.store.WithTx(ctx, func(tx *store.Tx) error {
		if err := enqueueTx(ctx, tx, b.Workspace, events); err != nil {
			return err
		}
		return tx.SaveCursor(ctx, b.Workspace, name, batch.NextCursor)
	}); err != nil {
		return 0, err
	}
	if len(events) > 0 {
		p.logger.Info("source polled",
			logging.String("source", name),
			logging.String(logging.FieldWorkspaceID, b.Workspace),
			logging.Int("events", len(events)),
			logging.String("cursor", batch.NextCursor),
		)
	}
	return len(events), nil
}
