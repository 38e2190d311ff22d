package quantize

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"

	"github.com/starikovyaroslav/quantify/internal/domain/quantize"
	"github.com/starikovyaroslav/quantify/pkg/common/logger"
)

// HistorySource selects the endpoint that backs the history collection.
type HistorySource string

const (
	SourceHistory HistorySource = "history"
	SourceGallery HistorySource = "gallery"
)

const (
	DefaultPollInterval        = 5 * time.Second
	DefaultHistoryLimit        = 50
	DefaultGalleryHistoryLimit = 100
)

// ListPublisher fans list snapshots out to every screen.
type ListPublisher interface {
	PublishListSnapshot(ctx context.Context, snap quantize.ListSnapshot) error
}

// PollerConfig holds the tunables of the Poller.
type PollerConfig struct {
	Interval      time.Duration
	HistoryLimit  int
	HistorySource HistorySource
}

func (c PollerConfig) withDefaults() PollerConfig {
	if c.Interval <= 0 {
		c.Interval = DefaultPollInterval
	}
	if c.HistorySource == "" {
		c.HistorySource = SourceHistory
	}
	if c.HistoryLimit <= 0 {
		c.HistoryLimit = DefaultHistoryLimit
		if c.HistorySource == SourceGallery {
			c.HistoryLimit = DefaultGalleryHistoryLimit
		}
	}
	return c
}

// Poller keeps two read-only collections in sync with the service: a bounded
// history and the list of active jobs. The active list is refreshed on an
// interval; the history only on demand. Every successful refresh replaces a
// collection wholesale.
type Poller struct {
	client   quantize.JobClient
	lists    ListPublisher
	notifier quantize.Notifier
	metrics  LifecycleMetrics
	cfg      PollerConfig

	mu        sync.RWMutex
	history   []quantize.ListItem
	active    []quantize.ListItem
	historyAt time.Time
	activeAt  time.Time

	runMu   sync.Mutex
	running bool
	cancel  context.CancelFunc
	done    chan struct{}

	tracer trace.Tracer
	logger *logger.Logger
}

// NewPoller creates a Poller. A nil notifier discards notifications.
func NewPoller(
	client quantize.JobClient,
	lists ListPublisher,
	notifier quantize.Notifier,
	metrics LifecycleMetrics,
	cfg PollerConfig,
	tracer trace.Tracer,
	logger *logger.Logger,
) *Poller {
	if notifier == nil {
		notifier = discardNotifier{}
	}
	return &Poller{
		client:   client,
		lists:    lists,
		notifier: notifier,
		metrics:  metrics,
		cfg:      cfg.withDefaults(),
		tracer:   tracer,
		logger:   logger.With("component", "poller"),
	}
}

// Config returns the effective configuration.
func (p *Poller) Config() PollerConfig { return p.cfg }

// Start refreshes both collections immediately and then refreshes the active
// list every interval until Stop is called or ctx is done. A poller whose
// loop ended with ctx may be started again.
func (p *Poller) Start(ctx context.Context) error {
	p.runMu.Lock()
	defer p.runMu.Unlock()

	if p.running {
		select {
		case <-p.done:
			// The previous loop ended with its context.
			p.cancel()
			p.running = false
		default:
			return errors.New("poller already started")
		}
	}

	ctx, p.cancel = context.WithCancel(ctx)
	p.done = make(chan struct{})
	p.running = true

	go p.run(ctx, p.done)

	p.logger.Info(ctx, "poller started",
		"interval", p.cfg.Interval.String(),
		"history_source", string(p.cfg.HistorySource),
		"history_limit", p.cfg.HistoryLimit,
	)
	return nil
}

func (p *Poller) run(ctx context.Context, done chan struct{}) {
	defer close(done)

	if err := p.RefreshHistory(ctx); err != nil && ctx.Err() == nil {
		p.logger.Warn(ctx, "initial history refresh failed", "error", err)
	}
	p.RefreshActive(ctx)

	ticker := time.NewTicker(p.cfg.Interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			p.RefreshActive(ctx)
		}
	}
}

// Stop ends the refresh loop and waits for it to exit. It is safe to call
// when the poller was never started.
func (p *Poller) Stop() {
	p.runMu.Lock()
	defer p.runMu.Unlock()

	if !p.running {
		return
	}
	p.cancel()
	<-p.done
	p.running = false
	p.logger.Info(context.Background(), "poller stopped")
}

// RefreshActive reloads the active list. Failures are logged and leave the
// previous snapshot in place.
func (p *Poller) RefreshActive(ctx context.Context) {
	ctx, span := p.tracer.Start(ctx, "poller.refresh_active")
	defer span.End()

	items, err := p.client.ListActive(ctx)
	if err != nil {
		if ctx.Err() != nil {
			return
		}
		p.metrics.IncPollFailures(ctx, quantize.ListActive)
		span.RecordError(err)
		span.SetStatus(codes.Error, "failed to list active tasks")
		p.logger.Warn(ctx, "active refresh failed", "error", err)
		return
	}

	span.SetAttributes(attribute.Int("items", len(items)))
	p.replace(ctx, quantize.ListActive, items)
}

// RefreshHistory reloads the history collection from the configured source.
// Failures are returned and reported to the user.
func (p *Poller) RefreshHistory(ctx context.Context) error {
	ctx, span := p.tracer.Start(ctx, "poller.refresh_history",
		trace.WithAttributes(
			attribute.String("source", string(p.cfg.HistorySource)),
			attribute.Int("limit", p.cfg.HistoryLimit),
		))
	defer span.End()

	var (
		items []quantize.ListItem
		err   error
	)
	switch p.cfg.HistorySource {
	case SourceGallery:
		items, err = p.client.ListGallery(ctx, p.cfg.HistoryLimit)
	default:
		items, err = p.client.ListHistory(ctx, p.cfg.HistoryLimit)
	}
	if err != nil {
		p.metrics.IncPollFailures(ctx, quantize.ListHistory)
		span.RecordError(err)
		span.SetStatus(codes.Error, "failed to list history")
		if ctx.Err() == nil {
			p.notifier.Notify(ctx, quantize.Notification{
				Level:   quantize.NotifyError,
				Title:   "Could not load history",
				Message: err.Error(),
			})
		}
		return fmt.Errorf("refreshing history: %w", err)
	}

	span.SetAttributes(attribute.Int("items", len(items)))
	p.replace(ctx, quantize.ListHistory, items)
	return nil
}

func (p *Poller) replace(ctx context.Context, kind quantize.ListKind, items []quantize.ListItem) {
	now := time.Now().UTC()

	p.mu.Lock()
	switch kind {
	case quantize.ListHistory:
		p.history, p.historyAt = items, now
	case quantize.ListActive:
		p.active, p.activeAt = items, now
	}
	p.mu.Unlock()

	p.publish(ctx, kind, items, now)
}

func (p *Poller) publish(ctx context.Context, kind quantize.ListKind, items []quantize.ListItem, at time.Time) {
	if p.lists == nil {
		return
	}
	snap := quantize.ListSnapshot{Kind: kind, Items: cloneItems(items), RefreshedAt: at}
	if err := p.lists.PublishListSnapshot(ctx, snap); err != nil {
		p.logger.Warn(ctx, "failed to publish list snapshot", "list", string(kind), "error", err)
	}
}

// History returns a copy of the last history snapshot.
func (p *Poller) History() []quantize.ListItem {
	p.mu.RLock()
	defer p.mu.RUnlock()
	return cloneItems(p.history)
}

// Active returns a copy of the last active snapshot.
func (p *Poller) Active() []quantize.ListItem {
	p.mu.RLock()
	defer p.mu.RUnlock()
	return cloneItems(p.active)
}

// Snapshot returns a copy of one collection with its refresh time.
func (p *Poller) Snapshot(kind quantize.ListKind) quantize.ListSnapshot {
	p.mu.RLock()
	defer p.mu.RUnlock()

	if kind == quantize.ListActive {
		return quantize.ListSnapshot{Kind: kind, Items: cloneItems(p.active), RefreshedAt: p.activeAt}
	}
	return quantize.ListSnapshot{Kind: quantize.ListHistory, Items: cloneItems(p.history), RefreshedAt: p.historyAt}
}

// Find looks id up in the active list first, then in the history.
func (p *Poller) Find(id string) (quantize.ListItem, bool) {
	p.mu.RLock()
	defer p.mu.RUnlock()

	for _, coll := range [][]quantize.ListItem{p.active, p.history} {
		for _, item := range coll {
			if item.ID == id {
				return item, true
			}
		}
	}
	return quantize.ListItem{}, false
}

// Drop removes id from both collections by replacing them with filtered
// copies, and publishes the new snapshots.
func (p *Poller) Drop(ctx context.Context, id string) {
	now := time.Now().UTC()

	p.mu.Lock()
	p.history = quantize.FilterOut(p.history, id)
	p.active = quantize.FilterOut(p.active, id)
	history, active := p.history, p.active
	p.mu.Unlock()

	p.publish(ctx, quantize.ListHistory, history, now)
	p.publish(ctx, quantize.ListActive, active, now)
}

func cloneItems(items []quantize.ListItem) []quantize.ListItem {
	if items == nil {
		return nil
	}
	out := make([]quantize.ListItem, len(items))
	copy(out, items)
	return out
}
