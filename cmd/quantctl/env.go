package main

import (
	"context"
	"fmt"
	"io"
	"os"

	"go.opentelemetry.io/otel/trace"

	app "github.com/starikovyaroslav/quantify/internal/app/quantize"
	"github.com/starikovyaroslav/quantify/internal/config"
	"github.com/starikovyaroslav/quantify/internal/infra/eventbus/memory"
	"github.com/starikovyaroslav/quantify/internal/infra/notify"
	"github.com/starikovyaroslav/quantify/internal/infra/protocol"
	"github.com/starikovyaroslav/quantify/internal/infra/transport/rest"
	"github.com/starikovyaroslav/quantify/internal/infra/transport/ws"
	"github.com/starikovyaroslav/quantify/pkg/common/logger"
	"github.com/starikovyaroslav/quantify/pkg/common/otel"
)

// env is what every command runs with.
type env struct {
	cfg    *config.Config
	log    *logger.Logger
	out    *printer
	stderr io.Writer
}

func newLogger(w io.Writer, cfg config.LogConfig) (*logger.Logger, error) {
	level, err := logger.ParseLevel(cfg.Level)
	if err != nil {
		return nil, err
	}

	hostname, _ := os.Hostname()

	metadata := map[string]string{
		"hostname": hostname,
		"app":      serviceType,
		"build":    build,
	}

	return logger.NewWithFormat(w, level, logger.Format(cfg.Format), serviceType, otel.GetTraceID, logger.Events{}, metadata), nil
}

// stack is the wired client: transport, orchestrator, poller and
// coordinator sharing one update bus.
type stack struct {
	client       *rest.Client
	bus          *memory.Broker
	notifier     *notify.Notifier
	metrics      app.LifecycleMetrics
	orchestrator *app.Orchestrator
	poller       *app.Poller
	coordinator  *app.Coordinator

	providers otel.Providers
	tracer    trace.Tracer
	teardown  func(context.Context)

	log *logger.Logger
	cfg *config.Config
}

func (e *env) stack() (*stack, error) {
	cfg, log := e.cfg, e.log

	providers := otel.NoopProviders()
	teardown := func(context.Context) {}
	if cfg.Telemetry.Enabled {
		var err error
		providers, teardown, err = otel.InitTelemetry(log, otel.Config{
			ServiceName:        cfg.Telemetry.ServiceName,
			ExporterEndpoint:   cfg.Telemetry.Endpoint,
			Probability:        cfg.Telemetry.SamplingRatio,
			InsecureExporter:   cfg.Telemetry.Insecure,
			ResourceAttributes: map[string]string{"build": build},
			ExcludedRoutes:     map[string]struct{}{"/v1/health": {}},
		})
		if err != nil {
			return nil, fmt.Errorf("initializing telemetry: %w", err)
		}
	}
	tracer := providers.Tracer.Tracer(cfg.Telemetry.ServiceName)

	client, err := rest.NewClient(rest.Config{
		BaseURL:            cfg.Service.BaseURL,
		RequestTimeout:     cfg.Service.RequestTimeout,
		RateLimitPerMinute: cfg.Service.RateLimitPerMinute,
		RateBurst:          cfg.Service.RateBurst,
		MaxFileSize:        cfg.Service.MaxFileSize,
	}, log, tracer)
	if err != nil {
		teardown(context.Background())
		return nil, err
	}

	wsURL := cfg.Service.WSURL
	if wsURL == "" {
		if wsURL, err = ws.DeriveURL(cfg.Service.BaseURL); err != nil {
			teardown(context.Background())
			return nil, err
		}
	}
	dialer, err := ws.NewDialer(ws.Config{
		BaseURL:          wsURL,
		DialTimeout:      cfg.Channel.DialTimeout,
		HandshakeTimeout: cfg.Channel.HandshakeTimeout,
		ReadLimit:        cfg.Channel.ReadLimit,
	}, log, tracer)
	if err != nil {
		teardown(context.Background())
		return nil, err
	}

	metrics, err := app.NewLifecycleMetrics(providers.Meter)
	if err != nil {
		teardown(context.Background())
		return nil, fmt.Errorf("creating lifecycle metrics: %w", err)
	}

	bus := memory.NewBroker()
	notifier := notify.New(bus, log)

	orchestrator := app.NewOrchestrator(
		client, dialer, protocol.Decode, bus, notifier, metrics,
		app.OrchestratorConfig{TaskTimeout: cfg.Orchestrator.TaskTimeout},
		tracer, log,
	)
	poller := app.NewPoller(client, bus, notifier, metrics, app.PollerConfig{
		Interval:      cfg.Poller.Interval,
		HistoryLimit:  cfg.Poller.HistoryLimit,
		HistorySource: app.HistorySource(cfg.Poller.HistorySource),
	}, tracer, log)
	coordinator := app.NewCoordinator(client, orchestrator, poller, notifier, metrics, tracer, log)

	return &stack{
		client:       client,
		bus:          bus,
		notifier:     notifier,
		metrics:      metrics,
		orchestrator: orchestrator,
		poller:       poller,
		coordinator:  coordinator,
		providers:    providers,
		tracer:       tracer,
		teardown:     teardown,
		log:          log,
		cfg:          cfg,
	}, nil
}

// listPoller returns a poller reading history from source instead of the
// configured one. It shares the stack's bus.
func (s *stack) listPoller(source app.HistorySource, limit int) *app.Poller {
	return app.NewPoller(s.client, s.bus, s.notifier, s.metrics, app.PollerConfig{
		Interval:      s.cfg.Poller.Interval,
		HistoryLimit:  limit,
		HistorySource: source,
	}, s.tracer, s.log)
}

func (s *stack) Close(ctx context.Context) {
	s.poller.Stop()
	if err := s.orchestrator.Close(); err != nil {
		s.log.Warn(ctx, "closing orchestrator", "error", err)
	}
	s.teardown(ctx)
}
