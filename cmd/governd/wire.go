package main

import (
	"context"
	"fmt"
	"os"
	"path/filepath"
	"strings"

	"github.com/nats-io/nats.go"
	"go.opentelemetry.io/otel/log/global"
	"go.uber.org/zap"

	"github.com/peoplemerit/pmerit-technologies-sub002/internal/config"
	"github.com/peoplemerit/pmerit-technologies-sub002/internal/contract"
	"github.com/peoplemerit/pmerit-technologies-sub002/internal/escalation"
	"github.com/peoplemerit/pmerit-technologies-sub002/internal/events"
	"github.com/peoplemerit/pmerit-technologies-sub002/internal/gates"
	httpserver "github.com/peoplemerit/pmerit-technologies-sub002/internal/http"
	"github.com/peoplemerit/pmerit-technologies-sub002/internal/logging"
	"github.com/peoplemerit/pmerit-technologies-sub002/internal/readiness"
	"github.com/peoplemerit/pmerit-technologies-sub002/internal/store"
	"github.com/peoplemerit/pmerit-technologies-sub002/internal/store/memory"
	"github.com/peoplemerit/pmerit-technologies-sub002/internal/store/sqlite"
	"github.com/peoplemerit/pmerit-technologies-sub002/internal/telemetry"
	"github.com/peoplemerit/pmerit-technologies-sub002/internal/transition"
)

// app holds the wired daemon and the resources to release on exit.
type app struct {
	logger    *logging.Logger
	telemetry *telemetry.Telemetry
	store     store.Store
	publisher events.Publisher
	gates     *gates.Engine
	server    *httpserver.Server
	closers   []func()
}

func (a *app) close() {
	if a.gates != nil {
		a.gates.Wait()
	}
	for i := len(a.closers) - 1; i >= 0; i-- {
		a.closers[i]()
	}
}

func (a *app) onClose(fn func()) { a.closers = append(a.closers, fn) }

// build wires every component described by cfg. On error, everything
// already opened is released.
func build(ctx context.Context, cfg *config.Config) (_ *app, err error) {
	a := &app{}
	defer func() {
		if err != nil {
			a.close()
		}
	}()

	tel, err := telemetry.New(ctx, telemetry.FromSettings(cfg.Observability, version))
	if err != nil {
		return nil, fmt.Errorf("init telemetry: %w", err)
	}
	a.telemetry = tel
	a.onClose(func() {
		sctx, cancel := context.WithTimeout(context.Background(), cfg.Server.ShutdownTimeout.Duration())
		defer cancel()
		_ = tel.Shutdown(sctx)
	})

	logCfg, err := logging.FromSettings(cfg.Logging)
	if err != nil {
		return nil, fmt.Errorf("init logging: %w", err)
	}
	logCfg.Output.OTEL = cfg.Observability.EnableTelemetry
	logger, err := logging.NewLogger(logCfg, global.GetLoggerProvider())
	if err != nil {
		return nil, fmt.Errorf("init logging: %w", err)
	}
	a.logger = logger
	a.onClose(func() { _ = logger.Sync() })
	zl := logger.Underlying()

	if a.store, err = openStore(ctx, cfg.Store); err != nil {
		return nil, err
	}
	if c, ok := a.store.(interface{ Close() error }); ok {
		a.onClose(func() { _ = c.Close() })
	}

	if a.publisher, err = openPublisher(cfg.Events, zl); err != nil {
		return nil, err
	}
	if p, ok := a.publisher.(*events.NATSPublisher); ok {
		a.onClose(func() { _ = p.Close() })
	}

	engines, g, err := wireEngines(cfg, a.store, a.publisher, tel, zl)
	if err != nil {
		return nil, err
	}
	a.gates = g

	httpMetrics := httpserver.NewHTTPMetrics(tel.Meter("governd/http"), zl)
	a.server, err = httpserver.NewServer(engines, logger, httpMetrics, &httpserver.Config{
		Host:           cfg.Server.Host,
		Port:           cfg.Server.Port,
		MetricsHandler: tel.MetricsHandler(),
		Health:         a.health(cfg),
	})
	if err != nil {
		return nil, fmt.Errorf("init http server: %w", err)
	}
	return a, nil
}

func (a *app) health(cfg *config.Config) func() map[string]any {
	return func() map[string]any {
		components := map[string]any{
			"store":     cfg.Store.Driver,
			"telemetry": a.telemetry.Health(),
		}
		if p, ok := a.publisher.(*events.NATSPublisher); ok {
			components["events"] = p.Status()
		}
		return components
	}
}

func openStore(ctx context.Context, cfg config.StoreConfig) (store.Store, error) {
	switch cfg.Driver {
	case config.DriverMemory:
		var opts []memory.Option
		if !cfg.DefectRegistry {
			opts = append(opts, memory.WithoutDefectRegistry())
		}
		return memory.New(opts...), nil
	case config.DriverSQLite:
		path, err := expandHome(cfg.Path)
		if err != nil {
			return nil, err
		}
		if err := os.MkdirAll(filepath.Dir(path), 0o700); err != nil {
			return nil, fmt.Errorf("create store directory: %w", err)
		}
		s, err := sqlite.Open(ctx, path)
		if err != nil {
			return nil, fmt.Errorf("open sqlite store: %w", err)
		}
		return s, nil
	}
	return nil, fmt.Errorf("unknown store driver %q", cfg.Driver)
}

func openPublisher(cfg config.EventsConfig, logger *zap.Logger) (events.Publisher, error) {
	if !cfg.Enabled {
		return events.Nop{}, nil
	}
	opts := []nats.Option{nats.Timeout(cfg.ConnectTimeout.Duration())}
	if cfg.Token.IsSet() {
		opts = append(opts, nats.Token(cfg.Token.Value()))
	}
	p, err := events.Connect(cfg.NATSURL, cfg.SubjectPrefix, logger, opts...)
	if err != nil {
		return nil, err
	}
	return p, nil
}

// wireEngines builds the five governance engines over s.
func wireEngines(cfg *config.Config, s store.Store, pub events.Publisher, tel *telemetry.Telemetry, logger *zap.Logger) (httpserver.Services, *gates.Engine, error) {
	rm, err := readiness.NewMetrics(tel.Meter("governd/readiness"))
	if err != nil {
		return httpserver.Services{}, nil, fmt.Errorf("init readiness metrics: %w", err)
	}
	gm, err := gates.NewMetrics(tel.Meter("governd/gates"))
	if err != nil {
		return httpserver.Services{}, nil, fmt.Errorf("init gate metrics: %w", err)
	}
	em, err := escalation.NewMetrics(tel.Meter("governd/escalation"))
	if err != nil {
		return httpserver.Services{}, nil, fmt.Errorf("init escalation metrics: %w", err)
	}
	cm, err := contract.NewMetrics(tel.Meter("governd/contract"))
	if err != nil {
		return httpserver.Services{}, nil, fmt.Errorf("init contract metrics: %w", err)
	}
	tm, err := transition.NewMetrics(tel.Meter("governd/transition"))
	if err != nil {
		return httpserver.Services{}, nil, fmt.Errorf("init transition metrics: %w", err)
	}

	gov := cfg.Governance
	rc := readiness.New(s,
		readiness.WithLogger(logger),
		readiness.WithMetrics(rm),
		readiness.WithPublisher(pub),
	)
	monitor := escalation.New(s, rc,
		escalation.WithLogger(logger),
		escalation.WithMetrics(em),
		escalation.WithPublisher(pub),
	)
	g := gates.New(s, rc,
		gates.WithLogger(logger),
		gates.WithMetrics(gm),
		gates.WithPublisher(pub),
		gates.WithEscalation(monitor),
		gates.WithTrigger(gov.TriggerTimeout.Duration(), gov.TriggerRate, gov.TriggerBurst),
	)
	laws := contract.New(s, rc,
		contract.WithLogger(logger),
		contract.WithMetrics(cm),
	)
	orch := transition.New(s, g, laws, rc,
		transition.WithLogger(logger),
		transition.WithMetrics(tm),
		transition.WithPublisher(pub),
		transition.WithConfig(transition.Config{
			MinObjectiveLength:   gov.MinObjectiveLength,
			BriefObjectiveLength: gov.BriefObjectiveLength,
			MinReviewMessages:    gov.MinReviewMessages,
			MinReassessReason:    gov.MinReassessReason,
			MinReassessSummary:   gov.MinReassessSummary,
		}),
	)

	return httpserver.Services{
		Store:      s,
		Readiness:  rc,
		Gates:      g,
		Escalation: monitor,
		Contract:   laws,
		Transition: orch,
	}, g, nil
}

func expandHome(path string) (string, error) {
	if path != "~" && !strings.HasPrefix(path, "~/") {
		return path, nil
	}
	home, err := os.UserHomeDir()
	if err != nil {
		return "", fmt.Errorf("resolve home directory: %w", err)
	}
	return filepath.Join(home, strings.TrimPrefix(path, "~")), nil
}
