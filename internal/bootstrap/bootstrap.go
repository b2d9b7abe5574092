package bootstrap

import (
	"context"
	"fmt"
	"log/slog"

	"github.com/prometheus/client_golang/prometheus"

	datasetsinadapter "rubric/internal/modules/datasets/adapter/in"
	datasetsoutadapter "rubric/internal/modules/datasets/adapter/out"
	datasetsservice "rubric/internal/modules/datasets/service"
	datasetsusecase "rubric/internal/modules/datasets/usecase"
	"rubric/internal/platform/clock"
	"rubric/internal/platform/config"
	"rubric/internal/platform/id"
	"rubric/internal/platform/search"
	"rubric/internal/platform/search/elastic"
	"rubric/internal/platform/search/sqlite"
)

const datasetsIndex = "datasets"

type App struct {
	DatasetsCLI datasetsinadapter.CLIHandler
	Metrics     *prometheus.Registry

	wrapper search.Wrapper
}

// NewIndexWrapper opens the index backend selected by cfg.
func NewIndexWrapper(cfg config.Config) (search.Wrapper, error) {
	switch cfg.Backend {
	case config.BackendElastic:
		return elastic.Dial(cfg.ElasticURLs)
	case config.BackendSQLite:
		return sqlite.Open(cfg.DBPath, sqlite.WithRefreshInterval(cfg.RefreshInterval))
	default:
		return nil, fmt.Errorf("unsupported backend %q", cfg.Backend)
	}
}

func New(ctx context.Context, cfg config.Config, logger *slog.Logger) (*App, error) {
	raw, err := NewIndexWrapper(cfg)
	if err != nil {
		return nil, fmt.Errorf("new index wrapper: %w", err)
	}
	registry := prometheus.NewRegistry()
	metrics, err := search.NewMetrics(registry)
	if err != nil {
		_ = raw.Close()
		return nil, fmt.Errorf("register index metrics: %w", err)
	}
	wrapper := search.Instrument(raw, metrics)

	ensureCtx, cancel := context.WithTimeout(ctx, cfg.StoreTimeout)
	defer cancel()
	store, err := datasetsoutadapter.NewIndexDatasetStore(ensureCtx, wrapper, cfg.IndexName(datasetsIndex))
	if err != nil {
		_ = wrapper.Close()
		return nil, fmt.Errorf("new dataset store: %w", err)
	}
	dao := datasetsservice.NewDAO(clock.SystemClock{}, id.UUID{}, store, cfg.StoreTimeout, logger)

	return &App{
		DatasetsCLI: datasetsinadapter.NewCLIHandler(datasetsusecase.NewInteractor(dao)),
		Metrics:     registry,
		wrapper:     wrapper,
	}, nil
}

func (a *App) Close() error {
	return a.wrapper.Close()
}
