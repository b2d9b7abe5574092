package service

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"strings"
	"time"

	"rubric/internal/modules/datasets/domain"
	datasetsout "rubric/internal/modules/datasets/port/out"
	"rubric/internal/platform/clock"
	apperrors "rubric/internal/platform/errors"
	"rubric/internal/platform/id"
)

const DefaultStoreTimeout = 10 * time.Second

// DAO maps dataset names to stored datasets. It keeps no state of its own;
// consistency and isolation come from the index behind it.
type DAO struct {
	clock   clock.Clock
	idGen   id.Generator
	index   datasetsout.DatasetIndex
	timeout time.Duration
	logger  *slog.Logger
}

func NewDAO(clock clock.Clock, idGen id.Generator, index datasetsout.DatasetIndex, timeout time.Duration, logger *slog.Logger) *DAO {
	if timeout <= 0 {
		timeout = DefaultStoreTimeout
	}
	if logger == nil {
		logger = slog.Default()
	}
	return &DAO{clock: clock, idGen: idGen, index: index, timeout: timeout, logger: logger.With(slog.String("component", "datasets_dao"))}
}

// CreateDataset stores a new dataset. Names are unique: creating a name that
// already exists fails with ErrDuplicateName and leaves the stored dataset
// untouched. The dataset becomes visible to FindByName after the next
// refresh of the index.
func (d *DAO) CreateDataset(ctx context.Context, dataset domain.ObservationDataset) (domain.ObservationDataset, error) {
	if err := dataset.Validate(); err != nil {
		return domain.ObservationDataset{}, fmt.Errorf("%w: %v", apperrors.ErrInvalidInput, err)
	}
	now := d.clock.Now()
	if dataset.ID == "" {
		dataset.ID = d.idGen.New()
	}
	dataset.CreatedAt = now
	dataset.LastUpdated = now
	dataset.Version = 0

	ctx, cancel := context.WithTimeout(ctx, d.timeout)
	defer cancel()
	created, err := d.index.Create(ctx, dataset)
	if err != nil {
		return domain.ObservationDataset{}, storeError(err)
	}
	d.logger.InfoContext(ctx, "dataset created",
		slog.String("name", created.Name),
		slog.String("owner", created.Owner),
		slog.String("task", string(created.Task)),
	)
	return created, nil
}

// FindByName returns the dataset called name. owner only breaks ties between
// several hits; a dataset owned by someone else is still returned. A missing
// dataset yields ErrNotFound.
func (d *DAO) FindByName(ctx context.Context, name, owner string) (domain.ObservationDataset, error) {
	if err := domain.ValidateName(name); err != nil {
		return domain.ObservationDataset{}, fmt.Errorf("%w: %v", apperrors.ErrInvalidInput, err)
	}
	ctx, cancel := context.WithTimeout(ctx, d.timeout)
	defer cancel()
	hits, err := d.index.SearchByName(ctx, name)
	if err != nil {
		return domain.ObservationDataset{}, storeError(err)
	}
	if len(hits) == 0 {
		return domain.ObservationDataset{}, fmt.Errorf("dataset %q: %w", name, apperrors.ErrNotFound)
	}
	found := pick(hits, owner)
	if owner != "" && !found.OwnedBy(owner) {
		d.logger.DebugContext(ctx, "dataset served outside owner filter",
			slog.String("name", name),
			slog.String("owner_filter", owner),
			slog.String("owner", found.Owner),
		)
	}
	return found, nil
}

// pick prefers the hit owned by owner and falls back to the earliest one.
// hits are ordered by creation time.
func pick(hits []domain.ObservationDataset, owner string) domain.ObservationDataset {
	if owner != "" {
		for _, hit := range hits {
			if hit.OwnedBy(owner) {
				return hit
			}
		}
	}
	return hits[0]
}

// ListDatasets returns every dataset, or only those owned by one of owners.
// Unlike FindByName the owner filter here is strict.
func (d *DAO) ListDatasets(ctx context.Context, owners []string) ([]domain.ObservationDataset, error) {
	filter := make([]string, 0, len(owners))
	for _, owner := range owners {
		if owner = strings.TrimSpace(owner); owner != "" {
			filter = append(filter, owner)
		}
	}
	ctx, cancel := context.WithTimeout(ctx, d.timeout)
	defer cancel()
	datasets, err := d.index.List(ctx, filter)
	if err != nil {
		return nil, storeError(err)
	}
	return datasets, nil
}

// UpdateDataset merges tags and metadata into an existing dataset. It works
// on the latest write, so it does not need a refresh after CreateDataset, and
// it never brings back a dataset deleted while it runs.
func (d *DAO) UpdateDataset(ctx context.Context, name string, tags map[string]string, metadata map[string]any) (domain.ObservationDataset, error) {
	if err := domain.ValidateName(name); err != nil {
		return domain.ObservationDataset{}, fmt.Errorf("%w: %v", apperrors.ErrInvalidInput, err)
	}
	now := d.clock.Now()
	ctx, cancel := context.WithTimeout(ctx, d.timeout)
	defer cancel()
	updated, err := d.index.Update(ctx, name, func(current *domain.ObservationDataset) {
		if len(tags) > 0 && current.Tags == nil {
			current.Tags = make(map[string]string, len(tags))
		}
		for k, v := range tags {
			current.Tags[k] = v
		}
		if len(metadata) > 0 && current.Metadata == nil {
			current.Metadata = make(map[string]any, len(metadata))
		}
		for k, v := range metadata {
			current.Metadata[k] = v
		}
		current.LastUpdated = now
	})
	if err != nil {
		return domain.ObservationDataset{}, storeError(err)
	}
	d.logger.InfoContext(ctx, "dataset updated", slog.String("name", name), slog.Int64("version", updated.Version))
	return updated, nil
}

func (d *DAO) DeleteDataset(ctx context.Context, name string) error {
	if err := domain.ValidateName(name); err != nil {
		return fmt.Errorf("%w: %v", apperrors.ErrInvalidInput, err)
	}
	ctx, cancel := context.WithTimeout(ctx, d.timeout)
	defer cancel()
	if err := d.index.Delete(ctx, name); err != nil {
		return storeError(err)
	}
	d.logger.InfoContext(ctx, "dataset deleted", slog.String("name", name))
	return nil
}

// Refresh blocks until every acknowledged write is visible to FindByName and
// ListDatasets.
func (d *DAO) Refresh(ctx context.Context) error {
	ctx, cancel := context.WithTimeout(ctx, d.timeout)
	defer cancel()
	return storeError(d.index.Refresh(ctx))
}

// storeError surfaces an expired store deadline as ErrStoreUnavailable.
func storeError(err error) error {
	if err == nil {
		return nil
	}
	if errors.Is(err, context.DeadlineExceeded) && !errors.Is(err, apperrors.ErrStoreUnavailable) {
		return fmt.Errorf("%w: %w", apperrors.ErrStoreUnavailable, err)
	}
	return err
}
