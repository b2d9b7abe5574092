package out

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"rubric/internal/modules/datasets/domain"
	datasetsout "rubric/internal/modules/datasets/port/out"
	apperrors "rubric/internal/platform/errors"
	"rubric/internal/platform/search"
)

// Fixed width so stored timestamps sort lexically.
const timeLayout = "2006-01-02T15:04:05.000000000Z07:00"

const maxUpdateAttempts = 3

const datasetsMapping = `{
  "mappings": {
    "dynamic": false,
    "properties": {
      "id": {"type": "keyword"},
      "name": {"type": "keyword"},
      "owner": {"type": "keyword"},
      "task": {"type": "keyword"},
      "tags": {"type": "flattened"},
      "metadata": {"type": "object", "enabled": false},
      "created_at": {"type": "date"},
      "last_updated": {"type": "date"}
    }
  }
}`

type IndexDatasetStore struct {
	wrapper search.Wrapper
	index   string
}

// NewIndexDatasetStore makes sure index exists with the datasets mapping and
// returns a store writing to it.
func NewIndexDatasetStore(ctx context.Context, wrapper search.Wrapper, index string) (datasetsout.DatasetIndex, error) {
	if wrapper == nil {
		return nil, fmt.Errorf("index wrapper is required")
	}
	if index == "" {
		return nil, fmt.Errorf("index name is required")
	}
	if err := wrapper.EnsureIndex(ctx, index, json.RawMessage(datasetsMapping)); err != nil {
		return nil, fmt.Errorf("ensure datasets index: %w", translate(err))
	}
	return &IndexDatasetStore{wrapper: wrapper, index: index}, nil
}

func (s *IndexDatasetStore) Create(ctx context.Context, dataset domain.ObservationDataset) (domain.ObservationDataset, error) {
	return s.write(ctx, dataset, search.CreateOnly())
}

// Update retries a lost race against the fresh state, so concurrent updates
// merge instead of overwriting each other. A dataset deleted in between
// yields ErrNotFound.
func (s *IndexDatasetStore) Update(ctx context.Context, name string, mutate func(*domain.ObservationDataset)) (domain.ObservationDataset, error) {
	for attempt := 1; ; attempt++ {
		doc, err := s.wrapper.Get(ctx, s.index, name)
		if err != nil {
			return domain.ObservationDataset{}, fmt.Errorf("get dataset %s: %w", name, translate(err))
		}
		dataset, err := fromDocument(doc)
		if err != nil {
			return domain.ObservationDataset{}, err
		}
		mutate(&dataset)
		dataset.Name = name

		updated, err := s.write(ctx, dataset, search.IfRevision(doc.Revision()))
		if err == nil || !errors.Is(err, apperrors.ErrConcurrentUpdate) || attempt == maxUpdateAttempts {
			return updated, err
		}
	}
}

// write stores dataset and returns it as a later read would decode it.
func (s *IndexDatasetStore) write(ctx context.Context, dataset domain.ObservationDataset, opts ...search.WriteOption) (domain.ObservationDataset, error) {
	source, err := json.Marshal(toDocument(dataset))
	if err != nil {
		return domain.ObservationDataset{}, fmt.Errorf("encode dataset %s: %w", dataset.Name, err)
	}
	stored, err := s.wrapper.Upsert(ctx, s.index, search.Document{ID: dataset.Name, Source: source}, opts...)
	if err != nil {
		return domain.ObservationDataset{}, fmt.Errorf("write dataset %s: %w", dataset.Name, translate(err))
	}
	stored.Source = source
	return fromDocument(stored)
}

func (s *IndexDatasetStore) Get(ctx context.Context, name string) (domain.ObservationDataset, error) {
	doc, err := s.wrapper.Get(ctx, s.index, name)
	if err != nil {
		return domain.ObservationDataset{}, fmt.Errorf("get dataset %s: %w", name, translate(err))
	}
	return fromDocument(doc)
}

func (s *IndexDatasetStore) SearchByName(ctx context.Context, name string) ([]domain.ObservationDataset, error) {
	return s.search(ctx, search.Query{
		Filters: []search.Filter{search.Term("name", name)},
		Sort:    []search.Sort{{Field: "created_at"}},
	})
}

func (s *IndexDatasetStore) List(ctx context.Context, owners []string) ([]domain.ObservationDataset, error) {
	query := search.Query{Sort: []search.Sort{{Field: "created_at"}}}
	if len(owners) > 0 {
		query.Filters = []search.Filter{{Field: "owner", Values: owners}}
	}
	return s.search(ctx, query)
}

func (s *IndexDatasetStore) search(ctx context.Context, query search.Query) ([]domain.ObservationDataset, error) {
	docs, err := s.wrapper.Search(ctx, s.index, query)
	if err != nil {
		return nil, fmt.Errorf("search datasets: %w", translate(err))
	}
	out := make([]domain.ObservationDataset, 0, len(docs))
	for _, doc := range docs {
		dataset, err := fromDocument(doc)
		if err != nil {
			return nil, err
		}
		out = append(out, dataset)
	}
	return out, nil
}

func (s *IndexDatasetStore) Delete(ctx context.Context, name string) error {
	if err := s.wrapper.Delete(ctx, s.index, name); err != nil {
		return fmt.Errorf("delete dataset %s: %w", name, translate(err))
	}
	return nil
}

func (s *IndexDatasetStore) Refresh(ctx context.Context) error {
	if err := s.wrapper.Refresh(ctx, s.index); err != nil {
		return fmt.Errorf("refresh datasets: %w", translate(err))
	}
	return nil
}

type datasetDocument struct {
	ID          string            `json:"id"`
	Name        string            `json:"name"`
	Owner       *string           `json:"owner"`
	Task        string            `json:"task"`
	Tags        map[string]string `json:"tags,omitempty"`
	Metadata    map[string]any    `json:"metadata,omitempty"`
	CreatedAt   string            `json:"created_at"`
	LastUpdated string            `json:"last_updated"`
}

func toDocument(dataset domain.ObservationDataset) datasetDocument {
	doc := datasetDocument{
		ID:          dataset.ID,
		Name:        dataset.Name,
		Task:        string(dataset.Task),
		Tags:        dataset.Tags,
		Metadata:    dataset.Metadata,
		CreatedAt:   dataset.CreatedAt.UTC().Format(timeLayout),
		LastUpdated: dataset.LastUpdated.UTC().Format(timeLayout),
	}
	if dataset.Owner != "" {
		owner := dataset.Owner
		doc.Owner = &owner
	}
	return doc
}

func fromDocument(doc search.Document) (domain.ObservationDataset, error) {
	var raw datasetDocument
	if err := json.Unmarshal(doc.Source, &raw); err != nil {
		return domain.ObservationDataset{}, fmt.Errorf("decode dataset %s: %w", doc.ID, err)
	}
	createdAt, err := time.Parse(timeLayout, raw.CreatedAt)
	if err != nil {
		return domain.ObservationDataset{}, fmt.Errorf("decode dataset %s created_at: %w", doc.ID, err)
	}
	lastUpdated, err := time.Parse(timeLayout, raw.LastUpdated)
	if err != nil {
		return domain.ObservationDataset{}, fmt.Errorf("decode dataset %s last_updated: %w", doc.ID, err)
	}
	dataset := domain.ObservationDataset{
		ID:          raw.ID,
		Name:        raw.Name,
		Task:        domain.TaskType(raw.Task),
		Tags:        raw.Tags,
		Metadata:    raw.Metadata,
		CreatedAt:   createdAt,
		LastUpdated: lastUpdated,
		Version:     doc.Version,
	}
	if raw.Owner != nil {
		dataset.Owner = *raw.Owner
	}
	return dataset, nil
}

func translate(err error) error {
	switch {
	case errors.Is(err, search.ErrNotFound):
		return fmt.Errorf("%w: %w", apperrors.ErrNotFound, err)
	case errors.Is(err, search.ErrConflict):
		return fmt.Errorf("%w: %w", apperrors.ErrDuplicateName, err)
	case errors.Is(err, search.ErrVersionConflict):
		return fmt.Errorf("%w: %w", apperrors.ErrConcurrentUpdate, err)
	case errors.Is(err, search.ErrUnavailable):
		return fmt.Errorf("%w: %w", apperrors.ErrStoreUnavailable, err)
	default:
		return err
	}
}
