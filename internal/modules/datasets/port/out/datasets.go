package out

import (
	"context"

	"rubric/internal/modules/datasets/domain"
)

// DatasetIndex persists datasets in a search index keyed by name. Get sees
// every acknowledged write; SearchByName and List only see writes published
// by Refresh.
//
// Update applies mutate to the latest write of name and stores the result
// only if the dataset was neither changed nor deleted in between.
type DatasetIndex interface {
	Create(ctx context.Context, dataset domain.ObservationDataset) (domain.ObservationDataset, error)
	Update(ctx context.Context, name string, mutate func(*domain.ObservationDataset)) (domain.ObservationDataset, error)
	Get(ctx context.Context, name string) (domain.ObservationDataset, error)
	SearchByName(ctx context.Context, name string) ([]domain.ObservationDataset, error)
	List(ctx context.Context, owners []string) ([]domain.ObservationDataset, error)
	Delete(ctx context.Context, name string) error
	Refresh(ctx context.Context) error
}
