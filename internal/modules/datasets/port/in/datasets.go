package in

import (
	"context"

	"rubric/internal/modules/datasets/dto"
)

type Usecase interface {
	CreateDataset(ctx context.Context, input dto.CreateDatasetInput) (dto.DatasetOutput, error)
	FindByName(ctx context.Context, input dto.FindDatasetInput) (dto.DatasetOutput, error)
	ListDatasets(ctx context.Context, input dto.ListDatasetsInput) ([]dto.DatasetOutput, error)
	UpdateDataset(ctx context.Context, input dto.UpdateDatasetInput) (dto.DatasetOutput, error)
	DeleteDataset(ctx context.Context, input dto.DeleteDatasetInput) error
	Refresh(ctx context.Context, input dto.RefreshInput) error
}
