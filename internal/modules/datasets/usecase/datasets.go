package usecase

import (
	"context"
	"fmt"

	"rubric/internal/modules/datasets/domain"
	"rubric/internal/modules/datasets/dto"
	datasetsin "rubric/internal/modules/datasets/port/in"
	"rubric/internal/modules/datasets/service"
	apperrors "rubric/internal/platform/errors"
)

type Interactor struct {
	dao *service.DAO
}

func NewInteractor(dao *service.DAO) datasetsin.Usecase {
	return &Interactor{dao: dao}
}

func (i *Interactor) CreateDataset(ctx context.Context, input dto.CreateDatasetInput) (dto.DatasetOutput, error) {
	task, err := domain.ParseTaskType(input.Task)
	if err != nil {
		return dto.DatasetOutput{}, fmt.Errorf("%w: %v", apperrors.ErrInvalidInput, err)
	}
	created, err := i.dao.CreateDataset(ctx, domain.ObservationDataset{
		Name:     input.Name,
		Owner:    input.Owner,
		Task:     task,
		Tags:     input.Tags,
		Metadata: input.Metadata,
	})
	if err != nil {
		return dto.DatasetOutput{}, err
	}
	return toOutput(created), nil
}

func (i *Interactor) FindByName(ctx context.Context, input dto.FindDatasetInput) (dto.DatasetOutput, error) {
	dataset, err := i.dao.FindByName(ctx, input.Name, input.Owner)
	if err != nil {
		return dto.DatasetOutput{}, err
	}
	return toOutput(dataset), nil
}

func (i *Interactor) ListDatasets(ctx context.Context, input dto.ListDatasetsInput) ([]dto.DatasetOutput, error) {
	datasets, err := i.dao.ListDatasets(ctx, input.Owners)
	if err != nil {
		return nil, err
	}
	out := make([]dto.DatasetOutput, 0, len(datasets))
	for _, dataset := range datasets {
		out = append(out, toOutput(dataset))
	}
	return out, nil
}

func (i *Interactor) UpdateDataset(ctx context.Context, input dto.UpdateDatasetInput) (dto.DatasetOutput, error) {
	dataset, err := i.dao.UpdateDataset(ctx, input.Name, input.Tags, input.Metadata)
	if err != nil {
		return dto.DatasetOutput{}, err
	}
	return toOutput(dataset), nil
}

func (i *Interactor) DeleteDataset(ctx context.Context, input dto.DeleteDatasetInput) error {
	return i.dao.DeleteDataset(ctx, input.Name)
}

func (i *Interactor) Refresh(ctx context.Context, _ dto.RefreshInput) error {
	return i.dao.Refresh(ctx)
}

func toOutput(dataset domain.ObservationDataset) dto.DatasetOutput {
	return dto.DatasetOutput{
		ID:          dataset.ID,
		Name:        dataset.Name,
		Owner:       dataset.Owner,
		Task:        string(dataset.Task),
		Tags:        dataset.Tags,
		Metadata:    dataset.Metadata,
		CreatedAt:   dataset.CreatedAt,
		LastUpdated: dataset.LastUpdated,
		Version:     dataset.Version,
	}
}
