package in

import (
	"context"

	"rubric/internal/modules/datasets/dto"
	datasetsin "rubric/internal/modules/datasets/port/in"
)

type CLIHandler struct {
	usecase datasetsin.Usecase
}

func NewCLIHandler(usecase datasetsin.Usecase) CLIHandler {
	return CLIHandler{usecase: usecase}
}

func (h CLIHandler) Create(ctx context.Context, name, owner, task string, tags map[string]string) (dto.DatasetOutput, error) {
	return h.usecase.CreateDataset(ctx, dto.CreateDatasetInput{
		Name:  name,
		Owner: owner,
		Task:  task,
		Tags:  tags,
	})
}

func (h CLIHandler) Show(ctx context.Context, name, owner string) (dto.DatasetOutput, error) {
	return h.usecase.FindByName(ctx, dto.FindDatasetInput{Name: name, Owner: owner})
}

func (h CLIHandler) List(ctx context.Context, owners []string) ([]dto.DatasetOutput, error) {
	return h.usecase.ListDatasets(ctx, dto.ListDatasetsInput{Owners: owners})
}

func (h CLIHandler) Update(ctx context.Context, name string, tags map[string]string, metadata map[string]any) (dto.DatasetOutput, error) {
	return h.usecase.UpdateDataset(ctx, dto.UpdateDatasetInput{Name: name, Tags: tags, Metadata: metadata})
}

func (h CLIHandler) Delete(ctx context.Context, name string) error {
	return h.usecase.DeleteDataset(ctx, dto.DeleteDatasetInput{Name: name})
}

func (h CLIHandler) Refresh(ctx context.Context) error {
	return h.usecase.Refresh(ctx, dto.RefreshInput{})
}
