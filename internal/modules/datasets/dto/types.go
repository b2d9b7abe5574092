package dto

import "time"

type CreateDatasetInput struct {
	Name     string
	Owner    string
	Task     string
	Tags     map[string]string
	Metadata map[string]any
}

// FindDatasetInput looks a dataset up by name. Owner is a hint and never
// hides a dataset owned by someone else.
type FindDatasetInput struct {
	Name  string
	Owner string
}

type ListDatasetsInput struct {
	Owners []string
}

type UpdateDatasetInput struct {
	Name     string
	Tags     map[string]string
	Metadata map[string]any
}

type DeleteDatasetInput struct {
	Name string
}

type RefreshInput struct{}

type DatasetOutput struct {
	ID          string            `json:"id" yaml:"id"`
	Name        string            `json:"name" yaml:"name"`
	Owner       string            `json:"owner,omitempty" yaml:"owner,omitempty"`
	Task        string            `json:"task" yaml:"task"`
	Tags        map[string]string `json:"tags,omitempty" yaml:"tags,omitempty"`
	Metadata    map[string]any    `json:"metadata,omitempty" yaml:"metadata,omitempty"`
	CreatedAt   time.Time         `json:"created_at" yaml:"created_at"`
	LastUpdated time.Time         `json:"last_updated" yaml:"last_updated"`
	Version     int64             `json:"version" yaml:"version"`
}
