package domain

import (
	"fmt"
	"regexp"
	"strings"
	"time"
)

type TaskType string

const (
	TaskTextClassification  TaskType = "TextClassification"
	TaskTokenClassification TaskType = "TokenClassification"
	TaskText2Text           TaskType = "Text2Text"
)

var namePattern = regexp.MustCompile(`^[a-z0-9][a-z0-9_-]*$`)

// ObservationDataset is a named collection of records for one ML task. Name
// is unique across the store; Owner is empty for unowned datasets. Metadata
// is stored as JSON: numbers come back as float64 and nested values as
// map[string]any or []any, and the store returns records in that form.
type ObservationDataset struct {
	Name     string
	Owner    string
	Task     TaskType
	Tags     map[string]string
	Metadata map[string]any

	// Assigned by the store.
	ID          string
	CreatedAt   time.Time
	LastUpdated time.Time
	Version     int64
}

func (t TaskType) Validate() error {
	switch t {
	case TaskTextClassification, TaskTokenClassification, TaskText2Text:
		return nil
	default:
		return fmt.Errorf("unsupported task type %q", string(t))
	}
}

// ParseTaskType accepts the canonical value or its snake_case alias.
func ParseTaskType(raw string) (TaskType, error) {
	switch strings.ToLower(strings.TrimSpace(raw)) {
	case "textclassification", "text_classification":
		return TaskTextClassification, nil
	case "tokenclassification", "token_classification":
		return TaskTokenClassification, nil
	case "text2text":
		return TaskText2Text, nil
	default:
		return "", fmt.Errorf("unsupported task type %q", raw)
	}
}

func ValidateName(name string) error {
	if strings.TrimSpace(name) == "" {
		return fmt.Errorf("name is required")
	}
	if !namePattern.MatchString(name) {
		return fmt.Errorf("name %q must be lowercase letters, digits, '-' or '_' and start with a letter or digit", name)
	}
	return nil
}

func (d ObservationDataset) Validate() error {
	if err := ValidateName(d.Name); err != nil {
		return err
	}
	if err := d.Task.Validate(); err != nil {
		return err
	}
	if strings.TrimSpace(d.Owner) != d.Owner {
		return fmt.Errorf("owner %q has surrounding whitespace", d.Owner)
	}
	return nil
}

// OwnedBy reports whether owner matches the dataset owner exactly.
func (d ObservationDataset) OwnedBy(owner string) bool {
	return d.Owner == owner
}
