// Package search defines the contract of the document index the stores are
// built on. Backends live in subpackages.
//
// Writes are visible to Get immediately and to Search only after the index
// has been refreshed, either explicitly through Refresh or by the backend's
// own refresh cycle.
package search

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"regexp"
)

var (
	ErrNotFound    = errors.New("search: document not found")
	ErrConflict    = errors.New("search: document already exists")
	ErrUnavailable = errors.New("search: index unavailable")

	// ErrVersionConflict reports a conditional write whose document changed
	// or disappeared since it was read.
	ErrVersionConflict = errors.New("search: document changed since it was read")
)

// Wrapper is a handle on an index engine. It is safe for concurrent use and
// is meant to be constructed once and shared.
type Wrapper interface {
	EnsureIndex(ctx context.Context, index string, mapping json.RawMessage) error
	Upsert(ctx context.Context, index string, doc Document, opts ...WriteOption) (Document, error)
	Get(ctx context.Context, index, id string) (Document, error)
	Search(ctx context.Context, index string, query Query) ([]Document, error)
	Delete(ctx context.Context, index, id string, opts ...WriteOption) error
	Refresh(ctx context.Context, index string) error
	Close() error
}

// Document is one stored JSON source. SeqNo and PrimaryTerm are only set by
// backends that track them.
type Document struct {
	ID          string
	Version     int64
	SeqNo       int64
	PrimaryTerm int64
	Source      json.RawMessage
}

func (d Document) Revision() Revision {
	return Revision{Version: d.Version, SeqNo: d.SeqNo, PrimaryTerm: d.PrimaryTerm}
}

// Revision pins a conditional write to the state a document was read at.
// SQLite compares Version; Elasticsearch compares SeqNo and PrimaryTerm.
type Revision struct {
	Version     int64
	SeqNo       int64
	PrimaryTerm int64
}

// Filter matches documents whose keyword field equals any of Values.
type Filter struct {
	Field  string
	Values []string
}

type Sort struct {
	Field string
	Desc  bool
}

// Query is a conjunction of filters. Size <= 0 means DefaultSize.
type Query struct {
	Filters []Filter
	Sort    []Sort
	Size    int
}

const DefaultSize = 1000

var fieldPattern = regexp.MustCompile(`^[A-Za-z_][A-Za-z0-9_]*(\.[A-Za-z_][A-Za-z0-9_]*)*$`)

func (q Query) Validate() error {
	for _, f := range q.Filters {
		if !fieldPattern.MatchString(f.Field) {
			return fmt.Errorf("invalid filter field %q", f.Field)
		}
	}
	for _, s := range q.Sort {
		if !fieldPattern.MatchString(s.Field) {
			return fmt.Errorf("invalid sort field %q", s.Field)
		}
	}
	return nil
}

func (q Query) Limit() int {
	if q.Size <= 0 {
		return DefaultSize
	}
	return q.Size
}

// Term is shorthand for a single-value filter.
func Term(field, value string) Filter {
	return Filter{Field: field, Values: []string{value}}
}

type RefreshPolicy string

const (
	RefreshNone    RefreshPolicy = "false"
	RefreshWaitFor RefreshPolicy = "wait_for"
	RefreshNow     RefreshPolicy = "true"
)

type WriteOptions struct {
	CreateOnly bool
	IfRevision *Revision
	Refresh    RefreshPolicy
}

type WriteOption func(*WriteOptions)

// CreateOnly makes Upsert fail with ErrConflict when the id already exists.
func CreateOnly() WriteOption {
	return func(o *WriteOptions) { o.CreateOnly = true }
}

// IfRevision makes Upsert fail with ErrVersionConflict unless the document
// still exists at rev. It never creates a document.
func IfRevision(rev Revision) WriteOption {
	return func(o *WriteOptions) { o.IfRevision = &rev }
}

func WithRefresh(policy RefreshPolicy) WriteOption {
	return func(o *WriteOptions) { o.Refresh = policy }
}

func ApplyWriteOptions(opts ...WriteOption) WriteOptions {
	out := WriteOptions{Refresh: RefreshNone}
	for _, opt := range opts {
		opt(&out)
	}
	return out
}
