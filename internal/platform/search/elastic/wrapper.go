// Package elastic implements search.Wrapper on Elasticsearch 8.
package elastic

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"

	elasticsearch "github.com/elastic/go-elasticsearch/v8"
	"github.com/elastic/go-elasticsearch/v8/esapi"

	"rubric/internal/platform/search"
)

// Wrapper talks to a cluster through the official client. The client owns the
// connection pool; Close is a no-op.
type Wrapper struct {
	client *elasticsearch.Client
}

// New wraps an existing client.
func New(client *elasticsearch.Client) (*Wrapper, error) {
	if client == nil {
		return nil, fmt.Errorf("client must not be nil")
	}
	return &Wrapper{client: client}, nil
}

// Dial builds a client for the given node addresses.
func Dial(addresses []string) (*Wrapper, error) {
	if len(addresses) == 0 {
		return nil, fmt.Errorf("at least one elasticsearch address is required")
	}
	client, err := elasticsearch.NewClient(elasticsearch.Config{Addresses: addresses})
	if err != nil {
		return nil, fmt.Errorf("new elasticsearch client: %w", err)
	}
	return New(client)
}

func (w *Wrapper) EnsureIndex(ctx context.Context, index string, mapping json.RawMessage) error {
	res, err := w.client.Indices.Exists([]string{index}, w.client.Indices.Exists.WithContext(ctx))
	if err != nil {
		return unavailable("index exists", err)
	}
	drain(res)
	switch {
	case res.StatusCode == http.StatusOK:
		return nil
	case res.StatusCode != http.StatusNotFound:
		return statusError("index exists", res)
	}

	opts := []func(*esapi.IndicesCreateRequest){w.client.Indices.Create.WithContext(ctx)}
	if len(mapping) > 0 {
		opts = append(opts, w.client.Indices.Create.WithBody(bytes.NewReader(mapping)))
	}
	res, err = w.client.Indices.Create(index, opts...)
	if err != nil {
		return unavailable("create index", err)
	}
	defer drain(res)
	if res.StatusCode == http.StatusBadRequest {
		// Lost a creation race with another writer.
		var body errorBody
		if decodeErr := json.NewDecoder(res.Body).Decode(&body); decodeErr == nil && body.Error.Type == "resource_already_exists_exception" {
			return nil
		}
	}
	if res.IsError() {
		return statusError("create index", res)
	}
	return nil
}

func (w *Wrapper) Upsert(ctx context.Context, index string, doc search.Document, opts ...search.WriteOption) (search.Document, error) {
	if doc.ID == "" {
		return search.Document{}, fmt.Errorf("document id is required")
	}
	options := search.ApplyWriteOptions(opts...)
	reqOpts := []func(*esapi.IndexRequest){
		w.client.Index.WithContext(ctx),
		w.client.Index.WithDocumentID(doc.ID),
	}
	switch {
	case options.IfRevision != nil:
		reqOpts = append(reqOpts,
			w.client.Index.WithIfSeqNo(int(options.IfRevision.SeqNo)),
			w.client.Index.WithIfPrimaryTerm(int(options.IfRevision.PrimaryTerm)),
		)
	case options.CreateOnly:
		reqOpts = append(reqOpts, w.client.Index.WithOpType("create"))
	}
	if options.Refresh != "" && options.Refresh != search.RefreshNone {
		reqOpts = append(reqOpts, w.client.Index.WithRefresh(string(options.Refresh)))
	}

	res, err := w.client.Index(index, bytes.NewReader(doc.Source), reqOpts...)
	if err != nil {
		return search.Document{}, unavailable("index document", err)
	}
	defer drain(res)
	if res.StatusCode == http.StatusConflict {
		// With if_seq_no a missing document conflicts as well.
		if options.IfRevision != nil {
			return search.Document{}, fmt.Errorf("document %s/%s at seq_no %d: %w", index, doc.ID, options.IfRevision.SeqNo, search.ErrVersionConflict)
		}
		return search.Document{}, fmt.Errorf("document %s/%s: %w", index, doc.ID, search.ErrConflict)
	}
	if res.IsError() {
		return search.Document{}, statusError("index document", res)
	}

	var body hit
	if err := json.NewDecoder(res.Body).Decode(&body); err != nil {
		return search.Document{}, fmt.Errorf("decode index response: %w", err)
	}
	body.Source = doc.Source
	return body.document(), nil
}

func (w *Wrapper) Get(ctx context.Context, index, id string) (search.Document, error) {
	res, err := w.client.Get(index, id, w.client.Get.WithContext(ctx))
	if err != nil {
		return search.Document{}, unavailable("get document", err)
	}
	defer drain(res)
	if res.StatusCode == http.StatusNotFound {
		return search.Document{}, fmt.Errorf("document %s/%s: %w", index, id, search.ErrNotFound)
	}
	if res.IsError() {
		return search.Document{}, statusError("get document", res)
	}

	var body hit
	if err := json.NewDecoder(res.Body).Decode(&body); err != nil {
		return search.Document{}, fmt.Errorf("decode get response: %w", err)
	}
	return body.document(), nil
}

func (w *Wrapper) Search(ctx context.Context, index string, query search.Query) ([]search.Document, error) {
	if err := query.Validate(); err != nil {
		return nil, err
	}
	payload, err := json.Marshal(searchBody(query))
	if err != nil {
		return nil, fmt.Errorf("encode search body: %w", err)
	}
	res, err := w.client.Search(
		w.client.Search.WithContext(ctx),
		w.client.Search.WithIndex(index),
		w.client.Search.WithBody(bytes.NewReader(payload)),
	)
	if err != nil {
		return nil, unavailable("search", err)
	}
	defer drain(res)
	if res.StatusCode == http.StatusNotFound {
		return nil, nil
	}
	if res.IsError() {
		return nil, statusError("search", res)
	}

	var body struct {
		Hits struct {
			Hits []hit `json:"hits"`
		} `json:"hits"`
	}
	if err := json.NewDecoder(res.Body).Decode(&body); err != nil {
		return nil, fmt.Errorf("decode search response: %w", err)
	}
	out := make([]search.Document, 0, len(body.Hits.Hits))
	for _, h := range body.Hits.Hits {
		out = append(out, h.document())
	}
	return out, nil
}

func (w *Wrapper) Delete(ctx context.Context, index, id string, opts ...search.WriteOption) error {
	options := search.ApplyWriteOptions(opts...)
	reqOpts := []func(*esapi.DeleteRequest){w.client.Delete.WithContext(ctx)}
	if options.Refresh != "" && options.Refresh != search.RefreshNone {
		reqOpts = append(reqOpts, w.client.Delete.WithRefresh(string(options.Refresh)))
	}
	res, err := w.client.Delete(index, id, reqOpts...)
	if err != nil {
		return unavailable("delete document", err)
	}
	defer drain(res)
	if res.StatusCode == http.StatusNotFound {
		return fmt.Errorf("document %s/%s: %w", index, id, search.ErrNotFound)
	}
	if res.IsError() {
		return statusError("delete document", res)
	}
	return nil
}

func (w *Wrapper) Refresh(ctx context.Context, index string) error {
	res, err := w.client.Indices.Refresh(
		w.client.Indices.Refresh.WithContext(ctx),
		w.client.Indices.Refresh.WithIndex(index),
	)
	if err != nil {
		return unavailable("refresh", err)
	}
	defer drain(res)
	if res.StatusCode == http.StatusNotFound {
		return fmt.Errorf("index %s: %w", index, search.ErrNotFound)
	}
	if res.IsError() {
		return statusError("refresh", res)
	}
	return nil
}

func (w *Wrapper) Close() error {
	return nil
}

type hit struct {
	ID          string          `json:"_id"`
	Version     int64           `json:"_version"`
	SeqNo       int64           `json:"_seq_no"`
	PrimaryTerm int64           `json:"_primary_term"`
	Source      json.RawMessage `json:"_source"`
}

func (h hit) document() search.Document {
	return search.Document{ID: h.ID, Version: h.Version, SeqNo: h.SeqNo, PrimaryTerm: h.PrimaryTerm, Source: h.Source}
}

type errorBody struct {
	Error struct {
		Type   string `json:"type"`
		Reason string `json:"reason"`
	} `json:"error"`
}

func searchBody(query search.Query) map[string]any {
	filters := make([]any, 0, len(query.Filters))
	for _, f := range query.Filters {
		values := f.Values
		if values == nil {
			values = []string{}
		}
		filters = append(filters, map[string]any{"terms": map[string]any{f.Field: values}})
	}
	sorts := make([]any, 0, len(query.Sort))
	for _, s := range query.Sort {
		order := "asc"
		if s.Desc {
			order = "desc"
		}
		sorts = append(sorts, map[string]any{s.Field: map[string]any{"order": order}})
	}
	body := map[string]any{
		"size":                query.Limit(),
		"version":             true,
		"seq_no_primary_term": true,
		"query":               map[string]any{"bool": map[string]any{"filter": filters}},
	}
	if len(sorts) > 0 {
		body["sort"] = sorts
	}
	return body
}

func unavailable(op string, err error) error {
	return fmt.Errorf("%s: %w: %w", op, search.ErrUnavailable, err)
}

// statusError classifies an error response. 429 and 5xx mean the cluster
// cannot serve right now.
func statusError(op string, res *esapi.Response) error {
	if res.StatusCode == http.StatusTooManyRequests || res.StatusCode >= http.StatusInternalServerError {
		return fmt.Errorf("%s: %w: status %d", op, search.ErrUnavailable, res.StatusCode)
	}
	return errors.New(op + ": " + res.String())
}

func drain(res *esapi.Response) {
	if res == nil || res.Body == nil {
		return
	}
	_, _ = io.Copy(io.Discard, res.Body)
	_ = res.Body.Close()
}
