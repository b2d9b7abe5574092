package elastic_test

import (
	"context"
	"encoding/json"
	"errors"
	"io"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync"
	"sync/atomic"
	"testing"

	"rubric/internal/platform/search"
	"rubric/internal/platform/search/elastic"
)

type recordedRequest struct {
	Method string
	Path   string
	Query  map[string]string
	Body   string
}

type fakeCluster struct {
	mu       sync.Mutex
	requests []recordedRequest
	respond  func(r recordedRequest) (int, string)
}

func (f *fakeCluster) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	body, _ := io.ReadAll(r.Body)
	query := map[string]string{}
	for k, v := range r.URL.Query() {
		query[k] = v[0]
	}
	req := recordedRequest{Method: r.Method, Path: r.URL.Path, Query: query, Body: string(body)}
	f.mu.Lock()
	f.requests = append(f.requests, req)
	f.mu.Unlock()

	status, payload := f.respond(req)
	w.Header().Set("X-Elastic-Product", "Elasticsearch")
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_, _ = io.WriteString(w, payload)
}

func (f *fakeCluster) last() recordedRequest {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.requests[len(f.requests)-1]
}

func newWrapper(t *testing.T, respond func(recordedRequest) (int, string)) (*elastic.Wrapper, *fakeCluster) {
	t.Helper()
	cluster := &fakeCluster{respond: respond}
	srv := httptest.NewServer(cluster)
	t.Cleanup(srv.Close)
	w, err := elastic.Dial([]string{srv.URL})
	if err != nil {
		t.Fatalf("dial: %v", err)
	}
	return w, cluster
}

func TestUpsertCreateOnlySendsOpTypeAndRefresh(t *testing.T) {
	t.Parallel()
	w, cluster := newWrapper(t, func(recordedRequest) (int, string) {
		return http.StatusCreated, `{"_index":"idx","_id":"a","_version":1,"result":"created"}`
	})
	stored, err := w.Upsert(context.Background(), "idx", search.Document{ID: "a", Source: json.RawMessage(`{"name":"a"}`)},
		search.CreateOnly(), search.WithRefresh(search.RefreshWaitFor))
	if err != nil {
		t.Fatalf("upsert: %v", err)
	}
	if stored.ID != "a" || stored.Version != 1 {
		t.Fatalf("unexpected stored document: %+v", stored)
	}
	req := cluster.last()
	if req.Method != http.MethodPut || !strings.HasSuffix(req.Path, "/a") || !strings.HasPrefix(req.Path, "/idx/") {
		t.Fatalf("unexpected request %s %s", req.Method, req.Path)
	}
	if req.Query["op_type"] != "create" {
		t.Fatalf("expected op_type=create, got %q", req.Query["op_type"])
	}
	if req.Query["refresh"] != "wait_for" {
		t.Fatalf("expected refresh=wait_for, got %q", req.Query["refresh"])
	}
	if req.Body != `{"name":"a"}` {
		t.Fatalf("unexpected body %s", req.Body)
	}
}

func TestUpsertConflictMapsToErrConflict(t *testing.T) {
	t.Parallel()
	w, _ := newWrapper(t, func(recordedRequest) (int, string) {
		return http.StatusConflict, `{"error":{"type":"version_conflict_engine_exception","reason":"document already exists"},"status":409}`
	})
	_, err := w.Upsert(context.Background(), "idx", search.Document{ID: "a", Source: json.RawMessage(`{}`)}, search.CreateOnly())
	if !errors.Is(err, search.ErrConflict) {
		t.Fatalf("expected conflict, got %v", err)
	}
}

func TestGetFoundAndMissing(t *testing.T) {
	t.Parallel()
	w, _ := newWrapper(t, func(req recordedRequest) (int, string) {
		if strings.HasSuffix(req.Path, "/missing") {
			return http.StatusNotFound, `{"_index":"idx","_id":"missing","found":false}`
		}
		return http.StatusOK, `{"_index":"idx","_id":"a","_version":3,"_seq_no":7,"_primary_term":2,"found":true,"_source":{"name":"a"}}`
	})
	got, err := w.Get(context.Background(), "idx", "a")
	if err != nil {
		t.Fatalf("get: %v", err)
	}
	if got.ID != "a" || got.Version != 3 || got.SeqNo != 7 || got.PrimaryTerm != 2 || string(got.Source) != `{"name":"a"}` {
		t.Fatalf("unexpected document: %+v", got)
	}
	if _, err := w.Get(context.Background(), "idx", "missing"); !errors.Is(err, search.ErrNotFound) {
		t.Fatalf("expected not found, got %v", err)
	}
}

func TestSearchBuildsTermsFilterQuery(t *testing.T) {
	t.Parallel()
	w, cluster := newWrapper(t, func(recordedRequest) (int, string) {
		return http.StatusOK, `{"hits":{"total":{"value":1},"hits":[{"_index":"idx","_id":"a","_version":2,"_source":{"name":"a"}}]}}`
	})
	hits, err := w.Search(context.Background(), "idx", search.Query{
		Filters: []search.Filter{search.Term("name", "a")},
		Sort:    []search.Sort{{Field: "created_at"}},
	})
	if err != nil {
		t.Fatalf("search: %v", err)
	}
	if len(hits) != 1 || hits[0].ID != "a" || hits[0].Version != 2 {
		t.Fatalf("unexpected hits: %+v", hits)
	}

	req := cluster.last()
	if !strings.HasPrefix(req.Path, "/idx/_search") {
		t.Fatalf("unexpected search path %s", req.Path)
	}
	var body struct {
		Size    int  `json:"size"`
		Version bool `json:"version"`
		Query   struct {
			Bool struct {
				Filter []map[string]map[string][]string `json:"filter"`
			} `json:"bool"`
		} `json:"query"`
		Sort []map[string]map[string]string `json:"sort"`
	}
	if err := json.Unmarshal([]byte(req.Body), &body); err != nil {
		t.Fatalf("decode search body %s: %v", req.Body, err)
	}
	if !body.Version || body.Size != search.DefaultSize {
		t.Fatalf("expected version and default size, got %+v", body)
	}
	if len(body.Query.Bool.Filter) != 1 || body.Query.Bool.Filter[0]["terms"]["name"][0] != "a" {
		t.Fatalf("unexpected filter: %+v", body.Query.Bool.Filter)
	}
	if len(body.Sort) != 1 || body.Sort[0]["created_at"]["order"] != "asc" {
		t.Fatalf("unexpected sort: %+v", body.Sort)
	}
}

func TestSearchMissingIndexIsEmpty(t *testing.T) {
	t.Parallel()
	w, _ := newWrapper(t, func(recordedRequest) (int, string) {
		return http.StatusNotFound, `{"error":{"type":"index_not_found_exception","reason":"no such index"},"status":404}`
	})
	hits, err := w.Search(context.Background(), "idx", search.Query{})
	if err != nil {
		t.Fatalf("search: %v", err)
	}
	if len(hits) != 0 {
		t.Fatalf("expected no hits, got %d", len(hits))
	}
}

func TestServerErrorsAreUnavailable(t *testing.T) {
	t.Parallel()
	w, _ := newWrapper(t, func(recordedRequest) (int, string) {
		return http.StatusInternalServerError, `{"error":{"type":"exception","reason":"boom"},"status":500}`
	})
	if _, err := w.Get(context.Background(), "idx", "a"); !errors.Is(err, search.ErrUnavailable) {
		t.Fatalf("expected unavailable on 500, got %v", err)
	}
	if err := w.Refresh(context.Background(), "idx"); !errors.Is(err, search.ErrUnavailable) {
		t.Fatalf("expected unavailable refresh, got %v", err)
	}
}

func TestUnreachableClusterIsUnavailable(t *testing.T) {
	t.Parallel()
	srv := httptest.NewServer(http.NotFoundHandler())
	addr := srv.URL
	srv.Close()

	w, err := elastic.Dial([]string{addr})
	if err != nil {
		t.Fatalf("dial: %v", err)
	}
	if _, err := w.Get(context.Background(), "idx", "a"); !errors.Is(err, search.ErrUnavailable) {
		t.Fatalf("expected unavailable, got %v", err)
	}
}

func TestEnsureIndexCreatesMissingIndex(t *testing.T) {
	t.Parallel()
	w, cluster := newWrapper(t, func(req recordedRequest) (int, string) {
		if req.Method == http.MethodHead {
			return http.StatusNotFound, ``
		}
		return http.StatusOK, `{"acknowledged":true,"shards_acknowledged":true,"index":"idx"}`
	})
	mapping := json.RawMessage(`{"mappings":{"properties":{"name":{"type":"keyword"}}}}`)
	if err := w.EnsureIndex(context.Background(), "idx", mapping); err != nil {
		t.Fatalf("ensure index: %v", err)
	}
	req := cluster.last()
	if req.Method != http.MethodPut || req.Path != "/idx" {
		t.Fatalf("expected index creation, got %s %s", req.Method, req.Path)
	}
	if req.Body != string(mapping) {
		t.Fatalf("expected mapping body, got %s", req.Body)
	}
}

func TestEnsureIndexToleratesCreationRace(t *testing.T) {
	t.Parallel()
	w, _ := newWrapper(t, func(req recordedRequest) (int, string) {
		if req.Method == http.MethodHead {
			return http.StatusNotFound, ``
		}
		return http.StatusBadRequest, `{"error":{"type":"resource_already_exists_exception","reason":"index [idx] already exists"},"status":400}`
	})
	if err := w.EnsureIndex(context.Background(), "idx", nil); err != nil {
		t.Fatalf("ensure index should accept an existing index: %v", err)
	}
}

func TestUpsertIfRevisionSendsSeqNoAndMapsConflict(t *testing.T) {
	t.Parallel()
	var conflict atomic.Bool
	w, cluster := newWrapper(t, func(recordedRequest) (int, string) {
		if conflict.Load() {
			return http.StatusConflict, `{"error":{"type":"version_conflict_engine_exception","reason":"required seqNo [7], primary term [2] but no document was found"},"status":409}`
		}
		return http.StatusOK, `{"_index":"idx","_id":"a","_version":4,"_seq_no":8,"_primary_term":2,"result":"updated"}`
	})
	rev := search.Revision{Version: 3, SeqNo: 7, PrimaryTerm: 2}
	stored, err := w.Upsert(context.Background(), "idx", search.Document{ID: "a", Source: json.RawMessage(`{}`)}, search.IfRevision(rev))
	if err != nil {
		t.Fatalf("conditional upsert: %v", err)
	}
	if stored.Version != 4 || stored.SeqNo != 8 {
		t.Fatalf("unexpected stored document: %+v", stored)
	}
	req := cluster.last()
	if req.Query["if_seq_no"] != "7" || req.Query["if_primary_term"] != "2" {
		t.Fatalf("expected seq_no precondition, got %v", req.Query)
	}
	if _, ok := req.Query["op_type"]; ok {
		t.Fatalf("conditional write must not use op_type, got %v", req.Query)
	}

	conflict.Store(true)
	_, err = w.Upsert(context.Background(), "idx", search.Document{ID: "a", Source: json.RawMessage(`{}`)}, search.IfRevision(rev))
	if !errors.Is(err, search.ErrVersionConflict) {
		t.Fatalf("expected version conflict, got %v", err)
	}
}
