package main

import (
	"bytes"
	"encoding/json"
	"errors"
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"gopkg.in/yaml.v3"

	"rubric/internal/modules/datasets/dto"
	apperrors "rubric/internal/platform/errors"
)

func run(t *testing.T, dataDir string, args ...string) (string, string, error) {
	t.Helper()
	var stdout, stderr bytes.Buffer
	root := newRootCmd()
	root.SetOut(&stdout)
	root.SetErr(&stderr)
	root.SetArgs(append([]string{"--data-dir", dataDir}, args...))
	err := root.Execute()
	return stdout.String(), stderr.String(), err
}

func TestDatasetLifecycleThroughCLI(t *testing.T) {
	t.Parallel()
	dataDir := t.TempDir()

	out, _, err := run(t, dataDir, "dataset", "create", "reviews", "--owner", "other", "--tag", "lang=en", "-o", "json")
	if err != nil {
		t.Fatalf("create: %v", err)
	}
	var created dto.DatasetOutput
	if err := json.Unmarshal([]byte(out), &created); err != nil {
		t.Fatalf("decode create output %q: %v", out, err)
	}
	if created.Name != "reviews" || created.Owner != "other" || created.Task != "TextClassification" || created.Tags["lang"] != "en" {
		t.Fatalf("unexpected created dataset: %+v", created)
	}
	if _, err := os.Stat(filepath.Join(dataDir, ".rubric", "index.db")); err != nil {
		t.Fatalf("expected index database under data dir: %v", err)
	}

	if _, _, err := run(t, dataDir, "dataset", "create", "reviews"); !errors.Is(err, apperrors.ErrDuplicateName) {
		t.Fatalf("expected duplicate name, got %v", err)
	}

	out, _, err = run(t, dataDir, "index", "refresh")
	if err != nil {
		t.Fatalf("refresh: %v", err)
	}
	if strings.TrimSpace(out) != "refreshed" {
		t.Fatalf("unexpected refresh output %q", out)
	}

	out, _, err = run(t, dataDir, "dataset", "show", "reviews", "--owner", "me", "-o", "yaml")
	if err != nil {
		t.Fatalf("show: %v", err)
	}
	var shown dto.DatasetOutput
	if err := yaml.Unmarshal([]byte(out), &shown); err != nil {
		t.Fatalf("decode show output %q: %v", out, err)
	}
	if shown.ID != created.ID || shown.Owner != "other" || shown.Version != created.Version {
		t.Fatalf("show with another owner should return the stored dataset, got %+v", shown)
	}

	out, _, err = run(t, dataDir, "dataset", "list")
	if err != nil {
		t.Fatalf("list: %v", err)
	}
	if !strings.HasPrefix(out, "reviews\tother\tTextClassification\t") {
		t.Fatalf("unexpected list output %q", out)
	}
	out, _, err = run(t, dataDir, "dataset", "list", "--owner", "me")
	if err != nil {
		t.Fatalf("list by owner: %v", err)
	}
	if strings.TrimSpace(out) != "no datasets" {
		t.Fatalf("unexpected filtered list output %q", out)
	}

	out, _, err = run(t, dataDir, "dataset", "update", "reviews", "--meta", "rows=3")
	if err != nil {
		t.Fatalf("update: %v", err)
	}
	if !strings.Contains(out, "version: 2") {
		t.Fatalf("expected bumped version in %q", out)
	}

	if _, _, err := run(t, dataDir, "dataset", "delete", "reviews"); err != nil {
		t.Fatalf("delete: %v", err)
	}
	if _, _, err := run(t, dataDir, "index", "refresh"); err != nil {
		t.Fatalf("refresh after delete: %v", err)
	}
	if _, _, err := run(t, dataDir, "dataset", "show", "reviews"); !errors.Is(err, apperrors.ErrNotFound) {
		t.Fatalf("expected not found after delete, got %v", err)
	}
}

func TestMetricsFlagWritesIndexCounters(t *testing.T) {
	t.Parallel()
	dataDir := t.TempDir()
	_, stderr, err := run(t, dataDir, "--metrics", "dataset", "show", "missing")
	if !errors.Is(err, apperrors.ErrNotFound) {
		t.Fatalf("expected not found, got %v", err)
	}
	if !strings.Contains(stderr, "# TYPE rubric_index_operations_total counter") {
		t.Fatalf("expected exposition format type line in %q", stderr)
	}
	if !strings.Contains(stderr, `rubric_index_operations_total{op="search",result="ok"} 1`) {
		t.Fatalf("expected search counter in %q", stderr)
	}
	if !strings.Contains(stderr, `rubric_index_operation_duration_seconds_count{op="search"} 1`) {
		t.Fatalf("expected search latency histogram in %q", stderr)
	}
}

func TestDatasetSurfacesInLaterCommandAfterRefreshInterval(t *testing.T) {
	t.Parallel()
	dataDir := t.TempDir()
	if err := os.WriteFile(filepath.Join(dataDir, "rubric.yaml"), []byte("refresh_interval: 50ms\n"), 0o644); err != nil {
		t.Fatalf("write config: %v", err)
	}

	if _, _, err := run(t, dataDir, "dataset", "create", "reviews", "--owner", "other"); err != nil {
		t.Fatalf("create: %v", err)
	}
	time.Sleep(300 * time.Millisecond)

	out, _, err := run(t, dataDir, "dataset", "show", "reviews", "--owner", "me")
	if err != nil {
		t.Fatalf("show after the refresh interval: %v", err)
	}
	if !strings.Contains(out, "name: reviews") || !strings.Contains(out, "owner: other") {
		t.Fatalf("unexpected show output %q", out)
	}
}

func TestConfigFileSelectsUnknownBackend(t *testing.T) {
	t.Parallel()
	dataDir := t.TempDir()
	if err := os.WriteFile(filepath.Join(dataDir, "rubric.yaml"), []byte("backend: cassandra\n"), 0o644); err != nil {
		t.Fatalf("write config: %v", err)
	}
	if _, _, err := run(t, dataDir, "index", "refresh"); err == nil {
		t.Fatalf("expected unknown backend to be rejected")
	}
}

func TestUnsupportedOutputFormat(t *testing.T) {
	t.Parallel()
	dataDir := t.TempDir()
	if _, _, err := run(t, dataDir, "dataset", "create", "x", "-o", "xml"); err == nil {
		t.Fatalf("expected unsupported output format error")
	}
}
