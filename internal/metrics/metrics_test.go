package metrics

import (
	"net/http/httptest"
	"os"
	"path/filepath"
	"strings"
	"testing"

	"github.com/prometheus/client_golang/prometheus/testutil"
)

func TestCountersAndTextfile(t *testing.T) {
	m := New("test")
	m.IncBuild("full", "success")
	m.IncBuild("full", "success")
	m.AddBundle("full", 2048)
	m.AddRevertDecision("reverted", 3)
	m.SetCatalog(10, 512, 2)

	if got := testutil.ToFloat64(m.BuildsTotal.WithLabelValues("full", "success")); got != 2 {
		t.Errorf("builds_total = %v, want 2", got)
	}
	if got := testutil.ToFloat64(m.RevertDecisions.WithLabelValues("reverted")); got != 3 {
		t.Errorf("revert_decisions_total = %v, want 3", got)
	}
	if got := testutil.ToFloat64(m.CatalogEntries); got != 10 {
		t.Errorf("catalog_entries = %v, want 10", got)
	}

	path := filepath.Join(t.TempDir(), "catalog.prom")
	if err := m.WriteTextfile(path); err != nil {
		t.Fatalf("WriteTextfile: %v", err)
	}
	data, err := os.ReadFile(path)
	if err != nil {
		t.Fatalf("read textfile: %v", err)
	}
	if !strings.Contains(string(data), "test_builds_total") {
		t.Errorf("textfile missing builds_total:\n%s", data)
	}
}

func TestHandlerServesRegistry(t *testing.T) {
	m := New("")
	m.IncStorageErrors("local")

	rec := httptest.NewRecorder()
	m.Handler().ServeHTTP(rec, httptest.NewRequest("GET", "/metrics", nil))
	if !strings.Contains(rec.Body.String(), `content_catalog_storage_errors_total{backend="local"} 1`) {
		t.Errorf("unexpected exposition:\n%s", rec.Body.String())
	}
}

func TestInitSetsDefault(t *testing.T) {
	m := Init("init_test")
	if Get() != m {
		t.Error("Get() did not return the initialized metrics")
	}
}
