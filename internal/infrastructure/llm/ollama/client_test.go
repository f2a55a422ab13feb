package ollama

import (
	"context"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/procurelens/tendersearch/internal/core/domain"
	"github.com/procurelens/tendersearch/internal/infrastructure/resilience"
)

func newTestClassifier(baseURL string) *Classifier {
	exec := resilience.NewExecutor(resilience.Config{
		RetryMaxAttempts:    1,
		RetryInitialBackoff: time.Millisecond,
		BreakerEnabled:      false,
	})
	return NewClassifier(New(baseURL, "test-model", exec))
}

func testSector() domain.Sector {
	return domain.Sector{
		ID:          "construction",
		Name:        "Construction",
		Description: "Civil works and building contracts",
		Keywords:    []string{"bridge", "road"},
	}
}

func TestClassifyAmbiguousParsesVerdict(t *testing.T) {
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.URL.Path != "/api/generate" {
			t.Errorf("unexpected path %s", r.URL.Path)
		}
		_, _ = w.Write([]byte(`{"response":"{\"relevant\":true,\"confidence\":0.83,\"reason\":\"civil works\"}"}`))
	}))
	defer server.Close()

	accept, confidence, err := newTestClassifier(server.URL).ClassifyAmbiguous(
		context.Background(), domain.Opportunity{Title: "Bridge repair"}, testSector())
	if err != nil {
		t.Fatalf("classify: %v", err)
	}
	if !accept {
		t.Fatalf("expected accept verdict")
	}
	if confidence != 0.83 {
		t.Fatalf("expected confidence 0.83, got %v", confidence)
	}
}

func TestClassifyAmbiguousToleratesProseAroundJSON(t *testing.T) {
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) {
		_, _ = w.Write([]byte(`{"response":"Sure! {\"relevant\":false,\"confidence\":0.4,\"reason\":\"unrelated\"} hope that helps"}`))
	}))
	defer server.Close()

	accept, _, err := newTestClassifier(server.URL).ClassifyAmbiguous(
		context.Background(), domain.Opportunity{Title: "Office chairs"}, testSector())
	if err != nil {
		t.Fatalf("classify: %v", err)
	}
	if accept {
		t.Fatalf("expected reject verdict")
	}
}

func TestClassifyAmbiguousWrapsTemporaryOnServerError(t *testing.T) {
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) {
		w.WriteHeader(http.StatusServiceUnavailable)
	}))
	defer server.Close()

	_, _, err := newTestClassifier(server.URL).ClassifyAmbiguous(
		context.Background(), domain.Opportunity{Title: "Bridge repair"}, testSector())
	if !domain.IsKind(err, domain.ErrTemporary) {
		t.Fatalf("expected ErrTemporary, got %v", err)
	}
}
