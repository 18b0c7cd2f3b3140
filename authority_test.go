package fieldsync

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/rs/zerolog"
)

type failingTokenSource struct{}

func (failingTokenSource) Token(context.Context) (string, error) {
	return "", errors.New("no credentials")
}

func TestFunctionAuthority(t *testing.T) {
	var gotAuth string
	var gotPayload map[string]any
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		gotAuth = r.Header.Get("Authorization")
		if err := json.NewDecoder(r.Body).Decode(&gotPayload); err != nil {
			t.Errorf("bad payload: %v", err)
		}
		json.NewEncoder(w).Encode(map[string]any{
			"exp_1_Lab_Freezer":      "2024-03-01 10:00:00",
			"exp_2_Light_Experiment": 0,
			"exp_ignored_by_gateway": "2024-01-01 00:00:00",
		})
	}))
	defer srv.Close()

	auth := NewFunctionAuthority(AuthorityConfig{URL: srv.URL},
		"GrowthRoom", "d83adde2608f", StaticTokenSource("tok-1"), zerolog.Nop())

	experiments := []string{"exp_1_Lab_Freezer_DATA", "exp_2_Light_Experiment_DATA"}
	synced := auth.LastSynced(context.Background(), experiments)

	if gotAuth != "Bearer tok-1" {
		t.Errorf("expected bearer token, got %q", gotAuth)
	}
	if gotPayload["owner"] != "GrowthRoom" || gotPayload["mac_address"] != "d83adde2608f" {
		t.Errorf("expected device identity in payload, got %v", gotPayload)
	}
	names, _ := gotPayload["experiment_names"].([]any)
	if len(names) != 2 || names[0] != "exp_1_Lab_Freezer" || names[1] != "exp_2_Light_Experiment" {
		t.Errorf("expected trimmed experiment names, got %v", gotPayload["experiment_names"])
	}

	want := time.Date(2024, 3, 1, 10, 0, 0, 0, time.UTC)
	if !synced["exp_1_Lab_Freezer_DATA"].Equal(want) {
		t.Errorf("expected %v, got %v", want, synced["exp_1_Lab_Freezer_DATA"])
	}
	// Numeric zero means the cloud has never seen the experiment.
	if !synced["exp_2_Light_Experiment_DATA"].IsZero() {
		t.Errorf("expected zero time for unseen experiment, got %v", synced["exp_2_Light_Experiment_DATA"])
	}
	if len(synced) != 2 {
		t.Errorf("expected answers keyed by local table names only, got %v", synced)
	}
}

func TestFunctionAuthorityServerError(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		http.Error(w, "boom", http.StatusInternalServerError)
	}))
	defer srv.Close()

	auth := NewFunctionAuthority(AuthorityConfig{URL: srv.URL},
		"GrowthRoom", "d83adde2608f", StaticTokenSource("tok-1"), zerolog.Nop())

	synced := auth.LastSynced(context.Background(), []string{"exp_1_DATA"})
	if len(synced) != 1 || !synced["exp_1_DATA"].IsZero() {
		t.Errorf("expected zero fallback on server error, got %v", synced)
	}
}

func TestFunctionAuthorityUnreachable(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {}))
	srv.Close() // Nothing is listening anymore.

	auth := NewFunctionAuthority(AuthorityConfig{URL: srv.URL},
		"GrowthRoom", "d83adde2608f", StaticTokenSource("tok-1"), zerolog.Nop())

	synced := auth.LastSynced(context.Background(), []string{"exp_1_DATA"})
	if !synced["exp_1_DATA"].IsZero() {
		t.Errorf("expected zero fallback when unreachable, got %v", synced)
	}
}

func TestFunctionAuthorityUnparsableValue(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		json.NewEncoder(w).Encode(map[string]any{"exp_1": "around noon"})
	}))
	defer srv.Close()

	auth := NewFunctionAuthority(AuthorityConfig{URL: srv.URL},
		"GrowthRoom", "d83adde2608f", StaticTokenSource("tok-1"), zerolog.Nop())

	synced := auth.LastSynced(context.Background(), []string{"exp_1_DATA"})
	if !synced["exp_1_DATA"].IsZero() {
		t.Errorf("expected zero fallback for unparsable value, got %v", synced)
	}
}

func TestFunctionAuthorityTokenFailure(t *testing.T) {
	hits := 0
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		hits++
	}))
	defer srv.Close()

	auth := NewFunctionAuthority(AuthorityConfig{URL: srv.URL},
		"GrowthRoom", "d83adde2608f", failingTokenSource{}, zerolog.Nop())

	synced := auth.LastSynced(context.Background(), []string{"exp_1_DATA"})
	if !synced["exp_1_DATA"].IsZero() {
		t.Errorf("expected zero fallback on token failure, got %v", synced)
	}
	if hits != 0 {
		t.Errorf("expected no request without a token, got %d", hits)
	}
}

func TestFunctionAuthorityNoExperiments(t *testing.T) {
	hits := 0
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		hits++
	}))
	defer srv.Close()

	auth := NewFunctionAuthority(AuthorityConfig{URL: srv.URL},
		"GrowthRoom", "d83adde2608f", StaticTokenSource("tok-1"), zerolog.Nop())

	if synced := auth.LastSynced(context.Background(), nil); len(synced) != 0 {
		t.Errorf("expected empty answer, got %v", synced)
	}
	if hits != 0 {
		t.Errorf("expected no request for no experiments, got %d", hits)
	}
}

func TestCloudStoreAuthority(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.URL.Path != "/v1/collections/last-timestamps" {
			t.Errorf("unexpected path %s", r.URL.Path)
		}
		json.NewEncoder(w).Encode(map[string]any{
			"exp_1_Lab_Freezer": "2024-03-01T10:00:00Z",
		})
	}))
	defer srv.Close()

	store := NewCloudStore(CloudStoreConfig{URL: srv.URL})
	auth := NewCloudStoreAuthority(store, zerolog.Nop())

	synced := auth.LastSynced(context.Background(), []string{"exp_1_Lab_Freezer_DATA", "exp_2_DATA"})

	want := time.Date(2024, 3, 1, 10, 0, 0, 0, time.UTC)
	if !synced["exp_1_Lab_Freezer_DATA"].Equal(want) {
		t.Errorf("expected %v, got %v", want, synced["exp_1_Lab_Freezer_DATA"])
	}
	if !synced["exp_2_DATA"].IsZero() {
		t.Errorf("expected zero for unknown experiment, got %v", synced["exp_2_DATA"])
	}
}
