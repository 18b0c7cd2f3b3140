package fieldsync

import (
	"context"
	"encoding/json"
	"errors"
	"io"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"
)

func TestInsertMany(t *testing.T) {
	var gotPath, gotAuth, gotBody string
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		gotPath = r.URL.Path
		gotAuth = r.Header.Get("Authorization")
		body, _ := io.ReadAll(r.Body)
		gotBody = string(body)
		io.WriteString(w, `{"inserted":2,"errors":[{"index":1,"code":"duplicate_key","message":"E11000 duplicate key"}]}`)
	}))
	defer srv.Close()

	store := NewCloudStore(CloudStoreConfig{URL: srv.URL + "/", APIKey: "key-1"})

	docs := []map[string]any{
		{"_id": "aaaaaaaaaaaaaaaaaaaaaaaa", "TimeStamp": "2024-03-01T10:00:00Z"},
		{"_id": "bbbbbbbbbbbbbbbbbbbbbbbb", "TimeStamp": "2024-03-01T10:00:30Z"},
		{"_id": "cccccccccccccccccccccccc", "TimeStamp": "2024-03-01T10:01:00Z"},
	}
	result, err := store.InsertMany(context.Background(), "exp_1_Lab_Freezer_DATA", docs)
	if err != nil {
		t.Fatalf("InsertMany failed: %v", err)
	}

	if gotPath != "/v1/collections/exp_1_Lab_Freezer/bulk-insert" {
		t.Errorf("expected trimmed collection path, got %s", gotPath)
	}
	if gotAuth != "Bearer key-1" {
		t.Errorf("expected bearer auth, got %q", gotAuth)
	}
	if !strings.Contains(gotBody, `"ordered":false`) {
		t.Errorf("expected unordered insert, got %s", gotBody)
	}
	var sent struct {
		Documents []map[string]any `json:"documents"`
	}
	if err := json.Unmarshal([]byte(gotBody), &sent); err != nil || len(sent.Documents) != 3 {
		t.Errorf("expected 3 documents in body, got %s", gotBody)
	}

	if result.Inserted != 2 {
		t.Errorf("expected 2 inserted, got %d", result.Inserted)
	}
	if len(result.Failed) != 1 || result.Failed[0].Code != "duplicate_key" || result.Failed[0].Index != 1 {
		t.Errorf("expected the duplicate reported, got %+v", result.Failed)
	}
}

func TestInsertManyEmpty(t *testing.T) {
	hits := 0
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		hits++
	}))
	defer srv.Close()

	store := NewCloudStore(CloudStoreConfig{URL: srv.URL})
	result, err := store.InsertMany(context.Background(), "exp_1_DATA", nil)
	if err != nil {
		t.Fatalf("InsertMany failed: %v", err)
	}
	if result.Inserted != 0 || hits != 0 {
		t.Errorf("expected no request for an empty batch, got %d inserted, %d hits", result.Inserted, hits)
	}
}

func TestInsertManyServerError(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		http.Error(w, "overloaded", http.StatusServiceUnavailable)
	}))
	defer srv.Close()

	store := NewCloudStore(CloudStoreConfig{URL: srv.URL})
	_, err := store.InsertMany(context.Background(), "exp_1_DATA", []map[string]any{{"a": 1}})
	if err == nil {
		t.Fatal("expected error for 503")
	}

	var storeErr *CloudStoreError
	if !errors.As(err, &storeErr) {
		t.Fatalf("expected CloudStoreError, got %T", err)
	}
	if storeErr.StatusCode != http.StatusServiceUnavailable {
		t.Errorf("expected status 503, got %d", storeErr.StatusCode)
	}
	if storeErr.Experiment != "exp_1" {
		t.Errorf("expected trimmed experiment in error, got %q", storeErr.Experiment)
	}
	if !strings.Contains(storeErr.Message, "overloaded") {
		t.Errorf("expected body slice in error, got %q", storeErr.Message)
	}
}

func TestUpdateLabels(t *testing.T) {
	var gotPath, gotBody string
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		gotPath = r.URL.Path
		body, _ := io.ReadAll(r.Body)
		gotBody = string(body)
		io.WriteString(w, `{"matched":40,"modified":12}`)
	}))
	defer srv.Close()

	store := NewCloudStore(CloudStoreConfig{URL: srv.URL})
	modified, err := store.UpdateLabels(context.Background(), "exp_1_Lab_Freezer_DATA",
		"fe80::212:4b00:1ca4:8a8e", []string{"bench_a"}, nil)
	if err != nil {
		t.Fatalf("UpdateLabels failed: %v", err)
	}

	if gotPath != "/v1/collections/exp_1_Lab_Freezer/update-labels" {
		t.Errorf("expected trimmed collection path, got %s", gotPath)
	}
	if !strings.Contains(gotBody, `"lla":"fe80::212:4b00:1ca4:8a8e"`) {
		t.Errorf("expected sensor address in body, got %s", gotBody)
	}
	// A nil option slice clears the options rather than vanishing.
	if !strings.Contains(gotBody, `"label_options":[]`) {
		t.Errorf("expected empty label_options array, got %s", gotBody)
	}
	if modified != 12 {
		t.Errorf("expected 12 modified, got %d", modified)
	}
}

func TestLastTimestamps(t *testing.T) {
	var gotNames string
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		gotNames = r.URL.Query().Get("names")
		json.NewEncoder(w).Encode(map[string]any{
			"exp_1_Lab_Freezer":      "2024-03-01T10:00:00Z",
			"exp_2_Light_Experiment": 0,
		})
	}))
	defer srv.Close()

	store := NewCloudStore(CloudStoreConfig{URL: srv.URL})
	got, err := store.LastTimestamps(context.Background(),
		[]string{"exp_1_Lab_Freezer_DATA", "exp_2_Light_Experiment_DATA"})
	if err != nil {
		t.Fatalf("LastTimestamps failed: %v", err)
	}

	if gotNames != "exp_1_Lab_Freezer,exp_2_Light_Experiment" {
		t.Errorf("expected trimmed names in query, got %q", gotNames)
	}

	want := time.Date(2024, 3, 1, 10, 0, 0, 0, time.UTC)
	if !got["exp_1_Lab_Freezer_DATA"].Equal(want) {
		t.Errorf("expected answer keyed by local table name, got %v", got)
	}
	if _, ok := got["exp_2_Light_Experiment_DATA"]; ok {
		t.Error("expected numeric answer omitted")
	}
}

func TestLastTimestampsServerError(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		http.Error(w, "nope", http.StatusBadGateway)
	}))
	defer srv.Close()

	store := NewCloudStore(CloudStoreConfig{URL: srv.URL})
	if _, err := store.LastTimestamps(context.Background(), []string{"exp_1_DATA"}); err == nil {
		t.Fatal("expected error for 502")
	}
}

func TestCloudStoreNoAPIKey(t *testing.T) {
	var gotAuth string
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		gotAuth = r.Header.Get("Authorization")
		io.WriteString(w, `{"inserted":1}`)
	}))
	defer srv.Close()

	store := NewCloudStore(CloudStoreConfig{URL: srv.URL})
	if _, err := store.InsertMany(context.Background(), "exp_1_DATA", []map[string]any{{"a": 1}}); err != nil {
		t.Fatalf("InsertMany failed: %v", err)
	}
	if gotAuth != "" {
		t.Errorf("expected no auth header without a key, got %q", gotAuth)
	}
}
