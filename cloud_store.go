package fieldsync

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strings"
	"time"
)

// CloudStoreConfig configures the cloud document store client.
type CloudStoreConfig struct {
	// URL is the store's base endpoint, without a trailing slash.
	URL string

	// APIKey authenticates requests, sent as a bearer token. Empty leaves
	// requests unauthenticated.
	APIKey string

	// Timeout bounds each request. Bulk bodies run to several megabytes
	// over rural uplinks. Default: 2m.
	Timeout time.Duration
}

// BulkError describes one rejected document within a bulk insert.
// Duplicate-key rejections carry code "duplicate_key".
type BulkError struct {
	// Index is the document's position in the submitted batch.
	Index   int    `json:"index"`
	Code    string `json:"code"`
	Message string `json:"message"`
}

// Error implements the error interface, so a rejected document can travel
// anywhere an error can.
func (e BulkError) Error() string {
	return fmt.Sprintf("document %d rejected (%s): %s", e.Index, e.Code, e.Message)
}

// BulkResult is the outcome of an unordered bulk insert. Partial failure
// is an ordinary outcome, not an error: duplicate and malformed documents
// are counted and reported while the rest of the batch lands.
type BulkResult struct {
	Inserted int         `json:"inserted"`
	Failed   []BulkError `json:"errors,omitempty"`
}

// CloudStore talks to the cloud document store over its HTTP API. Each
// experiment maps to one collection under its trimmed name.
type CloudStore struct {
	config CloudStoreConfig
	client *http.Client
}

// NewCloudStore creates a document store client.
func NewCloudStore(config CloudStoreConfig) *CloudStore {
	if config.Timeout <= 0 {
		config.Timeout = 2 * time.Minute
	}
	config.URL = strings.TrimRight(config.URL, "/")
	return &CloudStore{
		config: config,
		client: &http.Client{Timeout: config.Timeout},
	}
}

// InsertMany uploads one rendered batch as an unordered bulk insert. The
// experiment name may carry the local data suffix; the collection uses
// the trimmed form.
func (c *CloudStore) InsertMany(ctx context.Context, experiment string, docs []map[string]any) (BulkResult, error) {
	if len(docs) == 0 {
		return BulkResult{}, nil
	}

	body := struct {
		Ordered   bool             `json:"ordered"`
		Documents []map[string]any `json:"documents"`
	}{
		Ordered:   false,
		Documents: docs,
	}

	path := "/v1/collections/" + url.PathEscape(TrimExperimentSuffix(experiment)) + "/bulk-insert"

	var result BulkResult
	if err := c.post(ctx, "bulk-insert", experiment, path, body, &result); err != nil {
		return BulkResult{}, err
	}
	return result, nil
}

// UpdateLabels stamps every document of a sensor in an experiment's
// collection with the given label state and returns the modified count.
// Nil slices clear the labels rather than being skipped.
func (c *CloudStore) UpdateLabels(ctx context.Context, experiment, lla string, labels, options []string) (int64, error) {
	if labels == nil {
		labels = []string{}
	}
	if options == nil {
		options = []string{}
	}

	body := struct {
		LLA          string   `json:"lla"`
		Labels       []string `json:"labels"`
		LabelOptions []string `json:"label_options"`
	}{
		LLA:          lla,
		Labels:       labels,
		LabelOptions: options,
	}

	path := "/v1/collections/" + url.PathEscape(TrimExperimentSuffix(experiment)) + "/update-labels"

	var result struct {
		Matched  int64 `json:"matched"`
		Modified int64 `json:"modified"`
	}
	if err := c.post(ctx, "update-labels", experiment, path, body, &result); err != nil {
		return 0, err
	}
	return result.Modified, nil
}

// LastTimestamps returns the newest document TimeStamp per experiment
// among what the store already holds. Keys in the result use the local
// table names; experiments the store has never seen are omitted.
func (c *CloudStore) LastTimestamps(ctx context.Context, experiments []string) (map[string]time.Time, error) {
	names := make([]string, 0, len(experiments))
	for _, exp := range experiments {
		names = append(names, TrimExperimentSuffix(exp))
	}

	endpoint := c.config.URL + "/v1/collections/last-timestamps?names=" +
		url.QueryEscape(strings.Join(names, ","))

	req, err := http.NewRequestWithContext(ctx, http.MethodGet, endpoint, nil)
	if err != nil {
		return nil, &CloudStoreError{Op: "last-timestamps", Cause: err}
	}
	if c.config.APIKey != "" {
		req.Header.Set("Authorization", "Bearer "+c.config.APIKey)
	}

	resp, err := c.client.Do(req)
	if err != nil {
		return nil, &CloudStoreError{Op: "last-timestamps", Cause: err}
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		msg, _ := io.ReadAll(io.LimitReader(resp.Body, 4096))
		return nil, &CloudStoreError{
			Op:         "last-timestamps",
			StatusCode: resp.StatusCode,
			Message:    strings.TrimSpace(string(msg)),
		}
	}

	var answers map[string]any
	if err := json.NewDecoder(resp.Body).Decode(&answers); err != nil {
		return nil, &CloudStoreError{Op: "last-timestamps", Cause: fmt.Errorf("invalid response: %w", err)}
	}

	result := make(map[string]time.Time)
	for _, exp := range experiments {
		text, ok := answers[TrimExperimentSuffix(exp)].(string)
		if !ok {
			continue
		}
		if ts, err := time.Parse(TimestampLayout, text); err == nil {
			result[exp] = ts
		}
	}
	return result, nil
}

// post sends a JSON body and decodes a JSON answer. Responses outside the
// 2xx range become CloudStoreErrors carrying the status and a bounded
// slice of the body.
func (c *CloudStore) post(ctx context.Context, op, experiment, path string, body, result any) error {
	trimmed := TrimExperimentSuffix(experiment)

	payload, err := json.Marshal(body)
	if err != nil {
		return &CloudStoreError{Op: op, Experiment: trimmed, Cause: err}
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, c.config.URL+path, bytes.NewReader(payload))
	if err != nil {
		return &CloudStoreError{Op: op, Experiment: trimmed, Cause: err}
	}
	req.Header.Set("Content-Type", "application/json")
	if c.config.APIKey != "" {
		req.Header.Set("Authorization", "Bearer "+c.config.APIKey)
	}

	resp, err := c.client.Do(req)
	if err != nil {
		return &CloudStoreError{Op: op, Experiment: trimmed, Cause: err}
	}
	defer resp.Body.Close()

	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		msg, _ := io.ReadAll(io.LimitReader(resp.Body, 4096))
		return &CloudStoreError{
			Op:         op,
			Experiment: trimmed,
			StatusCode: resp.StatusCode,
			Message:    strings.TrimSpace(string(msg)),
		}
	}

	if result == nil {
		io.Copy(io.Discard, resp.Body)
		return nil
	}
	if err := json.NewDecoder(resp.Body).Decode(result); err != nil {
		return &CloudStoreError{Op: op, Experiment: trimmed, Cause: fmt.Errorf("invalid response: %w", err)}
	}
	return nil
}
