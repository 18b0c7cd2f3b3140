package fieldsync

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"time"

	"github.com/rs/zerolog"
)

// LastSyncedAuthority answers, per experiment, the newest record timestamp
// the cloud already holds.
//
// Implementations never fail: connectivity problems degrade to zero
// timestamps, which moves the affected experiments onto the local fallback
// cursor instead of blocking the cycle.
type LastSyncedAuthority interface {
	LastSynced(ctx context.Context, experiments []string) map[string]time.Time
}

// AuthorityConfig configures the last-synced authority.
type AuthorityConfig struct {
	// Mode selects the backend: "function" queries the deployed
	// last-synced service, "cloudstore" derives the answer from documents
	// already uploaded. Default: "function".
	Mode string

	// URL of the last-synced service. Required in function mode.
	URL string

	// CredentialsPath is the service-account key file used to mint bearer
	// tokens for the service. The file may be sealed.
	CredentialsPath string

	// CredentialsPassphrase unseals a sealed key file. Leave empty for
	// plaintext key files.
	CredentialsPassphrase string

	// Timeout bounds each authority request. Default: 30s.
	Timeout time.Duration
}

// authorityTimeLayout is the timestamp form the last-synced service
// answers with. Values are UTC.
const authorityTimeLayout = "2006-01-02 15:04:05"

// FunctionAuthority queries the deployed last-synced service. The request
// carries the device identity plus the trimmed experiment names; the
// answer maps each name to a timestamp, or to a numeric zero for
// experiments the cloud has never seen.
type FunctionAuthority struct {
	config AuthorityConfig
	owner  string
	device string
	tokens TokenSource
	client *http.Client
	log    zerolog.Logger
}

var _ LastSyncedAuthority = (*FunctionAuthority)(nil)

// NewFunctionAuthority creates an authority client for the given device
// identity.
func NewFunctionAuthority(config AuthorityConfig, owner, device string, tokens TokenSource, log zerolog.Logger) *FunctionAuthority {
	if config.Timeout <= 0 {
		config.Timeout = 30 * time.Second
	}
	return &FunctionAuthority{
		config: config,
		owner:  owner,
		device: device,
		tokens: tokens,
		client: &http.Client{Timeout: config.Timeout},
		log:    log.With().Str("component", "authority").Logger(),
	}
}

// LastSynced implements LastSyncedAuthority. Any failure, from the whole
// request down to a single unparsable value, degrades to zero for the
// affected experiments.
func (a *FunctionAuthority) LastSynced(ctx context.Context, experiments []string) map[string]time.Time {
	result := make(map[string]time.Time, len(experiments))
	for _, exp := range experiments {
		result[exp] = time.Time{}
	}
	if len(experiments) == 0 {
		return result
	}

	answers, err := a.query(ctx, experiments)
	if err != nil {
		a.log.Warn().Err(err).Msg("last-synced query failed, using local fallback cursors")
		return result
	}

	for _, exp := range experiments {
		raw, ok := answers[TrimExperimentSuffix(exp)]
		if !ok {
			continue
		}
		// Numeric values mean never synced; only strings carry a time.
		text, ok := raw.(string)
		if !ok {
			continue
		}
		ts, err := time.Parse(authorityTimeLayout, text)
		if err != nil {
			a.log.Warn().Str("experiment", exp).Str("value", text).
				Msg("unparsable last-synced value, using local fallback cursor")
			continue
		}
		result[exp] = ts
	}
	return result
}

func (a *FunctionAuthority) query(ctx context.Context, experiments []string) (map[string]any, error) {
	names := make([]string, 0, len(experiments))
	for _, exp := range experiments {
		names = append(names, TrimExperimentSuffix(exp))
	}

	payload, err := json.Marshal(map[string]any{
		"owner":            a.owner,
		"mac_address":      a.device,
		"experiment_names": names,
	})
	if err != nil {
		return nil, err
	}

	token, err := a.tokens.Token(ctx)
	if err != nil {
		return nil, fmt.Errorf("failed to mint authority token: %w", err)
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, a.config.URL, bytes.NewReader(payload))
	if err != nil {
		return nil, err
	}
	req.Header.Set("Content-Type", "application/json")
	req.Header.Set("Authorization", "Bearer "+token)

	resp, err := a.client.Do(req)
	if err != nil {
		return nil, err
	}
	defer func() {
		io.Copy(io.Discard, resp.Body)
		resp.Body.Close()
	}()

	if resp.StatusCode != http.StatusOK {
		return nil, fmt.Errorf("authority returned status %d", resp.StatusCode)
	}

	var answers map[string]any
	if err := json.NewDecoder(resp.Body).Decode(&answers); err != nil {
		return nil, fmt.Errorf("invalid authority response: %w", err)
	}
	return answers, nil
}

// CloudStoreAuthority asks the document store itself for its newest
// timestamps. Deployments without the standalone last-synced service can
// point the authority straight at the store.
type CloudStoreAuthority struct {
	store *CloudStore
	log   zerolog.Logger
}

var _ LastSyncedAuthority = (*CloudStoreAuthority)(nil)

// NewCloudStoreAuthority wraps a cloud store as a last-synced authority.
func NewCloudStoreAuthority(store *CloudStore, log zerolog.Logger) *CloudStoreAuthority {
	return &CloudStoreAuthority{
		store: store,
		log:   log.With().Str("component", "authority").Logger(),
	}
}

// LastSynced implements LastSyncedAuthority.
func (a *CloudStoreAuthority) LastSynced(ctx context.Context, experiments []string) map[string]time.Time {
	result := make(map[string]time.Time, len(experiments))
	for _, exp := range experiments {
		result[exp] = time.Time{}
	}
	if len(experiments) == 0 {
		return result
	}

	answers, err := a.store.LastTimestamps(ctx, experiments)
	if err != nil {
		a.log.Warn().Err(err).Msg("last-timestamps query failed, using local fallback cursors")
		return result
	}
	for exp, ts := range answers {
		result[exp] = ts
	}
	return result
}
