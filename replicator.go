package fieldsync

import (
	"context"
	"fmt"
	"time"

	"github.com/rs/zerolog"
)

// CycleReport summarizes one replication cycle across all experiments.
type CycleReport struct {
	Started  time.Time     `json:"started"`
	Duration time.Duration `json:"duration"`

	// Experiments is the number of experiment tables found locally.
	Experiments int `json:"experiments"`

	// Pending is how many of them resolved to a non-empty upload window.
	Pending int `json:"pending"`

	// Synced and Failed partition the pending experiments by outcome.
	Synced int `json:"synced"`
	Failed int `json:"failed"`

	RecordsUploaded int `json:"records_uploaded"`
	RecordsRejected int `json:"records_rejected"`
	BatchesFlushed  int `json:"batches_flushed"`
	LabelUpdates    int `json:"label_updates"`
	ArchiveFailures int `json:"archive_failures"`

	// Errors carries the per-experiment failures as text.
	Errors []string `json:"errors,omitempty"`
}

// Replicator drives full edge-to-cloud replication cycles: list the local
// experiments, negotiate cursors with the authority, then upload each
// experiment's pending window.
type Replicator struct {
	local     *LocalStore
	authority LastSyncedAuthority
	uploader  *Uploader
	log       zerolog.Logger
}

// NewReplicator assembles a replicator from configuration: it opens the
// local store, builds the cloud store and archive clients, and wires the
// configured authority backend.
func NewReplicator(cfg Config, log zerolog.Logger) (*Replicator, error) {
	local, err := OpenLocalStore(cfg.LocalStore)
	if err != nil {
		return nil, err
	}

	store := NewCloudStore(cfg.CloudStore)

	var archive BatchArchiver
	if cfg.Archive.Enabled {
		a, err := NewArchive(cfg.Archive)
		if err != nil {
			local.Close()
			return nil, err
		}
		archive = a
	}

	authority, err := buildAuthority(cfg, store, log)
	if err != nil {
		local.Close()
		return nil, err
	}

	return &Replicator{
		local:     local,
		authority: authority,
		uploader:  NewUploader(local, store, archive, cfg.Uploader, log),
		log:       log.With().Str("component", "replicator").Logger(),
	}, nil
}

func buildAuthority(cfg Config, store *CloudStore, log zerolog.Logger) (LastSyncedAuthority, error) {
	switch cfg.Authority.Mode {
	case "", "function":
		account, err := LoadServiceAccount(cfg.Authority.CredentialsPath, cfg.Authority.CredentialsPassphrase)
		if err != nil {
			return nil, fmt.Errorf("authority credentials: %w", err)
		}
		tokens, err := NewIdentityTokenSource(account, cfg.Authority.URL)
		if err != nil {
			return nil, fmt.Errorf("authority credentials: %w", err)
		}
		return NewFunctionAuthority(cfg.Authority, cfg.Owner, cfg.Device, tokens, log), nil
	case "cloudstore":
		return NewCloudStoreAuthority(store, log), nil
	default:
		return nil, fmt.Errorf("unknown authority mode %q", cfg.Authority.Mode)
	}
}

// RunCycle performs one replication pass over every experiment.
//
// Experiment failures are contained: a failed experiment lands in the
// report and its peers still upload. RunCycle returns an error only when
// the cycle cannot proceed at all, meaning the experiment listing failed
// or the context ended mid-cycle. Either way the report covers whatever
// actually happened.
func (r *Replicator) RunCycle(ctx context.Context) (*CycleReport, error) {
	report := &CycleReport{Started: time.Now()}
	defer func() { report.Duration = time.Since(report.Started) }()

	experiments, err := r.local.ListExperiments(ctx)
	if err != nil {
		return report, fmt.Errorf("cycle aborted: %w", err)
	}
	report.Experiments = len(experiments)
	if len(experiments) == 0 {
		r.log.Info().Msg("no experiments to replicate")
		return report, nil
	}

	spans := make(map[string]TimeSpan, len(experiments))
	for _, exp := range experiments {
		span, err := r.local.TimeSpan(ctx, exp)
		if err != nil {
			report.Failed++
			report.Errors = append(report.Errors, err.Error())
			r.log.Warn().Err(err).Str("experiment", exp).Msg("skipping unreadable experiment")
			continue
		}
		spans[exp] = span
	}

	cursors := ResolveCursors(spans, r.authority.LastSynced(ctx, experiments))
	report.Pending = len(cursors)

	for _, cursor := range cursors {
		if ctx.Err() != nil {
			return report, ctx.Err()
		}

		r.log.Info().
			Str("experiment", cursor.Experiment).
			Time("after", cursor.After).
			Dur("pending", cursor.Pending).
			Msg("uploading experiment")

		exp, err := r.uploader.UploadExperiment(ctx, cursor)
		report.RecordsUploaded += exp.Records
		report.RecordsRejected += exp.Rejected
		report.BatchesFlushed += exp.Batches
		report.LabelUpdates += exp.LabelUpdates
		report.ArchiveFailures += exp.ArchiveFailures
		if err != nil {
			report.Failed++
			report.Errors = append(report.Errors, err.Error())
			r.log.Error().Err(err).Str("experiment", cursor.Experiment).
				Msg("experiment failed, continuing with the rest")
			continue
		}
		report.Synced++
	}

	r.log.Info().
		Int("experiments", report.Experiments).
		Int("pending", report.Pending).
		Int("synced", report.Synced).
		Int("failed", report.Failed).
		Int("records", report.RecordsUploaded).
		Dur("duration", time.Since(report.Started)).
		Msg("cycle complete")
	return report, nil
}

// Close releases the replicator's local store handle.
func (r *Replicator) Close() error {
	return r.local.Close()
}
