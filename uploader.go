package fieldsync

import (
	"context"
	"encoding/json"
	"time"

	"github.com/rs/zerolog"
)

// DocumentInserter is the slice of the cloud store the uploader needs.
//
// This interface allows the uploader to be tested without a live store.
type DocumentInserter interface {
	InsertMany(ctx context.Context, experiment string, docs []map[string]any) (BulkResult, error)
	UpdateLabels(ctx context.Context, experiment, lla string, labels, options []string) (int64, error)
}

var _ DocumentInserter = (*CloudStore)(nil)

// BatchArchiver mirrors rendered batches into long-term storage.
type BatchArchiver interface {
	Put(ctx context.Context, key string, payload []byte) error
}

var _ BatchArchiver = (*Archive)(nil)

// UploaderConfig configures batch rendering.
type UploaderConfig struct {
	// BatchSize is the number of documents per bulk insert. Default: 5000.
	BatchSize int
}

// DefaultUploaderConfig returns the uploader defaults.
func DefaultUploaderConfig() UploaderConfig {
	return UploaderConfig{BatchSize: 5000}
}

// ExperimentReport summarizes the replication of one experiment.
type ExperimentReport struct {
	Experiment      string `json:"experiment"`
	Records         int    `json:"records"`
	Rejected        int    `json:"rejected"`
	Batches         int    `json:"batches"`
	LabelUpdates    int    `json:"label_updates"`
	ArchiveFailures int    `json:"archive_failures"`
}

// Uploader streams experiment records past a cursor and lands them in the
// cloud store, mirroring every flushed batch into the archive.
type Uploader struct {
	store    *LocalStore
	inserter DocumentInserter
	archive  BatchArchiver // nil disables mirroring
	config   UploaderConfig
	log      zerolog.Logger
	now      func() time.Time
}

// NewUploader wires an uploader to its local source and cloud sinks.
func NewUploader(store *LocalStore, inserter DocumentInserter, archive BatchArchiver, config UploaderConfig, log zerolog.Logger) *Uploader {
	if config.BatchSize <= 0 {
		config.BatchSize = DefaultUploaderConfig().BatchSize
	}
	return &Uploader{
		store:    store,
		inserter: inserter,
		archive:  archive,
		config:   config,
		log:      log.With().Str("component", "uploader").Logger(),
		now:      time.Now,
	}
}

// UploadExperiment replicates one experiment past its cursor.
//
// Records stream in timestamp order and flush in fixed-size batches. Each
// flushed batch is bulk-inserted unordered, so per-document rejections are
// counted without aborting the rest of the batch or the batches after it,
// then mirrored to the archive. After the final flush the label snapshot
// backfills each observed sensor's labels across the experiment's cloud
// documents, the just-inserted ones included.
//
// The returned report is valid even when the error is non-nil; it covers
// whatever landed before the failure.
func (u *Uploader) UploadExperiment(ctx context.Context, cursor SyncCursor) (*ExperimentReport, error) {
	report := &ExperimentReport{Experiment: cursor.Experiment}

	stream, err := u.store.StreamAfter(ctx, cursor.Experiment, cursor.After)
	if err != nil {
		return report, newUploadError(cursor.Experiment, "stream", err)
	}
	defer stream.Close()

	snapshot := NewLabelSnapshot()
	batch := make([]map[string]any, 0, u.config.BatchSize)

	flush := func() error {
		if len(batch) == 0 {
			return nil
		}
		result, err := u.inserter.InsertMany(ctx, cursor.Experiment, batch)
		if err != nil {
			return newUploadError(cursor.Experiment, "insert", err)
		}
		report.Records += result.Inserted
		report.Rejected += len(result.Failed)
		report.Batches++
		if len(result.Failed) > 0 {
			u.log.Warn().
				Str("experiment", cursor.Experiment).
				Int("rejected", len(result.Failed)).
				Str("first", result.Failed[0].Error()).
				Msg("batch partially rejected")
		}
		u.archiveBatch(ctx, cursor.Experiment, batch, report)
		batch = batch[:0]
		return nil
	}

	for stream.Next() {
		rec := stream.Record()
		snapshot.Observe(rec)
		batch = append(batch, rec.CloudDocument())
		if len(batch) >= u.config.BatchSize {
			if err := flush(); err != nil {
				return report, err
			}
		}
	}
	if err := stream.Err(); err != nil {
		return report, newUploadError(cursor.Experiment, "stream", err)
	}
	if err := flush(); err != nil {
		return report, err
	}

	if err := u.propagateLabels(ctx, cursor.Experiment, snapshot, report); err != nil {
		return report, err
	}

	u.log.Info().
		Str("experiment", cursor.Experiment).
		Int("records", report.Records).
		Int("rejected", report.Rejected).
		Int("batches", report.Batches).
		Int("label_updates", report.LabelUpdates).
		Msg("experiment replicated")
	return report, nil
}

// archiveBatch mirrors one rendered batch. Archive trouble is counted and
// logged, nothing more: the cloud copy already landed, so the upload
// keeps going.
func (u *Uploader) archiveBatch(ctx context.Context, experiment string, batch []map[string]any, report *ExperimentReport) {
	if u.archive == nil {
		return
	}
	payload, err := json.Marshal(batch)
	if err != nil {
		report.ArchiveFailures++
		u.log.Error().Err(err).Str("experiment", experiment).Msg("failed to encode archive batch")
		return
	}
	key := ArchiveKey(experiment, u.now())
	if err := u.archive.Put(ctx, key, payload); err != nil {
		report.ArchiveFailures++
		u.log.Error().Err(err).Str("experiment", experiment).Str("key", key).Msg("failed to archive batch")
	}
}

// propagateLabels stamps each observed sensor's newest label state across
// the experiment's cloud documents. The first failed update aborts the
// experiment; the next cycle repeats the backfill from scratch.
func (u *Uploader) propagateLabels(ctx context.Context, experiment string, snapshot *LabelSnapshot, report *ExperimentReport) error {
	for _, lla := range snapshot.Sensors() {
		rec := snapshot.Record(lla)
		modified, err := u.inserter.UpdateLabels(ctx, experiment, lla, rec.Labels, rec.LabelOptions)
		if err != nil {
			return newUploadError(experiment, "labels", err)
		}
		report.LabelUpdates++
		u.log.Debug().
			Str("experiment", experiment).
			Str("lla", lla).
			Int64("modified", modified).
			Msg("labels propagated")
	}
	return nil
}
