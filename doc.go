// Package fieldsync replicates sensor experiment records from a greenhouse
// edge gateway to the cloud. The gateway accumulates records in a local
// SQLite store while field connectivity comes and goes; fieldsync watches
// that store and pushes whatever the cloud has not seen yet, in order,
// without ever re-uploading what already made it across.
//
// # Basic Usage
//
//	cfg, err := fieldsync.LoadConfig("fieldsync.yaml")
//	if err != nil {
//		log.Fatal(err)
//	}
//
//	logger := fieldsync.NewLogger(cfg.Logging)
//	rep, err := fieldsync.NewReplicator(cfg, logger)
//	if err != nil {
//		log.Fatal(err)
//	}
//	defer rep.Close()
//
//	sched := fieldsync.NewScheduler(rep, cfg.Scheduler, logger)
//	sched.Start()
//	defer sched.Stop()
//
// # Features
//
//   - Resume cursors negotiated with a remote last-synced authority, with
//     a safe local fallback when the cloud knows nothing about an experiment
//   - Batched, unordered bulk inserts where per-document rejections are
//     reported instead of aborting the batch
//   - A JSON archive mirror of every uploaded batch in object storage
//   - Sensor label backfill so late-arriving label edits reach documents
//     uploaded in the same pass
//   - Saw-tooth retry backoff between replication cycles
//   - Optional status endpoint with a live WebSocket cycle feed
//   - Optional Prometheus remote-write telemetry push after every cycle
//
// # Replication Model
//
// Each experiment lives in its own local table named <experiment>_DATA.
// A cycle lists those tables, asks the authority for the last timestamp
// the cloud holds per experiment, and streams every record strictly newer
// than that cursor. When the authority reports nothing for an experiment
// the cursor falls back to the experiment's first local timestamp, which
// keeps the upload window bounded by data that actually exists.
//
// Failures are contained twice over: an experiment that fails mid-upload
// is logged and skipped so its peers still sync, and a cycle that fails
// outright only stretches the wait before the next one. The process is
// meant to run unattended for months.
package fieldsync
