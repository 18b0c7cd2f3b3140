package fieldsync

import (
	"context"
	"database/sql"
	"fmt"
	"strings"
	"sync"
	"time"

	_ "modernc.org/sqlite" // registers the sqlite driver
)

// LocalStoreConfig configures access to the gateway's SQLite store.
type LocalStoreConfig struct {
	// Path is the SQLite database file the gateway writes records into.
	Path string

	// BusyTimeout is how long queries wait on the gateway's write lock
	// before failing. Default: 5s.
	BusyTimeout time.Duration

	// MaxOpenConns bounds concurrent read connections. Default: 4.
	MaxOpenConns int
}

// DefaultLocalStoreConfig returns a sensible configuration for the given
// database file.
func DefaultLocalStoreConfig(path string) LocalStoreConfig {
	return LocalStoreConfig{
		Path:         path,
		BusyTimeout:  5 * time.Second,
		MaxOpenConns: 4,
	}
}

// LocalStore reads experiment records from the gateway's SQLite database.
//
// The store is opened read-only: the gateway keeps writing records while
// replication runs, and fieldsync must never hold a write lock it does not
// need. Each experiment lives in its own table named <experiment>_DATA
// with a ts column in canonical layout and a doc column holding the JSON
// document.
type LocalStore struct {
	mu     sync.RWMutex
	db     *sql.DB
	config LocalStoreConfig
	closed bool
}

// OpenLocalStore opens the gateway database for replication reads.
func OpenLocalStore(config LocalStoreConfig) (*LocalStore, error) {
	if config.BusyTimeout <= 0 {
		config.BusyTimeout = 5 * time.Second
	}
	if config.MaxOpenConns <= 0 {
		config.MaxOpenConns = 4
	}

	dsn := fmt.Sprintf("file:%s?mode=ro&_busy_timeout=%d",
		config.Path, config.BusyTimeout.Milliseconds())

	db, err := sql.Open("sqlite", dsn)
	if err != nil {
		return nil, fmt.Errorf("failed to open local store: %w", err)
	}

	db.SetMaxOpenConns(config.MaxOpenConns)
	db.SetMaxIdleConns(2)

	if err := db.Ping(); err != nil {
		db.Close()
		return nil, fmt.Errorf("failed to open local store %s: %w", config.Path, err)
	}

	return &LocalStore{db: db, config: config}, nil
}

// ListExperiments returns the experiment tables present in the store,
// sorted by name. Bookkeeping tables without the data suffix are skipped.
func (s *LocalStore) ListExperiments(ctx context.Context) ([]string, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	if s.closed {
		return nil, ErrStoreClosed
	}

	// Suffix filtering happens here rather than in SQL: LIKE treats the
	// underscore in _DATA as a single-character wildcard.
	rows, err := s.db.QueryContext(ctx,
		`SELECT name FROM sqlite_master WHERE type = 'table' ORDER BY name`)
	if err != nil {
		return nil, fmt.Errorf("failed to list experiments: %w", err)
	}
	defer rows.Close()

	var experiments []string
	for rows.Next() {
		var name string
		if err := rows.Scan(&name); err != nil {
			return nil, fmt.Errorf("failed to list experiments: %w", err)
		}
		if IsExperimentTable(name) {
			experiments = append(experiments, name)
		}
	}
	return experiments, rows.Err()
}

// TimeSpan is the first and last record timestamp of an experiment.
type TimeSpan struct {
	First time.Time
	Last  time.Time
}

// Empty reports whether the span covers no records at all.
func (t TimeSpan) Empty() bool {
	return t.First.IsZero() && t.Last.IsZero()
}

// TimeSpan returns the first and last record timestamps of an experiment.
// A missing or empty table yields a zero span, not an error: experiments
// are registered on the gateway before their first record lands.
func (s *LocalStore) TimeSpan(ctx context.Context, experiment string) (TimeSpan, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	if s.closed {
		return TimeSpan{}, ErrStoreClosed
	}
	if !validExperimentName(experiment) {
		return TimeSpan{}, fmt.Errorf("%w: %q", ErrInvalidExperiment, experiment)
	}

	// The canonical layout is fixed width, so MIN/MAX on the text column
	// agree with chronological order.
	query := fmt.Sprintf(`SELECT MIN(ts), MAX(ts) FROM %q`, experiment)

	var first, last sql.NullString
	if err := s.db.QueryRowContext(ctx, query).Scan(&first, &last); err != nil {
		if isMissingTable(err) {
			return TimeSpan{}, nil
		}
		return TimeSpan{}, fmt.Errorf("failed to read time span of %s: %w", experiment, err)
	}
	if !first.Valid || !last.Valid {
		return TimeSpan{}, nil
	}

	span := TimeSpan{}
	var err error
	if span.First, err = time.Parse(TimestampLayout, first.String); err != nil {
		return TimeSpan{}, fmt.Errorf("bad first timestamp %q in %s: %w", first.String, experiment, err)
	}
	if span.Last, err = time.Parse(TimestampLayout, last.String); err != nil {
		return TimeSpan{}, fmt.Errorf("bad last timestamp %q in %s: %w", last.String, experiment, err)
	}
	return span, nil
}

// StreamAfter streams an experiment's records strictly newer than the
// cursor, in timestamp order. A zero cursor streams the whole table, and
// a missing table streams nothing. Callers must Close the cursor.
func (s *LocalStore) StreamAfter(ctx context.Context, experiment string, after time.Time) (*RecordCursor, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	if s.closed {
		return nil, ErrStoreClosed
	}
	if !validExperimentName(experiment) {
		return nil, fmt.Errorf("%w: %q", ErrInvalidExperiment, experiment)
	}

	var rows *sql.Rows
	var err error
	if after.IsZero() {
		query := fmt.Sprintf(`SELECT doc FROM %q ORDER BY ts`, experiment)
		rows, err = s.db.QueryContext(ctx, query)
	} else {
		query := fmt.Sprintf(`SELECT doc FROM %q WHERE ts > ? ORDER BY ts`, experiment)
		rows, err = s.db.QueryContext(ctx, query, after.UTC().Format(TimestampLayout))
	}
	if err != nil {
		if isMissingTable(err) {
			return &RecordCursor{}, nil
		}
		return nil, fmt.Errorf("failed to stream %s: %w", experiment, err)
	}
	return &RecordCursor{rows: rows}, nil
}

// Close closes the store. Further calls return ErrStoreClosed.
func (s *LocalStore) Close() error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.closed {
		return nil
	}
	s.closed = true
	return s.db.Close()
}

// RecordCursor iterates the records produced by StreamAfter.
type RecordCursor struct {
	rows *sql.Rows
	rec  *Record
	err  error
}

// Next advances the cursor, returning false at the end of the stream or
// on the first error.
func (c *RecordCursor) Next() bool {
	if c.err != nil || c.rows == nil {
		return false
	}
	if !c.rows.Next() {
		c.err = c.rows.Err()
		return false
	}
	var doc []byte
	if err := c.rows.Scan(&doc); err != nil {
		c.err = err
		return false
	}
	rec, err := ParseRecord(doc)
	if err != nil {
		c.err = err
		return false
	}
	c.rec = rec
	return true
}

// Record returns the record at the cursor's current position. Only valid
// after a true Next.
func (c *RecordCursor) Record() *Record {
	return c.rec
}

// Err returns the first error encountered while streaming.
func (c *RecordCursor) Err() error {
	return c.err
}

// Close releases the cursor's result set.
func (c *RecordCursor) Close() error {
	if c.rows == nil {
		return nil
	}
	return c.rows.Close()
}

// validExperimentName reports whether a name is safe to interpolate as a
// quoted SQL identifier. Gateway table names are plain ASCII identifiers.
func validExperimentName(name string) bool {
	if name == "" || len(name) > 128 {
		return false
	}
	for _, r := range name {
		switch {
		case r >= 'a' && r <= 'z':
		case r >= 'A' && r <= 'Z':
		case r >= '0' && r <= '9':
		case r == '_':
		default:
			return false
		}
	}
	return true
}

func isMissingTable(err error) bool {
	return err != nil && strings.Contains(err.Error(), "no such table")
}
