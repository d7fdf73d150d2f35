package auth

import (
	"context"
	"database/sql"
	"fmt"
	"time"

	"github.com/rs/zerolog"

	_ "github.com/mattn/go-sqlite3"
)

const (
	archiveBatchSize  = 100
	archiveFlushDelay = 200 * time.Millisecond
	archiveQueueSize  = 1024
)

// SQLiteArchive persists audit records to a local SQLite file so they
// outlive the Redis retention window. A single-goroutine writer batches
// inserts into transactions; Archive never blocks verification.
type SQLiteArchive struct {
	db     *sql.DB
	ch     chan Record
	logger zerolog.Logger
}

// NewSQLiteArchive opens (or creates) the archive database with WAL mode
// and a single-writer pool.
func NewSQLiteArchive(path string, logger zerolog.Logger) (*SQLiteArchive, error) {
	db, err := sql.Open("sqlite3", path+"?_journal_mode=WAL&_synchronous=NORMAL&_busy_timeout=5000")
	if err != nil {
		return nil, fmt.Errorf("sqlite open: %w", err)
	}
	db.SetMaxOpenConns(1)
	db.SetMaxIdleConns(1)

	if _, err := db.Exec(`
		CREATE TABLE IF NOT EXISTS token_audit (
			id                INTEGER PRIMARY KEY AUTOINCREMENT,
			jti               TEXT    NOT NULL,
			sub               TEXT,
			tid               TEXT,
			topic             TEXT,
			iat               INTEGER,
			exp               INTEGER,
			region            TEXT,
			event_type        TEXT    NOT NULL,
			event_ts          INTEGER NOT NULL,
			client_ip_hash    TEXT,
			user_agent_prefix TEXT,
			endpoint          TEXT,
			success           INTEGER NOT NULL,
			error_details     TEXT
		);
		CREATE INDEX IF NOT EXISTS idx_token_audit_jti ON token_audit (jti, event_ts);
		CREATE INDEX IF NOT EXISTS idx_token_audit_tid ON token_audit (tid, event_ts);
	`); err != nil {
		db.Close()
		return nil, fmt.Errorf("sqlite schema: %w", err)
	}

	a := &SQLiteArchive{
		db:     db,
		ch:     make(chan Record, archiveQueueSize),
		logger: logger.With().Str("component", "audit-archive").Logger(),
	}
	a.logger.Info().Str("path", path).Msg("audit archive opened")
	return a, nil
}

// Archive enqueues a record for the writer goroutine. Drops on a full
// queue rather than stalling the hot path.
func (a *SQLiteArchive) Archive(rec Record) {
	select {
	case a.ch <- rec:
	default:
		a.logger.Warn().Str("jti", rec.JTI).Msg("archive queue full, record dropped")
	}
}

// Run drains the queue into batched transactions. Flushes every
// archiveBatchSize records or archiveFlushDelay, whichever comes first.
// Blocks until ctx is cancelled.
func (a *SQLiteArchive) Run(ctx context.Context) {
	batch := make([]Record, 0, archiveBatchSize)
	timer := time.NewTimer(archiveFlushDelay)
	defer timer.Stop()

	flush := func() {
		if len(batch) == 0 {
			return
		}
		if err := a.insertBatch(batch); err != nil {
			a.logger.Error().Err(err).Int("count", len(batch)).Msg("batch insert failed")
		}
		batch = batch[:0]
	}

	for {
		select {
		case <-ctx.Done():
			flush()
			return

		case rec := <-a.ch:
			batch = append(batch, rec)
			if len(batch) >= archiveBatchSize {
				flush()
				timer.Reset(archiveFlushDelay)
			}

		case <-timer.C:
			flush()
			timer.Reset(archiveFlushDelay)
		}
	}
}

func (a *SQLiteArchive) insertBatch(recs []Record) error {
	tx, err := a.db.Begin()
	if err != nil {
		return err
	}

	stmt, err := tx.Prepare(`
		INSERT INTO token_audit (jti, sub, tid, topic, iat, exp, region, event_type, event_ts, client_ip_hash, user_agent_prefix, endpoint, success, error_details)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)
	`)
	if err != nil {
		tx.Rollback()
		return err
	}
	defer stmt.Close()

	for _, r := range recs {
		success := 0
		if r.Success {
			success = 1
		}
		if _, err := stmt.Exec(r.JTI, r.Sub, r.TenantID, r.Topic, r.IssuedAt, r.ExpiresAt,
			r.Region, r.EventType, r.EventTS, r.ClientIPHash, r.UserAgentPrefix,
			r.Endpoint, success, r.ErrorDetails); err != nil {
			tx.Rollback()
			return err
		}
	}
	return tx.Commit()
}

// Prune deletes records older than the retention window.
func (a *SQLiteArchive) Prune(retention time.Duration) error {
	cutoff := time.Now().Add(-retention).Unix()
	res, err := a.db.Exec(`DELETE FROM token_audit WHERE event_ts < ?`, cutoff)
	if err != nil {
		return err
	}
	if n, _ := res.RowsAffected(); n > 0 {
		a.logger.Info().Int64("pruned", n).Msg("archive pruned")
	}
	return nil
}

// Close closes the database.
func (a *SQLiteArchive) Close() error {
	return a.db.Close()
}
