// Package ledger provides an append-only SQLite history of phase
// transitions and dispatch outcomes. It exists for auditing: the dispatcher
// trusts only its in-memory record, never the ledger, when deciding what to
// send.
package ledger

import (
	"context"
	"database/sql"
	"fmt"
	"time"

	_ "github.com/mattn/go-sqlite3"
	"github.com/rs/zerolog/log"
)

// EntryKind classifies ledger rows.
type EntryKind string

const (
	KindTransition EntryKind = "transition"
	KindDispatch   EntryKind = "dispatch"
)

// Entry is a single recorded event.
type Entry struct {
	ID        int64
	Kind      EntryKind
	Timestamp time.Time
	PhaseFrom string
	PhaseTo   string
	Intent    string
	Seq       uint64
	Outcome   string
	Detail    string
}

// writeQueueSize bounds the backlog of unapplied history writes.
const writeQueueSize = 256

type writeOp struct {
	query string
	args  []any
	done  chan struct{} // barrier op when non-nil
}

// Ledger wraps the SQLite connection. Writes are applied by a single
// background goroutine so recording never blocks the caller on disk I/O.
type Ledger struct {
	db    *sql.DB
	queue chan writeOp
	done  chan struct{}
}

// Open opens (or creates) the ledger database and initializes the schema.
func Open(path string) (*Ledger, error) {
	db, err := sql.Open("sqlite3", path+"?_journal_mode=WAL")
	if err != nil {
		return nil, fmt.Errorf("failed to open ledger database: %w", err)
	}

	if err := initSchema(db); err != nil {
		db.Close()
		return nil, fmt.Errorf("failed to initialize ledger schema: %w", err)
	}

	l := &Ledger{
		db:    db,
		queue: make(chan writeOp, writeQueueSize),
		done:  make(chan struct{}),
	}
	go l.writer()
	return l, nil
}

func (l *Ledger) writer() {
	defer close(l.done)
	for op := range l.queue {
		if op.done != nil {
			close(op.done)
			continue
		}
		if _, err := l.db.Exec(op.query, op.args...); err != nil {
			log.Warn().Err(err).Msg("Failed to append ledger entry")
		}
	}
}

// enqueue hands a write to the background writer without blocking. A full
// queue drops the entry: history must never stall the agent.
func (l *Ledger) enqueue(query string, args ...any) {
	select {
	case l.queue <- writeOp{query: query, args: args}:
	default:
		log.Warn().Msg("Ledger write queue full, dropping entry")
	}
}

// Flush blocks until every write queued before the call has been applied.
func (l *Ledger) Flush() {
	op := writeOp{done: make(chan struct{})}
	l.queue <- op
	<-op.done
}

func initSchema(db *sql.DB) error {
	_, err := db.Exec(`
		CREATE TABLE IF NOT EXISTS agent_ledger (
			id INTEGER PRIMARY KEY AUTOINCREMENT,
			kind TEXT NOT NULL,
			timestamp INTEGER NOT NULL,
			phase_from TEXT,
			phase_to TEXT,
			intent TEXT,
			seq INTEGER,
			outcome TEXT,
			detail TEXT
		);
		CREATE INDEX IF NOT EXISTS idx_agent_ledger_kind_ts ON agent_ledger(kind, timestamp);
	`)
	if err != nil {
		return fmt.Errorf("failed to create agent_ledger table: %w", err)
	}
	return nil
}

// Close drains the pending writes and releases the database connection.
func (l *Ledger) Close() error {
	close(l.queue)
	<-l.done
	return l.db.Close()
}

// RecordTransition queues a phase transition for append. The write happens
// on the background goroutine; errors are logged, not returned: the ledger
// must never stall the transition core.
func (l *Ledger) RecordTransition(at time.Time, from, to string, want string, seq uint64) {
	l.enqueue(`
		INSERT INTO agent_ledger (kind, timestamp, phase_from, phase_to, intent, seq)
		VALUES (?, ?, ?, ?, ?, ?)
	`, string(KindTransition), at.UTC().Unix(), from, to, want, seq)
}

// RecordDispatch queues a dispatch outcome for append.
func (l *Ledger) RecordDispatch(at time.Time, seq uint64, intent string, outcome string, detail string) {
	l.enqueue(`
		INSERT INTO agent_ledger (kind, timestamp, intent, seq, outcome, detail)
		VALUES (?, ?, ?, ?, ?, ?)
	`, string(KindDispatch), at.UTC().Unix(), intent, seq, outcome, detail)
}

// Recent returns the newest entries of the given kind.
func (l *Ledger) Recent(kind EntryKind, limit int) ([]*Entry, error) {
	rows, err := l.db.Query(`
		SELECT id, kind, timestamp,
		       COALESCE(phase_from, ''), COALESCE(phase_to, ''),
		       COALESCE(intent, ''), COALESCE(seq, 0),
		       COALESCE(outcome, ''), COALESCE(detail, '')
		FROM agent_ledger
		WHERE kind = ?
		ORDER BY id DESC
		LIMIT ?
	`, string(kind), limit)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var entries []*Entry
	for rows.Next() {
		var e Entry
		var kindStr string
		var ts int64
		if err := rows.Scan(&e.ID, &kindStr, &ts, &e.PhaseFrom, &e.PhaseTo, &e.Intent, &e.Seq, &e.Outcome, &e.Detail); err != nil {
			return nil, err
		}
		e.Kind = EntryKind(kindStr)
		e.Timestamp = time.Unix(ts, 0).UTC()
		entries = append(entries, &e)
	}
	return entries, rows.Err()
}

// DeleteOlderThan removes entries past the retention period.
func (l *Ledger) DeleteOlderThan(retention time.Duration) (int64, error) {
	cutoff := time.Now().Add(-retention).UTC().Unix()
	result, err := l.db.Exec(`DELETE FROM agent_ledger WHERE timestamp < ?`, cutoff)
	if err != nil {
		return 0, err
	}
	return result.RowsAffected()
}

// StartCleanup runs periodic retention cleanup until ctx is cancelled.
func (l *Ledger) StartCleanup(ctx context.Context, interval, retention time.Duration) {
	go func() {
		ticker := time.NewTicker(interval)
		defer ticker.Stop()

		for {
			select {
			case <-ctx.Done():
				return
			case <-ticker.C:
				deleted, err := l.DeleteOlderThan(retention)
				if err != nil {
					log.Warn().Err(err).Msg("Ledger cleanup failed")
					continue
				}
				if deleted > 0 {
					log.Debug().Int64("deleted", deleted).Msg("Ledger cleanup removed old entries")
				}
			}
		}
	}()
}
