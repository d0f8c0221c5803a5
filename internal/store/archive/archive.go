// Package archive keeps an append-only sqlite log of every event the daemon
// routed or published. Nothing in-process reads it back; it exists for
// offline debugging, with retention enforced by the maintenance job.
package archive

import (
	"database/sql"
	"encoding/json"
	"fmt"
	"log/slog"
	"time"

	"github.com/nbd-wtf/go-nostr"
	_ "modernc.org/sqlite"
)

// Direction of an archived event relative to the daemon.
const (
	DirInbound  = "in"
	DirOutbound = "out"
)

const schema = `
CREATE TABLE IF NOT EXISTS events (
	id          TEXT PRIMARY KEY,
	project     TEXT NOT NULL DEFAULT '',
	kind        INTEGER NOT NULL,
	pubkey      TEXT NOT NULL,
	created_at  INTEGER NOT NULL,
	direction   TEXT NOT NULL,
	raw         TEXT NOT NULL,
	archived_at INTEGER NOT NULL
);
CREATE INDEX IF NOT EXISTS idx_events_archived_at ON events(archived_at);
CREATE INDEX IF NOT EXISTS idx_events_project ON events(project);
`

// Archive is safe for concurrent use; sqlite serializes writers internally.
type Archive struct {
	db  *sql.DB
	log *slog.Logger
}

func Open(path string, log *slog.Logger) (*Archive, error) {
	if log == nil {
		log = slog.Default()
	}
	db, err := sql.Open("sqlite", path+"?_pragma=journal_mode(WAL)&_pragma=busy_timeout(5000)")
	if err != nil {
		return nil, fmt.Errorf("archive: open %s: %w", path, err)
	}
	if _, err := db.Exec(schema); err != nil {
		db.Close()
		return nil, fmt.Errorf("archive: schema: %w", err)
	}
	return &Archive{db: db, log: log}, nil
}

// Record appends one event. Best-effort: failures are logged and swallowed so
// archival can never stall routing.
func (a *Archive) Record(direction, project string, ev *nostr.Event) {
	raw, err := json.Marshal(ev)
	if err != nil {
		a.log.Warn("archive: marshal failed", "event", ev.ID, "error", err)
		return
	}
	_, err = a.db.Exec(
		`INSERT OR IGNORE INTO events (id, project, kind, pubkey, created_at, direction, raw, archived_at)
		 VALUES (?, ?, ?, ?, ?, ?, ?, ?)`,
		ev.ID, project, ev.Kind, ev.PubKey, int64(ev.CreatedAt), direction, string(raw), time.Now().Unix(),
	)
	if err != nil {
		a.log.Warn("archive: insert failed", "event", ev.ID, "error", err)
	}
}

// Prune deletes events archived more than retention ago and returns the
// number removed.
func (a *Archive) Prune(retention time.Duration) (int64, error) {
	cutoff := time.Now().Add(-retention).Unix()
	res, err := a.db.Exec(`DELETE FROM events WHERE archived_at < ?`, cutoff)
	if err != nil {
		return 0, fmt.Errorf("archive: prune: %w", err)
	}
	n, _ := res.RowsAffected()
	return n, nil
}

// Count returns the number of archived events; used by tests and doctor-style
// reporting.
func (a *Archive) Count() (int64, error) {
	var n int64
	err := a.db.QueryRow(`SELECT COUNT(*) FROM events`).Scan(&n)
	return n, err
}

func (a *Archive) Close() error {
	return a.db.Close()
}
