// Package diag provides the read-only/operator-triggered admin surface
// over a Registry: a chi-routed HTTP API and an in-memory sqlite-backed
// probe history ledger. None of this is part of the core state machine's
// contract; it only calls the public methods of pkg/service.Service and
// the root package's Registry.
package diag

import (
	"database/sql"
	"fmt"
	"sync"
	"time"

	_ "github.com/glebarez/go-sqlite"
)

// HistoryEntry records one completed probe attempt, for operator-facing
// diagnostics. This ledger is deliberately not durable: it is opened
// against `:memory:` and discarded with the process.
type HistoryEntry struct {
	ServiceID string
	ProbeID   string
	At        time.Time
	Success   bool
	Detail    string
}

// History is an in-memory (per-process) sqlite-backed ledger of probe
// attempts, using a database/sql-backed store over glebarez/go-sqlite.
type History struct {
	mu sync.Mutex
	db *sql.DB
}

// NewHistory opens the process's shared-cache in-memory sqlite database
// (every History open at the same time in one process uses the same one)
// and creates the probe_history table if it does not exist.
func NewHistory() (*History, error) {
	db, err := sql.Open("sqlite", "file::memory:?cache=shared")
	if err != nil {
		return nil, fmt.Errorf("diag: opening history db: %w", err)
	}
	_, err = db.Exec(`CREATE TABLE IF NOT EXISTS probe_history (
		id INTEGER PRIMARY KEY AUTOINCREMENT,
		service_id TEXT NOT NULL,
		probe_id TEXT NOT NULL,
		at INTEGER NOT NULL,
		success INTEGER NOT NULL,
		detail TEXT
	)`)
	if err != nil {
		db.Close()
		return nil, fmt.Errorf("diag: creating probe_history table: %w", err)
	}
	_, err = db.Exec("CREATE INDEX IF NOT EXISTS probe_history_service_idx ON probe_history (service_id, at)")
	if err != nil {
		db.Close()
		return nil, fmt.Errorf("diag: creating probe_history index: %w", err)
	}
	return &History{db: db}, nil
}

// Record appends e to the ledger.
func (h *History) Record(e HistoryEntry) error {
	h.mu.Lock()
	defer h.mu.Unlock()
	success := 0
	if e.Success {
		success = 1
	}
	_, err := h.db.Exec(
		`INSERT INTO probe_history (service_id, probe_id, at, success, detail) VALUES (?, ?, ?, ?, ?)`,
		e.ServiceID, e.ProbeID, e.At.Unix(), success, e.Detail,
	)
	return err
}

// Recent returns up to limit most-recent entries for serviceID, newest first.
func (h *History) Recent(serviceID string, limit int) ([]HistoryEntry, error) {
	h.mu.Lock()
	defer h.mu.Unlock()
	rows, err := h.db.Query(
		`SELECT service_id, probe_id, at, success, detail FROM probe_history
		 WHERE service_id = ? ORDER BY at DESC LIMIT ?`,
		serviceID, limit,
	)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var out []HistoryEntry
	for rows.Next() {
		var e HistoryEntry
		var at int64
		var success int
		if err := rows.Scan(&e.ServiceID, &e.ProbeID, &at, &success, &e.Detail); err != nil {
			return nil, err
		}
		e.At = time.Unix(at, 0)
		e.Success = success != 0
		out = append(out, e)
	}
	return out, rows.Err()
}

// Close closes the underlying database handle.
func (h *History) Close() error {
	return h.db.Close()
}
