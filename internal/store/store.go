// Package store persists detection results, reusable LLM verdicts, in-flight
// batch identifiers, and backfill checkpoints in SQLite. Change records are
// owned by the ingestion subsystem; this package only reads them. All result
// writes are idempotent overwrites keyed by change-record ID with an
// optimistic row version, so a backfill and an incremental LLM arrival can
// race on the same record without losing either write silently.
package store

import (
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"time"

	"go.uber.org/zap"
	_ "modernc.org/sqlite" // Pure Go SQLite driver

	"github.com/dshills/aidetect/internal/schema"
)

// ErrNotFound is returned when a requested row does not exist.
var ErrNotFound = errors.New("store: not found")

// ErrVersionConflict is returned by CompareAndSaveResult when the row changed
// since it was read. The caller re-reads and re-aggregates.
var ErrVersionConflict = errors.New("store: result version conflict")

// DB is a handle to the engine's SQLite database.
type DB struct {
	conn *sql.DB
	log  *zap.Logger
}

// Open opens or creates the database at path, applying pragmas and the
// schema. The parent directory is created if missing.
func Open(path string, log *zap.Logger) (*DB, error) {
	if dir := filepath.Dir(path); dir != "." {
		if err := os.MkdirAll(dir, 0o755); err != nil {
			return nil, fmt.Errorf("store: create dir: %w", err)
		}
	}

	conn, err := sql.Open("sqlite", path)
	if err != nil {
		return nil, fmt.Errorf("store: open database: %w", err)
	}

	pragmas := []string{
		"PRAGMA journal_mode=WAL",
		"PRAGMA synchronous=NORMAL",
		"PRAGMA foreign_keys=ON",
		"PRAGMA busy_timeout=5000",
	}
	for _, pragma := range pragmas {
		if _, err := conn.Exec(pragma); err != nil {
			conn.Close()
			return nil, fmt.Errorf("store: set pragma: %w", err)
		}
	}

	db := &DB{conn: conn, log: log}
	if err := db.initSchema(); err != nil {
		conn.Close()
		return nil, err
	}
	log.Debug("store opened", zap.String("path", path))
	return db, nil
}

// Close closes the database connection.
func (db *DB) Close() error {
	return db.conn.Close()
}

func (db *DB) initSchema() error {
	const ddl = `
CREATE TABLE IF NOT EXISTS change_records (
    id         TEXT PRIMARY KEY,
    payload    TEXT NOT NULL,
    created_at TEXT NOT NULL
);
CREATE TABLE IF NOT EXISTS detection_results (
    change_id       TEXT PRIMARY KEY,
    is_ai_assisted  INTEGER NOT NULL,
    confidence      REAL NOT NULL,
    ai_tools        TEXT NOT NULL,
    signals         TEXT NOT NULL,
    pattern_version TEXT NOT NULL,
    llm_raw         TEXT,
    detected_at     TEXT NOT NULL,
    row_version     INTEGER NOT NULL DEFAULT 1
);
CREATE TABLE IF NOT EXISTS llm_verdicts (
    change_id  TEXT PRIMARY KEY,
    verdict    TEXT NOT NULL,
    created_at TEXT NOT NULL
);
CREATE TABLE IF NOT EXISTS llm_batches (
    id         TEXT PRIMARY KEY,
    pending    TEXT NOT NULL,
    created_at TEXT NOT NULL
);
CREATE TABLE IF NOT EXISTS backfill_checkpoints (
    run_id          TEXT PRIMARY KEY,
    last_change_id  TEXT NOT NULL,
    pattern_version TEXT NOT NULL,
    updated_at      TEXT NOT NULL
);`
	if _, err := db.conn.Exec(ddl); err != nil {
		return fmt.Errorf("store: init schema: %w", err)
	}
	return nil
}

// WithTx executes fn inside a transaction, rolling back on error or panic.
func (db *DB) WithTx(fn func(*sql.Tx) error) error {
	tx, err := db.conn.Begin()
	if err != nil {
		return fmt.Errorf("store: begin tx: %w", err)
	}
	defer func() {
		if p := recover(); p != nil {
			tx.Rollback()
			panic(p)
		}
	}()
	if err := fn(tx); err != nil {
		if rbErr := tx.Rollback(); rbErr != nil {
			db.log.Error("rollback failed", zap.Error(rbErr), zap.NamedError("cause", err))
		}
		return err
	}
	if err := tx.Commit(); err != nil {
		return fmt.Errorf("store: commit tx: %w", err)
	}
	return nil
}

func now() string { return time.Now().UTC().Format(time.RFC3339Nano) }

// ── Change records (read side; write is for ingestion and tests) ─────────────

// PutChangeRecord stores a change record. Owned by the ingestion subsystem;
// exposed here for the CLI's file-based intake and for tests.
func (db *DB) PutChangeRecord(rec *schema.ChangeRecord) error {
	payload, err := json.Marshal(rec)
	if err != nil {
		return fmt.Errorf("store: marshal change record: %w", err)
	}
	_, err = db.conn.Exec(`
INSERT INTO change_records (id, payload, created_at) VALUES (?, ?, ?)
ON CONFLICT(id) DO UPDATE SET payload = excluded.payload`,
		rec.ID, string(payload), now())
	if err != nil {
		return fmt.Errorf("store: put change record: %w", err)
	}
	return nil
}

// GetChangeRecord loads one change record by ID.
func (db *DB) GetChangeRecord(id string) (*schema.ChangeRecord, error) {
	var payload string
	err := db.conn.QueryRow(`SELECT payload FROM change_records WHERE id = ?`, id).Scan(&payload)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, fmt.Errorf("store: change record %s: %w", id, ErrNotFound)
	}
	if err != nil {
		return nil, fmt.Errorf("store: get change record: %w", err)
	}
	var rec schema.ChangeRecord
	if err := json.Unmarshal([]byte(payload), &rec); err != nil {
		return nil, fmt.Errorf("store: unmarshal change record %s: %w", id, err)
	}
	return &rec, nil
}

// ListChangeIDs returns up to limit change-record IDs strictly after afterID
// in lexicographic order. Pass "" to start from the beginning. This is the
// backfill cursor: IDs are stable, so resuming from a checkpoint never
// revisits completed records.
func (db *DB) ListChangeIDs(afterID string, limit int) ([]string, error) {
	rows, err := db.conn.Query(
		`SELECT id FROM change_records WHERE id > ? ORDER BY id LIMIT ?`, afterID, limit)
	if err != nil {
		return nil, fmt.Errorf("store: list change ids: %w", err)
	}
	defer rows.Close()
	var ids []string
	for rows.Next() {
		var id string
		if err := rows.Scan(&id); err != nil {
			return nil, fmt.Errorf("store: scan change id: %w", err)
		}
		ids = append(ids, id)
	}
	return ids, rows.Err()
}

// ── Detection results ────────────────────────────────────────────────────────

type resultRow struct {
	result     schema.DetectionResult
	rowVersion int64
}

func scanResult(scan func(...any) error) (*resultRow, error) {
	var (
		r        resultRow
		assisted int64
		tools    string
		signals  string
		llmRaw   sql.NullString
		detected string
	)
	err := scan(&r.result.ChangeID, &assisted, &r.result.ConfidenceScore,
		&tools, &signals, &r.result.PatternVersion, &llmRaw, &detected, &r.rowVersion)
	if err != nil {
		return nil, err
	}
	r.result.IsAIAssisted = assisted != 0
	if err := json.Unmarshal([]byte(tools), &r.result.AITools); err != nil {
		return nil, fmt.Errorf("unmarshal ai_tools: %w", err)
	}
	if err := json.Unmarshal([]byte(signals), &r.result.Signals); err != nil {
		return nil, fmt.Errorf("unmarshal signals: %w", err)
	}
	if llmRaw.Valid {
		var v schema.LLMVerdict
		if err := json.Unmarshal([]byte(llmRaw.String), &v); err != nil {
			return nil, fmt.Errorf("unmarshal llm_raw: %w", err)
		}
		r.result.LLMRaw = &v
	}
	t, err := time.Parse(time.RFC3339Nano, detected)
	if err != nil {
		return nil, fmt.Errorf("parse detected_at: %w", err)
	}
	r.result.DetectedAt = t
	return &r, nil
}

const resultCols = `change_id, is_ai_assisted, confidence, ai_tools, signals,
pattern_version, llm_raw, detected_at, row_version`

// GetResult loads the detection result for one change record along with its
// optimistic row version (0 when no result exists yet).
func (db *DB) GetResult(changeID string) (*schema.DetectionResult, int64, error) {
	row := db.conn.QueryRow(
		`SELECT `+resultCols+` FROM detection_results WHERE change_id = ?`, changeID)
	r, err := scanResult(row.Scan)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, 0, fmt.Errorf("store: result %s: %w", changeID, ErrNotFound)
	}
	if err != nil {
		return nil, 0, fmt.Errorf("store: get result: %w", err)
	}
	return &r.result, r.rowVersion, nil
}

func marshalResult(res *schema.DetectionResult) (tools, signals string, llmRaw any, err error) {
	tb, err := json.Marshal(res.AITools)
	if err != nil {
		return "", "", nil, fmt.Errorf("marshal ai_tools: %w", err)
	}
	sb, err := json.Marshal(res.Signals)
	if err != nil {
		return "", "", nil, fmt.Errorf("marshal signals: %w", err)
	}
	llmRaw = nil
	if res.LLMRaw != nil {
		lb, err := json.Marshal(res.LLMRaw)
		if err != nil {
			return "", "", nil, fmt.Errorf("marshal llm_raw: %w", err)
		}
		llmRaw = string(lb)
	}
	return string(tb), string(sb), llmRaw, nil
}

// SaveResult writes a detection result as an idempotent overwrite keyed by
// change ID, bumping the row version.
func (db *DB) SaveResult(res *schema.DetectionResult) error {
	tools, signals, llmRaw, err := marshalResult(res)
	if err != nil {
		return fmt.Errorf("store: %w", err)
	}
	_, err = db.conn.Exec(`
INSERT INTO detection_results
    (change_id, is_ai_assisted, confidence, ai_tools, signals, pattern_version, llm_raw, detected_at, row_version)
VALUES (?, ?, ?, ?, ?, ?, ?, ?, 1)
ON CONFLICT(change_id) DO UPDATE SET
    is_ai_assisted  = excluded.is_ai_assisted,
    confidence      = excluded.confidence,
    ai_tools        = excluded.ai_tools,
    signals         = excluded.signals,
    pattern_version = excluded.pattern_version,
    llm_raw         = excluded.llm_raw,
    detected_at     = excluded.detected_at,
    row_version     = detection_results.row_version + 1`,
		res.ChangeID, boolInt(res.IsAIAssisted), res.ConfidenceScore,
		tools, signals, res.PatternVersion, llmRaw, res.DetectedAt.UTC().Format(time.RFC3339Nano))
	if err != nil {
		return fmt.Errorf("store: save result: %w", err)
	}
	return nil
}

// CompareAndSaveResult overwrites the result only if the stored row version
// still equals expectedVersion (0 means "no row yet"). Returns
// ErrVersionConflict when another writer got there first.
func (db *DB) CompareAndSaveResult(res *schema.DetectionResult, expectedVersion int64) error {
	tools, signals, llmRaw, err := marshalResult(res)
	if err != nil {
		return fmt.Errorf("store: %w", err)
	}
	detectedAt := res.DetectedAt.UTC().Format(time.RFC3339Nano)

	if expectedVersion == 0 {
		_, err := db.conn.Exec(`
INSERT INTO detection_results
    (change_id, is_ai_assisted, confidence, ai_tools, signals, pattern_version, llm_raw, detected_at, row_version)
VALUES (?, ?, ?, ?, ?, ?, ?, ?, 1)`,
			res.ChangeID, boolInt(res.IsAIAssisted), res.ConfidenceScore,
			tools, signals, res.PatternVersion, llmRaw, detectedAt)
		if err != nil {
			// A concurrent insert surfaces as a primary-key violation.
			return fmt.Errorf("store: %w (%v)", ErrVersionConflict, err)
		}
		return nil
	}

	r, err := db.conn.Exec(`
UPDATE detection_results SET
    is_ai_assisted  = ?,
    confidence      = ?,
    ai_tools        = ?,
    signals         = ?,
    pattern_version = ?,
    llm_raw         = ?,
    detected_at     = ?,
    row_version     = row_version + 1
WHERE change_id = ? AND row_version = ?`,
		boolInt(res.IsAIAssisted), res.ConfidenceScore, tools, signals,
		res.PatternVersion, llmRaw, detectedAt, res.ChangeID, expectedVersion)
	if err != nil {
		return fmt.Errorf("store: compare-and-save: %w", err)
	}
	n, err := r.RowsAffected()
	if err != nil {
		return fmt.Errorf("store: rows affected: %w", err)
	}
	if n == 0 {
		return ErrVersionConflict
	}
	return nil
}

func boolInt(b bool) int64 {
	if b {
		return 1
	}
	return 0
}

// ── LLM verdicts (reused across backfills) ───────────────────────────────────

// SaveLLMVerdict stores a semantic verdict for reuse: backfills re-aggregate
// with stored verdicts instead of re-issuing inference calls.
func (db *DB) SaveLLMVerdict(changeID string, v *schema.LLMVerdict) error {
	b, err := json.Marshal(v)
	if err != nil {
		return fmt.Errorf("store: marshal llm verdict: %w", err)
	}
	_, err = db.conn.Exec(`
INSERT INTO llm_verdicts (change_id, verdict, created_at) VALUES (?, ?, ?)
ON CONFLICT(change_id) DO UPDATE SET verdict = excluded.verdict`,
		changeID, string(b), now())
	if err != nil {
		return fmt.Errorf("store: save llm verdict: %w", err)
	}
	return nil
}

// GetLLMVerdict loads a stored semantic verdict, or ErrNotFound.
func (db *DB) GetLLMVerdict(changeID string) (*schema.LLMVerdict, error) {
	var raw string
	err := db.conn.QueryRow(`SELECT verdict FROM llm_verdicts WHERE change_id = ?`, changeID).Scan(&raw)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, fmt.Errorf("store: llm verdict %s: %w", changeID, ErrNotFound)
	}
	if err != nil {
		return nil, fmt.Errorf("store: get llm verdict: %w", err)
	}
	var v schema.LLMVerdict
	if err := json.Unmarshal([]byte(raw), &v); err != nil {
		return nil, fmt.Errorf("store: unmarshal llm verdict: %w", err)
	}
	return &v, nil
}

// ── In-flight LLM batches ────────────────────────────────────────────────────

// SaveBatch records a submitted batch and the change IDs still awaiting a
// verdict. An empty pending list deletes the row.
func (db *DB) SaveBatch(batchID string, pending []string) error {
	if len(pending) == 0 {
		_, err := db.conn.Exec(`DELETE FROM llm_batches WHERE id = ?`, batchID)
		if err != nil {
			return fmt.Errorf("store: delete batch: %w", err)
		}
		return nil
	}
	b, err := json.Marshal(pending)
	if err != nil {
		return fmt.Errorf("store: marshal batch: %w", err)
	}
	_, err = db.conn.Exec(`
INSERT INTO llm_batches (id, pending, created_at) VALUES (?, ?, ?)
ON CONFLICT(id) DO UPDATE SET pending = excluded.pending`,
		batchID, string(b), now())
	if err != nil {
		return fmt.Errorf("store: save batch: %w", err)
	}
	return nil
}

// PendingBatches lists all in-flight batches and their unresolved change IDs.
func (db *DB) PendingBatches() (map[string][]string, error) {
	rows, err := db.conn.Query(`SELECT id, pending FROM llm_batches ORDER BY created_at`)
	if err != nil {
		return nil, fmt.Errorf("store: pending batches: %w", err)
	}
	defer rows.Close()
	out := make(map[string][]string)
	for rows.Next() {
		var id, raw string
		if err := rows.Scan(&id, &raw); err != nil {
			return nil, fmt.Errorf("store: scan batch: %w", err)
		}
		var ids []string
		if err := json.Unmarshal([]byte(raw), &ids); err != nil {
			return nil, fmt.Errorf("store: unmarshal batch %s: %w", id, err)
		}
		out[id] = ids
	}
	return out, rows.Err()
}

// ── Backfill checkpoints ─────────────────────────────────────────────────────

// SaveCheckpoint records the last fully processed change ID for a backfill
// run. Written once per batch, inside the batch's result transaction window.
func (db *DB) SaveCheckpoint(runID, lastChangeID, patternVersion string) error {
	_, err := db.conn.Exec(`
INSERT INTO backfill_checkpoints (run_id, last_change_id, pattern_version, updated_at)
VALUES (?, ?, ?, ?)
ON CONFLICT(run_id) DO UPDATE SET
    last_change_id = excluded.last_change_id,
    pattern_version = excluded.pattern_version,
    updated_at = excluded.updated_at`,
		runID, lastChangeID, patternVersion, now())
	if err != nil {
		return fmt.Errorf("store: save checkpoint: %w", err)
	}
	return nil
}

// GetCheckpoint returns the last processed change ID for a run, or "" with no
// error when the run has no checkpoint yet.
func (db *DB) GetCheckpoint(runID string) (lastChangeID string, err error) {
	err = db.conn.QueryRow(
		`SELECT last_change_id FROM backfill_checkpoints WHERE run_id = ?`, runID).Scan(&lastChangeID)
	if errors.Is(err, sql.ErrNoRows) {
		return "", nil
	}
	if err != nil {
		return "", fmt.Errorf("store: get checkpoint: %w", err)
	}
	return lastChangeID, nil
}

// ClearCheckpoint removes a completed run's checkpoint.
func (db *DB) ClearCheckpoint(runID string) error {
	if _, err := db.conn.Exec(`DELETE FROM backfill_checkpoints WHERE run_id = ?`, runID); err != nil {
		return fmt.Errorf("store: clear checkpoint: %w", err)
	}
	return nil
}
