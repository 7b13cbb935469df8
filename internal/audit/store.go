// Package audit persists the append-only audit trail (every resolver
// decision and every model-stage call) plus the content-addressed
// whole-document extraction cache. Records are only ever appended; a
// re-resolution supersedes earlier rows rather than rewriting them.
package audit

import (
	"database/sql"
	"encoding/json"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/jmoiron/sqlx"
	_ "modernc.org/sqlite"

	"github.com/kestrel-lab/paramextract/internal/modelassist"
	"github.com/kestrel-lab/paramextract/internal/resolve"
)

const schema = `
CREATE TABLE IF NOT EXISTS resolutions (
	id            TEXT PRIMARY KEY,
	run_id        TEXT NOT NULL,
	study_id      TEXT NOT NULL,
	scope_ordinal INTEGER NOT NULL,
	param_key     TEXT NOT NULL,
	method        TEXT NOT NULL,
	final_value   TEXT NOT NULL,
	confidence    REAL NOT NULL,
	requires_review INTEGER NOT NULL DEFAULT 0,
	decision_path TEXT NOT NULL DEFAULT '[]',
	candidates    TEXT NOT NULL DEFAULT '[]',
	created_at    TEXT NOT NULL
);

CREATE TABLE IF NOT EXISTS model_calls (
	id            TEXT PRIMARY KEY,
	run_id        TEXT NOT NULL,
	study_id      TEXT NOT NULL,
	scope_ordinal INTEGER NOT NULL,
	stage         TEXT NOT NULL,
	prompt        TEXT NOT NULL DEFAULT '',
	response      TEXT NOT NULL DEFAULT '',
	accepted      TEXT NOT NULL DEFAULT '[]',
	discarded     TEXT NOT NULL DEFAULT '[]',
	calls         INTEGER NOT NULL DEFAULT 0,
	skipped       INTEGER NOT NULL DEFAULT 0,
	skip_reason   TEXT NOT NULL DEFAULT '',
	created_at    TEXT NOT NULL
);

CREATE TABLE IF NOT EXISTS snapshots (
	doc_hash   TEXT NOT NULL,
	mode       TEXT NOT NULL,
	payload    TEXT NOT NULL,
	created_at TEXT NOT NULL,
	PRIMARY KEY (doc_hash, mode)
);
`

type Store struct {
	db *sqlx.DB
}

func NewStore(dbPath string) (*Store, error) {
	db, err := sqlx.Open("sqlite", dbPath+"?_pragma=journal_mode(wal)&_pragma=busy_timeout(5000)")
	if err != nil {
		return nil, fmt.Errorf("open audit db: %w", err)
	}
	db.SetMaxOpenConns(1)
	if _, err := db.Exec(schema); err != nil {
		db.Close()
		return nil, fmt.Errorf("create audit schema: %w", err)
	}
	return &Store{db: db}, nil
}

func (s *Store) Close() error {
	return s.db.Close()
}

func marshalJSON(v any) string {
	if v == nil {
		return "[]"
	}
	b, err := json.Marshal(v)
	if err != nil {
		return "[]"
	}
	return string(b)
}

// AppendResolution records one resolver decision.
func (s *Store) AppendResolution(runID, studyID string, scopeOrdinal int, a resolve.Audit) error {
	_, err := s.db.Exec(`INSERT INTO resolutions (id, run_id, study_id, scope_ordinal, param_key, method, final_value, confidence, requires_review, decision_path, candidates, created_at)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`,
		a.ID,
		runID,
		studyID,
		scopeOrdinal,
		a.Key,
		string(a.Result.Resolution),
		a.Result.Value,
		a.Result.Confidence,
		boolToInt(a.Result.RequiresReview),
		marshalJSON(a.DecisionPath),
		marshalJSON(a.Inputs),
		a.At.UTC().Format(time.RFC3339Nano),
	)
	return err
}

// AppendModelCall records one model-stage invocation, accepted or skipped.
func (s *Store) AppendModelCall(runID, studyID string, scopeOrdinal int, r modelassist.StageReport) error {
	_, err := s.db.Exec(`INSERT INTO model_calls (id, run_id, study_id, scope_ordinal, stage, prompt, response, accepted, discarded, calls, skipped, skip_reason, created_at)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`,
		uuid.NewString(),
		runID,
		studyID,
		scopeOrdinal,
		r.Stage,
		r.Prompt,
		r.Response,
		marshalJSON(r.Accepted),
		marshalJSON(r.Discarded),
		r.Calls,
		boolToInt(r.Skipped),
		r.SkipReason,
		time.Now().UTC().Format(time.RFC3339Nano),
	)
	return err
}

// ResolutionCount reports how many resolution rows exist for a run.
func (s *Store) ResolutionCount(runID string) (int, error) {
	var n int
	err := s.db.Get(&n, "SELECT COUNT(*) FROM resolutions WHERE run_id = ?", runID)
	return n, err
}

// PutSnapshot stores a whole-document result snapshot under its content
// hash and processing mode. A changed document gets a new hash, which
// invalidates the old entry wholesale; there is no partial invalidation.
func (s *Store) PutSnapshot(docHash, mode string, payload any) error {
	b, err := json.Marshal(payload)
	if err != nil {
		return fmt.Errorf("marshal snapshot: %w", err)
	}
	_, err = s.db.Exec(`INSERT OR REPLACE INTO snapshots (doc_hash, mode, payload, created_at) VALUES (?, ?, ?, ?)`,
		docHash, mode, string(b), time.Now().UTC().Format(time.RFC3339Nano))
	return err
}

// GetSnapshot loads a cached snapshot into out. The bool reports a hit.
func (s *Store) GetSnapshot(docHash, mode string, out any) (bool, error) {
	var payload string
	err := s.db.Get(&payload, "SELECT payload FROM snapshots WHERE doc_hash = ? AND mode = ?", docHash, mode)
	if err == sql.ErrNoRows {
		return false, nil
	}
	if err != nil {
		return false, err
	}
	if err := json.Unmarshal([]byte(payload), out); err != nil {
		return false, fmt.Errorf("decode snapshot: %w", err)
	}
	return true, nil
}

func boolToInt(b bool) int {
	if b {
		return 1
	}
	return 0
}
