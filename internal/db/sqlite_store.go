package db

import (
	"context"
	"crypto/rand"
	"crypto/sha256"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"log"
	"strings"
	"time"

	_ "github.com/mattn/go-sqlite3"
	"golang.org/x/crypto/chacha20poly1305"

	"github.com/stoaworks/stoa/internal/models"
)

const schema = `
CREATE TABLE IF NOT EXISTS score_history (
	id TEXT PRIMARY KEY,
	instrument TEXT NOT NULL,
	ciphertext BLOB NOT NULL,
	created_at TIMESTAMP NOT NULL
);
CREATE INDEX IF NOT EXISTS idx_score_history_instrument ON score_history(instrument, created_at);
CREATE TABLE IF NOT EXISTS gate_sessions (
	id TEXT PRIMARY KEY,
	ciphertext BLOB NOT NULL,
	updated_at TIMESTAMP NOT NULL
);
CREATE TABLE IF NOT EXISTS audit_log (
	ts TIMESTAMP NOT NULL,
	actor TEXT NOT NULL,
	action TEXT NOT NULL,
	target TEXT,
	note TEXT
);
`

// SQLiteStore is the engine's persistence adapter. Clinical content
// (score records, gate session counters) is sealed with
// ChaCha20-Poly1305 before it touches disk; the store never writes
// unencrypted clinical content.
type SQLiteStore struct {
	db   *sql.DB
	aead interface {
		Seal(dst, nonce, plaintext, additionalData []byte) []byte
		Open(dst, nonce, ciphertext, additionalData []byte) ([]byte, error)
	}
	now func() time.Time
}

// NewSQLiteStore opens the schema and derives the sealing key from the
// storage secret.
func NewSQLiteStore(database *sql.DB, storageSecret string) (*SQLiteStore, error) {
	if database == nil {
		return nil, errors.New("nil db")
	}
	if strings.TrimSpace(storageSecret) == "" {
		return nil, errors.New("storage secret required")
	}
	pragmas := []string{
		"PRAGMA foreign_keys = ON",
		"PRAGMA journal_mode = WAL",
		"PRAGMA synchronous = NORMAL",
	}
	for _, stmt := range pragmas {
		if _, err := database.Exec(stmt); err != nil {
			return nil, fmt.Errorf("apply sqlite pragma %q: %w", stmt, err)
		}
	}
	if _, err := database.Exec(schema); err != nil {
		return nil, fmt.Errorf("apply schema: %w", err)
	}
	key := sha256.Sum256([]byte(storageSecret))
	aead, err := chacha20poly1305.New(key[:])
	if err != nil {
		return nil, fmt.Errorf("init aead: %w", err)
	}
	return &SQLiteStore{
		db:   database,
		aead: aead,
		now:  func() time.Time { return time.Now().UTC() },
	}, nil
}

func (s *SQLiteStore) logErr(prefix string, err error) {
	if err != nil {
		log.Printf("sqlite store: %s: %v", prefix, err)
	}
}

// seal encrypts a JSON-marshalled record with a random nonce prefix.
func (s *SQLiteStore) seal(v any) ([]byte, error) {
	plain, err := json.Marshal(v)
	if err != nil {
		return nil, err
	}
	nonce := make([]byte, chacha20poly1305.NonceSize)
	if _, err := rand.Read(nonce); err != nil {
		return nil, err
	}
	return s.aead.Seal(nonce, nonce, plain, nil), nil
}

func (s *SQLiteStore) open(blob []byte, v any) error {
	if len(blob) < chacha20poly1305.NonceSize {
		return errors.New("ciphertext too short")
	}
	nonce, ct := blob[:chacha20poly1305.NonceSize], blob[chacha20poly1305.NonceSize:]
	plain, err := s.aead.Open(nil, nonce, ct, nil)
	if err != nil {
		return err
	}
	return json.Unmarshal(plain, v)
}

// AppendScoreHistory writes one append-only encrypted record per
// completed questionnaire.
func (s *SQLiteStore) AppendScoreHistory(ctx context.Context, res *models.ScoreResult) error {
	blob, err := s.seal(res)
	if err != nil {
		return fmt.Errorf("seal score record: %w", err)
	}
	_, err = s.db.ExecContext(ctx,
		`INSERT INTO score_history (id, instrument, ciphertext, created_at) VALUES (?, ?, ?, ?)`,
		res.ID, string(res.Instrument), blob, res.ComputedAt)
	if err != nil {
		return fmt.Errorf("append score history: %w", err)
	}
	return nil
}

// GetMostRecentScore returns the latest stored score for an instrument,
// or nil when none exists.
func (s *SQLiteStore) GetMostRecentScore(ctx context.Context, instr models.Instrument) (*models.ScoreResult, error) {
	row := s.db.QueryRowContext(ctx,
		`SELECT ciphertext FROM score_history WHERE instrument = ? ORDER BY created_at DESC, id DESC LIMIT 1`,
		string(instr))
	var blob []byte
	if err := row.Scan(&blob); err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, nil
		}
		return nil, fmt.Errorf("get most recent score: %w", err)
	}
	var res models.ScoreResult
	if err := s.open(blob, &res); err != nil {
		return nil, fmt.Errorf("unseal score record: %w", err)
	}
	return &res, nil
}

// DeleteScoreHistory purges all stored score records and returns the
// number removed.
func (s *SQLiteStore) DeleteScoreHistory(ctx context.Context) (int, error) {
	res, err := s.db.ExecContext(ctx, `DELETE FROM score_history`)
	if err != nil {
		return 0, fmt.Errorf("delete score history: %w", err)
	}
	n, _ := res.RowsAffected()
	return int(n), nil
}

// PutGateSession upserts the ephemeral per-session practice counters.
func (s *SQLiteStore) PutGateSession(ctx context.Context, gs *models.GateSession) error {
	blob, err := s.seal(gs)
	if err != nil {
		return fmt.Errorf("seal gate session: %w", err)
	}
	_, err = s.db.ExecContext(ctx,
		`INSERT INTO gate_sessions (id, ciphertext, updated_at) VALUES (?, ?, ?)
		 ON CONFLICT(id) DO UPDATE SET ciphertext = excluded.ciphertext, updated_at = excluded.updated_at`,
		gs.ID, blob, s.now())
	if err != nil {
		return fmt.Errorf("put gate session: %w", err)
	}
	return nil
}

// GetGateSession returns a session's counters, or nil when unknown.
func (s *SQLiteStore) GetGateSession(ctx context.Context, id string) (*models.GateSession, error) {
	row := s.db.QueryRowContext(ctx, `SELECT ciphertext FROM gate_sessions WHERE id = ?`, id)
	var blob []byte
	if err := row.Scan(&blob); err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, nil
		}
		return nil, fmt.Errorf("get gate session: %w", err)
	}
	var gs models.GateSession
	if err := s.open(blob, &gs); err != nil {
		return nil, fmt.Errorf("unseal gate session: %w", err)
	}
	return &gs, nil
}

// DeleteGateSession discards a session's counters at session end.
func (s *SQLiteStore) DeleteGateSession(ctx context.Context, id string) error {
	_, err := s.db.ExecContext(ctx, `DELETE FROM gate_sessions WHERE id = ?`, id)
	if err != nil {
		return fmt.Errorf("delete gate session: %w", err)
	}
	return nil
}

// AddAudit appends an audit entry. Best effort: failures are logged,
// never propagated into the caller's path.
func (s *SQLiteStore) AddAudit(e models.AuditEntry) {
	ts := e.Time
	if ts.IsZero() {
		ts = s.now()
	}
	_, err := s.db.Exec(
		`INSERT INTO audit_log (ts, actor, action, target, note) VALUES (?, ?, ?, ?, ?)`,
		ts, e.Actor, e.Action, e.Target, e.Note)
	s.logErr("AddAudit", err)
}

// ListAudit returns the newest audit entries, capped at 500.
func (s *SQLiteStore) ListAudit() []models.AuditEntry {
	rows, err := s.db.Query(
		`SELECT ts, actor, action, COALESCE(target, ''), COALESCE(note, '') FROM audit_log ORDER BY ts DESC LIMIT 500`)
	if err != nil {
		s.logErr("ListAudit", err)
		return nil
	}
	defer rows.Close()
	var out []models.AuditEntry
	for rows.Next() {
		var e models.AuditEntry
		if err := rows.Scan(&e.Time, &e.Actor, &e.Action, &e.Target, &e.Note); err != nil {
			s.logErr("ListAudit scan", err)
			return out
		}
		out = append(out, e)
	}
	s.logErr("ListAudit rows", rows.Err())
	return out
}
