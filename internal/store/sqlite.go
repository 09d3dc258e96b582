package store

import (
	"context"
	"database/sql"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/google/uuid"
	_ "modernc.org/sqlite"
)

// SQLiteStore implements BridgeRequestStore and PairingStore on a local
// SQLite database. This is the standalone-mode backend.
type SQLiteStore struct {
	db *sql.DB
	mu sync.Mutex
}

// NewSQLiteStore opens (or creates) a SQLite database at the given path
// and initializes the schema. Use ":memory:" for tests.
func NewSQLiteStore(dbPath string) (*SQLiteStore, error) {
	db, err := sql.Open("sqlite", dbPath+"?_pragma=journal_mode(WAL)&_pragma=busy_timeout(5000)")
	if err != nil {
		return nil, fmt.Errorf("open sqlite: %w", err)
	}

	s := &SQLiteStore{db: db}
	if err := s.migrate(); err != nil {
		db.Close()
		return nil, fmt.Errorf("migrate: %w", err)
	}

	slog.Info("bridge store opened", "path", dbPath)
	return s, nil
}

func (s *SQLiteStore) migrate() error {
	stmts := []string{
		`CREATE TABLE IF NOT EXISTS bridge_requests (
			id TEXT PRIMARY KEY,
			credential_hash TEXT NOT NULL,
			user_id TEXT NOT NULL,
			conversation_id TEXT NOT NULL,
			message TEXT NOT NULL,
			response TEXT NOT NULL DEFAULT '',
			status TEXT NOT NULL DEFAULT 'pending',
			created_at INTEGER NOT NULL,
			responded_at INTEGER
		)`,
		`CREATE INDEX IF NOT EXISTS idx_bridge_requests_cred_status ON bridge_requests(credential_hash, status)`,
		`CREATE TABLE IF NOT EXISTS pairings (
			credential_hash TEXT PRIMARY KEY,
			user_id TEXT NOT NULL UNIQUE,
			created_at INTEGER NOT NULL
		)`,
		`CREATE TABLE IF NOT EXISTS pairing_codes (
			code TEXT PRIMARY KEY,
			credential_hash TEXT NOT NULL,
			expires_at INTEGER NOT NULL,
			claimed_by TEXT NOT NULL DEFAULT '',
			created_at INTEGER NOT NULL
		)`,
		`CREATE INDEX IF NOT EXISTS idx_pairing_codes_cred ON pairing_codes(credential_hash)`,
	}

	for _, stmt := range stmts {
		if _, err := s.db.Exec(stmt); err != nil {
			return fmt.Errorf("exec %q: %w", stmt[:min(len(stmt), 60)], err)
		}
	}
	return nil
}

// --- BridgeRequestStore ---

func (s *SQLiteStore) CreateRequest(ctx context.Context, rec *BridgeRequestRecord) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if rec.Status == "" {
		rec.Status = StatusPending
	}
	if rec.CreatedAt.IsZero() {
		rec.CreatedAt = time.Now()
	}
	_, err := s.db.ExecContext(ctx,
		`INSERT INTO bridge_requests (id, credential_hash, user_id, conversation_id, message, response, status, created_at)
		 VALUES (?, ?, ?, ?, ?, ?, ?, ?)`,
		rec.ID.String(), rec.CredentialHash, rec.UserID, rec.ConversationID.String(),
		rec.Message, rec.Response, string(rec.Status), rec.CreatedAt.UnixMilli())
	if err != nil {
		return fmt.Errorf("insert bridge request: %w", err)
	}
	return nil
}

func (s *SQLiteStore) MarkResponded(ctx context.Context, id uuid.UUID, response string) error {
	return s.transition(ctx, id, StatusPending, StatusResponded, &response)
}

func (s *SQLiteStore) MarkTimeout(ctx context.Context, id uuid.UUID) error {
	return s.transition(ctx, id, StatusPending, StatusTimeout, nil)
}

func (s *SQLiteStore) AttachLateResponse(ctx context.Context, id uuid.UUID, response string) error {
	return s.transition(ctx, id, StatusTimeout, StatusTimeoutResponded, &response)
}

// transition moves a row from one status to another, guarded so a row in
// any other state is left untouched. Setting response also stamps
// responded_at, preserving the "responded_at iff responded/timeout_responded"
// invariant.
func (s *SQLiteStore) transition(ctx context.Context, id uuid.UUID, from, to BridgeRequestStatus, response *string) error {
	if !CanTransition(from, to) {
		return fmt.Errorf("illegal transition %s→%s", from, to)
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	var res sql.Result
	var err error
	if response != nil {
		res, err = s.db.ExecContext(ctx,
			`UPDATE bridge_requests SET status = ?, response = ?, responded_at = ? WHERE id = ? AND status = ?`,
			string(to), *response, time.Now().UnixMilli(), id.String(), string(from))
	} else {
		res, err = s.db.ExecContext(ctx,
			`UPDATE bridge_requests SET status = ? WHERE id = ? AND status = ?`,
			string(to), id.String(), string(from))
	}
	if err != nil {
		return fmt.Errorf("transition %s→%s: %w", from, to, err)
	}
	n, _ := res.RowsAffected()
	if n == 0 {
		return ErrNotFound
	}
	return nil
}

func (s *SQLiteStore) GetRequest(ctx context.Context, id uuid.UUID) (*BridgeRequestRecord, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	row := s.db.QueryRowContext(ctx,
		`SELECT id, credential_hash, user_id, conversation_id, message, response, status, created_at, responded_at
		 FROM bridge_requests WHERE id = ?`, id.String())
	rec, err := scanBridgeRequest(row)
	if err == sql.ErrNoRows {
		return nil, ErrNotFound
	}
	return rec, err
}

func (s *SQLiteStore) ConsumePending(ctx context.Context, credentialHash string) ([]BridgeRequestRecord, []BridgeRequestRecord, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return nil, nil, err
	}
	defer tx.Rollback()

	rows, err := tx.QueryContext(ctx,
		`SELECT id, credential_hash, user_id, conversation_id, message, response, status, created_at, responded_at
		 FROM bridge_requests
		 WHERE credential_hash = ? AND status IN ('timeout', 'timeout_responded')
		 ORDER BY created_at`, credentialHash)
	if err != nil {
		return nil, nil, fmt.Errorf("query pending: %w", err)
	}

	var timedOut, answered []BridgeRequestRecord
	for rows.Next() {
		rec, err := scanBridgeRequest(rows)
		if err != nil {
			continue
		}
		if rec.Status == StatusTimeoutResponded {
			answered = append(answered, *rec)
		} else {
			timedOut = append(timedOut, *rec)
		}
	}
	rows.Close()

	// Flip every returned timeout_responded row to consumed in the same
	// transaction so a second call never surfaces it again.
	for _, rec := range answered {
		if _, err := tx.ExecContext(ctx,
			`UPDATE bridge_requests SET status = ? WHERE id = ? AND status = ?`,
			string(StatusConsumed), rec.ID.String(), string(StatusTimeoutResponded)); err != nil {
			return nil, nil, fmt.Errorf("consume %s: %w", rec.ID, err)
		}
	}

	if err := tx.Commit(); err != nil {
		return nil, nil, err
	}
	return timedOut, answered, nil
}

type rowScanner interface {
	Scan(dest ...any) error
}

func scanBridgeRequest(row rowScanner) (*BridgeRequestRecord, error) {
	var rec BridgeRequestRecord
	var id, convID, status string
	var createdAt int64
	var respondedAt sql.NullInt64
	if err := row.Scan(&id, &rec.CredentialHash, &rec.UserID, &convID, &rec.Message,
		&rec.Response, &status, &createdAt, &respondedAt); err != nil {
		return nil, err
	}
	rec.ID, _ = uuid.Parse(id)
	rec.ConversationID, _ = uuid.Parse(convID)
	rec.Status = BridgeRequestStatus(status)
	rec.CreatedAt = time.UnixMilli(createdAt)
	if respondedAt.Valid {
		t := time.UnixMilli(respondedAt.Int64)
		rec.RespondedAt = &t
	}
	return &rec, nil
}

// --- PairingStore ---

func (s *SQLiteStore) SaveCode(ctx context.Context, code *PairingCode) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if code.CreatedAt.IsZero() {
		code.CreatedAt = time.Now()
	}
	res, err := s.db.ExecContext(ctx,
		`INSERT OR IGNORE INTO pairing_codes (code, credential_hash, expires_at, claimed_by, created_at)
		 VALUES (?, ?, ?, ?, ?)`,
		code.Code, code.CredentialHash, code.ExpiresAt.UnixMilli(), code.ClaimedBy, code.CreatedAt.UnixMilli())
	if err != nil {
		return fmt.Errorf("insert pairing code: %w", err)
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return ErrConflict
	}
	return nil
}

func (s *SQLiteStore) GetCode(ctx context.Context, code string) (*PairingCode, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	var pc PairingCode
	var expiresAt, createdAt int64
	err := s.db.QueryRowContext(ctx,
		`SELECT code, credential_hash, expires_at, claimed_by, created_at FROM pairing_codes WHERE code = ?`,
		code).Scan(&pc.Code, &pc.CredentialHash, &expiresAt, &pc.ClaimedBy, &createdAt)
	if err == sql.ErrNoRows {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, err
	}
	pc.ExpiresAt = time.UnixMilli(expiresAt)
	pc.CreatedAt = time.UnixMilli(createdAt)
	return &pc, nil
}

func (s *SQLiteStore) ClaimCode(ctx context.Context, code, userID string) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	res, err := s.db.ExecContext(ctx,
		`UPDATE pairing_codes SET claimed_by = ? WHERE code = ? AND claimed_by = ''`,
		userID, code)
	if err != nil {
		return fmt.Errorf("claim code: %w", err)
	}
	n, _ := res.RowsAffected()
	if n == 0 {
		return ErrNotFound
	}
	return nil
}

func (s *SQLiteStore) InvalidateCodes(ctx context.Context, credentialHash string) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	_, err := s.db.ExecContext(ctx,
		`DELETE FROM pairing_codes WHERE credential_hash = ? AND claimed_by = ''`, credentialHash)
	return err
}

func (s *SQLiteStore) CreatePairing(ctx context.Context, rec *PairingRecord) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if rec.CreatedAt.IsZero() {
		rec.CreatedAt = time.Now()
	}
	_, err := s.db.ExecContext(ctx,
		`INSERT INTO pairings (credential_hash, user_id, created_at) VALUES (?, ?, ?)`,
		rec.CredentialHash, rec.UserID, rec.CreatedAt.UnixMilli())
	if err != nil {
		return fmt.Errorf("insert pairing: %w", err)
	}
	return nil
}

func (s *SQLiteStore) PairingByCredential(ctx context.Context, credentialHash string) (*PairingRecord, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.queryPairing(ctx, `SELECT credential_hash, user_id, created_at FROM pairings WHERE credential_hash = ?`, credentialHash)
}

func (s *SQLiteStore) PairingByUser(ctx context.Context, userID string) (*PairingRecord, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.queryPairing(ctx, `SELECT credential_hash, user_id, created_at FROM pairings WHERE user_id = ?`, userID)
}

func (s *SQLiteStore) queryPairing(ctx context.Context, query, arg string) (*PairingRecord, error) {
	var rec PairingRecord
	var createdAt int64
	err := s.db.QueryRowContext(ctx, query, arg).Scan(&rec.CredentialHash, &rec.UserID, &createdAt)
	if err == sql.ErrNoRows {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, err
	}
	rec.CreatedAt = time.UnixMilli(createdAt)
	return &rec, nil
}

func (s *SQLiteStore) RemovePairing(ctx context.Context, credentialHash string) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	res, err := s.db.ExecContext(ctx, `DELETE FROM pairings WHERE credential_hash = ?`, credentialHash)
	if err != nil {
		return err
	}
	n, _ := res.RowsAffected()
	if n == 0 {
		return ErrNotFound
	}
	return nil
}

func (s *SQLiteStore) ListPairings(ctx context.Context) ([]PairingRecord, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	rows, err := s.db.QueryContext(ctx, `SELECT credential_hash, user_id, created_at FROM pairings ORDER BY created_at`)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var out []PairingRecord
	for rows.Next() {
		var rec PairingRecord
		var createdAt int64
		if err := rows.Scan(&rec.CredentialHash, &rec.UserID, &createdAt); err != nil {
			continue
		}
		rec.CreatedAt = time.UnixMilli(createdAt)
		out = append(out, rec)
	}
	return out, nil
}

// Close closes the underlying database.
func (s *SQLiteStore) Close() error {
	return s.db.Close()
}
