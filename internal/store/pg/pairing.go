package pg

import (
	"context"
	"database/sql"
	"fmt"
	"time"

	"github.com/nextlevelbuilder/voicebridge/internal/store"
)

// PGPairingStore implements store.PairingStore backed by Postgres.
type PGPairingStore struct {
	db *sql.DB
}

func NewPGPairingStore(db *sql.DB) *PGPairingStore {
	return &PGPairingStore{db: db}
}

func (s *PGPairingStore) SaveCode(ctx context.Context, code *store.PairingCode) error {
	if code.CreatedAt.IsZero() {
		code.CreatedAt = time.Now()
	}
	res, err := s.db.ExecContext(ctx,
		`INSERT INTO pairing_codes (code, credential_hash, expires_at, claimed_by, created_at)
		 VALUES ($1, $2, $3, $4, $5)
		 ON CONFLICT (code) DO NOTHING`,
		code.Code, code.CredentialHash, code.ExpiresAt, code.ClaimedBy, code.CreatedAt)
	if err != nil {
		return fmt.Errorf("insert pairing code: %w", err)
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return store.ErrConflict
	}
	return nil
}

func (s *PGPairingStore) GetCode(ctx context.Context, code string) (*store.PairingCode, error) {
	var pc store.PairingCode
	err := s.db.QueryRowContext(ctx,
		`SELECT code, credential_hash, expires_at, claimed_by, created_at FROM pairing_codes WHERE code = $1`,
		code).Scan(&pc.Code, &pc.CredentialHash, &pc.ExpiresAt, &pc.ClaimedBy, &pc.CreatedAt)
	if err == sql.ErrNoRows {
		return nil, store.ErrNotFound
	}
	if err != nil {
		return nil, err
	}
	return &pc, nil
}

func (s *PGPairingStore) ClaimCode(ctx context.Context, code, userID string) error {
	res, err := s.db.ExecContext(ctx,
		`UPDATE pairing_codes SET claimed_by = $1 WHERE code = $2 AND claimed_by = ''`,
		userID, code)
	if err != nil {
		return fmt.Errorf("claim code: %w", err)
	}
	n, _ := res.RowsAffected()
	if n == 0 {
		return store.ErrNotFound
	}
	return nil
}

func (s *PGPairingStore) InvalidateCodes(ctx context.Context, credentialHash string) error {
	_, err := s.db.ExecContext(ctx,
		`DELETE FROM pairing_codes WHERE credential_hash = $1 AND claimed_by = ''`, credentialHash)
	return err
}

func (s *PGPairingStore) CreatePairing(ctx context.Context, rec *store.PairingRecord) error {
	if rec.CreatedAt.IsZero() {
		rec.CreatedAt = time.Now()
	}
	_, err := s.db.ExecContext(ctx,
		`INSERT INTO pairings (credential_hash, user_id, created_at) VALUES ($1, $2, $3)`,
		rec.CredentialHash, rec.UserID, rec.CreatedAt)
	if err != nil {
		return fmt.Errorf("insert pairing: %w", err)
	}
	return nil
}

func (s *PGPairingStore) PairingByCredential(ctx context.Context, credentialHash string) (*store.PairingRecord, error) {
	return s.queryPairing(ctx,
		`SELECT credential_hash, user_id, created_at FROM pairings WHERE credential_hash = $1`, credentialHash)
}

func (s *PGPairingStore) PairingByUser(ctx context.Context, userID string) (*store.PairingRecord, error) {
	return s.queryPairing(ctx,
		`SELECT credential_hash, user_id, created_at FROM pairings WHERE user_id = $1`, userID)
}

func (s *PGPairingStore) queryPairing(ctx context.Context, query, arg string) (*store.PairingRecord, error) {
	var rec store.PairingRecord
	err := s.db.QueryRowContext(ctx, query, arg).Scan(&rec.CredentialHash, &rec.UserID, &rec.CreatedAt)
	if err == sql.ErrNoRows {
		return nil, store.ErrNotFound
	}
	if err != nil {
		return nil, err
	}
	return &rec, nil
}

func (s *PGPairingStore) RemovePairing(ctx context.Context, credentialHash string) error {
	res, err := s.db.ExecContext(ctx, `DELETE FROM pairings WHERE credential_hash = $1`, credentialHash)
	if err != nil {
		return err
	}
	n, _ := res.RowsAffected()
	if n == 0 {
		return store.ErrNotFound
	}
	return nil
}

func (s *PGPairingStore) ListPairings(ctx context.Context) ([]store.PairingRecord, error) {
	rows, err := s.db.QueryContext(ctx, `SELECT credential_hash, user_id, created_at FROM pairings ORDER BY created_at`)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var out []store.PairingRecord
	for rows.Next() {
		var rec store.PairingRecord
		if err := rows.Scan(&rec.CredentialHash, &rec.UserID, &rec.CreatedAt); err != nil {
			continue
		}
		out = append(out, rec)
	}
	return out, nil
}
