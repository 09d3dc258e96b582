package pg

import (
	"context"
	"database/sql"
	"fmt"
	"time"

	"github.com/google/uuid"

	"github.com/nextlevelbuilder/voicebridge/internal/store"
)

// PGBridgeRequestStore implements store.BridgeRequestStore backed by Postgres.
type PGBridgeRequestStore struct {
	db *sql.DB
}

func NewPGBridgeRequestStore(db *sql.DB) *PGBridgeRequestStore {
	return &PGBridgeRequestStore{db: db}
}

func (s *PGBridgeRequestStore) CreateRequest(ctx context.Context, rec *store.BridgeRequestRecord) error {
	if rec.Status == "" {
		rec.Status = store.StatusPending
	}
	if rec.CreatedAt.IsZero() {
		rec.CreatedAt = time.Now()
	}
	_, err := s.db.ExecContext(ctx,
		`INSERT INTO bridge_requests (id, credential_hash, user_id, conversation_id, message, response, status, created_at)
		 VALUES ($1, $2, $3, $4, $5, $6, $7, $8)`,
		rec.ID, rec.CredentialHash, rec.UserID, rec.ConversationID,
		rec.Message, rec.Response, string(rec.Status), rec.CreatedAt)
	if err != nil {
		return fmt.Errorf("insert bridge request: %w", err)
	}
	return nil
}

func (s *PGBridgeRequestStore) MarkResponded(ctx context.Context, id uuid.UUID, response string) error {
	return s.transition(ctx, id, store.StatusPending, store.StatusResponded, &response)
}

func (s *PGBridgeRequestStore) MarkTimeout(ctx context.Context, id uuid.UUID) error {
	return s.transition(ctx, id, store.StatusPending, store.StatusTimeout, nil)
}

func (s *PGBridgeRequestStore) AttachLateResponse(ctx context.Context, id uuid.UUID, response string) error {
	return s.transition(ctx, id, store.StatusTimeout, store.StatusTimeoutResponded, &response)
}

func (s *PGBridgeRequestStore) transition(ctx context.Context, id uuid.UUID, from, to store.BridgeRequestStatus, response *string) error {
	if !store.CanTransition(from, to) {
		return fmt.Errorf("illegal transition %s→%s", from, to)
	}

	var res sql.Result
	var err error
	if response != nil {
		res, err = s.db.ExecContext(ctx,
			`UPDATE bridge_requests SET status = $1, response = $2, responded_at = $3 WHERE id = $4 AND status = $5`,
			string(to), *response, time.Now(), id, string(from))
	} else {
		res, err = s.db.ExecContext(ctx,
			`UPDATE bridge_requests SET status = $1 WHERE id = $2 AND status = $3`,
			string(to), id, string(from))
	}
	if err != nil {
		return fmt.Errorf("transition %s→%s: %w", from, to, err)
	}
	n, _ := res.RowsAffected()
	if n == 0 {
		return store.ErrNotFound
	}
	return nil
}

func (s *PGBridgeRequestStore) GetRequest(ctx context.Context, id uuid.UUID) (*store.BridgeRequestRecord, error) {
	row := s.db.QueryRowContext(ctx,
		`SELECT id, credential_hash, user_id, conversation_id, message, response, status, created_at, responded_at
		 FROM bridge_requests WHERE id = $1`, id)
	rec, err := scanBridgeRequest(row)
	if err == sql.ErrNoRows {
		return nil, store.ErrNotFound
	}
	return rec, err
}

func (s *PGBridgeRequestStore) ConsumePending(ctx context.Context, credentialHash string) ([]store.BridgeRequestRecord, []store.BridgeRequestRecord, error) {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return nil, nil, err
	}
	defer tx.Rollback()

	rows, err := tx.QueryContext(ctx,
		`SELECT id, credential_hash, user_id, conversation_id, message, response, status, created_at, responded_at
		 FROM bridge_requests
		 WHERE credential_hash = $1 AND status IN ('timeout', 'timeout_responded')
		 ORDER BY created_at
		 FOR UPDATE`, credentialHash)
	if err != nil {
		return nil, nil, fmt.Errorf("query pending: %w", err)
	}

	var timedOut, answered []store.BridgeRequestRecord
	for rows.Next() {
		rec, err := scanBridgeRequest(rows)
		if err != nil {
			continue
		}
		if rec.Status == store.StatusTimeoutResponded {
			answered = append(answered, *rec)
		} else {
			timedOut = append(timedOut, *rec)
		}
	}
	rows.Close()

	for _, rec := range answered {
		if _, err := tx.ExecContext(ctx,
			`UPDATE bridge_requests SET status = $1 WHERE id = $2 AND status = $3`,
			string(store.StatusConsumed), rec.ID, string(store.StatusTimeoutResponded)); err != nil {
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

func scanBridgeRequest(row rowScanner) (*store.BridgeRequestRecord, error) {
	var rec store.BridgeRequestRecord
	var status string
	var respondedAt sql.NullTime
	if err := row.Scan(&rec.ID, &rec.CredentialHash, &rec.UserID, &rec.ConversationID,
		&rec.Message, &rec.Response, &status, &rec.CreatedAt, &respondedAt); err != nil {
		return nil, err
	}
	rec.Status = store.BridgeRequestStatus(status)
	if respondedAt.Valid {
		t := respondedAt.Time
		rec.RespondedAt = &t
	}
	return &rec, nil
}
