package store

import (
	"context"
	_ "embed"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/accordsai/esign/pkg/domain"
	"github.com/accordsai/esign/services/signing/internal/idempotency"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"
	"github.com/jackc/pgx/v5/pgxpool"
)

//go:embed schema.sql
var schema string

type Store struct{ DB *pgxpool.Pool }

func New(db *pgxpool.Pool) *Store { return &Store{DB: db} }

func (s *Store) Migrate(ctx context.Context) error {
	_, err := s.DB.Exec(ctx, schema)
	return err
}

func notFound(kind, id string) error {
	return fmt.Errorf("%s %s: %w", kind, id, domain.ErrNotFound)
}

func isUniqueViolation(err error) bool {
	var pgErr *pgconn.PgError
	return errors.As(err, &pgErr) && pgErr.Code == "23505"
}

func (s *Store) CreateTemplate(ctx context.Context, t domain.Template) error {
	b, err := json.Marshal(t)
	if err != nil {
		return err
	}
	_, err = s.DB.Exec(ctx, `
INSERT INTO signing_templates(template_id,enterprise_id,created_by,body,created_at)
VALUES($1,$2,$3,$4::jsonb,$5)
`, t.ID, t.EnterpriseID, t.CreatedBy, string(b), t.CreatedAt)
	return err
}

func (s *Store) GetTemplate(ctx context.Context, templateID string) (domain.Template, error) {
	var b []byte
	err := s.DB.QueryRow(ctx, `SELECT body FROM signing_templates WHERE template_id=$1`, templateID).Scan(&b)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return domain.Template{}, notFound("template", templateID)
		}
		return domain.Template{}, err
	}
	var t domain.Template
	if err := json.Unmarshal(b, &t); err != nil {
		return domain.Template{}, fmt.Errorf("decode template %s: %w", templateID, err)
	}
	return t, nil
}

func (s *Store) CreateContract(ctx context.Context, c domain.Contract, outbox []domain.Notification) error {
	b, err := json.Marshal(c)
	if err != nil {
		return err
	}
	tx, err := s.DB.Begin(ctx)
	if err != nil {
		return err
	}
	defer tx.Rollback(ctx)

	if _, err := tx.Exec(ctx, `
INSERT INTO signing_contracts(contract_id,template_id,enterprise_id,status,version,body,created_at,updated_at)
VALUES($1,$2,$3,$4,$5,$6::jsonb,$7,$8)
`, c.ID, c.TemplateID, c.EnterpriseID, string(c.Status), c.Version, string(b), c.CreatedAt, c.UpdatedAt); err != nil {
		return err
	}
	if err := insertOutbox(ctx, tx, outbox); err != nil {
		return err
	}
	return tx.Commit(ctx)
}

func (s *Store) GetContract(ctx context.Context, contractID string) (domain.Contract, error) {
	var (
		b       []byte
		version int64
	)
	err := s.DB.QueryRow(ctx, `SELECT body,version FROM signing_contracts WHERE contract_id=$1`, contractID).Scan(&b, &version)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return domain.Contract{}, notFound("contract", contractID)
		}
		return domain.Contract{}, err
	}
	var c domain.Contract
	if err := json.Unmarshal(b, &c); err != nil {
		return domain.Contract{}, fmt.Errorf("decode contract %s: %w", contractID, err)
	}
	c.Version = version
	return c, nil
}

// CommitTransition writes c only if the stored version is still
// expectedVersion. Records and outbox entries commit in the same
// transaction; a record for an already-recorded field is also a conflict.
func (s *Store) CommitTransition(ctx context.Context, c domain.Contract, expectedVersion int64, records []domain.SigningRecord, outbox []domain.Notification) error {
	b, err := json.Marshal(c)
	if err != nil {
		return err
	}
	tx, err := s.DB.Begin(ctx)
	if err != nil {
		return err
	}
	defer tx.Rollback(ctx)

	tag, err := tx.Exec(ctx, `
UPDATE signing_contracts SET body=$2::jsonb, status=$3, version=$4, updated_at=$5
WHERE contract_id=$1 AND version=$6
`, c.ID, string(b), string(c.Status), c.Version, c.UpdatedAt, expectedVersion)
	if err != nil {
		return err
	}
	if tag.RowsAffected() == 0 {
		return ErrVersionConflict
	}
	for _, r := range records {
		_, err := tx.Exec(ctx, `
INSERT INTO signing_records(record_id,contract_id,field_id,actor_id,signature_asset_ref,content_hash,signed_at)
VALUES($1,$2,$3,$4,$5,$6,$7)
`, r.RecordID, r.ContractID, r.FieldID, r.ActorID, r.SignatureAssetRef, r.ContentHash, r.Timestamp)
		if err != nil {
			if isUniqueViolation(err) {
				return ErrVersionConflict
			}
			return err
		}
	}
	if err := insertOutbox(ctx, tx, outbox); err != nil {
		return err
	}
	return tx.Commit(ctx)
}

func insertOutbox(ctx context.Context, tx pgx.Tx, outbox []domain.Notification) error {
	for _, n := range outbox {
		_, err := tx.Exec(ctx, `
INSERT INTO notification_outbox(notification_id,contract_id,actor_id,kind,status,created_at,next_attempt_at)
VALUES($1,$2,$3,$4,$5,$6,$6)
`, n.NotificationID, n.ContractID, n.ActorID, string(n.Kind), string(n.Status), n.CreatedAt)
		if err != nil {
			return err
		}
	}
	return nil
}

func (s *Store) ListSigningRecords(ctx context.Context, contractID string) ([]domain.SigningRecord, error) {
	rows, err := s.DB.Query(ctx, `
SELECT record_id,contract_id,field_id,actor_id,signature_asset_ref,content_hash,signed_at
FROM signing_records WHERE contract_id=$1
ORDER BY signed_at ASC, record_id ASC
`, contractID)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	out := []domain.SigningRecord{}
	for rows.Next() {
		var r domain.SigningRecord
		if err := rows.Scan(&r.RecordID, &r.ContractID, &r.FieldID, &r.ActorID, &r.SignatureAssetRef, &r.ContentHash, &r.Timestamp); err != nil {
			return nil, err
		}
		r.Timestamp = r.Timestamp.UTC()
		out = append(out, r)
	}
	return out, rows.Err()
}

func (s *Store) DueNotifications(ctx context.Context, now time.Time, limit int) ([]OutboxEntry, error) {
	rows, err := s.DB.Query(ctx, `
SELECT notification_id,contract_id,actor_id,kind,status,created_at,attempts,last_error,next_attempt_at
FROM notification_outbox
WHERE delivered_at IS NULL AND dead_at IS NULL AND next_attempt_at <= $1
ORDER BY next_attempt_at ASC, notification_id ASC
LIMIT $2
`, now, limit)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	var out []OutboxEntry
	for rows.Next() {
		var (
			e            OutboxEntry
			kind, status string
		)
		n := &e.Notification
		if err := rows.Scan(&n.NotificationID, &n.ContractID, &n.ActorID, &kind, &status, &n.CreatedAt, &e.Attempts, &e.LastError, &e.NextAttemptAt); err != nil {
			return nil, err
		}
		n.Kind = domain.NotificationKind(kind)
		n.Status = domain.Status(status)
		out = append(out, e)
	}
	return out, rows.Err()
}

func (s *Store) MarkDelivered(ctx context.Context, notificationID string, at time.Time) error {
	_, err := s.DB.Exec(ctx, `
UPDATE notification_outbox SET delivered_at=$2, attempts=attempts+1, last_error=''
WHERE notification_id=$1
`, notificationID, at)
	return err
}

// MarkDead records the final failure and takes the entry out of the due set.
func (s *Store) MarkDead(ctx context.Context, notificationID, reason string, at time.Time) error {
	_, err := s.DB.Exec(ctx, `
UPDATE notification_outbox SET attempts=attempts+1, last_error=$2, dead_at=$3
WHERE notification_id=$1
`, notificationID, reason, at)
	return err
}

func (s *Store) MarkFailed(ctx context.Context, notificationID, reason string, next time.Time) error {
	_, err := s.DB.Exec(ctx, `
UPDATE notification_outbox SET attempts=attempts+1, last_error=$2, next_attempt_at=$3
WHERE notification_id=$1
`, notificationID, reason, next)
	return err
}

func (s *Store) GetIdempotencyRecord(ctx context.Context, actorID, key, endpoint string) (idempotency.Record, bool, error) {
	var (
		rec  idempotency.Record
		body []byte
	)
	err := s.DB.QueryRow(ctx, `
SELECT request_hash,response_status,response_body
FROM signing_idempotency_records
WHERE actor_id=$1 AND idempotency_key=$2 AND endpoint=$3
`, actorID, key, endpoint).Scan(&rec.RequestHash, &rec.ResponseStatus, &body)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return idempotency.Record{}, false, nil
		}
		return idempotency.Record{}, false, err
	}
	if err := json.Unmarshal(body, &rec.ResponseBody); err != nil {
		return idempotency.Record{}, false, err
	}
	return rec, true, nil
}

func (s *Store) SaveIdempotencyRecord(ctx context.Context, actorID, key, endpoint string, rec idempotency.Record) error {
	b, err := json.Marshal(rec.ResponseBody)
	if err != nil {
		return err
	}
	_, err = s.DB.Exec(ctx, `
INSERT INTO signing_idempotency_records(actor_id,idempotency_key,endpoint,request_hash,response_status,response_body)
VALUES($1,$2,$3,$4,$5,$6::jsonb)
ON CONFLICT (actor_id,idempotency_key,endpoint) DO NOTHING
`, actorID, key, endpoint, rec.RequestHash, rec.ResponseStatus, string(b))
	return err
}

func (s *Store) GetActorCredential(ctx context.Context, actorID string) (string, error) {
	var h string
	err := s.DB.QueryRow(ctx, `SELECT secret_hash FROM actor_credentials WHERE actor_id=$1`, actorID).Scan(&h)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return "", notFound("credential", actorID)
		}
		return "", err
	}
	return h, nil
}

func (s *Store) PutActorCredential(ctx context.Context, actorID, secretHash string) error {
	_, err := s.DB.Exec(ctx, `
INSERT INTO actor_credentials(actor_id,secret_hash) VALUES($1,$2)
ON CONFLICT (actor_id) DO UPDATE SET secret_hash=$2, updated_at=now()
`, actorID, secretHash)
	return err
}
