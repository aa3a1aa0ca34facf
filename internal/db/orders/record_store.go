package ordersdb

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"domainflow/internal/saga"

	"github.com/google/uuid"
)

// RecordStore persists registered domains in Postgres. domain_name is unique.
type RecordStore struct {
	db    *sql.DB
	now   func() time.Time
	newID func() string
}

// NewRecordStore constructs a RecordStore backed by Postgres.
func NewRecordStore(db *sql.DB) *RecordStore {
	return &RecordStore{db: db, now: time.Now, newID: uuid.NewString}
}

// InitSchema creates the domain_records table if it does not exist.
func (s *RecordStore) InitSchema(ctx context.Context) error {
	_, err := s.db.ExecContext(ctx, `
		CREATE TABLE IF NOT EXISTS domain_records (
			id TEXT PRIMARY KEY,
			domain_name TEXT UNIQUE NOT NULL,
			registrar_id TEXT NOT NULL,
			zone_id TEXT,
			nameservers JSONB NOT NULL,
			payer_id TEXT NOT NULL,
			order_id TEXT NOT NULL,
			contact_handle TEXT NOT NULL,
			created_at TIMESTAMPTZ NOT NULL
		)
	`)
	return err
}

func (s *RecordStore) FindByDomain(ctx context.Context, domainName string) (saga.DomainRecord, bool, error) {
	row := s.db.QueryRowContext(ctx, `
		SELECT id, domain_name, registrar_id, zone_id, nameservers, payer_id, order_id, contact_handle, created_at
		FROM domain_records
		WHERE domain_name = $1`,
		domainName,
	)
	var (
		rec         saga.DomainRecord
		zoneID      sql.NullString
		nameservers []byte
	)
	err := row.Scan(&rec.ID, &rec.DomainName, &rec.RegistrarID, &zoneID, &nameservers, &rec.PayerID, &rec.OrderID, &rec.ContactHandle, &rec.CreatedAt)
	if errors.Is(err, sql.ErrNoRows) {
		return saga.DomainRecord{}, false, nil
	}
	if err != nil {
		return saga.DomainRecord{}, false, err
	}
	if err := json.Unmarshal(nameservers, &rec.Nameservers); err != nil {
		return saga.DomainRecord{}, false, fmt.Errorf("decode nameservers: %w", err)
	}
	rec.ZoneID = zoneID.String
	rec.CreatedAt = rec.CreatedAt.UTC()
	return rec, true, nil
}

// Create inserts the record, or returns the id of the record already held for the domain.
func (s *RecordStore) Create(ctx context.Context, rec saga.DomainRecord) (string, error) {
	if rec.DomainName == "" || rec.RegistrarID == "" {
		return "", fmt.Errorf("domain name and registrar id are required")
	}
	if rec.ID == "" {
		rec.ID = s.newID()
	}
	if rec.CreatedAt.IsZero() {
		rec.CreatedAt = s.now()
	}
	if rec.Nameservers == nil {
		rec.Nameservers = []string{}
	}
	nameservers, err := json.Marshal(rec.Nameservers)
	if err != nil {
		return "", fmt.Errorf("encode nameservers: %w", err)
	}

	res, err := s.db.ExecContext(ctx, `
		INSERT INTO domain_records (id, domain_name, registrar_id, zone_id, nameservers, payer_id, order_id, contact_handle, created_at)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9)
		ON CONFLICT (domain_name) DO NOTHING`,
		rec.ID, rec.DomainName, rec.RegistrarID, sql.NullString{String: rec.ZoneID, Valid: rec.ZoneID != ""},
		nameservers, rec.PayerID, rec.OrderID, rec.ContactHandle, rec.CreatedAt.UTC(),
	)
	if err != nil {
		return "", err
	}
	affected, err := res.RowsAffected()
	if err != nil {
		return "", err
	}
	if affected > 0 {
		return rec.ID, nil
	}

	var existing string
	row := s.db.QueryRowContext(ctx, `SELECT id FROM domain_records WHERE domain_name = $1`, rec.DomainName)
	switch scanErr := row.Scan(&existing); {
	case scanErr == nil:
		return existing, nil
	case errors.Is(scanErr, sql.ErrNoRows):
		return "", fmt.Errorf("record for %s not found after insert", rec.DomainName)
	default:
		return "", scanErr
	}
}

func (s *RecordStore) Delete(ctx context.Context, id string) error {
	_, err := s.db.ExecContext(ctx, `DELETE FROM domain_records WHERE id = $1`, id)
	return err
}
