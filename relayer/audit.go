package relayer

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"sync"
	"time"

	"github.com/jmoiron/sqlx"
	_ "github.com/lib/pq"
	"github.com/redis/go-redis/v9"
)

var ErrAuditRecordNotFound = errors.New("audit record not found")

// AuditRecord is the immutable accounting entry of one confirmed submission. It holds public identifiers only.
// ExpectedOutcome and MinOutcome are the figures the caller resolved before submitting. The relayer does not
// interpret instructions, so the realized result is reconciled downstream by signature.
type AuditRecord struct {
	Signature       string    `json:"signature"`
	RequestID       string    `json:"requestId"`
	Provider        string    `json:"provider"`
	ExpectedOutcome int64     `json:"expectedOutcome"`
	MinOutcome      int64     `json:"minOutcome"`
	FeePayer        string    `json:"feePayer"`
	NonceAccount    string    `json:"nonceAccount,omitempty"`
	ConfirmedAt     time.Time `json:"confirmedAt"`
}

// AuditStore is append-only and keyed by signature.
type AuditStore interface {
	// InsertAuditRecord returns false if a record with the same signature already exists.
	InsertAuditRecord(ctx context.Context, rec AuditRecord) (bool, error)
	// GetAuditRecord returns ErrAuditRecordNotFound for an unknown signature.
	GetAuditRecord(ctx context.Context, signature string) (AuditRecord, error)
}

type AuditPublisher interface {
	PublishAuditRecord(ctx context.Context, rec AuditRecord) error
}

const auditSchema = `
CREATE TABLE IF NOT EXISTS submission_audit (
    signature        TEXT PRIMARY KEY,
    request_id       TEXT NOT NULL,
    provider         TEXT NOT NULL,
    expected_outcome BIGINT NOT NULL,
    min_outcome      BIGINT NOT NULL,
    fee_payer        TEXT NOT NULL,
    nonce_account    TEXT,
    confirmed_at     TIMESTAMPTZ NOT NULL,
    inserted_at      TIMESTAMPTZ NOT NULL DEFAULT now()
)`

type DBAuditRecord struct {
	Signature       string         `db:"signature"`
	RequestID       string         `db:"request_id"`
	Provider        string         `db:"provider"`
	ExpectedOutcome int64          `db:"expected_outcome"`
	MinOutcome      int64          `db:"min_outcome"`
	FeePayer        string         `db:"fee_payer"`
	NonceAccount    sql.NullString `db:"nonce_account"`
	ConfirmedAt     time.Time      `db:"confirmed_at"`
	InsertedAt      time.Time      `db:"inserted_at"`
}

var insertAuditRecordQuery = `
INSERT INTO submission_audit (signature, request_id, provider, expected_outcome, min_outcome, fee_payer, nonce_account, confirmed_at)
VALUES (:signature, :request_id, :provider, :expected_outcome, :min_outcome, :fee_payer, :nonce_account, :confirmed_at)
ON CONFLICT (signature) DO NOTHING
RETURNING signature`

var getAuditRecordQuery = `
SELECT signature, request_id, provider, expected_outcome, min_outcome, fee_payer, nonce_account, confirmed_at, inserted_at
FROM submission_audit
WHERE signature = $1`

type DBAuditStore struct {
	db *sqlx.DB

	insertRecord *sqlx.NamedStmt
	getRecord    *sqlx.Stmt
}

func NewDBAuditStore(postgresDSN string) (*DBAuditStore, error) {
	db, err := sqlx.Connect("postgres", postgresDSN)
	if err != nil {
		return nil, err
	}
	db.SetMaxOpenConns(10)
	db.SetMaxIdleConns(20)

	if _, err := db.Exec(auditSchema); err != nil {
		return nil, err
	}
	insertRecord, err := db.PrepareNamed(insertAuditRecordQuery)
	if err != nil {
		return nil, err
	}
	getRecord, err := db.Preparex(getAuditRecordQuery)
	if err != nil {
		return nil, err
	}
	return &DBAuditStore{
		db:           db,
		insertRecord: insertRecord,
		getRecord:    getRecord,
	}, nil
}

func (b *DBAuditStore) InsertAuditRecord(ctx context.Context, rec AuditRecord) (bool, error) {
	dbRec := DBAuditRecord{
		Signature:       rec.Signature,
		RequestID:       rec.RequestID,
		Provider:        rec.Provider,
		ExpectedOutcome: rec.ExpectedOutcome,
		MinOutcome:      rec.MinOutcome,
		FeePayer:        rec.FeePayer,
		NonceAccount:    sql.NullString{String: rec.NonceAccount, Valid: rec.NonceAccount != ""},
		ConfirmedAt:     rec.ConfirmedAt.UTC(),
	}
	var signature string
	err := b.insertRecord.GetContext(ctx, &signature, dbRec)
	if errors.Is(err, sql.ErrNoRows) {
		return false, nil
	}
	if err != nil {
		return false, err
	}
	return true, nil
}

func (b *DBAuditStore) GetAuditRecord(ctx context.Context, signature string) (AuditRecord, error) {
	var dbRec DBAuditRecord
	err := b.getRecord.GetContext(ctx, &dbRec, signature)
	if errors.Is(err, sql.ErrNoRows) {
		return AuditRecord{}, ErrAuditRecordNotFound
	} else if err != nil {
		return AuditRecord{}, err
	}
	return AuditRecord{
		Signature:       dbRec.Signature,
		RequestID:       dbRec.RequestID,
		Provider:        dbRec.Provider,
		ExpectedOutcome: dbRec.ExpectedOutcome,
		MinOutcome:      dbRec.MinOutcome,
		FeePayer:        dbRec.FeePayer,
		NonceAccount:    dbRec.NonceAccount.String,
		ConfirmedAt:     dbRec.ConfirmedAt,
	}, nil
}

func (b *DBAuditStore) Close() {
	_ = b.db.Close()
}

// MemoryAuditStore keeps records in memory, used when no database is configured.
type MemoryAuditStore struct {
	mu      sync.Mutex
	records map[string]AuditRecord
	order   []string
}

func NewMemoryAuditStore() *MemoryAuditStore {
	return &MemoryAuditStore{records: make(map[string]AuditRecord)}
}

func (s *MemoryAuditStore) InsertAuditRecord(_ context.Context, rec AuditRecord) (bool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if _, ok := s.records[rec.Signature]; ok {
		return false, nil
	}
	s.records[rec.Signature] = rec
	s.order = append(s.order, rec.Signature)
	return true, nil
}

func (s *MemoryAuditStore) GetAuditRecord(_ context.Context, signature string) (AuditRecord, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	rec, ok := s.records[signature]
	if !ok {
		return AuditRecord{}, ErrAuditRecordNotFound
	}
	return rec, nil
}

// Records returns every record in insertion order.
func (s *MemoryAuditStore) Records() []AuditRecord {
	s.mu.Lock()
	defer s.mu.Unlock()
	out := make([]AuditRecord, 0, len(s.order))
	for _, sig := range s.order {
		out = append(out, s.records[sig])
	}
	return out
}

// RedisAuditPublisher publishes every new audit record as JSON to a redis channel.
type RedisAuditPublisher struct {
	client     *redis.Client
	pubChannel string
}

func NewRedisAuditPublisher(client *redis.Client, pubChannel string) *RedisAuditPublisher {
	return &RedisAuditPublisher{
		client:     client,
		pubChannel: pubChannel,
	}
}

func (b *RedisAuditPublisher) PublishAuditRecord(ctx context.Context, rec AuditRecord) error {
	data, err := json.Marshal(rec)
	if err != nil {
		return err
	}
	return b.client.Publish(ctx, b.pubChannel, data).Err()
}
