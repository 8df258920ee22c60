package relayer

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/808putnam/qtrade-relayer/keypool"
	"github.com/808putnam/qtrade-relayer/metrics"
	"github.com/808putnam/qtrade-relayer/noncepool"
	"github.com/cenkalti/backoff/v4"
	"go.uber.org/zap"
)

const (
	auditInsertTimeout  = 2 * time.Second
	auditPublishTimeout = 2 * time.Second
	auditFlushTimeout   = 10 * time.Second

	defaultMaxPendingAudit = 10_000
)

// ErrAuditDeferred means the audit record could not be stored right away and was queued for retry.
var ErrAuditDeferred = errors.New("audit record deferred")

// Leases are the pool resources held by one submission. Nonce is nil when the transaction was signed
// against a recent blockhash.
type Leases struct {
	Nonce *noncepool.Lease
	Key   *keypool.Lease
}

// Monitor settles a finished submission: it returns both leases to their pools and appends the audit record.
// Records the store rejects are kept in a pending list and retried by the loop started with Start.
type Monitor struct {
	log       *zap.Logger
	nonces    NoncePool
	keys      KeyPool
	store     AuditStore
	publisher AuditPublisher

	// MaxPending bounds the pending list, the oldest record is dropped when it is full.
	MaxPending int
	// RetryBackoff spaces flush attempts while the store keeps failing.
	RetryBackoff backoff.BackOff

	pendingMu sync.Mutex
	pending   []AuditRecord
	flushMu   sync.Mutex

	lifecycleMu sync.Mutex
	cancel      func()
	wg          sync.WaitGroup
}

// NewMonitor creates a Monitor. publisher may be nil.
func NewMonitor(log *zap.Logger, nonces NoncePool, keys KeyPool, store AuditStore, publisher AuditPublisher) *Monitor {
	exp := backoff.NewExponentialBackOff()
	exp.InitialInterval = 500 * time.Millisecond
	exp.MaxInterval = 30 * time.Second
	exp.MaxElapsedTime = 0
	return &Monitor{
		log:          log.Named("monitor"),
		nonces:       nonces,
		keys:         keys,
		store:        store,
		publisher:    publisher,
		MaxPending:   defaultMaxPendingAudit,
		RetryBackoff: exp,
	}
}

// Record releases the leases of a finished submission and, for a Confirmed outcome, appends its audit record.
// Every step runs even if an earlier one fails. A record the store rejects is queued for retry and reported
// with ErrAuditDeferred, Record never waits for the store to come back.
func (m *Monitor) Record(ctx context.Context, req SubmissionRequest, outcome SubmissionOutcome, leases Leases) error {
	log := m.log.With(zap.String("request_id", outcome.RequestID), zap.String("status", string(outcome.Status)))
	metrics.IncSubmissionOutcome(string(outcome.Status))

	var errs []error
	if leases.Nonce != nil {
		consumed := outcome.Status == StatusConfirmed
		if err := m.nonces.Release(*leases.Nonce, consumed); err != nil {
			errs = append(errs, fmt.Errorf("%w: nonce release: %w", ErrInvariantViolation, err))
		}
	}
	// a broadcast key is never reused, the transaction may still land
	if leases.Key != nil {
		if err := m.keys.ReleaseDisposable(*leases.Key, true); err != nil {
			errs = append(errs, fmt.Errorf("%w: key release: %w", ErrInvariantViolation, err))
		}
	}

	if outcome.Status == StatusConfirmed && m.store != nil {
		rec := newAuditRecord(req, outcome)
		if err := m.insert(ctx, log, rec); err != nil {
			m.enqueuePending(log, rec)
			errs = append(errs, fmt.Errorf("%w: %s: %w", ErrAuditDeferred, rec.Signature, err))
		}
	}

	err := errors.Join(errs...)
	if err != nil {
		log.Error("Failed to settle submission", zap.Error(err))
	}
	return err
}

func newAuditRecord(req SubmissionRequest, outcome SubmissionOutcome) AuditRecord {
	rec := AuditRecord{
		Signature:       outcome.Signature,
		RequestID:       outcome.RequestID,
		Provider:        outcome.WinningProvider,
		ExpectedOutcome: req.ExpectedOutcome,
		MinOutcome:      req.MinOutcome,
		FeePayer:        outcome.FeePayer,
		NonceAccount:    outcome.NonceAccount,
	}
	if outcome.ConfirmedAt != nil {
		rec.ConfirmedAt = *outcome.ConfirmedAt
	}
	return rec
}

// insert stores rec once and publishes it if it is new.
func (m *Monitor) insert(ctx context.Context, log *zap.Logger, rec AuditRecord) error {
	insertCtx, cancel := context.WithTimeout(ctx, auditInsertTimeout)
	defer cancel()
	inserted, err := m.store.InsertAuditRecord(insertCtx, rec)
	if err != nil {
		return err
	}
	if !inserted {
		log.Debug("Audit record already exists", zap.String("signature", rec.Signature))
		metrics.IncAuditDuplicates()
		return nil
	}
	metrics.IncAuditRecords()
	log.Info("Submission confirmed", zap.String("signature", rec.Signature), zap.String("provider", rec.Provider))

	if m.publisher != nil {
		pubCtx, cancel := context.WithTimeout(ctx, auditPublishTimeout)
		defer cancel()
		if err := m.publisher.PublishAuditRecord(pubCtx, rec); err != nil {
			log.Warn("Failed to publish audit record", zap.String("signature", rec.Signature), zap.Error(err))
		}
	}
	return nil
}

func (m *Monitor) enqueuePending(log *zap.Logger, rec AuditRecord) {
	metrics.IncAuditDeferred()
	m.pendingMu.Lock()
	if m.MaxPending > 0 && len(m.pending) >= m.MaxPending {
		dropped := m.pending[0]
		m.pending = m.pending[1:]
		metrics.IncAuditDropped()
		log.Error("Audit pending list is full, dropping oldest record",
			zap.String("signature", dropped.Signature), zap.String("dropped_request_id", dropped.RequestID))
	}
	m.pending = append(m.pending, rec)
	n := len(m.pending)
	m.pendingMu.Unlock()
	metrics.SetAuditPending(n)
}

// Pending returns the audit records waiting for the store.
func (m *Monitor) Pending() []AuditRecord {
	m.pendingMu.Lock()
	defer m.pendingMu.Unlock()
	return append([]AuditRecord(nil), m.pending...)
}

// AuditRecord looks a record up by signature. pending is true while it waits for the store.
func (m *Monitor) AuditRecord(ctx context.Context, signature string) (rec AuditRecord, pending bool, err error) {
	m.pendingMu.Lock()
	for _, p := range m.pending {
		if p.Signature == signature {
			m.pendingMu.Unlock()
			return p, true, nil
		}
	}
	m.pendingMu.Unlock()
	if m.store == nil {
		return AuditRecord{}, false, ErrAuditRecordNotFound
	}
	rec, err = m.store.GetAuditRecord(ctx, signature)
	return rec, false, err
}

// FlushPending retries pending records in order and stops at the first failure. It returns how many remain.
func (m *Monitor) FlushPending(ctx context.Context) (int, error) {
	m.flushMu.Lock()
	defer m.flushMu.Unlock()

	for {
		m.pendingMu.Lock()
		if len(m.pending) == 0 {
			m.pendingMu.Unlock()
			metrics.SetAuditPending(0)
			return 0, nil
		}
		rec := m.pending[0]
		m.pendingMu.Unlock()

		log := m.log.With(zap.String("request_id", rec.RequestID), zap.String("status", string(StatusConfirmed)))
		if err := m.insert(ctx, log, rec); err != nil {
			m.pendingMu.Lock()
			n := len(m.pending)
			m.pendingMu.Unlock()
			return n, fmt.Errorf("audit record %s: %w", rec.Signature, err)
		}

		m.pendingMu.Lock()
		// the head may have been dropped while the insert ran
		if len(m.pending) > 0 && m.pending[0].Signature == rec.Signature {
			m.pending = m.pending[1:]
		}
		n := len(m.pending)
		m.pendingMu.Unlock()
		metrics.SetAuditPending(n)
	}
}

// Start retries pending audit records until ctx is done or Stop is called.
func (m *Monitor) Start(ctx context.Context) *sync.WaitGroup {
	m.lifecycleMu.Lock()
	defer m.lifecycleMu.Unlock()

	ctx, cancel := context.WithCancel(ctx)
	m.cancel = cancel

	m.wg.Add(1)
	go func() {
		defer m.wg.Done()
		m.RetryBackoff.Reset()
		timer := time.NewTimer(m.RetryBackoff.NextBackOff())
		defer timer.Stop()

		for {
			select {
			case <-ctx.Done():
				m.flushOnStop()
				return
			case <-timer.C:
			}

			remaining, err := m.FlushPending(ctx)
			if err != nil {
				m.log.Warn("Audit store still failing", zap.Int("pending", remaining), zap.Error(err))
				timer.Reset(m.RetryBackoff.NextBackOff())
				continue
			}
			m.RetryBackoff.Reset()
			timer.Reset(m.RetryBackoff.NextBackOff())
		}
	}()
	return &m.wg
}

func (m *Monitor) flushOnStop() {
	ctx, cancel := context.WithTimeout(context.Background(), auditFlushTimeout)
	defer cancel()
	remaining, err := m.FlushPending(ctx)
	if remaining == 0 {
		return
	}
	for _, rec := range m.Pending() {
		m.log.Error("Audit record not stored before shutdown",
			zap.String("signature", rec.Signature), zap.String("request_id", rec.RequestID), zap.String("provider", rec.Provider))
	}
	m.log.Error("Audit records lost on shutdown", zap.Int("count", remaining), zap.Error(err))
}

func (m *Monitor) Stop() {
	m.lifecycleMu.Lock()
	cancel := m.cancel
	m.cancel = nil
	m.lifecycleMu.Unlock()

	if cancel != nil {
		cancel()
	}
	m.wg.Wait()
}
