package relayer

import (
	"context"
	"encoding/json"
	"errors"
	"time"

	"github.com/808putnam/qtrade-relayer/jsonrpcserver"
	"github.com/808putnam/qtrade-relayer/keypool"
	"github.com/808putnam/qtrade-relayer/metrics"
	"github.com/808putnam/qtrade-relayer/noncepool"
	"go.uber.org/zap"
)

const (
	SubmitTransactionEndpointName  = "relayer_submitTransaction"
	QueueTransactionEndpointName   = "relayer_queueTransaction"
	AcquireDisposableEndpointName  = "relayer_acquireDisposable"
	ReleaseDisposableEndpointName  = "relayer_releaseDisposable"
	SetActiveProvidersEndpointName = "relayer_setActiveProviders"
	PoolStatusEndpointName         = "relayer_poolStatus"
	RebalanceEndpointName          = "relayer_rebalance"
	ProviderHealthEndpointName     = "relayer_providerHealth"
	GetAuditRecordEndpointName     = "relayer_getAuditRecord"

	defaultQueueTimeout = time.Minute
	maxQueueTimeout     = 10 * time.Minute
)

var ErrIntakeDisabled = errors.New("asynchronous intake is not configured")

type NonceStatus interface {
	Counts() map[noncepool.State]int
}

type KeyAdmin interface {
	KeyPool
	Stats() keypool.Stats
	Balance(ctx context.Context, params keypool.BalanceParams) (keypool.BalanceReport, error)
}

type IntakeQueue interface {
	Push(ctx context.Context, data []byte, highPriority bool, notBefore, deadline time.Time) error
}

type SubmitResponse struct {
	Outcome *SubmissionOutcome `json:"outcome,omitempty"`
	// Retryable means the request was never broadcast and may be sent again shortly.
	Retryable bool   `json:"retryable"`
	Error     string `json:"error,omitempty"`
}

type QueueResponse struct {
	RequestID string    `json:"requestId"`
	Deadline  time.Time `json:"deadline"`
}

type AuditRecordResponse struct {
	Record AuditRecord `json:"record"`
	// Pending means the record is not in the audit store yet and is being retried.
	Pending bool `json:"pending"`
}

type PoolStatus struct {
	Nonces          map[string]int   `json:"nonces"`
	Keys            keypool.Stats    `json:"keys"`
	Providers       []HealthSnapshot `json:"providers"`
	ActiveProviders []string         `json:"activeProviders,omitempty"`
}

type API struct {
	log *zap.Logger

	orchestrator  *Orchestrator
	nonces        NonceStatus
	keys          KeyAdmin
	intake        IntakeQueue
	balanceParams keypool.BalanceParams
}

// NewAPI creates the JSON-RPC API. intake may be nil.
func NewAPI(log *zap.Logger, orchestrator *Orchestrator, nonces NonceStatus, keys KeyAdmin, intake IntakeQueue, balanceParams keypool.BalanceParams) *API {
	return &API{
		log:           log.Named("api"),
		orchestrator:  orchestrator,
		nonces:        nonces,
		keys:          keys,
		intake:        intake,
		balanceParams: balanceParams,
	}
}

// Methods returns the JSON-RPC method table served by the relayer.
func (m *API) Methods() jsonrpcserver.Methods {
	return jsonrpcserver.Methods{
		SubmitTransactionEndpointName:  m.SubmitTransaction,
		QueueTransactionEndpointName:   m.QueueTransaction,
		AcquireDisposableEndpointName:  m.AcquireDisposable,
		ReleaseDisposableEndpointName:  m.ReleaseDisposable,
		SetActiveProvidersEndpointName: m.SetActiveProviders,
		PoolStatusEndpointName:         m.PoolStatus,
		RebalanceEndpointName:          m.Rebalance,
		ProviderHealthEndpointName:     m.ProviderHealth,
		GetAuditRecordEndpointName:     m.GetAuditRecord,
	}
}

func observe(method string, startAt time.Time, err error) {
	metrics.RecordRPCCallDuration(method, time.Since(startAt).Milliseconds())
	if err != nil {
		metrics.IncRPCCallFailure(method)
	}
}

// SubmitTransaction submits the request and waits for its outcome. Exhaustion, provider failures and
// timeouts are reported in the response, only malformed requests fail the call.
func (m *API) SubmitTransaction(ctx context.Context, req SubmissionRequest) (_ SubmitResponse, err error) {
	startAt := time.Now()
	defer func() {
		observe(SubmitTransactionEndpointName, startAt, err)
	}()
	if req.RequestID == "" {
		req.RequestID = jsonrpcserver.GetRequestID(ctx)
	}
	logger := m.log.With(zap.String("request_id", req.RequestID), zap.String("origin", jsonrpcserver.GetOrigin(ctx)))

	outcome, err := m.orchestrator.Submit(ctx, req)
	if errors.Is(err, ErrInvalidRequest) {
		logger.Debug("Invalid submission request", zap.Error(err))
		return SubmitResponse{}, err
	}
	res := SubmitResponse{Retryable: IsRetryable(err)}
	if outcome.Status != "" {
		res.Outcome = &outcome
	}
	if err != nil {
		logger.Debug("Submission did not confirm", zap.Error(err))
		res.Error = err.Error()
	}
	return res, nil
}

// QueueTransaction pushes the request into the intake queue. It is submitted before timeoutMs elapses
// or dropped.
func (m *API) QueueTransaction(ctx context.Context, req SubmissionRequest, timeoutMs uint64) (_ QueueResponse, err error) {
	startAt := time.Now()
	defer func() {
		observe(QueueTransactionEndpointName, startAt, err)
	}()
	if m.intake == nil {
		return QueueResponse{}, ErrIntakeDisabled
	}
	if req.RequestID == "" {
		req.RequestID = jsonrpcserver.GetRequestID(ctx)
	}
	if err := req.Validate(); err != nil {
		return QueueResponse{}, err
	}
	timeout := time.Duration(timeoutMs) * time.Millisecond
	if timeout <= 0 {
		timeout = defaultQueueTimeout
	}
	if timeout > maxQueueTimeout {
		timeout = maxQueueTimeout
	}

	data, err := json.Marshal(req)
	if err != nil {
		return QueueResponse{}, err
	}
	now := time.Now()
	deadline := now.Add(timeout)
	if err := m.intake.Push(ctx, data, jsonrpcserver.GetPriority(ctx), now, deadline); err != nil {
		m.log.Warn("Failed to queue submission", zap.String("request_id", req.RequestID), zap.Error(err))
		return QueueResponse{}, err
	}
	return QueueResponse{RequestID: req.RequestID, Deadline: deadline}, nil
}

// AcquireDisposable leases a disposable key for use outside the submission path.
// Only its public id, handle and lease token are returned. The token is needed to release the key.
func (m *API) AcquireDisposable(ctx context.Context) (_ keypool.Lease, err error) {
	startAt := time.Now()
	defer func() {
		observe(AcquireDisposableEndpointName, startAt, err)
	}()
	lease, ok := m.keys.AcquireDisposable()
	if !ok {
		return keypool.Lease{}, ErrNoDisposableKeyAvailable
	}
	m.log.Info("Disposable key leased", zap.String("key", lease.ID.String()), zap.String("origin", jsonrpcserver.GetOrigin(ctx)))
	return lease, nil
}

// ReleaseDisposable ends a lease taken with AcquireDisposable. The key is retired unless keep is set.
// Keys leased by in-flight submissions can't be released here, their lease token never leaves the relayer.
func (m *API) ReleaseDisposable(ctx context.Context, lease keypool.Lease, keep bool) (err error) {
	startAt := time.Now()
	defer func() {
		observe(ReleaseDisposableEndpointName, startAt, err)
	}()
	if err := m.keys.ReleaseDisposable(lease, !keep); err != nil {
		m.log.Warn("Disposable key release refused", zap.String("key", lease.ID.String()),
			zap.String("origin", jsonrpcserver.GetOrigin(ctx)), zap.Error(err))
		return err
	}
	m.log.Info("Disposable key released", zap.String("key", lease.ID.String()), zap.Bool("retired", !keep))
	return nil
}

// SetActiveProviders replaces the provider allow-list, an empty list activates every provider.
func (m *API) SetActiveProviders(ctx context.Context, names []string) (_ []string, err error) {
	startAt := time.Now()
	defer func() {
		observe(SetActiveProvidersEndpointName, startAt, err)
	}()
	registry := m.orchestrator.Registry()
	if err := registry.SetActive(names); err != nil {
		return nil, err
	}
	active := make([]string, 0)
	for _, h := range registry.Active() {
		active = append(active, h.Name())
	}
	return active, nil
}

func (m *API) PoolStatus(ctx context.Context) (PoolStatus, error) {
	registry := m.orchestrator.Registry()
	status := PoolStatus{
		Nonces:          make(map[string]int),
		Keys:            m.keys.Stats(),
		Providers:       registry.Snapshot(),
		ActiveProviders: registry.ActiveNames(),
	}
	for state, n := range m.nonces.Counts() {
		status.Nonces[state.String()] = n
	}
	return status, nil
}

// Rebalance runs one key balancing pass right away.
func (m *API) Rebalance(ctx context.Context) (_ keypool.BalanceReport, err error) {
	startAt := time.Now()
	defer func() {
		observe(RebalanceEndpointName, startAt, err)
	}()
	report, err := m.keys.Balance(ctx, m.balanceParams)
	if err != nil {
		m.log.Warn("Balance pass failed", zap.Error(err))
	}
	return report, err
}

// ProviderHealth returns the provider health snapshots, checking every provider first if check is set.
func (m *API) ProviderHealth(ctx context.Context, check bool) ([]HealthSnapshot, error) {
	registry := m.orchestrator.Registry()
	if check {
		registry.CheckHealth(ctx)
	}
	return registry.Snapshot(), nil
}

// GetAuditRecord returns the audit record of a confirmed submission by its signature.
func (m *API) GetAuditRecord(ctx context.Context, signature string) (_ AuditRecordResponse, err error) {
	startAt := time.Now()
	defer func() {
		observe(GetAuditRecordEndpointName, startAt, err)
	}()
	rec, pending, err := m.orchestrator.monitor.AuditRecord(ctx, signature)
	if err != nil {
		return AuditRecordResponse{}, err
	}
	return AuditRecordResponse{Record: rec, Pending: pending}, nil
}
