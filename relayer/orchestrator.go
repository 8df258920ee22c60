package relayer

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"sync"
	"time"

	"github.com/808putnam/qtrade-relayer/blockhash"
	"github.com/808putnam/qtrade-relayer/keypool"
	"github.com/808putnam/qtrade-relayer/ledger"
	"github.com/808putnam/qtrade-relayer/metrics"
	"github.com/808putnam/qtrade-relayer/noncepool"
	"github.com/ethereum/go-ethereum/common/lru"
	"github.com/gagliardetto/solana-go"
	"github.com/google/uuid"
	"go.uber.org/zap"
)

type NoncePool interface {
	Acquire() (noncepool.Lease, error)
	Release(lease noncepool.Lease, consumed bool) error
	Peek() (noncepool.Lease, bool)
	Authority() solana.PrivateKey
}

type KeyPool interface {
	AcquireDisposable() (keypool.Lease, bool)
	ReleaseDisposable(lease keypool.Lease, retire bool) error
	PeekDisposable() (keypool.Lease, bool)
	Signer(lease keypool.Lease) (solana.PrivateKey, error)
}

type BlockhashSource interface {
	Get(ctx context.Context) (blockhash.Token, error)
}

// RequestGuard claims a request id across relayer replicas.
type RequestGuard interface {
	Claim(ctx context.Context, requestID string) (bool, error)
	Release(ctx context.Context, requestID string) error
	// IncAttempts counts the claims of a request id.
	IncAttempts(ctx context.Context, requestID string) (uint64, error)
}

type Config struct {
	// Timeout is the racing deadline of one submission.
	Timeout time.Duration
	// Simulate switches every submission to provider simulation.
	Simulate bool
	// AllowBlockhashFallback signs against a recent blockhash when the nonce pool is exhausted.
	AllowBlockhashFallback bool
	KnownRequestsCacheSize int
	// MaxAttempts caps how often a request id is claimed through the guard, 0 means no cap.
	// Only attempts that were never broadcast release their claim, so this bounds exhaustion retries.
	MaxAttempts uint64
}

var DefaultConfig = Config{
	Timeout:                15 * time.Second,
	AllowBlockhashFallback: true,
	KnownRequestsCacheSize: 1000,
}

// ledger errors that mean the transaction itself is broken, not the provider
var criticalErrors = []string{"InsufficientFundsForFee", "InvalidAccountForFee", "AccountNotFound"}

const criticalConsensusThreshold = 2

type Orchestrator struct {
	log       *zap.Logger
	cfg       Config
	registry  *Registry
	nonces    NoncePool
	keys      KeyPool
	blockhash BlockhashSource
	monitor   *Monitor
	guard     RequestGuard

	known *lru.Cache[string, SubmissionOutcome]

	inflightMu sync.Mutex
	inflight   map[string]struct{}
}

// NewOrchestrator creates an Orchestrator. hashes and guard may be nil.
func NewOrchestrator(log *zap.Logger, cfg Config, registry *Registry, nonces NoncePool, keys KeyPool, hashes BlockhashSource, monitor *Monitor, guard RequestGuard) *Orchestrator {
	if cfg.Timeout <= 0 {
		cfg.Timeout = DefaultConfig.Timeout
	}
	if cfg.KnownRequestsCacheSize <= 0 {
		cfg.KnownRequestsCacheSize = DefaultConfig.KnownRequestsCacheSize
	}
	return &Orchestrator{
		log:       log.Named("orchestrator"),
		cfg:       cfg,
		registry:  registry,
		nonces:    nonces,
		keys:      keys,
		blockhash: hashes,
		monitor:   monitor,
		guard:     guard,
		known:     lru.NewCache[string, SubmissionOutcome](cfg.KnownRequestsCacheSize),
		inflight:  make(map[string]struct{}),
	}
}

func (o *Orchestrator) Registry() *Registry {
	return o.registry
}

// Submit signs the request once and races it across every active provider. The returned error is
// nil for Confirmed and Simulated outcomes, exhaustion errors mean the request was never broadcast.
func (o *Orchestrator) Submit(ctx context.Context, req SubmissionRequest) (SubmissionOutcome, error) {
	if req.RequestID == "" {
		req.RequestID = uuid.NewString()
	}
	if err := req.Validate(); err != nil {
		metrics.IncSubmissionRejected("invalid")
		return SubmissionOutcome{}, err
	}
	if o.cfg.Simulate {
		return o.Simulate(ctx, req)
	}
	log := o.log.With(zap.String("request_id", req.RequestID))

	if known, ok := o.known.Get(req.RequestID); ok {
		log.Debug("Request already processed, returning recorded outcome")
		return known, outcomeError(known.Status)
	}

	release, err := o.claim(ctx, req.RequestID)
	if errors.Is(err, ErrTooManyAttempts) {
		metrics.IncSubmissionRejected("attempts")
		log.Warn("Request exceeded its submission attempts", zap.Error(err))
		return SubmissionOutcome{}, err
	}
	if err != nil {
		metrics.IncSubmissionRejected("duplicate")
		return SubmissionOutcome{}, err
	}
	broadcast := false
	defer func() {
		release(broadcast)
	}()
	if known, ok := o.known.Get(req.RequestID); ok {
		broadcast = true
		return known, outcomeError(known.Status)
	}

	handles := o.registry.Active()
	if len(handles) == 0 {
		metrics.IncSubmissionRejected("no_providers")
		return SubmissionOutcome{}, ErrNoActiveProviders
	}

	keyLease, ok := o.keys.AcquireDisposable()
	if !ok {
		metrics.IncSubmissionRejected("no_key")
		return SubmissionOutcome{}, ErrNoDisposableKeyAvailable
	}
	payer, err := o.keys.Signer(keyLease)
	if err != nil {
		o.releaseUnused(log, nil, keyLease)
		return SubmissionOutcome{}, fmt.Errorf("%w: %w", ErrInvariantViolation, err)
	}

	nonceLease, recent, err := o.recentToken(ctx, log)
	if err != nil {
		o.releaseUnused(log, nil, keyLease)
		metrics.IncSubmissionRejected("no_nonce")
		return SubmissionOutcome{}, err
	}

	tx, err := o.buildTransaction(req, payer, nonceLease, recent, handles)
	if err != nil {
		o.releaseUnused(log, nonceLease, keyLease)
		metrics.IncSubmissionBuildFailure()
		log.Warn("Failed to build transaction", zap.Error(err))
		return SubmissionOutcome{}, fmt.Errorf("%w: %w", ErrInvalidRequest, err)
	}

	broadcast = true
	start := time.Now()
	outcome := o.race(ctx, log, req.RequestID, tx, handles)
	outcome.FeePayer = keyLease.ID.String()
	if nonceLease != nil {
		outcome.NonceAccount = nonceLease.Address.String()
	}
	metrics.RecordSubmissionDuration(time.Since(start).Milliseconds())

	// settlement outlives the caller, leases must never leak
	if err := o.monitor.Record(context.WithoutCancel(ctx), req, outcome, Leases{Nonce: nonceLease, Key: &keyLease}); err != nil {
		outcome.AuditPending = errors.Is(err, ErrAuditDeferred)
	}
	o.known.Add(req.RequestID, outcome)

	log.Info("Submission resolved",
		zap.String("status", string(outcome.Status)),
		zap.String("provider", outcome.WinningProvider),
		zap.String("signature", outcome.Signature),
		zap.Duration("duration", time.Since(start)),
	)
	return outcome, outcomeError(outcome.Status)
}

// claim marks the request id as in flight. The returned func releases the claim, a cross-replica claim
// is kept after a broadcast and expires on its own.
func (o *Orchestrator) claim(ctx context.Context, requestID string) (func(broadcast bool), error) {
	o.inflightMu.Lock()
	if _, ok := o.inflight[requestID]; ok {
		o.inflightMu.Unlock()
		return nil, ErrDuplicateRequest
	}
	o.inflight[requestID] = struct{}{}
	o.inflightMu.Unlock()

	unlock := func() {
		o.inflightMu.Lock()
		delete(o.inflight, requestID)
		o.inflightMu.Unlock()
	}

	if o.guard == nil {
		return func(bool) { unlock() }, nil
	}
	claimed, err := o.guard.Claim(ctx, requestID)
	if err != nil {
		o.log.Warn("Request guard unavailable, continuing with local guard", zap.String("request_id", requestID), zap.Error(err))
		return func(bool) { unlock() }, nil
	}
	if !claimed {
		unlock()
		return nil, ErrDuplicateRequest
	}
	releaseGuard := func() {
		if err := o.guard.Release(context.WithoutCancel(ctx), requestID); err != nil {
			o.log.Warn("Failed to release request guard", zap.String("request_id", requestID), zap.Error(err))
		}
	}

	attempts, err := o.guard.IncAttempts(ctx, requestID)
	if err != nil {
		o.log.Warn("Failed to count request attempts", zap.String("request_id", requestID), zap.Error(err))
	} else {
		metrics.RecordSubmissionAttempts(attempts)
		if o.cfg.MaxAttempts > 0 && attempts > o.cfg.MaxAttempts {
			releaseGuard()
			unlock()
			return nil, fmt.Errorf("%w: %d attempts", ErrTooManyAttempts, attempts)
		}
	}
	return func(broadcast bool) {
		if !broadcast {
			releaseGuard()
		}
		unlock()
	}, nil
}

// releaseUnused returns leases of a transaction that was never broadcast.
func (o *Orchestrator) releaseUnused(log *zap.Logger, nonceLease *noncepool.Lease, keyLease keypool.Lease) {
	if nonceLease != nil {
		if err := o.nonces.Release(*nonceLease, false); err != nil {
			log.Error("Failed to release unused nonce lease", zap.Error(fmt.Errorf("%w: %w", ErrInvariantViolation, err)))
		}
	}
	if err := o.keys.ReleaseDisposable(keyLease, false); err != nil {
		log.Error("Failed to release unused key lease", zap.Error(fmt.Errorf("%w: %w", ErrInvariantViolation, err)))
	}
}

// recentToken leases a durable nonce, falling back to a recent blockhash when the pool is exhausted.
func (o *Orchestrator) recentToken(ctx context.Context, log *zap.Logger) (*noncepool.Lease, solana.Hash, error) {
	lease, err := o.nonces.Acquire()
	if err == nil {
		return &lease, lease.Token, nil
	}
	if !errors.Is(err, noncepool.ErrExhausted) {
		return nil, solana.Hash{}, fmt.Errorf("%w: %w", ErrInvariantViolation, err)
	}
	if !o.cfg.AllowBlockhashFallback || o.blockhash == nil {
		return nil, solana.Hash{}, ErrNoNonceAvailable
	}
	token, err := o.blockhash.Get(ctx)
	if err != nil {
		log.Warn("Nonce pool exhausted and no recent blockhash available", zap.Error(err))
		return nil, solana.Hash{}, fmt.Errorf("%w: %w", ErrNoNonceAvailable, err)
	}
	log.Debug("Nonce pool exhausted, signing against recent blockhash")
	return nil, token.Hash, nil
}

func (o *Orchestrator) buildTransaction(req SubmissionRequest, payer solana.PrivateKey, nonceLease *noncepool.Lease, recent solana.Hash, handles []*Handle) (*solana.Transaction, error) {
	ixs := make([]solana.Instruction, 0, len(req.Instructions)+len(handles)+1)
	var signers []solana.PrivateKey
	if nonceLease != nil {
		authority := o.nonces.Authority()
		ixs = append(ixs, ledger.AdvanceNonceInstruction(nonceLease.Address, authority.PublicKey()))
		signers = append(signers, authority)
	}
	for _, ix := range req.Instructions {
		ixs = append(ixs, ix.build(req.SignerPlaceholder, payer.PublicKey()))
	}
	for _, h := range handles {
		tipper, ok := h.provider.(Tipper)
		if !ok {
			continue
		}
		if account, lamports, ok := tipper.Tip(); ok {
			ixs = append(ixs, ledger.TransferInstruction(lamports, payer.PublicKey(), account))
		}
	}
	return ledger.BuildTransaction(ixs, recent, payer, signers...)
}

type raceResult struct {
	handle *Handle
	kind   dispatchResult
	sig    solana.Signature
	err    error
	at     time.Time
}

// race dispatches tx to every handle and resolves on the first confirmation, on the failure of every
// provider or on the deadline. Dispatches still in flight are abandoned, not cancelled.
func (o *Orchestrator) race(ctx context.Context, log *zap.Logger, requestID string, tx *solana.Transaction, handles []*Handle) SubmissionOutcome {
	expected := tx.Signatures[0]
	start := time.Now()

	// sends may outlive the race, confirmations stop once it is resolved
	sendCtx, cancelSends := context.WithTimeout(context.WithoutCancel(ctx), 2*o.cfg.Timeout)
	confirmCtx, resolve := context.WithCancel(sendCtx)

	results := make(chan raceResult, 2*len(handles))
	var wg sync.WaitGroup
	for _, h := range handles {
		wg.Add(1)
		go func(h *Handle) {
			defer wg.Done()
			o.dispatch(sendCtx, confirmCtx, h, tx, expected, results)
		}(h)
	}
	go func() {
		wg.Wait()
		cancelSends()
	}()

	timer := time.NewTimer(o.cfg.Timeout)
	defer timer.Stop()

	outcome := SubmissionOutcome{RequestID: requestID}
	last := make(map[*Handle]raceResult, len(handles))
	failed := 0
loop:
	for {
		select {
		case res := <-results:
			last[res.handle] = res
			switch res.kind {
			case resultConfirmed:
				confirmedAt := res.at.UTC()
				outcome.Status = StatusConfirmed
				outcome.WinningProvider = res.handle.Name()
				outcome.Signature = res.sig.String()
				outcome.ConfirmedAt = &confirmedAt
				break loop
			case resultFailed:
				log.Debug("Provider failed", zap.String("provider", res.handle.Name()), zap.Error(res.err))
				failed++
				if failed == len(handles) {
					outcome.Status = StatusAllFailed
					break loop
				}
			}
		case <-timer.C:
			outcome.Status = StatusTimedOut
			break loop
		case <-ctx.Done():
			outcome.Status = StatusTimedOut
			break loop
		}
	}
	resolve()

	// a provider still silent when another one confirmed, or when the caller gave up, is not at fault
	silentIsNeutral := outcome.Status == StatusConfirmed || ctx.Err() != nil
	critical := make(map[string]int)
	for _, h := range handles {
		res, ok := last[h]
		if !ok && silentIsNeutral {
			h.record(resultCancelled, 0, nil)
			continue
		}
		if !ok {
			res = raceResult{kind: resultFailed, err: fmt.Errorf("%w: no response before deadline", ErrProviderUnreachable)}
		}
		switch res.kind {
		case resultConfirmed:
			h.record(res.kind, res.at.Sub(start), nil)
		case resultAccepted:
			h.record(res.kind, 0, nil)
		default:
			h.record(resultFailed, 0, res.err)
			if outcome.ProviderErrors == nil {
				outcome.ProviderErrors = make(map[string]string)
			}
			outcome.ProviderErrors[h.Name()] = res.err.Error()
			for _, kind := range criticalErrors {
				if strings.Contains(res.err.Error(), kind) {
					critical[kind]++
				}
			}
		}
	}
	for kind, n := range critical {
		if n >= criticalConsensusThreshold {
			log.Warn("Providers agree on a critical ledger error", zap.String("kind", kind), zap.Int("providers", n))
			metrics.IncProviderCriticalConsensus(kind)
		}
	}
	return outcome
}

func (o *Orchestrator) dispatch(sendCtx, confirmCtx context.Context, h *Handle, tx *solana.Transaction, expected solana.Signature, results chan<- raceResult) {
	sig, err := h.provider.Send(sendCtx, tx)
	if err == nil && sig != expected {
		err = fmt.Errorf("%w: provider returned signature %s, expected %s", ErrProviderRejected, sig, expected)
	}
	if err != nil {
		results <- raceResult{handle: h, kind: resultFailed, err: err, at: time.Now()}
		return
	}
	results <- raceResult{handle: h, kind: resultAccepted, sig: sig, at: time.Now()}

	if err := h.provider.Confirm(confirmCtx, sig); err != nil {
		results <- raceResult{handle: h, kind: resultFailed, sig: sig, err: err, at: time.Now()}
		return
	}
	results <- raceResult{handle: h, kind: resultConfirmed, sig: sig, at: time.Now()}
}

// Simulate builds and signs the request like Submit and asks every active provider to simulate it.
// Nothing is leased, broadcast or recorded.
func (o *Orchestrator) Simulate(ctx context.Context, req SubmissionRequest) (SubmissionOutcome, error) {
	if req.RequestID == "" {
		req.RequestID = uuid.NewString()
	}
	if err := req.Validate(); err != nil {
		return SubmissionOutcome{}, err
	}
	handles := o.registry.Active()
	if len(handles) == 0 {
		return SubmissionOutcome{}, ErrNoActiveProviders
	}
	keyLease, ok := o.keys.PeekDisposable()
	if !ok {
		return SubmissionOutcome{}, ErrNoDisposableKeyAvailable
	}
	payer, err := o.keys.Signer(keyLease)
	if err != nil {
		return SubmissionOutcome{}, fmt.Errorf("%w: %w", ErrInvariantViolation, err)
	}

	var (
		nonceLease *noncepool.Lease
		recent     solana.Hash
	)
	if lease, ok := o.nonces.Peek(); ok {
		nonceLease, recent = &lease, lease.Token
	} else if o.cfg.AllowBlockhashFallback && o.blockhash != nil {
		token, err := o.blockhash.Get(ctx)
		if err != nil {
			return SubmissionOutcome{}, fmt.Errorf("%w: %w", ErrNoNonceAvailable, err)
		}
		recent = token.Hash
	} else {
		return SubmissionOutcome{}, ErrNoNonceAvailable
	}

	tx, err := o.buildTransaction(req, payer, nonceLease, recent, handles)
	if err != nil {
		metrics.IncSubmissionBuildFailure()
		return SubmissionOutcome{}, fmt.Errorf("%w: %w", ErrInvalidRequest, err)
	}

	simCtx, cancel := context.WithTimeout(ctx, o.cfg.Timeout)
	defer cancel()
	reports := make([]SimulationReport, len(handles))
	var wg sync.WaitGroup
	for i, h := range handles {
		wg.Add(1)
		go func(i int, h *Handle) {
			defer wg.Done()
			report := SimulationReport{Provider: h.Name()}
			res, err := h.provider.Simulate(simCtx, tx)
			switch {
			case err != nil:
				report.Error = err.Error()
			case res.Failed():
				report.Error = fmt.Sprint(res.Err)
				report.Logs = res.Logs
			default:
				report.Success = true
				report.Logs = res.Logs
				report.UnitsConsumed = res.UnitsConsumed
			}
			metrics.IncProviderSimulation(h.Name(), report.Success)
			reports[i] = report
		}(i, h)
	}
	wg.Wait()

	outcome := SubmissionOutcome{
		RequestID:   req.RequestID,
		Status:      StatusSimulated,
		FeePayer:    keyLease.ID.String(),
		Simulations: reports,
	}
	if nonceLease != nil {
		outcome.NonceAccount = nonceLease.Address.String()
	}
	metrics.IncSubmissionOutcome(string(StatusSimulated))
	return outcome, nil
}
