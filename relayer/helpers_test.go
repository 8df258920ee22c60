package relayer

import (
	"context"
	"crypto/rand"
	"errors"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/808putnam/qtrade-relayer/blockhash"
	"github.com/808putnam/qtrade-relayer/keypool"
	"github.com/808putnam/qtrade-relayer/ledger"
	"github.com/808putnam/qtrade-relayer/noncepool"
	"github.com/gagliardetto/solana-go"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"
)

var errNeverResponds = errors.New("provider never responded")

func randomHash() solana.Hash {
	var h solana.Hash
	_, _ = rand.Read(h[:])
	return h
}

// nonceLedger holds initialized nonce accounts owned by one authority.
type nonceLedger struct {
	mu        sync.Mutex
	authority solana.PublicKey
	accounts  map[solana.PublicKey]*ledger.NonceAccount
}

func (l *nonceLedger) NonceAccount(_ context.Context, account solana.PublicKey) (ledger.NonceAccount, error) {
	l.mu.Lock()
	defer l.mu.Unlock()
	acc, ok := l.accounts[account]
	if !ok {
		return ledger.NonceAccount{}, ledger.ErrAccountNotFound
	}
	return *acc, nil
}

func (l *nonceLedger) AdvanceNonce(_ context.Context, account solana.PublicKey, _ solana.PrivateKey) error {
	l.mu.Lock()
	defer l.mu.Unlock()
	l.accounts[account].Nonce = randomHash()
	return nil
}

func (l *nonceLedger) InitializeNonce(context.Context, solana.PublicKey, solana.PrivateKey) error {
	return nil
}

// keyLedger funds every key generously and never fails a transfer.
type keyLedger struct{}

func (keyLedger) Balance(context.Context, solana.PublicKey) (uint64, error) {
	return 1_000_000_000, nil
}

func (keyLedger) Transfer(context.Context, solana.PrivateKey, solana.PublicKey, uint64) (solana.Signature, error) {
	return solana.Signature{}, nil
}

type staticBlockhash struct {
	hash solana.Hash
	err  error
}

func (s staticBlockhash) Get(context.Context) (blockhash.Token, error) {
	return blockhash.Token{Hash: s.hash, FetchedAt: time.Now()}, s.err
}

// fakeProvider sends after sendDelay and confirms confirmDelay later. A never provider blocks until
// its context is done.
type fakeProvider struct {
	name         string
	sendDelay    time.Duration
	confirmDelay time.Duration
	never        bool
	sendErr      error
	confirmErr   error
	simResult    ledger.SimulationResult
	simErr       error
	*tip

	sent      atomic.Int32
	confirms  atomic.Int32
	simulated atomic.Int32
	mu        sync.Mutex
	lastTx    *solana.Transaction
}

func (p *fakeProvider) Name() string {
	return p.name
}

func wait(ctx context.Context, d time.Duration) error {
	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-time.After(d):
		return nil
	}
}

func (p *fakeProvider) Send(ctx context.Context, tx *solana.Transaction) (solana.Signature, error) {
	p.sent.Add(1)
	p.mu.Lock()
	p.lastTx = tx
	p.mu.Unlock()
	if p.never {
		<-ctx.Done()
		return solana.Signature{}, errors.Join(errNeverResponds, ctx.Err())
	}
	if err := wait(ctx, p.sendDelay); err != nil {
		return solana.Signature{}, err
	}
	if p.sendErr != nil {
		return solana.Signature{}, p.sendErr
	}
	return tx.Signatures[0], nil
}

func (p *fakeProvider) Confirm(ctx context.Context, _ solana.Signature) error {
	p.confirms.Add(1)
	if err := wait(ctx, p.confirmDelay); err != nil {
		return err
	}
	return p.confirmErr
}

func (p *fakeProvider) Simulate(context.Context, *solana.Transaction) (ledger.SimulationResult, error) {
	p.simulated.Add(1)
	return p.simResult, p.simErr
}

func (p *fakeProvider) Health(context.Context) error {
	return nil
}

func (p *fakeProvider) tx() *solana.Transaction {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.lastTx
}

type testEnv struct {
	orchestrator *Orchestrator
	registry     *Registry
	nonces       *noncepool.Pool
	keys         *keypool.Manager
	audit        *MemoryAuditStore
	monitor      *Monitor
	authority    solana.PrivateKey
	nonceLedger  *nonceLedger
}

type envOptions struct {
	nonceAccounts int
	disposable    int
	cfg           Config
	blockhash     BlockhashSource
	// auditStore replaces the in-memory store handed to the monitor
	auditStore AuditStore
	guard      RequestGuard
}

func newTestEnv(t *testing.T, opts envOptions, providers ...Provider) *testEnv {
	t.Helper()
	log := zap.NewNop()

	authority := solana.NewWallet().PrivateKey
	nl := &nonceLedger{authority: authority.PublicKey(), accounts: make(map[solana.PublicKey]*ledger.NonceAccount)}
	nonceCfg := noncepool.DefaultConfig
	nonceCfg.Authority = authority
	for i := 0; i < opts.nonceAccounts; i++ {
		address := solana.NewWallet().PublicKey()
		nl.accounts[address] = &ledger.NonceAccount{State: 1, Authority: authority.PublicKey(), Nonce: randomHash()}
		nonceCfg.Accounts = append(nonceCfg.Accounts, address)
	}
	nonces, err := noncepool.New(log, nl, nonceCfg)
	require.NoError(t, err)
	nonces.RunMaintenance(context.Background())
	require.Equal(t, opts.nonceAccounts, nonces.Counts()[noncepool.StateAvailable])

	keyCfg := keypool.DefaultConfig
	keyCfg.Intermediate = []solana.PrivateKey{solana.NewWallet().PrivateKey}
	for i := 0; i < opts.disposable; i++ {
		keyCfg.Disposable = append(keyCfg.Disposable, solana.NewWallet().PrivateKey)
	}
	vault, err := keypool.NewVault()
	require.NoError(t, err)
	keys, err := keypool.New(log, keyLedger{}, vault, keyCfg)
	require.NoError(t, err)

	registry := NewRegistry(log)
	for _, p := range providers {
		require.NoError(t, registry.Register(p))
	}

	audit := NewMemoryAuditStore()
	var store AuditStore = audit
	if opts.auditStore != nil {
		store = opts.auditStore
	}
	monitor := NewMonitor(log, nonces, keys, store, nil)
	cfg := opts.cfg
	if cfg.Timeout == 0 {
		cfg = DefaultConfig
		cfg.Timeout = time.Second
	}
	return &testEnv{
		orchestrator: NewOrchestrator(log, cfg, registry, nonces, keys, opts.blockhash, monitor, opts.guard),
		registry:     registry,
		nonces:       nonces,
		keys:         keys,
		audit:        audit,
		monitor:      monitor,
		authority:    authority,
		nonceLedger:  nl,
	}
}

func (e *testEnv) disposableStats() keypool.TierStats {
	return e.keys.Stats().Tiers["disposable"]
}

func testRequest(id string) SubmissionRequest {
	return SubmissionRequest{
		RequestID: id,
		Instructions: []Instruction{{
			ProgramID: solana.NewWallet().PublicKey(),
			Accounts:  []AccountMeta{{PublicKey: solana.NewWallet().PublicKey(), IsWritable: true}},
			Data:      []byte{1, 2, 3},
		}},
		MinOutcome:      100,
		ExpectedOutcome: 250,
	}
}

// memoryGuard is a single-process RequestGuard.
type memoryGuard struct {
	mu       sync.Mutex
	claims   map[string]bool
	attempts map[string]uint64
}

func newMemoryGuard() *memoryGuard {
	return &memoryGuard{claims: make(map[string]bool), attempts: make(map[string]uint64)}
}

func (g *memoryGuard) Claim(_ context.Context, requestID string) (bool, error) {
	g.mu.Lock()
	defer g.mu.Unlock()
	if g.claims[requestID] {
		return false, nil
	}
	g.claims[requestID] = true
	return true, nil
}

func (g *memoryGuard) Release(_ context.Context, requestID string) error {
	g.mu.Lock()
	defer g.mu.Unlock()
	delete(g.claims, requestID)
	return nil
}

func (g *memoryGuard) IncAttempts(_ context.Context, requestID string) (uint64, error) {
	g.mu.Lock()
	defer g.mu.Unlock()
	g.attempts[requestID]++
	return g.attempts[requestID], nil
}
