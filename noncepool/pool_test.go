package noncepool

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/808putnam/qtrade-relayer/ledger"
	"github.com/gagliardetto/solana-go"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"
)

var errAdvanceFailed = errors.New("advance failed")

type fakeLedger struct {
	mu          sync.Mutex
	accounts    map[solana.PublicKey]*ledger.NonceAccount
	authority   solana.PublicKey
	seq         byte
	advances    int
	inits       int
	failAdvance bool
}

func newFakeLedger(authority solana.PublicKey) *fakeLedger {
	return &fakeLedger{accounts: make(map[solana.PublicKey]*ledger.NonceAccount), authority: authority}
}

func (f *fakeLedger) nextHash() solana.Hash {
	f.seq++
	var h solana.Hash
	for i := range h {
		h[i] = f.seq
	}
	return h
}

func (f *fakeLedger) addAccount(initialized bool) solana.PublicKey {
	f.mu.Lock()
	defer f.mu.Unlock()
	pk := solana.NewWallet().PublicKey()
	acc := &ledger.NonceAccount{}
	if initialized {
		acc.State = 1
		acc.Authority = f.authority
		acc.Nonce = f.nextHash()
	}
	f.accounts[pk] = acc
	return pk
}

func (f *fakeLedger) token(pk solana.PublicKey) solana.Hash {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.accounts[pk].Nonce
}

// consume simulates a transaction that used the nonce and advanced it on the ledger.
func (f *fakeLedger) consume(pk solana.PublicKey) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.accounts[pk].Nonce = f.nextHash()
}

func (f *fakeLedger) NonceAccount(_ context.Context, account solana.PublicKey) (ledger.NonceAccount, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	acc, ok := f.accounts[account]
	if !ok {
		return ledger.NonceAccount{}, ledger.ErrAccountNotFound
	}
	if !acc.Initialized() {
		return *acc, ledger.ErrNonceNotInitialized
	}
	return *acc, nil
}

func (f *fakeLedger) AdvanceNonce(_ context.Context, account solana.PublicKey, _ solana.PrivateKey) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.failAdvance {
		return errAdvanceFailed
	}
	f.advances++
	f.accounts[account].Nonce = f.nextHash()
	return nil
}

func (f *fakeLedger) InitializeNonce(_ context.Context, account solana.PublicKey, _ solana.PrivateKey) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.inits++
	acc := f.accounts[account]
	acc.State = 1
	acc.Authority = f.authority
	acc.Nonce = f.nextHash()
	return nil
}

func newTestPool(t *testing.T, initialized, uninitialized int) (*Pool, *fakeLedger) {
	t.Helper()
	authority := solana.NewWallet().PrivateKey
	fake := newFakeLedger(authority.PublicKey())
	cfg := DefaultConfig
	cfg.Authority = authority
	for i := 0; i < initialized; i++ {
		cfg.Accounts = append(cfg.Accounts, fake.addAccount(true))
	}
	for i := 0; i < uninitialized; i++ {
		cfg.Accounts = append(cfg.Accounts, fake.addAccount(false))
	}
	pool, err := New(zap.NewNop(), fake, cfg)
	require.NoError(t, err)
	pool.RunMaintenance(context.Background())
	return pool, fake
}

func TestPool_InitialMaintenance(t *testing.T) {
	pool, fake := newTestPool(t, 2, 1)

	counts := pool.Counts()
	require.Equal(t, 3, counts[StateAvailable])
	require.Equal(t, 1, fake.inits)
	require.Equal(t, 0, fake.advances)

	for _, view := range pool.Snapshot() {
		require.Equal(t, StateAvailable.String(), view.State)
	}
}

func TestPool_NoDoubleLease(t *testing.T) {
	const (
		accounts = 10
		callers  = 150
	)
	pool, _ := newTestPool(t, accounts, 0)

	var (
		wg        sync.WaitGroup
		mu        sync.Mutex
		leased    = make(map[solana.PublicKey]int)
		exhausted int
	)
	start := make(chan struct{})
	wg.Add(callers)
	for i := 0; i < callers; i++ {
		go func() {
			defer wg.Done()
			<-start
			lease, err := pool.Acquire()
			mu.Lock()
			defer mu.Unlock()
			if errors.Is(err, ErrExhausted) {
				exhausted++
				return
			}
			leased[lease.Address]++
		}()
	}
	close(start)
	wg.Wait()

	require.Len(t, leased, accounts)
	for _, n := range leased {
		require.Equal(t, 1, n)
	}
	require.Equal(t, callers-accounts, exhausted)
}

func TestPool_ReleaseConsumed(t *testing.T) {
	pool, fake := newTestPool(t, 1, 0)

	lease, err := pool.Acquire()
	require.NoError(t, err)
	require.Equal(t, fake.token(lease.Address), lease.Token)

	_, err = pool.Acquire()
	require.ErrorIs(t, err, ErrExhausted)

	require.NoError(t, pool.Release(lease, true))
	require.Equal(t, 1, pool.Counts()[StatePendingAdvance])

	_, err = pool.Acquire()
	require.ErrorIs(t, err, ErrExhausted)

	// ledger still holds the old token, maintenance has to advance it
	pool.RunMaintenance(context.Background())
	require.Equal(t, 1, fake.advances)

	next, err := pool.Acquire()
	require.NoError(t, err)
	require.NotEqual(t, lease.Token, next.Token)
	require.Equal(t, fake.token(lease.Address), next.Token)
}

func TestPool_ReleaseConsumedAlreadyAdvanced(t *testing.T) {
	pool, fake := newTestPool(t, 1, 0)

	lease, err := pool.Acquire()
	require.NoError(t, err)
	fake.consume(lease.Address)
	require.NoError(t, pool.Release(lease, true))

	pool.RunMaintenance(context.Background())
	require.Equal(t, 0, fake.advances)

	next, err := pool.Acquire()
	require.NoError(t, err)
	require.Equal(t, fake.token(lease.Address), next.Token)
}

func TestPool_ReleaseNotConsumed(t *testing.T) {
	pool, _ := newTestPool(t, 1, 0)

	lease, err := pool.Acquire()
	require.NoError(t, err)
	require.NoError(t, pool.Release(lease, false))

	next, err := pool.Acquire()
	require.NoError(t, err)
	require.Equal(t, lease.Token, next.Token)
}

func TestPool_StaleRelease(t *testing.T) {
	pool, _ := newTestPool(t, 1, 0)

	lease, err := pool.Acquire()
	require.NoError(t, err)
	require.NoError(t, pool.Release(lease, false))
	require.ErrorIs(t, pool.Release(lease, false), ErrLeaseNotHeld)

	// a lease from a previous generation can't release the current holder
	current, err := pool.Acquire()
	require.NoError(t, err)
	require.ErrorIs(t, pool.Release(lease, true), ErrLeaseNotHeld)
	require.NoError(t, pool.Release(current, false))

	peeked, ok := pool.Peek()
	require.True(t, ok)
	require.ErrorIs(t, pool.Release(peeked, false), ErrLeaseNotHeld)

	require.ErrorIs(t, pool.Release(Lease{Address: solana.NewWallet().PublicKey()}, false), ErrUnknownAccount)
}

func TestPool_DriftDetection(t *testing.T) {
	pool, fake := newTestPool(t, 1, 0)
	address := pool.Snapshot()[0].Address

	// the token moved behind the pool's back
	fake.consume(address)

	pool.RunMaintenance(context.Background())
	require.Equal(t, 1, pool.Counts()[StateNeedsAdvance])
	_, err := pool.Acquire()
	require.ErrorIs(t, err, ErrExhausted)

	pool.RunMaintenance(context.Background())
	lease, err := pool.Acquire()
	require.NoError(t, err)
	require.Equal(t, fake.token(address), lease.Token)
}

func TestPool_AdvanceFailureDoesNotBlockOthers(t *testing.T) {
	pool, fake := newTestPool(t, 2, 0)

	first, err := pool.Acquire()
	require.NoError(t, err)
	require.NoError(t, pool.Release(first, true))

	fake.mu.Lock()
	fake.failAdvance = true
	fake.mu.Unlock()

	pool.RunMaintenance(context.Background())
	require.Equal(t, 1, pool.Counts()[StatePendingAdvance])

	second, err := pool.Acquire()
	require.NoError(t, err)
	require.NotEqual(t, first.Address, second.Address)
	require.NoError(t, pool.Release(second, false))

	fake.mu.Lock()
	fake.failAdvance = false
	fake.mu.Unlock()

	// the failed account is backing off, an immediate pass leaves it alone
	pool.RunMaintenance(context.Background())
	require.Equal(t, 1, pool.Counts()[StatePendingAdvance])
	require.Equal(t, 0, fake.advances)
}

func TestPool_Peek(t *testing.T) {
	pool, _ := newTestPool(t, 1, 0)

	peeked, ok := pool.Peek()
	require.True(t, ok)
	require.Equal(t, 1, pool.Counts()[StateAvailable])

	lease, err := pool.Acquire()
	require.NoError(t, err)
	require.Equal(t, peeked.Token, lease.Token)

	_, ok = pool.Peek()
	require.False(t, ok)
}

func TestPool_Empty(t *testing.T) {
	pool, err := New(zap.NewNop(), newFakeLedger(solana.PublicKey{}), DefaultConfig)
	require.NoError(t, err)
	_, err = pool.Acquire()
	require.ErrorIs(t, err, ErrExhausted)

	cfg := DefaultConfig
	cfg.Accounts = []solana.PublicKey{solana.NewWallet().PublicKey()}
	_, err = New(zap.NewNop(), newFakeLedger(solana.PublicKey{}), cfg)
	require.ErrorIs(t, err, ErrNoAuthority)
}

func TestConfigFromEnv(t *testing.T) {
	account := solana.NewWallet().PublicKey()
	tests := map[string]struct {
		env     map[string]string
		wantErr error
	}{
		"defaults":             {},
		"accounts":             {env: map[string]string{"NONCE_ACCOUNTS": account.String() + ", "}},
		"zero interval":        {env: map[string]string{"NONCE_MAINTENANCE_INTERVAL_MS": "0"}, wantErr: ErrInvalidConfig},
		"negative interval":    {env: map[string]string{"NONCE_MAINTENANCE_INTERVAL_MS": "-100"}, wantErr: ErrInvalidConfig},
		"zero operation limit": {env: map[string]string{"NONCE_OPERATION_TIMEOUT_MS": "0"}, wantErr: ErrInvalidConfig},
	}
	for name, tt := range tests {
		t.Run(name, func(t *testing.T) {
			for k, v := range tt.env {
				t.Setenv(k, v)
			}
			_, err := ConfigFromEnv()
			if tt.wantErr != nil {
				require.ErrorIs(t, err, tt.wantErr)
				return
			}
			require.NoError(t, err)
		})
	}

	cfg := DefaultConfig
	cfg.MaintenanceInterval = 0
	_, err := New(zap.NewNop(), newFakeLedger(solana.PublicKey{}), cfg)
	require.ErrorIs(t, err, ErrInvalidConfig)
}

func TestPool_StartStop(t *testing.T) {
	authority := solana.NewWallet().PrivateKey
	fake := newFakeLedger(authority.PublicKey())
	cfg := DefaultConfig
	cfg.Authority = authority
	cfg.MaintenanceInterval = 10 * time.Millisecond
	cfg.Accounts = []solana.PublicKey{fake.addAccount(true)}

	pool, err := New(zap.NewNop(), fake, cfg)
	require.NoError(t, err)
	pool.Start(context.Background())

	require.Eventually(t, func() bool {
		return pool.Counts()[StateAvailable] == 1
	}, time.Second, 5*time.Millisecond)

	pool.Stop()
	pool.Stop()
}
