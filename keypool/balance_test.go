package keypool

import (
	"context"
	"testing"

	"github.com/gagliardetto/solana-go"
	"github.com/stretchr/testify/require"
)

func TestBalance_ProvisionsUpToThreshold(t *testing.T) {
	cfg := DefaultConfig
	cfg.Intermediate = newKeys(1)
	ledger := newFakeLedger()
	intermediate := cfg.Intermediate[0].PublicKey()
	ledger.set(intermediate, 1_000_000_000)
	m := newTestManager(t, ledger, cfg)

	params := BalanceParams{
		MinDisposable:             5,
		CreateBatch:               3,
		TargetDisposableBalance:   10_000_000,
		TargetIntermediateBalance: 100_000_000,
	}
	report, err := m.Balance(context.Background(), params)
	require.NoError(t, err)
	require.False(t, report.Skipped)
	require.Equal(t, 6, report.Created)
	require.Equal(t, 6, report.Transfers)

	stats := m.Stats().Tiers["disposable"]
	require.GreaterOrEqual(t, stats.Available, 5)
	require.Equal(t, uint64(1_000_000_000-6*(10_000_000+TransferFee)), ledger.get(intermediate))

	// every new key is funded before it can be leased
	for i := 0; i < stats.Available; i++ {
		lease, ok := m.AcquireDisposable()
		require.True(t, ok)
		require.Equal(t, params.TargetDisposableBalance, ledger.get(lease.ID))
	}
}

func TestBalance_Idempotent(t *testing.T) {
	cfg := DefaultConfig
	cfg.Cold = newKeys(1)
	cfg.Intermediate = newKeys(1)
	cfg.Disposable = newKeys(1)
	ledger := newFakeLedger()
	ledger.set(cfg.Cold[0].PublicKey(), 10_000_000_000)
	ledger.set(cfg.Intermediate[0].PublicKey(), 1_000_000_000)
	m := newTestManager(t, ledger, cfg)
	retireOne(t, m)

	report, err := m.Balance(context.Background(), cfg.Params)
	require.NoError(t, err)
	require.Zero(t, report.IntermediatesFunded)
	require.Greater(t, report.Created, 0)
	transfers := ledger.transferCount()

	report, err = m.Balance(context.Background(), cfg.Params)
	require.NoError(t, err)
	require.Equal(t, BalanceReport{}, report)
	require.Equal(t, transfers, ledger.transferCount())
}

func TestBalance_FundsIntermediates(t *testing.T) {
	cfg := DefaultConfig
	cfg.Cold = newKeys(1)
	cfg.Intermediate = newKeys(2)
	cfg.Params.MinDisposable = 0
	ledger := newFakeLedger()
	cold := cfg.Cold[0].PublicKey()
	ledger.set(cold, 1_000_000_000)
	ledger.set(cfg.Intermediate[0].PublicKey(), 40_000_000)
	ledger.set(cfg.Intermediate[1].PublicKey(), 150_000_000)
	m := newTestManager(t, ledger, cfg)

	report, err := m.Balance(context.Background(), cfg.Params)
	require.NoError(t, err)
	require.Equal(t, 1, report.IntermediatesFunded)
	require.Equal(t, cfg.Params.TargetIntermediateBalance, ledger.get(cfg.Intermediate[0].PublicKey()))
	require.Equal(t, uint64(150_000_000), ledger.get(cfg.Intermediate[1].PublicKey()))
	require.Equal(t, uint64(1_000_000_000-60_000_000-TransferFee), ledger.get(cold))
}

func TestBalance_InsufficientColdFunds(t *testing.T) {
	cfg := DefaultConfig
	cfg.Cold = newKeys(1)
	cfg.Intermediate = newKeys(1)
	cfg.Params.MinDisposable = 0
	ledger := newFakeLedger()
	ledger.set(cfg.Cold[0].PublicKey(), 1_000)
	m := newTestManager(t, ledger, cfg)

	report, err := m.Balance(context.Background(), cfg.Params)
	require.ErrorIs(t, err, ErrInsufficientFunds)
	require.Zero(t, report.Transfers)
}

func retireOne(t *testing.T, m *Manager) solana.PublicKey {
	t.Helper()
	lease, ok := m.AcquireDisposable()
	require.True(t, ok)
	require.NoError(t, m.ReleaseDisposable(lease, true))
	return lease.ID
}

func TestBalance_Recovery(t *testing.T) {
	tests := []struct {
		name          string
		balance       uint64
		failSweep     bool
		wantErr       bool
		wantRecovered uint64
		wantRemaining int
	}{
		{name: "sweep", balance: 8_000_000, wantRecovered: 8_000_000 - TransferFee},
		{name: "dust", balance: DustThreshold - 1},
		{name: "empty", balance: 0},
		{name: "failed sweep", balance: 8_000_000, failSweep: true, wantErr: true, wantRemaining: 1},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			cfg := DefaultConfig
			cfg.Intermediate = newKeys(1)
			cfg.Disposable = newKeys(1)
			cfg.Params.MinDisposable = 0
			intermediate := cfg.Intermediate[0].PublicKey()
			ledger := newFakeLedger()
			ledger.set(intermediate, cfg.Params.TargetIntermediateBalance)
			m := newTestManager(t, ledger, cfg)

			retired := retireOne(t, m)
			ledger.set(retired, tt.balance)
			if tt.failSweep {
				ledger.failFrom[retired] = true
			}

			report, err := m.Balance(context.Background(), cfg.Params)
			if tt.wantErr {
				require.Error(t, err)
			} else {
				require.NoError(t, err)
			}
			require.Equal(t, tt.wantRecovered, report.RecoveredLamports)
			require.Equal(t, cfg.Params.TargetIntermediateBalance+tt.wantRecovered, ledger.get(intermediate))
			require.Equal(t, tt.wantRemaining, m.Stats().Tiers["disposable"].Retired)

			if tt.failSweep {
				// swept on the next pass
				ledger.mu.Lock()
				delete(ledger.failFrom, retired)
				ledger.mu.Unlock()
				report, err = m.Balance(context.Background(), cfg.Params)
				require.NoError(t, err)
				require.Equal(t, 1, report.Recovered)
				require.Zero(t, m.Stats().Tiers["disposable"].Retired)
			}
		})
	}
}

func TestBalance_RecoversToFundingSource(t *testing.T) {
	cfg := DefaultConfig
	cfg.Intermediate = newKeys(2)
	cfg.Params.MinDisposable = 1
	cfg.Params.CreateBatch = 1
	ledger := newFakeLedger()
	first, second := cfg.Intermediate[0].PublicKey(), cfg.Intermediate[1].PublicKey()
	ledger.set(first, cfg.Params.TargetIntermediateBalance)
	ledger.set(second, 2*cfg.Params.TargetIntermediateBalance)
	m := newTestManager(t, ledger, cfg)

	// richest intermediate funds the new key
	_, err := m.Balance(context.Background(), cfg.Params)
	require.NoError(t, err)
	require.Less(t, ledger.get(second), 2*cfg.Params.TargetIntermediateBalance)
	before := ledger.get(second)

	retireOne(t, m)
	cfg.Params.MinDisposable = 0
	report, err := m.Balance(context.Background(), cfg.Params)
	require.NoError(t, err)
	require.Equal(t, 1, report.Recovered)
	require.Equal(t, before+report.RecoveredLamports, ledger.get(second))
	require.Equal(t, cfg.Params.TargetIntermediateBalance, ledger.get(first))
}

func TestBalance_FailedFundingIsRecovered(t *testing.T) {
	cfg := DefaultConfig
	cfg.Intermediate = newKeys(1)
	cfg.Params.MinDisposable = 1
	intermediate := cfg.Intermediate[0].PublicKey()
	ledger := newFakeLedger()
	ledger.set(intermediate, cfg.Params.TargetIntermediateBalance)
	ledger.failFrom[intermediate] = true
	m := newTestManager(t, ledger, cfg)

	_, err := m.Balance(context.Background(), cfg.Params)
	require.Error(t, err)
	stats := m.Stats().Tiers["disposable"]
	require.Zero(t, stats.Available)
	require.Equal(t, 1, stats.Retired)
}
