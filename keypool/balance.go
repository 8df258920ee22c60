package keypool

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/808putnam/qtrade-relayer/metrics"
	"github.com/cenkalti/backoff/v4"
	"github.com/gagliardetto/solana-go"
	"go.uber.org/zap"
)

const (
	// TransferFee is reserved on the sending side of every transfer.
	TransferFee = uint64(5_000)
	// DustThreshold is the balance below which a retired key is dropped without a sweep.
	DustThreshold = uint64(10_000)
)

var ErrInsufficientFunds = errors.New("no funding key with sufficient balance")

type BalanceParams struct {
	MinDisposable             int
	CreateBatch               int
	TargetDisposableBalance   uint64
	TargetIntermediateBalance uint64
}

type BalanceReport struct {
	Skipped             bool   `json:"skipped"`
	Recovered           int    `json:"recovered"`
	RecoveredLamports   uint64 `json:"recoveredLamports"`
	Removed             int    `json:"removed"`
	IntermediatesFunded int    `json:"intermediatesFunded"`
	Created             int    `json:"created"`
	Transfers           int    `json:"transfers"`
}

// Balance runs recovery, intermediate funding and disposable provisioning, in that order.
// It is idempotent: with no state change in between a second call moves no funds. A call made while another
// one is running returns immediately with Skipped set.
func (m *Manager) Balance(ctx context.Context, params BalanceParams) (BalanceReport, error) {
	if m.mode == ModeSingleTier {
		return BalanceReport{Skipped: true}, nil
	}
	if !m.balanceMu.TryLock() {
		return BalanceReport{Skipped: true}, nil
	}
	defer m.balanceMu.Unlock()

	start := time.Now()
	defer func() {
		metrics.RecordBalanceRun(time.Since(start))
		m.recordSizes()
	}()

	var (
		report BalanceReport
		errs   []error
	)
	if err := m.recoverRetired(ctx, &report); err != nil {
		errs = append(errs, fmt.Errorf("recovery: %w", err))
	}
	if err := m.fundIntermediates(ctx, params, &report); err != nil {
		errs = append(errs, fmt.Errorf("intermediate funding: %w", err))
	}
	if err := m.provisionDisposable(ctx, params, &report); err != nil {
		errs = append(errs, fmt.Errorf("disposable provisioning: %w", err))
	}
	return report, errors.Join(errs...)
}

func (m *Manager) snapshot(tier Tier) []*entry {
	m.mu.RLock()
	defer m.mu.RUnlock()
	var src []*entry
	switch tier {
	case TierCold:
		src = m.cold
	case TierIntermediate:
		src = m.intermediate
	case TierDisposable:
		src = m.disposable
	}
	return append([]*entry(nil), src...)
}

// balanceOf reads a balance with a short bounded retry, reads are safe to repeat.
func (m *Manager) balanceOf(ctx context.Context, id solana.PublicKey) (uint64, error) {
	exp := backoff.NewExponentialBackOff()
	exp.InitialInterval = 100 * time.Millisecond
	back := backoff.WithContext(backoff.WithMaxRetries(exp, 2), ctx)

	var balance uint64
	err := backoff.Retry(func() error {
		opCtx, cancel := context.WithTimeout(ctx, m.cfg.OperationTimeout)
		defer cancel()
		b, err := m.ledger.Balance(opCtx, id)
		if err != nil {
			return err
		}
		balance = b
		return nil
	}, back)
	return balance, err
}

// transfer is not retried: a transfer that timed out may still land, the next pass re-reads balances instead.
func (m *Manager) transfer(ctx context.Context, from *entry, to solana.PublicKey, lamports uint64) error {
	key, err := m.vault.Signer(from.handle)
	if err != nil {
		return err
	}
	opCtx, cancel := context.WithTimeout(ctx, m.cfg.OperationTimeout)
	defer cancel()
	sig, err := m.ledger.Transfer(opCtx, key, to, lamports)
	if err != nil {
		return err
	}
	m.log.Debug("Transfer confirmed",
		zap.String("from", from.id.String()),
		zap.String("to", to.String()),
		zap.Uint64("lamports", lamports),
		zap.String("signature", sig.String()))
	return nil
}

func (m *Manager) recoveryDestination(e *entry) (*entry, bool) {
	intermediates := m.snapshot(TierIntermediate)
	for _, i := range intermediates {
		if i.id.Equals(e.fundingSource) {
			return i, true
		}
	}
	if len(intermediates) > 0 {
		return intermediates[0], true
	}
	return nil, false
}

func (m *Manager) recoverRetired(ctx context.Context, report *BalanceReport) error {
	var errs []error
	for _, e := range m.snapshot(TierDisposable) {
		if e.getStatus() != StatusRetired {
			continue
		}
		if ctx.Err() != nil {
			return ctx.Err()
		}

		balance, err := m.balanceOf(ctx, e.id)
		if err != nil {
			errs = append(errs, fmt.Errorf("balance of %s: %w", e.id, err))
			continue
		}
		metrics.RecordKeyBalance(TierDisposable.String(), balance)

		if balance >= DustThreshold {
			dest, ok := m.recoveryDestination(e)
			if !ok {
				errs = append(errs, ErrNoIntermediateKeys)
				continue
			}
			amount := balance - TransferFee
			if err := m.transfer(ctx, e, dest.id, amount); err != nil {
				m.log.Warn("Failed to recover funds from retired key, will retry",
					zap.String("key", e.id.String()), zap.Error(err))
				errs = append(errs, fmt.Errorf("sweep %s: %w", e.id, err))
				continue
			}
			report.Transfers++
			report.Recovered++
			report.RecoveredLamports += amount
			metrics.IncDisposableKeyRecovered()
			metrics.AddRecoveredLamports(amount)
		}

		m.remove(e)
		report.Removed++
		m.log.Info("Retired key removed", zap.String("key", e.id.String()), zap.Uint64("balance", balance))
	}
	return errors.Join(errs...)
}

func (m *Manager) fundIntermediates(ctx context.Context, params BalanceParams, report *BalanceReport) error {
	var errs []error

	colds := m.snapshot(TierCold)
	coldBalances := make(map[*entry]uint64, len(colds))
	for _, c := range colds {
		b, err := m.balanceOf(ctx, c.id)
		if err != nil {
			errs = append(errs, fmt.Errorf("balance of %s: %w", c.id, err))
			continue
		}
		metrics.RecordKeyBalance(TierCold.String(), b)
		coldBalances[c] = b
	}

	for _, e := range m.snapshot(TierIntermediate) {
		if ctx.Err() != nil {
			return ctx.Err()
		}
		balance, err := m.balanceOf(ctx, e.id)
		if err != nil {
			errs = append(errs, fmt.Errorf("balance of %s: %w", e.id, err))
			continue
		}
		metrics.RecordKeyBalance(TierIntermediate.String(), balance)
		if balance >= params.TargetIntermediateBalance {
			continue
		}

		need := params.TargetIntermediateBalance - balance
		var source *entry
		for _, c := range colds {
			if b, ok := coldBalances[c]; ok && b >= need+TransferFee {
				source = c
				break
			}
		}
		if source == nil {
			errs = append(errs, fmt.Errorf("%w: %s needs %d lamports", ErrInsufficientFunds, e.id, need))
			continue
		}
		if err := m.transfer(ctx, source, e.id, need); err != nil {
			errs = append(errs, fmt.Errorf("fund %s: %w", e.id, err))
			continue
		}
		coldBalances[source] -= need + TransferFee
		report.Transfers++
		report.IntermediatesFunded++
		metrics.IncIntermediateKeyFunded()
		m.log.Info("Intermediate key funded", zap.String("key", e.id.String()), zap.Uint64("lamports", need))
	}
	return errors.Join(errs...)
}

func (m *Manager) countAvailableDisposable() int {
	n := 0
	for _, e := range m.snapshot(TierDisposable) {
		if e.getStatus() == StatusAvailable {
			n++
		}
	}
	return n
}

func (m *Manager) provisionDisposable(ctx context.Context, params BalanceParams, report *BalanceReport) error {
	available := m.countAvailableDisposable()
	if available >= params.MinDisposable {
		return nil
	}
	batch := params.CreateBatch
	if batch < 1 {
		batch = 1
	}

	intermediates := m.snapshot(TierIntermediate)
	funds := make(map[*entry]uint64, len(intermediates))
	for _, i := range intermediates {
		b, err := m.balanceOf(ctx, i.id)
		if err != nil {
			m.log.Warn("Failed to read intermediate balance", zap.String("key", i.id.String()), zap.Error(err))
			continue
		}
		funds[i] = b
	}
	cost := params.TargetDisposableBalance + TransferFee

	for available < params.MinDisposable {
		for n := 0; n < batch; n++ {
			if ctx.Err() != nil {
				return ctx.Err()
			}

			// fund from the richest intermediate key to spread the load
			var funder *entry
			for _, i := range intermediates {
				if b, ok := funds[i]; ok && b >= cost && (funder == nil || b > funds[funder]) {
					funder = i
				}
			}
			if funder == nil {
				return fmt.Errorf("%w: need %d lamports per key", ErrInsufficientFunds, cost)
			}

			wallet := solana.NewWallet()
			if err := m.transfer(ctx, funder, wallet.PublicKey(), params.TargetDisposableBalance); err != nil {
				// the transfer may still land, keep the key retired so recovery sweeps it back
				if _, addErr := m.add(wallet.PrivateKey, TierDisposable, funder.id, StatusRetired); addErr != nil {
					err = errors.Join(err, addErr)
				}
				return fmt.Errorf("fund disposable key: %w", err)
			}
			e, err := m.add(wallet.PrivateKey, TierDisposable, funder.id, StatusAvailable)
			if err != nil {
				return err
			}

			funds[funder] -= cost
			available++
			report.Transfers++
			report.Created++
			metrics.IncDisposableKeyCreated()
			metrics.RecordKeyBalance(TierDisposable.String(), params.TargetDisposableBalance)
			m.log.Info("Disposable key created",
				zap.String("key", e.id.String()),
				zap.String("funding_source", funder.id.String()))
		}
	}
	return nil
}
