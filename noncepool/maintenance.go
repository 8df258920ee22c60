package noncepool

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/808putnam/qtrade-relayer/ledger"
	"github.com/808putnam/qtrade-relayer/metrics"
	"github.com/gagliardetto/solana-go"
	"go.uber.org/zap"
)

var ErrAuthorityMismatch = errors.New("nonce account authority does not match configured authority")

// Ledger is the subset of ledger operations maintenance needs.
type Ledger interface {
	NonceAccount(ctx context.Context, account solana.PublicKey) (ledger.NonceAccount, error)
	AdvanceNonce(ctx context.Context, account solana.PublicKey, authority solana.PrivateKey) error
	InitializeNonce(ctx context.Context, account solana.PublicKey, authority solana.PrivateKey) error
}

// Start runs maintenance immediately and then on every MaintenanceInterval until ctx is cancelled or Stop is called.
func (p *Pool) Start(ctx context.Context) *sync.WaitGroup {
	p.lifecycleMu.Lock()
	defer p.lifecycleMu.Unlock()

	ctx, cancel := context.WithCancel(ctx)
	p.cancel = cancel

	p.wg.Add(1)
	go func() {
		defer p.wg.Done()
		ticker := time.NewTicker(p.cfg.MaintenanceInterval)
		defer ticker.Stop()

		p.RunMaintenance(ctx)
		for {
			select {
			case <-ctx.Done():
				return
			case <-ticker.C:
				p.RunMaintenance(ctx)
			}
		}
	}()
	return &p.wg
}

func (p *Pool) Stop() {
	p.lifecycleMu.Lock()
	cancel := p.cancel
	p.cancel = nil
	p.lifecycleMu.Unlock()

	if cancel != nil {
		cancel()
	}
	p.wg.Wait()
}

// RunMaintenance performs one pass over all entries. Overlapping passes are skipped.
func (p *Pool) RunMaintenance(ctx context.Context) {
	if !p.maintenanceMu.TryLock() {
		p.log.Debug("Maintenance pass already running, skipping")
		return
	}
	defer p.maintenanceMu.Unlock()
	defer p.recordCounts()

	for _, e := range p.entries {
		if ctx.Err() != nil {
			return
		}
		if time.Now().Before(e.retryAt) {
			continue
		}

		state, token := e.view()
		var err error
		switch state {
		case StateLeased:
			continue
		case StateAvailable:
			err = p.checkDrift(ctx, e, token)
		case StatePendingAdvance, StateNeedsAdvance:
			err = p.refresh(ctx, e, state, token)
		case StateNeedsInitialization:
			err = p.initialize(ctx, e)
		}

		if err != nil {
			wait := e.back.NextBackOff()
			e.retryAt = time.Now().Add(wait)
			p.log.Warn("Nonce account maintenance failed",
				zap.String("account", e.address.String()),
				zap.Stringer("state", state),
				zap.Duration("retry_in", wait),
				zap.Error(err))
			continue
		}
		e.back.Reset()
		e.retryAt = time.Time{}
	}
}

func (p *Pool) fetch(ctx context.Context, address solana.PublicKey) (ledger.NonceAccount, error) {
	opCtx, cancel := context.WithTimeout(ctx, p.cfg.OperationTimeout)
	defer cancel()
	acc, err := p.ledger.NonceAccount(opCtx, address)
	if err != nil {
		return acc, err
	}
	if !acc.Authority.Equals(p.authority.PublicKey()) {
		return acc, fmt.Errorf("%w: %s", ErrAuthorityMismatch, acc.Authority)
	}
	return acc, nil
}

// checkDrift compares the cached token of an Available account with the ledger.
func (p *Pool) checkDrift(ctx context.Context, e *entry, cached solana.Hash) error {
	acc, err := p.fetch(ctx, e.address)
	switch {
	case errors.Is(err, ledger.ErrNonceNotInitialized) || errors.Is(err, ledger.ErrAccountNotFound):
		if e.transition(StateAvailable, StateNeedsInitialization, nil) {
			p.log.Warn("Nonce account lost its state on the ledger", zap.String("account", e.address.String()))
		}
		return nil
	case err != nil:
		metrics.IncNonceMaintenanceFailure("read")
		return err
	}
	if acc.Nonce != cached {
		if e.transition(StateAvailable, StateNeedsAdvance, nil) {
			p.log.Info("Nonce drift detected",
				zap.String("account", e.address.String()),
				zap.String("cached", cached.String()),
				zap.String("ledger", acc.Nonce.String()))
		}
	}
	return nil
}

// refresh makes sure the cached token is one the ledger will accept. If the ledger already moved past the
// cached token (the consuming transaction advanced it) the new value is adopted, otherwise an advance is sent.
func (p *Pool) refresh(ctx context.Context, e *entry, from State, cached solana.Hash) error {
	acc, err := p.fetch(ctx, e.address)
	switch {
	case errors.Is(err, ledger.ErrNonceNotInitialized):
		e.transition(from, StateNeedsInitialization, nil)
		return nil
	case err != nil:
		metrics.IncNonceMaintenanceFailure("read")
		return err
	}

	if acc.Nonce == cached {
		opCtx, cancel := context.WithTimeout(ctx, p.cfg.OperationTimeout)
		err = p.ledger.AdvanceNonce(opCtx, e.address, p.authority)
		cancel()
		if err != nil {
			metrics.IncNonceMaintenanceFailure("advance")
			return fmt.Errorf("advance: %w", err)
		}
		acc, err = p.fetch(ctx, e.address)
		if err != nil {
			metrics.IncNonceMaintenanceFailure("read")
			return err
		}
	}

	if e.transition(from, StateAvailable, &acc.Nonce) {
		p.log.Debug("Nonce account refreshed", zap.String("account", e.address.String()), zap.String("token", acc.Nonce.String()))
	}
	return nil
}

func (p *Pool) initialize(ctx context.Context, e *entry) error {
	acc, err := p.fetch(ctx, e.address)
	switch {
	case err == nil:
	case errors.Is(err, ledger.ErrNonceNotInitialized):
		opCtx, cancel := context.WithTimeout(ctx, p.cfg.OperationTimeout)
		err = p.ledger.InitializeNonce(opCtx, e.address, p.authority)
		cancel()
		if err != nil {
			metrics.IncNonceMaintenanceFailure("initialize")
			return fmt.Errorf("initialize: %w", err)
		}
		p.log.Info("Nonce account initialized", zap.String("account", e.address.String()))
		if acc, err = p.fetch(ctx, e.address); err != nil {
			metrics.IncNonceMaintenanceFailure("read")
			return err
		}
	default:
		metrics.IncNonceMaintenanceFailure("read")
		return err
	}

	e.transition(StateNeedsInitialization, StateAvailable, &acc.Nonce)
	return nil
}

func (p *Pool) recordCounts() {
	for state, n := range p.Counts() {
		metrics.SetNonceAccounts(state.String(), n)
	}
}
