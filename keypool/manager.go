// Package keypool holds the signing keys of the relayer in three tiers.
//
// Cold keys hold the bulk of the funds and are only used to top up Intermediate keys. Intermediate keys fund
// Disposable keys and receive what is left on them after use. Disposable keys sign exactly one submission:
// Available -> Leased -> Retired, and are removed once their balance was swept back.
//
// Single-tier mode collapses all tiers into one reusable key for testing environments. It is only entered
// when configured explicitly.
package keypool

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/808putnam/qtrade-relayer/metrics"
	"github.com/gagliardetto/solana-go"
	"github.com/google/uuid"
	"go.uber.org/zap"
)

var (
	ErrUnknownKey         = errors.New("unknown key")
	ErrNotDisposable      = errors.New("key is not a disposable key")
	ErrKeyRetired         = errors.New("key is retired and can't be leased or released again")
	ErrKeyNotLeased       = errors.New("key is not leased")
	ErrLeaseNotHeld       = errors.New("key lease is held by another caller")
	ErrNoIntermediateKeys = errors.New("tiered mode requires at least one intermediate key")
	ErrNoSingleKey        = errors.New("single-tier mode requires a key")
	ErrDuplicateKey       = errors.New("key configured more than once")
)

type Tier int

const (
	TierCold Tier = iota
	TierIntermediate
	TierDisposable
)

func (t Tier) String() string {
	switch t {
	case TierCold:
		return "cold"
	case TierIntermediate:
		return "intermediate"
	case TierDisposable:
		return "disposable"
	default:
		return fmt.Sprintf("tier(%d)", int(t))
	}
}

type Status int32

const (
	StatusAvailable Status = iota
	StatusLeased
	StatusRetired
)

func (s Status) String() string {
	switch s {
	case StatusAvailable:
		return "available"
	case StatusLeased:
		return "leased"
	case StatusRetired:
		return "retired"
	default:
		return fmt.Sprintf("status(%d)", int32(s))
	}
}

type Mode int

const (
	ModeTiered Mode = iota
	ModeSingleTier
)

func (m Mode) String() string {
	if m == ModeSingleTier {
		return "single"
	}
	return "tiered"
}

// Ledger is what the manager needs to move funds between tiers.
type Ledger interface {
	Balance(ctx context.Context, account solana.PublicKey) (uint64, error)
	Transfer(ctx context.Context, from solana.PrivateKey, to solana.PublicKey, lamports uint64) (solana.Signature, error)
}

// Lease identifies a leased disposable key. It carries no secret material.
// Token is unique per lease, only its holder can release the key.
type Lease struct {
	ID     solana.PublicKey `json:"id"`
	Handle SecretHandle     `json:"handle"`
	Token  string           `json:"token,omitempty"`
}

type entry struct {
	mu            sync.Mutex
	id            solana.PublicKey
	tier          Tier
	handle        SecretHandle
	status        Status
	leaseToken    string
	fundingSource solana.PublicKey
}

func (e *entry) tryLease() (Lease, bool) {
	e.mu.Lock()
	defer e.mu.Unlock()
	if e.status != StatusAvailable {
		return Lease{}, false
	}
	e.status = StatusLeased
	e.leaseToken = uuid.NewString()
	return Lease{ID: e.id, Handle: e.handle, Token: e.leaseToken}, true
}

func (e *entry) getStatus() Status {
	e.mu.Lock()
	defer e.mu.Unlock()
	return e.status
}

type TierStats struct {
	Available int `json:"available"`
	Leased    int `json:"leased"`
	Retired   int `json:"retired"`
}

type Stats struct {
	Mode  string               `json:"mode"`
	Tiers map[string]TierStats `json:"tiers"`
}

type Manager struct {
	log    *zap.Logger
	ledger Ledger
	vault  *Vault
	cfg    Config
	mode   Mode

	// mu guards pool membership only. Entry state has its own lock.
	mu           sync.RWMutex
	cold         []*entry
	intermediate []*entry
	disposable   []*entry
	index        map[solana.PublicKey]*entry
	single       *entry

	balanceMu sync.Mutex

	lifecycleMu sync.Mutex
	cancel      func()
	wg          sync.WaitGroup
}

// New builds a manager for the mode selected in cfg.
func New(log *zap.Logger, ledger Ledger, vault *Vault, cfg Config) (*Manager, error) {
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	if cfg.Mode == ModeSingleTier {
		return NewSingleTier(log, ledger, vault, cfg)
	}
	return NewTiered(log, ledger, vault, cfg)
}

func newManager(log *zap.Logger, ledger Ledger, vault *Vault, cfg Config, mode Mode) *Manager {
	return &Manager{
		log:    log.Named("key-pool").With(zap.Stringer("mode", mode)),
		ledger: ledger,
		vault:  vault,
		cfg:    cfg,
		mode:   mode,
		index:  make(map[solana.PublicKey]*entry),
	}
}

func NewTiered(log *zap.Logger, ledger Ledger, vault *Vault, cfg Config) (*Manager, error) {
	if len(cfg.Intermediate) == 0 {
		return nil, ErrNoIntermediateKeys
	}
	m := newManager(log, ledger, vault, cfg, ModeTiered)
	for _, seed := range []struct {
		tier Tier
		keys []solana.PrivateKey
	}{
		{TierCold, cfg.Cold},
		{TierIntermediate, cfg.Intermediate},
		{TierDisposable, cfg.Disposable},
	} {
		for _, key := range seed.keys {
			if _, err := m.add(key, seed.tier, solana.PublicKey{}, StatusAvailable); err != nil {
				return nil, err
			}
		}
	}
	if len(m.cold) == 0 {
		m.log.Warn("No cold keys configured, intermediate keys will not be topped up")
	}
	m.recordSizes()
	return m, nil
}

func NewSingleTier(log *zap.Logger, ledger Ledger, vault *Vault, cfg Config) (*Manager, error) {
	if len(cfg.Single) == 0 {
		return nil, ErrNoSingleKey
	}
	m := newManager(log, ledger, vault, cfg, ModeSingleTier)
	handle, err := vault.Put(cfg.Single)
	if err != nil {
		return nil, err
	}
	m.single = &entry{id: cfg.Single.PublicKey(), tier: TierDisposable, handle: handle}
	m.index[m.single.id] = m.single
	m.log.Warn("Key pool running in single-tier mode, keys are reused and never recovered",
		zap.String("key", m.single.id.String()))
	return m, nil
}

func (m *Manager) Mode() Mode {
	return m.mode
}

// add seals key in the vault and appends a new entry to its tier.
func (m *Manager) add(key solana.PrivateKey, tier Tier, fundingSource solana.PublicKey, status Status) (*entry, error) {
	id := key.PublicKey()
	m.mu.RLock()
	_, exists := m.index[id]
	m.mu.RUnlock()
	if exists {
		return nil, fmt.Errorf("%w: %s", ErrDuplicateKey, id)
	}

	handle, err := m.vault.Put(key)
	if err != nil {
		return nil, err
	}
	e := &entry{id: id, tier: tier, handle: handle, status: status, fundingSource: fundingSource}

	m.mu.Lock()
	defer m.mu.Unlock()
	m.index[id] = e
	switch tier {
	case TierCold:
		m.cold = append(m.cold, e)
	case TierIntermediate:
		m.intermediate = append(m.intermediate, e)
	case TierDisposable:
		m.disposable = append(m.disposable, e)
	}
	return e, nil
}

// remove drops a disposable entry and its secret.
func (m *Manager) remove(e *entry) {
	m.mu.Lock()
	delete(m.index, e.id)
	for i, d := range m.disposable {
		if d == e {
			m.disposable = append(m.disposable[:i], m.disposable[i+1:]...)
			break
		}
	}
	m.mu.Unlock()
	m.vault.Forget(e.handle)
}

// AcquireDisposable leases the oldest Available disposable key. It returns false when none is available,
// which callers treat as "try again shortly".
func (m *Manager) AcquireDisposable() (Lease, bool) {
	if m.mode == ModeSingleTier {
		metrics.IncDisposableKeyAcquired()
		return Lease{ID: m.single.id, Handle: m.single.handle}, true
	}

	m.mu.RLock()
	defer m.mu.RUnlock()
	for _, e := range m.disposable {
		if lease, ok := e.tryLease(); ok {
			metrics.IncDisposableKeyAcquired()
			return lease, true
		}
	}
	metrics.IncDisposableKeyExhausted()
	return Lease{}, false
}

// ReleaseDisposable ends a lease. The lease token must match the current holder, a key leased again
// after release can't be released through an older lease. A retired key is never leased again.
func (m *Manager) ReleaseDisposable(lease Lease, retire bool) error {
	id := lease.ID
	if m.mode == ModeSingleTier {
		if !id.Equals(m.single.id) {
			return fmt.Errorf("%w: %s", ErrUnknownKey, id)
		}
		return nil
	}

	m.mu.RLock()
	e, ok := m.index[id]
	m.mu.RUnlock()
	if !ok {
		return fmt.Errorf("%w: %s", ErrUnknownKey, id)
	}
	if e.tier != TierDisposable {
		return fmt.Errorf("%w: %s is %s", ErrNotDisposable, id, e.tier)
	}

	e.mu.Lock()
	defer e.mu.Unlock()
	switch e.status {
	case StatusRetired:
		return fmt.Errorf("%w: %s", ErrKeyRetired, id)
	case StatusAvailable:
		return fmt.Errorf("%w: %s", ErrKeyNotLeased, id)
	}
	if lease.Token == "" || lease.Token != e.leaseToken {
		return fmt.Errorf("%w: %s", ErrLeaseNotHeld, id)
	}
	e.leaseToken = ""
	if retire {
		e.status = StatusRetired
		metrics.IncDisposableKeyRetired()
		return nil
	}
	e.status = StatusAvailable
	return nil
}

// PeekDisposable returns an Available disposable key without leasing it.
func (m *Manager) PeekDisposable() (Lease, bool) {
	if m.mode == ModeSingleTier {
		return Lease{ID: m.single.id, Handle: m.single.handle}, true
	}
	m.mu.RLock()
	defer m.mu.RUnlock()
	for _, e := range m.disposable {
		if e.getStatus() == StatusAvailable {
			return Lease{ID: e.id, Handle: e.handle}, true
		}
	}
	return Lease{}, false
}

// Signer opens the secret behind a lease.
func (m *Manager) Signer(lease Lease) (solana.PrivateKey, error) {
	m.mu.RLock()
	e, ok := m.index[lease.ID]
	m.mu.RUnlock()
	if !ok || e.handle != lease.Handle {
		return nil, fmt.Errorf("%w: %s", ErrUnknownKey, lease.ID)
	}
	return m.vault.Signer(e.handle)
}

func (m *Manager) Stats() Stats {
	stats := Stats{Mode: m.mode.String(), Tiers: make(map[string]TierStats)}
	if m.mode == ModeSingleTier {
		stats.Tiers[TierDisposable.String()] = TierStats{Available: 1}
		return stats
	}

	m.mu.RLock()
	defer m.mu.RUnlock()
	for tier, entries := range map[Tier][]*entry{
		TierCold:         m.cold,
		TierIntermediate: m.intermediate,
		TierDisposable:   m.disposable,
	} {
		var ts TierStats
		for _, e := range entries {
			switch e.getStatus() {
			case StatusAvailable:
				ts.Available++
			case StatusLeased:
				ts.Leased++
			case StatusRetired:
				ts.Retired++
			}
		}
		stats.Tiers[tier.String()] = ts
	}
	return stats
}

func (m *Manager) recordSizes() {
	for tier, ts := range m.Stats().Tiers {
		metrics.SetKeyPoolSize(tier, StatusAvailable.String(), ts.Available)
		metrics.SetKeyPoolSize(tier, StatusLeased.String(), ts.Leased)
		metrics.SetKeyPoolSize(tier, StatusRetired.String(), ts.Retired)
	}
}

// Start runs Balance with the configured parameters every Interval. Single-tier managers have nothing to balance.
func (m *Manager) Start(ctx context.Context) *sync.WaitGroup {
	m.lifecycleMu.Lock()
	defer m.lifecycleMu.Unlock()
	if m.mode == ModeSingleTier {
		return &m.wg
	}

	ctx, cancel := context.WithCancel(ctx)
	m.cancel = cancel

	m.wg.Add(1)
	go func() {
		defer m.wg.Done()
		ticker := time.NewTicker(m.cfg.Interval)
		defer ticker.Stop()

		for {
			report, err := m.Balance(ctx, m.cfg.Params)
			if err != nil && !errors.Is(err, context.Canceled) {
				m.log.Error("Key balancing pass failed", zap.Error(err))
			}
			if !report.Skipped {
				m.log.Debug("Key balancing pass finished", zap.Any("report", report))
			}
			select {
			case <-ctx.Done():
				return
			case <-ticker.C:
			}
		}
	}()
	return &m.wg
}

func (m *Manager) Stop() {
	m.lifecycleMu.Lock()
	cancel := m.cancel
	m.cancel = nil
	m.lifecycleMu.Unlock()

	if cancel != nil {
		cancel()
	}
	m.wg.Wait()
}
