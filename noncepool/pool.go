// Package noncepool manages a fixed set of durable nonce accounts.
//
// Each account is an entry with its own lock and state machine:
//
//	Available -> Leased -> PendingAdvance -> Available
//
// NeedsInitialization and NeedsAdvance are recovery states entered from maintenance when the ledger view of an
// account disagrees with the cached one. Acquire never waits: it either leases an Available account or returns
// ErrExhausted. Ledger calls happen only in maintenance and never while an entry lock is held.
package noncepool

import (
	"errors"
	"fmt"
	"sync"
	"sync/atomic"
	"time"

	"github.com/808putnam/qtrade-relayer/metrics"
	"github.com/cenkalti/backoff/v4"
	"github.com/gagliardetto/solana-go"
	"go.uber.org/zap"
)

var (
	ErrExhausted      = errors.New("no nonce account available")
	ErrLeaseNotHeld   = errors.New("nonce lease is not held")
	ErrUnknownAccount = errors.New("unknown nonce account")
	ErrNoAuthority    = errors.New("nonce authority is not configured")
)

type State int32

const (
	StateAvailable State = iota
	StateLeased
	StatePendingAdvance
	StateNeedsInitialization
	StateNeedsAdvance
)

var allStates = []State{StateAvailable, StateLeased, StatePendingAdvance, StateNeedsInitialization, StateNeedsAdvance}

func (s State) String() string {
	switch s {
	case StateAvailable:
		return "available"
	case StateLeased:
		return "leased"
	case StatePendingAdvance:
		return "pending_advance"
	case StateNeedsInitialization:
		return "needs_initialization"
	case StateNeedsAdvance:
		return "needs_advance"
	default:
		return fmt.Sprintf("unknown(%d)", int32(s))
	}
}

// Lease is an exclusive claim on one nonce account until it is released.
type Lease struct {
	Address     solana.PublicKey
	Token       solana.Hash
	LeasedSince time.Time

	generation uint64
}

// AccountView is a point-in-time copy of an entry, safe to hand to metrics and status endpoints.
type AccountView struct {
	Address     solana.PublicKey `json:"address"`
	State       string           `json:"state"`
	Token       string           `json:"token"`
	LeasedSince *time.Time       `json:"leasedSince,omitempty"`
}

type entry struct {
	mu          sync.Mutex
	address     solana.PublicKey
	token       solana.Hash
	state       State
	leasedSince time.Time
	generation  uint64

	// maintenance-only fields, touched by a single maintenance pass at a time
	retryAt time.Time
	back    *backoff.ExponentialBackOff
}

func newEntry(address solana.PublicKey) *entry {
	back := backoff.NewExponentialBackOff()
	back.InitialInterval = time.Second
	back.MaxInterval = time.Minute
	back.MaxElapsedTime = 0
	return &entry{
		address: address,
		state:   StateNeedsInitialization,
		back:    back,
	}
}

func (e *entry) tryLease(now time.Time) (Lease, bool) {
	e.mu.Lock()
	defer e.mu.Unlock()
	if e.state != StateAvailable {
		return Lease{}, false
	}
	e.state = StateLeased
	e.generation++
	e.leasedSince = now
	return Lease{Address: e.address, Token: e.token, LeasedSince: now, generation: e.generation}, true
}

func (e *entry) view() (State, solana.Hash) {
	e.mu.Lock()
	defer e.mu.Unlock()
	return e.state, e.token
}

// transition moves the entry from one state to another, optionally replacing the token.
// It fails if the entry left the expected state in the meantime.
func (e *entry) transition(from, to State, token *solana.Hash) bool {
	e.mu.Lock()
	defer e.mu.Unlock()
	if e.state != from {
		return false
	}
	e.state = to
	if token != nil {
		e.token = *token
	}
	return true
}

func (e *entry) snapshot() AccountView {
	e.mu.Lock()
	defer e.mu.Unlock()
	v := AccountView{Address: e.address, State: e.state.String(), Token: e.token.String()}
	if e.state == StateLeased {
		since := e.leasedSince
		v.LeasedSince = &since
	}
	return v
}

// Pool is safe for concurrent use. Membership is fixed at construction.
type Pool struct {
	log       *zap.Logger
	ledger    Ledger
	authority solana.PrivateKey
	cfg       Config

	entries []*entry
	index   map[solana.PublicKey]*entry
	cursor  atomic.Uint64

	maintenanceMu sync.Mutex

	lifecycleMu sync.Mutex
	cancel      func()
	wg          sync.WaitGroup
}

func New(log *zap.Logger, ledger Ledger, cfg Config) (*Pool, error) {
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	if len(cfg.Accounts) > 0 && len(cfg.Authority) == 0 {
		return nil, ErrNoAuthority
	}
	p := &Pool{
		log:       log.Named("nonce-pool"),
		ledger:    ledger,
		authority: cfg.Authority,
		cfg:       cfg,
		index:     make(map[solana.PublicKey]*entry, len(cfg.Accounts)),
	}
	for _, address := range cfg.Accounts {
		if _, ok := p.index[address]; ok {
			return nil, fmt.Errorf("duplicate nonce account %s", address)
		}
		e := newEntry(address)
		p.entries = append(p.entries, e)
		p.index[address] = e
	}
	if len(p.entries) == 0 {
		p.log.Warn("No nonce accounts configured, submissions will use recent blockhashes")
	}
	return p, nil
}

// Authority returns the key that must co-sign every transaction using a leased nonce.
func (p *Pool) Authority() solana.PrivateKey {
	return p.authority
}

// Acquire leases one Available account. It never blocks on availability.
func (p *Pool) Acquire() (Lease, error) {
	start := time.Now()
	n := uint64(len(p.entries))
	if n == 0 {
		metrics.IncNonceLeaseExhausted()
		return Lease{}, ErrExhausted
	}
	offset := p.cursor.Add(1)
	for i := uint64(0); i < n; i++ {
		e := p.entries[(offset+i)%n]
		if lease, ok := e.tryLease(start); ok {
			metrics.RecordNonceLeaseAcquire(time.Since(start))
			return lease, nil
		}
	}
	metrics.IncNonceLeaseExhausted()
	return Lease{}, ErrExhausted
}

// Release returns a lease. A consumed token must be refreshed before the account is reused.
func (p *Pool) Release(lease Lease, consumed bool) error {
	e, ok := p.index[lease.Address]
	if !ok {
		return fmt.Errorf("%w: %s", ErrUnknownAccount, lease.Address)
	}
	e.mu.Lock()
	defer e.mu.Unlock()
	if e.state != StateLeased || e.generation != lease.generation {
		return fmt.Errorf("%w: %s is %s", ErrLeaseNotHeld, lease.Address, e.state)
	}
	if consumed {
		e.state = StatePendingAdvance
	} else {
		e.state = StateAvailable
	}
	e.leasedSince = time.Time{}
	return nil
}

// Peek returns the current token of some Available account without leasing it.
// The returned lease cannot be released.
func (p *Pool) Peek() (Lease, bool) {
	for _, e := range p.entries {
		if state, token := e.view(); state == StateAvailable {
			return Lease{Address: e.address, Token: token}, true
		}
	}
	return Lease{}, false
}

func (p *Pool) Snapshot() []AccountView {
	out := make([]AccountView, 0, len(p.entries))
	for _, e := range p.entries {
		out = append(out, e.snapshot())
	}
	return out
}

func (p *Pool) Counts() map[State]int {
	counts := make(map[State]int, len(allStates))
	for _, s := range allStates {
		counts[s] = 0
	}
	for _, e := range p.entries {
		state, _ := e.view()
		counts[state]++
	}
	return counts
}

func (p *Pool) Len() int {
	return len(p.entries)
}
