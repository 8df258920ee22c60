package relayer

import (
	"context"
	"fmt"
	"sort"
	"sync"
	"sync/atomic"
	"time"

	"github.com/808putnam/qtrade-relayer/metrics"
	"go.uber.org/zap"
)

const (
	healthAlpha         = 0.2
	healthCheckTimeout  = 3 * time.Second
	healthCheckInterval = 30 * time.Second
)

type dispatchResult int

const (
	resultFailed dispatchResult = iota
	resultAccepted
	resultConfirmed
	// resultCancelled is a dispatch abandoned before the provider answered. It leaves the score untouched.
	resultCancelled
)

func (r dispatchResult) String() string {
	switch r {
	case resultConfirmed:
		return "confirmed"
	case resultAccepted:
		return "accepted"
	case resultCancelled:
		return "cancelled"
	default:
		return "failed"
	}
}

func (r dispatchResult) score() float64 {
	switch r {
	case resultConfirmed:
		return 1
	case resultAccepted:
		return 0.5
	default:
		return 0
	}
}

type health struct {
	score        float64
	avgConfirmMs float64
	confirmed    uint64
	accepted     uint64
	failed       uint64
	cancelled    uint64
	lastError    string
	lastSeen     time.Time
}

// Handle wraps a registered provider with its rolling health statistics.
type Handle struct {
	provider Provider

	mu     sync.Mutex
	health health
}

func newHandle(p Provider) *Handle {
	return &Handle{provider: p, health: health{score: 1}}
}

func (h *Handle) Name() string {
	return h.provider.Name()
}

func (h *Handle) Provider() Provider {
	return h.provider
}

// record folds one dispatch result into the rolling score. It is called once per handle per submission round.
func (h *Handle) record(res dispatchResult, confirmLatency time.Duration, err error) {
	h.mu.Lock()
	defer h.mu.Unlock()
	if res == resultCancelled {
		h.health.cancelled++
		metrics.IncProviderResult(h.Name(), res.String())
		return
	}
	h.health.score = (1-healthAlpha)*h.health.score + healthAlpha*res.score()
	h.health.lastSeen = time.Now()
	switch res {
	case resultConfirmed:
		h.health.confirmed++
		ms := float64(confirmLatency.Milliseconds())
		if h.health.confirmed == 1 {
			h.health.avgConfirmMs = ms
		} else {
			h.health.avgConfirmMs = (1-healthAlpha)*h.health.avgConfirmMs + healthAlpha*ms
		}
		metrics.RecordProviderConfirmDuration(h.Name(), confirmLatency.Milliseconds())
	case resultAccepted:
		h.health.accepted++
	case resultFailed:
		h.health.failed++
		if err != nil {
			h.health.lastError = err.Error()
		}
	}
	metrics.IncProviderResult(h.Name(), res.String())
}

func (h *Handle) recordHealthCheck(err error) {
	h.mu.Lock()
	defer h.mu.Unlock()
	if err != nil {
		h.health.lastError = err.Error()
		return
	}
	h.health.lastSeen = time.Now()
}

type HealthSnapshot struct {
	Name         string     `json:"name"`
	Active       bool       `json:"active"`
	Score        float64    `json:"score"`
	SuccessRate  float64    `json:"successRate"`
	AvgConfirmMs float64    `json:"avgConfirmMs"`
	Confirmed    uint64     `json:"confirmed"`
	Accepted     uint64     `json:"accepted"`
	Failed       uint64     `json:"failed"`
	Cancelled    uint64     `json:"cancelled"`
	LastError    string     `json:"lastError,omitempty"`
	LastSeen     *time.Time `json:"lastSeen,omitempty"`
}

func (h *Handle) snapshot(active bool) HealthSnapshot {
	h.mu.Lock()
	defer h.mu.Unlock()
	s := HealthSnapshot{
		Name:         h.Name(),
		Active:       active,
		Score:        h.health.score,
		AvgConfirmMs: h.health.avgConfirmMs,
		Confirmed:    h.health.confirmed,
		Accepted:     h.health.accepted,
		Failed:       h.health.failed,
		Cancelled:    h.health.cancelled,
		LastError:    h.health.lastError,
	}
	if total := s.Confirmed + s.Accepted + s.Failed; total > 0 {
		s.SuccessRate = float64(s.Confirmed) / float64(total)
	}
	if !h.health.lastSeen.IsZero() {
		seen := h.health.lastSeen
		s.LastSeen = &seen
	}
	return s
}

// Registry holds every registered provider and the active allow-list. Health never changes the allow-list.
type Registry struct {
	log *zap.Logger

	mu      sync.RWMutex
	handles []*Handle
	index   map[string]*Handle

	// nil means every registered provider is active
	active atomic.Pointer[[]string]
}

func NewRegistry(log *zap.Logger) *Registry {
	return &Registry{
		log:   log.Named("registry"),
		index: make(map[string]*Handle),
	}
}

func (r *Registry) Register(p Provider) error {
	if p == nil || p.Name() == "" {
		return ErrInvalidProvider
	}
	r.mu.Lock()
	defer r.mu.Unlock()
	if _, ok := r.index[p.Name()]; ok {
		return fmt.Errorf("%w: %s", ErrDuplicateProvider, p.Name())
	}
	h := newHandle(p)
	r.handles = append(r.handles, h)
	r.index[p.Name()] = h
	r.log.Info("Registered provider", zap.String("provider", p.Name()))
	return nil
}

// SetActive replaces the allow-list, in order. An empty list activates every registered provider.
// The change applies to the next submission.
func (r *Registry) SetActive(names []string) error {
	if len(names) == 0 {
		r.active.Store(nil)
		r.log.Info("All providers active")
		return nil
	}
	r.mu.RLock()
	list := make([]string, 0, len(names))
	seen := make(map[string]struct{}, len(names))
	for _, name := range names {
		if _, ok := r.index[name]; !ok {
			r.mu.RUnlock()
			return fmt.Errorf("%w: %s", ErrUnknownProvider, name)
		}
		if _, ok := seen[name]; ok {
			continue
		}
		seen[name] = struct{}{}
		list = append(list, name)
	}
	r.mu.RUnlock()
	r.active.Store(&list)
	r.log.Info("Active providers updated", zap.Strings("active", list))
	return nil
}

// ActiveNames returns the allow-list, nil when every provider is active.
func (r *Registry) ActiveNames() []string {
	list := r.active.Load()
	if list == nil {
		return nil
	}
	return append([]string(nil), (*list)...)
}

// Active returns the handles to race, in allow-list order.
func (r *Registry) Active() []*Handle {
	list := r.active.Load()
	r.mu.RLock()
	defer r.mu.RUnlock()
	if list == nil {
		return append([]*Handle(nil), r.handles...)
	}
	out := make([]*Handle, 0, len(*list))
	for _, name := range *list {
		if h, ok := r.index[name]; ok {
			out = append(out, h)
		}
	}
	return out
}

// Handles returns every registered provider, in registration order.
func (r *Registry) Handles() []*Handle {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return append([]*Handle(nil), r.handles...)
}

func (r *Registry) Get(name string) (*Handle, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	h, ok := r.index[name]
	return h, ok
}

func (r *Registry) isActive(name string) bool {
	list := r.active.Load()
	if list == nil {
		return true
	}
	for _, n := range *list {
		if n == name {
			return true
		}
	}
	return false
}

// Snapshot returns the health of every registered provider sorted by name.
func (r *Registry) Snapshot() []HealthSnapshot {
	handles := r.Handles()
	out := make([]HealthSnapshot, 0, len(handles))
	for _, h := range handles {
		out = append(out, h.snapshot(r.isActive(h.Name())))
	}
	sort.Slice(out, func(i, j int) bool {
		return out[i].Name < out[j].Name
	})
	return out
}

// CheckHealth checks every registered provider concurrently and returns the failures by name.
func (r *Registry) CheckHealth(ctx context.Context) map[string]error {
	handles := r.Handles()
	var (
		mu     sync.Mutex
		wg     sync.WaitGroup
		failed = make(map[string]error)
	)
	for _, h := range handles {
		wg.Add(1)
		go func(h *Handle) {
			defer wg.Done()
			checkCtx, cancel := context.WithTimeout(ctx, healthCheckTimeout)
			defer cancel()
			err := h.provider.Health(checkCtx)
			h.recordHealthCheck(err)
			if err != nil {
				r.log.Warn("Provider health check failed", zap.String("provider", h.Name()), zap.Error(err))
				mu.Lock()
				failed[h.Name()] = err
				mu.Unlock()
			}
		}(h)
	}
	wg.Wait()
	return failed
}

// StartHealthChecks checks every provider on a fixed interval until ctx is done.
func (r *Registry) StartHealthChecks(ctx context.Context, interval time.Duration) *sync.WaitGroup {
	if interval <= 0 {
		interval = healthCheckInterval
	}
	var wg sync.WaitGroup
	wg.Add(1)
	go func() {
		defer wg.Done()
		ticker := time.NewTicker(interval)
		defer ticker.Stop()
		for {
			select {
			case <-ctx.Done():
				return
			case <-ticker.C:
				r.CheckHealth(ctx)
			}
		}
	}()
	return &wg
}
