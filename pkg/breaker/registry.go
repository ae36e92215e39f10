// Package breaker keeps one circuit breaker per policy name.
package breaker

import (
	"errors"
	"log/slog"
	"sort"
	"sync"
	"time"

	"github.com/dukex/chatflow/pkg/flowerr"
	"github.com/eapache/go-resiliency/breaker"
)

// Policy configures a breaker. It opens after FailureThreshold failures
// without a quiet CoolDown period, half-opens after CoolDown and closes
// again after SuccessThreshold consecutive successes.
type Policy struct {
	FailureThreshold int
	SuccessThreshold int
	CoolDown         time.Duration
}

var DefaultPolicy = Policy{FailureThreshold: 5, SuccessThreshold: 3, CoolDown: 60 * time.Second}

var errCallFailed = errors.New("call failed")

type State string

const (
	StateClosed   State = "closed"
	StateOpen     State = "open"
	StateHalfOpen State = "half_open"
)

// Registry creates breakers lazily and is safe for concurrent use.
type Registry struct {
	mu       sync.RWMutex
	logger   *slog.Logger
	defaults Policy
	policies map[string]Policy
	breakers map[string]*breaker.Breaker
}

// NewRegistry uses defaults for every name without its own policy. Zero
// fields of defaults fall back to DefaultPolicy.
func NewRegistry(logger *slog.Logger, defaults Policy, policies map[string]Policy) *Registry {
	if defaults.FailureThreshold <= 0 {
		defaults.FailureThreshold = DefaultPolicy.FailureThreshold
	}

	if defaults.SuccessThreshold <= 0 {
		defaults.SuccessThreshold = DefaultPolicy.SuccessThreshold
	}

	if defaults.CoolDown <= 0 {
		defaults.CoolDown = DefaultPolicy.CoolDown
	}

	return &Registry{
		logger:   logger.With("module", "breaker"),
		defaults: defaults,
		policies: policies,
		breakers: make(map[string]*breaker.Breaker),
	}
}

func (r *Registry) get(name string) *breaker.Breaker {
	r.mu.RLock()
	b, ok := r.breakers[name]
	r.mu.RUnlock()

	if ok {
		return b
	}

	r.mu.Lock()
	defer r.mu.Unlock()

	if b, ok = r.breakers[name]; ok {
		return b
	}

	policy, ok := r.policies[name]
	if !ok {
		policy = r.defaults
	}

	b = breaker.New(policy.FailureThreshold, policy.SuccessThreshold, policy.CoolDown)
	r.breakers[name] = b

	return b
}

// IsOpen reports whether calls under name are refused right now.
func (r *Registry) IsOpen(name string) bool {
	return r.State(name) == StateOpen
}

func (r *Registry) State(name string) State {
	switch r.get(name).GetState() {
	case breaker.Open:
		return StateOpen
	case breaker.HalfOpen:
		return StateHalfOpen
	default:
		return StateClosed
	}
}

// Run executes work under the breaker. An open breaker returns
// flowerr.ErrCircuitOpen without running work.
func (r *Registry) Run(name string, work func() error) error {
	err := r.get(name).Run(work)
	if errors.Is(err, breaker.ErrBreakerOpen) {
		return flowerr.ErrCircuitOpen
	}

	return err
}

// Record feeds the outcome of a call performed elsewhere into the breaker.
func (r *Registry) Record(name string, success bool) {
	before := r.State(name)

	_ = r.get(name).Run(func() error {
		if success {
			return nil
		}

		return errCallFailed
	})

	if after := r.State(name); after != before {
		r.logger.Info("circuit breaker changed state", "policy", name, "from", before, "to", after)
	}
}

// Snapshot lists the state of every known breaker, sorted by name.
func (r *Registry) Snapshot() map[string]State {
	r.mu.RLock()
	names := make([]string, 0, len(r.breakers))
	for name := range r.breakers {
		names = append(names, name)
	}
	r.mu.RUnlock()

	sort.Strings(names)

	out := make(map[string]State, len(names))
	for _, name := range names {
		out[name] = r.State(name)
	}

	return out
}
