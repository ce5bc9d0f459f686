package tools

import (
	"fmt"
	"sync"
	"time"
)

// BreakerState is the state of one tool's circuit.
type BreakerState int

const (
	BreakerClosed   BreakerState = iota // calls pass through
	BreakerOpen                         // calls fail fast
	BreakerHalfOpen                     // one probe call allowed
)

func (s BreakerState) String() string {
	switch s {
	case BreakerClosed:
		return "closed"
	case BreakerOpen:
		return "open"
	case BreakerHalfOpen:
		return "half_open"
	default:
		return "unknown"
	}
}

// BreakerConfig configures per-tool circuit breaking. A zero Threshold
// disables it.
type BreakerConfig struct {
	// Threshold is the number of consecutive retryable failures that opens the circuit.
	Threshold int `mapstructure:"threshold"`
	// Cooldown is how long an open circuit rejects calls before a probe is let through.
	Cooldown time.Duration `mapstructure:"cooldown"`
}

type breaker struct {
	state    BreakerState
	failures int
	openedAt time.Time
	probing  bool
}

// Breakers tracks one circuit per tool name. Only retryable failures count:
// a permanent failure says nothing about the tool's health.
type Breakers struct {
	mu     sync.Mutex
	cfg    BreakerConfig
	byTool map[string]*breaker
	now    func() time.Time
}

// NewBreakers returns nil when cfg.Threshold is not positive; a nil *Breakers
// allows every call.
func NewBreakers(cfg BreakerConfig) *Breakers {
	if cfg.Threshold <= 0 {
		return nil
	}
	if cfg.Cooldown <= 0 {
		cfg.Cooldown = 30 * time.Second
	}
	return &Breakers{cfg: cfg, byTool: make(map[string]*breaker), now: time.Now}
}

// Allow returns a retryable failure while tool's circuit is open.
func (b *Breakers) Allow(tool string) *Failure {
	if b == nil {
		return nil
	}
	b.mu.Lock()
	defer b.mu.Unlock()

	cb := b.get(tool)
	switch cb.state {
	case BreakerOpen:
		remaining := b.cfg.Cooldown - b.now().Sub(cb.openedAt)
		if remaining > 0 {
			return &Failure{
				Tool:      tool,
				Code:      "circuit_open",
				Message:   fmt.Sprintf("%d consecutive failures, retry in %s", cb.failures, remaining.Round(time.Second)),
				Retryable: true,
			}
		}
		cb.state = BreakerHalfOpen
		cb.probing = true
		return nil
	case BreakerHalfOpen:
		if cb.probing {
			return &Failure{Tool: tool, Code: "circuit_open", Message: "probe call in flight", Retryable: true}
		}
		cb.probing = true
	}
	return nil
}

// Record feeds a call outcome back into tool's circuit.
func (b *Breakers) Record(tool string, f *Failure) {
	if b == nil {
		return
	}
	b.mu.Lock()
	defer b.mu.Unlock()

	cb := b.get(tool)
	cb.probing = false
	if f == nil || !f.Retryable {
		cb.state = BreakerClosed
		cb.failures = 0
		return
	}
	cb.failures++
	if cb.state == BreakerHalfOpen || cb.failures >= b.cfg.Threshold {
		cb.state = BreakerOpen
		cb.openedAt = b.now()
	}
}

// State returns tool's current state.
func (b *Breakers) State(tool string) BreakerState {
	if b == nil {
		return BreakerClosed
	}
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.get(tool).state
}

func (b *Breakers) get(tool string) *breaker {
	cb, ok := b.byTool[tool]
	if !ok {
		cb = &breaker{}
		b.byTool[tool] = cb
	}
	return cb
}
