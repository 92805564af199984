// ABOUTME: Adaptive per-session token ceilings from an exponential moving average of usage
// ABOUTME: Limits are headroom multiples of the EMA clamped into configured bounds

package budget

import (
	"math"
	"sync"
)

const (
	inputHeadroom  = 2.2
	outputHeadroom = 1.6
)

// Usage is the token count observed for one assistant call. Zero means not observed.
type Usage struct {
	InputTokens  int
	OutputTokens int
}

// Limits are the ceilings to apply to the next call.
type Limits struct {
	InputLimit  int
	OutputLimit int
}

// Config tunes the manager. Zero fields take defaults.
type Config struct {
	Alpha         float64
	DefaultInput  int
	MinInput      int
	MaxInput      int
	DefaultOutput int
	MinOutput     int
	MaxOutput     int
}

// DefaultConfig returns the stock tuning.
func DefaultConfig() Config {
	return Config{
		Alpha:         0.3,
		DefaultInput:  4000,
		MinInput:      1000,
		MaxInput:      16000,
		DefaultOutput: 512,
		MinOutput:     256,
		MaxOutput:     2048,
	}
}

func (c Config) withDefaults() Config {
	d := DefaultConfig()
	if c.Alpha <= 0 || c.Alpha > 1 {
		c.Alpha = d.Alpha
	}
	if c.MinInput <= 0 {
		c.MinInput = d.MinInput
	}
	if c.MaxInput <= 0 {
		c.MaxInput = d.MaxInput
	}
	if c.MaxInput < c.MinInput {
		c.MaxInput = c.MinInput
	}
	if c.DefaultInput <= 0 {
		c.DefaultInput = d.DefaultInput
	}
	if c.MinOutput <= 0 {
		c.MinOutput = d.MinOutput
	}
	if c.MaxOutput <= 0 {
		c.MaxOutput = d.MaxOutput
	}
	if c.MaxOutput < c.MinOutput {
		c.MaxOutput = c.MinOutput
	}
	if c.DefaultOutput <= 0 {
		c.DefaultOutput = d.DefaultOutput
	}
	c.DefaultInput = clamp(c.DefaultInput, c.MinInput, c.MaxInput)
	c.DefaultOutput = clamp(c.DefaultOutput, c.MinOutput, c.MaxOutput)
	return c
}

type ema struct {
	value  float64
	seeded bool
}

func (e *ema) observe(alpha float64, obs int) {
	if obs <= 0 {
		return
	}
	if !e.seeded {
		e.value = float64(obs)
		e.seeded = true
		return
	}
	e.value = alpha*float64(obs) + (1-alpha)*e.value
}

type entry struct {
	input  ema
	output ema
}

// Manager tracks usage per session key. Safe for concurrent use.
type Manager struct {
	cfg     Config
	mu      sync.Mutex
	entries map[string]*entry
}

// New creates a manager.
func New(cfg Config) *Manager {
	return &Manager{
		cfg:     cfg.withDefaults(),
		entries: make(map[string]*entry),
	}
}

// Update folds one observation into the key's averages.
func (m *Manager) Update(key string, u Usage) {
	if u.InputTokens <= 0 && u.OutputTokens <= 0 {
		return
	}
	m.mu.Lock()
	defer m.mu.Unlock()

	e, ok := m.entries[key]
	if !ok {
		e = &entry{}
		m.entries[key] = e
	}
	e.input.observe(m.cfg.Alpha, u.InputTokens)
	e.output.observe(m.cfg.Alpha, u.OutputTokens)
}

// Limits returns the ceilings for the key. Fields never observed use defaults.
func (m *Manager) Limits(key string) Limits {
	m.mu.Lock()
	defer m.mu.Unlock()

	l := Limits{InputLimit: m.cfg.DefaultInput, OutputLimit: m.cfg.DefaultOutput}
	e, ok := m.entries[key]
	if !ok {
		return l
	}
	if e.input.seeded {
		l.InputLimit = clamp(int(math.Round(e.input.value*inputHeadroom)), m.cfg.MinInput, m.cfg.MaxInput)
	}
	if e.output.seeded {
		l.OutputLimit = clamp(int(math.Round(e.output.value*outputHeadroom)), m.cfg.MinOutput, m.cfg.MaxOutput)
	}
	return l
}

// Forget drops the key's history, typically when its session ends.
func (m *Manager) Forget(key string) {
	m.mu.Lock()
	defer m.mu.Unlock()
	delete(m.entries, key)
}

// Len returns the number of tracked keys.
func (m *Manager) Len() int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return len(m.entries)
}

func clamp(v, lo, hi int) int {
	if v < lo {
		return lo
	}
	if v > hi {
		return hi
	}
	return v
}
