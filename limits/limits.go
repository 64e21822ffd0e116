// Package limits implements the resource-bound contract shared by the
// interpreter and the RVM (spec §5): an execution timer polled every
// few work units, an instruction/step budget, and an optional
// memory-limit hook checked at hot points. Process-wide defaults load
// from YAML, matching the teacher's own config-file convention
// (core/types/validation_config.go, gopkg.in/yaml.v3).
package limits

import (
	"os"
	"time"

	"gopkg.in/yaml.v3"

	"github.com/ironleaf/polyrule/rerr"
)

// ExecutionTimer polls a monotonic clock every CheckInterval work units
// and aborts once Limit has elapsed, per spec §4.5.3/§5.
type ExecutionTimer struct {
	Limit         time.Duration
	CheckInterval int

	start time.Time
	ticks int
}

// NewExecutionTimer constructs a timer; a zero Limit means "no timer".
func NewExecutionTimer(limit time.Duration, checkInterval int) *ExecutionTimer {
	if checkInterval <= 0 {
		checkInterval = 1
	}
	return &ExecutionTimer{Limit: limit, CheckInterval: checkInterval}
}

// Start resets the timer's clock. Call once per evaluation/execution.
func (t *ExecutionTimer) Start(now time.Time) {
	if t == nil {
		return
	}
	t.start = now
	t.ticks = 0
}

// Tick is called once per "work unit" (statement, instruction dispatch,
// or loop iteration, depending on caller). It only actually checks the
// clock every CheckInterval calls.
func (t *ExecutionTimer) Tick(now time.Time) error {
	if t == nil || t.Limit <= 0 {
		return nil
	}
	t.ticks++
	if t.ticks%t.CheckInterval != 0 {
		return nil
	}
	if now.Sub(t.start) > t.Limit {
		return rerr.New(rerr.KindTimeLimit, "execution time limit exceeded")
	}
	return nil
}

// Budget bounds the total number of dispatched instructions (VM) or
// evaluated expressions (interpreter), spec §4.5.3.
type Budget struct {
	Max   int64
	spent int64
}

// NewBudget constructs a budget; max <= 0 means unbounded.
func NewBudget(max int64) *Budget {
	return &Budget{Max: max}
}

// Consume charges n units against the budget.
func (b *Budget) Consume(n int64) error {
	if b == nil || b.Max <= 0 {
		return nil
	}
	b.spent += n
	if b.spent > b.Max {
		return rerr.New(rerr.KindInstrBudget, "instruction budget exceeded")
	}
	return nil
}

func (b *Budget) Spent() int64 {
	if b == nil {
		return 0
	}
	return b.spent
}

// MemoryHook, when non-nil, is invoked at hot points (loop iterations,
// statement evaluation, rule activation) and may abort evaluation with
// a memory-limit error (spec §5).
type MemoryHook func() error

// Config is the process-wide fallback, loaded from YAML (SPEC_FULL.md
// §2 AMBIENT STACK) and applied whenever a per-VM/per-engine value is
// not explicitly set.
type Config struct {
	TimeLimit          time.Duration `yaml:"time_limit"`
	TimeCheckInterval  int           `yaml:"time_check_interval"`
	MaxInstructions    int64         `yaml:"max_instructions"`
}

// DefaultConfig mirrors the teacher's baked-in defaults convention:
// generous enough not to surprise a host that never configures limits.
func DefaultConfig() Config {
	return Config{
		TimeLimit:         30 * time.Second,
		TimeCheckInterval: 1000,
		MaxInstructions:   50_000_000,
	}
}

// LoadConfig reads the process-wide fallback configuration from a YAML
// file, starting from DefaultConfig so a file that only overrides one
// field still gets sane values for the rest. A missing file is not an
// error — hosts that never ship a config file get DefaultConfig as-is.
func LoadConfig(path string) (Config, error) {
	cfg := DefaultConfig()
	data, err := os.ReadFile(path)
	if err != nil {
		if os.IsNotExist(err) {
			return cfg, nil
		}
		return cfg, rerr.Wrap(rerr.KindInvalidDataFormat, "reading limits config "+path, err)
	}
	if err := yaml.Unmarshal(data, &cfg); err != nil {
		return cfg, rerr.Wrap(rerr.KindInvalidDataFormat, "parsing limits config "+path, err)
	}
	return cfg, nil
}
