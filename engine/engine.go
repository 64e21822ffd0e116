// Package engine implements the host-facing Engine API (spec §6.1): the
// single entry point a host embeds to load policy source, feed it
// input/data, and pull evaluation results back out, generalized over
// both the tree-walking interpreter and the register VM compile
// targets. It mirrors the teacher's Engine type (pkgs/engine/engine.go)
// in shape — a struct built once via New, then driven through a
// sequence of mutating setup calls before each Eval* call — adapted
// from "walk an AST and run shell commands" to "load and evaluate
// policy modules".
package engine

import (
	"context"
	"fmt"
	"sync"

	"github.com/lithammer/fuzzysearch/fuzzy"
	"github.com/sirupsen/logrus"

	"github.com/ironleaf/polyrule/ast"
	"github.com/ironleaf/polyrule/builtins"
	"github.com/ironleaf/polyrule/hoist"
	"github.com/ironleaf/polyrule/interp"
	"github.com/ironleaf/polyrule/limits"
	"github.com/ironleaf/polyrule/parser"
	"github.com/ironleaf/polyrule/policy"
	"github.com/ironleaf/polyrule/rerr"
	"github.com/ironleaf/polyrule/schedule"
	"github.com/ironleaf/polyrule/value"
)

// Engine is a single host's policy-loading and evaluation session. Not
// safe for concurrent use (spec §5: one engine per thread) — a host
// that wants concurrent evaluation builds one Engine per goroutine, or
// compiles once and shares the resulting policy.CompiledPolicy instead.
type Engine struct {
	mu sync.Mutex

	modules []*ast.Module

	builtins       *builtins.Registry
	extensionNames map[string]bool

	input value.Value
	data  value.Value

	strictBuiltinErrors bool

	processLimits limits.Config
	engineLimits  *limits.Config // per-engine override, nil => processLimits

	log *logrus.Logger

	compiled       *policy.CompiledPolicy
	compiledTarget policy.Target
}

// New constructs an Engine with an empty module set, the standard
// builtin registry, and process-wide default limits.
func New() *Engine {
	log := logrus.New()
	return &Engine{
		builtins:       builtins.NewRegistry(),
		extensionNames: map[string]bool{},
		input:          value.NewObject(),
		data:           value.NewObject(),
		processLimits:  limits.DefaultConfig(),
		log:            log,
	}
}

// SetProcessConfig overrides the process-wide fallback limits (e.g.
// loaded once at startup via limits.LoadConfig), used whenever no
// per-engine override has been set.
func (e *Engine) SetProcessConfig(cfg limits.Config) {
	e.mu.Lock()
	defer e.mu.Unlock()
	e.processLimits = cfg
}

// AddPolicy parses source as one module and adds it to the engine's
// module set, invalidating any previously compiled policy. Returns the
// module's dotted package name (e.g. "data.authz").
func (e *Engine) AddPolicy(path, source string) (string, error) {
	e.mu.Lock()
	defer e.mu.Unlock()

	mod, err := parser.Parse(source)
	if err != nil {
		return "", rerr.Wrap(rerr.KindParse, "parsing policy "+path, err)
	}
	e.modules = append(e.modules, mod)
	e.compiled = nil
	e.log.WithFields(logrus.Fields{"path": path, "package": mod.PathString()}).Debug("policy loaded")
	return mod.PathString(), nil
}

// SetInput replaces the engine's current input document.
func (e *Engine) SetInput(v value.Value) {
	e.mu.Lock()
	defer e.mu.Unlock()
	e.input = v
}

// SetInputJSON parses text as JSON and installs it as the input
// document.
func (e *Engine) SetInputJSON(text []byte) error {
	v, err := value.ParseJSON(text)
	if err != nil {
		return rerr.Wrap(rerr.KindInvalidDataFormat, "parsing input JSON", err)
	}
	e.SetInput(v)
	return nil
}

// AddData merges v into the engine's base document (spec §5's
// init_data), erroring if v is not an object or if it conflicts with
// data already present (same key, incompatible non-object values).
func (e *Engine) AddData(v value.Value) error {
	e.mu.Lock()
	defer e.mu.Unlock()
	if v.Kind() != value.KindObject {
		return rerr.New(rerr.KindInvalidDataFormat, "add_data requires an object at the root")
	}
	merged, err := mergeDataStrict(e.data, v)
	if err != nil {
		return err
	}
	e.data = merged
	e.compiled = nil
	return nil
}

// ClearData resets the base document to empty.
func (e *Engine) ClearData() {
	e.mu.Lock()
	defer e.mu.Unlock()
	e.data = value.NewObject()
	e.compiled = nil
}

// mergeDataStrict merges b into a, recursing into nested objects the
// way value.ObjectMerge does, but — unlike that builtin-backed
// union — rejects a merge where both sides bind the same key to
// different non-object values instead of letting b silently win.
func mergeDataStrict(a, b value.Value) (value.Value, error) {
	if a.Kind() != value.KindObject || b.Kind() != value.KindObject {
		if value.Equal(a, b) {
			return b, nil
		}
		return value.Undefined, rerr.New(rerr.KindInvalidDataFormat, "add_data: conflicting values for overlapping path")
	}
	out := a
	for _, entry := range b.ObjectEntries() {
		existing := out.Index(entry.Key)
		if existing.IsUndefined() {
			out = out.ObjectSet(entry.Key, entry.Value)
			continue
		}
		merged, err := mergeDataStrict(existing, entry.Value)
		if err != nil {
			return value.Undefined, err
		}
		out = out.ObjectSet(entry.Key, merged)
	}
	return out, nil
}

// SetStrictBuiltinErrors toggles whether a builtin type/argument error
// aborts evaluation (true) or is swallowed to Undefined (false, the
// default), spec §4.3.5.
func (e *Engine) SetStrictBuiltinErrors(strict bool) {
	e.mu.Lock()
	defer e.mu.Unlock()
	e.strictBuiltinErrors = strict
}

// SetExecutionTimerConfig installs a per-engine override of the
// time/instruction limits, taking precedence over the process-wide
// fallback until ClearExecutionTimerConfig is called.
func (e *Engine) SetExecutionTimerConfig(cfg limits.Config) {
	e.mu.Lock()
	defer e.mu.Unlock()
	e.engineLimits = &cfg
}

// ClearExecutionTimerConfig removes any per-engine override, reverting
// to the process-wide fallback.
func (e *Engine) ClearExecutionTimerConfig() {
	e.mu.Lock()
	defer e.mu.Unlock()
	e.engineLimits = nil
}

func (e *Engine) activeLimits() limits.Config {
	if e.engineLimits != nil {
		return *e.engineLimits
	}
	return e.processLimits
}

// AddExtension registers a host-supplied function under the dotted
// name path so policy source can call it like a builtin. Per spec
// §6.1/§9, an extension name can only be registered once — a second
// AddExtension call for the same name is rejected rather than silently
// replacing the first (the underlying builtins.Registry.Register would
// otherwise happily overwrite it).
func (e *Engine) AddExtension(path string, nargs int, fn builtins.Func) error {
	e.mu.Lock()
	defer e.mu.Unlock()
	if e.extensionNames[path] {
		return rerr.New(rerr.KindInvalidRef, "extension "+path+" is already registered and cannot be replaced")
	}
	e.builtins.Register(path, nargs, fn)
	e.extensionNames[path] = true
	e.compiled = nil
	return nil
}

// CompileForTarget compiles the engine's current module set for the
// named backend ("interp" or "vm"), caching the result until the
// module set, builtins, or data change again.
func (e *Engine) CompileForTarget(target policy.Target) (*policy.CompiledPolicy, error) {
	e.mu.Lock()
	defer e.mu.Unlock()
	return e.compileLocked(target)
}

// CompileWithEntrypoint compiles for the "vm" target, the shape a host
// reaches for when it wants a serializable vm.Program keyed by entry
// point rather than an interp-backed CompiledPolicy (spec §6.1).
func (e *Engine) CompileWithEntrypoint(path string) (*policy.CompiledPolicy, error) {
	cp, err := e.CompileForTarget(policy.TargetVM)
	if err != nil {
		return nil, err
	}
	if _, ok := cp.Program().EntryPoints[path]; !ok {
		return nil, e.ruleNotFoundError(path)
	}
	return cp, nil
}

func (e *Engine) compileLocked(target policy.Target) (*policy.CompiledPolicy, error) {
	if e.compiled != nil && e.compiledTarget == target {
		return e.compiled, nil
	}
	cp, err := policy.Compile(e.modules, e.builtins, e.data, target)
	if err != nil {
		return nil, err
	}
	e.compiled = cp
	e.compiledTarget = target
	return cp, nil
}

func (e *Engine) evaluatorLocked(target policy.Target) (*policy.Evaluator, error) {
	cp, err := e.compileLocked(target)
	if err != nil {
		return nil, err
	}
	return cp.NewEvaluator(policy.Options{
		StrictBuiltinErrors: e.strictBuiltinErrors,
		Limits:              e.activeLimits(),
	}, value.Undefined), nil
}

// EvalRule evaluates the rule(s) at a dotted data path (e.g.
// "data.authz.allow") against the engine's current input.
func (e *Engine) EvalRule(ctx context.Context, path string) (value.Value, error) {
	e.mu.Lock()
	ev, err := e.evaluatorLocked(policy.TargetInterp)
	input := e.input
	e.mu.Unlock()
	if err != nil {
		return value.Undefined, err
	}
	v, err := ev.EvalRule(ctx, input, path)
	if err != nil {
		return value.Undefined, err
	}
	if v.IsUndefined() {
		e.logRuleMiss(path)
	}
	return v, nil
}

// EvalBoolQuery parses and evaluates an ad-hoc query, reporting only
// whether it succeeded — the shape eval_allow_query/eval_deny_query
// build on.
func (e *Engine) EvalBoolQuery(ctx context.Context, query string) (bool, error) {
	e.mu.Lock()
	defer e.mu.Unlock()

	ip, mod, q, err := e.buildAdhocInterp(query)
	if err != nil {
		return false, err
	}
	return ip.EvalQuery(e.input, mod, q)
}

// EvalAllowQuery evaluates query and succeeds (returns true) only when
// it has a solution and that solution is not explicitly false — the
// conventional "default deny" boolean-policy entry point.
func (e *Engine) EvalAllowQuery(ctx context.Context, query string) (bool, error) {
	return e.EvalBoolQuery(ctx, query)
}

// EvalDenyQuery is EvalAllowQuery's negation: true exactly when the
// query has no solution.
func (e *Engine) EvalDenyQuery(ctx context.Context, query string) (bool, error) {
	ok, err := e.EvalBoolQuery(ctx, query)
	if err != nil {
		return false, err
	}
	return !ok, nil
}

// EvalQuery parses and evaluates an ad-hoc query, returning every
// solution's bindings and expression values (spec §6.1). The same
// binding/expression detail is computed either way; tracing only adds a
// trace-level log line naming the query.
func (e *Engine) EvalQuery(query string, tracing bool) ([]interp.QueryResult, error) {
	e.mu.Lock()
	defer e.mu.Unlock()

	ip, mod, q, err := e.buildAdhocInterp(query)
	if err != nil {
		return nil, err
	}
	if tracing {
		e.log.WithField("query", query).Trace("evaluating ad-hoc query")
	}
	return ip.EvalQueryResults(e.input, mod, q)
}

// buildAdhocInterp wraps query as a synthetic rule body so the existing
// module parser produces an *ast.Query without needing a separate
// query-only grammar entry point, folds it into the engine's loaded
// module set so it can reference data.* rules (spec §6.1 eval_query
// operates over the full loaded policy set, not in isolation), and
// builds a fresh schedule/hoist/interp over that combined set — the
// cached CompileForTarget artifact can't be reused here since its
// schedule/hoist tables were built without this query's statements.
func (e *Engine) buildAdhocInterp(query string) (*interp.Interp, *ast.Module, *ast.Query, error) {
	src := "package __adhoc__\n\n__result__ {\n" + query + "\n}\n"
	qmod, err := parser.Parse(src)
	if err != nil {
		return nil, nil, nil, rerr.Wrap(rerr.KindParse, "parsing ad-hoc query", err)
	}
	if len(qmod.Rules) == 0 || len(qmod.Rules[0].Bodies) == 0 {
		return nil, nil, nil, rerr.New(rerr.KindParse, "ad-hoc query produced no body")
	}

	combined := make([]*ast.Module, len(e.modules)+1)
	copy(combined, e.modules)
	combined[len(e.modules)] = qmod

	sched, err := schedule.Build(combined)
	if err != nil {
		return nil, nil, nil, err
	}
	tbl, err := hoist.Build(combined, sched)
	if err != nil {
		return nil, nil, nil, err
	}
	ip := interp.New(combined, sched, tbl, e.builtins, e.data)
	ip.StrictBuiltinErrors = e.strictBuiltinErrors
	cfg := e.activeLimits()
	ip.TimeLimit = cfg.TimeLimit
	ip.TimeCheckEvery = cfg.TimeCheckInterval
	ip.MaxInstructions = cfg.MaxInstructions
	return ip, qmod, qmod.Rules[0].Bodies[0].Query, nil
}

func (e *Engine) logRuleMiss(path string) {
	known := e.knownRulePaths()
	if len(known) == 0 {
		return
	}
	ranks := fuzzy.RankFindFold(path, known)
	if len(ranks) == 0 {
		return
	}
	e.log.WithFields(logrus.Fields{
		"path":         path,
		"did_you_mean": ranks[0].Target,
	}).Debug("rule evaluated to undefined; similar path exists")
}

func (e *Engine) ruleNotFoundError(path string) error {
	known := e.knownRulePaths()
	msg := fmt.Sprintf("unknown rule path %s", path)
	ranks := fuzzy.RankFindFold(path, known)
	if len(ranks) > 0 {
		msg = fmt.Sprintf("%s (did you mean %s?)", msg, ranks[0].Target)
	}
	return rerr.New(rerr.KindInvalidRulePath, msg)
}

func (e *Engine) knownRulePaths() []string {
	var out []string
	for _, m := range e.modules {
		for _, r := range m.Rules {
			out = append(out, m.PathString()+"."+joinRefr(r.Refr))
		}
	}
	return out
}

func joinRefr(parts []string) string {
	out := ""
	for i, p := range parts {
		if i > 0 {
			out += "."
		}
		out += p
	}
	return out
}
