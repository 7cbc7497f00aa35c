package harness

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"strings"

	"gopkg.in/yaml.v3"

	"github.com/roach88/posync/internal/cache"
	"github.com/roach88/posync/internal/config"
	"github.com/roach88/posync/internal/domain"
	"github.com/roach88/posync/internal/engine"
	"github.com/roach88/posync/internal/metrics"
	"github.com/roach88/posync/internal/store"
	"github.com/roach88/posync/internal/testutil"
)

// Harness executes one scenario against a fresh engine.
type Harness struct {
	store     *store.Store
	svc       *engine.Service
	scheduler *engine.Scheduler
	monitor   *engine.Monitor
	remote    *testutil.ScriptedRemote
	clock     *testutil.FakeClock
	logger    *slog.Logger

	seq  int64
	vars map[string]map[string]any
}

// errBadArgs marks scenario mistakes, as opposed to engine outcomes.
var errBadArgs = errors.New("bad arguments")

// Run executes a scenario and returns the result.
//
// Execution flow:
// 1. Create a fresh in-memory database and engine
// 2. Execute setup steps
// 3. Execute flow steps, checking expect clauses
// 4. Evaluate assertions
//
// The returned error reports a scenario that could not be executed. A
// scenario whose expectations fail yields a Result with Pass false.
func Run(scenario *Scenario) (*Result, error) {
	return RunWithLogger(scenario, slog.New(slog.NewTextHandler(io.Discard, nil)))
}

// RunWithLogger is Run with engine logs sent to logger.
func RunWithLogger(scenario *Scenario, logger *slog.Logger) (*Result, error) {
	cfg, err := scenarioConfig(scenario.Config)
	if err != nil {
		return nil, err
	}

	st, err := store.Open(":memory:")
	if err != nil {
		return nil, fmt.Errorf("failed to create in-memory store: %w", err)
	}
	defer st.Close()

	clock := testutil.NewFakeClock(testutil.Epoch)
	rm := testutil.NewScriptedRemote()

	cacheOpts := append(cfg.CacheOptions(), cache.WithHolderPrefix("harness"))
	svc := engine.New(st, rm,
		engine.WithClock(clock),
		engine.WithIDGenerator(domain.NewSequentialGenerator("id")),
		engine.WithMetrics(metrics.New()),
		engine.WithLogger(logger),
		engine.WithSettings(cfg.EngineSettings()),
		engine.WithCacheOptions(cacheOpts...),
	)
	sched := engine.NewScheduler(svc, cfg.Scheduler.Interval)

	h := &Harness{
		store:     st,
		svc:       svc,
		scheduler: sched,
		monitor:   engine.NewMonitor(svc, sched, cfg.Monitor.Interval),
		remote:    rm,
		clock:     clock,
		logger:    logger,
		vars:      make(map[string]map[string]any),
	}

	ctx := context.Background()
	result := NewResult()

	for i, step := range scenario.Setup {
		outcome, _, err := h.execute(ctx, step.Action, step.Args, result)
		if err != nil {
			return nil, fmt.Errorf("setup step %d (%s): %w", i, step.Action, err)
		}
		if isFailureCase(outcome) {
			return nil, fmt.Errorf("setup step %d (%s): completed with %s", i, step.Action, outcome)
		}
	}

	for i, step := range scenario.Flow {
		outcome, res, err := h.execute(ctx, step.Invoke, step.Args, result)
		if err != nil {
			return nil, fmt.Errorf("flow step %d (%s): %w", i, step.Invoke, err)
		}
		if step.As != "" {
			h.vars[step.As] = res
		}
		if step.Expect != nil {
			for _, msg := range checkExpect(step.Expect, outcome, res) {
				result.AddError(fmt.Sprintf("flow step %d (%s): %s", i, step.Invoke, msg))
			}
		}
	}

	actx := &AssertionContext{Store: st, Ctx: ctx}
	for _, msg := range EvaluateAssertions(result, scenario.Assertions, actx) {
		result.AddError(msg)
	}

	return result, nil
}

func scenarioConfig(overlay map[string]any) (*config.Config, error) {
	if len(overlay) == 0 {
		return config.Default(), nil
	}
	data, err := yaml.Marshal(overlay)
	if err != nil {
		return nil, fmt.Errorf("scenario config: %w", err)
	}
	cfg, err := config.Parse(data)
	if err != nil {
		return nil, fmt.Errorf("scenario config: %w", err)
	}
	return cfg, nil
}

// execute runs one step and records it in the trace.
func (h *Harness) execute(ctx context.Context, action string, rawArgs map[string]any, result *Result) (string, map[string]any, error) {
	resolved, err := h.resolve(rawArgs)
	if err != nil {
		return "", nil, err
	}
	args, err := normalizeMap(resolved)
	if err != nil {
		return "", nil, fmt.Errorf("%w: %v", errBadArgs, err)
	}

	h.seq++
	result.AddInvocationTrace(action, args, h.seq)

	fn, ok := actions[action]
	if !ok {
		return "", nil, fmt.Errorf("unknown action %q", action)
	}
	outcome, res, err := fn(ctx, h, args)
	if errors.Is(err, errBadArgs) {
		return "", nil, err
	}
	if err != nil {
		outcome, res = errorOutcome(err), map[string]any{"error": err.Error()}
	}

	norm, err := normalizeMap(res)
	if err != nil {
		return "", nil, fmt.Errorf("normalize result: %w", err)
	}

	h.seq++
	result.AddCompletionTrace(outcome, norm, h.seq)

	h.logger.Debug("scenario step completed",
		"step", h.seq/2,
		"action", action,
		"output_case", outcome,
	)
	return outcome, norm, nil
}

// resolve replaces $name.field string arguments with saved results.
func (h *Harness) resolve(args map[string]any) (map[string]any, error) {
	out := make(map[string]any, len(args))
	for k, v := range args {
		r, err := h.resolveValue(v)
		if err != nil {
			return nil, fmt.Errorf("arg %q: %w", k, err)
		}
		out[k] = r
	}
	return out, nil
}

func (h *Harness) resolveValue(v any) (any, error) {
	switch val := v.(type) {
	case string:
		if !strings.HasPrefix(val, "$") {
			return val, nil
		}
		name, field, ok := strings.Cut(val[1:], ".")
		if !ok {
			return nil, fmt.Errorf("%w: reference %q must be $name.field", errBadArgs, val)
		}
		saved, ok := h.vars[name]
		if !ok {
			return nil, fmt.Errorf("%w: no saved result %q", errBadArgs, name)
		}
		ref, ok := saved[field]
		if !ok {
			return nil, fmt.Errorf("%w: saved result %q has no field %q", errBadArgs, name, field)
		}
		return ref, nil
	case map[string]any:
		return h.resolve(val)
	case []any:
		out := make([]any, len(val))
		for i, elem := range val {
			r, err := h.resolveValue(elem)
			if err != nil {
				return nil, err
			}
			out[i] = r
		}
		return out, nil
	default:
		return v, nil
	}
}

// errorOutcome maps an engine error to an output case.
func errorOutcome(err error) string {
	var se *engine.SyncError
	switch {
	case errors.As(err, &se):
		return string(se.Code)
	case errors.Is(err, store.ErrNotFound):
		return "not_found"
	case errors.Is(err, store.ErrStateConflict):
		return "conflict"
	case errors.Is(err, cache.ErrLockNotAcquired):
		return "lock_not_acquired"
	default:
		return "error"
	}
}

func isFailureCase(outcome string) bool {
	switch outcome {
	case "error", "not_found", "conflict", "lock_not_acquired", "rejected":
		return true
	}
	return strings.ToUpper(outcome) == outcome
}

// checkExpect compares a completion with its expect clause. Result fields are
// a subset match on canonical JSON.
func checkExpect(expect *ExpectClause, outcome string, res map[string]any) []string {
	var errs []string
	if expect.Case != outcome {
		errs = append(errs, fmt.Sprintf("expected case %q, got %q (result %v)", expect.Case, outcome, res))
	}
	if len(expect.Result) == 0 {
		return errs
	}

	want, err := normalizeMap(expect.Result)
	if err != nil {
		return append(errs, fmt.Sprintf("expected result: %v", err))
	}
	for _, key := range sortedKeys(want) {
		got, ok := res[key]
		if !ok {
			errs = append(errs, fmt.Sprintf("result field %q missing", key))
			continue
		}
		if !jsonEqual(want[key], got) {
			errs = append(errs, fmt.Sprintf("result field %q = %v, expected %v", key, got, want[key]))
		}
	}
	return errs
}

// normalizeMap round-trips v through JSON so numbers become json.Number and
// structs become maps, giving one representation for comparison and golden
// output.
func normalizeMap(v any) (map[string]any, error) {
	if v == nil {
		return map[string]any{}, nil
	}
	raw, err := json.Marshal(v)
	if err != nil {
		return nil, err
	}
	dec := json.NewDecoder(bytes.NewReader(raw))
	dec.UseNumber()
	var out map[string]any
	if err := dec.Decode(&out); err != nil {
		return nil, err
	}
	if out == nil {
		out = map[string]any{}
	}
	return out, nil
}

func jsonEqual(a, b any) bool {
	ca, errA := domain.MarshalCanonical(a)
	cb, errB := domain.MarshalCanonical(b)
	return errA == nil && errB == nil && bytes.Equal(ca, cb)
}
