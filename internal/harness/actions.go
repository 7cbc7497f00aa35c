package harness

import (
	"context"
	"encoding/json"
	"fmt"
	"sort"
	"time"

	"github.com/roach88/posync/internal/domain"
	"github.com/roach88/posync/internal/testutil"
)

// actionFunc executes one scenario action. It returns the output case and
// result fields. Engine errors are returned as-is and mapped to error cases
// by the caller; argument mistakes wrap errBadArgs.
type actionFunc func(ctx context.Context, h *Harness, args map[string]any) (string, map[string]any, error)

const caseOK = "ok"

var actions = map[string]actionFunc{
	// transactions
	"create_transaction": actCreateTransaction,
	"get_transaction":    actGetTransaction,
	"sync_transaction":   actSyncTransaction,
	"run_retries":        actRunRetries,
	"purge_dead_letter":  actPurgeDeadLetter,

	// queue
	"enqueue":             actEnqueue,
	"enqueue_many":        actEnqueueMany,
	"enqueue_transaction": actEnqueueTransaction,
	"dequeue_next":        actDequeueNext,
	"process_item":        actProcessItem,
	"process_queue":       actProcessQueue,
	"queue_stats":         actQueueStats,
	"requeue_dead_letter": actRequeueDeadLetter,
	"archive_oldest":      actArchiveOldest,

	// cache
	"cache_put":        actCachePut,
	"cache_get":        actCacheGet,
	"cache_validate":   actCacheValidate,
	"cache_stats":      actCacheStats,
	"invalidate_model": actInvalidateModel,
	"reconnect":        actReconnect,
	"sweep_cache":      actSweepCache,

	// maintenance and environment
	"purge":          actPurge,
	"recover_stale":  actRecoverStale,
	"scheduler_pass": actSchedulerPass,
	"probe":          actProbe,
	"advance":        actAdvance,
	"remote":         actRemote,
}

func knownAction(name string) bool {
	_, ok := actions[name]
	return ok
}

// ActionNames lists every action a scenario may use.
func ActionNames() []string {
	names := make([]string, 0, len(actions))
	for name := range actions {
		names = append(names, name)
	}
	sort.Strings(names)
	return names
}

func actCreateTransaction(ctx context.Context, h *Harness, args map[string]any) (string, map[string]any, error) {
	owner, err := argString(args, "owner")
	if err != nil {
		return "", nil, err
	}
	txType, err := argString(args, "type")
	if err != nil {
		return "", nil, err
	}
	origin, err := argString(args, "origin_id")
	if err != nil {
		return "", nil, err
	}
	payload, err := argJSON(args, "payload")
	if err != nil {
		return "", nil, err
	}

	res, err := h.svc.CreateTransaction(ctx, owner, domain.TransactionType(txType), payload, origin)
	if err != nil {
		return "", nil, err
	}
	return string(res.Status), map[string]any{
		"transaction_id":  res.TransactionID,
		"idempotency_key": res.IdempotencyKey,
		"sync_status":     string(res.SyncStatus),
		"reason":          res.Reason,
	}, nil
}

func actGetTransaction(ctx context.Context, h *Harness, args map[string]any) (string, map[string]any, error) {
	id, err := argString(args, "id")
	if err != nil {
		return "", nil, err
	}
	st, err := h.svc.GetTransaction(ctx, id)
	if err != nil {
		return "", nil, err
	}
	return string(st.Status), map[string]any{
		"attempt_count":         st.AttemptCount,
		"should_retry":          st.ShouldRetry,
		"duplicate_submissions": st.DuplicateSubmissions,
		"next_retry_at":         formatTime(st.NextRetryAt),
	}, nil
}

func actSyncTransaction(ctx context.Context, h *Harness, args map[string]any) (string, map[string]any, error) {
	id, err := argString(args, "id")
	if err != nil {
		return "", nil, err
	}
	res, err := h.svc.SyncTransaction(ctx, id)
	if err != nil {
		return "", nil, err
	}
	return string(res.Outcome), map[string]any{
		"attempts": res.Attempts,
		"retry_at": formatTime(res.RetryAt),
	}, nil
}

func actRunRetries(ctx context.Context, h *Harness, args map[string]any) (string, map[string]any, error) {
	owner := argOptionalString(args, "owner")
	report, err := h.svc.RunTransactionRetries(ctx, owner)
	if err != nil {
		return "", nil, err
	}
	return caseOK, structFields(report), nil
}

func actPurgeDeadLetter(ctx context.Context, h *Harness, args map[string]any) (string, map[string]any, error) {
	id, err := argString(args, "id")
	if err != nil {
		return "", nil, err
	}
	if err := h.svc.PurgeDeadLetterTransaction(ctx, id); err != nil {
		return "", nil, err
	}
	return caseOK, nil, nil
}

func actEnqueue(ctx context.Context, h *Harness, args map[string]any) (string, map[string]any, error) {
	owner, err := argString(args, "owner")
	if err != nil {
		return "", nil, err
	}
	itemType, err := argString(args, "type")
	if err != nil {
		return "", nil, err
	}
	data, err := argJSON(args, "data")
	if err != nil {
		return "", nil, err
	}
	item, err := h.svc.Enqueue(ctx, owner, domain.ItemType(itemType), data)
	if err != nil {
		return "", nil, err
	}
	return string(item.Status), map[string]any{
		"id":       item.ID,
		"sequence": item.Sequence,
	}, nil
}

func actEnqueueMany(ctx context.Context, h *Harness, args map[string]any) (string, map[string]any, error) {
	owner, err := argString(args, "owner")
	if err != nil {
		return "", nil, err
	}
	itemType, err := argString(args, "type")
	if err != nil {
		return "", nil, err
	}
	count, err := argInt(args, "count")
	if err != nil {
		return "", nil, err
	}

	var last domain.QueueItem
	for i := 1; i <= count; i++ {
		data := json.RawMessage(fmt.Sprintf(`{"n":%d}`, i))
		last, err = h.svc.Enqueue(ctx, owner, domain.ItemType(itemType), data)
		if err != nil {
			return "", nil, err
		}
	}
	return caseOK, map[string]any{
		"count":         count,
		"last_id":       last.ID,
		"last_sequence": last.Sequence,
	}, nil
}

func actEnqueueTransaction(ctx context.Context, h *Harness, args map[string]any) (string, map[string]any, error) {
	id, err := argString(args, "id")
	if err != nil {
		return "", nil, err
	}
	item, err := h.svc.EnqueueTransaction(ctx, id)
	if err != nil {
		return "", nil, err
	}
	return string(item.Status), map[string]any{
		"id":             item.ID,
		"sequence":       item.Sequence,
		"transaction_id": item.TransactionID,
		"type":           string(item.Type),
	}, nil
}

func actDequeueNext(ctx context.Context, h *Harness, args map[string]any) (string, map[string]any, error) {
	owner, err := argString(args, "owner")
	if err != nil {
		return "", nil, err
	}
	item, ok, err := h.svc.DequeueNext(ctx, owner)
	if err != nil {
		return "", nil, err
	}
	if !ok {
		return "empty", nil, nil
	}
	return "item", map[string]any{
		"id":       item.ID,
		"sequence": item.Sequence,
	}, nil
}

func actProcessItem(ctx context.Context, h *Harness, args map[string]any) (string, map[string]any, error) {
	id, err := argString(args, "id")
	if err != nil {
		return "", nil, err
	}
	res, err := h.svc.ProcessItem(ctx, id)
	if err != nil {
		return "", nil, err
	}
	return string(res.Status), map[string]any{
		"noop":     res.Noop,
		"retry_at": formatTime(res.RetryAt),
	}, nil
}

func actProcessQueue(ctx context.Context, h *Harness, args map[string]any) (string, map[string]any, error) {
	owner, err := argString(args, "owner")
	if err != nil {
		return "", nil, err
	}
	report, err := h.svc.ProcessQueue(ctx, owner)
	if err != nil {
		return "", nil, err
	}
	return caseOK, structFields(report), nil
}

func actQueueStats(ctx context.Context, h *Harness, args map[string]any) (string, map[string]any, error) {
	owner, err := argString(args, "owner")
	if err != nil {
		return "", nil, err
	}
	stats, err := h.svc.GetQueueStats(ctx, owner)
	if err != nil {
		return "", nil, err
	}
	return caseOK, structFields(stats), nil
}

func actRequeueDeadLetter(ctx context.Context, h *Harness, args map[string]any) (string, map[string]any, error) {
	id, err := argString(args, "id")
	if err != nil {
		return "", nil, err
	}
	if err := h.svc.RequeueDeadLetter(ctx, id); err != nil {
		return "", nil, err
	}
	return caseOK, nil, nil
}

func actArchiveOldest(ctx context.Context, h *Harness, args map[string]any) (string, map[string]any, error) {
	owner, err := argString(args, "owner")
	if err != nil {
		return "", nil, err
	}
	keep, err := argInt(args, "keep")
	if err != nil {
		return "", nil, err
	}
	n, err := h.svc.ArchiveOldestQueued(ctx, owner, keep)
	if err != nil {
		return "", nil, err
	}
	return caseOK, map[string]any{"archived": n}, nil
}

func actCachePut(ctx context.Context, h *Harness, args map[string]any) (string, map[string]any, error) {
	owner, model, recordID, err := cacheKey(args)
	if err != nil {
		return "", nil, err
	}
	payload, err := argJSON(args, "payload")
	if err != nil {
		return "", nil, err
	}
	entry, err := h.svc.Cache().Put(ctx, owner, model, recordID, payload)
	if err != nil {
		return "", nil, err
	}
	return caseOK, map[string]any{
		"cache_version": entry.Version,
		"content_hash":  entry.ContentHash,
		"expires_at":    formatTime(entry.ExpiresAt),
	}, nil
}

func actCacheGet(ctx context.Context, h *Harness, args map[string]any) (string, map[string]any, error) {
	owner, model, recordID, err := cacheKey(args)
	if err != nil {
		return "", nil, err
	}
	payload, ok, err := h.svc.GetCached(ctx, owner, model, recordID)
	if err != nil {
		return "", nil, err
	}
	if !ok {
		return "miss", nil, nil
	}
	return "hit", map[string]any{"payload": payload}, nil
}

func actCacheValidate(ctx context.Context, h *Harness, args map[string]any) (string, map[string]any, error) {
	owner, model, recordID, err := cacheKey(args)
	if err != nil {
		return "", nil, err
	}
	res, err := h.svc.Cache().Validate(ctx, owner, model, recordID, argOptionalString(args, "remote_hash"))
	if err != nil {
		return "", nil, err
	}
	return string(res.Reason), map[string]any{"valid": res.Valid}, nil
}

func actCacheStats(ctx context.Context, h *Harness, args map[string]any) (string, map[string]any, error) {
	owner, err := argString(args, "owner")
	if err != nil {
		return "", nil, err
	}
	stats, err := h.svc.Cache().Stats(ctx, owner)
	if err != nil {
		return "", nil, err
	}
	return caseOK, structFields(stats), nil
}

func actInvalidateModel(ctx context.Context, h *Harness, args map[string]any) (string, map[string]any, error) {
	owner, err := argString(args, "owner")
	if err != nil {
		return "", nil, err
	}
	model, err := argString(args, "model")
	if err != nil {
		return "", nil, err
	}
	var recordID *int64
	if _, ok := args["record_id"]; ok {
		id, err := argInt(args, "record_id")
		if err != nil {
			return "", nil, err
		}
		rid := int64(id)
		recordID = &rid
	}
	n, err := h.svc.Cache().InvalidateModel(ctx, owner, model, recordID)
	if err != nil {
		return "", nil, err
	}
	return caseOK, map[string]any{"invalidated": n}, nil
}

func actReconnect(ctx context.Context, h *Harness, args map[string]any) (string, map[string]any, error) {
	owner, err := argString(args, "owner")
	if err != nil {
		return "", nil, err
	}
	if err := h.svc.OnReconnect(ctx, owner); err != nil {
		return "", nil, err
	}
	return caseOK, nil, nil
}

func actSweepCache(ctx context.Context, h *Harness, _ map[string]any) (string, map[string]any, error) {
	n, err := h.svc.SweepCache(ctx)
	if err != nil {
		return "", nil, err
	}
	return caseOK, map[string]any{"deleted": n}, nil
}

func actPurge(ctx context.Context, h *Harness, _ map[string]any) (string, map[string]any, error) {
	report, err := h.svc.PurgeCompleted(ctx)
	if err != nil {
		return "", nil, err
	}
	return caseOK, structFields(report), nil
}

func actRecoverStale(ctx context.Context, h *Harness, _ map[string]any) (string, map[string]any, error) {
	n, err := h.svc.RecoverStale(ctx)
	if err != nil {
		return "", nil, err
	}
	return caseOK, map[string]any{"recovered": n}, nil
}

func actSchedulerPass(ctx context.Context, h *Harness, _ map[string]any) (string, map[string]any, error) {
	report, err := h.scheduler.RunOnce(ctx)
	if err != nil {
		return "", nil, err
	}
	processed := 0
	for _, q := range report.Queues {
		processed += q.Processed
	}
	outcome := caseOK
	if report.Offline {
		outcome = "offline"
	}
	return outcome, map[string]any{
		"recovered":              report.Recovered,
		"transactions_attempted": report.Transactions.Attempted,
		"items_processed":        processed,
		"swept":                  report.Swept,
	}, nil
}

func actProbe(ctx context.Context, h *Harness, _ map[string]any) (string, map[string]any, error) {
	online, reconnected := h.monitor.Probe(ctx)
	outcome := "offline"
	if online {
		outcome = "online"
	}
	return outcome, map[string]any{"reconnected": reconnected}, nil
}

func actAdvance(_ context.Context, h *Harness, args map[string]any) (string, map[string]any, error) {
	raw, err := argString(args, "duration")
	if err != nil {
		return "", nil, err
	}
	d, err := time.ParseDuration(raw)
	if err != nil {
		return "", nil, fmt.Errorf("%w: duration: %v", errBadArgs, err)
	}
	now := h.clock.Advance(d)
	return caseOK, map[string]any{"now": formatTime(now)}, nil
}

// actRemote scripts the fake remote. outcomes are consumed one per call,
// then default applies to every later call.
func actRemote(_ context.Context, h *Harness, args map[string]any) (string, map[string]any, error) {
	if raw, ok := args["outcomes"]; ok {
		list, ok := raw.([]any)
		if !ok {
			return "", nil, fmt.Errorf("%w: outcomes must be a list", errBadArgs)
		}
		outcomes := make([]testutil.Outcome, 0, len(list))
		for _, v := range list {
			name, _ := v.(string)
			o, err := parseOutcome(name)
			if err != nil {
				return "", nil, err
			}
			outcomes = append(outcomes, o)
		}
		h.remote.Script(outcomes...)
	}
	if name := argOptionalString(args, "default"); name != "" {
		o, err := parseOutcome(name)
		if err != nil {
			return "", nil, err
		}
		h.remote.SetDefault(o)
	}
	if raw, ok := args["online"]; ok {
		online, ok := raw.(bool)
		if !ok {
			return "", nil, fmt.Errorf("%w: online must be a boolean", errBadArgs)
		}
		h.remote.SetOnline(online)
	}
	return caseOK, nil, nil
}

func parseOutcome(name string) (testutil.Outcome, error) {
	switch name {
	case "applied":
		return testutil.Applied(), nil
	case "transient":
		return testutil.Transient("service unavailable"), nil
	case "permanent":
		return testutil.Permanent("rejected by remote"), nil
	default:
		return testutil.Outcome{}, fmt.Errorf("%w: unknown remote outcome %q", errBadArgs, name)
	}
}

func cacheKey(args map[string]any) (string, string, int64, error) {
	owner, err := argString(args, "owner")
	if err != nil {
		return "", "", 0, err
	}
	model, err := argString(args, "model")
	if err != nil {
		return "", "", 0, err
	}
	id, err := argInt(args, "record_id")
	if err != nil {
		return "", "", 0, err
	}
	return owner, model, int64(id), nil
}

func argString(args map[string]any, key string) (string, error) {
	v, ok := args[key]
	if !ok {
		return "", fmt.Errorf("%w: missing %q", errBadArgs, key)
	}
	switch val := v.(type) {
	case string:
		return val, nil
	case json.Number:
		return val.String(), nil
	default:
		return "", fmt.Errorf("%w: %q must be a string, got %T", errBadArgs, key, v)
	}
}

func argOptionalString(args map[string]any, key string) string {
	s, _ := args[key].(string)
	return s
}

func argInt(args map[string]any, key string) (int, error) {
	v, ok := args[key]
	if !ok {
		return 0, fmt.Errorf("%w: missing %q", errBadArgs, key)
	}
	n, ok := v.(json.Number)
	if !ok {
		return 0, fmt.Errorf("%w: %q must be an integer, got %T", errBadArgs, key, v)
	}
	i, err := n.Int64()
	if err != nil {
		return 0, fmt.Errorf("%w: %q: %v", errBadArgs, key, err)
	}
	return int(i), nil
}

// argJSON returns the argument re-encoded as JSON. Any YAML value is
// accepted, so payloads can be written inline in scenarios.
func argJSON(args map[string]any, key string) (json.RawMessage, error) {
	v, ok := args[key]
	if !ok {
		return nil, fmt.Errorf("%w: missing %q", errBadArgs, key)
	}
	raw, err := json.Marshal(v)
	if err != nil {
		return nil, fmt.Errorf("%w: %q: %v", errBadArgs, key, err)
	}
	return raw, nil
}

func structFields(v any) map[string]any {
	m, err := normalizeMap(v)
	if err != nil {
		return map[string]any{"error": err.Error()}
	}
	return m
}

func formatTime(t time.Time) string {
	if t.IsZero() {
		return ""
	}
	return t.UTC().Format(time.RFC3339)
}
