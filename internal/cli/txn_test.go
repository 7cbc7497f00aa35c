package cli

import (
	"net/http"
	"testing"
	"time"

	"github.com/sebdah/goldie/v2"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/roach88/posync/internal/domain"
	"github.com/roach88/posync/internal/engine"
)

const orderPayload = `{"sku":"A1","amount":100}`

func newGoldie(t *testing.T) *goldie.Goldie {
	return goldie.New(t,
		goldie.WithFixtureDir("testdata/golden"),
		goldie.WithNameSuffix(".golden"),
	)
}

func TestTxnCreateAndGet_TextGolden(t *testing.T) {
	env := newCLIEnv(t, "")

	out := env.mustRun(t, "txn", "create", "--owner", "store-1", "--type", "order", "--origin", "42", "--payload", orderPayload)
	newGoldie(t).Assert(t, "txn_create", []byte(out))

	// Key order differs; the canonical payload is the same.
	out = env.mustRun(t, "txn", "create", "--owner", "store-1", "--type", "order", "--origin", "42", "--payload", `{"amount":100,"sku":"A1"}`)
	assert.Contains(t, out, "duplicate id-1")

	out = env.mustRun(t, "txn", "get", "id-1")
	newGoldie(t).Assert(t, "txn_get", []byte(out))
}

func TestTxnCreate_JSON(t *testing.T) {
	env := newCLIEnv(t, "")

	out := env.mustRun(t, "--format", "json", "txn", "create", "--owner", "store-1", "--type", "payment", "--origin", "7")

	var res domain.CreateResult
	decodeData(t, out, &res)
	assert.Equal(t, domain.CreateCreated, res.Status)
	assert.Equal(t, "id-1", res.TransactionID)
	assert.Equal(t, domain.SyncPending, res.SyncStatus)
	assert.Regexp(t, `^payment_7_1767603600_[0-9a-f]{8}$`, res.IdempotencyKey)
}

func TestTxnCreate_RejectedExitsFailure(t *testing.T) {
	env := newCLIEnv(t, "")

	out, err := env.run(t, "txn", "create", "--owner", "store-1", "--type", "order", "--origin", "a_b")
	require.Error(t, err)
	assert.Equal(t, ExitFailure, GetExitCode(err))
	assert.Contains(t, out, "rejected: origin id must not contain '_'")
}

func TestTxnCreate_MissingRequiredFlag(t *testing.T) {
	env := newCLIEnv(t, "")

	_, err := env.run(t, "txn", "create", "--owner", "store-1", "--type", "order")
	require.Error(t, err)
	assert.Contains(t, err.Error(), "origin")
}

func TestTxnGet_NotFound(t *testing.T) {
	env := newCLIEnv(t, "")

	out, err := env.run(t, "txn", "get", "missing")
	require.Error(t, err)
	assert.Equal(t, ExitCommandError, GetExitCode(err))
	assert.Contains(t, out, "Error [E_NOT_FOUND]")
}

func TestTxnSync_Applied(t *testing.T) {
	remote := newFakeRemote(t)
	env := newCLIEnv(t, remote.server.URL)
	env.mustRun(t, "txn", "create", "--owner", "store-1", "--type", "order", "--origin", "42", "--payload", orderPayload)

	out := env.mustRun(t, "txn", "sync", "id-1")
	assert.Equal(t, "id-1 synced (attempt 1)\n", out)

	out = env.mustRun(t, "txn", "sync", "id-1")
	assert.Contains(t, out, "already_synced")
	assert.Equal(t, int32(1), remote.calls.Load())
}

func TestTxnSync_TransientFailureSchedulesRetry(t *testing.T) {
	remote := newFakeRemote(t)
	remote.status.Store(http.StatusServiceUnavailable)
	env := newCLIEnv(t, remote.server.URL)
	env.mustRun(t, "txn", "create", "--owner", "store-1", "--type", "order", "--origin", "42")

	out, err := env.run(t, "--format", "json", "txn", "sync", "id-1")
	require.Error(t, err)
	assert.Equal(t, ExitFailure, GetExitCode(err))

	var res engine.SyncResult
	decodeData(t, out, &res)
	assert.Equal(t, engine.OutcomeFailed, res.Outcome)
	assert.Equal(t, 1, res.Attempts)
	assert.True(t, res.RetryAt.Equal(time.Date(2026, 1, 5, 9, 0, 5, 0, time.UTC)), "retry at %s", res.RetryAt)

	// Not yet due: the retry pass skips it.
	out = env.mustRun(t, "txn", "retry")
	assert.Equal(t, "attempted 0: 0 synced, 0 failed, 0 dead-lettered, 0 skipped\n", out)

	remote.status.Store(http.StatusOK)
	env.clock.Advance(5 * time.Second)
	out = env.mustRun(t, "txn", "retry", "--owner", "store-1")
	assert.Equal(t, "attempted 1: 1 synced, 0 failed, 0 dead-lettered, 0 skipped\n", out)
}

func TestTxnSync_PermanentRejectionAndPurge(t *testing.T) {
	remote := newFakeRemote(t)
	remote.status.Store(http.StatusUnprocessableEntity)
	env := newCLIEnv(t, remote.server.URL)
	env.mustRun(t, "txn", "create", "--owner", "store-1", "--type", "refund", "--origin", "9")

	out, err := env.run(t, "txn", "sync", "id-1")
	require.Error(t, err)
	assert.Contains(t, out, "id-1 dead_letter (attempt 1)")

	out = env.mustRun(t, "txn", "list", "--status", "dead_letter")
	assert.Contains(t, out, "id-1")

	env.mustRun(t, "txn", "purge-dead", "id-1")
	out = env.mustRun(t, "txn", "list")
	assert.Equal(t, "No transactions.\n", out)
}

func TestTxnList_JSONFilters(t *testing.T) {
	env := newCLIEnv(t, "")
	env.mustRun(t, "txn", "create", "--owner", "a", "--type", "order", "--origin", "1")
	env.mustRun(t, "txn", "create", "--owner", "b", "--type", "order", "--origin", "2")
	env.mustRun(t, "txn", "create", "--owner", "a", "--type", "order", "--origin", "3")

	out := env.mustRun(t, "--format", "json", "txn", "list", "--owner", "a")

	var txns []domain.Transaction
	decodeData(t, out, &txns)
	require.Len(t, txns, 2)
	assert.Equal(t, "1", txns[0].OriginID)
	assert.Equal(t, "3", txns[1].OriginID)
}
