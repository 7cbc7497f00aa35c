package cli

import (
	"net/http"
	"testing"

	"github.com/stretchr/testify/assert"

	"github.com/roach88/posync/internal/engine"
)

func TestMaintenance_PurgeAndRecoverEmpty(t *testing.T) {
	env := newCLIEnv(t, "")

	out := env.mustRun(t, "maintenance", "purge")
	assert.Equal(t, "purged 0 queue items, 0 transactions\n", out)

	out = env.mustRun(t, "maint", "recover")
	assert.Equal(t, "recovered 0 items\n", out)
}

func TestMaintenance_ReconnectInvalidatesCache(t *testing.T) {
	env := newCLIEnv(t, "")
	env.mustRun(t, cacheArgs("put", "--payload", `{}`)...)

	out := env.mustRun(t, "maintenance", "reconnect")
	assert.Equal(t, "reconnected all owners\n", out)

	out = env.mustRun(t, cacheArgs("validate")...)
	assert.Equal(t, "valid=false reason=expired\n", out)
}

func TestMaintenance_RunOnceSyncsDueWork(t *testing.T) {
	remote := newFakeRemote(t)
	env := newCLIEnv(t, remote.server.URL)
	env.mustRun(t, "txn", "create", "--owner", "store-1", "--type", "order", "--origin", "42")
	env.mustRun(t, "queue", "enqueue", "--owner", "store-1", "--type", "sync")

	out := env.mustRun(t, "--format", "json", "maintenance", "run-once", "--probe")

	var report engine.PassReport
	decodeData(t, out, &report)
	assert.False(t, report.Offline)
	assert.Equal(t, 1, report.Transactions.Synced)
	assert.Equal(t, 1, report.Queues["store-1"].Completed)
}

func TestMaintenance_RunOnceOfflineSkipsSync(t *testing.T) {
	remote := newFakeRemote(t)
	remote.status.Store(http.StatusServiceUnavailable)
	env := newCLIEnv(t, remote.server.URL)
	env.mustRun(t, "txn", "create", "--owner", "store-1", "--type", "order", "--origin", "42")

	out := env.mustRun(t, "maintenance", "run-once", "--probe")
	assert.Contains(t, out, "offline: sync steps skipped")
	assert.Contains(t, out, "transactions: 0 attempted")
	assert.Equal(t, int32(0), remote.calls.Load())
}
