package domain

import (
	"strings"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestContentHash_KeyOrderIndependent(t *testing.T) {
	h1, err := ContentHash([]byte(`{"amount":100,"currency":"USD"}`))
	require.NoError(t, err)
	h2, err := ContentHash([]byte(`{ "currency": "USD", "amount": 100 }`))
	require.NoError(t, err)

	assert.Equal(t, h1, h2)
	assert.Len(t, h1, 64)
}

func TestContentHash_DifferentPayloads(t *testing.T) {
	h1, err := ContentHash([]byte(`{"price":9.99}`))
	require.NoError(t, err)
	h2, err := ContentHash([]byte(`{"price":10.99}`))
	require.NoError(t, err)

	assert.NotEqual(t, h1, h2)
}

func TestTimeBucket(t *testing.T) {
	base := time.Unix(1704067200, 0)

	assert.Equal(t, int64(1704067200), TimeBucket(base, time.Minute))
	assert.Equal(t, int64(1704067200), TimeBucket(base.Add(59*time.Second), time.Minute))
	assert.Equal(t, int64(1704067260), TimeBucket(base.Add(60*time.Second), time.Minute))
	assert.Equal(t, int64(0), TimeBucket(base, 0))
	assert.Equal(t, int64(0), TimeBucket(base, -time.Second))
}

func TestTimeBucket_SubSecondWindowKeepsTimestamp(t *testing.T) {
	at := time.Unix(1704067201, 0)
	assert.Equal(t, int64(1704067201), TimeBucket(at, 500*time.Millisecond))
	assert.Equal(t, int64(1704067201), TimeBucket(at.Add(900*time.Millisecond), time.Nanosecond))
}

func TestIdempotencyKey_Format(t *testing.T) {
	at := time.Unix(1704067200, 0)
	key, err := IdempotencyKey(TransactionOrder, "42", []byte(`{"amount":100}`), at, time.Minute)
	require.NoError(t, err)

	assert.True(t, strings.HasPrefix(key, "order_42_1704067200_"), key)
	parts := strings.Split(key, "_")
	require.Len(t, parts, 4)
	assert.Len(t, parts[3], 8)
}

func TestIdempotencyKey_SameWindowCollapses(t *testing.T) {
	at := time.Unix(1704067200, 0)
	payload := []byte(`{"amount":100}`)

	k1, err := IdempotencyKey(TransactionOrder, "42", payload, at, time.Minute)
	require.NoError(t, err)
	k2, err := IdempotencyKey(TransactionOrder, "42", payload, at.Add(30*time.Second), time.Minute)
	require.NoError(t, err)
	k3, err := IdempotencyKey(TransactionOrder, "42", payload, at.Add(61*time.Second), time.Minute)
	require.NoError(t, err)

	assert.Equal(t, k1, k2)
	assert.NotEqual(t, k1, k3)
}

func TestIdempotencyKey_DistinguishesContent(t *testing.T) {
	at := time.Unix(1704067200, 0)

	k1, err := IdempotencyKey(TransactionOrder, "42", []byte(`{"amount":100}`), at, time.Minute)
	require.NoError(t, err)
	k2, err := IdempotencyKey(TransactionOrder, "42", []byte(`{"amount":101}`), at, time.Minute)
	require.NoError(t, err)
	k3, err := IdempotencyKey(TransactionPayment, "42", []byte(`{"amount":100}`), at, time.Minute)
	require.NoError(t, err)

	assert.NotEqual(t, k1, k2)
	assert.NotEqual(t, k1, k3)
}

func TestIdempotencyKey_Rejects(t *testing.T) {
	at := time.Unix(1704067200, 0)

	_, err := IdempotencyKey("bogus", "42", []byte(`{}`), at, time.Minute)
	assert.Error(t, err)

	_, err = IdempotencyKey(TransactionOrder, "4_2", []byte(`{}`), at, time.Minute)
	assert.Error(t, err)

	_, err = IdempotencyKey(TransactionOrder, "42", []byte(`not json`), at, time.Minute)
	assert.Error(t, err)
}
