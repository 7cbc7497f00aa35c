// Package cache implements the read-cache validator for remote reference
// data such as prices, inventory and customer records.
//
// Each entry carries a content hash and a TTL. A read returns data only while
// the entry is unexpired and has not been invalidated; anything else is a
// miss and the caller must fetch from the remote. On reconnect every entry of
// the owner is invalidated at once, so data cached before an outage is never
// served after it.
//
// Refreshes of an existing entry take a short lease lock without waiting.
// A lock that cannot be taken is reported as a miss, never as permission to
// serve the cached value.
package cache
