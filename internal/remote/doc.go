// Package remote is the network primitive to the system of record.
//
// Every call is one HTTP round trip bounded by a timeout. A call succeeds only
// when the remote returns a 2xx response whose body confirms the operation was
// durably applied; any other outcome is an error. Errors are classified as
// permanent (the remote explicitly rejected the operation and retrying cannot
// help) or transient (everything else, including timeouts and malformed
// responses).
package remote
