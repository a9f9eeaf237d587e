// Package registry owns the process-wide set of broker connections, one per
// role. Only the registry creates or destroys a connection; every other
// component holds a reference. Subscriptions go through the connection and are
// idempotent per (channel, event) pair, with an explicit outcome value so
// callers can observe degradation instead of guessing from logs.
package registry
