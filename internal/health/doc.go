// Package health drives the connection health state machine: it probes
// backend liveness, reacts to socket drops and connectivity signals, and runs
// capped-exponential-backoff reconnection with a bounded retry budget. The
// monitor owns the authoritative state value; UI indicators derive from it
// through the transition callback and never mutate it independently.
package health
