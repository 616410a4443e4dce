// Package job defines the Job record and its lifecycle state machine, the
// failure taxonomy, typed handler definitions with a registry, and the
// Store interface every result-store backend implements.
//
// The Store is the single source of truth for job state. All transitions
// after submission are conditional updates: a claim moves a job from
// pending or retrying to running only if it is still in one of those
// states, and terminal writes require the caller to be the running owner.
// This optimistic-concurrency contract is what turns the broker's
// at-least-once delivery into exactly-once effect.
package job
