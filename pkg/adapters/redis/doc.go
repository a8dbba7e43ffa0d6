// Package redis provides Redis-backed adapters: the run store, the long-term
// memory store, the generation cache and the distributed run locker.
//
// All keys share a configurable prefix so several deployments can share one
// Redis instance.
package redis
