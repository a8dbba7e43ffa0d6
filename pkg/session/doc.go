/*
Package session manages concurrent runs.

The Manager starts each run on its own goroutine, keeps its cancel function so
the gateway can stop it, and guarantees that one run ID is driven by a single
state machine at a time: a local reference-counted mutex covers one process
and an optional distributed locker covers replicas.
*/
package session
