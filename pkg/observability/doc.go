/*
Package observability provides tools for monitoring the espalier state machine.

It includes Prometheus metrics and structured-logging lifecycle hooks. Both are
plain domain.LifecycleHooks values, so they compose with domain.MergeHooks.
*/
package observability
