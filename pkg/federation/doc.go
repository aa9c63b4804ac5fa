// Package federation holds the federation-scoped pieces of the storage
// layer: access policies and their evaluation, the federation directory,
// per-key DataLocation tracking, storage peer advertisements, quotas and
// Prometheus metrics.
package federation
