// Package api implements the HTTP handlers for the aggregation service:
// account signup and login, the quota-gated metadata search endpoints, and
// the health probe.
package api
