// Package metrics provides the Prometheus metrics collector.
//
// All metrics live on one custom registry created by NewCollector, so
// nothing leaks into the default global registry. The registry is
// exposed through the file API's /metrics endpoint.
package metrics
