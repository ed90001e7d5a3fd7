// Package internal holds the casafeed server internals.
//
// - api: HTTP routing, handlers, middleware and problem responses
// - apify: scraper client (dispatch, run status, dataset items)
// - domain: agencies, runs, listings and the reconciliation engine
// - storage: Postgres repositories and migrations
// - jobs: River workers, periodic dispatch and failure alerts
// - config, metrics, telemetry, email, sanitize: shared infrastructure
package internal
