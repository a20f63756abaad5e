// Package api hosts the read-only HTTP surface over the concert catalog.
// Notable routes:
//   - GET /healthz and /readyz for probes.
//   - GET /metrics for Prometheus scraping.
//   - GET /v1/concerts with q, venue, artist, limit and offset filters.
//   - GET /v1/concerts/{id}, /v1/artists, /v1/concerts/by-artist and
//     /v1/concerts/by-artist/{name}.
//
// Queries never surface ingestion failures; the catalog resolver always
// yields something renderable.
package api
