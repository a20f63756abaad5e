// Package crawler defines the fetch primitives, politeness helpers and
// collaborator interfaces shared by the adapters, fetchers and sinks of the
// concert crawler.
package crawler
