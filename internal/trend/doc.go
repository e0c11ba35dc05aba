// Package trend defines the core types, capability interfaces and error
// taxonomy shared by the ingest, scoring, deduplication and delivery
// subsystems. It must not import storage drivers or network clients.
package trend
