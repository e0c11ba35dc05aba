// Package store holds the helpers shared by the incremental store backends:
// the sortable timestamp encoding, transient-error retry, and batch status
// derivation. Backends live in subpackages; this package must not import
// database drivers or concrete clients.
package store
