// Package source maps configured sources to fetch adapters. Adapters are
// added by registering a factory for a source kind.
package source
