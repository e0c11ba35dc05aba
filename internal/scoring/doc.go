// Package scoring ranks candidate items by a weighted combination of rank,
// recent frequency and interest-keyword matches, plus optional pluggable
// signals.
package scoring
