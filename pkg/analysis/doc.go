// Package analysis derives evolution insights from query results: creation
// trends, their acceleration, stagnant entity types, and recurring cycles.
//
// Every function is read-only. Insufficient data produces a result with
// Signal false or an empty slice, never an error.
package analysis
