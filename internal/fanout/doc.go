// Package fanout calls a set of targets concurrently and waits for a
// required number of acknowledgements. It handles per-target timeouts and
// early return once enough targets answered.
package fanout
